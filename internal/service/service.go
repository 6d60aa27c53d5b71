// Package service orchestrates document processing, embedding and index
// mutation. It is the only layer that calls the index manager's mutating
// operations; HTTP handlers and the CLI go through it.
package service

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/bunkodb/bunko/internal/embedding"
	"github.com/bunkodb/bunko/internal/index"
	"github.com/bunkodb/bunko/internal/models"
	"github.com/bunkodb/bunko/internal/processor"
	"github.com/bunkodb/bunko/internal/query"
	"github.com/bunkodb/bunko/internal/storage"
)

// Service wires the document processor, the embedder and the index manager.
type Service struct {
	manager   *index.Manager
	processor *processor.Processor
	embedder  embedding.Embedder
	chunks    storage.Storage
	logger    *zap.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets a logger for debug output.
func WithLogger(l *zap.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// New creates a service with the given dependencies.
func New(mgr *index.Manager, proc *processor.Processor, embedder embedding.Embedder, chunks storage.Storage, opts ...Option) *Service {
	s := &Service{
		manager:   mgr,
		processor: proc,
		embedder:  embedder,
		chunks:    chunks,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// IndexFile processes, embeds and indexes the file at path. The document ID
// is the absolute path, so re-indexing a changed file replaces its entry
// instead of stacking a second one on top.
func (s *Service) IndexFile(ctx context.Context, path string) index.AddResult {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return index.AddResult{Error: fmt.Sprintf("absolute path: %v", err)}
	}
	if !s.processor.Validate(absPath) {
		return index.AddResult{Error: fmt.Sprintf("unsupported or unreadable file: %s", absPath)}
	}
	chunks, err := s.prepareChunks(ctx, absPath)
	if err != nil {
		return index.AddResult{Error: err.Error()}
	}
	if len(chunks) == 0 {
		return index.AddResult{Error: "no content"}
	}
	// Drop the stale entry first so the old vectors are rebuilt away rather
	// than left orphaned in the store.
	if s.manager.IsDocumentIndexed(absPath) {
		if res := s.manager.RemoveDocument(ctx, absPath); !res.Success {
			return index.AddResult{Error: fmt.Sprintf("replace existing entry: %s", res.Error)}
		}
	}
	return s.manager.AddDocument(ctx, absPath, chunks)
}

// IndexDirectory walks dir recursively and indexes every regular file with a
// supported extension. Returns the number of files indexed and the first
// error encountered.
func (s *Service) IndexDirectory(ctx context.Context, dir string) (int, error) {
	paths, err := s.collectFiles(dir)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, path := range paths {
		if res := s.IndexFile(ctx, path); !res.Success {
			return n, fmt.Errorf("index %s: %s", path, res.Error)
		}
		n++
	}
	return n, nil
}

// RemoveFile removes the document for path from the index.
func (s *Service) RemoveFile(ctx context.Context, path string) index.RemoveResult {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return index.RemoveResult{Error: fmt.Sprintf("absolute path: %v", err)}
	}
	return s.manager.RemoveDocument(ctx, absPath)
}

// RebuildFromDirectory reprocesses every supported file under dir and rebuilds
// the index from scratch with exactly that document set.
func (s *Service) RebuildFromDirectory(ctx context.Context, dir string) index.RebuildResult {
	paths, err := s.collectFiles(dir)
	if err != nil {
		return index.RebuildResult{Error: err.Error()}
	}
	docs := make(map[string][]*models.Chunk, len(paths))
	for _, path := range paths {
		chunks, err := s.prepareChunks(ctx, path)
		if err != nil {
			return index.RebuildResult{Error: fmt.Sprintf("process %s: %v", path, err)}
		}
		docs[path] = chunks
	}
	return s.manager.RebuildAll(ctx, docs)
}

// Resync reprocesses every document currently in the mapping from its source
// file and rebuilds the index. Documents whose files no longer exist are
// dropped; the rest reflect current file content afterwards.
func (s *Service) Resync(ctx context.Context) index.RebuildResult {
	_, table, err := s.manager.Snapshot()
	if err != nil {
		return index.RebuildResult{Error: err.Error()}
	}
	docs := make(map[string][]*models.Chunk, len(table.Documents))
	for _, docID := range table.DocumentIDsSorted() {
		if _, err := os.Stat(docID); err != nil {
			s.logger.Warn("resync dropping document with missing file",
				zap.String("document_id", docID))
			continue
		}
		chunks, err := s.prepareChunks(ctx, docID)
		if err != nil {
			return index.RebuildResult{Error: fmt.Sprintf("process %s: %v", docID, err)}
		}
		docs[docID] = chunks
	}
	return s.manager.RebuildAll(ctx, docs)
}

// Query builds a view over the current index and runs a similarity query.
// An empty index yields an empty response, not an error.
func (s *Service) Query(ctx context.Context, text string, topK int) (*models.QueryResponse, error) {
	view, err := query.NewView(s.manager, s.chunks, s.embedder, query.WithLogger(s.logger))
	if err != nil {
		return nil, err
	}
	if view == nil {
		return &models.QueryResponse{Query: text, Matches: []models.QueryMatch{}}, nil
	}
	return view.Query(ctx, text, topK)
}

// Status returns a summary of the current index contents.
func (s *Service) Status() models.IndexInfo {
	return s.manager.DocumentInfo()
}

// IsIndexed reports whether path is currently in the index.
func (s *Service) IsIndexed(path string) bool {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return false
	}
	return s.manager.IsDocumentIndexed(absPath)
}

// prepareChunks processes the file into chunks and fills in their embeddings.
func (s *Service) prepareChunks(ctx context.Context, absPath string) ([]*models.Chunk, error) {
	chunks := s.processor.Process(absPath)
	if len(chunks) == 0 {
		return nil, nil
	}
	texts := make([]string, len(chunks))
	for i, ch := range chunks {
		texts[i] = ch.Text
	}
	embeddings, err := s.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("embed chunks: %w", err)
	}
	for i := range chunks {
		chunks[i].Embedding = embeddings[i]
	}
	return chunks, nil
}

// collectFiles walks dir and returns the absolute paths of regular files with
// supported extensions, in walk order.
func (s *Service) collectFiles(dir string) ([]string, error) {
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("absolute path: %w", err)
	}
	info, err := os.Stat(absDir)
	if err != nil {
		return nil, fmt.Errorf("stat directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("not a directory: %s", absDir)
	}
	var paths []string
	err = filepath.WalkDir(absDir, func(path string, d os.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() {
			return nil
		}
		if !s.extensionSupported(filepath.Ext(path)) {
			return nil
		}
		// Resolve symlinks so we only index regular files
		finfo, statErr := os.Stat(path)
		if statErr != nil || !finfo.Mode().IsRegular() {
			return nil
		}
		paths = append(paths, path)
		return nil
	})
	return paths, err
}

func (s *Service) extensionSupported(ext string) bool {
	norm := strings.ToLower(strings.TrimPrefix(ext, "."))
	for _, allowed := range s.processor.Extensions() {
		if strings.ToLower(strings.TrimPrefix(allowed, ".")) == norm {
			return true
		}
	}
	return false
}
