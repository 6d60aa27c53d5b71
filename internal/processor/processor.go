// Package processor turns document files into ordered chunks ready for embedding.
//
// The processor is a soft-failing collaborator: a file that does not validate or
// cannot be extracted yields an empty chunk list, never an error the caller must
// handle. The index manager treats empty input as "nothing to index".
package processor

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/bunkodb/bunko/internal/extract"
	"github.com/bunkodb/bunko/internal/models"
)

// MaxFileSize is the largest file the processor will read.
const MaxFileSize = 100 * 1024 * 1024 // 100MB

// DefaultExtensions are the file types indexed when config does not override them.
var DefaultExtensions = []string{".pdf", ".txt", ".md", ".docx", ".xlsx"}

// Processor validates, extracts, and chunks document files.
type Processor struct {
	extractor  *extract.Extractor
	chunker    *Chunker
	extensions []string
	logger     *zap.Logger
}

// Option configures a Processor.
type Option func(*Processor)

// WithLogger sets a logger for validation and extraction diagnostics.
func WithLogger(l *zap.Logger) Option {
	return func(p *Processor) { p.logger = l }
}

// WithExtensions overrides the allowed extension list (entries with or without a
// leading dot; empty list keeps the default).
func WithExtensions(exts []string) Option {
	return func(p *Processor) {
		if len(exts) > 0 {
			p.extensions = exts
		}
	}
}

// New creates a processor chunking into windows of chunkSize words with
// chunkOverlap words of overlap.
func New(chunkSize, chunkOverlap int, opts ...Option) *Processor {
	p := &Processor{
		extractor:  extract.NewExtractor(),
		chunker:    NewChunker(chunkSize, chunkOverlap),
		extensions: DefaultExtensions,
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Validate reports whether the file at path is a supported, regular file within the
// size limit.
func (p *Processor) Validate(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		p.logger.Debug("processor: file does not exist", zap.String("path", path))
		return false
	}
	if !info.Mode().IsRegular() {
		p.logger.Debug("processor: not a regular file", zap.String("path", path))
		return false
	}
	if info.Size() > MaxFileSize {
		p.logger.Warn("processor: file too large",
			zap.String("path", path), zap.Int64("size", info.Size()))
		return false
	}
	if !p.extensionAllowed(filepath.Ext(path)) {
		p.logger.Debug("processor: unsupported extension",
			zap.String("path", path), zap.String("ext", filepath.Ext(path)))
		return false
	}
	return true
}

// Process reads the file at path and returns its ordered chunks with text and
// metadata. Any failure returns an empty slice.
func (p *Processor) Process(path string) []*models.Chunk {
	if !p.Validate(path) {
		return nil
	}
	text, err := p.extractor.Extract(path)
	if err != nil {
		p.logger.Warn("processor: extraction failed", zap.String("path", path), zap.Error(err))
		return nil
	}
	text = Normalize(text)
	if text == "" {
		return nil
	}
	chunks := p.chunker.Chunk(text)
	base := filepath.Base(path)
	for _, c := range chunks {
		c.Metadata = map[string]interface{}{
			"file_name": base,
			"file_path": path,
			"chunk":     fmt.Sprintf("%d/%d", c.ChunkIndex+1, len(chunks)),
		}
	}
	return chunks
}

// Extensions returns the allowed extension list.
func (p *Processor) Extensions() []string {
	return append([]string(nil), p.extensions...)
}

func (p *Processor) extensionAllowed(ext string) bool {
	norm := strings.ToLower(strings.TrimPrefix(ext, "."))
	for _, a := range p.extensions {
		if strings.ToLower(strings.TrimPrefix(a, ".")) == norm {
			return true
		}
	}
	return false
}
