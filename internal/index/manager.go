// Package index provides the index manager: the sole mutator of the flat vector
// store and the document mapping.
//
// Every mutation keeps the two stores transactionally aligned: the index file is
// always persisted before the mapping file, so the mapping never references vector
// IDs the index lacks. The flat store supports no deletion, so removing a document
// rebuilds the store from the kept vectors and renumbers every surviving mapping
// entry.
package index

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/bunkodb/bunko/internal/mapping"
	"github.com/bunkodb/bunko/internal/models"
	"github.com/bunkodb/bunko/internal/storage"
	"github.com/bunkodb/bunko/internal/vectorstore"
)

const (
	indexFileName   = "vectors.bin"
	mappingFileName = "document_mapping.json"
)

// ErrNotFound indicates a document ID absent from the mapping.
var ErrNotFound = errors.New("document not found in index")

// Manager owns the flat vector store and the document mapping for the process
// lifetime. Mutations are serialized by an internal lock; reads may run
// concurrently with each other but never with a mutation.
type Manager struct {
	mu     sync.RWMutex
	store  *vectorstore.FlatStore
	table  *mapping.Table
	chunks storage.Storage
	dim    int

	indexPath   string
	mappingPath string
	logger      *zap.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets a logger for mutation and recovery events.
func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// NewManager loads or creates the index and mapping files under indexDir. A corrupt
// index file fails construction (vectorstore.ErrCorruptIndex); an unreadable mapping
// file degrades to an empty mapping with a warning.
func NewManager(indexDir string, dim int, chunks storage.Storage, opts ...Option) (*Manager, error) {
	if err := os.MkdirAll(indexDir, 0755); err != nil {
		return nil, fmt.Errorf("create index dir: %w", err)
	}
	m := &Manager{
		chunks:      chunks,
		dim:         dim,
		indexPath:   filepath.Join(indexDir, indexFileName),
		mappingPath: filepath.Join(indexDir, mappingFileName),
		logger:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(m)
	}

	store, err := vectorstore.LoadOrCreate(m.indexPath, dim)
	if err != nil {
		return nil, err
	}
	m.store = store

	table, err := mapping.Load(m.mappingPath)
	if err != nil {
		m.logger.Warn("mapping unreadable, starting from empty table",
			zap.String("path", m.mappingPath), zap.Error(err))
	}
	m.table = table
	return m, nil
}

// AddResult is the outcome of AddDocument.
type AddResult struct {
	Success      bool   `json:"success"`
	Error        string `json:"error,omitempty"`
	Document     string `json:"document,omitempty"`
	VectorsAdded int    `json:"vectors_added,omitempty"`
}

// RemoveResult is the outcome of RemoveDocument.
type RemoveResult struct {
	Success        bool   `json:"success"`
	Error          string `json:"error,omitempty"`
	Document       string `json:"document,omitempty"`
	VectorsRemoved int    `json:"vectors_removed,omitempty"`
}

// RebuildResult is the outcome of RebuildAll.
type RebuildResult struct {
	Success          bool   `json:"success"`
	Error            string `json:"error,omitempty"`
	DocumentsIndexed int    `json:"documents_indexed"`
	TotalVectors     int    `json:"total_vectors"`
}

// AddDocument appends a document's pre-embedded chunks to the index and records its
// vector range in the mapping. Re-adding an already indexed document overwrites its
// mapping entry and orphans the old vectors in the index; this is logged, not fixed
// (a rebuild reclaims the space).
func (m *Manager) AddDocument(ctx context.Context, documentID string, chunks []*models.Chunk) AddResult {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(chunks) == 0 {
		return AddResult{Success: false, Error: "no content", Document: documentID}
	}
	vectors := make([][]float32, len(chunks))
	for i, c := range chunks {
		if len(c.Embedding) != m.dim {
			return AddResult{
				Success:  false,
				Document: documentID,
				Error:    fmt.Sprintf("chunk %d: embedding has %d dimensions, expected %d", i, len(c.Embedding), m.dim),
			}
		}
		vectors[i] = c.Embedding
	}
	if _, exists := m.table.Documents[documentID]; exists {
		m.logger.Warn("re-adding indexed document orphans its old vectors",
			zap.String("document", documentID))
	}

	snapshot := m.table.Clone()
	prevCount := m.store.Count()

	assigned, err := m.store.Add(vectors)
	if err != nil {
		return AddResult{Success: false, Error: err.Error(), Document: documentID}
	}

	m.table.Documents[documentID] = &mapping.DocumentEntry{
		VectorIDs:   assigned,
		ChunkCount:  len(chunks),
		IndexedAt:   time.Now(),
		DisplayName: filepath.Base(documentID),
	}
	m.table.NextID = m.store.Count()

	if err := m.chunks.PutChunks(ctx, documentID, chunks); err != nil {
		m.rollback(snapshot, prevCount)
		return AddResult{Success: false, Error: fmt.Sprintf("store chunks: %v", err), Document: documentID}
	}
	if err := m.persist(); err != nil {
		m.rollback(snapshot, prevCount)
		if derr := m.chunks.DeleteChunksByDocumentID(ctx, documentID); derr != nil {
			m.logger.Warn("chunk rollback failed", zap.String("document", documentID), zap.Error(derr))
		}
		return AddResult{Success: false, Error: err.Error(), Document: documentID}
	}

	m.logger.Debug("document added",
		zap.String("document", documentID),
		zap.Int("vectors", len(chunks)),
		zap.Int("next_id", m.table.NextID))
	return AddResult{Success: true, Document: documentID, VectorsAdded: len(chunks)}
}

// RemoveDocument removes a document's vectors by rebuilding the store without them
// and renumbering every surviving entry: IDs below the removed range are unchanged,
// IDs at or above its end shift down by the removed count.
func (m *Manager) RemoveDocument(ctx context.Context, documentID string) RemoveResult {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.table.Documents[documentID]
	if !ok {
		return RemoveResult{Success: false, Error: ErrNotFound.Error(), Document: documentID}
	}
	removed := entry.VectorIDs

	all, err := m.store.ReconstructAll()
	if err != nil {
		return RemoveResult{Success: false, Error: err.Error(), Document: documentID}
	}
	kept := make([][]float32, 0, len(all)-removed.Len())
	kept = append(kept, all[:removed.Start]...)
	kept = append(kept, all[removed.End:]...)

	newStore, err := vectorstore.RebuildFrom(m.dim, kept)
	if err != nil {
		return RemoveResult{Success: false, Error: err.Error(), Document: documentID}
	}

	oldStore, oldTable := m.store, m.table
	m.table = m.table.Clone()
	delete(m.table.Documents, documentID)
	m.table.RenumberAfterRemoval(removed)
	m.store = newStore

	if err := m.persist(); err != nil {
		m.store, m.table = oldStore, oldTable
		m.restoreDisk()
		return RemoveResult{Success: false, Error: err.Error(), Document: documentID}
	}
	// After the swap is durable the chunk rows are unreachable; failing to delete
	// them leaves only garbage, never a broken query path.
	if err := m.chunks.DeleteChunksByDocumentID(ctx, documentID); err != nil {
		m.logger.Warn("orphaned chunk rows left behind",
			zap.String("document", documentID), zap.Error(err))
	}

	m.logger.Debug("document removed",
		zap.String("document", documentID),
		zap.Int("vectors_removed", removed.Len()),
		zap.Int("next_id", m.table.NextID))
	return RemoveResult{Success: true, Document: documentID, VectorsRemoved: removed.Len()}
}

// RebuildAll replaces the entire index and mapping from the given documents.
// Documents are processed in sorted ID order so vector assignment is deterministic.
// The new state is built into scratch structures and swapped in only on full
// success; on failure the previous index and mapping remain in effect.
func (m *Manager) RebuildAll(ctx context.Context, documentsByID map[string][]*models.Chunk) RebuildResult {
	m.mu.Lock()
	defer m.mu.Unlock()

	scratchStore, err := vectorstore.New(m.dim)
	if err != nil {
		return RebuildResult{Success: false, Error: err.Error()}
	}
	scratchTable := mapping.NewTable()

	ids := make([]string, 0, len(documentsByID))
	for id := range documentsByID {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	indexed := 0
	for _, id := range ids {
		chunks := documentsByID[id]
		if len(chunks) == 0 {
			m.logger.Warn("rebuild skipping document with no content", zap.String("document", id))
			continue
		}
		vectors := make([][]float32, len(chunks))
		for i, c := range chunks {
			vectors[i] = c.Embedding
		}
		assigned, err := scratchStore.Add(vectors)
		if err != nil {
			return RebuildResult{Success: false, Error: fmt.Sprintf("document %s: %v", id, err)}
		}
		scratchTable.Documents[id] = &mapping.DocumentEntry{
			VectorIDs:   assigned,
			ChunkCount:  len(chunks),
			IndexedAt:   time.Now(),
			DisplayName: filepath.Base(id),
		}
		indexed++
	}
	scratchTable.NextID = scratchStore.Count()

	// The old chunk rows must survive any failure below: the restored mapping
	// still references them. Snapshot them before touching the chunk store.
	oldChunks := make(map[string][]*models.Chunk, len(m.table.Documents))
	for id := range m.table.Documents {
		rows, err := m.chunks.GetChunksByDocumentID(ctx, id)
		if err != nil {
			return RebuildResult{Success: false, Error: fmt.Sprintf("snapshot chunks for %s: %v", id, err)}
		}
		oldChunks[id] = rows
	}
	restoreChunks := func() {
		if err := m.chunks.DeleteAll(ctx); err != nil {
			m.logger.Error("chunk restore: clear failed", zap.Error(err))
			return
		}
		for id, rows := range oldChunks {
			if err := m.chunks.PutChunks(ctx, id, rows); err != nil {
				m.logger.Error("chunk restore failed", zap.String("document", id), zap.Error(err))
			}
		}
	}

	if err := m.chunks.DeleteAll(ctx); err != nil {
		return RebuildResult{Success: false, Error: fmt.Sprintf("clear chunks: %v", err)}
	}
	for _, id := range ids {
		if len(documentsByID[id]) == 0 {
			continue
		}
		if err := m.chunks.PutChunks(ctx, id, documentsByID[id]); err != nil {
			restoreChunks()
			return RebuildResult{Success: false, Error: fmt.Sprintf("store chunks for %s: %v", id, err)}
		}
	}

	oldStore, oldTable := m.store, m.table
	m.store, m.table = scratchStore, scratchTable
	if err := m.persist(); err != nil {
		m.store, m.table = oldStore, oldTable
		m.restoreDisk()
		restoreChunks()
		return RebuildResult{Success: false, Error: err.Error()}
	}

	m.logger.Info("index rebuilt",
		zap.Int("documents", indexed),
		zap.Int("total_vectors", m.table.NextID))
	return RebuildResult{Success: true, DocumentsIndexed: indexed, TotalVectors: m.table.NextID}
}

// DocumentInfo returns a read-only projection of the mapping.
func (m *Manager) DocumentInfo() models.IndexInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()

	info := models.IndexInfo{
		TotalDocuments: len(m.table.Documents),
		TotalVectors:   m.table.NextID,
		Documents:      make(map[string]models.DocumentSummary, len(m.table.Documents)),
	}
	for id, e := range m.table.Documents {
		info.Documents[id] = models.DocumentSummary{
			DisplayName: e.DisplayName,
			ChunkCount:  e.ChunkCount,
			IndexedAt:   e.IndexedAt,
		}
	}
	return info
}

// IsDocumentIndexed reports whether the document is present in the mapping.
func (m *Manager) IsDocumentIndexed(documentID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.table.Documents[documentID]
	return ok
}

// Count returns the number of vectors in the store.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.store.Count()
}

// Dim returns the vector dimension.
func (m *Manager) Dim() int { return m.dim }

// Snapshot returns a consistent copy of the current vectors and mapping for
// read-only consumers such as the query view.
func (m *Manager) Snapshot() ([][]float32, *mapping.Table, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	vectors, err := m.store.ReconstructAll()
	if err != nil {
		return nil, nil, err
	}
	return vectors, m.table.Clone(), nil
}

// persist writes the index file first and the mapping second, so a crash between
// the two can only leave orphaned vectors, never a mapping referencing missing IDs.
func (m *Manager) persist() error {
	if err := m.store.Save(m.indexPath); err != nil {
		return fmt.Errorf("persist index: %w", err)
	}
	if err := mapping.Save(m.table, m.mappingPath); err != nil {
		return fmt.Errorf("persist mapping: %w", err)
	}
	return nil
}

// rollback restores the in-memory table and truncates vectors appended after
// prevCount. Used when a mutation fails after mutating in-memory state.
func (m *Manager) rollback(snapshot *mapping.Table, prevCount int) {
	m.table = snapshot
	if m.store.Count() > prevCount {
		prefix, err := m.store.ReconstructRange(vectorstore.Range{Start: 0, End: prevCount})
		if err == nil {
			if restored, rerr := vectorstore.RebuildFrom(m.dim, prefix); rerr == nil {
				m.store = restored
				return
			}
		}
		m.logger.Error("in-memory store rollback failed; state heals on next rebuild")
	}
}

// restoreDisk best-effort rewrites the current (restored) in-memory state to disk
// after a failed persist, so the two files stay aligned with each other.
func (m *Manager) restoreDisk() {
	if err := m.persist(); err != nil {
		m.logger.Error("disk restore after failed persist", zap.Error(err))
	}
}
