// Package query builds read-only search views over indexed content.
//
// A View is a point-in-time snapshot of the index: vectors and document
// mapping are copied at construction, so queries never observe a
// half-finished mutation. Chunk text is resolved lazily from chunk storage.
package query

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/bunkodb/bunko/internal/embedding"
	"github.com/bunkodb/bunko/internal/index"
	"github.com/bunkodb/bunko/internal/mapping"
	"github.com/bunkodb/bunko/internal/models"
	"github.com/bunkodb/bunko/internal/storage"
	"github.com/bunkodb/bunko/pkg/utils"
)

// View answers similarity queries against a snapshot of the index.
type View struct {
	vectors  [][]float32
	table    *mapping.Table
	chunks   storage.Storage
	embedder embedding.Embedder
	logger   *zap.Logger
}

// Option configures a View.
type Option func(*View)

// WithLogger sets the logger for the view.
func WithLogger(logger *zap.Logger) Option {
	return func(v *View) { v.logger = logger }
}

// NewView snapshots the manager's current contents. Returns (nil, nil) when
// nothing is indexed; callers treat a nil view as "no results possible".
func NewView(mgr *index.Manager, chunks storage.Storage, embedder embedding.Embedder, opts ...Option) (*View, error) {
	vectors, table, err := mgr.Snapshot()
	if err != nil {
		return nil, fmt.Errorf("snapshot index: %w", err)
	}
	if len(vectors) == 0 || len(table.Documents) == 0 {
		return nil, nil
	}
	v := &View{
		vectors:  vectors,
		table:    table,
		chunks:   chunks,
		embedder: embedder,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v, nil
}

// Size returns the number of vectors in the snapshot.
func (v *View) Size() int {
	return len(v.vectors)
}

// Query embeds the text and returns the topK nearest chunks by squared L2
// distance. Score is 1/(1+d2) so closer vectors score higher on (0, 1].
func (v *View) Query(ctx context.Context, text string, topK int) (*models.QueryResponse, error) {
	start := time.Now()
	if text == "" {
		return nil, fmt.Errorf("query text is empty")
	}
	if topK <= 0 {
		topK = 1
	}

	queryVec, err := v.embedder.Embed(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	if len(queryVec) != len(v.vectors[0]) {
		return nil, fmt.Errorf("query dimension mismatch: got %d, expected %d", len(queryVec), len(v.vectors[0]))
	}

	type hit struct {
		id   int
		dist float64
	}
	hits := make([]hit, len(v.vectors))
	for i, vec := range v.vectors {
		hits[i] = hit{id: i, dist: utils.L2DistanceSquared(queryVec, vec)}
	}
	sort.Slice(hits, func(i, j int) bool { return hits[i].dist < hits[j].dist })
	if topK > len(hits) {
		topK = len(hits)
	}

	matches := make([]models.QueryMatch, 0, topK)
	for _, h := range hits[:topK] {
		match, err := v.resolve(ctx, h.id, h.dist)
		if err != nil {
			v.logger.Warn("skipping unresolvable hit",
				zap.Int("vector_id", h.id),
				zap.Error(err))
			continue
		}
		matches = append(matches, match)
	}

	v.logger.Debug("query completed",
		zap.Int("candidates", len(v.vectors)),
		zap.Int("matches", len(matches)),
		zap.Duration("took", time.Since(start)))

	return &models.QueryResponse{
		Query:     text,
		Matches:   matches,
		QueryTime: time.Since(start).String(),
	}, nil
}

// resolve maps a vector ID back to its document and chunk text. The chunk
// index within the document is the vector's offset from the range start.
func (v *View) resolve(ctx context.Context, vectorID int, dist float64) (models.QueryMatch, error) {
	docID, entry := v.table.OwnerOf(vectorID)
	if entry == nil {
		return models.QueryMatch{}, fmt.Errorf("vector %d has no owning document", vectorID)
	}
	chunkIndex := vectorID - entry.VectorIDs.Start
	chunk, err := v.chunks.GetChunk(ctx, docID, chunkIndex)
	if err != nil {
		return models.QueryMatch{}, fmt.Errorf("load chunk %d of %s: %w", chunkIndex, docID, err)
	}
	return models.QueryMatch{
		DocumentID:  docID,
		DisplayName: entry.DisplayName,
		ChunkIndex:  chunkIndex,
		Text:        chunk.Text,
		Score:       1.0 / (1.0 + dist),
		Distance:    dist,
	}, nil
}
