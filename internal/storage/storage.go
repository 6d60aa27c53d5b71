// Package storage defines the persistence interface for chunk content.
//
// The flat vector store holds only vectors; this side store keeps the extracted
// chunk text and metadata so query hits can be resolved back to readable content.
// Chunks are addressed by (document_id, chunk_index): a hit on vector ID v belonging
// to a document whose range starts at lo is chunk index v-lo of that document.
package storage

import (
	"context"

	"github.com/bunkodb/bunko/internal/models"
)

// Storage persists chunk content per document.
type Storage interface {
	// PutChunks replaces the stored chunks for a document with the given ordered set.
	PutChunks(ctx context.Context, documentID string, chunks []*models.Chunk) error
	// GetChunk returns the chunk at the given index of a document.
	GetChunk(ctx context.Context, documentID string, chunkIndex int) (*models.Chunk, error)
	// GetChunksByDocumentID returns all chunks for a document ordered by chunk index.
	GetChunksByDocumentID(ctx context.Context, documentID string) ([]*models.Chunk, error)
	// DeleteChunksByDocumentID removes all chunks for a document.
	DeleteChunksByDocumentID(ctx context.Context, documentID string) error
	// DeleteAll removes every stored chunk (used by full rebuilds).
	DeleteAll(ctx context.Context) error
	// CountChunks returns the total number of stored chunks.
	CountChunks(ctx context.Context) (int64, error)

	Close() error
}
