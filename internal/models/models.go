// Package models defines core data structures shared across indexing and query.
package models

import "time"

// Chunk is one piece of an extracted document, optionally carrying its embedding.
// Chunks are ordered; a chunk's position within its document determines the vector
// ID it occupies relative to the document's assigned range.
type Chunk struct {
	Text       string                 `json:"text"`
	ChunkIndex int                    `json:"chunk_index"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
	Embedding  []float32              `json:"-"`
}

// DocumentSummary is the read-only per-document projection returned by status queries.
type DocumentSummary struct {
	DisplayName string    `json:"display_name"`
	ChunkCount  int       `json:"chunk_count"`
	IndexedAt   time.Time `json:"indexed_at"`
}

// IndexInfo describes the current index contents.
type IndexInfo struct {
	TotalDocuments int                        `json:"total_documents"`
	TotalVectors   int                        `json:"total_vectors"`
	Documents      map[string]DocumentSummary `json:"documents"`
}

// QueryMatch is a single similarity hit resolved back to its source chunk.
type QueryMatch struct {
	DocumentID  string  `json:"document_id"`
	DisplayName string  `json:"display_name"`
	ChunkIndex  int     `json:"chunk_index"`
	Text        string  `json:"text"`
	Score       float64 `json:"score"`
	Distance    float64 `json:"distance"`
}

// QueryResponse is the response for a query request.
type QueryResponse struct {
	Query     string       `json:"query"`
	Matches   []QueryMatch `json:"matches"`
	QueryTime string       `json:"query_time,omitempty"`
}
