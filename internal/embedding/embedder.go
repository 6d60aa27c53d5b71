// Package embedding provides text embedding with caching; the ONNX embedder requires
// CGO and the onnxruntime shared library.
package embedding

import "context"

// Embedder produces fixed-dimension vector embeddings for text.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dimensions() int
	Close() error
}
