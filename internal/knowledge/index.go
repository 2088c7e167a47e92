package knowledge

import (
	"context"

	"gwi.com/ragchat/internal/ingest"
)

// Match is a chunk returned by a similarity query, best first.
type Match struct {
	Chunk ingest.Chunk
	Score float32
}

// Index is the similarity-search primitive behind a session retriever.
// Replace swaps the whole vector set of one session.
type Index interface {
	Replace(ctx context.Context, sessionID string, chunks []ingest.Chunk, vectors [][]float32) error
	Search(ctx context.Context, sessionID string, vector []float32, k int) ([]Match, error)
	Drop(ctx context.Context, sessionID string) error
}

// Embedder maps texts to vectors, one per input, in input order.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}
