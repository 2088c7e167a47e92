package knowledge

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"

	"gwi.com/ragchat/internal/ingest"
)

type memoryEntry struct {
	chunk  ingest.Chunk
	vector []float32
	norm   float32
}

// MemoryIndex is a brute-force cosine index held in process memory.
type MemoryIndex struct {
	mu       sync.RWMutex
	sessions map[string][]memoryEntry
}

func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{sessions: make(map[string][]memoryEntry)}
}

func (m *MemoryIndex) Replace(_ context.Context, sessionID string, chunks []ingest.Chunk, vectors [][]float32) error {
	if len(chunks) != len(vectors) {
		return fmt.Errorf("got %d vectors for %d chunks", len(vectors), len(chunks))
	}
	entries := make([]memoryEntry, len(chunks))
	for i := range chunks {
		entries[i] = memoryEntry{chunk: chunks[i], vector: vectors[i], norm: magnitude(vectors[i])}
	}

	m.mu.Lock()
	m.sessions[sessionID] = entries
	m.mu.Unlock()
	return nil
}

func (m *MemoryIndex) Search(_ context.Context, sessionID string, vector []float32, k int) ([]Match, error) {
	m.mu.RLock()
	entries := m.sessions[sessionID]
	m.mu.RUnlock()

	if len(entries) == 0 || k <= 0 {
		return nil, nil
	}

	qnorm := magnitude(vector)
	matches := make([]Match, 0, len(entries))
	for _, e := range entries {
		sim, err := cosine(vector, qnorm, e.vector, e.norm)
		if err != nil {
			return nil, fmt.Errorf("chunk %d: %w", e.chunk.Index, err)
		}
		matches = append(matches, Match{Chunk: e.chunk, Score: sim})
	}

	// stable so equal scores keep upload order
	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].Score > matches[j].Score
	})
	if len(matches) > k {
		matches = matches[:k]
	}
	return matches, nil
}

func (m *MemoryIndex) Drop(_ context.Context, sessionID string) error {
	m.mu.Lock()
	delete(m.sessions, sessionID)
	m.mu.Unlock()
	return nil
}

func cosine(a []float32, anorm float32, b []float32, bnorm float32) (float32, error) {
	if len(a) == 0 || len(b) == 0 {
		return 0, fmt.Errorf("vectors cannot be empty")
	}
	if len(a) != len(b) {
		return 0, fmt.Errorf("vectors must have the same dimension (%d != %d)", len(a), len(b))
	}
	if anorm == 0 || bnorm == 0 {
		return 0, nil
	}
	var dot float32
	for i := range a {
		dot += a[i] * b[i]
	}
	return dot / (anorm * bnorm), nil
}

// magnitude is the L2 norm of vec.
func magnitude(vec []float32) float32 {
	var sum float32
	for _, v := range vec {
		sum += v * v
	}
	return float32(math.Sqrt(float64(sum)))
}
