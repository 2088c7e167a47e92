package knowledge

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"gwi.com/ragchat/internal/ingest"
	"gwi.com/ragchat/internal/logger"
)

var ErrSessionGone = errors.New("session knowledge was deleted")

// Retriever answers similarity queries against one session's documents.
type Retriever interface {
	Retrieve(ctx context.Context, query string, k int) ([]ingest.Chunk, error)
}

type session struct {
	mu       sync.RWMutex
	chunks   []ingest.Chunk
	vectors  [][]float32
	deleted  bool
	lastUsed atomic.Int64 // unix nanos
}

func (s *session) touch(now time.Time) { s.lastUsed.Store(now.UnixNano()) }

// Store holds per-session document chunks and their retrievers. It is process
// local. Writes to one session are serialised; different sessions never
// block each other past the map lookup.
type Store struct {
	mu       sync.Mutex
	sessions map[string]*session

	embedder  Embedder
	index     Index
	batchSize int
	parallel  int
	idleTTL   time.Duration
	log       *logger.Logger
	now       func() time.Time
}

type Options struct {
	BatchSize int           // texts per embedding request
	Parallel  int           // concurrent embedding requests
	IdleTTL   time.Duration // 0 disables expiry
	Logger    *logger.Logger
}

func NewStore(embedder Embedder, index Index, opts Options) *Store {
	s := &Store{
		sessions:  make(map[string]*session),
		embedder:  embedder,
		index:     index,
		batchSize: opts.BatchSize,
		parallel:  opts.Parallel,
		idleTTL:   opts.IdleTTL,
		log:       opts.Logger,
		now:       time.Now,
	}
	if s.batchSize <= 0 {
		s.batchSize = 32
	}
	if s.parallel <= 0 {
		s.parallel = 4
	}
	if s.log == nil {
		s.log = logger.Nop()
	}
	return s
}

func (s *Store) entry(sessionID string, create bool) *session {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.sessions[sessionID]
	if !ok && create {
		e = &session{}
		e.touch(s.now())
		s.sessions[sessionID] = e
	}
	return e
}

// Put appends chunks to the session, creating it on first use, and rebuilds
// the session retriever over the full chunk set. Chunk indexes are renumbered
// to follow the chunks already stored.
func (s *Store) Put(ctx context.Context, sessionID string, chunks []ingest.Chunk) error {
	if len(chunks) == 0 {
		return nil
	}
	for {
		e := s.entry(sessionID, true)
		e.mu.Lock()
		if e.deleted {
			// lost a race with Delete; start a fresh session
			e.mu.Unlock()
			continue
		}
		err := s.put(ctx, sessionID, e, chunks)
		e.mu.Unlock()
		return err
	}
}

func (s *Store) put(ctx context.Context, sessionID string, e *session, chunks []ingest.Chunk) error {
	vectors, err := s.embed(ctx, chunks)
	if err != nil {
		s.abandonIfEmpty(sessionID, e)
		return err
	}

	merged := make([]ingest.Chunk, 0, len(e.chunks)+len(chunks))
	merged = append(merged, e.chunks...)
	for _, c := range chunks {
		c.Index = len(merged)
		merged = append(merged, c)
	}
	allVectors := make([][]float32, 0, len(merged))
	allVectors = append(allVectors, e.vectors...)
	allVectors = append(allVectors, vectors...)

	if err := s.index.Replace(ctx, sessionID, merged, allVectors); err != nil {
		// put the index back to the chunk set still held in memory
		if rerr := s.index.Replace(context.WithoutCancel(ctx), sessionID, e.chunks, e.vectors); rerr != nil {
			s.log.Error("failed to restore session index", "session_id", sessionID, "error", rerr)
		}
		s.abandonIfEmpty(sessionID, e)
		return fmt.Errorf("failed to rebuild retriever: %w", err)
	}
	e.chunks = merged
	e.vectors = allVectors
	e.touch(s.now())

	s.log.Info("session knowledge updated", "session_id", sessionID, "added", len(chunks), "total", len(merged))
	return nil
}

// abandonIfEmpty removes a session created by a Put that failed before
// storing anything. Caller holds e.mu.
func (s *Store) abandonIfEmpty(sessionID string, e *session) {
	if len(e.chunks) > 0 {
		return
	}
	e.deleted = true
	s.mu.Lock()
	if s.sessions[sessionID] == e {
		delete(s.sessions, sessionID)
	}
	s.mu.Unlock()
}

func (s *Store) embed(ctx context.Context, chunks []ingest.Chunk) ([][]float32, error) {
	vectors := make([][]float32, len(chunks))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.parallel)

	for start := 0; start < len(chunks); start += s.batchSize {
		start, end := start, min(start+s.batchSize, len(chunks))
		g.Go(func() error {
			texts := make([]string, 0, end-start)
			for _, c := range chunks[start:end] {
				texts = append(texts, c.Content)
			}
			out, err := s.embedder.Embed(gctx, texts)
			if err != nil {
				return fmt.Errorf("failed to embed chunks %d-%d: %w", start, end-1, err)
			}
			if len(out) != len(texts) {
				return fmt.Errorf("embedder returned %d vectors for %d chunks", len(out), len(texts))
			}
			copy(vectors[start:end], out)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return vectors, nil
}

// Get returns the retriever of a session that has at least one chunk.
func (s *Store) Get(sessionID string) (Retriever, bool) {
	e := s.entry(sessionID, false)
	if e == nil {
		return nil, false
	}
	e.mu.RLock()
	ok := !e.deleted && len(e.chunks) > 0
	e.mu.RUnlock()
	if !ok {
		return nil, false
	}
	e.touch(s.now())
	return &retriever{store: s, sessionID: sessionID, entry: e}, true
}

// Chunks returns a copy of the session's chunks in upload order.
func (s *Store) Chunks(sessionID string) []ingest.Chunk {
	e := s.entry(sessionID, false)
	if e == nil {
		return nil
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.deleted {
		return nil
	}
	out := make([]ingest.Chunk, len(e.chunks))
	copy(out, e.chunks)
	return out
}

// Delete discards a session. Deleting an unknown session is not an error.
// The entry stays in the map until it is marked deleted under its own lock,
// so a concurrent Put waits on the same mutex and then starts a fresh entry.
func (s *Store) Delete(ctx context.Context, sessionID string) error {
	return s.remove(ctx, sessionID, nil)
}

// remove deletes the session when keep is nil or returns false for it.
func (s *Store) remove(ctx context.Context, sessionID string, keep func(e *session) bool) error {
	e := s.entry(sessionID, false)
	if e == nil {
		return nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.deleted || (keep != nil && keep(e)) {
		return nil
	}
	e.deleted = true
	e.chunks = nil
	e.vectors = nil
	// drop before unmapping so a fresh entry never sees this session's points
	err := s.index.Drop(ctx, sessionID)
	s.mu.Lock()
	if s.sessions[sessionID] == e {
		delete(s.sessions, sessionID)
	}
	s.mu.Unlock()

	if err != nil {
		return fmt.Errorf("failed to drop index for session: %w", err)
	}
	return nil
}

// Len is the number of live sessions.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// RunSweeper deletes sessions idle for longer than the configured TTL until
// ctx is done. It returns immediately when expiry is disabled.
func (s *Store) RunSweeper(ctx context.Context) {
	if s.idleTTL <= 0 {
		return
	}
	interval := s.idleTTL / 2
	if interval > time.Minute {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Store) sweep(ctx context.Context) {
	cutoff := s.now().Add(-s.idleTTL).UnixNano()

	s.mu.Lock()
	var idle []string
	for id, e := range s.sessions {
		if e.lastUsed.Load() < cutoff {
			idle = append(idle, id)
		}
	}
	s.mu.Unlock()

	stillUsed := func(e *session) bool { return e.lastUsed.Load() >= cutoff }
	for _, id := range idle {
		if err := s.remove(ctx, id, stillUsed); err != nil {
			s.log.Warn("failed to expire idle session", "session_id", id, "error", err)
			continue
		}
		s.log.Info("expired idle session", "session_id", id)
	}
}

type retriever struct {
	store     *Store
	sessionID string
	entry     *session
}

func (r *retriever) Retrieve(ctx context.Context, query string, k int) ([]ingest.Chunk, error) {
	r.entry.mu.RLock()
	defer r.entry.mu.RUnlock()
	if r.entry.deleted {
		return nil, ErrSessionGone
	}

	vecs, err := r.store.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}
	if len(vecs) != 1 {
		return nil, fmt.Errorf("embedder returned %d vectors for one query", len(vecs))
	}

	matches, err := r.store.index.Search(ctx, r.sessionID, vecs[0], k)
	if err != nil {
		return nil, fmt.Errorf("similarity search failed: %w", err)
	}
	r.entry.touch(r.store.now())

	out := make([]ingest.Chunk, 0, len(matches))
	for _, m := range matches {
		out = append(out, m.Chunk)
	}
	return out, nil
}

// JoinContent concatenates chunk texts with a single space, the form the
// answer prompt expects.
func JoinContent(chunks []ingest.Chunk) string {
	parts := make([]string, 0, len(chunks))
	for _, c := range chunks {
		parts = append(parts, c.Content)
	}
	return strings.Join(parts, " ")
}
