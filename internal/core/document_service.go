package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"gwi.com/ragchat/internal/billing"
	"gwi.com/ragchat/internal/ingest"
	"gwi.com/ragchat/internal/llm"
	"gwi.com/ragchat/internal/logger"
	"gwi.com/ragchat/internal/store"
)

// Knowledge is the session document store as seen by uploads and cleanup.
type Knowledge interface {
	Put(ctx context.Context, sessionID string, chunks []ingest.Chunk) error
	Chunks(sessionID string) []ingest.Chunk
	Delete(ctx context.Context, sessionID string) error
}

type Upload struct {
	SessionID string
	UserID    string
	Filename  string
	Data      []byte
}

type Summary struct {
	Summary   string
	Tokens    int
	Cost      decimal.Decimal
	MessageID string // empty when not persisted
	Chunks    int
}

// DocumentService ingests uploads into session knowledge, summarises them
// and discards session state on request.
type DocumentService struct {
	splitter       *ingest.Splitter
	knowledge      Knowledge
	model          llm.Provider
	counter        billing.Counter
	pricing        billing.Pricing
	turns          TurnStore
	maxSummaryIn   int
	persistTimeout time.Duration
	log            *logger.Logger
}

type DocumentConfig struct {
	MaxSummaryInput int // runes of document text sent for summarisation
	PersistTimeout  time.Duration
}

func NewDocumentService(splitter *ingest.Splitter, k Knowledge, model llm.Provider, counter billing.Counter,
	pricing billing.Pricing, turns TurnStore, cfg DocumentConfig, log *logger.Logger) *DocumentService {
	if cfg.MaxSummaryInput <= 0 {
		cfg.MaxSummaryInput = 400_000
	}
	if cfg.PersistTimeout <= 0 {
		cfg.PersistTimeout = 10 * time.Second
	}
	if log == nil {
		log = logger.Nop()
	}
	return &DocumentService{
		splitter:       splitter,
		knowledge:      k,
		model:          model,
		counter:        counter,
		pricing:        pricing,
		turns:          turns,
		maxSummaryIn:   cfg.MaxSummaryInput,
		persistTimeout: cfg.PersistTimeout,
		log:            log,
	}
}

// Upload adds a file to the session's knowledge and returns a summary of
// every document the session now holds. The summary is recorded as a
// DocumentSummary turn.
func (s *DocumentService) Upload(ctx context.Context, up Upload) (*Summary, error) {
	if up.SessionID == "" {
		return nil, ErrMissingSession
	}
	chunks, err := s.splitter.Ingest(up.Filename, up.Data)
	if err != nil {
		return nil, err
	}
	if err := s.knowledge.Put(ctx, up.SessionID, chunks); err != nil {
		return nil, fmt.Errorf("%w: indexing %s: %v", ErrProvider, up.Filename, err)
	}
	s.log.Info("document ingested", "session_id", up.SessionID, "file", up.Filename, "chunks", len(chunks))

	text, err := s.summarise(ctx, s.splitter.Rejoin(s.knowledge.Chunks(up.SessionID)))
	if err != nil {
		return nil, err
	}

	tokens := s.counter.Count(text)
	out := &Summary{
		Summary: text,
		Tokens:  tokens,
		Cost:    s.pricing.Cost(tokens),
		Chunks:  len(chunks),
	}

	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.persistTimeout)
	defer cancel()
	turn := &store.Turn{
		MessageID: uuid.NewString(),
		UserID:    up.UserID,
		SessionID: up.SessionID,
		Prompt:    "Summarize: " + up.Filename,
		Response:  text,
		Source:    store.SourceDocument,
		Complete:  true,
	}
	if err := s.turns.SaveTurn(pctx, turn, &store.Price{CompletionPrice: out.Cost}); err != nil {
		s.log.Error("failed to persist summary turn", "session_id", up.SessionID, "error", err)
		return out, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	out.MessageID = turn.MessageID
	return out, nil
}

// Summarize summarises a single file without touching any session.
func (s *DocumentService) Summarize(ctx context.Context, filename string, data []byte) (*Summary, error) {
	chunks, err := s.splitter.Ingest(filename, data)
	if err != nil {
		return nil, err
	}
	text, err := s.summarise(ctx, s.splitter.Rejoin(chunks))
	if err != nil {
		return nil, err
	}
	tokens := s.counter.Count(text)
	return &Summary{Summary: text, Tokens: tokens, Cost: s.pricing.Cost(tokens), Chunks: len(chunks)}, nil
}

// summarise sends the document text in one prompt, truncated to the
// configured input budget.
func (s *DocumentService) summarise(ctx context.Context, doc string) (string, error) {
	if r := []rune(doc); len(r) > s.maxSummaryIn {
		s.log.Warn("summary input truncated", "runes", len(r), "limit", s.maxSummaryIn)
		doc = string(r[:s.maxSummaryIn])
	}

	text, err := s.model.Complete(ctx, buildSummaryPrompt(strings.TrimSpace(doc)))
	if err != nil {
		if errors.Is(err, llm.ErrEmptyResponse) {
			return "", fmt.Errorf("%w: %v", ErrProviderEmpty, err)
		}
		return "", fmt.Errorf("%w: summarisation: %v", ErrProvider, err)
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return "", ErrProviderEmpty
	}
	return text, nil
}

// Cleanup discards the knowledge of each session. Every id is attempted;
// the ids cleaned without error are returned with any errors joined.
// Cleaning an unknown or already cleaned session succeeds.
func (s *DocumentService) Cleanup(ctx context.Context, sessionIDs []string) ([]string, error) {
	cleaned := make([]string, 0, len(sessionIDs))
	var errs []error
	for _, id := range sessionIDs {
		if err := s.knowledge.Delete(ctx, id); err != nil {
			s.log.Warn("failed to clean session", "session_id", id, "error", err)
			errs = append(errs, fmt.Errorf("session %s: %w", id, err))
			continue
		}
		cleaned = append(cleaned, id)
	}
	s.log.Info("sessions cleaned", "requested", len(sessionIDs), "cleaned", len(cleaned))
	return cleaned, errors.Join(errs...)
}
