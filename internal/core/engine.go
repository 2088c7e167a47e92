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
	"gwi.com/ragchat/internal/knowledge"
	"gwi.com/ragchat/internal/llm"
	"gwi.com/ragchat/internal/logger"
	"gwi.com/ragchat/internal/search"
	"gwi.com/ragchat/internal/store"
	"gwi.com/ragchat/internal/usage"
)

// Sessions resolves the retriever of a chat session, if it has documents.
type Sessions interface {
	Get(sessionID string) (knowledge.Retriever, bool)
}

type TurnStore interface {
	SaveTurn(ctx context.Context, turn *store.Turn, price *store.Price) error
}

type Request struct {
	Question  string
	History   []HistoryMessage
	SessionID string
	UserID    string
	Category  string
}

type Result struct {
	Answer    string
	Source    store.Source
	MessageID string
	Tokens    int
	Cost      decimal.Decimal
	Persisted bool
	Complete  bool // false when the caller left mid-stream
}

type EngineConfig struct {
	TopK            int
	HistoryLimit    int
	RecencyKeywords []string
	SearchResults   int
	PersistTimeout  time.Duration
}

// Engine answers chat messages from session documents, web search or the
// model's own knowledge, then prices and records every turn.
type Engine struct {
	sessions Sessions
	model    llm.Provider
	searcher search.Searcher
	counter  billing.Counter
	pricing  billing.Pricing
	turns    TurnStore
	usage    usage.Recorder
	cfg      EngineConfig
	log      *logger.Logger
}

func NewEngine(sessions Sessions, model llm.Provider, searcher search.Searcher, counter billing.Counter,
	pricing billing.Pricing, turns TurnStore, rec usage.Recorder, cfg EngineConfig, log *logger.Logger) *Engine {
	if cfg.TopK <= 0 {
		cfg.TopK = 20
	}
	if cfg.SearchResults <= 0 {
		cfg.SearchResults = 3
	}
	if cfg.PersistTimeout <= 0 {
		cfg.PersistTimeout = 10 * time.Second
	}
	if rec == nil {
		rec = usage.Nop{}
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Engine{
		sessions: sessions,
		model:    model,
		searcher: searcher,
		counter:  counter,
		pricing:  pricing,
		turns:    turns,
		usage:    rec,
		cfg:      cfg,
		log:      log,
	}
}

// Answer runs one turn to completion. A persistence failure still returns
// the result, with Persisted false, alongside an ErrPersistence error.
func (e *Engine) Answer(ctx context.Context, req Request) (*Result, error) {
	if err := validate(req); err != nil {
		return nil, err
	}
	contextText, err := e.resolveContext(ctx, req)
	if err != nil {
		return nil, err
	}

	if e.wantsRecency(req.Question) {
		answer, err := e.webAnswer(ctx, req.Question)
		if err != nil {
			return nil, err
		}
		return e.finish(ctx, req, answer, store.SourceWeb, true)
	}

	msgs := BuildAnswerPrompt(contextText, RenderHistory(req.History, e.cfg.HistoryLimit), req.Question)
	answer, err := e.model.Complete(ctx, msgs)
	if err != nil {
		if errors.Is(err, llm.ErrEmptyResponse) {
			return nil, fmt.Errorf("%w: %v", ErrProviderEmpty, err)
		}
		return nil, fmt.Errorf("%w: model completion: %v", ErrProvider, err)
	}
	if strings.TrimSpace(answer) == "" {
		return nil, ErrProviderEmpty
	}

	source := store.SourceModel
	if signalsNotFound(answer) {
		e.log.Info("model had no answer, falling back to web search", "session_id", req.SessionID)
		if answer, err = e.webAnswer(ctx, req.Question); err != nil {
			return nil, err
		}
		source = store.SourceWeb
	}
	return e.finish(ctx, req, answer, source, true)
}

// Stream runs one turn, passing model text to emit as it arrives. When the
// caller goes away (ctx cancelled or emit failing) delivery stops, the text
// generated so far is recorded as an incomplete turn, and the cause is
// returned with that partial result. Web-search answers are not emitted as
// fragments; they only appear in the returned result.
func (e *Engine) Stream(ctx context.Context, req Request, emit func(fragment string) error) (*Result, error) {
	if err := validate(req); err != nil {
		return nil, err
	}
	contextText, err := e.resolveContext(ctx, req)
	if err != nil {
		return nil, err
	}

	if e.wantsRecency(req.Question) {
		answer, err := e.webAnswer(ctx, req.Question)
		if err != nil {
			return nil, err
		}
		return e.finish(ctx, req, answer, store.SourceWeb, true)
	}

	msgs := BuildAnswerPrompt(contextText, RenderHistory(req.History, e.cfg.HistoryLimit), req.Question)

	var acc strings.Builder
	var sinkErr error
	streamErr := e.model.Stream(ctx, msgs, func(frag string) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		acc.WriteString(frag)
		if err := emit(frag); err != nil {
			sinkErr = err
			return err
		}
		return nil
	})
	answer := acc.String()

	if disconnect := firstErr(sinkErr, ctx.Err()); disconnect != nil {
		e.log.Warn("caller left mid-stream", "session_id", req.SessionID, "chars", len(answer), "error", disconnect)
		if answer == "" {
			return nil, disconnect
		}
		res, err := e.finish(ctx, req, answer, store.SourceModel, false)
		if err != nil {
			return res, errors.Join(disconnect, err)
		}
		return res, disconnect
	}
	if streamErr != nil {
		if errors.Is(streamErr, llm.ErrEmptyResponse) {
			return nil, fmt.Errorf("%w: %v", ErrProviderEmpty, streamErr)
		}
		return nil, fmt.Errorf("%w: model stream: %v", ErrProvider, streamErr)
	}
	if strings.TrimSpace(answer) == "" {
		return nil, ErrProviderEmpty
	}

	source := store.SourceModel
	if signalsNotFound(answer) {
		e.log.Info("model had no answer, falling back to web search", "session_id", req.SessionID)
		if answer, err = e.webAnswer(ctx, req.Question); err != nil {
			return nil, err
		}
		source = store.SourceWeb
	}
	return e.finish(ctx, req, answer, source, true)
}

func validate(req Request) error {
	if strings.TrimSpace(req.Question) == "" {
		return ErrEmptyQuestion
	}
	return nil
}

func (e *Engine) wantsRecency(question string) bool {
	return containsAny(question, e.cfg.RecencyKeywords)
}

func (e *Engine) resolveContext(ctx context.Context, req Request) (string, error) {
	if req.SessionID == "" || e.sessions == nil {
		return "", nil
	}
	r, ok := e.sessions.Get(req.SessionID)
	if !ok {
		return "", nil
	}
	chunks, err := r.Retrieve(ctx, req.Question, e.cfg.TopK)
	if err != nil {
		if errors.Is(err, knowledge.ErrSessionGone) {
			return "", nil
		}
		return "", fmt.Errorf("%w: context retrieval: %v", ErrProvider, err)
	}
	e.log.Debug("resolved session context", "session_id", req.SessionID, "chunks", len(chunks))
	return knowledge.JoinContent(chunks), nil
}

func (e *Engine) webAnswer(ctx context.Context, question string) (string, error) {
	results, err := e.searcher.Search(ctx, question, e.cfg.SearchResults)
	if err != nil {
		if errors.Is(err, search.ErrUnexpectedResponse) {
			return "", fmt.Errorf("%w: %v", ErrUnexpectedResponse, err)
		}
		return "", fmt.Errorf("%w: web search: %v", ErrProvider, err)
	}
	return search.Format(results), nil
}

// finish prices and records the turn. Persistence runs on a context detached
// from the caller so a departed client still gets its turn recorded.
func (e *Engine) finish(ctx context.Context, req Request, answer string, source store.Source, complete bool) (*Result, error) {
	tokens := e.counter.Count(req.Question) + e.counter.Count(answer)
	res := &Result{
		Answer:    answer,
		Source:    source,
		MessageID: uuid.NewString(),
		Tokens:    tokens,
		Cost:      e.pricing.Cost(tokens),
		Complete:  complete,
	}

	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.PersistTimeout)
	defer cancel()

	turn := &store.Turn{
		MessageID: res.MessageID,
		UserID:    req.UserID,
		SessionID: req.SessionID,
		Prompt:    req.Question,
		Response:  answer,
		Source:    source,
		Category:  req.Category,
		Complete:  complete,
	}
	if err := e.turns.SaveTurn(pctx, turn, &store.Price{CompletionPrice: res.Cost}); err != nil {
		e.log.Error("failed to persist turn", "message_id", res.MessageID, "session_id", req.SessionID, "error", err)
		return res, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	res.Persisted = true

	if err := e.usage.Record(pctx, req.UserID, tokens, res.Cost); err != nil {
		e.log.Warn("failed to record usage", "user_id", req.UserID, "error", err)
	}
	e.log.Info("turn recorded", "message_id", res.MessageID, "session_id", req.SessionID,
		"source", string(source), "tokens", tokens, "cost", res.Cost.StringFixed(2), "complete", complete)
	return res, nil
}

func firstErr(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
