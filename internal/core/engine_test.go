package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/shopspring/decimal"

	"gwi.com/ragchat/internal/billing"
	"gwi.com/ragchat/internal/ingest"
	"gwi.com/ragchat/internal/knowledge"
	"gwi.com/ragchat/internal/search"
	"gwi.com/ragchat/internal/store"
)

type harness struct {
	model    *fakeModel
	searcher *fakeSearch
	turns    *fakeTurns
	sessions *knowledge.Store
	engine   *Engine
}

func newHarness() *harness {
	h := &harness{
		model:    &fakeModel{},
		searcher: &fakeSearch{results: []search.Result{{Title: "Go", Link: "https://go.dev", Snippet: "The Go language"}}},
		turns:    &fakeTurns{},
		sessions: knowledge.NewStore(letterEmbedder{}, knowledge.NewMemoryIndex(), knowledge.Options{}),
	}
	h.engine = NewEngine(h.sessions, h.model, h.searcher, wordCounter{}, billing.NewPricing(0.06), h.turns, nil,
		EngineConfig{TopK: 20, HistoryLimit: 15, RecencyKeywords: []string{"latest", "current", "new"}}, nil)
	return h
}

func TestAnswerFromModel(t *testing.T) {
	h := newHarness()
	h.model.answer = "4"

	res, err := h.engine.Answer(context.Background(), Request{Question: "What is 2+2?", SessionID: "s1", UserID: "u1"})
	if err != nil {
		t.Fatalf("Answer: %v", err)
	}
	if res.Answer != "4" || res.Source != store.SourceModel {
		t.Fatalf("result: got answer=%q source=%s", res.Answer, res.Source)
	}
	if res.Tokens != 4 {
		t.Fatalf("tokens: want=4 got=%d", res.Tokens)
	}
	if !res.Cost.Equal(decimal.Zero) || !res.Persisted || !res.Complete || res.MessageID == "" {
		t.Fatalf("result: got=%+v", res)
	}
	if h.searcher.calls != 0 {
		t.Fatalf("search calls: want=0 got=%d", h.searcher.calls)
	}

	if len(h.turns.turns) != 1 {
		t.Fatalf("persisted turns: want=1 got=%d", len(h.turns.turns))
	}
	turn := h.turns.turns[0]
	if turn.MessageID != res.MessageID || turn.Prompt != "What is 2+2?" || turn.Response != "4" || turn.UserID != "u1" {
		t.Fatalf("turn: got=%+v", turn)
	}
	if !h.turns.prices[0].CompletionPrice.Equal(res.Cost) {
		t.Fatalf("price: want=%s got=%s", res.Cost, h.turns.prices[0].CompletionPrice)
	}
}

func TestRecencyKeywordSkipsModel(t *testing.T) {
	for _, q := range []string{"What is the LATEST Go release?", "current weather", "any news today?"} {
		h := newHarness()
		res, err := h.engine.Answer(context.Background(), Request{Question: q})
		if err != nil {
			t.Fatalf("%q: Answer: %v", q, err)
		}
		if h.model.calls != 0 {
			t.Fatalf("%q: model calls: want=0 got=%d", q, h.model.calls)
		}
		if res.Source != store.SourceWeb || h.searcher.calls != 1 {
			t.Fatalf("%q: want one web search, got source=%s calls=%d", q, res.Source, h.searcher.calls)
		}
		if !strings.HasPrefix(res.Answer, "Bing Search Results:") {
			t.Fatalf("%q: answer: got=%q", q, res.Answer)
		}
	}
}

func TestNotFoundFallsBackOnce(t *testing.T) {
	for _, answer := range []string{"Not Found", "Sorry, the answer was NOT FOUND in the documents."} {
		h := newHarness()
		h.model.answer = answer

		res, err := h.engine.Answer(context.Background(), Request{Question: "Who won the 1930 world cup?"})
		if err != nil {
			t.Fatalf("Answer: %v", err)
		}
		if h.searcher.calls != 1 || h.model.calls != 1 {
			t.Fatalf("calls: want model=1 search=1 got model=%d search=%d", h.model.calls, h.searcher.calls)
		}
		if res.Source != store.SourceWeb {
			t.Fatalf("source: want=%s got=%s", store.SourceWeb, res.Source)
		}
		want := search.Format(h.searcher.results)
		if res.Answer != want {
			t.Fatalf("answer: want=%q got=%q", want, res.Answer)
		}
	}
}

func TestSessionContextReachesModel(t *testing.T) {
	h := newHarness()
	if err := h.sessions.Put(context.Background(), "s1", []ingest.Chunk{{Content: "hello world", Source: "greeting.txt"}}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	h.model.answer = "It says hello world."

	if _, err := h.engine.Answer(context.Background(), Request{Question: "What does the file say?", SessionID: "s1"}); err != nil {
		t.Fatalf("Answer: %v", err)
	}
	if p := h.model.userPrompt(); !strings.Contains(p, "Context: hello world") {
		t.Fatalf("prompt is missing session context: %q", p)
	}

	// other sessions see no context
	if _, err := h.engine.Answer(context.Background(), Request{Question: "What does the file say?", SessionID: "s2"}); err != nil {
		t.Fatalf("Answer s2: %v", err)
	}
	if p := h.model.userPrompt(); !strings.Contains(p, "Context: \n") {
		t.Fatalf("prompt for empty session should have empty context: %q", p)
	}
}

func TestUploadedDocumentReachesAnswer(t *testing.T) {
	h := newHarness()
	docs := NewDocumentService(ingest.NewSplitter(0, 0), h.sessions, h.model, wordCounter{}, billing.NewPricing(0.06), h.turns, DocumentConfig{}, nil)
	h.model.answer = "A greeting."
	if _, err := docs.Upload(context.Background(), Upload{SessionID: "s1", UserID: "u1", Filename: "notes.txt", Data: []byte("hello world")}); err != nil {
		t.Fatalf("Upload: %v", err)
	}

	h.model.answer = "It says hello world."
	res, err := h.engine.Answer(context.Background(), Request{Question: "What does the file say?", SessionID: "s1", UserID: "u1"})
	if err != nil {
		t.Fatalf("Answer: %v", err)
	}
	if res.Source != store.SourceModel {
		t.Fatalf("source: want=%s got=%s", store.SourceModel, res.Source)
	}
	if p := h.model.userPrompt(); !strings.Contains(p, "hello world") || !strings.Contains(p, "What does the file say?") {
		t.Fatalf("prompt is missing the uploaded document: %q", p)
	}
	if len(h.turns.turns) != 2 || h.turns.turns[0].Source != store.SourceDocument {
		t.Fatalf("turns: want summary then answer, got=%+v", h.turns.turns)
	}
}

func TestHistoryIsClampedInPrompt(t *testing.T) {
	h := newHarness()
	h.model.answer = "ok"
	var history []HistoryMessage
	for i := 0; i < 20; i++ {
		history = append(history, HistoryMessage{Type: "human", Content: fmt.Sprintf("msg-%02d", i)})
	}

	if _, err := h.engine.Answer(context.Background(), Request{Question: "q", History: history}); err != nil {
		t.Fatalf("Answer: %v", err)
	}
	p := h.model.userPrompt()
	if strings.Contains(p, "msg-04") || !strings.Contains(p, "Human: msg-05") || !strings.Contains(p, "Human: msg-19") {
		t.Fatalf("history not clamped to the last 15: %q", p)
	}
}

func TestPersistenceFailureKeepsAnswer(t *testing.T) {
	h := newHarness()
	h.model.answer = "4"
	h.turns.err = errors.New("disk full")

	res, err := h.engine.Answer(context.Background(), Request{Question: "What is 2+2?"})
	if !errors.Is(err, ErrPersistence) {
		t.Fatalf("want ErrPersistence got=%v", err)
	}
	if res == nil || res.Answer != "4" || res.Persisted || res.MessageID == "" {
		t.Fatalf("result: got=%+v", res)
	}
}

func TestProviderFailure(t *testing.T) {
	h := newHarness()
	h.model.err = errors.New("503 unavailable")
	if _, err := h.engine.Answer(context.Background(), Request{Question: "hi"}); !errors.Is(err, ErrProvider) {
		t.Fatalf("model failure: want ErrProvider got=%v", err)
	}

	h = newHarness()
	h.searcher.err = errors.New("timeout")
	if _, err := h.engine.Answer(context.Background(), Request{Question: "latest news"}); !errors.Is(err, ErrProvider) {
		t.Fatalf("search failure: want ErrProvider got=%v", err)
	}
	if len(h.turns.turns) != 0 {
		t.Fatalf("failed turns must not be persisted")
	}

	h = newHarness()
	h.searcher.err = fmt.Errorf("%w: bad json", search.ErrUnexpectedResponse)
	if _, err := h.engine.Answer(context.Background(), Request{Question: "latest news"}); !errors.Is(err, ErrUnexpectedResponse) {
		t.Fatalf("bad search shape: want ErrUnexpectedResponse got=%v", err)
	}
}

func TestEmptyQuestionRejected(t *testing.T) {
	h := newHarness()
	if _, err := h.engine.Answer(context.Background(), Request{Question: "  "}); !errors.Is(err, ErrEmptyQuestion) {
		t.Fatalf("want ErrEmptyQuestion got=%v", err)
	}
}

func TestStreamDeliversFragmentsInOrder(t *testing.T) {
	h := newHarness()
	h.model.fragments = []string{"Hel", "lo", " there"}

	var got []string
	res, err := h.engine.Stream(context.Background(), Request{Question: "greet me"}, func(f string) error {
		got = append(got, f)
		return nil
	})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	if strings.Join(got, "|") != "Hel|lo| there" {
		t.Fatalf("fragments: got=%v", got)
	}
	if res.Answer != "Hello there" || !res.Complete || !res.Persisted {
		t.Fatalf("result: got=%+v", res)
	}
	if len(h.turns.turns) != 1 || h.turns.turns[0].Response != "Hello there" {
		t.Fatalf("persisted: got=%v", h.turns.turns)
	}
}

func TestStreamNotFoundFallsBack(t *testing.T) {
	h := newHarness()
	h.model.fragments = []string{"Not ", "Found"}

	res, err := h.engine.Stream(context.Background(), Request{Question: "obscure"}, func(string) error { return nil })
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	if res.Source != store.SourceWeb || h.searcher.calls != 1 {
		t.Fatalf("want web fallback, got source=%s calls=%d", res.Source, h.searcher.calls)
	}
}

func TestStreamDisconnectPersistsPartial(t *testing.T) {
	h := newHarness()
	h.model.fragments = []string{"a", "b", "c", "d"}
	gone := errors.New("client disconnected")

	n := 0
	res, err := h.engine.Stream(context.Background(), Request{Question: "q"}, func(string) error {
		n++
		if n == 2 {
			return gone
		}
		return nil
	})
	if !errors.Is(err, gone) {
		t.Fatalf("want disconnect error got=%v", err)
	}
	if n != 2 {
		t.Fatalf("delivery continued after disconnect: %d emits", n)
	}
	if res == nil || res.Complete || len(h.turns.turns) != 1 {
		t.Fatalf("want one incomplete persisted turn, got res=%+v turns=%d", res, len(h.turns.turns))
	}
	if turn := h.turns.turns[0]; turn.Complete || turn.Response != "ab" {
		t.Fatalf("partial turn: got=%+v", turn)
	}
}

func TestStreamCancelledContextPersistsPartial(t *testing.T) {
	h := newHarness()
	h.model.fragments = []string{"a", "b", "c"}
	ctx, cancel := context.WithCancel(context.Background())

	n := 0
	_, err := h.engine.Stream(ctx, Request{Question: "q"}, func(string) error {
		n++
		cancel()
		return nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("want context.Canceled got=%v", err)
	}
	if n != 1 {
		t.Fatalf("emits after cancel: want=1 got=%d", n)
	}
	if len(h.turns.turns) != 1 || h.turns.turns[0].Response != "a" || h.turns.turns[0].Complete {
		t.Fatalf("partial turn: got=%v", h.turns.turns)
	}
}

func TestStreamEmptyIsAnError(t *testing.T) {
	h := newHarness()
	_, err := h.engine.Stream(context.Background(), Request{Question: "q"}, func(string) error { return nil })
	if !errors.Is(err, ErrProviderEmpty) {
		t.Fatalf("want ErrProviderEmpty got=%v", err)
	}
	if len(h.turns.turns) != 0 {
		t.Fatalf("empty stream must not be persisted")
	}
}

func TestStreamRecencyUsesSearch(t *testing.T) {
	h := newHarness()
	emitted := 0
	res, err := h.engine.Stream(context.Background(), Request{Question: "latest release"}, func(string) error {
		emitted++
		return nil
	})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	if h.model.calls != 0 || emitted != 0 || res.Source != store.SourceWeb {
		t.Fatalf("want search-only turn, got model=%d emitted=%d source=%s", h.model.calls, emitted, res.Source)
	}
}

func TestRenderHistory(t *testing.T) {
	got := RenderHistory([]HistoryMessage{{Type: "human", Content: "hi"}, {Type: "AI", Content: "hello"}}, 15)
	if got != "Human: hi\nAi: hello" {
		t.Fatalf("RenderHistory: got=%q", got)
	}
	if RenderHistory(nil, 15) != "" {
		t.Fatalf("RenderHistory(nil): want empty")
	}
}
