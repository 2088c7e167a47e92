package core

import (
	"context"
	"strings"
	"sync"

	"gwi.com/ragchat/internal/llm"
	"gwi.com/ragchat/internal/search"
	"gwi.com/ragchat/internal/store"
)

type fakeModel struct {
	mu        sync.Mutex
	answer    string
	fragments []string
	err       error
	calls     int
	last      []llm.Message
}

func (m *fakeModel) Complete(_ context.Context, msgs []llm.Message) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	m.last = msgs
	return m.answer, m.err
}

func (m *fakeModel) Stream(_ context.Context, msgs []llm.Message, onFragment func(string) error) error {
	m.mu.Lock()
	m.calls++
	m.last = msgs
	frags, err := m.fragments, m.err
	m.mu.Unlock()
	for _, f := range frags {
		if err := onFragment(f); err != nil {
			return err
		}
	}
	return err
}

func (m *fakeModel) userPrompt() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, msg := range m.last {
		if msg.Role == llm.RoleUser {
			return msg.Content
		}
	}
	return ""
}

type fakeSearch struct {
	results []search.Result
	err     error
	calls   int
}

func (s *fakeSearch) Search(context.Context, string, int) ([]search.Result, error) {
	s.calls++
	return s.results, s.err
}

type fakeTurns struct {
	mu     sync.Mutex
	turns  []*store.Turn
	prices []*store.Price
	err    error
}

func (f *fakeTurns) SaveTurn(_ context.Context, t *store.Turn, p *store.Price) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.turns = append(f.turns, t)
	f.prices = append(f.prices, p)
	return nil
}

// wordCounter counts whitespace separated words.
type wordCounter struct{}

func (wordCounter) Count(text string) int { return len(strings.Fields(text)) }

// letterEmbedder maps text to a 26-dim letter frequency vector.
type letterEmbedder struct{}

func (letterEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v := make([]float32, 26)
		for _, r := range strings.ToLower(t) {
			if r >= 'a' && r <= 'z' {
				v[r-'a']++
			}
		}
		out[i] = v
	}
	return out, nil
}
