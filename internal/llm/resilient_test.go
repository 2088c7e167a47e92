package llm

import (
	"context"
	"errors"
	"testing"
	"time"
)

type scriptedProvider struct {
	errs      []error // one per call, nil means success
	fragments []string
	calls     int
}

func (p *scriptedProvider) next() error {
	p.calls++
	if p.calls <= len(p.errs) {
		return p.errs[p.calls-1]
	}
	return nil
}

func (p *scriptedProvider) Complete(ctx context.Context, msgs []Message) (string, error) {
	if err := p.next(); err != nil {
		return "", err
	}
	return "ok", nil
}

func (p *scriptedProvider) Stream(ctx context.Context, msgs []Message, onFragment func(string) error) error {
	err := p.next()
	for _, f := range p.fragments {
		if err := onFragment(f); err != nil {
			return err
		}
	}
	return err
}

func fastOptions() ResilientOptions {
	return ResilientOptions{MaxRetries: 2, BaseDelay: time.Millisecond, Timeout: time.Second}
}

func TestCompleteRetriesTransientErrors(t *testing.T) {
	p := &scriptedProvider{errs: []error{errors.New("googleapi: Error 503: overloaded"), errors.New("429 too many requests")}}
	r := NewResilient(p, fastOptions())

	got, err := r.Complete(context.Background(), []Message{{Role: RoleUser, Content: "hi"}})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if got != "ok" || p.calls != 3 {
		t.Fatalf("want=ok after 3 calls got=%q after %d", got, p.calls)
	}
}

func TestCompleteDoesNotRetryPermanentErrors(t *testing.T) {
	p := &scriptedProvider{errs: []error{errors.New("400 invalid argument")}}
	r := NewResilient(p, fastOptions())

	if _, err := r.Complete(context.Background(), nil); err == nil {
		t.Fatalf("expected error")
	}
	if p.calls != 1 {
		t.Fatalf("calls: want=1 got=%d", p.calls)
	}
}

func TestCompleteUsesFallback(t *testing.T) {
	fail := errors.New("503 unavailable")
	p := &scriptedProvider{errs: []error{fail, fail, fail}}
	fb := &scriptedProvider{}
	opts := fastOptions()
	opts.Fallback = fb
	r := NewResilient(p, opts)

	got, err := r.Complete(context.Background(), nil)
	if err != nil || got != "ok" {
		t.Fatalf("fallback: want=ok got=%q err=%v", got, err)
	}
	if p.calls != 3 || fb.calls != 1 {
		t.Fatalf("calls: primary=%d fallback=%d", p.calls, fb.calls)
	}
}

func TestStreamDoesNotRetryAfterDelivery(t *testing.T) {
	p := &scriptedProvider{errs: []error{errors.New("503 unavailable")}, fragments: []string{"a", "b"}}
	r := NewResilient(p, fastOptions())

	var got []string
	err := r.Stream(context.Background(), nil, func(s string) error {
		got = append(got, s)
		return nil
	})
	if err == nil {
		t.Fatalf("expected error after partial delivery")
	}
	if p.calls != 1 || len(got) != 2 {
		t.Fatalf("want 1 call and 2 fragments, got calls=%d fragments=%v", p.calls, got)
	}
}

func TestStreamStopsWhenSinkFails(t *testing.T) {
	p := &scriptedProvider{fragments: []string{"a", "b", "c"}}
	r := NewResilient(p, fastOptions())

	stop := errors.New("client gone")
	n := 0
	err := r.Stream(context.Background(), nil, func(string) error {
		n++
		return stop
	})
	if !errors.Is(err, stop) {
		t.Fatalf("want sink error got=%v", err)
	}
	if n != 1 || p.calls != 1 {
		t.Fatalf("want one fragment one call, got fragments=%d calls=%d", n, p.calls)
	}
}

func TestIsRetryable(t *testing.T) {
	cases := map[string]bool{
		"rpc error: code = Unavailable": true,
		"HTTP 500":                      true,
		"invalid api key":               false,
	}
	for msg, want := range cases {
		if got := IsRetryable(errors.New(msg)); got != want {
			t.Fatalf("%q: want=%v got=%v", msg, want, got)
		}
	}
	if IsRetryable(context.Canceled) {
		t.Fatalf("context.Canceled must not be retryable")
	}
}

func TestSplitSystemMessages(t *testing.T) {
	sys, turns := split([]Message{
		{Role: RoleSystem, Content: "a"},
		{Role: RoleUser, Content: "q"},
		{Role: RoleSystem, Content: "b"},
	})
	if sys != "a\n\nb" || len(turns) != 1 {
		t.Fatalf("split: got system=%q turns=%v", sys, turns)
	}
}
