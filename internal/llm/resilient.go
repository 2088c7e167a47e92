package llm

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"gwi.com/ragchat/internal/logger"
)

// Resilient wraps a Provider with a per-call timeout, retries with jittered
// exponential backoff on transient failures, and an optional fallback model
// tried once after the primary is exhausted.
type Resilient struct {
	primary    Provider
	fallback   Provider
	embedder   Embedder
	maxRetries int
	baseDelay  time.Duration
	timeout    time.Duration
	log        *logger.Logger
}

type ResilientOptions struct {
	Fallback   Provider // optional
	Embedder   Embedder // optional
	MaxRetries int
	BaseDelay  time.Duration
	Timeout    time.Duration
	Logger     *logger.Logger
}

func NewResilient(primary Provider, opts ResilientOptions) *Resilient {
	r := &Resilient{
		primary:    primary,
		fallback:   opts.Fallback,
		embedder:   opts.Embedder,
		maxRetries: opts.MaxRetries,
		baseDelay:  opts.BaseDelay,
		timeout:    opts.Timeout,
		log:        opts.Logger,
	}
	if r.maxRetries < 0 {
		r.maxRetries = 0
	}
	if r.baseDelay <= 0 {
		r.baseDelay = 500 * time.Millisecond
	}
	if r.timeout <= 0 {
		r.timeout = 60 * time.Second
	}
	if r.log == nil {
		r.log = logger.Nop()
	}
	return r
}

func (r *Resilient) Complete(ctx context.Context, msgs []Message) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var out string
	err := r.retry(ctx, "complete", func() error {
		var err error
		out, err = r.primary.Complete(ctx, msgs)
		return err
	})
	if err == nil || r.fallback == nil || ctx.Err() != nil {
		return out, err
	}

	r.log.Warn("primary model exhausted, switching to fallback", "error", err)
	out, ferr := r.fallback.Complete(ctx, msgs)
	if ferr != nil {
		return "", fmt.Errorf("both primary and fallback failed: %w", errors.Join(err, ferr))
	}
	return out, nil
}

// Stream retries only while nothing has been delivered; once a fragment has
// reached the caller a failure is returned as is.
func (r *Resilient) Stream(ctx context.Context, msgs []Message, onFragment func(string) error) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	delivered := false
	var sinkErr error
	guarded := func(frag string) error {
		delivered = true
		if err := onFragment(frag); err != nil {
			sinkErr = err
			return err
		}
		return nil
	}

	err := r.retry(ctx, "stream", func() error {
		err := r.primary.Stream(ctx, msgs, guarded)
		if err != nil && (delivered || sinkErr != nil) {
			return permanent{err}
		}
		return err
	})
	var p permanent
	if errors.As(err, &p) {
		return p.err
	}
	if err == nil || r.fallback == nil || ctx.Err() != nil {
		return err
	}

	r.log.Warn("primary model exhausted, switching to fallback", "error", err)
	if ferr := r.fallback.Stream(ctx, msgs, guarded); ferr != nil {
		if sinkErr != nil {
			return ferr
		}
		return fmt.Errorf("both primary and fallback failed: %w", errors.Join(err, ferr))
	}
	return nil
}

func (r *Resilient) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if r.embedder == nil {
		return nil, errors.New("no embedder configured")
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var out [][]float32
	err := r.retry(ctx, "embed", func() error {
		var err error
		out, err = r.embedder.Embed(ctx, texts)
		return err
	})
	return out, err
}

type permanent struct{ err error }

func (p permanent) Error() string { return p.err.Error() }
func (p permanent) Unwrap() error { return p.err }

func (r *Resilient) retry(ctx context.Context, op string, call func() error) error {
	var lastErr error
	for attempt := 0; attempt <= r.maxRetries; attempt++ {
		err := call()
		if err == nil {
			return nil
		}
		lastErr = err

		if !IsRetryable(err) || attempt == r.maxRetries {
			break
		}

		wait := r.backoff(attempt)
		r.log.Debug("retrying model call", "op", op, "attempt", attempt+1, "wait", wait, "error", err)
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return lastErr
}

func (r *Resilient) backoff(attempt int) time.Duration {
	backoff := float64(r.baseDelay) * float64(int(1)<<attempt)
	jitter := (rand.Float64() * 0.2) * backoff // 20% jitter
	return time.Duration(backoff + jitter)
}

// IsRetryable reports whether err looks like a rate limit or a transient
// server-side failure.
func IsRetryable(err error) bool {
	var p permanent
	if err == nil || errors.As(err, &p) || errors.Is(err, context.Canceled) {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "429") ||
		strings.Contains(msg, "500") ||
		strings.Contains(msg, "503") ||
		strings.Contains(msg, "overloaded") ||
		strings.Contains(msg, "unavailable") ||
		strings.Contains(msg, "resource exhausted")
}
