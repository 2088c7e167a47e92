package usage

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

// Recorder keeps running per-user totals of billed tokens and cost. It is
// informational only; nothing is ever denied based on it.
type Recorder interface {
	Record(ctx context.Context, userID string, tokens int, cost decimal.Decimal) error
	Totals(ctx context.Context, userID string) (Totals, error)
}

type Totals struct {
	Tokens int64           `json:"tokens"`
	Cost   decimal.Decimal `json:"cost"`
}

// Redis stores totals under usage:<user> (tokens) and usage_cost:<user>
// (cost in hundredths).
type Redis struct {
	client  *redis.Client
	timeout time.Duration
}

func NewRedis(client *redis.Client, timeout time.Duration) *Redis {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Redis{client: client, timeout: timeout}
}

func (r *Redis) Record(ctx context.Context, userID string, tokens int, cost decimal.Decimal) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	cents := cost.Shift(2).Round(0).IntPart()
	pipe := r.client.TxPipeline()
	pipe.IncrBy(ctx, "usage:"+userID, int64(tokens))
	pipe.IncrBy(ctx, "usage_cost:"+userID, cents)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to record usage: %w", err)
	}
	return nil
}

func (r *Redis) Totals(ctx context.Context, userID string) (Totals, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	vals, err := r.client.MGet(ctx, "usage:"+userID, "usage_cost:"+userID).Result()
	if err != nil {
		return Totals{}, fmt.Errorf("failed to read usage: %w", err)
	}
	var t Totals
	t.Cost = decimal.Zero
	if s, ok := vals[0].(string); ok {
		t.Tokens, _ = strconv.ParseInt(s, 10, 64)
	}
	if s, ok := vals[1].(string); ok {
		cents, _ := strconv.ParseInt(s, 10, 64)
		t.Cost = decimal.New(cents, -2)
	}
	return t, nil
}

// Nop discards usage. Used when no Redis address is configured.
type Nop struct{}

func (Nop) Record(context.Context, string, int, decimal.Decimal) error { return nil }
func (Nop) Totals(context.Context, string) (Totals, error)             { return Totals{Cost: decimal.Zero}, nil }
