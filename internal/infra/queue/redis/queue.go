// Package redis carries snapshot refresh requests between processes on a
// Redis list: producers LPUSH deposit ids, consumers BRPOP them.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

const (
	defaultKey   = "aidstock:snapshot-refresh"
	defaultBlock = 2 * time.Second
)

// Handler processes one dequeued deposit id.
type Handler func(ctx context.Context, depositID string) error

// Logger is the subset of the service logger the consumer writes to.
type Logger interface {
	Warn(msg string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Warn(string, ...any) {}

// Queue is both the publisher (core.SnapshotNotifier) and the consumer side.
type Queue struct {
	rdb    *goredis.Client
	key    string
	block  time.Duration
	logger Logger
}

// Option customizes a Queue.
type Option func(*Queue)

// WithKey overrides the list key.
func WithKey(key string) Option {
	return func(q *Queue) {
		if key != "" {
			q.key = key
		}
	}
}

// WithBlock sets how long one BRPOP waits before re-checking ctx.
func WithBlock(d time.Duration) Option {
	return func(q *Queue) {
		if d > 0 {
			q.block = d
		}
	}
}

// WithLogger sets the logger handler failures are reported to.
func WithLogger(logger Logger) Option {
	return func(q *Queue) {
		if logger != nil {
			q.logger = logger
		}
	}
}

// New wraps an existing client.
func New(rdb *goredis.Client, opts ...Option) *Queue {
	q := &Queue{rdb: rdb, key: defaultKey, block: defaultBlock, logger: nopLogger{}}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Dial connects to addr and verifies the server answers.
func Dial(ctx context.Context, addr string, opts ...Option) (*Queue, error) {
	if addr == "" {
		return nil, fmt.Errorf("redis address required")
	}
	rdb := goredis.NewClient(&goredis.Options{Addr: addr, DialTimeout: 5 * time.Second})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return New(rdb, opts...), nil
}

// Key returns the list key.
func (q *Queue) Key() string { return q.key }

// RequestRefresh pushes the deposit ids onto the list.
func (q *Queue) RequestRefresh(ctx context.Context, depositIDs ...string) error {
	values := make([]any, 0, len(depositIDs))
	for _, id := range depositIDs {
		if id != "" {
			values = append(values, id)
		}
	}
	if len(values) == 0 {
		return nil
	}
	if err := q.rdb.LPush(ctx, q.key, values...).Err(); err != nil {
		return fmt.Errorf("enqueue snapshot refresh: %w", err)
	}
	return nil
}

// Len reports how many requests are waiting.
func (q *Queue) Len(ctx context.Context) (int64, error) {
	return q.rdb.LLen(ctx, q.key).Result()
}

// Consume pops requests and hands them to handle until ctx is done. Handler
// failures are logged and the request is dropped; the next committed change
// to the deposit enqueues it again.
func (q *Queue) Consume(ctx context.Context, handle Handler) error {
	if handle == nil {
		return fmt.Errorf("handler required")
	}
	for {
		if ctx.Err() != nil {
			return nil
		}
		res, err := q.rdb.BRPop(ctx, q.block, q.key).Result()
		switch {
		case errors.Is(err, goredis.Nil):
			continue
		case err != nil:
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("dequeue snapshot refresh: %w", err)
		}
		// BRPOP replies with [key, value].
		if len(res) != 2 {
			continue
		}
		if err := handle(ctx, res[1]); err != nil {
			q.logger.Warn("snapshot refresh handler failed", "deposit", res[1], "error", err)
		}
	}
}

// Close releases the client.
func (q *Queue) Close() error { return q.rdb.Close() }
