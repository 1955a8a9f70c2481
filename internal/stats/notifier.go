package stats

import (
	"aidstock/internal/core"
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

var (
	_ core.SnapshotNotifier = (*InlineNotifier)(nil)
	_ core.SnapshotNotifier = (*Worker)(nil)
)

// ErrQueueFull is returned when the worker cannot accept more deposits.
var ErrQueueFull = errors.New("stats: refresh queue full")

// InlineNotifier records snapshots synchronously once the triggering
// operation has committed. It suits single-process deployments and tests.
type InlineNotifier struct {
	rec *Recorder
}

// NewInlineNotifier wraps rec.
func NewInlineNotifier(rec *Recorder) *InlineNotifier {
	return &InlineNotifier{rec: rec}
}

// RequestRefresh implements core.SnapshotNotifier.
func (n *InlineNotifier) RequestRefresh(ctx context.Context, depositIDs ...string) error {
	return n.rec.RecordAll(ctx, depositIDs...)
}

// Worker defers snapshot recording to background goroutines fed by a
// bounded queue.
type Worker struct {
	rec         *Recorder
	queue       chan string
	concurrency int
	logger      core.Logger
	failures    atomic.Int64
}

// WorkerOption customizes a Worker.
type WorkerOption func(*Worker)

// WithQueueSize sets the queue buffer; non-positive values are ignored.
func WithQueueSize(n int) WorkerOption {
	return func(w *Worker) {
		if n > 0 {
			w.queue = make(chan string, n)
		}
	}
}

// WithConcurrency sets how many deposits are recorded in parallel.
func WithConcurrency(n int) WorkerOption {
	return func(w *Worker) {
		if n > 0 {
			w.concurrency = n
		}
	}
}

// WithWorkerLogger sets the logger.
func WithWorkerLogger(logger core.Logger) WorkerOption {
	return func(w *Worker) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// NewWorker returns a worker recording through rec. Call Run to start it.
func NewWorker(rec *Recorder, opts ...WorkerOption) *Worker {
	w := &Worker{
		rec:         rec,
		queue:       make(chan string, 256),
		concurrency: 2,
		logger:      nopLogger{},
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// RequestRefresh implements core.SnapshotNotifier. It never blocks; deposits
// that do not fit in the queue are reported through ErrQueueFull.
func (w *Worker) RequestRefresh(_ context.Context, depositIDs ...string) error {
	var dropped []string
	for _, id := range depositIDs {
		if id == "" {
			continue
		}
		select {
		case w.queue <- id:
		default:
			dropped = append(dropped, id)
		}
	}
	if len(dropped) > 0 {
		return fmt.Errorf("%w: dropped %v", ErrQueueFull, dropped)
	}
	return nil
}

// Pending reports how many deposits wait in the queue.
func (w *Worker) Pending() int { return len(w.queue) }

// Failures reports how many recordings have failed since start.
func (w *Worker) Failures() int64 { return w.failures.Load() }

// Run consumes the queue until ctx is done, then records whatever is still
// queued so accepted requests are not lost on shutdown.
func (w *Worker) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < w.concurrency; i++ {
		g.Go(func() error {
			for {
				select {
				case <-gctx.Done():
					return nil
				case id := <-w.queue:
					w.record(gctx, id)
				}
			}
		})
	}
	err := g.Wait()
	w.Drain(context.WithoutCancel(ctx))
	return err
}

// Drain records every queued deposit on the calling goroutine.
func (w *Worker) Drain(ctx context.Context) {
	for {
		select {
		case id := <-w.queue:
			w.record(ctx, id)
		default:
			return
		}
	}
}

func (w *Worker) record(ctx context.Context, depositID string) {
	if _, err := w.rec.RecordSnapshot(ctx, depositID); err != nil {
		w.failures.Add(1)
		w.logger.Warn("stats snapshot failed", "deposit", depositID, "error", err)
	}
}
