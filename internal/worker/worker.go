package worker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"device-pipeline/internal/event"
	"device-pipeline/internal/observability"
	"device-pipeline/internal/queue"
	"device-pipeline/internal/store"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"
)

type Queue interface {
	Receive(ctx context.Context, max int) ([]queue.Delivery, error)
	Ack(ctx context.Context, ids ...string) error
}

type Applier interface {
	Apply(ctx context.Context, m event.Message, messageID string) (store.Outcome, error)
}

type Options struct {
	BatchSize   int
	Concurrency int
	// ErrorBackoff is the pause after a failed receive.
	ErrorBackoff time.Duration
	// IdleWait is the pause after an empty receive.
	IdleWait time.Duration
}

// Result is the outcome for one delivery of a batch. Err is nil when the
// message was applied or recognized as a duplicate.
type Result struct {
	MessageID string
	Outcome   store.Outcome
	Err       error
}

// Worker folds queued messages into the aggregate store. It keeps no state
// between batches; any number of replicas may consume the same queue.
type Worker struct {
	queue Queue
	store Applier
	opts  Options
}

func New(q Queue, s Applier, opts Options) *Worker {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 10
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.ErrorBackoff <= 0 {
		opts.ErrorBackoff = time.Second
	}
	if opts.IdleWait <= 0 {
		opts.IdleWait = 100 * time.Millisecond
	}
	return &Worker{queue: q, store: s, opts: opts}
}

// ProcessBatch applies every delivery independently and returns one result
// per delivery, in order. A failure never affects the other deliveries.
func (w *Worker) ProcessBatch(ctx context.Context, batch []queue.Delivery) []Result {
	ctx, span := otel.Tracer("aggregation-worker").Start(ctx, "process batch")
	defer span.End()
	span.SetAttributes(attribute.Int("batch.size", len(batch)))

	results := make([]Result, 0, len(batch))
	failed := 0
	for _, d := range batch {
		res := w.apply(ctx, d)
		if res.Err != nil {
			failed++
			observability.WorkerMessages.WithLabelValues("failed").Inc()
			slog.Error("message processing failed", "msg_id", d.ID, "corr_id", d.CorrID, "attempt", d.Attempt, "preview", preview(d.Body), "error", res.Err)
		} else {
			observability.WorkerMessages.WithLabelValues(res.Outcome.String()).Inc()
			slog.Debug("message processed", "msg_id", d.ID, "corr_id", d.CorrID, "outcome", res.Outcome)
		}
		results = append(results, res)
	}
	span.SetAttributes(attribute.Int("batch.failures", failed))
	if failed > 0 {
		span.SetStatus(codes.Error, "partial batch failure")
	}
	return results
}

func (w *Worker) apply(ctx context.Context, d queue.Delivery) Result {
	m, err := event.DecodeMessage(d.Body)
	if err != nil {
		return Result{MessageID: d.ID, Err: err}
	}
	outcome, err := w.store.Apply(ctx, m, d.ID)
	return Result{MessageID: d.ID, Outcome: outcome, Err: err}
}

// RunOnce receives one batch, processes it and acknowledges the successful
// messages. Failed messages stay unacknowledged and are redelivered by the
// queue after its visibility timeout. A received batch is finished even if
// ctx is cancelled meanwhile, since every delivery has used up an attempt.
func (w *Worker) RunOnce(ctx context.Context) (int, error) {
	batch, err := w.queue.Receive(ctx, w.opts.BatchSize)
	if len(batch) == 0 {
		return 0, err
	}
	if err != nil {
		slog.Warn("partial receive", "size", len(batch), "error", err)
	}
	ctx = context.WithoutCancel(ctx)

	results := w.ProcessBatch(ctx, batch)
	ack := make([]string, 0, len(results))
	for _, r := range results {
		if r.Err == nil {
			ack = append(ack, r.MessageID)
		}
	}
	if err := w.queue.Ack(ctx, ack...); err != nil {
		// The applied messages will come back and be absorbed as duplicates.
		slog.Error("ack failed", "count", len(ack), "error", err)
	}
	slog.Info("batch done", "size", len(batch), "acked", len(ack), "failures", len(batch)-len(ack))
	return len(batch), nil
}

// Run consumes until ctx is cancelled using Concurrency parallel loops.
func (w *Worker) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < w.opts.Concurrency; i++ {
		g.Go(func() error {
			w.loop(ctx)
			return nil
		})
	}
	return g.Wait()
}

func (w *Worker) loop(ctx context.Context) {
	for ctx.Err() == nil {
		n, err := w.RunOnce(ctx)
		wait := time.Duration(0)
		switch {
		case err != nil:
			if errors.Is(err, context.Canceled) {
				return
			}
			slog.Warn("receive failed", "error", err)
			wait = w.opts.ErrorBackoff
		case n == 0:
			wait = w.opts.IdleWait
		}
		if wait == 0 {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

func preview(b []byte) string {
	if len(b) > 200 {
		return string(b[:200])
	}
	return string(b)
}
