package worker

import (
	"context"
	"log/slog"
	"time"

	"device-pipeline/internal/observability"
	"device-pipeline/internal/queue"

	"github.com/robfig/cron/v3"
)

type DedupPruner interface {
	PruneProcessed(ctx context.Context, before time.Time) (int64, error)
}

type QueueMaintainer interface {
	TrimDeadLetters(ctx context.Context, before time.Time) (int64, error)
	Depth(ctx context.Context) (queue.Depth, error)
}

type JanitorOptions struct {
	DedupRetention      time.Duration
	DeadLetterRetention time.Duration
	// Cron specs; robfig/cron descriptors such as "@every 1h" are accepted.
	MaintenanceSchedule string
	DepthSchedule       string
}

// Janitor runs the periodic housekeeping of the worker process.
type Janitor struct {
	dedup DedupPruner
	queue QueueMaintainer
	opts  JanitorOptions
	cron  *cron.Cron
	now   func() time.Time
}

func NewJanitor(dedup DedupPruner, q QueueMaintainer, opts JanitorOptions) *Janitor {
	if opts.DedupRetention <= 0 {
		opts.DedupRetention = 7 * 24 * time.Hour
	}
	if opts.DeadLetterRetention <= 0 {
		opts.DeadLetterRetention = 24 * time.Hour
	}
	if opts.MaintenanceSchedule == "" {
		opts.MaintenanceSchedule = "@every 1h"
	}
	if opts.DepthSchedule == "" {
		opts.DepthSchedule = "@every 15s"
	}
	return &Janitor{dedup: dedup, queue: q, opts: opts, cron: cron.New(), now: time.Now}
}

func (j *Janitor) Start(ctx context.Context) error {
	if _, err := j.cron.AddFunc(j.opts.MaintenanceSchedule, func() {
		j.PruneDedup(ctx)
		j.TrimDeadLetters(ctx)
	}); err != nil {
		return err
	}
	if _, err := j.cron.AddFunc(j.opts.DepthSchedule, func() { j.SampleDepth(ctx) }); err != nil {
		return err
	}
	j.cron.Start()
	return nil
}

func (j *Janitor) Stop() {
	<-j.cron.Stop().Done()
}

func (j *Janitor) PruneDedup(ctx context.Context) {
	n, err := j.dedup.PruneProcessed(ctx, j.now().Add(-j.opts.DedupRetention))
	if err != nil {
		slog.Warn("dedup prune failed", "error", err)
		return
	}
	observability.DedupPruned.Add(float64(n))
	if n > 0 {
		slog.Info("dedup records pruned", "count", n, "retention", j.opts.DedupRetention)
	}
}

func (j *Janitor) TrimDeadLetters(ctx context.Context) {
	n, err := j.queue.TrimDeadLetters(ctx, j.now().Add(-j.opts.DeadLetterRetention))
	if err != nil {
		slog.Warn("dead-letter trim failed", "error", err)
		return
	}
	if n > 0 {
		slog.Info("dead letters expired", "count", n, "retention", j.opts.DeadLetterRetention)
	}
}

func (j *Janitor) SampleDepth(ctx context.Context) {
	d, err := j.queue.Depth(ctx)
	if err != nil {
		slog.Warn("queue depth sample failed", "error", err)
		return
	}
	observability.QueueDepth.WithLabelValues("queued").Set(float64(d.Queued))
	observability.QueueDepth.WithLabelValues("in_flight").Set(float64(d.InFlight))
	observability.QueueDepth.WithLabelValues("dead_lettered").Set(float64(d.DeadLettered))
}
