package worker

import (
	"context"
	"testing"
	"time"

	"device-pipeline/internal/observability"
	"device-pipeline/internal/queue"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

type fakePruner struct{ before time.Time }

func (f *fakePruner) PruneProcessed(_ context.Context, before time.Time) (int64, error) {
	f.before = before
	return 3, nil
}

type fakeMaintainer struct {
	trimmedBefore time.Time
	depth         queue.Depth
}

func (f *fakeMaintainer) TrimDeadLetters(_ context.Context, before time.Time) (int64, error) {
	f.trimmedBefore = before
	return 0, nil
}

func (f *fakeMaintainer) Depth(context.Context) (queue.Depth, error) { return f.depth, nil }

func TestJanitorUsesRetentionWindows(t *testing.T) {
	now := time.Date(2024, 1, 10, 12, 0, 0, 0, time.UTC)
	p := &fakePruner{}
	m := &fakeMaintainer{}
	j := NewJanitor(p, m, JanitorOptions{DedupRetention: 48 * time.Hour})
	j.now = func() time.Time { return now }

	j.PruneDedup(context.Background())
	j.TrimDeadLetters(context.Background())

	if !p.before.Equal(now.Add(-48 * time.Hour)) {
		t.Fatalf("unexpected prune cutoff %v", p.before)
	}
	if !m.trimmedBefore.Equal(now.Add(-24 * time.Hour)) {
		t.Fatalf("expected default 24h dead-letter retention, got cutoff %v", m.trimmedBefore)
	}
}

func TestJanitorSamplesDepth(t *testing.T) {
	m := &fakeMaintainer{depth: queue.Depth{Queued: 7, InFlight: 2, DeadLettered: 1}}
	j := NewJanitor(&fakePruner{}, m, JanitorOptions{})
	j.SampleDepth(context.Background())

	if got := testutil.ToFloat64(observability.QueueDepth.WithLabelValues("queued")); got != 7 {
		t.Fatalf("expected queued 7, got %v", got)
	}
	if got := testutil.ToFloat64(observability.QueueDepth.WithLabelValues("dead_lettered")); got != 1 {
		t.Fatalf("expected dead_lettered 1, got %v", got)
	}
}

func TestJanitorRejectsBadSchedule(t *testing.T) {
	j := NewJanitor(&fakePruner{}, &fakeMaintainer{}, JanitorOptions{MaintenanceSchedule: "not a schedule"})
	if err := j.Start(context.Background()); err == nil {
		j.Stop()
		t.Fatalf("expected schedule parse error")
	}
}
