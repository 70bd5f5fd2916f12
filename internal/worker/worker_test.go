package worker

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"device-pipeline/internal/event"
	"device-pipeline/internal/ingest"
	"device-pipeline/internal/queue"
	"device-pipeline/internal/store"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

const visibility = 10 * time.Millisecond

func openRepo(t *testing.T) *store.Repo {
	t.Helper()
	dsn := "file:worker_" + strings.NewReplacer("/", "_", " ", "_").Replace(t.Name()) + "?mode=memory&cache=shared"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	repo, err := store.New(db, store.Options{})
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return repo
}

func openQueue(t *testing.T, maxAttempts int64) *queue.Queue {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	q := queue.New(rdb, queue.Options{VisibilityTimeout: visibility, MaxAttempts: maxAttempts})
	if err := q.EnsureGroup(context.Background()); err != nil {
		t.Fatalf("ensure group: %v", err)
	}
	return q
}

func enqueue(t *testing.T, q *queue.Queue, device, typ, state, ts string) event.Message {
	t.Helper()
	m, err := event.Event{DeviceID: device, Type: typ, State: state, Timestamp: ts}.Normalize()
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	b, _ := json.Marshal(m)
	if _, err := q.Send(context.Background(), b, "test"); err != nil {
		t.Fatalf("send: %v", err)
	}
	return m
}

func countOf(t *testing.T, repo *store.Repo, date, typeState string) int64 {
	t.Helper()
	rec, _, err := repo.Get(context.Background(), date, typeState)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	return rec.Count
}

func TestMalformedMessageDoesNotRedeliverOthers(t *testing.T) {
	repo := openRepo(t)
	q := openQueue(t, 3)
	w := New(q, repo, Options{BatchSize: 10})
	ctx := context.Background()

	for i := 0; i < 9; i++ {
		ts := time.Date(2024, 1, 5, 10, i, 0, 0, time.UTC).Format(time.RFC3339)
		enqueue(t, q, "d1", "temp", "high", ts)
	}
	if _, err := q.Send(ctx, []byte(`{not json`), "test"); err != nil {
		t.Fatalf("send: %v", err)
	}

	n, err := w.RunOnce(ctx)
	if err != nil || n != 10 {
		t.Fatalf("expected 10 processed, got %d err=%v", n, err)
	}
	if got := countOf(t, repo, "2024-01-05", "temp#high"); got != 9 {
		t.Fatalf("expected count 9, got %d", got)
	}
	depth, err := q.Depth(ctx)
	if err != nil {
		t.Fatalf("depth: %v", err)
	}
	if depth.Queued != 1 || depth.InFlight != 1 {
		t.Fatalf("expected exactly one message left, got %+v", depth)
	}

	// Attempts 2 and 3 only ever see the malformed message.
	for attempt := 2; attempt <= 3; attempt++ {
		time.Sleep(3 * visibility)
		n, err := w.RunOnce(ctx)
		if err != nil || n != 1 {
			t.Fatalf("attempt %d: expected 1 redelivery, got %d err=%v", attempt, n, err)
		}
	}

	time.Sleep(3 * visibility)
	n, err = w.RunOnce(ctx)
	if err != nil || n != 0 {
		t.Fatalf("expected exhausted message to be withheld, got %d err=%v", n, err)
	}
	depth, err = q.Depth(ctx)
	if err != nil {
		t.Fatalf("depth: %v", err)
	}
	if depth.Queued != 0 || depth.InFlight != 0 || depth.DeadLettered != 1 {
		t.Fatalf("expected message dead-lettered, got %+v", depth)
	}
	if got := countOf(t, repo, "2024-01-05", "temp#high"); got != 9 {
		t.Fatalf("count changed to %d", got)
	}
}

func TestRedeliveredMessagesAreAbsorbed(t *testing.T) {
	repo := openRepo(t)
	q := openQueue(t, 3)
	w := New(q, repo, Options{BatchSize: 10})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		enqueue(t, q, "d1", "temp", "high", "2024-01-05T10:00:00Z")
	}
	batch, err := q.Receive(ctx, 10)
	if err != nil || len(batch) != 5 {
		t.Fatalf("expected 5 deliveries, got %d err=%v", len(batch), err)
	}

	results := w.ProcessBatch(ctx, batch)
	applied, dupes := 0, 0
	for _, r := range results {
		if r.Err != nil {
			t.Fatalf("unexpected failure: %v", r.Err)
		}
		switch r.Outcome {
		case store.Applied:
			applied++
		case store.Duplicate:
			dupes++
		}
	}
	if applied != 1 || dupes != 4 {
		t.Fatalf("expected 1 applied and 4 duplicates, got %d/%d", applied, dupes)
	}
	if got := countOf(t, repo, "2024-01-05", "temp#high"); got != 1 {
		t.Fatalf("expected count 1, got %d", got)
	}
}

type flakyApplier struct {
	inner  Applier
	failID string
}

func (f *flakyApplier) Apply(ctx context.Context, m event.Message, messageID string) (store.Outcome, error) {
	if m.EventID == f.failID {
		return 0, event.ErrStorageUnavailable
	}
	return f.inner.Apply(ctx, m, messageID)
}

func TestStoreFailureOnlyRetriesFailedMessage(t *testing.T) {
	repo := openRepo(t)
	q := openQueue(t, 3)
	ctx := context.Background()

	enqueue(t, q, "d1", "temp", "high", "2024-01-05T10:00:00Z")
	bad := enqueue(t, q, "d2", "temp", "high", "2024-01-05T11:00:00Z")
	enqueue(t, q, "d3", "temp", "low", "2024-01-05T12:00:00Z")

	flaky := &flakyApplier{inner: repo, failID: bad.EventID}
	w := New(q, flaky, Options{})
	if n, err := w.RunOnce(ctx); err != nil || n != 3 {
		t.Fatalf("expected 3 processed, got %d err=%v", n, err)
	}
	if got := countOf(t, repo, "2024-01-05", "temp#high"); got != 1 {
		t.Fatalf("expected count 1 while store is failing, got %d", got)
	}

	// Store recovers; only the failed message comes back.
	flaky.failID = ""
	time.Sleep(3 * visibility)
	batch, err := q.Receive(ctx, 10)
	if err != nil || len(batch) != 1 {
		t.Fatalf("expected 1 redelivery, got %d err=%v", len(batch), err)
	}
	results := w.ProcessBatch(ctx, batch)
	if results[0].Err != nil || results[0].Outcome != store.Applied {
		t.Fatalf("unexpected result %+v", results[0])
	}
	if got := countOf(t, repo, "2024-01-05", "temp#high"); got != 2 {
		t.Fatalf("expected count 2, got %d", got)
	}
	if got := countOf(t, repo, "2024-01-05", "temp#low"); got != 1 {
		t.Fatalf("expected count 1 for temp#low, got %d", got)
	}
}

// readGroupOutage fails XREADGROUP while on, leaving every other command alone.
type readGroupOutage struct{ on atomic.Bool }

func (h *readGroupOutage) DialHook(next redis.DialHook) redis.DialHook { return next }

func (h *readGroupOutage) ProcessHook(next redis.ProcessHook) redis.ProcessHook {
	return func(ctx context.Context, cmd redis.Cmder) error {
		if h.on.Load() && cmd.Name() == "xreadgroup" {
			err := errors.New("transient")
			cmd.SetErr(err)
			return err
		}
		return next(ctx, cmd)
	}
}

func (h *readGroupOutage) ProcessPipelineHook(next redis.ProcessPipelineHook) redis.ProcessPipelineHook {
	return next
}

func TestReclaimedMessageSurvivesReadFailure(t *testing.T) {
	repo := openRepo(t)
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	outage := &readGroupOutage{}
	rdb.AddHook(outage)
	q := queue.New(rdb, queue.Options{VisibilityTimeout: visibility, MaxAttempts: 2})
	ctx := context.Background()
	if err := q.EnsureGroup(ctx); err != nil {
		t.Fatalf("ensure group: %v", err)
	}
	enqueue(t, q, "d1", "temp", "high", "2024-01-05T10:00:00Z")

	// First delivery is lost by its consumer.
	if batch, err := q.Receive(ctx, 10); err != nil || len(batch) != 1 {
		t.Fatalf("expected 1 delivery, got %d err=%v", len(batch), err)
	}

	outage.on.Store(true)
	time.Sleep(3 * visibility)
	w := New(q, repo, Options{})
	n, err := w.RunOnce(ctx)
	if err != nil || n != 1 {
		t.Fatalf("expected the reclaimed message processed, got %d err=%v", n, err)
	}
	if got := countOf(t, repo, "2024-01-05", "temp#high"); got != 1 {
		t.Fatalf("expected count 1, got %d", got)
	}
	depth, err := q.Depth(ctx)
	if err != nil {
		t.Fatalf("depth: %v", err)
	}
	if depth.Queued != 0 || depth.InFlight != 0 || depth.DeadLettered != 0 {
		t.Fatalf("expected the message acked, got %+v", depth)
	}

	// With nothing to reclaim the read failure is reported.
	if _, err := w.RunOnce(ctx); err == nil {
		t.Fatalf("expected read failure to surface")
	}
}

func TestRunOnceFinishesBatchAfterCancel(t *testing.T) {
	repo := openRepo(t)
	q := openQueue(t, 3)
	enqueue(t, q, "d1", "door", "open", "2024-02-01T08:00:00Z")

	ctx, cancel := context.WithCancel(context.Background())
	cq := &cancelAfterReceive{Queue: q, cancel: cancel}
	w := New(cq, repo, Options{})
	if n, err := w.RunOnce(ctx); err != nil || n != 1 {
		t.Fatalf("expected 1 processed, got %d err=%v", n, err)
	}
	if got := countOf(t, repo, "2024-02-01", "door#open"); got != 1 {
		t.Fatalf("expected count 1, got %d", got)
	}
	depth, err := q.Depth(context.Background())
	if err != nil {
		t.Fatalf("depth: %v", err)
	}
	if depth.InFlight != 0 {
		t.Fatalf("expected the message acked, got %+v", depth)
	}
}

type cancelAfterReceive struct {
	*queue.Queue
	cancel context.CancelFunc
}

func (c *cancelAfterReceive) Receive(ctx context.Context, max int) ([]queue.Delivery, error) {
	batch, err := c.Queue.Receive(ctx, max)
	c.cancel()
	return batch, err
}

type memRaw struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func (m *memRaw) Put(_ context.Context, key string, body []byte, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.objects == nil {
		m.objects = map[string][]byte{}
	}
	m.objects[key] = append([]byte(nil), body...)
	return nil
}

func TestIngestThenAggregate(t *testing.T) {
	repo := openRepo(t)
	q := openQueue(t, 3)
	v, err := event.NewValidator()
	if err != nil {
		t.Fatalf("validator: %v", err)
	}
	ing := &ingest.Ingestor{Raw: &memRaw{}, Queue: q, Validator: v}
	w := New(q, repo, Options{})
	ctx := context.Background()

	first := `{"device_id":"d1","type":"temp","state":"high","timestamp":"2024-01-05T10:00:00Z"}`
	second := `{"device_id":"d2","type":"temp","state":"high","timestamp":"2024-01-05T23:00:00Z"}`
	for _, body := range []string{first, second} {
		if _, err := ing.Ingest(ctx, []byte(body), ingest.Meta{CorrID: "t"}); err != nil {
			t.Fatalf("ingest: %v", err)
		}
	}
	if n, err := w.RunOnce(ctx); err != nil || n != 2 {
		t.Fatalf("expected 2 processed, got %d err=%v", n, err)
	}
	if got := countOf(t, repo, "2024-01-05", "temp#high"); got != 2 {
		t.Fatalf("expected count 2, got %d", got)
	}

	// The client resubmits the first event; it is stored and queued again but not recounted.
	if _, err := ing.Ingest(ctx, []byte(first), ingest.Meta{CorrID: "t"}); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if n, err := w.RunOnce(ctx); err != nil || n != 1 {
		t.Fatalf("expected 1 processed, got %d err=%v", n, err)
	}
	if got := countOf(t, repo, "2024-01-05", "temp#high"); got != 2 {
		t.Fatalf("expected count to stay 2, got %d", got)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	repo := openRepo(t)
	q := openQueue(t, 3)
	w := New(q, repo, Options{Concurrency: 2, IdleWait: time.Millisecond})
	enqueue(t, q, "d1", "door", "open", "2024-02-01T08:00:00Z")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	deadline := time.Now().Add(5 * time.Second)
	for countOf(t, repo, "2024-02-01", "door#open") != 1 {
		if time.Now().After(deadline) {
			cancel()
			t.Fatalf("message was not applied in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	select {
	case err := <-done:
		if err != nil && !errors.Is(err, context.Canceled) {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("worker did not stop")
	}
}
