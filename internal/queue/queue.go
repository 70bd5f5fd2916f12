package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	fieldBody   = "body"
	fieldCorrID = "corr_id"
)

// Options configure a stream-backed queue. Zero values fall back to the
// documented defaults.
type Options struct {
	Stream           string
	Group            string
	Consumer         string
	DeadLetterStream string
	// VisibilityTimeout is how long a delivered, unacknowledged message stays
	// hidden before another consumer may claim it.
	VisibilityTimeout time.Duration
	// MaxAttempts is the number of deliveries after which an unacknowledged
	// message is moved to the dead-letter stream.
	MaxAttempts int64
	// PollWait bounds how long Receive blocks when nothing is ready.
	PollWait time.Duration
	// OnDeadLetter is called after a message has been moved.
	OnDeadLetter func(Delivery)
}

// Delivery is one message handed to a consumer. Attempt starts at 1.
type Delivery struct {
	ID      string
	Body    []byte
	CorrID  string
	Attempt int64
}

// Depth is a point-in-time view of the queue. Queued counts every message
// still in the stream, in-flight ones included.
type Depth struct {
	Queued       int64
	InFlight     int64
	DeadLettered int64
}

// Queue is an at-least-once queue on top of a Redis stream consumer group.
// Acked messages are deleted; unacked ones stay in the group's pending list
// and are reclaimed once idle for longer than the visibility timeout.
type Queue struct {
	rdb  *redis.Client
	opts Options
}

func New(rdb *redis.Client, opts Options) *Queue {
	if strings.TrimSpace(opts.Stream) == "" {
		opts.Stream = "device-events"
	}
	if strings.TrimSpace(opts.Group) == "" {
		opts.Group = "aggregators"
	}
	if strings.TrimSpace(opts.DeadLetterStream) == "" {
		opts.DeadLetterStream = opts.Stream + "-dlq"
	}
	if strings.TrimSpace(opts.Consumer) == "" {
		host, _ := os.Hostname()
		opts.Consumer = host + "-" + uuid.NewString()[:8]
	}
	if opts.VisibilityTimeout <= 0 {
		opts.VisibilityTimeout = 60 * time.Second
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.PollWait < 0 {
		opts.PollWait = 0
	}
	return &Queue{rdb: rdb, opts: opts}
}

// EnsureGroup creates the stream and consumer group if they do not exist.
func (q *Queue) EnsureGroup(ctx context.Context) error {
	err := q.rdb.XGroupCreateMkStream(ctx, q.opts.Stream, q.opts.Group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return err
	}
	return nil
}

// Send appends a message and returns its id.
func (q *Queue) Send(ctx context.Context, body []byte, corrID string) (string, error) {
	return q.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: q.opts.Stream,
		Values: map[string]any{fieldBody: string(body), fieldCorrID: corrID},
	}).Result()
}

// Receive returns up to max deliveries. Expired in-flight messages are
// reclaimed first; messages that already used up their attempts are moved to
// the dead-letter stream instead of being returned. Once anything has been
// reclaimed, a failing read of new messages is logged rather than returned.
func (q *Queue) Receive(ctx context.Context, max int) ([]Delivery, error) {
	if max <= 0 {
		return nil, nil
	}
	out, err := q.reclaim(ctx, max)
	if err != nil {
		return nil, fmt.Errorf("reclaim: %w", err)
	}
	if len(out) >= max {
		return out, nil
	}

	block := q.opts.PollWait
	if len(out) > 0 || block == 0 {
		block = -1
	}
	streams, err := q.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.opts.Group,
		Consumer: q.opts.Consumer,
		Streams:  []string{q.opts.Stream, ">"},
		Count:    int64(max - len(out)),
		Block:    block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return out, nil
		}
		if len(out) > 0 {
			// The reclaimed messages already spent an attempt; hand them out.
			slog.Warn("read group failed, returning reclaimed messages only", "reclaimed", len(out), "error", err)
			return out, nil
		}
		return nil, fmt.Errorf("read group: %w", err)
	}
	for _, s := range streams {
		for _, msg := range s.Messages {
			out = append(out, toDelivery(msg, 1))
		}
	}
	return out, nil
}

func (q *Queue) reclaim(ctx context.Context, max int) ([]Delivery, error) {
	scan := int64(max * 10)
	if scan < 100 {
		scan = 100
	}
	pending, err := q.rdb.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: q.opts.Stream,
		Group:  q.opts.Group,
		Start:  "-",
		End:    "+",
		Count:  scan,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}

	attempts := map[string]int64{}
	ids := []string{}
	live := 0
	for _, p := range pending {
		if p.Idle < q.opts.VisibilityTimeout {
			continue
		}
		exhausted := p.RetryCount >= q.opts.MaxAttempts
		if !exhausted && live >= max {
			continue
		}
		if !exhausted {
			live++
		}
		attempts[p.ID] = p.RetryCount
		ids = append(ids, p.ID)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	// XCLAIM re-checks idleness, so two consumers racing for the same
	// message cannot both win it.
	claimed, err := q.rdb.XClaim(ctx, &redis.XClaimArgs{
		Stream:   q.opts.Stream,
		Group:    q.opts.Group,
		Consumer: q.opts.Consumer,
		MinIdle:  q.opts.VisibilityTimeout,
		Messages: ids,
	}).Result()
	if err != nil {
		return nil, err
	}

	out := make([]Delivery, 0, len(claimed))
	for _, msg := range claimed {
		prior := attempts[msg.ID]
		d := toDelivery(msg, prior+1)
		if prior >= q.opts.MaxAttempts {
			d.Attempt = prior
			if err := q.deadLetter(ctx, d); err != nil {
				slog.Error("dead-letter move failed", "msg_id", msg.ID, "error", err)
			}
			continue
		}
		out = append(out, d)
	}
	return out, nil
}

func (q *Queue) deadLetter(ctx context.Context, d Delivery) error {
	pipe := q.rdb.TxPipeline()
	pipe.XAdd(ctx, &redis.XAddArgs{
		Stream: q.opts.DeadLetterStream,
		Values: map[string]any{
			fieldBody:          string(d.Body),
			fieldCorrID:        d.CorrID,
			"source_id":        d.ID,
			"attempts":         d.Attempt,
			"dead_lettered_at": time.Now().UTC().Format(time.RFC3339),
		},
	})
	pipe.XAck(ctx, q.opts.Stream, q.opts.Group, d.ID)
	pipe.XDel(ctx, q.opts.Stream, d.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return err
	}
	slog.Warn("message dead-lettered", "msg_id", d.ID, "corr_id", d.CorrID, "attempts", d.Attempt, "stream", q.opts.DeadLetterStream)
	if q.opts.OnDeadLetter != nil {
		q.opts.OnDeadLetter(d)
	}
	return nil
}

// Ack removes the given messages from the queue for good.
func (q *Queue) Ack(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	pipe := q.rdb.TxPipeline()
	pipe.XAck(ctx, q.opts.Stream, q.opts.Group, ids...)
	pipe.XDel(ctx, q.opts.Stream, ids...)
	_, err := pipe.Exec(ctx)
	return err
}

func (q *Queue) Depth(ctx context.Context) (Depth, error) {
	var d Depth
	queued, err := q.rdb.XLen(ctx, q.opts.Stream).Result()
	if err != nil {
		return d, err
	}
	d.Queued = queued
	pending, err := q.rdb.XPending(ctx, q.opts.Stream, q.opts.Group).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return d, err
	}
	if pending != nil {
		d.InFlight = pending.Count
	}
	dead, err := q.rdb.XLen(ctx, q.opts.DeadLetterStream).Result()
	if err != nil {
		return d, err
	}
	d.DeadLettered = dead
	return d, nil
}

// TrimDeadLetters drops dead-lettered messages older than before.
func (q *Queue) TrimDeadLetters(ctx context.Context, before time.Time) (int64, error) {
	minID := strconv.FormatInt(before.UnixMilli(), 10) + "-0"
	return q.rdb.XTrimMinID(ctx, q.opts.DeadLetterStream, minID).Result()
}

// DeadLetters lists up to count dead-lettered messages, oldest first.
func (q *Queue) DeadLetters(ctx context.Context, count int64) ([]Delivery, error) {
	msgs, err := q.rdb.XRangeN(ctx, q.opts.DeadLetterStream, "-", "+", count).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Delivery, 0, len(msgs))
	for _, msg := range msgs {
		d := toDelivery(msg, 0)
		if v, ok := msg.Values["attempts"]; ok {
			d.Attempt, _ = strconv.ParseInt(fmt.Sprint(v), 10, 64)
		}
		out = append(out, d)
	}
	return out, nil
}

func toDelivery(msg redis.XMessage, attempt int64) Delivery {
	d := Delivery{ID: msg.ID, Attempt: attempt}
	if v, ok := msg.Values[fieldBody]; ok {
		d.Body = []byte(fmt.Sprint(v))
	}
	if v, ok := msg.Values[fieldCorrID]; ok {
		d.CorrID = fmt.Sprint(v)
	}
	return d
}
