package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"device-pipeline/internal/event"
	"device-pipeline/internal/observability"
	"device-pipeline/internal/rawstore"
)

// BatchRoot is the envelope key under which several events may be posted at once.
const BatchRoot = "processed_devices"

type Sender interface {
	Send(ctx context.Context, body []byte, corrID string) (string, error)
}

// Meta carries per-request context that is not part of the payload.
type Meta struct {
	CorrID string
	// DefaultDeviceID fills device_id on events that omit it, e.g. when the
	// transport already identifies the device.
	DefaultDeviceID string
}

type Receipt struct {
	Status   string   `json:"status"`
	RawKey   string   `json:"raw_key"`
	Enqueued int      `json:"enqueued"`
	Rejected int      `json:"rejected"`
	EventIDs []string `json:"event_ids"`
}

type Ingestor struct {
	Raw       rawstore.Store
	Queue     Sender
	Validator *event.Validator
	RawPrefix string
	Now       func() time.Time
}

// Ingest validates body, stores it verbatim and enqueues one message per
// event. Nothing is written when validation fails, and nothing is enqueued
// unless the raw copy is durable.
func (i *Ingestor) Ingest(ctx context.Context, body []byte, meta Meta) (Receipt, error) {
	msgs, rejected, err := i.decode(body, meta)
	if err != nil {
		if rejected > 0 {
			observability.IngestedEvents.WithLabelValues("rejected").Add(float64(rejected))
		} else {
			observability.IngestedEvents.WithLabelValues("rejected").Inc()
		}
		return Receipt{}, err
	}

	now := time.Now
	if i.Now != nil {
		now = i.Now
	}
	key := rawstore.NewKey(i.RawPrefix, now())
	if err := i.Raw.Put(ctx, key, body, "application/json"); err != nil {
		observability.IngestFailures.WithLabelValues("raw").Inc()
		return Receipt{}, fmt.Errorf("store raw payload: %w: %w", event.ErrStorageUnavailable, err)
	}
	slog.Info("raw payload saved", "key", key, "events", len(msgs), "corr_id", meta.CorrID)

	rcpt := Receipt{Status: "accepted", RawKey: key, Rejected: rejected, EventIDs: make([]string, 0, len(msgs))}
	for _, m := range msgs {
		b, err := json.Marshal(m)
		if err != nil {
			return rcpt, err
		}
		if _, err := i.Queue.Send(ctx, b, meta.CorrID); err != nil {
			observability.IngestFailures.WithLabelValues("queue").Inc()
			slog.Error("enqueue failed", "event_id", m.EventID, "raw_key", key, "enqueued", rcpt.Enqueued, "corr_id", meta.CorrID, "error", err)
			return rcpt, fmt.Errorf("enqueue event %s: %w: %w", m.EventID, event.ErrQueueUnavailable, err)
		}
		rcpt.Enqueued++
		rcpt.EventIDs = append(rcpt.EventIDs, m.EventID)
	}
	observability.IngestedEvents.WithLabelValues("accepted").Add(float64(rcpt.Enqueued))
	if rejected > 0 {
		observability.IngestedEvents.WithLabelValues("rejected").Add(float64(rejected))
	}
	slog.Info("events enqueued", "count", rcpt.Enqueued, "rejected", rejected, "corr_id", meta.CorrID)
	return rcpt, nil
}

func (i *Ingestor) decode(body []byte, meta Meta) ([]event.Message, int, error) {
	if len(strings.TrimSpace(string(body))) == 0 {
		return nil, 0, &event.ValidationError{Field: "body", Reason: "is required"}
	}
	var doc any
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, 0, &event.ValidationError{Field: "body", Reason: "must be valid JSON"}
	}

	obj, isObj := doc.(map[string]any)
	batch, isBatch := obj[BatchRoot]
	if !isObj || !isBatch {
		m, err := i.normalize(doc, meta)
		if err != nil {
			return nil, 0, err
		}
		return []event.Message{m}, 0, nil
	}

	items, ok := batch.([]any)
	if !ok {
		return nil, 0, &event.ValidationError{Field: BatchRoot, Reason: "must be an array"}
	}
	msgs := make([]event.Message, 0, len(items))
	rejected := 0
	for idx, item := range items {
		m, err := i.normalize(item, meta)
		if err != nil {
			rejected++
			slog.Warn("skipping invalid batch item", "index", idx, "error", err, "corr_id", meta.CorrID)
			continue
		}
		msgs = append(msgs, m)
	}
	if len(msgs) == 0 {
		return nil, rejected, &event.ValidationError{Field: BatchRoot, Reason: "contains no valid events"}
	}
	return msgs, rejected, nil
}

func (i *Ingestor) normalize(doc any, meta Meta) (event.Message, error) {
	if obj, ok := doc.(map[string]any); ok && meta.DefaultDeviceID != "" {
		if _, has := obj["device_id"]; !has {
			obj["device_id"] = meta.DefaultDeviceID
		}
	}
	e, err := i.Validator.Event(doc)
	if err != nil {
		return event.Message{}, err
	}
	return e.Normalize()
}
