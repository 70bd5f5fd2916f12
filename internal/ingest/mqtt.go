package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

// DefaultTopicPrefix is where devices publish events when no prefix is configured.
const DefaultTopicPrefix = "devices/events/"

var (
	ErrNotAnEventTopic = errors.New("not an event topic")
	errSkipped         = errors.New("skipped")
)

type MQTTMessage interface {
	Topic() string
	Payload() []byte
	Retained() bool
}

// MQTTBridge feeds device events published over MQTT through the same
// Ingestor as the HTTP endpoint. The topic suffix identifies the device.
type MQTTBridge struct {
	Ingestor     *Ingestor
	TopicPrefix  string
	AllowRetains bool
}

// Handle ingests one publish. Retained messages, foreign topics and empty
// payloads are skipped without error.
func (b *MQTTBridge) Handle(ctx context.Context, msg MQTTMessage) (Receipt, error) {
	if msg.Retained() && !b.AllowRetains {
		return Receipt{}, errSkipped
	}
	deviceID, err := ParseDeviceID(b.TopicPrefix, msg.Topic())
	if errors.Is(err, ErrNotAnEventTopic) {
		return Receipt{}, errSkipped
	}
	if err != nil {
		return Receipt{}, fmt.Errorf("topic %s: %w", msg.Topic(), err)
	}
	if len(msg.Payload()) == 0 {
		return Receipt{}, errSkipped
	}
	return b.Ingestor.Ingest(ctx, msg.Payload(), Meta{CorrID: "mqtt:" + msg.Topic(), DefaultDeviceID: deviceID})
}

// HandleMessage is the subscription callback; failures are logged only since
// MQTT has no way to report them to the publisher.
func (b *MQTTBridge) HandleMessage(ctx context.Context, msg MQTTMessage) {
	rcpt, err := b.Handle(ctx, msg)
	switch {
	case errors.Is(err, errSkipped):
		slog.Debug("mqtt message skipped", "topic", msg.Topic(), "retained", msg.Retained())
	case err != nil:
		slog.Warn("mqtt ingest failed", "topic", msg.Topic(), "error", err)
	default:
		slog.Debug("mqtt event ingested", "topic", msg.Topic(), "raw_key", rcpt.RawKey, "enqueued", rcpt.Enqueued)
	}
}

func ParseDeviceID(prefix, topic string) (string, error) {
	if prefix == "" {
		prefix = DefaultTopicPrefix
	}
	rest, ok := strings.CutPrefix(topic, prefix)
	if !ok {
		return "", ErrNotAnEventTopic
	}
	if id := strings.Trim(rest, "/"); id != "" {
		return id, nil
	}
	return "", errors.New("empty device id")
}
