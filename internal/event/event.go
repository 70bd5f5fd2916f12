package event

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// DateLayout is the day granularity aggregates are bucketed by. Dates are
// always computed in UTC.
const DateLayout = "2006-01-02"

// Event is the wire form a device (or a client on its behalf) submits.
type Event struct {
	DeviceID  string `json:"device_id"`
	Type      string `json:"type"`
	State     string `json:"state"`
	Timestamp string `json:"timestamp"`
}

// Message is the normalized projection of an Event that travels through the
// queue. It is immutable once enqueued.
type Message struct {
	EventID   string    `json:"event_id"`
	DeviceID  string    `json:"device_id"`
	Type      string    `json:"type"`
	State     string    `json:"state"`
	Date      string    `json:"date"`
	Timestamp time.Time `json:"timestamp"`
}

// Normalize checks required fields and projects the event into a Message.
func (e Event) Normalize() (Message, error) {
	deviceID := strings.TrimSpace(e.DeviceID)
	typ := strings.TrimSpace(e.Type)
	state := strings.TrimSpace(e.State)
	if deviceID == "" {
		return Message{}, &ValidationError{Field: "device_id", Reason: "is required"}
	}
	if typ == "" {
		return Message{}, &ValidationError{Field: "type", Reason: "is required"}
	}
	// '#' separates type from state in the aggregation key.
	if strings.Contains(typ, "#") {
		return Message{}, &ValidationError{Field: "type", Reason: "must not contain '#'"}
	}
	if strings.TrimSpace(e.Timestamp) == "" {
		return Message{}, &ValidationError{Field: "timestamp", Reason: "is required"}
	}
	ts, err := ParseTimestamp(e.Timestamp)
	if err != nil {
		return Message{}, &ValidationError{Field: "timestamp", Reason: "must be RFC3339"}
	}
	return Message{
		EventID:   Identity(deviceID, typ, state, ts),
		DeviceID:  deviceID,
		Type:      typ,
		State:     state,
		Date:      ts.Format(DateLayout),
		Timestamp: ts,
	}, nil
}

// TypeState returns the composite aggregation key of the message.
func (m Message) TypeState() string { return TypeState(m.Type, m.State) }

// Validate checks a message pulled off the queue before it is applied.
func (m Message) Validate() error {
	if strings.TrimSpace(m.EventID) == "" {
		return &ValidationError{Field: "event_id", Reason: "is required"}
	}
	if strings.TrimSpace(m.DeviceID) == "" {
		return &ValidationError{Field: "device_id", Reason: "is required"}
	}
	if strings.TrimSpace(m.Type) == "" {
		return &ValidationError{Field: "type", Reason: "is required"}
	}
	if strings.Contains(m.Type, "#") {
		return &ValidationError{Field: "type", Reason: "must not contain '#'"}
	}
	if _, err := time.Parse(DateLayout, m.Date); err != nil {
		return &ValidationError{Field: "date", Reason: "must be YYYY-MM-DD"}
	}
	return nil
}

// DecodeMessage parses a queued message body and validates it.
func DecodeMessage(body []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(body, &m); err != nil {
		return Message{}, &ValidationError{Field: "body", Reason: fmt.Sprintf("invalid json: %v", err)}
	}
	if err := m.Validate(); err != nil {
		return Message{}, err
	}
	return m, nil
}

func TypeState(typ, state string) string { return typ + "#" + state }

// SplitTypeState is the inverse of TypeState. Keys without a separator yield
// an empty state.
func SplitTypeState(ts string) (typ, state string) {
	typ, state, _ = strings.Cut(ts, "#")
	return typ, state
}

// Identity is the dedup key of the underlying event: the same device reporting
// the same type and state at the same instant is one logical event no matter
// how many times it is submitted or delivered.
func Identity(deviceID, typ, state string, ts time.Time) string {
	h := sha256.New()
	for _, part := range []string{deviceID, typ, state, ts.UTC().Format(time.RFC3339Nano)} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// ParseTimestamp accepts RFC3339 with optional fractional seconds and returns
// the instant in UTC.
func ParseTimestamp(v string) (time.Time, error) {
	v = strings.TrimSpace(v)
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		t, err = time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return time.Time{}, err
		}
	}
	return t.UTC(), nil
}

// ParseDate validates a YYYY-MM-DD string.
func ParseDate(v string) (string, error) {
	v = strings.TrimSpace(v)
	t, err := time.Parse(DateLayout, v)
	if err != nil {
		return "", err
	}
	return t.Format(DateLayout), nil
}
