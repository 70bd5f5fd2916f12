package rawstore

import (
	"strings"
	"testing"
	"time"
)

func TestNewKeyPartitionsByDay(t *testing.T) {
	at := time.Date(2024, 1, 5, 23, 30, 0, 0, time.FixedZone("x", -2*3600))
	key := NewKey("", at)
	if !strings.HasPrefix(key, "raw/year=2024/month=01/day=06/20240106T013000") {
		t.Fatalf("unexpected key %q", key)
	}
	if !strings.HasSuffix(key, ".json") {
		t.Fatalf("expected .json suffix, got %q", key)
	}
}

func TestNewKeyIsUniquePerCall(t *testing.T) {
	at := time.Date(2024, 1, 5, 0, 0, 0, 0, time.UTC)
	a := NewKey("ingest", at)
	b := NewKey("ingest", at)
	if a == b {
		t.Fatalf("expected distinct keys, got %q twice", a)
	}
	if !strings.HasPrefix(a, "ingest/") {
		t.Fatalf("expected custom prefix, got %q", a)
	}
}
