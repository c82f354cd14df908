package cache

import (
	"context"
	"testing"
	"time"
)

func TestTombstoneLifecycle(t *testing.T) {
	ts, err := NewTombstones(8)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	if got := ts.Reason(ctx, "absent000000"); got != "" {
		t.Errorf("Reason(absent) = %q, want empty", got)
	}

	ts.Mark(ctx, "burned000000", "burned", time.Minute)
	if got := ts.Reason(ctx, "burned000000"); got != "burned" {
		t.Errorf("Reason = %q, want burned", got)
	}

	ts.Remove("burned000000")
	if got := ts.Reason(ctx, "burned000000"); got != "" {
		t.Errorf("Reason after Remove = %q, want empty", got)
	}
}

func TestTombstoneExpiry(t *testing.T) {
	ts, err := NewTombstones(8)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	ts.Mark(ctx, "shortlived00", "expired", 10*time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	if got := ts.Reason(ctx, "shortlived00"); got != "" {
		t.Errorf("stale tombstone still visible: %q", got)
	}
}

func TestTombstoneSizeValidation(t *testing.T) {
	if _, err := NewTombstones(0); err == nil {
		t.Error("size 0 accepted")
	}
	if _, err := NewTombstones(200000); err == nil {
		t.Error("oversized cache accepted")
	}
}

func TestTombstoneCancelledContext(t *testing.T) {
	ts, _ := NewTombstones(8)
	ts.Mark(context.Background(), "cancelled000", "deleted", time.Minute)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if got := ts.Reason(ctx, "cancelled000"); got != "" {
		t.Errorf("Reason with cancelled ctx = %q, want empty", got)
	}
}
