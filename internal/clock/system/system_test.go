// Package system exercises the wall clock adapter.
package system

import (
	"testing"
	"time"
)

// TestClockNowUTC ensures the default clock returns UTC timestamps.
func TestClockNowUTC(t *testing.T) {
	t.Parallel()

	clk := New()
	now := clk.Now()
	if now.Location() != time.UTC {
		t.Fatalf("expected UTC location, got %v", now.Location())
	}
	if time.Since(now) > time.Second {
		t.Fatalf("clock drift too large: %v", time.Since(now))
	}
}

// TestNewInZone ensures zoned clocks report in the configured location.
func TestNewInZone(t *testing.T) {
	t.Parallel()

	clk, err := NewIn("Asia/Kolkata")
	if err != nil {
		t.Fatalf("NewIn returned error: %v", err)
	}
	_, offset := clk.Now().Zone()
	if offset != 5*3600+1800 {
		t.Fatalf("expected +05:30 offset, got %d", offset)
	}
	if clk.Location().String() != "Asia/Kolkata" {
		t.Fatalf("unexpected location %s", clk.Location())
	}

	if _, err := NewIn("Mars/Olympus"); err == nil {
		t.Fatal("expected error for unknown zone")
	}
	utc, err := NewIn("")
	if err != nil || utc.Location() != time.UTC {
		t.Fatalf("empty zone should default to UTC, got %v (%v)", utc.Location(), err)
	}
}
