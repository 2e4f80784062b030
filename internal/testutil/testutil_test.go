package testutil

import (
	"testing"
	"time"
)

func TestFakeClock_Now(t *testing.T) {
	fixed := time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)
	clock := NewFakeClock(fixed)

	got := clock.Now()
	if !got.Equal(fixed) {
		t.Errorf("Now() = %v, want %v", got, fixed)
	}
}

func TestFakeClock_Advance(t *testing.T) {
	fixed := time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)
	clock := NewFakeClock(fixed)

	clock.Advance(5 * time.Minute)

	want := fixed.Add(5 * time.Minute)
	got := clock.Now()
	if !got.Equal(want) {
		t.Errorf("after Advance(5m), Now() = %v, want %v", got, want)
	}
}
