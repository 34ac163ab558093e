package syncclient

import (
	"testing"
	"time"
)

func TestBackoffDoublesUpToCap(t *testing.T) {
	backoff := Backoff{BaseDelay: time.Second, MaxDelay: 30 * time.Second, MaxAttempts: 8}
	expected := []time.Duration{
		time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		30 * time.Second,
		30 * time.Second,
		30 * time.Second,
	}
	for index, want := range expected {
		delay, ok := backoff.Next()
		if !ok {
			t.Fatalf("attempt %d: expected another attempt", index+1)
		}
		if delay != want {
			t.Fatalf("attempt %d: expected %s, got %s", index+1, want, delay)
		}
	}
	if _, ok := backoff.Next(); ok {
		t.Fatalf("expected attempts to be exhausted")
	}
}

func TestDefaultBackoffAllowsFiveAttempts(t *testing.T) {
	backoff := DefaultBackoff()
	for attempt := 1; attempt <= 5; attempt++ {
		if _, ok := backoff.Next(); !ok {
			t.Fatalf("attempt %d: expected to be allowed", attempt)
		}
	}
	if _, ok := backoff.Next(); ok {
		t.Fatalf("expected sixth attempt to be refused")
	}
	backoff.Reset()
	if delay, ok := backoff.Next(); !ok || delay != time.Second {
		t.Fatalf("expected reset schedule to restart at 1s, got %s ok=%t", delay, ok)
	}
}
