package hv

import (
	"log/slog"
	"testing"
)

func TestMaxGuestLogLevelPrefersGuestComponent(t *testing.T) {
	got := maxGuestLogLevel("host=trace,guest=debug,warn", slog.Default())
	if got != GuestLogLevelDebug {
		t.Fatalf("got %v, want debug", got)
	}
}

func TestMaxGuestLogLevelFallsBackToHostComponent(t *testing.T) {
	got := maxGuestLogLevel("host=info,other=trace", slog.Default())
	if got != GuestLogLevelInfo {
		t.Fatalf("got %v, want info", got)
	}
}

func TestMaxGuestLogLevelFallsBackToBareToken(t *testing.T) {
	got := maxGuestLogLevel("warn,module=trace", slog.Default())
	if got != GuestLogLevelWarn {
		t.Fatalf("got %v, want warn", got)
	}
}

func TestMaxGuestLogLevelDefaultsToErrorOnGarbage(t *testing.T) {
	got := maxGuestLogLevel("component=nonsense", slog.Default())
	if got != GuestLogLevelError {
		t.Fatalf("got %v, want error", got)
	}
}

func TestMaxGuestLogLevelDefaultsToErrorOnEmptySpec(t *testing.T) {
	got := maxGuestLogLevel("", slog.Default())
	if got != GuestLogLevelError {
		t.Fatalf("got %v, want error", got)
	}
}
