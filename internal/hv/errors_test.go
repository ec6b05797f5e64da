package hv

import (
	"errors"
	"testing"
)

func TestRunErrorUnwrap(t *testing.T) {
	cause := errors.New("boom")
	err := newRunError(ErrorKindBackendFailure, cause)

	if !errors.Is(err, cause) {
		t.Fatalf("errors.Is(err, cause) = false, want true")
	}
}

func TestIsCancelled(t *testing.T) {
	cancelled := newRunError(ErrorKindExecutionCanceledByHost, nil)
	if !IsCancelled(cancelled) {
		t.Fatalf("IsCancelled(cancelled) = false, want true")
	}

	other := newRunError(ErrorKindMemoryAccessViolation, nil)
	if IsCancelled(other) {
		t.Fatalf("IsCancelled(other) = true, want false")
	}

	if IsCancelled(errors.New("plain error")) {
		t.Fatalf("IsCancelled(plain error) = true, want false")
	}
}

func TestRunErrorMessageIncludesCause(t *testing.T) {
	err := newRunError(ErrorKindMmioAt, errors.New("bad address"))
	want := "MmioAt: bad address"
	if got := err.Error(); got != want {
		t.Fatalf("Error() = %q, want %q", got, want)
	}
}

func TestRunErrorMemoryAccessViolationMessageIncludesStructuredFields(t *testing.T) {
	err := &RunError{
		Kind:      ErrorKindMemoryAccessViolation,
		Addr:      0x1000,
		Attempted: FlagWrite,
		Region:    FlagRead,
	}
	want := "MemoryAccessViolation: access WRITE denied by region READ at 0x1000"
	if got := err.Error(); got != want {
		t.Fatalf("Error() = %q, want %q", got, want)
	}
}
