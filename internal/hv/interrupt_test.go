package hv

import "testing"

func TestInterruptHandleGenerationIncrements(t *testing.T) {
	h := NewInterruptHandle(1_000_000, 0)

	g1 := h.BeginRun()
	h.EndRun()
	g2 := h.BeginRun()
	h.EndRun()

	if g2 != g1+1 {
		t.Fatalf("generation did not increment: g1=%d g2=%d", g1, g2)
	}
}

func TestInterruptHandleGenerationWraps(t *testing.T) {
	h := NewInterruptHandle(1_000_000, 0)
	h.running.Store(maxGeneration)

	g := h.BeginRun()
	if g != 0 {
		t.Fatalf("generation after wrap = %d, want 0", g)
	}
}

func TestKillNotRunningReturnsFalseWithoutBlocking(t *testing.T) {
	h := NewInterruptHandle(1_000_000, 0)

	if h.Kill() {
		t.Fatalf("Kill() on a vCPU that never ran reported delivery")
	}
	running, _ := h.getRunningAndGeneration()
	if running {
		t.Fatalf("handle reports running with no Run in flight")
	}
}

func TestEndRunReportsCancelRequested(t *testing.T) {
	h := NewInterruptHandle(1_000_000, 0)

	h.BeginRun()
	h.cancelRequested.Store(true)

	cancelled, debugInterrupted := h.EndRun()
	if !cancelled {
		t.Fatalf("EndRun() did not report the pending cancellation")
	}
	if debugInterrupted {
		t.Fatalf("EndRun() reported a debug interrupt that was never requested")
	}
	if cancelled, _ := h.EndRun(); cancelled {
		t.Fatalf("EndRun() reported a cancellation a second time")
	}
}

func TestEndRunReportsDebugInterrupt(t *testing.T) {
	h := NewInterruptHandle(1_000_000, 0)

	h.BeginRun()
	h.debugInterrupt.Store(true)

	cancelled, debugInterrupted := h.EndRun()
	if !debugInterrupted {
		t.Fatalf("EndRun() did not report the pending debug interrupt")
	}
	if cancelled {
		t.Fatalf("EndRun() reported a cancellation that was never requested")
	}
	if _, debugInterrupted := h.EndRun(); debugInterrupted {
		t.Fatalf("EndRun() reported a debug interrupt a second time")
	}
}

// TestEndRunStaleSignalReportsNeither is the bookkeeping side of "a stale
// signal must never terminate a run": when a run ends with neither
// interrupt flag set (e.g. an unrelated signal hit the vCPU thread),
// EndRun must report false for both, so a backend's EINTR handling falls
// through to ExitRetry instead of misreporting Cancelled or Debug.
func TestEndRunStaleSignalReportsNeither(t *testing.T) {
	h := NewInterruptHandle(1_000_000, 0)

	h.BeginRun()

	cancelled, debugInterrupted := h.EndRun()
	if cancelled || debugInterrupted {
		t.Fatalf("EndRun() with no interrupt requested = (%v, %v), want (false, false)", cancelled, debugInterrupted)
	}
}

func TestMarkDroppedIsObservable(t *testing.T) {
	h := NewInterruptHandle(1_000_000, 0)

	if h.Dropped() {
		t.Fatalf("fresh handle reports Dropped")
	}
	h.MarkDropped()
	if !h.Dropped() {
		t.Fatalf("handle does not report Dropped after MarkDropped")
	}
}
