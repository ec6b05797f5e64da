package hv

import "sync/atomic"

// runningBit/maxGeneration split the packed 64-bit word InterruptHandle
// uses to track whether a vCPU is currently inside Run and, if so, which
// "generation" of run it's in.
//
// Bit 63 is the running flag; bits 0-62 are the generation, incremented
// every time a run starts and wrapped back to 0 once it would collide
// with the running bit. The generation exists to close an ABA window: a
// vCPU can be killed, observed as no-longer-running, and restarted by its
// own thread before the original killer's retry loop notices — without a
// generation check the killer could go on sending signals into a run it
// was never meant to interrupt.
const (
	runningBit    uint64 = 1 << 63
	maxGeneration uint64 = runningBit - 1
)

// InterruptHandle is the cross-thread handle used to cancel a running
// vCPU. Exactly one exists per VirtualCPU, created alongside it and
// shared with anything that needs to kill the sandbox (a host timeout, a
// debugger, a shutdown path).
//
// The mechanism is platform-specific (a real-time signal on Linux,
// WHvCancelRunVirtualProcessor on Windows) and lives in
// interrupt_linux.go / interrupt_windows.go; this file holds the state
// and bookkeeping shared by both of them.
type InterruptHandle struct {
	// running packs the running flag and the generation counter
	// described above.
	running atomic.Uint64

	// tid is the OS thread id the vCPU is currently running on. Only
	// meaningful while runningBit is set in running.
	tid atomic.Uint64

	// cancelRequested is set the instant kill() is called and cleared
	// once the run it targeted has stopped. A vCPU thread must check
	// this immediately before re-entering the guest after a host call,
	// so a kill delivered while outside Run still takes effect.
	cancelRequested atomic.Bool

	// debugInterrupt is the debugger-originated counterpart of
	// cancelRequested; kept distinct so a debugger stop and a host
	// kill never mask one another.
	debugInterrupt atomic.Bool

	// dropped is set once the owning VirtualCPU has been closed. It is
	// reported by Dropped and checked by the backends' Run; Kill's retry
	// loop does not read it and stops only when the run ends or a new
	// generation starts.
	dropped atomic.Bool

	retryDelay     durationNanos
	sigRtMinOffset uint8

	// cancel is the platform-specific delivery callback for backends
	// that can't target a signal at a specific OS thread (WHP). Linux
	// backends leave this nil and rely on tgkill instead.
	cancel atomic.Pointer[func() bool]
}

// SetCancelFunc registers the platform-specific callback sendSignal uses
// to actually interrupt a run on platforms without signal-based
// cancellation (Windows). f must be safe to call from any goroutine and
// should return promptly once the target run has stopped or moved to a
// new generation.
func (h *InterruptHandle) SetCancelFunc(f func() bool) {
	h.cancel.Store(&f)
}

// durationNanos avoids importing time into the packed-word bookkeeping;
// platform files convert it with time.Duration(retryDelay).
type durationNanos = int64

// NewInterruptHandle constructs a handle with the given signal retry
// delay and SIGRTMIN offset. Backends call this once per vCPU and keep
// the result for the vCPU's lifetime.
func NewInterruptHandle(retryDelay durationNanos, sigRtMinOffset uint8) *InterruptHandle {
	return &InterruptHandle{
		retryDelay:     retryDelay,
		sigRtMinOffset: sigRtMinOffset,
	}
}

// setRunningAndIncrementGeneration marks the handle as running and
// advances the generation, wrapping at maxGeneration. Called by Run
// immediately before entering the backend-specific blocking call.
func (h *InterruptHandle) setRunningAndIncrementGeneration() uint64 {
	for {
		raw := h.running.Load()
		generation := raw &^ runningBit
		var next uint64
		if generation == maxGeneration {
			next = runningBit
		} else {
			next = (generation + 1) | runningBit
		}
		if h.running.CompareAndSwap(raw, next) {
			return next &^ runningBit
		}
	}
}

// clearRunningBit clears the running flag, leaving the generation intact
// so a late signal can still recognize it as stale. Called by Run right
// after the blocking call returns, before cancelRequested is cleared.
func (h *InterruptHandle) clearRunningBit() {
	for {
		raw := h.running.Load()
		if h.running.CompareAndSwap(raw, raw&^runningBit) {
			return
		}
	}
}

func (h *InterruptHandle) getRunningAndGeneration() (running bool, generation uint64) {
	raw := h.running.Load()
	return raw&runningBit != 0, raw &^ runningBit
}

// Kill requests cancellation of the vCPU's current or next run.
//
//   - If the vCPU is running, it is interrupted and Kill blocks until the
//     interruption has been delivered (or the run has otherwise stopped),
//     returning true.
//   - If the vCPU is not running (e.g. servicing a host call), the kill
//     is recorded but not delivered immediately; the vCPU will decline to
//     re-enter the guest the next time it's scheduled, and Kill returns
//     false.
func (h *InterruptHandle) Kill() bool {
	h.cancelRequested.Store(true)
	return h.sendSignal()
}

// KillFromDebugger is the debugger-originated counterpart of Kill, with
// identical blocking/return semantics but tracked separately so a
// debugger stop and a host-initiated kill can't mask one another.
func (h *InterruptHandle) KillFromDebugger() bool {
	h.debugInterrupt.Store(true)
	return h.sendSignal()
}

// Dropped reports whether the owning VirtualCPU has been closed.
func (h *InterruptHandle) Dropped() bool {
	return h.dropped.Load()
}

// cancelRequestedAndClear is called by Run immediately after a run ends,
// to pick up (and reset) whatever kill requests arrived during it.
func (h *InterruptHandle) cancelRequestedAndClear() bool {
	return h.cancelRequested.Swap(false)
}

func (h *InterruptHandle) debugInterruptAndClear() bool {
	return h.debugInterrupt.Swap(false)
}

func (h *InterruptHandle) markDropped() {
	h.dropped.Store(true)
}

// BeginRun records the calling thread as the vCPU's current carrier and
// starts a new generation. Backends call this immediately before
// entering the blocking hypervisor call (KVM_RUN, mshv's run ioctl,
// WHvRunVirtualProcessor) and must call EndRun once it returns.
func (h *InterruptHandle) BeginRun() (generation uint64) {
	h.setTid()
	return h.setRunningAndIncrementGeneration()
}

// EndRun clears the running flag and reports whether a host kill and/or
// a debugger kill were requested at any point during the run that just
// ended, clearing both flags for the next run. Backends must check both
// return values before classifying an interrupted run: a stale signal
// (one that arrives with neither flag set) reports false, false and must
// never be mistaken for a Cancelled or Debug exit.
func (h *InterruptHandle) EndRun() (cancelRequested, debugInterrupted bool) {
	h.clearRunningBit()
	return h.cancelRequestedAndClear(), h.debugInterruptAndClear()
}

// MarkDropped records that the owning VirtualCPU has been closed, so
// Dropped reports true from then on.
func (h *InterruptHandle) MarkDropped() {
	h.markDropped()
}
