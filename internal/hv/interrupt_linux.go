//go:build linux

package hv

import (
	"time"

	"golang.org/x/sys/unix"
)

// setTid records the OS thread the vCPU is about to run on. Linux
// backends must call this from the same goroutine that will call Run,
// locked to its OS thread with runtime.LockOSThread, since the signal is
// delivered to a specific tid via tgkill.
func (h *InterruptHandle) setTid() {
	h.tid.Store(uint64(unix.Gettid()))
}

// sendSignal is the Linux delivery mechanism: it loops sending a
// real-time signal to the vCPU's thread until the vCPU stops running or
// the run it targeted gets superseded by a new generation.
//
// The signal handler itself (registered once per process, see
// InstallSignalHandlers) does nothing; its only job is to cause the
// blocking KVM_RUN/mshv ioctl to return EINTR so the run loop can observe
// cancelRequested.
func (h *InterruptHandle) sendSignal() bool {
	signalNumber := unix.SIGRTMIN() + int(h.sigRtMinOffset)

	var targetGeneration uint64
	haveTarget := false
	sentSignal := false

	for {
		running, generation := h.getRunningAndGeneration()
		if !running {
			break
		}

		if !haveTarget {
			targetGeneration = generation
			haveTarget = true
		} else if targetGeneration != generation {
			// The run we were trying to interrupt already ended and a
			// new one started; stop, rather than interrupt a run we
			// were never asked to cancel.
			break
		}

		sentSignal = true
		_ = unix.Tgkill(unix.Getpid(), int(h.tid.Load()), unix.Signal(signalNumber))
		time.Sleep(time.Duration(h.retryDelay))
	}

	return sentSignal
}
