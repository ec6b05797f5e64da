//go:build linux

package hv

import (
	"os"
	"os/signal"
	"sync"

	"golang.org/x/sys/unix"
)

var installSignalHandlersOnce sync.Once

// InstallSignalHandlers arranges for every real-time signal offset a
// backend might construct an InterruptHandle with to be caught rather
// than left at its default (process-terminating) disposition.
//
// The signal itself does no work: delivering it to the vCPU's thread is
// enough to make the blocking KVM_RUN/mshv ioctl return EINTR, which is
// all sendSignal needs. Routing it through signal.Notify (instead of
// ignoring it outright) keeps Go's runtime from treating it as fatal,
// without requiring a cgo-level sigaction handler.
//
// Backends call this before creating each InterruptHandle; the work is
// guarded by sync.Once, so only the first call in a process has any
// effect and calls from multiple backends are safe.
func InstallSignalHandlers(maxOffset uint8) {
	installSignalHandlersOnce.Do(func() {
		for offset := uint8(0); offset <= maxOffset; offset++ {
			sig := unix.SIGRTMIN() + int(offset)
			if sig > unix.SIGRTMAX() {
				break
			}
			signal.Notify(discardSignals, unix.Signal(sig))
		}
	})
}

// discardSignals is never read from a blocking select; its only purpose
// is to be the channel signal.Notify requires so the runtime treats the
// cancellation signals as caught instead of fatal.
var discardSignals = make(chan os.Signal, 64)
