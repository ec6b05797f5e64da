//go:build windows

package hv

import "time"

// setTid is a no-op on Windows: WHP cancellation targets the virtual
// processor through WHvCancelRunVirtualProcessor, not an OS thread id.
func (h *InterruptHandle) setTid() {}

// sendSignal is the Windows delivery mechanism. There is no per-thread
// signal to target, so it repeatedly invokes the backend-registered
// cancel callback (WHvCancelRunVirtualProcessor) with the same
// ABA-safe generation check the Linux path uses, until the run stops or
// moves past the generation being targeted.
func (h *InterruptHandle) sendSignal() bool {
	cancel := h.cancel.Load()
	if cancel == nil {
		return false
	}

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
			break
		}

		sentSignal = true
		(*cancel)()
		time.Sleep(time.Duration(h.retryDelay))
	}

	return sentSignal
}
