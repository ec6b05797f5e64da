package hv

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/tinyrange/vcpucore/internal/debug"
	"github.com/tinyrange/vcpucore/internal/metrics"
)

// RunConfig bundles the collaborators the run loop needs beyond the
// VirtualCPU itself. HostFunctions, CrashWriter and Debug may all be nil;
// the loop degrades gracefully (an ExitIoOut with a nil HostFunctions is
// a BackendFailure, since there is nobody to service it).
type RunConfig struct {
	Regions       MemoryRegionProvider
	HostFunctions HostFunctionCaller
	CrashWriter   CrashDumpWriter
	Debug         DebugStub
	MemAccess     MemAccessHandler

	Logger *slog.Logger
}

func (c *RunConfig) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

// RunVCPU drives vcpu until the guest halts, an unrecoverable error
// occurs, or ctx is cancelled. It is backend-independent: every
// ExitReason it switches on comes from the vocabulary in exit.go, never
// from a backend-specific type.
//
// A single logical "run" may iterate internally: ExitIoOut dispatches to
// cfg.HostFunctions and resumes, ExitRetry re-issues Run immediately, and
// ExitMmio/ExitAccessViolation build a crash dump before returning.
func RunVCPU(ctx context.Context, vcpu VirtualCPU, cfg RunConfig) error {
	log := cfg.logger()

	for {
		select {
		case <-ctx.Done():
			return newRunError(ErrorKindExecutionCanceledByHost, ctx.Err())
		default:
		}

		// A Kill that arrived while the vCPU was outside Run (e.g. during
		// a host call) only set cancelRequested; honour it here instead
		// of re-entering the guest.
		if irq := vcpu.InterruptHandle(); irq != nil && irq.cancelRequestedAndClear() {
			metrics.GuestCancellations.Inc()
			return newRunError(ErrorKindExecutionCanceledByHost, nil)
		}

		reason, err := vcpu.Run(ctx)
		if err != nil {
			debug.Writef("hv.runloop", "backend run failed: %v", err)
			return dumpAndWrap(ctx, vcpu, cfg, newRunError(ErrorKindBackendFailure, err))
		}

		debug.Writef("hv.runloop", "exit: %s", reason)

		switch reason.Kind {
		case ExitHalt:
			return nil

		case ExitRetry:
			continue

		case ExitIoOut:
			if cfg.HostFunctions == nil {
				return dumpAndWrap(ctx, vcpu, cfg, newRunError(ErrorKindBackendFailure,
					fmt.Errorf("hv: IoOut at rip=0x%x with no HostFunctionCaller attached", reason.Rip)))
			}
			if err := cfg.HostFunctions.Call(reason.Port, reason.Data); err != nil {
				return dumpAndWrap(ctx, vcpu, cfg, newRunError(ErrorKindBackendFailure, err))
			}
			continue

		case ExitMmio:
			log.Warn("mmio access outside mapped regions", "addr", reason.Addr)
			runErr := &RunError{Kind: ErrorKindMmioAt, Addr: reason.Addr}
			writeCrashDump(vcpu, cfg, runErr)
			if cfg.MemAccess != nil {
				if err := cfg.MemAccess.HandleMemAccess(reason.Addr); err != nil {
					log.Warn("mem-access collaborator failed", "addr", reason.Addr, "err", err)
				}
			}
			notifyDebugStub(cfg, DebugStopCrash)
			return runErr

		case ExitAccessViolation:
			if reason.Region.Intersects(FlagStackGuard) {
				return dumpAndWrap(ctx, vcpu, cfg, newRunError(ErrorKindStackOverflow,
					fmt.Errorf("hv: stack guard hit at 0x%x", reason.Addr)))
			}
			return dumpAndWrap(ctx, vcpu, cfg, &RunError{
				Kind:      ErrorKindMemoryAccessViolation,
				Addr:      reason.Addr,
				Attempted: reason.Attempted,
				Region:    reason.Region,
			})

		case ExitCancelled:
			metrics.GuestCancellations.Inc()
			return newRunError(ErrorKindExecutionCanceledByHost, nil)

		case ExitDebug:
			if cfg.Debug == nil {
				continue
			}
			if err := cfg.Debug.NotifyStop(reason.StopReason); err != nil {
				return newRunError(ErrorKindBackendFailure, err)
			}
			continue

		default:
			return dumpAndWrap(ctx, vcpu, cfg, newRunError(ErrorKindUnexpectedExit,
				fmt.Errorf("hv: unexpected exit %s", reason)))
		}
	}
}

// dumpAndWrap is the fatal-exit path shared by AccessViolation, Unknown
// and backend-failure exits: snapshot the guest's state for the
// crashdump writer, then, if a debug stub is attached, tell it a crash
// occurred, before returning runErr unchanged. The thread raising the
// error still owns the vCPU, so this happens before anything else can
// touch its state.
//
// Mmio has its own inline variant in RunVCPU, since it must run the
// mem-access collaborator between the crash snapshot and the debug-stub
// notification instead of going straight from one to the other.
func dumpAndWrap(ctx context.Context, vcpu VirtualCPU, cfg RunConfig, runErr *RunError) error {
	writeCrashDump(vcpu, cfg, runErr)
	notifyDebugStub(cfg, DebugStopCrash)
	return runErr
}

// writeCrashDump snapshots the vCPU's state into cfg.CrashWriter, if one
// is attached. A write failure is logged, never propagated: the original
// cause of the crash is always the more useful error to the caller.
func writeCrashDump(vcpu VirtualCPU, cfg RunConfig, cause error) {
	if cfg.CrashWriter == nil {
		return
	}

	regs := map[Register]RegisterValue{
		RegisterRip: Register64(0),
		RegisterRsp: Register64(0),
	}
	if err := vcpu.GetRegisters(regs); err != nil {
		cfg.logger().Warn("failed to read registers for crash dump", "err", err)
	}

	dumpCtx := CrashDumpContext{
		Cause:     cause,
		Registers: regs,
	}
	if ip, err := vcpu.ReadTraceRegister(TraceRegisterIP); err == nil {
		dumpCtx.TraceIP = ip
	}
	if sp, err := vcpu.ReadTraceRegister(TraceRegisterSP); err == nil {
		dumpCtx.TraceSP = sp
	}

	if err := cfg.CrashWriter.Write(dumpCtx); err != nil {
		cfg.logger().Warn("failed to write crash dump", "err", err)
	}
}

// notifyDebugStub tells cfg.Debug a stop of the given reason occurred,
// if a debug stub is attached. A notification failure is logged, never
// propagated, for the same reason writeCrashDump's failures are.
func notifyDebugStub(cfg RunConfig, reason DebugStopReason) {
	if cfg.Debug == nil {
		return
	}
	if err := cfg.Debug.NotifyStop(reason); err != nil {
		cfg.logger().Warn("debug stub failed to handle crash notification", "err", err)
	}
}
