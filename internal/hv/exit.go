package hv

import "fmt"

// ExitKind is the backend-independent classification of why a vCPU's Run
// returned. Every backend must map its raw exit code onto exactly one of
// these; an exit the backend cannot explain is ExitUnknown.
type ExitKind int

const (
	// ExitInvalid marks a zero-value ExitReason; backends must never
	// return it.
	ExitInvalid ExitKind = iota

	// ExitHalt: the guest executed the halt instruction. Normal
	// termination of a run.
	ExitHalt

	// ExitIoOut: the guest wrote to an I/O port.
	ExitIoOut

	// ExitMmio: access to a guest physical address not covered by any
	// memory region.
	ExitMmio

	// ExitAccessViolation: access denied by region permissions, or a
	// STACK_GUARD region was touched.
	ExitAccessViolation

	// ExitCancelled: the interrupt handle reported a cancellation was in
	// flight for this run's generation.
	ExitCancelled

	// ExitDebug: a debug event occurred. Backends produce it when a run
	// is interrupted by InterruptHandle.KillFromDebugger.
	ExitDebug

	// ExitRetry: a transient backend error (e.g. an interrupted system
	// call); the loop must re-issue the run.
	ExitRetry

	// ExitUnknown: unclassified exit; treated as fatal.
	ExitUnknown
)

func (k ExitKind) String() string {
	switch k {
	case ExitHalt:
		return "Halt"
	case ExitIoOut:
		return "IoOut"
	case ExitMmio:
		return "Mmio"
	case ExitAccessViolation:
		return "AccessViolation"
	case ExitCancelled:
		return "Cancelled"
	case ExitDebug:
		return "Debug"
	case ExitRetry:
		return "Retry"
	case ExitUnknown:
		return "Unknown"
	default:
		return fmt.Sprintf("ExitKind(%d)", int(k))
	}
}

// DebugStopReason explains why an ExitDebug fired.
type DebugStopReason int

const (
	DebugStopInvalid DebugStopReason = iota
	DebugStopBreakpoint
	DebugStopSingleStep
	DebugStopCrash

	// DebugStopInterrupt: the run was interrupted by
	// InterruptHandle.KillFromDebugger rather than by hitting a
	// breakpoint or single-step trap.
	DebugStopInterrupt
)

func (r DebugStopReason) String() string {
	switch r {
	case DebugStopBreakpoint:
		return "breakpoint"
	case DebugStopSingleStep:
		return "single-step"
	case DebugStopCrash:
		return "crash"
	case DebugStopInterrupt:
		return "interrupt"
	default:
		return fmt.Sprintf("DebugStopReason(%d)", int(r))
	}
}

// ExitReason is the tagged union a backend's Run returns. Only the fields
// relevant to Kind are populated; Go has no sum types, so callers must
// switch on Kind before reading the payload fields, exactly as the teacher
// switches on kvmExitReason before indexing into the exit-specific struct.
type ExitReason struct {
	Kind ExitKind

	// ExitIoOut
	Port     uint16
	Data     []byte
	Rip      uint64
	InsnLen  uint64

	// ExitMmio, ExitAccessViolation
	Addr uint64

	// ExitAccessViolation
	Attempted MemoryRegionFlags
	Region    MemoryRegionFlags

	// ExitDebug
	StopReason DebugStopReason

	// ExitUnknown
	Text string
}

func (e ExitReason) String() string {
	switch e.Kind {
	case ExitIoOut:
		return fmt.Sprintf("IoOut(port=0x%x, len=%d, rip=0x%x)", e.Port, len(e.Data), e.Rip)
	case ExitMmio:
		return fmt.Sprintf("Mmio(addr=0x%x)", e.Addr)
	case ExitAccessViolation:
		return fmt.Sprintf("AccessViolation(addr=0x%x, attempted=%s, region=%s)", e.Addr, e.Attempted, e.Region)
	case ExitDebug:
		return fmt.Sprintf("Debug(%s)", e.StopReason)
	case ExitUnknown:
		return fmt.Sprintf("Unknown(%s)", e.Text)
	default:
		return e.Kind.String()
	}
}
