package hv

import "context"

// Hypervisor is the capability a platform backend (kvm, mshv, whp) exposes
// to the run loop. Each concrete backend's Open constructor returns one of
// these; internal/hv/factory picks among them at runtime.
//
// This mirrors the teacher's internal/hv.Hypervisor, trimmed down: a
// sandbox here drives exactly one guest binary in one address space, so
// there is no VirtualMachine/Device/Snapshot layer — only a single
// VirtualCPU bound to a single flat guest-memory mapping.
type Hypervisor interface {
	// Architecture reports the guest instruction set this backend drives.
	// The core only ships an x86_64 implementation.
	Architecture() CpuArchitecture

	// NewVirtualCPU creates the single vCPU for a sandbox, mapping the
	// given memory regions into the guest address space.
	NewVirtualCPU(regions []MemoryRegion) (VirtualCPU, error)

	// Close releases backend resources (VM/partition file descriptors or
	// handles). Closing a Hypervisor with a running VirtualCPU is
	// undefined; callers must kill and join the vCPU first.
	Close() error
}

// VirtualCPU is a single vCPU bound to one Hypervisor. Run performs one
// run step and returns its ExitReason or error; RunVCPU drives the
// repeated steps until the guest halts or the run fails.
type VirtualCPU interface {
	// SetRegisters seeds the registers named in regs before the first
	// Run call. Implementations need only support the Register values
	// declared in this package.
	SetRegisters(regs map[Register]RegisterValue) error

	// GetRegisters reads back the registers named in regs; used after a
	// halt or crash to build a CrashDumpContext.
	GetRegisters(regs map[Register]RegisterValue) error

	// ReadTraceRegister reads one of the small fixed set of registers
	// the run loop uses for stack unwinding during a crash. Optional:
	// backends that can't cheaply expose it return ErrHypervisorUnsupported.
	ReadTraceRegister(reg TraceRegister) (uint64, error)

	// Run executes the guest until its next exit and returns it,
	// including ExitRetry for an interrupted step the caller must
	// re-issue. The backends do not watch ctx while the guest runs;
	// RunVCPU checks it between steps.
	Run(ctx context.Context) (ExitReason, error)

	// InterruptHandle returns the handle another goroutine uses to
	// cancel an in-flight Run. Stable for the VirtualCPU's lifetime.
	InterruptHandle() *InterruptHandle

	// Close releases the vCPU's backend resources (fd, mmap'd run
	// page, handle).
	Close() error
}

// MemoryRegionProvider is implemented by the (external) shared-memory
// region manager. RunConfig carries one in Regions, but RunVCPU does not
// read it, and neither Classify nor NewVirtualCPU consults it: both take
// the region slice directly.
type MemoryRegionProvider interface {
	MemoryRegions() []MemoryRegion
}

// HostFunctionCaller is the minimal synchronous callback RunVCPU invokes
// for each ExitIoOut a backend reports. The wire format of the call is an
// external concern (host-function RPC is explicitly out of scope here);
// this is just the call site the run loop dispatches ExitIoOut through.
type HostFunctionCaller interface {
	Call(port uint16, data []byte) error
}

// CrashDumpContext is the snapshot handed to a CrashDumpWriter when a run
// terminates in a StackOverflow, MemoryAccessViolation, UnexpectedExit,
// MmioAt, or BackendFailure error (a failed backend Run or host call).
type CrashDumpContext struct {
	Cause     error
	Registers map[Register]RegisterValue
	TraceIP   uint64
	TraceSP   uint64
}

// CrashDumpWriter persists a CrashDumpContext. A nil CrashDumpWriter is
// valid; the run loop skips the call rather than requiring a no-op
// implementation.
type CrashDumpWriter interface {
	Write(ctx CrashDumpContext) error
}

// DebugStub is notified when a run stops for a debug event. A nil
// DebugStub is valid; RunVCPU then resumes the guest on an ExitDebug
// without notifying anyone.
type DebugStub interface {
	NotifyStop(reason DebugStopReason) error
}

// MemAccessHandler is the (external) shared-memory region manager's hook
// for a guest access to a physical address outside every mapped region.
// The run loop gives it a chance to react — service a lazily-backed
// page, record telemetry — before the access is reported as fatal. A nil
// MemAccessHandler is valid; the run loop skips straight to failing the
// run with MmioAt.
type MemAccessHandler interface {
	HandleMemAccess(addr uint64) error
}
