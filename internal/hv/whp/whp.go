//go:build windows

package whp

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"unsafe"

	"github.com/tinyrange/vcpucore/internal/debug"
	"github.com/tinyrange/vcpucore/internal/hv"
)

// hypervisor is the process-wide Windows Hypervisor Platform handle. A
// sandbox creates exactly one partition and uses it for its single VM
// and vCPU.
type hypervisor struct{}

func (h *hypervisor) Architecture() hv.CpuArchitecture { return hv.ArchitectureX86_64 }

func (h *hypervisor) Close() error { return nil }

// Open checks that the Windows Hypervisor Platform is reachable by
// loading winhvplatform.dll's procedure table; the DLL itself fails
// lazily on first call if the feature isn't enabled, which Open
// surfaces as hv.ErrHypervisorUnsupported.
func Open() (hv.Hypervisor, error) {
	if err := procWHvCreatePartition.Find(); err != nil {
		return nil, fmt.Errorf("%w: winhvplatform.dll: %v", hv.ErrHypervisorUnsupported, err)
	}
	return &hypervisor{}, nil
}

const (
	vpIndex = 0

	// retryDelay between cancellation attempts; WHvCancelRunVirtualProcessor
	// is cheap to reissue, so this mirrors the kvm/mshv backends' 1ms delay.
	retryDelayNanos = int64(1_000_000)
)

// virtualCPU is the single vCPU a sandbox drives. Run must only ever be
// called from the goroutine that created it.
type virtualCPU struct {
	part partitionHandle
	log  *slog.Logger
	irq  *hv.InterruptHandle
}

func (h *hypervisor) NewVirtualCPU(regions []hv.MemoryRegion) (hv.VirtualCPU, error) {
	part, err := createPartition()
	if err != nil {
		return nil, fmt.Errorf("whp: WHvCreatePartition: %w", err)
	}

	count := uint32(1)
	if err := setPartitionProperty(part, partitionPropertyCodeProcessorCount, unsafe.Pointer(&count), uint32(unsafe.Sizeof(count))); err != nil {
		deletePartition(part)
		return nil, fmt.Errorf("whp: WHvSetPartitionProperty(ProcessorCount): %w", err)
	}

	if err := setupPartition(part); err != nil {
		deletePartition(part)
		return nil, fmt.Errorf("whp: WHvSetupPartition: %w", err)
	}

	for i, region := range regions {
		flags := regionFlags(region.Flags)
		if err := mapGPARange(part, unsafe.Pointer(uintptr(region.GuestStart)), region.GuestStart, region.GuestEnd-region.GuestStart, flags); err != nil {
			deletePartition(part)
			return nil, fmt.Errorf("whp: WHvMapGpaRange %d: %w", i, err)
		}
	}

	if err := createVirtualProcessor(part, vpIndex); err != nil {
		deletePartition(part)
		return nil, fmt.Errorf("whp: WHvCreateVirtualProcessor: %w", err)
	}

	v := &virtualCPU{
		part: part,
		log:  slog.Default().With("component", "whp"),
		irq:  hv.NewInterruptHandle(retryDelayNanos, 0),
	}
	v.irq.SetCancelFunc(func() bool {
		return cancelRunVirtualProcessor(v.part, vpIndex) == nil
	})
	return v, nil
}

func regionFlags(f hv.MemoryRegionFlags) mapGPARangeFlags {
	var out mapGPARangeFlags
	if f.Contains(hv.FlagRead) {
		out |= mapGPARangeFlagRead
	}
	if f.Contains(hv.FlagWrite) {
		out |= mapGPARangeFlagWrite
	}
	if f.Contains(hv.FlagExecute) {
		out |= mapGPARangeFlagExecute
	}
	return out
}

func (v *virtualCPU) InterruptHandle() *hv.InterruptHandle { return v.irq }

var whpRegisterMap = map[hv.Register]registerName{
	hv.RegisterRax:    registerRax,
	hv.RegisterRbx:    registerRbx,
	hv.RegisterRcx:    registerRcx,
	hv.RegisterRdx:    registerRdx,
	hv.RegisterRsi:    registerRsi,
	hv.RegisterRdi:    registerRdi,
	hv.RegisterRsp:    registerRsp,
	hv.RegisterRbp:    registerRbp,
	hv.RegisterR8:     registerR8,
	hv.RegisterR9:     registerR9,
	hv.RegisterR10:    registerR10,
	hv.RegisterR11:    registerR11,
	hv.RegisterR12:    registerR12,
	hv.RegisterR13:    registerR13,
	hv.RegisterR14:    registerR14,
	hv.RegisterR15:    registerR15,
	hv.RegisterRip:    registerRip,
	hv.RegisterRflags: registerRflags,
	hv.RegisterCr0:    registerCr0,
	hv.RegisterCr3:    registerCr3,
	hv.RegisterCr4:    registerCr4,
	hv.RegisterEfer:   registerEfer,
}

func (v *virtualCPU) SetRegisters(regs map[hv.Register]hv.RegisterValue) error {
	names := make([]registerName, 0, len(regs))
	values := make([]registerValue, 0, len(regs))
	for reg, val := range regs {
		name, ok := whpRegisterMap[reg]
		if !ok {
			return fmt.Errorf("whp: unsupported register %s", reg)
		}
		r64, ok := val.(hv.Register64)
		if !ok {
			return fmt.Errorf("whp: unsupported register value for %s", reg)
		}
		names = append(names, name)
		values = append(values, registerValueFromUint64(uint64(r64)))
	}
	if err := setVirtualProcessorRegisters(v.part, vpIndex, names, values); err != nil {
		return fmt.Errorf("whp: WHvSetVirtualProcessorRegisters: %w", err)
	}
	return nil
}

func (v *virtualCPU) GetRegisters(regs map[hv.Register]hv.RegisterValue) error {
	names := make([]registerName, 0, len(regs))
	order := make([]hv.Register, 0, len(regs))
	for reg := range regs {
		name, ok := whpRegisterMap[reg]
		if !ok {
			return fmt.Errorf("whp: unsupported register %s", reg)
		}
		names = append(names, name)
		order = append(order, reg)
	}
	values := make([]registerValue, len(names))
	if err := getVirtualProcessorRegisters(v.part, vpIndex, names, values); err != nil {
		return fmt.Errorf("whp: WHvGetVirtualProcessorRegisters: %w", err)
	}
	for i, reg := range order {
		regs[reg] = hv.Register64(values[i].asUint64())
	}
	return nil
}

func (v *virtualCPU) ReadTraceRegister(reg hv.TraceRegister) (uint64, error) {
	var whvReg hv.Register
	switch reg {
	case hv.TraceRegisterIP:
		whvReg = hv.RegisterRip
	case hv.TraceRegisterSP:
		whvReg = hv.RegisterRsp
	case hv.TraceRegisterFP:
		whvReg = hv.RegisterRbp
	case hv.TraceRegisterAccumulator:
		whvReg = hv.RegisterRax
	case hv.TraceRegisterCounter:
		whvReg = hv.RegisterRcx
	default:
		return 0, fmt.Errorf("%w: trace register %s", hv.ErrHypervisorUnsupported, reg)
	}
	regs := map[hv.Register]hv.RegisterValue{whvReg: hv.Register64(0)}
	if err := v.GetRegisters(regs); err != nil {
		return 0, err
	}
	return uint64(regs[whvReg].(hv.Register64)), nil
}

// Run issues exactly one WHvRunVirtualProcessor and classifies the
// result. A Canceled exit reason only surfaces as hv.ExitCancelled or
// hv.ExitDebug when the interrupt handle actually recorded a matching
// kill for this generation; WHvCancelRunVirtualProcessor can also return
// a stale Canceled exit for a cancellation aimed at an earlier
// generation, which must be treated as a retry instead.
func (v *virtualCPU) Run(ctx context.Context) (hv.ExitReason, error) {
	runtime.LockOSThread()

	generation := v.irq.BeginRun()

	debug.Writef("whp.Run", "vCPU running generation=%d", generation)

	var exitContext runVPExitContext
	runErr := runVirtualProcessor(v.part, vpIndex, &exitContext)
	cancelled, debugInterrupted := v.irq.EndRun()
	if runErr != nil {
		return hv.ExitReason{}, fmt.Errorf("whp: WHvRunVirtualProcessor: %w", runErr)
	}

	debug.Writef("whp.Run", "vCPU exit reason=%s", exitContext.ExitReason)

	switch exitContext.ExitReason {
	case runVPExitReasonX64Halt:
		return hv.ExitReason{Kind: hv.ExitHalt}, nil

	case runVPExitReasonCanceled:
		if v.irq.Dropped() {
			return hv.ExitReason{}, hv.ErrInterruptDropped
		}
		switch {
		case cancelled:
			return hv.ExitReason{Kind: hv.ExitCancelled}, nil
		case debugInterrupted:
			return hv.ExitReason{Kind: hv.ExitDebug, StopReason: hv.DebugStopInterrupt}, nil
		default:
			return hv.ExitReason{Kind: hv.ExitRetry}, nil
		}

	case runVPExitReasonX64IoPortAccess:
		io := exitContext.ioPortAccess()
		size := int(io.AccessInfo >> 1 & 0x7)
		if size != 1 && size != 2 && size != 4 {
			size = 4
		}
		data := make([]byte, size)
		rax := io.Rax
		for i := 0; i < size; i++ {
			data[i] = byte(rax >> (8 * i))
		}
		return hv.ExitReason{
			Kind: hv.ExitIoOut,
			Port: io.Port,
			Data: data,
			Rip:  exitContext.VpContext.Rip,
		}, nil

	case runVPExitReasonMemoryAccess:
		mem := exitContext.memoryAccess()
		return hv.ExitReason{Kind: hv.ExitMmio, Addr: mem.Gpa}, nil

	case runVPExitReasonUnrecoverableException, runVPExitReasonInvalidVpRegisterValue:
		return hv.ExitReason{}, fmt.Errorf("whp: vCPU entry failed: %s", exitContext.ExitReason)

	default:
		return hv.ExitReason{Kind: hv.ExitUnknown, Text: exitContext.ExitReason.String()}, nil
	}
}

func (v *virtualCPU) Close() error {
	v.irq.MarkDropped()
	if err := deleteVirtualProcessor(v.part, vpIndex); err != nil {
		return fmt.Errorf("whp: WHvDeleteVirtualProcessor: %w", err)
	}
	return deletePartition(v.part)
}

var (
	_ hv.Hypervisor = (*hypervisor)(nil)
	_ hv.VirtualCPU = (*virtualCPU)(nil)
)
