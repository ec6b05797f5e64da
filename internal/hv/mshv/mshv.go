//go:build linux && amd64

package mshv

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/tinyrange/vcpucore/internal/debug"
	"github.com/tinyrange/vcpucore/internal/hv"
)

func ioctl(fd uintptr, request uint64, arg uintptr) (uintptr, error) {
	v1, _, err := unix.Syscall(unix.SYS_IOCTL, fd, uintptr(request), arg)
	if err != 0 {
		return 0, err
	}
	return v1, nil
}

func ioctlWithRetry(fd uintptr, request uint64, arg uintptr) (uintptr, error) {
	for {
		v1, err := ioctl(fd, request, arg)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		return v1, err
	}
}

// hypervisor is the process-wide /dev/mshv handle.
type hypervisor struct {
	fd int
}

func (h *hypervisor) Architecture() hv.CpuArchitecture { return hv.ArchitectureX86_64 }

func (h *hypervisor) Close() error { return unix.Close(h.fd) }

// Open opens /dev/mshv. Returns hv.ErrHypervisorUnsupported, wrapped, if
// the device is missing — the expected case on a host running under KVM
// or WHP instead.
func Open() (hv.Hypervisor, error) {
	fd, err := unix.Open("/dev/mshv", unix.O_CLOEXEC|unix.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("%w: open /dev/mshv: %v", hv.ErrHypervisorUnsupported, err)
	}
	return &hypervisor{fd: fd}, nil
}

const retryDelayNanos = int64(1_000_000) // 1ms, matching the kvm backend

type virtualCPU struct {
	partitionFd int
	vpFd        int
	run         []byte
	log         *slog.Logger
	irq         *hv.InterruptHandle
}

func (h *hypervisor) NewVirtualCPU(regions []hv.MemoryRegion) (hv.VirtualCPU, error) {
	args := mshvCreatePartitionArgs{ProcessorType: 1}
	partitionFd, err := ioctlWithRetry(uintptr(h.fd), uint64(mshvCreatePartition), uintptr(unsafe.Pointer(&args)))
	if err != nil {
		return nil, fmt.Errorf("mshv: MSHV_CREATE_PARTITION: %w", err)
	}

	if _, err := ioctlWithRetry(partitionFd, uint64(mshvInitializePartn), 0); err != nil {
		unix.Close(int(partitionFd))
		return nil, fmt.Errorf("mshv: MSHV_INITIALIZE_PARTITION: %w", err)
	}

	for _, region := range regions {
		r := mshvUserMemoryRegion{
			GuestPfn: region.GuestStart >> 12,
			Size:     region.GuestEnd - region.GuestStart,
		}
		if _, err := ioctlWithRetry(partitionFd, uint64(mshvMapGuestMemory), uintptr(unsafe.Pointer(&r))); err != nil {
			unix.Close(int(partitionFd))
			return nil, fmt.Errorf("mshv: MSHV_MAP_GUEST_MEMORY: %w", err)
		}
	}

	vpArgs := mshvCreateVPArgs{VPIndex: 0}
	vpFd, err := ioctlWithRetry(partitionFd, uint64(mshvCreateVP), uintptr(unsafe.Pointer(&vpArgs)))
	if err != nil {
		unix.Close(int(partitionFd))
		return nil, fmt.Errorf("mshv: MSHV_CREATE_VP: %w", err)
	}

	run, err := unix.Mmap(int(vpFd), 0, int(unsafe.Sizeof(mshvRunMessage{})), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(int(vpFd))
		unix.Close(int(partitionFd))
		return nil, fmt.Errorf("mshv: mmap vp run page: %w", err)
	}

	hv.InstallSignalHandlers(0)

	return &virtualCPU{
		partitionFd: int(partitionFd),
		vpFd:        int(vpFd),
		run:         run,
		log:         slog.Default().With("component", "mshv"),
		irq:         hv.NewInterruptHandle(retryDelayNanos, 0),
	}, nil
}

func (v *virtualCPU) InterruptHandle() *hv.InterruptHandle { return v.irq }

func (v *virtualCPU) getVPRegisters(names []hvRegisterName) ([]hvRegisterValue, error) {
	regs := make([]mshvVPRegister, len(names))
	for i, n := range names {
		regs[i].Name = n
	}
	args := mshvVPRegistersArgs{
		Count:     uint32(len(regs)),
		Registers: uint64(uintptr(unsafe.Pointer(&regs[0]))),
	}
	if _, err := ioctlWithRetry(uintptr(v.vpFd), uint64(mshvGetVPRegisters), uintptr(unsafe.Pointer(&args))); err != nil {
		return nil, err
	}
	out := make([]hvRegisterValue, len(regs))
	for i, r := range regs {
		out[i] = r.Value
	}
	return out, nil
}

func (v *virtualCPU) setVPRegisters(names []hvRegisterName, values []hvRegisterValue) error {
	regs := make([]mshvVPRegister, len(names))
	for i, n := range names {
		regs[i].Name = n
		regs[i].Value = values[i]
	}
	args := mshvVPRegistersArgs{
		Count:     uint32(len(regs)),
		Registers: uint64(uintptr(unsafe.Pointer(&regs[0]))),
	}
	_, err := ioctlWithRetry(uintptr(v.vpFd), uint64(mshvSetVPRegisters), uintptr(unsafe.Pointer(&args)))
	return err
}

var registerToHv = map[hv.Register]hvRegisterName{
	hv.RegisterRax:    hvX64RegisterRax,
	hv.RegisterRbx:    hvX64RegisterRbx,
	hv.RegisterRcx:    hvX64RegisterRcx,
	hv.RegisterRdx:    hvX64RegisterRdx,
	hv.RegisterRsi:    hvX64RegisterRsi,
	hv.RegisterRdi:    hvX64RegisterRdi,
	hv.RegisterRsp:    hvX64RegisterRsp,
	hv.RegisterRbp:    hvX64RegisterRbp,
	hv.RegisterR8:     hvX64RegisterR8,
	hv.RegisterR9:     hvX64RegisterR9,
	hv.RegisterR10:    hvX64RegisterR10,
	hv.RegisterR11:    hvX64RegisterR11,
	hv.RegisterR12:    hvX64RegisterR12,
	hv.RegisterR13:    hvX64RegisterR13,
	hv.RegisterR14:    hvX64RegisterR14,
	hv.RegisterR15:    hvX64RegisterR15,
	hv.RegisterRip:    hvX64RegisterRip,
	hv.RegisterRflags: hvX64RegisterRflags,
	hv.RegisterCr0:    hvX64RegisterCr0,
	hv.RegisterCr3:    hvX64RegisterCr3,
	hv.RegisterCr4:    hvX64RegisterCr4,
	hv.RegisterEfer:   hvX64RegisterEfer,
}

func (v *virtualCPU) SetRegisters(regs map[hv.Register]hv.RegisterValue) error {
	names := make([]hvRegisterName, 0, len(regs))
	values := make([]hvRegisterValue, 0, len(regs))
	for reg, val := range regs {
		name, ok := registerToHv[reg]
		if !ok {
			return fmt.Errorf("mshv: unsupported register %s", reg)
		}
		r64, ok := val.(hv.Register64)
		if !ok {
			return fmt.Errorf("mshv: unsupported register value for %s", reg)
		}
		names = append(names, name)
		values = append(values, hvRegisterValue{Low: uint64(r64)})
	}
	if len(names) == 0 {
		return nil
	}
	return v.setVPRegisters(names, values)
}

func (v *virtualCPU) GetRegisters(regs map[hv.Register]hv.RegisterValue) error {
	order := make([]hv.Register, 0, len(regs))
	names := make([]hvRegisterName, 0, len(regs))
	for reg := range regs {
		name, ok := registerToHv[reg]
		if !ok {
			return fmt.Errorf("mshv: unsupported register %s", reg)
		}
		order = append(order, reg)
		names = append(names, name)
	}
	if len(names) == 0 {
		return nil
	}
	values, err := v.getVPRegisters(names)
	if err != nil {
		return fmt.Errorf("mshv: MSHV_GET_VP_REGISTERS: %w", err)
	}
	for i, reg := range order {
		regs[reg] = hv.Register64(values[i].Low)
	}
	return nil
}

func (v *virtualCPU) ReadTraceRegister(reg hv.TraceRegister) (uint64, error) {
	var name hvRegisterName
	switch reg {
	case hv.TraceRegisterIP:
		name = hvX64RegisterRip
	case hv.TraceRegisterSP:
		name = hvX64RegisterRsp
	case hv.TraceRegisterFP:
		name = hvX64RegisterRbp
	case hv.TraceRegisterAccumulator:
		name = hvX64RegisterRax
	case hv.TraceRegisterCounter:
		name = hvX64RegisterRcx
	default:
		return 0, fmt.Errorf("%w: trace register %s", hv.ErrHypervisorUnsupported, reg)
	}
	values, err := v.getVPRegisters([]hvRegisterName{name})
	if err != nil {
		return 0, fmt.Errorf("mshv: MSHV_GET_VP_REGISTERS: %w", err)
	}
	return values[0].Low, nil
}

// Run issues exactly one MSHV_RUN_VP and classifies the resulting
// message, following the same cancellation/EINTR contract as the kvm
// backend's Run: an EINTR is only Cancelled or Debug when the interrupt
// handle recorded a matching kill for this generation, otherwise it is a
// stale signal and the loop must retry.
func (v *virtualCPU) Run(ctx context.Context) (hv.ExitReason, error) {
	runtime.LockOSThread()

	generation := v.irq.BeginRun()

	debug.Writef("mshv.Run", "vp running generation=%d", generation)

	_, err := ioctl(uintptr(v.vpFd), uint64(mshvRunVP), uintptr(unsafe.Pointer(&v.run[0])))
	cancelled, debugInterrupted := v.irq.EndRun()
	if err != nil {
		if errors.Is(err, unix.EINTR) {
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
		}
		return hv.ExitReason{}, fmt.Errorf("mshv: MSHV_RUN_VP: %w", err)
	}

	msg := (*mshvRunMessage)(unsafe.Pointer(&v.run[0]))
	msgType := hvMessageType(msg.Type)

	debug.Writef("mshv.Run", "vp exit message=%s", msgType)

	switch msgType {
	case hvMessageTypeX64Halt:
		return hv.ExitReason{Kind: hv.ExitHalt}, nil

	case hvMessageTypeX64IoPortIntercept:
		payload := (*mshvIoPortPayload)(unsafe.Pointer(&msg.Payload[0]))
		data := make([]byte, 4)
		for i := range data {
			data[i] = byte(payload.Rax >> (8 * i))
		}
		return hv.ExitReason{
			Kind: hv.ExitIoOut,
			Port: payload.PortNumber,
			Data: data[:payload.InstrLen],
			Rip:  payload.Rip,
		}, nil

	case hvMessageTypeUnmappedGPA:
		payload := (*mshvGPAInterceptPayload)(unsafe.Pointer(&msg.Payload[0]))
		return hv.ExitReason{Kind: hv.ExitMmio, Addr: payload.GuestPhysicalAddress}, nil

	case hvMessageTypeGPAIntercept:
		payload := (*mshvGPAInterceptPayload)(unsafe.Pointer(&msg.Payload[0]))
		return hv.ExitReason{Kind: hv.ExitMmio, Addr: payload.GuestPhysicalAddress}, nil

	default:
		return hv.ExitReason{Kind: hv.ExitUnknown, Text: msgType.String()}, nil
	}
}

func (v *virtualCPU) Close() error {
	v.irq.MarkDropped()
	if err := unix.Munmap(v.run); err != nil {
		return fmt.Errorf("mshv: munmap vp run page: %w", err)
	}
	if err := unix.Close(v.vpFd); err != nil {
		return fmt.Errorf("mshv: close vp fd: %w", err)
	}
	return unix.Close(v.partitionFd)
}

var (
	_ hv.Hypervisor = (*hypervisor)(nil)
	_ hv.VirtualCPU = (*virtualCPU)(nil)
)
