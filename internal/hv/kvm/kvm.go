//go:build linux && amd64

package kvm

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

func ioctlInt(req int) func(fd int) (int, error) {
	return func(fd int) (int, error) {
		v, err := ioctlWithRetry(uintptr(fd), uint64(req), 0)
		if err != nil {
			return 0, err
		}
		return int(v), nil
	}
}

var (
	getApiVersion   = ioctlInt(kvmGetApiVersion)
	createVM        = ioctlInt(kvmCreateVm)
	getVcpuMmapSize = ioctlInt(kvmGetVcpuMmapSize)
)

func createVCPU(fd int, id int) (int, error) {
	v1, err := ioctlWithRetry(uintptr(fd), uint64(kvmCreateVcpu), uintptr(id))
	if err != nil {
		return 0, err
	}
	return int(v1), nil
}

func setUserMemoryRegion(fd int, region *kvmUserspaceMemoryRegion) error {
	_, err := ioctlWithRetry(uintptr(fd), uint64(kvmSetUserMemoryRegion), uintptr(unsafe.Pointer(region)))
	return err
}

func getRegisters(vcpuFd int) (kvmRegs, error) {
	var regs kvmRegs
	if _, err := ioctlWithRetry(uintptr(vcpuFd), uint64(kvmGetRegs), uintptr(unsafe.Pointer(&regs))); err != nil {
		return kvmRegs{}, err
	}
	return regs, nil
}

func setRegisters(vcpuFd int, regs *kvmRegs) error {
	_, err := ioctlWithRetry(uintptr(vcpuFd), uint64(kvmSetRegs), uintptr(unsafe.Pointer(regs)))
	return err
}

func getSpecialRegisters(vcpuFd int) (kvmSRegs, error) {
	var sregs kvmSRegs
	if _, err := ioctlWithRetry(uintptr(vcpuFd), uint64(kvmGetSregs), uintptr(unsafe.Pointer(&sregs))); err != nil {
		return kvmSRegs{}, err
	}
	return sregs, nil
}

func setSpecialRegisters(vcpuFd int, sregs *kvmSRegs) error {
	_, err := ioctlWithRetry(uintptr(vcpuFd), uint64(kvmSetSregs), uintptr(unsafe.Pointer(sregs)))
	return err
}

// hypervisor is the process-wide /dev/kvm handle. A sandbox opens
// exactly one of these and uses it to create its single VM and vCPU.
type hypervisor struct {
	fd int
}

func (h *hypervisor) Architecture() hv.CpuArchitecture { return hv.ArchitectureX86_64 }

func (h *hypervisor) Close() error {
	return unix.Close(h.fd)
}

// Open opens /dev/kvm and validates its API version. Returns
// hv.ErrHypervisorUnsupported, wrapped, if /dev/kvm can't be opened or
// reports an unexpected API version.
func Open() (hv.Hypervisor, error) {
	fd, err := unix.Open("/dev/kvm", unix.O_CLOEXEC|unix.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("%w: open /dev/kvm: %v", hv.ErrHypervisorUnsupported, err)
	}

	version, err := getApiVersion(fd)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("kvm: get API version: %w", err)
	}
	if version != kvmApiVersion {
		unix.Close(fd)
		return nil, fmt.Errorf("%w: kvm API version %d, want %d", hv.ErrHypervisorUnsupported, version, kvmApiVersion)
	}

	return &hypervisor{fd: fd}, nil
}

const (
	// retryDelay between cancellation signals; matches the teacher's
	// observed KVM_RUN re-issue latency closely enough that a kill
	// rarely needs a second signal.
	retryDelayNanos = int64(1_000_000) // 1ms
)

// virtualCPU is the single vCPU a sandbox drives. Run must only ever be
// called from the goroutine that created it: the interrupt handle
// targets this goroutine's OS thread by tid, so callers must
// runtime.LockOSThread before the first Run.
type virtualCPU struct {
	vmFd int
	fd   int
	run  []byte
	log  *slog.Logger
	irq  *hv.InterruptHandle
}

func (h *hypervisor) NewVirtualCPU(regions []hv.MemoryRegion) (hv.VirtualCPU, error) {
	vmFd, err := createVM(h.fd)
	if err != nil {
		return nil, fmt.Errorf("kvm: KVM_CREATE_VM: %w", err)
	}

	for i, region := range regions {
		if err := setUserMemoryRegion(vmFd, &kvmUserspaceMemoryRegion{
			Slot:          uint32(i),
			GuestPhysAddr: region.GuestStart,
			MemorySize:    region.GuestEnd - region.GuestStart,
		}); err != nil {
			unix.Close(vmFd)
			return nil, fmt.Errorf("kvm: KVM_SET_USER_MEMORY_REGION %d: %w", i, err)
		}
	}

	mmapSize, err := getVcpuMmapSize(h.fd)
	if err != nil {
		unix.Close(vmFd)
		return nil, fmt.Errorf("kvm: KVM_GET_VCPU_MMAP_SIZE: %w", err)
	}

	vcpuFd, err := createVCPU(vmFd, 0)
	if err != nil {
		unix.Close(vmFd)
		return nil, fmt.Errorf("kvm: KVM_CREATE_VCPU: %w", err)
	}

	run, err := unix.Mmap(vcpuFd, 0, mmapSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(vcpuFd)
		unix.Close(vmFd)
		return nil, fmt.Errorf("kvm: mmap kvm_run: %w", err)
	}

	hv.InstallSignalHandlers(0)

	v := &virtualCPU{
		vmFd: vmFd,
		fd:   vcpuFd,
		run:  run,
		log:  slog.Default().With("component", "kvm"),
		irq:  hv.NewInterruptHandle(retryDelayNanos, 0),
	}
	return v, nil
}

func (v *virtualCPU) InterruptHandle() *hv.InterruptHandle { return v.irq }

func (v *virtualCPU) SetRegisters(regs map[hv.Register]hv.RegisterValue) error {
	kregs, err := getRegisters(v.fd)
	if err != nil {
		return fmt.Errorf("kvm: KVM_GET_REGS: %w", err)
	}
	sregs, err := getSpecialRegisters(v.fd)
	if err != nil {
		return fmt.Errorf("kvm: KVM_GET_SREGS: %w", err)
	}

	needSRegs := false
	for reg, val := range regs {
		r64, ok := val.(hv.Register64)
		if !ok {
			return fmt.Errorf("kvm: unsupported register value for %s", reg)
		}
		switch reg {
		case hv.RegisterRax:
			kregs.Rax = uint64(r64)
		case hv.RegisterRbx:
			kregs.Rbx = uint64(r64)
		case hv.RegisterRcx:
			kregs.Rcx = uint64(r64)
		case hv.RegisterRdx:
			kregs.Rdx = uint64(r64)
		case hv.RegisterRsi:
			kregs.Rsi = uint64(r64)
		case hv.RegisterRdi:
			kregs.Rdi = uint64(r64)
		case hv.RegisterRsp:
			kregs.Rsp = uint64(r64)
		case hv.RegisterRbp:
			kregs.Rbp = uint64(r64)
		case hv.RegisterR8:
			kregs.R8 = uint64(r64)
		case hv.RegisterR9:
			kregs.R9 = uint64(r64)
		case hv.RegisterR10:
			kregs.R10 = uint64(r64)
		case hv.RegisterR11:
			kregs.R11 = uint64(r64)
		case hv.RegisterR12:
			kregs.R12 = uint64(r64)
		case hv.RegisterR13:
			kregs.R13 = uint64(r64)
		case hv.RegisterR14:
			kregs.R14 = uint64(r64)
		case hv.RegisterR15:
			kregs.R15 = uint64(r64)
		case hv.RegisterRip:
			kregs.Rip = uint64(r64)
		case hv.RegisterRflags:
			kregs.Rflags = uint64(r64)
		case hv.RegisterCr0:
			sregs.Cr0 = uint64(r64)
			needSRegs = true
		case hv.RegisterCr3:
			sregs.Cr3 = uint64(r64)
			needSRegs = true
		case hv.RegisterCr4:
			sregs.Cr4 = uint64(r64)
			needSRegs = true
		case hv.RegisterEfer:
			sregs.Efer = uint64(r64)
			needSRegs = true
		default:
			return fmt.Errorf("kvm: unsupported register %s", reg)
		}
	}

	if err := setRegisters(v.fd, &kregs); err != nil {
		return fmt.Errorf("kvm: KVM_SET_REGS: %w", err)
	}
	if needSRegs {
		if err := setSpecialRegisters(v.fd, &sregs); err != nil {
			return fmt.Errorf("kvm: KVM_SET_SREGS: %w", err)
		}
	}
	return nil
}

func (v *virtualCPU) GetRegisters(regs map[hv.Register]hv.RegisterValue) error {
	kregs, err := getRegisters(v.fd)
	if err != nil {
		return fmt.Errorf("kvm: KVM_GET_REGS: %w", err)
	}
	sregs, err := getSpecialRegisters(v.fd)
	if err != nil {
		return fmt.Errorf("kvm: KVM_GET_SREGS: %w", err)
	}

	for reg := range regs {
		switch reg {
		case hv.RegisterRax:
			regs[reg] = hv.Register64(kregs.Rax)
		case hv.RegisterRbx:
			regs[reg] = hv.Register64(kregs.Rbx)
		case hv.RegisterRcx:
			regs[reg] = hv.Register64(kregs.Rcx)
		case hv.RegisterRdx:
			regs[reg] = hv.Register64(kregs.Rdx)
		case hv.RegisterRsi:
			regs[reg] = hv.Register64(kregs.Rsi)
		case hv.RegisterRdi:
			regs[reg] = hv.Register64(kregs.Rdi)
		case hv.RegisterRsp:
			regs[reg] = hv.Register64(kregs.Rsp)
		case hv.RegisterRbp:
			regs[reg] = hv.Register64(kregs.Rbp)
		case hv.RegisterR8:
			regs[reg] = hv.Register64(kregs.R8)
		case hv.RegisterR9:
			regs[reg] = hv.Register64(kregs.R9)
		case hv.RegisterR10:
			regs[reg] = hv.Register64(kregs.R10)
		case hv.RegisterR11:
			regs[reg] = hv.Register64(kregs.R11)
		case hv.RegisterR12:
			regs[reg] = hv.Register64(kregs.R12)
		case hv.RegisterR13:
			regs[reg] = hv.Register64(kregs.R13)
		case hv.RegisterR14:
			regs[reg] = hv.Register64(kregs.R14)
		case hv.RegisterR15:
			regs[reg] = hv.Register64(kregs.R15)
		case hv.RegisterRip:
			regs[reg] = hv.Register64(kregs.Rip)
		case hv.RegisterRflags:
			regs[reg] = hv.Register64(kregs.Rflags)
		case hv.RegisterCr0:
			regs[reg] = hv.Register64(sregs.Cr0)
		case hv.RegisterCr3:
			regs[reg] = hv.Register64(sregs.Cr3)
		case hv.RegisterCr4:
			regs[reg] = hv.Register64(sregs.Cr4)
		case hv.RegisterEfer:
			regs[reg] = hv.Register64(sregs.Efer)
		default:
			return fmt.Errorf("kvm: unsupported register %s", reg)
		}
	}
	return nil
}

func (v *virtualCPU) ReadTraceRegister(reg hv.TraceRegister) (uint64, error) {
	kregs, err := getRegisters(v.fd)
	if err != nil {
		return 0, fmt.Errorf("kvm: KVM_GET_REGS: %w", err)
	}
	switch reg {
	case hv.TraceRegisterIP:
		return kregs.Rip, nil
	case hv.TraceRegisterSP:
		return kregs.Rsp, nil
	case hv.TraceRegisterFP:
		return kregs.Rbp, nil
	case hv.TraceRegisterAccumulator:
		return kregs.Rax, nil
	case hv.TraceRegisterCounter:
		return kregs.Rcx, nil
	default:
		return 0, fmt.Errorf("%w: trace register %s", hv.ErrHypervisorUnsupported, reg)
	}
}

// Run issues exactly one KVM_RUN and classifies the result. An EINTR is
// only ever reported to the run loop as Cancelled or Debug when the
// interrupt handle actually recorded a matching kill for this
// generation; any other EINTR (a stale or unrelated signal hitting the
// vCPU thread) is surfaced as ExitRetry so the loop re-issues KVM_RUN
// without disturbing guest state.
func (v *virtualCPU) Run(ctx context.Context) (hv.ExitReason, error) {
	runtime.LockOSThread()

	generation := v.irq.BeginRun()

	run := (*kvmRunData)(unsafe.Pointer(&v.run[0]))
	run.immediateExit = 0

	debug.Writef("kvm.Run", "vCPU running generation=%d", generation)

	_, err := ioctl(uintptr(v.fd), uint64(kvmRun), 0)
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
		return hv.ExitReason{}, fmt.Errorf("kvm: KVM_RUN: %w", err)
	}

	reason := kvmExitReason(run.exitReason)
	debug.Writef("kvm.Run", "vCPU exit reason=%s", reason)

	switch reason {
	case kvmExitHlt:
		return hv.ExitReason{Kind: hv.ExitHalt}, nil

	case kvmExitIo:
		ioData := (*kvmExitIoData)(unsafe.Pointer(&run.anon0[0]))
		data := v.run[ioData.dataOffset : ioData.dataOffset+uint64(ioData.size)*uint64(ioData.count)]
		rip := uint64(0)
		if kregs, err := getRegisters(v.fd); err == nil {
			rip = kregs.Rip
		}
		return hv.ExitReason{
			Kind: hv.ExitIoOut,
			Port: ioData.port,
			Data: append([]byte(nil), data...),
			Rip:  rip,
		}, nil

	case kvmExitMmio:
		mmioData := (*kvmExitMMIOData)(unsafe.Pointer(&run.anon0[0]))
		return hv.ExitReason{Kind: hv.ExitMmio, Addr: mmioData.physAddr}, nil

	case kvmExitShutdown:
		return hv.ExitReason{Kind: hv.ExitHalt}, nil

	case kvmExitSystemEvent:
		system := (*kvmSystemEvent)(unsafe.Pointer(&run.anon0[0]))
		if system.typ == uint32(kvmSystemEventShutdown) {
			return hv.ExitReason{Kind: hv.ExitHalt}, nil
		}
		return hv.ExitReason{Kind: hv.ExitUnknown, Text: fmt.Sprintf("system event %d", system.typ)}, nil

	case kvmExitInternalError:
		ie := (*internalError)(unsafe.Pointer(&run.anon0[0]))
		return hv.ExitReason{}, fmt.Errorf("kvm: internal error suberror=%d", ie.Suberror)

	case kvmExitFailEntry:
		return hv.ExitReason{}, fmt.Errorf("kvm: vCPU entry failed")

	default:
		return hv.ExitReason{Kind: hv.ExitUnknown, Text: reason.String()}, nil
	}
}

func (v *virtualCPU) Close() error {
	v.irq.MarkDropped()
	if err := unix.Munmap(v.run); err != nil {
		return fmt.Errorf("kvm: munmap kvm_run: %w", err)
	}
	if err := unix.Close(v.fd); err != nil {
		return fmt.Errorf("kvm: close vCPU fd: %w", err)
	}
	return unix.Close(v.vmFd)
}

var (
	_ hv.Hypervisor = (*hypervisor)(nil)
	_ hv.VirtualCPU = (*virtualCPU)(nil)
)
