package hv

import (
	"context"
	"errors"
	"testing"

	dto "github.com/prometheus/client_model/go"

	"github.com/tinyrange/vcpucore/internal/metrics"
)

// fakeVCPU replays a fixed sequence of exits, one per Run call, so the
// run loop's dispatch can be exercised without a real hypervisor.
type fakeVCPU struct {
	exits []ExitReason
	i     int
	irq   *InterruptHandle
}

func newFakeVCPU(exits ...ExitReason) *fakeVCPU {
	return &fakeVCPU{exits: exits, irq: NewInterruptHandle(1_000_000, 0)}
}

func (f *fakeVCPU) SetRegisters(map[Register]RegisterValue) error { return nil }
func (f *fakeVCPU) GetRegisters(map[Register]RegisterValue) error { return nil }
func (f *fakeVCPU) ReadTraceRegister(TraceRegister) (uint64, error) { return 0, nil }
func (f *fakeVCPU) InterruptHandle() *InterruptHandle               { return f.irq }
func (f *fakeVCPU) Close() error                                    { return nil }

func (f *fakeVCPU) Run(ctx context.Context) (ExitReason, error) {
	if f.i >= len(f.exits) {
		return ExitReason{Kind: ExitHalt}, nil
	}
	r := f.exits[f.i]
	f.i++
	return r, nil
}

type fakeHostFunctions struct {
	calls []uint16
	err   error
}

func (f *fakeHostFunctions) Call(port uint16, data []byte) error {
	f.calls = append(f.calls, port)
	return f.err
}

type fakeCrashWriter struct {
	written *CrashDumpContext
}

func (f *fakeCrashWriter) Write(ctx CrashDumpContext) error {
	f.written = &ctx
	return nil
}

type fakeDebugStub struct {
	reasons []DebugStopReason
}

func (f *fakeDebugStub) NotifyStop(reason DebugStopReason) error {
	f.reasons = append(f.reasons, reason)
	return nil
}

type fakeMemAccessHandler struct {
	addrs []uint64
}

func (f *fakeMemAccessHandler) HandleMemAccess(addr uint64) error {
	f.addrs = append(f.addrs, addr)
	return nil
}

func TestRunVCPUHaltReturnsNil(t *testing.T) {
	vcpu := newFakeVCPU(ExitReason{Kind: ExitHalt})
	if err := RunVCPU(context.Background(), vcpu, RunConfig{}); err != nil {
		t.Fatalf("RunVCPU = %v, want nil", err)
	}
}

func TestRunVCPURetryContinuesWithoutReturning(t *testing.T) {
	vcpu := newFakeVCPU(ExitReason{Kind: ExitRetry}, ExitReason{Kind: ExitHalt})
	if err := RunVCPU(context.Background(), vcpu, RunConfig{}); err != nil {
		t.Fatalf("RunVCPU = %v, want nil", err)
	}
	if vcpu.i != 2 {
		t.Fatalf("Run called %d times, want 2", vcpu.i)
	}
}

func TestRunVCPUDispatchesIoOutAndContinues(t *testing.T) {
	host := &fakeHostFunctions{}
	vcpu := newFakeVCPU(
		ExitReason{Kind: ExitIoOut, Port: 0x3f8, Data: []byte("hi")},
		ExitReason{Kind: ExitHalt},
	)
	err := RunVCPU(context.Background(), vcpu, RunConfig{HostFunctions: host})
	if err != nil {
		t.Fatalf("RunVCPU = %v, want nil", err)
	}
	if len(host.calls) != 1 || host.calls[0] != 0x3f8 {
		t.Fatalf("host.calls = %v, want [0x3f8]", host.calls)
	}
}

func TestRunVCPUIoOutWithNoHostFunctionsIsBackendFailure(t *testing.T) {
	vcpu := newFakeVCPU(ExitReason{Kind: ExitIoOut, Port: 0x3f8})
	err := RunVCPU(context.Background(), vcpu, RunConfig{})

	var re *RunError
	if !errors.As(err, &re) || re.Kind != ErrorKindBackendFailure {
		t.Fatalf("err = %v, want *RunError{Kind: BackendFailure}", err)
	}
}

func TestRunVCPUMmioDumpsCrashAndNotifiesDebugStub(t *testing.T) {
	crash := &fakeCrashWriter{}
	dbg := &fakeDebugStub{}
	vcpu := newFakeVCPU(ExitReason{Kind: ExitMmio, Addr: 0xdead0000})

	err := RunVCPU(context.Background(), vcpu, RunConfig{CrashWriter: crash, Debug: dbg})

	var re *RunError
	if !errors.As(err, &re) || re.Kind != ErrorKindMmioAt || re.Addr != 0xdead0000 {
		t.Fatalf("err = %v, want *RunError{Kind: MmioAt, Addr: 0xdead0000}", err)
	}
	if crash.written == nil {
		t.Fatalf("crash dump was not written")
	}
	if len(dbg.reasons) != 1 || dbg.reasons[0] != DebugStopCrash {
		t.Fatalf("debug stub notifications = %v, want [DebugStopCrash]", dbg.reasons)
	}
}

func TestRunVCPUMmioInvokesMemAccessHandlerBeforeFailing(t *testing.T) {
	mem := &fakeMemAccessHandler{}
	vcpu := newFakeVCPU(ExitReason{Kind: ExitMmio, Addr: 0xdead0000})

	err := RunVCPU(context.Background(), vcpu, RunConfig{MemAccess: mem})

	var re *RunError
	if !errors.As(err, &re) || re.Kind != ErrorKindMmioAt {
		t.Fatalf("err = %v, want *RunError{Kind: MmioAt}", err)
	}
	if len(mem.addrs) != 1 || mem.addrs[0] != 0xdead0000 {
		t.Fatalf("mem-access handler addrs = %v, want [0xdead0000]", mem.addrs)
	}
}

func TestRunVCPUMmioWithNoMemAccessHandlerStillFails(t *testing.T) {
	vcpu := newFakeVCPU(ExitReason{Kind: ExitMmio, Addr: 0x1234})

	err := RunVCPU(context.Background(), vcpu, RunConfig{})

	var re *RunError
	if !errors.As(err, &re) || re.Kind != ErrorKindMmioAt {
		t.Fatalf("err = %v, want *RunError{Kind: MmioAt}", err)
	}
}

func TestRunVCPUAccessViolationStackGuardIsStackOverflow(t *testing.T) {
	vcpu := newFakeVCPU(ExitReason{
		Kind:      ExitAccessViolation,
		Addr:      0x2000,
		Attempted: FlagRead,
		Region:    FlagRead | FlagWrite | FlagStackGuard,
	})
	err := RunVCPU(context.Background(), vcpu, RunConfig{})

	var re *RunError
	if !errors.As(err, &re) || re.Kind != ErrorKindStackOverflow {
		t.Fatalf("err = %v, want *RunError{Kind: StackOverflow}", err)
	}
}

func TestRunVCPUAccessViolationWithoutStackGuardIsMemoryAccessViolation(t *testing.T) {
	vcpu := newFakeVCPU(ExitReason{
		Kind:      ExitAccessViolation,
		Addr:      0x1000,
		Attempted: FlagWrite,
		Region:    FlagRead,
	})
	err := RunVCPU(context.Background(), vcpu, RunConfig{})

	var re *RunError
	if !errors.As(err, &re) || re.Kind != ErrorKindMemoryAccessViolation {
		t.Fatalf("err = %v, want *RunError{Kind: MemoryAccessViolation}", err)
	}
	if re.Addr != 0x1000 || re.Attempted != FlagWrite || re.Region != FlagRead {
		t.Fatalf("err fields = (addr=0x%x, attempted=%s, region=%s), want (0x1000, WRITE, READ)", re.Addr, re.Attempted, re.Region)
	}
}

func guestCancellations(t *testing.T) float64 {
	t.Helper()
	var m dto.Metric
	if err := metrics.GuestCancellations.Write(&m); err != nil {
		t.Fatalf("read GuestCancellations: %v", err)
	}
	return m.GetCounter().GetValue()
}

func TestRunVCPUCancelledIncrementsMetricAndReturnsCancelled(t *testing.T) {
	before := guestCancellations(t)
	vcpu := newFakeVCPU(ExitReason{Kind: ExitCancelled})
	err := RunVCPU(context.Background(), vcpu, RunConfig{})

	if !IsCancelled(err) {
		t.Fatalf("IsCancelled(err) = false, want true (err=%v)", err)
	}
	if got := guestCancellations(t); got != before+1 {
		t.Fatalf("GuestCancellations = %v, want %v", got, before+1)
	}
}

func TestRunVCPUDebugWithNoStubContinues(t *testing.T) {
	vcpu := newFakeVCPU(ExitReason{Kind: ExitDebug, StopReason: DebugStopBreakpoint}, ExitReason{Kind: ExitHalt})
	if err := RunVCPU(context.Background(), vcpu, RunConfig{}); err != nil {
		t.Fatalf("RunVCPU = %v, want nil", err)
	}
}

func TestRunVCPUUnknownExitIsUnexpectedExit(t *testing.T) {
	vcpu := newFakeVCPU(ExitReason{Kind: ExitUnknown, Text: "mystery"})
	err := RunVCPU(context.Background(), vcpu, RunConfig{})

	var re *RunError
	if !errors.As(err, &re) || re.Kind != ErrorKindUnexpectedExit {
		t.Fatalf("err = %v, want *RunError{Kind: UnexpectedExit}", err)
	}
}

func TestRunVCPUContextCancelledBeforeFirstRun(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	vcpu := newFakeVCPU(ExitReason{Kind: ExitHalt})
	err := RunVCPU(ctx, vcpu, RunConfig{})

	if !IsCancelled(err) {
		t.Fatalf("IsCancelled(err) = false, want true (err=%v)", err)
	}
	if vcpu.i != 0 {
		t.Fatalf("Run was called despite a pre-cancelled context")
	}
}
