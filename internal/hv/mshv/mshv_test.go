//go:build linux && amd64

package mshv

import (
	"testing"

	"github.com/tinyrange/vcpucore/internal/hv"
)

func checkMSHVAvailable(t testing.TB) {
	t.Helper()

	h, err := Open()
	if err != nil {
		t.Skipf("mshv not available: %v", err)
	}
	if err := h.Close(); err != nil {
		t.Fatalf("Close mshv hypervisor: %v", err)
	}
}

func TestOpen(t *testing.T) {
	checkMSHVAvailable(t)

	h, err := Open()
	if err != nil {
		t.Fatalf("Open mshv hypervisor: %v", err)
	}
	if h.Architecture() != hv.ArchitectureX86_64 {
		t.Fatalf("Architecture() = %v, want x86_64", h.Architecture())
	}
	if err := h.Close(); err != nil {
		t.Fatalf("Close mshv hypervisor: %v", err)
	}
}

func TestNewVirtualCPU(t *testing.T) {
	checkMSHVAvailable(t)

	h, err := Open()
	if err != nil {
		t.Fatalf("Open mshv hypervisor: %v", err)
	}
	defer h.Close()

	vcpu, err := h.NewVirtualCPU([]hv.MemoryRegion{
		{GuestStart: 0, GuestEnd: 0x200000, Flags: hv.FlagRead | hv.FlagWrite | hv.FlagExecute},
	})
	if err != nil {
		t.Fatalf("NewVirtualCPU: %v", err)
	}
	defer vcpu.Close()

	if vcpu.InterruptHandle() == nil {
		t.Fatalf("InterruptHandle() returned nil")
	}
}
