// Package whp implements the Windows Hypervisor Platform backend: a
// single vCPU driven through winhvplatform.dll, for hosts running under
// Hyper-V's root partition on Windows.
//
// The DLL bindings, exit-reason/register enums and context layouts are
// grounded on the sibling reference package's WHP bindings; the run
// loop, register mapping and cancellation wiring follow the same shape
// as the kvm and mshv backends so all three present an identical
// hv.Hypervisor/hv.VirtualCPU surface to callers.
package whp
