// Package kvm implements the Linux KVM hypervisor backend: a single
// vCPU driven directly through /dev/kvm ioctls, with no device model or
// chipset emulation. It satisfies the hv.Hypervisor/hv.VirtualCPU
// capabilities for the x86_64 guests the execution core targets.
package kvm
