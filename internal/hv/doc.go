// Package hv implements the vCPU execution core of a micro-VM sandbox: the
// backend-independent exit vocabulary, the memory-access arbiter, the run
// loop that drives a hypervisor backend step by step, and the interrupt
// handle that lets another thread cancel a running vCPU.
//
// Concrete hypervisor backends live in sibling packages (kvm, mshv, whp);
// internal/hv/factory selects one at runtime based on the host platform.
package hv
