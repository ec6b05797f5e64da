// Package mshv implements the Microsoft Hypervisor (mshv) backend on
// Linux: a single vCPU driven through /dev/mshv ioctls, for hosts
// running under the root partition of Microsoft's hypervisor rather
// than KVM.
//
// There is no mshv example in the reference corpus this backend was
// built from; its shape (an ioctl-wrapper-over-fd per VM/vCPU, a
// packed run-page exit struct, the same InterruptHandle-driven
// cancellation as kvm) is modeled directly on the sibling kvm package,
// with ioctl numbers and exit message types taken from the published
// mshv driver uapi and the Hyper-V hypervisor top-level functional
// spec's message-type table.
package mshv
