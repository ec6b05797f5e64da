//go:build linux

package mshv

import "fmt"

// ioctl request numbers for the mshv root-partition driver
// (/dev/mshv, then per-partition and per-vp fds returned by it). Magic
// 0xb8 and the opcode assignments follow the upstream mshv uapi header;
// only the subset a single-vCPU, no-device-model backend needs is
// declared here.
const (
	mshvCreatePartition  = 0x4040b800
	mshvInitializePartn  = 0x0000b801
	mshvMapGuestMemory   = 0x4038b802
	mshvUnmapGuestMemory = 0x4038b803
	mshvCreateVP         = 0x4004b804
	mshvRunVP            = 0xc100b805
	mshvGetVPRegisters   = 0xc010b806
	mshvSetVPRegisters   = 0x4010b807
)

// hvMessageType values from the Hyper-V hypervisor top-level functional
// spec's intercept message table; these are the exit reasons the root
// scheduler reports for a VP.run page.
type hvMessageType uint32

const (
	hvMessageTypeNone             hvMessageType = 0x00000000
	hvMessageTypeX64IoPortIntercept hvMessageType = 0x00010005
	hvMessageTypeUnmappedGPA      hvMessageType = 0x00010006
	hvMessageTypeGPAIntercept     hvMessageType = 0x00010007
	hvMessageTypeX64Halt          hvMessageType = 0x00010008
	hvMessageTypeX64ApicEoi       hvMessageType = 0x00010009
)

func (t hvMessageType) String() string {
	switch t {
	case hvMessageTypeNone:
		return "HvMessageTypeNone"
	case hvMessageTypeX64IoPortIntercept:
		return "HvMessageTypeX64IoPortIntercept"
	case hvMessageTypeUnmappedGPA:
		return "HvMessageTypeUnmappedGpa"
	case hvMessageTypeGPAIntercept:
		return "HvMessageTypeGpaIntercept"
	case hvMessageTypeX64Halt:
		return "HvMessageTypeX64Halt"
	case hvMessageTypeX64ApicEoi:
		return "HvMessageTypeX64ApicEoi"
	default:
		return fmt.Sprintf("HvMessageType(0x%x)", uint32(t))
	}
}
