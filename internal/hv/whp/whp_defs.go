//go:build windows

package whp

import (
	"fmt"
	"unsafe"
)

func ptrInto(payload *[176]byte) unsafe.Pointer {
	return unsafe.Pointer(payload)
}

// partitionPropertyCodeProcessorCount mirrors
// WHvPartitionPropertyCodeProcessorCount, the only partition property
// this backend needs to set before WHvSetupPartition.
const partitionPropertyCodeProcessorCount = 0x00000002

// mapGPARangeFlags mirrors WHV_MAP_GPA_RANGE_FLAGS.
type mapGPARangeFlags uint32

const (
	mapGPARangeFlagNone    mapGPARangeFlags = 0
	mapGPARangeFlagRead    mapGPARangeFlags = 0x00000001
	mapGPARangeFlagWrite   mapGPARangeFlags = 0x00000002
	mapGPARangeFlagExecute mapGPARangeFlags = 0x00000004
)

// registerName mirrors WHV_REGISTER_NAME, trimmed to the registers the
// core reads or writes.
type registerName uint32

const (
	registerRax registerName = 0x00000000
	registerRcx registerName = 0x00000001
	registerRdx registerName = 0x00000002
	registerRbx registerName = 0x00000003
	registerRsp registerName = 0x00000004
	registerRbp registerName = 0x00000005
	registerRsi registerName = 0x00000006
	registerRdi registerName = 0x00000007
	registerR8  registerName = 0x00000008
	registerR9  registerName = 0x00000009
	registerR10 registerName = 0x0000000A
	registerR11 registerName = 0x0000000B
	registerR12 registerName = 0x0000000C
	registerR13 registerName = 0x0000000D
	registerR14 registerName = 0x0000000E
	registerR15 registerName = 0x0000000F
	registerRip registerName = 0x00000010
	registerRflags registerName = 0x00000011

	registerCr0 registerName = 0x0000001C
	registerCr3 registerName = 0x0000001E
	registerCr4 registerName = 0x0000001F

	registerEfer registerName = 0x00002001
)

// registerValue mirrors WHV_REGISTER_VALUE; only the low 64 bits are
// used by the registers this backend exchanges.
type registerValue struct {
	Low64  uint64
	High64 uint64
}

func (v registerValue) asUint64() uint64 { return v.Low64 }

func registerValueFromUint64(x uint64) registerValue {
	return registerValue{Low64: x}
}

// runVPExitReason mirrors WHV_RUN_VP_EXIT_REASON.
type runVPExitReason uint32

const (
	runVPExitReasonNone                   runVPExitReason = 0x00000000
	runVPExitReasonMemoryAccess           runVPExitReason = 0x00000001
	runVPExitReasonX64IoPortAccess        runVPExitReason = 0x00000002
	runVPExitReasonUnrecoverableException runVPExitReason = 0x00000004
	runVPExitReasonInvalidVpRegisterValue runVPExitReason = 0x00000005
	runVPExitReasonUnsupportedFeature     runVPExitReason = 0x00000006
	runVPExitReasonX64Halt                runVPExitReason = 0x00000008
	runVPExitReasonCanceled               runVPExitReason = 0x00002001
)

func (r runVPExitReason) String() string {
	switch r {
	case runVPExitReasonNone:
		return "None"
	case runVPExitReasonMemoryAccess:
		return "MemoryAccess"
	case runVPExitReasonX64IoPortAccess:
		return "X64IoPortAccess"
	case runVPExitReasonUnrecoverableException:
		return "UnrecoverableException"
	case runVPExitReasonInvalidVpRegisterValue:
		return "InvalidVpRegisterValue"
	case runVPExitReasonUnsupportedFeature:
		return "UnsupportedFeature"
	case runVPExitReasonX64Halt:
		return "X64Halt"
	case runVPExitReasonCanceled:
		return "Canceled"
	default:
		return fmt.Sprintf("RunVPExitReason(0x%x)", uint32(r))
	}
}

// x64SegmentRegister mirrors WHV_X64_SEGMENT_REGISTER, kept only so the
// fields after it in vpContext sit at the right offsets.
type x64SegmentRegister struct {
	Base       uint64
	Limit      uint32
	Selector   uint16
	Attributes uint16
}

// vpContext mirrors WHV_VP_EXIT_CONTEXT.
type vpContext struct {
	ExecutionState       uint16
	InstructionLengthCr8 uint8
	Reserved             uint8
	Reserved2            uint32
	Cs                   x64SegmentRegister
	Rip                  uint64
	Rflags               uint64
}

// memoryAccessContext mirrors WHV_MEMORY_ACCESS_CONTEXT.
type memoryAccessContext struct {
	InstructionByteCount uint8
	Reserved             [3]uint8
	InstructionBytes     [16]uint8
	AccessInfo           uint32
	Gpa                  uint64
	Gva                  uint64
}

const memoryAccessInfoWriteBit = 0x1

// x64IOPortAccessContext mirrors WHV_X64_IO_PORT_ACCESS_CONTEXT.
type x64IOPortAccessContext struct {
	InstructionByteCount uint8
	Reserved             [3]uint8
	InstructionBytes     [16]uint8
	AccessInfo           uint32
	Port                 uint16
	Reserved2            [3]uint16
	Rax                  uint64
	Rcx                  uint64
	Rsi                  uint64
	Rdi                  uint64
}

const ioPortAccessInfoWriteBit = 0x1

// runVPExitContext mirrors WHV_RUN_VP_EXIT_CONTEXT: a fixed 48-byte
// header (ExitReason, Reserved, VpContext) followed by the union
// payload for whichever exit reason fired. 176 bytes covers every
// union member this backend decodes.
type runVPExitContext struct {
	ExitReason   runVPExitReason
	Reserved     uint32
	VpContext    vpContext
	unionPayload [176]byte
}

func (c *runVPExitContext) memoryAccess() *memoryAccessContext {
	return (*memoryAccessContext)(ptrInto(&c.unionPayload))
}

func (c *runVPExitContext) ioPortAccess() *x64IOPortAccessContext {
	return (*x64IOPortAccessContext)(ptrInto(&c.unionPayload))
}
