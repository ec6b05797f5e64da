//go:build windows

package whp

import (
	"syscall"
	"unsafe"
)

var (
	modWinHvPlatform = syscall.NewLazyDLL("winhvplatform.dll")

	procWHvCreatePartition               = modWinHvPlatform.NewProc("WHvCreatePartition")
	procWHvSetupPartition                = modWinHvPlatform.NewProc("WHvSetupPartition")
	procWHvDeletePartition               = modWinHvPlatform.NewProc("WHvDeletePartition")
	procWHvSetPartitionProperty          = modWinHvPlatform.NewProc("WHvSetPartitionProperty")
	procWHvMapGpaRange                   = modWinHvPlatform.NewProc("WHvMapGpaRange")
	procWHvUnmapGpaRange                 = modWinHvPlatform.NewProc("WHvUnmapGpaRange")
	procWHvCreateVirtualProcessor        = modWinHvPlatform.NewProc("WHvCreateVirtualProcessor")
	procWHvDeleteVirtualProcessor        = modWinHvPlatform.NewProc("WHvDeleteVirtualProcessor")
	procWHvRunVirtualProcessor           = modWinHvPlatform.NewProc("WHvRunVirtualProcessor")
	procWHvCancelRunVirtualProcessor     = modWinHvPlatform.NewProc("WHvCancelRunVirtualProcessor")
	procWHvGetVirtualProcessorRegisters  = modWinHvPlatform.NewProc("WHvGetVirtualProcessorRegisters")
	procWHvSetVirtualProcessorRegisters  = modWinHvPlatform.NewProc("WHvSetVirtualProcessorRegisters")
)

// hresult mirrors HRESULT: negative is failure.
type hresult int32

func (hr hresult) failed() bool { return hr < 0 }

func (hr hresult) err() error {
	if !hr.failed() {
		return nil
	}
	return hresultError(hr)
}

type hresultError hresult

func (e hresultError) Error() string {
	return "whp: " + syscall.Errno(e).Error()
}

func callHRESULT(proc *syscall.LazyProc, args ...uintptr) error {
	r1, _, callErr := proc.Call(args...)
	if callErr != syscall.Errno(0) && r1 == 0 {
		return callErr
	}
	return hresult(int32(r1)).err()
}

type partitionHandle syscall.Handle

func createPartition() (partitionHandle, error) {
	var handle partitionHandle
	err := callHRESULT(procWHvCreatePartition, uintptr(unsafe.Pointer(&handle)))
	return handle, err
}

func setPartitionProperty(part partitionHandle, code uint32, value unsafe.Pointer, size uint32) error {
	return callHRESULT(procWHvSetPartitionProperty,
		uintptr(part),
		uintptr(code),
		uintptr(value),
		uintptr(size),
	)
}

func setupPartition(part partitionHandle) error {
	return callHRESULT(procWHvSetupPartition, uintptr(part))
}

func deletePartition(part partitionHandle) error {
	return callHRESULT(procWHvDeletePartition, uintptr(part))
}

func mapGPARange(part partitionHandle, source unsafe.Pointer, guestAddress uint64, sizeInBytes uint64, flags mapGPARangeFlags) error {
	return callHRESULT(procWHvMapGpaRange,
		uintptr(part),
		uintptr(source),
		uintptr(guestAddress),
		uintptr(sizeInBytes),
		uintptr(flags),
	)
}

func unmapGPARange(part partitionHandle, guestAddress uint64, sizeInBytes uint64) error {
	return callHRESULT(procWHvUnmapGpaRange,
		uintptr(part),
		uintptr(guestAddress),
		uintptr(sizeInBytes),
	)
}

func createVirtualProcessor(part partitionHandle, vpIndex uint32) error {
	return callHRESULT(procWHvCreateVirtualProcessor, uintptr(part), uintptr(vpIndex), 0)
}

func deleteVirtualProcessor(part partitionHandle, vpIndex uint32) error {
	return callHRESULT(procWHvDeleteVirtualProcessor, uintptr(part), uintptr(vpIndex))
}

func runVirtualProcessor(part partitionHandle, vpIndex uint32, exitContext *runVPExitContext) error {
	size := uint32(unsafe.Sizeof(*exitContext))
	return callHRESULT(procWHvRunVirtualProcessor,
		uintptr(part),
		uintptr(vpIndex),
		uintptr(unsafe.Pointer(exitContext)),
		uintptr(size),
	)
}

func cancelRunVirtualProcessor(part partitionHandle, vpIndex uint32) error {
	return callHRESULT(procWHvCancelRunVirtualProcessor, uintptr(part), uintptr(vpIndex), 0)
}

func getVirtualProcessorRegisters(part partitionHandle, vpIndex uint32, names []registerName, values []registerValue) error {
	if len(names) == 0 {
		return nil
	}
	return callHRESULT(procWHvGetVirtualProcessorRegisters,
		uintptr(part),
		uintptr(vpIndex),
		uintptr(unsafe.Pointer(&names[0])),
		uintptr(len(names)),
		uintptr(unsafe.Pointer(&values[0])),
	)
}

func setVirtualProcessorRegisters(part partitionHandle, vpIndex uint32, names []registerName, values []registerValue) error {
	if len(names) == 0 {
		return nil
	}
	return callHRESULT(procWHvSetVirtualProcessorRegisters,
		uintptr(part),
		uintptr(vpIndex),
		uintptr(unsafe.Pointer(&names[0])),
		uintptr(len(names)),
		uintptr(unsafe.Pointer(&values[0])),
	)
}
