//go:build linux && amd64

package factory

import (
	"errors"
	"fmt"

	"github.com/tinyrange/vcpucore/internal/hv"
	"github.com/tinyrange/vcpucore/internal/hv/kvm"
	"github.com/tinyrange/vcpucore/internal/hv/mshv"
)

// Open tries kvm first, since it is the common case on Linux hosts, and
// falls back to mshv for hosts running under Microsoft's hypervisor
// instead. Both failures are reported together so the caller can see
// what was tried.
func Open() (hv.Hypervisor, error) {
	h, kvmErr := kvm.Open()
	if kvmErr == nil {
		return h, nil
	}
	if !errors.Is(kvmErr, hv.ErrHypervisorUnsupported) {
		return nil, kvmErr
	}

	h, mshvErr := mshv.Open()
	if mshvErr == nil {
		return h, nil
	}

	return nil, fmt.Errorf("%w: kvm: %v; mshv: %v", hv.ErrHypervisorUnsupported, kvmErr, mshvErr)
}
