//go:build !((linux && amd64) || (windows && amd64))

package factory

import "github.com/tinyrange/vcpucore/internal/hv"

func Open() (hv.Hypervisor, error) {
	return nil, hv.ErrHypervisorUnsupported
}
