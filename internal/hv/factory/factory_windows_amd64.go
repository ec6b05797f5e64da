//go:build windows && amd64

package factory

import (
	"github.com/tinyrange/vcpucore/internal/hv"
	"github.com/tinyrange/vcpucore/internal/hv/whp"
)

func Open() (hv.Hypervisor, error) {
	return whp.Open()
}
