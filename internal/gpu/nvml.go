package gpu

import (
	"fmt"

	"github.com/NVIDIA/go-nvml/pkg/nvml"
)

// Library is the subset of NVML the accessor relies on.
type Library interface {
	Init() nvml.Return
	Shutdown() nvml.Return
	DeviceGetCount() (int, nvml.Return)
	DeviceGetHandleByIndex(index int) (Device, nvml.Return)
	ErrorString(ret nvml.Return) string
}

// Device is the subset of nvml.Device queried per tick.
type Device interface {
	GetName() (string, nvml.Return)
	GetUUID() (string, nvml.Return)
	GetMemoryInfo() (nvml.Memory, nvml.Return)
	GetUtilizationRates() (nvml.Utilization, nvml.Return)
	GetComputeRunningProcesses() ([]nvml.ProcessInfo, nvml.Return)
	GetPciInfo() (nvml.PciInfo, nvml.Return)
}

// NewNVMLLibrary returns a Library backed by the go-nvml bindings.
// libnvidia-ml is loaded lazily by Init.
func NewNVMLLibrary() Library {
	return nvmlLibrary{}
}

type nvmlLibrary struct{}

func (nvmlLibrary) Init() nvml.Return {
	return nvml.Init()
}

func (nvmlLibrary) Shutdown() nvml.Return {
	return nvml.Shutdown()
}

func (nvmlLibrary) DeviceGetCount() (int, nvml.Return) {
	return nvml.DeviceGetCount()
}

func (nvmlLibrary) DeviceGetHandleByIndex(index int) (Device, nvml.Return) {
	dev, ret := nvml.DeviceGetHandleByIndex(index)
	if ret != nvml.SUCCESS || dev == nil {
		return nil, ret
	}
	return dev, ret
}

// ErrorString avoids calling into the library when it never loaded.
func (nvmlLibrary) ErrorString(ret nvml.Return) (msg string) {
	switch ret {
	case nvml.SUCCESS:
		return "SUCCESS"
	case nvml.ERROR_LIBRARY_NOT_FOUND:
		return "ERROR_LIBRARY_NOT_FOUND"
	case nvml.ERROR_UNINITIALIZED:
		return "ERROR_UNINITIALIZED"
	}
	defer func() {
		if r := recover(); r != nil {
			msg = fmt.Sprintf("nvml error %d", int32(ret))
		}
	}()
	return nvml.ErrorString(ret)
}
