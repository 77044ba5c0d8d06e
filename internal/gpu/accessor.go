// Package gpu exposes NVIDIA device statistics and per-process GPU memory
// attribution through NVML.
package gpu

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/NVIDIA/go-nvml/pkg/nvml"
)

// NVML reports this value when per-process usage is not available
// (e.g. WDDM drivers or restricted containers).
const memoryNotAvailable = ^uint64(0)

// Stats describes a single GPU as observed during one query.
type Stats struct {
	Index              int     `json:"index"`
	Name               string  `json:"name"`
	UUID               string  `json:"uuid"`
	TotalMemoryBytes   uint64  `json:"total_memory"`
	UsedMemoryBytes    uint64  `json:"used_memory"`
	MemoryPercent      float64 `json:"memory_percent"`
	UtilizationPercent float64 `json:"utilization_percent"`
}

// Accessor wraps NVML queries and disables itself when the library or the
// driver misbehaves. It is owned by the sampling loop and is not safe for
// concurrent use.
type Accessor struct {
	lib          Library
	logger       *slog.Logger
	resolveName  func(nvml.PciInfo) string
	attempted    bool
	initialised  bool
	available    bool
	processUsage map[int]uint64
}

// NewAccessor builds a disabled accessor; call Init to enable it.
func NewAccessor(lib Library, logger *slog.Logger) *Accessor {
	if lib == nil {
		lib = NewNVMLLibrary()
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Accessor{
		lib:          lib,
		logger:       logger,
		resolveName:  lookupPCIName,
		processUsage: make(map[int]uint64),
	}
}

// Init initialises NVML once. A failure leaves the accessor disabled for the
// rest of the run; later calls return the first result without retrying.
func (a *Accessor) Init() bool {
	if a.attempted {
		return a.available
	}
	a.attempted = true

	if err := a.initLib(); err != nil {
		a.logger.Warn("gpu monitoring disabled", "err", err)
		return false
	}

	a.initialised = true
	a.available = true
	a.logger.Info("nvml initialised, gpu monitoring enabled")
	return true
}

// the nvml bindings panic when libnvidia-ml.so cannot be loaded
func (a *Accessor) initLib() (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("could not load nvml: %v", r)
		}
	}()
	if ret := a.lib.Init(); ret != nvml.SUCCESS {
		return fmt.Errorf("nvml init: %s", a.lib.ErrorString(ret))
	}
	return nil
}

// Available reports whether GPU queries are still enabled.
func (a *Accessor) Available() bool {
	return a.available
}

// RefreshProcessMemory rebuilds the PID to GPU memory map, summing usage of
// processes that appear on several devices. On a query failure the partial
// result is discarded and the map is left empty until the next refresh.
func (a *Accessor) RefreshProcessMemory() {
	if !a.available {
		if len(a.processUsage) > 0 {
			a.processUsage = make(map[int]uint64)
		}
		return
	}

	usage, err := a.queryProcessMemory()
	if err != nil {
		a.logger.Error("failed to fetch gpu process info", "err", err)
		a.processUsage = make(map[int]uint64)
		return
	}
	a.processUsage = usage
}

func (a *Accessor) queryProcessMemory() (map[int]uint64, error) {
	count, ret := a.lib.DeviceGetCount()
	if ret != nvml.SUCCESS {
		return nil, fmt.Errorf("device get count: %s", a.lib.ErrorString(ret))
	}

	usage := make(map[int]uint64)
	for i := 0; i < count; i++ {
		dev, ret := a.lib.DeviceGetHandleByIndex(i)
		if ret != nvml.SUCCESS {
			return nil, fmt.Errorf("get handle index=%d: %s", i, a.lib.ErrorString(ret))
		}
		procs, ret := dev.GetComputeRunningProcesses()
		if ret == nvml.ERROR_NOT_FOUND {
			continue
		}
		if ret != nvml.SUCCESS {
			return nil, fmt.Errorf("list compute processes index=%d: %s", i, a.lib.ErrorString(ret))
		}
		for _, p := range procs {
			// pid 0 means no data
			if p.Pid == 0 || p.UsedGpuMemory == memoryNotAvailable {
				continue
			}
			usage[int(p.Pid)] += p.UsedGpuMemory
		}
	}
	return usage, nil
}

// ProcessMemory returns the GPU memory attributed to pid by the last refresh.
func (a *Accessor) ProcessMemory(pid int) uint64 {
	return a.processUsage[pid]
}

// Devices queries every GPU. Any failure permanently disables the accessor;
// the process map keeps its current contents until the next refresh.
func (a *Accessor) Devices() []Stats {
	if !a.available {
		return []Stats{}
	}

	stats, err := a.queryDevices()
	if err != nil {
		a.available = false
		a.logger.Error("could not retrieve gpu info, disabling gpu monitoring", "err", err)
		return []Stats{}
	}
	return stats
}

func (a *Accessor) queryDevices() ([]Stats, error) {
	count, ret := a.lib.DeviceGetCount()
	if ret != nvml.SUCCESS {
		return nil, fmt.Errorf("device get count: %s", a.lib.ErrorString(ret))
	}

	stats := make([]Stats, 0, count)
	for i := 0; i < count; i++ {
		dev, ret := a.lib.DeviceGetHandleByIndex(i)
		if ret != nvml.SUCCESS {
			return nil, fmt.Errorf("get handle index=%d: %s", i, a.lib.ErrorString(ret))
		}
		name, ret := dev.GetName()
		if ret != nvml.SUCCESS {
			return nil, fmt.Errorf("get name index=%d: %s", i, a.lib.ErrorString(ret))
		}
		uuid, ret := dev.GetUUID()
		if ret != nvml.SUCCESS {
			return nil, fmt.Errorf("get uuid index=%d: %s", i, a.lib.ErrorString(ret))
		}
		mem, ret := dev.GetMemoryInfo()
		if ret != nvml.SUCCESS {
			return nil, fmt.Errorf("get memory info index=%d: %s", i, a.lib.ErrorString(ret))
		}
		util, ret := dev.GetUtilizationRates()
		if ret != nvml.SUCCESS {
			return nil, fmt.Errorf("get utilization index=%d: %s", i, a.lib.ErrorString(ret))
		}

		if needsResolvedName(name) {
			if pci, ret := dev.GetPciInfo(); ret == nvml.SUCCESS {
				if resolved := a.resolveName(pci); resolved != "" {
					name = resolved
				}
			}
		}

		var memPct float64
		if mem.Total > 0 {
			memPct = float64(mem.Used) / float64(mem.Total) * 100
		}

		stats = append(stats, Stats{
			Index:              i,
			Name:               name,
			UUID:               uuid,
			TotalMemoryBytes:   mem.Total,
			UsedMemoryBytes:    mem.Used,
			MemoryPercent:      memPct,
			UtilizationPercent: float64(util.Gpu),
		})
	}
	return stats, nil
}

// Shutdown releases NVML if Init succeeded. Errors are logged only.
func (a *Accessor) Shutdown() {
	if !a.initialised {
		return
	}
	a.initialised = false
	a.available = false

	if ret := a.lib.Shutdown(); ret != nvml.SUCCESS {
		a.logger.Error("error during nvml shutdown", "err", a.lib.ErrorString(ret))
		return
	}
	a.logger.Info("nvml shut down")
}
