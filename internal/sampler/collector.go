package sampler

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/shirou/gopsutil/v3/common"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/skobkin/hosttop-web/internal/cpustat"
	"github.com/skobkin/hosttop-web/internal/gpu"
	"github.com/skobkin/hosttop-web/internal/procscan"
)

// GPUSource is the subset of gpu.Accessor used per tick.
type GPUSource interface {
	RefreshProcessMemory()
	ProcessMemory(pid int) uint64
	Devices() []gpu.Stats
	Available() bool
	Shutdown()
}

// CPUSource yields utilization since its previous call.
type CPUSource interface {
	Sample() cpustat.Usage
}

// ProcessSource lists processes annotated with GPU memory.
type ProcessSource interface {
	Collect(lookup procscan.GPUMemoryLookup, totalRAM uint64) []procscan.Process
}

// MemorySource reports host memory usage.
type MemorySource func(ctx context.Context) (RAM, error)

// Collector assembles snapshots from the individual sources. All of its
// sources are owned by the goroutine that calls Collect.
type Collector struct {
	gpu       GPUSource
	tracker   CPUSource
	processes ProcessSource
	memory    MemorySource
	counts    func(ctx context.Context, logical bool) (int, error)
	now       func() time.Time
	logger    *slog.Logger
	procRoot  string

	seq           uint64
	countsLoaded  bool
	physicalCores int
	logicalCores  int
}

// NewCollector wires the per-tick sources together. Host memory and core
// counts come from gopsutil.
func NewCollector(gpuSource GPUSource, tracker CPUSource, processes ProcessSource, logger *slog.Logger) (*Collector, error) {
	if gpuSource == nil {
		return nil, fmt.Errorf("gpu source is required")
	}
	if tracker == nil {
		return nil, fmt.Errorf("cpu source is required")
	}
	if processes == nil {
		return nil, fmt.Errorf("process source is required")
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Collector{
		gpu:       gpuSource,
		tracker:   tracker,
		processes: processes,
		memory:    HostMemory,
		counts:    cpu.CountsWithContext,
		now:       time.Now,
		logger:    logger,
	}, nil
}

// SetProcRoot points the gopsutil readers (memory and core counts) at an
// alternate procfs mount. An empty root keeps gopsutil's own default.
func (c *Collector) SetProcRoot(root string) {
	c.procRoot = root
}

// HostProcContext returns ctx carrying root as gopsutil's HOST_PROC override.
func HostProcContext(ctx context.Context, root string) context.Context {
	if root == "" {
		return ctx
	}
	return context.WithValue(ctx, common.EnvKey, common.EnvMap{common.HostProcEnvKey: root})
}

// Collect runs one tick: GPU process map, CPU usage, RAM, processes and
// finally the GPU device list.
func (c *Collector) Collect(ctx context.Context) Snapshot {
	c.gpu.RefreshProcessMemory()

	usage := c.tracker.Sample()

	hostCtx := HostProcContext(ctx, c.procRoot)
	ram, err := c.memory(hostCtx)
	if err != nil {
		c.logger.Warn("failed to read memory stats", "err", err)
		ram = RAM{}
	}

	procs := c.processes.Collect(c.gpu.ProcessMemory, ram.TotalBytes)
	devices := c.gpu.Devices()

	c.loadCoreCounts(hostCtx)
	logical := c.logicalCores
	if logical == 0 {
		logical = len(usage.PerCore)
	}

	c.seq++
	return Snapshot{
		Seq:       c.seq,
		Timestamp: c.now().UTC(),
		RAM:       ram,
		CPU: CPU{
			TotalPercent:  usage.TotalPercent,
			PerCore:       usage.PerCore,
			PhysicalCores: c.physicalCores,
			LogicalCores:  logical,
		},
		GPUs:         devices,
		Processes:    procs,
		GPUAvailable: c.gpu.Available(),
	}
}

// Close releases the GPU library.
func (c *Collector) Close() {
	c.gpu.Shutdown()
}

func (c *Collector) loadCoreCounts(ctx context.Context) {
	if c.countsLoaded {
		return
	}
	c.countsLoaded = true

	if n, err := c.counts(ctx, false); err != nil {
		c.logger.Debug("failed to count physical cores", "err", err)
	} else {
		c.physicalCores = n
	}
	if n, err := c.counts(ctx, true); err != nil {
		c.logger.Debug("failed to count logical cores", "err", err)
	} else {
		c.logicalCores = n
	}
}

// HostMemory reads total and used memory through gopsutil.
func HostMemory(ctx context.Context) (RAM, error) {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return RAM{}, fmt.Errorf("virtual memory: %w", err)
	}
	return newRAM(vm.Total, vm.Used), nil
}

func newRAM(total, used uint64) RAM {
	ram := RAM{TotalBytes: total, UsedBytes: used}
	if total > 0 {
		ram.Percent = float64(used) / float64(total) * 100
	}
	return ram
}
