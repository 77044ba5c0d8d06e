package sampler

import (
	"context"
	"errors"
	"math"
	"reflect"
	"testing"
	"time"

	"github.com/shirou/gopsutil/v3/common"

	"github.com/skobkin/hosttop-web/internal/cpustat"
	"github.com/skobkin/hosttop-web/internal/gpu"
	"github.com/skobkin/hosttop-web/internal/procscan"
)

type callLog struct {
	calls []string
}

func (l *callLog) add(name string) {
	l.calls = append(l.calls, name)
}

type fakeGPU struct {
	log       *callLog
	usage     map[int]uint64
	devices   []gpu.Stats
	available bool
	shutdowns int
}

func (g *fakeGPU) RefreshProcessMemory() { g.log.add("gpu.refresh") }

func (g *fakeGPU) ProcessMemory(pid int) uint64 { return g.usage[pid] }

func (g *fakeGPU) Devices() []gpu.Stats {
	g.log.add("gpu.devices")
	return g.devices
}

func (g *fakeGPU) Available() bool { return g.available }

func (g *fakeGPU) Shutdown() { g.shutdowns++ }

type fakeCPU struct {
	log   *callLog
	usage cpustat.Usage
}

func (c *fakeCPU) Sample() cpustat.Usage {
	c.log.add("cpu.sample")
	return c.usage
}

type fakeProcesses struct {
	log      *callLog
	pids     []int
	totalRAM uint64
}

func (p *fakeProcesses) Collect(lookup procscan.GPUMemoryLookup, totalRAM uint64) []procscan.Process {
	p.log.add("procs.collect")
	p.totalRAM = totalRAM
	out := make([]procscan.Process, 0, len(p.pids))
	for _, pid := range p.pids {
		out = append(out, procscan.Process{PID: pid, GPUMemoryBytes: lookup(pid)})
	}
	return out
}

func newTestCollector(t *testing.T) (*Collector, *callLog, *fakeGPU, *fakeProcesses) {
	t.Helper()
	log := &callLog{}
	gpuSource := &fakeGPU{
		log:       log,
		usage:     map[int]uint64{20: 512},
		devices:   []gpu.Stats{{Index: 0, Name: "Tesla T4", TotalMemoryBytes: 1024, UsedMemoryBytes: 512, MemoryPercent: 50}},
		available: true,
	}
	procs := &fakeProcesses{log: log, pids: []int{10, 20}}
	tracker := &fakeCPU{log: log, usage: cpustat.Usage{TotalPercent: 25, PerCore: []float64{50, 0}}}

	collector, err := NewCollector(gpuSource, tracker, procs, nil)
	if err != nil {
		t.Fatalf("NewCollector: %v", err)
	}
	collector.memory = func(context.Context) (RAM, error) {
		log.add("memory")
		return newRAM(8000, 2000), nil
	}
	collector.counts = func(_ context.Context, logical bool) (int, error) {
		if logical {
			return 2, nil
		}
		return 1, nil
	}
	collector.now = func() time.Time { return time.Date(2025, 1, 2, 3, 4, 5, 0, time.FixedZone("x", 3600)) }
	return collector, log, gpuSource, procs
}

func TestCollectorAssemblesSnapshot(t *testing.T) {
	collector, log, _, procs := newTestCollector(t)

	snapshot := collector.Collect(context.Background())

	wantOrder := []string{"gpu.refresh", "cpu.sample", "memory", "procs.collect", "gpu.devices"}
	if !reflect.DeepEqual(log.calls, wantOrder) {
		t.Fatalf("unexpected call order %v", log.calls)
	}

	if snapshot.Seq != 1 {
		t.Fatalf("expected seq 1, got %d", snapshot.Seq)
	}
	if snapshot.Timestamp.Location() != time.UTC {
		t.Fatalf("expected UTC timestamp, got %s", snapshot.Timestamp.Location())
	}
	if snapshot.RAM.TotalBytes != 8000 || snapshot.RAM.UsedBytes != 2000 || math.Abs(snapshot.RAM.Percent-25) > 1e-9 {
		t.Fatalf("unexpected ram %+v", snapshot.RAM)
	}
	if procs.totalRAM != 8000 {
		t.Fatalf("expected total ram passed to enumerator, got %d", procs.totalRAM)
	}
	if snapshot.CPU.TotalPercent != 25 || len(snapshot.CPU.PerCore) != 2 {
		t.Fatalf("unexpected cpu %+v", snapshot.CPU)
	}
	if snapshot.CPU.PhysicalCores != 1 || snapshot.CPU.LogicalCores != 2 {
		t.Fatalf("unexpected core counts %+v", snapshot.CPU)
	}
	if len(snapshot.GPUs) != 1 || snapshot.GPUs[0].Name != "Tesla T4" {
		t.Fatalf("unexpected gpus %+v", snapshot.GPUs)
	}
	if !snapshot.GPUAvailable {
		t.Fatalf("expected gpu available")
	}
	if len(snapshot.Processes) != 2 || snapshot.Processes[0].GPUMemoryBytes != 0 || snapshot.Processes[1].GPUMemoryBytes != 512 {
		t.Fatalf("unexpected processes %+v", snapshot.Processes)
	}

	if next := collector.Collect(context.Background()); next.Seq != 2 {
		t.Fatalf("expected seq 2, got %d", next.Seq)
	}
}

func TestCollectorMemoryFailure(t *testing.T) {
	collector, _, _, procs := newTestCollector(t)
	collector.memory = func(context.Context) (RAM, error) {
		return RAM{}, errors.New("no meminfo")
	}

	snapshot := collector.Collect(context.Background())
	if snapshot.RAM != (RAM{}) {
		t.Fatalf("expected zero ram on failure, got %+v", snapshot.RAM)
	}
	if procs.totalRAM != 0 {
		t.Fatalf("expected unknown total ram passed to enumerator")
	}
}

func TestCollectorCoreCountFallback(t *testing.T) {
	collector, _, _, _ := newTestCollector(t)
	calls := 0
	collector.counts = func(context.Context, bool) (int, error) {
		calls++
		return 0, errors.New("unsupported")
	}

	snapshot := collector.Collect(context.Background())
	if snapshot.CPU.PhysicalCores != 0 {
		t.Fatalf("expected unknown physical cores, got %d", snapshot.CPU.PhysicalCores)
	}
	if snapshot.CPU.LogicalCores != 2 {
		t.Fatalf("expected logical cores from per-core usage, got %d", snapshot.CPU.LogicalCores)
	}

	collector.Collect(context.Background())
	if calls != 2 {
		t.Fatalf("expected core counts to be queried once, got %d calls", calls)
	}
}

func TestCollectorPassesProcRootToHostReaders(t *testing.T) {
	collector, _, _, _ := newTestCollector(t)
	collector.SetProcRoot("/host/proc")

	var seen []string
	record := func(ctx context.Context) {
		env, _ := ctx.Value(common.EnvKey).(common.EnvMap)
		seen = append(seen, env[common.HostProcEnvKey])
	}
	collector.memory = func(ctx context.Context) (RAM, error) {
		record(ctx)
		return newRAM(8000, 2000), nil
	}
	collector.counts = func(ctx context.Context, _ bool) (int, error) {
		record(ctx)
		return 1, nil
	}

	collector.Collect(context.Background())

	want := []string{"/host/proc", "/host/proc", "/host/proc"}
	if !reflect.DeepEqual(seen, want) {
		t.Fatalf("expected proc root on every host read, got %q", seen)
	}
}

func TestHostProcContextEmptyRoot(t *testing.T) {
	ctx := context.Background()
	if got := HostProcContext(ctx, ""); got != ctx {
		t.Fatalf("expected context unchanged for empty root")
	}
}

func TestCollectorReportsGPUDisabledAfterDevices(t *testing.T) {
	collector, _, gpuSource, _ := newTestCollector(t)
	gpuSource.devices = []gpu.Stats{}
	gpuSource.available = false

	snapshot := collector.Collect(context.Background())
	if snapshot.GPUAvailable {
		t.Fatalf("expected gpu unavailable")
	}
	if snapshot.GPUs == nil || len(snapshot.GPUs) != 0 {
		t.Fatalf("expected empty gpu list, got %#v", snapshot.GPUs)
	}
}

func TestCollectorCloseShutsDownGPU(t *testing.T) {
	collector, _, gpuSource, _ := newTestCollector(t)
	collector.Close()
	if gpuSource.shutdowns != 1 {
		t.Fatalf("expected gpu shutdown, got %d", gpuSource.shutdowns)
	}
}

func TestNewRAMZeroTotal(t *testing.T) {
	ram := newRAM(0, 100)
	if ram.Percent != 0 {
		t.Fatalf("expected 0%% with zero total, got %f", ram.Percent)
	}
}

func TestNewCollectorRequiresSources(t *testing.T) {
	if _, err := NewCollector(nil, &fakeCPU{}, &fakeProcesses{}, nil); err == nil {
		t.Fatalf("expected error without gpu source")
	}
}
