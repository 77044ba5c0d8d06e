// Package cpustat turns cumulative per-core CPU time counters into
// utilization percentages.
package cpustat

import (
	"fmt"
	"io"
	"log/slog"
	"slices"

	"github.com/prometheus/procfs"
)

// Times holds cumulative CPU time of one core, in seconds.
type Times struct {
	CPU    int64
	User   float64
	System float64
	Idle   float64
}

// Source returns cumulative counters for every online core, ordered by CPU id.
type Source func() ([]Times, error)

// Usage is the utilization observed between two consecutive samples.
type Usage struct {
	TotalPercent float64   `json:"total_percent"`
	PerCore      []float64 `json:"per_core_percent"`
}

// Tracker keeps the previous counter sample and derives utilization from the
// delta to the current one. It is not safe for concurrent use.
type Tracker struct {
	source   Source
	logger   *slog.Logger
	baseline []Times
}

// NewTracker creates a tracker without a baseline: the first Sample reports 0%.
func NewTracker(source Source, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Tracker{
		source: source,
		logger: logger,
	}
}

// Sample reads the current counters, computes utilization against the
// previous sample and replaces the baseline.
func (t *Tracker) Sample() Usage {
	current, err := t.source()
	if err != nil {
		t.logger.Warn("failed to read cpu times", "err", err)
		return Usage{PerCore: make([]float64, len(t.baseline))}
	}

	usage := computeUsage(t.baseline, current)
	t.baseline = current
	return usage
}

// computeUsage aggregates the total from summed deltas rather than averaging
// per-core percentages. Cores are matched by CPU id. Cores without a baseline
// report 0, and cores whose counters went backwards are left out of the total.
func computeUsage(prev, current []Times) Usage {
	perCore := make([]float64, len(current))

	baseline := make(map[int64]Times, len(prev))
	for _, last := range prev {
		baseline[last.CPU] = last
	}

	var busyTotal, allTotal float64
	for i, cur := range current {
		last, ok := baseline[cur.CPU]
		if !ok {
			continue
		}

		deltaBusy := (cur.User - last.User) + (cur.System - last.System)
		deltaIdle := cur.Idle - last.Idle

		perCore[i] = percent(deltaBusy, deltaBusy+deltaIdle)

		if deltaBusy < 0 || deltaIdle < 0 {
			continue
		}
		busyTotal += deltaBusy
		allTotal += deltaBusy + deltaIdle
	}

	return Usage{
		TotalPercent: percent(busyTotal, allTotal),
		PerCore:      perCore,
	}
}

func percent(busy, total float64) float64 {
	if !(total > 0) {
		return 0
	}
	value := busy / total * 100
	switch {
	case !(value > 0):
		return 0
	case value > 100:
		return 100
	default:
		return value
	}
}

// ProcStatSource reads per-core counters from <procfs>/stat.
func ProcStatSource(fs procfs.FS) Source {
	return func() ([]Times, error) {
		stat, err := fs.Stat()
		if err != nil {
			return nil, fmt.Errorf("read cpu stat: %w", err)
		}

		ids := make([]int64, 0, len(stat.CPU))
		for id := range stat.CPU {
			ids = append(ids, id)
		}
		slices.Sort(ids)

		times := make([]Times, 0, len(ids))
		for _, id := range ids {
			cpu := stat.CPU[id]
			times = append(times, Times{
				CPU:    id,
				User:   cpu.User,
				System: cpu.System,
				Idle:   cpu.Idle,
			})
		}
		return times, nil
	}
}
