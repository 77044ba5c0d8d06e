package sampler

import (
	"time"

	"github.com/skobkin/hosttop-web/internal/gpu"
	"github.com/skobkin/hosttop-web/internal/procscan"
)

// Snapshot is everything observed during one sampling tick. Published
// snapshots are shared between consumers and must be treated as read-only.
type Snapshot struct {
	Seq          uint64             `json:"seq"`
	Timestamp    time.Time          `json:"ts"`
	RAM          RAM                `json:"ram"`
	CPU          CPU                `json:"cpu"`
	GPUs         []gpu.Stats        `json:"gpu"`
	Processes    []procscan.Process `json:"processes"`
	GPUAvailable bool               `json:"gpu_available"`
}

// RAM describes host memory usage.
type RAM struct {
	TotalBytes uint64  `json:"total"`
	UsedBytes  uint64  `json:"used"`
	Percent    float64 `json:"percent"`
}

// CPU describes host CPU utilization since the previous tick.
type CPU struct {
	TotalPercent  float64   `json:"total_percent"`
	PerCore       []float64 `json:"per_core_percent"`
	PhysicalCores int       `json:"physical_cores"`
	LogicalCores  int       `json:"logical_cores"`
}
