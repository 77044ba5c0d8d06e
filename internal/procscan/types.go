package procscan

// Process is one row of the process table.
type Process struct {
	PID            int     `json:"pid"`
	Name           string  `json:"name"`
	CPUPercent     float64 `json:"cpu_percent"`
	MemoryBytes    uint64  `json:"memory_bytes"`
	MemoryPercent  float64 `json:"memory_percent"`
	GPUMemoryBytes uint64  `json:"gpu_memory_bytes"`
	Command        string  `json:"command"`
}

// GPUMemoryLookup returns GPU memory attributed to a PID, 0 when unknown.
type GPUMemoryLookup func(pid int) uint64
