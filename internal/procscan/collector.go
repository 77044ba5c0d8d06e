package procscan

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/prometheus/procfs"
)

type cpuBaseline struct {
	startTime  uint64
	cpuSeconds float64
}

// Enumerator walks the process table once per Collect call. It remembers the
// CPU time seen for every PID on the previous pass so per-process CPU usage
// can be reported as a rate. It is not safe for concurrent use.
type Enumerator struct {
	fs      procfs.FS
	maxPIDs int
	logger  *slog.Logger
	now     func() time.Time

	prev     map[int]cpuBaseline
	lastPass time.Time
}

// NewEnumerator opens the procfs mount at procRoot.
func NewEnumerator(procRoot string, maxPIDs int, logger *slog.Logger) (*Enumerator, error) {
	if procRoot == "" {
		procRoot = procfs.DefaultMountPoint
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	procFS, err := procfs.NewFS(procRoot)
	if err != nil {
		return nil, fmt.Errorf("open proc root: %w", err)
	}

	return &Enumerator{
		fs:      procFS,
		maxPIDs: maxPIDs,
		logger:  logger,
		now:     time.Now,
		prev:    make(map[int]cpuBaseline),
	}, nil
}

// Collect lists live processes sorted by PID. Processes that vanish or
// cannot be read mid-pass are skipped.
func (e *Enumerator) Collect(lookup GPUMemoryLookup, totalRAM uint64) []Process {
	now := e.now()

	procs, err := e.fs.AllProcs()
	if err != nil {
		e.logger.Warn("failed to list processes", "err", err)
		return []Process{}
	}

	var elapsedSeconds float64
	if !e.lastPass.IsZero() {
		elapsedSeconds = now.Sub(e.lastPass).Seconds()
	}

	processes := make([]Process, 0, len(procs))
	next := make(map[int]cpuBaseline, len(procs))

	for _, proc := range procs {
		if e.maxPIDs > 0 && len(processes) >= e.maxPIDs {
			break
		}

		stat, err := proc.Stat()
		if err != nil {
			e.logSkipped(proc.PID, err)
			continue
		}
		if stat.State == "Z" || stat.State == "X" {
			continue
		}

		args, err := proc.CmdLine()
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			e.logger.Debug("failed to read cmdline", "pid", proc.PID, "err", err)
		}

		cpuSeconds := stat.CPUTime()
		next[proc.PID] = cpuBaseline{startTime: stat.Starttime, cpuSeconds: cpuSeconds}

		rss := uint64(0)
		if resident := stat.ResidentMemory(); resident > 0 {
			rss = uint64(resident)
		}

		p := Process{
			PID:           proc.PID,
			Name:          processName(stat.Comm, args),
			MemoryBytes:   rss,
			MemoryPercent: memoryPercent(rss, totalRAM),
			Command:       formatCmdline(args),
		}
		if lookup != nil {
			p.GPUMemoryBytes = lookup(proc.PID)
		}
		if base, ok := e.prev[proc.PID]; ok && base.startTime == stat.Starttime && elapsedSeconds > 0 {
			if delta := cpuSeconds - base.cpuSeconds; delta > 0 {
				p.CPUPercent = delta / elapsedSeconds * 100
			}
		}

		processes = append(processes, p)
	}

	e.prev = next
	e.lastPass = now

	sort.Slice(processes, func(i, j int) bool {
		return processes[i].PID < processes[j].PID
	})
	return processes
}

func (e *Enumerator) logSkipped(pid int, err error) {
	if errors.Is(err, fs.ErrNotExist) || errors.Is(err, fs.ErrPermission) {
		return
	}
	e.logger.Debug("skipping process", "pid", pid, "err", err)
}

// commLen is the longest name the kernel keeps in /proc/<pid>/stat.
const commLen = 15

// processName restores a truncated comm from the executable in argv[0].
func processName(comm string, args []string) string {
	if len(comm) != commLen || len(args) == 0 || args[0] == "" {
		return comm
	}
	if base := filepath.Base(args[0]); strings.HasPrefix(base, comm) {
		return base
	}
	return comm
}

func formatCmdline(args []string) string {
	out := make([]string, 0, len(args))
	for _, arg := range args {
		if arg != "" {
			out = append(out, arg)
		}
	}
	return strings.Join(out, " ")
}

func memoryPercent(rss, total uint64) float64 {
	if total == 0 {
		return 0
	}
	return float64(rss) / float64(total) * 100
}
