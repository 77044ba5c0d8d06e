package main

import (
	"cmp"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/skobkin/hosttop-web/internal/app"
	"github.com/skobkin/hosttop-web/internal/config"
	"github.com/skobkin/hosttop-web/internal/sampler"
)

type options struct {
	procRoot   string
	interval   time.Duration
	gpu        bool
	top        int
	jsonOutput bool
}

func parseFlags() options {
	var opts options
	flag.StringVar(&opts.procRoot, "proc", envOrDefault("APP_PROC_ROOT", "/proc"), "Path to procfs root")
	flag.DurationVar(&opts.interval, "interval", time.Second, "Delay between the baseline and the reported sample")
	flag.BoolVar(&opts.gpu, "gpu", true, "Query NVIDIA GPUs through NVML")
	flag.IntVar(&opts.top, "top", 10, "Number of processes to print, sorted by CPU")
	flag.BoolVar(&opts.jsonOutput, "json", false, "Emit the full snapshot as JSON")
	flag.Parse()
	return opts
}

func main() {
	opts := parseFlags()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	cfg := config.Config{
		SampleInterval: opts.interval,
		ProcRoot:       opts.procRoot,
		Proc:           config.ProcConfig{MaxPIDs: 65536},
		GPU:            config.GPUConfig{Enable: opts.gpu},
	}

	engine, err := app.NewEngine(logger, cfg)
	if err != nil {
		logger.Error("engine init failed", "err", err)
		os.Exit(1)
	}
	defer engine.Collector.Close()

	ctx := context.Background()

	// CPU percentages are deltas, so the first pass only records a baseline.
	engine.Collector.Collect(ctx)
	time.Sleep(opts.interval)
	snapshot := engine.Collector.Collect(ctx)

	if opts.jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(snapshot); err != nil {
			logger.Error("encode snapshot", "err", err)
			os.Exit(1)
		}
		return
	}

	printSnapshot(snapshot, opts.top)
}

func printSnapshot(snapshot sampler.Snapshot, top int) {
	fmt.Printf("Snapshot #%d at %s\n", snapshot.Seq, snapshot.Timestamp.Format(time.RFC3339))
	fmt.Println(strings.Repeat("-", 60))

	fmt.Printf("CPU: %.1f%% (%d physical, %d logical)\n", snapshot.CPU.TotalPercent, snapshot.CPU.PhysicalCores, snapshot.CPU.LogicalCores)
	for core, value := range snapshot.CPU.PerCore {
		fmt.Printf("  cpu%-3d %5.1f%%\n", core, value)
	}
	fmt.Printf("RAM: %s / %s (%.1f%%)\n", formatBytes(snapshot.RAM.UsedBytes), formatBytes(snapshot.RAM.TotalBytes), snapshot.RAM.Percent)

	if !snapshot.GPUAvailable {
		fmt.Println("GPU: unavailable")
	}
	for _, stats := range snapshot.GPUs {
		fmt.Printf("GPU %d: %s (%s) util %.0f%%, memory %s / %s\n",
			stats.Index, stats.Name, stats.UUID, stats.UtilizationPercent,
			formatBytes(stats.UsedMemoryBytes), formatBytes(stats.TotalMemoryBytes))
	}

	procs := rows(snapshot)
	slices.SortStableFunc(procs, func(a, b processRow) int { return cmp.Compare(b.cpu, a.cpu) })
	if top > 0 && len(procs) > top {
		procs = procs[:top]
	}

	fmt.Println()
	fmt.Printf("%-8s %-20s %7s %10s %10s\n", "PID", "NAME", "CPU%", "RSS", "GPU")
	for _, row := range procs {
		fmt.Printf("%-8d %-20s %7.1f %10s %10s\n", row.pid, truncate(row.name, 20), row.cpu, formatBytes(row.rss), formatBytes(row.gpu))
	}
	fmt.Printf("\n%d processes total\n", len(snapshot.Processes))
}

type processRow struct {
	pid  int
	name string
	cpu  float64
	rss  uint64
	gpu  uint64
}

func rows(snapshot sampler.Snapshot) []processRow {
	out := make([]processRow, 0, len(snapshot.Processes))
	for _, proc := range snapshot.Processes {
		out = append(out, processRow{
			pid:  proc.PID,
			name: proc.Name,
			cpu:  proc.CPUPercent,
			rss:  proc.MemoryBytes,
			gpu:  proc.GPUMemoryBytes,
		})
	}
	return out
}

func truncate(value string, width int) string {
	if len(value) <= width {
		return value
	}
	return value[:width-1] + "~"
}

func formatBytes(value uint64) string {
	const unit = 1024
	if value < unit {
		return fmt.Sprintf("%dB", value)
	}
	div, exp := uint64(unit), 0
	for n := value / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f%ciB", float64(value)/float64(div), "KMGTPE"[exp])
}

func envOrDefault(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
