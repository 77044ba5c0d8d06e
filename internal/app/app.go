// Package app wires up and runs the application services.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/procfs"

	"github.com/skobkin/hosttop-web/internal/config"
	"github.com/skobkin/hosttop-web/internal/cpustat"
	"github.com/skobkin/hosttop-web/internal/gpu"
	"github.com/skobkin/hosttop-web/internal/httpserver"
	"github.com/skobkin/hosttop-web/internal/procctl"
	"github.com/skobkin/hosttop-web/internal/procscan"
	"github.com/skobkin/hosttop-web/internal/sampler"
)

const (
	shutdownTimeout = 10 * time.Second
	hostInfoTimeout = 2 * time.Second
)

// Engine bundles the sampling pipeline: sources, scheduler and hub.
type Engine struct {
	Scheduler *sampler.Scheduler
	Hub       *sampler.Hub
	Collector *sampler.Collector
}

// NewEngine builds the sampling pipeline from configuration. NVML is only
// loaded when GPU monitoring is enabled.
func NewEngine(baseLogger *slog.Logger, cfg config.Config) (*Engine, error) {
	gpuAccessor := gpu.NewAccessor(nil, baseLogger.With("component", "gpu"))
	if cfg.GPU.Enable {
		gpuAccessor.Init()
	} else {
		baseLogger.Info("gpu monitoring disabled by configuration")
	}

	fs, err := procfs.NewFS(cfg.ProcRoot)
	if err != nil {
		gpuAccessor.Shutdown()
		return nil, fmt.Errorf("open proc root: %w", err)
	}
	tracker := cpustat.NewTracker(cpustat.ProcStatSource(fs), baseLogger.With("component", "cpustat"))

	enumerator, err := procscan.NewEnumerator(cfg.ProcRoot, cfg.Proc.MaxPIDs, baseLogger.With("component", "procscan"))
	if err != nil {
		gpuAccessor.Shutdown()
		return nil, fmt.Errorf("init process enumerator: %w", err)
	}

	collector, err := sampler.NewCollector(gpuAccessor, tracker, enumerator, baseLogger.With("component", "collector"))
	if err != nil {
		gpuAccessor.Shutdown()
		return nil, fmt.Errorf("init collector: %w", err)
	}
	collector.SetProcRoot(cfg.ProcRoot)

	hub := sampler.NewHub(baseLogger.With("component", "hub"))
	scheduler, err := sampler.NewScheduler(cfg.SampleInterval, collector, hub, baseLogger.With("component", "sampler"))
	if err != nil {
		collector.Close()
		return nil, fmt.Errorf("init scheduler: %w", err)
	}

	return &Engine{Scheduler: scheduler, Hub: hub, Collector: collector}, nil
}

// Run bootstraps the application lifecycle.
func Run(ctx context.Context, baseLogger *slog.Logger, cfg config.Config) error {
	appLogger := baseLogger.With("component", "app")

	engine, err := NewEngine(baseLogger, cfg)
	if err != nil {
		return err
	}
	defer engine.Hub.Close()

	host := lookupHost(sampler.HostProcContext(ctx, cfg.ProcRoot), appLogger)

	var terminator httpserver.ProcessTerminator
	if cfg.AllowKill {
		terminator = procctl.New(baseLogger.With("component", "procctl"))
		appLogger.Warn("process termination enabled")
	}

	samplerCtx, samplerCancel := context.WithCancel(ctx)
	defer samplerCancel()

	samplerErrCh := make(chan error, 1)
	go func() {
		samplerErrCh <- engine.Scheduler.Run(samplerCtx)
	}()

	srv := httpserver.New(cfg, baseLogger.With("component", "http"), engine.Hub, terminator, host)

	appLogger.Info("starting HTTP server", "listen_addr", cfg.ListenAddr)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	stopSampler := func() error {
		samplerCancel()
		if samplerErrCh == nil {
			return nil
		}
		if err := <-samplerErrCh; err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	}

	for {
		select {
		case err := <-errCh:
			if samplerErr := stopSampler(); err == nil {
				err = samplerErr
			}
			return err
		case err := <-samplerErrCh:
			samplerErrCh = nil
			if err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
		case <-ctx.Done():
			appLogger.Info("shutdown initiated", "reason", ctx.Err())

			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()

			if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("http shutdown: %w", err)
			}

			if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}

			if err := stopSampler(); err != nil {
				return err
			}

			appLogger.Info("shutdown complete")
			return nil
		}
	}
}

func lookupHost(ctx context.Context, logger *slog.Logger) *sampler.Host {
	ctx, cancel := context.WithTimeout(ctx, hostInfoTimeout)
	defer cancel()

	host, err := sampler.HostInfo(ctx)
	if err != nil {
		logger.Warn("host info unavailable", "err", err)
		return nil
	}
	logger.Info("sampling host", "hostname", host.Hostname, "platform", host.Platform, "kernel", host.KernelVersion)
	return &host
}
