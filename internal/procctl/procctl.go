// Package procctl sends termination requests to host processes.
package procctl

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"syscall"

	"github.com/shirou/gopsutil/v3/process"
)

var (
	// ErrInvalidPID is returned for PIDs that must never be signalled.
	ErrInvalidPID = errors.New("invalid pid")
	// ErrNotFound is returned when the process no longer exists.
	ErrNotFound = errors.New("process not found")
	// ErrPermission is returned when the caller may not signal the process.
	ErrPermission = errors.New("permission denied")
)

// Controller terminates processes on request. The sampling loop is not
// notified; the next snapshot reflects the outcome.
type Controller struct {
	logger *slog.Logger
	self   int
	signal func(ctx context.Context, pid int32) error
}

// New builds a Controller that sends SIGTERM through gopsutil.
func New(logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Controller{
		logger: logger,
		self:   os.Getpid(),
		signal: terminate,
	}
}

// Terminate asks pid to exit.
func (c *Controller) Terminate(ctx context.Context, pid int) error {
	if pid <= 1 || pid == c.self {
		return fmt.Errorf("%w: %d", ErrInvalidPID, pid)
	}

	if err := c.signal(ctx, int32(pid)); err != nil {
		err = classify(err)
		c.logger.Warn("failed to terminate process", "pid", pid, "err", err)
		return err
	}

	c.logger.Info("sent terminate signal", "pid", pid)
	return nil
}

func terminate(ctx context.Context, pid int32) error {
	proc, err := process.NewProcessWithContext(ctx, pid)
	if err != nil {
		return err
	}
	return proc.TerminateWithContext(ctx)
}

func classify(err error) error {
	switch {
	case errors.Is(err, process.ErrorProcessNotRunning), errors.Is(err, syscall.ESRCH):
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	case errors.Is(err, syscall.EPERM), errors.Is(err, os.ErrPermission):
		return fmt.Errorf("%w: %v", ErrPermission, err)
	default:
		return fmt.Errorf("terminate: %w", err)
	}
}
