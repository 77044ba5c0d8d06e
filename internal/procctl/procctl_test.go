package procctl

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"syscall"
	"testing"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

func TestTerminateRejectsProtectedPIDs(t *testing.T) {
	ctrl := New(nil)
	signalled := false
	ctrl.signal = func(context.Context, int32) error {
		signalled = true
		return nil
	}

	for _, pid := range []int{-4, 0, 1, os.Getpid()} {
		if err := ctrl.Terminate(context.Background(), pid); !errors.Is(err, ErrInvalidPID) {
			t.Fatalf("pid %d: expected ErrInvalidPID, got %v", pid, err)
		}
	}
	if signalled {
		t.Fatalf("protected pids must not be signalled")
	}
}

func TestTerminateClassifiesErrors(t *testing.T) {
	testCases := []struct {
		name string
		err  error
		want error
	}{
		{"not running", process.ErrorProcessNotRunning, ErrNotFound},
		{"esrch", syscall.ESRCH, ErrNotFound},
		{"eperm", syscall.EPERM, ErrPermission},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			ctrl := New(nil)
			ctrl.signal = func(context.Context, int32) error { return tc.err }

			err := ctrl.Terminate(context.Background(), 4242)
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}

	ctrl := New(nil)
	other := errors.New("boom")
	ctrl.signal = func(context.Context, int32) error { return other }
	err := ctrl.Terminate(context.Background(), 4242)
	if !errors.Is(err, other) || errors.Is(err, ErrNotFound) || errors.Is(err, ErrPermission) {
		t.Fatalf("expected wrapped generic error, got %v", err)
	}
}

func TestTerminateMissingProcess(t *testing.T) {
	// Above the kernel's pid_max ceiling, so never allocated.
	const pid = 1 << 23

	err := New(nil).Terminate(context.Background(), pid)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestTerminateChildProcess(t *testing.T) {
	cmd := exec.Command("sleep", "30")
	if err := cmd.Start(); err != nil {
		t.Skipf("cannot start sleep: %v", err)
	}
	t.Cleanup(func() { _ = cmd.Process.Kill() })

	if err := New(nil).Terminate(context.Background(), cmd.Process.Pid); err != nil {
		t.Fatalf("Terminate: %v", err)
	}

	waitErr := make(chan error, 1)
	go func() { waitErr <- cmd.Wait() }()

	select {
	case err := <-waitErr:
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			t.Fatalf("expected exit error, got %v", err)
		}
		status, ok := exitErr.Sys().(syscall.WaitStatus)
		if !ok || !status.Signaled() || status.Signal() != syscall.SIGTERM {
			t.Fatalf("expected SIGTERM exit, got %v", exitErr)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("child did not exit after terminate")
	}
}
