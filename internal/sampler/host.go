package sampler

import (
	"context"
	"fmt"

	"github.com/shirou/gopsutil/v3/host"
)

// Host identifies the machine being sampled.
type Host struct {
	Hostname        string `json:"hostname"`
	OS              string `json:"os"`
	Platform        string `json:"platform"`
	PlatformVersion string `json:"platform_version"`
	KernelVersion   string `json:"kernel_version"`
	BootTime        uint64 `json:"boot_time"`
}

// HostInfo reads static host identification through gopsutil.
func HostInfo(ctx context.Context) (Host, error) {
	info, err := host.InfoWithContext(ctx)
	if err != nil {
		return Host{}, fmt.Errorf("host info: %w", err)
	}
	return Host{
		Hostname:        info.Hostname,
		OS:              info.OS,
		Platform:        info.Platform,
		PlatformVersion: info.PlatformVersion,
		KernelVersion:   info.KernelVersion,
		BootTime:        info.BootTime,
	}, nil
}
