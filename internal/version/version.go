// Package version tracks build metadata for the application.
package version

import (
	"runtime"
	"runtime/debug"
	"sync"
)

// Info describes build metadata for the application.
type Info struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"build_time"`
	GoVersion string `json:"go_version"`
}

var (
	info      = withDefaults(Info{}, readBuildInfo)
	infoMutex sync.RWMutex
)

// Set updates the version metadata exposed by the application. Empty fields
// fall back to what the Go toolchain embedded in the binary.
func Set(v Info) {
	v = withDefaults(v, readBuildInfo)

	infoMutex.Lock()
	defer infoMutex.Unlock()
	info = v
}

// Current returns the currently configured build metadata.
func Current() Info {
	infoMutex.RLock()
	defer infoMutex.RUnlock()
	return info
}

func withDefaults(v Info, buildInfo func() (*debug.BuildInfo, bool)) Info {
	if v.GoVersion == "" {
		v.GoVersion = runtime.Version()
	}
	if v.Commit == "" || v.BuildTime == "" {
		if bi, ok := buildInfo(); ok && bi != nil {
			for _, setting := range bi.Settings {
				switch setting.Key {
				case "vcs.revision":
					if v.Commit == "" {
						v.Commit = setting.Value
					}
				case "vcs.time":
					if v.BuildTime == "" {
						v.BuildTime = setting.Value
					}
				}
			}
		}
	}
	if v.Version == "" {
		v.Version = "dev"
	}
	return v
}

func readBuildInfo() (*debug.BuildInfo, bool) {
	return debug.ReadBuildInfo()
}
