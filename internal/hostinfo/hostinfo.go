// Package hostinfo resolves the host attributes attached to exported batches.
package hostinfo

import (
	"context"
	"os"
	"runtime"

	"github.com/shirou/gopsutil/v4/host"
)

// Info identifies the host and the exporting process.
type Info struct {
	Hostname string `json:"hostname"`
	OSName   string `json:"os_name"`
	Platform string `json:"platform,omitempty"`
	PID      int    `json:"pid"`
}

// Detect gathers host attributes, falling back to the os and runtime
// packages for anything gopsutil cannot provide.
func Detect(ctx context.Context) Info {
	info := Info{PID: os.Getpid()}

	if stat, err := host.InfoWithContext(ctx); err == nil && stat != nil {
		info.Hostname = stat.Hostname
		info.OSName = stat.OS
		if stat.Platform != "" {
			info.Platform = stat.Platform
			if stat.PlatformVersion != "" {
				info.Platform += " " + stat.PlatformVersion
			}
		}
	}

	if info.Hostname == "" {
		if name, err := os.Hostname(); err == nil {
			info.Hostname = name
		}
	}
	if info.OSName == "" {
		info.OSName = runtime.GOOS
	}
	return info
}
