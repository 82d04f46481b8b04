// Package version tracks build metadata reported with every export.
package version

import (
	"sync"
)

// Name is the product name used in user agents and attributes.
const Name = "pm2-telemetry"

// Info describes build metadata for the application.
type Info struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"build_time"`
}

// String renders the version with the short commit when known.
func (i Info) String() string {
	if i.Commit == "" {
		return i.Version
	}
	commit := i.Commit
	if len(commit) > 7 {
		commit = commit[:7]
	}
	return i.Version + " (" + commit + ")"
}

var (
	info      = Info{Version: "dev"}
	infoMutex sync.RWMutex
)

// Set updates the version metadata exposed by the application.
func Set(v Info) {
	infoMutex.Lock()
	defer infoMutex.Unlock()

	if v.Version == "" {
		v.Version = "dev"
	}
	info = v
}

// Current returns the currently configured build metadata.
func Current() Info {
	infoMutex.RLock()
	defer infoMutex.RUnlock()
	return info
}

// UserAgent identifies outgoing ingest requests.
func UserAgent() string {
	return Name + "/" + Current().Version
}
