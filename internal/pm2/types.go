package pm2

import "time"

// Process is a single PM2-managed process instance as seen at list time.
type Process struct {
	ID          int       `json:"id"`
	Name        string    `json:"name"`
	Namespace   string    `json:"namespace,omitempty"`
	Status      string    `json:"status"`
	StartedAt   time.Time `json:"started_at"`
	Restarts    int64     `json:"restarts"`
	CPUPercent  float64   `json:"cpu_percent"`
	MemoryBytes uint64    `json:"memory_bytes"`
}

// LogEvent is one line emitted by a managed process on stdout or stderr.
type LogEvent struct {
	ProcessID   int       `json:"process_id"`
	ProcessName string    `json:"app_name"`
	Type        string    `json:"type"`
	Message     string    `json:"message"`
	At          time.Time `json:"timestamp"`
}

// Log stream types reported by PM2.
const (
	LogTypeOut = "out"
	LogTypeErr = "err"
)
