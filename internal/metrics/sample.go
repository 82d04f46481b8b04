package metrics

import "time"

// Kind selects the aggregation semantics of a Sample on the receiving side.
type Kind string

const (
	// Gauge is a point-in-time value.
	Gauge Kind = "gauge"
	// Count is a cumulative value.
	Count Kind = "count"
)

// Sample is one named measurement produced by a poll.
type Sample struct {
	Name  string  `json:"name"`
	Kind  Kind    `json:"type"`
	Value float64 `json:"value"`
}

// Totals accumulates values across a group of process instances.
type Totals struct {
	Count            int     `json:"count"`
	Uptime           int64   `json:"uptime"`
	Restarts         int64   `json:"restarts"`
	CPU              float64 `json:"cpu"`
	Memory           uint64  `json:"memory"`
	IntervalRestarts int64   `json:"interval_restarts"`
}

func (t *Totals) add(uptime, restarts int64, cpu float64, memory uint64, intervalRestarts int64) {
	t.Count++
	t.Uptime += uptime
	t.Restarts += restarts
	t.CPU += cpu
	t.Memory += memory
	t.IntervalRestarts += intervalRestarts
}

// Batch is the result of aggregating a single snapshot.
type Batch struct {
	CollectedAt time.Time         `json:"ts"`
	Instances   int               `json:"instances"`
	Samples     []Sample          `json:"samples"`
	Names       []string          `json:"names"`
	ByName      map[string]Totals `json:"by_name"`
	Fleet       Totals            `json:"fleet"`
}
