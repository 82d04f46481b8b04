// Package metrics turns PM2 process snapshots into per-instance,
// per-name and fleet-wide metric samples.
package metrics

import (
	"strconv"
	"time"

	"github.com/skobkin/pm2-telemetry/internal/pm2"
)

// Field tags appended to every metric name.
const (
	FieldCount            = "count"
	FieldUptime           = "uptime"
	FieldRestarts         = "restarts"
	FieldCPU              = "cpu"
	FieldMemory           = "memory"
	FieldIntervalRestarts = "intervalRestarts"
)

const (
	instancePrefix = "Component/id/"
	processPrefix  = "Component/process/"
	// FleetPrefix names the rollup over every instance.
	FleetPrefix = "Component/rollup/all"
)

// InstancePrefix returns the metric name prefix for one process instance.
func InstancePrefix(id int, name string) string {
	return instancePrefix + strconv.Itoa(id) + "/" + name
}

// ProcessPrefix returns the metric name prefix for a per-name rollup.
func ProcessPrefix(name string) string {
	return processPrefix + name
}

// MetricName joins a prefix and a field tag.
func MetricName(prefix, field string) string {
	return prefix + "[" + field + "]"
}

// Uptime returns whole seconds elapsed since startedAt, never negative.
func Uptime(now, startedAt time.Time) int64 {
	if startedAt.IsZero() || startedAt.After(now) {
		return 0
	}
	return int64(now.Sub(startedAt) / time.Second)
}

// Aggregate builds the samples for one snapshot. The ledger is updated
// in place with the restart counters seen in this snapshot.
//
// Samples are emitted in insertion order: instances in snapshot order,
// then one rollup per name in first-seen order, then the fleet rollup.
func Aggregate(snapshot []pm2.Process, ledger *Ledger, now time.Time) Batch {
	batch := Batch{
		CollectedAt: now,
		Instances:   len(snapshot),
		Samples:     make([]Sample, 0, len(snapshot)*5+6),
		ByName:      make(map[string]Totals),
	}

	for _, proc := range snapshot {
		uptime := Uptime(now, proc.StartedAt)
		intervalRestarts := ledger.Delta(proc)

		prefix := InstancePrefix(proc.ID, proc.Name)
		batch.Samples = append(batch.Samples,
			Sample{Name: MetricName(prefix, FieldUptime), Kind: Gauge, Value: float64(uptime)},
			Sample{Name: MetricName(prefix, FieldRestarts), Kind: Count, Value: float64(proc.Restarts)},
			Sample{Name: MetricName(prefix, FieldCPU), Kind: Gauge, Value: proc.CPUPercent},
			Sample{Name: MetricName(prefix, FieldMemory), Kind: Gauge, Value: float64(proc.MemoryBytes)},
			Sample{Name: MetricName(prefix, FieldIntervalRestarts), Kind: Gauge, Value: float64(intervalRestarts)},
		)

		totals, seen := batch.ByName[proc.Name]
		if !seen {
			batch.Names = append(batch.Names, proc.Name)
		}
		totals.add(uptime, proc.Restarts, proc.CPUPercent, proc.MemoryBytes, intervalRestarts)
		batch.ByName[proc.Name] = totals

		batch.Fleet.add(uptime, proc.Restarts, proc.CPUPercent, proc.MemoryBytes, intervalRestarts)
	}

	for _, name := range batch.Names {
		totals := batch.ByName[name]
		prefix := ProcessPrefix(name)
		batch.Samples = append(batch.Samples,
			Sample{Name: MetricName(prefix, FieldCount), Kind: Gauge, Value: float64(totals.Count)},
		)
		batch.Samples = append(batch.Samples, rollupSamples(prefix, totals)...)
	}

	batch.Samples = append(batch.Samples, rollupSamples(FleetPrefix, batch.Fleet)...)

	return batch
}

func rollupSamples(prefix string, totals Totals) []Sample {
	return []Sample{
		{Name: MetricName(prefix, FieldUptime), Kind: Gauge, Value: float64(totals.Uptime)},
		{Name: MetricName(prefix, FieldRestarts), Kind: Count, Value: float64(totals.Restarts)},
		{Name: MetricName(prefix, FieldCPU), Kind: Gauge, Value: totals.CPU},
		{Name: MetricName(prefix, FieldMemory), Kind: Gauge, Value: float64(totals.Memory)},
		{Name: MetricName(prefix, FieldIntervalRestarts), Kind: Gauge, Value: float64(totals.IntervalRestarts)},
	}
}
