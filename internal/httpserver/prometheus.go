package httpserver

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/skobkin/pm2-telemetry/internal/metrics"
	"github.com/skobkin/pm2-telemetry/internal/poller"
)

const promNamespace = "pm2telemetry"

func (s *Server) registerPrometheus(mux *http.ServeMux) {
	registry := prometheus.NewRegistry()
	collectors := []prometheus.Collector{
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: promNamespace,
			Subsystem: "ws",
			Name:      "active_connections",
			Help:      "Current number of active WebSocket clients.",
		}, func() float64 {
			return float64(s.wsActive.Load())
		}),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: promNamespace,
			Subsystem: "ws",
			Name:      "connections_total",
			Help:      "Total WebSocket connections accepted since start.",
		}, func() float64 {
			return float64(s.wsTotal.Load())
		}),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: promNamespace,
			Subsystem: "ws",
			Name:      "rejected_total",
			Help:      "Total WebSocket connection attempts rejected due to capacity.",
		}, func() float64 {
			return float64(s.wsRejected.Load())
		}),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: promNamespace,
			Subsystem: "ws",
			Name:      "messages_sent_total",
			Help:      "Total WebSocket messages sent to clients.",
		}, func() float64 {
			return float64(s.wsSent.Load())
		}),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: promNamespace,
			Subsystem: "ws",
			Name:      "messages_dropped_total",
			Help:      "Total WebSocket messages dropped due to backpressure.",
		}, func() float64 {
			return float64(s.wsDropped.Load())
		}),
	}

	if s.poller != nil {
		collectors = append(collectors, newPollerCollector(s.poller))
	}
	if s.relay != nil {
		relay := s.relay
		collectors = append(collectors,
			prometheus.NewCounterFunc(prometheus.CounterOpts{
				Namespace: promNamespace,
				Subsystem: "logs",
				Name:      "forwarded_total",
				Help:      "Total log lines forwarded to the ingest API.",
			}, func() float64 {
				return float64(relay.Stats().Forwarded)
			}),
			prometheus.NewCounterFunc(prometheus.CounterOpts{
				Namespace: promNamespace,
				Subsystem: "logs",
				Name:      "filtered_total",
				Help:      "Total log lines dropped by the process filter.",
			}, func() float64 {
				return float64(relay.Stats().Filtered)
			}),
			prometheus.NewCounterFunc(prometheus.CounterOpts{
				Namespace: promNamespace,
				Subsystem: "logs",
				Name:      "failed_total",
				Help:      "Total log lines that could not be delivered.",
			}, func() float64 {
				return float64(relay.Stats().Failed)
			}),
			prometheus.NewCounterFunc(prometheus.CounterOpts{
				Namespace: promNamespace,
				Subsystem: "logs",
				Name:      "skipped_total",
				Help:      "Total log lines not sent because the exporter is disabled.",
			}, func() float64 {
				return float64(relay.Stats().Skipped)
			}),
			prometheus.NewCounterFunc(prometheus.CounterOpts{
				Namespace: promNamespace,
				Subsystem: "logs",
				Name:      "dropped_total",
				Help:      "Total log lines dropped because the delivery queue was full.",
			}, func() float64 {
				return float64(relay.Stats().Dropped)
			}),
		)
	}

	for _, collector := range collectors {
		registry.MustRegister(collector)
	}

	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
}

type pollerCollector struct {
	poller *poller.Manager

	cycles          *prometheus.Desc
	connectFailures *prometheus.Desc
	listFailures    *prometheus.Desc
	exportFailures  *prometheus.Desc
	exports         *prometheus.Desc
	lastStatus      *prometheus.Desc
	lastDuration    *prometheus.Desc
	polling         *prometheus.Desc
	batchAge        *prometheus.Desc
	instances       *prometheus.Desc

	rollups []rollupMetric
}

type rollupMetric struct {
	desc      *prometheus.Desc
	valueType prometheus.ValueType
	extract   func(t metrics.Totals) float64
}

func newPollerCollector(m *poller.Manager) *pollerCollector {
	desc := func(subsystem, name, help string, labels ...string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(promNamespace, subsystem, name), help, labels, nil)
	}

	c := &pollerCollector{
		poller:          m,
		cycles:          desc("poller", "cycles_total", "Poll cycles started since start."),
		connectFailures: desc("poller", "connect_failures_total", "Cycles aborted because PM2 was unreachable."),
		listFailures:    desc("poller", "list_failures_total", "Cycles aborted because the process list failed."),
		exportFailures:  desc("poller", "export_failures_total", "Batches the ingest API did not accept."),
		exports:         desc("poller", "exports_total", "Batches accepted by the ingest API."),
		lastStatus:      desc("poller", "last_export_status", "HTTP status of the most recent export, 0 when skipped."),
		lastDuration:    desc("poller", "last_cycle_duration_seconds", "Duration of the most recent cycle."),
		polling:         desc("poller", "polling", "1 while a cycle is in flight."),
		batchAge:        desc("poller", "batch_age_seconds", "Seconds since the latest batch was collected."),
		instances:       desc("fleet", "instances", "Process instances in the latest snapshot."),
	}

	rollup := func(name, help string, valueType prometheus.ValueType, extract func(t metrics.Totals) float64) rollupMetric {
		return rollupMetric{
			desc:      desc("process", name, help, "name"),
			valueType: valueType,
			extract:   extract,
		}
	}
	c.rollups = []rollupMetric{
		rollup("instances", "Instances sharing the process name.", prometheus.GaugeValue,
			func(t metrics.Totals) float64 { return float64(t.Count) }),
		rollup("uptime_seconds", "Summed uptime of the instances.", prometheus.GaugeValue,
			func(t metrics.Totals) float64 { return float64(t.Uptime) }),
		rollup("restarts", "Summed lifetime restart counters.", prometheus.GaugeValue,
			func(t metrics.Totals) float64 { return float64(t.Restarts) }),
		rollup("cpu_percent", "Summed CPU usage in percent.", prometheus.GaugeValue,
			func(t metrics.Totals) float64 { return t.CPU }),
		rollup("memory_bytes", "Summed resident memory in bytes.", prometheus.GaugeValue,
			func(t metrics.Totals) float64 { return float64(t.Memory) }),
		rollup("interval_restarts", "Restarts observed during the last interval.", prometheus.GaugeValue,
			func(t metrics.Totals) float64 { return float64(t.IntervalRestarts) }),
	}
	return c
}

func (c *pollerCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.cycles
	ch <- c.connectFailures
	ch <- c.listFailures
	ch <- c.exportFailures
	ch <- c.exports
	ch <- c.lastStatus
	ch <- c.lastDuration
	ch <- c.polling
	ch <- c.batchAge
	ch <- c.instances
	for _, metric := range c.rollups {
		ch <- metric.desc
	}
}

func (c *pollerCollector) Collect(ch chan<- prometheus.Metric) {
	stats := c.poller.Stats()
	ch <- prometheus.MustNewConstMetric(c.cycles, prometheus.CounterValue, float64(stats.Cycles))
	ch <- prometheus.MustNewConstMetric(c.connectFailures, prometheus.CounterValue, float64(stats.ConnectFailures))
	ch <- prometheus.MustNewConstMetric(c.listFailures, prometheus.CounterValue, float64(stats.ListFailures))
	ch <- prometheus.MustNewConstMetric(c.exportFailures, prometheus.CounterValue, float64(stats.ExportFailures))
	ch <- prometheus.MustNewConstMetric(c.exports, prometheus.CounterValue, float64(stats.Exports))
	ch <- prometheus.MustNewConstMetric(c.lastStatus, prometheus.GaugeValue, float64(stats.LastStatus))
	ch <- prometheus.MustNewConstMetric(c.lastDuration, prometheus.GaugeValue, stats.LastDuration.Seconds())

	polling := 0.0
	if c.poller.State() == poller.StatePolling {
		polling = 1
	}
	ch <- prometheus.MustNewConstMetric(c.polling, prometheus.GaugeValue, polling)

	batch, ok := c.poller.Latest()
	if !ok {
		return
	}
	age := time.Since(batch.CollectedAt).Seconds()
	if age < 0 {
		age = 0
	}
	ch <- prometheus.MustNewConstMetric(c.batchAge, prometheus.GaugeValue, age)
	ch <- prometheus.MustNewConstMetric(c.instances, prometheus.GaugeValue, float64(batch.Instances))

	for _, name := range batch.Names {
		totals := batch.ByName[name]
		for _, metric := range c.rollups {
			ch <- prometheus.MustNewConstMetric(metric.desc, metric.valueType, metric.extract(totals), name)
		}
	}
}
