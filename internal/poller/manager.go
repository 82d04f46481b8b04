// Package poller drives the connect, list, aggregate and export cycle
// against PM2 on a self-correcting interval.
package poller

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/skobkin/pm2-telemetry/internal/clock"
	"github.com/skobkin/pm2-telemetry/internal/metrics"
	"github.com/skobkin/pm2-telemetry/internal/newrelic"
	"github.com/skobkin/pm2-telemetry/internal/pm2"
)

// Exporter accepts one metric batch per cycle.
type Exporter interface {
	SendMetricBatch(ctx context.Context, samples []metrics.Sample, attrs newrelic.Attributes, timestampSeconds int64, intervalMillis int64) (int, error)
}

// State is the scheduler state.
type State int32

const (
	StateIdle State = iota
	StatePolling
)

func (s State) String() string {
	if s == StatePolling {
		return "polling"
	}
	return "idle"
}

// Options tune a Manager.
type Options struct {
	Interval     time.Duration
	StageTimeout time.Duration
	LedgerKey    metrics.LedgerKey
	Attributes   newrelic.Attributes
	Clock        clock.Clock
	// OnSnapshot receives every successfully listed process table.
	OnSnapshot func([]pm2.Process)
}

// Stats are cumulative counters since start.
type Stats struct {
	Cycles          uint64        `json:"cycles"`
	ConnectFailures uint64        `json:"connect_failures"`
	ListFailures    uint64        `json:"list_failures"`
	ExportFailures  uint64        `json:"export_failures"`
	Exports         uint64        `json:"exports"`
	LastStatus      int           `json:"last_status"`
	LastDuration    time.Duration `json:"last_duration_ns"`
	State           string        `json:"state"`
}

// Manager owns the restart ledger and runs one poll cycle at a time.
type Manager struct {
	source   pm2.Source
	exporter Exporter
	interval time.Duration
	timeout  time.Duration
	attrs    newrelic.Attributes
	clock    clock.Clock
	onSnap   func([]pm2.Process)
	logger   *slog.Logger

	// ledger is only touched from the goroutine executing a cycle.
	ledger *metrics.Ledger

	state           atomic.Int32
	cycles          atomic.Uint64
	connectFailures atomic.Uint64
	listFailures    atomic.Uint64
	exportFailures  atomic.Uint64
	exports         atomic.Uint64
	lastStatus      atomic.Int64
	lastDuration    atomic.Int64

	cycleMu     sync.Mutex
	mu          sync.RWMutex
	latest      *metrics.Batch
	subscribers map[*subscriber]struct{}
	closeOnce   sync.Once
}

// NewManager builds a Manager.
func NewManager(source pm2.Source, exporter Exporter, opts Options, logger *slog.Logger) (*Manager, error) {
	if source == nil {
		return nil, fmt.Errorf("source is required")
	}
	if exporter == nil {
		return nil, fmt.Errorf("exporter is required")
	}
	if opts.Interval <= 0 {
		return nil, fmt.Errorf("interval must be > 0")
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Manager{
		source:      source,
		exporter:    exporter,
		interval:    opts.Interval,
		timeout:     opts.StageTimeout,
		attrs:       opts.Attributes,
		clock:       opts.Clock,
		onSnap:      opts.OnSnapshot,
		logger:      logger.With("component", "poller"),
		ledger:      metrics.NewLedger(opts.LedgerKey),
		subscribers: make(map[*subscriber]struct{}),
	}, nil
}

// NextWait is the delay before the next cycle given how long the last one took.
func NextWait(interval, elapsed time.Duration) time.Duration {
	wait := interval - elapsed
	if wait < 0 {
		return 0
	}
	return wait
}

// Run polls immediately and then keeps polling until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) error {
	m.logger.Info("poller started", "interval", m.interval, "ledger_key", m.ledger.Mode())

	for {
		start := m.clock.Now()
		_, _ = m.RunOnce(ctx)
		if ctx.Err() != nil {
			m.logger.Info("poller stopping", "reason", ctx.Err())
			m.Close()
			return nil
		}

		wait := NextWait(m.interval, m.clock.Now().Sub(start))
		m.logger.Debug("next cycle armed", "wait", wait)

		select {
		case <-ctx.Done():
			m.logger.Info("poller stopping", "reason", ctx.Err())
			m.Close()
			return nil
		case <-m.clock.After(wait):
		}
	}
}

// RunOnce executes a single cycle and returns the aggregated batch. The
// error is the first stage failure; failures are also logged.
func (m *Manager) RunOnce(ctx context.Context) (metrics.Batch, error) {
	m.cycleMu.Lock()
	defer m.cycleMu.Unlock()

	m.state.Store(int32(StatePolling))
	defer m.state.Store(int32(StateIdle))

	start := m.clock.Now()
	batch, err := m.poll(ctx, start)

	m.cycles.Add(1)
	m.lastDuration.Store(int64(m.clock.Now().Sub(start)))
	return batch, err
}

func (m *Manager) poll(ctx context.Context, start time.Time) (metrics.Batch, error) {
	connectCtx, cancel := m.stageContext(ctx)
	conn, err := m.source.Connect(connectCtx)
	cancel()
	if err != nil {
		m.connectFailures.Add(1)
		m.logger.Error("pm2 connect failed", "err", err)
		return metrics.Batch{}, err
	}
	defer func() {
		if err := conn.Close(); err != nil {
			m.logger.Warn("pm2 disconnect failed", "err", err)
		}
	}()

	listCtx, cancel := m.stageContext(ctx)
	procs, err := conn.List(listCtx)
	cancel()
	if err != nil {
		m.listFailures.Add(1)
		m.logger.Error("pm2 list failed", "err", err)
		return metrics.Batch{}, err
	}

	if m.onSnap != nil {
		m.onSnap(procs)
	}

	batch := metrics.Aggregate(procs, m.ledger, m.clock.Now())
	m.publish(batch)

	exportCtx, cancel := m.stageContext(ctx)
	status, err := m.exporter.SendMetricBatch(exportCtx, batch.Samples, m.attrs, start.Unix(), m.interval.Milliseconds())
	cancel()
	m.lastStatus.Store(int64(status))
	if err != nil {
		m.exportFailures.Add(1)
		m.logger.Error("metric export failed", "status", status, "samples", len(batch.Samples), "err", err)
		return batch, err
	}

	if status == 0 {
		m.logger.Debug("metric export skipped", "reason", "no license key", "samples", len(batch.Samples))
		return batch, nil
	}

	m.exports.Add(1)
	m.logger.Info("metrics exported",
		"status", status,
		"processes", batch.Instances,
		"samples", len(batch.Samples),
		"memory", humanize.IBytes(batch.Fleet.Memory),
		"interval_restarts", batch.Fleet.IntervalRestarts,
	)
	return batch, nil
}

func (m *Manager) stageContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if m.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, m.timeout)
}

// Interval returns the nominal poll interval.
func (m *Manager) Interval() time.Duration {
	return m.interval
}

// State reports whether a cycle is currently in flight.
func (m *Manager) State() State {
	return State(m.state.Load())
}

// Stats returns a snapshot of the cycle counters.
func (m *Manager) Stats() Stats {
	return Stats{
		Cycles:          m.cycles.Load(),
		ConnectFailures: m.connectFailures.Load(),
		ListFailures:    m.listFailures.Load(),
		ExportFailures:  m.exportFailures.Load(),
		Exports:         m.exports.Load(),
		LastStatus:      int(m.lastStatus.Load()),
		LastDuration:    time.Duration(m.lastDuration.Load()),
		State:           m.State().String(),
	}
}

// Latest returns the most recently aggregated batch.
func (m *Manager) Latest() (metrics.Batch, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.latest == nil {
		return metrics.Batch{}, false
	}
	return *m.latest, true
}

// Ready reports whether at least one batch has been aggregated.
func (m *Manager) Ready() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.latest != nil
}

// Subscribe registers a listener for new batches. The most recent batch,
// if any, is delivered right away.
func (m *Manager) Subscribe() (<-chan metrics.Batch, func()) {
	sub := newSubscriber()

	m.mu.Lock()
	m.subscribers[sub] = struct{}{}
	if m.latest != nil {
		sub.send(*m.latest)
	}
	m.mu.Unlock()

	return sub.channel(), func() { m.removeSubscriber(sub) }
}

func (m *Manager) publish(batch metrics.Batch) {
	m.mu.Lock()
	m.latest = &batch
	targets := make([]*subscriber, 0, len(m.subscribers))
	for sub := range m.subscribers {
		targets = append(targets, sub)
	}
	m.mu.Unlock()

	for _, sub := range targets {
		sub.send(batch)
	}
}

func (m *Manager) removeSubscriber(sub *subscriber) {
	m.mu.Lock()
	delete(m.subscribers, sub)
	m.mu.Unlock()
	sub.close()
}

// Close detaches all subscribers. Safe for repeated use.
func (m *Manager) Close() {
	m.closeOnce.Do(func() {
		m.mu.Lock()
		subs := m.subscribers
		m.subscribers = make(map[*subscriber]struct{})
		m.mu.Unlock()
		for sub := range subs {
			sub.close()
		}
	})
}

type subscriber struct {
	ch     chan metrics.Batch
	mu     sync.Mutex
	closed bool
}

func newSubscriber() *subscriber {
	return &subscriber{ch: make(chan metrics.Batch, 1)}
}

func (s *subscriber) channel() <-chan metrics.Batch {
	return s.ch
}

func (s *subscriber) send(batch metrics.Batch) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- batch:
	default:
		// Drop oldest to make room for the new batch.
		select {
		case <-s.ch:
		default:
		}
		select {
		case s.ch <- batch:
		default:
		}
	}
}

func (s *subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	close(s.ch)
	s.closed = true
}
