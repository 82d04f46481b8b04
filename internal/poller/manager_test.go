package poller

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skobkin/pm2-telemetry/internal/clock"
	"github.com/skobkin/pm2-telemetry/internal/metrics"
	"github.com/skobkin/pm2-telemetry/internal/newrelic"
	"github.com/skobkin/pm2-telemetry/internal/pm2"
)

var epoch = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeSource struct {
	clk        *clock.FakeClock
	mu         sync.Mutex
	connects   []time.Time
	procs      []pm2.Process
	connectErr error
	listErr    error
	cost       time.Duration
	closed     int
}

func (s *fakeSource) Connect(ctx context.Context) (pm2.Conn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.clk != nil {
		s.connects = append(s.connects, s.clk.Now())
		if s.cost > 0 {
			s.clk.Advance(s.cost)
		}
	}
	if s.connectErr != nil {
		return nil, s.connectErr
	}
	return &fakeConn{source: s}, nil
}

func (s *fakeSource) connectTimes() []time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Time(nil), s.connects...)
}

type fakeConn struct {
	source *fakeSource
}

func (c *fakeConn) List(ctx context.Context) ([]pm2.Process, error) {
	c.source.mu.Lock()
	defer c.source.mu.Unlock()
	if c.source.listErr != nil {
		return nil, c.source.listErr
	}
	return append([]pm2.Process(nil), c.source.procs...), nil
}

func (c *fakeConn) Close() error {
	c.source.mu.Lock()
	c.source.closed++
	c.source.mu.Unlock()
	return nil
}

type fakeExporter struct {
	clk     *clock.FakeClock
	cost    time.Duration
	status  int
	err     error
	mu      sync.Mutex
	batches [][]metrics.Sample
	stamps  []int64
	onSend  func(n int)
}

func (e *fakeExporter) SendMetricBatch(ctx context.Context, samples []metrics.Sample, attrs newrelic.Attributes, ts int64, intervalMS int64) (int, error) {
	e.mu.Lock()
	e.batches = append(e.batches, samples)
	e.stamps = append(e.stamps, ts)
	n := len(e.batches)
	e.mu.Unlock()

	if e.clk != nil && e.cost > 0 {
		e.clk.Advance(e.cost)
	}
	if e.onSend != nil {
		e.onSend(n)
	}
	return e.status, e.err
}

func (e *fakeExporter) calls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.batches)
}

func apiSnapshot(restarts int64) []pm2.Process {
	return []pm2.Process{{ID: 0, Name: "api", StartedAt: epoch.Add(-time.Minute), Restarts: restarts, CPUPercent: 1, MemoryBytes: 1024}}
}

func TestNextWait(t *testing.T) {
	interval := 30 * time.Second
	assert.Equal(t, 25*time.Second, NextWait(interval, 5*time.Second))
	assert.Equal(t, time.Duration(0), NextWait(interval, interval))
	assert.Equal(t, time.Duration(0), NextWait(interval, 45*time.Second))
	assert.Equal(t, interval, NextWait(interval, 0))
}

func TestRunSelfCorrectsForCycleDuration(t *testing.T) {
	clk := clock.Fake(epoch)
	source := &fakeSource{clk: clk, procs: apiSnapshot(1), cost: 2 * time.Second}
	exporter := &fakeExporter{clk: clk, cost: 3 * time.Second, status: 202}

	manager, err := NewManager(source, exporter, Options{Interval: 30 * time.Second, Clock: clk}, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- manager.Run(ctx) }()

	clk.WaitForTimers(1)
	wait, ok := clk.NextDeadline()
	require.True(t, ok)
	assert.Equal(t, 25*time.Second, wait)

	clk.Advance(wait)
	clk.WaitForTimers(1)

	starts := source.connectTimes()
	require.Len(t, starts, 2)
	assert.Equal(t, 30*time.Second, starts[1].Sub(starts[0]))
	assert.Equal(t, 2, exporter.calls())
	assert.Equal(t, []int64{epoch.Unix(), epoch.Add(30 * time.Second).Unix()}, exporter.stamps)

	cancel()
	require.NoError(t, <-done)
}

func TestRunBackToBackWhenCycleOverruns(t *testing.T) {
	clk := clock.Fake(epoch)
	source := &fakeSource{clk: clk, procs: apiSnapshot(0)}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	exporter := &fakeExporter{clk: clk, cost: 45 * time.Second, status: 202}
	exporter.onSend = func(n int) {
		if n == 3 {
			cancel()
		}
	}

	manager, err := NewManager(source, exporter, Options{Interval: 30 * time.Second, Clock: clk}, nil)
	require.NoError(t, err)

	require.NoError(t, manager.Run(ctx))

	starts := source.connectTimes()
	require.Len(t, starts, 3)
	assert.Equal(t, 45*time.Second, starts[1].Sub(starts[0]))
	assert.Equal(t, 45*time.Second, starts[2].Sub(starts[1]))
}

func TestRunConnectErrorSkipsExport(t *testing.T) {
	clk := clock.Fake(epoch)
	source := &fakeSource{clk: clk, cost: 2 * time.Second, connectErr: errors.New("daemon down")}
	exporter := &fakeExporter{status: 202}

	manager, err := NewManager(source, exporter, Options{Interval: 30 * time.Second, Clock: clk}, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- manager.Run(ctx) }()

	clk.WaitForTimers(1)
	wait, _ := clk.NextDeadline()
	assert.Equal(t, 28*time.Second, wait)
	assert.Zero(t, exporter.calls())

	stats := manager.Stats()
	assert.EqualValues(t, 1, stats.ConnectFailures)
	assert.EqualValues(t, 1, stats.Cycles)
	assert.False(t, manager.Ready())

	cancel()
	require.NoError(t, <-done)
}

func TestRunOnceListErrorSkipsExport(t *testing.T) {
	source := &fakeSource{clk: clock.Fake(epoch), listErr: errors.New("bad json")}
	exporter := &fakeExporter{status: 202}

	manager, err := NewManager(source, exporter, Options{Interval: time.Second, Clock: source.clk}, nil)
	require.NoError(t, err)

	_, err = manager.RunOnce(context.Background())
	assert.Error(t, err)
	assert.Zero(t, exporter.calls())
	assert.EqualValues(t, 1, manager.Stats().ListFailures)
	assert.Equal(t, 1, source.closed, "connection is released after a failed list")
}

func TestRunOnceExportErrorIsNotRetried(t *testing.T) {
	clk := clock.Fake(epoch)
	source := &fakeSource{clk: clk, procs: apiSnapshot(2)}
	exporter := &fakeExporter{status: 500, err: errors.New("server error")}

	manager, err := NewManager(source, exporter, Options{Interval: time.Second, Clock: clk}, nil)
	require.NoError(t, err)

	batch, err := manager.RunOnce(context.Background())
	assert.Error(t, err)
	assert.Equal(t, 1, exporter.calls())
	assert.Equal(t, 1, batch.Instances)

	stats := manager.Stats()
	assert.EqualValues(t, 1, stats.ExportFailures)
	assert.Equal(t, 500, stats.LastStatus)
	assert.True(t, manager.Ready(), "aggregation result is kept even when export fails")
}

func TestRunOnceTracksIntervalRestarts(t *testing.T) {
	clk := clock.Fake(epoch)
	source := &fakeSource{clk: clk, procs: apiSnapshot(5)}
	exporter := &fakeExporter{status: 202}

	manager, err := NewManager(source, exporter, Options{Interval: time.Second, Clock: clk}, nil)
	require.NoError(t, err)

	first, err := manager.RunOnce(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 5, first.Fleet.IntervalRestarts)

	second, err := manager.RunOnce(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 0, second.Fleet.IntervalRestarts)
	assert.EqualValues(t, 2, manager.Stats().Exports)
}

func TestRunOnceDisabledExporter(t *testing.T) {
	clk := clock.Fake(epoch)
	source := &fakeSource{clk: clk, procs: apiSnapshot(1)}
	exporter := newrelic.New(newrelic.Options{MetricURL: "http://127.0.0.1:1/unreachable"})

	manager, err := NewManager(source, exporter, Options{Interval: time.Second, Clock: clk}, nil)
	require.NoError(t, err)

	_, err = manager.RunOnce(context.Background())
	require.NoError(t, err)

	stats := manager.Stats()
	assert.Zero(t, stats.ExportFailures)
	assert.Zero(t, stats.Exports)
	assert.EqualValues(t, 1, stats.Cycles)
}

type blockingSource struct{}

func (blockingSource) Connect(ctx context.Context) (pm2.Conn, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestRunOnceStageTimeout(t *testing.T) {
	manager, err := NewManager(blockingSource{}, &fakeExporter{}, Options{
		Interval:     time.Second,
		StageTimeout: 20 * time.Millisecond,
	}, nil)
	require.NoError(t, err)

	start := time.Now()
	_, err = manager.RunOnce(context.Background())
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)
}

func TestSubscribeReceivesBatches(t *testing.T) {
	clk := clock.Fake(epoch)
	source := &fakeSource{clk: clk, procs: apiSnapshot(1)}
	var snapshots [][]pm2.Process
	manager, err := NewManager(source, &fakeExporter{status: 202}, Options{
		Interval:   time.Second,
		Clock:      clk,
		OnSnapshot: func(p []pm2.Process) { snapshots = append(snapshots, p) },
	}, nil)
	require.NoError(t, err)

	ch, unsubscribe := manager.Subscribe()
	defer unsubscribe()

	_, err = manager.RunOnce(context.Background())
	require.NoError(t, err)

	select {
	case batch := <-ch:
		assert.Equal(t, []string{"api"}, batch.Names)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for batch")
	}

	latest, ok := manager.Latest()
	require.True(t, ok)
	assert.Equal(t, 1, latest.Instances)
	require.Len(t, snapshots, 1)

	manager.Close()
	_, open := <-ch
	assert.False(t, open, "subscriber channel is closed on Close")
}

func TestNewManagerValidation(t *testing.T) {
	_, err := NewManager(nil, &fakeExporter{}, Options{Interval: time.Second}, nil)
	assert.Error(t, err)
	_, err = NewManager(&fakeSource{}, nil, Options{Interval: time.Second}, nil)
	assert.Error(t, err)
	_, err = NewManager(&fakeSource{}, &fakeExporter{}, Options{}, nil)
	assert.Error(t, err)
}
