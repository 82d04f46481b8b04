package logrelay

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skobkin/pm2-telemetry/internal/clock"
	"github.com/skobkin/pm2-telemetry/internal/newrelic"
	"github.com/skobkin/pm2-telemetry/internal/pm2"
)

type recordingSender struct {
	mu      sync.Mutex
	entries []newrelic.LogEntry
	err     error
}

func (s *recordingSender) SendLog(ctx context.Context, entry newrelic.LogEntry) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, entry)
	if s.err != nil {
		return 0, s.err
	}
	return 202, nil
}

func (s *recordingSender) sent() []newrelic.LogEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]newrelic.LogEntry(nil), s.entries...)
}

type scriptedStream struct {
	mu      sync.Mutex
	runs    int
	events  []pm2.LogEvent
	elapsed time.Duration
}

func (s *scriptedStream) StreamLogs(ctx context.Context, fn func(pm2.LogEvent)) error {
	start := time.Now()
	for _, event := range s.events {
		fn(event)
	}
	elapsed := time.Since(start)

	s.mu.Lock()
	s.runs++
	if s.elapsed == 0 {
		s.elapsed = elapsed + time.Nanosecond
	}
	s.mu.Unlock()
	return errors.New("pm2 logs exited")
}

// callbackTime is how long the first run spent inside the callbacks.
func (s *scriptedStream) callbackTime() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.elapsed
}

func (s *scriptedStream) runCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runs
}

// drain delivers every queued entry from the test goroutine.
func drain(r *Relay) {
	for {
		select {
		case entry := <-r.queue:
			r.send(context.Background(), entry)
		default:
			return
		}
	}
}

type blockingSender struct {
	release chan struct{}
	calls   atomic.Int32
}

func (s *blockingSender) SendLog(ctx context.Context, entry newrelic.LogEntry) (int, error) {
	s.calls.Add(1)
	select {
	case <-s.release:
		return 202, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func TestForwardMapsLevelsAndFilters(t *testing.T) {
	sender := &recordingSender{}
	relay := New(nil, sender, Options{ExcludeProcess: "pm2-telemetry", Host: "box", PluginVersion: "1.0.0"}, nil)

	at := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	relay.Forward(pm2.LogEvent{ProcessID: 1, ProcessName: "api", Type: pm2.LogTypeOut, Message: "ok", At: at})
	relay.Forward(pm2.LogEvent{ProcessID: 2, ProcessName: "api", Type: pm2.LogTypeErr, Message: "boom", At: at})
	relay.Forward(pm2.LogEvent{ProcessID: 3, ProcessName: "pm2-telemetry", Type: pm2.LogTypeOut, Message: "self"})
	drain(relay)

	entries := sender.sent()
	require.Len(t, entries, 2)
	assert.Equal(t, newrelic.LevelInfo, entries[0].Level)
	assert.Equal(t, newrelic.LevelError, entries[1].Level)
	assert.Equal(t, "boom", entries[1].Message)
	assert.Equal(t, at, entries[1].Timestamp)
	assert.Equal(t, "api", entries[1].Attributes["process.name"])
	assert.Equal(t, 2, entries[1].Attributes["process.id"])
	assert.Equal(t, "box", entries[1].Attributes["host"])

	stats := relay.Stats()
	assert.EqualValues(t, 2, stats.Forwarded)
	assert.EqualValues(t, 1, stats.Filtered)
	assert.Zero(t, stats.Failed)
}

func TestSendErrorsAreCounted(t *testing.T) {
	sender := &recordingSender{err: errors.New("network down")}
	relay := New(nil, sender, Options{}, nil)

	relay.Forward(pm2.LogEvent{ProcessName: "api", Type: pm2.LogTypeOut, Message: "x"})
	drain(relay)

	stats := relay.Stats()
	assert.EqualValues(t, 1, stats.Failed)
	assert.Zero(t, stats.Forwarded)
}

func TestDisabledSenderCountsSkipped(t *testing.T) {
	relay := New(nil, newrelic.New(newrelic.Options{}), Options{}, nil)

	relay.Forward(pm2.LogEvent{ProcessName: "api", Type: pm2.LogTypeOut, Message: "x"})
	drain(relay)

	stats := relay.Stats()
	assert.EqualValues(t, 1, stats.Skipped)
	assert.Zero(t, stats.Forwarded)
	assert.Zero(t, stats.Failed)
}

func TestForwardDropsOldestWhenQueueIsFull(t *testing.T) {
	sender := &recordingSender{}
	relay := New(nil, sender, Options{QueueSize: 2}, nil)

	for _, msg := range []string{"first", "second", "third"} {
		relay.Forward(pm2.LogEvent{ProcessName: "api", Type: pm2.LogTypeOut, Message: msg})
	}
	assert.EqualValues(t, 1, relay.Stats().Dropped)

	drain(relay)
	entries := sender.sent()
	require.Len(t, entries, 2)
	assert.Equal(t, "second", entries[0].Message)
	assert.Equal(t, "third", entries[1].Message)
}

func TestSlowSenderDoesNotBlockStream(t *testing.T) {
	events := make([]pm2.LogEvent, 5)
	for i := range events {
		events[i] = pm2.LogEvent{ProcessID: i, ProcessName: "api", Type: pm2.LogTypeOut, Message: "line"}
	}
	stream := &scriptedStream{events: events}
	sender := &blockingSender{release: make(chan struct{})}
	relay := New(stream, sender, Options{SendTimeout: time.Minute, Clock: clock.Fake(time.Unix(0, 0))}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- relay.Run(ctx) }()

	require.Eventually(t, func() bool { return stream.runCount() == 1 && stream.callbackTime() > 0 }, 2*time.Second, 5*time.Millisecond)
	assert.Less(t, stream.callbackTime(), 100*time.Millisecond, "stream callback waited on the sender")
	require.Eventually(t, func() bool { return sender.calls.Load() == 1 }, 2*time.Second, 5*time.Millisecond)

	close(sender.release)
	require.Eventually(t, func() bool { return relay.Stats().Forwarded == 5 }, 2*time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}

func TestRunRestartsEndedStream(t *testing.T) {
	clk := clock.Fake(time.Unix(0, 0))
	stream := &scriptedStream{events: []pm2.LogEvent{{ProcessName: "api", Type: pm2.LogTypeOut, Message: "line"}}}
	sender := &recordingSender{}
	relay := New(stream, sender, Options{RestartDelay: 5 * time.Second, Clock: clk}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- relay.Run(ctx) }()

	clk.WaitForTimers(1)
	assert.Equal(t, 1, stream.runCount())

	clk.Advance(5 * time.Second)
	clk.WaitForTimers(1)
	assert.Equal(t, 2, stream.runCount())
	require.Eventually(t, func() bool { return len(sender.sent()) == 2 }, 2*time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}
