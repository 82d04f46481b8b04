// Package logrelay forwards PM2 process output to the log ingest API.
package logrelay

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/skobkin/pm2-telemetry/internal/clock"
	"github.com/skobkin/pm2-telemetry/internal/newrelic"
	"github.com/skobkin/pm2-telemetry/internal/pm2"
)

const (
	defaultRestartDelay = 5 * time.Second
	defaultQueueSize    = 256
)

// Stream produces log events until it ends or ctx is done.
type Stream interface {
	StreamLogs(ctx context.Context, fn func(pm2.LogEvent)) error
}

// Sender ships a single log entry.
type Sender interface {
	SendLog(ctx context.Context, entry newrelic.LogEntry) (int, error)
}

// Options tune a Relay.
type Options struct {
	// ExcludeProcess drops events from this process name, usually the
	// relay's own PM2 entry so its output is not fed back.
	ExcludeProcess string
	Host           string
	PluginVersion  string
	SendTimeout    time.Duration
	RestartDelay   time.Duration
	// QueueSize bounds the entries waiting for delivery. When full, the
	// oldest entry is dropped.
	QueueSize int
	Clock     clock.Clock
}

// Stats are cumulative event counters.
type Stats struct {
	Forwarded uint64 `json:"forwarded"`
	Filtered  uint64 `json:"filtered"`
	Failed    uint64 `json:"failed"`
	Skipped   uint64 `json:"skipped"`
	Dropped   uint64 `json:"dropped"`
}

// Relay connects a Stream to a Sender. Reading the stream never waits on
// the sender: entries are queued and delivered by a separate worker.
type Relay struct {
	stream Stream
	sender Sender
	opts   Options
	logger *slog.Logger

	queueMu sync.Mutex
	queue   chan newrelic.LogEntry

	forwarded atomic.Uint64
	filtered  atomic.Uint64
	failed    atomic.Uint64
	skipped   atomic.Uint64
	dropped   atomic.Uint64
}

// New constructs a Relay.
func New(stream Stream, sender Sender, opts Options, logger *slog.Logger) *Relay {
	if opts.RestartDelay <= 0 {
		opts.RestartDelay = defaultRestartDelay
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Relay{
		stream: stream,
		sender: sender,
		opts:   opts,
		logger: logger.With("component", "logrelay"),
		queue:  make(chan newrelic.LogEntry, opts.QueueSize),
	}
}

// Run follows the stream until ctx is cancelled, reopening it after
// RestartDelay whenever it ends. Entries still queued at shutdown are
// discarded.
func (r *Relay) Run(ctx context.Context) error {
	r.logger.Info("log relay started", "exclude_process", r.opts.ExcludeProcess, "queue_size", r.opts.QueueSize)

	workerCtx, cancelWorker := context.WithCancel(ctx)
	workerDone := make(chan struct{})
	go r.deliver(workerCtx, workerDone)
	defer func() {
		cancelWorker()
		<-workerDone
	}()

	for {
		err := r.stream.StreamLogs(ctx, r.Forward)
		if ctx.Err() != nil {
			r.logger.Info("log relay stopping", "reason", ctx.Err())
			return nil
		}
		if err != nil && !errors.Is(err, context.Canceled) {
			r.logger.Warn("log stream ended", "err", err, "restart_in", r.opts.RestartDelay)
		} else {
			r.logger.Debug("log stream ended", "restart_in", r.opts.RestartDelay)
		}

		select {
		case <-ctx.Done():
			r.logger.Info("log relay stopping", "reason", ctx.Err())
			return nil
		case <-r.opts.Clock.After(r.opts.RestartDelay):
		}
	}
}

// Forward queues one event for delivery unless it belongs to the excluded
// process. It never blocks on the sender.
func (r *Relay) Forward(event pm2.LogEvent) {
	if r.opts.ExcludeProcess != "" && event.ProcessName == r.opts.ExcludeProcess {
		r.filtered.Add(1)
		return
	}

	level := newrelic.LevelInfo
	if event.Type == pm2.LogTypeErr {
		level = newrelic.LevelError
	}

	r.enqueue(newrelic.LogEntry{
		Level:     level,
		Message:   event.Message,
		Timestamp: event.At,
		Attributes: map[string]any{
			"process.name":  event.ProcessName,
			"process.id":    event.ProcessID,
			"host":          r.opts.Host,
			"pluginVersion": r.opts.PluginVersion,
		},
	})
}

func (r *Relay) enqueue(entry newrelic.LogEntry) {
	r.queueMu.Lock()
	defer r.queueMu.Unlock()

	select {
	case r.queue <- entry:
		return
	default:
	}

	// Drop oldest to make room for the new entry.
	select {
	case <-r.queue:
		r.dropped.Add(1)
	default:
	}
	select {
	case r.queue <- entry:
	default:
		r.dropped.Add(1)
	}
}

func (r *Relay) deliver(ctx context.Context, done chan<- struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case entry := <-r.queue:
			r.send(ctx, entry)
		}
	}
}

func (r *Relay) send(ctx context.Context, entry newrelic.LogEntry) {
	sendCtx := ctx
	if r.opts.SendTimeout > 0 {
		var cancel context.CancelFunc
		sendCtx, cancel = context.WithTimeout(ctx, r.opts.SendTimeout)
		defer cancel()
	}

	status, err := r.sender.SendLog(sendCtx, entry)
	switch {
	case err != nil:
		r.failed.Add(1)
		r.logger.Error("log export failed", "process", entry.Attributes["process.name"], "status", status, "err", err)
	case status == 0:
		r.skipped.Add(1)
	default:
		r.forwarded.Add(1)
	}
}

// Stats reports the event counters.
func (r *Relay) Stats() Stats {
	return Stats{
		Forwarded: r.forwarded.Load(),
		Filtered:  r.filtered.Load(),
		Failed:    r.failed.Load(),
		Skipped:   r.skipped.Load(),
		Dropped:   r.dropped.Load(),
	}
}
