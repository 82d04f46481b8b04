package metrics

import (
	"fmt"
	"strconv"

	"github.com/skobkin/pm2-telemetry/internal/pm2"
)

// LedgerKey selects how restart counters are keyed between polls.
type LedgerKey string

const (
	// LedgerByName keys by process name. When several instances share a
	// name, the last one processed in a poll overwrites the others.
	LedgerByName LedgerKey = "name"
	// LedgerByInstance keys by name and PM2 id so every instance keeps
	// its own previous counter.
	LedgerByInstance LedgerKey = "instance"
)

// ParseLedgerKey validates a ledger key mode.
func ParseLedgerKey(value string) (LedgerKey, error) {
	switch LedgerKey(value) {
	case LedgerByName:
		return LedgerByName, nil
	case LedgerByInstance:
		return LedgerByInstance, nil
	default:
		return "", fmt.Errorf("unsupported ledger key %q", value)
	}
}

// Ledger remembers the last cumulative restart count per key and turns
// cumulative counters into per-interval deltas. It is not safe for
// concurrent use; the poller only touches it from its own loop.
type Ledger struct {
	mode     LedgerKey
	previous map[string]int64
}

// NewLedger returns an empty ledger. Unknown modes fall back to LedgerByName.
func NewLedger(mode LedgerKey) *Ledger {
	if mode != LedgerByInstance {
		mode = LedgerByName
	}
	return &Ledger{
		mode:     mode,
		previous: make(map[string]int64),
	}
}

// Mode reports the keying mode.
func (l *Ledger) Mode() LedgerKey {
	return l.mode
}

// Delta returns the restarts observed since the previous poll for the
// process and records the current counter. A counter that went backwards
// yields a negative delta.
func (l *Ledger) Delta(proc pm2.Process) int64 {
	key := l.key(proc)
	delta := proc.Restarts - l.previous[key]
	l.previous[key] = proc.Restarts
	return delta
}

// Previous returns the recorded counter for a key.
func (l *Ledger) Previous(key string) (int64, bool) {
	value, ok := l.previous[key]
	return value, ok
}

// Len reports how many keys the ledger tracks.
func (l *Ledger) Len() int {
	return len(l.previous)
}

func (l *Ledger) key(proc pm2.Process) string {
	if l.mode == LedgerByInstance {
		return InstanceKey(proc.Name, proc.ID)
	}
	return proc.Name
}

// InstanceKey builds the LedgerByInstance key for a process.
func InstanceKey(name string, id int) string {
	return name + "/" + strconv.Itoa(id)
}
