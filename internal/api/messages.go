package api

import (
	"github.com/skobkin/pm2-telemetry/internal/metrics"
	"github.com/skobkin/pm2-telemetry/internal/version"
)

// HelloMessage is the initial payload sent on WebSocket connection.
type HelloMessage struct {
	Type          string          `json:"type"`
	IntervalMS    int64           `json:"interval_ms"`
	Host          string          `json:"host"`
	Version       version.Info    `json:"version"`
	ExportEnabled bool            `json:"export_enabled"`
	Features      map[string]bool `json:"features"`
}

// NewHelloMessage constructs a hello payload.
func NewHelloMessage(intervalMS int64, host string, exportEnabled bool, features map[string]bool) HelloMessage {
	return HelloMessage{
		Type:          "hello",
		IntervalMS:    intervalMS,
		Host:          host,
		Version:       version.Current(),
		ExportEnabled: exportEnabled,
		Features:      features,
	}
}

// BatchMessage wraps an aggregated batch for transport.
type BatchMessage struct {
	Type string `json:"type"`
	metrics.Batch
}

// NewBatchMessage constructs a batch payload.
func NewBatchMessage(batch metrics.Batch) BatchMessage {
	return BatchMessage{
		Type:  "batch",
		Batch: batch,
	}
}

// ProcessRollup is the per-name summary served over HTTP.
type ProcessRollup struct {
	Name string `json:"name"`
	metrics.Totals
}

// ErrorMessage communicates an error condition to the client.
type ErrorMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// ClientMessage is a generic envelope used for decoding inbound client messages.
type ClientMessage struct {
	Type string `json:"type"`
}

// PongMessage is the response to a ping.
type PongMessage struct {
	Type string `json:"type"`
}
