// Package newrelic ships metric and log batches to the New Relic ingest APIs.
package newrelic

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/skobkin/pm2-telemetry/internal/metrics"
	"github.com/skobkin/pm2-telemetry/internal/version"
)

// Region selects the ingest data center.
type Region string

const (
	RegionUS Region = "us"
	RegionEU Region = "eu"
)

const (
	defaultTimeout  = 10 * time.Second
	maxErrorBodyLen = 512
)

// ParseRegion validates a region name.
func ParseRegion(value string) (Region, error) {
	switch Region(strings.ToLower(strings.TrimSpace(value))) {
	case RegionUS:
		return RegionUS, nil
	case RegionEU:
		return RegionEU, nil
	default:
		return "", fmt.Errorf("unsupported region %q", value)
	}
}

// MetricURL returns the Metric API endpoint of the region.
func (r Region) MetricURL() string {
	if r == RegionEU {
		return "https://metric-api.eu.newrelic.com/metric/v1"
	}
	return "https://metric-api.newrelic.com/metric/v1"
}

// LogURL returns the Log API endpoint of the region.
func (r Region) LogURL() string {
	if r == RegionEU {
		return "https://log-api.eu.newrelic.com/log/v1"
	}
	return "https://log-api.newrelic.com/log/v1"
}

// Attributes are the common attributes attached to every metric batch.
type Attributes struct {
	Host          string
	PID           int
	PluginVersion string
	OSName        string
}

func (a Attributes) toMap() map[string]any {
	return map[string]any{
		"host":          a.Host,
		"pid":           a.PID,
		"pluginVersion": a.PluginVersion,
		"osName":        a.OSName,
	}
}

// Level is the severity of a forwarded log line.
type Level string

const (
	LevelInfo  Level = "info"
	LevelError Level = "error"
)

// LogEntry is a single log line sent to the Log API.
type LogEntry struct {
	Level      Level
	Message    string
	Timestamp  time.Time
	Attributes map[string]any
}

// StatusError reports a non-2xx answer from an ingest endpoint.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("newrelic: unexpected status %d", e.StatusCode)
	}
	return fmt.Sprintf("newrelic: unexpected status %d: %s", e.StatusCode, e.Body)
}

// Options configures a Client.
type Options struct {
	LicenseKey string
	Region     Region
	Gzip       bool
	Timeout    time.Duration
	// MetricURL and LogURL override the region endpoints.
	MetricURL  string
	LogURL     string
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Client posts payloads to New Relic. Without a license key every send is
// a successful no-op.
type Client struct {
	licenseKey string
	metricURL  string
	logURL     string
	gzip       bool
	http       *http.Client
	logger     *slog.Logger
}

// New builds a Client from options.
func New(opts Options) *Client {
	region := opts.Region
	if region == "" {
		region = RegionEU
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	c := &Client{
		licenseKey: strings.TrimSpace(opts.LicenseKey),
		metricURL:  region.MetricURL(),
		logURL:     region.LogURL(),
		gzip:       opts.Gzip,
		http:       httpClient,
		logger:     logger.With("component", "newrelic"),
	}
	if opts.MetricURL != "" {
		c.metricURL = opts.MetricURL
	}
	if opts.LogURL != "" {
		c.logURL = opts.LogURL
	}
	return c
}

// Enabled reports whether a license key is configured.
func (c *Client) Enabled() bool {
	return c.licenseKey != ""
}

type metricCommon struct {
	Timestamp  int64          `json:"timestamp"`
	IntervalMS int64          `json:"interval.ms"`
	Attributes map[string]any `json:"attributes"`
}

type metricData struct {
	Name       string  `json:"name"`
	Type       string  `json:"type"`
	Value      float64 `json:"value"`
	IntervalMS int64   `json:"interval.ms,omitempty"`
}

type metricPayload struct {
	Common  metricCommon `json:"common"`
	Metrics []metricData `json:"metrics"`
}

// SendMetricBatch posts one batch of samples and returns the HTTP status.
func (c *Client) SendMetricBatch(ctx context.Context, samples []metrics.Sample, attrs Attributes, timestampSeconds int64, intervalMillis int64) (int, error) {
	if !c.Enabled() {
		return 0, nil
	}

	data := make([]metricData, 0, len(samples))
	for _, sample := range samples {
		entry := metricData{
			Name:  sample.Name,
			Type:  string(sample.Kind),
			Value: sample.Value,
		}
		if sample.Kind == metrics.Count {
			entry.IntervalMS = intervalMillis
		}
		data = append(data, entry)
	}

	payload := []metricPayload{{
		Common: metricCommon{
			Timestamp:  timestampSeconds,
			IntervalMS: intervalMillis,
			Attributes: attrs.toMap(),
		},
		Metrics: data,
	}}
	return c.post(ctx, c.metricURL, payload)
}

type logCommon struct {
	Attributes map[string]any `json:"attributes,omitempty"`
}

type logData struct {
	Timestamp  int64          `json:"timestamp"`
	Message    string         `json:"message"`
	Attributes map[string]any `json:"attributes"`
}

type logPayload struct {
	Common logCommon `json:"common"`
	Logs   []logData `json:"logs"`
}

// SendLog posts a single log line and returns the HTTP status.
func (c *Client) SendLog(ctx context.Context, entry LogEntry) (int, error) {
	if !c.Enabled() {
		return 0, nil
	}

	ts := entry.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	attrs := make(map[string]any, len(entry.Attributes)+1)
	for k, v := range entry.Attributes {
		attrs[k] = v
	}
	attrs["level"] = string(entry.Level)

	payload := []logPayload{{
		Logs: []logData{{
			Timestamp:  ts.UnixMilli(),
			Message:    entry.Message,
			Attributes: attrs,
		}},
	}}
	return c.post(ctx, c.logURL, payload)
}

func (c *Client) post(ctx context.Context, url string, payload any) (int, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("encode payload: %w", err)
	}

	encoding := ""
	if c.gzip {
		body, err = compress(body)
		if err != nil {
			return 0, fmt.Errorf("compress payload: %w", err)
		}
		encoding = "gzip"
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Api-Key", c.licenseKey)
	req.Header.Set("User-Agent", version.UserAgent())
	if encoding != "" {
		req.Header.Set("Content-Encoding", encoding)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("post %s: %w", url, err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return resp.StatusCode, &StatusError{
			StatusCode: resp.StatusCode,
			Body:       truncate(strings.TrimSpace(string(respBody)), maxErrorBodyLen),
		}
	}
	if len(respBody) > 0 {
		c.logger.Debug("ingest response", "url", url, "status", resp.StatusCode, "body", string(respBody))
	}
	return resp.StatusCode, nil
}

func compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
