// Package pm2 reads the process table and log stream of a local PM2 daemon.
package pm2

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"
)

var (
	// ErrConnect is returned when the PM2 daemon cannot be reached.
	ErrConnect = errors.New("pm2: connect failed")
	// ErrList is returned when the process table cannot be read or decoded.
	ErrList = errors.New("pm2: list failed")
)

const maxLogLineBytes = 1 << 20

// Source produces connections to a process manager.
type Source interface {
	Connect(ctx context.Context) (Conn, error)
}

// Conn is a single-use handle for listing processes during one poll.
type Conn interface {
	List(ctx context.Context) ([]Process, error)
	Close() error
}

// CLI talks to PM2 through its command line client.
type CLI struct {
	binary string
	home   string
	logger *slog.Logger
}

// NewCLI constructs a CLI source. An empty binary defaults to "pm2" on PATH.
func NewCLI(binary, home string, logger *slog.Logger) *CLI {
	if binary == "" {
		binary = "pm2"
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &CLI{
		binary: binary,
		home:   home,
		logger: logger.With("component", "pm2_cli"),
	}
}

// Connect resolves the pm2 binary and checks that the daemon answers.
func (c *CLI) Connect(ctx context.Context) (Conn, error) {
	path, err := exec.LookPath(c.binary)
	if err != nil {
		return nil, fmt.Errorf("%w: resolve %q: %w", ErrConnect, c.binary, err)
	}
	if _, err := c.run(ctx, path, "ping"); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnect, err)
	}
	return &cliConn{cli: c, path: path}, nil
}

// StreamLogs follows `pm2 logs --json` and invokes fn for every decoded
// out/err line. It returns when the child exits or ctx is done.
func (c *CLI) StreamLogs(ctx context.Context, fn func(LogEvent)) error {
	path, err := exec.LookPath(c.binary)
	if err != nil {
		return fmt.Errorf("%w: resolve %q: %w", ErrConnect, c.binary, err)
	}

	cmd := exec.CommandContext(ctx, path, "logs", "--json", "--lines", "0")
	cmd.Env = c.env()
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("pm2 logs stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("%w: start pm2 logs: %w", ErrConnect, err)
	}

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLogLineBytes)
	for scanner.Scan() {
		event, ok := parseLogLine(scanner.Bytes())
		if !ok {
			continue
		}
		fn(event)
	}
	scanErr := scanner.Err()
	waitErr := cmd.Wait()

	if ctx.Err() != nil {
		return ctx.Err()
	}
	if scanErr != nil {
		return fmt.Errorf("read pm2 logs: %w", scanErr)
	}
	if waitErr != nil {
		return fmt.Errorf("pm2 logs exited: %w", waitErr)
	}
	return nil
}

func (c *CLI) run(ctx context.Context, path string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, path, args...)
	cmd.Env = c.env()
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return nil, fmt.Errorf("pm2 %s: %w: %s", strings.Join(args, " "), err, msg)
		}
		return nil, fmt.Errorf("pm2 %s: %w", strings.Join(args, " "), err)
	}
	return out, nil
}

func (c *CLI) env() []string {
	env := os.Environ()
	if c.home != "" {
		env = append(env, "PM2_HOME="+c.home)
	}
	return env
}

type cliConn struct {
	cli  *CLI
	path string
}

func (c *cliConn) List(ctx context.Context) ([]Process, error) {
	out, err := c.cli.run(ctx, c.path, "jlist")
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrList, err)
	}
	procs, err := ParseJList(out)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrList, err)
	}
	c.cli.logger.Debug("listed processes", "count", len(procs))
	return procs, nil
}

// Close is a no-op; every CLI invocation is self-contained.
func (c *cliConn) Close() error { return nil }

type jlistEntry struct {
	PMID  int    `json:"pm_id"`
	Name  string `json:"name"`
	Monit struct {
		CPU    float64 `json:"cpu"`
		Memory uint64  `json:"memory"`
	} `json:"monit"`
	Env struct {
		Name        string `json:"name"`
		Namespace   string `json:"namespace"`
		Status      string `json:"status"`
		PMUptime    int64  `json:"pm_uptime"`
		RestartTime int64  `json:"restart_time"`
	} `json:"pm2_env"`
}

// ParseJList decodes the output of `pm2 jlist`. Banner lines printed
// before the JSON array are ignored.
func ParseJList(data []byte) ([]Process, error) {
	start := arrayStart(data)
	if start < 0 {
		return nil, fmt.Errorf("no process array in output")
	}

	var entries []jlistEntry
	if err := json.Unmarshal(data[start:], &entries); err != nil {
		return nil, fmt.Errorf("decode jlist: %w", err)
	}

	procs := make([]Process, 0, len(entries))
	for _, entry := range entries {
		name := entry.Env.Name
		if name == "" {
			name = entry.Name
		}
		proc := Process{
			ID:          entry.PMID,
			Name:        name,
			Namespace:   entry.Env.Namespace,
			Status:      entry.Env.Status,
			Restarts:    entry.Env.RestartTime,
			CPUPercent:  entry.Monit.CPU,
			MemoryBytes: entry.Monit.Memory,
		}
		if entry.Env.PMUptime > 0 {
			proc.StartedAt = time.UnixMilli(entry.Env.PMUptime)
		}
		procs = append(procs, proc)
	}
	return procs, nil
}

// arrayStart finds the first '[' that opens a JSON array of objects,
// skipping bracketed banners such as "[PM2] Spawning daemon".
func arrayStart(data []byte) int {
	for offset := 0; offset < len(data); {
		idx := bytes.IndexByte(data[offset:], '[')
		if idx < 0 {
			return -1
		}
		pos := offset + idx
		rest := bytes.TrimLeft(data[pos+1:], " \t\r\n")
		if len(rest) > 0 && (rest[0] == '{' || rest[0] == ']') {
			return pos
		}
		offset = pos + 1
	}
	return -1
}

type logLine struct {
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
	Type      string `json:"type"`
	ProcessID int    `json:"process_id"`
	AppName   string `json:"app_name"`
}

func parseLogLine(data []byte) (LogEvent, bool) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || data[0] != '{' {
		return LogEvent{}, false
	}
	var line logLine
	if err := json.Unmarshal(data, &line); err != nil {
		return LogEvent{}, false
	}
	if line.Type != LogTypeOut && line.Type != LogTypeErr {
		return LogEvent{}, false
	}

	at := time.Now()
	if line.Timestamp != "" {
		if parsed, err := time.Parse(time.RFC3339, line.Timestamp); err == nil {
			at = parsed
		}
	}

	return LogEvent{
		ProcessID:   line.ProcessID,
		ProcessName: line.AppName,
		Type:        line.Type,
		Message:     strings.TrimRight(line.Message, "\n"),
		At:          at,
	}, true
}
