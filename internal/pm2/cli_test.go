package pm2

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"
)

func TestParseJList(t *testing.T) {
	procs, err := ParseJList(readTestdata(t, "jlist.json"))
	if err != nil {
		t.Fatalf("ParseJList: %v", err)
	}
	if len(procs) != 3 {
		t.Fatalf("expected 3 processes, got %d", len(procs))
	}

	first := procs[0]
	if first.ID != 0 || first.Name != "api" {
		t.Fatalf("unexpected identity %+v", first)
	}
	if first.Restarts != 1 {
		t.Fatalf("unexpected restarts %d", first.Restarts)
	}
	if first.CPUPercent != 10.5 {
		t.Fatalf("unexpected cpu %v", first.CPUPercent)
	}
	if first.MemoryBytes != 104857600 {
		t.Fatalf("unexpected memory %d", first.MemoryBytes)
	}
	if !first.StartedAt.Equal(time.UnixMilli(1700000000000)) {
		t.Fatalf("unexpected start time %s", first.StartedAt)
	}

	worker := procs[2]
	if worker.Namespace != "jobs" || worker.Status != "stopped" {
		t.Fatalf("unexpected worker metadata %+v", worker)
	}
}

func TestParseJListRejectsGarbage(t *testing.T) {
	if _, err := ParseJList([]byte("daemon not running")); err == nil {
		t.Fatalf("expected error for output without array")
	}
	if _, err := ParseJList([]byte("[{")); err == nil {
		t.Fatalf("expected error for truncated json")
	}
}

func TestParseLogLine(t *testing.T) {
	event, ok := parseLogLine([]byte(`{"message":"listening on :3000\n","timestamp":"2024-03-01T10:00:00+00:00","type":"out","process_id":4,"app_name":"api"}`))
	if !ok {
		t.Fatalf("expected line to parse")
	}
	if event.ProcessName != "api" || event.ProcessID != 4 {
		t.Fatalf("unexpected identity %+v", event)
	}
	if event.Message != "listening on :3000" {
		t.Fatalf("unexpected message %q", event.Message)
	}
	want := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	if !event.At.Equal(want) {
		t.Fatalf("unexpected timestamp %s", event.At)
	}

	if _, ok := parseLogLine([]byte(`{"type":"process_event","app_name":"api"}`)); ok {
		t.Fatalf("process events must be skipped")
	}
	if _, ok := parseLogLine([]byte(`[TAILING] Tailing last 0 lines`)); ok {
		t.Fatalf("banner lines must be skipped")
	}
}

func TestCLIConnectAndList(t *testing.T) {
	bin := fakePM2(t, `
case "$1" in
  ping) echo '{"msg":"pong"}' ;;
  jlist) cat "`+filepath.Join(testdataDir(t), "jlist.json")+`" ;;
  *) exit 2 ;;
esac
`)

	cli := NewCLI(bin, t.TempDir(), nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, err := cli.Connect(ctx)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer conn.Close()

	procs, err := conn.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(procs) != 3 {
		t.Fatalf("expected 3 processes, got %d", len(procs))
	}
}

func TestCLIConnectFailure(t *testing.T) {
	bin := fakePM2(t, `echo "daemon unreachable" >&2; exit 1`)

	cli := NewCLI(bin, "", nil)
	_, err := cli.Connect(context.Background())
	if !errors.Is(err, ErrConnect) {
		t.Fatalf("expected ErrConnect, got %v", err)
	}

	missing := NewCLI(filepath.Join(t.TempDir(), "nope"), "", nil)
	if _, err := missing.Connect(context.Background()); !errors.Is(err, ErrConnect) {
		t.Fatalf("expected ErrConnect for missing binary, got %v", err)
	}
}

func TestCLIListFailure(t *testing.T) {
	bin := fakePM2(t, `
case "$1" in
  ping) exit 0 ;;
  *) echo "not json" ;;
esac
`)
	cli := NewCLI(bin, "", nil)
	conn, err := cli.Connect(context.Background())
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if _, err := conn.List(context.Background()); !errors.Is(err, ErrList) {
		t.Fatalf("expected ErrList, got %v", err)
	}
}

func TestCLIStreamLogs(t *testing.T) {
	bin := fakePM2(t, `
echo '[TAILING] Tailing last 0 lines for [all] processes'
echo '{"message":"hello","timestamp":"2024-03-01T10:00:00+00:00","type":"out","process_id":0,"app_name":"api"}'
echo '{"message":"boom","timestamp":"2024-03-01T10:00:01+00:00","type":"err","process_id":1,"app_name":"worker"}'
`)
	cli := NewCLI(bin, "", nil)

	var events []LogEvent
	err := cli.StreamLogs(context.Background(), func(event LogEvent) {
		events = append(events, event)
	})
	if err != nil {
		t.Fatalf("StreamLogs: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[1].Type != LogTypeErr || events[1].ProcessName != "worker" {
		t.Fatalf("unexpected second event %+v", events[1])
	}
}

func fakePM2(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell script fixtures require a POSIX shell")
	}
	path := filepath.Join(t.TempDir(), "pm2")
	script := "#!/bin/sh\n" + body + "\n"
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatalf("write fake pm2: %v", err)
	}
	return path
}

func testdataDir(t *testing.T) string {
	t.Helper()
	dir, err := filepath.Abs("testdata")
	if err != nil {
		t.Fatalf("abs testdata: %v", err)
	}
	return dir
}

func readTestdata(t *testing.T, name string) []byte {
	t.Helper()
	data, err := os.ReadFile(filepath.Join("testdata", name))
	if err != nil {
		t.Fatalf("read testdata %s: %v", name, err)
	}
	return data
}
