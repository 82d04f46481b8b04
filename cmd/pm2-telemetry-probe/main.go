// pm2-telemetry-probe runs poll cycles against the local PM2 daemon and
// prints the aggregated batch. With --send the batch is also exported.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/pflag"

	"github.com/skobkin/pm2-telemetry/internal/clock"
	"github.com/skobkin/pm2-telemetry/internal/hostinfo"
	"github.com/skobkin/pm2-telemetry/internal/metrics"
	"github.com/skobkin/pm2-telemetry/internal/newrelic"
	"github.com/skobkin/pm2-telemetry/internal/pm2"
	"github.com/skobkin/pm2-telemetry/internal/poller"
	"github.com/skobkin/pm2-telemetry/internal/version"
)

type options struct {
	pm2Binary  string
	pm2Home    string
	jsonOutput bool
	send       bool
	ledger     string
	polls      int
	interval   time.Duration
	timeout    time.Duration
	licenseKey string
	region     string
	verbose    bool
}

func main() {
	if err := run(context.Background(), os.Args[1:], os.Stdout, os.Stderr); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func parseFlags(args []string, stderr io.Writer) (options, error) {
	var opts options

	flagSet := pflag.NewFlagSet("pm2-telemetry-probe", pflag.ContinueOnError)
	flagSet.SetOutput(stderr)
	flagSet.StringVar(&opts.pm2Binary, "pm2", envOrDefault("APP_PM2_BIN", "pm2"), "path to the pm2 binary")
	flagSet.StringVar(&opts.pm2Home, "pm2-home", os.Getenv("APP_PM2_HOME"), "PM2_HOME passed to pm2")
	flagSet.BoolVar(&opts.jsonOutput, "json", false, "print the batch as JSON")
	flagSet.BoolVar(&opts.send, "send", false, "export every batch to New Relic")
	flagSet.StringVar(&opts.ledger, "ledger", envOrDefault("APP_LEDGER_KEY", string(metrics.LedgerByName)), "restart ledger key: name or instance")
	flagSet.IntVarP(&opts.polls, "polls", "n", 1, "number of poll cycles to run")
	flagSet.DurationVar(&opts.interval, "interval", 5*time.Second, "interval between poll cycles")
	flagSet.DurationVar(&opts.timeout, "timeout", 10*time.Second, "per-stage timeout")
	flagSet.StringVar(&opts.licenseKey, "license-key", os.Getenv("APP_NR_LICENSE_KEY"), "New Relic license key used with --send")
	flagSet.StringVar(&opts.region, "region", envOrDefault("APP_NR_REGION", string(newrelic.RegionEU)), "New Relic region: us or eu")
	flagSet.BoolVarP(&opts.verbose, "verbose", "v", false, "debug logging on stderr")

	if err := flagSet.Parse(args); err != nil {
		return opts, err
	}
	if opts.polls < 1 {
		return opts, fmt.Errorf("--polls must be at least 1")
	}
	if opts.interval <= 0 {
		return opts, fmt.Errorf("--interval must be > 0")
	}
	return opts, nil
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	opts, err := parseFlags(args, stderr)
	if err != nil {
		return err
	}

	ledgerKey, err := metrics.ParseLedgerKey(strings.ToLower(strings.TrimSpace(opts.ledger)))
	if err != nil {
		return err
	}
	region, err := newrelic.ParseRegion(opts.region)
	if err != nil {
		return err
	}

	level := slog.LevelWarn
	if opts.verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level}))

	licenseKey := ""
	if opts.send {
		licenseKey = opts.licenseKey
		if strings.TrimSpace(licenseKey) == "" {
			return fmt.Errorf("--send requires a license key")
		}
	}
	client := newrelic.New(newrelic.Options{
		LicenseKey: licenseKey,
		Region:     region,
		Gzip:       true,
		Timeout:    opts.timeout,
		Logger:     logger,
	})

	host := hostinfo.Detect(ctx)
	manager, err := poller.NewManager(pm2.NewCLI(opts.pm2Binary, opts.pm2Home, logger), client, poller.Options{
		Interval:     opts.interval,
		StageTimeout: opts.timeout,
		LedgerKey:    ledgerKey,
		Attributes: newrelic.Attributes{
			Host:          host.Hostname,
			PID:           host.PID,
			PluginVersion: version.Current().Version,
			OSName:        host.OSName,
		},
	}, logger)
	if err != nil {
		return err
	}
	defer manager.Close()

	clk := clock.Real()
	for i := 0; i < opts.polls; i++ {
		start := clk.Now()
		batch, err := manager.RunOnce(ctx)
		if err != nil {
			return fmt.Errorf("poll %d: %w", i+1, err)
		}
		if err := printBatch(stdout, batch, opts.jsonOutput); err != nil {
			return err
		}
		if opts.send {
			fmt.Fprintf(stderr, "exported %d samples (status %d)\n", len(batch.Samples), manager.Stats().LastStatus)
		}
		if i == opts.polls-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-clk.After(poller.NextWait(opts.interval, clk.Now().Sub(start))):
		}
	}
	return nil
}

func printBatch(w io.Writer, batch metrics.Batch, jsonOutput bool) error {
	if jsonOutput {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(batch)
	}

	fmt.Fprintf(w, "Collected %d instances at %s\n", batch.Instances, batch.CollectedAt.UTC().Format(time.RFC3339))
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tCOUNT\tCPU\tMEMORY\tUPTIME\tRESTARTS\tINTERVAL")
	for _, name := range batch.Names {
		writeRow(tw, name, batch.ByName[name])
	}
	writeRow(tw, "(all)", batch.Fleet)
	return tw.Flush()
}

func writeRow(w io.Writer, name string, totals metrics.Totals) {
	fmt.Fprintf(w, "%s\t%d\t%.1f%%\t%s\t%s\t%s\t%d\n",
		name,
		totals.Count,
		totals.CPU,
		humanize.IBytes(totals.Memory),
		(time.Duration(totals.Uptime) * time.Second).String(),
		humanize.Comma(totals.Restarts),
		totals.IntervalRestarts,
	)
}

func envOrDefault(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
