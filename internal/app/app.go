// Package app wires up and runs the application services.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/skobkin/pm2-telemetry/internal/config"
	"github.com/skobkin/pm2-telemetry/internal/hostinfo"
	"github.com/skobkin/pm2-telemetry/internal/httpserver"
	"github.com/skobkin/pm2-telemetry/internal/logrelay"
	"github.com/skobkin/pm2-telemetry/internal/newrelic"
	"github.com/skobkin/pm2-telemetry/internal/pm2"
	"github.com/skobkin/pm2-telemetry/internal/poller"
	"github.com/skobkin/pm2-telemetry/internal/version"
)

const (
	shutdownTimeout = 10 * time.Second
	hostInfoTimeout = 5 * time.Second
)

type services struct {
	host   hostinfo.Info
	poller *poller.Manager
	relay  *logrelay.Relay
	server *httpserver.Server
}

func build(ctx context.Context, baseLogger *slog.Logger, cfg config.Config) (*services, error) {
	appLogger := baseLogger.With("component", "app")

	hostCtx, cancel := context.WithTimeout(ctx, hostInfoTimeout)
	host := hostinfo.Detect(hostCtx)
	cancel()
	appLogger.Info("host detected", "host", host.Hostname, "os", host.OSName, "pid", host.PID)

	pluginVersion := version.Current().Version

	if !cfg.ExportEnabled() {
		appLogger.Warn("license key not configured, export disabled")
	}
	client := newrelic.New(newrelic.Options{
		LicenseKey: cfg.NewRelic.LicenseKey,
		Region:     cfg.NewRelic.Region,
		Gzip:       cfg.NewRelic.Gzip,
		Timeout:    cfg.StageTimeout,
		Logger:     baseLogger,
	})

	source := pm2.NewCLI(cfg.PM2.Binary, cfg.PM2.Home, baseLogger)

	pollerManager, err := poller.NewManager(source, client, poller.Options{
		Interval:     cfg.PollInterval,
		StageTimeout: cfg.StageTimeout,
		LedgerKey:    cfg.LedgerKey,
		Attributes: newrelic.Attributes{
			Host:          host.Hostname,
			PID:           host.PID,
			PluginVersion: pluginVersion,
			OSName:        host.OSName,
		},
	}, baseLogger)
	if err != nil {
		return nil, fmt.Errorf("init poller: %w", err)
	}

	svc := &services{
		host:   host,
		poller: pollerManager,
	}

	if cfg.Logs.Enable {
		svc.relay = logrelay.New(source, client, logrelay.Options{
			ExcludeProcess: cfg.Logs.ExcludeProcess,
			Host:           host.Hostname,
			PluginVersion:  pluginVersion,
			SendTimeout:    cfg.StageTimeout,
			RestartDelay:   cfg.Logs.RestartDelay,
		}, baseLogger)
	}

	if cfg.EnableHTTP {
		svc.server = httpserver.New(cfg, baseLogger.With("component", "http"), host, pollerManager, svc.relay)
	}

	return svc, nil
}

// Run bootstraps the application lifecycle.
func Run(ctx context.Context, baseLogger *slog.Logger, cfg config.Config) error {
	appLogger := baseLogger.With("component", "app")

	svc, err := build(ctx, baseLogger, cfg)
	if err != nil {
		return err
	}
	defer svc.poller.Close()

	workCtx, workCancel := context.WithCancel(ctx)
	defer workCancel()

	pollerErrCh := make(chan error, 1)
	go func() {
		pollerErrCh <- svc.poller.Run(workCtx)
	}()

	var relayErrCh chan error
	if svc.relay != nil {
		relayErrCh = make(chan error, 1)
		go func() {
			relayErrCh <- svc.relay.Run(workCtx)
		}()
	}

	var errCh chan error
	if svc.server != nil {
		appLogger.Info("starting HTTP server", "listen_addr", cfg.ListenAddr)
		errCh = make(chan error, 1)
		go func() {
			errCh <- svc.server.Start()
		}()
	}

	drain := func() error {
		workCancel()
		var errs []error
		if pollerErrCh != nil {
			if err := <-pollerErrCh; err != nil && !errors.Is(err, context.Canceled) {
				errs = append(errs, fmt.Errorf("poller: %w", err))
			}
		}
		if relayErrCh != nil {
			if err := <-relayErrCh; err != nil && !errors.Is(err, context.Canceled) {
				errs = append(errs, fmt.Errorf("log relay: %w", err))
			}
		}
		return errors.Join(errs...)
	}

	for {
		select {
		case err := <-errCh:
			if err != nil {
				_ = drain()
				return fmt.Errorf("http server: %w", err)
			}
			return drain()
		case err := <-pollerErrCh:
			pollerErrCh = nil
			if err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
		case err := <-relayErrCh:
			relayErrCh = nil
			if err != nil && !errors.Is(err, context.Canceled) {
				appLogger.Warn("log relay stopped", "err", err)
			}
		case <-ctx.Done():
			appLogger.Info("shutdown initiated", "reason", ctx.Err())

			if svc.server != nil {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
				defer cancel()

				if err := svc.server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
					return fmt.Errorf("http shutdown: %w", err)
				}
				if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
			}

			if err := drain(); err != nil {
				return err
			}

			appLogger.Info("shutdown complete")
			return nil
		}
	}
}
