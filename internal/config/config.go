package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/skobkin/pm2-telemetry/internal/metrics"
	"github.com/skobkin/pm2-telemetry/internal/newrelic"
)

// Config represents runtime configuration sourced from an optional YAML
// file and environment variables.
type Config struct {
	ListenAddr       string
	EnableHTTP       bool
	AllowedOrigins   []string
	EnablePrometheus bool
	EnablePprof      bool
	LogLevel         slog.Level
	PollInterval     time.Duration
	StageTimeout     time.Duration
	LedgerKey        metrics.LedgerKey
	NewRelic         NewRelicConfig
	PM2              PM2Config
	Logs             LogsConfig
	WS               WebsocketConfig
}

// NewRelicConfig holds ingest credentials and endpoint selection.
type NewRelicConfig struct {
	LicenseKey string
	Region     newrelic.Region
	Gzip       bool
}

// PM2Config locates the PM2 command line client.
type PM2Config struct {
	Binary string
	Home   string
}

// LogsConfig controls log forwarding.
type LogsConfig struct {
	Enable         bool
	ExcludeProcess string
	RestartDelay   time.Duration
}

// WebsocketConfig captures tunables for WebSocket handling.
type WebsocketConfig struct {
	MaxClients   int
	WriteTimeout time.Duration
	ReadTimeout  time.Duration
}

// ExportEnabled reports whether a license key is configured.
func (c Config) ExportEnabled() bool {
	return c.NewRelic.LicenseKey != ""
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		ListenAddr:       ":9209",
		EnableHTTP:       true,
		AllowedOrigins:   []string{"*"},
		EnablePrometheus: false,
		EnablePprof:      false,
		LogLevel:         slog.LevelInfo,
		PollInterval:     30 * time.Second,
		StageTimeout:     10 * time.Second,
		LedgerKey:        metrics.LedgerByName,
		NewRelic: NewRelicConfig{
			Region: newrelic.RegionEU,
			Gzip:   true,
		},
		PM2: PM2Config{
			Binary: "pm2",
		},
		Logs: LogsConfig{
			Enable:         true,
			ExcludeProcess: "pm2-telemetry",
			RestartDelay:   5 * time.Second,
		},
		WS: WebsocketConfig{
			MaxClients:   64,
			WriteTimeout: 3 * time.Second,
			ReadTimeout:  60 * time.Second,
		},
	}
}

// Load applies defaults, then the file named by APP_CONFIG_FILE (if any),
// then environment variable overrides.
func Load() (Config, error) {
	cfg := Default()

	if path := strings.TrimSpace(os.Getenv("APP_CONFIG_FILE")); path != "" {
		if err := applyFile(&cfg, path); err != nil {
			return Config{}, err
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	if value := strings.TrimSpace(os.Getenv("APP_LISTEN_ADDR")); value != "" {
		cfg.ListenAddr = value
	}

	if err := envBool("APP_HTTP_ENABLE", &cfg.EnableHTTP); err != nil {
		return err
	}

	if value := strings.TrimSpace(os.Getenv("APP_ALLOWED_ORIGINS")); value != "" {
		origins := splitAndTrim(value, ",")
		if len(origins) == 0 {
			return fmt.Errorf("APP_ALLOWED_ORIGINS must not be empty")
		}
		cfg.AllowedOrigins = origins
	}

	if err := envBool("APP_ENABLE_PROMETHEUS", &cfg.EnablePrometheus); err != nil {
		return err
	}
	if err := envBool("APP_ENABLE_PPROF", &cfg.EnablePprof); err != nil {
		return err
	}

	if value := strings.TrimSpace(os.Getenv("APP_LOG_LEVEL")); value != "" {
		level, err := parseLogLevel(value)
		if err != nil {
			return fmt.Errorf("parse APP_LOG_LEVEL: %w", err)
		}
		cfg.LogLevel = level
	}

	if err := envDuration("APP_POLL_INTERVAL", &cfg.PollInterval); err != nil {
		return err
	}
	if err := envDuration("APP_STAGE_TIMEOUT", &cfg.StageTimeout); err != nil {
		return err
	}

	if value := strings.TrimSpace(os.Getenv("APP_LEDGER_KEY")); value != "" {
		key, err := metrics.ParseLedgerKey(strings.ToLower(value))
		if err != nil {
			return fmt.Errorf("parse APP_LEDGER_KEY: %w", err)
		}
		cfg.LedgerKey = key
	}

	// An explicitly empty key disables export.
	if value, ok := os.LookupEnv("APP_NR_LICENSE_KEY"); ok {
		cfg.NewRelic.LicenseKey = strings.TrimSpace(value)
	}

	if value := strings.TrimSpace(os.Getenv("APP_NR_REGION")); value != "" {
		region, err := newrelic.ParseRegion(value)
		if err != nil {
			return fmt.Errorf("parse APP_NR_REGION: %w", err)
		}
		cfg.NewRelic.Region = region
	}

	if err := envBool("APP_NR_GZIP", &cfg.NewRelic.Gzip); err != nil {
		return err
	}

	if value := strings.TrimSpace(os.Getenv("APP_PM2_BIN")); value != "" {
		cfg.PM2.Binary = value
	}
	if value := strings.TrimSpace(os.Getenv("APP_PM2_HOME")); value != "" {
		cfg.PM2.Home = value
	}

	if err := envBool("APP_LOGS_ENABLE", &cfg.Logs.Enable); err != nil {
		return err
	}
	if value, ok := os.LookupEnv("APP_LOGS_EXCLUDE_PROCESS"); ok {
		cfg.Logs.ExcludeProcess = strings.TrimSpace(value)
	}
	if err := envDuration("APP_LOGS_RESTART_DELAY", &cfg.Logs.RestartDelay); err != nil {
		return err
	}

	if value := strings.TrimSpace(os.Getenv("APP_WS_MAX_CLIENTS")); value != "" {
		maxClients, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("parse APP_WS_MAX_CLIENTS: %w", err)
		}
		if maxClients <= 0 {
			return fmt.Errorf("APP_WS_MAX_CLIENTS must be > 0")
		}
		cfg.WS.MaxClients = maxClients
	}
	if err := envDuration("APP_WS_WRITE_TIMEOUT", &cfg.WS.WriteTimeout); err != nil {
		return err
	}
	if err := envDuration("APP_WS_READ_TIMEOUT", &cfg.WS.ReadTimeout); err != nil {
		return err
	}

	return nil
}

func envBool(key string, dst *bool) error {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return nil
	}
	enabled, err := strconv.ParseBool(value)
	if err != nil {
		return fmt.Errorf("parse %s: %w", key, err)
	}
	*dst = enabled
	return nil
}

func envDuration(key string, dst *time.Duration) error {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return nil
	}
	duration, err := parsePositiveDuration(value)
	if err != nil {
		return fmt.Errorf("parse %s: %w", key, err)
	}
	*dst = duration
	return nil
}

func parsePositiveDuration(value string) (time.Duration, error) {
	duration, err := time.ParseDuration(value)
	if err != nil {
		return 0, err
	}
	if duration <= 0 {
		return 0, fmt.Errorf("must be > 0")
	}
	return duration, nil
}

// fileConfig mirrors Config for YAML decoding. Unset keys keep defaults.
type fileConfig struct {
	ListenAddr       *string  `yaml:"listen_addr"`
	EnableHTTP       *bool    `yaml:"http_enable"`
	AllowedOrigins   []string `yaml:"allowed_origins"`
	EnablePrometheus *bool    `yaml:"enable_prometheus"`
	EnablePprof      *bool    `yaml:"enable_pprof"`
	LogLevel         string   `yaml:"log_level"`
	PollInterval     string   `yaml:"poll_interval"`
	StageTimeout     string   `yaml:"stage_timeout"`
	LedgerKey        string   `yaml:"ledger_key"`
	NewRelic         struct {
		LicenseKey *string `yaml:"license_key"`
		Region     string  `yaml:"region"`
		Gzip       *bool   `yaml:"gzip"`
	} `yaml:"newrelic"`
	PM2 struct {
		Binary string `yaml:"binary"`
		Home   string `yaml:"home"`
	} `yaml:"pm2"`
	Logs struct {
		Enable         *bool   `yaml:"enable"`
		ExcludeProcess *string `yaml:"exclude_process"`
		RestartDelay   string  `yaml:"restart_delay"`
	} `yaml:"logs"`
	WS struct {
		MaxClients   int    `yaml:"max_clients"`
		WriteTimeout string `yaml:"write_timeout"`
		ReadTimeout  string `yaml:"read_timeout"`
	} `yaml:"ws"`
}

func applyFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("decode config file %s: %w", path, err)
	}

	if fc.ListenAddr != nil {
		cfg.ListenAddr = *fc.ListenAddr
	}
	if fc.EnableHTTP != nil {
		cfg.EnableHTTP = *fc.EnableHTTP
	}
	if len(fc.AllowedOrigins) > 0 {
		cfg.AllowedOrigins = fc.AllowedOrigins
	}
	if fc.EnablePrometheus != nil {
		cfg.EnablePrometheus = *fc.EnablePrometheus
	}
	if fc.EnablePprof != nil {
		cfg.EnablePprof = *fc.EnablePprof
	}
	if fc.LogLevel != "" {
		level, err := parseLogLevel(fc.LogLevel)
		if err != nil {
			return fmt.Errorf("config file log_level: %w", err)
		}
		cfg.LogLevel = level
	}

	durations := []struct {
		name  string
		value string
		dst   *time.Duration
	}{
		{"poll_interval", fc.PollInterval, &cfg.PollInterval},
		{"stage_timeout", fc.StageTimeout, &cfg.StageTimeout},
		{"logs.restart_delay", fc.Logs.RestartDelay, &cfg.Logs.RestartDelay},
		{"ws.write_timeout", fc.WS.WriteTimeout, &cfg.WS.WriteTimeout},
		{"ws.read_timeout", fc.WS.ReadTimeout, &cfg.WS.ReadTimeout},
	}
	for _, d := range durations {
		if d.value == "" {
			continue
		}
		parsed, err := parsePositiveDuration(d.value)
		if err != nil {
			return fmt.Errorf("config file %s: %w", d.name, err)
		}
		*d.dst = parsed
	}

	if fc.LedgerKey != "" {
		key, err := metrics.ParseLedgerKey(strings.ToLower(fc.LedgerKey))
		if err != nil {
			return fmt.Errorf("config file ledger_key: %w", err)
		}
		cfg.LedgerKey = key
	}

	if fc.NewRelic.LicenseKey != nil {
		cfg.NewRelic.LicenseKey = strings.TrimSpace(*fc.NewRelic.LicenseKey)
	}
	if fc.NewRelic.Region != "" {
		region, err := newrelic.ParseRegion(fc.NewRelic.Region)
		if err != nil {
			return fmt.Errorf("config file newrelic.region: %w", err)
		}
		cfg.NewRelic.Region = region
	}
	if fc.NewRelic.Gzip != nil {
		cfg.NewRelic.Gzip = *fc.NewRelic.Gzip
	}

	if fc.PM2.Binary != "" {
		cfg.PM2.Binary = fc.PM2.Binary
	}
	if fc.PM2.Home != "" {
		cfg.PM2.Home = fc.PM2.Home
	}

	if fc.Logs.Enable != nil {
		cfg.Logs.Enable = *fc.Logs.Enable
	}
	if fc.Logs.ExcludeProcess != nil {
		cfg.Logs.ExcludeProcess = *fc.Logs.ExcludeProcess
	}

	if fc.WS.MaxClients < 0 {
		return fmt.Errorf("config file ws.max_clients must be > 0")
	}
	if fc.WS.MaxClients > 0 {
		cfg.WS.MaxClients = fc.WS.MaxClients
	}

	return nil
}

func splitAndTrim(value, sep string) []string {
	raw := strings.Split(value, sep)
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		trimmed := strings.TrimSpace(item)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func parseLogLevel(input string) (slog.Level, error) {
	switch strings.ToUpper(strings.TrimSpace(input)) {
	case "DEBUG":
		return slog.LevelDebug, nil
	case "INFO":
		return slog.LevelInfo, nil
	case "WARN", "WARNING":
		return slog.LevelWarn, nil
	case "ERROR":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unsupported log level %q", input)
	}
}
