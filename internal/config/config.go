package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"github.com/ipsix/avsweep/internal/engine"
)

const (
	DefaultConfigPath = "/etc/avsweep/config.yaml"
	DefaultDatabase   = "/var/lib/avsweep/sigdb"
)

type Config struct {
	Log    LogConfig    `json:"log" yaml:"log"`
	Engine EngineConfig `json:"engine" yaml:"engine"`
	Scan   ScanConfig   `json:"scan" yaml:"scan"`
	Notify NotifyConfig `json:"notify" yaml:"notify"`
	Watch  WatchConfig  `json:"watch" yaml:"watch"`
}

type LogConfig struct {
	Level  string `json:"level" yaml:"level"`
	Format string `json:"format" yaml:"format"`
}

type EngineConfig struct {
	Backend      string `json:"backend" yaml:"backend"`
	Database     string `json:"database" yaml:"database"`
	ClamdAddress string `json:"clamd_address" yaml:"clamd_address"`
	// Parsers lists the enabled format parsers; empty enables all of them.
	Parsers     []string `json:"parsers" yaml:"parsers"`
	Heuristics  bool     `json:"heuristics" yaml:"heuristics"`
	MaxScanSize string   `json:"max_scan_size" yaml:"max_scan_size"`
	MaxFiles    int      `json:"max_files" yaml:"max_files"`
	ScanTimeout string   `json:"scan_timeout" yaml:"scan_timeout"`
}

type ScanConfig struct {
	Workers       int      `json:"workers" yaml:"workers"`
	Recursive     bool     `json:"recursive" yaml:"recursive"`
	Include       []string `json:"include" yaml:"include"`
	Exclude       []string `json:"exclude" yaml:"exclude"`
	OnEngineError string   `json:"on_engine_error" yaml:"on_engine_error"`
}

type NotifyConfig struct {
	Enabled      bool            `json:"enabled" yaml:"enabled"`
	Throttle     string          `json:"throttle" yaml:"throttle"`
	RetryMax     int             `json:"retry_max" yaml:"retry_max"`
	RetryBackoff string          `json:"retry_backoff" yaml:"retry_backoff"`
	Channels     []ChannelConfig `json:"channels" yaml:"channels"`
}

type ChannelConfig struct {
	Type    string `json:"type" yaml:"type"`
	Enabled bool   `json:"enabled" yaml:"enabled"`

	URL     string `json:"url" yaml:"url"`
	Token   string `json:"token" yaml:"token"`
	Subject string `json:"subject" yaml:"subject"`

	SyslogNetwork string `json:"syslog_network" yaml:"syslog_network"`
	SyslogAddress string `json:"syslog_address" yaml:"syslog_address"`
	SyslogTag     string `json:"syslog_tag" yaml:"syslog_tag"`

	SMTPServer string   `json:"smtp_server" yaml:"smtp_server"`
	SMTPUser   string   `json:"smtp_user" yaml:"smtp_user"`
	SMTPPass   string   `json:"smtp_pass" yaml:"smtp_pass"`
	From       string   `json:"from" yaml:"from"`
	To         []string `json:"to" yaml:"to"`
}

type WatchConfig struct {
	Schedule   string `json:"schedule" yaml:"schedule"`
	RunOnStart bool   `json:"run_on_start" yaml:"run_on_start"`
}

var parserNames = map[string]engine.ParseFlags{
	"archive": engine.ParseArchive,
	"elf":     engine.ParseELF,
	"pdf":     engine.ParsePDF,
	"swf":     engine.ParseSWF,
	"hwp3":    engine.ParseHWP3,
	"xmldocs": engine.ParseXMLDocs,
	"mail":    engine.ParseMail,
	"ole2":    engine.ParseOLE2,
	"html":    engine.ParseHTML,
	"pe":      engine.ParsePE,
}

func Default() Config {
	return Config{
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Engine: EngineConfig{
			Backend:     "native",
			Database:    DefaultDatabase,
			Heuristics:  true,
			MaxScanSize: "400MiB",
			MaxFiles:    10000,
			ScanTimeout: "1m",
		},
		Scan: ScanConfig{
			Workers:       1,
			OnEngineError: "abort",
		},
		Notify: NotifyConfig{
			Enabled:      false,
			Throttle:     "5m",
			RetryMax:     2,
			RetryBackoff: "2s",
			Channels: []ChannelConfig{
				{Type: "log", Enabled: true},
			},
		},
		Watch: WatchConfig{
			Schedule: "@every 1h",
		},
	}
}

// Load reads a JSON or YAML file (by extension) over the defaults, applies
// environment overrides and validates the result. A missing file at the
// default path is not an error.
func Load(path string) (Config, error) {
	explicit := path != ""
	if path == "" {
		path = DefaultConfigPath
	}

	cfg := Default()

	raw, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := decode(path, raw, &cfg); err != nil {
			return Config{}, err
		}
	case !explicit && errors.Is(err, os.ErrNotExist):
	default:
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func decode(path string, raw []byte, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return fmt.Errorf("parse config: %w", err)
		}
	default:
		if err := json.Unmarshal(raw, cfg); err != nil {
			return fmt.Errorf("parse config: %w", err)
		}
	}
	return nil
}

func (c Config) Validate() error {
	var errs []string

	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, "log.level must be one of: debug, info, warn, error")
	}

	switch strings.ToLower(c.Log.Format) {
	case "json", "text":
	default:
		errs = append(errs, "log.format must be one of: json, text")
	}

	if c.Engine.Backend == "" {
		errs = append(errs, "engine.backend is required")
	}
	if c.Engine.Backend != "clamd" && c.Engine.Database == "" {
		errs = append(errs, "engine.database is required")
	}
	for _, p := range c.Engine.Parsers {
		if _, ok := parserNames[strings.ToLower(p)]; !ok {
			errs = append(errs, fmt.Sprintf("engine.parsers contains unknown parser: %s", p))
		}
	}
	if c.Engine.MaxScanSize != "" {
		if _, err := ParseSize(c.Engine.MaxScanSize); err != nil {
			errs = append(errs, "engine.max_scan_size must be a size (e.g. 400MiB)")
		}
	}
	if c.Engine.MaxFiles < 0 {
		errs = append(errs, "engine.max_files must be >= 0")
	}
	if c.Engine.ScanTimeout != "" {
		if _, err := time.ParseDuration(c.Engine.ScanTimeout); err != nil {
			errs = append(errs, "engine.scan_timeout must be a valid duration (e.g. 1m)")
		}
	}

	if c.Scan.Workers < 1 {
		errs = append(errs, "scan.workers must be >= 1")
	}
	switch c.Scan.OnEngineError {
	case "abort", "continue":
	default:
		errs = append(errs, "scan.on_engine_error must be one of: abort, continue")
	}

	if c.Notify.Throttle != "" {
		if _, err := time.ParseDuration(c.Notify.Throttle); err != nil {
			errs = append(errs, "notify.throttle must be a valid duration")
		}
	}
	if c.Notify.RetryBackoff != "" {
		if _, err := time.ParseDuration(c.Notify.RetryBackoff); err != nil {
			errs = append(errs, "notify.retry_backoff must be a valid duration")
		}
	}
	if c.Notify.RetryMax < 0 {
		errs = append(errs, "notify.retry_max must be >= 0")
	}
	for i, ch := range c.Notify.Channels {
		switch ch.Type {
		case "log", "syslog":
		case "email":
			if ch.Enabled && (ch.SMTPServer == "" || ch.From == "" || len(ch.To) == 0) {
				errs = append(errs, fmt.Sprintf("notify.channels[%d] needs smtp_server, from and to for email", i))
			}
		case "webhook":
			if ch.Enabled && ch.URL == "" {
				errs = append(errs, fmt.Sprintf("notify.channels[%d].url is required for webhook", i))
			}
		case "nats":
			if ch.Enabled && ch.Subject == "" {
				errs = append(errs, fmt.Sprintf("notify.channels[%d].subject is required for nats", i))
			}
		case "":
			errs = append(errs, fmt.Sprintf("notify.channels[%d].type is required", i))
		default:
			errs = append(errs, fmt.Sprintf("notify.channels[%d].type %q is not supported", i, ch.Type))
		}
	}

	if c.Watch.Schedule != "" {
		if _, err := cron.ParseStandard(c.Watch.Schedule); err != nil {
			errs = append(errs, fmt.Sprintf("watch.schedule is invalid: %v", err))
		}
	}

	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}

	return nil
}

// Options converts the engine section into scan options.
func (e EngineConfig) Options() engine.Options {
	opts := engine.DefaultOptions()
	if len(e.Parsers) > 0 {
		opts.Parse = 0
		for _, p := range e.Parsers {
			opts.Parse |= parserNames[strings.ToLower(p)]
		}
	}
	if !e.Heuristics {
		opts.General &^= engine.GeneralHeuristics
	}
	if size, err := ParseSize(e.MaxScanSize); err == nil && size > 0 {
		opts.MaxScanSize = size
	}
	if e.MaxFiles > 0 {
		opts.MaxFiles = e.MaxFiles
	}
	return opts
}

func (e EngineConfig) ScanTimeoutDuration() time.Duration {
	if e.ScanTimeout == "" {
		return time.Minute
	}
	parsed, err := time.ParseDuration(e.ScanTimeout)
	if err != nil {
		return time.Minute
	}
	return parsed
}

func (n NotifyConfig) ThrottleDuration() time.Duration {
	if n.Throttle == "" {
		return 0
	}
	parsed, err := time.ParseDuration(n.Throttle)
	if err != nil {
		return 0
	}
	return parsed
}

func (n NotifyConfig) RetryBackoffDuration() time.Duration {
	if n.RetryBackoff == "" {
		return 0
	}
	parsed, err := time.ParseDuration(n.RetryBackoff)
	if err != nil {
		return 0
	}
	return parsed
}

// ParseSize accepts a plain byte count or a number with a B, KiB, MiB or GiB
// suffix (KB/MB/GB are read as binary units too).
func ParseSize(value string) (int64, error) {
	s := strings.TrimSpace(value)
	if s == "" {
		return 0, errors.New("empty size")
	}
	upper := strings.ToUpper(s)
	mult := int64(1)
	for _, unit := range []struct {
		suffix string
		mult   int64
	}{
		{"GIB", 1 << 30}, {"MIB", 1 << 20}, {"KIB", 1 << 10},
		{"GB", 1 << 30}, {"MB", 1 << 20}, {"KB", 1 << 10},
		{"G", 1 << 30}, {"M", 1 << 20}, {"K", 1 << 10}, {"B", 1},
	} {
		if strings.HasSuffix(upper, unit.suffix) {
			mult = unit.mult
			upper = strings.TrimSpace(strings.TrimSuffix(upper, unit.suffix))
			break
		}
	}
	n, err := strconv.ParseInt(upper, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse size %q: %w", value, err)
	}
	if n < 0 {
		return 0, fmt.Errorf("parse size %q: negative", value)
	}
	return n * mult, nil
}

func (c Config) Redacted() Config {
	clone := c
	if len(c.Notify.Channels) > 0 {
		clone.Notify.Channels = make([]ChannelConfig, len(c.Notify.Channels))
		copy(clone.Notify.Channels, c.Notify.Channels)
	}
	for i := range clone.Notify.Channels {
		if clone.Notify.Channels[i].Token != "" {
			clone.Notify.Channels[i].Token = "REDACTED"
		}
		if clone.Notify.Channels[i].SMTPPass != "" {
			clone.Notify.Channels[i].SMTPPass = "REDACTED"
		}
	}
	return clone
}

func applyEnvOverrides(cfg *Config) {
	if v, ok := os.LookupEnv("AVSWEEP_ENGINE_BACKEND"); ok && v != "" {
		cfg.Engine.Backend = v
	}
	if v, ok := os.LookupEnv("AVSWEEP_DATABASE"); ok && v != "" {
		cfg.Engine.Database = v
	}
	if v, ok := os.LookupEnv("AVSWEEP_CLAMD_ADDRESS"); ok && v != "" {
		cfg.Engine.ClamdAddress = v
	}
	if v, ok := os.LookupEnv("AVSWEEP_LOG_LEVEL"); ok && v != "" {
		cfg.Log.Level = v
	}
	if v, ok := os.LookupEnv("AVSWEEP_WORKERS"); ok {
		if parsed, err := strconv.Atoi(v); err == nil {
			cfg.Scan.Workers = parsed
		}
	}
	if v, ok := os.LookupEnv("AVSWEEP_WEBHOOK_URL"); ok && v != "" {
		cfg.Notify.Enabled = true
		cfg.Notify.Channels = append(cfg.Notify.Channels, ChannelConfig{Type: "webhook", Enabled: true, URL: v})
	}
}
