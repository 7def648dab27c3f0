package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ipsix/avsweep/internal/engine"
)

func TestValidateDefaults(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected defaults to validate, got: %v", err)
	}
}

func TestValidateCollectsErrors(t *testing.T) {
	cfg := Default()
	cfg.Log.Level = "loud"
	cfg.Scan.Workers = 0
	cfg.Scan.OnEngineError = "ignore"
	cfg.Watch.Schedule = "every tuesday"
	err := cfg.Validate()
	if err == nil {
		t.Fatalf("expected validation errors")
	}
	for _, want := range []string{"log.level", "scan.workers", "scan.on_engine_error", "watch.schedule"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("expected %q in %q", want, err.Error())
		}
	}
	if got := strings.Count(err.Error(), "; "); got != 3 {
		t.Fatalf("expected 4 joined errors, got %d separators", got)
	}
}

func TestValidateNotifyChannels(t *testing.T) {
	cfg := Default()
	cfg.Notify.Channels = []ChannelConfig{
		{Type: "webhook", Enabled: true},
		{Type: "nats", Enabled: true},
		{Type: "pager", Enabled: true},
		{Type: "email", Enabled: true, SMTPServer: "smtp.example.com:587"},
	}
	err := cfg.Validate()
	if err == nil {
		t.Fatalf("expected validation error for incomplete channels")
	}
	for _, want := range []string{"channels[0].url", "channels[1].subject", "channels[2].type", "channels[3] needs smtp_server"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("expected %q in %q", want, err.Error())
		}
	}
}

func TestClamdBackendNeedsNoDatabase(t *testing.T) {
	cfg := Default()
	cfg.Engine.Backend = "clamd"
	cfg.Engine.Database = ""
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected clamd config without database to validate, got: %v", err)
	}
	cfg.Engine.Backend = "native"
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected native backend to require a database")
	}
}

func TestLoadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	raw := `
log:
  level: debug
engine:
  backend: native
  database: /srv/sigs
  parsers: [archive, pe]
  heuristics: false
  max_scan_size: 1MiB
scan:
  workers: 4
  recursive: true
  exclude: ["**/.git/**"]
  on_engine_error: continue
watch:
  schedule: "*/5 * * * *"
`
	if err := os.WriteFile(path, []byte(raw), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Log.Level != "debug" || cfg.Log.Format != "text" {
		t.Fatalf("unexpected log config: %+v", cfg.Log)
	}
	if cfg.Scan.Workers != 4 || !cfg.Scan.Recursive || cfg.Scan.OnEngineError != "continue" {
		t.Fatalf("unexpected scan config: %+v", cfg.Scan)
	}
	opts := cfg.Engine.Options()
	if opts.Parse != engine.ParseArchive|engine.ParsePE {
		t.Fatalf("unexpected parse flags: %b", opts.Parse)
	}
	if opts.Heuristics() {
		t.Fatalf("expected heuristics disabled")
	}
	if opts.MaxScanSize != 1<<20 {
		t.Fatalf("expected 1MiB limit, got %d", opts.MaxScanSize)
	}
	if opts.MaxFiles != 10000 {
		t.Fatalf("expected default max files, got %d", opts.MaxFiles)
	}
}

func TestLoadJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	raw := `{"engine": {"backend": "clamd", "clamd_address": "unix:///run/clamd.sock"}, "scan": {"workers": 2}}`
	if err := os.WriteFile(path, []byte(raw), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Engine.Backend != "clamd" || cfg.Engine.ClamdAddress != "unix:///run/clamd.sock" {
		t.Fatalf("unexpected engine config: %+v", cfg.Engine)
	}
	if cfg.Engine.Database != DefaultDatabase {
		t.Fatalf("expected default database to survive, got %q", cfg.Engine.Database)
	}
}

func TestLoadMissingExplicitFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatalf("expected error for missing config file")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("AVSWEEP_ENGINE_BACKEND", "clamd")
	t.Setenv("AVSWEEP_CLAMD_ADDRESS", "tcp://10.0.0.5:3310")
	t.Setenv("AVSWEEP_WORKERS", "6")
	t.Setenv("AVSWEEP_LOG_LEVEL", "warn")
	t.Setenv("AVSWEEP_WEBHOOK_URL", "https://hooks.example.com/av")

	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("scan:\n  workers: 2\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Engine.Backend != "clamd" || cfg.Engine.ClamdAddress != "tcp://10.0.0.5:3310" {
		t.Fatalf("engine overrides not applied: %+v", cfg.Engine)
	}
	if cfg.Scan.Workers != 6 {
		t.Fatalf("expected 6 workers, got %d", cfg.Scan.Workers)
	}
	if cfg.Log.Level != "warn" {
		t.Fatalf("expected warn level, got %q", cfg.Log.Level)
	}
	if !cfg.Notify.Enabled {
		t.Fatalf("expected webhook override to enable notifications")
	}
	last := cfg.Notify.Channels[len(cfg.Notify.Channels)-1]
	if last.Type != "webhook" || last.URL != "https://hooks.example.com/av" {
		t.Fatalf("unexpected webhook channel: %+v", last)
	}
}

func TestRedacted(t *testing.T) {
	cfg := Default()
	cfg.Notify.Channels = []ChannelConfig{
		{Type: "webhook", URL: "https://x", Token: "secret"},
		{Type: "email", SMTPPass: "hunter2"},
	}
	redacted := cfg.Redacted()
	if redacted.Notify.Channels[0].Token == "secret" {
		t.Fatalf("expected token to be redacted")
	}
	if redacted.Notify.Channels[1].SMTPPass == "hunter2" {
		t.Fatalf("expected smtp password to be redacted")
	}
	if cfg.Notify.Channels[0].Token != "secret" {
		t.Fatalf("redaction must not modify the original")
	}
}

func TestParseSize(t *testing.T) {
	cases := map[string]int64{
		"0":      0,
		"512":    512,
		"4K":     4 << 10,
		"400MiB": 400 << 20,
		"2 GB":   2 << 30,
		"10b":    10,
	}
	for in, want := range cases {
		got, err := ParseSize(in)
		if err != nil {
			t.Fatalf("ParseSize(%q): %v", in, err)
		}
		if got != want {
			t.Fatalf("ParseSize(%q) = %d, want %d", in, got, want)
		}
	}
	for _, bad := range []string{"", "lots", "-1K"} {
		if _, err := ParseSize(bad); err == nil {
			t.Fatalf("expected error for %q", bad)
		}
	}
}

func TestDurations(t *testing.T) {
	cfg := Default()
	if got := cfg.Engine.ScanTimeoutDuration(); got != time.Minute {
		t.Fatalf("expected 1m, got %s", got)
	}
	cfg.Engine.ScanTimeout = "invalid"
	if got := cfg.Engine.ScanTimeoutDuration(); got <= 0 {
		t.Fatalf("expected fallback duration, got %s", got)
	}
	if got := cfg.Notify.ThrottleDuration(); got != 5*time.Minute {
		t.Fatalf("expected 5m, got %s", got)
	}
}
