package daemon

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"
)

// testCommand mirrors the persistent flags the CLI registers.
func testCommand(configPath string) *cobra.Command {
	cmd := &cobra.Command{Use: "test"}
	fs := cmd.Flags()
	fs.String("config", configPath, "")
	fs.String("log-level", "", "")
	fs.String("driver", "", "")
	fs.String("data-dir", "", "")
	fs.Int("port", 0, "")
	return cmd
}

func isolate(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("TIMEBANK_HOME", home)
	return home
}

func TestDefaultConfig(t *testing.T) {
	home := isolate(t)
	cfg := DefaultConfig()

	if cfg.API.Host != "127.0.0.1" {
		t.Errorf("API.Host = %q, want %q", cfg.API.Host, "127.0.0.1")
	}
	if cfg.API.Port != 8470 {
		t.Errorf("API.Port = %d, want %d", cfg.API.Port, 8470)
	}
	if cfg.Storage.Driver != "sqlite" {
		t.Errorf("Storage.Driver = %q", cfg.Storage.Driver)
	}
	if cfg.Storage.DataDir != filepath.Join(home, "data") {
		t.Errorf("Storage.DataDir = %q", cfg.Storage.DataDir)
	}
	if cfg.Offline.Dir != filepath.Join(home, "queue") {
		t.Errorf("Offline.Dir = %q", cfg.Offline.Dir)
	}
	if !cfg.Metrics.Enabled {
		t.Error("Metrics.Enabled should be true by default")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults should validate: %v", err)
	}
}

func TestLoad_Defaults(t *testing.T) {
	isolate(t)
	cfg, err := Load(nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.API.Port != DefaultAPIPort || cfg.Log.Level != DefaultLogLevel {
		t.Errorf("unexpected config %+v", cfg.API)
	}
	if cfg.Maintenance.Retention != DefaultRetention {
		t.Errorf("Retention = %q", cfg.Maintenance.Retention)
	}
}

func TestLoad_Layering(t *testing.T) {
	home := isolate(t)
	path := filepath.Join(home, "custom.toml")
	content := `
[api]
port = 9100
host = "0.0.0.0"

[log]
level = "debug"

[admin.tokens]
mom = "$argon2id$v=19$m=1024,t=1,p=1$c2FsdHNhbHQ$a2V5a2V5"
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("TIMEBANK_LOG__LEVEL", "warn")

	cmd := testCommand(path)
	if err := cmd.Flags().Set("port", "9200"); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(cmd)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.API.Host != "0.0.0.0" {
		t.Errorf("file value lost: host = %q", cfg.API.Host)
	}
	if cfg.Log.Level != "warn" {
		t.Errorf("env should override file: level = %q", cfg.Log.Level)
	}
	if cfg.API.Port != 9200 {
		t.Errorf("flag should override file: port = %d", cfg.API.Port)
	}
	if cfg.Storage.Driver != "sqlite" {
		t.Errorf("unchanged flag should not override: driver = %q", cfg.Storage.Driver)
	}
	if !strings.HasPrefix(cfg.Admin.Tokens["mom"], "$argon2id$") {
		t.Errorf("admin tokens = %v", cfg.Admin.Tokens)
	}
}

func TestLoad_YAMLFromHome(t *testing.T) {
	home := isolate(t)
	content := "storage:\n  driver: postgres\n  postgres_dsn: postgres://localhost/timebank\n"
	if err := os.WriteFile(filepath.Join(home, "config.yaml"), []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(testCommand(""))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Storage.Driver != "postgres" || cfg.Storage.PostgresDSN == "" {
		t.Errorf("storage = %+v", cfg.Storage)
	}
}

func TestLoad_RejectsInvalid(t *testing.T) {
	home := isolate(t)
	path := filepath.Join(home, "bad.toml")
	os.WriteFile(path, []byte("[storage]\ndriver = \"mysql\"\n"), 0o600)
	if _, err := Load(testCommand(path)); err == nil {
		t.Error("expected error for unknown driver")
	}

	if _, err := Load(testCommand(filepath.Join(home, "config.ini"))); err == nil {
		t.Error("expected error for unsupported extension")
	}
}

func TestValidate(t *testing.T) {
	isolate(t)
	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"port zero", func(c *Config) { c.API.Port = 0 }},
		{"port too high", func(c *Config) { c.API.Port = 70000 }},
		{"sqlite without dir", func(c *Config) { c.Storage.DataDir = "" }},
		{"postgres without dsn", func(c *Config) { c.Storage.Driver = "postgres" }},
		{"bad duration", func(c *Config) { c.Offline.MaxDelay = "soon" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestDurationOrDefault(t *testing.T) {
	tests := []struct {
		value, def string
		want       time.Duration
		wantErr    bool
	}{
		{"5s", "1s", 5 * time.Second, false},
		{"", "1s", time.Second, false},
		{"  ", "2m", 2 * time.Minute, false},
		{"", "", 0, true},
		{"five", "1s", 0, true},
	}
	for _, tt := range tests {
		got, err := DurationOrDefault(tt.value, tt.def)
		if (err != nil) != tt.wantErr {
			t.Errorf("DurationOrDefault(%q, %q) err = %v", tt.value, tt.def, err)
			continue
		}
		if got != tt.want {
			t.Errorf("DurationOrDefault(%q, %q) = %v, want %v", tt.value, tt.def, got, tt.want)
		}
	}
}

func TestConversions(t *testing.T) {
	isolate(t)
	cfg := DefaultConfig()
	cfg.Maintenance.Retention = "720h"
	cfg.Maintenance.ArchiveBatch = 0
	cfg.Offline.MaxAttempts = 0
	cfg.Offline.DeviceID = "tablet"

	m := cfg.MaintenanceJobs()
	if m.Retention != 30*24*time.Hour {
		t.Errorf("Retention = %v", m.Retention)
	}
	if m.ArchiveBatch <= 0 {
		t.Errorf("ArchiveBatch should fall back to the default, got %d", m.ArchiveBatch)
	}

	p := cfg.RetryPolicy()
	if err := p.Validate(); err != nil {
		t.Errorf("RetryPolicy invalid: %v", err)
	}
	if p.MaxAttempts != 4 || p.BaseDelay != 200*time.Millisecond {
		t.Errorf("RetryPolicy = %+v", p)
	}
	if q := cfg.QueueConfig(); q.DeviceID != "tablet" || q.Dir != cfg.Offline.Dir {
		t.Errorf("QueueConfig = %+v", q)
	}
	if cfg.Addr() != "127.0.0.1:8470" {
		t.Errorf("Addr = %q", cfg.Addr())
	}
}

func TestSaveDefault(t *testing.T) {
	home := isolate(t)
	path := filepath.Join(home, "nested", "config.toml")
	if err := SaveDefault(path); err != nil {
		t.Fatalf("SaveDefault: %v", err)
	}
	if err := SaveDefault(path); err == nil {
		t.Error("SaveDefault should refuse to overwrite")
	}

	cfg, err := Load(testCommand(path))
	if err != nil {
		t.Fatalf("Load saved config: %v", err)
	}
	if cfg.API.Port != DefaultAPIPort {
		t.Errorf("port = %d", cfg.API.Port)
	}
}
