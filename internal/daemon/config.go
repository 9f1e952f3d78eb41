package daemon

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/timebank-app/timebank/internal/app/maintenance"
	"github.com/timebank-app/timebank/internal/offline"
)

// EnvPrefix prefixes every environment override. Sections are separated by
// a double underscore: TIMEBANK_API__PORT=9000.
const EnvPrefix = "TIMEBANK_"

// Config is the top-level timebank configuration (~/.timebank/config.toml).
type Config struct {
	API         APIConfig         `koanf:"api" toml:"api"`
	Storage     StorageConfig     `koanf:"storage" toml:"storage"`
	Log         LogConfig         `koanf:"log" toml:"log"`
	Maintenance MaintenanceConfig `koanf:"maintenance" toml:"maintenance"`
	Admin       AdminConfig       `koanf:"admin" toml:"admin"`
	Offline     OfflineConfig     `koanf:"offline" toml:"offline"`
	Metrics     MetricsConfig     `koanf:"metrics" toml:"metrics"`
}

// APIConfig configures the HTTP server.
type APIConfig struct {
	Host            string `koanf:"host" toml:"host"`
	Port            int    `koanf:"port" toml:"port"`
	ReadTimeout     string `koanf:"read_timeout" toml:"read_timeout"`
	WriteTimeout    string `koanf:"write_timeout" toml:"write_timeout"`
	RequestTimeout  string `koanf:"request_timeout" toml:"request_timeout"`
	ShutdownTimeout string `koanf:"shutdown_timeout" toml:"shutdown_timeout"`
}

// StorageConfig selects and configures the server-of-record store.
type StorageConfig struct {
	Driver      string `koanf:"driver" toml:"driver"` // sqlite | postgres
	DataDir     string `koanf:"data_dir" toml:"data_dir"`
	PostgresDSN string `koanf:"postgres_dsn" toml:"postgres_dsn"`
	MaxConns    int32  `koanf:"max_conns" toml:"max_conns"`
}

// LogConfig configures slog.
type LogConfig struct {
	Level  string `koanf:"level" toml:"level"`
	Format string `koanf:"format" toml:"format"` // text | json
}

// MaintenanceConfig holds job schedules; "off" disables a job.
type MaintenanceConfig struct {
	SweepSchedule   string `koanf:"sweep_schedule" toml:"sweep_schedule"`
	AuditSchedule   string `koanf:"audit_schedule" toml:"audit_schedule"`
	RepairSchedule  string `koanf:"repair_schedule" toml:"repair_schedule"`
	ArchiveSchedule string `koanf:"archive_schedule" toml:"archive_schedule"`
	Retention       string `koanf:"retention" toml:"retention"`
	ArchiveBatch    int    `koanf:"archive_batch" toml:"archive_batch"`
	RepairBatch     int    `koanf:"repair_batch" toml:"repair_batch"`
	ShutdownTimeout string `koanf:"shutdown_timeout" toml:"shutdown_timeout"`
}

// AdminConfig maps administrator actor ids to argon2id token hashes.
type AdminConfig struct {
	Tokens map[string]string `koanf:"tokens" toml:"tokens"`
}

// OfflineConfig configures the device-side queue and drainer.
type OfflineConfig struct {
	Dir            string `koanf:"dir" toml:"dir"`
	DeviceID       string `koanf:"device_id" toml:"device_id"`
	ServerURL      string `koanf:"server_url" toml:"server_url"`
	RequestTimeout string `koanf:"request_timeout" toml:"request_timeout"`
	DrainInterval  string `koanf:"drain_interval" toml:"drain_interval"`
	MaxAttempts    uint32 `koanf:"max_attempts" toml:"max_attempts"`
	BaseDelay      string `koanf:"base_delay" toml:"base_delay"`
	MaxDelay       string `koanf:"max_delay" toml:"max_delay"`
	Jitter         string `koanf:"jitter" toml:"jitter"`
}

// MetricsConfig toggles the /metrics endpoint.
type MetricsConfig struct {
	Enabled bool `koanf:"enabled" toml:"enabled"`
}

// Defaults. Durations are strings so they round-trip through TOML and env.
const (
	DefaultAPIHost            = "127.0.0.1"
	DefaultAPIPort            = 8470
	DefaultReadTimeout        = "15s"
	DefaultWriteTimeout       = "30s"
	DefaultRequestTimeout     = "30s"
	DefaultShutdownTimeout    = "15s"
	DefaultStorageDriver      = "sqlite"
	DefaultLogLevel           = "info"
	DefaultLogFormat          = "text"
	DefaultRetention          = "2160h"
	DefaultMaintenanceTimeout = "30s"
	DefaultOfflineServerURL   = "http://127.0.0.1:8470"
	DefaultOfflineTimeout     = "10s"
	DefaultDrainInterval      = "30s"
	DefaultBaseDelay          = "200ms"
	DefaultMaxDelay           = "5s"
	DefaultJitter             = "100ms"
)

// Home returns the timebank home directory ($TIMEBANK_HOME or ~/.timebank).
func Home() string {
	if h := os.Getenv("TIMEBANK_HOME"); h != "" {
		return h
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".timebank"
	}
	return filepath.Join(home, ".timebank")
}

// DefaultConfig returns the built-in configuration.
func DefaultConfig() Config {
	home := Home()
	m := maintenance.DefaultConfig()
	host, _ := os.Hostname()
	return Config{
		API: APIConfig{
			Host:            DefaultAPIHost,
			Port:            DefaultAPIPort,
			ReadTimeout:     DefaultReadTimeout,
			WriteTimeout:    DefaultWriteTimeout,
			RequestTimeout:  DefaultRequestTimeout,
			ShutdownTimeout: DefaultShutdownTimeout,
		},
		Storage: StorageConfig{
			Driver:   DefaultStorageDriver,
			DataDir:  filepath.Join(home, "data"),
			MaxConns: 10,
		},
		Log: LogConfig{
			Level:  DefaultLogLevel,
			Format: DefaultLogFormat,
		},
		Maintenance: MaintenanceConfig{
			SweepSchedule:   m.SweepSchedule,
			AuditSchedule:   m.AuditSchedule,
			RepairSchedule:  m.RepairSchedule,
			ArchiveSchedule: m.ArchiveSchedule,
			Retention:       DefaultRetention,
			ArchiveBatch:    m.ArchiveBatch,
			RepairBatch:     m.RepairBatch,
			ShutdownTimeout: DefaultMaintenanceTimeout,
		},
		Admin: AdminConfig{Tokens: map[string]string{}},
		Offline: OfflineConfig{
			Dir:            filepath.Join(home, "queue"),
			DeviceID:       host,
			ServerURL:      DefaultOfflineServerURL,
			RequestTimeout: DefaultOfflineTimeout,
			DrainInterval:  DefaultDrainInterval,
			MaxAttempts:    4,
			BaseDelay:      DefaultBaseDelay,
			MaxDelay:       DefaultMaxDelay,
			Jitter:         DefaultJitter,
		},
		Metrics: MetricsConfig{Enabled: true},
	}
}

// flagKeys maps persistent CLI flags to config keys.
var flagKeys = map[string]string{
	"log-level":    "log.level",
	"log-format":   "log.format",
	"data-dir":     "storage.data_dir",
	"driver":       "storage.driver",
	"postgres-dsn": "storage.postgres_dsn",
	"host":         "api.host",
	"port":         "api.port",
	"server":       "offline.server_url",
	"queue-dir":    "offline.dir",
	"device-id":    "offline.device_id",
}

// Load layers defaults, the config file, .env, TIMEBANK_* env and changed
// command-line flags, in that order.
func Load(cmd *cobra.Command) (*Config, error) {
	// .env only fills variables that are not already set.
	_ = godotenv.Load()

	k := koanf.New(".")
	if err := k.Load(defaultsProvider{}, nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	path := ""
	if cmd != nil {
		if f := cmd.Flags().Lookup("config"); f != nil {
			path = strings.TrimSpace(f.Value.String())
		}
	}
	if path != "" {
		if err := loadFile(k, path); err != nil {
			return nil, err
		}
	} else {
		for _, name := range []string{"config.toml", "config.yaml", "config.yml"} {
			candidate := filepath.Join(Home(), name)
			if _, err := os.Stat(candidate); err != nil {
				continue
			}
			if err := loadFile(k, candidate); err != nil {
				return nil, err
			}
			break
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	if cmd != nil {
		fs := cmd.Flags()
		err := k.Load(posflag.ProviderWithFlag(fs, ".", k, func(f *pflag.Flag) (string, interface{}) {
			key, ok := flagKeys[f.Name]
			if !ok || !f.Changed {
				return "", nil
			}
			return key, posflag.FlagVal(fs, f)
		}), nil)
		if err != nil {
			return nil, fmt.Errorf("load flags: %w", err)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func envKey(s string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "__", ".")
}

func loadFile(k *koanf.Koanf, path string) error {
	var parser koanf.Parser
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		parser = tomlParser{}
	case ".yaml", ".yml":
		parser = yaml.Parser()
	default:
		return fmt.Errorf("config %s: unsupported format (want .toml or .yaml)", path)
	}
	if err := k.Load(file.Provider(path), parser); err != nil {
		return fmt.Errorf("load config %s: %w", path, err)
	}
	slog.Debug("Loaded config file", "path", path)
	return nil
}

// Validate rejects configurations the daemon cannot run with.
func (c *Config) Validate() error {
	if c.API.Port < 1 || c.API.Port > 65535 {
		return fmt.Errorf("invalid api.port %d (must be 1-65535)", c.API.Port)
	}
	switch c.Storage.Driver {
	case "sqlite":
		if c.Storage.DataDir == "" {
			return errors.New("storage.data_dir is required for sqlite")
		}
	case "postgres":
		if c.Storage.PostgresDSN == "" {
			return errors.New("storage.postgres_dsn is required for postgres")
		}
	default:
		return fmt.Errorf("unknown storage.driver %q (want sqlite or postgres)", c.Storage.Driver)
	}
	for name, v := range map[string]string{
		"api.read_timeout":             c.API.ReadTimeout,
		"api.write_timeout":            c.API.WriteTimeout,
		"api.request_timeout":          c.API.RequestTimeout,
		"api.shutdown_timeout":         c.API.ShutdownTimeout,
		"maintenance.retention":        c.Maintenance.Retention,
		"maintenance.shutdown_timeout": c.Maintenance.ShutdownTimeout,
		"offline.request_timeout":      c.Offline.RequestTimeout,
		"offline.drain_interval":       c.Offline.DrainInterval,
		"offline.base_delay":           c.Offline.BaseDelay,
		"offline.max_delay":            c.Offline.MaxDelay,
		"offline.jitter":               c.Offline.Jitter,
	} {
		if strings.TrimSpace(v) == "" {
			continue
		}
		if _, err := time.ParseDuration(v); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	return nil
}

// Addr returns the listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.API.Host, c.API.Port)
}

// MaintenanceJobs converts the maintenance section.
func (c *Config) MaintenanceJobs() maintenance.Config {
	def := maintenance.DefaultConfig()
	m := maintenance.Config{
		SweepSchedule:   c.Maintenance.SweepSchedule,
		AuditSchedule:   c.Maintenance.AuditSchedule,
		RepairSchedule:  c.Maintenance.RepairSchedule,
		ArchiveSchedule: c.Maintenance.ArchiveSchedule,
		Retention:       mustDuration(c.Maintenance.Retention, def.Retention),
		ArchiveBatch:    c.Maintenance.ArchiveBatch,
		RepairBatch:     c.Maintenance.RepairBatch,
		ShutdownTimeout: mustDuration(c.Maintenance.ShutdownTimeout, def.ShutdownTimeout),
	}
	if m.ArchiveBatch <= 0 {
		m.ArchiveBatch = def.ArchiveBatch
	}
	if m.RepairBatch <= 0 {
		m.RepairBatch = def.RepairBatch
	}
	return m
}

// QueueConfig converts the offline section for the device queue.
func (c *Config) QueueConfig() offline.Config {
	q := offline.DefaultConfig(c.Offline.Dir)
	if c.Offline.DeviceID != "" {
		q.DeviceID = c.Offline.DeviceID
	}
	return q
}

// RetryPolicy converts the offline drain retry settings.
func (c *Config) RetryPolicy() offline.RetryPolicy {
	def := offline.DefaultRetryPolicy()
	p := offline.RetryPolicy{
		MaxAttempts: c.Offline.MaxAttempts,
		BaseDelay:   mustDuration(c.Offline.BaseDelay, def.BaseDelay),
		MaxDelay:    mustDuration(c.Offline.MaxDelay, def.MaxDelay),
		Jitter:      mustDuration(c.Offline.Jitter, def.Jitter),
	}
	if p.MaxAttempts == 0 {
		p.MaxAttempts = def.MaxAttempts
	}
	return p
}

// DurationOrDefault parses value and falls back to def when value is empty.
func DurationOrDefault(value, def string) (time.Duration, error) {
	candidate := strings.TrimSpace(value)
	if candidate == "" {
		candidate = strings.TrimSpace(def)
	}
	if candidate == "" {
		return 0, errors.New("duration value is empty")
	}
	d, err := time.ParseDuration(candidate)
	if err != nil {
		return 0, fmt.Errorf("parse duration %q: %w", candidate, err)
	}
	return d, nil
}

// mustDuration is for values already checked by Validate.
func mustDuration(value string, def time.Duration) time.Duration {
	d, err := DurationOrDefault(value, def.String())
	if err != nil {
		return def
	}
	return d
}

// SaveDefault writes the default configuration as TOML to path. It refuses
// to overwrite an existing file.
func SaveDefault(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := toml.NewEncoder(f).Encode(DefaultConfig()); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	return f.Close()
}

// ─── koanf adapters ─────────────────────────────────────────────────────────

// tomlParser lets koanf read TOML through BurntSushi/toml.
type tomlParser struct{}

func (tomlParser) Unmarshal(b []byte) (map[string]interface{}, error) {
	out := map[string]interface{}{}
	if _, err := toml.Decode(string(b), &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (tomlParser) Marshal(m map[string]interface{}) ([]byte, error) {
	var sb strings.Builder
	if err := toml.NewEncoder(&sb).Encode(m); err != nil {
		return nil, err
	}
	return []byte(sb.String()), nil
}

// defaultsProvider feeds DefaultConfig into koanf as the lowest layer.
type defaultsProvider struct{}

func (defaultsProvider) ReadBytes() ([]byte, error) {
	return nil, errors.New("defaults provider does not support ReadBytes")
}

func (defaultsProvider) Read() (map[string]interface{}, error) {
	var sb strings.Builder
	if err := toml.NewEncoder(&sb).Encode(DefaultConfig()); err != nil {
		return nil, err
	}
	return tomlParser{}.Unmarshal([]byte(sb.String()))
}
