// Package config loads process configuration from a TOML file, a .env file
// and RELAYCHAT_* environment variables, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"

	"relaychat/internal/repository"
)

const (
	EnvConfigPath = "RELAYCHAT_CONFIG"

	SettingsBolt   = "bolt"
	SettingsSSM    = "ssm"
	SettingsMemory = "memory"

	LogFormatJSON = "json"
	LogFormatText = "text"
)

// Duration decodes TOML strings such as "30s" or "250ms".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

type Config struct {
	Store    StoreConfig    `toml:"store"`
	Settings SettingsConfig `toml:"settings"`
	Gateway  GatewayConfig  `toml:"gateway"`
	Log      LogConfig      `toml:"log"`
}

type StoreConfig struct {
	Driver repository.Driver `toml:"driver"`
	DSN    string            `toml:"dsn"`
	Table  string            `toml:"table"`
}

type SettingsConfig struct {
	Backend     string `toml:"backend"`
	Path        string `toml:"path"`
	ParamPrefix string `toml:"param_prefix"`
}

type GatewayConfig struct {
	Timeout           Duration `toml:"timeout"`
	SearchTimeout     Duration `toml:"search_timeout"`
	DegradedStreaming bool     `toml:"degraded_streaming"`
	ChunkInterval     Duration `toml:"chunk_interval"`
}

type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

func Default() Config {
	return Config{
		Store: StoreConfig{
			Driver: repository.DriverSQLite,
			DSN:    "relaychat.db",
		},
		Settings: SettingsConfig{
			Backend:     SettingsBolt,
			Path:        "relaychat-settings.db",
			ParamPrefix: "/relaychat",
		},
		Gateway: GatewayConfig{
			Timeout:       Duration{60 * time.Second},
			SearchTimeout: Duration{15 * time.Second},
			ChunkInterval: Duration{30 * time.Millisecond},
		},
		Log: LogConfig{Level: "info", Format: LogFormatJSON},
	}
}

// Load builds the configuration. path may be empty, in which case
// RELAYCHAT_CONFIG names the file; with neither set only defaults and the
// environment apply. A .env file in the working directory is loaded first
// and never overrides variables that are already set.
func Load(path string) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("config: load .env: %w", err)
	}

	cfg := Default()
	if path == "" {
		path = os.Getenv(EnvConfigPath)
	}
	if path != "" {
		if err := decodeFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func decodeFile(path string, cfg *Config) error {
	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return fmt.Errorf("config: decode %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		return fmt.Errorf("config: %s: unknown keys: %s", path, strings.Join(keys, ", "))
	}
	return nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	dur := func(key string, dst *Duration) error {
		v, ok := lookup(key)
		if !ok || v == "" {
			return nil
		}
		if err := dst.UnmarshalText([]byte(v)); err != nil {
			return fmt.Errorf("config: %s: %w", key, err)
		}
		return nil
	}

	var driver string
	str("RELAYCHAT_STORE_DRIVER", &driver)
	if driver != "" {
		c.Store.Driver = repository.Driver(driver)
	}
	str("RELAYCHAT_STORE_DSN", &c.Store.DSN)
	str("RELAYCHAT_STORE_TABLE", &c.Store.Table)
	str("RELAYCHAT_SETTINGS_BACKEND", &c.Settings.Backend)
	str("RELAYCHAT_SETTINGS_PATH", &c.Settings.Path)
	str("RELAYCHAT_PARAM_PREFIX", &c.Settings.ParamPrefix)
	str("RELAYCHAT_LOG_LEVEL", &c.Log.Level)
	str("RELAYCHAT_LOG_FORMAT", &c.Log.Format)

	if err := dur("RELAYCHAT_GATEWAY_TIMEOUT", &c.Gateway.Timeout); err != nil {
		return err
	}
	if err := dur("RELAYCHAT_SEARCH_TIMEOUT", &c.Gateway.SearchTimeout); err != nil {
		return err
	}
	if err := dur("RELAYCHAT_CHUNK_INTERVAL", &c.Gateway.ChunkInterval); err != nil {
		return err
	}
	if v, ok := lookup("RELAYCHAT_DEGRADED_STREAMING"); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("config: RELAYCHAT_DEGRADED_STREAMING: %w", err)
		}
		c.Gateway.DegradedStreaming = b
	}
	return nil
}

func (c Config) Validate() error {
	var errs []error
	if !c.Store.Driver.Valid() {
		errs = append(errs, fmt.Errorf("store.driver: unknown driver %q", c.Store.Driver))
	}
	switch c.Store.Driver {
	case repository.DriverSQLite, repository.DriverPostgres:
		if strings.TrimSpace(c.Store.DSN) == "" {
			errs = append(errs, fmt.Errorf("store.dsn: required for %s", c.Store.Driver))
		}
	case repository.DriverDynamoDB:
		if strings.TrimSpace(c.Store.Table) == "" {
			errs = append(errs, errors.New("store.table: required for dynamodb"))
		}
	}

	switch c.Settings.Backend {
	case SettingsBolt:
		if strings.TrimSpace(c.Settings.Path) == "" {
			errs = append(errs, errors.New("settings.path: required for bolt"))
		}
	case SettingsSSM:
		if strings.Trim(c.Settings.ParamPrefix, "/ ") == "" {
			errs = append(errs, errors.New("settings.param_prefix: required for ssm"))
		}
	case SettingsMemory:
	default:
		errs = append(errs, fmt.Errorf("settings.backend: unknown backend %q", c.Settings.Backend))
	}

	if c.Gateway.Timeout.Duration <= 0 {
		errs = append(errs, errors.New("gateway.timeout: must be positive"))
	}
	if c.Gateway.SearchTimeout.Duration <= 0 {
		errs = append(errs, errors.New("gateway.search_timeout: must be positive"))
	}
	if c.Gateway.ChunkInterval.Duration <= 0 {
		errs = append(errs, errors.New("gateway.chunk_interval: must be positive"))
	}

	if _, err := c.Log.level(); err != nil {
		errs = append(errs, err)
	}
	if c.Log.Format != LogFormatJSON && c.Log.Format != LogFormatText {
		errs = append(errs, fmt.Errorf("log.format: unknown format %q", c.Log.Format))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config: invalid: %w", errors.Join(errs...))
	}
	return nil
}

func (l LogConfig) level() (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(l.Level)); err != nil {
		return 0, fmt.Errorf("log.level: %w", err)
	}
	return lvl, nil
}

// NewLogger returns a logger writing to w in the configured format and
// level.
func (l LogConfig) NewLogger(w io.Writer) *slog.Logger {
	lvl, err := l.level()
	if err != nil {
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if l.Format == LogFormatText {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}
