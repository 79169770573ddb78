package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Build-time variables injected via -ldflags.
var (
	Version   = "dev"
	BuildTime = "unknown"
)

// Config holds all service configuration.
type Config struct {
	// Debug enables verbose logging.
	Debug bool `mapstructure:"debug"`

	// LogDir, when set, additionally writes JSON logs to <LogDir>/<name>.log.
	LogDir string `mapstructure:"log_dir"`

	HTTP     HTTPConfig     `mapstructure:"http"`
	Provider ProviderConfig `mapstructure:"provider"`
	Database DatabaseConfig `mapstructure:"database"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Notify   NotifyConfig   `mapstructure:"notify"`
	Fleet    FleetConfig    `mapstructure:"fleet"`
	Tracing  TracingConfig  `mapstructure:"tracing"`
}

type HTTPConfig struct {
	// Addr is the listen address of the public API.
	Addr string `mapstructure:"addr"`
}

type ProviderConfig struct {
	// APIKey is the Vultr API key. Requests fail with a misconfiguration
	// error while it is empty.
	APIKey string `mapstructure:"api_key"`

	// BaseURL is the Vultr API root, without the trailing slash.
	BaseURL string `mapstructure:"base_url"`

	// Timeout bounds a single provider request.
	Timeout time.Duration `mapstructure:"timeout"`

	// CompensateFailedCreate deletes a freshly created instance at the
	// provider when the local record could not be written.
	CompensateFailedCreate bool `mapstructure:"compensate_failed_create"`
}

type DatabaseConfig struct {
	// Driver is "postgres" or "sqlite".
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
}

type AuthConfig struct {
	// Mode is "local" (sessions issued by /wallet/connect) or "supabase".
	Mode string `mapstructure:"mode"`

	// SessionTTL is the lifetime of locally issued sessions.
	SessionTTL time.Duration `mapstructure:"session_ttl"`

	SupabaseURL     string `mapstructure:"supabase_url"`
	SupabaseAnonKey string `mapstructure:"supabase_anon_key"`
}

type NotifyConfig struct {
	// NATSURL selects the NATS broker when set; otherwise change
	// notifications stay in-process.
	NATSURL string `mapstructure:"nats_url"`
}

type FleetConfig struct {
	PollInterval time.Duration `mapstructure:"poll_interval"`
	Debounce     time.Duration `mapstructure:"debounce"`
	HistorySize  int           `mapstructure:"history_size"`
	IdleTTL      time.Duration `mapstructure:"idle_ttl"`
}

type TracingConfig struct {
	// Stdout exports spans to stdout in pretty JSON.
	Stdout bool `mapstructure:"stdout"`
}

// DefaultConfig returns a Config populated with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		HTTP: HTTPConfig{Addr: "0.0.0.0:8080"},
		Provider: ProviderConfig{
			BaseURL:                "https://api.vultr.com/v2",
			Timeout:                30 * time.Second,
			CompensateFailedCreate: true,
		},
		Database: DatabaseConfig{
			Driver: "sqlite",
			DSN:    "file:provisioner.db?cache=shared",
		},
		Auth: AuthConfig{
			Mode:       "local",
			SessionTTL: 7 * 24 * time.Hour,
		},
		Fleet: FleetConfig{
			PollInterval: 30 * time.Second,
			Debounce:     time.Second,
			HistorySize:  30,
			IdleTTL:      10 * time.Minute,
		},
	}
}

// Load reads configuration from the optional file at path and from
// environment variables prefixed with PROVISIONER_ (nested keys use "_",
// e.g. PROVISIONER_PROVIDER_API_KEY). The unprefixed VULTR_API_KEY,
// SUPABASE_URL and SUPABASE_ANON_KEY are honoured as well.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v, DefaultConfig())

	v.SetEnvPrefix("PROVISIONER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	_ = v.BindEnv("provider.api_key", "PROVISIONER_PROVIDER_API_KEY", "VULTR_API_KEY")
	_ = v.BindEnv("auth.supabase_url", "PROVISIONER_AUTH_SUPABASE_URL", "SUPABASE_URL")
	_ = v.BindEnv("auth.supabase_anon_key", "PROVISIONER_AUTH_SUPABASE_ANON_KEY", "SUPABASE_ANON_KEY")

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.Provider.APIKey = strings.TrimSpace(cfg.Provider.APIKey)
	cfg.Provider.BaseURL = strings.TrimRight(cfg.Provider.BaseURL, "/")

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks values that would make the service unusable. A missing
// provider key is deliberately not one of them.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("database.driver must be \"postgres\" or \"sqlite\", got %q", c.Database.Driver)
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required")
	}

	switch c.Auth.Mode {
	case "local":
	case "supabase":
		if c.Auth.SupabaseURL == "" || c.Auth.SupabaseAnonKey == "" {
			return fmt.Errorf("auth.mode=supabase requires SUPABASE_URL and SUPABASE_ANON_KEY")
		}
	default:
		return fmt.Errorf("auth.mode must be \"local\" or \"supabase\", got %q", c.Auth.Mode)
	}

	if c.Fleet.HistorySize <= 0 {
		return fmt.Errorf("fleet.history_size must be positive")
	}
	if c.Fleet.PollInterval <= 0 {
		return fmt.Errorf("fleet.poll_interval must be positive")
	}
	return nil
}

func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("debug", d.Debug)
	v.SetDefault("log_dir", d.LogDir)

	v.SetDefault("http.addr", d.HTTP.Addr)

	v.SetDefault("provider.api_key", d.Provider.APIKey)
	v.SetDefault("provider.base_url", d.Provider.BaseURL)
	v.SetDefault("provider.timeout", d.Provider.Timeout)
	v.SetDefault("provider.compensate_failed_create", d.Provider.CompensateFailedCreate)

	v.SetDefault("database.driver", d.Database.Driver)
	v.SetDefault("database.dsn", d.Database.DSN)

	v.SetDefault("auth.mode", d.Auth.Mode)
	v.SetDefault("auth.session_ttl", d.Auth.SessionTTL)
	v.SetDefault("auth.supabase_url", d.Auth.SupabaseURL)
	v.SetDefault("auth.supabase_anon_key", d.Auth.SupabaseAnonKey)

	v.SetDefault("notify.nats_url", d.Notify.NATSURL)

	v.SetDefault("fleet.poll_interval", d.Fleet.PollInterval)
	v.SetDefault("fleet.debounce", d.Fleet.Debounce)
	v.SetDefault("fleet.history_size", d.Fleet.HistorySize)
	v.SetDefault("fleet.idle_ttl", d.Fleet.IdleTTL)

	v.SetDefault("tracing.stdout", d.Tracing.Stdout)
}

// NewLogger creates a structured JSON logger writing to stdout and, when
// LogDir is set, to <LogDir>/<name>.log as well.
func NewLogger(cfg *Config, name string) (*slog.Logger, error) {
	var w io.Writer = os.Stdout

	if cfg.LogDir != "" {
		if err := os.MkdirAll(cfg.LogDir, 0o755); err != nil {
			return nil, fmt.Errorf("create log dir: %w", err)
		}
		logPath := filepath.Join(cfg.LogDir, name+".log")
		file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open log file %s: %w", logPath, err)
		}
		w = io.MultiWriter(os.Stdout, file)
	}

	level := slog.LevelInfo
	if cfg.Debug {
		level = slog.LevelDebug
	}

	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
	return slog.New(handler).With("service", name), nil
}
