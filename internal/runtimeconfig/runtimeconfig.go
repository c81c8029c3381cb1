// Package runtimeconfig loads the layered process configuration: CLI flag
// > environment variable > config file > built-in defaults.
package runtimeconfig

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

// EnvPrefix is the environment variable prefix every key is bound under.
const EnvPrefix = "CFTUNNEL"

// DefaultConfigName is the config file base name searched for.
const DefaultConfigName = "cftunnel"

// Timeouts holds every bounded-wait duration the system honors.
type Timeouts struct {
	HTTP             time.Duration `mapstructure:"http"`
	ProcessReadyNamed time.Duration `mapstructure:"process_ready_named"`
	ProcessReadyQuick time.Duration `mapstructure:"process_ready_quick"`
	GracefulStop     time.Duration `mapstructure:"graceful_stop"`
	PropagationFull  time.Duration `mapstructure:"propagation_full"`
	PropagationShort time.Duration `mapstructure:"propagation_short"`
}

// Retry holds the general retry/backoff policy applied to restart attempts.
type Retry struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	BaseDelay   time.Duration `mapstructure:"base_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
	Backoff     float64       `mapstructure:"backoff"`
}

// Event holds the EventServer's own listen configuration.
type Event struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
}

// Config is the fully resolved runtime configuration.
type Config struct {
	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`
	DataDir   string `mapstructure:"data_dir"`

	Timeouts Timeouts `mapstructure:"timeouts"`
	Retry    Retry    `mapstructure:"retry"`
	Event    Event    `mapstructure:"event"`
}

// Default returns the built-in configuration before any layering is applied.
func Default() *Config {
	return &Config{
		LogLevel:  "info",
		LogFormat: "text",
		DataDir:   defaultDataDir(),
		Timeouts: Timeouts{
			HTTP:              15 * time.Second,
			ProcessReadyNamed: 45 * time.Second,
			ProcessReadyQuick: 30 * time.Second,
			GracefulStop:      5 * time.Second,
			PropagationFull:   120 * time.Second,
			PropagationShort:  30 * time.Second,
		},
		Retry: Retry{
			MaxAttempts: 3,
			BaseDelay:   5 * time.Second,
			MaxDelay:    60 * time.Second,
			Backoff:     2,
		},
		Event: Event{
			Enabled: false,
			Listen:  ":8787",
		},
	}
}

func defaultDataDir() string {
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return xdg + "/cftunnel"
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".cftunnel"
	}
	return home + "/.local/share/cftunnel"
}

// Load resolves configuration with priority CLI flag > ENV > config file >
// defaults. configPath, when non-empty, is treated as an explicit CLI flag
// value and takes precedence over any file search.
func Load(configPath string) (*Config, error) {
	cfg := Default()
	v := viper.New()

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v, cfg)

	if err := resolveConfigFile(v, configPath); err != nil {
		return nil, err
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}

	validate(cfg)

	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return nil, fmt.Errorf("data_dir %q is not writable: %w", cfg.DataDir, err)
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("log_level", cfg.LogLevel)
	v.SetDefault("log_format", cfg.LogFormat)
	v.SetDefault("data_dir", cfg.DataDir)

	v.SetDefault("timeouts.http", cfg.Timeouts.HTTP)
	v.SetDefault("timeouts.process_ready_named", cfg.Timeouts.ProcessReadyNamed)
	v.SetDefault("timeouts.process_ready_quick", cfg.Timeouts.ProcessReadyQuick)
	v.SetDefault("timeouts.graceful_stop", cfg.Timeouts.GracefulStop)
	v.SetDefault("timeouts.propagation_full", cfg.Timeouts.PropagationFull)
	v.SetDefault("timeouts.propagation_short", cfg.Timeouts.PropagationShort)

	v.SetDefault("retry.max_attempts", cfg.Retry.MaxAttempts)
	v.SetDefault("retry.base_delay", cfg.Retry.BaseDelay)
	v.SetDefault("retry.max_delay", cfg.Retry.MaxDelay)
	v.SetDefault("retry.backoff", cfg.Retry.Backoff)

	v.SetDefault("event.enabled", cfg.Event.Enabled)
	v.SetDefault("event.listen", cfg.Event.Listen)
}

// resolveConfigFile applies the lookup priority: explicit path, then
// CFTUNNEL_CONFIG, then a search of "." and $XDG_CONFIG_HOME/cftunnel.
func resolveConfigFile(v *viper.Viper, configPath string) error {
	if configPath != "" {
		v.SetConfigFile(configPath)
		return v.ReadInConfig()
	}

	if envPath := os.Getenv(EnvPrefix + "_CONFIG"); envPath != "" {
		v.SetConfigFile(envPath)
		return v.ReadInConfig()
	}

	v.SetConfigName(DefaultConfigName)
	v.AddConfigPath(".")
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		v.AddConfigPath(xdg + "/cftunnel")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return err
	}
	return nil
}

// validate falls back unrecognized log level/format values to a sane
// default with a logged warning, and replaces a negative restart cap or a
// backoff factor of 1 or less with its default (a cap of 0 is kept: no
// restarts). An unwritable DataDir is the only fatal misconfiguration, and
// that check happens later once DataDir is known.
func validate(cfg *Config) {
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		log.Warn().Str("log_level", cfg.LogLevel).Msg("unknown log level, falling back to info")
		cfg.LogLevel = "info"
	}

	if cfg.LogFormat != "json" && cfg.LogFormat != "text" {
		log.Warn().Str("log_format", cfg.LogFormat).Msg("unknown log format, falling back to text")
		cfg.LogFormat = "text"
	}

	if cfg.Retry.MaxAttempts < 0 {
		cfg.Retry.MaxAttempts = 3
	}
	if cfg.Retry.Backoff <= 1 {
		cfg.Retry.Backoff = 2
	}
}
