package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/BrandonDHaskell/execgate/internal/execgate/types"
)

// Config is the execgate server configuration. It is read from an optional
// YAML file and overridden by EXECGATE_* environment variables, for example
// EXECGATE_GATE_TIMEOUT=2s.
type Config struct {
	Env     string        `mapstructure:"env" validate:"required,oneof=dev prod"`
	Logging LoggingConfig `mapstructure:"logging"`
	Server  ServerConfig  `mapstructure:"server"`
	Gate    GateConfig    `mapstructure:"gate"`
	Audit   AuditConfig   `mapstructure:"audit"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level" validate:"required,oneof=debug info warn error"`
	Format string `mapstructure:"format" validate:"required,oneof=json console"`
}

type ServerConfig struct {
	// SocketPath is the unix socket both the daemon and the hook dial.
	SocketPath string `mapstructure:"socket_path" validate:"required"`

	// SocketMode is applied to the socket file after it is created.
	SocketMode uint32 `mapstructure:"socket_mode" validate:"lte=511"` // 511 = 0777

	// MetricsAddr serves /metrics when set.
	MetricsAddr string `mapstructure:"metrics_addr" validate:"omitempty,hostname_port"`

	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"required,gt=0"`
}

type GateConfig struct {
	QueueCapacity     int           `mapstructure:"queue_capacity" validate:"gte=1,lte=4096"`
	Timeout           time.Duration `mapstructure:"timeout" validate:"required,gt=0"`
	FallbackVerdict   string        `mapstructure:"fallback_verdict" validate:"required,oneof=allow deny"`
	UnattendedVerdict string        `mapstructure:"unattended_verdict" validate:"required,oneof=allow deny"`
}

// Verdicts parses the configured fallback and unattended verdicts.
func (g GateConfig) Verdicts() (fallback, unattended types.Verdict, err error) {
	fallback, err = types.ParseVerdict(g.FallbackVerdict)
	if err != nil {
		return 0, 0, fmt.Errorf("gate.fallback_verdict: %w", err)
	}
	unattended, err = types.ParseVerdict(g.UnattendedVerdict)
	if err != nil {
		return 0, 0, fmt.Errorf("gate.unattended_verdict: %w", err)
	}
	return fallback, unattended, nil
}

type AuditConfig struct {
	// Store selects where decisions are recorded: "sqlite", "memory" or
	// "none" to disable the audit log.
	Store  string `mapstructure:"store" validate:"required,oneof=none memory sqlite"`
	DBPath string `mapstructure:"db_path" validate:"required_if=Store sqlite"`
	Buffer int    `mapstructure:"buffer" validate:"gte=1"`

	// RetentionDays of 0 keeps audit history forever.
	RetentionDays      int `mapstructure:"retention_days" validate:"gte=0"`
	PruneIntervalHours int `mapstructure:"prune_interval_hours" validate:"gte=1"`
}

// keys lists every setting so environment variables bind even when the
// config file omits them.
var keys = []string{
	"env",
	"logging.level",
	"logging.format",
	"server.socket_path",
	"server.socket_mode",
	"server.metrics_addr",
	"server.shutdown_timeout",
	"gate.queue_capacity",
	"gate.timeout",
	"gate.fallback_verdict",
	"gate.unattended_verdict",
	"audit.store",
	"audit.db_path",
	"audit.buffer",
	"audit.retention_days",
	"audit.prune_interval_hours",
}

// Load reads configuration from configPath (or ./execgate.yaml and
// /etc/execgate/execgate.yaml when empty) and the environment, fills in
// defaults and validates the result.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	if err := setupViper(v, configPath); err != nil {
		return nil, err
	}
	if err := readConfigFile(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}

func setupViper(v *viper.Viper, configPath string) error {
	// EXECGATE_AUDIT_DB_PATH -> audit.db_path
	v.SetEnvPrefix("EXECGATE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, k := range keys {
		if err := v.BindEnv(k); err != nil {
			return fmt.Errorf("bind %s: %w", k, err)
		}
	}
	// 0 is a meaningful retention, so its default cannot come from
	// ApplyDefaults.
	v.SetDefault("audit.retention_days", DefaultRetentionDays)

	if configPath != "" {
		v.SetConfigFile(configPath)
		return nil
	}
	v.SetConfigName("execgate")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/execgate")
	return nil
}

func readConfigFile(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			// Defaults and environment are enough.
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}
	return nil
}
