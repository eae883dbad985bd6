package config

import (
	"strings"
	"time"
)

const (
	DefaultSocketPath      = "/run/execgate/execgate.sock"
	DefaultSocketMode      = 0o660
	DefaultDBPath          = "./data/execgate.db"
	DefaultQueueCapacity   = 64
	DefaultGateTimeout     = 10 * time.Second
	DefaultAuditBuffer     = 1024
	DefaultRetentionDays   = 30
	DefaultPruneInterval   = 6
	defaultShutdownTimeout = 10 * time.Second
)

// ApplyDefaults fills unset fields. Explicit values are kept; string values
// are normalised to lower case.
func ApplyDefaults(cfg *Config) {
	cfg.Env = lowerOr(cfg.Env, "dev")

	cfg.Logging.Level = lowerOr(cfg.Logging.Level, "info")
	cfg.Logging.Format = lowerOr(cfg.Logging.Format, "json")

	if cfg.Server.SocketPath == "" {
		cfg.Server.SocketPath = DefaultSocketPath
	}
	if cfg.Server.SocketMode == 0 {
		cfg.Server.SocketMode = DefaultSocketMode
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = defaultShutdownTimeout
	}

	if cfg.Gate.QueueCapacity == 0 {
		cfg.Gate.QueueCapacity = DefaultQueueCapacity
	}
	if cfg.Gate.Timeout == 0 {
		cfg.Gate.Timeout = DefaultGateTimeout
	}
	// Nothing is connected at boot; let the system come up.
	cfg.Gate.UnattendedVerdict = lowerOr(cfg.Gate.UnattendedVerdict, "allow")
	cfg.Gate.FallbackVerdict = lowerOr(cfg.Gate.FallbackVerdict, "deny")

	cfg.Audit.Store = lowerOr(cfg.Audit.Store, "sqlite")
	if cfg.Audit.DBPath == "" && cfg.Audit.Store == "sqlite" {
		cfg.Audit.DBPath = DefaultDBPath
	}
	if cfg.Audit.Buffer == 0 {
		cfg.Audit.Buffer = DefaultAuditBuffer
	}
	if cfg.Audit.PruneIntervalHours == 0 {
		cfg.Audit.PruneIntervalHours = DefaultPruneInterval
	}
}

func lowerOr(v, def string) string {
	v = strings.ToLower(strings.TrimSpace(v))
	if v == "" {
		return def
	}
	return v
}
