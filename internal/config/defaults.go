package config

import "time"

// Default configuration values.
const (
	DefaultLogLevel        = "info"
	DefaultLogFormat       = "text"
	DefaultPoolLength      = 0xFE00
	DefaultMetricsListen   = "127.0.0.1:9137"
	DefaultControlSocket   = "/run/maapd/control.sock"
	DefaultControlTimeout  = 5 * time.Second
	DefaultAuditDBPath     = "/var/lib/maapd/audit.db"
)
