package config

import "time"

// DatabaseConfig configures the SQLite-backed stores (event store, skill
// store, scheduler). Paths are resolved relative to Workspace.Path when not
// absolute.
type DatabaseConfig struct {
	URL             string        `yaml:"url"`
	MaxConnections  int           `yaml:"max_connections"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}
