package config

import "time"

// LoggingConfig controls structured log output.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// TasksConfig configures the proactive scheduler.
type TasksConfig struct {
	// Enabled enables the scheduled tasks scheduler.
	Enabled bool `yaml:"enabled"`

	// WorkerID uniquely identifies this scheduler instance for distributed locking.
	// Defaults to a generated UUID if empty.
	WorkerID string `yaml:"worker_id"`

	// PollInterval is how often the scheduler checks for due tasks.
	// Defaults to 10 seconds.
	PollInterval time.Duration `yaml:"poll_interval"`

	// AcquireInterval is how often the scheduler tries to acquire pending executions.
	// Defaults to 1 second.
	AcquireInterval time.Duration `yaml:"acquire_interval"`

	// LockDuration is how long an execution lock is held.
	// Should be longer than the maximum expected execution time.
	// Defaults to 10 minutes.
	LockDuration time.Duration `yaml:"lock_duration"`

	// MaxConcurrency is the maximum number of concurrent task executions.
	// Defaults to 5.
	MaxConcurrency int `yaml:"max_concurrency"`

	// CleanupInterval is how often stale executions are cleaned up.
	// Defaults to 1 minute.
	CleanupInterval time.Duration `yaml:"cleanup_interval"`

	// StaleTimeout is how long an execution can run before being marked stale.
	// Defaults to 30 minutes.
	StaleTimeout time.Duration `yaml:"stale_timeout"`

	// DefaultTimeout is the default timeout for task execution if not specified on the task.
	// Defaults to 5 minutes.
	DefaultTimeout time.Duration `yaml:"default_timeout"`
}

// HeartbeatConfig controls the per-persona liveness-check runner: a
// periodic low-cost prompt sent to each configured agent so stalled or
// crashed personas can be detected independently of the task scheduler.
type HeartbeatConfig struct {
	// Enabled turns on the heartbeat runner.
	Enabled bool `yaml:"enabled"`

	// Interval is how often each agent is heartbeated. Defaults to 30m.
	Interval time.Duration `yaml:"interval"`

	// Prompt overrides the default heartbeat prompt. Empty uses
	// heartbeat.DefaultPrompt.
	Prompt string `yaml:"prompt"`

	// MaxAckChars bounds how much of a HEARTBEAT_OK acknowledgment is
	// kept for the monitor's LastResponse.
	MaxAckChars int `yaml:"max_ack_chars"`

	// MissedThreshold is how many consecutive missed/failed heartbeats
	// before an agent is marked unhealthy.
	MissedThreshold int `yaml:"missed_threshold"`

	// ActiveHours restricts the window heartbeats are allowed to run in.
	ActiveHours HeartbeatActiveHoursConfig `yaml:"active_hours"`
}

// HeartbeatActiveHoursConfig mirrors heartbeat.ActiveHoursConfig so it can
// be declared in YAML without importing the heartbeat package from config.
type HeartbeatActiveHoursConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Start    string `yaml:"start"`
	End      string `yaml:"end"`
	Timezone string `yaml:"timezone"`
	Days     []int  `yaml:"days"`
}
