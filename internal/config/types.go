package config

// Config is the jobsched process configuration. The retry delay and attempt
// limit are not here; they live in the settings table so every worker sees
// the same values.
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Storage   StorageConfig   `json:"storage"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Pool      PoolConfig      `json:"pool"`
	HTTP      HTTPConfig      `json:"http"`
	Events    EventsConfig    `json:"events"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	JSON    bool        `json:"json,omitempty"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig selects the job store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./jobsched.db" }
//	"storage": { "driver": "postgres", "dsn": "postgres://sched@db/sched" }
type StorageConfig struct {
	Driver       string `json:"driver"`
	Path         string `json:"path,omitempty"`
	DSN          string `json:"dsn,omitempty"`            // never logged
	BusyTimeout  string `json:"busy_timeout,omitempty"`   // Go duration string (sqlite)
	MaxOpenConns int    `json:"max_open_conns,omitempty"` // postgres
	// AutoMigrate defaults to true when omitted.
	AutoMigrate *bool `json:"auto_migrate,omitempty"`
}

// SchedulerConfig controls the poller.
//
// Defaults:
//   - worker_id: "<app>::<host>::<pid>::<uuid>"
//   - poll_interval: "1m"
//   - shutdown_timeout: "30s"
type SchedulerConfig struct {
	App             string `json:"app,omitempty"`
	Instance        string `json:"instance,omitempty"` // suffix of the default worker id
	WorkerID        string `json:"worker_id,omitempty"`
	PollInterval    string `json:"poll_interval,omitempty"`
	RunOnStart      bool   `json:"run_on_start,omitempty"`
	ShutdownTimeout string `json:"shutdown_timeout,omitempty"`
}

// PoolConfig bounds job execution concurrency. Zero values take the pool
// defaults (1 core worker, 10 max, 5m idle timeout, queue of 100).
type PoolConfig struct {
	MinWorkers  int    `json:"min_workers,omitempty"`
	MaxWorkers  int    `json:"max_workers,omitempty"`
	IdleTimeout string `json:"idle_timeout,omitempty"`
	QueueSize   int    `json:"queue_size,omitempty"`
}

// HTTPConfig controls the admin endpoint (/healthz, /readyz, /metrics, /jobs).
type HTTPConfig struct {
	Enabled bool        `json:"enabled"`
	Addr    string      `json:"addr,omitempty"` // default: "127.0.0.1:9180"
	Debug   DebugConfig `json:"debug"`
}

// DebugConfig mounts pprof under /debug/pprof/ on the admin listener.
// A non-loopback addr requires a token unless allow_insecure is set.
type DebugConfig struct {
	Enabled              bool   `json:"enabled"`
	Token                string `json:"token,omitempty"`
	AllowInsecure        bool   `json:"allow_insecure,omitempty"`
	MutexProfileFraction int    `json:"mutex_profile_fraction,omitempty"`
	BlockProfileRate     int    `json:"block_profile_rate,omitempty"`
}

// EventsConfig controls forwarding of job events to NATS.
type EventsConfig struct {
	Enabled       bool     `json:"enabled"`
	URL           string   `json:"url,omitempty"`
	SubjectPrefix string   `json:"subject_prefix,omitempty"`
	Types         []string `json:"types,omitempty"`
}
