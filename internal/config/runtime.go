package config

import (
	"net"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"jobsched/internal/events"
	"jobsched/internal/httpapi"
	"jobsched/internal/poller"
	"jobsched/internal/pool"
	"jobsched/internal/storage"
	logx "jobsched/pkg/logx"
)

const (
	DefaultHTTPAddr        = "127.0.0.1:9180"
	DefaultShutdownTimeout = 30 * time.Second
	DefaultSQLitePath      = "./jobsched.db"
)

// Default is the config used when no file is given: SQLite next to the
// binary, console logging, admin HTTP off.
func Default() *Config {
	return &Config{
		Logging: LoggingConfig{Level: "info", Console: true},
		Storage: StorageConfig{Driver: "sqlite", Path: DefaultSQLitePath},
	}
}

// Validate checks every field that can be checked without side effects.
func (c *Config) Validate() error {
	if !logx.ValidLevel(c.Logging.Level) {
		return errors.Newf("logging.level: unknown level %q", c.Logging.Level)
	}
	if _, err := c.StorageOptions(); err != nil {
		return err
	}
	if _, err := c.PollerOptions(); err != nil {
		return err
	}
	if _, err := c.ShutdownTimeout(); err != nil {
		return err
	}
	if c.HTTP.Enabled {
		if _, _, err := net.SplitHostPort(c.HTTPAddr()); err != nil {
			return errors.Wrapf(err, "http.addr %q", c.HTTP.Addr)
		}
		d := c.HTTP.Debug
		if d.Enabled && strings.TrimSpace(d.Token) == "" && !d.AllowInsecure && !httpapi.IsLoopbackAddr(c.HTTPAddr()) {
			return errors.Newf("http.debug on non-loopback addr %q requires a token or allow_insecure", c.HTTPAddr())
		}
		if d.MutexProfileFraction < 0 || d.BlockProfileRate < 0 {
			return errors.New("http.debug profile rates must be >= 0")
		}
	}
	if c.Events.Enabled && strings.TrimSpace(c.Events.URL) == "" {
		return errors.New("events.url is required when events are enabled")
	}
	return nil
}

func (c *Config) LogOptions() logx.Config {
	return logx.Config{
		Level:   c.Logging.Level,
		Console: c.Logging.Console,
		JSON:    c.Logging.JSON,
		File:    logx.FileConfig{Enabled: c.Logging.File.Enabled, Path: c.Logging.File.Path},
	}
}

func (c *Config) StorageOptions() (storage.Config, error) {
	s := c.Storage
	driver := strings.ToLower(strings.TrimSpace(s.Driver))
	switch driver {
	case "", "sqlite", "sqlite3":
		driver = "sqlite"
		if strings.TrimSpace(s.Path) == "" {
			s.Path = DefaultSQLitePath
		}
	case "postgres", "postgresql", "pgx":
		driver = "postgres"
		if strings.TrimSpace(s.DSN) == "" {
			return storage.Config{}, errors.New("storage.dsn is required for the postgres driver")
		}
	default:
		return storage.Config{}, errors.Newf("storage.driver: unknown driver %q", s.Driver)
	}
	busy, err := ParseDurationField("storage.busy_timeout", s.BusyTimeout)
	if err != nil {
		return storage.Config{}, err
	}
	if s.MaxOpenConns < 0 {
		return storage.Config{}, errors.New("storage.max_open_conns must be >= 0")
	}
	auto := true
	if s.AutoMigrate != nil {
		auto = *s.AutoMigrate
	}
	return storage.Config{
		Driver:       driver,
		Path:         strings.TrimSpace(s.Path),
		DSN:          strings.TrimSpace(s.DSN),
		BusyTimeout:  busy,
		MaxOpenConns: s.MaxOpenConns,
		AutoMigrate:  auto,
	}, nil
}

func (c *Config) PollerOptions() (poller.Config, error) {
	every, err := ParseDurationOrDefault("scheduler.poll_interval", c.Scheduler.PollInterval, poller.DefaultInterval)
	if err != nil {
		return poller.Config{}, err
	}
	if every < time.Second {
		return poller.Config{}, errors.Newf("scheduler.poll_interval must be at least 1s (got %s)", every)
	}
	p := c.Pool
	if p.MinWorkers < 0 || p.MaxWorkers < 0 || p.QueueSize < 0 {
		return poller.Config{}, errors.New("pool sizes must be >= 0")
	}
	if p.MinWorkers > 0 && p.MaxWorkers > 0 && p.MaxWorkers < p.MinWorkers {
		return poller.Config{}, errors.Newf("pool.max_workers (%d) is below pool.min_workers (%d)", p.MaxWorkers, p.MinWorkers)
	}
	idle, err := ParseDurationField("pool.idle_timeout", p.IdleTimeout)
	if err != nil {
		return poller.Config{}, err
	}
	return poller.Config{
		Interval:   every,
		RunOnStart: c.Scheduler.RunOnStart,
		Pool: pool.Config{
			MinWorkers:  p.MinWorkers,
			MaxWorkers:  p.MaxWorkers,
			IdleTimeout: idle,
			QueueSize:   p.QueueSize,
		},
	}, nil
}

func (c *Config) ShutdownTimeout() (time.Duration, error) {
	return ParseDurationOrDefault("scheduler.shutdown_timeout", c.Scheduler.ShutdownTimeout, DefaultShutdownTimeout)
}

func (c *Config) HTTPAddr() string {
	if a := strings.TrimSpace(c.HTTP.Addr); a != "" {
		return a
	}
	return DefaultHTTPAddr
}

func (c *Config) DebugOptions() httpapi.DebugConfig {
	d := c.HTTP.Debug
	return httpapi.DebugConfig{
		Enabled:              d.Enabled,
		Token:                strings.TrimSpace(d.Token),
		MutexProfileFraction: d.MutexProfileFraction,
		BlockProfileRate:     d.BlockProfileRate,
	}
}

func (c *Config) EventsOptions(workerID string) events.Config {
	return events.Config{
		URL:           strings.TrimSpace(c.Events.URL),
		SubjectPrefix: c.Events.SubjectPrefix,
		Types:         c.Events.Types,
		WorkerID:      workerID,
	}
}

// SummarizeChange lists the sections that differ between two configs and,
// of those, the ones that only take effect after a restart. Logging is the
// only section applied live.
func SummarizeChange(oldCfg, newCfg *Config) (changed, restart []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
	}
	add := func(name string, differs bool) {
		if differs {
			changed = append(changed, name)
			restart = append(restart, name)
		}
	}
	add("storage", hashConfig(&Config{Storage: oldCfg.Storage}) != hashConfig(&Config{Storage: newCfg.Storage}))
	add("scheduler", oldCfg.Scheduler != newCfg.Scheduler)
	add("pool", oldCfg.Pool != newCfg.Pool)
	add("http", oldCfg.HTTP != newCfg.HTTP)
	add("events", hashConfig(&Config{Events: oldCfg.Events}) != hashConfig(&Config{Events: newCfg.Events}))
	return changed, restart
}
