// Package settings holds the scheduler's runtime tunables.
//
// Values live in a key/value provider (normally the job database) rather than
// the config file, so every worker sharing a database sees the same numbers.
package settings

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
)

const (
	KeyRetryDelay  = "SchedulerService.JobExecutionRetryDelay"
	KeyMaxAttempts = "SchedulerService.MaximumJobExecutionAttempts"

	DefaultRetryDelayMillis = 60000
	DefaultMaxAttempts      = 144

	descRetryDelay  = "Delay in milliseconds before a failed job execution is retried"
	descMaxAttempts = "Maximum number of execution attempts before a job is marked as failed"
)

// Provider is a typed key/value store for integer settings.
type Provider interface {
	GetInt(ctx context.Context, key string) (int, bool, error)
	SetIfAbsent(ctx context.Context, key string, value int, description string) error
}

// Tunables are read once at scheduler start.
type Tunables struct {
	RetryDelay  time.Duration
	MaxAttempts int
}

// LoadTunables provisions missing keys with their defaults, then reads them.
func LoadTunables(ctx context.Context, p Provider) (Tunables, error) {
	if p == nil {
		return Tunables{}, errors.New("settings provider is nil")
	}
	delay, err := provisionInt(ctx, p, KeyRetryDelay, DefaultRetryDelayMillis, descRetryDelay)
	if err != nil {
		return Tunables{}, err
	}
	attempts, err := provisionInt(ctx, p, KeyMaxAttempts, DefaultMaxAttempts, descMaxAttempts)
	if err != nil {
		return Tunables{}, err
	}
	if delay < 0 {
		return Tunables{}, errors.Newf("%s must not be negative (got %d)", KeyRetryDelay, delay)
	}
	if attempts < 1 {
		return Tunables{}, errors.Newf("%s must be at least 1 (got %d)", KeyMaxAttempts, attempts)
	}
	return Tunables{RetryDelay: time.Duration(delay) * time.Millisecond, MaxAttempts: attempts}, nil
}

func provisionInt(ctx context.Context, p Provider, key string, def int, desc string) (int, error) {
	if err := p.SetIfAbsent(ctx, key, def, desc); err != nil {
		return 0, errors.Wrapf(err, "provision %s", key)
	}
	v, ok, err := p.GetInt(ctx, key)
	if err != nil {
		return 0, errors.Wrapf(err, "read %s", key)
	}
	if !ok {
		return def, nil
	}
	return v, nil
}

// Memory is an in-process Provider.
type Memory struct {
	mu   sync.RWMutex
	vals map[string]int
	desc map[string]string
}

func NewMemory() *Memory {
	return &Memory{vals: map[string]int{}, desc: map[string]string{}}
}

func (m *Memory) GetInt(_ context.Context, key string) (int, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.vals[key]
	return v, ok, nil
}

func (m *Memory) SetIfAbsent(_ context.Context, key string, value int, description string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.vals[key]; ok {
		return nil
	}
	m.vals[key] = value
	m.desc[key] = description
	return nil
}

// Set overwrites key.
func (m *Memory) Set(key string, value int) {
	m.mu.Lock()
	m.vals[key] = value
	m.mu.Unlock()
}

// Description returns the description recorded when key was provisioned.
func (m *Memory) Description(key string) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.desc[key]
}
