package scheduler

import (
	"time"

	"github.com/smallbiznis/playmaker/internal/config"
)

// Config controls the sweep interval, batch size and lock lifetime.
type Config struct {
	Enabled     bool
	RunInterval time.Duration
	BatchSize   int
	JobTimeout  time.Duration
	LockTTL     time.Duration
}

func DefaultConfig() Config {
	return Config{
		Enabled:     true,
		RunInterval: 5 * time.Minute,
		BatchSize:   50,
		JobTimeout:  2 * time.Minute,
		LockTTL:     4 * time.Minute,
	}
}

func ProvideConfig(cfg config.Config) Config {
	return Config{
		Enabled:     cfg.Scheduler.Enabled,
		RunInterval: cfg.Scheduler.RunInterval,
		BatchSize:   cfg.Scheduler.BatchSize,
		JobTimeout:  cfg.Scheduler.JobTimeout,
		LockTTL:     cfg.Scheduler.LockTTL,
	}.withDefaults()
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.RunInterval <= 0 {
		c.RunInterval = defaults.RunInterval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaults.BatchSize
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = defaults.JobTimeout
	}
	// the lock outlives a full run
	if c.LockTTL < c.JobTimeout {
		c.LockTTL = c.JobTimeout + 30*time.Second
	}
	return c
}
