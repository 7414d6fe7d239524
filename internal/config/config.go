// Package config provides configuration loading for forged.
package config

import (
	"fmt"
	"time"
)

// Config is the top-level forged configuration.
type Config struct {
	Server   ServerConfig   `koanf:"server"`
	Logging  LoggingConfig  `koanf:"logging"`
	Registry RegistryConfig `koanf:"registry"`
	Router   RouterConfig   `koanf:"router"`
	Queue    QueueConfig    `koanf:"queue"`
	Engine   EngineConfig   `koanf:"engine"`
	Gates    GatesConfig    `koanf:"gates"`
	Evolve   EvolveConfig   `koanf:"evolve"`
	Core     CoreConfig     `koanf:"core"`
	Spool    SpoolConfig    `koanf:"spool"`
	Promote  PromoteConfig  `koanf:"promote"`
	Backends []BackendSpec  `koanf:"backends"`
}

// ServerConfig controls the admin HTTP listener (health, metrics).
type ServerConfig struct {
	Addr            string   `koanf:"addr"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// RegistryConfig controls backend health probing.
type RegistryConfig struct {
	ProbeInterval Duration `koanf:"probe_interval"`
	// FailureThreshold is the number of consecutive probe failures
	// before a backend is marked unreachable.
	FailureThreshold int `koanf:"failure_threshold"`
	// HealthyStreak is the number of consecutive probe successes
	// required to restore a degraded backend to healthy.
	HealthyStreak int `koanf:"healthy_streak"`
}

// RouterConfig controls capability call dispatch.
type RouterConfig struct {
	CallTimeout Duration `koanf:"call_timeout"`
	// AcquireWait bounds how long a call may queue for a backend slot
	// before failing with a capacity error.
	AcquireWait Duration `koanf:"acquire_wait"`
	// DegradeAfter is the number of consecutive call failures before a
	// healthy backend is demoted to degraded.
	DegradeAfter int `koanf:"degrade_after"`
}

// QueueConfig controls the task queue and dedup store.
type QueueConfig struct {
	// Retention is how long terminal tasks stay in the archive for
	// dedup lookups.
	Retention Duration `koanf:"retention"`
}

// EngineConfig controls the workflow state machine.
type EngineConfig struct {
	MaxAttempts    int      `koanf:"max_attempts"`
	InitialBackoff Duration `koanf:"initial_backoff"`
	MaxBackoff     Duration `koanf:"max_backoff"`
}

// GatesConfig holds quality gate thresholds.
type GatesConfig struct {
	MinCoverage   float64 `koanf:"min_coverage"`
	MaxIssues     int     `koanf:"max_issues"`
	MaxComplexity int     `koanf:"max_complexity"`
}

// EvolveConfig controls the evolution scheduler.
type EvolveConfig struct {
	Interval Duration `koanf:"interval"`
	// MaxCycles bounds how many improvement cycles run before the
	// scheduler stops. Zero means unbounded.
	MaxCycles    int `koanf:"max_cycles"`
	HistoryLimit int `koanf:"history_limit"`
	// TaskPriority is assigned to every generated task; manual work
	// submitted with a higher value is picked up first.
	TaskPriority int `koanf:"task_priority"`
}

// CoreConfig controls the orchestrator worker pool.
type CoreConfig struct {
	Workers           int      `koanf:"workers"`
	IssuePollInterval Duration `koanf:"issue_poll_interval"`
}

// SpoolConfig locates the filesystem exchange with external
// collaborators (signals in, issue items in, statuses out).
type SpoolConfig struct {
	Dir string `koanf:"dir"`
}

// PromoteConfig controls where promoted candidates are written.
type PromoteConfig struct {
	Dir string `koanf:"dir"`
}

// BackendSpec describes a capability backend registered at startup.
type BackendSpec struct {
	ID            string   `koanf:"id"`
	Name          string   `koanf:"name"`
	URL           string   `koanf:"url"`
	Capabilities  []string `koanf:"capabilities"`
	MaxConcurrent int      `koanf:"max_concurrent"`
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr cannot be empty")
	}
	if c.Logging.Format != "json" && c.Logging.Format != "console" {
		return fmt.Errorf("logging.format must be 'json' or 'console', got %q", c.Logging.Format)
	}
	if c.Registry.FailureThreshold < 1 {
		return fmt.Errorf("registry.failure_threshold must be >= 1, got %d", c.Registry.FailureThreshold)
	}
	if c.Registry.HealthyStreak < 1 {
		return fmt.Errorf("registry.healthy_streak must be >= 1, got %d", c.Registry.HealthyStreak)
	}
	if c.Router.CallTimeout.Duration() <= 0 {
		return fmt.Errorf("router.call_timeout must be > 0")
	}
	if c.Engine.MaxAttempts < 1 {
		return fmt.Errorf("engine.max_attempts must be >= 1, got %d", c.Engine.MaxAttempts)
	}
	if c.Gates.MinCoverage < 0 || c.Gates.MinCoverage > 100 {
		return fmt.Errorf("gates.min_coverage must be in [0,100], got %v", c.Gates.MinCoverage)
	}
	if c.Evolve.Interval.Duration() <= 0 {
		return fmt.Errorf("evolve.interval must be > 0")
	}
	if c.Core.Workers < 1 {
		return fmt.Errorf("core.workers must be >= 1, got %d", c.Core.Workers)
	}
	seen := make(map[string]bool, len(c.Backends))
	for _, b := range c.Backends {
		if b.ID == "" {
			return fmt.Errorf("backend id cannot be empty")
		}
		if seen[b.ID] {
			return fmt.Errorf("duplicate backend id %q", b.ID)
		}
		seen[b.ID] = true
		if len(b.Capabilities) == 0 {
			return fmt.Errorf("backend %q declares no capabilities", b.ID)
		}
		if b.MaxConcurrent < 1 {
			return fmt.Errorf("backend %q: max_concurrent must be >= 1, got %d", b.ID, b.MaxConcurrent)
		}
	}
	return nil
}

// applyDefaults sets default values for missing configuration fields.
func applyDefaults(cfg *Config) {
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":9190"
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = Duration(10 * time.Second)
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Registry.ProbeInterval == 0 {
		cfg.Registry.ProbeInterval = Duration(15 * time.Second)
	}
	if cfg.Registry.FailureThreshold == 0 {
		cfg.Registry.FailureThreshold = 3
	}
	if cfg.Registry.HealthyStreak == 0 {
		cfg.Registry.HealthyStreak = 3
	}
	if cfg.Router.CallTimeout == 0 {
		cfg.Router.CallTimeout = Duration(2 * time.Minute)
	}
	if cfg.Router.AcquireWait == 0 {
		cfg.Router.AcquireWait = Duration(5 * time.Second)
	}
	if cfg.Router.DegradeAfter == 0 {
		cfg.Router.DegradeAfter = 5
	}
	if cfg.Queue.Retention == 0 {
		cfg.Queue.Retention = Duration(24 * time.Hour)
	}
	if cfg.Engine.MaxAttempts == 0 {
		cfg.Engine.MaxAttempts = 3
	}
	if cfg.Engine.InitialBackoff == 0 {
		cfg.Engine.InitialBackoff = Duration(2 * time.Second)
	}
	if cfg.Engine.MaxBackoff == 0 {
		cfg.Engine.MaxBackoff = Duration(2 * time.Minute)
	}
	if cfg.Gates.MinCoverage == 0 {
		cfg.Gates.MinCoverage = 80
	}
	if cfg.Gates.MaxComplexity == 0 {
		cfg.Gates.MaxComplexity = 10
	}
	if cfg.Evolve.Interval == 0 {
		cfg.Evolve.Interval = Duration(30 * time.Minute)
	}
	if cfg.Evolve.HistoryLimit == 0 {
		cfg.Evolve.HistoryLimit = 100
	}
	if cfg.Core.Workers == 0 {
		cfg.Core.Workers = 4
	}
	if cfg.Core.IssuePollInterval == 0 {
		cfg.Core.IssuePollInterval = Duration(1 * time.Minute)
	}
	if cfg.Spool.Dir == "" {
		cfg.Spool.Dir = "spool"
	}
	if cfg.Promote.Dir == "" {
		cfg.Promote.Dir = "promoted"
	}
}
