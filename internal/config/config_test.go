package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_Defaults(t *testing.T) {
	cfg, err := Parse(nil)
	require.NoError(t, err)

	assert.Equal(t, ":9190", cfg.Server.Addr)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.Equal(t, 3, cfg.Registry.FailureThreshold)
	assert.Equal(t, 3, cfg.Registry.HealthyStreak)
	assert.Equal(t, 3, cfg.Engine.MaxAttempts)
	assert.Equal(t, float64(80), cfg.Gates.MinCoverage)
	assert.Equal(t, 10, cfg.Gates.MaxComplexity)
	assert.Equal(t, 4, cfg.Core.Workers)
	assert.Equal(t, 30*time.Minute, cfg.Evolve.Interval.Duration())
	assert.Equal(t, "spool", cfg.Spool.Dir)
	assert.Equal(t, "promoted", cfg.Promote.Dir)
}

func TestParse_YAMLOverrides(t *testing.T) {
	raw := []byte(`
engine:
  max_attempts: 5
  initial_backoff: 500ms
gates:
  min_coverage: 90
core:
  workers: 8
evolve:
  interval: 10m
  max_cycles: 12
  task_priority: 5
backends:
  - id: codegen-1
    name: codegen
    url: http://localhost:7001
    capabilities: [generate-tests, generate-implementation]
    max_concurrent: 2
`)
	cfg, err := Parse(raw)
	require.NoError(t, err)

	assert.Equal(t, 5, cfg.Engine.MaxAttempts)
	assert.Equal(t, 500*time.Millisecond, cfg.Engine.InitialBackoff.Duration())
	assert.Equal(t, float64(90), cfg.Gates.MinCoverage)
	assert.Equal(t, 8, cfg.Core.Workers)
	assert.Equal(t, 10*time.Minute, cfg.Evolve.Interval.Duration())
	assert.Equal(t, 12, cfg.Evolve.MaxCycles)
	assert.Equal(t, 5, cfg.Evolve.TaskPriority)

	require.Len(t, cfg.Backends, 1)
	assert.Equal(t, "codegen-1", cfg.Backends[0].ID)
	assert.Equal(t, []string{"generate-tests", "generate-implementation"}, cfg.Backends[0].Capabilities)
	assert.Equal(t, 2, cfg.Backends[0].MaxConcurrent)
}

func TestParse_EnvOverride(t *testing.T) {
	t.Setenv("FORGED_ENGINE_MAX_ATTEMPTS", "7")
	t.Setenv("FORGED_LOGGING_FORMAT", "console")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 7, cfg.Engine.MaxAttempts)
	assert.Equal(t, "console", cfg.Logging.Format)
}

func TestValidate_Errors(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "bad logging format",
			mutate:  func(c *Config) { c.Logging.Format = "xml" },
			wantErr: "logging.format",
		},
		{
			name:    "zero failure threshold",
			mutate:  func(c *Config) { c.Registry.FailureThreshold = -1 },
			wantErr: "failure_threshold",
		},
		{
			name:    "coverage out of range",
			mutate:  func(c *Config) { c.Gates.MinCoverage = 120 },
			wantErr: "min_coverage",
		},
		{
			name: "duplicate backend id",
			mutate: func(c *Config) {
				c.Backends = []BackendSpec{
					{ID: "b1", Capabilities: []string{"x"}, MaxConcurrent: 1},
					{ID: "b1", Capabilities: []string{"y"}, MaxConcurrent: 1},
				}
			},
			wantErr: "duplicate backend",
		},
		{
			name: "backend without capabilities",
			mutate: func(c *Config) {
				c.Backends = []BackendSpec{{ID: "b1", MaxConcurrent: 1}}
			},
			wantErr: "no capabilities",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Parse(nil)
			require.NoError(t, err)
			tt.mutate(cfg)
			err = cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestDuration_UnmarshalText(t *testing.T) {
	var d Duration
	require.NoError(t, d.UnmarshalText([]byte("90s")))
	assert.Equal(t, 90*time.Second, d.Duration())

	require.Error(t, d.UnmarshalText([]byte("-5s")))
	require.Error(t, d.UnmarshalText([]byte("not-a-duration")))
}
