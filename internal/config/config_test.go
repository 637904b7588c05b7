package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	require.Equal(t, 8080, cfg.Server.Port)
	require.Equal(t, 3, cfg.Analysis.MaxConcurrent)
	require.Equal(t, 60, cfg.Analysis.TimeoutSeconds)
	require.Equal(t, 10, cfg.RateLimit.RequestsPerInterval)
	require.Equal(t, 1000, cfg.RateLimit.IntervalMs)
	require.Equal(t, 5, cfg.RateLimit.MaxConcurrent)
	require.Empty(t, cfg.Scoring.Endpoint)
	require.True(t, cfg.Logging.Development)

	require.Equal(t, time.Minute, cfg.AnalysisTimeout())
	require.Equal(t, 250*time.Millisecond, cfg.RetryDelay())
	require.Equal(t, time.Second, cfg.RateInterval())
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	data := `
server:
  port: 9090
analysis:
  max_concurrent: 7
rate_limit:
  requests_per_interval: 20
  interval_ms: 500
credentials:
  scores:
    keys: ["k1", "k2"]
    max_failures: 2
scoring:
  endpoint: https://scores.example.com/v1
  service: scores
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 9090, cfg.Server.Port)
	require.Equal(t, 7, cfg.Analysis.MaxConcurrent)
	require.Equal(t, 20, cfg.RateLimit.RequestsPerInterval)
	require.Equal(t, 500*time.Millisecond, cfg.RateInterval())
	require.Equal(t, []string{"k1", "k2"}, cfg.Credentials["scores"].Keys)
	require.Equal(t, 2, cfg.Credentials["scores"].MaxFailures)
	require.Equal(t, "scores", cfg.Scoring.Service)

	// File values merge over defaults rather than replacing them.
	require.Equal(t, 10, cfg.Analysis.LinkCheckLimit)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	base := func() Config {
		cfg, err := Load("")
		require.NoError(t, err)
		return cfg
	}

	cfg := base()
	cfg.Server.Port = 0
	require.EqualError(t, cfg.Validate(), "server.port must be > 0")

	cfg = base()
	cfg.Analysis.MaxConcurrent = -1
	require.ErrorContains(t, cfg.Validate(), "analysis.max_concurrent")

	cfg = base()
	cfg.RateLimit.IntervalMs = 0
	require.ErrorContains(t, cfg.Validate(), "rate_limit.interval_ms")

	cfg = base()
	cfg.Scoring.Endpoint = "https://scores.example.com"
	cfg.Scoring.Service = ""
	require.ErrorContains(t, cfg.Validate(), "scoring.service")
}
