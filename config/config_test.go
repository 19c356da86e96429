package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dealwatch/models"
)

func TestLoadOverlaysYAMLOnDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dealwatch.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
detection:
  early_score_bar: 40
http:
  concurrency: 8
  max_delay: 5s
workers:
  size: 3
`), 0644))
	t.Setenv("CONFIG_FILE", path)
	t.Setenv("PROXY_LIST", "http://10.0.0.1:8080,http://10.0.0.2:8080")
	t.Setenv("PAAPI_ACCESS_KEY", "AKIDEXAMPLE")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 40, cfg.Detection.EarlyScoreBar)
	assert.Equal(t, 50, cfg.Detection.NormalScoreBar)
	assert.Equal(t, 8, cfg.HTTP.Concurrency)
	assert.Equal(t, 5*time.Second, cfg.HTTP.MaxDelay)
	assert.Equal(t, time.Second, cfg.HTTP.MinDelay)
	assert.Equal(t, 3, cfg.Workers.Size)
	assert.Equal(t, 10, cfg.API.BatchSize)
	assert.Equal(t, "AKIDEXAMPLE", cfg.API.AccessKey)
	assert.Equal(t, "http://10.0.0.1:8080,http://10.0.0.2:8080", cfg.Proxy.List)
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	t.Setenv("CONFIG_FILE", filepath.Join(t.TempDir(), "absent.yaml"))
	t.Setenv("WORKER_COUNT", "6")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 6, cfg.Workers.Size)
	assert.Equal(t, "@every 10m", cfg.Scheduler.CheckCron)
}

func TestValidateRejectsBadSettings(t *testing.T) {
	cfg := &Config{Tuning: DefaultTuning()}
	cfg.API.BatchSize = 25
	cfg.HTTP.MinDelay = 10 * time.Second
	cfg.Proxy.URL = "http://user@proxy:8080"

	err := cfg.Validate()
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrConfiguration)
	assert.Contains(t, err.Error(), "api.batch_size")
	assert.Contains(t, err.Error(), "http.min_delay")
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dealwatch.yaml")
	require.NoError(t, os.WriteFile(path, []byte("http: [unclosed"), 0644))
	t.Setenv("CONFIG_FILE", path)

	_, err := Load()
	assert.ErrorIs(t, err, models.ErrConfiguration)
}
