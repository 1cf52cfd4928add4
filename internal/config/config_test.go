package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	doc := `
stages:
  - name: ingress
    workers: 4
    event_size: 1
    max_batch: 64
    cpu_affinity: [0, 1, 2, 3]
callout:
  workers: 2
  idle_interval_ms: 500
  shutdown_timeout: 5s
metrics:
  enabled: true
  port: 9100
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	require.Len(t, cfg.Stages, 1)
	assert.Equal(t, "ingress", cfg.Stages[0].Name)
	assert.Equal(t, 4, cfg.Stages[0].Workers)
	assert.Equal(t, []int{0, 1, 2, 3}, cfg.Stages[0].CPUs)

	assert.Equal(t, 2, cfg.Callout.Workers)
	assert.Equal(t, 500*time.Millisecond, cfg.IdleInterval())
	assert.Equal(t, 5*time.Second, cfg.Callout.ShutdownTimeout)

	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, 9100, cfg.Metrics.Port)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml")
	assert.Error(t, err)
}

func TestLoadInvalidYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("stages: [not, valid: yaml"), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestDefault(t *testing.T) {
	cfg := Default()
	require.Len(t, cfg.Stages, 1)
	assert.Equal(t, 4, cfg.Stages[0].Workers)
	assert.Equal(t, 4, cfg.Callout.Workers)
	assert.False(t, cfg.Metrics.Enabled)
}
