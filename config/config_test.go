package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaultsWhenMissing(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)

	assert.Equal(t, 5, cfg.Engine.MaxIterations)
	assert.Equal(t, 3, cfg.Engine.ContextWindow)
	assert.Equal(t, 2, cfg.Engine.ErrorWindow)
	assert.Equal(t, "sqlite", cfg.Checkpoint.Backend)
	assert.Equal(t, 0.6, cfg.Verify.Threshold)
	assert.Equal(t, "0.0.0.0:8080", cfg.Server.Addr())
}

func TestLoadParsesYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
server:
  port: 9090
engine:
  max_iterations: 8
checkpoint:
  backend: memory
provider:
  generate_timeout: 30s
  chains:
    standard: [mock-a]
  endpoints:
    mock-a:
      vendor: mock
      model: test
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 8, cfg.Engine.MaxIterations)
	assert.Equal(t, "memory", cfg.Checkpoint.Backend)
	assert.Equal(t, 30*time.Second, cfg.Provider.GenerateTimeout)
	assert.Equal(t, []string{"mock-a"}, cfg.Provider.Chains["standard"])
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("AGENT_MAX_ITERATIONS", "7")
	t.Setenv("AGENT_CHECKPOINT_DB", "/tmp/cp.db")
	t.Setenv("AGENT_VERIFY_ENABLED", "true")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 7, cfg.Engine.MaxIterations)
	assert.Equal(t, "/tmp/cp.db", cfg.Checkpoint.Path)
	assert.True(t, cfg.Verify.Enabled)
}

func TestLoadValidation(t *testing.T) {
	t.Setenv("AGENT_MAX_ITERATIONS", "0")
	_, err := Load("")
	require.Error(t, err)
}

func TestLoadRejectsUnknownChainEndpoint(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
provider:
  chains:
    standard: [missing]
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	_, err := Load(path)
	require.Error(t, err)
}
