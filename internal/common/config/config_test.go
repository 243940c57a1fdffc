package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg, err := LoadWithPath(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 50, cfg.Loop.MaxIterations)
	assert.Equal(t, 16, cfg.Loop.MaxToolCallsPerTurn)
	assert.Equal(t, 120000, cfg.Loop.MaxHistoryTokens)
	assert.Equal(t, 3, cfg.Loop.MaxLLMAttempts)
	assert.Equal(t, 256, cfg.Bus.SubscriberBuffer)
	assert.NotEmpty(t, cfg.Storage.Root)
	assert.Equal(t, "https://api.openai.com/v1", cfg.LLM.BaseURL)
	assert.Equal(t, "./agents", cfg.Agents.Dir)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("HIVELOOP_SERVER_PORT", "9999")
	t.Setenv("HIVELOOP_STORAGE_ROOT", "/tmp/hl-test")
	t.Setenv("HIVELOOP_LOOP_MAX_ITERATIONS", "7")
	t.Setenv("HIVELOOP_LLM_MODEL", "local-model")
	t.Setenv("HIVELOOP_AGENTS_DIR", "/opt/agents")

	cfg, err := LoadWithPath(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, 9999, cfg.Server.Port)
	assert.Equal(t, "/tmp/hl-test", cfg.Storage.Root)
	assert.Equal(t, 7, cfg.Loop.MaxIterations)
	assert.Equal(t, "local-model", cfg.LLM.Model)
	assert.Equal(t, "/opt/agents", cfg.Agents.Dir)
}

func TestConfigFile(t *testing.T) {
	dir := t.TempDir()
	content := `
server:
  port: 7070
loop:
  maxIterations: 12
storage:
  root: ` + dir + `/sessions
llm:
  model: test-model
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "hiveloop.yaml"), []byte(content), 0o644))

	cfg, err := LoadWithPath(dir)
	require.NoError(t, err)
	assert.Equal(t, 7070, cfg.Server.Port)
	assert.Equal(t, 12, cfg.Loop.MaxIterations)
	assert.Equal(t, "test-model", cfg.LLM.Model)
}

func TestValidation(t *testing.T) {
	t.Setenv("HIVELOOP_SERVER_PORT", "0")
	_, err := LoadWithPath(t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "server.port")
}

func TestValidationLoopBounds(t *testing.T) {
	t.Setenv("HIVELOOP_LOOP_MAX_ITERATIONS", "-1")
	_, err := LoadWithPath(t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "loop.maxIterations")
}
