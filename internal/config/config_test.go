package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/converse-ai/converse/pkg/types"
)

func isolateEnv(t *testing.T) {
	t.Helper()
	t.Setenv("HOME", t.TempDir())
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv("CONVERSE_CONFIG", "")
	t.Setenv("CONVERSE_CONFIG_CONTENT", "")
	t.Setenv("CONVERSE_MODEL", "")
	t.Setenv("CONVERSE_CALLBACK_BASE_URL", "")
	t.Setenv("CONVERSE_EVENT_LOG", "")
	t.Setenv("ANTHROPIC_API_KEY", "")
	t.Setenv("OPENAI_API_KEY", "")
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

func TestLoadProjectConfig(t *testing.T) {
	isolateEnv(t)
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "converse.json"), `{
		"model": "anthropic/claude-sonnet-4",
		"agent": {
			"coder": {"provider": "hosted"}
		}
	}`)

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, "anthropic/claude-sonnet-4", cfg.Model)
	require.Contains(t, cfg.Agent, "coder")
	assert.Equal(t, types.ProviderHosted, cfg.Agent["coder"].Provider)
}

func TestLoadJSONCWithComments(t *testing.T) {
	isolateEnv(t)
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "converse.jsonc"), `{
		// default model
		"model": "openai/gpt-4o",
	}`)

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, "openai/gpt-4o", cfg.Model)
}

func TestEnvInterpolation(t *testing.T) {
	isolateEnv(t)
	t.Setenv("TEST_CONVERSE_KEY", "secret-123")
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "converse.json"), `{
		"provider": {
			"anthropic": {"apiKey": "{env:TEST_CONVERSE_KEY}"}
		}
	}`)

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, "secret-123", cfg.Provider["anthropic"].APIKey)
}

func TestFileInterpolation(t *testing.T) {
	isolateEnv(t)
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "key.txt"), "file-key")
	writeFile(t, filepath.Join(dir, "converse.json"), `{
		"provider": {
			"openai": {"apiKey": "{file:key.txt}"}
		}
	}`)

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, "file-key", cfg.Provider["openai"].APIKey)
}

func TestProjectOverridesGlobal(t *testing.T) {
	isolateEnv(t)
	home := os.Getenv("HOME")
	writeFile(t, filepath.Join(home, ".converse", "converse.json"), `{
		"model": "global/model",
		"callbackBaseUrl": "https://global.example.com"
	}`)

	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "converse.json"), `{"model": "project/model"}`)

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, "project/model", cfg.Model)
	assert.Equal(t, "https://global.example.com", cfg.CallbackBaseURL)
}

func TestInlineConfigContent(t *testing.T) {
	isolateEnv(t)
	t.Setenv("CONVERSE_CONFIG_CONTENT", `{"eventLog": true, "rateLimit": {"maxTokens": 60, "windowMs": 60000}}`)

	cfg, err := Load("")
	require.NoError(t, err)
	assert.True(t, cfg.EventLog)
	require.NotNil(t, cfg.RateLimit)
	assert.Equal(t, 60, cfg.RateLimit.MaxTokens)
}

func TestEnvOverridesWin(t *testing.T) {
	isolateEnv(t)
	t.Setenv("ANTHROPIC_API_KEY", "env-key")
	t.Setenv("CONVERSE_MODEL", "anthropic/claude-opus-4")
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "converse.json"), `{"model": "file/model"}`)

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, "anthropic/claude-opus-4", cfg.Model)
	assert.Equal(t, "env-key", cfg.Provider["anthropic"].APIKey)
}

func TestEnvKeyDoesNotClobberFileKey(t *testing.T) {
	isolateEnv(t)
	t.Setenv("OPENAI_API_KEY", "env-key")
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "converse.json"), `{
		"provider": {"openai": {"apiKey": "file-key"}}
	}`)

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, "file-key", cfg.Provider["openai"].APIKey)
}

func TestConfigFileEnvOverride(t *testing.T) {
	isolateEnv(t)
	path := filepath.Join(t.TempDir(), "custom.jsonc")
	writeFile(t, path, `{"model": "custom/model"}`)
	t.Setenv("CONVERSE_CONFIG", path)

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "custom/model", cfg.Model)
}

func TestSaveRoundTrip(t *testing.T) {
	isolateEnv(t)
	path := filepath.Join(t.TempDir(), "nested", "converse.json")
	cfg := &types.Config{
		Model: "anthropic/claude-sonnet-4",
		Agent: map[string]types.AgentConfig{
			"runner": {Provider: types.ProviderClaudeCLI, Command: "claude"},
		},
	}
	require.NoError(t, Save(cfg, path))
	t.Setenv("CONVERSE_CONFIG", path)

	loaded, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, cfg.Model, loaded.Model)
	assert.Equal(t, "claude", loaded.Agent["runner"].Command)
}
