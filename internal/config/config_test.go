package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 450, cfg.Generation.MinSectionWords)
	assert.Equal(t, 300, cfg.Generation.MinWrapUpWords)
	assert.Equal(t, 5*time.Minute, cfg.LLM.Timeout.Duration)
	assert.NotEmpty(t, cfg.Generation.Motifs)
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "devlog.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[llm]
provider = "openai"
model = "gpt-4o-mini"
timeout = "90s"

[generation]
motifs = ["one", "two"]
`), 0o644))
	chdir(t, dir)
	t.Setenv("OPENAI_API_KEY", "sk-test")
	t.Setenv("DEVLOG_LLM_MODEL", "")

	cfg, resolved, exists, err := Load(path)
	require.NoError(t, err)
	assert.True(t, exists)
	assert.Equal(t, path, resolved)
	assert.Equal(t, "openai", cfg.LLM.Provider)
	assert.Equal(t, "gpt-4o-mini", cfg.LLM.Model)
	assert.Equal(t, 90*time.Second, cfg.LLM.Timeout.Duration)
	assert.Equal(t, []string{"one", "two"}, cfg.Generation.Motifs)
	assert.Equal(t, "sk-test", cfg.LLM.APIKey)
	assert.Equal(t, 450, cfg.Generation.MinSectionWords, "unset keys keep defaults")
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	dir := t.TempDir()
	chdir(t, dir)
	t.Setenv("DEVLOG_DB_PATH", "/tmp/x.db")
	cfg, _, exists, err := Load(filepath.Join(dir, "nope.toml"))
	require.NoError(t, err)
	assert.False(t, exists)
	assert.Equal(t, "/tmp/x.db", cfg.Storage.DBPath)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cfg := Default()
	cfg.LLM.Provider = "gemini"
	require.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Generation.SectionMaxTokens = 0
	require.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Generation.ReducedClips = cfg.Generation.MaxClips + 1
	require.Error(t, cfg.Validate())
}

func TestLoadVoicePromptMissingIsNotError(t *testing.T) {
	text, ok, err := LoadVoicePrompt(filepath.Join(t.TempDir(), "voice.md"))
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Empty(t, text)

	path := filepath.Join(t.TempDir(), "voice.md")
	require.NoError(t, os.WriteFile(path, []byte("  Write like a tired engineer.\n"), 0o644))
	text, ok, err = LoadVoicePrompt(path)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "Write like a tired engineer.", text)
}

func TestCreateSample(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "devlog.toml")
	require.NoError(t, CreateSample(path))
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(b), "[generation]")
}

// chdir mirrors testing.T.Chdir (Go 1.24+) for older toolchains.
func chdir(t *testing.T, dir string) {
	t.Helper()
	prev, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(prev) })
}
