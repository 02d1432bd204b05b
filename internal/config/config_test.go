package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingConfigIsZero(t *testing.T) {
	cfg := Load(t.TempDir())
	assert.Zero(t, cfg.AllowedChatID)
	assert.Empty(t, cfg.ReposFolder)
}

func TestLoadConfigJSON(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.json"),
		[]byte(`{"reposFolder":"/home/me/repos","allowedChatId":42}`), 0o644))
	cfg := Load(dir)
	assert.Equal(t, "/home/me/repos", cfg.ReposFolder)
	assert.Equal(t, int64(42), cfg.AllowedChatID)
}

func TestLoadMalformedConfigIsZero(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.json"), []byte("{oops"), 0o644))
	assert.Zero(t, Load(dir).AllowedChatID)
}

func TestLoadSettingsDefaults(t *testing.T) {
	s := LoadSettings(t.TempDir())
	assert.Equal(t, "info", s.LogLevel)
	assert.Equal(t, 30, s.PollTimeoutSec)
	assert.Equal(t, "whisper-1", s.WhisperModel)
}

func TestLoadSettingsTOML(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "settings.toml"),
		[]byte("log_level = \"debug\"\nhard_idle_sec = 300\n"), 0o644))
	s := LoadSettings(dir)
	assert.Equal(t, "debug", s.LogLevel)
	assert.Equal(t, 300, s.HardIdleSec)
	assert.Equal(t, 30, s.PollTimeoutSec, "unset keys keep defaults")
}

func TestPolishToggle(t *testing.T) {
	dir := t.TempDir()
	assert.False(t, PolishDisabled(dir))
	require.NoError(t, SetPolishDisabled(dir, true))
	assert.True(t, PolishDisabled(dir))
	require.NoError(t, SetPolishDisabled(dir, false))
	assert.False(t, PolishDisabled(dir))
	// Re-enabling twice (removing an absent flag) is fine.
	require.NoError(t, SetPolishDisabled(dir, false))
}

func TestChatIDPersistence(t *testing.T) {
	dir := t.TempDir()
	assert.Zero(t, LastChatID(dir))
	require.NoError(t, SaveChatID(dir, 987654))
	assert.Equal(t, int64(987654), LastChatID(dir))
}

func TestChatIDMalformed(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "chat-id"), []byte("not a number"), 0o644))
	assert.Zero(t, LastChatID(dir))
}
