// Package config loads the bridge's configuration: the external config.json
// contract, operator tunables from settings.toml, and small flag files.
package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/asheshgoplani/claude-relay/internal/logging"
)

var cfgLog = logging.ForComponent(logging.CompConfig)

// Config is <cfg>/config.json. The file is optional; zero values apply.
type Config struct {
	ReposFolder   string `json:"reposFolder,omitempty"`
	AllowedChatID int64  `json:"allowedChatId,omitempty"`
}

// Settings is <cfg>/settings.toml: operator tunables. All fields optional.
type Settings struct {
	// LogLevel is "debug", "info", "warn" or "error".
	LogLevel string `toml:"log_level"`

	// PollTimeoutSec is the Telegram getUpdates long-poll timeout.
	PollTimeoutSec int `toml:"poll_timeout_sec"`

	// WhisperModel names the transcription model.
	WhisperModel string `toml:"whisper_model"`

	// PolishModel names the single-shot model for voice-transcript polish
	// and transcript summaries.
	PolishModel string `toml:"polish_model"`

	// TTSVoice names the synthesized reply voice.
	TTSVoice string `toml:"tts_voice"`

	// HardIdleSec overrides the watcher's hard idle timeout.
	HardIdleSec int `toml:"hard_idle_sec"`
}

// DefaultDir is the bridge's config directory, ~/.claude-relay.
func DefaultDir() string {
	if dir := os.Getenv("CLAUDE_RELAY_DIR"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		home = os.TempDir()
	}
	return filepath.Join(home, ".claude-relay")
}

// Load reads config.json from cfgDir. Missing or malformed files yield the
// zero config; the bridge runs without one.
func Load(cfgDir string) Config {
	var cfg Config
	data, err := os.ReadFile(filepath.Join(cfgDir, "config.json"))
	if err != nil {
		return cfg
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		cfgLog.Warn("config_json_malformed")
		return Config{}
	}
	return cfg
}

// LoadSettings reads settings.toml from cfgDir with defaults applied.
func LoadSettings(cfgDir string) Settings {
	s := Settings{
		LogLevel:       "info",
		PollTimeoutSec: 30,
		WhisperModel:   "whisper-1",
		PolishModel:    "gpt-4o-mini",
		TTSVoice:       "alloy",
	}
	data, err := os.ReadFile(filepath.Join(cfgDir, "settings.toml"))
	if err != nil {
		return s
	}
	if err := toml.Unmarshal(data, &s); err != nil {
		cfgLog.Warn("settings_toml_malformed")
	}
	return s
}

// PolishDisabled reports the presence flag <cfg>/polish-voice-off.
func PolishDisabled(cfgDir string) bool {
	_, err := os.Stat(filepath.Join(cfgDir, "polish-voice-off"))
	return err == nil
}

// SetPolishDisabled creates (off) or removes (on) the presence flag.
// Removing a flag that is already absent is not an error.
func SetPolishDisabled(cfgDir string, off bool) error {
	path := filepath.Join(cfgDir, "polish-voice-off")
	if off {
		if err := os.MkdirAll(cfgDir, 0o755); err != nil {
			return err
		}
		return os.WriteFile(path, nil, 0o644)
	}
	err := os.Remove(path)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// LastChatID reads the persisted chat id for startup notices. 0 when absent.
func LastChatID(cfgDir string) int64 {
	data, err := os.ReadFile(filepath.Join(cfgDir, "chat-id"))
	if err != nil {
		return 0
	}
	id, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return 0
	}
	return id
}

// SaveChatID persists the last-seen chat id.
func SaveChatID(cfgDir string, id int64) error {
	if err := os.MkdirAll(cfgDir, 0o755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(cfgDir, "chat-id"), []byte(strconv.FormatInt(id, 10)), 0o644)
}

// ImagesDir is the staging directory for downloaded chat images.
func ImagesDir(cfgDir string) string {
	return filepath.Join(cfgDir, "images")
}
