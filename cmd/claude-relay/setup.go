package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/asheshgoplani/claude-relay/internal/config"
	"github.com/asheshgoplani/claude-relay/internal/sessions"
)

// stopHookScript appends the turn-end marker to the transcript the agent
// hands it. Its arrival is the bridge's authoritative "turn over" signal.
const stopHookScript = `#!/bin/sh
# claude-relay turn-end hook: mark the turn boundary in the transcript.
transcript=$(sed -n 's/.*"transcript_path":"\([^"]*\)".*/\1/p' | head -n1)
[ -n "$transcript" ] && printf '{"type":"result"}\n' >> "$transcript"
exit 0
`

// permissionHookScript writes a request file and polls for the bridge's
// response. Exit 0 approves, exit 2 denies; silence denies after a timeout.
const permissionHookScript = `#!/bin/sh
# claude-relay permission hook: file handshake with the running bridge.
cfg="%s"
input=$(cat)
id=$(date +%%s)-$$
printf '%%s' "$input" | sed "s/^{/{\"requestId\":\"$id\",/" > "$cfg/permission-request-$id.json"
i=0
while [ $i -lt 120 ]; do
    if [ -f "$cfg/permission-response-$id" ]; then
        action=$(cat "$cfg/permission-response-$id")
        rm -f "$cfg/permission-response-$id" "$cfg/permission-request-$id.json"
        [ "$action" = "approve" ] && exit 0
        exit 2
    fi
    sleep 0.5
    i=$((i + 1))
done
rm -f "$cfg/permission-request-$id.json"
exit 2
`

// runInstallHook writes the hook scripts and wires them into the agent's
// settings.json.
func runInstallHook() error {
	cfgDir := config.DefaultDir()
	if err := os.MkdirAll(cfgDir, 0o755); err != nil {
		return err
	}

	stopPath := filepath.Join(cfgDir, "turn-end-hook.sh")
	if err := os.WriteFile(stopPath, []byte(stopHookScript), 0o755); err != nil {
		return err
	}
	permPath := filepath.Join(cfgDir, "permission-hook.sh")
	if err := os.WriteFile(permPath, []byte(fmt.Sprintf(permissionHookScript, cfgDir)), 0o755); err != nil {
		return err
	}

	settingsPath := filepath.Join(sessions.ClaudeConfigDir(), "settings.json")
	settings := map[string]interface{}{}
	if data, err := os.ReadFile(settingsPath); err == nil {
		if err := json.Unmarshal(data, &settings); err != nil {
			return fmt.Errorf("cannot parse %s: %w", settingsPath, err)
		}
	}

	hooks, ok := settings["hooks"].(map[string]interface{})
	if !ok {
		hooks = map[string]interface{}{}
	}
	hooks["Stop"] = []interface{}{
		map[string]interface{}{"hooks": []interface{}{
			map[string]interface{}{"type": "command", "command": stopPath},
		}},
	}
	hooks["PreToolUse"] = []interface{}{
		map[string]interface{}{"hooks": []interface{}{
			map[string]interface{}{"type": "command", "command": permPath},
		}},
	}
	settings["hooks"] = hooks

	out, err := json.MarshalIndent(settings, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(settingsPath), 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(settingsPath, out, 0o600); err != nil {
		return err
	}

	fmt.Println("✅ Hooks installed:")
	fmt.Println("   " + stopPath)
	fmt.Println("   " + permPath)
	fmt.Println("   wired into " + settingsPath)
	return nil
}

// runDoctor checks every dependency the bridge needs and reports.
func runDoctor() {
	fmt.Println("claude-relay doctor")
	fmt.Println("===================")

	ok := true
	check := func(name string, pass bool, hint string) {
		mark := "✅"
		if !pass {
			mark = "❌"
			ok = false
		}
		fmt.Printf("%-18s %s %s\n", name, mark, hint)
	}

	if path, err := exec.LookPath("tmux"); err == nil {
		check("tmux", true, path)
	} else {
		check("tmux", false, "install tmux")
	}

	if path, err := exec.LookPath("claude"); err == nil {
		check("claude", true, path)
	} else {
		check("claude", false, "npm install -g @anthropic-ai/claude-code")
	}

	check("bot token", os.Getenv("TELEGRAM_BOT_TOKEN") != "", "set TELEGRAM_BOT_TOKEN")

	if os.Getenv("OPENAI_API_KEY") != "" {
		check("speech", true, "voice features on")
	} else {
		fmt.Printf("%-18s ⚠️  %s\n", "speech", "OPENAI_API_KEY unset, voice features off")
	}

	cfgDir := config.DefaultDir()
	check("config dir", dirExists(cfgDir), cfgDir)

	cfg := config.Load(cfgDir)
	if cfg.AllowedChatID != 0 {
		check("allowlist", true, fmt.Sprintf("chat %d", cfg.AllowedChatID))
	} else {
		fmt.Printf("%-18s ⚠️  %s\n", "allowlist", "no allowedChatId in config.json — any chat is accepted")
	}

	root := sessions.DefaultProjectsRoot()
	check("projects root", dirExists(root), root)

	settingsPath := filepath.Join(sessions.ClaudeConfigDir(), "settings.json")
	check("hooks", hooksInstalled(settingsPath), "run: claude-relay install-hook")

	fmt.Println()
	if ok {
		fmt.Println("✅ All checks passed")
	} else {
		fmt.Println("❌ Fix the items above and run doctor again")
	}
}

func dirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

func hooksInstalled(settingsPath string) bool {
	data, err := os.ReadFile(settingsPath)
	if err != nil {
		return false
	}
	var settings struct {
		Hooks map[string]json.RawMessage `json:"hooks"`
	}
	if err := json.Unmarshal(data, &settings); err != nil {
		return false
	}
	_, hasStop := settings.Hooks["Stop"]
	return hasStop
}
