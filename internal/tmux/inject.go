package tmux

import (
	"log/slog"
	"os/exec"
	"time"
)

// InjectResult is the outcome of an injection attempt.
type InjectResult struct {
	Injected bool
	Reason   NotFoundReason
}

// Inject locates the agent pane for cwd and types text into it followed by a
// submit. When the locator fails and fallbackPaneID is non-empty, the text is
// sent there instead; otherwise the locator's reason is reported.
func Inject(cwd, text, fallbackPaneID string) InjectResult {
	res := Find(cwd)
	if !res.Found {
		if fallbackPaneID != "" {
			if err := SendText(fallbackPaneID, text); err == nil {
				return InjectResult{Injected: true}
			}
		}
		return InjectResult{Reason: res.Reason}
	}
	if err := SendText(res.PaneID, text); err != nil {
		tmuxLog.Warn("send_keys_failed",
			slog.String("pane", res.PaneID),
			slog.String("error", err.Error()))
		return InjectResult{Reason: ReasonNoClaudePane}
	}
	return InjectResult{Injected: true}
}

// SendText types text literally into a pane, waits for it to register, then
// submits. Texts longer than 200 bytes get a 2 s delay instead of
// InterKeyDelay, since the agent needs time to ingest long pastes.
func SendText(paneID, text string) error {
	if err := exec.Command("tmux", "send-keys", "-t", paneID, "-l", text).Run(); err != nil {
		return err
	}
	delay := InterKeyDelay
	if len(text) > 200 {
		delay = 2 * time.Second
	}
	time.Sleep(delay)
	return exec.Command("tmux", "send-keys", "-t", paneID, "Enter").Run()
}

// SendInterrupt sends the agent's universal cancel keystroke.
func SendInterrupt(paneID string) error {
	return SendKey(paneID, "Escape")
}

// SendKey sends a single named key without a submit. Used for permission
// answers ("1" approves, Escape denies) and plan-menu choices.
func SendKey(paneID, keyName string) error {
	return exec.Command("tmux", "send-keys", "-t", paneID, keyName).Run()
}
