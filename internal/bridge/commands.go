package bridge

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/asheshgoplani/claude-relay/internal/config"
	"github.com/asheshgoplani/claude-relay/internal/sessions"
	"github.com/asheshgoplani/claude-relay/internal/tmux"
	"github.com/asheshgoplani/claude-relay/internal/transcript"
)

const helpText = `claude-relay — drive Claude Code from your phone

/sessions [query]  pick or launch a session
/detach            detach from the current session
/status            attached session and watcher state
/summarize         summarize the agent's last reply
/compact           compact the conversation
/clear             clear the conversation
/close_session     close the agent window and detach
/polishvoice       toggle voice-transcript polishing
/images            resend images the agent produced
/timer <min> [prompt]  recurring prompt; /timer stop to cancel
/model <name>      switch the agent model
/escape            send an interrupt keystroke
/restart           restart the agent in its pane
/help              this text

Anything else is typed into the attached session.`

// BotCommands is the menu registered with Telegram at startup.
var BotCommands = []struct{ Command, Description string }{
	{"sessions", "Pick or launch a session"},
	{"detach", "Detach from the current session"},
	{"status", "Show attached session and watcher state"},
	{"summarize", "Summarize the last reply"},
	{"compact", "Compact the conversation"},
	{"clear", "Clear the conversation"},
	{"close_session", "Close the agent window"},
	{"polishvoice", "Toggle voice polishing"},
	{"images", "Resend produced images"},
	{"timer", "Recurring prompt timer"},
	{"model", "Switch the agent model"},
	{"escape", "Interrupt the agent"},
	{"restart", "Restart the agent"},
	{"help", "Show help"},
}

func (co *Coordinator) handleCommand(chatID int64, text string) {
	// Strip a bot mention: /status@relaybot → /status
	cmd, args, _ := strings.Cut(text, " ")
	if idx := strings.Index(cmd, "@"); idx > 0 {
		cmd = cmd[:idx]
	}
	args = strings.TrimSpace(args)

	switch cmd {
	case "/help", "/start":
		co.reply(chatID, helpText)
	case "/sessions":
		co.showSessionPicker(chatID, args)
	case "/detach":
		co.detach(chatID)
	case "/status":
		co.status(chatID)
	case "/summarize":
		co.summarize(chatID)
	case "/compact":
		co.injectAgentCommand(chatID, "/compact")
	case "/clear":
		co.injectAgentCommand(chatID, "/clear")
	case "/close_session":
		co.closeSession(chatID)
	case "/polishvoice":
		co.togglePolish(chatID)
	case "/images":
		co.sendAllPendingImages(chatID)
	case "/timer":
		co.timerCommand(chatID, args)
	case "/model":
		if args == "" {
			co.reply(chatID, "Usage: /model <name>")
			return
		}
		co.injectAgentCommand(chatID, "/model "+args)
	case "/escape":
		co.escape(chatID)
	case "/restart":
		co.restart(chatID)
	default:
		co.reply(chatID, "Unknown command. /help lists everything.")
	}
}

// injectAgentCommand types an agent slash command into the attached pane and
// arms a watcher; compaction and clears rotate the transcript, which the
// manager's poll follows.
func (co *Coordinator) injectAgentCommand(chatID int64, command string) {
	att := co.ensureAttached(chatID)
	if att == nil {
		co.reply(chatID, "No session attached. Use /sessions.")
		return
	}
	baseline := co.manager.SnapshotBaseline(att.Cwd)
	res := tmux.Inject(att.Cwd, command, co.launchedPane())
	if !res.Injected {
		co.reply(chatID, fmt.Sprintf("❌ No agent running at this session (%s).", res.Reason))
		return
	}
	co.manager.StartInjectionWatcher(*att, chatID, nil, nil, baseline)
	co.reply(chatID, "Sent "+command)
}

func (co *Coordinator) status(chatID int64) {
	att := sessions.GetAttached(co.cfgDir)
	if att == nil {
		co.reply(chatID, "Not attached. Use /sessions.")
		return
	}
	var b strings.Builder
	fmt.Fprintf(&b, "📎 Session %s\n📁 %s\n", att.SessionID, att.Cwd)
	if path, ok := sessions.SessionFilePath(att.SessionID, co.projectsRoot); ok {
		fmt.Fprintf(&b, "📄 %s\n", path)
	} else {
		b.WriteString("📄 No transcript yet\n")
	}
	if res := tmux.Find(att.Cwd); res.Found {
		fmt.Fprintf(&b, "🟢 Agent pane: %s\n", res.PaneID)
	} else {
		fmt.Fprintf(&b, "⚪ No agent pane (%s)\n", res.Reason)
	}
	if co.manager.IsActive() {
		b.WriteString("⏳ A turn is in flight\n")
	}
	if s := co.timer.Running(); s != nil {
		fmt.Fprintf(&b, "⏰ Timer: every %d min → %q\n", s.FrequencyMin, s.Prompt)
	}
	if config.PolishDisabled(co.cfgDir) {
		b.WriteString("🎙 Voice polish: off")
	} else {
		b.WriteString("🎙 Voice polish: on")
	}
	co.reply(chatID, b.String())
}

func (co *Coordinator) summarize(chatID int64) {
	att := sessions.GetAttached(co.cfgDir)
	if att == nil {
		co.reply(chatID, "No session attached.")
		return
	}
	_, filePath, ok := sessions.LatestSessionFileForCwd(att.Cwd, co.projectsRoot)
	if !ok {
		co.reply(chatID, "No transcript yet for this session.")
		return
	}
	summary := transcript.ParseFile(filePath)
	if len(summary.AllMessages) == 0 {
		co.reply(chatID, "Nothing to summarize yet.")
		return
	}
	// The last ten text blocks feed the model; the first text block is the fallback.
	tail := summary.AllMessages
	if len(tail) > 10 {
		tail = tail[len(tail)-10:]
	}
	fallback := summary.AllMessages[0]
	co.reply(chatID, co.speech.Summarize(strings.Join(tail, "\n\n"), fallback))
}

func (co *Coordinator) togglePolish(chatID int64) {
	off := !config.PolishDisabled(co.cfgDir)
	if err := config.SetPolishDisabled(co.cfgDir, off); err != nil {
		co.reply(chatID, "Failed to toggle: "+err.Error())
		return
	}
	if off {
		co.reply(chatID, "🎙 Voice polishing off — raw transcripts are injected.")
	} else {
		co.reply(chatID, "🎙 Voice polishing on.")
	}
}

func (co *Coordinator) escape(chatID int64) {
	att := sessions.GetAttached(co.cfgDir)
	if att == nil {
		co.reply(chatID, "No session attached.")
		return
	}
	res := tmux.Find(att.Cwd)
	if !res.Found {
		co.reply(chatID, "No agent pane found.")
		return
	}
	_ = tmux.SendInterrupt(res.PaneID)
	co.reply(chatID, "⎋ Escape sent")
}

func (co *Coordinator) restart(chatID int64) {
	att := sessions.GetAttached(co.cfgDir)
	if att == nil {
		co.reply(chatID, "No session attached.")
		return
	}
	res := tmux.Find(att.Cwd)
	if !res.Found {
		co.reply(chatID, "No agent pane found; use /sessions to launch.")
		return
	}
	// Quit the agent, then resume the conversation in the same pane.
	_ = tmux.SendKey(res.PaneID, "C-c")
	_ = tmux.SendKey(res.PaneID, "C-c")
	if err := tmux.SendText(res.PaneID, "claude -c"); err != nil {
		co.reply(chatID, "Restart failed: "+err.Error())
		return
	}
	co.reply(chatID, "🔄 Restarting the agent…")
}

func (co *Coordinator) timerCommand(chatID int64, args string) {
	if args == "" {
		if s := co.timer.Running(); s != nil {
			co.reply(chatID, fmt.Sprintf("⏰ Running: every %d min → %q\nUse /timer stop to cancel.", s.FrequencyMin, s.Prompt))
		} else {
			co.reply(chatID, "Usage: /timer <minutes> [prompt], /timer stop")
		}
		return
	}
	if args == "stop" {
		if prior := co.timer.Stop(); prior != nil {
			co.reply(chatID, fmt.Sprintf("⏹ Timer stopped (was every %d min → %q)", prior.FrequencyMin, prior.Prompt))
		} else {
			co.reply(chatID, "No timer running.")
		}
		return
	}

	freqStr, prompt, _ := strings.Cut(args, " ")
	freq, err := strconv.Atoi(freqStr)
	if err != nil || freq <= 0 {
		co.reply(chatID, "Usage: /timer <minutes> [prompt]")
		return
	}
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		// Two-phase setup: the next plain message becomes the prompt.
		co.mu.Lock()
		co.pending = pendingInput{timerFreqMin: freq}
		co.mu.Unlock()
		co.reply(chatID, fmt.Sprintf("⏰ Every %d min — now send the prompt to inject.", freq))
		return
	}
	co.timer.Start(freq, prompt, chatID)
	co.reply(chatID, fmt.Sprintf("⏰ Timer set: every %d min → %q", freq, prompt))
}

// sendPendingImages pops a stashed batch and uploads at most count of them.
func (co *Coordinator) sendPendingImages(chatID int64, key string, count int) {
	imgs, ok := co.manager.PopImages(key)
	if !ok {
		co.reply(chatID, "Those images are gone.")
		return
	}
	if count <= 0 || count > len(imgs) {
		count = len(imgs)
	}
	sent := 0
	for i := 0; i < count; i++ {
		data, err := decodeImage(imgs[i])
		if err != nil {
			continue
		}
		name := fmt.Sprintf("agent-%d%s", i+1, extForMime(imgs[i].MediaType))
		if err := co.tg.SendPhoto(chatID, name, data); err == nil {
			sent++
		}
	}
	if sent == 0 {
		co.reply(chatID, "Could not send any of the images.")
	}
}

func (co *Coordinator) sendAllPendingImages(chatID int64) {
	keys := co.manager.PendingImageKeys()
	if len(keys) == 0 {
		co.reply(chatID, "No pending images.")
		return
	}
	for _, key := range keys {
		co.sendPendingImages(chatID, key, 0)
	}
}
