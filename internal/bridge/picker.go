package bridge

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/asheshgoplani/claude-relay/internal/sessions"
	"github.com/asheshgoplani/claude-relay/internal/telegram"
	"github.com/asheshgoplani/claude-relay/internal/tmux"
)

// showSessionPicker lists sessions as inline buttons. The entries come from
// the on-disk index only (newest transcript per project, newest first, at
// most 15); an entry whose cwd has an agent pane is marked 🟢. Running panes
// are not listed on their own and do not change the order, so a pane whose
// cwd is not among the indexed entries does not appear. A query
// fuzzy-filters by project name.
func (co *Coordinator) showSessionPicker(chatID int64, query string) {
	list := sessions.ListSessions(15, co.projectsRoot)
	list = sessions.Filter(list, query)
	if len(list) == 0 {
		co.reply(chatID, "No sessions found under "+co.projectsRoot)
		return
	}

	running := make(map[string]bool)
	for _, pane := range tmux.ListPanes() {
		if tmux.IsClaudePane(pane.Command) {
			running[pane.Cwd] = true
		}
	}

	co.mu.Lock()
	co.pendingSessions = make(map[string]pendingSession)
	var rows [][]telegram.InlineKeyboardButton
	for _, s := range list {
		co.pendingSessions[s.SessionID] = pendingSession{Cwd: s.Cwd, ProjectName: s.ProjectName}
		marker := "⚪"
		if running[s.Cwd] {
			marker = "🟢"
		}
		label := fmt.Sprintf("%s %s", marker, s.ProjectName)
		if s.LastMessage != "" {
			label = fmt.Sprintf("%s — %s", label, truncateLabel(s.LastMessage, 30))
		}
		rows = append(rows, []telegram.InlineKeyboardButton{
			{Text: label, CallbackData: "attach:" + s.SessionID},
		})
	}
	co.mu.Unlock()

	if _, err := co.tg.SendMessageWithKeyboard(chatID, "Pick a session:", rows); err != nil {
		bridgeLog.Warn("picker_send_failed", slog.String("error", err.Error()))
	}
}

func truncateLabel(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}

// handleCallback routes button taps by payload prefix.
func (co *Coordinator) handleCallback(chatID int64, cb *telegram.CallbackQuery) {
	data := cb.Data
	switch {
	case strings.HasPrefix(data, "attach:"):
		co.tg.AnswerCallbackQuery(cb.ID, "")
		co.attachTapped(chatID, cb, strings.TrimPrefix(data, "attach:"))
	case strings.HasPrefix(data, "launch:"):
		co.tg.AnswerCallbackQuery(cb.ID, "Launching…")
		co.launchTapped(chatID, cb, strings.TrimPrefix(data, "launch:"), false)
	case strings.HasPrefix(data, "launchskip:"):
		co.tg.AnswerCallbackQuery(cb.ID, "Launching…")
		co.launchTapped(chatID, cb, strings.TrimPrefix(data, "launchskip:"), true)
	case strings.HasPrefix(data, "perm:"):
		co.permissionTapped(chatID, cb)
	case strings.HasPrefix(data, "imgs:"):
		co.imagesTapped(chatID, cb)
	case strings.HasPrefix(data, "choice:"):
		co.tg.AnswerCallbackQuery(cb.ID, "")
		co.choiceTapped(chatID, cb, strings.TrimPrefix(data, "choice:"))
	case strings.HasPrefix(data, "detach:"):
		co.tg.AnswerCallbackQuery(cb.ID, "")
		co.detachTapped(chatID, cb, strings.TrimPrefix(data, "detach:"))
	case data == "cancel":
		co.tg.AnswerCallbackQuery(cb.ID, "Cancelled")
		co.editAway(cb, "Cancelled.")
	default:
		co.tg.AnswerCallbackQuery(cb.ID, "")
	}
}

// attachTapped attaches immediately when the agent runs at that cwd,
// otherwise offers the launch flow.
func (co *Coordinator) attachTapped(chatID int64, cb *telegram.CallbackQuery, sessionID string) {
	co.mu.Lock()
	ps, ok := co.pendingSessions[sessionID]
	co.mu.Unlock()
	if !ok {
		co.editAway(cb, "This picker expired; run /sessions again.")
		return
	}

	if res := tmux.Find(ps.Cwd); res.Found {
		if err := sessions.WriteAttached(co.cfgDir, sessions.Attached{SessionID: sessionID, Cwd: ps.Cwd}); err != nil {
			co.reply(chatID, "Attach failed: "+err.Error())
			return
		}
		co.editAway(cb, fmt.Sprintf("📎 Attached to %s", ps.ProjectName))
		return
	}

	_, err := co.tg.SendMessageWithKeyboard(chatID,
		fmt.Sprintf("No agent running at %s. Launch one?", ps.Cwd),
		[][]telegram.InlineKeyboardButton{
			{{Text: "Launch", CallbackData: "launch:" + sessionID}},
			{{Text: "Launch (skip permissions)", CallbackData: "launchskip:" + sessionID}},
			{{Text: "Cancel", CallbackData: "cancel"}},
		})
	if err != nil {
		bridgeLog.Warn("launch_offer_failed", slog.String("error", err.Error()))
	}
}

// launchTapped creates a pane, attaches, and polls the locator until the
// new pane is visible before announcing readiness.
func (co *Coordinator) launchTapped(chatID int64, cb *telegram.CallbackQuery, sessionID string, skipPermissions bool) {
	co.mu.Lock()
	ps, ok := co.pendingSessions[sessionID]
	co.mu.Unlock()
	if !ok {
		co.editAway(cb, "This picker expired; run /sessions again.")
		return
	}

	paneID, err := tmux.Launch(ps.Cwd, ps.ProjectName, skipPermissions)
	if err != nil {
		co.reply(chatID, "Launch failed: "+err.Error())
		return
	}
	co.setLaunchedPane(paneID)

	if err := sessions.WriteAttached(co.cfgDir, sessions.Attached{SessionID: sessionID, Cwd: ps.Cwd}); err != nil {
		co.reply(chatID, "Attach failed: "+err.Error())
		return
	}
	co.editAway(cb, fmt.Sprintf("🚀 Launching %s…", ps.ProjectName))

	go func() {
		deadline := time.Now().Add(20 * time.Second)
		for time.Now().Before(deadline) {
			if res := tmux.Find(ps.Cwd); res.Found {
				co.reply(chatID, fmt.Sprintf("✅ %s is ready.", ps.ProjectName))
				return
			}
			time.Sleep(time.Second)
		}
		co.reply(chatID, fmt.Sprintf("⚠️ %s did not come up; check the pane.", ps.ProjectName))
	}()
}

// choiceTapped answers a plan-approval menu by pressing the numbered option.
func (co *Coordinator) choiceTapped(chatID int64, cb *telegram.CallbackQuery, num string) {
	att := sessions.GetAttached(co.cfgDir)
	if att == nil {
		return
	}
	res := tmux.Find(att.Cwd)
	if !res.Found {
		co.reply(chatID, "No agent pane found.")
		return
	}
	_ = tmux.SendKey(res.PaneID, num)
	if cb.Message != nil {
		co.tg.EditMessageText(chatID, cb.Message.MessageID, cb.Message.Text+"\n\n✓ Option "+num)
	}
}

// detach offers a close/keep prompt when a pane exists, otherwise removes
// the marker silently.
func (co *Coordinator) detach(chatID int64) {
	att := sessions.GetAttached(co.cfgDir)
	if att == nil {
		co.reply(chatID, "Not attached.")
		return
	}
	if res := tmux.Find(att.Cwd); res.Found {
		_, _ = co.tg.SendMessageWithKeyboard(chatID, "Close the agent window too?",
			[][]telegram.InlineKeyboardButton{{
				{Text: "Close window", CallbackData: "detach:close"},
				{Text: "Keep it", CallbackData: "detach:keep"},
			}})
		return
	}
	_ = sessions.RemoveAttached(co.cfgDir)
}

func (co *Coordinator) detachTapped(chatID int64, cb *telegram.CallbackQuery, action string) {
	att := sessions.GetAttached(co.cfgDir)
	if att != nil && action == "close" {
		if res := tmux.Find(att.Cwd); res.Found {
			_ = tmux.KillWindow(res.PaneID)
		}
	}
	co.manager.Clear()
	_ = sessions.RemoveAttached(co.cfgDir)
	co.editAway(cb, "👋 Detached.")
}

// closeSession kills the agent window and detaches in one step.
func (co *Coordinator) closeSession(chatID int64) {
	att := sessions.GetAttached(co.cfgDir)
	if att == nil {
		co.reply(chatID, "Not attached.")
		return
	}
	if res := tmux.Find(att.Cwd); res.Found {
		_ = tmux.KillWindow(res.PaneID)
	}
	co.manager.Clear()
	_ = sessions.RemoveAttached(co.cfgDir)
	co.reply(chatID, "🗑 Session closed and detached.")
}

// editAway replaces a keyboard message with plain text.
func (co *Coordinator) editAway(cb *telegram.CallbackQuery, text string) {
	if cb.Message == nil {
		return
	}
	co.tg.EditMessageText(cb.Message.Chat.ID, cb.Message.MessageID, text)
}
