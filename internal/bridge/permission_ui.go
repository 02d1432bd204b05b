package bridge

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/asheshgoplani/claude-relay/internal/config"
	"github.com/asheshgoplani/claude-relay/internal/permission"
	"github.com/asheshgoplani/claude-relay/internal/sessions"
	"github.com/asheshgoplani/claude-relay/internal/telegram"
	"github.com/asheshgoplani/claude-relay/internal/tmux"
)

// OnPermissionRequest surfaces a hook request as an approve/deny prompt.
// It is wired as the PermissionBridge callback.
func (co *Coordinator) OnPermissionRequest(req permission.Request) {
	chatID := config.LastChatID(co.cfgDir)
	if chatID == 0 {
		bridgeLog.Warn("permission_request_no_chat", slog.String("id", req.RequestID))
		return
	}

	text := fmt.Sprintf("🔐 Permission: %s", req.ToolName)
	if preview := req.InputPreview(); preview != "" {
		text += "\n" + truncateLabel(preview, 300)
	}
	if req.ToolCommand != "" {
		text += "\n$ " + truncateLabel(req.ToolCommand, 300)
	}

	_, err := co.tg.SendMessageWithKeyboard(chatID, text,
		[][]telegram.InlineKeyboardButton{{
			{Text: "✅ Approve", CallbackData: "perm:" + req.RequestID + ":approve"},
			{Text: "❌ Deny", CallbackData: "perm:" + req.RequestID + ":deny"},
		}})
	if err != nil {
		bridgeLog.Warn("permission_prompt_failed", slog.String("error", err.Error()))
	}
}

// permissionTapped answers a hook request twice over: the response file for
// the hook, and a pane keystroke for prompts that only consume keypresses.
// Both are fire-and-forget; either alone is insufficient.
func (co *Coordinator) permissionTapped(chatID int64, cb *telegram.CallbackQuery) {
	// payload: perm:<requestID>:approve|deny
	rest := strings.TrimPrefix(cb.Data, "perm:")
	idx := strings.LastIndex(rest, ":")
	if idx <= 0 {
		co.tg.AnswerCallbackQuery(cb.ID, "")
		return
	}
	requestID, verb := rest[:idx], rest[idx+1:]

	action := permission.Deny
	if verb == "approve" {
		action = permission.Approve
	}

	if err := permission.Respond(co.cfgDir, requestID, action); err != nil {
		bridgeLog.Warn("permission_respond_failed",
			slog.String("id", requestID),
			slog.String("error", err.Error()))
	}

	if att := sessions.GetAttached(co.cfgDir); att != nil {
		if res := tmux.Find(att.Cwd); res.Found {
			if action == permission.Approve {
				// First menu choice approves.
				_ = tmux.SendKey(res.PaneID, "1")
			} else {
				_ = tmux.SendInterrupt(res.PaneID)
			}
		}
	}

	if action == permission.Approve {
		co.tg.AnswerCallbackQuery(cb.ID, "Approved")
		co.editAway(cb, "✅ Approved: "+requestID)
	} else {
		co.tg.AnswerCallbackQuery(cb.ID, "Denied")
		co.editAway(cb, "❌ Denied: "+requestID)
	}
}
