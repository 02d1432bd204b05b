// Package bridge glues the chat surface to the turn pipeline: it receives
// Telegram events, injects into panes, arms the watcher manager and routes
// permission prompts.
package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/asheshgoplani/claude-relay/internal/classify"
	"github.com/asheshgoplani/claude-relay/internal/config"
	"github.com/asheshgoplani/claude-relay/internal/logging"
	"github.com/asheshgoplani/claude-relay/internal/sessions"
	"github.com/asheshgoplani/claude-relay/internal/speech"
	"github.com/asheshgoplani/claude-relay/internal/telegram"
	"github.com/asheshgoplani/claude-relay/internal/timer"
	"github.com/asheshgoplani/claude-relay/internal/tmux"
	"github.com/asheshgoplani/claude-relay/internal/transcript"
	"github.com/asheshgoplani/claude-relay/internal/watch"
)

var bridgeLog = logging.ForComponent(logging.CompBridge)

// interruptSettle is how long the agent gets to drop its current turn after
// an interrupt keystroke, before the next injection.
const interruptSettle = 600 * time.Millisecond

// typingInterval re-sends the transient typing indicator while a turn runs;
// Telegram expires the indicator after a few seconds.
const typingInterval = 5 * time.Second

// waitingQuiet is how long the transcript must stay quiet before a waiting
// classification is surfaced.
const waitingQuiet = 3 * time.Second

// pendingSession is a picker entry kept until the user taps a button.
type pendingSession struct {
	Cwd         string
	ProjectName string
}

// pendingInput marks a conversation state that consumes the next plain
// message: a timer-setup prompt or an image-count reply.
type pendingInput struct {
	timerFreqMin int    // >0: next message is the timer prompt
	imageKey     string // non-empty: a numeric reply picks that many images
}

// Coordinator is the single-process hub. All shared mutable state lives
// here or in the WatcherManager it owns.
type Coordinator struct {
	cfgDir       string
	projectsRoot string
	cfg          config.Config
	settings     config.Settings

	tg      *telegram.Client
	manager *watch.Manager
	timer   *timer.PromptTimer
	speech  *speech.Client

	mu              sync.Mutex
	pending         pendingInput
	pendingSessions map[string]pendingSession
	launchedPaneID  string
	voiceReply      bool
	waitingTimer    *time.Timer
	typingCancel    context.CancelFunc
}

// New wires a coordinator. The manager is created here so its notification
// sink and the coordinator share one Telegram client.
func New(cfgDir, projectsRoot string, cfg config.Config, settings config.Settings, tg *telegram.Client, sp *speech.Client) *Coordinator {
	mgrOpts := watch.ManagerOptions{}
	if settings.HardIdleSec > 0 {
		mgrOpts.Watcher.HardIdle = time.Duration(settings.HardIdleSec) * time.Second
	}
	n := &notifier{tg: tg}
	manager := watch.NewManager(cfgDir, projectsRoot, n, mgrOpts)
	co := &Coordinator{
		cfgDir:          cfgDir,
		projectsRoot:    projectsRoot,
		cfg:             cfg,
		settings:        settings,
		tg:              tg,
		manager:         manager,
		timer:           timer.New(cfgDir, projectsRoot, manager),
		speech:          sp,
		pendingSessions: make(map[string]pendingSession),
	}
	n.co = co
	return co
}

// noteImageOffer arms the image-count pending state: after an offer, a bare
// numeric reply sends that many images from the freshest batch.
func (co *Coordinator) noteImageOffer(key string) {
	co.mu.Lock()
	defer co.mu.Unlock()
	co.pending.imageKey = key
}

// Manager exposes the watcher manager for shutdown.
func (co *Coordinator) Manager() *watch.Manager { return co.manager }

// HandleUpdate is the poller's entry point. The allowlist applies before
// any handler: foreign updates are dropped without a reply.
func (co *Coordinator) HandleUpdate(u telegram.Update) {
	chatID, _ := updateOrigin(u)
	if chatID == 0 {
		return
	}
	if co.cfg.AllowedChatID != 0 && chatID != co.cfg.AllowedChatID {
		bridgeLog.Debug("allowlist_drop", slog.Int64("chat", chatID))
		return
	}

	_ = config.SaveChatID(co.cfgDir, chatID)

	if u.CallbackQuery != nil {
		co.handleCallback(chatID, u.CallbackQuery)
		return
	}
	msg := u.Message
	switch {
	case msg.Voice != nil:
		co.handleVoice(chatID, msg)
	case len(msg.Photo) > 0:
		co.handlePhoto(chatID, msg)
	case msg.Document != nil && strings.HasPrefix(msg.Document.MimeType, "image/"):
		co.handleImageDocument(chatID, msg)
	case strings.TrimSpace(msg.Text) != "":
		co.handleText(chatID, strings.TrimSpace(msg.Text))
	}
}

func updateOrigin(u telegram.Update) (chatID, senderID int64) {
	if u.CallbackQuery != nil {
		if u.CallbackQuery.Message != nil {
			chatID = u.CallbackQuery.Message.Chat.ID
		}
		return chatID, u.CallbackQuery.From.ID
	}
	if u.Message != nil {
		return u.Message.Chat.ID, u.Message.From.ID
	}
	return 0, 0
}

func (co *Coordinator) handleText(chatID int64, text string) {
	if co.consumePending(chatID, text) {
		return
	}
	if strings.HasPrefix(text, "/") {
		co.handleCommand(chatID, text)
		return
	}
	co.runTurn(chatID, text, false)
}

// consumePending routes a message into a special pending-input state, if
// one is set. Returns true when the message was consumed.
func (co *Coordinator) consumePending(chatID int64, text string) bool {
	co.mu.Lock()
	pending := co.pending
	co.mu.Unlock()

	if pending.timerFreqMin > 0 {
		co.mu.Lock()
		co.pending = pendingInput{}
		co.mu.Unlock()
		co.timer.Start(pending.timerFreqMin, text, chatID)
		co.reply(chatID, fmt.Sprintf("⏰ Timer set: every %d min → %q", pending.timerFreqMin, text))
		return true
	}

	if pending.imageKey != "" {
		count := 0
		if _, err := fmt.Sscanf(text, "%d", &count); err == nil && count > 0 {
			co.mu.Lock()
			co.pending = pendingInput{}
			co.mu.Unlock()
			co.sendPendingImages(chatID, pending.imageKey, count)
			return true
		}
		// Not a number: fall through to normal handling and clear the state.
		co.mu.Lock()
		co.pending = pendingInput{}
		co.mu.Unlock()
	}
	return false
}

// runTurn is the text-turn algorithm: ensure attachment, supersede any
// running turn, baseline, inject, arm the watcher.
func (co *Coordinator) runTurn(chatID int64, text string, asVoice bool) {
	att := co.ensureAttached(chatID)
	if att == nil {
		co.reply(chatID, "No sessions found. Use /sessions to pick or launch one.")
		return
	}

	// A new message first interrupts a still-running turn.
	if co.manager.IsActive() {
		if res := tmux.Find(att.Cwd); res.Found {
			_ = tmux.SendInterrupt(res.PaneID)
		}
		co.manager.StopAndFlush()
		time.Sleep(interruptSettle)
	}

	baseline := co.manager.SnapshotBaseline(att.Cwd)

	res := tmux.Inject(att.Cwd, text, co.launchedPane())
	if !res.Injected {
		co.reply(chatID, fmt.Sprintf("❌ No agent running at this session (%s). Use /sessions.", res.Reason))
		return
	}

	co.mu.Lock()
	co.voiceReply = asVoice
	co.mu.Unlock()

	co.startTyping(chatID)
	co.manager.StartInjectionWatcher(*att, chatID,
		func(ev watch.TextEvent) { co.deliverText(chatID, ev) },
		func() { co.stopTyping(); co.cancelWaitingCheck() },
		baseline)
}

// ensureAttached returns the attached session, auto-attaching to the most
// recently modified one when none is set.
func (co *Coordinator) ensureAttached(chatID int64) *sessions.Attached {
	if att := sessions.GetAttached(co.cfgDir); att != nil {
		return att
	}
	list := sessions.ListSessions(1, co.projectsRoot)
	if len(list) == 0 {
		return nil
	}
	att := sessions.Attached{SessionID: list[0].SessionID, Cwd: list[0].Cwd}
	if err := sessions.WriteAttached(co.cfgDir, att); err != nil {
		return nil
	}
	co.reply(chatID, fmt.Sprintf("📎 Auto-attached to %s (%s)", list[0].ProjectName, att.Cwd))
	return &att
}

// deliverText relays one assistant text block, voiced when the inbound
// message was a voice note, and schedules the waiting-state check.
func (co *Coordinator) deliverText(chatID int64, ev watch.TextEvent) {
	co.mu.Lock()
	voiced := co.voiceReply
	co.mu.Unlock()

	if voiced && co.speech.Enabled() {
		if audio, err := co.speech.Synthesize(ev.Text); err == nil {
			if err := co.tg.SendVoice(chatID, "reply.ogg", audio); err == nil {
				co.scheduleWaitingCheck(chatID, ev.FilePath)
				return
			}
		}
	}
	_ = co.tg.SendMessage(chatID, ev.Text)
	co.scheduleWaitingCheck(chatID, ev.FilePath)
}

// scheduleWaitingCheck re-arms the quiet-window classifier: once the file
// stays quiet for waitingQuiet after the last text block, the tail is
// classified and a proactive notification goes out for actionable tags.
func (co *Coordinator) scheduleWaitingCheck(chatID int64, filePath string) {
	co.mu.Lock()
	defer co.mu.Unlock()
	if co.waitingTimer != nil {
		co.waitingTimer.Stop()
	}
	co.waitingTimer = time.AfterFunc(waitingQuiet, func() {
		co.checkWaiting(chatID, filePath)
	})
}

func (co *Coordinator) cancelWaitingCheck() {
	co.mu.Lock()
	defer co.mu.Unlock()
	if co.waitingTimer != nil {
		co.waitingTimer.Stop()
		co.waitingTimer = nil
	}
}

func (co *Coordinator) checkWaiting(chatID int64, filePath string) {
	entry := transcript.LastAssistantEntry(filePath)
	tag := classify.Classify(entry.Text, entry.HasExitPlanMode)
	switch tag {
	case classify.None, classify.Question:
		// Ordinary questions already reached the user as text.
		return
	case classify.MultipleChoice:
		var rows [][]telegram.InlineKeyboardButton
		for i, choice := range classify.PlanChoices {
			rows = append(rows, []telegram.InlineKeyboardButton{
				{Text: choice, CallbackData: fmt.Sprintf("choice:%d", i+1)},
			})
		}
		text := "📋 The agent is waiting for plan approval."
		if entry.PlanText != "" {
			text += "\n\n" + entry.PlanText
		}
		_, _ = co.tg.SendMessageWithKeyboard(chatID, text, rows)
	case classify.YesNo:
		co.reply(chatID, "⏸️ The agent is waiting for a yes/no answer.")
	case classify.Enter:
		co.reply(chatID, "⏸️ The agent is waiting for you to press Enter. Use /escape to cancel instead.")
	}
}

// startTyping keeps the typing indicator alive until the turn completes.
func (co *Coordinator) startTyping(chatID int64) {
	ctx, cancel := context.WithCancel(context.Background())
	co.mu.Lock()
	if co.typingCancel != nil {
		co.typingCancel()
	}
	co.typingCancel = cancel
	co.mu.Unlock()

	go func() {
		co.tg.SendTyping(chatID)
		ticker := time.NewTicker(typingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				co.tg.SendTyping(chatID)
			}
		}
	}()
}

func (co *Coordinator) stopTyping() {
	co.mu.Lock()
	defer co.mu.Unlock()
	if co.typingCancel != nil {
		co.typingCancel()
		co.typingCancel = nil
	}
}

// launchedPane returns the fallback pane id recorded by the last launch.
func (co *Coordinator) launchedPane() string {
	co.mu.Lock()
	defer co.mu.Unlock()
	return co.launchedPaneID
}

// setLaunchedPane records the fallback pane. Set once per launch; only used
// when the locator cannot identify a pane by cwd.
func (co *Coordinator) setLaunchedPane(paneID string) {
	co.mu.Lock()
	defer co.mu.Unlock()
	co.launchedPaneID = paneID
}

func (co *Coordinator) reply(chatID int64, text string) {
	if err := co.tg.SendMessage(chatID, text); err != nil {
		bridgeLog.Warn("reply_failed", slog.String("error", err.Error()))
	}
}
