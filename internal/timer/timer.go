// Package timer injects a recurring prompt on the normal turn pipeline.
package timer

import (
	"log/slog"
	"sync"
	"time"

	"github.com/asheshgoplani/claude-relay/internal/logging"
	"github.com/asheshgoplani/claude-relay/internal/sessions"
	"github.com/asheshgoplani/claude-relay/internal/tmux"
	"github.com/asheshgoplani/claude-relay/internal/watch"
)

var timerLog = logging.ForComponent(logging.CompTimer)

// Settings describe a running timer, returned by Stop for UI echo.
type Settings struct {
	FrequencyMin int
	Prompt       string
}

// PromptTimer holds at most one recurring prompt. Each tick behaves exactly
// like a user message: baseline, inject, arm the shared WatcherManager with
// the same baseline. The manager serialises, so ticks never race messages.
type PromptTimer struct {
	cfgDir       string
	projectsRoot string
	manager      *watch.Manager

	mu       sync.Mutex
	ticker   *time.Ticker
	done     chan struct{}
	settings *Settings
}

// New creates an idle timer.
func New(cfgDir, projectsRoot string, manager *watch.Manager) *PromptTimer {
	return &PromptTimer{cfgDir: cfgDir, projectsRoot: projectsRoot, manager: manager}
}

// Start replaces any existing timer with a new one.
func (t *PromptTimer) Start(frequencyMin int, prompt string, chatID int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopLocked()

	t.settings = &Settings{FrequencyMin: frequencyMin, Prompt: prompt}
	t.ticker = time.NewTicker(time.Duration(frequencyMin) * time.Minute)
	t.done = make(chan struct{})

	timerLog.Info("timer_started",
		slog.Int("frequency_min", frequencyMin),
		slog.String("prompt", prompt))

	go func(ticker *time.Ticker, done chan struct{}) {
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				t.tick(prompt, chatID)
			}
		}
	}(t.ticker, t.done)
}

// Stop clears the timer and returns the prior settings, nil if none ran.
func (t *PromptTimer) Stop() *Settings {
	t.mu.Lock()
	defer t.mu.Unlock()
	prior := t.settings
	t.stopLocked()
	return prior
}

// Running reports the active settings, nil when idle.
func (t *PromptTimer) Running() *Settings {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.settings
}

func (t *PromptTimer) stopLocked() {
	if t.ticker != nil {
		t.ticker.Stop()
		close(t.done)
		t.ticker = nil
		t.done = nil
	}
	t.settings = nil
}

// tick runs one scheduled injection. Any missing precondition skips the
// tick; the next one retries.
func (t *PromptTimer) tick(prompt string, chatID int64) {
	att := sessions.GetAttached(t.cfgDir)
	if att == nil {
		timerLog.Debug("timer_tick_no_attached_session")
		return
	}

	res := tmux.Find(att.Cwd)
	if !res.Found {
		timerLog.Debug("timer_tick_no_pane", slog.String("reason", string(res.Reason)))
		return
	}

	baseline := t.manager.SnapshotBaseline(att.Cwd)

	if err := tmux.SendText(res.PaneID, prompt); err != nil {
		timerLog.Warn("timer_inject_failed", slog.String("error", err.Error()))
		return
	}

	t.manager.StartInjectionWatcher(*att, chatID, nil, nil, baseline)
}
