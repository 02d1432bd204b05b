package watch

import (
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/asheshgoplani/claude-relay/internal/sessions"
)

// Notifier is the slice of the chat surface the manager needs. The bridge
// wires its Telegram client in; tests wire a recorder.
type Notifier interface {
	NotifyText(chatID int64, ev TextEvent)
	NotifyPing(chatID int64)
	NotifyDone(chatID int64)
	OfferImages(chatID int64, key string, count int)
}

// ManagerOptions tune the manager's background timing.
type ManagerOptions struct {
	Watcher          Options
	CompactionPoll   time.Duration // re-resolve interval for session rotation
	CompactionGiveUp time.Duration // stop polling after this long
}

func (o *ManagerOptions) applyDefaults() {
	if o.CompactionPoll <= 0 {
		o.CompactionPoll = 3 * time.Second
	}
	if o.CompactionGiveUp <= 0 {
		o.CompactionGiveUp = 60 * time.Second
	}
}

// Manager owns at most one active TurnWatcher. Starting a new watch first
// stops and flushes the prior one, so completion fires exactly once per
// StartInjectionWatcher across every termination path.
type Manager struct {
	cfgDir       string
	projectsRoot string
	notify       Notifier
	opts         ManagerOptions

	mu               sync.Mutex
	active           bool
	activeWatcher    *Watcher
	activeOnComplete func() // once-wrapped
	generation       int

	imagesMu      sync.Mutex
	pendingImages map[string][]Image
}

// NewManager creates the singleton watcher driver.
func NewManager(cfgDir, projectsRoot string, notify Notifier, opts ManagerOptions) *Manager {
	opts.applyDefaults()
	return &Manager{
		cfgDir:        cfgDir,
		projectsRoot:  projectsRoot,
		notify:        notify,
		opts:          opts,
		pendingImages: make(map[string][]Image),
	}
}

// SnapshotBaseline captures the pre-injection baseline for a cwd.
func (m *Manager) SnapshotBaseline(cwd string) *sessions.Baseline {
	return sessions.SnapshotBaseline(cwd, m.projectsRoot)
}

// IsActive reports whether a watcher is currently armed.
func (m *Manager) IsActive() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// StartInjectionWatcher arms a TurnWatcher for the attached session.
//
// onText defaults to notifying the chat surface; onComplete is invoked
// exactly once however the turn ends. preBaseline, when provided, was
// captured by the caller before its injection and wins over a fresh
// snapshot.
func (m *Manager) StartInjectionWatcher(att sessions.Attached, chatID int64, onText func(TextEvent), onComplete func(), preBaseline *sessions.Baseline) {
	m.mu.Lock()

	// Invalidate any in-flight compaction poll from a previous injection.
	m.generation++
	gen := m.generation

	if m.active {
		m.stopAndFlushLocked()
	}

	baseline := preBaseline
	if baseline == nil {
		baseline = sessions.SnapshotBaseline(att.Cwd, m.projectsRoot)
	}

	completeOnce := &sync.Once{}
	complete := func(textDelivered bool) {
		completeOnce.Do(func() {
			if onComplete != nil {
				onComplete()
			}
			// Suppress the "done" ping when a text reply already went out.
			if !textDelivered && m.notify != nil {
				m.notify.NotifyDone(chatID)
			}
		})
	}

	if baseline == nil {
		// Nothing to watch: no session file exists yet for this cwd.
		m.mu.Unlock()
		complete(true)
		return
	}

	// Session rotated between attach-time and now: follow it.
	if baseline.SessionID != att.SessionID {
		watchLog.Info("session_rotated_at_start",
			slog.String("old", att.SessionID),
			slog.String("new", baseline.SessionID))
		_ = sessions.WriteAttached(m.cfgDir, sessions.Attached{SessionID: baseline.SessionID, Cwd: att.Cwd})
	}

	projectName := sessions.ProjectName(sessions.EncodeCwd(att.Cwd))
	cb := m.wrapCallbacks(gen, chatID, onText, complete)

	w, err := Start(baseline.FilePath, baseline.SessionID, projectName, att.Cwd, baseline.Size, cb, m.opts.Watcher)
	if err != nil {
		m.mu.Unlock()
		watchLog.Warn("watcher_start_failed", slog.String("error", err.Error()))
		complete(true)
		return
	}

	m.active = true
	m.activeWatcher = w
	m.activeOnComplete = func() { complete(w.TextDelivered()) }
	m.mu.Unlock()

	go m.compactionPoll(gen, att, chatID, baseline.FilePath, cb)
}

// wrapCallbacks composes the manager's own behaviour (chat notifications,
// image staging) around the caller's callbacks. The callbacks carry their
// generation: a stale self-termination racing a newly-installed watcher must
// not clobber it.
func (m *Manager) wrapCallbacks(gen int, chatID int64, onText func(TextEvent), complete func(bool)) Callbacks {
	var delivered atomic.Bool
	return Callbacks{
		OnText: func(ev TextEvent) {
			delivered.Store(true)
			if onText != nil {
				onText(ev)
			} else if m.notify != nil {
				m.notify.NotifyText(chatID, ev)
			}
		},
		OnPing: func() {
			if m.notify != nil {
				m.notify.NotifyPing(chatID)
			}
		},
		OnImages: func(imgs []Image) {
			key := m.StashImages(imgs)
			if m.notify != nil {
				m.notify.OfferImages(chatID, key, len(imgs))
			}
		},
		OnComplete: func() {
			m.mu.Lock()
			if m.generation == gen {
				m.active = false
				m.activeWatcher = nil
				m.activeOnComplete = nil
			}
			m.mu.Unlock()
			// Superseded turns were already flushed; the once-wrapper
			// makes this a no-op then.
			complete(delivered.Load())
		},
	}
}

// Clear discards the in-flight watcher without firing completion. Used at
// detach and shutdown only.
func (m *Manager) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.activeWatcher != nil {
		m.activeWatcher.Stop()
	}
	m.active = false
	m.activeWatcher = nil
	m.activeOnComplete = nil
}

// StopAndFlush cancels the in-flight watcher and fires its completion.
// Used when a new user message supersedes a running turn.
func (m *Manager) StopAndFlush() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopAndFlushLocked()
}

func (m *Manager) stopAndFlushLocked() {
	if m.activeWatcher != nil {
		m.activeWatcher.Stop()
	}
	if m.activeOnComplete != nil {
		m.activeOnComplete()
	}
	m.active = false
	m.activeWatcher = nil
	m.activeOnComplete = nil
}

// compactionPoll watches for the agent rotating to a new transcript file
// (compaction or /clear) while a turn is in flight. On rotation the current
// watcher is stopped quietly and a new one starts at baseline 0 with the
// same outer callbacks. The poll exits when its generation is superseded.
func (m *Manager) compactionPoll(gen int, att sessions.Attached, chatID int64, watchedFile string, cb Callbacks) {
	deadline := time.Now().Add(m.opts.CompactionGiveUp)
	ticker := time.NewTicker(m.opts.CompactionPoll)
	defer ticker.Stop()

	current := watchedFile
	for range ticker.C {
		m.mu.Lock()
		superseded := m.generation != gen || !m.active
		m.mu.Unlock()
		if superseded {
			return
		}

		if time.Now().After(deadline) {
			// Give up polling. If the watched file has vanished and never
			// rotated anywhere we can see, surface completion; a healthy
			// watcher keeps running and owns its own termination.
			if _, err := os.Stat(current); err != nil {
				m.mu.Lock()
				if m.generation == gen && m.active {
					m.stopAndFlushLocked()
				}
				m.mu.Unlock()
			}
			return
		}

		sessionID, filePath, ok := sessions.LatestSessionFileForCwd(att.Cwd, m.projectsRoot)
		if !ok || filePath == current {
			continue
		}

		watchLog.Info("compaction_rotation",
			slog.String("from", current),
			slog.String("to", filePath))

		m.mu.Lock()
		if m.generation != gen || !m.active {
			m.mu.Unlock()
			return
		}
		// Quiet swap: stop without firing the outer completion.
		if m.activeWatcher != nil {
			m.activeWatcher.Stop()
		}
		projectName := sessions.ProjectName(sessions.EncodeCwd(att.Cwd))
		w, err := Start(filePath, sessionID, projectName, att.Cwd, 0, cb, m.opts.Watcher)
		if err != nil {
			m.mu.Unlock()
			continue
		}
		m.activeWatcher = w
		_ = sessions.WriteAttached(m.cfgDir, sessions.Attached{SessionID: sessionID, Cwd: att.Cwd})
		m.mu.Unlock()
		current = filePath
	}
}

// StashImages stores an image batch under a fresh key for the out-of-band
// image picker and returns the key.
func (m *Manager) StashImages(imgs []Image) string {
	key := uuid.NewString()
	m.imagesMu.Lock()
	m.pendingImages[key] = imgs
	m.imagesMu.Unlock()
	return key
}

// PopImages drains a stashed batch. Entries are single-use.
func (m *Manager) PopImages(key string) ([]Image, bool) {
	m.imagesMu.Lock()
	defer m.imagesMu.Unlock()
	imgs, ok := m.pendingImages[key]
	if ok {
		delete(m.pendingImages, key)
	}
	return imgs, ok
}

// PendingImageKeys lists keys of batches not yet drained; used by the
// /images command.
func (m *Manager) PendingImageKeys() []string {
	m.imagesMu.Lock()
	defer m.imagesMu.Unlock()
	keys := make([]string, 0, len(m.pendingImages))
	for k := range m.pendingImages {
		keys = append(keys, k)
	}
	return keys
}
