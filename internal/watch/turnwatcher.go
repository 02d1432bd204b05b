// Package watch observes one agent turn through its transcript file.
package watch

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/asheshgoplani/claude-relay/internal/logging"
	"github.com/asheshgoplani/claude-relay/internal/transcript"
)

var watchLog = logging.ForComponent(logging.CompWatch)

// Image is a decoded image referenced by a Write tool call in the turn tail.
type Image struct {
	MediaType string
	Data      string // base64
}

// TextEvent is one new assistant text block after the baseline.
type TextEvent struct {
	SessionID   string
	ProjectName string
	Cwd         string
	FilePath    string
	Text        string
}

// Callbacks fan watcher events out to the caller. Nil members are skipped.
type Callbacks struct {
	OnText     func(TextEvent)
	OnPing     func()
	OnComplete func()
	OnImages   func([]Image)
}

// Options tune watcher timing; zero values take the defaults. Tests shrink
// them to keep suites fast.
type Options struct {
	ResultGrace  time.Duration // wait after a result record for trailing blocks
	PingAfter    time.Duration // silence before a "still working" ping
	HardIdle     time.Duration // silence before forced termination
	PollInterval time.Duration // rescan fallback for dropped fsnotify events
}

func (o *Options) applyDefaults() {
	if o.ResultGrace <= 0 {
		o.ResultGrace = 500 * time.Millisecond
	}
	if o.PingAfter <= 0 {
		o.PingAfter = 60 * time.Second
	}
	if o.HardIdle <= 0 {
		o.HardIdle = 120 * time.Second
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 250 * time.Millisecond
	}
}

type watcherState int

const (
	stateArmed watcherState = iota
	stateTerminated
)

// Watcher observes a single transcript file from a byte baseline until the
// turn terminates. Exactly one of: result record (plus grace), hard idle
// timeout, or Stop() ends it; after that it stops emitting.
type Watcher struct {
	filePath    string
	sessionID   string
	projectName string
	cwd         string
	cb          Callbacks
	opts        Options

	// scanMu serialises whole scans so blocks are processed in file order
	// even when a change event and the poll tick race.
	scanMu sync.Mutex

	mu            sync.Mutex
	state         watcherState
	cursor        int64
	partial       []byte
	emitted       map[string]bool
	imagePaths    []string
	imageSeen     map[string]bool
	sawResult     bool
	textDelivered bool

	fsw        *fsnotify.Watcher
	graceTimer *time.Timer
	pingTimer  *time.Timer
	idleTimer  *time.Timer
	done       chan struct{}
}

// Start arms a watcher on filePath from baselineSize. The file is scanned
// once immediately, then on every change event, with a slow poll as a safety
// net for coalesced or dropped notifications.
func Start(filePath, sessionID, projectName, cwd string, baselineSize int64, cb Callbacks, opts Options) (*Watcher, error) {
	opts.applyDefaults()

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	// A failed Add is not fatal: the poll loop still drives scans, the same
	// way a silently dead fsnotify stream would be covered.
	if err := fsw.Add(filePath); err != nil {
		watchLog.Debug("fsnotify_add_failed",
			slog.String("file", filePath),
			slog.String("error", err.Error()))
	}

	w := &Watcher{
		filePath:    filePath,
		sessionID:   sessionID,
		projectName: projectName,
		cwd:         cwd,
		cb:          cb,
		opts:        opts,
		cursor:      baselineSize,
		emitted:     make(map[string]bool),
		imageSeen:   make(map[string]bool),
		fsw:         fsw,
		done:        make(chan struct{}),
	}

	w.pingTimer = time.AfterFunc(opts.PingAfter, w.firePing)
	w.idleTimer = time.AfterFunc(opts.HardIdle, w.fireIdle)

	go w.loop()
	w.scan()
	return w, nil
}

// Stop closes the watcher without emitting completion. Safe to call after
// termination; later change events are dropped.
func (w *Watcher) Stop() {
	w.terminate(false)
}

// TextDelivered reports whether any text block reached OnText.
func (w *Watcher) TextDelivered() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.textDelivered
}

func (w *Watcher) loop() {
	ticker := time.NewTicker(w.opts.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-w.done:
			return
		case _, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.scan()
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			// Keep watching; the poll loop covers a dead stream and the
			// hard idle eventually terminates a silent one.
			watchLog.Warn("fsnotify_error", slog.String("error", err.Error()))
		case <-ticker.C:
			w.scan()
		}
	}
}

// scan reads bytes (cursor, size] as lines and processes any new records.
// I/O failures skip the event; a vanished file reads as silence.
func (w *Watcher) scan() {
	w.scanMu.Lock()
	defer w.scanMu.Unlock()

	w.mu.Lock()
	if w.state == stateTerminated {
		w.mu.Unlock()
		return
	}
	cursor := w.cursor
	w.mu.Unlock()

	info, err := os.Stat(w.filePath)
	if err != nil || info.Size() <= cursor {
		return
	}

	f, err := os.Open(w.filePath)
	if err != nil {
		return
	}
	defer f.Close()
	if _, err := f.Seek(cursor, io.SeekStart); err != nil {
		return
	}
	chunk := make([]byte, info.Size()-cursor)
	n, err := io.ReadFull(f, chunk)
	if err != nil && err != io.ErrUnexpectedEOF {
		return
	}
	chunk = chunk[:n]

	w.mu.Lock()
	if w.state == stateTerminated || w.cursor != cursor {
		w.mu.Unlock()
		return
	}
	w.cursor = cursor + int64(n)
	w.partial = append(w.partial, chunk...)

	var complete [][]byte
	for {
		idx := bytes.IndexByte(w.partial, '\n')
		if idx < 0 {
			break
		}
		line := make([]byte, idx)
		copy(line, w.partial[:idx])
		complete = append(complete, line)
		w.partial = w.partial[idx+1:]
	}
	w.idleTimer.Reset(w.opts.HardIdle)
	w.mu.Unlock()

	for _, line := range complete {
		w.processLine(line)
	}
}

func (w *Watcher) processLine(line []byte) {
	if len(bytes.TrimSpace(line)) == 0 {
		return
	}
	var rec transcript.Record
	if err := json.Unmarshal(line, &rec); err != nil {
		return
	}

	switch rec.Type {
	case transcript.RecordResult:
		w.mu.Lock()
		if w.state == stateTerminated || w.sawResult {
			w.mu.Unlock()
			return
		}
		w.sawResult = true
		// Grace window: trailing text and image tool_use blocks of the same
		// flush often land just after the result record.
		w.graceTimer = time.AfterFunc(w.opts.ResultGrace, func() {
			w.terminate(true)
		})
		w.mu.Unlock()

	case transcript.RecordAssistant:
		if rec.Message == nil {
			return
		}
		for _, block := range rec.Message.Content {
			switch block.Type {
			case transcript.BlockText:
				w.emitText(block.Text)
			case transcript.BlockToolUse:
				if block.Name == transcript.ToolWrite {
					if path := block.InputField("file_path"); path != "" {
						if _, ok := transcript.IsImagePath(path); ok {
							w.recordImage(path)
						}
					}
				}
			}
		}
	}
}

// emitText delivers a text block at most once per watch, even when the
// source flushes the same assistant block twice.
func (w *Watcher) emitText(text string) {
	if text == "" {
		return
	}
	w.mu.Lock()
	if w.state == stateTerminated || w.emitted[text] {
		w.mu.Unlock()
		return
	}
	w.emitted[text] = true
	w.textDelivered = true
	w.pingTimer.Stop()
	cb := w.cb.OnText
	w.mu.Unlock()

	if cb != nil {
		cb(TextEvent{
			SessionID:   w.sessionID,
			ProjectName: w.projectName,
			Cwd:         w.cwd,
			FilePath:    w.filePath,
			Text:        text,
		})
	}
}

func (w *Watcher) recordImage(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.imageSeen[path] {
		return
	}
	w.imageSeen[path] = true
	w.imagePaths = append(w.imagePaths, path)
}

func (w *Watcher) firePing() {
	w.mu.Lock()
	if w.state == stateTerminated || w.textDelivered {
		w.mu.Unlock()
		return
	}
	cb := w.cb.OnPing
	w.pingTimer.Reset(w.opts.PingAfter)
	w.mu.Unlock()
	if cb != nil {
		cb()
	}
}

func (w *Watcher) fireIdle() {
	w.terminate(true)
}

// terminate closes the watcher exactly once. When emit is true the turn
// ended normally (result or idle): pending images and completion go out.
// When false (Stop) the watcher goes quiet without completing.
func (w *Watcher) terminate(emit bool) {
	w.mu.Lock()
	if w.state == stateTerminated {
		w.mu.Unlock()
		return
	}
	w.state = stateTerminated
	close(w.done)
	if w.graceTimer != nil {
		w.graceTimer.Stop()
	}
	w.pingTimer.Stop()
	w.idleTimer.Stop()
	paths := w.imagePaths
	onImages := w.cb.OnImages
	onComplete := w.cb.OnComplete
	w.mu.Unlock()

	_ = w.fsw.Close()

	if !emit {
		return
	}
	if onImages != nil {
		if imgs := loadImages(paths); len(imgs) > 0 {
			onImages(imgs)
		}
	}
	if onComplete != nil {
		onComplete()
	}
}

// loadImages reads referenced files from disk. Files the agent moved or
// deleted between tool_use and now are skipped silently.
func loadImages(paths []string) []Image {
	var out []Image
	for _, path := range paths {
		mediaType, ok := transcript.IsImagePath(path)
		if !ok {
			continue
		}
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		out = append(out, Image{
			MediaType: mediaType,
			Data:      base64.StdEncoding.EncodeToString(data),
		})
	}
	return out
}
