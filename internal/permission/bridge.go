// Package permission implements the two-file handshake with the agent's
// permission hook: the hook writes request files, the bridge answers with
// response files.
package permission

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/asheshgoplani/claude-relay/internal/logging"
	"github.com/asheshgoplani/claude-relay/internal/transcript"
)

var permLog = logging.ForComponent(logging.CompPerm)

const (
	requestPrefix  = "permission-request-"
	requestSuffix  = ".json"
	responsePrefix = "permission-response-"
)

// Action is the literal string written into a response file. The hook exits
// 0 on approve and 2 on deny.
type Action string

const (
	Approve Action = "approve"
	Deny    Action = "deny"
)

// Request is a decoded permission request plus derived context.
type Request struct {
	RequestID   string          `json:"requestId"`
	ToolName    string          `json:"toolName"`
	ToolInput   json.RawMessage `json:"toolInput"`
	Transcript  string          `json:"transcriptPath,omitempty"`
	ToolCommand string          `json:"-"` // preview extracted from the transcript, may be empty
	FilePath    string          `json:"-"`
}

// InputPreview renders ToolInput for a human: a bare string verbatim,
// anything else as its raw JSON text, exactly as the hook wrote it.
func (r *Request) InputPreview() string {
	var s string
	if json.Unmarshal(r.ToolInput, &s) == nil {
		return s
	}
	return string(r.ToolInput)
}

// Bridge watches the config directory for request files.
type Bridge struct {
	cfgDir   string
	onReq    func(Request)
	watcher  *fsnotify.Watcher
	ctx      context.Context
	cancel   context.CancelFunc
	seenMu   sync.Mutex
	seen     map[string]bool
	stopOnce sync.Once
}

// NewBridge creates a watcher over cfgDir. Call Start in a goroutine.
func NewBridge(cfgDir string, onRequest func(Request)) (*Bridge, error) {
	if err := os.MkdirAll(cfgDir, 0o755); err != nil {
		return nil, err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Bridge{
		cfgDir:  cfgDir,
		onReq:   onRequest,
		watcher: watcher,
		ctx:     ctx,
		cancel:  cancel,
		seen:    make(map[string]bool),
	}, nil
}

// Start begins watching. Pre-existing request files are processed first so a
// request written while the bridge was down is not lost.
func (b *Bridge) Start() {
	if err := b.watcher.Add(b.cfgDir); err != nil {
		permLog.Warn("permission_watch_failed",
			slog.String("dir", b.cfgDir),
			slog.String("error", err.Error()))
		return
	}

	b.loadExisting()

	// Debounce: the hook writes the file in one shot but fsnotify may emit
	// create+write pairs.
	var pendingMu sync.Mutex
	pending := make(map[string]bool)
	var debounce *time.Timer

	for {
		select {
		case <-b.ctx.Done():
			return
		case event, ok := <-b.watcher.Events:
			if !ok {
				return
			}
			if !isRequestFile(filepath.Base(event.Name)) {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			pendingMu.Lock()
			pending[event.Name] = true
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(100*time.Millisecond, func() {
				pendingMu.Lock()
				files := make([]string, 0, len(pending))
				for f := range pending {
					files = append(files, f)
				}
				pending = make(map[string]bool)
				pendingMu.Unlock()
				for _, f := range files {
					b.processFile(f)
				}
			})
			pendingMu.Unlock()
		case err, ok := <-b.watcher.Errors:
			if !ok {
				return
			}
			permLog.Warn("permission_watch_error", slog.String("error", err.Error()))
		}
	}
}

// Stop shuts down the watcher.
func (b *Bridge) Stop() {
	b.stopOnce.Do(func() {
		b.cancel()
		_ = b.watcher.Close()
	})
}

func isRequestFile(name string) bool {
	return strings.HasPrefix(name, requestPrefix) && strings.HasSuffix(name, requestSuffix)
}

func (b *Bridge) loadExisting() {
	entries, err := os.ReadDir(b.cfgDir)
	if err != nil {
		return
	}
	for _, entry := range entries {
		if entry.IsDir() || !isRequestFile(entry.Name()) {
			continue
		}
		b.processFile(filepath.Join(b.cfgDir, entry.Name()))
	}
}

// processFile reads one request file and fires the callback. An unreadable
// file is skipped: the hook times out on its own and re-prompts.
func (b *Bridge) processFile(path string) {
	b.seenMu.Lock()
	if b.seen[path] {
		b.seenMu.Unlock()
		return
	}
	b.seen[path] = true
	b.seenMu.Unlock()

	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		permLog.Debug("permission_request_malformed", slog.String("file", path))
		return
	}
	req.FilePath = path

	// Optional preview: the last tool_use command in the transcript the hook
	// pointed at. A failed read leaves the preview empty.
	if req.Transcript != "" {
		req.ToolCommand = transcript.LastToolCommand(req.Transcript)
	}

	permLog.Info("permission_request",
		slog.String("id", req.RequestID),
		slog.String("tool", req.ToolName))

	if b.onReq != nil {
		b.onReq(req)
	}
}

// Respond writes the response file the hook polls for.
func Respond(cfgDir, requestID string, action Action) error {
	if err := os.MkdirAll(cfgDir, 0o755); err != nil {
		return err
	}
	path := filepath.Join(cfgDir, responsePrefix+requestID)
	if err := os.WriteFile(path, []byte(action), 0o644); err != nil {
		return fmt.Errorf("failed to write permission response: %w", err)
	}
	permLog.Info("permission_response",
		slog.String("id", requestID),
		slog.String("action", string(action)))
	return nil
}
