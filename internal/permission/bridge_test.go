package permission

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startBridge(t *testing.T, cfgDir string) (*Bridge, func() []Request) {
	t.Helper()
	var mu sync.Mutex
	var got []Request
	b, err := NewBridge(cfgDir, func(req Request) {
		mu.Lock()
		got = append(got, req)
		mu.Unlock()
	})
	require.NoError(t, err)
	go b.Start()
	t.Cleanup(b.Stop)
	return b, func() []Request {
		mu.Lock()
		defer mu.Unlock()
		return append([]Request(nil), got...)
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestPermissionRoundTrip(t *testing.T) {
	cfgDir := t.TempDir()
	_, requests := startBridge(t, cfgDir)
	time.Sleep(100 * time.Millisecond) // let the watcher attach

	reqPath := filepath.Join(cfgDir, "permission-request-xyz.json")
	require.NoError(t, os.WriteFile(reqPath,
		[]byte(`{"requestId":"xyz","toolName":"Bash","toolInput":"rm -rf /tmp/test"}`), 0o644))

	waitFor(t, 2*time.Second, func() bool { return len(requests()) == 1 }, "request callback did not fire")

	req := requests()[0]
	assert.Equal(t, "xyz", req.RequestID)
	assert.Equal(t, "Bash", req.ToolName)
	assert.Equal(t, "rm -rf /tmp/test", req.InputPreview())
	assert.Empty(t, req.ToolCommand, "no transcriptPath means no preview")
	assert.Equal(t, reqPath, req.FilePath)

	require.NoError(t, Respond(cfgDir, "xyz", Approve))
	data, err := os.ReadFile(filepath.Join(cfgDir, "permission-response-xyz"))
	require.NoError(t, err)
	assert.Equal(t, "approve", string(data))
}

func TestRespondDeny(t *testing.T) {
	cfgDir := filepath.Join(t.TempDir(), "nested") // directory created on demand
	require.NoError(t, Respond(cfgDir, "abc", Deny))
	data, err := os.ReadFile(filepath.Join(cfgDir, "permission-response-abc"))
	require.NoError(t, err)
	assert.Equal(t, "deny", string(data))
}

func TestTranscriptPreview(t *testing.T) {
	cfgDir := t.TempDir()

	transcriptPath := filepath.Join(cfgDir, "t.jsonl")
	require.NoError(t, os.WriteFile(transcriptPath,
		[]byte(`{"type":"assistant","message":{"content":[{"type":"tool_use","name":"Bash","input":{"command":"make test"}}]}}`+"\n"), 0o644))

	_, requests := startBridge(t, cfgDir)
	time.Sleep(100 * time.Millisecond)

	require.NoError(t, os.WriteFile(filepath.Join(cfgDir, "permission-request-p1.json"),
		[]byte(`{"requestId":"p1","toolName":"Bash","toolInput":{"command":"make test"},"transcriptPath":"`+transcriptPath+`"}`), 0o644))

	waitFor(t, 2*time.Second, func() bool { return len(requests()) == 1 }, "request callback did not fire")
	assert.Equal(t, "make test", requests()[0].ToolCommand)
}

func TestIgnoresUnrelatedFiles(t *testing.T) {
	cfgDir := t.TempDir()
	_, requests := startBridge(t, cfgDir)
	time.Sleep(100 * time.Millisecond)

	require.NoError(t, os.WriteFile(filepath.Join(cfgDir, "notes.json"), []byte("{}"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(cfgDir, "permission-response-x"), []byte("approve"), 0o644))

	time.Sleep(300 * time.Millisecond)
	assert.Empty(t, requests())
}

func TestExistingRequestPickedUpAtStart(t *testing.T) {
	cfgDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(cfgDir, "permission-request-old.json"),
		[]byte(`{"requestId":"old","toolName":"Write","toolInput":{}}`), 0o644))

	_, requests := startBridge(t, cfgDir)
	waitFor(t, 2*time.Second, func() bool { return len(requests()) == 1 }, "pre-existing request should load")
	assert.Equal(t, "old", requests()[0].RequestID)
}
