package watch

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/asheshgoplani/claude-relay/internal/sessions"
)

type fakeNotifier struct {
	mu     sync.Mutex
	texts  []string
	pings  int
	dones  int
	offers []string
}

func (f *fakeNotifier) NotifyText(chatID int64, ev TextEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.texts = append(f.texts, ev.Text)
}

func (f *fakeNotifier) NotifyPing(chatID int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pings++
}

func (f *fakeNotifier) NotifyDone(chatID int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dones++
}

func (f *fakeNotifier) OfferImages(chatID int64, key string, count int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.offers = append(f.offers, key)
}

func testManagerOptions() ManagerOptions {
	return ManagerOptions{
		Watcher:          testOptions(),
		CompactionPoll:   50 * time.Millisecond,
		CompactionGiveUp: 5 * time.Second,
	}
}

func setupProject(t *testing.T, cwd string) (cfgDir, projectsRoot, projectDir string) {
	t.Helper()
	cfgDir = t.TempDir()
	projectsRoot = t.TempDir()
	projectDir = filepath.Join(projectsRoot, sessions.EncodeCwd(cwd))
	require.NoError(t, os.MkdirAll(projectDir, 0o755))
	return cfgDir, projectsRoot, projectDir
}

func TestStartInjectionWatcherNoSessionFileCompletesImmediately(t *testing.T) {
	cfgDir, projectsRoot, _ := setupProject(t, "/tmp/mgr-none")
	fn := &fakeNotifier{}
	m := NewManager(cfgDir, projectsRoot, fn, testManagerOptions())

	completes := 0
	m.StartInjectionWatcher(sessions.Attached{SessionID: "x", Cwd: "/tmp/absent"}, 1,
		nil, func() { completes++ }, nil)

	assert.Equal(t, 1, completes, "nothing to watch completes at once")
	assert.False(t, m.IsActive())
}

func TestExactlyOnceCompletionAcrossStopAndFlush(t *testing.T) {
	cwd := "/tmp/mgr-flush"
	cfgDir, projectsRoot, projectDir := setupProject(t, cwd)
	appendTo(t, filepath.Join(projectDir, "sess.jsonl"), assistantBuild)

	fn := &fakeNotifier{}
	m := NewManager(cfgDir, projectsRoot, fn, testManagerOptions())

	var mu sync.Mutex
	completes := 0
	m.StartInjectionWatcher(sessions.Attached{SessionID: "sess", Cwd: cwd}, 1,
		nil, func() { mu.Lock(); completes++; mu.Unlock() }, nil)
	require.True(t, m.IsActive())

	m.StopAndFlush()
	m.StopAndFlush() // second flush must not re-fire

	// Let any stray watcher event drain.
	appendTo(t, filepath.Join(projectDir, "sess.jsonl"), resultRec)
	time.Sleep(300 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, completes)
	assert.False(t, m.IsActive())
}

func TestCompletionViaResultRecord(t *testing.T) {
	cwd := "/tmp/mgr-result"
	cfgDir, projectsRoot, projectDir := setupProject(t, cwd)
	sessFile := filepath.Join(projectDir, "sess.jsonl")
	appendTo(t, sessFile, "")

	fn := &fakeNotifier{}
	m := NewManager(cfgDir, projectsRoot, fn, testManagerOptions())

	var mu sync.Mutex
	completes := 0
	var texts []string
	m.StartInjectionWatcher(sessions.Attached{SessionID: "sess", Cwd: cwd}, 1,
		func(ev TextEvent) { mu.Lock(); texts = append(texts, ev.Text); mu.Unlock() },
		func() { mu.Lock(); completes++; mu.Unlock() }, nil)

	appendTo(t, sessFile, assistantBuild+resultRec)

	eventually(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return completes == 1
	}, "result record should complete the turn")

	mu.Lock()
	assert.Equal(t, []string{"Build succeeded."}, texts)
	mu.Unlock()
	assert.False(t, m.IsActive())

	// Text was delivered: the done ping is suppressed.
	fn.mu.Lock()
	assert.Zero(t, fn.dones)
	fn.mu.Unlock()
}

func TestDonePingWhenNoTextDelivered(t *testing.T) {
	cwd := "/tmp/mgr-done"
	cfgDir, projectsRoot, projectDir := setupProject(t, cwd)
	sessFile := filepath.Join(projectDir, "sess.jsonl")
	appendTo(t, sessFile, "")

	fn := &fakeNotifier{}
	m := NewManager(cfgDir, projectsRoot, fn, testManagerOptions())
	m.StartInjectionWatcher(sessions.Attached{SessionID: "sess", Cwd: cwd}, 1, nil, nil, nil)

	appendTo(t, sessFile, resultRec)

	eventually(t, 2*time.Second, func() bool {
		fn.mu.Lock()
		defer fn.mu.Unlock()
		return fn.dones == 1
	}, "silent turn should emit a done notification")
}

func TestSessionRotationRewritesAttachedMarker(t *testing.T) {
	cwd := "/tmp/mgr-rot-marker"
	cfgDir, projectsRoot, projectDir := setupProject(t, cwd)
	appendTo(t, filepath.Join(projectDir, "current.jsonl"), assistantBuild)

	fn := &fakeNotifier{}
	m := NewManager(cfgDir, projectsRoot, fn, testManagerOptions())

	// Attached marker still names a session that rotated away.
	require.NoError(t, sessions.WriteAttached(cfgDir, sessions.Attached{SessionID: "stale", Cwd: cwd}))
	m.StartInjectionWatcher(sessions.Attached{SessionID: "stale", Cwd: cwd}, 1, nil, nil, nil)
	defer m.Clear()

	att := sessions.GetAttached(cfgDir)
	require.NotNil(t, att)
	assert.Equal(t, "current", att.SessionID)
}

func TestCompactionPollRearmsOnRotation(t *testing.T) {
	cwd := "/tmp/mgr-rotate"
	cfgDir, projectsRoot, projectDir := setupProject(t, cwd)
	oldFile := filepath.Join(projectDir, "old.jsonl")
	appendTo(t, oldFile, assistantBuild)
	now := time.Now()
	require.NoError(t, os.Chtimes(oldFile, now.Add(-time.Minute), now.Add(-time.Minute)))

	fn := &fakeNotifier{}
	m := NewManager(cfgDir, projectsRoot, fn, testManagerOptions())

	var mu sync.Mutex
	var texts []string
	completes := 0
	m.StartInjectionWatcher(sessions.Attached{SessionID: "old", Cwd: cwd}, 1,
		func(ev TextEvent) { mu.Lock(); texts = append(texts, ev.Text); mu.Unlock() },
		func() { mu.Lock(); completes++; mu.Unlock() }, nil)
	defer m.Clear()

	// The agent rotates: a newer file appears holding only metadata.
	newFile := filepath.Join(projectDir, "new.jsonl")
	appendTo(t, newFile, `{"type":"file-history-snapshot"}`+"\n")

	// Within the poll bound the manager rearms on the new file at baseline 0.
	time.Sleep(500 * time.Millisecond)
	appendTo(t, newFile, `{"type":"assistant","message":{"content":[{"type":"text","text":"post-rotation"}]}}`+"\n")

	eventually(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(texts) == 1 && texts[0] == "post-rotation"
	}, "rearmed watcher should see post-rotation text from baseline 0")

	mu.Lock()
	assert.Zero(t, completes, "quiet swap must not fire the outer completion")
	mu.Unlock()

	att := sessions.GetAttached(cfgDir)
	require.NotNil(t, att)
	assert.Equal(t, "new", att.SessionID)
}

func TestClearDoesNotFireCompletion(t *testing.T) {
	cwd := "/tmp/mgr-clear"
	cfgDir, projectsRoot, projectDir := setupProject(t, cwd)
	appendTo(t, filepath.Join(projectDir, "sess.jsonl"), assistantBuild)

	fn := &fakeNotifier{}
	m := NewManager(cfgDir, projectsRoot, fn, testManagerOptions())

	completes := 0
	m.StartInjectionWatcher(sessions.Attached{SessionID: "sess", Cwd: cwd}, 1,
		nil, func() { completes++ }, nil)
	m.Clear()

	time.Sleep(200 * time.Millisecond)
	assert.Zero(t, completes)
	assert.False(t, m.IsActive())
}

func TestSupersedingWatcherFlushesPrevious(t *testing.T) {
	cwd := "/tmp/mgr-supersede"
	cfgDir, projectsRoot, projectDir := setupProject(t, cwd)
	appendTo(t, filepath.Join(projectDir, "sess.jsonl"), assistantBuild)

	fn := &fakeNotifier{}
	m := NewManager(cfgDir, projectsRoot, fn, testManagerOptions())

	var mu sync.Mutex
	first, second := 0, 0
	m.StartInjectionWatcher(sessions.Attached{SessionID: "sess", Cwd: cwd}, 1,
		nil, func() { mu.Lock(); first++; mu.Unlock() }, nil)
	m.StartInjectionWatcher(sessions.Attached{SessionID: "sess", Cwd: cwd}, 1,
		nil, func() { mu.Lock(); second++; mu.Unlock() }, nil)
	defer m.Clear()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, first, "starting a new watch flushes the prior one")
	assert.Zero(t, second)
}

func TestStaleCompletionDoesNotClobberFreshWatcher(t *testing.T) {
	cwd := "/tmp/mgr-stale"
	cfgDir, projectsRoot, projectDir := setupProject(t, cwd)
	appendTo(t, filepath.Join(projectDir, "sess.jsonl"), assistantBuild)

	fn := &fakeNotifier{}
	m := NewManager(cfgDir, projectsRoot, fn, testManagerOptions())

	m.StartInjectionWatcher(sessions.Attached{SessionID: "sess", Cwd: cwd}, 1, nil, nil, nil)
	require.True(t, m.IsActive())

	m.mu.Lock()
	gen := m.generation
	w := m.activeWatcher
	m.mu.Unlock()
	defer w.Stop()

	// A completion from a superseded generation must not tear down the
	// active watcher.
	stale := m.wrapCallbacks(gen-1, 1, nil, func(bool) {})
	stale.OnComplete()
	assert.True(t, m.IsActive())

	// The current generation's completion still clears state.
	current := m.wrapCallbacks(gen, 1, nil, func(bool) {})
	current.OnComplete()
	assert.False(t, m.IsActive())
}

func TestPendingImagesStashAndPop(t *testing.T) {
	m := NewManager(t.TempDir(), t.TempDir(), &fakeNotifier{}, testManagerOptions())

	key := m.StashImages([]Image{{MediaType: "image/png", Data: "aGk="}})
	assert.Len(t, m.PendingImageKeys(), 1)

	imgs, ok := m.PopImages(key)
	require.True(t, ok)
	assert.Len(t, imgs, 1)

	// Entries are single-use.
	_, ok = m.PopImages(key)
	assert.False(t, ok)
	assert.Empty(t, m.PendingImageKeys())
}

func TestPreBaselineRespectedViaManager(t *testing.T) {
	cwd := "/tmp/mgr-pre"
	cfgDir, projectsRoot, projectDir := setupProject(t, cwd)
	sessFile := filepath.Join(projectDir, "sess.jsonl")
	appendTo(t, sessFile, assistantBuild) // pre-existing content

	fn := &fakeNotifier{}
	m := NewManager(cfgDir, projectsRoot, fn, testManagerOptions())

	pre := sessions.SnapshotBaseline(cwd, projectsRoot)
	require.NotNil(t, pre)

	var mu sync.Mutex
	var texts []string
	m.StartInjectionWatcher(sessions.Attached{SessionID: "sess", Cwd: cwd}, 1,
		func(ev TextEvent) { mu.Lock(); texts = append(texts, ev.Text); mu.Unlock() },
		nil, pre)
	defer m.Clear()

	appendTo(t, sessFile, `{"type":"assistant","message":{"content":[{"type":"text","text":"fresh"}]}}`+"\n")

	eventually(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(texts) == 1
	}, "post-baseline text should arrive")

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"fresh"}, texts, "pre-baseline content stays invisible")
}
