package sessions

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeCwd(t *testing.T) {
	assert.Equal(t, "-Users-me-proj", EncodeCwd("/Users/me/proj"))
	assert.Equal(t, "-Users-me-Code-cloud--proj", EncodeCwd("/Users/me/Code cloud/!proj"))
	assert.Equal(t, "-a-under_score", EncodeCwd("/a/under_score"))
}

func TestDecodeCwd(t *testing.T) {
	assert.Equal(t, "/Users/me/proj", DecodeCwd("-Users-me-proj"))
}

func TestProjectName(t *testing.T) {
	assert.Equal(t, "proj", ProjectName("-Users-me-proj"))
	assert.Equal(t, "deep", ProjectName("-a-b-c-deep"))
}

func writeSession(t *testing.T, dir, name, content string, mtime time.Time) string {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0o755))
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	require.NoError(t, os.Chtimes(path, mtime, mtime))
	return path
}

const assistantRec = `{"type":"assistant","cwd":"/tmp/p","message":{"content":[{"type":"text","text":"Build succeeded."}]}}` + "\n"

func TestListSessionsOnePerProject(t *testing.T) {
	root := t.TempDir()
	now := time.Now()

	dirA := filepath.Join(root, "-home-me-alpha")
	writeSession(t, dirA, "old.jsonl", assistantRec, now.Add(-2*time.Hour))
	writeSession(t, dirA, "new.jsonl", assistantRec, now.Add(-time.Hour))

	dirB := filepath.Join(root, "-home-me-beta")
	writeSession(t, dirB, "only.jsonl", assistantRec, now)

	list := ListSessions(10, root)
	require.Len(t, list, 2, "at most one entry per project directory")
	assert.Equal(t, "only", list[0].SessionID, "sorted by mtime desc")
	assert.Equal(t, "new", list[1].SessionID, "newest file per project wins")
	assert.Equal(t, "Build succeeded.", list[1].LastMessage)
}

func TestListSessionsLimit(t *testing.T) {
	root := t.TempDir()
	now := time.Now()
	for _, name := range []string{"-p-one", "-p-two", "-p-three"} {
		writeSession(t, filepath.Join(root, name), "s.jsonl", assistantRec, now)
	}
	assert.Len(t, ListSessions(2, root), 2)
}

func TestListSessionsMissingRoot(t *testing.T) {
	assert.Nil(t, ListSessions(5, filepath.Join(t.TempDir(), "missing")))
}

func TestLatestSessionFileForCwdPicksMetadataOnlyRotation(t *testing.T) {
	// Rotation on clear: the newer file holds only a snapshot record and
	// must still be picked.
	root := t.TempDir()
	cwd := "/tmp/p"
	dir := filepath.Join(root, EncodeCwd(cwd))
	now := time.Now()
	writeSession(t, dir, "old.jsonl", assistantRec, now.Add(-time.Minute))
	writeSession(t, dir, "new.jsonl", `{"type":"file-history-snapshot"}`+"\n", now)

	sessionID, filePath, ok := LatestSessionFileForCwd(cwd, root)
	require.True(t, ok)
	assert.Equal(t, "new", sessionID)
	assert.Equal(t, filepath.Join(dir, "new.jsonl"), filePath)
}

func TestLatestSessionFileForCwdNone(t *testing.T) {
	_, _, ok := LatestSessionFileForCwd("/nowhere", t.TempDir())
	assert.False(t, ok)
}

func TestSessionFilePath(t *testing.T) {
	root := t.TempDir()
	writeSession(t, filepath.Join(root, "-p-a"), "abc.jsonl", assistantRec, time.Now())

	path, ok := SessionFilePath("abc", root)
	require.True(t, ok)
	assert.Equal(t, filepath.Join(root, "-p-a", "abc.jsonl"), path)

	_, ok = SessionFilePath("missing", root)
	assert.False(t, ok)
}

func TestFilterFuzzy(t *testing.T) {
	list := []Session{
		{ProjectName: "claude-relay"},
		{ProjectName: "backend"},
		{ProjectName: "relay-dashboard"},
	}
	got := Filter(list, "relay")
	require.NotEmpty(t, got)
	for _, s := range got {
		assert.Contains(t, s.ProjectName, "relay")
	}
	assert.Equal(t, list, Filter(list, ""))
}
