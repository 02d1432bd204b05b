package transcript

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func assistantLine(text string) string {
	return `{"type":"assistant","cwd":"/tmp/p","message":{"content":[{"type":"text","text":"` + text + `"}]}}`
}

func TestParseSkipsBlankAndMalformed(t *testing.T) {
	lines := []string{
		"",
		"   ",
		"{not json",
		assistantLine("hello"),
	}
	out := Parse(lines)
	require.Len(t, out.AllMessages, 1)
	assert.Equal(t, "hello", out.AllMessages[0])
	assert.Equal(t, "/tmp/p", out.Cwd)
}

func TestParseOnlyAssistantRecords(t *testing.T) {
	lines := []string{
		`{"type":"user","message":{"content":[{"type":"text","text":"from user"}]}}`,
		`{"type":"system"}`,
		`{"type":"file-history-snapshot"}`,
		assistantLine("reply"),
	}
	out := Parse(lines)
	require.Len(t, out.AllMessages, 1)
	assert.Equal(t, "reply", out.AllMessages[0])
}

func TestParseLastMessageTruncation(t *testing.T) {
	out := Parse([]string{
		`{"type":"assistant","message":{"content":[{"type":"text","text":"` + strings.Repeat("x", 250) + `\nsecond line"}]}}`,
	})
	assert.Len(t, out.LastMessage, 200)
	assert.NotContains(t, out.LastMessage, "\n")
}

func TestParseToolCalls(t *testing.T) {
	out := Parse([]string{
		`{"type":"assistant","message":{"content":[{"type":"tool_use","name":"Bash","input":{"command":"ls -la"}}]}}`,
	})
	require.Len(t, out.ToolCalls, 1)
	assert.Equal(t, "Bash", out.ToolCalls[0].Name)
}

func TestParseCwdFirstNonEmptyWins(t *testing.T) {
	out := Parse([]string{
		`{"type":"assistant","cwd":"/first","message":{"content":[]}}`,
		`{"type":"assistant","cwd":"/second","message":{"content":[]}}`,
	})
	assert.Equal(t, "/first", out.Cwd)
}

func writeTranscript(t *testing.T, lines ...string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "session.jsonl")
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o644))
	return path
}

func TestLastAssistantEntryStopsAtUserRecord(t *testing.T) {
	path := writeTranscript(t,
		assistantLine("older turn"),
		`{"type":"user","message":{"content":[{"type":"text","text":"question"}]}}`,
		assistantLine("current turn"),
	)
	entry := LastAssistantEntry(path)
	assert.Equal(t, "current turn", entry.Text)
	assert.False(t, entry.HasExitPlanMode)
}

func TestLastAssistantEntryExitPlanMode(t *testing.T) {
	path := writeTranscript(t,
		`{"type":"user","message":{"content":[]}}`,
		`{"type":"assistant","message":{"content":[{"type":"tool_use","name":"ExitPlanMode","input":{"plan":"1. do things"}}]}}`,
		assistantLine("here is my plan"),
	)
	entry := LastAssistantEntry(path)
	assert.True(t, entry.HasExitPlanMode)
	assert.Equal(t, "1. do things", entry.PlanText)
	assert.Equal(t, "here is my plan", entry.Text)
}

func TestLastAssistantEntryMissingFile(t *testing.T) {
	entry := LastAssistantEntry(filepath.Join(t.TempDir(), "nope.jsonl"))
	assert.Equal(t, LastEntry{}, entry)
}

func TestLastToolCommand(t *testing.T) {
	path := writeTranscript(t,
		`{"type":"assistant","message":{"content":[{"type":"tool_use","name":"Bash","input":{"command":"echo first"}}]}}`,
		`{"type":"assistant","message":{"content":[{"type":"tool_use","name":"Bash","input":{"command":"rm -rf /tmp/test"}}]}}`,
	)
	assert.Equal(t, "rm -rf /tmp/test", LastToolCommand(path))
}

func TestIsImagePath(t *testing.T) {
	cases := []struct {
		path string
		mime string
		ok   bool
	}{
		{"/tmp/shot.png", "image/png", true},
		{"/tmp/shot.JPG", "image/jpeg", true},
		{"/tmp/shot.jpeg", "image/jpeg", true},
		{"/tmp/anim.gif", "image/gif", true},
		{"/tmp/pic.webp", "image/webp", true},
		{"/tmp/main.go", "", false},
		{"/tmp/noext", "", false},
	}
	for _, tc := range cases {
		mime, ok := IsImagePath(tc.path)
		if ok != tc.ok || mime != tc.mime {
			t.Errorf("IsImagePath(%q) = %q,%v want %q,%v", tc.path, mime, ok, tc.mime, tc.ok)
		}
	}
}

func TestInputFieldMalformed(t *testing.T) {
	b := Block{Type: BlockToolUse, Name: "Bash", Input: []byte(`"just a string"`)}
	assert.Equal(t, "", b.InputField("command"))
	b = Block{Type: BlockToolUse, Name: "Bash"}
	assert.Equal(t, "", b.InputField("command"))
}
