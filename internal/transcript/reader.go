package transcript

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
)

// maxLineBytes bounds a single transcript line. Assistant records carry whole
// tool outputs, so lines routinely exceed bufio's 64KB default.
const maxLineBytes = 4 * 1024 * 1024

// Summary is the digest of a line sequence produced by Parse.
type Summary struct {
	Cwd         string
	LastMessage string
	ToolCalls   []ToolCall
	AllMessages []string
}

// lastMessageLimit truncates LastMessage for display surfaces.
const lastMessageLimit = 200

// Parse digests a sequence of serialised records. It is total: blank lines
// and lines that fail to decode are skipped, never reported. Only assistant
// records contribute.
func Parse(lines []string) Summary {
	var out Summary
	for _, line := range lines {
		if strings.TrimSpace(line) == "" {
			continue
		}
		var rec Record
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			continue
		}
		if rec.Type != RecordAssistant {
			continue
		}
		if out.Cwd == "" && rec.Cwd != "" {
			out.Cwd = rec.Cwd
		}
		if rec.Message == nil {
			continue
		}
		for _, block := range rec.Message.Content {
			switch block.Type {
			case BlockText:
				out.AllMessages = append(out.AllMessages, block.Text)
				out.LastMessage = truncateForDisplay(block.Text)
			case BlockToolUse:
				out.ToolCalls = append(out.ToolCalls, ToolCall{Name: block.Name, Input: block.Input})
			}
		}
	}
	return out
}

// ParseFile reads a session file and digests it. A missing or unreadable
// file yields the zero Summary.
func ParseFile(path string) Summary {
	lines, err := readLines(path)
	if err != nil {
		return Summary{}
	}
	return Parse(lines)
}

func truncateForDisplay(text string) string {
	text = strings.ReplaceAll(text, "\n", " ")
	if len(text) > lastMessageLimit {
		return text[:lastMessageLimit]
	}
	return text
}

// LastEntry describes the tail of the current assistant turn.
type LastEntry struct {
	Text            string
	HasExitPlanMode bool
	PlanText        string
}

// LastAssistantEntry scans backwards from EOF across assistant records,
// stopping at the first user record (a turn boundary). It reports whether an
// ExitPlanMode tool_use occurred in that window, its plan if present, and the
// latest text block encountered.
func LastAssistantEntry(path string) LastEntry {
	var out LastEntry
	lines, err := readLines(path)
	if err != nil {
		return out
	}

	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if line == "" {
			continue
		}
		var rec Record
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			continue
		}
		if rec.Type == RecordUser {
			break
		}
		if rec.Type != RecordAssistant || rec.Message == nil {
			continue
		}
		// Blocks walk in reverse too, so the latest text block wins.
		for j := len(rec.Message.Content) - 1; j >= 0; j-- {
			block := rec.Message.Content[j]
			switch block.Type {
			case BlockText:
				if out.Text == "" {
					out.Text = block.Text
				}
			case BlockToolUse:
				if block.Name == ToolExitPlanMode {
					out.HasExitPlanMode = true
					if plan := block.InputField("plan"); plan != "" && out.PlanText == "" {
						out.PlanText = plan
					}
				}
			}
		}
	}
	return out
}

// LastToolCommand extracts the most recent tool_use command from a transcript,
// used for permission previews. Returns "" when nothing usable is found.
func LastToolCommand(path string) string {
	summary := ParseFile(path)
	for i := len(summary.ToolCalls) - 1; i >= 0; i-- {
		call := summary.ToolCalls[i]
		block := Block{Type: BlockToolUse, Name: call.Name, Input: call.Input}
		if cmd := block.InputField("command"); cmd != "" {
			return cmd
		}
	}
	return ""
}

func readLines(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	return lines, scanner.Err()
}

// IsImagePath reports whether a Write tool file_path points at an image the
// bridge can forward, and returns its mime type.
func IsImagePath(path string) (string, bool) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".png":
		return "image/png", true
	case ".jpg", ".jpeg":
		return "image/jpeg", true
	case ".gif":
		return "image/gif", true
	case ".webp":
		return "image/webp", true
	}
	return "", false
}
