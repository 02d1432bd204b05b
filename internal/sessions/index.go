// Package sessions indexes Claude Code's on-disk project tree and tracks the
// attached session.
package sessions

import (
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/sahilm/fuzzy"

	"github.com/asheshgoplani/claude-relay/internal/logging"
	"github.com/asheshgoplani/claude-relay/internal/transcript"
)

var sessionLog = logging.ForComponent(logging.CompSession)

// encodeRe matches any character the agent replaces with a hyphen when it
// derives a project directory name from a cwd.
var encodeRe = regexp.MustCompile(`[^a-zA-Z0-9_-]`)

// EncodeCwd converts a cwd to the agent's project directory naming format.
// Example: /Users/me/Code cloud/!proj → -Users-me-Code-cloud--proj
func EncodeCwd(cwd string) string {
	return encodeRe.ReplaceAllString(cwd, "-")
}

// DecodeCwd reverses the encoding best-effort: the leading hyphen becomes
// the root slash and every remaining hyphen a path separator. Cwds that
// contained literal hyphens decode lossily; display-only.
func DecodeCwd(dirName string) string {
	return "/" + strings.ReplaceAll(strings.TrimPrefix(dirName, "-"), "-", "/")
}

// ProjectName extracts a display name from an encoded directory: the last
// path segment of the decoded cwd.
func ProjectName(dirName string) string {
	decoded := DecodeCwd(dirName)
	return filepath.Base(decoded)
}

// ClaudeConfigDir returns the agent's config directory, honouring
// CLAUDE_CONFIG_DIR like the agent itself does.
func ClaudeConfigDir() string {
	if dir := os.Getenv("CLAUDE_CONFIG_DIR"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		home = os.TempDir()
	}
	return filepath.Join(home, ".claude")
}

// DefaultProjectsRoot is where the agent writes per-project transcript dirs.
func DefaultProjectsRoot() string {
	return filepath.Join(ClaudeConfigDir(), "projects")
}

// Session is one listed conversation: the newest transcript of one project.
type Session struct {
	SessionID   string
	Cwd         string
	ProjectName string
	LastMessage string
	MTime       time.Time
	FilePath    string
}

// ListSessions enumerates every project directory under projectsRoot and
// returns at most one session per project — the newest transcript by mtime —
// globally sorted newest-first and truncated to limit.
func ListSessions(limit int, projectsRoot string) []Session {
	entries, err := os.ReadDir(projectsRoot)
	if err != nil {
		return nil
	}

	var out []Session
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		dir := filepath.Join(projectsRoot, entry.Name())
		file, mtime, ok := newestTranscript(dir)
		if !ok {
			continue
		}
		summary := transcript.ParseFile(file)
		cwd := summary.Cwd
		if cwd == "" {
			cwd = DecodeCwd(entry.Name())
		}
		out = append(out, Session{
			SessionID:   strings.TrimSuffix(filepath.Base(file), ".jsonl"),
			Cwd:         cwd,
			ProjectName: ProjectName(entry.Name()),
			LastMessage: summary.LastMessage,
			MTime:       mtime,
			FilePath:    file,
		})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].MTime.After(out[j].MTime) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// Filter narrows a session list by fuzzy-matching project names.
func Filter(list []Session, query string) []Session {
	if strings.TrimSpace(query) == "" {
		return list
	}
	names := make([]string, len(list))
	for i, s := range list {
		names[i] = s.ProjectName
	}
	matches := fuzzy.Find(query, names)
	out := make([]Session, 0, len(matches))
	for _, m := range matches {
		out = append(out, list[m.Index])
	}
	return out
}

// LatestSessionFileForCwd resolves the current transcript for a cwd: always
// the newest .jsonl by mtime. Files holding only metadata are never skipped —
// a freshly cleared session is empty and is exactly the post-compaction
// rotation target.
func LatestSessionFileForCwd(cwd, projectsRoot string) (sessionID, filePath string, ok bool) {
	dir := filepath.Join(projectsRoot, EncodeCwd(cwd))
	file, _, found := newestTranscript(dir)
	if !found {
		return "", "", false
	}
	return strings.TrimSuffix(filepath.Base(file), ".jsonl"), file, true
}

// SessionFilePath probes every project directory for a transcript named
// after sessionID, returning the first match.
func SessionFilePath(sessionID, projectsRoot string) (string, bool) {
	entries, err := os.ReadDir(projectsRoot)
	if err != nil {
		return "", false
	}
	name := sessionID + ".jsonl"
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		candidate := filepath.Join(projectsRoot, entry.Name(), name)
		if _, err := os.Stat(candidate); err == nil {
			return candidate, true
		}
	}
	return "", false
}

func newestTranscript(dir string) (string, time.Time, bool) {
	files, err := filepath.Glob(filepath.Join(dir, "*.jsonl"))
	if err != nil || len(files) == 0 {
		return "", time.Time{}, false
	}

	var newest string
	var newestTime time.Time
	for _, file := range files {
		info, err := os.Stat(file)
		if err != nil {
			continue
		}
		if newest == "" || info.ModTime().After(newestTime) {
			newest = file
			newestTime = info.ModTime()
		}
	}
	if newest == "" {
		return "", time.Time{}, false
	}
	return newest, newestTime, true
}
