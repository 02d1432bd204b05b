// Package tmux locates and drives Claude Code panes inside tmux.
package tmux

import (
	"fmt"
	"log/slog"
	"os/exec"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/asheshgoplani/claude-relay/internal/logging"
)

var tmuxLog = logging.ForComponent(logging.CompTmux)

// InterKeyDelay separates the literal text from the submit keystroke.
// Sending both in one command makes the submit fire before the text
// registers in the agent's input box.
const InterKeyDelay = 100 * time.Millisecond

// Pane is one tmux pane as reported by list-panes.
type Pane struct {
	ID       string
	ShellPID int
	Command  string
	Cwd      string
}

// NotFoundReason classifies a failed pane lookup.
type NotFoundReason string

const (
	ReasonNoTmux       NotFoundReason = "no_tmux"
	ReasonNoClaudePane NotFoundReason = "no_claude_pane"
	ReasonAmbiguous    NotFoundReason = "ambiguous"
)

// FindResult is the outcome of Find: a pane id or a structured reason.
type FindResult struct {
	Found  bool
	PaneID string
	Reason NotFoundReason
}

// listGroup deduplicates concurrent list-panes subprocess spawns: bursts of
// injections and timer ticks otherwise each fork tmux.
var listGroup singleflight.Group

// semverRe matches a three-field dotted version. Claude Code advertises its
// version as the process title, so a pane command like "2.1.37" is the agent.
var semverRe = regexp.MustCompile(`^\d+\.\d+\.\d+$`)

// windowNameRe matches characters not allowed in a tmux window name.
var windowNameRe = regexp.MustCompile(`[^a-zA-Z0-9_-]+`)

// ListPanes enumerates every pane across all sessions. A missing or
// unreachable tmux yields an empty slice.
func ListPanes() []Pane {
	v, _, _ := listGroup.Do("list-panes", func() (interface{}, error) {
		out, err := exec.Command("tmux", "list-panes", "-a", "-F",
			"#{pane_id} #{pane_pid} #{pane_current_command} #{pane_current_path}").Output()
		if err != nil {
			return []Pane(nil), nil
		}
		return parsePaneList(string(out)), nil
	})
	panes, _ := v.([]Pane)
	return panes
}

// parsePaneList parses the space-delimited list-panes output. The cwd is the
// trailing field and may itself contain spaces, so tokens past the command
// are rejoined.
func parsePaneList(out string) []Pane {
	var panes []Pane
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 4 {
			continue
		}
		pid, err := strconv.Atoi(fields[1])
		if err != nil {
			continue
		}
		panes = append(panes, Pane{
			ID:       fields[0],
			ShellPID: pid,
			Command:  fields[2],
			Cwd:      strings.Join(fields[3:], " "),
		})
	}
	return panes
}

// IsClaudePane reports whether a pane's current command is recognisable as
// the agent: either "claude" appears in it, or it is a bare dotted version
// string (the agent retitles its process to its version).
func IsClaudePane(command string) bool {
	if strings.Contains(command, "claude") {
		return true
	}
	return semverRe.MatchString(command)
}

// Find picks the pane running the agent at targetCwd.
//
// Resolution order: exact cwd match, then strict parent-directory match,
// then (on ties) the pane whose agent child process started most recently —
// a stale pane the user quit from leaves its shell alive, and the freshest
// spawn is the one the user means. A single agent pane with no cwd match is
// used as-is.
func Find(targetCwd string) FindResult {
	return findIn(ListPanes(), targetCwd, childClaudeStart)
}

// findIn is Find with injectable pane list and start-time probe, for tests.
func findIn(panes []Pane, targetCwd string, startOf func(shellPID int) int64) FindResult {
	if len(panes) == 0 {
		return FindResult{Reason: ReasonNoTmux}
	}

	var candidates []Pane
	for _, p := range panes {
		if IsClaudePane(p.Command) {
			candidates = append(candidates, p)
		}
	}
	if len(candidates) == 0 {
		return FindResult{Reason: ReasonNoClaudePane}
	}

	var matches []Pane
	for _, p := range candidates {
		if p.Cwd == targetCwd {
			matches = append(matches, p)
		}
	}
	if len(matches) == 0 {
		for _, p := range candidates {
			if isStrictParent(p.Cwd, targetCwd) {
				matches = append(matches, p)
			}
		}
	}

	switch {
	case len(matches) == 1:
		return FindResult{Found: true, PaneID: matches[0].ID}
	case len(matches) > 1:
		// Tie: most recent agent child start wins, missing start time is 0.
		sort.SliceStable(matches, func(i, j int) bool {
			si, sj := startOf(matches[i].ShellPID), startOf(matches[j].ShellPID)
			if si != sj {
				return si > sj
			}
			return matches[i].ID < matches[j].ID
		})
		return FindResult{Found: true, PaneID: matches[0].ID}
	}

	if len(candidates) == 1 {
		return FindResult{Found: true, PaneID: candidates[0].ID}
	}
	return FindResult{Reason: ReasonAmbiguous}
}

func isStrictParent(dir, target string) bool {
	if dir == "" || dir == target {
		return false
	}
	return strings.HasPrefix(target, strings.TrimSuffix(dir, "/")+"/")
}

// childClaudeStart returns the Unix start time of the agent process spawned
// by the given shell, or 0 when none can be determined.
func childClaudeStart(shellPID int) int64 {
	out, err := exec.Command("pgrep", "-P", strconv.Itoa(shellPID)).Output()
	if err != nil {
		return 0
	}
	var best int64
	now := time.Now().Unix()
	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		pid, err := strconv.Atoi(strings.TrimSpace(line))
		if err != nil {
			continue
		}
		comm, err := exec.Command("ps", "-p", strconv.Itoa(pid), "-o", "comm=").Output()
		if err != nil || !IsClaudePane(strings.TrimSpace(string(comm))) {
			continue
		}
		etimes, err := exec.Command("ps", "-p", strconv.Itoa(pid), "-o", "etimes=").Output()
		if err != nil {
			continue
		}
		secs, err := strconv.ParseInt(strings.TrimSpace(string(etimes)), 10, 64)
		if err != nil {
			continue
		}
		if start := now - secs; start > best {
			best = start
		}
	}
	return best
}

// SanitizeWindowName converts a project name into a valid tmux window name:
// runs of characters other than letters, digits, underscore and hyphen become
// a hyphen, truncated to 30 characters.
func SanitizeWindowName(name string) string {
	sanitized := windowNameRe.ReplaceAllString(name, "-")
	if len(sanitized) > 30 {
		sanitized = sanitized[:30]
	}
	return sanitized
}

// ShellQuote quotes a string for a single-quoted shell context: each ' becomes '\''.
func ShellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// Launch creates a new window at cwd and starts the agent in it, returning
// the new pane id. The launch command and its Enter are sent as two separate
// send-keys with a delay; a single command submits before the text lands.
func Launch(cwd, projectName string, skipPermissions bool) (string, error) {
	windowName := SanitizeWindowName(projectName)
	out, err := exec.Command("tmux", "new-window", "-d", "-P", "-F", "#{pane_id}",
		"-n", windowName, "-c", cwd).Output()
	if err != nil {
		return "", fmt.Errorf("failed to create window: %w", err)
	}
	paneID := strings.TrimSpace(string(out))

	launchCmd := "claude -c"
	if skipPermissions {
		launchCmd = "claude -c --dangerously-skip-permissions"
	}
	// Wrap in bash so shell aliases and fish-incompatible syntax behave the
	// same everywhere the operator runs the bridge.
	wrapped := "bash -ic " + ShellQuote(launchCmd)

	if err := exec.Command("tmux", "send-keys", "-t", paneID, "-l", wrapped).Run(); err != nil {
		return "", fmt.Errorf("failed to send launch command: %w", err)
	}
	time.Sleep(InterKeyDelay)
	if err := exec.Command("tmux", "send-keys", "-t", paneID, "Enter").Run(); err != nil {
		return "", fmt.Errorf("failed to submit launch command: %w", err)
	}

	tmuxLog.Info("launched_pane",
		slog.String("pane", paneID),
		slog.String("cwd", cwd),
		slog.Bool("skip_permissions", skipPermissions))
	return paneID, nil
}

// KillWindow closes the window containing a pane.
func KillWindow(paneID string) error {
	return exec.Command("tmux", "kill-window", "-t", paneID).Run()
}
