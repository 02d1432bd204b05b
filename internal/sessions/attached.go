package sessions

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// Attached is the session currently selected as the target of user messages.
type Attached struct {
	SessionID string
	Cwd       string
}

// AttachedPath is the marker file inside the bridge's config directory:
// two text lines, sessionId then cwd.
func AttachedPath(cfgDir string) string {
	return filepath.Join(cfgDir, "attached")
}

// GetAttached reads the marker file. A missing file, or one without a
// session id, yields nil. A missing cwd line falls back to the operator's
// home directory. Transient malformed content also reads as nil; writers
// replace the file wholesale, so readers never need partial-state handling.
func GetAttached(cfgDir string) *Attached {
	data, err := os.ReadFile(AttachedPath(cfgDir))
	if err != nil {
		return nil
	}
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if len(lines) == 0 || strings.TrimSpace(lines[0]) == "" {
		return nil
	}
	att := &Attached{SessionID: strings.TrimSpace(lines[0])}
	if len(lines) > 1 && strings.TrimSpace(lines[1]) != "" {
		att.Cwd = strings.TrimSpace(lines[1])
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil
		}
		att.Cwd = home
	}
	return att
}

// WriteAttached replaces the marker file.
func WriteAttached(cfgDir string, att Attached) error {
	if err := os.MkdirAll(cfgDir, 0o755); err != nil {
		return err
	}
	sessionLog.Info("attached_session",
		slog.String("session", att.SessionID),
		slog.String("cwd", att.Cwd))
	return os.WriteFile(AttachedPath(cfgDir), []byte(att.SessionID+"\n"+att.Cwd+"\n"), 0o644)
}

// RemoveAttached deletes the marker file. Missing file is not an error.
func RemoveAttached(cfgDir string) error {
	err := os.Remove(AttachedPath(cfgDir))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
