package sessions

import "os"

// Baseline captures the transcript state immediately before an injection.
// The watcher ignores everything at or before Size, so tool-result lines the
// agent was still flushing from a previous turn never leak into the new one.
type Baseline struct {
	FilePath  string
	SessionID string
	Size      int64
}

// SnapshotBaseline resolves the current session file for cwd and stats its
// length. Returns nil when no session file exists yet (a fresh session after
// a clear); the watcher manager then has nothing to watch and completes the
// turn at once.
func SnapshotBaseline(cwd, projectsRoot string) *Baseline {
	sessionID, filePath, ok := LatestSessionFileForCwd(cwd, projectsRoot)
	if !ok {
		return nil
	}
	info, err := os.Stat(filePath)
	if err != nil {
		return nil
	}
	return &Baseline{FilePath: filePath, SessionID: sessionID, Size: info.Size()}
}
