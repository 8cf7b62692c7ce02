package tmux

import "strings"

const windowPrefix = "task-"

// WindowName is the window naming convention for a task: task-<first 8 id chars>.
func WindowName(taskID string) string {
	short := taskID
	if len(short) > 8 {
		short = short[:8]
	}
	return windowPrefix + strings.ToLower(short)
}

// MatchesTaskWindow reports whether a window name follows the convention for
// taskID. Names are compared case-insensitively and may carry a suffix after
// the short id (for example task-1a2b3c4d-review).
func MatchesTaskWindow(windowName, taskID string) bool {
	if taskID == "" {
		return false
	}
	name := strings.ToLower(windowName)
	want := WindowName(taskID)
	if name == want || strings.HasPrefix(name, want+"-") {
		return true
	}
	return name == windowPrefix+strings.ToLower(taskID)
}

// TaskIDFromWindow returns the short task id carried by a conventional window name.
func TaskIDFromWindow(windowName string) (string, bool) {
	if !strings.HasPrefix(windowName, windowPrefix) {
		return "", false
	}
	id := strings.TrimPrefix(windowName, windowPrefix)
	return id, id != ""
}
