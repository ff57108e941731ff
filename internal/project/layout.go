// Package project owns the on-disk layout of a crewpilot project: the
// .team-config document set, runner bookkeeping files and session naming.
package project

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

// TeamConfigDirName is the per-project state directory.
const TeamConfigDirName = ".team-config"

// SessionPrefix is prepended to every tmux session crewpilot creates.
const SessionPrefix = "crewpilot-"

var (
	// ErrNotInitialized means the project has no .team-config directory.
	ErrNotInitialized = errors.New("no .team-config/ found")
	// ErrNoRunner means no runner pane is recorded.
	ErrNoRunner = errors.New("no active runner")
	// ErrSessionInactive means the project's tmux session is not running.
	ErrSessionInactive = errors.New("session is not active")
)

// Layout resolves every path of a project.
type Layout struct {
	Root string
}

// NewLayout returns the layout rooted at dir (made absolute when possible).
func NewLayout(dir string) Layout {
	if abs, err := filepath.Abs(dir); err == nil {
		dir = abs
	}
	return Layout{Root: dir}
}

// TeamConfigDir is <root>/.team-config.
func (l Layout) TeamConfigDir() string { return filepath.Join(l.Root, TeamConfigDirName) }

func (l Layout) file(name string) string { return filepath.Join(l.TeamConfigDir(), name) }

func (l Layout) UserContext() string        { return l.file("USER-CONTEXT.md") }
func (l Layout) RunnerState() string        { return l.file("runner-state.json") }
func (l Layout) RunnerEvents() string       { return l.file("runner-events.log") }
func (l Layout) WatchNotifications() string { return l.file("watch-notifications.log") }
func (l Layout) Heartbeat() string          { return l.file("heartbeat.log") }
func (l Layout) MemoryIndex() string        { return l.file("memory-index.json") }
func (l Layout) RunnerPaneFile() string     { return l.file("runner-pane-id.txt") }
func (l Layout) RunnerLock() string         { return l.file(".runner-lock") }
func (l Layout) HumanInbox() string         { return l.file("human-inbox.md") }
func (l Layout) StateSnapshot() string      { return l.file("state-snapshot.md") }
func (l Layout) SessionRecovery() string    { return l.file("session-recovery.md") }
func (l Layout) NeedsDecision() string      { return l.file("needs-human-decision.md") }
func (l Layout) PushSubscriptions() string  { return l.file("push-subscriptions.json") }
func (l Layout) ProjectContext() string     { return l.file("project-context.md") }
func (l Layout) CommunicationLog() string   { return l.file("communication-log.md") }
func (l Layout) TargetUserProfile() string  { return l.file("target-user-profile.md") }
func (l Layout) EvaluationsDir() string     { return l.file("evaluations") }
func (l Layout) UserResearchDir() string    { return l.file("user-research") }

// PlanningState is the external workflow's progress artifact.
func (l Layout) PlanningState() string { return filepath.Join(l.Root, ".planning", "STATE.md") }

// Resolve makes a project-relative path absolute; absolute paths pass through.
func (l Layout) Resolve(p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(l.Root, p)
}

// Initialized reports whether .team-config exists.
func (l Layout) Initialized() bool {
	info, err := os.Stat(l.TeamConfigDir())
	return err == nil && info.IsDir()
}

// RequireInitialized returns ErrNotInitialized when .team-config is missing.
func (l Layout) RequireInitialized() error {
	if !l.Initialized() {
		return fmt.Errorf("%w in %s", ErrNotInitialized, l.Root)
	}
	return nil
}

var projectNameRe = regexp.MustCompile(`(?m)^## Project Name\n(.+)$`)

// ParseProjectName extracts the name under the "## Project Name" heading.
func ParseProjectName(userContext string) (string, bool) {
	m := projectNameRe.FindStringSubmatch(strings.ReplaceAll(userContext, "\r\n", "\n"))
	if m == nil {
		return "", false
	}
	name := strings.TrimSpace(m[1])
	return name, name != ""
}

// ProjectName reads USER-CONTEXT.md, falling back to the directory name.
func (l Layout) ProjectName() string {
	if data, err := os.ReadFile(l.UserContext()); err == nil {
		if name, ok := ParseProjectName(string(data)); ok {
			return name
		}
	}
	return filepath.Base(l.Root)
}

// SessionName is the tmux session for this project.
func (l Layout) SessionName() string {
	return SessionName(l.ProjectName())
}

var (
	invalidSessionChars = regexp.MustCompile(`[^a-z0-9-]`)
	dashRuns            = regexp.MustCompile(`-+`)
)

// SanitizeSessionName lowercases name and reduces it to [a-z0-9-].
func SanitizeSessionName(name string) string {
	s := invalidSessionChars.ReplaceAllString(strings.ToLower(name), "-")
	s = dashRuns.ReplaceAllString(s, "-")
	return strings.Trim(s, "-")
}

// SessionName builds "crewpilot-<sanitized name>".
func SessionName(projectName string) string {
	return SessionPrefix + SanitizeSessionName(projectName)
}

// FormatTimestamp renders local time as "YYYY-MM-DD HH:MM:SS".
func FormatTimestamp(t time.Time) string {
	return t.Local().Format("2006-01-02 15:04:05")
}

// ISOTime renders t as UTC ISO-8601 with milliseconds.
func ISOTime(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000Z")
}
