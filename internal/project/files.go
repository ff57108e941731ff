package project

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

// WriteFileAtomic writes data to a temp file in the same directory, fsyncs
// it and renames it over path, so readers only ever see a complete file.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpPath) }

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("write temp file: %w", err)
	}
	_ = tmp.Sync()
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Chmod(tmpPath, perm); err != nil {
		cleanup()
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		cleanup()
		return fmt.Errorf("rename %s: %w", filepath.Base(path), err)
	}
	return nil
}

// AppendFile appends text to path, creating the file and its directory.
func AppendFile(path, text string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.WriteString(text)
	return err
}

// ReadRunnerPane returns the recorded runner pane id. A missing file or an
// empty one both yield ErrNoRunner.
func (l Layout) ReadRunnerPane() (string, error) {
	data, err := os.ReadFile(l.RunnerPaneFile())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("%w: no runner-pane-id.txt found", ErrNoRunner)
		}
		return "", fmt.Errorf("read runner-pane-id.txt: %w", err)
	}
	id := strings.TrimSpace(string(data))
	if id == "" {
		return "", fmt.Errorf("%w: no pane ID in runner-pane-id.txt", ErrNoRunner)
	}
	return id, nil
}

// WriteRunnerPane records the runner pane id followed by a newline.
func (l Layout) WriteRunnerPane(paneID string) error {
	return os.WriteFile(l.RunnerPaneFile(), []byte(paneID+"\n"), 0o644)
}

// ClearRunnerPane empties the pane file; a missing file is fine.
func (l Layout) ClearRunnerPane() error {
	err := os.WriteFile(l.RunnerPaneFile(), nil, 0o644)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

// LockStaleAfter is when a lockfile stops meaning anything.
const LockStaleAfter = 24 * time.Hour

// Lock is the JSON body of a *-lock file.
type Lock struct {
	PaneID    string    `json:"paneId"`
	PID       int       `json:"pid"`
	StartedAt time.Time `json:"startedAt"`
}

// Stale reports whether the lock is older than LockStaleAfter.
func (k Lock) Stale(now time.Time) bool {
	return now.Sub(k.StartedAt) > LockStaleAfter
}

// WriteLock writes a lockfile for paneID owned by this process.
func WriteLock(path, paneID string, now time.Time) error {
	data, err := json.MarshalIndent(Lock{PaneID: paneID, PID: os.Getpid(), StartedAt: now.UTC()}, "", "  ")
	if err != nil {
		return err
	}
	return WriteFileAtomic(path, data, 0o644)
}

// ReadLock parses a lockfile.
func ReadLock(path string) (Lock, error) {
	var k Lock
	data, err := os.ReadFile(path)
	if err != nil {
		return k, err
	}
	if err := json.Unmarshal(data, &k); err != nil {
		return k, fmt.Errorf("parse %s: %w", filepath.Base(path), err)
	}
	return k, nil
}

// RemoveLock deletes a lockfile; a missing one is fine.
func RemoveLock(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// MaxFeedbackLength bounds one human-inbox entry.
const MaxFeedbackLength = 4096

// ErrFeedbackTooLong is returned for messages over MaxFeedbackLength.
var ErrFeedbackTooLong = errors.New("feedback message too long")

var headingMarkers = regexp.MustCompile(`(?m)^#{1,6}[ \t]*`)

// SanitizeFeedback normalizes line endings and strips markdown heading
// markers so a message cannot forge inbox sections.
func SanitizeFeedback(msg string) string {
	msg = strings.ReplaceAll(msg, "\r\n", "\n")
	msg = strings.ReplaceAll(msg, "\r", "\n")
	return headingMarkers.ReplaceAllString(msg, "")
}

// AppendFeedback appends a timestamped entry to human-inbox.md.
func (l Layout) AppendFeedback(msg string, now time.Time) error {
	if n := len([]rune(msg)); n > MaxFeedbackLength {
		return fmt.Errorf("%w (%d chars). Maximum is %d", ErrFeedbackTooLong, n, MaxFeedbackLength)
	}
	entry := fmt.Sprintf("\n## [%s]\n%s\n", FormatTimestamp(now), SanitizeFeedback(msg))
	if err := AppendFile(l.HumanInbox(), entry); err != nil {
		return fmt.Errorf("failed to write to .team-config/human-inbox.md: %w", err)
	}
	return nil
}
