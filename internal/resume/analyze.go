// Package resume decides how a crewpilot session should be brought back
// after it stopped: continue the last conversation, start fresh, or ask a
// human to review first.
package resume

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"time"

	"github.com/crewpilot/crewpilot/internal/logging"
	"github.com/crewpilot/crewpilot/internal/project"
)

var resumeLog = logging.ForComponent(logging.CompResume)

// Recommendation is the outcome of Analyze.
type Recommendation string

const (
	Continue Recommendation = "continue"
	Fresh    Recommendation = "fresh"
	Review   Recommendation = "review"
)

const (
	maxFileSize  = 10 << 20
	scanLimit    = 1 << 20
	binaryProbe  = 1024
	reviewAfter  = 24 * time.Hour
	snapshotName = "state-snapshot.md"
	recoveryName = "session-recovery.md"
	progressName = ".planning/STATE.md"
)

// Analysis summarizes the recovery documents of a project.
type Analysis struct {
	HasStateSnapshot            bool           `json:"hasStateSnapshot"`
	HasRecoveryInstructions     bool           `json:"hasRecoveryInstructions"`
	HasExternalProgressArtifact bool           `json:"hasExternalProgressArtifact"`
	SnapshotAge                 *time.Duration `json:"-"`
	SnapshotTime                *time.Time     `json:"snapshotTime,omitempty"`
	Recommendation              Recommendation `json:"recommendation"`
	Warnings                    []string       `json:"warnings"`
}

// MarshalJSON adds snapshotAgeSeconds.
func (a Analysis) MarshalJSON() ([]byte, error) {
	type alias Analysis
	var age *float64
	if a.SnapshotAge != nil {
		s := math.Round(a.SnapshotAge.Seconds())
		age = &s
	}
	return json.Marshal(struct {
		alias
		SnapshotAgeSeconds *float64 `json:"snapshotAgeSeconds"`
	}{alias(a), age})
}

func (a *Analysis) warn(format string, args ...any) {
	a.Warnings = append(a.Warnings, fmt.Sprintf(format, args...))
}

// Analyze inspects the snapshot, recovery and progress documents under
// projectDir. It never fails: every file problem becomes a warning.
func Analyze(projectDir string, now time.Time) Analysis {
	layout := project.NewLayout(projectDir)
	a := Analysis{Warnings: []string{}}

	snap := inspect(&a, layout.StateSnapshot(), snapshotName)
	rec := inspect(&a, layout.SessionRecovery(), recoveryName)
	prog := inspect(&a, layout.PlanningState(), progressName)

	a.HasStateSnapshot = snap.present
	a.HasRecoveryInstructions = rec.present
	a.HasExternalProgressArtifact = prog.present

	if snap.present && !snap.binary {
		if t, ok := ParseTimestamp(snap.text); ok {
			age := now.Sub(t)
			if age < 0 {
				a.warn("Snapshot timestamp %s is in the future", t.Format(time.RFC3339))
				age = 0
			}
			a.SnapshotTime = &t
			a.SnapshotAge = &age
		} else {
			a.warn("Could not parse timestamp in %s", snapshotName)
		}
	}

	a.Recommendation = Decide(a.HasStateSnapshot, a.HasExternalProgressArtifact, a.SnapshotAge)
	if a.Recommendation == Review && a.SnapshotAge != nil {
		a.warn("State snapshot is %s old; the environment or requirements may have changed", HumanizeAge(*a.SnapshotAge))
	}

	resumeLog.Debug("resume_analyzed",
		slog.String("dir", layout.Root),
		slog.String("recommendation", string(a.Recommendation)),
		slog.Int("warnings", len(a.Warnings)))
	return a
}

// Decide maps the document inventory and snapshot age to a recommendation.
// An unknown age (nil) continues; a snapshot older than a day asks for review.
func Decide(hasSnapshot, hasProgress bool, age *time.Duration) Recommendation {
	switch {
	case !hasSnapshot && !hasProgress:
		return Fresh
	case !hasSnapshot:
		return Continue
	case age == nil:
		return Continue
	case *age > reviewAfter:
		return Review
	default:
		return Continue
	}
}

// HumanizeAge renders d as minutes, hours or days.
func HumanizeAge(d time.Duration) string {
	switch {
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 48*time.Hour:
		return fmt.Sprintf("%dh", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd", int(d.Hours()/24))
	}
}

type document struct {
	present bool
	binary  bool
	text    string
}

func inspect(a *Analysis, path, name string) document {
	info, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return document{}
	}
	if err != nil {
		a.warn("Could not read %s: %v", name, err)
		return document{}
	}
	if !info.Mode().IsRegular() {
		a.warn("%s is not a regular file", name)
		return document{}
	}
	if info.Size() == 0 {
		a.warn("%s is empty", name)
		return document{}
	}
	if info.Size() > maxFileSize {
		a.warn("%s is larger than 10 MB, possibly corrupted", name)
	}

	f, err := os.Open(path)
	if err != nil {
		a.warn("Could not read %s: %v", name, err)
		return document{}
	}
	defer f.Close()
	data, err := io.ReadAll(io.LimitReader(f, scanLimit))
	if err != nil {
		a.warn("Could not read %s: %v", name, err)
		return document{}
	}

	probe := data
	if len(probe) > binaryProbe {
		probe = probe[:binaryProbe]
	}
	if bytes.IndexByte(probe, 0) >= 0 {
		a.warn("%s appears to be binary", name)
		return document{present: true, binary: true}
	}
	return document{present: true, text: string(data)}
}
