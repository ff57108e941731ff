// Package export collects a project's .team-config documents, progress and
// recorded runner activity into one report, rendered as markdown or JSON.
package export

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/crewpilot/crewpilot/internal/logging"
	"github.com/crewpilot/crewpilot/internal/project"
	"github.com/crewpilot/crewpilot/internal/resume"
	"github.com/crewpilot/crewpilot/internal/statedb"
)

var exportLog = logging.ForComponent(logging.CompExport)

// Format is an output format.
type Format string

const (
	FormatMarkdown Format = "markdown"
	FormatJSON     Format = "json"
)

// ParseFormat accepts markdown (also md) and json.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "markdown", "md":
		return FormatMarkdown, nil
	case "json":
		return FormatJSON, nil
	}
	return "", fmt.Errorf("invalid export format %q (want markdown or json)", s)
}

// Ext is the file extension for f.
func (f Format) Ext() string {
	if f == FormatJSON {
		return ".json"
	}
	return ".md"
}

// DefaultFilename is crewpilot-export-<date> with the format's extension.
func DefaultFilename(f Format, now time.Time) string {
	return "crewpilot-export-" + now.UTC().Format("2006-01-02") + f.Ext()
}

// History is the read side of the state database.
type History interface {
	Transitions(f statedb.Filter) ([]statedb.Transition, error)
	Alerts(f statedb.Filter, activeOnly bool) ([]statedb.Alert, error)
}

// Options tunes Gather.
type Options struct {
	Format      Format
	IncludeLogs bool
	Version     string
	// History adds recent transitions and active alerts when set.
	History History
	// RecentTransitions bounds the transitions listed (default 10).
	RecentTransitions int
}

type Data struct {
	Metadata          Metadata      `json:"metadata"`
	ProjectSummary    Summary       `json:"projectSummary"`
	ProgressReport    Progress      `json:"progressReport"`
	Activity          Activity      `json:"activity"`
	Decisions         []Decision    `json:"decisions"`
	UserResearch      *UserResearch `json:"userResearch,omitempty"`
	Evaluations       []Evaluation  `json:"evaluations"`
	CommunicationLogs string        `json:"communicationLogs,omitempty"`
}

type Metadata struct {
	ExportTime string `json:"exportTime"`
	Version    string `json:"version"`
	Format     Format `json:"format"`
}

type Summary struct {
	ProjectName  string `json:"projectName"`
	Description  string `json:"description"`
	TechStack    string `json:"techStack"`
	Workflow     string `json:"workflow"`
	SessionStart string `json:"sessionStart,omitempty"`
	SessionEnd   string `json:"sessionEnd,omitempty"`
	Duration     string `json:"duration,omitempty"`
}

type Progress struct {
	CurrentPhase        string   `json:"currentPhase"`
	MilestonesCompleted []string `json:"milestonesCompleted"`
	FilesCreated        []string `json:"filesCreated"`
	FilesModified       []string `json:"filesModified"`
	StateSummary        string   `json:"stateSummary"`
}

// Decision is one Team Lead decision from communication-log.md.
type Decision struct {
	Timestamp string `json:"timestamp"`
	Workflow  string `json:"workflow"`
	Phase     string `json:"phase"`
	Question  string `json:"question"`
	Answer    string `json:"answer"`
	Basis     string `json:"basis"`
}

type UserResearch struct {
	ProfileSummary string   `json:"profileSummary"`
	Findings       []string `json:"findings"`
}

type Evaluation struct {
	Filename string `json:"filename"`
	Content  string `json:"content"`
}

// Activity is what crewpilot itself recorded about the session.
type Activity struct {
	Resume            resume.Analysis `json:"resume"`
	RunnerState       string          `json:"runnerState,omitempty"`
	RecentTransitions []Transition    `json:"recentTransitions"`
	ActiveAlerts      []Alert         `json:"activeAlerts"`
}

type Transition struct {
	PaneID string `json:"paneId"`
	From   string `json:"from"`
	To     string `json:"to"`
	At     string `json:"at"`
}

type Alert struct {
	PaneID string `json:"paneId"`
	Kind   string `json:"kind"`
	Reason string `json:"reason"`
	At     string `json:"at"`
}

const defaultRecent = 10

// Gather reads everything the report needs. Missing or unreadable documents
// leave their sections empty; Gather itself does not fail.
func Gather(layout project.Layout, now time.Time, opts Options) *Data {
	if opts.Format == "" {
		opts.Format = FormatMarkdown
	}
	if opts.RecentTransitions <= 0 {
		opts.RecentTransitions = defaultRecent
	}

	userContext := readTrimmed(layout.UserContext())
	commLog := readTrimmed(layout.CommunicationLog())
	state := readTrimmed(layout.PlanningState())
	profile := readTrimmed(layout.TargetUserProfile())

	summary := parseUserContext(userContext)
	if summary.ProjectName == "" {
		summary.ProjectName = filepath.Base(layout.Root)
	}
	summary.SessionStart, summary.SessionEnd, summary.Duration = sessionSpan(layout.TeamConfigDir())

	d := &Data{
		Metadata: Metadata{
			ExportTime: project.ISOTime(now),
			Version:    opts.Version,
			Format:     opts.Format,
		},
		ProjectSummary: summary,
		ProgressReport: parseState(state),
		Activity:       gatherActivity(layout, now, opts),
		Decisions:      parseCommunicationLog(commLog),
		Evaluations:    loadEvaluations(layout.EvaluationsDir()),
	}
	if profile != "" {
		ur := parseTargetUserProfile(profile)
		ur.Findings = append(ur.Findings, loadResearchNotes(layout.UserResearchDir())...)
		d.UserResearch = &ur
	}
	if opts.IncludeLogs {
		d.CommunicationLogs = commLog
	}
	return d
}

func gatherActivity(layout project.Layout, now time.Time, opts Options) Activity {
	act := Activity{
		Resume:            resume.Analyze(layout.Root, now),
		RecentTransitions: []Transition{},
		ActiveAlerts:      []Alert{},
	}
	if data, err := os.ReadFile(layout.RunnerState()); err == nil {
		act.RunnerState = strings.TrimSpace(string(data))
	}
	if opts.History == nil {
		return act
	}

	rows, err := opts.History.Transitions(statedb.Filter{Project: layout.Root, Limit: opts.RecentTransitions})
	if err != nil {
		exportLog.Warn("history_query_failed", slog.String("error", err.Error()))
	}
	for _, t := range rows {
		from := t.FromState
		if from == "" {
			from = "-"
		}
		act.RecentTransitions = append(act.RecentTransitions, Transition{
			PaneID: t.PaneID, From: from, To: t.ToState, At: project.ISOTime(t.At),
		})
	}

	alerts, err := opts.History.Alerts(statedb.Filter{Project: layout.Root}, true)
	if err != nil {
		exportLog.Warn("history_query_failed", slog.String("error", err.Error()))
	}
	for _, a := range alerts {
		act.ActiveAlerts = append(act.ActiveAlerts, Alert{
			PaneID: a.PaneID, Kind: a.Kind, Reason: a.Reason, At: project.ISOTime(a.At),
		})
	}
	return act
}

func readTrimmed(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			exportLog.Debug("export_read_failed", slog.String("file", path), slog.String("error", err.Error()))
		}
		return ""
	}
	return strings.TrimSpace(strings.ReplaceAll(string(data), "\r\n", "\n"))
}
