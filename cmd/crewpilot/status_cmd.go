package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/crewpilot/crewpilot/internal/project"
	"github.com/crewpilot/crewpilot/internal/watch"
)

// Watchers count as alive for three missed heartbeats.
const watcherAliveWindow = 3 * watcherHeartbeat

func handleFeedback(ctx context.Context, app *App, args []string) error {
	fs := flag.NewFlagSet("feedback", flag.ContinueOnError)
	fs.Usage = func() {
		fmt.Println("Usage: crewpilot feedback <message>")
		fmt.Println()
		fmt.Println("Append a timestamped message to .team-config/human-inbox.md.")
		fmt.Println("Pass - to read the message from stdin.")
	}
	rest, err := parseFlags(fs, args)
	if err != nil {
		return err
	}

	msg := strings.Join(rest, " ")
	if msg == "-" {
		data, err := readAllLimited(app.Stdin, 4*project.MaxFeedbackLength)
		if err != nil {
			return fmt.Errorf("failed to read feedback from stdin: %w", err)
		}
		msg = strings.TrimRight(data, "\n")
	}
	if strings.TrimSpace(msg) == "" {
		return usagef("Feedback message is empty. Usage: crewpilot feedback \"your message\"")
	}

	layout := app.Layout
	if err := layout.RequireInitialized(); err != nil {
		return err
	}
	if err := layout.AppendFeedback(msg, app.now()); err != nil {
		if errors.Is(err, project.ErrFeedbackTooLong) {
			return err
		}
		return withHint(err, ErrCodeInvalidOperation, "Check file permissions.")
	}
	app.println(app.Styles.OK.Render("Feedback sent. Team Lead will pick it up on next polling cycle."))
	return nil
}

// statusInfo is everything status shows, also its JSON form.
type statusInfo struct {
	ProjectName      string                     `json:"projectName"`
	SessionName      string                     `json:"sessionName"`
	SessionActive    bool                       `json:"sessionActive"`
	PaneCount        int                        `json:"paneCount"`
	StateSnapshot    string                     `json:"stateSnapshot"`
	GSDProgress      string                     `json:"gsdProgress"`
	PendingDecisions string                     `json:"pendingDecisions"`
	RunnerPane       string                     `json:"runnerPane,omitempty"`
	Runner           *watch.RunnerStateSnapshot `json:"runner,omitempty"`
	Watchers         []watcherInfo              `json:"watchers"`
}

type watcherInfo struct {
	PID       int    `json:"pid"`
	Kind      string `json:"kind"`
	Started   string `json:"started"`
	Heartbeat string `json:"heartbeat"`
}

func (a *App) statusInfo(ctx context.Context) statusInfo {
	layout := a.Layout
	info := statusInfo{
		ProjectName:      layout.ProjectName(),
		SessionName:      layout.SessionName(),
		StateSnapshot:    readFileOrEmpty(layout.StateSnapshot()),
		GSDProgress:      readFileOrEmpty(layout.PlanningState()),
		PendingDecisions: readFileOrEmpty(layout.NeedsDecision()),
		Watchers:         []watcherInfo{},
	}
	if a.Tmux.IsAvailable() == nil && a.Tmux.SessionExists(ctx, info.SessionName) {
		info.SessionActive = true
		info.PaneCount = len(a.Tmux.ListPanes(ctx, info.SessionName))
	}
	if id, err := layout.ReadRunnerPane(); err == nil {
		info.RunnerPane = id
	}
	if snap, err := watch.ReadRunnerState(layout); err == nil {
		info.Runner = snap
	}
	if db := a.openHistory(); db != nil {
		defer db.Close()
		if rows, err := db.AliveWatchers(layout.Root, watcherAliveWindow); err == nil {
			for _, w := range rows {
				info.Watchers = append(info.Watchers, watcherInfo{
					PID:       w.PID,
					Kind:      w.Kind,
					Started:   project.ISOTime(w.Started),
					Heartbeat: project.ISOTime(w.Heartbeat),
				})
			}
		}
	}
	return info
}

func handleStatus(ctx context.Context, app *App, args []string) error {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	jsonOutput := fs.Bool("json", false, "Output as JSON")
	fs.Usage = func() {
		fmt.Println("Usage: crewpilot status [--json]")
		fmt.Println()
		fmt.Println("Show the session, the saved snapshot and pending decisions.")
	}
	if _, err := parseFlags(fs, args); err != nil {
		return err
	}

	st := app.Styles
	if !app.Layout.Initialized() {
		if *jsonOutput {
			return project.ErrNotInitialized
		}
		app.println(st.Err.Render("No .team-config/ found. Run crewpilot init first."))
		return nil
	}

	info := app.statusInfo(ctx)
	if *jsonOutput {
		app.output(true).Print("", info)
		return nil
	}

	app.println(st.Bold.Render(fmt.Sprintf("\n── Crewpilot Status: %s ──\n", info.ProjectName)))
	if info.SessionActive {
		app.println(st.OK.Render(fmt.Sprintf("Session: %s (active, %d %s)",
			info.SessionName, info.PaneCount, plural(info.PaneCount, "pane", "s"))))
	} else {
		app.println(st.Warn.Render(fmt.Sprintf("Session: %s (inactive)", info.SessionName)))
	}

	if info.Runner != nil {
		line := fmt.Sprintf("Runner: %s %s", info.Runner.PaneID, info.Runner.State.Label())
		if ts, err := time.Parse(time.RFC3339Nano, info.Runner.Timestamp); err == nil {
			line += fmt.Sprintf(" (as of %s)", project.FormatTimestamp(ts))
		}
		app.println(st.State(info.Runner.State).Render(line))
	} else if info.RunnerPane != "" {
		app.println(st.Muted.Render("Runner: " + info.RunnerPane))
	}
	for _, w := range info.Watchers {
		app.println(st.Muted.Render(fmt.Sprintf("%s %s running (pid %d)", bulletSymbol, w.Kind, w.PID)))
	}

	if info.StateSnapshot != "" {
		app.println(st.Bold.Render("\nLast Snapshot:"))
		app.println(st.Muted.Render(info.StateSnapshot))
	} else {
		app.println(st.Muted.Render("\nNo state snapshot available."))
	}

	if info.GSDProgress != "" {
		app.println(st.Bold.Render("\nGSD Progress:"))
		app.println(st.Muted.Render(info.GSDProgress))
	}

	if info.PendingDecisions != "" {
		app.println(st.Err.Bold(true).Render("\nPending Decisions:"))
		app.println(st.Warn.Render(info.PendingDecisions))
	} else {
		app.println(st.Muted.Render("\nPending Decisions: None"))
	}
	app.println("")
	return nil
}

// readFileOrEmpty returns the trimmed file contents, or "" on any error.
func readFileOrEmpty(path string) string {
	data, err := readSmallFile(path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(data)
}

// readAllLimited reads r up to limit bytes.
func readAllLimited(r io.Reader, limit int64) (string, error) {
	data, err := io.ReadAll(io.LimitReader(r, limit))
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// readSmallFile reads a .team-config document as a string.
func readSmallFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
