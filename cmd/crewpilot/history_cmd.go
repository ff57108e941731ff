package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"time"

	"github.com/crewpilot/crewpilot/internal/classify"
	"github.com/crewpilot/crewpilot/internal/project"
	"github.com/crewpilot/crewpilot/internal/statedb"
)

var errHistoryDisabled = errors.New("state history is disabled or unavailable")

type transitionJSON struct {
	PaneID     string  `json:"paneId"`
	From       string  `json:"from"`
	To         string  `json:"to"`
	Confidence float64 `json:"confidence"`
	Details    string  `json:"details,omitempty"`
	At         string  `json:"at"`
}

type alertJSON struct {
	PaneID     string `json:"paneId"`
	Kind       string `json:"kind"`
	Reason     string `json:"reason"`
	At         string `json:"at"`
	ResolvedAt string `json:"resolvedAt,omitempty"`
}

func handleHistory(ctx context.Context, app *App, args []string) error {
	fs := flag.NewFlagSet("history", flag.ContinueOnError)
	pane := fs.String("pane", "", "Only this pane id")
	limit := fs.Int("limit", 20, "Maximum rows")
	alerts := fs.Bool("alerts", false, "Show stuck/dead alerts instead of transitions")
	active := fs.Bool("active", false, "With --alerts, only unresolved alerts")
	since := fs.Duration("since", 0, "Only rows newer than this (e.g. 2h)")
	importLog := fs.Bool("import", false, "Import runner-events.log lines first")
	prune := fs.Int("prune", 0, "Delete rows older than N days and exit")
	jsonOutput := fs.Bool("json", false, "Output as JSON")
	fs.Usage = func() {
		fmt.Println("Usage: crewpilot history [options]")
		fmt.Println()
		fmt.Println("Show recorded state transitions and alerts.")
		fmt.Println()
		fmt.Println("Options:")
		fs.PrintDefaults()
	}
	if _, err := parseFlags(fs, args); err != nil {
		return err
	}
	if *limit <= 0 {
		return usagef("--limit must be positive, got %d", *limit)
	}

	layout := app.Layout
	if err := layout.RequireInitialized(); err != nil {
		return err
	}
	db := app.openHistory()
	if db == nil {
		return withHint(errHistoryDisabled, ErrCodeInvalidOperation,
			"Set [history] enabled = true in ~/.crewpilot/config.toml.")
	}
	defer db.Close()
	st := app.Styles
	out := app.output(*jsonOutput)

	if *prune > 0 {
		n, err := db.Prune(app.now().Add(-time.Duration(*prune) * 24 * time.Hour))
		if err != nil {
			return fmt.Errorf("prune history: %w", err)
		}
		out.Success(fmt.Sprintf("Pruned %d %s", n, plural(int(n), "row", "s")), map[string]any{"pruned": n})
		return nil
	}

	if *importLog {
		n, err := db.ImportEventsLog(layout.RunnerEvents(), layout.Root, layout.SessionName())
		if err != nil {
			return fmt.Errorf("import runner-events.log: %w", err)
		}
		if !*jsonOutput {
			app.println(st.Muted.Render(fmt.Sprintf("Imported %d %s from runner-events.log", n, plural(n, "event", "s"))))
		}
	}

	f := statedb.Filter{Project: layout.Root, PaneID: *pane, Limit: *limit}
	if *since > 0 {
		f.Since = app.now().Add(-*since)
	}

	if *alerts {
		rows, err := db.Alerts(f, *active)
		if err != nil {
			return fmt.Errorf("query alerts: %w", err)
		}
		if *jsonOutput {
			out.Print("", alertsJSON(rows))
			return nil
		}
		app.printAlerts(rows)
		return nil
	}

	rows, err := db.Transitions(f)
	if err != nil {
		return fmt.Errorf("query transitions: %w", err)
	}
	if *jsonOutput {
		out.Print("", transitionsJSON(rows))
		return nil
	}
	app.printTransitions(rows)
	return nil
}

func transitionsJSON(rows []statedb.Transition) []transitionJSON {
	result := make([]transitionJSON, 0, len(rows))
	for _, t := range rows {
		result = append(result, transitionJSON{
			PaneID:     t.PaneID,
			From:       t.FromState,
			To:         t.ToState,
			Confidence: t.Confidence,
			Details:    t.Details,
			At:         project.ISOTime(t.At),
		})
	}
	return result
}

func alertsJSON(rows []statedb.Alert) []alertJSON {
	result := make([]alertJSON, 0, len(rows))
	for _, a := range rows {
		j := alertJSON{
			PaneID: a.PaneID,
			Kind:   a.Kind,
			Reason: a.Reason,
			At:     project.ISOTime(a.At),
		}
		if !a.Active() {
			j.ResolvedAt = project.ISOTime(a.ResolvedAt)
		}
		result = append(result, j)
	}
	return result
}

// printTransitions lists transitions newest first.
func (a *App) printTransitions(rows []statedb.Transition) {
	st := a.Styles
	a.println(st.Bold.Render("\n── State History ──\n"))
	if len(rows) == 0 {
		a.println(st.Muted.Render("No transitions recorded yet. Run crewpilot watch to start recording."))
		return
	}
	for _, t := range rows {
		to := classify.State(t.ToState)
		from := t.FromState
		if from == "" {
			from = "-"
		}
		line := fmt.Sprintf("[%s] %s %s → %s",
			project.FormatTimestamp(t.At), t.PaneID, from, st.State(to).Render(to.Symbol()+" "+t.ToState))
		if t.Confidence > 0 && t.Confidence < lowConfidence {
			line += st.Muted.Render(fmt.Sprintf(" (~%d%%)", int(t.Confidence*100+0.5)))
		}
		a.println(line)
		if t.Details != "" {
			a.println(st.Muted.Render("  " + truncateWidth(t.Details, a.width()-2)))
		}
	}
	a.println("")
}

// printAlerts lists alerts, marking the unresolved ones.
func (a *App) printAlerts(rows []statedb.Alert) {
	st := a.Styles
	a.println(st.Bold.Render("\n── Alerts ──\n"))
	if len(rows) == 0 {
		a.println(st.Muted.Render("No alerts recorded."))
		return
	}
	for _, al := range rows {
		status := st.Err.Render("active")
		if !al.Active() {
			status = st.OK.Render("resolved " + project.FormatTimestamp(al.ResolvedAt))
		}
		a.println(fmt.Sprintf("[%s] %s %s: %s (%s)",
			project.FormatTimestamp(al.At), al.PaneID, al.Kind, al.Reason, status))
	}
	a.println("")
}
