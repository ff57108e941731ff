package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/crewpilot/crewpilot/internal/resume"
)

const dangerWarning = "WARNING: Crewpilot launches Claude Code with --dangerously-skip-permissions.\n" +
	"This disables all permission gates. Claude Code will have unrestricted access\n" +
	"to your file system and shell. Only proceed in a controlled environment.\n\n" +
	"Continue?"

// exitSequence is how an agent pane is asked to quit.
func (a *App) exitSequence(ctx context.Context, target string) error {
	if err := a.Tmux.SendCommand(ctx, target, "/exit"); err != nil {
		return err
	}
	if err := a.Tmux.Pause(ctx, time.Second); err != nil {
		return err
	}
	return a.Tmux.SendEnter(ctx, target)
}

// attach hands the terminal to the session, or explains how to attach
// by hand when that is impossible.
func (a *App) attach(ctx context.Context, session string) {
	a.println(a.Styles.Accent.Render("\nAttaching to session..."))
	if err := a.Tmux.Attach(ctx, session); err != nil {
		cliLog.Warn("attach_failed", slog.String("session", session), slog.String("error", err.Error()))
		fmt.Fprintln(a.Stderr, a.Styles.Warn.Render(fmt.Sprintf("%s Could not attach: %v", warnSymbol, err)))
		a.println(a.Styles.Muted.Render("Run: tmux attach -t " + session))
	}
}

func handleStart(ctx context.Context, app *App, args []string) error {
	fs := flag.NewFlagSet("start", flag.ContinueOnError)
	noAttach := fs.Bool("no-attach", false, "Do not attach after creating the session")
	yes := fs.Bool("yes", false, "Skip the confirmation prompt")
	fs.Usage = func() {
		fmt.Println("Usage: crewpilot start [--no-attach] [--yes]")
		fmt.Println()
		fmt.Println("Create the tmux session and start the Team Lead.")
	}
	if _, err := parseFlags(fs, args); err != nil {
		return err
	}

	layout := app.Layout
	if err := layout.RequireInitialized(); err != nil {
		return err
	}
	if err := app.requireTmux(); err != nil {
		return err
	}
	st := app.Styles
	session := layout.SessionName()

	if app.Tmux.SessionExists(ctx, session) {
		if *yes || app.confirm(fmt.Sprintf("Session %q already exists. Attach to it?", session), true) {
			app.attach(ctx, session)
			return nil
		}
		app.println(st.Warn.Render("Use crewpilot stop first to stop the existing session."))
		return nil
	}

	if !*yes && !app.confirm(dangerWarning, true) {
		app.println(st.Muted.Render("Aborted."))
		return nil
	}

	app.println(st.Accent.Render("Creating tmux session: " + session))
	if err := app.Tmux.CreateSession(ctx, session, layout.Root); err != nil {
		cliLog.Error("session_create_failed", slog.String("session", session), slog.String("error", err.Error()))
		return errors.New("Failed to create tmux session. Check that tmux is running and no duplicate session exists.")
	}

	target := session + ":0"
	if err := app.Tmux.SendCommand(ctx, target, resume.AgentCommand); err != nil {
		return fmt.Errorf("failed to launch agent: %w", err)
	}
	if err := app.Tmux.Pause(ctx, resume.AgentStartupDelay); err != nil {
		return err
	}
	// The first prompt takes a single Enter.
	if err := app.Tmux.SendLiteral(ctx, target, resume.BootstrapPrompt); err != nil {
		return fmt.Errorf("failed to send prompt: %w", err)
	}
	if err := app.Tmux.Pause(ctx, 500*time.Millisecond); err != nil {
		return err
	}
	if err := app.Tmux.SendEnter(ctx, target); err != nil {
		return fmt.Errorf("failed to send prompt: %w", err)
	}
	cliLog.Info("session_started", slog.String("session", session))

	app.println(st.OK.Render("\nCrewpilot started! Session: " + session))
	app.println("")
	app.println(st.Muted.Render("How to interact:"))
	app.println(st.Muted.Render("  Attach:   tmux attach -t " + session))
	app.println(st.Muted.Render(`  Feedback: crewpilot feedback "your message"`))
	app.println(st.Muted.Render("  Status:   crewpilot status"))
	app.println(st.Muted.Render("  Stop:     crewpilot stop"))

	if !*noAttach {
		app.attach(ctx, session)
	}
	return nil
}

func handleResume(ctx context.Context, app *App, args []string) error {
	fs := flag.NewFlagSet("resume", flag.ContinueOnError)
	fresh := fs.Bool("fresh", false, "Start a new conversation instead of --continue")
	auto := fs.Bool("auto", false, "Let the snapshot analysis choose continue or fresh")
	noAttach := fs.Bool("no-attach", false, "Do not attach after resuming")
	yes := fs.Bool("yes", false, "Skip confirmation prompts")
	jsonOutput := fs.Bool("json", false, "Print the analysis and plan as JSON without acting")
	fs.Usage = func() {
		fmt.Println("Usage: crewpilot resume [options]")
		fmt.Println()
		fmt.Println("Bring a stopped session back from .team-config/ state.")
		fmt.Println()
		fmt.Println("Options:")
		fs.PrintDefaults()
	}
	if _, err := parseFlags(fs, args); err != nil {
		return err
	}

	layout := app.Layout
	if err := layout.RequireInitialized(); err != nil {
		return err
	}
	if err := app.requireTmux(); err != nil {
		return err
	}
	st := app.Styles
	session := layout.SessionName()

	alive := app.Tmux.SessionExists(ctx, session)
	paneCount := 0
	if alive {
		paneCount = len(app.Tmux.ListPanes(ctx, session))
	}
	analysis := resume.Analyze(layout.Root, app.now())
	plan := resume.NewPlan(session, analysis, alive, paneCount, resume.PlanOptions{
		Fresh:    *fresh,
		Auto:     *auto,
		NoAttach: *noAttach,
		Yes:      *yes,
	})

	if *jsonOutput {
		app.output(true).Print("", map[string]any{
			"session":  session,
			"analysis": analysis,
			"mode":     plan.Mode(),
			"plan":     plan,
		})
		return nil
	}

	if plan.AttachExisting {
		app.println(st.OK.Render(fmt.Sprintf("Session %q is alive with %d pane(s). Attaching...", session, paneCount)))
		app.attach(ctx, session)
		return nil
	}

	if *auto {
		app.println(st.Muted.Render(fmt.Sprintf("Snapshot analysis: %s", analysis.Recommendation)))
	}
	for _, w := range plan.Warnings {
		app.println(st.Warn.Render(warnSymbol + " " + w))
	}
	if plan.NeedsConfirmation && !app.confirm("The saved state may be outdated. Resume anyway?", false) {
		app.println(st.Muted.Render("Aborted."))
		return nil
	}
	if !*yes && !app.confirm(dangerWarning, true) {
		app.println(st.Muted.Render("Aborted."))
		return nil
	}

	app.println(st.Accent.Render("Creating new session: " + session))
	if err := resume.Execute(ctx, app.Tmux, plan, layout.Root); err != nil {
		return err
	}

	app.println(st.OK.Render("\nCrewpilot resumed! Session: " + session))
	app.println(st.Muted.Render("Mode: " + plan.Mode()))
	if plan.Attach {
		app.attach(ctx, session)
	}
	return nil
}

func handleStop(ctx context.Context, app *App, args []string) error {
	fs := flag.NewFlagSet("stop", flag.ContinueOnError)
	fs.Usage = func() {
		fmt.Println("Usage: crewpilot stop")
		fmt.Println()
		fmt.Println("Ask every agent to exit, then kill the tmux session.")
	}
	if _, err := parseFlags(fs, args); err != nil {
		return err
	}

	layout := app.Layout
	if err := layout.RequireInitialized(); err != nil {
		return err
	}
	if err := app.requireTmux(); err != nil {
		return err
	}
	st := app.Styles
	session := layout.SessionName()
	if !app.Tmux.SessionExists(ctx, session) {
		return fmt.Errorf("No active session %q. Nothing to stop.", session)
	}

	app.println(st.Accent.Render("Stopping session: " + session))

	runners := runnerPanes(layout.RunnerPaneFile())
	for _, paneID := range runners {
		app.println(st.Muted.Render(fmt.Sprintf("Sending /exit to runner pane %s...", paneID)))
		// The pane may already be gone.
		if err := app.exitSequence(ctx, paneID); err != nil {
			cliLog.Debug("runner_exit_failed", slog.String("pane", paneID), slog.String("error", err.Error()))
		}
	}
	if len(runners) > 0 {
		app.println(st.Muted.Render("Waiting for runners to shut down..."))
		if err := app.Tmux.Pause(ctx, 5*time.Second); err != nil {
			return err
		}
	}

	if len(app.Tmux.ListPanes(ctx, session)) > 0 {
		app.println(st.Muted.Render("Sending /exit to Team Lead..."))
		if err := app.exitSequence(ctx, session+":0"); err == nil {
			if err := app.Tmux.Pause(ctx, 3*time.Second); err != nil {
				return err
			}
		}
	}

	if err := app.Tmux.KillSession(ctx, session); err != nil {
		cliLog.Debug("session_kill_failed", slog.String("session", session), slog.String("error", err.Error()))
	}
	cliLog.Info("session_stopped", slog.String("session", session), slog.Int("runners", len(runners)))

	app.println(st.OK.Render("\nCrewpilot stopped. State preserved in .team-config/"))
	app.println(st.Muted.Render("Use crewpilot resume to continue later."))
	return nil
}

// runnerPanes reads every pane id listed in the runner pane file.
func runnerPanes(path string) []string {
	data, err := readSmallFile(path)
	if err != nil {
		return nil
	}
	var ids []string
	for _, line := range strings.Split(data, "\n") {
		if id := strings.TrimSpace(line); id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}
