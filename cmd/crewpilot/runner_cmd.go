package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"time"

	"github.com/crewpilot/crewpilot/internal/project"
	"github.com/crewpilot/crewpilot/internal/resume"
)

// Runner workflows.
const (
	workflowGSD         = "gsd"
	workflowSuperpowers = "superpowers"
)

func handleLaunchRunner(ctx context.Context, app *App, args []string) error {
	fs := flag.NewFlagSet("launch-runner", flag.ContinueOnError)
	workflow := fs.String("workflow", "", "Workflow to start: gsd or superpowers")
	prompt := fs.String("prompt", "", "Prompt to send once the agent is up")
	fs.Usage = func() {
		fmt.Println("Usage: crewpilot launch-runner [--workflow gsd|superpowers] [--prompt <text>]")
		fmt.Println()
		fmt.Println("Open a runner pane in the session and start an agent in it.")
	}
	if _, err := parseFlags(fs, args); err != nil {
		return err
	}
	switch *workflow {
	case "", workflowGSD, workflowSuperpowers:
	default:
		return usagef("unknown workflow %q (expected gsd or superpowers)", *workflow)
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
		return withHint(fmt.Errorf("Session %q is not active.", session), ErrCodeSessionInactive,
			"Run crewpilot start first.")
	}

	if existing, err := layout.ReadRunnerPane(); err == nil && app.paneAlive(ctx, session, existing) {
		return withHint(fmt.Errorf("Runner %s is already running.", existing), ErrCodeAlreadyExists,
			"Use crewpilot stop-runner first.")
	}

	app.println(st.Accent.Render("Creating runner pane..."))
	paneID, err := app.Tmux.NewWindow(ctx, session, layout.Root)
	if err != nil {
		return fmt.Errorf("failed to create runner pane: %w", err)
	}

	if err := app.Tmux.SendCommand(ctx, paneID, resume.AgentCommand); err != nil {
		return fmt.Errorf("failed to launch agent: %w", err)
	}
	if err := app.Tmux.Pause(ctx, resume.AgentStartupDelay); err != nil {
		return err
	}
	if err := app.sendWorkflow(ctx, paneID, *workflow, *prompt); err != nil {
		return err
	}

	if err := layout.WriteRunnerPane(paneID); err != nil {
		return fmt.Errorf("failed to record runner pane: %w", err)
	}
	if err := project.WriteLock(layout.RunnerLock(), paneID, app.now()); err != nil {
		cliLog.Warn("runner_lock_failed", slog.String("pane", paneID), slog.String("error", err.Error()))
	}
	cliLog.Info("runner_launched", slog.String("pane", paneID), slog.String("workflow", *workflow))

	app.println(st.OK.Render("Runner launched in pane " + paneID))
	app.println(st.Muted.Render("Workflow: " + firstNonEmpty(*workflow, "custom prompt")))
	return nil
}

// sendWorkflow types the opening command of a workflow into the runner.
func (a *App) sendWorkflow(ctx context.Context, paneID, workflow, prompt string) error {
	var err error
	switch workflow {
	case workflowGSD:
		if err = a.Tmux.SendCommand(ctx, paneID, "/gsd:new-project"); err == nil {
			if err = a.Tmux.Pause(ctx, time.Second); err == nil {
				err = a.Tmux.SendEnter(ctx, paneID)
			}
		}
	case workflowSuperpowers:
		err = a.Tmux.SendTextInput(ctx, paneID, firstNonEmpty(prompt, "Start the project")+" /superpowers:brainstorming")
	default:
		if prompt != "" {
			err = a.Tmux.SendTextInput(ctx, paneID, prompt)
		}
	}
	if err != nil {
		return fmt.Errorf("failed to send workflow command: %w", err)
	}
	return nil
}

// paneAlive reports whether paneID is still a pane of session.
func (a *App) paneAlive(ctx context.Context, session, paneID string) bool {
	for _, p := range a.Tmux.ListPanes(ctx, session) {
		if p.ID == paneID {
			return true
		}
	}
	return false
}

func handleStopRunner(ctx context.Context, app *App, args []string) error {
	fs := flag.NewFlagSet("stop-runner", flag.ContinueOnError)
	force := fs.Bool("force", false, "Kill the pane instead of sending /exit")
	fs.Usage = func() {
		fmt.Println("Usage: crewpilot stop-runner [--force]")
		fmt.Println()
		fmt.Println("Stop the runner pane and clear its pane id and lock.")
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
	paneID, err := layout.ReadRunnerPane()
	if err != nil {
		return err
	}
	st := app.Styles

	switch {
	case !app.paneAlive(ctx, layout.SessionName(), paneID):
		app.println(st.Muted.Render(fmt.Sprintf("Runner pane %s is already dead.", paneID)))
	case *force:
		if err := app.Tmux.KillPane(ctx, paneID); err != nil {
			cliLog.Debug("runner_kill_failed", slog.String("pane", paneID), slog.String("error", err.Error()))
		}
		app.println(st.Warn.Render("Force-killed runner pane " + paneID))
	default:
		app.println(st.Accent.Render(fmt.Sprintf("Sending /exit to runner pane %s...", paneID)))
		if err := app.exitSequence(ctx, paneID); err != nil {
			return fmt.Errorf("failed to send /exit to %s: %w", paneID, err)
		}
		if err := app.Tmux.Pause(ctx, 3*time.Second); err != nil {
			return err
		}
		app.println(st.OK.Render(fmt.Sprintf("Runner %s shutdown signal sent.", paneID)))
	}

	if err := layout.ClearRunnerPane(); err != nil {
		return fmt.Errorf("failed to clear runner pane id: %w", err)
	}
	if err := project.RemoveLock(layout.RunnerLock()); err != nil {
		return fmt.Errorf("failed to remove runner lock: %w", err)
	}
	cliLog.Info("runner_stopped", slog.String("pane", paneID), slog.Bool("force", *force))
	app.println(st.OK.Render("Runner pane ID and lock cleaned up."))
	return nil
}

func handleSendAnswer(ctx context.Context, app *App, args []string) error {
	fs := flag.NewFlagSet("send-answer", flag.ContinueOnError)
	option := fs.Int("option", 0, "Select option N of the runner's menu")
	text := fs.String("text", "", "Type free text into the runner")
	fs.Usage = func() {
		fmt.Println("Usage: crewpilot send-answer --option <n> | --text <text>")
		fmt.Println()
		fmt.Println("Answer a question the runner is waiting on.")
	}
	if _, err := parseFlags(fs, args); err != nil {
		return err
	}
	set := map[string]bool{}
	fs.Visit(func(f *flag.Flag) { set[f.Name] = true })

	switch {
	case set["option"] && set["text"]:
		return usagef("Specify only one of --option or --text, not both.")
	case !set["option"] && !set["text"]:
		return usagef("Specify --option or --text to send input to the Runner.")
	case set["option"] && *option <= 0:
		return usagef("--option must be a positive number, got %d", *option)
	}

	layout := app.Layout
	if err := layout.RequireInitialized(); err != nil {
		return err
	}
	if err := app.requireTmux(); err != nil {
		return err
	}
	paneID, err := layout.ReadRunnerPane()
	if err != nil {
		return err
	}
	st := app.Styles

	if set["option"] {
		app.println(st.Accent.Render(fmt.Sprintf("Selecting option %d in pane %s...", *option, paneID)))
		if err := app.Tmux.SendOption(ctx, paneID, *option); err != nil {
			return sendFailed(paneID, err)
		}
		app.println(st.OK.Render("Option selected."))
		return nil
	}

	app.println(st.Accent.Render(fmt.Sprintf("Sending text to pane %s...", paneID)))
	if err := app.Tmux.SendTextInput(ctx, paneID, *text); err != nil {
		return sendFailed(paneID, err)
	}
	app.println(st.OK.Render("Text sent."))
	return nil
}

func sendFailed(paneID string, err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	return withHint(fmt.Errorf("failed to send input to pane %s: %w", paneID, err), ErrCodeNoRunner,
		"The runner pane may be gone. Check with crewpilot status.")
}
