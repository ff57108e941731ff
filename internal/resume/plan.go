package resume

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Agent launch commands.
const (
	AgentCommand         = "claude --dangerously-skip-permissions"
	AgentContinueCommand = "claude --continue --dangerously-skip-permissions"
)

// RecoveryPrompt restores the Team Lead from the recovery document.
const RecoveryPrompt = "Read .team-config/session-recovery.md and follow the recovery instructions. " +
	"Read .team-config/team-lead-persona.md to restore your Team Lead persona. " +
	"Resume work from where you left off. IMPORTANT: Follow the Session Recovery section of your persona, " +
	"NOT the Project Startup Workflow. Do not re-run the startup sequence."

// BootstrapPrompt starts a Team Lead from scratch.
const BootstrapPrompt = "Read .team-config/team-lead-persona.md, then .team-config/target-user-profile.md, " +
	"then .team-config/USER-CONTEXT.md. You are the Team Lead. Begin the startup workflow as described in your persona."

// AgentStartupDelay is how long the agent gets to draw its input box.
const AgentStartupDelay = 4 * time.Second

// PlanOptions are the resume flags.
type PlanOptions struct {
	Fresh    bool
	Auto     bool
	NoAttach bool
	Yes      bool
}

// Plan is what the resume command will do.
type Plan struct {
	Session string
	// AttachExisting is set when the session is alive with panes; nothing
	// else is done.
	AttachExisting bool
	Fresh          bool
	Command        string
	Prompt         string
	Attach         bool
	// NeedsConfirmation is set when --auto found a stale snapshot and --yes
	// was not given.
	NeedsConfirmation bool
	Warnings          []string
}

// Mode describes the plan for the console.
func (p Plan) Mode() string {
	switch {
	case p.AttachExisting:
		return "attaching to running session"
	case p.Fresh:
		return "fresh start with recovery"
	default:
		return "continuing last conversation"
	}
}

// NewPlan decides the resume steps from the analysis and the session state.
func NewPlan(session string, a Analysis, sessionAlive bool, paneCount int, opts PlanOptions) Plan {
	p := Plan{Session: session, Attach: !opts.NoAttach}
	if sessionAlive && paneCount > 0 {
		p.AttachExisting = true
		p.Attach = true
		return p
	}

	p.Fresh = opts.Fresh
	if opts.Auto {
		switch a.Recommendation {
		case Fresh:
			p.Fresh = true
		case Review:
			p.Warnings = append(p.Warnings, a.Warnings...)
			p.NeedsConfirmation = !opts.Yes
		case Continue:
			p.Fresh = false
		}
	}

	p.Command = AgentContinueCommand
	if p.Fresh {
		p.Command = AgentCommand
	}
	p.Prompt = BootstrapPrompt
	if a.HasRecoveryInstructions {
		p.Prompt = RecoveryPrompt
	}
	return p
}

// Launcher is the tmux surface Execute drives.
type Launcher interface {
	SessionExists(ctx context.Context, name string) bool
	CreateSession(ctx context.Context, name, dir string) error
	SendCommand(ctx context.Context, paneID, text string) error
	SendTextInput(ctx context.Context, paneID, text string) error
	Pause(ctx context.Context, d time.Duration) error
}

// Execute creates the session, starts the agent and sends the prompt.
// Attaching is left to the caller.
func Execute(ctx context.Context, l Launcher, p Plan, dir string) error {
	if p.AttachExisting {
		return nil
	}
	if !l.SessionExists(ctx, p.Session) {
		if err := l.CreateSession(ctx, p.Session, dir); err != nil {
			return fmt.Errorf("failed to create tmux session %s: %w", p.Session, err)
		}
	}
	target := p.Session + ":0"
	if err := l.SendCommand(ctx, target, p.Command); err != nil {
		return fmt.Errorf("failed to launch agent: %w", err)
	}
	if err := l.Pause(ctx, AgentStartupDelay); err != nil {
		return err
	}
	if err := l.SendTextInput(ctx, target, p.Prompt); err != nil {
		return fmt.Errorf("failed to send prompt: %w", err)
	}
	resumeLog.Info("session_resumed",
		slog.String("session", p.Session),
		slog.Bool("fresh", p.Fresh),
		slog.Bool("recovery_prompt", p.Prompt == RecoveryPrompt))
	return nil
}
