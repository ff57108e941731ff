package tmux

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/crewpilot/crewpilot/internal/logging"
)

var tmuxLog = logging.ForComponent(logging.CompTmux)

// ErrCaptureTimeout is returned when CapturePane exceeds its timeout.
// Callers should keep the previous state for the pane rather than guess.
var ErrCaptureTimeout = errors.New("capture-pane timed out")

// DefaultCaptureTimeout bounds a capture-pane subprocess.
const DefaultCaptureTimeout = 3 * time.Second

// Pane is one tmux pane as reported by list-panes.
type Pane struct {
	ID      string `json:"id"`
	Active  bool   `json:"active"`
	Command string `json:"command"`
}

// Client wraps the tmux binary. One subprocess per call.
type Client struct {
	binary         string
	captureTimeout time.Duration

	// run executes tmux with args and returns stdout. Swapped in tests.
	run func(ctx context.Context, args ...string) ([]byte, error)
	// sleep pauses between key sequences. Swapped in tests.
	sleep func(ctx context.Context, d time.Duration) error

	captureSf singleflight.Group // dedupes concurrent captures of the same pane
}

// Option configures a Client.
type Option func(*Client)

// WithBinary sets the tmux executable.
func WithBinary(binary string) Option {
	return func(c *Client) {
		if binary != "" {
			c.binary = binary
		}
	}
}

// WithCaptureTimeout bounds each capture-pane call.
func WithCaptureTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.captureTimeout = d
		}
	}
}

// NewClient returns a client for the tmux binary on PATH.
func NewClient(opts ...Option) *Client {
	c := &Client{
		binary:         "tmux",
		captureTimeout: DefaultCaptureTimeout,
		sleep:          sleepCtx,
	}
	c.run = c.execTmux
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) execTmux(ctx context.Context, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, c.binary, args...)
	out, err := cmd.Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && len(exitErr.Stderr) > 0 {
			return out, fmt.Errorf("tmux %s: %w (%s)", args[0], err, strings.TrimSpace(string(exitErr.Stderr)))
		}
		return out, fmt.Errorf("tmux %s: %w", args[0], err)
	}
	return out, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// IsAvailable checks if tmux is installed and accessible.
func (c *Client) IsAvailable() error {
	if _, err := exec.LookPath(c.binary); err != nil {
		return fmt.Errorf("tmux not found on PATH: %w", err)
	}
	cmd := exec.Command(c.binary, "-V")
	if output, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("tmux not working: %w (output: %s)", err, string(output))
	}
	return nil
}

// SessionExists reports whether a session with this exact name exists.
func (c *Client) SessionExists(ctx context.Context, name string) bool {
	_, err := c.run(ctx, "has-session", "-t", "="+name)
	return err == nil
}

// ListPanes returns the panes of a session in tmux order.
// Any failure yields an empty slice.
func (c *Client) ListPanes(ctx context.Context, session string) []Pane {
	out, err := c.run(ctx, "list-panes", "-s", "-t", session,
		"-F", "#{pane_id}\t#{pane_active}\t#{pane_current_command}")
	if err != nil {
		tmuxLog.Debug("list_panes_failed", slog.String("session", session), slog.String("error", err.Error()))
		return []Pane{}
	}
	return parsePanes(string(out))
}

func parsePanes(out string) []Pane {
	panes := []Pane{}
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		fields := strings.SplitN(line, "\t", 3)
		p := Pane{ID: fields[0]}
		if len(fields) > 1 {
			p.Active = fields[1] == "1"
		}
		if len(fields) > 2 {
			p.Command = fields[2]
		}
		panes = append(panes, p)
	}
	return panes
}

// CapturePane returns the last n lines of a pane, oldest first.
// Concurrent captures of the same pane and depth share one subprocess.
func (c *Client) CapturePane(ctx context.Context, paneID string, lines int) (string, error) {
	if lines <= 0 {
		lines = 50
	}
	key := paneID + ":" + strconv.Itoa(lines)
	v, err, _ := c.captureSf.Do(key, func() (interface{}, error) {
		cctx, cancel := context.WithTimeout(ctx, c.captureTimeout)
		defer cancel()
		out, err := c.run(cctx, "capture-pane", "-t", paneID, "-p", "-J", "-S", "-"+strconv.Itoa(lines))
		if err != nil {
			if errors.Is(cctx.Err(), context.DeadlineExceeded) {
				return "", ErrCaptureTimeout
			}
			return "", fmt.Errorf("failed to capture pane %s: %w", paneID, err)
		}
		return string(out), nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// SendLiteral types text into the pane without key-name interpretation.
func (c *Client) SendLiteral(ctx context.Context, paneID, text string) error {
	_, err := c.run(ctx, "send-keys", "-l", "-t", paneID, "--", text)
	return err
}

// SendEnter presses Enter in the pane.
func (c *Client) SendEnter(ctx context.Context, paneID string) error {
	_, err := c.run(ctx, "send-keys", "-t", paneID, "Enter")
	return err
}

// SendCommand types text and presses Enter once.
func (c *Client) SendCommand(ctx context.Context, paneID, text string) error {
	if err := c.SendLiteral(ctx, paneID, text); err != nil {
		return err
	}
	return c.SendEnter(ctx, paneID)
}

// SendTextInput submits text to the agent input box: text, Enter, a one
// second pause, then a second Enter (the first one is swallowed by the
// bracketed-paste handler of the agent UI).
func (c *Client) SendTextInput(ctx context.Context, paneID, text string) error {
	if err := c.SendCommand(ctx, paneID, text); err != nil {
		return err
	}
	if err := c.sleep(ctx, time.Second); err != nil {
		return err
	}
	return c.SendEnter(ctx, paneID)
}

// SendOption selects option n of a numbered menu.
func (c *Client) SendOption(ctx context.Context, paneID string, n int) error {
	if n <= 0 {
		return fmt.Errorf("option must be a positive number, got %d", n)
	}
	return c.SendCommand(ctx, paneID, strconv.Itoa(n))
}

// Pause waits d or until ctx is done.
func (c *Client) Pause(ctx context.Context, d time.Duration) error {
	return c.sleep(ctx, d)
}

// CreateSession starts a detached session rooted at dir.
func (c *Client) CreateSession(ctx context.Context, name, dir string) error {
	_, err := c.run(ctx, "new-session", "-d", "-s", name, "-c", dir)
	return err
}

// NewWindow creates a detached window in session and returns its pane id.
func (c *Client) NewWindow(ctx context.Context, session, dir string) (string, error) {
	args := []string{"new-window", "-d", "-P", "-F", "#{pane_id}", "-t", session}
	if dir != "" {
		args = append(args, "-c", dir)
	}
	out, err := c.run(ctx, args...)
	if err != nil {
		return "", err
	}
	id := strings.TrimSpace(string(out))
	if id == "" {
		return "", fmt.Errorf("tmux new-window returned no pane id")
	}
	return id, nil
}

// KillPane destroys a pane.
func (c *Client) KillPane(ctx context.Context, paneID string) error {
	_, err := c.run(ctx, "kill-pane", "-t", paneID)
	return err
}

// KillSession destroys a session and every pane in it.
func (c *Client) KillSession(ctx context.Context, name string) error {
	_, err := c.run(ctx, "kill-session", "-t", name)
	return err
}
