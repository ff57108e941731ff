//go:build windows
// +build windows

package tmux

import (
	"context"
	"fmt"
)

// Attach is unavailable without a Unix PTY.
func (c *Client) Attach(ctx context.Context, session string) error {
	return fmt.Errorf("attach is not supported on Windows; run crewpilot inside WSL")
}
