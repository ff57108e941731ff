//go:build !windows
// +build !windows

package tmux

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
	"golang.org/x/term"
)

// detachKey is Ctrl+Q.
const detachKey = 17

// Attach attaches the current terminal to session through a PTY.
// Ctrl+Q detaches and returns to the caller; tmux's own detach works too.
func (c *Client) Attach(ctx context.Context, session string) error {
	if !c.SessionExists(ctx, session) {
		return fmt.Errorf("session %s does not exist", session)
	}
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return fmt.Errorf("stdin is not a terminal; run 'tmux attach -t %s' instead", session)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	cmd := exec.CommandContext(ctx, c.binary, "attach-session", "-t", session)
	ptmx, err := pty.Start(cmd)
	if err != nil {
		return fmt.Errorf("failed to start pty: %w", err)
	}
	defer ptmx.Close()

	oldState, err := term.MakeRaw(int(os.Stdin.Fd()))
	if err != nil {
		return fmt.Errorf("failed to set raw mode: %w", err)
	}
	defer func() { _ = term.Restore(int(os.Stdin.Fd()), oldState) }()

	sigwinch := make(chan os.Signal, 1)
	signal.Notify(sigwinch, syscall.SIGWINCH)
	sigwinchDone := make(chan struct{})
	defer func() {
		signal.Stop(sigwinch)
		close(sigwinchDone)
	}()

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-sigwinchDone:
				return
			case _, ok := <-sigwinch:
				if !ok {
					return
				}
				if ws, err := pty.GetsizeFull(os.Stdin); err == nil {
					_ = pty.Setsize(ptmx, ws)
				}
			}
		}
	}()
	sigwinch <- syscall.SIGWINCH

	detachCh := make(chan struct{})
	ioErrors := make(chan error, 2)

	// Terminal capability replies arrive right after attach; drop them.
	startTime := time.Now()
	const controlSeqTimeout = 50 * time.Millisecond

	wg.Add(1)
	go func() {
		defer wg.Done()
		if _, err := io.Copy(os.Stdout, ptmx); err != nil && !errors.Is(err, io.EOF) {
			select {
			case ioErrors <- fmt.Errorf("PTY read error: %w", err):
			default:
			}
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		buf := make([]byte, 32)
		for {
			n, err := os.Stdin.Read(buf)
			if err != nil {
				if !errors.Is(err, io.EOF) {
					select {
					case ioErrors <- fmt.Errorf("stdin read error: %w", err):
					default:
					}
				}
				return
			}
			if time.Since(startTime) < controlSeqTimeout {
				continue
			}
			if n == 1 && buf[0] == detachKey {
				close(detachCh)
				cancel()
				return
			}
			if _, err := ptmx.Write(buf[:n]); err != nil {
				select {
				case ioErrors <- fmt.Errorf("PTY write error: %w", err):
				default:
				}
				return
			}
		}
	}()

	cmdDone := make(chan error, 1)
	go func() {
		cmdDone <- cmd.Wait()
	}()

	select {
	case <-detachCh:
		return nil
	case err := <-cmdDone:
		if err != nil {
			var exitErr *exec.ExitError
			if errors.As(err, &exitErr) && (exitErr.ExitCode() == 0 || exitErr.ExitCode() == 1) {
				return nil
			}
			if ctx.Err() != nil {
				return nil
			}
		}
		return err
	case err := <-ioErrors:
		tmuxLog.Warn("attach_io_error", "error", err.Error())
		return nil
	case <-ctx.Done():
		return nil
	}
}
