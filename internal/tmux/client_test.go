package tmux

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu    sync.Mutex
	calls [][]string
	out   map[string]string // first arg -> stdout
	err   map[string]error
}

func (r *recorder) run(_ context.Context, args ...string) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, append([]string(nil), args...))
	if err := r.err[args[0]]; err != nil {
		return nil, err
	}
	return []byte(r.out[args[0]]), nil
}

func newTestClient(r *recorder) (*Client, *[]time.Duration) {
	var slept []time.Duration
	c := NewClient()
	c.run = r.run
	c.sleep = func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}
	return c, &slept
}

func TestParsePanes(t *testing.T) {
	out := "%0\t1\tclaude\n%3\t0\tbash\n\n"
	panes := parsePanes(out)
	require.Len(t, panes, 2)
	assert.Equal(t, Pane{ID: "%0", Active: true, Command: "claude"}, panes[0])
	assert.Equal(t, Pane{ID: "%3", Active: false, Command: "bash"}, panes[1])
}

func TestListPanesFailureIsEmpty(t *testing.T) {
	r := &recorder{err: map[string]error{"list-panes": errors.New("no server running")}}
	c, _ := newTestClient(r)

	panes := c.ListPanes(context.Background(), "crewpilot-demo")
	assert.NotNil(t, panes)
	assert.Empty(t, panes)
}

func TestSessionExists(t *testing.T) {
	r := &recorder{}
	c, _ := newTestClient(r)
	assert.True(t, c.SessionExists(context.Background(), "crewpilot-demo"))
	assert.Equal(t, []string{"has-session", "-t", "=crewpilot-demo"}, r.calls[0])

	r.err = map[string]error{"has-session": errors.New("can't find session")}
	assert.False(t, c.SessionExists(context.Background(), "crewpilot-demo"))
}

func TestCapturePaneArgs(t *testing.T) {
	r := &recorder{out: map[string]string{"capture-pane": "line1\nline2\n"}}
	c, _ := newTestClient(r)

	content, err := c.CapturePane(context.Background(), "%1", 50)
	require.NoError(t, err)
	assert.Equal(t, "line1\nline2\n", content)
	assert.Equal(t, []string{"capture-pane", "-t", "%1", "-p", "-J", "-S", "-50"}, r.calls[0])
}

func TestCapturePaneTimeout(t *testing.T) {
	c := NewClient(WithCaptureTimeout(10 * time.Millisecond))
	c.run = func(ctx context.Context, args ...string) ([]byte, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	_, err := c.CapturePane(context.Background(), "%1", 50)
	assert.ErrorIs(t, err, ErrCaptureTimeout)
}

func TestCapturePaneCollapsesConcurrentCalls(t *testing.T) {
	var calls int32
	release := make(chan struct{})
	c := NewClient()
	c.run = func(ctx context.Context, args ...string) ([]byte, error) {
		atomic.AddInt32(&calls, 1)
		<-release
		return []byte("same"), nil
	}

	var wg sync.WaitGroup
	results := make([]string, 5)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], _ = c.CapturePane(context.Background(), "%1", 50)
		}(i)
	}
	// Let the goroutines pile up on the in-flight capture.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	for _, r := range results {
		assert.Equal(t, "same", r)
	}
	assert.LessOrEqual(t, atomic.LoadInt32(&calls), int32(5))
	assert.GreaterOrEqual(t, atomic.LoadInt32(&calls), int32(1))
}

func TestSendTextInputSequence(t *testing.T) {
	r := &recorder{}
	c, slept := newTestClient(r)

	require.NoError(t, c.SendTextInput(context.Background(), "%2", "use postgres"))
	require.Len(t, r.calls, 3)
	assert.Equal(t, []string{"send-keys", "-l", "-t", "%2", "--", "use postgres"}, r.calls[0])
	assert.Equal(t, []string{"send-keys", "-t", "%2", "Enter"}, r.calls[1])
	assert.Equal(t, []string{"send-keys", "-t", "%2", "Enter"}, r.calls[2])
	assert.Equal(t, []time.Duration{time.Second}, *slept)
}

func TestSendOption(t *testing.T) {
	r := &recorder{}
	c, _ := newTestClient(r)

	require.NoError(t, c.SendOption(context.Background(), "%2", 3))
	assert.Equal(t, "3", r.calls[0][len(r.calls[0])-1])

	assert.Error(t, c.SendOption(context.Background(), "%2", 0))
}

func TestNewWindowReturnsPaneID(t *testing.T) {
	r := &recorder{out: map[string]string{"new-window": "%7\n"}}
	c, _ := newTestClient(r)

	id, err := c.NewWindow(context.Background(), "crewpilot-demo", "/work")
	require.NoError(t, err)
	assert.Equal(t, "%7", id)
	assert.Equal(t, "-c", r.calls[0][len(r.calls[0])-2])

	r.out["new-window"] = "  \n"
	_, err = c.NewWindow(context.Background(), "crewpilot-demo", "")
	assert.Error(t, err)
}

func TestStripANSI(t *testing.T) {
	tests := []struct {
		name, in, want string
	}{
		{"plain", "hello ❯", "hello ❯"},
		{"color", "\x1b[31merror\x1b[0m here", "error here"},
		{"osc title bel", "\x1b]0;title\x07text", "text"},
		{"osc title st", "\x1b]0;title\x1b\\text", "text"},
		{"two byte", "a\x1b=b", "ab"},
		{"hourglass survives", "\x1b[1m⌛ waiting", "⌛ waiting"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, StripANSI(tt.in))
		})
	}
}

func TestDefaultPatternsCompile(t *testing.T) {
	p := DefaultPatterns()
	require.NotNil(t, p)
	assert.Len(t, p.Errors, 7)
	assert.Len(t, p.Questions, 6)
	assert.Len(t, p.Progress, 4)
	assert.Len(t, p.ShellPrompts, 5)
	assert.Len(t, p.SpinnerChars, 16)
	assert.Same(t, p, DefaultPatterns())
}

func TestCompilePatternsSkipsInvalidRegex(t *testing.T) {
	raw := &RawPatterns{ErrorPatterns: []string{`\berror\b`, `([unclosed`}}
	p, err := CompilePatterns(raw)
	require.NoError(t, err)
	assert.Len(t, p.Errors, 1)

	_, err = CompilePatterns(nil)
	assert.Error(t, err)
}

func TestMergeRawPatternsDoesNotMutate(t *testing.T) {
	defaults := DefaultRawPatterns()
	before := len(defaults.WorkingVerbs)
	merged := MergeRawPatterns(defaults, &RawPatterns{WorkingVerbs: []string{"Brewing"}})

	assert.Len(t, defaults.WorkingVerbs, before)
	assert.Len(t, merged.WorkingVerbs, before+1)

	p, _ := CompilePatterns(merged)
	assert.True(t, p.HasWorkingVerb("brewing coffee"))
}

func TestShellPromptAndMarkers(t *testing.T) {
	p := DefaultPatterns()
	for _, line := range []string{"$ ", "bash-5.1$", "dev@box:~/proj$", "zsh $", "sh$"} {
		assert.True(t, p.IsShellPrompt(line), line)
	}
	assert.False(t, p.IsShellPrompt("cost is $5"))
	assert.True(t, p.HasAgentMarker(strings.ToLower("Claude Code v2")))
	assert.False(t, p.HasAgentMarker("plain shell"))
}
