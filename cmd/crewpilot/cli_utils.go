package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/crewpilot/crewpilot/internal/project"
	"github.com/crewpilot/crewpilot/internal/search"
	"github.com/crewpilot/crewpilot/internal/tmux"
)

// normalizeArgs reorders args so flags come before positional arguments.
// Go's flag package stops parsing at the first non-flag argument, which means
// "search auth --fuzzy" silently ignores --fuzzy. This function moves all
// flags to the front so they get parsed correctly.
func normalizeArgs(fs *flag.FlagSet, args []string) []string {
	boolFlags := make(map[string]bool)
	fs.VisitAll(func(f *flag.Flag) {
		if bf, ok := f.Value.(interface{ IsBoolFlag() bool }); ok && bf.IsBoolFlag() {
			boolFlags[f.Name] = true
		}
	})

	var flags, positional []string
	for i := 0; i < len(args); i++ {
		arg := args[i]

		// "--" terminates flag processing
		if arg == "--" {
			positional = append(positional, args[i+1:]...)
			break
		}

		if strings.HasPrefix(arg, "-") && arg != "-" {
			flags = append(flags, arg)

			name := strings.TrimLeft(arg, "-")

			// --flag=value carries its own value
			if strings.Contains(name, "=") {
				continue
			}

			if !boolFlags[name] && i+1 < len(args) {
				i++
				flags = append(flags, args[i])
			}
		} else {
			positional = append(positional, arg)
		}
	}
	return append(flags, positional...)
}

// parseFlags normalizes and parses args, returning the positional rest.
func parseFlags(fs *flag.FlagSet, args []string) ([]string, error) {
	if err := fs.Parse(normalizeArgs(fs, args)); err != nil {
		return nil, err
	}
	return fs.Args(), nil
}

// CLIOutput handles consistent output formatting across all CLI commands
type CLIOutput struct {
	jsonMode  bool
	quietMode bool
	stdout    io.Writer
	stderr    io.Writer
}

// NewCLIOutput creates a new CLI output handler
func NewCLIOutput(jsonMode, quietMode bool) *CLIOutput {
	return &CLIOutput{
		jsonMode:  jsonMode,
		quietMode: quietMode,
		stdout:    os.Stdout,
		stderr:    os.Stderr,
	}
}

// Success prints a success message or JSON response
func (c *CLIOutput) Success(message string, data interface{}) {
	if c.quietMode {
		return
	}
	if c.jsonMode {
		c.printJSON(data)
		return
	}
	fmt.Fprintf(c.stdout, "%s %s\n", successSymbol, message)
}

// Error prints an error message or JSON error response
func (c *CLIOutput) Error(message string, code string) {
	if c.jsonMode {
		c.printJSON(map[string]interface{}{
			"success": false,
			"error":   message,
			"code":    code,
		})
		return
	}
	fmt.Fprintf(c.stderr, "Error: %s\n", message)
}

// Print prints data (human-readable or JSON)
func (c *CLIOutput) Print(humanOutput string, jsonData interface{}) {
	if c.quietMode {
		return
	}
	if c.jsonMode {
		c.printJSON(jsonData)
		return
	}
	fmt.Fprint(c.stdout, humanOutput)
}

// printJSON marshals and prints JSON data
func (c *CLIOutput) printJSON(data interface{}) {
	output, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		fmt.Fprintf(c.stderr, "Error: failed to format JSON: %v\n", err)
		return
	}
	fmt.Fprintln(c.stdout, string(output))
}

// Symbols for human-readable output
const (
	successSymbol = "✓"
	errorSymbol   = "✕"
	bulletSymbol  = "•"
	warnSymbol    = "⚠"
)

// Error codes
const (
	ErrCodeNotInitialized   = "NOT_INITIALIZED"
	ErrCodeSessionInactive  = "SESSION_INACTIVE"
	ErrCodeNoRunner         = "NO_RUNNER"
	ErrCodeInvalidInput     = "INVALID_INPUT"
	ErrCodeTmuxUnavailable  = "TMUX_UNAVAILABLE"
	ErrCodeTimeout          = "TIMEOUT"
	ErrCodeAlreadyExists    = "ALREADY_EXISTS"
	ErrCodeInvalidOperation = "INVALID_OPERATION"
)

var errTmuxUnavailable = errors.New("tmux is not available")

// usageError is a bad flag combination or argument.
type usageError struct {
	msg string
}

func (e *usageError) Error() string { return e.msg }

func usagef(format string, args ...any) error {
	return &usageError{msg: fmt.Sprintf(format, args...)}
}

// hintedError carries the remediation line printed under the message.
type hintedError struct {
	err  error
	hint string
	code string
}

func (e *hintedError) Error() string { return e.err.Error() }
func (e *hintedError) Unwrap() error { return e.err }

func withHint(err error, code, hint string) error {
	return &hintedError{err: err, hint: hint, code: code}
}

// describeError picks the message, hint and code printed for err.
func describeError(err error) (msg, hint, code string) {
	msg = err.Error()
	code = ErrCodeInvalidOperation

	var he *hintedError
	var ue *usageError
	switch {
	case errors.As(err, &he):
		return msg, he.hint, he.code
	case errors.As(err, &ue):
		return msg, "", ErrCodeInvalidInput
	case errors.Is(err, project.ErrNotInitialized):
		return "No .team-config/ found.", "Run crewpilot init first.", ErrCodeNotInitialized
	case errors.Is(err, project.ErrSessionInactive):
		return msg, "Run crewpilot start or crewpilot resume first.", ErrCodeSessionInactive
	case errors.Is(err, project.ErrNoRunner):
		return msg, "Launch one with crewpilot launch-runner.", ErrCodeNoRunner
	case errors.Is(err, errTmuxUnavailable):
		return msg, "Install tmux (e.g. brew install tmux, apt install tmux).", ErrCodeTmuxUnavailable
	case errors.Is(err, tmux.ErrCaptureTimeout):
		return msg, "The tmux server did not answer in time; check that it is responsive.", ErrCodeTimeout
	case errors.Is(err, search.ErrInvalidQuery):
		return msg, `Usage: crewpilot search "authentication patterns"`, ErrCodeInvalidInput
	case errors.Is(err, project.ErrFeedbackTooLong):
		return msg, "", ErrCodeInvalidInput
	}
	return msg, hint, code
}

// reportError prints err with its hint and returns the exit code.
func (a *App) reportError(jsonMode bool, err error) int {
	msg, hint, code := describeError(err)
	out := a.output(jsonMode)
	out.Error(msg, code)
	if hint != "" && !jsonMode {
		fmt.Fprintln(a.Stderr, a.Styles.Muted.Render(hint))
	}
	return 1
}

// plural returns word with suffix unless n is one.
func plural(n int, word, suffix string) string {
	if n == 1 {
		return word
	}
	return word + suffix
}
