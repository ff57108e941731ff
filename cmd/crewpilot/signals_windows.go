//go:build windows

package main

import "context"

// handleDumpSignal is a no-op: Windows has no SIGUSR1.
func handleDumpSignal(context.Context, string) {}
