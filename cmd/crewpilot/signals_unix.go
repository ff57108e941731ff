//go:build !windows

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/crewpilot/crewpilot/internal/logging"
)

// handleDumpSignal writes the in-memory log ring to dir on every SIGUSR1.
func handleDumpSignal(ctx context.Context, dir string) {
	usr1 := make(chan os.Signal, 1)
	signal.Notify(usr1, syscall.SIGUSR1)
	go func() {
		defer signal.Stop(usr1)
		for {
			select {
			case <-ctx.Done():
				return
			case <-usr1:
				dumpPath := filepath.Join(dir, fmt.Sprintf("crash-dump-%d.jsonl", time.Now().Unix()))
				log := logging.ForComponent(logging.CompCLI)
				if err := logging.DumpRecent(dumpPath); err != nil {
					log.Error("crash_dump_failed", slog.String("error", err.Error()))
				} else {
					log.Info("crash_dump_written", slog.String("path", dumpPath))
				}
			}
		}
	}()
}
