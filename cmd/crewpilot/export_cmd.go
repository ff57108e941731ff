package main

import (
	"context"
	"flag"
	"fmt"

	"github.com/crewpilot/crewpilot/internal/export"
	"github.com/crewpilot/crewpilot/internal/project"
)

func handleExport(ctx context.Context, app *App, args []string) error {
	fs := flag.NewFlagSet("export", flag.ContinueOnError)
	format := fs.String("format", "markdown", "Output format: markdown or json")
	output := fs.String("output", "", "Output path, or - for stdout (default: crewpilot-export-<date>.<ext>)")
	includeLogs := fs.Bool("include-logs", false, "Embed the full communication log")
	fs.Usage = func() {
		fmt.Println("Usage: crewpilot export [options]")
		fmt.Println()
		fmt.Println("Write a report of the project's context, progress, decisions and runner activity.")
		fmt.Println()
		fmt.Println("Options:")
		fs.PrintDefaults()
	}
	if _, err := parseFlags(fs, args); err != nil {
		return err
	}
	f, err := export.ParseFormat(*format)
	if err != nil {
		return usagef("%v", err)
	}

	layout := app.Layout
	if err := layout.RequireInitialized(); err != nil {
		return err
	}
	st := app.Styles
	toStdout := *output == "-"
	if !toStdout {
		app.println(st.Muted.Render("Gathering export data..."))
	}

	opts := export.Options{Format: f, IncludeLogs: *includeLogs, Version: Version}
	if db := app.openHistory(); db != nil {
		defer db.Close()
		opts.History = db
	}
	data := export.Gather(layout, app.now(), opts)
	body, err := export.Render(data)
	if err != nil {
		return err
	}

	if toStdout {
		_, err := app.Stdout.Write(body)
		return err
	}
	path := *output
	if path == "" {
		path = export.DefaultFilename(f, app.now())
	}
	path = layout.Resolve(path)
	if err := project.WriteFileAtomic(path, body, 0o644); err != nil {
		return fmt.Errorf("write export: %w", err)
	}

	app.println(st.OK.Render("✓ Export saved to: " + path))
	app.println(st.Muted.Render("  Format: " + string(f)))
	app.println(st.Muted.Render(fmt.Sprintf("  Decisions: %d", len(data.Decisions))))
	app.println(st.Muted.Render(fmt.Sprintf("  Evaluations: %d", len(data.Evaluations))))
	if data.UserResearch != nil {
		app.println(st.Muted.Render("  User Research: included"))
	}
	if *includeLogs {
		app.println(st.Muted.Render("  Communication logs: included"))
	}
	return nil
}
