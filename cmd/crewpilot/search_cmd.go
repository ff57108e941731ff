package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"regexp"
	"strings"

	"github.com/crewpilot/crewpilot/internal/project"
	"github.com/crewpilot/crewpilot/internal/search"
)

const searchUsage = `Usage: crewpilot search "authentication patterns"`

func handleSearch(ctx context.Context, app *App, args []string) error {
	fs := flag.NewFlagSet("search", flag.ContinueOnError)
	rebuild := fs.Bool("rebuild-index", false, "Rebuild the keyword index before searching")
	limit := fs.Int("limit", 0, "Maximum number of files to show (default: 20)")
	caseSensitive := fs.Bool("case-sensitive", false, "Match case exactly")
	fuzzy := fs.Bool("fuzzy", app.Cfg.Search.Fuzzy, "Allow approximate word matches")
	jsonOutput := fs.Bool("json", false, "Output as JSON")

	fs.Usage = func() {
		fmt.Println("Usage: crewpilot search <query> [options]")
		fmt.Println()
		fmt.Println("Search the .team-config memory documents.")
		fmt.Println()
		fmt.Println("Options:")
		fs.PrintDefaults()
		fmt.Println()
		fmt.Println("Examples:")
		fmt.Println("  crewpilot search \"authentication patterns\"")
		fmt.Println("  crewpilot search databse --fuzzy")
	}
	rest, err := parseFlags(fs, args)
	if err != nil {
		return err
	}

	st := app.Styles
	query, err := search.ValidateQuery(strings.Join(rest, " "))
	if err != nil {
		if *jsonOutput {
			return err
		}
		app.println(st.Warn.Render(err.Error()))
		app.println(st.Muted.Render(searchUsage))
		return nil
	}
	if err := app.Layout.RequireInitialized(); err != nil {
		return withHint(errors.New("✗ No .team-config/ found"), ErrCodeNotInitialized,
			"Run crewpilot init to set up your project first.")
	}

	opts := search.Options{
		Limit:         app.Cfg.SearchLimit(),
		CaseSensitive: *caseSensitive,
		Fuzzy:         *fuzzy,
		RebuildIndex:  *rebuild,
	}
	if *limit > 0 {
		opts.Limit = *limit
	}

	if *rebuild && !*jsonOutput {
		app.println(st.Accent.Render("Rebuilding memory index..."))
	}
	resp, err := search.NewEngine(app.Layout).Search(ctx, query, opts)
	if err != nil {
		return err
	}
	if *jsonOutput {
		app.output(true).Print("", resp)
		return nil
	}

	if *rebuild {
		if resp.IndexError != nil {
			app.println(st.Warn.Render(fmt.Sprintf("%s Could not rebuild index: %v", warnSymbol, resp.IndexError)))
			app.println(st.Muted.Render("Continuing with search anyway..."))
		} else {
			app.println(st.OK.Render(successSymbol + " Index rebuilt"))
		}
	}
	app.printSearch(resp, opts)
	return nil
}

func (a *App) printSearch(resp *search.Response, opts search.Options) {
	st := a.Styles
	a.println(st.Accent.Render(fmt.Sprintf("\nSearching for: %q", resp.Query)))
	if opts.Fuzzy {
		a.println(st.Muted.Render("(fuzzy matching enabled)"))
	}
	a.println(st.Muted.Render(rule(50)))

	if resp.Searched == 0 {
		a.println(st.Warn.Render("\n" + warnSymbol + " No memory files found to search."))
		a.println(st.Muted.Render("Your .team-config/ directory may be empty."))
		return
	}

	if len(resp.Results) == 0 {
		a.println(st.Warn.Render("\n✗ No results found."))
		a.println(st.Muted.Render("\nSuggestions:"))
		if len(resp.Suggestions) > 0 {
			a.println(st.Muted.Render(fmt.Sprintf("  %s Related terms in your memory: %s", bulletSymbol, strings.Join(resp.Suggestions, ", "))))
		}
		for _, tip := range []string{
			"Try different keywords or synonyms",
			"Use shorter, more general terms",
			`Enable fuzzy matching: crewpilot search "term" --fuzzy`,
			"Check what files exist: crewpilot status",
		} {
			a.println(st.Muted.Render("  " + bulletSymbol + " " + tip))
		}
		return
	}

	a.println(st.OK.Render(fmt.Sprintf("\n%s Found %d %s with %d %s", successSymbol,
		resp.TotalFiles, plural(resp.TotalFiles, "file", "s"),
		resp.TotalMatches, plural(resp.TotalMatches, "match", "es"))))
	if resp.Truncated {
		a.println(st.Muted.Render(fmt.Sprintf("(showing top %d files)", len(resp.Results))))
	}
	for _, r := range resp.Results {
		fmt.Fprintln(a.Stdout, formatResult(st, r, resp.Query, opts.CaseSensitive))
	}

	if resp.TotalFiles < 3 && !opts.Fuzzy && len(resp.Query) > 4 {
		a.println(st.Muted.Render("\n💡 Tip: Try --fuzzy flag for approximate matching"))
	}
	if resp.TotalFiles > 10 && !opts.RebuildIndex {
		a.println(st.Muted.Render("💡 Tip: Use --rebuild-index for faster searches"))
	}
}

// formatResult renders one file: a header with the score, then every
// match with its numbered context and the match line marked by ">".
func formatResult(st Styles, r search.Result, query string, caseSensitive bool) string {
	var b strings.Builder
	b.WriteString(st.Accent.Render("\n" + r.File))
	b.WriteString(st.Muted.Render(fmt.Sprintf(" (score: %d, %d %s)", r.Score, len(r.Matches), plural(len(r.Matches), "match", "es"))))
	b.WriteString("\n")

	for _, m := range r.Matches {
		start := m.ContextStart()
		for i, line := range strings.Split(m.Context, "\n") {
			n := start + i
			prefix, content := " ", st.Muted.Render(line)
			if n == m.Line {
				prefix, content = st.OK.Render(">"), highlightTerms(st, line, query, caseSensitive)
			}
			fmt.Fprintf(&b, "%s %s │ %s\n", prefix, st.Muted.Render(fmt.Sprintf("%4d", n)), content)
		}
		if len(r.Matches) > 1 {
			b.WriteString(st.Muted.Render("  ...") + "\n")
		}
	}
	return strings.TrimSuffix(b.String(), "\n")
}

// highlightTerms styles every occurrence of the query words in line.
func highlightTerms(st Styles, line, query string, caseSensitive bool) string {
	words := search.QueryWords(query, caseSensitive)
	if len(words) == 0 {
		return line
	}
	quoted := make([]string, len(words))
	for i, w := range words {
		quoted[i] = regexp.QuoteMeta(w)
	}
	expr := "(" + strings.Join(quoted, "|") + ")"
	if !caseSensitive {
		expr = "(?i)" + expr
	}
	re, err := regexp.Compile(expr)
	if err != nil {
		return line
	}
	return re.ReplaceAllStringFunc(line, func(s string) string { return st.Match.Render(s) })
}

func handleIndex(ctx context.Context, app *App, args []string) error {
	fs := flag.NewFlagSet("index", flag.ContinueOnError)
	watchMode := fs.Bool("watch", false, "Keep rebuilding when memory documents change")
	jsonOutput := fs.Bool("json", false, "Output as JSON")
	fs.Usage = func() {
		fmt.Println("Usage: crewpilot index [--watch] [--json]")
		fmt.Println()
		fmt.Println("Rebuild .team-config/memory-index.json.")
	}
	if _, err := parseFlags(fs, args); err != nil {
		return err
	}
	layout := app.Layout
	if err := layout.RequireInitialized(); err != nil {
		return err
	}
	st := app.Styles

	if !*watchMode {
		ix, err := search.BuildIndex(layout, app.now())
		if err != nil {
			return err
		}
		app.output(*jsonOutput).Success(
			fmt.Sprintf("Index rebuilt: %d %s", len(ix.Entries), plural(len(ix.Entries), "document", "s")), ix)
		return nil
	}

	w := search.NewIndexWatcher(layout, func(ix *search.Index, err error) {
		ts := "[" + project.FormatTimestamp(app.now()) + "] "
		if err != nil {
			app.println(st.Warn.Render(fmt.Sprintf("%s%s Could not rebuild index: %v", ts, warnSymbol, err)))
			return
		}
		app.println(st.OK.Render(fmt.Sprintf("%s%s Index rebuilt (%d %s)", ts, successSymbol,
			len(ix.Entries), plural(len(ix.Entries), "document", "s"))))
	})
	if warning := w.Warning(); warning != "" {
		app.println(st.Warn.Render(warnSymbol + " " + warning))
	}
	app.println(st.Bold.Render("\n── Crewpilot Index ──\n"))
	app.println(st.Muted.Render("Watching: " + layout.TeamConfigDir()))
	app.println(st.Muted.Render("\nPress Ctrl+C to stop watching\n"))
	return w.Run(ctx)
}
