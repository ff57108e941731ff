package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/crewpilot/crewpilot/internal/notify"
)

func handlePush(ctx context.Context, app *App, args []string) error {
	if len(args) == 0 || args[0] == "help" || args[0] == "--help" || args[0] == "-h" {
		printPushHelp()
		return nil
	}
	sub, rest := args[0], args[1:]
	switch sub {
	case "keys":
		return handlePushKeys(app, rest)
	case "subscribe":
		return handlePushSubscribe(app, rest)
	case "list":
		return handlePushList(app, rest)
	case "remove":
		return handlePushRemove(app, rest)
	case "test":
		return handlePushTest(ctx, app, rest)
	}
	return usagef("unknown push command %q. Run crewpilot push help.", sub)
}

func printPushHelp() {
	fmt.Println("Usage: crewpilot push <command> [options]")
	fmt.Println()
	fmt.Println("Manage web-push notifications for --notify push|all.")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  keys [--subject S]          Show the VAPID public key, generating a keypair if needed")
	fmt.Println("  subscribe [--file F|-]      Register a PushSubscription JSON (stdin by default)")
	fmt.Println("  list                        List registered subscriptions")
	fmt.Println("  remove <endpoint>           Remove a subscription")
	fmt.Println("  test                        Send a test notification to every subscription")
}

func handlePushKeys(app *App, args []string) error {
	fs := flag.NewFlagSet("push keys", flag.ContinueOnError)
	subject := fs.String("subject", "", "VAPID subject (mailto: or https: URL)")
	jsonOutput := fs.Bool("json", false, "Output as JSON")
	if _, err := parseFlags(fs, args); err != nil {
		return err
	}
	keys, generated, err := notify.EnsureVAPIDKeys(app.Cfg.PushKeysPath(), firstNonEmpty(*subject, app.Cfg.PushSubject()))
	if err != nil {
		return err
	}
	if *jsonOutput {
		app.output(true).Print("", map[string]any{
			"publicKey": keys.PublicKey,
			"subject":   keys.Subject,
			"generated": generated,
		})
		return nil
	}
	st := app.Styles
	if generated {
		app.println(st.OK.Render(successSymbol + " Generated a new VAPID keypair"))
	}
	app.println(st.Muted.Render("Keys file: " + app.Cfg.PushKeysPath()))
	app.println(st.Muted.Render("Subject:   " + firstNonEmpty(keys.Subject, "(none)")))
	app.println("Public key:")
	app.println(st.Accent.Render(keys.PublicKey))
	return nil
}

func handlePushSubscribe(app *App, args []string) error {
	fs := flag.NewFlagSet("push subscribe", flag.ContinueOnError)
	file := fs.String("file", "-", "Subscription JSON file, - for stdin")
	label := fs.String("label", "", "Name shown by push list")
	if _, err := parseFlags(fs, args); err != nil {
		return err
	}
	layout := app.Layout
	if err := layout.RequireInitialized(); err != nil {
		return err
	}

	var raw string
	var err error
	if *file == "-" {
		raw, err = readAllLimited(app.Stdin, 64<<10)
	} else {
		raw, err = readSmallFile(*file)
	}
	if err != nil {
		return fmt.Errorf("read subscription: %w", err)
	}

	var sub notify.Subscription
	if err := json.Unmarshal([]byte(raw), &sub); err != nil {
		return usagef("invalid subscription JSON: %v", err)
	}
	if err := sub.Validate(); err != nil {
		return usagef("invalid subscription: %v", err)
	}
	if *label != "" {
		sub.Label = *label
	}
	if sub.AddedAt.IsZero() {
		sub.AddedAt = app.now().UTC()
	}
	if err := notify.NewSubscriptionStore(layout.PushSubscriptions()).Upsert(sub); err != nil {
		return err
	}
	app.println(app.Styles.OK.Render(successSymbol + " Subscription saved for " + endpointHost(sub.Endpoint)))
	return nil
}

func handlePushList(app *App, args []string) error {
	fs := flag.NewFlagSet("push list", flag.ContinueOnError)
	jsonOutput := fs.Bool("json", false, "Output as JSON")
	if _, err := parseFlags(fs, args); err != nil {
		return err
	}
	layout := app.Layout
	if err := layout.RequireInitialized(); err != nil {
		return err
	}
	subs, err := notify.NewSubscriptionStore(layout.PushSubscriptions()).List()
	if err != nil {
		return err
	}
	if *jsonOutput {
		if subs == nil {
			subs = []notify.Subscription{}
		}
		app.output(true).Print("", subs)
		return nil
	}
	st := app.Styles
	if len(subs) == 0 {
		app.println(st.Muted.Render("No push subscriptions registered."))
		return nil
	}
	for _, s := range subs {
		line := bulletSymbol + " " + endpointHost(s.Endpoint)
		if s.Label != "" {
			line += " " + st.Accent.Render("("+s.Label+")")
		}
		app.println(line)
		app.println(st.Muted.Render("  " + truncateWidth(s.Endpoint, app.width()-2)))
	}
	return nil
}

func handlePushRemove(app *App, args []string) error {
	fs := flag.NewFlagSet("push remove", flag.ContinueOnError)
	rest, err := parseFlags(fs, args)
	if err != nil {
		return err
	}
	if len(rest) != 1 {
		return usagef("Usage: crewpilot push remove <endpoint>")
	}
	layout := app.Layout
	if err := layout.RequireInitialized(); err != nil {
		return err
	}
	removed, err := notify.NewSubscriptionStore(layout.PushSubscriptions()).Remove(rest[0])
	if err != nil {
		return err
	}
	if !removed {
		return usagef("no subscription with endpoint %s", rest[0])
	}
	app.println(app.Styles.OK.Render(successSymbol + " Subscription removed"))
	return nil
}

func handlePushTest(ctx context.Context, app *App, args []string) error {
	fs := flag.NewFlagSet("push test", flag.ContinueOnError)
	if _, err := parseFlags(fs, args); err != nil {
		return err
	}
	layout := app.Layout
	if err := layout.RequireInitialized(); err != nil {
		return err
	}
	if _, err := notify.LoadVAPIDKeys(app.Cfg.PushKeysPath()); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return withHint(fmt.Errorf("no VAPID keys at %s", app.Cfg.PushKeysPath()), ErrCodeNotInitialized,
				"Run crewpilot push keys first.")
		}
		return err
	}
	subs, err := notify.NewSubscriptionStore(layout.PushSubscriptions()).List()
	if err != nil {
		return err
	}
	if len(subs) == 0 {
		return withHint(fmt.Errorf("no push subscriptions registered"), ErrCodeInvalidOperation,
			"Register one with crewpilot push subscribe.")
	}
	sink := app.pushSink()
	if sink == nil {
		return fmt.Errorf("push sink unavailable")
	}
	err = sink.Send(ctx, notify.Notification{
		Kind:    notify.KindQuestion,
		PaneID:  "test",
		Title:   "Crewpilot: " + layout.ProjectName(),
		Message: "Test notification from crewpilot push test",
		At:      app.now(),
	})
	if err != nil {
		return err
	}
	app.println(app.Styles.OK.Render(fmt.Sprintf("%s Test notification sent to %d %s",
		successSymbol, len(subs), plural(len(subs), "subscription", "s"))))
	return nil
}

// endpointHost shortens a push endpoint to its host for display.
func endpointHost(endpoint string) string {
	if u, err := url.Parse(endpoint); err == nil && u.Host != "" {
		return u.Host
	}
	return strings.TrimSpace(endpoint)
}
