package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/pairdesk/pairdesk/internal/app"
	"github.com/pairdesk/pairdesk/internal/bus"
	"github.com/pairdesk/pairdesk/internal/channel"
	"github.com/pairdesk/pairdesk/internal/config"
	"github.com/pairdesk/pairdesk/internal/desktop"
	"github.com/pairdesk/pairdesk/internal/identity"
	"github.com/pairdesk/pairdesk/internal/pairing"
	"github.com/pairdesk/pairdesk/internal/presence"
	"github.com/pairdesk/pairdesk/internal/reconnect"
	"github.com/pairdesk/pairdesk/internal/rtdb"
	"github.com/pairdesk/pairdesk/internal/schema"
	"github.com/pairdesk/pairdesk/internal/session"
	"github.com/pairdesk/pairdesk/internal/status"
	"github.com/pairdesk/pairdesk/internal/store"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

func main() {
	sessionFlag := flag.String("session", "", "session name (overrides config default)")
	flag.Parse()

	sessionName := session.Resolve(*sessionFlag)
	if err := session.ValidateName(sessionName); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	switch args[0] {
	case "demo":
		text := "open notepad"
		if len(args) > 1 {
			text = strings.Join(args[1:], " ")
		}
		cmdDemo(sessionName, text)
	case "status":
		cmdStatus(sessionName)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[0])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: pairdesk [--session <name>] <command>")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "commands:")
	fmt.Fprintln(os.Stderr, "  demo [text]    Run the pairing + relay protocol end to end in-process")
	fmt.Fprintln(os.Stderr, "  status         Show local identity and pairing history")
}

// cmdDemo walks the whole protocol in one process against the in-memory
// store: the desktop end issues a token and consumes commands, the mobile
// end pairs, sends a command and streams the status replies.
func cmdDemo(sessionName, text string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	rt := rtdb.NewMemory(schema.DefaultRules()...)

	// Desktop end, session-only identity, quiet logger.
	deskLogger := zap.NewNop()
	deskIdent := identity.NewManager(nil, schema.RoleDesktop, deskLogger)
	deskBus := bus.New()
	deskClient := channel.New(
		rt, deskIdent, status.NewMachine(deskBus),
		reconnect.New(reconnect.DefaultPolicy, deskBus, deskLogger),
		presence.NewUpdater(rt, deskIdent, deskLogger),
		deskBus, deskLogger,
	)
	agent := desktop.NewAgent(rt, deskIdent, deskClient, demoHandler, deskLogger)

	token, err := desktop.IssueToken(ctx, rt, deskIdent.DeviceID(), time.Now())
	if err != nil {
		fatal(err)
	}
	qr, err := desktop.TokenQR(token.Token)
	if err != nil {
		fatal(err)
	}
	fmt.Println("Desktop issued pairing token:")
	fmt.Println(qr)
	fmt.Printf("  %s\n\n", token.Token)

	paired := make(chan struct{})
	go func() {
		if _, err := agent.WaitForPairing(ctx, token.Token); err != nil {
			fatal(err)
		}
		close(paired)
	}()

	// Mobile end, composed the way the real app embeds the core.
	var (
		pairer *pairing.Pairer
		client *channel.Client
	)
	fxApp := fx.New(
		app.Module(app.Params{
			SessionName: sessionName,
			Role:        schema.RoleMobile,
			Store:       rt,
			Config:      &config.Config{},
		}),
		fx.Populate(&pairer, &client),
		fx.NopLogger,
	)
	if err := fxApp.Start(ctx); err != nil {
		fatal(err)
	}
	defer func() { _ = fxApp.Stop(context.Background()) }()

	scanned, ok := pairing.ExtractToken(token.Token)
	if !ok {
		fatal(fmt.Errorf("scanned text is not a pairing code"))
	}
	result := pairer.SubmitToken(ctx, scanned)
	fmt.Printf("Pairing: %s\n", result.Message)
	if !result.Success {
		os.Exit(1)
	}
	<-paired

	stopAgent, err := agent.Run(ctx)
	if err != nil {
		fatal(err)
	}
	defer stopAgent()

	if err := client.Connect(ctx); err != nil {
		fatal(err)
	}

	done := make(chan struct{})
	unsubscribe := client.ListenForStatus(func(msg schema.Message) {
		switch msg.Kind {
		case schema.KindStatus:
			fmt.Printf("  [status] %s\n", msg.Body)
		case schema.KindProgress:
			fmt.Printf("  [%3d%%] %s\n", msg.Progress, msg.Body)
		case schema.KindError:
			fmt.Printf("  [error] %s: %s\n", msg.Body, msg.ErrMsg)
		case schema.KindCompletion:
			fmt.Printf("  [done] %s\n", msg.Body)
			close(done)
		case schema.KindCommand:
			// Commands never land in a status inbox.
		}
	})
	defer unsubscribe()

	fmt.Printf("\nSending command: %q\n", text)
	msgID, err := client.SendCommand(ctx, text)
	if err != nil {
		fatal(err)
	}
	fmt.Printf("Command accepted as %s\n", msgID)

	select {
	case <-done:
	case <-ctx.Done():
		fatal(ctx.Err())
	}
}

// demoHandler is the stand-in command executor: it narrates progress and
// completes without touching the host.
func demoHandler(_ context.Context, text string, emit *desktop.Emitter) {
	_ = emit.Status(fmt.Sprintf("received %q", text))
	for _, pct := range []int{25, 50, 75} {
		_ = emit.Progress("working", pct)
	}
	_ = emit.Completed(fmt.Sprintf("finished %q", text))
}

func cmdStatus(sessionName string) {
	logger := zap.NewNop()
	db, err := store.Open(session.DBPath(sessionName))
	if err != nil {
		fatal(err)
	}
	defer func() { _ = db.Close() }()
	if _, err := db.Migrate(); err != nil {
		fatal(err)
	}

	ident := identity.NewManager(db, schema.RoleMobile, logger)
	fmt.Printf("Session:   %s\n", sessionName)
	fmt.Printf("Device ID: %s\n", ident.DeviceID())
	if counterpart := ident.PairedWith(); counterpart != "" {
		fmt.Printf("Paired:    yes (%s)\n", counterpart)
	} else {
		fmt.Println("Paired:    no")
	}

	events, err := db.ListPairingLog(10)
	if err != nil {
		fatal(err)
	}
	if len(events) > 0 {
		fmt.Println("\nPairing history:")
		for _, e := range events {
			at := time.UnixMilli(e.CreatedAt).Format(time.RFC3339)
			fmt.Printf("  %s  %-9s %s\n", at, e.Event, e.Counterpart)
		}
	}
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}
