// Utility for running the interactive FordPass login once and persisting the
// resulting session, so the bridge daemon can start without credentials.

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/openfordpass/bridge/pkg/auth"
	"github.com/openfordpass/bridge/pkg/cli"
	"github.com/openfordpass/bridge/pkg/fordapi"
	"github.com/openfordpass/bridge/pkg/session"
)

func usage() {
	w := flag.CommandLine.Output()
	fmt.Fprintf(w, "usage: %s -username email [options]\n", filepath.Base(os.Args[0]))
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Logs in to FordPass, stores the session in the configured state store and")
	fmt.Fprintln(w, "optionally enrolls the password in the system keyring.")
	fmt.Fprintln(w, "")
	flag.PrintDefaults()
}

func main() {
	returnCode := 1
	defer func() {
		os.Exit(returnCode)
	}()

	config := cli.NewConfig()
	config.RegisterCommandLineFlags()
	savePassword := flag.Bool("save-password", false, "Enroll the password in the system keyring on success")
	flag.Usage = usage
	flag.Parse()
	config.ReadFromEnvironment()

	logger := config.Logger()

	if err := config.LoadCredentials(); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load credentials: %s\n", err)
		return
	}

	ctx := context.Background()
	store, err := config.Store(ctx, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open state store: %s\n", err)
		return
	}

	bc := config.BridgeConfig()
	api := fordapi.NewClient(bc.API, logger)
	sessions := session.NewStore(store)
	flow := auth.NewFlow(bc.Auth, api, sessions, logger)

	sess, err := flow.Login(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Login failed: %s\n", err)
		return
	}
	if err := sessions.SetSession(ctx, sess); err != nil {
		fmt.Fprintf(os.Stderr, "Could not persist session: %s\n", err)
		return
	}

	telemetry, err := flow.ExchangeTelemetryToken(ctx, sess)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Telemetry token exchange failed: %s\n", err)
		return
	}
	if err := sessions.SetTelemetry(ctx, telemetry); err != nil {
		fmt.Fprintf(os.Stderr, "Could not persist telemetry token: %s\n", err)
		return
	}

	if *savePassword {
		if err := config.SavePasswordToKeyring(config.Password); err != nil {
			fmt.Fprintf(os.Stderr, "Could not save password to keyring: %s\n", err)
			return
		}
	}

	fmt.Printf("Login succeeded; session valid until %s\n", sess.ExpiresAt.Format("2006-01-02 15:04:05"))
	returnCode = 0
}
