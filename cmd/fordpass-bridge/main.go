// The bridge daemon: authenticates, discovers vehicles and keeps the state
// tree in sync until terminated.

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/openfordpass/bridge/pkg/bridge"
	"github.com/openfordpass/bridge/pkg/cli"
)

func usage() {
	w := flag.CommandLine.Output()
	fmt.Fprintf(w, "usage: %s [options]\n", filepath.Base(os.Args[0]))
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Runs the FordPass bridge daemon. The account password is taken from")
	fmt.Fprintf(w, "$%s, the system keyring, or an interactive prompt.\n", cli.EnvPassword)
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
	flag.Usage = usage
	flag.Parse()
	config.ReadFromEnvironment()

	logger := config.Logger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := config.Store(ctx, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open state store: %s\n", err)
		return
	}

	b := bridge.New(config.BridgeConfig(), store, logger)
	if err := b.Run(ctx); err != nil {
		// A persisted session may carry the bridge without credentials; only
		// prompt and retry when credentials could actually help.
		if cerr := config.LoadCredentials(); cerr != nil {
			fmt.Fprintf(os.Stderr, "Bridge failed to start: %s\n", err)
			return
		}
		b = bridge.New(config.BridgeConfig(), store, logger)
		if err := b.Run(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "Bridge failed to start: %s\n", err)
			return
		}
	}

	<-ctx.Done()
	b.Shutdown(context.Background())
	returnCode = 0
}
