package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"reimportd/internal/app"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

// errUnresolved makes the process exit non-zero without printing usage.
var errUnresolved = errors.New("some days are not reconciled")

type options struct {
	configPath string
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:           "reimportd",
		Short:         "Reconcile daily record counts and reimport the days the search store is missing",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", "./config.json", "path to config file (json or yaml)")

	root.AddCommand(
		RunCmd(opts),
		CheckCmd(opts),
		DaemonCmd(opts),
		JobsCmd(opts),
		VersionCmd(),
	)
	return root
}

// Execute runs the CLI and returns the process exit code.
func Execute() int {
	if err := newRootCmd().Execute(); err != nil {
		if !errors.Is(err, errUnresolved) {
			fmt.Fprintln(os.Stderr, "error:", err)
		}
		return 1
	}
	return 0
}

// withApp opens the app for a one-shot command and always stops it.
func withApp(opts *options, reason app.StopReason, fn func(a *app.App) error) error {
	a, err := app.Open(opts.configPath)
	if err != nil {
		return err
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = a.Stop(ctx, reason)
	}()
	return fn(a)
}
