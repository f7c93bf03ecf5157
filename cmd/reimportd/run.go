package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"reimportd/internal/app"
	"reimportd/internal/reimport"
)

func RunCmd(opts *options) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "run FROM TO",
		Short: "Check every day from FROM up to TO and reimport the short ones",
		Long: "Check every day d with FROM <= d < TO, reimport the days the downstream store is short on,\n" +
			"re-check them after each finished reimport and wait until nothing is left to do.",
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			return withApp(opts, app.StopRunDone, func(a *app.App) error {
				from, err := reimport.ParseDay(a.DateLayout(), args[0])
				if err != nil {
					return fmt.Errorf("FROM: %w", err)
				}
				to, err := reimport.ParseDay(a.DateLayout(), args[1])
				if err != nil {
					return fmt.Errorf("TO: %w", err)
				}

				sum, runErr := a.RunRange(ctx, from, to)
				if asJSON {
					enc := json.NewEncoder(cmd.OutOrStdout())
					enc.SetIndent("", "  ")
					if err := enc.Encode(sum); err != nil {
						return err
					}
				} else {
					printSummary(cmd.OutOrStdout(), sum)
				}
				if runErr != nil {
					return runErr
				}
				if !sum.OK() {
					return errUnresolved
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the summary as JSON")
	return cmd
}

func printSummary(w io.Writer, sum app.RunSummary) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "DAY\tCHECKS\tAUTHORITATIVE\tDOWNSTREAM\tDELTA\tVERDICT")
	for _, r := range sum.Reports {
		verdict := string(r.Verdict)
		if r.Error != "" {
			verdict = "error: " + r.Error
		}
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\t%s\n",
			r.Day, r.Checks, r.Diff.Authoritative, r.Diff.Downstream, r.Diff.Delta, verdict)
	}
	_ = tw.Flush()

	for _, u := range sum.Unresolved {
		fmt.Fprintf(w, "unresolved %s: %s after %d attempt(s)", u.Range, u.State, u.Attempts)
		if u.Error != "" {
			fmt.Fprintf(w, " (%s)", u.Error)
		}
		fmt.Fprintln(w)
	}
	c := sum.Counters
	fmt.Fprintf(w, "days=%d reimports=%d finished=%d exhausted=%d failed=%d denied=%d elapsed=%s\n",
		sum.Days, c.Enqueued, c.Finished, c.Exhausted, c.Failed, c.Denied, sum.Elapsed.Round(time.Millisecond))
}

func CheckCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "check DAY",
		Short: "Print both counts for DAY without scheduling anything",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(opts, app.StopCommand, func(a *app.App) error {
				day, err := reimport.ParseDay(a.DateLayout(), args[0])
				if err != nil {
					return err
				}
				ctx, cancel := context.WithCancel(cmd.Context())
				defer cancel()
				d, err := a.CheckDay(ctx, day)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "day=%s authoritative=%d downstream=%d delta=%d\n",
					d.Day, d.Authoritative, d.Downstream, d.Delta)
				return nil
			})
		},
	}
}
