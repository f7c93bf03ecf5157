package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"reimportd/internal/app"
	"reimportd/internal/storage"
)

func JobsCmd(opts *options) *cobra.Command {
	jobs := &cobra.Command{
		Use:   "jobs",
		Short: "Inspect and edit update sessions in the job-status store",
	}

	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List the most recent update sessions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(opts, app.StopCommand, func(a *app.App) error {
				st, err := a.Store()
				if err != nil {
					return err
				}
				sessions, err := st.ListSessions(cmd.Context(), limit)
				if err != nil {
					return fmt.Errorf("list sessions: %w", err)
				}
				if len(sessions) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "no sessions")
					return nil
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tNAME\tSTATUS\tFROM\tTO\tUPDATED")
				for _, s := range sessions {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", s.ID, s.Name, s.Status,
						s.From.UTC().Format(time.DateTime), s.To.UTC().Format(time.DateTime),
						s.Updated.Local().Format(time.DateTime))
				}
				return tw.Flush()
			})
		},
	}
	list.Flags().IntVar(&limit, "limit", 20, "maximum number of sessions to print")

	mark := &cobra.Command{
		Use:   "mark ID STATUS",
		Short: "Set the status of a session (ready, running, finished)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			status, err := storage.ParseStatus(args[1])
			if err != nil {
				return err
			}
			return withApp(opts, app.StopCommand, func(a *app.App) error {
				st, err := a.Store()
				if err != nil {
					return err
				}
				if err := st.SetSessionStatus(cmd.Context(), args[0], status); err != nil {
					return fmt.Errorf("mark %s: %w", args[0], err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s -> %s\n", args[0], status)
				return nil
			})
		},
	}

	jobs.AddCommand(list, mark)
	return jobs
}

func VersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "reimportd", version)
		},
	}
}
