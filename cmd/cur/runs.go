package main

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"curricula/internal/app"
	"curricula/internal/repo"
	"curricula/internal/report"
)

func runsCmd() *cobra.Command {
	runs := &cobra.Command{Use: "runs", Short: "Inspect recorded runs"}
	runs.AddCommand(runsListCmd())
	runs.AddCommand(runsShowCmd())
	runs.AddCommand(runsReportCmd())
	runs.AddCommand(runsRoundsCmd())
	runs.AddCommand(runsVersionCmd())
	runs.AddCommand(runsEventsCmd())
	return runs
}

func runsListCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				items, err := a.Repo.ListRuns(ctx, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				t := table.NewWriter()
				t.SetOutputMirror(os.Stdout)
				t.AppendHeader(table.Row{"ID", "Major", "Status", "Outcome", "Reason", "Rounds", "Updated"})
				for _, r := range items {
					t.AppendRow(table.Row{r.ID, r.Major, r.Status, r.Outcome, r.StopReason, r.Rounds, r.UpdatedAt})
				}
				t.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "number of runs")
	return cmd
}

func runsShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				run, err := a.Repo.GetRun(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(run)
				}
				t := table.NewWriter()
				t.SetOutputMirror(os.Stdout)
				t.AppendRows([]table.Row{
					{"ID", run.ID},
					{"Major", run.Major},
					{"Status", run.Status},
					{"Outcome", run.Outcome},
					{"Stop reason", run.StopReason},
					{"Rounds", run.Rounds},
					{"Final digest", run.FinalDigest},
					{"Error", run.Error},
					{"Created", run.CreatedAt},
					{"Updated", run.UpdatedAt},
				})
				t.Render()
				return nil
			})
		},
	}
}

func runsReportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "report <run-id>",
		Short: "Print the final report of a finished run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				rep, err := a.Repo.GetReport(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return report.RenderJSON(os.Stdout, rep)
				}
				return report.RenderText(os.Stdout, rep)
			})
		},
	}
}

func runsRoundsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rounds <run-id>",
		Short: "List the committed rounds of a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				rounds, err := a.Repo.ListRounds(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(rounds)
				}
				t := table.NewWriter()
				t.SetOutputMirror(os.Stdout)
				t.AppendHeader(table.Row{"Round", "Conflicts", "Actions", "Deferred", "Aggregate", "Consensus", "Digest"})
				for _, r := range rounds {
					t.AppendRow(table.Row{
						r.Number,
						r.Metrics.ConflictCount,
						r.Metrics.Delta,
						r.Metrics.Pending,
						fmt.Sprintf("%.3f", r.Metrics.Aggregate),
						fmt.Sprintf("%.2f", r.Metrics.Consensus),
						r.Digest,
					})
				}
				t.Render()
				return nil
			})
		},
	}
}

func runsVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version <run-id> <n>",
		Short: "Print document version n of a run (0 is the baseline)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := strconv.Atoi(args[1])
			if err != nil || n < 0 {
				return fmt.Errorf("invalid version %q", args[1])
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				doc, digest, err := a.Repo.GetVersion(ctx, args[0], n)
				if err != nil {
					return err
				}
				if !viper.GetBool("json") {
					fmt.Fprintf(os.Stderr, "digest: %s\n", digest)
				}
				return printJSON(doc)
			})
		},
	}
}

func runsEventsCmd() *cobra.Command {
	var (
		evtType string
		limit   int
		after   int64
	)
	cmd := &cobra.Command{
		Use:   "events <run-id>",
		Short: "List audit events of a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				items, err := a.Repo.ListEvents(ctx, repo.EventFilter{RunID: args[0], Type: evtType, After: after, Limit: limit})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				t := table.NewWriter()
				t.SetOutputMirror(os.Stdout)
				t.AppendHeader(table.Row{"ID", "Time", "Type", "Round", "Entity", "Actor"})
				for _, e := range items {
					t.AppendRow(table.Row{e.ID, e.TS, e.Type, e.Round, e.EntityRef, e.ActorID})
				}
				t.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().IntVar(&limit, "limit", 100, "number of events")
	cmd.Flags().Int64Var(&after, "after", 0, "only events with a larger id")
	return cmd
}
