package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"curricula/internal/app"
	"curricula/internal/document"
	"curricula/internal/domain"
	"curricula/internal/observability"
	"curricula/internal/report"
)

func runCmd() *cobra.Command {
	var (
		docPath   string
		major     string
		maxRounds int
		threshold float64
		epsilon   float64
		timeout   time.Duration
		metrics   bool
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Optimize a curriculum document",
		RunE: func(cmd *cobra.Command, args []string) error {
			if docPath == "" {
				return fmt.Errorf("--document required")
			}
			doc, err := document.ParseFile(docPath)
			if err != nil {
				return err
			}

			reader := sdkmetric.NewManualReader()
			provider := observability.NewProvider(reader)
			defer provider.Shutdown(context.Background())
			inst, err := observability.New(provider)
			if err != nil {
				return err
			}

			a, err := openApp(cmd.Context(), inst)
			if err != nil {
				return err
			}
			defer a.Close()

			o := app.Overrides{MaxRounds: maxRounds, PerCallTimeout: timeout, Major: major}
			if cmd.Flags().Changed("threshold") {
				o.Threshold = &threshold
			}
			if cmd.Flags().Changed("epsilon") {
				o.Epsilon = &epsilon
			}
			cfg := o.Apply(a.Config)
			baseline, err := app.PrepareBaseline(cfg, doc)
			if err != nil {
				return err
			}
			eng, err := a.Engine(cfg, viper.GetString("actor-id"))
			if err != nil {
				return err
			}

			rep, runErr := eng.Start(cmd.Context(), baseline)
			if rep.RunID == "" {
				return runErr
			}
			if viper.GetBool("json") {
				if err := report.RenderJSON(os.Stdout, rep); err != nil {
					return err
				}
			} else if err := report.RenderText(os.Stdout, rep); err != nil {
				return err
			}
			if metrics {
				if err := printMetrics(context.Background(), reader); err != nil {
					return err
				}
			}
			switch {
			case errors.Is(runErr, context.Canceled):
				return fmt.Errorf("run %s cancelled after %d rounds", rep.RunID, rep.Rounds)
			case runErr != nil:
				return fmt.Errorf("run %s failed: %w", rep.RunID, runErr)
			case rep.Outcome == domain.OutcomeFailed:
				return fmt.Errorf("run %s failed", rep.RunID)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&docPath, "document", "d", "", "baseline curriculum (.json, .yaml, .yml or .csv)")
	cmd.Flags().StringVar(&major, "major", "", "major name (overrides document and config)")
	cmd.Flags().IntVar(&maxRounds, "max-rounds", 0, "maximum rounds (0 keeps the configured value)")
	cmd.Flags().Float64Var(&threshold, "threshold", 0, "convergence threshold")
	cmd.Flags().Float64Var(&epsilon, "epsilon", 0, "stagnation epsilon")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "per stakeholder call timeout")
	cmd.Flags().BoolVar(&metrics, "metrics", false, "print run metrics")
	return cmd
}

func printMetrics(ctx context.Context, reader sdkmetric.Reader) error {
	totals, err := observability.Totals(ctx, reader)
	if err != nil {
		return err
	}
	names := make([]string, 0, len(totals))
	for name := range totals {
		names = append(names, name)
	}
	sort.Strings(names)
	if viper.GetBool("json") {
		return printJSON(totals)
	}
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetTitle("Metrics")
	t.AppendHeader(table.Row{"Metric", "Value"})
	for _, name := range names {
		t.AppendRow(table.Row{name, fmt.Sprintf("%g", totals[name])})
	}
	t.Render()
	return nil
}
