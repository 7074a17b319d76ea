package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"curricula/internal/app"
	"curricula/internal/observability"
)

var rootCmd = &cobra.Command{
	Use:   "cur",
	Short: "Curricula CLI",
	Long: `Curricula improves a degree curriculum through rounds of stakeholder review.
Core concepts:
- Workspace: a directory holding curricula.yml and the .curricula state database.
- Document: the curriculum (metadata, courses, prerequisites, skills); JSON, YAML or a CSV course table.
- Stakeholders: weighted reviewers (students, faculty, industry, administration, accreditation) that propose changes each round.
- Round: collect suggestions concurrently, detect conflicts, mediate, apply, then check convergence.
- Run: rounds until the curriculum converges, stagnates or hits the round limit; every round is versioned and audited.
- Event log: run.started, round.committed, round.failed and run.finished entries, view with 'cur runs events'.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return loadDotEnv(viper.GetString("workspace"))
	},
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		stop()
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("CURRICULA")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	flags := rootCmd.PersistentFlags()
	flags.StringP("workspace", "w", ".", "workspace directory")
	flags.StringP("config", "c", "", "configuration file (default <workspace>/curricula.yml)")
	flags.Bool("json", false, "output JSON")
	flags.String("actor-id", "local-user", "actor identifier")
	flags.String("log-level", "info", "log level (debug, info, warn, error)")
	flags.Bool("log-json", false, "log as JSON")
	for _, name := range []string{"workspace", "config", "json", "actor-id", "log-level", "log-json"} {
		_ = viper.BindPFlag(name, flags.Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(runsCmd())
	rootCmd.AddCommand(documentCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(apiKeyCmd())
	rootCmd.AddCommand(serveCmd())
}

// loadDotEnv exports <workspace>/.env without overriding the environment.
func loadDotEnv(workspace string) error {
	path := envPath(workspace)
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return godotenv.Load(path)
}

func envPath(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, ".env")
}

// setEnvValue rewrites one key of a dotenv file, keeping the others.
func setEnvValue(path, key, value string) error {
	values, err := godotenv.Read(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return err
		}
		values = map[string]string{}
	}
	values[key] = value
	return godotenv.Write(values, path)
}

func newLogger() *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(viper.GetString("log-level"))); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if viper.GetBool("log-json") {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

// --- helpers ---

func openApp(ctx context.Context, metrics *observability.Instruments) (*app.Context, error) {
	logger := newLogger()
	slog.SetDefault(logger)
	return app.Open(ctx, app.Options{
		Workspace:  viper.GetString("workspace"),
		ConfigPath: viper.GetString("config"),
		Logger:     logger,
		Metrics:    metrics,
	})
}

func withApp(ctx context.Context, fn func(context.Context, *app.Context) error) error {
	a, err := openApp(ctx, nil)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
