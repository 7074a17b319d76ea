package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"curricula/internal/app"
	"curricula/internal/config"
	"curricula/internal/document"
	"curricula/internal/domain"
	"curricula/internal/events"
	"curricula/internal/repo"
)

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.FromFile(path)
	}
	if p := viper.GetString("config"); p != "" {
		return config.FromFile(p)
	}
	return config.LoadOptional(viper.GetString("workspace"))
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Manage workspace configuration"}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	cfg.AddCommand(configUseCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default curricula.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return err
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig("")
			if err != nil {
				return err
			}
			data, err := cfg.Marshal()
			if err != nil {
				return err
			}
			_, err = os.Stdout.Write(data)
			return err
		},
	}
}

func configValidateCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate a configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(file)
			if err != nil {
				var cfgErr *config.Error
				if errors.As(err, &cfgErr) {
					return fmt.Errorf("invalid configuration: %w", err)
				}
				return err
			}
			weights := cfg.Weights()
			t := table.NewWriter()
			t.SetOutputMirror(os.Stdout)
			t.AppendHeader(table.Row{"Stakeholder", "Evaluator", "Weight"})
			for _, s := range cfg.Stakeholders {
				t.AppendRow(table.Row{s.ID, s.Evaluator, fmt.Sprintf("%.3f", weights[s.ID])})
			}
			t.Render()
			fmt.Println("configuration ok")
			return nil
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "file to validate (default: effective config)")
	return cmd
}

func configUseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "use <path>",
		Short: "Make a configuration file the workspace default via .env",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := filepath.Abs(args[0])
			if err != nil {
				return err
			}
			if _, err := config.FromFile(path); err != nil {
				return err
			}
			env := envPath(viper.GetString("workspace"))
			if err := setEnvValue(env, "CURRICULA_CONFIG", path); err != nil {
				return err
			}
			fmt.Printf("Set CURRICULA_CONFIG=%s in %s\n", path, env)
			return nil
		},
	}
}

func documentCmd() *cobra.Command {
	doc := &cobra.Command{Use: "document", Short: "Work with curriculum documents"}
	doc.AddCommand(documentInspectCmd())
	return doc
}

func documentInspectCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "Parse and validate a curriculum document",
		RunE: func(cmd *cobra.Command, args []string) error {
			if file == "" {
				return fmt.Errorf("--file required")
			}
			doc, err := document.ParseFile(file)
			if err != nil {
				return err
			}
			digest, err := doc.Digest()
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(map[string]any{"digest": digest, "document": doc})
			}
			fmt.Printf("Major: %s  Courses: %d  Credits: %g\nDigest: %s\n", doc.Metadata.Major, len(doc.Courses), doc.TotalCredits, digest)
			t := table.NewWriter()
			t.SetOutputMirror(os.Stdout)
			t.AppendHeader(table.Row{"ID", "Name", "Category", "Credits", "Semester", "Prerequisites"})
			for _, c := range doc.Courses {
				t.AppendRow(table.Row{c.ID, c.Name, c.Category, c.Credits, c.Semester, strings.Join(c.Prerequisites, ",")})
			}
			t.Render()
			return nil
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "document path")
	return cmd
}

func apiKeyCmd() *cobra.Command {
	keys := &cobra.Command{Use: "apikey", Short: "Manage API keys"}
	keys.AddCommand(apiKeyCreateCmd())
	keys.AddCommand(apiKeyListCmd())
	keys.AddCommand(apiKeyDeleteCmd())
	return keys
}

func apiKeyCreateCmd() *cobra.Command {
	var actor, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key; the key is printed once",
		RunE: func(cmd *cobra.Command, args []string) error {
			if actor == "" {
				actor = viper.GetString("actor-id")
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				secret := "cur_" + strings.ReplaceAll(uuid.NewString(), "-", "")
				key := domain.APIKey{
					ID:        uuid.NewString(),
					ActorID:   actor,
					Name:      name,
					KeyHash:   repo.HashAPIKey(secret),
					CreatedAt: time.Now().UTC().Format(time.RFC3339),
				}
				tx, err := a.DB.BeginTx(ctx, nil)
				if err != nil {
					return err
				}
				defer tx.Rollback()
				if err := a.Repo.InsertAPIKey(ctx, tx, key); err != nil {
					return err
				}
				if err := (events.Writer{}).Append(ctx, tx, events.Entry{
					Type:      events.APIKeyCreated,
					EntityRef: key.ID,
					ActorID:   viper.GetString("actor-id"),
					Payload:   events.Payload{"actor_id": actor, "name": name},
				}); err != nil {
					return err
				}
				if err := tx.Commit(); err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]string{"id": key.ID, "actor_id": actor, "key": secret})
				}
				fmt.Printf("API key %s for %s:\n%s\n", key.ID, actor, secret)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "actor the key authenticates as (default --actor-id)")
	cmd.Flags().StringVar(&name, "name", "", "key label")
	return cmd
}

func apiKeyListCmd() *cobra.Command {
	var actor string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				keys, err := a.Repo.ListAPIKeys(ctx, actor)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				t := table.NewWriter()
				t.SetOutputMirror(os.Stdout)
				t.AppendHeader(table.Row{"ID", "Actor", "Name", "Created"})
				for _, k := range keys {
					t.AppendRow(table.Row{k.ID, k.ActorID, k.Name, k.CreatedAt})
				}
				t.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "only keys of this actor")
	return cmd
}

func apiKeyDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				return a.Repo.DeleteAPIKey(ctx, args[0])
			})
		},
	}
}
