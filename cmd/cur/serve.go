package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"curricula/internal/app"
	"curricula/internal/server"
)

func serveCmd() *cobra.Command {
	var (
		addr, basePath string
		devLogin       bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx, nil)
			if err != nil {
				return err
			}
			defer a.Close()

			secret := a.Config.Server.JWTSecret
			if env := os.Getenv("CURRICULA_JWT_SECRET"); env != "" {
				secret = env
			}
			if secret == "" {
				return fmt.Errorf("CURRICULA_JWT_SECRET (or server.jwt_secret) is required for bearer auth")
			}
			launcher := app.NewLauncher(a)
			handler, err := server.New(server.Config{
				App:      a,
				Launcher: launcher,
				BasePath: basePath,
				Auth:     server.AuthConfig{JWTSecret: secret, AllowDevLogin: devLogin},
				Logger:   a.Logger.With("component", "server"),
			})
			if err != nil {
				return err
			}
			hooks := server.NewWebhookDispatcher(a.Repo, a.Config.Webhooks, a.Logger.With("component", "webhooks"))
			go hooks.Run(ctx)

			srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				_ = srv.Shutdown(shutdownCtx)
				if err := launcher.Shutdown(shutdownCtx); err != nil {
					a.Logger.Warn("runs still active at shutdown", "err", err)
				}
			}()
			fmt.Printf("Serving Curricula API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			launcher.Wait()
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&devLogin, "dev-login", false, "enable POST /auth/dev/login")
	return cmd
}
