package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"switchboard/internal/metrics"
	"switchboard/internal/server"
)

func serveCmd() *cobra.Command {
	var addr, basePath string
	var noSweep, noRelay bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server with the audit relay and maintenance sweeps",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			logger := slog.Default()

			m := metrics.New()
			ws, err := openWorkspace(ctx, m)
			if err != nil {
				return err
			}
			defer ws.Close()
			if ws.Config.Auth.JWTSecret == "" {
				logger.Warn("SWITCHBOARD_JWT_SECRET not set; only API keys can authenticate")
			}
			if ws.Config.Approval.SigningSecret == "" {
				logger.Warn("SWITCHBOARD_APPROVAL_SECRET not set; approval tokens cannot be issued")
			}

			handler, err := server.New(server.Config{
				Engine:   ws.Engine,
				Ingress:  ws.Pipeline(),
				Metrics:  m,
				BasePath: basePath,
				Auth: server.AuthConfig{
					JWTSecret:   ws.Config.Auth.JWTSecret,
					AdminEmails: ws.Config.Auth.AdminEmails,
					Logger:      logger,
				},
			})
			if err != nil {
				return err
			}

			if !noRelay {
				rl, closeRelay, err := ws.Relay()
				if err != nil {
					return err
				}
				defer closeRelay()
				if rl.Len() > 0 {
					go func() {
						if err := rl.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
							logger.Error("audit relay stopped", "err", err)
						}
					}()
					logger.Info("audit relay started", "sinks", rl.Len())
				}
			}
			if !noSweep {
				sw := ws.Sweeper()
				if err := sw.Start(ctx, ws.Config.Sweep); err != nil {
					return err
				}
				defer func() {
					stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					sw.Stop(stopCtx)
				}()
			}

			srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(shutdownCtx)
			}()
			logger.Info("serving switchboard api", "addr", "http://"+addr+basePath, "openapi", basePath+"/openapi.json", "docs", "/docs")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v1", "API base path")
	cmd.Flags().BoolVar(&noSweep, "no-sweep", false, "disable stale-running recovery and lease watch jobs")
	cmd.Flags().BoolVar(&noRelay, "no-relay", false, "disable the audit relay")
	return cmd
}
