// File: cmd/devserver/main.go
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"companion-session/internal/config"
	"companion-session/internal/infra/adapters/ai"
	"companion-session/internal/infra/devserver"
	"companion-session/internal/infra/logging"
	"companion-session/internal/infra/metrics"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var (
	version = "dev"
	commit  = "none"
)

func main() {
	var (
		configPath string
		dev        bool
	)
	root := &cobra.Command{
		Use:          "devserver",
		Short:        "Local companion backend for development and tests",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "config.yaml", "path to YAML config file")
	root.PersistentFlags().BoolVar(&dev, "dev", true, "console logging")

	load := func() (*config.Config, error) {
		return config.LoadConfig(configPath, dev)
	}
	root.AddCommand(newServeCmd(load), newTokenCmd(load))

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newServeCmd(load func() (*config.Config, error)) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.DevServer.Addr = addr
			}
			logger := logging.New(cfg.Log, cfg.Runtime.Dev)
			metrics.MustRegister()
			metrics.SetBuildInfo("devserver", version, commit)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			var respond devserver.Responder
			r, err := ai.New(ctx, cfg.DevServer.Responder)
			if err != nil {
				return err
			}
			if r != nil {
				respond = r
			}
			logger.Info().Str("responder", cfg.DevServer.Responder.Provider).Msg("companion replies")

			srv := devserver.New(cfg.DevServer, respond, logger)
			srv.Start(ctx)
			defer srv.Stop()

			httpSrv := &http.Server{
				Addr:              cfg.DevServer.Addr,
				Handler:           srv.Handler(),
				ReadHeaderTimeout: 5 * time.Second,
			}
			eg, gctx := errgroup.WithContext(ctx)
			eg.Go(func() error {
				logger.Info().Str("addr", httpSrv.Addr).Msg("devserver listening")
				if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
			eg.Go(func() error {
				<-gctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				logger.Info().Msg("shutting down")
				return httpSrv.Shutdown(shutdownCtx)
			})
			return eg.Wait()
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides dev_server.addr)")
	return cmd
}

func newTokenCmd(load func() (*config.Config, error)) *cobra.Command {
	var (
		userID string
		admin  bool
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint an access/refresh token pair for a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			role := devserver.RoleUser
			if admin {
				role = devserver.RoleAdmin
			}
			access, refresh, err := devserver.NewAuthManager(cfg.DevServer.JWTSecret, cfg.DevServer.TokenTTL).Mint(userID, role)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "COMPANION_USER_ID=%s\n", userID)
			fmt.Fprintf(out, "COMPANION_ACCESS_TOKEN=%s\n", access)
			fmt.Fprintf(out, "COMPANION_REFRESH_TOKEN=%s\n", refresh)
			return nil
		},
	}
	cmd.Flags().StringVar(&userID, "user", "demo-user", "user id (token subject)")
	cmd.Flags().BoolVar(&admin, "admin", false, "mint an admin token")
	return cmd
}
