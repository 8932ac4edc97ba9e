// File: cmd/app/wire.go
package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"companion-session/internal/config"
	"companion-session/internal/domain/ports/repository"
	"companion-session/internal/infra/auth"
	"companion-session/internal/infra/backend"
	"companion-session/internal/infra/db/postgres"
	"companion-session/internal/infra/i18n"
	"companion-session/internal/infra/logging"
	"companion-session/internal/infra/memory"
	"companion-session/internal/infra/metrics"
	red "companion-session/internal/infra/redis"
	"companion-session/internal/infra/sched"
	"companion-session/internal/infra/security"
	"companion-session/internal/infra/sqlite"
	"companion-session/internal/usecase"

	"github.com/rs/zerolog"
)

// app holds the wired components of one CLI invocation.
type app struct {
	cfg     *config.Config
	log     *zerolog.Logger
	store   repository.LocalStateRepository
	tokens  *auth.Source
	client  *backend.Client
	ledger  usecase.LedgerUseCase
	session usecase.SessionUseCase

	closers []func() error
}

func buildApp(ctx context.Context, flags *rootFlags) (*app, error) {
	cfg, err := config.LoadConfig(flags.configPath, flags.dev)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if flags.mode != "" {
		cfg.Chat.Mode = flags.mode
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	logger := logging.New(cfg.Log, cfg.Runtime.Dev)
	tr = i18n.Load(cfg.UI.Lang)
	metrics.MustRegister()
	metrics.SetBuildInfo("companion", version, commit)

	a := &app{cfg: cfg, log: logger}
	if err := a.openStore(ctx); err != nil {
		return nil, err
	}
	if key := cfg.Store.EncryptionKey; key != "" {
		sealed, err := security.NewSealedStateRepo(a.store, key)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.store = sealed
	}

	a.tokens = auth.NewSource(a.store, cfg.Backend.BaseURL+cfg.Backend.RefreshPath, &http.Client{Timeout: cfg.Backend.Timeout}, logger)
	if err := a.tokens.Seed(ctx, cfg.Auth.AccessToken, cfg.Auth.RefreshToken); err != nil {
		a.Close()
		return nil, fmt.Errorf("store tokens: %w", err)
	}
	if cfg.Auth.UserID == "" {
		// fall back to the subject of a JWT access token
		if tok, err := a.store.Get(ctx, repository.KeyAccessToken); err == nil {
			cfg.Auth.UserID = auth.Subject(tok)
		}
	}

	a.client, err = backend.NewClient(cfg.Backend, a.tokens, logger)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.ledger = usecase.NewLedgerUseCase(a.client, cfg.Auth.UserID, cfg.Credits, logger)
	identity := usecase.NewIdentityUseCase(a.client, a.store, logger)
	refill := sched.NewRefillWorker(cfg.Refill.PollInterval, cfg.Refill.PollOnStart, a.ledger, logger)
	a.session = usecase.NewSessionUseCase(a.client, identity, a.ledger, a.tokens, a.store, refill, usecase.SessionConfigFrom(cfg), logger)
	a.closers = append([]func() error{func() error { a.session.Close(); return nil }}, a.closers...)
	return a, nil
}

func (a *app) openStore(ctx context.Context) error {
	switch a.cfg.Store.Driver {
	case "memory":
		a.store = memory.NewStateRepo()
	case "redis":
		cli, err := red.NewClient(ctx, &a.cfg.Store.Redis)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		a.store = red.NewStateRepo(cli, "companion:", a.cfg.Store.Redis.TTL)
		a.closers = append(a.closers, cli.Close)
	case "postgres":
		pool, err := postgres.Connect(ctx, a.cfg.Store.PostgresURL)
		if err != nil {
			return err
		}
		repo := postgres.NewStateRepo(pool, a.cfg.Store.Namespace)
		if err := repo.Migrate(ctx); err != nil {
			pool.Close()
			return err
		}
		a.store = repo
		a.closers = append(a.closers, func() error { pool.Close(); return nil })
	default:
		repo, err := sqlite.NewStateRepo(a.cfg.Store.SQLitePath)
		if err != nil {
			return fmt.Errorf("sqlite: %w", err)
		}
		a.store = repo
		a.closers = append(a.closers, repo.Close)
	}
	return nil
}

// metricsServer returns the /metrics listener, or nil when metrics.addr is empty.
func (a *app) metricsServer() *http.Server {
	if a.cfg.Metrics.Addr == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	return &http.Server{Addr: a.cfg.Metrics.Addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
}

func (a *app) Close() {
	for _, c := range a.closers {
		if err := c(); err != nil {
			a.log.Warn().Err(err).Msg("close")
		}
	}
	a.closers = nil
}
