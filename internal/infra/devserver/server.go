// Package devserver is an in-memory reference backend for the chat, credit and refill
// endpoints. It exists for local development and integration tests.
package devserver

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"companion-session/internal/config"
	"companion-session/internal/domain/model"
	"companion-session/internal/infra/metrics"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
)

// Responder produces the assistant reply for a user message. history holds the earlier
// turns of the conversation, oldest first. An empty reply is refunded.
type Responder interface {
	Reply(ctx context.Context, history []model.HistoryMessage, message string) (string, error)
}

// ResponderFunc adapts a function that only looks at the current message.
type ResponderFunc func(message string) string

func (f ResponderFunc) Reply(_ context.Context, _ []model.HistoryMessage, message string) (string, error) {
	return f(message), nil
}

// EchoResponder answers with a short friendly echo.
func EchoResponder(message string) string {
	return fmt.Sprintf("I hear you. You said: %s", strings.TrimSpace(message))
}

type Server struct {
	cfg     config.DevServerConfig
	auth    *AuthManager
	state   *state
	respond Responder
	log     *zerolog.Logger
	router  chi.Router

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func New(cfg config.DevServerConfig, respond Responder, logger *zerolog.Logger) *Server {
	if respond == nil {
		respond = ResponderFunc(EchoResponder)
	}
	l := logger.With().Str("component", "DevServer").Logger()
	s := &Server{
		cfg:     cfg,
		auth:    NewAuthManager(cfg.JWTSecret, cfg.TokenTTL),
		state:   newState(cfg),
		respond: respond,
		log:     &l,
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(Recover(s.log), TraceID(), RequestLog(s.log))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	r.Handle("/metrics", metrics.Handler())
	r.Post("/auth/refresh", s.handleRefreshToken)

	r.Group(func(r chi.Router) {
		r.Use(s.auth.RequireUser)
		r.Get("/conversation/persistent/{userId}", s.handleGetPersistent)
		r.Post("/conversation/persistent/{userId}", s.handleCreatePersistent)
		r.Get("/conversation/{conversationId}/history", s.handleHistory)
		r.Delete("/memory/{conversationId}", s.handleClearMemory)
		r.Post("/chat", s.handleChatStream)
		r.Post("/chat/sync", s.handleChatSync)
		r.Get("/credits/balance", s.handleBalance)
		r.Get("/credits/transactions", s.handleTransactions)
	})

	r.Group(func(r chi.Router) {
		r.Use(s.auth.RequireAdmin)
		r.Get("/refill/timing", s.handleRefillTiming)
		r.Get("/refill/analytics", s.handleRefillAnalytics)
		r.Get("/refill/status/all", s.handleRefillStatus)
		r.Post("/refill/manual", s.handleManualRefill)
	})
	return r
}

func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) Auth() *AuthManager { return s.auth }

// Grant adds credits to userID outside of the refill policy.
func (s *Server) Grant(userID string, amount int) { s.state.grant(userID, amount, "admin grant") }

// RefillAll runs one auto refill pass immediately.
func (s *Server) RefillAll() int {
	n := s.state.refillAll()
	s.metricsRefill("auto")
	return n
}

func (s *Server) metricsRefill(trigger string) { metrics.IncRefill(trigger) }

// Start runs the auto refill loop until Stop or ctx cancellation.
func (s *Server) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.refillLoop(ctx, s.done)
}

func (s *Server) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (s *Server) refillLoop(ctx context.Context, done chan struct{}) {
	defer close(done)
	interval := s.cfg.RefillInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	s.log.Info().Dur("interval", interval).Msg("Starting auto refill")
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.log.Info().Msg("Stopping auto refill")
			return
		case <-ticker.C:
			n := s.RefillAll()
			s.log.Debug().Int("users", n).Msg("auto refill pass")
		}
	}
}
