// Package ai backs the dev server's companion replies with a hosted model.
package ai

import (
	"context"
	"fmt"

	"companion-session/internal/config"
	"companion-session/internal/domain/model"
)

// Responder matches devserver.Responder.
type Responder interface {
	Reply(ctx context.Context, history []model.HistoryMessage, message string) (string, error)
}

// New builds the responder selected by cfg.Provider. It returns nil for "echo",
// leaving the dev server on its built-in echo.
func New(ctx context.Context, cfg config.ResponderConfig) (Responder, error) {
	var (
		r   Responder
		err error
	)
	switch cfg.Provider {
	case "", "echo":
		return nil, nil
	case "gemini":
		r, err = NewGeminiResponder(ctx, cfg)
	case "openai":
		r, err = NewOpenAIResponder(cfg)
	default:
		return nil, fmt.Errorf("unknown responder provider %q", cfg.Provider)
	}
	if err != nil {
		return nil, err
	}
	return NewLimited(r, cfg.MaxConcurrent), nil
}

// recent keeps the last n turns of history.
func recent(history []model.HistoryMessage, n int) []model.HistoryMessage {
	if n <= 0 || len(history) <= n {
		return history
	}
	return history[len(history)-n:]
}
