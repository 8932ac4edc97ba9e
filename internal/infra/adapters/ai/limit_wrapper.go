package ai

import (
	"context"

	"companion-session/internal/domain/model"
)

type limited struct {
	inner Responder
	sem   chan struct{}
}

// NewLimited caps concurrent calls to inner. Waiting callers give up when ctx ends.
func NewLimited(inner Responder, maxConcurrent int) Responder {
	if maxConcurrent <= 0 {
		return inner
	}
	return &limited{inner: inner, sem: make(chan struct{}, maxConcurrent)}
}

func (l *limited) Reply(ctx context.Context, history []model.HistoryMessage, message string) (string, error) {
	select {
	case l.sem <- struct{}{}:
	case <-ctx.Done():
		return "", ctx.Err()
	}
	defer func() { <-l.sem }()
	return l.inner.Reply(ctx, history, message)
}
