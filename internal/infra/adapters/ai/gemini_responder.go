// File: internal/infra/adapters/ai/gemini_responder.go
package ai

import (
	"context"
	"errors"

	"google.golang.org/genai"

	"companion-session/internal/config"
	"companion-session/internal/domain/model"
)

const defaultGeminiModel = "gemini-2.0-flash"

type GeminiResponder struct {
	client  *genai.Client
	model   string
	persona string
	maxOut  int
	turns   int
}

// NewGeminiResponder creates a responder on the official SDK.
func NewGeminiResponder(ctx context.Context, cfg config.ResponderConfig) (*GeminiResponder, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("gemini: empty api key")
	}
	c, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
		HTTPOptions: genai.HTTPOptions{
			BaseURL: cfg.BaseURL,
		},
	})
	if err != nil {
		return nil, err
	}
	return &GeminiResponder{
		client:  c,
		model:   modelOrDefault(cfg.Model, defaultGeminiModel),
		persona: cfg.Persona,
		maxOut:  cfg.MaxOutputTokens,
		turns:   cfg.HistoryTurns,
	}, nil
}

func (g *GeminiResponder) Reply(ctx context.Context, history []model.HistoryMessage, message string) (string, error) {
	cfg := &genai.GenerateContentConfig{
		MaxOutputTokens: int32(g.maxOut),
	}
	if g.persona != "" {
		cfg.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: g.persona}}}
	}
	chat, err := g.client.Chats.Create(ctx, g.model, cfg, toGenAIHistory(recent(history, g.turns)))
	if err != nil {
		return "", err
	}
	resp, err := chat.SendMessage(ctx, genai.Part{Text: message})
	if err != nil {
		return "", err
	}
	text := ""
	if resp != nil && len(resp.Candidates) > 0 && resp.Candidates[0].Content != nil && len(resp.Candidates[0].Content.Parts) > 0 {
		text = resp.Candidates[0].Content.Parts[0].Text
	}
	return text, nil
}

func toGenAIHistory(msgs []model.HistoryMessage) []*genai.Content {
	out := make([]*genai.Content, 0, len(msgs))
	for _, m := range msgs {
		role := genai.RoleModel
		if m.IsUser {
			role = genai.RoleUser
		}
		out = append(out, &genai.Content{
			Role:  role,
			Parts: []*genai.Part{{Text: m.Content}},
		})
	}
	return out
}

func modelOrDefault(m, def string) string {
	if m != "" {
		return m
	}
	return def
}
