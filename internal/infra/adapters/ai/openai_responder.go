package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"

	"companion-session/internal/config"
	"companion-session/internal/domain/model"
)

const (
	defaultOpenAIBase  = "https://api.openai.com/v1"
	defaultOpenAIModel = "gpt-4o-mini"
)

// OpenAIResponder calls the Chat Completions API.
type OpenAIResponder struct {
	apiKey  string
	base    string
	model   string
	persona string
	maxOut  int
	turns   int
	client  *http.Client
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

func NewOpenAIResponder(cfg config.ResponderConfig) (*OpenAIResponder, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("openai api key empty")
	}
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = defaultOpenAIBase
	}
	return &OpenAIResponder{
		apiKey:  cfg.APIKey,
		base:    base,
		model:   modelOrDefault(cfg.Model, defaultOpenAIModel),
		persona: cfg.Persona,
		maxOut:  cfg.MaxOutputTokens,
		turns:   cfg.HistoryTurns,
		client:  &http.Client{Timeout: cfg.Timeout},
	}, nil
}

func (o *OpenAIResponder) Reply(ctx context.Context, history []model.HistoryMessage, message string) (string, error) {
	msgs := make([]chatMessage, 0, len(history)+2)
	if o.persona != "" {
		msgs = append(msgs, chatMessage{Role: "system", Content: o.persona})
	}
	for _, h := range recent(history, o.turns) {
		role := "assistant"
		if h.IsUser {
			role = "user"
		}
		msgs = append(msgs, chatMessage{Role: role, Content: h.Content})
	}
	msgs = append(msgs, chatMessage{Role: "user", Content: message})

	reqBody := struct {
		Model     string        `json:"model"`
		Messages  []chatMessage `json:"messages"`
		MaxTokens int           `json:"max_tokens,omitempty"`
	}{Model: o.model, Messages: msgs, MaxTokens: o.maxOut}

	b, err := json.Marshal(reqBody)
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.base+"/chat/completions", bytes.NewReader(b))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+o.apiKey)

	resp, err := o.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", err
	}
	if resp.StatusCode >= 300 {
		if msg := gjson.GetBytes(body, "error.message").String(); msg != "" {
			return "", fmt.Errorf("openai http %d: %s", resp.StatusCode, msg)
		}
		return "", fmt.Errorf("openai http %d", resp.StatusCode)
	}
	for _, c := range gjson.GetBytes(body, "choices").Array() {
		if text := c.Get("message.content").String(); text != "" {
			return text, nil
		}
	}
	return "", errors.New("no choice content")
}
