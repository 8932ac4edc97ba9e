package backend

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"companion-session/internal/domain/model"
	"companion-session/internal/domain/ports/adapter"

	"github.com/tidwall/gjson"
)

const formContentType = "application/x-www-form-urlencoded"

func (c *Client) GetPersistentConversation(ctx context.Context, userID string) (adapter.ConversationRef, error) {
	return c.persistentConversation(ctx, "conversation.get", http.MethodGet, userID)
}

func (c *Client) CreatePersistentConversation(ctx context.Context, userID string) (adapter.ConversationRef, error) {
	return c.persistentConversation(ctx, "conversation.create", http.MethodPost, userID)
}

func (c *Client) persistentConversation(ctx context.Context, op, method, userID string) (adapter.ConversationRef, error) {
	resp, err := c.do(ctx, request{
		op:     op,
		method: method,
		path:   "/conversation/persistent/" + url.PathEscape(userID),
	})
	if err != nil {
		return adapter.ConversationRef{}, err
	}
	res, err := readJSON(op, resp)
	if err != nil {
		return adapter.ConversationRef{}, err
	}
	ref := adapter.ConversationRef{
		ConversationID: firstString(res, "conversationId", "id"),
		IsNew:          res.Get("isNew").Bool(),
	}
	if ref.ConversationID == "" {
		return ref, malformed(op, nil)
	}
	return ref, nil
}

func (c *Client) History(ctx context.Context, conversationID, userID string) ([]model.HistoryMessage, error) {
	const op = "conversation.history"
	resp, err := c.do(ctx, request{
		op:     op,
		method: http.MethodGet,
		path:   "/conversation/" + url.PathEscape(conversationID) + "/history",
		query:  url.Values{"userId": {userID}},
	})
	if err != nil {
		return nil, err
	}
	res, err := readJSON(op, resp)
	if err != nil {
		return nil, err
	}
	list := res
	if !list.IsArray() {
		list = res.Get("messages")
	}
	if !list.IsArray() {
		return nil, malformed(op, nil)
	}
	out := make([]model.HistoryMessage, 0, len(list.Array()))
	list.ForEach(func(_, m gjson.Result) bool {
		out = append(out, model.HistoryMessage{
			ID:        m.Get("id").String(),
			Content:   m.Get("content").String(),
			IsUser:    m.Get("isUser").Bool(),
			Timestamp: parseTime(m.Get("timestamp")),
		})
		return true
	})
	return out, nil
}

func (c *Client) ClearMemory(ctx context.Context, conversationID, userID, sessionID string) error {
	resp, err := c.do(ctx, request{
		op:     "memory.clear",
		method: http.MethodDelete,
		path:   "/memory/" + url.PathEscape(conversationID),
		query:  url.Values{"userId": {userID}, "sessionId": {sessionID}},
	})
	if err != nil {
		return err
	}
	drain(resp)
	return nil
}

func (c *Client) StreamChat(ctx context.Context, req adapter.ChatRequest) (io.ReadCloser, error) {
	resp, err := c.do(ctx, request{
		op:          "chat.stream",
		method:      http.MethodPost,
		path:        "/chat",
		body:        formBody(req),
		contentType: formContentType,
		stream:      true,
		noRefresh:   true,
	})
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

func (c *Client) SyncChat(ctx context.Context, req adapter.ChatRequest) (adapter.ChatReply, error) {
	const op = "chat.sync"
	resp, err := c.do(ctx, request{
		op:          op,
		method:      http.MethodPost,
		path:        "/chat/sync",
		body:        formBody(req),
		contentType: formContentType,
		noRefresh:   true,
	})
	if err != nil {
		return adapter.ChatReply{}, err
	}
	res, err := readJSON(op, resp)
	if err != nil {
		return adapter.ChatReply{}, err
	}
	if !res.Get("response").Exists() {
		return adapter.ChatReply{}, malformed(op, nil)
	}
	return adapter.ChatReply{
		Response: res.Get("response").String(),
		Companion: model.CompanionState{
			Mood:         res.Get("mood").String(),
			Relationship: int(res.Get("relationshipLevel").Int()),
		},
	}, nil
}

func (c *Client) Balance(ctx context.Context, userID string) (model.CreditBalance, error) {
	const op = "credits.balance"
	var b model.CreditBalance
	if err := c.getJSON(ctx, op, c.cfg.BalancePath, url.Values{"userId": {userID}}, &b, "currentCredits", "chatCost"); err != nil {
		return model.CreditBalance{}, err
	}
	return b, nil
}

func (c *Client) Transactions(ctx context.Context, userID string, limit int) ([]model.CreditTransaction, error) {
	const op = "credits.transactions"
	q := url.Values{"userId": {userID}}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	resp, err := c.do(ctx, request{op: op, method: http.MethodGet, path: c.cfg.TransactionsPath, query: q})
	if err != nil {
		return nil, err
	}
	res, err := readJSON(op, resp)
	if err != nil {
		return nil, err
	}
	if !res.IsArray() {
		res = res.Get("transactions")
	}
	if !res.IsArray() {
		return nil, malformed(op, nil)
	}
	var out []model.CreditTransaction
	if err := json.Unmarshal([]byte(res.Raw), &out); err != nil {
		return nil, malformed(op, err)
	}
	return out, nil
}

func (c *Client) RefillTiming(ctx context.Context) (model.RefillPolicy, error) {
	var p model.RefillPolicy
	err := c.getJSON(ctx, "refill.timing", "/refill/timing", nil, &p, "interval")
	return p, err
}

func (c *Client) RefillAnalytics(ctx context.Context) (model.RefillAnalytics, error) {
	var a model.RefillAnalytics
	err := c.getJSON(ctx, "refill.analytics", "/refill/analytics", nil, &a)
	return a, err
}

func (c *Client) RefillStatusAll(ctx context.Context) ([]model.RefillStatus, error) {
	const op = "refill.status"
	resp, err := c.do(ctx, request{op: op, method: http.MethodGet, path: "/refill/status/all"})
	if err != nil {
		return nil, err
	}
	res, err := readJSON(op, resp)
	if err != nil {
		return nil, err
	}
	if !res.IsArray() {
		res = res.Get("users")
	}
	var out []model.RefillStatus
	if !res.IsArray() {
		return nil, malformed(op, nil)
	}
	if err := json.Unmarshal([]byte(res.Raw), &out); err != nil {
		return nil, malformed(op, err)
	}
	return out, nil
}

func (c *Client) ManualRefill(ctx context.Context, userID string) (model.CreditBalance, error) {
	const op = "refill.manual"
	resp, err := c.do(ctx, request{
		op:     op,
		method: http.MethodPost,
		path:   "/refill/manual",
		query:  url.Values{"userId": {userID}},
	})
	if err != nil {
		return model.CreditBalance{}, err
	}
	res, err := readJSON(op, resp)
	if err != nil {
		return model.CreditBalance{}, err
	}
	var b model.CreditBalance
	if err := json.Unmarshal([]byte(res.Raw), &b); err != nil {
		return model.CreditBalance{}, malformed(op, err)
	}
	return b, nil
}

// getJSON decodes a GET response into out; required lists fields that must be present.
func (c *Client) getJSON(ctx context.Context, op, path string, q url.Values, out any, required ...string) error {
	resp, err := c.do(ctx, request{op: op, method: http.MethodGet, path: path, query: q})
	if err != nil {
		return err
	}
	res, err := readJSON(op, resp)
	if err != nil {
		return err
	}
	for _, f := range required {
		if !res.Get(f).Exists() {
			return malformed(op, nil)
		}
	}
	if err := json.Unmarshal([]byte(res.Raw), out); err != nil {
		return malformed(op, err)
	}
	return nil
}

// parseTime accepts RFC 3339 strings and unix epochs in seconds or milliseconds.
func parseTime(v gjson.Result) time.Time {
	switch v.Type {
	case gjson.String:
		if t, err := time.Parse(time.RFC3339Nano, v.String()); err == nil {
			return t
		}
	case gjson.Number:
		n := v.Int()
		if n > 1e12 {
			return time.UnixMilli(n)
		}
		return time.Unix(n, 0)
	}
	return time.Time{}
}
