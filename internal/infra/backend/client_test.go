package backend

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"companion-session/internal/config"
	"companion-session/internal/domain"
	"companion-session/internal/domain/ports/adapter"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

type fakeTokens struct {
	mu        sync.Mutex
	token     string
	refreshes int
	fail      bool
}

func (f *fakeTokens) AccessToken(ctx context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.token, nil
}

func (f *fakeTokens) Refresh(ctx context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshes++
	if f.fail {
		return "", errors.New("refresh rejected")
	}
	f.token = "fresh"
	return f.token, nil
}

func newTestClient(t *testing.T, h http.Handler, tokens TokenProvider) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	logger := zerolog.New(nil)
	c, err := NewClient(config.BackendConfig{
		BaseURL:          srv.URL,
		Timeout:          2 * time.Second,
		BalancePath:      "/credits/balance",
		TransactionsPath: "/credits/transactions",
	}, tokens, &logger)
	require.NoError(t, err)
	return c
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func TestNewClient_InvalidURL(t *testing.T) {
	logger := zerolog.New(nil)
	_, err := NewClient(config.BackendConfig{BaseURL: "not a url"}, nil, &logger)
	require.Error(t, err)
}

func TestPersistentConversation(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/conversation/persistent/u1", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		switch r.Method {
		case http.MethodGet:
			writeJSON(w, http.StatusNotFound, map[string]string{"message": "no conversation"})
		case http.MethodPost:
			writeJSON(w, http.StatusCreated, map[string]any{"conversationId": "abc", "isNew": true})
		}
	})
	c := newTestClient(t, mux, &fakeTokens{token: "tok"})

	_, err := c.GetPersistentConversation(context.Background(), "u1")
	require.ErrorIs(t, err, domain.ErrNotFound)

	ref, err := c.CreatePersistentConversation(context.Background(), "u1")
	require.NoError(t, err)
	require.Equal(t, adapter.ConversationRef{ConversationID: "abc", IsNew: true}, ref)
}

func TestPersistentConversation_MissingID(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"isNew": false})
	}), nil)

	_, err := c.GetPersistentConversation(context.Background(), "u1")
	require.ErrorIs(t, err, domain.ErrMalformedResponse)
	require.ErrorIs(t, err, domain.ErrServer)
}

func TestHistory_TolerantParsing(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/conversation/c1/history", r.URL.Path)
		require.Equal(t, "u1", r.URL.Query().Get("userId"))
		_, _ = io.WriteString(w, `{"data":{"messages":[
			{"id":17,"content":"hi","isUser":true,"timestamp":1700000000000},
			{"id":"m2","content":"hello","isUser":false,"timestamp":"2024-05-01T10:00:00Z"}
		]}}`)
	}), nil)

	msgs, err := c.History(context.Background(), "c1", "u1")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	require.Equal(t, "17", msgs[0].ID)
	require.True(t, msgs[0].IsUser)
	require.Equal(t, int64(1700000000000), msgs[0].Timestamp.UnixMilli())
	require.Equal(t, 2024, msgs[1].Timestamp.Year())
}

func TestSyncChat_Envelope(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		require.Equal(t, "hello", r.PostForm.Get("message"))
		require.Equal(t, "c1", r.PostForm.Get("conversationId"))
		require.Equal(t, "s1", r.PostForm.Get("sessionId"))
		writeJSON(w, http.StatusOK, map[string]any{"data": map[string]any{
			"response": "hey", "mood": "calm", "relationshipLevel": 2,
		}})
	}), nil)

	reply, err := c.SyncChat(context.Background(), adapter.ChatRequest{Message: "hello", ConversationID: "c1", UserID: "u1", SessionID: "s1"})
	require.NoError(t, err)
	require.Equal(t, "hey", reply.Response)
	require.Equal(t, "calm", reply.Companion.Mood)
	require.Equal(t, 2, reply.Companion.Relationship)
}

func TestSyncChat_PlainBody(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"response": "plain"})
	}), nil)
	reply, err := c.SyncChat(context.Background(), adapter.ChatRequest{Message: "x"})
	require.NoError(t, err)
	require.Equal(t, "plain", reply.Response)
}

func TestStreamChat_ReturnsBody(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fl := w.(http.Flusher)
		for _, part := range []string{"Hel", "lo"} {
			_, _ = io.WriteString(w, part)
			fl.Flush()
		}
	}), nil)

	body, err := c.StreamChat(context.Background(), adapter.ChatRequest{Message: "x"})
	require.NoError(t, err)
	defer body.Close()
	b, err := io.ReadAll(body)
	require.NoError(t, err)
	require.Equal(t, "Hello", string(b))
}

func TestBalance_RefreshesOnceOn401(t *testing.T) {
	tokens := &fakeTokens{token: "stale"}
	var hits int
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		if r.Header.Get("Authorization") != "Bearer fresh" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"currentCredits": 7, "chatCost": 2, "canChat": true, "possibleChats": 3})
	}), tokens)

	bal, err := c.Balance(context.Background(), "u1")
	require.NoError(t, err)
	require.Equal(t, 7, bal.CurrentCredits)
	require.Equal(t, 1, tokens.refreshes)
	require.Equal(t, 2, hits)
}

func TestBalance_RefreshFailureIsAuthentication(t *testing.T) {
	tokens := &fakeTokens{token: "stale", fail: true}
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}), tokens)

	_, err := c.Balance(context.Background(), "u1")
	require.ErrorIs(t, err, domain.ErrAuthentication)
}

func TestChat_401IsNotRefreshedByClient(t *testing.T) {
	tokens := &fakeTokens{token: "stale"}
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}), tokens)

	_, err := c.StreamChat(context.Background(), adapter.ChatRequest{Message: "x"})
	require.ErrorIs(t, err, domain.ErrAuthentication)
	require.Zero(t, tokens.refreshes)
}

func TestClassify(t *testing.T) {
	cases := []struct {
		status int
		body   string
		want   error
	}{
		{http.StatusPaymentRequired, `{"message":"out of credits"}`, domain.ErrInsufficientCredits},
		{http.StatusBadRequest, `{"code":"INSUFFICIENT_CREDITS"}`, domain.ErrInsufficientCredits},
		{http.StatusForbidden, ``, domain.ErrAuthentication},
		{http.StatusNotFound, `not here`, domain.ErrNotFound},
		{http.StatusBadGateway, `<html>`, domain.ErrServer},
		{http.StatusTeapot, `{}`, domain.ErrServer},
	}
	for _, tc := range cases {
		c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tc.status)
			_, _ = io.WriteString(w, tc.body)
		}), nil)
		_, err := c.Balance(context.Background(), "u1")
		require.ErrorIs(t, err, tc.want, "status %d", tc.status)
		var de *domain.Error
		require.True(t, errors.As(err, &de))
		require.Equal(t, tc.status, de.Status)
	}
}

func TestClassify_ServerMessage(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusPaymentRequired, map[string]any{"data": map[string]string{"message": "need 2 credits"}})
	}), nil)
	_, err := c.Balance(context.Background(), "u1")
	require.Equal(t, "need 2 credits", domain.Message(err))
}

func TestBalance_MalformedBody(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"credits": "lots"}`)
	}), nil)
	_, err := c.Balance(context.Background(), "u1")
	require.ErrorIs(t, err, domain.ErrMalformedResponse)
}

func TestTransportErrorIsNetwork(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()
	logger := zerolog.New(nil)
	c, err := NewClient(config.BackendConfig{BaseURL: url, BalancePath: "/credits/balance"}, nil, &logger)
	require.NoError(t, err)

	_, err = c.Balance(context.Background(), "u1")
	require.ErrorIs(t, err, domain.ErrNetwork)
}

func TestClearMemory_Query(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodDelete, r.Method)
		require.Equal(t, "/memory/c1", r.URL.Path)
		require.Equal(t, "u1", r.URL.Query().Get("userId"))
		require.Equal(t, "s1", r.URL.Query().Get("sessionId"))
		w.WriteHeader(http.StatusNoContent)
	}), nil)
	require.NoError(t, c.ClearMemory(context.Background(), "c1", "u1", "s1"))
}

func TestTransactionsAndRefill(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/credits/transactions", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "5", r.URL.Query().Get("limit"))
		writeJSON(w, http.StatusOK, map[string]any{"transactions": []map[string]any{
			{"id": "t1", "type": "CHAT_DEDUCTION", "amount": -2, "balanceBefore": 10, "balanceAfter": 8, "timestamp": "2024-05-01T10:00:00Z"},
		}})
	})
	mux.HandleFunc("/refill/timing", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"interval": 300, "amount": 10, "maxCredits": 50, "enabled": true})
	})
	mux.HandleFunc("/refill/manual", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		writeJSON(w, http.StatusOK, map[string]any{"currentCredits": 20, "chatCost": 2, "canChat": true})
	})
	c := newTestClient(t, mux, nil)

	txs, err := c.Transactions(context.Background(), "u1", 5)
	require.NoError(t, err)
	require.Len(t, txs, 1)
	require.Equal(t, 8, txs[0].BalanceAfter)

	p, err := c.RefillTiming(context.Background())
	require.NoError(t, err)
	require.Equal(t, 5*time.Minute, p.Interval())

	bal, err := c.ManualRefill(context.Background(), "u1")
	require.NoError(t, err)
	require.Equal(t, 20, bal.CurrentCredits)
}
