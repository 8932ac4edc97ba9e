// Package backend implements the HTTP contract the session core consumes.
package backend

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"companion-session/internal/config"
	"companion-session/internal/domain"
	"companion-session/internal/domain/ports/adapter"
	"companion-session/internal/infra/metrics"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
)

// Compile-time assurance the client satisfies the port
var _ adapter.Backend = (*Client)(nil)

// maxErrorBody bounds how much of an error response is read for classification.
const maxErrorBody = 64 << 10

// TokenProvider supplies bearer tokens. Refresh is called at most once per request,
// after a 401.
type TokenProvider interface {
	AccessToken(ctx context.Context) (string, error)
	Refresh(ctx context.Context) (string, error)
}

type Client struct {
	base   string
	cfg    config.BackendConfig
	http   *http.Client // bounded by cfg.Timeout
	stream *http.Client // bounded by the caller's context only
	tokens TokenProvider
	log    *zerolog.Logger
}

func NewClient(cfg config.BackendConfig, tokens TokenProvider, logger *zerolog.Logger) (*Client, error) {
	u, err := url.Parse(strings.TrimSpace(cfg.BaseURL))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, errors.Errorf("backend: invalid base url %q", cfg.BaseURL)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	l := logger.With().Str("component", "BackendClient").Logger()
	return &Client{
		base:   strings.TrimRight(u.String(), "/"),
		cfg:    cfg,
		http:   &http.Client{Timeout: cfg.Timeout},
		stream: &http.Client{},
		tokens: tokens,
		log:    &l,
	}, nil
}

// WithHTTPClient replaces both transports; used by tests with httptest servers.
func (c *Client) WithHTTPClient(hc *http.Client) *Client {
	c.http = hc
	c.stream = hc
	return c
}

type request struct {
	op          string
	method      string
	path        string
	query       url.Values
	body        []byte
	contentType string
	stream      bool
	// noRefresh leaves 401 handling to the caller; chat turns retry through the session policy.
	noRefresh bool
}

// do sends r, refreshing the token and retrying once on 401 unless r.noRefresh is set. Non-2xx responses are
// classified into *domain.Error; the caller owns the returned body on success.
func (c *Client) do(ctx context.Context, r request) (*http.Response, error) {
	resp, err := c.send(ctx, r)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusUnauthorized && c.tokens != nil && !r.noRefresh {
		drain(resp)
		if _, rerr := c.tokens.Refresh(ctx); rerr != nil {
			c.log.Debug().Err(rerr).Str("op", r.op).Msg("token refresh failed")
			return nil, domain.NewError(domain.KindAuthentication, r.op, "session expired, please sign in again", rerr)
		}
		resp, err = c.send(ctx, r)
		if err != nil {
			return nil, err
		}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer drain(resp)
		return nil, classify(r.op, resp)
	}
	return resp, nil
}

func (c *Client) send(ctx context.Context, r request) (*http.Response, error) {
	u := c.base + r.path
	if len(r.query) > 0 {
		u += "?" + r.query.Encode()
	}
	var body io.Reader
	if r.body != nil {
		body = bytes.NewReader(r.body)
	}
	req, err := http.NewRequestWithContext(ctx, r.method, u, body)
	if err != nil {
		return nil, errors.Wrapf(err, "%s: build request", r.op)
	}
	if r.contentType != "" {
		req.Header.Set("Content-Type", r.contentType)
	}
	if r.stream {
		req.Header.Set("Accept", "text/plain")
	} else {
		req.Header.Set("Accept", "application/json")
	}
	if c.tokens != nil {
		tok, terr := c.tokens.AccessToken(ctx)
		if terr != nil {
			return nil, domain.NewError(domain.KindAuthentication, r.op, "not signed in", terr)
		}
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	hc := c.http
	if r.stream {
		hc = c.stream
	}
	start := time.Now()
	resp, err := hc.Do(req)
	if err != nil {
		metrics.IncBackendRequest(r.op, 0)
		c.log.Debug().Err(err).Str("op", r.op).Dur("duration", time.Since(start)).Msg("backend transport error")
		return nil, domain.NewError(domain.KindNetwork, r.op, "", err)
	}
	metrics.IncBackendRequest(r.op, resp.StatusCode)
	c.log.Trace().Str("op", r.op).Int("status", resp.StatusCode).Dur("duration", time.Since(start)).Msg("backend request")
	return resp, nil
}

// classify maps an error response onto the domain taxonomy.
func classify(op string, resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	var msg, code string
	if gjson.ValidBytes(raw) {
		res := gjson.ParseBytes(raw)
		msg = firstString(res, "message", "error", "data.message")
		code = strings.ToUpper(firstString(res, "code", "errorCode", "data.code"))
	} else {
		msg = strings.TrimSpace(string(raw))
	}

	kind := domain.KindServer
	switch {
	case resp.StatusCode == http.StatusPaymentRequired || code == "INSUFFICIENT_CREDITS":
		kind = domain.KindInsufficientCredits
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		kind = domain.KindAuthentication
	case resp.StatusCode == http.StatusNotFound:
		kind = domain.KindNotFound
	}
	return &domain.Error{Kind: kind, Op: op, Status: resp.StatusCode, Message: msg}
}

func malformed(op string, cause error) error {
	if cause == nil {
		cause = domain.ErrMalformedResponse
	} else {
		cause = errors.Wrap(domain.ErrMalformedResponse, cause.Error())
	}
	return &domain.Error{Kind: domain.KindServer, Op: op, Message: "unexpected response from server", Err: cause}
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBody))
	_ = resp.Body.Close()
}

// readJSON reads a JSON body, unwrapping a top-level "data" envelope when present.
func readJSON(op string, resp *http.Response) (gjson.Result, error) {
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return gjson.Result{}, domain.NewError(domain.KindNetwork, op, "", err)
	}
	if !gjson.ValidBytes(raw) {
		return gjson.Result{}, malformed(op, nil)
	}
	res := gjson.ParseBytes(raw)
	if d := res.Get("data"); d.IsObject() || d.IsArray() {
		return d, nil
	}
	return res, nil
}

func firstString(res gjson.Result, paths ...string) string {
	for _, p := range paths {
		if v := res.Get(p); v.Exists() && v.Type != gjson.Null {
			if s := strings.TrimSpace(v.String()); s != "" {
				return s
			}
		}
	}
	return ""
}

func formBody(req adapter.ChatRequest) []byte {
	v := url.Values{}
	v.Set("message", req.Message)
	v.Set("conversationId", req.ConversationID)
	v.Set("userId", req.UserID)
	v.Set("sessionId", req.SessionID)
	return []byte(v.Encode())
}
