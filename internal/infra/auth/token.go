// Package auth owns the access/refresh token pair used against the backend.
// Issuing tokens is the backend's job; this package only stores, inspects and refreshes them.
package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"companion-session/internal/domain"
	"companion-session/internal/domain/ports/repository"
	"companion-session/internal/infra/metrics"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

// expiryLeeway refreshes tokens slightly before they actually expire.
const expiryLeeway = 30 * time.Second

// Source hands out access tokens. Concurrent refreshes share one round trip.
type Source struct {
	store      repository.LocalStateRepository
	client     *http.Client
	refreshURL string
	log        *zerolog.Logger

	group singleflight.Group
}

type refreshMarkKey struct{}

// TrackRefresh returns a context that remembers whether a refresh succeeded under it.
func TrackRefresh(ctx context.Context) context.Context {
	return context.WithValue(ctx, refreshMarkKey{}, new(atomic.Bool))
}

// Refreshed reports whether a refresh succeeded under a context from TrackRefresh.
func Refreshed(ctx context.Context) bool {
	mark, ok := ctx.Value(refreshMarkKey{}).(*atomic.Bool)
	return ok && mark.Load()
}

func NewSource(store repository.LocalStateRepository, refreshURL string, client *http.Client, logger *zerolog.Logger) *Source {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	l := logger.With().Str("component", "TokenSource").Logger()
	return &Source{store: store, client: client, refreshURL: refreshURL, log: &l}
}

// Seed stores tokens supplied by configuration. Empty values leave stored tokens untouched.
func (s *Source) Seed(ctx context.Context, access, refresh string) error {
	if access != "" {
		if err := s.store.Set(ctx, repository.KeyAccessToken, access); err != nil {
			return err
		}
	}
	if refresh != "" {
		if err := s.store.Set(ctx, repository.KeyRefreshToken, refresh); err != nil {
			return err
		}
	}
	return nil
}

// Clear forgets both tokens (logout).
func (s *Source) Clear(ctx context.Context) error {
	if err := s.store.Delete(ctx, repository.KeyAccessToken); err != nil {
		return err
	}
	return s.store.Delete(ctx, repository.KeyRefreshToken)
}

// HasCredentials reports whether an access or refresh token is stored.
func (s *Source) HasCredentials(ctx context.Context) bool {
	if v, err := s.store.Get(ctx, repository.KeyAccessToken); err == nil && v != "" {
		return true
	}
	v, err := s.store.Get(ctx, repository.KeyRefreshToken)
	return err == nil && v != ""
}

// AccessToken returns the stored access token, refreshing it first when it is a JWT
// that has expired.
func (s *Source) AccessToken(ctx context.Context) (string, error) {
	tok, err := s.store.Get(ctx, repository.KeyAccessToken)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return "", err
	}
	if tok != "" && !Expired(tok, time.Now()) {
		return tok, nil
	}
	if refreshed, rerr := s.Refresh(ctx); rerr == nil {
		return refreshed, nil
	} else if tok == "" {
		return "", rerr
	}
	// Expired and not refreshable: let the backend decide.
	return tok, nil
}

// Refresh exchanges the refresh token for a new access token. Callers that arrive while a
// refresh is running get its result.
func (s *Source) Refresh(ctx context.Context) (string, error) {
	v, err, shared := s.group.Do("refresh", func() (interface{}, error) {
		return s.refresh(ctx)
	})
	if err != nil {
		return "", err
	}
	if shared {
		s.log.Debug().Msg("joined in-flight token refresh")
	}
	if mark, ok := ctx.Value(refreshMarkKey{}).(*atomic.Bool); ok {
		mark.Store(true)
	}
	return v.(string), nil
}

func (s *Source) refresh(ctx context.Context) (string, error) {
	rt, err := s.store.Get(ctx, repository.KeyRefreshToken)
	if err != nil || rt == "" {
		return "", domain.NewError(domain.KindAuthentication, "auth.refresh", "not signed in", nil)
	}
	if s.refreshURL == "" {
		return "", domain.NewError(domain.KindAuthentication, "auth.refresh", "token refresh not configured", nil)
	}

	body, _ := json.Marshal(map[string]string{"refreshToken": rt})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.refreshURL, bytes.NewReader(body))
	if err != nil {
		return "", errors.Wrap(err, "auth.refresh: build request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		metrics.IncTokenRefresh("network")
		return "", domain.NewError(domain.KindNetwork, "auth.refresh", "", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		metrics.IncTokenRefresh("rejected")
		e := domain.NewError(domain.KindAuthentication, "auth.refresh", "session expired, please sign in again", nil)
		e.Status = resp.StatusCode
		return "", e
	}

	var payload struct {
		AccessToken  string `json:"accessToken"`
		RefreshToken string `json:"refreshToken"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil || strings.TrimSpace(payload.AccessToken) == "" {
		metrics.IncTokenRefresh("malformed")
		return "", domain.NewError(domain.KindAuthentication, "auth.refresh", "malformed refresh response", err)
	}
	if err := s.Seed(ctx, payload.AccessToken, payload.RefreshToken); err != nil {
		return "", err
	}
	metrics.IncTokenRefresh("ok")
	s.log.Debug().Msg("access token refreshed")
	return payload.AccessToken, nil
}

// Expired reports whether tok is a JWT whose exp lies before now (with leeway).
// Opaque tokens and JWTs without exp are never considered expired.
func Expired(tok string, now time.Time) bool {
	claims := &jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(tok, claims); err != nil {
		return false
	}
	if claims.ExpiresAt == nil {
		return false
	}
	return !now.Add(expiryLeeway).Before(claims.ExpiresAt.Time)
}

// Subject returns the sub claim of a JWT access token, or "" for opaque tokens.
func Subject(tok string) string {
	claims := &jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(tok, claims); err != nil {
		return ""
	}
	return claims.Subject
}
