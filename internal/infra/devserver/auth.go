package devserver

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	RoleUser  = "user"
	RoleAdmin = "admin"

	tokenAccess  = "access"
	tokenRefresh = "refresh"

	refreshTTLFactor = 24
)

var errInvalidToken = errors.New("invalid token")

// Claims carry the caller identity. Subject is the user id.
type Claims struct {
	Role string `json:"role"`
	Type string `json:"typ"`
	jwt.RegisteredClaims
}

func (c *Claims) IsAdmin() bool { return c.Role == RoleAdmin }

// AuthManager mints and verifies HS256 tokens for the dev server.
type AuthManager struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewAuthManager(secret string, ttl time.Duration) *AuthManager {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &AuthManager{secret: []byte(secret), ttl: ttl, now: time.Now}
}

// Mint returns an access and a refresh token for userID.
func (a *AuthManager) Mint(userID, role string) (access, refresh string, err error) {
	if role == "" {
		role = RoleUser
	}
	access, err = a.sign(userID, role, tokenAccess, a.ttl)
	if err != nil {
		return "", "", err
	}
	refresh, err = a.sign(userID, role, tokenRefresh, a.ttl*refreshTTLFactor)
	if err != nil {
		return "", "", err
	}
	return access, refresh, nil
}

func (a *AuthManager) sign(userID, role, typ string, ttl time.Duration) (string, error) {
	now := a.now()
	claims := Claims{
		Role: role,
		Type: typ,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			Subject:   userID,
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

// Refresh exchanges a refresh token for a new pair.
func (a *AuthManager) Refresh(refreshToken string) (access, refresh string, err error) {
	claims, err := a.parse(refreshToken)
	if err != nil || claims.Type != tokenRefresh {
		return "", "", errInvalidToken
	}
	return a.Mint(claims.Subject, claims.Role)
}

// ParseFromRequest reads "Authorization: Bearer <jwt>" and accepts access tokens only.
func (a *AuthManager) ParseFromRequest(r *http.Request) (*Claims, error) {
	hdr := r.Header.Get("Authorization")
	if len(hdr) < 7 || !strings.EqualFold(hdr[:7], "bearer ") {
		return nil, errors.New("missing token")
	}
	claims, err := a.parse(strings.TrimSpace(hdr[7:]))
	if err != nil || claims.Type != tokenAccess {
		return nil, errInvalidToken
	}
	return claims, nil
}

func (a *AuthManager) parse(tok string) (*Claims, error) {
	claims := &Claims{}
	tkn, err := jwt.ParseWithClaims(tok, claims, func(t *jwt.Token) (any, error) {
		return a.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(a.now))
	if err != nil || !tkn.Valid || claims.Subject == "" {
		return nil, errInvalidToken
	}
	return claims, nil
}

type claimsKey struct{}

func claimsFrom(ctx context.Context) *Claims {
	c, _ := ctx.Value(claimsKey{}).(*Claims)
	return c
}

// RequireUser rejects requests without a valid access token.
func (a *AuthManager) RequireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, err := a.ParseFromRequest(r)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), claimsKey{}, claims)))
	})
}

// RequireAdmin additionally requires the admin role.
func (a *AuthManager) RequireAdmin(next http.Handler) http.Handler {
	return a.RequireUser(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if c := claimsFrom(r.Context()); c == nil || !c.IsAdmin() {
			writeError(w, http.StatusForbidden, "FORBIDDEN", "Forbidden")
			return
		}
		next.ServeHTTP(w, r)
	}))
}
