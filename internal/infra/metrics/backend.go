package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

func init() { register(backendRequests, identityFallbacks, tokenRefreshes) }

var (
	backendRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "backend_requests_total",
			Help: "Backend HTTP requests by operation and status code (0 for transport failures).",
		},
		[]string{"op", "code"},
	)

	identityFallbacks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "identity_fallbacks_total",
			Help: "Conversation ids served from the local fallback, by source (derived, stored).",
		},
		[]string{"source"},
	)

	tokenRefreshes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auth_token_refreshes_total",
			Help: "Access token refresh attempts by result.",
		},
		[]string{"result"},
	)
)

func IncBackendRequest(op string, code int) {
	backendRequests.WithLabelValues(norm(op), strconv.Itoa(code)).Inc()
}

func IncIdentityFallback(source string) { identityFallbacks.WithLabelValues(norm(source)).Inc() }

func IncTokenRefresh(result string) { tokenRefreshes.WithLabelValues(norm(result)).Inc() }
