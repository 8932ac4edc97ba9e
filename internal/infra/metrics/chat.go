package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

func init() {
	register(
		chatTurnsTotal,
		chatPrecheckBlocks,
		chatTurnLatencyMs,
		chatFirstChunkLatencyMs,
		chatSendRejected,
	)
}

var (
	chatTurnsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_turns_total",
			Help: "Chat turns by dispatch mode and outcome (ok, authentication, network, insufficient_credits, server).",
		},
		[]string{"mode", "outcome"},
	)

	chatPrecheckBlocks = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chat_precheck_blocks_total",
			Help: "Sends blocked by the credit pre-flight before reaching the model endpoint.",
		},
	)

	chatTurnLatencyMs = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chat_turn_latency_ms",
			Help:    "Dispatch-to-finalize latency in milliseconds.",
			Buckets: []float64{50, 100, 250, 500, 1000, 2000, 4000, 8000, 16000, 32000},
		},
		[]string{"mode", "success"},
	)

	chatFirstChunkLatencyMs = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "chat_first_chunk_latency_ms",
			Help:    "Time from dispatch to the first non-empty streamed chunk.",
			Buckets: []float64{25, 50, 100, 200, 400, 800, 1600, 3200, 6400},
		},
	)

	chatSendRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_send_rejected_total",
			Help: "Sends rejected before dispatch, by reason (validation, authentication, in_flight).",
		},
		[]string{"reason"},
	)
)

func IncTurn(mode, outcome string) {
	chatTurnsTotal.WithLabelValues(norm(mode), norm(outcome)).Inc()
}

func PrecheckBlocked() { chatPrecheckBlocks.Inc() }

func ObserveTurn(mode string, latencyMs int64, success bool) {
	chatTurnLatencyMs.WithLabelValues(norm(mode), strconv.FormatBool(success)).Observe(float64(latencyMs))
}

func ObserveFirstChunk(latencyMs int64) { chatFirstChunkLatencyMs.Observe(float64(latencyMs)) }

func IncSendRejected(reason string) { chatSendRejected.WithLabelValues(norm(reason)).Inc() }
