package metrics

import "github.com/prometheus/client_golang/prometheus"

func init() { register(devCreditsDebited, devRefillsIssued) }

var (
	devCreditsDebited = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "devserver_credits_debited_total",
			Help: "Credits debited by the reference backend for chat turns.",
		},
	)

	devRefillsIssued = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "devserver_refills_total",
			Help: "Refills issued by the reference backend, by trigger (auto, manual).",
		},
		[]string{"trigger"},
	)
)

func AddCreditsDebited(n int) { devCreditsDebited.Add(float64(n)) }

func IncRefill(trigger string) { devRefillsIssued.WithLabelValues(norm(trigger)).Inc() }
