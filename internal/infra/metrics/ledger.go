package metrics

import "github.com/prometheus/client_golang/prometheus"

func init() { register(ledgerFetches, ledgerState, ledgerCredits, refillPolls) }

var (
	ledgerFetches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_fetches_total",
			Help: "Balance fetches by resulting ledger state.",
		},
		[]string{"state"},
	)

	ledgerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ledger_state",
			Help: "1 for the current ledger state, 0 otherwise.",
		},
		[]string{"state"},
	)

	ledgerCredits = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ledger_current_credits",
			Help: "Credits in the last adopted balance snapshot.",
		},
	)

	refillPolls = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "refill_polls_total",
			Help: "Ledger re-synchronizations issued by the refill scheduler.",
		},
	)
)

var ledgerStates = []string{"UNKNOWN", "CHECKING", "AFFORDABLE", "DEGRADED", "INSUFFICIENT"}

func IncLedgerFetch(state string) { ledgerFetches.WithLabelValues(state).Inc() }

func SetLedgerState(state string) {
	for _, s := range ledgerStates {
		v := 0.0
		if s == state {
			v = 1
		}
		ledgerState.WithLabelValues(s).Set(v)
	}
}

func SetLedgerCredits(n int) { ledgerCredits.Set(float64(n)) }

func IncRefillPoll() { refillPolls.Inc() }
