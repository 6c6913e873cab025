package metrics

import (
	"time"

	"consult-platform/internal/calls"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder receives orchestrator and gateway events.
type Recorder struct {
	outcomes      *prometheus.CounterVec
	debited       prometheus.Counter
	ledgerErrors  *prometheus.CounterVec
	gatewayErrors *prometheus.CounterVec
	tickLatency   prometheus.Histogram
	callDuration  prometheus.Histogram
}

// NewRecorder registers the counters on reg.
func NewRecorder(reg prometheus.Registerer) *Recorder {
	f := promauto.With(reg)
	return &Recorder{
		outcomes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "consult_call_outcomes_total",
			Help: "Calls that reached a terminal state, by status and reason",
		}, []string{"status", "reason"}),
		debited: f.NewCounter(prometheus.CounterOpts{
			Name: "consult_debited_minor_total",
			Help: "Minor currency units debited for call usage",
		}),
		ledgerErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "consult_ledger_errors_total",
			Help: "Ledger operations that failed for reasons other than insufficient funds",
		}, []string{"op"}),
		gatewayErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "consult_media_gateway_errors_total",
			Help: "Failed media gateway attempts",
		}, []string{"op"}),
		tickLatency: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "consult_billing_tick_seconds",
			Help:    "Time spent processing one billing tick",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
		}),
		callDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "consult_call_active_seconds",
			Help:    "Active duration of calls that reached Active",
			Buckets: []float64{30, 60, 120, 300, 600, 1200, 1800, 3600, 7200},
		}),
	}
}

func (r *Recorder) Finished(c calls.CallRequest) {
	r.outcomes.WithLabelValues(string(c.Status), string(c.Reason)).Inc()
	if c.ActiveAt != nil {
		r.callDuration.Observe(float64(c.DurationSeconds))
	}
}

func (r *Recorder) Debited(amountMinor int64) {
	if amountMinor > 0 {
		r.debited.Add(float64(amountMinor))
	}
}

func (r *Recorder) LedgerError(op string) { r.ledgerErrors.WithLabelValues(op).Inc() }

func (r *Recorder) TickObserved(d time.Duration) { r.tickLatency.Observe(d.Seconds()) }

// GatewayError is the media.Retrying OnError hook.
func (r *Recorder) GatewayError(op string) { r.gatewayErrors.WithLabelValues(op).Inc() }
