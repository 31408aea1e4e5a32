package ledger

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mbd888/verifai/internal/agent"
)

var (
	decisionsRecorded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "verifai",
			Subsystem: "ledger",
			Name:      "decisions_recorded_total",
			Help:      "Assessments written to the ledger, by decision.",
		},
		[]string{"decision"},
	)

	alertsRaised = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "verifai",
			Subsystem: "ledger",
			Name:      "alerts_raised_total",
			Help:      "Alert rows derived from action tags, by alert type.",
		},
		[]string{"type"},
	)

	feedbackRecorded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "verifai",
			Subsystem: "ledger",
			Name:      "feedback_recorded_total",
			Help:      "Verification answers stored, by outcome (legitimate or fraud).",
		},
		[]string{"outcome"},
	)

	freezeEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "verifai",
			Subsystem: "ledger",
			Name:      "account_freeze_events_total",
			Help:      "Account freezes issued and lifted.",
		},
		[]string{"event"},
	)

	storeLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "verifai",
			Subsystem: "ledger",
			Name:      "store_duration_seconds",
			Help:      "Ledger store write latency, by operation and result.",
			Buckets:   []float64{0.0005, 0.002, 0.01, 0.05, 0.25, 1},
		},
		[]string{"op", "result"},
	)
)

func init() {
	prometheus.MustRegister(decisionsRecorded, alertsRaised, feedbackRecorded, freezeEvents, storeLatency)
}

// timeWrite starts a latency observation for op. The returned func records
// it under result "ok" or "error" and passes err through.
func timeWrite(op string) func(error) error {
	start := time.Now()
	return func(err error) error {
		result := "ok"
		if err != nil {
			result = "error"
		}
		storeLatency.WithLabelValues(op, result).Observe(time.Since(start).Seconds())
		return err
	}
}

func countAssessment(a *agent.Assessment, alerts []Alert) {
	decisionsRecorded.WithLabelValues(string(a.Decision)).Inc()
	for _, al := range alerts {
		alertsRaised.WithLabelValues(string(al.Type)).Inc()
	}
}

func countFeedback(f agent.FeedbackRecord) {
	outcome := "legitimate"
	if f.FraudConfirmed {
		outcome = "fraud"
	}
	feedbackRecorded.WithLabelValues(outcome).Inc()
}
