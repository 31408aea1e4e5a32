// Package scoring turns a feature vector into a fraud probability.
//
// A Scorer is anything that can map features.Vector to a probability in
// [0,1]: the local XGBoost artifact (ModelScorer), the neutral stand-in used
// when no artifact is deployed (NeutralScorer), or a network-hosted model
// (RemoteScorer). Decorators layer business floors (WithRules) and
// error-to-neutral fallback (WithFallback) on top of any of them.
package scoring

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mbd888/verifai/internal/features"
)

// NeutralProbability is returned whenever no model can produce a score.
const NeutralProbability = 0.5

// ErrScoringUnavailable reports that no trained artifact could be loaded.
var ErrScoringUnavailable = errors.New("scoring: model artifact unavailable")

// Scorer maps a feature vector to a fraud probability.
type Scorer interface {
	Score(ctx context.Context, v features.Vector) (float64, error)
}

// ScorerFunc adapts a function to the Scorer interface.
type ScorerFunc func(ctx context.Context, v features.Vector) (float64, error)

func (f ScorerFunc) Score(ctx context.Context, v features.Vector) (float64, error) {
	return f(ctx, v)
}

// Annotations collects per-call facts reported by scorers and decorators.
type Annotations struct {
	mu       sync.Mutex
	degraded bool
	floors   []string
}

// Degraded reports whether the probability came from the neutral fallback.
func (a *Annotations) Degraded() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.degraded
}

// Floors returns the names of floor rules that raised the probability.
func (a *Annotations) Floors() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.floors...)
}

type annotationsKey struct{}

// Annotate returns a context that collects Annotations for one Score call.
func Annotate(ctx context.Context) (context.Context, *Annotations) {
	a := &Annotations{}
	return context.WithValue(ctx, annotationsKey{}, a), a
}

func markDegraded(ctx context.Context) {
	if a, ok := ctx.Value(annotationsKey{}).(*Annotations); ok {
		a.mu.Lock()
		a.degraded = true
		a.mu.Unlock()
	}
}

func markFloor(ctx context.Context, rule string) {
	if a, ok := ctx.Value(annotationsKey{}).(*Annotations); ok {
		a.mu.Lock()
		a.floors = append(a.floors, rule)
		a.mu.Unlock()
	}
}

// Clamp bounds p to [0,1]. NaN passes through so the policy can route it
// to manual review.
func Clamp(p float64) float64 {
	switch {
	case math.IsNaN(p):
		return p
	case p < 0:
		return 0
	case p > 1:
		return 1
	default:
		return p
	}
}

// NeutralScorer always returns NeutralProbability.
type NeutralScorer struct{}

func (NeutralScorer) Score(ctx context.Context, _ features.Vector) (float64, error) {
	markDegraded(ctx)
	return NeutralProbability, nil
}

var (
	scoreDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "verifai",
		Subsystem: "scoring",
		Name:      "duration_seconds",
		Help:      "Time spent producing a fraud probability, by scorer.",
		Buckets:   []float64{.0001, .0005, .001, .005, .01, .05, .1, .5, 1},
	}, []string{"scorer"})

	fallbacksTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "verifai",
		Subsystem: "scoring",
		Name:      "fallbacks_total",
		Help:      "Score calls answered with the neutral probability after an error.",
	})

	floorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "verifai",
		Subsystem: "scoring",
		Name:      "floor_rules_applied_total",
		Help:      "Floor rules that raised a model probability, by rule.",
	}, []string{"rule"})
)

func init() {
	prometheus.MustRegister(scoreDuration, fallbacksTotal, floorsTotal)
}

func observe(scorer string, start time.Time) {
	scoreDuration.WithLabelValues(scorer).Observe(time.Since(start).Seconds())
}

// WithFallback wraps primary so that any scoring error yields
// NeutralProbability instead of failing the pipeline.
func WithFallback(primary Scorer, logger *slog.Logger) Scorer {
	if logger == nil {
		logger = slog.Default()
	}
	return &fallbackScorer{primary: primary, logger: logger}
}

type fallbackScorer struct {
	primary Scorer
	logger  *slog.Logger
}

func (f *fallbackScorer) Score(ctx context.Context, v features.Vector) (float64, error) {
	p, err := f.primary.Score(ctx, v)
	if err == nil {
		return p, nil
	}
	if ctx.Err() != nil {
		return 0, ctx.Err()
	}
	fallbacksTotal.Inc()
	f.logger.Warn("scorer failed, using neutral probability", "error", err)
	markDegraded(ctx)
	return NeutralProbability, nil
}
