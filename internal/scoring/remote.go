package scoring

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/mbd888/verifai/internal/circuitbreaker"
	"github.com/mbd888/verifai/internal/features"
	"github.com/mbd888/verifai/internal/retry"
)

// PredictRequest is the body sent to a remote model's /predict endpoint.
type PredictRequest struct {
	Features     map[string]float64 `json:"features"`
	FeatureOrder []string           `json:"featureOrder"`
}

// PredictResponse is the remote model's answer. Only Score is used; the
// service's own threshold is informational.
type PredictResponse struct {
	Score     float64 `json:"score"`
	IsFraud   bool    `json:"isFraud"`
	Threshold float64 `json:"threshold"`
}

// RemoteConfig configures a RemoteScorer.
type RemoteConfig struct {
	BaseURL          string
	Timeout          time.Duration
	RatePerSecond    float64 // 0 disables throttling
	Burst            int
	MaxAttempts      int
	BaseDelay        time.Duration
	BreakerThreshold int
	BreakerCooldown  time.Duration
}

func (c *RemoteConfig) applyDefaults() {
	if c.Timeout <= 0 {
		c.Timeout = 2 * time.Second
	}
	if c.Burst <= 0 {
		c.Burst = 1
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = 50 * time.Millisecond
	}
}

// statusError is a non-2xx reply from the remote model.
type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("scoring: remote returned %d: %s", e.code, e.body)
}

// RemoteScorer calls a network-hosted model. Calls are throttled, retried
// with backoff on transient failures, and short-circuited while the
// service is failing.
type RemoteScorer struct {
	url     string
	client  *http.Client
	limiter *rate.Limiter
	breaker *circuitbreaker.Breaker
	retry   retry.Policy
}

// NewRemoteScorer builds a RemoteScorer. The client may be nil.
func NewRemoteScorer(cfg RemoteConfig, client *http.Client) (*RemoteScorer, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("scoring: remote scorer base URL is required")
	}
	cfg.applyDefaults()
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}

	limit := rate.Inf
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
	}

	return &RemoteScorer{
		url:     strings.TrimRight(cfg.BaseURL, "/") + "/predict",
		client:  client,
		limiter: rate.NewLimiter(limit, cfg.Burst),
		breaker: circuitbreaker.New(cfg.BreakerThreshold, cfg.BreakerCooldown),
		retry: retry.Policy{
			MaxAttempts: cfg.MaxAttempts,
			BaseDelay:   cfg.BaseDelay,
			MaxDelay:    cfg.Timeout,
		},
	}, nil
}

// BreakerState reports the circuit state for health checks.
func (r *RemoteScorer) BreakerState() circuitbreaker.State {
	return r.breaker.State(r.url)
}

func (r *RemoteScorer) Score(ctx context.Context, v features.Vector) (float64, error) {
	defer observe("remote", time.Now())

	var p float64
	err := r.breaker.Do(r.url, func() error {
		return r.retry.Do(ctx, func() error {
			if err := r.limiter.Wait(ctx); err != nil {
				return retry.Permanent(err)
			}
			var err error
			p, err = r.predict(ctx, v)
			return err
		})
	}, isCallerError)
	if err != nil {
		return 0, err
	}
	return Clamp(p), nil
}

// isCallerError reports failures that say nothing about the remote service's
// health: cancellation by the caller or a request the service rejected.
// 429 means the service is overloaded and counts against the breaker.
func isCallerError(err error) bool {
	if errors.Is(err, context.Canceled) {
		return true
	}
	var se *statusError
	return errors.As(err, &se) && se.code >= 400 && se.code < 500 && se.code != http.StatusTooManyRequests
}

func (r *RemoteScorer) predict(ctx context.Context, v features.Vector) (float64, error) {
	body, err := json.Marshal(PredictRequest{
		Features:     v.Map(),
		FeatureOrder: features.Names[:],
	})
	if err != nil {
		return 0, retry.Permanent(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewReader(body))
	if err != nil {
		return 0, retry.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return 0, retry.Permanent(ctx.Err())
		}
		return 0, fmt.Errorf("scoring: remote request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		se := &statusError{code: resp.StatusCode, body: strings.TrimSpace(string(msg))}
		if resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return 0, retry.Permanent(se)
		}
		return 0, se
	}

	var out PredictResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&out); err != nil {
		return 0, fmt.Errorf("scoring: decode remote response: %w", err)
	}
	if math.IsNaN(out.Score) || math.IsInf(out.Score, 0) {
		return 0, fmt.Errorf("scoring: remote returned non-finite score")
	}
	return out.Score, nil
}
