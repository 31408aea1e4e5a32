// Package webhooks delivers fraud notices to external services.
//
// Subscribers register a URL for one user (or "*" for every user) and
// receive signed POSTs for:
// - Fraud alerts on blocked transactions
// - Verification requests on held transactions
// - Account freezes and manual review requests
// - Fraud confirmed by the account holder
package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/mbd888/verifai/internal/agent"
	"github.com/mbd888/verifai/internal/idgen"
	"github.com/mbd888/verifai/internal/metrics"
	"github.com/mbd888/verifai/internal/retry"
)

// EventType represents the type of webhook event
type EventType string

const (
	EventAlertSent             EventType = EventType(agent.NoticeAlert)
	EventVerificationRequested EventType = EventType(agent.NoticeVerificationRequested)
	EventAccountFrozen         EventType = EventType(agent.NoticeAccountFrozen)
	EventReviewRequested       EventType = EventType(agent.NoticeReviewRequested)
	EventFraudConfirmed        EventType = EventType(agent.NoticeFraudConfirmed)
)

// AllEvents lists every event a subscription may select.
var AllEvents = []EventType{
	EventAlertSent,
	EventVerificationRequested,
	EventAccountFrozen,
	EventReviewRequested,
	EventFraudConfirmed,
}

// ValidEvent reports whether e is a known event type.
func ValidEvent(e EventType) bool {
	for _, known := range AllEvents {
		if e == known {
			return true
		}
	}
	return false
}

// AnyOwner subscribes to events for every user.
const AnyOwner = "*"

var (
	ErrNotFound   = errors.New("webhook subscription not found")
	ErrInvalidURL = errors.New("invalid webhook url")
)

// Event represents a webhook event
type Event struct {
	ID        string         `json:"id"`
	Type      EventType      `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data"`
}

// Subscription represents a webhook subscription
type Subscription struct {
	ID                  string      `json:"id"`
	Owner               string      `json:"owner"`
	URL                 string      `json:"url"`
	Secret              string      `json:"-"` // Used for HMAC signing
	Events              []EventType `json:"events"`
	Active              bool        `json:"active"`
	CreatedAt           time.Time   `json:"createdAt"`
	LastSuccess         *time.Time  `json:"lastSuccess,omitempty"`
	LastError           string      `json:"lastError,omitempty"`
	ConsecutiveFailures int         `json:"consecutiveFailures"`
}

func (s *Subscription) wants(t EventType) bool {
	for _, et := range s.Events {
		if et == t {
			return true
		}
	}
	return false
}

// Store persists webhook subscriptions
type Store interface {
	Create(ctx context.Context, sub *Subscription) error
	Get(ctx context.Context, id string) (*Subscription, error)
	GetByOwner(ctx context.Context, owner string) ([]*Subscription, error)
	GetByEvent(ctx context.Context, eventType EventType) ([]*Subscription, error)
	Update(ctx context.Context, sub *Subscription) error
	Delete(ctx context.Context, id string) error
}

// maxConsecutiveFailures deactivates a subscription after this many failed deliveries.
const maxConsecutiveFailures = 10

// Dispatcher sends webhook events. It implements agent.Notifier.
type Dispatcher struct {
	store        Store
	client       *http.Client
	logger       *slog.Logger
	retry        retry.Policy
	urlValidator func(string) error
	now          func() time.Time

	mu sync.Mutex // serializes subscription status updates
	wg sync.WaitGroup
}

// NewDispatcher creates a new webhook dispatcher
func NewDispatcher(store Store, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		store: store,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
		logger:       logger,
		retry:        retry.Policy{MaxAttempts: 3, BaseDelay: 500 * time.Millisecond, MaxDelay: 5 * time.Second},
		urlValidator: ValidateURL,
		now:          time.Now,
	}
}

// Notify fans a pipeline notice out to the user's subscriptions and to
// subscriptions for every user. Delivery is asynchronous; only the
// subscriber lookup can fail.
func (d *Dispatcher) Notify(ctx context.Context, n agent.Notice) error {
	event := &Event{
		ID:        idgen.WithPrefix(idgen.PrefixEvent),
		Type:      EventType(n.Kind),
		Timestamp: n.At,
		Data: map[string]any{
			"transactionId":    n.TransactionID,
			"userId":           n.UserID,
			"amount":           n.Amount,
			"merchant":         n.Merchant,
			"fraudProbability": jsonSafe(n.FraudProbability),
			"decision":         n.Decision,
			"reason":           n.Reason,
		},
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = d.now()
	}
	return d.DispatchToOwner(ctx, n.UserID, event)
}

// DispatchToOwner sends an event to active subscriptions of owner and of AnyOwner.
func (d *Dispatcher) DispatchToOwner(ctx context.Context, owner string, event *Event) error {
	subs, err := d.store.GetByEvent(ctx, event.Type)
	if err != nil {
		return fmt.Errorf("failed to get subscribers: %w", err)
	}

	for _, sub := range subs {
		if !sub.Active || (sub.Owner != owner && sub.Owner != AnyOwner) {
			continue
		}
		d.wg.Add(1)
		// Send async to avoid blocking the pipeline.
		go func() {
			defer d.wg.Done()
			d.send(context.WithoutCancel(ctx), sub, event)
		}()
	}
	return nil
}

// Wait blocks until in-flight deliveries finish.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

var errPermanentStatus = errors.New("subscriber rejected delivery")

func (d *Dispatcher) send(ctx context.Context, sub *Subscription, event *Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		d.recordFailure(ctx, sub, "failed to marshal event")
		return
	}
	if err := d.urlValidator(sub.URL); err != nil {
		d.recordFailure(ctx, sub, err.Error())
		return
	}

	err = d.retry.Do(ctx, func() error {
		return d.post(ctx, sub, event, payload)
	})
	if err != nil {
		metrics.WebhookDeliveriesTotal.WithLabelValues("failure").Inc()
		d.logger.Warn("webhook delivery failed", "webhook_id", sub.ID, "event", event.Type, "error", err)
		d.recordFailure(ctx, sub, err.Error())
		return
	}
	metrics.WebhookDeliveriesTotal.WithLabelValues("success").Inc()
	d.recordSuccess(ctx, sub)
}

func (d *Dispatcher) post(ctx context.Context, sub *Subscription, event *Event, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(payload))
	if err != nil {
		return retry.Permanent(fmt.Errorf("failed to create request: %w", err))
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Verifai-Event", string(event.Type))
	req.Header.Set("X-Verifai-Timestamp", strconv.FormatInt(event.Timestamp.Unix(), 10))

	// Sign the payload if secret is set
	if sub.Secret != "" {
		req.Header.Set("X-Verifai-Signature", Sign(payload, sub.Secret))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return fmt.Errorf("status %d", resp.StatusCode)
	default:
		return retry.Permanent(fmt.Errorf("%w: status %d", errPermanentStatus, resp.StatusCode))
	}
}

// Sign returns the hex HMAC-SHA256 of payload under secret.
func Sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

func (d *Dispatcher) recordSuccess(ctx context.Context, sub *Subscription) {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.now()
	sub.LastSuccess = &now
	sub.LastError = ""
	sub.ConsecutiveFailures = 0
	if err := d.store.Update(ctx, sub); err != nil {
		d.logger.Warn("failed to update webhook status", "webhook_id", sub.ID, "error", err)
	}
}

func (d *Dispatcher) recordFailure(ctx context.Context, sub *Subscription, errMsg string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	sub.LastError = errMsg
	sub.ConsecutiveFailures++
	if sub.ConsecutiveFailures >= maxConsecutiveFailures && sub.Active {
		sub.Active = false
		d.logger.Warn("webhook deactivated after repeated failures", "webhook_id", sub.ID, "owner", sub.Owner)
	}
	if err := d.store.Update(ctx, sub); err != nil {
		d.logger.Warn("failed to update webhook status", "webhook_id", sub.ID, "error", err)
	}
}

// ValidateURL accepts absolute http(s) URLs whose host is not a loopback,
// private or link-local address.
func ValidateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%w: scheme must be http or https", ErrInvalidURL)
	}
	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("%w: missing host", ErrInvalidURL)
	}
	if strings.EqualFold(host, "localhost") || strings.HasSuffix(strings.ToLower(host), ".localhost") {
		return fmt.Errorf("%w: local addresses are not allowed", ErrInvalidURL)
	}
	if ip := net.ParseIP(host); ip != nil {
		if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsUnspecified() {
			return fmt.Errorf("%w: local addresses are not allowed", ErrInvalidURL)
		}
	}
	return nil
}

func jsonSafe(f float64) any {
	if math.IsNaN(f) {
		return nil
	}
	return f
}
