// Package features turns a transaction plus its user's prior history into
// the fixed, ordered feature vector consumed by the risk scorer.
//
// Names is the single source of truth for feature order. The scoring
// artifact is checked against it at load time; any drift is fatal.
package features

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/mbd888/verifai/internal/transaction"
)

// ErrFeatureOrderMismatch means a consumer expects a different feature layout.
var ErrFeatureOrderMismatch = errors.New("feature order mismatch")

// Feature names, in model order.
const (
	AmountZScore               = "amount_zscore"
	AmountRatioToAvg           = "amount_ratio_to_avg"
	IsUnusualAmount            = "is_unusual_amount"
	HourOfDay                  = "hour_of_day"
	DayOfWeek                  = "day_of_week"
	IsNightTransaction         = "is_night_transaction"
	LocationDistanceKM         = "location_distance_km"
	IsUnusualLocation          = "is_unusual_location"
	TransactionsToday          = "transactions_today"
	IsVelocityAttack           = "is_velocity_attack"
	IsNewDevice                = "is_new_device"
	IsHighRiskMerchantCategory = "is_high_risk_merchant_category"
	MerchantSeenBefore         = "merchant_seen_before"
	HasVacationPattern         = "has_vacation_pattern"
	IsWeekend                  = "is_weekend"
)

// Count is the vector cardinality.
const Count = 15

// Names lists every feature in the exact order the model was trained with.
var Names = [Count]string{
	AmountZScore, AmountRatioToAvg, IsUnusualAmount,
	HourOfDay, DayOfWeek, IsNightTransaction,
	LocationDistanceKM, IsUnusualLocation,
	TransactionsToday, IsVelocityAttack,
	IsNewDevice, IsHighRiskMerchantCategory,
	MerchantSeenBefore, HasVacationPattern, IsWeekend,
}

var index = func() map[string]int {
	m := make(map[string]int, Count)
	for i, n := range Names {
		m[n] = i
	}
	return m
}()

// Vector is a feature vector laid out in Names order.
type Vector [Count]float64

// Get returns the value of a named feature (0 for unknown names).
func (v Vector) Get(name string) float64 {
	i, ok := index[name]
	if !ok {
		return 0
	}
	return v[i]
}

func (v *Vector) set(name string, value float64) {
	v[index[name]] = value
}

// Map returns the vector keyed by feature name.
func (v Vector) Map() map[string]float64 {
	m := make(map[string]float64, Count)
	for i, n := range Names {
		m[n] = v[i]
	}
	return m
}

// CheckOrder verifies that names matches Names exactly.
func CheckOrder(names []string) error {
	if len(names) != Count {
		return fmt.Errorf("%w: expected %d features, got %d", ErrFeatureOrderMismatch, Count, len(names))
	}
	for i, n := range names {
		if n != Names[i] {
			return fmt.Errorf("%w: position %d is %q, expected %q", ErrFeatureOrderMismatch, i, n, Names[i])
		}
	}
	return nil
}

// Cold-start amount statistics for users with no usable history. These bias
// the z-score features of first-time users.
const (
	DefaultMeanAmount = 5000.0
	DefaultStdAmount  = 3000.0
)

// Numeric guards and signal cut-offs.
const (
	StdEpsilon = 1e-8

	unusualAmountSigmas     = 3.0
	unusualLocationKM       = 500.0
	velocityAttackThreshold = 10
	nightStartsAfterHour    = 22
	nightEndsBeforeHour     = 6
	weekendFromDay          = 5 // Saturday in a Monday-based week

	defaultDistanceKM        = 10.0
	defaultTransactionsToday = 1
)

// DefaultHighRiskCategories are merchant categories flagged as high risk.
var DefaultHighRiskCategories = []string{"CRYPTO", "MONEY_TRANSFER", "GAMBLING"}

// Clock supplies wall-clock time for the time-of-day features.
type Clock func() time.Time

// Engineer extracts feature vectors. The zero value is not usable; use New.
type Engineer struct {
	clock    Clock
	highRisk map[string]struct{}
}

// Option configures an Engineer.
type Option func(*Engineer)

// WithClock injects the time source (tests use a fixed clock).
func WithClock(c Clock) Option {
	return func(e *Engineer) {
		if c != nil {
			e.clock = c
		}
	}
}

// WithHighRiskCategories replaces the high-risk merchant category set.
func WithHighRiskCategories(categories []string) Option {
	return func(e *Engineer) {
		e.highRisk = categorySet(categories)
	}
}

// New creates an Engineer using wall-clock time and the default category set.
func New(opts ...Option) *Engineer {
	e := &Engineer{
		clock:    time.Now,
		highRisk: categorySet(DefaultHighRiskCategories),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func categorySet(categories []string) map[string]struct{} {
	set := make(map[string]struct{}, len(categories))
	for _, c := range categories {
		c = strings.ToUpper(strings.TrimSpace(c))
		if c != "" {
			set[c] = struct{}{}
		}
	}
	return set
}

// IsHighRisk reports whether a merchant category is in the high-risk set.
func (e *Engineer) IsHighRisk(category string) bool {
	c := strings.ToUpper(strings.TrimSpace(category))
	if c == "" {
		return false
	}
	_, ok := e.highRisk[c]
	return ok
}

// Extract builds the feature vector for tx. history must contain only
// transactions committed before tx; it is never modified.
func (e *Engineer) Extract(tx transaction.Transaction, history []transaction.Transaction) Vector {
	var v Vector

	mean, std := amountStats(history)
	v.set(AmountZScore, (tx.Amount-mean)/(std+StdEpsilon))
	v.set(AmountRatioToAvg, tx.Amount/(mean+1))
	v.set(IsUnusualAmount, flag(tx.Amount > mean+unusualAmountSigmas*std))

	now := e.clock()
	hour := now.Hour()
	weekday := mondayBased(now.Weekday())
	v.set(HourOfDay, float64(hour))
	v.set(DayOfWeek, float64(weekday))
	v.set(IsNightTransaction, flag(hour > nightStartsAfterHour || hour < nightEndsBeforeHour))

	distance := defaultDistanceKM
	if tx.LocationDistanceKM != nil {
		distance = *tx.LocationDistanceKM
	}
	v.set(LocationDistanceKM, distance)
	v.set(IsUnusualLocation, flag(distance > unusualLocationKM))

	today := defaultTransactionsToday
	if tx.TransactionsToday != nil {
		today = *tx.TransactionsToday
	}
	v.set(TransactionsToday, float64(today))
	v.set(IsVelocityAttack, flag(today > velocityAttackThreshold))

	v.set(IsNewDevice, flag(tx.IsNewDevice != nil && *tx.IsNewDevice))

	v.set(IsHighRiskMerchantCategory, flag(e.IsHighRisk(tx.Category())))
	// Set for any user with history, independent of the merchant name; the
	// bundled model was trained on that encoding.
	v.set(MerchantSeenBefore, flag(len(history) > 0))

	v.set(HasVacationPattern, 0)
	v.set(IsWeekend, flag(weekday >= weekendFromDay))

	return v
}

// amountStats returns the mean and sample standard deviation of historical
// amounts, falling back to the cold-start defaults when there is too little
// history to compute them.
func amountStats(history []transaction.Transaction) (mean, std float64) {
	n := len(history)
	if n == 0 {
		return DefaultMeanAmount, DefaultStdAmount
	}

	var sum float64
	for _, h := range history {
		sum += h.Amount
	}
	mean = sum / float64(n)

	if n < 2 {
		return mean, DefaultStdAmount
	}
	var sq float64
	for _, h := range history {
		d := h.Amount - mean
		sq += d * d
	}
	return mean, math.Sqrt(sq / float64(n-1))
}

// mondayBased maps Go's Sunday-first weekday to Monday=0 ... Sunday=6.
func mondayBased(d time.Weekday) int {
	return (int(d) + 6) % 7
}

func flag(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
