package realtime

import (
	"net/url"
	"slices"
	"strconv"
	"strings"

	"github.com/mbd888/verifai/internal/agent"
	"github.com/mbd888/verifai/internal/policy"
)

// Subscription narrows the decision feed a monitor receives. Zero-valued
// filters match everything.
type Subscription struct {
	AllEvents  bool        `json:"allEvents"`
	EventTypes []EventType `json:"eventTypes"`
	UserIDs    []string    `json:"userIds"`
	Decisions  []string    `json:"decisions"` // e.g. ["BLOCK", "HOLD"]
	MinAmount  float64     `json:"minAmount"` // assessments only
}

// ParseSubscription builds a subscription from ?user=&decision=&min_amount=.
// Decisions are matched case-insensitively and unknown ones are ignored.
// With no filters the subscription receives every event.
func ParseSubscription(q url.Values) Subscription {
	sub := Subscription{UserIDs: q["user"]}
	for _, d := range q["decision"] {
		if dec := policy.Decision(strings.ToUpper(strings.TrimSpace(d))); dec.Valid() {
			sub.Decisions = append(sub.Decisions, string(dec))
		}
	}
	if f, err := strconv.ParseFloat(q.Get("min_amount"), 64); err == nil {
		sub.MinAmount = f
	}
	sub.AllEvents = len(sub.UserIDs) == 0 && len(sub.Decisions) == 0 && sub.MinAmount == 0
	return sub
}

// Matches reports whether e passes every filter. Filters that do not apply
// to an event's payload are skipped: feedback has no decision or amount,
// and unknown payloads pass all data filters.
func (s Subscription) Matches(e *Event) bool {
	if s.AllEvents {
		return true
	}
	if len(s.EventTypes) > 0 && !slices.Contains(s.EventTypes, e.Type) {
		return false
	}

	switch d := e.Data.(type) {
	case *agent.Assessment:
		return s.matchUser(d.UserID) &&
			(len(s.Decisions) == 0 || slices.Contains(s.Decisions, string(d.Decision))) &&
			(s.MinAmount <= 0 || d.Amount >= s.MinAmount)
	case agent.FeedbackRecord:
		return s.matchUser(d.UserID)
	default:
		return true
	}
}

func (s Subscription) matchUser(userID string) bool {
	return len(s.UserIDs) == 0 || slices.Contains(s.UserIDs, userID)
}
