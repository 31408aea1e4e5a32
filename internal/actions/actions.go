// Package actions names the side effects attached to each decision.
package actions

import "github.com/mbd888/verifai/internal/policy"

// Tag identifies one action taken on a transaction.
type Tag string

const (
	TransactionBlocked    Tag = "transaction-blocked"
	AlertSent             Tag = "alert-sent"
	AccountFrozen         Tag = "account-frozen"
	TransactionHeld       Tag = "transaction-held"
	VerificationRequested Tag = "verification-requested"
	TransactionApproved   Tag = "transaction-approved"
	ManualReviewRequested Tag = "manual-review-requested"
)

// For returns the ordered action tags for a decision. Unknown decisions get
// no actions.
func For(d policy.Decision) []Tag {
	switch d {
	case policy.DecisionBlock:
		return []Tag{TransactionBlocked, AlertSent, AccountFrozen}
	case policy.DecisionHold:
		return []Tag{TransactionHeld, VerificationRequested}
	case policy.DecisionApprove:
		return []Tag{TransactionApproved}
	case policy.DecisionManualReview:
		return []Tag{TransactionHeld, ManualReviewRequested}
	default:
		return nil
	}
}

// Strings converts tags for JSON and storage.
func Strings(tags []Tag) []string {
	out := make([]string, len(tags))
	for i, t := range tags {
		out[i] = string(t)
	}
	return out
}
