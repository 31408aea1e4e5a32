package ledger

import (
	"context"
	"sort"
	"sync"

	"github.com/mbd888/verifai/internal/agent"
	"github.com/mbd888/verifai/internal/transaction"
)

// MemoryStore is an in-memory ledger store for demo/development mode.
type MemoryStore struct {
	assessments map[string]*agent.Assessment
	byUser      map[string][]string
	alerts      map[string][]Alert
	feedback    map[string][]agent.FeedbackRecord
	freezes     map[string]Freeze
	mu          sync.RWMutex
}

// NewMemoryStore creates a new in-memory ledger store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		assessments: make(map[string]*agent.Assessment),
		byUser:      make(map[string][]string),
		alerts:      make(map[string][]Alert),
		feedback:    make(map[string][]agent.FeedbackRecord),
		freezes:     make(map[string]Freeze),
	}
}

func (m *MemoryStore) SaveAssessment(_ context.Context, _ transaction.Transaction, a *agent.Assessment, alerts []Alert) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.assessments[a.TransactionID]; ok {
		return agent.ErrDuplicateTransaction
	}
	m.assessments[a.TransactionID] = copyAssessment(a)
	m.byUser[a.UserID] = append(m.byUser[a.UserID], a.TransactionID)
	m.alerts[a.TransactionID] = append(m.alerts[a.TransactionID], alerts...)
	return nil
}

func (m *MemoryStore) GetAssessment(_ context.Context, txID string) (*agent.Assessment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	a, ok := m.assessments[txID]
	if !ok {
		return nil, agent.ErrTransactionNotFound
	}
	return copyAssessment(a), nil
}

func (m *MemoryStore) ListByUser(_ context.Context, userID string, limit int) ([]*agent.Assessment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := m.byUser[userID]
	out := make([]*agent.Assessment, 0, len(ids))
	for i := len(ids) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, copyAssessment(m.assessments[ids[i]]))
	}
	return out, nil
}

func (m *MemoryStore) ListAlerts(_ context.Context, txID string) ([]Alert, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Alert(nil), m.alerts[txID]...), nil
}

func (m *MemoryStore) SaveFeedback(_ context.Context, f agent.FeedbackRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.assessments[f.TransactionID]; !ok {
		return agent.ErrTransactionNotFound
	}
	m.feedback[f.TransactionID] = append(m.feedback[f.TransactionID], f)

	alerts := m.alerts[f.TransactionID]
	for i := range alerts {
		if alerts[i].Type != AlertVerification {
			continue
		}
		resp := f.Confirmed
		at := f.ReceivedAt
		alerts[i].UserResponse = &resp
		alerts[i].ResponseAt = &at
	}
	return nil
}

func (m *MemoryStore) ListFeedback(_ context.Context, txID string) ([]agent.FeedbackRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := append([]agent.FeedbackRecord(nil), m.feedback[txID]...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].ReceivedAt.Before(out[j].ReceivedAt) })
	return out, nil
}

func (m *MemoryStore) SaveFreeze(_ context.Context, f Freeze) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.freezes[f.UserID]; ok {
		return nil
	}
	m.freezes[f.UserID] = f
	return nil
}

func (m *MemoryStore) GetFreeze(_ context.Context, userID string) (*Freeze, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	f, ok := m.freezes[userID]
	if !ok {
		return nil, nil
	}
	return &f, nil
}

func (m *MemoryStore) DeleteFreeze(_ context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.freezes[userID]; !ok {
		return ErrNotFrozen
	}
	delete(m.freezes, userID)
	return nil
}

func copyAssessment(a *agent.Assessment) *agent.Assessment {
	cp := *a
	cp.Actions = append(cp.Actions[:0:0], a.Actions...)
	cp.FloorRules = append(cp.FloorRules[:0:0], a.FloorRules...)
	if a.Features != nil {
		cp.Features = make(map[string]float64, len(a.Features))
		for k, v := range a.Features {
			cp.Features[k] = v
		}
	}
	return &cp
}
