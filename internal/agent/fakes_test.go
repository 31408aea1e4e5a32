package agent

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mbd888/verifai/internal/features"
	"github.com/mbd888/verifai/internal/scoring"
	"github.com/mbd888/verifai/internal/transaction"
)

type recordingNotifier struct {
	mu      sync.Mutex
	notices []Notice
	err     error
}

func (n *recordingNotifier) Notify(_ context.Context, notice Notice) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notices = append(n.notices, notice)
	return n.err
}

func (n *recordingNotifier) kinds() []NoticeKind {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]NoticeKind, len(n.notices))
	for i, x := range n.notices {
		out[i] = x.Kind
	}
	return out
}

type fakeFreezer struct {
	mu     sync.Mutex
	frozen map[string]string
	err    error
}

func (f *fakeFreezer) Freeze(_ context.Context, userID, txID, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.frozen == nil {
		f.frozen = make(map[string]string)
	}
	f.frozen[userID] = txID
	return f.err
}

type fakeRecorder struct {
	mu          sync.Mutex
	assessments map[string]*Assessment
	feedback    []FeedbackRecord
	err         error
}

func newFakeRecorder() *fakeRecorder {
	return &fakeRecorder{assessments: make(map[string]*Assessment)}
}

func (r *fakeRecorder) RecordAssessment(_ context.Context, _ transaction.Transaction, a *Assessment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.assessments[a.TransactionID] = a
	return nil
}

func (r *fakeRecorder) RecordFeedback(_ context.Context, f FeedbackRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.feedback = append(r.feedback, f)
	return nil
}

func (r *fakeRecorder) GetAssessment(_ context.Context, txID string) (*Assessment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if a, ok := r.assessments[txID]; ok {
		return a.clone(), nil
	}
	return nil, ErrTransactionNotFound
}

type fakePublisher struct {
	mu       sync.Mutex
	seen     []*Assessment
	feedback []FeedbackRecord
}

func (p *fakePublisher) PublishFeedback(f FeedbackRecord) {
	p.mu.Lock()
	p.feedback = append(p.feedback, f)
	p.mu.Unlock()
}

func (p *fakePublisher) PublishAssessment(a *Assessment) {
	p.mu.Lock()
	p.seen = append(p.seen, a)
	p.mu.Unlock()
}

type fakeMirror struct {
	mu       sync.Mutex
	stored   map[string][]transaction.Transaction
	loadErr  error
	appended int
}

func (m *fakeMirror) Append(_ context.Context, tx transaction.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stored == nil {
		m.stored = make(map[string][]transaction.Transaction)
	}
	m.stored[tx.UserID] = append(m.stored[tx.UserID], tx)
	m.appended++
	return nil
}

func (m *fakeMirror) Load(_ context.Context, userID string) ([]transaction.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.loadErr != nil {
		return nil, m.loadErr
	}
	return append([]transaction.Transaction(nil), m.stored[userID]...), nil
}

// capturingScorer records every vector it scores.
type capturingScorer struct {
	mu      sync.Mutex
	p       float64
	vectors []features.Vector
}

func (s *capturingScorer) Score(_ context.Context, v features.Vector) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.vectors = append(s.vectors, v)
	return s.p, nil
}

func fixed(p float64) scoring.Scorer {
	return scoring.ScorerFunc(func(context.Context, features.Vector) (float64, error) { return p, nil })
}

var errScorerDown = errors.New("scorer down")

func failing() scoring.Scorer {
	return scoring.ScorerFunc(func(context.Context, features.Vector) (float64, error) { return 0, errScorerDown })
}

// zScoreModel writes a one-tree XGBoost artifact that scores
// amount_zscore < 2 at sigmoid(-2) ≈ 0.12 and anything above at
// sigmoid(3) ≈ 0.95, then loads it.
func zScoreModel(t *testing.T) scoring.Scorer {
	t.Helper()
	dir := t.TempDir()

	model := map[string]any{
		"learner": map[string]any{
			"feature_names": features.Names[:],
			"gradient_booster": map[string]any{
				"name": "gbtree",
				"model": map[string]any{"trees": []any{map[string]any{
					"left_children":    []int{1, -1, -1},
					"right_children":   []int{2, -1, -1},
					"split_indices":    []int{0, 0, 0},
					"split_conditions": []float64{2.0, -2.0, 3.0},
					"default_left":     []int{0, 0, 0},
				}}},
			},
			"learner_model_param": map[string]any{"base_score": "5E-1", "num_class": "0", "num_feature": "15"},
			"objective":           map[string]any{"name": "binary:logistic"},
		},
	}
	scale := make([]float64, features.Count)
	for i := range scale {
		scale[i] = 1
	}
	scaler := scoring.Scaler{FeatureNames: features.Names[:], Mean: make([]float64, features.Count), Scale: scale}

	modelPath := filepath.Join(dir, "model.json")
	scalerPath := filepath.Join(dir, "scaler.json")
	for path, v := range map[string]any{modelPath: model, scalerPath: scaler} {
		data, err := json.Marshal(v)
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(path, data, 0o600))
	}

	s, err := scoring.Load(modelPath, scalerPath, nil)
	require.NoError(t, err)
	require.IsType(t, &scoring.ModelScorer{}, s)
	return s
}
