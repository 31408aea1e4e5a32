package scoring

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"time"

	"github.com/mbd888/verifai/internal/features"
)

// Scaler holds StandardScaler parameters exported at training time.
type Scaler struct {
	FeatureNames []string  `json:"feature_names"`
	Mean         []float64 `json:"mean"`
	Scale        []float64 `json:"scale"`
}

// Validate checks the scaler against the canonical feature order.
func (s *Scaler) Validate() error {
	if err := features.CheckOrder(s.FeatureNames); err != nil {
		return fmt.Errorf("scaler: %w", err)
	}
	if len(s.Mean) != features.Count || len(s.Scale) != features.Count {
		return fmt.Errorf("scaler: expected %d mean/scale values, got %d/%d",
			features.Count, len(s.Mean), len(s.Scale))
	}
	return nil
}

// Transform standardizes v. A zero scale leaves the centered value as is,
// matching scikit-learn's handling of constant features.
func (s *Scaler) Transform(v features.Vector) []float64 {
	out := make([]float64, features.Count)
	for i := range out {
		scale := s.Scale[i]
		if scale == 0 {
			scale = 1
		}
		out[i] = (v[i] - s.Mean[i]) / scale
	}
	return out
}

// Artifact is a trained model together with its input scaler.
type Artifact struct {
	Scaler *Scaler
	Model  *TreeEnsemble
}

// LoadArtifact reads the model and scaler files and verifies both were
// trained on the canonical feature order. A missing file yields an error
// wrapping ErrScoringUnavailable; any other problem is a hard error.
func LoadArtifact(modelPath, scalerPath string) (*Artifact, error) {
	if modelPath == "" || scalerPath == "" {
		return nil, fmt.Errorf("%w: model or scaler path not configured", ErrScoringUnavailable)
	}

	modelData, err := readArtifactFile(modelPath)
	if err != nil {
		return nil, err
	}
	scalerData, err := readArtifactFile(scalerPath)
	if err != nil {
		return nil, err
	}

	model, err := ParseTreeEnsemble(modelData)
	if err != nil {
		return nil, err
	}
	if len(model.FeatureNames) > 0 {
		if err := features.CheckOrder(model.FeatureNames); err != nil {
			return nil, fmt.Errorf("model: %w", err)
		}
	}
	if model.NumFeature != 0 && model.NumFeature != features.Count {
		return nil, fmt.Errorf("model: %w: trained on %d features",
			features.ErrFeatureOrderMismatch, model.NumFeature)
	}

	var scaler Scaler
	if err := json.Unmarshal(scalerData, &scaler); err != nil {
		return nil, fmt.Errorf("scoring: decode scaler: %w", err)
	}
	if err := scaler.Validate(); err != nil {
		return nil, err
	}

	return &Artifact{Scaler: &scaler, Model: model}, nil
}

func readArtifactFile(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s not found", ErrScoringUnavailable, path)
	}
	if err != nil {
		return nil, fmt.Errorf("scoring: read %s: %w", path, err)
	}
	return data, nil
}

// ModelScorer evaluates a loaded Artifact in process.
type ModelScorer struct {
	artifact *Artifact
}

// NewModelScorer wraps a loaded artifact.
func NewModelScorer(a *Artifact) *ModelScorer {
	return &ModelScorer{artifact: a}
}

func (m *ModelScorer) Score(_ context.Context, v features.Vector) (float64, error) {
	defer observe("model", time.Now())
	x := m.artifact.Scaler.Transform(v)
	return Clamp(m.artifact.Model.Predict(x)), nil
}

// Load returns a ModelScorer for the artifact at the given paths. When the
// artifact is absent it logs a single warning and returns NeutralScorer so
// the service keeps running; a corrupt or misordered artifact is an error.
func Load(modelPath, scalerPath string, logger *slog.Logger) (Scorer, error) {
	if logger == nil {
		logger = slog.Default()
	}
	a, err := LoadArtifact(modelPath, scalerPath)
	if errors.Is(err, ErrScoringUnavailable) {
		logger.Warn("fraud model not loaded, scoring with neutral probability",
			"model_path", modelPath, "scaler_path", scalerPath, "error", err)
		return NeutralScorer{}, nil
	}
	if err != nil {
		return nil, err
	}
	logger.Info("fraud model loaded", "model_path", modelPath, "trees", a.Model.Trees())
	return NewModelScorer(a), nil
}
