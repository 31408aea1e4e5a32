package server

import (
	"fmt"
	"log/slog"

	"github.com/mbd888/verifai/internal/circuitbreaker"
	"github.com/mbd888/verifai/internal/config"
	"github.com/mbd888/verifai/internal/scoring"
)

// scorerMode describes which scorer backs the agent, for health reporting.
type scorerMode struct {
	name     string
	degraded bool
	remote   *scoring.RemoteScorer
}

func (m scorerMode) status() (string, bool) {
	if m.remote != nil {
		state := m.remote.BreakerState()
		return fmt.Sprintf("%s (circuit %s)", m.name, state), state == circuitbreaker.StateOpen
	}
	return m.name, m.degraded
}

// buildScorer picks the remote model service when configured, otherwise the
// local artifact. A missing artifact degrades to the neutral scorer.
func buildScorer(cfg *config.Config, logger *slog.Logger) (scoring.Scorer, scorerMode, error) {
	if cfg.RemoteScorerURL != "" {
		rs, err := scoring.NewRemoteScorer(scoring.RemoteConfig{
			BaseURL:       cfg.RemoteScorerURL,
			Timeout:       cfg.RemoteScorerTimeout,
			RatePerSecond: cfg.RemoteScorerRPS,
		}, nil)
		if err != nil {
			return nil, scorerMode{}, err
		}
		logger.Info("using remote fraud model", "url", cfg.RemoteScorerURL)
		return scoring.WithFallback(rs, logger), scorerMode{name: "remote", remote: rs}, nil
	}

	sc, err := scoring.Load(cfg.ModelPath, cfg.ScalerPath, logger)
	if err != nil {
		return nil, scorerMode{}, fmt.Errorf("failed to load fraud model: %w", err)
	}
	if _, neutral := sc.(scoring.NeutralScorer); neutral {
		return sc, scorerMode{name: "neutral", degraded: true}, nil
	}
	return sc, scorerMode{name: "model"}, nil
}
