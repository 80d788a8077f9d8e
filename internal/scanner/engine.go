package scanner

import (
	"context"
	"errors"

	"github.com/stagehand/asset-pipeline/internal/store/model"
)

// ErrUnavailable is returned when no engine could produce a verdict.
var ErrUnavailable = errors.New("no scan engine available")

// Engine is one malware detector.
type Engine interface {
	Name() string
	Scan(ctx context.Context, path string) ([]model.Threat, error)
	Ping(ctx context.Context) error
}

// Verdict is the combined answer of every engine that responded.
type Verdict struct {
	Threats     []model.Threat
	EnginesUsed []string
	// EngineErrors holds the engines that failed while others answered.
	EngineErrors map[string]error
}

func (v Verdict) Clean() bool {
	return len(v.Threats) == 0
}

func (v Verdict) ThreatLevel() model.ThreatLevel {
	return model.WorstThreatLevel(v.Threats)
}
