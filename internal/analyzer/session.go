package analyzer

import (
	"context"
	"fmt"
)

// Session analyzes full session projects (.als).
type Session struct {
	maxBytes int64
}

func NewSession(maxBytes int64) *Session {
	return &Session{maxBytes: maxBytes}
}

func (a *Session) Name() string { return "session" }

func (a *Session) Analyze(ctx context.Context, path string) (*Result, error) {
	s := newStats()
	root, parseErrors, err := walk(ctx, path, a.maxBytes, s.visit)
	if err != nil {
		return nil, err
	}
	parseErrors = append(rootProblems(root), parseErrors...)
	if s.trackCount() == 0 {
		parseErrors = append(parseErrors, "session contains no tracks")
	}

	var warnings []string
	if s.tempo == "" {
		warnings = append(warnings, "session tempo is missing")
	}
	if s.emptyRefs > 0 {
		warnings = append(warnings, fmt.Sprintf("%d sample references have no path", s.emptyRefs))
	}

	return &Result{
		Analyzer: a.Name(),
		Payload: map[string]any{
			"creator":      s.creator,
			"tempo":        s.tempo,
			"tracks":       s.tracks,
			"track_count":  s.trackCount(),
			"scene_count":  s.scenes,
			"device_count": s.deviceCount(),
			"devices":      s.deviceOrder,
			"samples":      s.sampleList(),
		},
		ParseErrors:   parseErrors,
		ParseWarnings: warnings,
	}, nil
}
