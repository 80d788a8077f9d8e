package analyzer

import "context"

// Preset analyzes single-device presets (.adv).
type Preset struct {
	maxBytes int64
}

func NewPreset(maxBytes int64) *Preset {
	return &Preset{maxBytes: maxBytes}
}

func (p *Preset) Name() string { return "preset" }

func (p *Preset) Analyze(ctx context.Context, path string) (*Result, error) {
	s := newStats()
	root, parseErrors, err := walk(ctx, path, p.maxBytes, s.visit)
	if err != nil {
		return nil, err
	}
	parseErrors = append(rootProblems(root), parseErrors...)

	device := ""
	if len(s.deviceOrder) > 0 {
		device = s.deviceOrder[0]
	} else {
		parseErrors = append(parseErrors, "preset contains no device")
	}

	var warnings []string
	if s.parameters == 0 {
		warnings = append(warnings, "preset stores no parameter values")
	}

	return &Result{
		Analyzer: p.Name(),
		Payload: map[string]any{
			"creator":    s.creator,
			"device":     device,
			"parameters": s.parameters,
			"macros":     s.macros,
			"samples":    s.sampleList(),
		},
		ParseErrors:   parseErrors,
		ParseWarnings: warnings,
	}, nil
}
