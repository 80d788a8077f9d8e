package analyzer

import (
	"context"
	"fmt"
)

// Rack analyzes device racks (.adg).
type Rack struct {
	maxBytes int64
}

func NewRack(maxBytes int64) *Rack {
	return &Rack{maxBytes: maxBytes}
}

func (r *Rack) Name() string { return "rack" }

func (r *Rack) Analyze(ctx context.Context, path string) (*Result, error) {
	s := newStats()
	root, parseErrors, err := walk(ctx, path, r.maxBytes, s.visit)
	if err != nil {
		return nil, err
	}
	parseErrors = append(rootProblems(root), parseErrors...)

	var warnings []string
	if s.deviceCount() == 0 {
		parseErrors = append(parseErrors, "rack contains no devices")
	}
	if len(s.macros) == 0 {
		warnings = append(warnings, "rack exposes no macro controls")
	}
	if s.emptyRefs > 0 {
		warnings = append(warnings, fmt.Sprintf("%d sample references have no path", s.emptyRefs))
	}

	return &Result{
		Analyzer: r.Name(),
		Payload: map[string]any{
			"creator":      s.creator,
			"devices":      s.deviceOrder,
			"device_count": s.deviceCount(),
			"chain_count":  s.chains,
			"macros":       s.macros,
			"parameters":   s.parameters,
			"samples":      s.sampleList(),
		},
		ParseErrors:   parseErrors,
		ParseWarnings: warnings,
	}, nil
}

// DrumRack analyzes racks built around a drum group device.
type DrumRack struct {
	maxBytes int64
}

func NewDrumRack(maxBytes int64) *DrumRack {
	return &DrumRack{maxBytes: maxBytes}
}

func (d *DrumRack) Name() string { return "drum_rack" }

func (d *DrumRack) Analyze(ctx context.Context, path string) (*Result, error) {
	s := newStats()
	root, parseErrors, err := walk(ctx, path, d.maxBytes, s.visit)
	if err != nil {
		return nil, err
	}
	parseErrors = append(rootProblems(root), parseErrors...)

	var warnings []string
	if s.drumPads == 0 {
		warnings = append(warnings, "drum rack has no pads")
	}
	if len(s.samples) == 0 {
		warnings = append(warnings, "drum rack references no samples")
	}
	if s.emptyRefs > 0 {
		warnings = append(warnings, fmt.Sprintf("%d sample references have no path", s.emptyRefs))
	}

	return &Result{
		Analyzer: d.Name(),
		Payload: map[string]any{
			"creator":      s.creator,
			"devices":      s.deviceOrder,
			"device_count": s.deviceCount(),
			"pad_count":    s.drumPads,
			"pad_notes":    s.padNotes,
			"macros":       s.macros,
			"samples":      s.sampleList(),
		},
		ParseErrors:   parseErrors,
		ParseWarnings: warnings,
	}, nil
}
