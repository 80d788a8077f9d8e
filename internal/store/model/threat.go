package model

import (
	"fmt"
	"strings"
)

// ThreatLevel orders engine findings by severity.
type ThreatLevel string

const (
	ThreatLevelNone     ThreatLevel = "none"
	ThreatLevelLow      ThreatLevel = "low"
	ThreatLevelMedium   ThreatLevel = "medium"
	ThreatLevelHigh     ThreatLevel = "high"
	ThreatLevelCritical ThreatLevel = "critical"
)

var threatRank = map[ThreatLevel]int{
	ThreatLevelNone:     0,
	ThreatLevelLow:      1,
	ThreatLevelMedium:   2,
	ThreatLevelHigh:     3,
	ThreatLevelCritical: 4,
}

func ParseThreatLevel(s string) (ThreatLevel, error) {
	l := ThreatLevel(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := threatRank[l]; !ok {
		return ThreatLevelNone, fmt.Errorf("unknown threat level %q", s)
	}
	return l, nil
}

// AtLeast reports whether l is as severe as floor.
func (l ThreatLevel) AtLeast(floor ThreatLevel) bool {
	return threatRank[l] >= threatRank[floor]
}

// Threat is one finding reported by one engine.
type Threat struct {
	Name     string      `json:"name"`
	Engine   string      `json:"engine"`
	Severity ThreatLevel `json:"severity"`
}

// WorstThreatLevel returns the highest severity among threats, or none.
func WorstThreatLevel(threats []Threat) ThreatLevel {
	worst := ThreatLevelNone
	for _, t := range threats {
		if threatRank[t.Severity] > threatRank[worst] {
			worst = t.Severity
		}
	}
	return worst
}
