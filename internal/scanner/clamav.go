package scanner

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/dutchcoders/go-clamd"
	"github.com/stagehand/asset-pipeline/internal/store/model"
)

// ClamAV streams files to a clamd daemon.
type ClamAV struct {
	client *clamd.Clamd
}

func NewClamAV(address string) *ClamAV {
	return &ClamAV{client: clamd.NewClamd(address)}
}

func (c *ClamAV) Name() string { return "clamav" }

func (c *ClamAV) Ping(ctx context.Context) error {
	done := make(chan error, 1)
	go func() { done <- c.client.Ping() }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *ClamAV) Scan(ctx context.Context, path string) ([]model.Threat, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	abort := make(chan bool, 1)
	results, err := c.client.ScanStream(f, abort)
	if err != nil {
		return nil, fmt.Errorf("clamd stream: %w", err)
	}

	var threats []model.Threat
	for {
		select {
		case <-ctx.Done():
			abort <- true
			return nil, ctx.Err()
		case r, ok := <-results:
			if !ok {
				return threats, nil
			}
			switch r.Status {
			case clamd.RES_FOUND:
				threats = append(threats, model.Threat{
					Name:     r.Description,
					Engine:   c.Name(),
					Severity: SignatureSeverity(r.Description),
				})
			case clamd.RES_ERROR, clamd.RES_PARSE_ERROR:
				return nil, fmt.Errorf("clamd: %s", r.Raw)
			}
		}
	}
}

// SignatureSeverity grades a ClamAV signature name.
func SignatureSeverity(signature string) model.ThreatLevel {
	s := strings.ToLower(signature)
	switch {
	case strings.HasPrefix(s, "pua."):
		return model.ThreatLevelLow
	case strings.Contains(s, "heuristics.encrypted"):
		return model.ThreatLevelLow
	case strings.HasPrefix(s, "heuristics."), strings.Contains(s, ".phishing."):
		return model.ThreatLevelMedium
	case strings.Contains(s, "ransom"), strings.Contains(s, "backdoor"),
		strings.Contains(s, "exploit"), strings.Contains(s, "trojan"):
		return model.ThreatLevelCritical
	default:
		return model.ThreatLevelHigh
	}
}
