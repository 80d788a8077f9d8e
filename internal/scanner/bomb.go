package scanner

import (
	"context"
	"io"
	"os"

	"github.com/klauspost/compress/gzip"
	"github.com/stagehand/asset-pipeline/internal/store/model"
)

// CompressionRatio flags gzip containers that inflate far beyond their stored size.
type CompressionRatio struct {
	maxRatio int64
	maxBytes int64
}

func NewCompressionRatio(maxRatio, maxBytes int64) *CompressionRatio {
	return &CompressionRatio{maxRatio: maxRatio, maxBytes: maxBytes}
}

func (c *CompressionRatio) Name() string { return "ratio" }

func (c *CompressionRatio) Ping(context.Context) error { return nil }

func (c *CompressionRatio) Scan(ctx context.Context, path string) ([]model.Threat, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}

	zr, err := gzip.NewReader(f)
	if err != nil {
		// not a gzip container; nothing to judge
		return nil, nil
	}
	defer zr.Close()

	limit := c.maxBytes
	if byRatio := info.Size() * c.maxRatio; byRatio < limit {
		limit = byRatio
	}
	n, err := io.Copy(io.Discard, io.LimitReader(zr, limit+1))
	if err != nil {
		// corrupt streams are reported by the analyzer
		return nil, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if n <= limit {
		return nil, nil
	}
	return []model.Threat{{
		Name:     "Heuristics.CompressionBomb",
		Engine:   c.Name(),
		Severity: model.ThreatLevelHigh,
	}}, nil
}
