package scanner

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"strings"

	"github.com/stagehand/asset-pipeline/internal/store/model"
)

// HashList flags files whose SHA-256 digest is on a blocklist.
type HashList struct {
	blocked map[string]struct{}
}

func NewHashList(digests []string) *HashList {
	h := &HashList{blocked: make(map[string]struct{}, len(digests))}
	for _, d := range digests {
		d = strings.ToLower(strings.TrimSpace(d))
		if d != "" {
			h.blocked[d] = struct{}{}
		}
	}
	return h
}

func (h *HashList) Name() string { return "hashlist" }

func (h *HashList) Ping(context.Context) error { return nil }

func (h *HashList) Scan(ctx context.Context, path string) ([]model.Threat, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	sum := sha256.New()
	if _, err := io.Copy(sum, f); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	digest := hex.EncodeToString(sum.Sum(nil))
	if _, found := h.blocked[digest]; !found {
		return nil, nil
	}
	return []model.Threat{{
		Name:     "Blocklisted.SHA256." + digest[:12],
		Engine:   h.Name(),
		Severity: model.ThreatLevelCritical,
	}}, nil
}
