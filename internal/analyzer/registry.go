package analyzer

import (
	"bytes"
	"fmt"

	"github.com/stagehand/asset-pipeline/internal/store/model"
)

const sniffBytes = 64 << 10

var drumGroupMarker = []byte("<DrumGroupDevice")

// Registry picks the analyzer for an asset.
type Registry struct {
	rack     Analyzer
	drumRack Analyzer
	preset   Analyzer
	session  Analyzer
}

func NewRegistry(maxBytes int64) *Registry {
	return &Registry{
		rack:     NewRack(maxBytes),
		drumRack: NewDrumRack(maxBytes),
		preset:   NewPreset(maxBytes),
		session:  NewSession(maxBytes),
	}
}

// For returns the analyzer for an asset type. Racks are sniffed so drum racks
// get the specialised analyzer; a failed sniff falls back to the generic one,
// which reports the real error.
func (r *Registry) For(assetType model.AssetType, path string) (Analyzer, error) {
	switch assetType {
	case model.AssetTypeRack:
		head, err := sniff(path, sniffBytes)
		if err == nil && bytes.Contains(head, drumGroupMarker) {
			return r.drumRack, nil
		}
		return r.rack, nil
	case model.AssetTypePreset:
		return r.preset, nil
	case model.AssetTypeSession:
		return r.session, nil
	default:
		return nil, fmt.Errorf("no analyzer for asset type %q", assetType)
	}
}
