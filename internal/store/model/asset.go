package model

import (
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/datatypes"
)

// AssetType is the concrete variant of an uploaded project file.
type AssetType string

const (
	AssetTypeRack    AssetType = "rack"
	AssetTypePreset  AssetType = "preset"
	AssetTypeSession AssetType = "session"
)

func ParseAssetType(s string) (AssetType, error) {
	switch AssetType(s) {
	case AssetTypeRack, AssetTypePreset, AssetTypeSession:
		return AssetType(s), nil
	}
	return "", fmt.Errorf("unknown asset type %q", s)
}

// AssetStatus is the coarse status shown in listings.
type AssetStatus string

const (
	AssetStatusPending    AssetStatus = "pending"
	AssetStatusProcessing AssetStatus = "processing"
	AssetStatusReady      AssetStatus = "ready"
	AssetStatusReview     AssetStatus = "review"
	AssetStatusFailed     AssetStatus = "failed"
	AssetStatusBlocked    AssetStatus = "blocked"
)

// Asset is a user-uploaded rack, preset or session going through the pipeline.
type Asset struct {
	ID               uint             `gorm:"primaryKey"`
	UUID             string           `gorm:"uniqueIndex;size:36;not null"`
	Type             AssetType        `gorm:"index;size:16;not null"`
	UserID           string           `gorm:"index;not null"`
	FileName         string           `gorm:"not null"`
	FilePath         string           `gorm:"not null"`
	FileSize         int64
	FileHash         string           `gorm:"index;size:64"`
	Status           AssetStatus      `gorm:"size:16;not null;default:pending"`
	ProcessingStatus ProcessingStatus `gorm:"index;size:32;not null;default:UPLOADED"`
	ProgressPercent  int
	StageLabel       string
	StageMessage     string
	AnalysisPayload  datatypes.JSON
	ParsingErrors    datatypes.JSONSlice[string]
	ParsingWarnings  datatypes.JSONSlice[string]
	ProcessingError  *string
	CurrentJobID     *string `gorm:"size:36"`
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

type AssetList []Asset

func (a Asset) String() string {
	val, _ := json.Marshal(a)
	return string(val)
}

// ModelType is the polymorphic owner name written on ledger rows.
func (a Asset) ModelType() string {
	return string(a.Type)
}

// ProjectionFields returns the column updates that move the asset to s and refresh
// its user-facing progress.
func ProjectionFields(s ProcessingStatus) map[string]any {
	return map[string]any{
		"processing_status": s,
		"status":            s.Coarse(),
		"progress_percent":  s.ProgressPercentage(),
		"stage_label":       s.Label(),
		"stage_message":     s.Description(),
	}
}
