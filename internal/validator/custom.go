package validator

import (
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/stagehand/asset-pipeline/internal/store/model"
)

const maxFileNameLength = 255

func assetTypeValidator(fl validator.FieldLevel) bool {
	_, err := model.ParseAssetType(fl.Field().String())
	return err == nil
}

// fileNameValidator accepts a bare file name: no directories, no control characters.
func fileNameValidator(fl validator.FieldLevel) bool {
	val := fl.Field().String()
	if val == "" {
		return true
	}
	if len(val) > maxFileNameLength || val == "." || val == ".." {
		return false
	}
	if filepath.Base(val) != val || strings.ContainsAny(val, `/\`) {
		return false
	}
	for _, r := range val {
		if r < 0x20 || r == 0x7f {
			return false
		}
	}
	return true
}

func batchPriorityValidator(fl validator.FieldLevel) bool {
	switch fl.Field().String() {
	case "", "low", "normal", "high":
		return true
	default:
		return false
	}
}
