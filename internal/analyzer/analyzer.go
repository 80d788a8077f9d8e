package analyzer

import (
	"context"
	"errors"
)

var (
	// ErrNotCompressed is returned for files without a gzip header.
	ErrNotCompressed = errors.New("file is not a gzip container")
	// ErrCorrupt is returned when the container cannot be decompressed.
	ErrCorrupt = errors.New("container is corrupt")
	// ErrMalformed is returned when no document structure could be read at all.
	ErrMalformed = errors.New("document is malformed")
	// ErrTooLarge is returned when decompression exceeds the configured bound.
	ErrTooLarge = errors.New("decompressed document exceeds size limit")
)

// Result is the structured outcome of one analysis. A non-empty ParseErrors
// means the document was only partially understood.
type Result struct {
	Analyzer      string         `json:"analyzer"`
	Payload       map[string]any `json:"payload"`
	ParseErrors   []string       `json:"parse_errors"`
	ParseWarnings []string       `json:"parse_warnings"`
}

type Analyzer interface {
	Name() string
	Analyze(ctx context.Context, path string) (*Result, error)
}
