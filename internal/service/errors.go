package service

import (
	"context"
	"errors"
	"fmt"

	pkgerrors "github.com/pkg/errors"
)

// ErrorKind drives the retry decision for a failed attempt.
type ErrorKind int

const (
	KindUnexpected ErrorKind = iota
	KindValidation
	KindNotFound
	KindTransient
	KindFormat
	KindSecurity
)

func (k ErrorKind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindTransient:
		return "transient"
	case KindFormat:
		return "format"
	case KindSecurity:
		return "security"
	default:
		return "unexpected"
	}
}

// ErrValidation marks input that can never succeed, such as an empty upload.
type ErrValidation struct {
	error
}

func NewErrValidation(format string, args ...any) *ErrValidation {
	return &ErrValidation{pkgerrors.WithStack(fmt.Errorf(format, args...))}
}

type ErrNotFound struct {
	error
}

func NewErrNotFound(resourceType string, id any) *ErrNotFound {
	return &ErrNotFound{pkgerrors.WithStack(fmt.Errorf("%s %v not found", resourceType, id))}
}

// ErrTransient marks infrastructure trouble worth another attempt.
type ErrTransient struct {
	error
}

func NewErrTransient(err error, format string, args ...any) *ErrTransient {
	return &ErrTransient{pkgerrors.WithStack(fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err))}
}

// ErrFormat marks a file the analyzers could not decode.
type ErrFormat struct {
	error
}

func NewErrFormat(err error) *ErrFormat {
	return &ErrFormat{pkgerrors.WithStack(fmt.Errorf("unreadable project file: %w", err))}
}

// ErrSecurity marks a file blocked by the scan stage.
type ErrSecurity struct {
	error
	Quarantined bool
}

func NewErrSecurity(quarantined bool, format string, args ...any) *ErrSecurity {
	return &ErrSecurity{error: pkgerrors.WithStack(fmt.Errorf(format, args...)), Quarantined: quarantined}
}

func (e *ErrValidation) Unwrap() error { return e.error }
func (e *ErrNotFound) Unwrap() error { return e.error }
func (e *ErrTransient) Unwrap() error { return e.error }
func (e *ErrFormat) Unwrap() error { return e.error }
func (e *ErrSecurity) Unwrap() error { return e.error }

// Classify maps an error to its kind. It is the only place doing so.
func Classify(err error) ErrorKind {
	var (
		validation *ErrValidation
		notFound   *ErrNotFound
		transient  *ErrTransient
		format     *ErrFormat
		security   *ErrSecurity
	)
	switch {
	case err == nil:
		return KindUnexpected
	case errors.As(err, &security):
		return KindSecurity
	case errors.As(err, &validation):
		return KindValidation
	case errors.As(err, &notFound):
		return KindNotFound
	case errors.As(err, &format):
		return KindFormat
	case errors.As(err, &transient), errors.Is(err, context.DeadlineExceeded):
		return KindTransient
	default:
		return KindUnexpected
	}
}

type stackTracer interface {
	StackTrace() pkgerrors.StackTrace
}

// StackTrace renders the deepest recorded stack of err, capturing one here if none exists.
func StackTrace(err error) string {
	var deepest stackTracer
	for e := err; e != nil; e = errors.Unwrap(e) {
		if st, ok := e.(stackTracer); ok {
			deepest = st
		}
	}
	if deepest == nil {
		deepest = pkgerrors.WithStack(err).(stackTracer)
	}
	return fmt.Sprintf("%+v", deepest.StackTrace())
}
