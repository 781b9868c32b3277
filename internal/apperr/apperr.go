// Package apperr maps domain failures to machine-readable codes and HTTP statuses.
package apperr

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/zinspection/riskengine/internal/risk"
)

// Code is a machine-readable error code returned to API clients.
type Code string

const (
	CodeInvalidInput      Code = "INVALID_INPUT"
	CodeNoSelection       Code = "NO_SELECTION"
	CodeUnknownOption     Code = "UNKNOWN_OPTION"
	CodeOutOfRange        Code = "OUT_OF_RANGE"
	CodeCardinality       Code = "ROLE_CARDINALITY_EXCEEDED"
	CodeNotFound          Code = "NOT_FOUND"
	CodeFileMissing       Code = "FILE_MISSING"
	CodeRenderingFailed   Code = "RENDERING_FAILED"
	CodeConflict          Code = "CONFLICT"
	CodeUnauthorized      Code = "UNAUTHORIZED"
	CodeUnavailable       Code = "UNAVAILABLE"
	CodeInternal          Code = "INTERNAL"
	CodeUnknownTaxonomy   Code = "UNKNOWN_TAXONOMY"
	CodeInvalidTransition Code = "INVALID_TRANSITION"
)

var (
	// ErrNotFound reports a missing database row.
	ErrNotFound = errors.New("not found")
	// ErrFileMissing reports a recorded artifact whose bytes are gone from storage.
	ErrFileMissing = errors.New("artifact file missing")
	// ErrRenderingFailed reports a document renderer failure.
	ErrRenderingFailed = errors.New("rendering failed")
	// ErrConflict reports a write rejected by current state (duplicate, locked response).
	ErrConflict = errors.New("conflict")
	// ErrInvalidTransition reports an illegal report status change.
	ErrInvalidTransition = errors.New("invalid report status transition")
	// ErrUnavailable reports a collaborator that is not configured.
	ErrUnavailable = errors.New("unavailable")
)

// Error carries an HTTP status and code along with the underlying error.
type Error struct {
	Status  int
	Code    Code
	Err     error
	Details map[string]any
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	if e.Code != "" {
		return string(e.Code)
	}
	return fmt.Sprintf("api error (%d)", e.Status)
}

func (e *Error) Unwrap() error { return e.Err }

// New creates an Error.
func New(status int, code Code, err error) *Error {
	return &Error{Status: status, Code: code, Err: err}
}

// CardinalityError rejects an assignment that would exceed a role's maximum.
type CardinalityError struct {
	ProjectID    string
	Role         string
	CurrentCount int
	MaxAllowed   int
}

func (e *CardinalityError) Error() string {
	return fmt.Sprintf("project %s already has %d %s assignment(s), maximum is %d",
		e.ProjectID, e.CurrentCount, e.Role, e.MaxAllowed)
}

// Details returns the structured payload for API responses.
func (e *CardinalityError) Details() map[string]any {
	return map[string]any{
		"role":         e.Role,
		"currentCount": e.CurrentCount,
		"maxAllowed":   e.MaxAllowed,
		"projectId":    e.ProjectID,
	}
}

// From classifies any error into an *Error. Unknown errors become 500 INTERNAL.
func From(err error) *Error {
	var ae *Error
	if errors.As(err, &ae) {
		return ae
	}
	var ce *CardinalityError
	if errors.As(err, &ce) {
		return &Error{Status: http.StatusBadRequest, Code: CodeCardinality, Err: err, Details: ce.Details()}
	}
	switch {
	case errors.Is(err, risk.ErrInvalidInput):
		return New(http.StatusBadRequest, CodeInvalidInput, err)
	case errors.Is(err, risk.ErrNoSelection):
		return New(http.StatusBadRequest, CodeNoSelection, err)
	case errors.Is(err, risk.ErrUnknownOption):
		return New(http.StatusBadRequest, CodeUnknownOption, err)
	case errors.Is(err, risk.ErrOutOfRange):
		return New(http.StatusBadRequest, CodeOutOfRange, err)
	case errors.Is(err, risk.ErrUnknownTaxonomy):
		return New(http.StatusNotFound, CodeUnknownTaxonomy, err)
	case errors.Is(err, ErrNotFound):
		return New(http.StatusNotFound, CodeNotFound, err)
	case errors.Is(err, ErrFileMissing):
		return New(http.StatusGone, CodeFileMissing, err)
	case errors.Is(err, ErrRenderingFailed):
		return New(http.StatusInternalServerError, CodeRenderingFailed, err)
	case errors.Is(err, ErrConflict):
		return New(http.StatusConflict, CodeConflict, err)
	case errors.Is(err, ErrInvalidTransition):
		return New(http.StatusConflict, CodeInvalidTransition, err)
	case errors.Is(err, ErrUnavailable):
		return New(http.StatusServiceUnavailable, CodeUnavailable, err)
	}
	return New(http.StatusInternalServerError, CodeInternal, err)
}
