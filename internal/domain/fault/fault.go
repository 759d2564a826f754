// Package fault defines the error taxonomy every failure leaving the engine
// is classified into, so the HTTP boundary can branch on a kind instead of
// parsing messages.
package fault

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Kind is a flat error category.
type Kind string

// Error kinds.
const (
	DatabaseConnection Kind = "DATABASE_CONNECTION"
	TableNotFound      Kind = "TABLE_NOT_FOUND"
	PermissionDenied   Kind = "PERMISSION_DENIED"
	InvalidData        Kind = "INVALID_DATA"
	StaffNotFound      Kind = "STAFF_NOT_FOUND"
	AssignmentFailed   Kind = "ASSIGNMENT_FAILED"
	CacheError         Kind = "CACHE_ERROR"
	ValidationError    Kind = "VALIDATION_ERROR"
	NetworkError       Kind = "NETWORK_ERROR"
	TimeoutError       Kind = "TIMEOUT_ERROR"
)

// Upstream sentinels recognised by Classify. Adapters wrap driver errors in
// these so the domain never imports a driver.
var (
	ErrTableNotFound    = errors.New("table not found")
	ErrPermissionDenied = errors.New("permission denied")
	ErrNotFound         = errors.New("record not found")
	ErrUnavailable      = errors.New("upstream unavailable")
)

// Error is the structured failure carried across package boundaries.
type Error struct {
	Kind    Kind
	Op      string
	Message string
	Context map[string]any
	Time    time.Time
	Err     error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(string(e.Kind))
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports kind equality so errors.Is(err, fault.New(fault.TimeoutError, ...)) works.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return t.Kind == e.Kind
	}
	return false
}

// With returns e with key=value added to its context bag.
func (e *Error) With(key string, value any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// New creates an Error of kind.
func New(kind Kind, op, msg string) *Error {
	return &Error{Kind: kind, Op: op, Message: msg, Time: time.Now()}
}

// Newf creates an Error of kind with a formatted message.
func Newf(kind Kind, op, format string, args ...any) *Error {
	return New(kind, op, fmt.Sprintf(format, args...))
}

// Wrap creates an Error of kind wrapping err.
func Wrap(kind Kind, op string, err error, msg string) *Error {
	e := New(kind, op, msg)
	e.Err = err
	return e
}

// KindOf extracts the kind from err; "" when err is not a fault.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsKind reports whether err carries kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Classify turns an upstream data-store failure into a taxonomy entry.
// Errors already classified keep their kind.
func Classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return Wrap(TimeoutError, op, err, "upstream call timed out")
	case errors.Is(err, ErrTableNotFound):
		return Wrap(TableNotFound, op, err, "required table is missing")
	case errors.Is(err, ErrPermissionDenied):
		return Wrap(PermissionDenied, op, err, "insufficient privileges")
	case errors.Is(err, ErrNotFound):
		return Wrap(StaffNotFound, op, err, "record not found")
	default:
		return Wrap(DatabaseConnection, op, err, "data store request failed")
	}
}

// HTTPStatus maps err to the status code the HTTP boundary should return.
func HTTPStatus(err error) int {
	if errors.Is(err, ErrNotFound) {
		return http.StatusNotFound
	}
	switch KindOf(err) {
	case ValidationError, InvalidData:
		return http.StatusBadRequest
	case StaffNotFound, TableNotFound:
		return http.StatusNotFound
	case PermissionDenied:
		return http.StatusForbidden
	case TimeoutError:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
