package engine

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// Category classifies an error for callers that need to react to its kind
// (HTTP status, retry decisions, automation log level).
type Category string

const (
	CategoryAuthentication  Category = "AUTHENTICATION"
	CategoryValidation      Category = "VALIDATION"
	CategoryNetwork         Category = "NETWORK"
	CategoryDatabase        Category = "DATABASE"
	CategoryExternalService Category = "EXTERNAL_SERVICE"
	CategoryNotFound        Category = "NOT_FOUND"
	CategoryConflict        Category = "CONFLICT"
	CategoryInternal        Category = "INTERNAL"
)

// Error is a categorized error with the operation that produced it.
type Error struct {
	Op       string
	Category Category
	Err      error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// E wraps err with an operation name and category. A nil err returns nil.
func E(op string, cat Category, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Op: op, Category: cat, Err: err}
}

// Errorf builds a categorized error from a format string.
func Errorf(op string, cat Category, format string, args ...any) error {
	return &Error{Op: op, Category: cat, Err: fmt.Errorf(format, args...)}
}

// CategoryOf returns the category of the first categorized error in the chain.
// Uncategorized network and context errors are classified by type.
func CategoryOf(err error) Category {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Category
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return CategoryNetwork
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return CategoryNetwork
	}
	return CategoryInternal
}

// HTTPStatus maps an error category to an HTTP status code.
func HTTPStatus(err error) int {
	switch CategoryOf(err) {
	case CategoryValidation:
		return http.StatusBadRequest
	case CategoryAuthentication:
		return http.StatusUnauthorized
	case CategoryNotFound:
		return http.StatusNotFound
	case CategoryConflict:
		return http.StatusConflict
	case CategoryNetwork:
		return http.StatusServiceUnavailable
	case CategoryExternalService:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
