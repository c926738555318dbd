package engine

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestCategoryOf(t *testing.T) {
	base := errors.New("boom")
	tests := []struct {
		name string
		err  error
		want Category
	}{
		{"nil", nil, ""},
		{"plain", base, CategoryInternal},
		{"categorized", E("tracker", CategoryDatabase, base), CategoryDatabase},
		{"wrapped", fmt.Errorf("outer: %w", E("login", CategoryAuthentication, base)), CategoryAuthentication},
		{"deadline", fmt.Errorf("fetch: %w", context.DeadlineExceeded), CategoryNetwork},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CategoryOf(tt.err); got != tt.want {
				t.Errorf("CategoryOf() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		cat  Category
		want int
	}{
		{CategoryValidation, http.StatusBadRequest},
		{CategoryAuthentication, http.StatusUnauthorized},
		{CategoryNotFound, http.StatusNotFound},
		{CategoryConflict, http.StatusConflict},
		{CategoryNetwork, http.StatusServiceUnavailable},
		{CategoryExternalService, http.StatusBadGateway},
		{CategoryDatabase, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(string(tt.cat), func(t *testing.T) {
			if got := HTTPStatus(E("op", tt.cat, errors.New("x"))); got != tt.want {
				t.Errorf("HTTPStatus(%s) = %d, want %d", tt.cat, got, tt.want)
			}
		})
	}
}

func TestErrorUnwrap(t *testing.T) {
	sentinel := errors.New("sentinel")
	err := E("op", CategoryConflict, sentinel)
	if !errors.Is(err, sentinel) {
		t.Error("errors.Is should see through *Error")
	}
	if err.Error() != "op: sentinel" {
		t.Errorf("Error() = %q", err.Error())
	}
	if E("op", CategoryConflict, nil) != nil {
		t.Error("E with nil err should return nil")
	}
}
