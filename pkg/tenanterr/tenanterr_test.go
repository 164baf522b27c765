package tenanterr

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestErrorIsMatchesByKindNotIdentity(t *testing.T) {
	err := Wrap(KindUnreachable, "tenant probe failed", errors.New("dial tcp: timeout"))
	if !errors.Is(err, Unreachable) {
		t.Fatalf("expected errors.Is to match sentinel by kind, got false")
	}
	if errors.Is(err, NotFound) {
		t.Fatalf("expected errors.Is to reject a different kind")
	}
}

func TestErrorUnwrapExposesCause(t *testing.T) {
	cause := errors.New("connection refused")
	err := Wrap(KindCipherError, "unwrap failed", cause)
	if !errors.Is(err, cause) {
		t.Fatalf("expected Unwrap to expose the original cause")
	}
}

func TestKindOfUnwrapsWrappedError(t *testing.T) {
	base := RepairFailed("run_migration:0001_core_tables.sql", errors.New("syntax error"))
	wrapped := fmt.Errorf("handling request: %w", base)

	kind, ok := KindOf(wrapped)
	if !ok {
		t.Fatalf("expected KindOf to find the wrapped *Error")
	}
	if kind != KindRepairFailed {
		t.Fatalf("KindOf() = %q, want %q", kind, KindRepairFailed)
	}
}

func TestKindOfRejectsPlainErrors(t *testing.T) {
	if _, ok := KindOf(errors.New("plain")); ok {
		t.Fatalf("expected KindOf to report ok=false for an unkinded error")
	}
}

func TestRepairFailedCarriesStep(t *testing.T) {
	err := RepairFailed("seed", errors.New("unique violation"))
	if err.Kind != KindRepairFailed {
		t.Fatalf("RepairFailed().Kind = %q, want %q", err.Kind, KindRepairFailed)
	}
	if got := err.Error(); !strings.Contains(got, `"seed"`) {
		t.Fatalf("expected a message mentioning the step, got %q", got)
	}
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		kind Kind
		want int
	}{
		{KindNotFound, 404},
		{KindConflict, 409},
		{KindInvalidInput, 400},
		{KindNoDatabaseConfigured, 409},
		{KindUnreachable, 503},
		{KindTimeout, 503},
		{KindEmptySchema, 409},
		{KindRepairFailed, 500},
		{KindCipherError, 500},
		{KindMissingKey, 500},
		{KindRefreshFailed, 502},
		{KindRevoked, 401},
		{KindCancelled, 200},
		{Kind("unrecognized"), 500},
	}

	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			if got := HTTPStatus(tt.kind); got != tt.want {
				t.Errorf("HTTPStatus(%q) = %d, want %d", tt.kind, got, tt.want)
			}
		})
	}
}
