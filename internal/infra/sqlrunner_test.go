package infra

import (
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

func TestExtractMarker(t *testing.T) {
	tests := []struct {
		name       string
		query      string
		wantMarker string
		wantBody   string
		wantErr    bool
	}{
		{
			name:       "valid marker",
			query:      "--sql 0b3f3b8e-4c1a-4d55-9a43-3f1f0c6a9e11\nselect 1;",
			wantMarker: "0b3f3b8e-4c1a-4d55-9a43-3f1f0c6a9e11",
			wantBody:   "select 1;",
		},
		{
			name:       "leading whitespace",
			query:      "\n  --sql 0b3f3b8e-4c1a-4d55-9a43-3f1f0c6a9e11\nselect 1;\n",
			wantMarker: "0b3f3b8e-4c1a-4d55-9a43-3f1f0c6a9e11",
			wantBody:   "select 1;",
		},
		{name: "missing marker", query: "select 1;", wantErr: true},
		{name: "bad uuid", query: "--sql not-a-uuid\nselect 1;", wantErr: true},
		{name: "empty", query: "   ", wantErr: true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			marker, body, err := extractMarker(tc.query)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected error for %q", tc.query)
				}
				return
			}
			if err != nil {
				t.Fatalf("extractMarker() error = %v", err)
			}
			if marker != tc.wantMarker {
				t.Fatalf("marker = %q, want %q", marker, tc.wantMarker)
			}
			if body != tc.wantBody {
				t.Fatalf("body = %q, want %q", body, tc.wantBody)
			}
		})
	}
}

func TestPgErrorHelpers(t *testing.T) {
	unique := fmt.Errorf("insert: %w", &pgconn.PgError{Code: "23505"})
	serialization := &pgconn.PgError{Code: "40001"}
	check := &pgconn.PgError{Code: "23514"}

	if !IsUniqueViolation(unique) {
		t.Fatal("expected wrapped 23505 to be a unique violation")
	}
	if !IsRetryableTxError(unique) || !IsRetryableTxError(serialization) {
		t.Fatal("expected unique and serialization errors to be retryable")
	}
	if IsRetryableTxError(check) {
		t.Fatal("check violation must not be retryable")
	}
	if !IsCheckViolation(check) {
		t.Fatal("expected check violation")
	}
	if IsRetryableTxError(errors.New("boom")) {
		t.Fatal("plain errors must not be retryable")
	}
	if !IsNoRows(fmt.Errorf("scan: %w", pgx.ErrNoRows)) {
		t.Fatal("expected wrapped ErrNoRows to match")
	}
}
