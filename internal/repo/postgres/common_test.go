package postgres

import (
	"database/sql"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
)

func errSQLNoRows() error { return sql.ErrNoRows }

func TestIsUniqueViolation(t *testing.T) {
	if !isUniqueViolation(&pgconn.PgError{Code: "23505"}) {
		t.Fatalf("expected unique violation")
	}
	if isUniqueViolation(&pgconn.PgError{Code: "23503"}) {
		t.Fatalf("foreign key violation is not a unique violation")
	}
	if isUniqueViolation(errors.New("boom")) {
		t.Fatalf("plain error is not a unique violation")
	}
}

func TestOptionalText(t *testing.T) {
	if v := optionalText("  "); v.Valid {
		t.Fatalf("expected null for blank")
	}
	if v := optionalText(" t1 "); !v.Valid || v.String != "t1" {
		t.Fatalf("unexpected %#v", v)
	}
}
