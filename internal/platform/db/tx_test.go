package db

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

func TestTxFromContext_Empty(t *testing.T) {
	if tx := TxFromContext(context.Background()); tx != nil {
		t.Errorf("expected nil tx, got %v", tx)
	}
}

func TestTxFromContext_WrongType(t *testing.T) {
	ctx := context.WithValue(context.Background(), DBTxKey, "not-a-tx")
	if tx := TxFromContext(ctx); tx != nil {
		t.Errorf("expected nil tx for wrong type, got %v", tx)
	}
}

func TestNopTransactor(t *testing.T) {
	called := false
	err := NopTransactor{}.WithinTx(context.Background(), func(ctx context.Context) error {
		called = true
		return nil
	})
	if err != nil || !called {
		t.Errorf("expected fn to run without error, called=%v err=%v", called, err)
	}

	want := errors.New("boom")
	if err := (NopTransactor{}).WithinTx(context.Background(), func(context.Context) error { return want }); !errors.Is(err, want) {
		t.Errorf("expected error to propagate, got %v", err)
	}
}

func TestSavepoint_WithoutTx(t *testing.T) {
	called := false
	if err := Savepoint(context.Background(), func(context.Context) error {
		called = true
		return nil
	}); err != nil || !called {
		t.Errorf("expected fn to run directly, called=%v err=%v", called, err)
	}
}

func TestIsNoRows(t *testing.T) {
	if !IsNoRows(fmt.Errorf("get case: %w", pgx.ErrNoRows)) {
		t.Error("expected wrapped ErrNoRows to match")
	}
	if IsNoRows(errors.New("other")) {
		t.Error("expected other error not to match")
	}
}

func TestIsUniqueViolation(t *testing.T) {
	if !IsUniqueViolation(fmt.Errorf("insert: %w", &pgconn.PgError{Code: "23505"})) {
		t.Error("expected 23505 to match")
	}
	if IsUniqueViolation(&pgconn.PgError{Code: "23503"}) {
		t.Error("expected foreign key violation not to match")
	}
}
