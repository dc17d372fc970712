package ledger

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"PathProof-Chain/internal/storage/sqldb"
	"PathProof-Chain/internal/storage/sqldb/sqldbtest"
)

func newSQLiteLedger(t *testing.T) *SQLLedger {
	t.Helper()

	ctx := context.Background()
	db, err := sqldb.Open(ctx, sqldb.Config{Driver: sqldb.DriverSQLite, DSN: filepath.Join(t.TempDir(), "ledger.db")})
	if err != nil {
		t.Fatalf("open sqlite failed: %v", err)
	}
	if err := sqldb.Migrate(ctx, db); err != nil {
		db.Close()
		t.Fatalf("migrate failed: %v", err)
	}
	l := NewSQLLedger(db)
	t.Cleanup(func() { l.Close() })
	return l
}

func TestSQLLedgerTransferAndHistory(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	l := newSQLiteLedger(t)
	l.now = func() time.Time { return time.Unix(200, 0) }

	if err := l.Seed(ctx, alice, 100); err != nil {
		t.Fatalf("seed failed: %v", err)
	}
	if err := l.Seed(ctx, alice, 5); err != nil {
		t.Fatalf("second seed must be a no-op, got %v", err)
	}

	if err := l.Atomic(ctx, transferFn(Transfer{Reference: "fee-1", From: alice, To: treasury, Amount: 40})); err != nil {
		t.Fatalf("transfer failed: %v", err)
	}
	if err := l.Atomic(ctx, transferFn(Transfer{Reference: "fee-2", From: alice, To: treasury, Amount: 10})); err != nil {
		t.Fatalf("second transfer failed: %v", err)
	}

	if got, _ := l.Balance(ctx, alice); got != 50 {
		t.Fatalf("expected alice balance 50, got %d", got)
	}
	if got, _ := l.Balance(ctx, treasury); got != 50 {
		t.Fatalf("expected treasury balance 50, got %d", got)
	}

	history, err := l.History(ctx, treasury, 10)
	if err != nil {
		t.Fatalf("history failed: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("expected 2 records, got %+v", history)
	}
	for _, rec := range history {
		if rec.From != alice || rec.To != treasury || rec.CreatedAt != 200 {
			t.Fatalf("unexpected record: %+v", rec)
		}
	}
}

func TestSQLLedgerFailuresLeaveNoEffect(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	l := newSQLiteLedger(t)
	_ = l.Seed(ctx, alice, 30)

	if err := l.Atomic(ctx, transferFn(Transfer{Reference: "big", From: alice, To: treasury, Amount: 31})); !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected insufficient funds, got %v", err)
	}
	if err := l.Atomic(ctx, transferFn(Transfer{Reference: "unknown", From: bob, To: treasury, Amount: 1})); !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected insufficient funds for missing account, got %v", err)
	}

	abort := errors.New("abort")
	err := l.Atomic(ctx, func(ctx context.Context, tx Tx) error {
		if err := tx.Transfer(ctx, Transfer{Reference: "rolled", From: alice, To: treasury, Amount: 10}); err != nil {
			return err
		}
		return abort
	})
	if !errors.Is(err, abort) {
		t.Fatalf("expected abort, got %v", err)
	}

	if got, _ := l.Balance(ctx, alice); got != 30 {
		t.Fatalf("expected untouched balance 30, got %d", got)
	}
	if got, _ := l.Balance(ctx, treasury); got != 0 {
		t.Fatalf("expected empty treasury, got %d", got)
	}
	if history, _ := l.History(ctx, alice, 10); len(history) != 0 {
		t.Fatalf("expected no recorded transfers, got %+v", history)
	}

	if err := l.Atomic(ctx, transferFn(Transfer{Reference: "once", From: alice, To: treasury, Amount: 1})); err != nil {
		t.Fatalf("transfer failed: %v", err)
	}
	if err := l.Atomic(ctx, transferFn(Transfer{Reference: "once", From: alice, To: treasury, Amount: 1})); !errors.Is(err, ErrDuplicateTransfer) {
		t.Fatalf("expected duplicate transfer, got %v", err)
	}
}

func TestSQLLedgerTransferStatements(t *testing.T) {
	t.Parallel()

	db, _ := sqldbtest.Open(t,
		sqldbtest.Begin(),
		sqldbtest.Query(`SELECT memo FROM ledger_transfers WHERE reference = ?`, sqldbtest.Rows{
			Columns: []string{"memo"},
		}).WithArgs("ref"),
		sqldbtest.Exec(`UPDATE ledger_accounts SET balance = balance - ?, updated_at = ?
    WHERE address = ? AND balance >= ?`, sqldbtest.Result{RowsAffected: 1}).
			WithArgs(int64(7), int64(300), alice.Hex(), int64(7)),
		sqldbtest.Exec(`UPDATE ledger_accounts SET balance = balance + ?, updated_at = ?
    WHERE address = ?`, sqldbtest.Result{RowsAffected: 0}),
		sqldbtest.Exec(`INSERT INTO ledger_accounts (address, balance, updated_at) VALUES (?, ?, ?)`, sqldbtest.Result{RowsAffected: 1}).
			WithArgs(treasury.Hex(), int64(7), int64(300)),
		sqldbtest.Exec(`INSERT INTO ledger_transfers (reference, payer, recipient, amount, memo, created_at)
    VALUES (?, ?, ?, ?, ?, ?)`, sqldbtest.Result{RowsAffected: 1}).
			WithArgs("ref", alice.Hex(), treasury.Hex(), int64(7), "job:1", int64(300)),
		sqldbtest.Commit(),
	)

	l := NewSQLLedger(db)
	l.now = func() time.Time { return time.Unix(300, 0) }
	if err := l.Atomic(context.Background(), transferFn(Transfer{Reference: "ref", From: alice, To: treasury, Amount: 7, Memo: "job:1"})); err != nil {
		t.Fatalf("transfer failed: %v", err)
	}
}

func TestSQLLedgerRollsBackOnInsufficientFunds(t *testing.T) {
	t.Parallel()

	db, _ := sqldbtest.Open(t,
		sqldbtest.Begin(),
		sqldbtest.Query(`SELECT memo FROM ledger_transfers WHERE reference = ?`, sqldbtest.Rows{
			Columns: []string{"memo"},
		}),
		sqldbtest.Exec(`UPDATE ledger_accounts SET balance = balance - ?, updated_at = ?
    WHERE address = ? AND balance >= ?`, sqldbtest.Result{RowsAffected: 0}),
		sqldbtest.Query(`SELECT balance FROM ledger_accounts WHERE address = ?`, sqldbtest.Rows{
			Columns: []string{"balance"},
			Values:  [][]any{{int64(3)}},
		}),
		sqldbtest.Rollback(),
	)

	l := NewSQLLedger(db)
	err := l.Atomic(context.Background(), transferFn(Transfer{Reference: "ref", From: alice, To: treasury, Amount: 7}))
	if !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected insufficient funds, got %v", err)
	}
}

func TestSQLLedgerDuplicateCarriesMemo(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	l := newSQLiteLedger(t)
	_ = l.Seed(ctx, alice, 10)

	if err := l.Atomic(ctx, transferFn(Transfer{Reference: "ref", From: alice, To: treasury, Amount: 1, Memo: "job:a"})); err != nil {
		t.Fatalf("transfer failed: %v", err)
	}
	err := l.Atomic(ctx, transferFn(Transfer{Reference: "ref", From: alice, To: treasury, Amount: 1, Memo: "job:b"}))
	memo, ok := DuplicateMemo(err)
	if !ok || memo != "job:a" {
		t.Fatalf("expected duplicate of job:a, got %q %v (%v)", memo, ok, err)
	}
	history, err := l.History(ctx, alice, 10)
	if err != nil || len(history) != 1 || history[0].Memo != "job:a" {
		t.Fatalf("unexpected history %+v (%v)", history, err)
	}
}

func TestSQLLedgerDuplicateStatement(t *testing.T) {
	t.Parallel()

	db, _ := sqldbtest.Open(t,
		sqldbtest.Begin(),
		sqldbtest.Query(`SELECT memo FROM ledger_transfers WHERE reference = ?`, sqldbtest.Rows{
			Columns: []string{"memo"},
			Values:  [][]any{{"job:a"}},
		}).WithArgs("ref"),
		sqldbtest.Rollback(),
	)

	l := NewSQLLedger(db)
	err := l.Atomic(context.Background(), transferFn(Transfer{Reference: "ref", From: alice, To: treasury, Amount: 7}))
	if !errors.Is(err, ErrDuplicateTransfer) {
		t.Fatalf("expected duplicate transfer, got %v", err)
	}
	if memo, _ := DuplicateMemo(err); memo != "job:a" {
		t.Fatalf("expected recorded memo, got %q", memo)
	}
}
