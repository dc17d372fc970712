package ledger

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	xerrors "PathProof-Chain/internal/errors"
)

var (
	alice    = common.HexToAddress("0x00000000000000000000000000000000000a11ce")
	bob      = common.HexToAddress("0x0000000000000000000000000000000000000b0b")
	treasury = common.HexToAddress("0x7061746854726561737572790000000000000000")
)

func transferFn(transfers ...Transfer) func(context.Context, Tx) error {
	return func(ctx context.Context, tx Tx) error {
		for _, tr := range transfers {
			if err := tx.Transfer(ctx, tr); err != nil {
				return err
			}
		}
		return nil
	}
}

func TestMemoryLedgerTransferCommits(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	l := NewMemoryLedger()
	l.now = func() time.Time { return time.Unix(100, 0) }
	if err := l.Seed(ctx, alice, 50); err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	if err := l.Atomic(ctx, transferFn(Transfer{Reference: "r1", From: alice, To: treasury, Amount: 20})); err != nil {
		t.Fatalf("transfer failed: %v", err)
	}

	if got, _ := l.Balance(ctx, alice); got != 30 {
		t.Fatalf("expected alice balance 30, got %d", got)
	}
	if got, _ := l.Balance(ctx, treasury); got != 20 {
		t.Fatalf("expected treasury balance 20, got %d", got)
	}

	history, err := l.History(ctx, alice, 10)
	if err != nil {
		t.Fatalf("history failed: %v", err)
	}
	if len(history) != 1 || history[0].Reference != "r1" || history[0].CreatedAt != 100 {
		t.Fatalf("unexpected history: %+v", history)
	}
}

func TestMemoryLedgerRollsBackOnError(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	l := NewMemoryLedger()
	_ = l.Seed(ctx, alice, 50)

	abort := errors.New("abort")
	err := l.Atomic(ctx, func(ctx context.Context, tx Tx) error {
		if err := tx.Transfer(ctx, Transfer{Reference: "r1", From: alice, To: treasury, Amount: 20}); err != nil {
			return err
		}
		if got, _ := tx.Balance(ctx, alice); got != 30 {
			t.Errorf("staged balance should be visible inside the unit, got %d", got)
		}
		return abort
	})
	if !errors.Is(err, abort) {
		t.Fatalf("expected abort error, got %v", err)
	}
	if got, _ := l.Balance(ctx, alice); got != 50 {
		t.Fatalf("expected balance unchanged after rollback, got %d", got)
	}

	// The reference of a rolled back transfer stays usable.
	if err := l.Atomic(ctx, transferFn(Transfer{Reference: "r1", From: alice, To: treasury, Amount: 20})); err != nil {
		t.Fatalf("retry after rollback failed: %v", err)
	}
}

func TestMemoryLedgerRejectsInsufficientFunds(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	l := NewMemoryLedger()
	_ = l.Seed(ctx, alice, 5)

	err := l.Atomic(ctx, transferFn(Transfer{Reference: "r1", From: alice, To: treasury, Amount: 6}))
	if !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected insufficient funds, got %v", err)
	}
	if e, ok := xerrors.From(err); !ok || e.Metadata()["balance"] != "5" {
		t.Fatalf("expected balance metadata, got %v", err)
	}
	if got, _ := l.Balance(ctx, treasury); got != 0 {
		t.Fatalf("treasury must not be credited, got %d", got)
	}
}

func TestMemoryLedgerRejectsDuplicateReference(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	l := NewMemoryLedger()
	_ = l.Seed(ctx, alice, 100)

	tr := Transfer{Reference: "same", From: alice, To: treasury, Amount: 10}
	if err := l.Atomic(ctx, transferFn(tr)); err != nil {
		t.Fatalf("first transfer failed: %v", err)
	}
	if err := l.Atomic(ctx, transferFn(tr)); !errors.Is(err, ErrDuplicateTransfer) {
		t.Fatalf("expected duplicate transfer, got %v", err)
	}
	if err := l.Atomic(ctx, transferFn(Transfer{Reference: "pair", From: alice, To: bob, Amount: 1}, Transfer{Reference: "pair", From: alice, To: bob, Amount: 1})); !errors.Is(err, ErrDuplicateTransfer) {
		t.Fatalf("expected duplicate within one unit, got %v", err)
	}
	if got, _ := l.Balance(ctx, alice); got != 90 {
		t.Fatalf("expected exactly one charge, got balance %d", got)
	}
}

func TestMemoryLedgerDuplicateCarriesMemo(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	l := NewMemoryLedger()
	_ = l.Seed(ctx, alice, 100)

	if err := l.Atomic(ctx, transferFn(Transfer{Reference: "ref", From: alice, To: treasury, Amount: 1, Memo: "job:a"})); err != nil {
		t.Fatalf("first transfer failed: %v", err)
	}
	err := l.Atomic(ctx, transferFn(Transfer{Reference: "ref", From: alice, To: treasury, Amount: 1}))
	wrapped := xerrors.Wrap(xerrors.CodeStorageFailure, err, "outer")
	if memo, ok := DuplicateMemo(wrapped); !ok || memo != "job:a" {
		t.Fatalf("expected memo job:a through the wrap, got %q %v", memo, ok)
	}

	if _, ok := DuplicateMemo(ErrInsufficientFunds); ok {
		t.Fatalf("insufficient funds is not a duplicate")
	}
	if _, ok := DuplicateMemo(nil); ok {
		t.Fatalf("nil is not a duplicate")
	}

	if err := l.Atomic(ctx, transferFn(Transfer{Reference: "plain", From: alice, To: treasury, Amount: 1})); err != nil {
		t.Fatalf("plain transfer failed: %v", err)
	}
	err = l.Atomic(ctx, transferFn(Transfer{Reference: "plain", From: alice, To: treasury, Amount: 1}))
	if memo, ok := DuplicateMemo(err); !ok || memo != "" {
		t.Fatalf("expected duplicate without memo, got %q %v", memo, ok)
	}
}

func TestTransferValidate(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		tr   Transfer
	}{
		{"missing reference", Transfer{From: alice, To: bob, Amount: 1}},
		{"zero payer", Transfer{Reference: "r", To: bob, Amount: 1}},
		{"zero recipient", Transfer{Reference: "r", From: alice, Amount: 1}},
		{"zero amount", Transfer{Reference: "r", From: alice, To: bob}},
		{"amount overflow", Transfer{Reference: "r", From: alice, To: bob, Amount: 1 << 63}},
		{"memo too long", Transfer{Reference: "r", From: alice, To: bob, Amount: 1, Memo: strings.Repeat("m", MaxMemoLen+1)}},
	}
	for _, tc := range cases {
		if err := tc.tr.Validate(); !errors.Is(err, ErrInvalidTransfer) {
			t.Fatalf("%s: expected invalid transfer, got %v", tc.name, err)
		}
	}
}

func TestMemoryLedgerSeedKeepsExistingBalance(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	l := NewMemoryLedger()
	_ = l.Seed(ctx, alice, 10)
	_ = l.Seed(ctx, alice, 99)
	if got, _ := l.Balance(ctx, alice); got != 10 {
		t.Fatalf("seed must not overwrite, got %d", got)
	}
}
