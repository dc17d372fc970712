package pathvalidator

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	xerrors "PathProof-Chain/internal/errors"
	"PathProof-Chain/internal/ledger"
)

var payer = common.HexToAddress("0x00000000000000000000000000000000000a11ce")

// recordingLedger logs every ledger interaction into a shared event list.
type recordingLedger struct {
	events      *eventLog
	transferErr error
	commitErr   error
	transfers   []ledger.Transfer
}

type eventLog struct {
	mu     sync.Mutex
	events []string
}

func (e *eventLog) add(event string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, event)
}

func (e *eventLog) list() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.events...)
}

func (r *recordingLedger) Atomic(ctx context.Context, fn func(ctx context.Context, tx ledger.Tx) error) error {
	r.events.add("begin")
	if err := fn(ctx, r); err != nil {
		r.events.add("rollback")
		return err
	}
	if r.commitErr != nil {
		r.events.add("rollback")
		return r.commitErr
	}
	r.events.add("commit")
	return nil
}

func (r *recordingLedger) Transfer(_ context.Context, t ledger.Transfer) error {
	r.events.add("transfer")
	r.transfers = append(r.transfers, t)
	return r.transferErr
}

func (r *recordingLedger) Balance(context.Context, common.Address) (uint64, error) { return 0, nil }
func (r *recordingLedger) Seed(context.Context, common.Address, uint64) error      { return nil }
func (r *recordingLedger) History(context.Context, common.Address, int) ([]ledger.Record, error) {
	return nil, nil
}
func (r *recordingLedger) Close() error { return nil }

// eventHandler turns log records into events so they can be ordered against
// ledger calls.
type eventHandler struct {
	events *eventLog
}

func (h eventHandler) Enabled(context.Context, slog.Level) bool { return true }
func (h eventHandler) Handle(_ context.Context, r slog.Record) error {
	h.events.add(r.Message)
	return nil
}
func (h eventHandler) WithAttrs([]slog.Attr) slog.Handler { return h }
func (h eventHandler) WithGroup(string) slog.Handler      { return h }

func newTestValidator(t *testing.T, l ledger.Ledger, events *eventLog, opts ...Option) *Validator {
	t.Helper()

	base := []Option{
		WithLogger(slog.New(eventHandler{events: events})),
		WithAuditLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	}
	v, err := New(l, DefaultConfig(), append(base, opts...)...)
	if err != nil {
		t.Fatalf("new validator failed: %v", err)
	}
	return v
}

func proofOf(path []byte) common.Hash {
	digest, _ := ComputeDigest(path)
	return digest
}

func TestValidatorVerdictMapping(t *testing.T) {
	slow := []byte{0, 0, 1, 0, 1, 1}
	fast := []byte{0, 0, 3, 4}
	wrong := common.HexToHash("0xdead")

	cases := []struct {
		name    string
		path    []byte
		proof   common.Hash
		verdict Verdict
		err     error
		code    uint32
	}{
		{"valid", slow, proofOf(slow), VerdictValid, nil, 0},
		{"path mismatch", []byte{0, 0, 0, 0, 0, 0}, wrong, VerdictPathMismatch, ErrPathMismatch, 6000},
		{"speed exceeded", fast, proofOf(fast), VerdictSpeedExceeded, ErrSpeedExceeded, 6001},
		{"both", fast, wrong, VerdictPathMismatchAndSpeedExceeded, ErrPathMismatchAndSpeedExceeded, 6002},
		{"empty path never matches", nil, common.Hash{}, VerdictPathMismatch, ErrPathMismatch, 6000},
	}
	for _, tc := range cases {
		events := &eventLog{}
		l := &recordingLedger{events: events}
		v := newTestValidator(t, l, events)

		outcome, err := v.Validate(context.Background(), Request{Payer: payer, Proof: tc.proof, Path: tc.path})
		if tc.err == nil && err != nil {
			t.Fatalf("%s: unexpected error %v", tc.name, err)
		}
		if tc.err != nil && !errors.Is(err, tc.err) {
			t.Fatalf("%s: expected %v, got %v", tc.name, tc.err, err)
		}
		if outcome.Verdict != tc.verdict || outcome.Verdict.ProgramCode() != tc.code {
			t.Fatalf("%s: unexpected verdict %s (%d)", tc.name, outcome.Verdict, outcome.Verdict.ProgramCode())
		}
		if !outcome.Charged {
			t.Fatalf("%s: fee must be charged regardless of verdict", tc.name)
		}
		if len(l.transfers) != 1 {
			t.Fatalf("%s: expected exactly one transfer, got %d", tc.name, len(l.transfers))
		}
		tr := l.transfers[0]
		if tr.From != payer || tr.To != DefaultTreasury || tr.Amount != DefaultFee || tr.Reference != outcome.Reference {
			t.Fatalf("%s: unexpected transfer %+v", tc.name, tr)
		}
		if tc.err != nil && xerrors.RetryableError(err) {
			t.Fatalf("%s: verdict errors must not be retryable", tc.name)
		}
	}
}

func TestValidatorChargesBeforeEvaluating(t *testing.T) {
	events := &eventLog{}
	l := &recordingLedger{events: events}
	v := newTestValidator(t, l, events, WithObserver(func(context.Context, Outcome, error) {
		events.add("observed")
	}))

	path := []byte{0, 0, 3, 4}
	if _, err := v.Validate(context.Background(), Request{Payer: payer, Proof: proofOf(path), Path: path, Reference: "ref-1"}); !errors.Is(err, ErrSpeedExceeded) {
		t.Fatalf("expected speed exceeded, got %v", err)
	}

	want := []string{"begin", "transfer", "path diagnostics", "commit", "observed"}
	got := events.list()
	if len(got) != len(want) {
		t.Fatalf("unexpected events %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("event %d: want %q got %q (all: %v)", i, want[i], got[i], got)
		}
	}
	if l.transfers[0].Reference != "ref-1" {
		t.Fatalf("caller reference must be used, got %q", l.transfers[0].Reference)
	}
}

func TestValidatorPaymentFailureSkipsValidation(t *testing.T) {
	events := &eventLog{}
	l := &recordingLedger{events: events, transferErr: ledger.ErrInsufficientFunds}

	var observed []error
	v := newTestValidator(t, l, events, WithObserver(func(_ context.Context, _ Outcome, err error) {
		observed = append(observed, err)
	}))

	outcome, err := v.Validate(context.Background(), Request{Payer: payer, Path: []byte{0, 0, 3, 4}})
	if !IsPaymentFailure(err) {
		t.Fatalf("expected payment failure, got %v", err)
	}
	if !errors.Is(err, ledger.ErrInsufficientFunds) {
		t.Fatalf("payment failure should wrap the ledger cause, got %v", err)
	}
	if IsVerdictError(err) {
		t.Fatalf("payment failure must not be reported as a verdict")
	}
	if outcome.Charged || outcome.HasDigest || outcome.Verdict != "" {
		t.Fatalf("no validation effects expected, got %+v", outcome)
	}
	for _, ev := range events.list() {
		if ev == "path diagnostics" || ev == "commit" {
			t.Fatalf("validation ran after failed payment: %v", events.list())
		}
	}
	if len(observed) != 1 || !IsPaymentFailure(observed[0]) {
		t.Fatalf("observer should see the payment failure, got %v", observed)
	}
}

func TestValidatorPaymentFailureInheritsRetryability(t *testing.T) {
	events := &eventLog{}
	storage := xerrors.New(xerrors.CodeStorageFailure, "connection reset")
	v := newTestValidator(t, &recordingLedger{events: events, transferErr: storage}, events)

	_, err := v.Validate(context.Background(), Request{Payer: payer, Path: []byte{1}})
	if !IsPaymentFailure(err) || !xerrors.RetryableError(err) {
		t.Fatalf("expected retryable payment failure, got %v", err)
	}
}

func TestValidatorCommitFailureReportsNoCharge(t *testing.T) {
	events := &eventLog{}
	commitErr := xerrors.New(xerrors.CodeStorageFailure, "commit failed")
	v := newTestValidator(t, &recordingLedger{events: events, commitErr: commitErr}, events)

	outcome, err := v.Validate(context.Background(), Request{Payer: payer, Path: []byte{1, 2}})
	if !errors.Is(err, commitErr) {
		t.Fatalf("expected commit error, got %v", err)
	}
	if outcome.Charged || outcome.Verdict != "" {
		t.Fatalf("uncommitted outcome must be cleared, got %+v", outcome)
	}
}

func TestValidatorWithMemoryLedger(t *testing.T) {
	ctx := context.Background()
	l := ledger.NewMemoryLedger()
	if err := l.Seed(ctx, payer, DefaultFee+1); err != nil {
		t.Fatalf("seed failed: %v", err)
	}
	events := &eventLog{}
	v := newTestValidator(t, l, events)

	path := []byte{0, 0, 1, 1}
	if _, err := v.Validate(ctx, Request{Payer: payer, Proof: common.Hash{}, Path: path, Reference: "a"}); !errors.Is(err, ErrPathMismatch) {
		t.Fatalf("expected path mismatch, got %v", err)
	}
	if got, _ := l.Balance(ctx, DefaultTreasury); got != DefaultFee {
		t.Fatalf("failed verdict must still pay, treasury has %d", got)
	}

	_, err := v.Validate(ctx, Request{Payer: payer, Proof: proofOf(path), Path: path, Reference: "b"})
	if !IsPaymentFailure(err) {
		t.Fatalf("expected payment failure on second call, got %v", err)
	}
	if got, _ := l.Balance(ctx, payer); got != 1 {
		t.Fatalf("failed payment must leave balance untouched, got %d", got)
	}
}

func TestNewRejectsBadConfig(t *testing.T) {
	l := ledger.NewMemoryLedger()
	if _, err := New(l, Config{Treasury: DefaultTreasury}); err == nil {
		t.Fatalf("expected error for zero fee")
	}
	if _, err := New(l, Config{Fee: 1}); err == nil {
		t.Fatalf("expected error for missing treasury")
	}
	if _, err := New(l, Config{Fee: math.MaxInt64 + 1, Treasury: DefaultTreasury}); err == nil {
		t.Fatalf("expected error for fee beyond the ledger amount limit")
	}
	if _, err := New(l, Config{Fee: math.MaxInt64, Treasury: DefaultTreasury}); err != nil {
		t.Fatalf("largest storable fee must be accepted: %v", err)
	}
	if _, err := New(nil, DefaultConfig()); err == nil {
		t.Fatalf("expected error for missing ledger")
	}
}

func TestCheckMatchesEvaluate(t *testing.T) {
	path := []byte{5, 5, 5, 6}
	if got := Check(path, proofOf(path), 1); got != VerdictValid {
		t.Fatalf("expected valid, got %s", got)
	}
	if got := Check(path, proofOf(path), 0); got != VerdictSpeedExceeded {
		t.Fatalf("expected speed exceeded with zero ceiling, got %s", got)
	}
}

// stridePath walks straight up the y axis from the origin in steps of stride.
func stridePath(points, stride int) []byte {
	path := make([]byte, 0, 2*points)
	for i := 0; i < points; i++ {
		path = append(path, 0, byte(i*stride))
	}
	return path
}

func TestValidatorStrideFixtures(t *testing.T) {
	ctx := context.Background()
	goodPath := stridePath(64, 1)
	badPath := stridePath(24, 2)
	var zeroProof common.Hash

	if len(goodPath) != 128 || ComputeMaxSpeed(goodPath) != 1 {
		t.Fatalf("good path fixture broken: len %d speed %d", len(goodPath), ComputeMaxSpeed(goodPath))
	}
	if len(badPath) != 48 || ComputeMaxSpeed(badPath) != 2 {
		t.Fatalf("bad path fixture broken: len %d speed %d", len(badPath), ComputeMaxSpeed(badPath))
	}

	cases := []struct {
		name    string
		path    []byte
		proof   common.Hash
		verdict Verdict
		err     error
		code    uint32
	}{
		{"speed and proof correct", goodPath, proofOf(goodPath), VerdictValid, nil, 0},
		{"wrong proof", goodPath, zeroProof, VerdictPathMismatch, ErrPathMismatch, 6000},
		{"wrong speed", badPath, proofOf(badPath), VerdictSpeedExceeded, ErrSpeedExceeded, 6001},
		{"wrong speed and proof", badPath, zeroProof, VerdictPathMismatchAndSpeedExceeded, ErrPathMismatchAndSpeedExceeded, 6002},
	}

	l := ledger.NewMemoryLedger()
	if err := l.Seed(ctx, payer, DefaultFee*uint64(len(cases))); err != nil {
		t.Fatalf("seed failed: %v", err)
	}
	v := newTestValidator(t, l, &eventLog{})

	for i, tc := range cases {
		outcome, err := v.Validate(ctx, Request{Payer: payer, Proof: tc.proof, Path: tc.path})
		if tc.err == nil && err != nil {
			t.Fatalf("%s: unexpected error %v", tc.name, err)
		}
		if tc.err != nil && !errors.Is(err, tc.err) {
			t.Fatalf("%s: expected %v, got %v", tc.name, tc.err, err)
		}
		if outcome.Verdict != tc.verdict || outcome.Verdict.ProgramCode() != tc.code {
			t.Fatalf("%s: unexpected verdict %s (%d)", tc.name, outcome.Verdict, outcome.Verdict.ProgramCode())
		}
		if !outcome.Charged {
			t.Fatalf("%s: fee must be charged", tc.name)
		}
		if got, _ := l.Balance(ctx, DefaultTreasury); got != DefaultFee*uint64(i+1) {
			t.Fatalf("%s: treasury holds %d after %d calls", tc.name, got, i+1)
		}
	}
	if got, _ := l.Balance(ctx, payer); got != 0 {
		t.Fatalf("expected payer to have paid every call, balance %d", got)
	}
}
