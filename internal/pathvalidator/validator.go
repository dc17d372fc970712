package pathvalidator

import (
	"context"
	"log/slog"
	"math"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	xerrors "PathProof-Chain/internal/errors"
	"PathProof-Chain/internal/ledger"
	"PathProof-Chain/pkg/logger"
)

const (
	// DefaultFee is 0.01 of the native unit expressed in subunits, with
	// 10^9 subunits per unit.
	DefaultFee uint64 = 10_000_000
	// DefaultMaxSpeed is the largest accepted step length.
	DefaultMaxSpeed uint8 = 1
)

// DefaultTreasury receives validation fees unless configured otherwise.
var DefaultTreasury = common.HexToAddress("0x7061746854726561737572790000000000000000")

// Config carries the fee policy and the speed ceiling.
type Config struct {
	Fee      uint64
	Treasury common.Address
	MaxSpeed uint8
}

// DefaultConfig returns the stock fee, treasury and ceiling.
func DefaultConfig() Config {
	return Config{Fee: DefaultFee, Treasury: DefaultTreasury, MaxSpeed: DefaultMaxSpeed}
}

// Validate checks that a fee can actually be charged.
func (c Config) Validate() error {
	if c.Fee == 0 {
		return xerrors.New(xerrors.CodeInvalidArgument, "validation fee must be positive")
	}
	if c.Fee > math.MaxInt64 {
		return xerrors.New(xerrors.CodeInvalidArgument, "validation fee exceeds the ledger amount limit")
	}
	if c.Treasury == (common.Address{}) {
		return xerrors.New(xerrors.CodeInvalidArgument, "treasury address is required")
	}
	return nil
}

// Request is one validation call.
type Request struct {
	Payer common.Address
	Proof common.Hash
	Path  []byte
	// Reference is the idempotency key of the fee transfer. A random one is
	// used when empty.
	Reference string
	// Memo is recorded with the fee transfer to identify who charged it.
	Memo string
}

// Outcome reports what a validation call did. Charged is true only when the
// fee transfer was committed.
type Outcome struct {
	Payer     common.Address
	Reference string
	Fee       uint64
	Charged   bool
	Digest    common.Hash
	HasDigest bool
	MaxSpeed  uint8
	Verdict   Verdict
}

// Observer is notified after every call, with the outcome and the error
// returned to the caller.
type Observer func(ctx context.Context, outcome Outcome, err error)

// Validator charges the fee and checks a path inside one ledger unit.
// It holds no per-call state and is safe for concurrent use.
type Validator struct {
	cfg       Config
	ledger    ledger.Ledger
	logger    *slog.Logger
	audit     *slog.Logger
	observers []Observer
}

// Option customises a Validator.
type Option func(*Validator)

// WithLogger sets the diagnostics logger.
func WithLogger(l *slog.Logger) Option {
	return func(v *Validator) {
		if l != nil {
			v.logger = l
		}
	}
}

// WithAuditLogger sets the logger receiving fee and verdict records.
func WithAuditLogger(l *slog.Logger) Option {
	return func(v *Validator) {
		if l != nil {
			v.audit = l
		}
	}
}

// WithObserver registers fn to run after each call.
func WithObserver(fn Observer) Option {
	return func(v *Validator) {
		if fn != nil {
			v.observers = append(v.observers, fn)
		}
	}
}

// New builds a Validator over l.
func New(l ledger.Ledger, cfg Config, opts ...Option) (*Validator, error) {
	if l == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "ledger is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	v := &Validator{cfg: cfg, ledger: l}
	for _, opt := range opts {
		opt(v)
	}
	if v.logger == nil {
		v.logger = logger.Named("validator")
	}
	if v.audit == nil {
		v.audit = logger.Audit()
	}
	return v, nil
}

// Config returns the fee policy in effect.
func (v *Validator) Config() Config { return v.cfg }

// Validate charges the fee and then evaluates req.
//
// The transfer and the evaluation share one ledger unit and the transfer
// runs first, so a failed verdict still pays. A failed payment aborts the
// unit before the path is read and is returned as PAYMENT_FAILED. A failed
// verdict is returned as its verdict error alongside a populated Outcome.
func (v *Validator) Validate(ctx context.Context, req Request) (Outcome, error) {
	if req.Payer == (common.Address{}) {
		return Outcome{}, xerrors.New(xerrors.CodeInvalidArgument, "payer address is required")
	}
	reference := req.Reference
	if reference == "" {
		reference = uuid.NewString()
	}

	outcome := Outcome{Payer: req.Payer, Reference: reference, Fee: v.cfg.Fee}
	err := v.ledger.Atomic(ctx, func(ctx context.Context, tx ledger.Tx) error {
		transfer := ledger.Transfer{
			Reference: reference,
			From:      req.Payer,
			To:        v.cfg.Treasury,
			Amount:    v.cfg.Fee,
			Memo:      req.Memo,
		}
		if err := tx.Transfer(ctx, transfer); err != nil {
			return paymentFailed(err, req.Payer)
		}
		outcome.Charged = true

		outcome.Digest, outcome.HasDigest = ComputeDigest(req.Path)
		outcome.MaxSpeed = ComputeMaxSpeed(req.Path)
		v.logger.DebugContext(ctx, "path diagnostics",
			slog.String("reference", reference),
			slog.String("digest", digestString(outcome)),
			slog.Int("max_speed", int(outcome.MaxSpeed)),
			slog.Int("path_len", len(req.Path)),
		)
		outcome.Verdict = Evaluate(outcome.Digest, outcome.HasDigest, req.Proof, outcome.MaxSpeed, v.cfg.MaxSpeed)
		return nil
	})
	if err != nil {
		failed := Outcome{Payer: req.Payer, Reference: reference, Fee: v.cfg.Fee}
		v.audit.WarnContext(ctx, "validation fee not charged",
			slog.String("payer", req.Payer.Hex()),
			slog.String("reference", reference),
			slog.String("code", string(xerrors.CodeOf(err))),
			slog.String("error", err.Error()),
		)
		v.notify(ctx, failed, err)
		return failed, err
	}

	v.audit.InfoContext(ctx, "validation fee charged",
		slog.String("payer", req.Payer.Hex()),
		slog.String("treasury", v.cfg.Treasury.Hex()),
		slog.String("reference", reference),
		slog.String("amount", strconv.FormatUint(v.cfg.Fee, 10)),
		slog.String("verdict", string(outcome.Verdict)),
	)
	verdictErr := outcome.Verdict.Err()
	v.notify(ctx, outcome, verdictErr)
	return outcome, verdictErr
}

func (v *Validator) notify(ctx context.Context, outcome Outcome, err error) {
	for _, fn := range v.observers {
		fn(ctx, outcome, err)
	}
}

// IsPaymentFailure reports whether err came from the fee transfer.
func IsPaymentFailure(err error) bool {
	return xerrors.CodeOf(err) == CodePaymentFailed
}

func paymentFailed(cause error, payer common.Address) error {
	return xerrors.Wrap(CodePaymentFailed, cause, "validation fee could not be charged",
		xerrors.WithMetadata("payer", payer.Hex()),
		xerrors.WithMetadata("cause", string(xerrors.CodeOf(cause))),
		xerrors.WithRetryable(xerrors.RetryableError(cause)),
	)
}

func digestString(o Outcome) string {
	if !o.HasDigest {
		return "none"
	}
	return o.Digest.Hex()
}
