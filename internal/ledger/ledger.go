package ledger

import (
	"context"
	stdErrors "errors"
	"math"
	"net/http"
	"strconv"

	"github.com/ethereum/go-ethereum/common"

	xerrors "PathProof-Chain/internal/errors"
)

// Transfer 描述一次从付款方到收款方的原生代币划转，金额以最小单位计。
type Transfer struct {
	// Reference 是划转的幂等键，同一个 Reference 只能入账一次。
	Reference string         `json:"reference"`
	From      common.Address `json:"from"`
	To        common.Address `json:"to"`
	Amount    uint64         `json:"amount"`
	// Memo 标注划转的发起方，重复划转时随错误元数据一起返回。
	Memo string `json:"memo,omitempty"`
}

// Record 是已经入账的划转。
type Record struct {
	Transfer
	CreatedAt int64 `json:"created_at"`
}

// Tx 是 Atomic 回调中可用的账本操作，全部在同一个原子单元内生效。
type Tx interface {
	Transfer(ctx context.Context, transfer Transfer) error
	Balance(ctx context.Context, address common.Address) (uint64, error)
}

// Ledger 抽象了承载验证费用的账本。
type Ledger interface {
	// Atomic 执行 fn，fn 返回 nil 时其中的全部划转一起提交，否则全部丢弃。
	Atomic(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
	Balance(ctx context.Context, address common.Address) (uint64, error)
	// Seed 为尚不存在的账户写入初始余额，已存在的账户保持不变。
	Seed(ctx context.Context, address common.Address, amount uint64) error
	History(ctx context.Context, address common.Address, limit int) ([]Record, error)
	Close() error
}

const (
	CodeInsufficientFunds xerrors.Code = "INSUFFICIENT_FUNDS"
	CodeDuplicateTransfer xerrors.Code = "DUPLICATE_TRANSFER"
	CodeInvalidTransfer   xerrors.Code = "INVALID_TRANSFER"
)

var (
	// ErrInsufficientFunds 表示付款方余额不足以支付划转金额。
	ErrInsufficientFunds = xerrors.New(CodeInsufficientFunds, "insufficient funds")
	// ErrDuplicateTransfer 表示相同 Reference 的划转已经入账。
	ErrDuplicateTransfer = xerrors.New(CodeDuplicateTransfer, "transfer already recorded")
	// ErrInvalidTransfer 表示划转参数不合法。
	ErrInvalidTransfer = xerrors.New(CodeInvalidTransfer, "invalid transfer")
)

func init() {
	xerrors.Register(CodeInsufficientFunds, xerrors.Attributes{
		Message:    "insufficient funds",
		Severity:   xerrors.SeverityInfo,
		Retryable:  false,
		Alert:      false,
		HTTPStatus: http.StatusPaymentRequired,
	})
	xerrors.Register(CodeDuplicateTransfer, xerrors.Attributes{
		Message:    "transfer already recorded",
		Severity:   xerrors.SeverityWarning,
		Retryable:  false,
		Alert:      false,
		HTTPStatus: http.StatusConflict,
	})
	xerrors.Register(CodeInvalidTransfer, xerrors.Attributes{
		Message:    "invalid transfer",
		Severity:   xerrors.SeverityInfo,
		Retryable:  false,
		Alert:      false,
		HTTPStatus: http.StatusBadRequest,
	})
}

const (
	// MaxReferenceLen 是 Reference 的最大长度，足以容纳 0x 前缀的 32 字节十六进制。
	MaxReferenceLen = 66
	// MaxMemoLen 是 Memo 的最大长度。
	MaxMemoLen = 128
)

// Validate 检查划转参数。SQL 账本以有符号 BIGINT 存储金额，因此金额不能超过 MaxInt64。
func (t Transfer) Validate() error {
	if t.Reference == "" {
		return xerrors.New(CodeInvalidTransfer, "划转 Reference 不能为空")
	}
	if len(t.Reference) > MaxReferenceLen {
		return xerrors.New(CodeInvalidTransfer, "划转 Reference 过长")
	}
	if len(t.Memo) > MaxMemoLen {
		return xerrors.New(CodeInvalidTransfer, "划转 Memo 过长")
	}
	if t.From == (common.Address{}) {
		return xerrors.New(CodeInvalidTransfer, "付款方地址不能为空")
	}
	if t.To == (common.Address{}) {
		return xerrors.New(CodeInvalidTransfer, "收款方地址不能为空")
	}
	if t.Amount == 0 {
		return xerrors.New(CodeInvalidTransfer, "划转金额必须大于 0")
	}
	if t.Amount > math.MaxInt64 {
		return xerrors.New(CodeInvalidTransfer, "划转金额超出上限")
	}
	return nil
}

func insufficientFunds(t Transfer, balance uint64) error {
	return xerrors.New(CodeInsufficientFunds, "insufficient funds",
		xerrors.WithMetadata("payer", t.From.Hex()),
		xerrors.WithMetadata("required", strconv.FormatUint(t.Amount, 10)),
		xerrors.WithMetadata("balance", strconv.FormatUint(balance, 10)),
	)
}

// duplicateTransfer 在已知原划转 Memo 时将其写入元数据。
func duplicateTransfer(reference, memo string) error {
	opts := []xerrors.Option{xerrors.WithMetadata("reference", reference)}
	if memo != "" {
		opts = append(opts, xerrors.WithMetadata("memo", memo))
	}
	return xerrors.New(CodeDuplicateTransfer, "transfer already recorded", opts...)
}

// DuplicateMemo 在错误链中查找重复划转错误，返回已入账划转的 Memo。
// 链上没有重复划转错误时 ok 为 false，Memo 未知时返回空字符串。
func DuplicateMemo(err error) (memo string, ok bool) {
	for err != nil {
		var xe *xerrors.Error
		if stdErrors.As(err, &xe) && xe.Code() == CodeDuplicateTransfer {
			return xe.Metadata()["memo"], true
		}
		if xe == nil {
			return "", false
		}
		err = xe.Unwrap()
	}
	return "", false
}
