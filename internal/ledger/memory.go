package ledger

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	xerrors "PathProof-Chain/internal/errors"
)

// MemoryLedger 在内存中维护余额，主要用于测试与本地开发。
// Atomic 调用串行执行，回调内的写入先暂存，回调成功后才提交。
type MemoryLedger struct {
	mu         sync.Mutex
	balances   map[common.Address]uint64
	records    []Record
	seen       map[string]string
	historyCap int
	now        func() time.Time
}

// NewMemoryLedger 创建 MemoryLedger。
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		balances:   make(map[common.Address]uint64),
		seen:       make(map[string]string),
		historyCap: 4096,
		now:        time.Now,
	}
}

// Atomic 实现 Ledger 接口。
func (m *MemoryLedger) Atomic(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	if fn == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "原子操作回调不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	tx := &memoryTx{
		ledger:   m,
		balances: make(map[common.Address]uint64),
		seen:     make(map[string]string),
	}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	for addr, balance := range tx.balances {
		m.balances[addr] = balance
	}
	for ref, memo := range tx.seen {
		m.seen[ref] = memo
	}
	m.records = append(m.records, tx.records...)
	if len(m.records) > m.historyCap {
		m.records = append([]Record(nil), m.records[len(m.records)-m.historyCap:]...)
	}
	return nil
}

// Balance 返回账户余额，不存在的账户余额为 0。
func (m *MemoryLedger) Balance(_ context.Context, address common.Address) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balances[address], nil
}

// Seed 实现 Ledger 接口。
func (m *MemoryLedger) Seed(_ context.Context, address common.Address, amount uint64) error {
	if address == (common.Address{}) {
		return xerrors.New(xerrors.CodeInvalidArgument, "账户地址不能为空")
	}
	if amount > math.MaxInt64 {
		return xerrors.New(xerrors.CodeInvalidArgument, "初始余额超出上限")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.balances[address]; !ok {
		m.balances[address] = amount
	}
	return nil
}

// History 返回与账户相关的最近划转，按时间倒序。
func (m *MemoryLedger) History(_ context.Context, address common.Address, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 20
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	results := make([]Record, 0, limit)
	for i := len(m.records) - 1; i >= 0 && len(results) < limit; i-- {
		rec := m.records[i]
		if rec.From == address || rec.To == address {
			results = append(results, rec)
		}
	}
	sort.SliceStable(results, func(i, j int) bool { return results[i].CreatedAt > results[j].CreatedAt })
	return results, nil
}

// Close 对内存账本无需操作。
func (m *MemoryLedger) Close() error {
	return nil
}

type memoryTx struct {
	ledger   *MemoryLedger
	balances map[common.Address]uint64
	seen     map[string]string
	records  []Record
}

func (t *memoryTx) Balance(_ context.Context, address common.Address) (uint64, error) {
	return t.balance(address), nil
}

func (t *memoryTx) balance(address common.Address) uint64 {
	if balance, ok := t.balances[address]; ok {
		return balance
	}
	return t.ledger.balances[address]
}

func (t *memoryTx) Transfer(ctx context.Context, transfer Transfer) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := transfer.Validate(); err != nil {
		return err
	}
	if memo, ok := t.ledger.seen[transfer.Reference]; ok {
		return duplicateTransfer(transfer.Reference, memo)
	}
	if memo, ok := t.seen[transfer.Reference]; ok {
		return duplicateTransfer(transfer.Reference, memo)
	}

	fromBalance := t.balance(transfer.From)
	if fromBalance < transfer.Amount {
		return insufficientFunds(transfer, fromBalance)
	}
	if transfer.From != transfer.To {
		toBalance := t.balance(transfer.To)
		if toBalance > math.MaxInt64-transfer.Amount {
			return xerrors.New(CodeInvalidTransfer, "收款方余额溢出")
		}
		t.balances[transfer.From] = fromBalance - transfer.Amount
		t.balances[transfer.To] = toBalance + transfer.Amount
	}

	t.seen[transfer.Reference] = transfer.Memo
	t.records = append(t.records, Record{Transfer: transfer, CreatedAt: t.ledger.now().Unix()})
	return nil
}
