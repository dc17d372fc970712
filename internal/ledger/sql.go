package ledger

import (
	"context"
	"database/sql"
	"errors"
	"math"
	"time"

	"github.com/ethereum/go-ethereum/common"

	xerrors "PathProof-Chain/internal/errors"
	"PathProof-Chain/internal/storage/sqldb"
)

// SQLLedger 基于 database/sql 事务实现账本，支持 MySQL 与 SQLite。
// 余额扣减使用带条件的 UPDATE，依赖数据库行锁保证并发安全。
type SQLLedger struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLLedger 使用已经完成迁移的连接创建账本。
func NewSQLLedger(db *sql.DB) *SQLLedger {
	return &SQLLedger{db: db, now: time.Now}
}

// Atomic 实现 Ledger 接口。回调返回错误或提交失败时事务回滚。
func (s *SQLLedger) Atomic(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	if fn == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "原子操作回调不能为空")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return sqldb.StorageError(err, "开启账本事务失败")
	}
	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(ctx, &sqlTx{tx: tx, now: s.now}); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return sqldb.StorageError(err, "提交账本事务失败")
	}
	return nil
}

// Balance 实现 Ledger 接口。
func (s *SQLLedger) Balance(ctx context.Context, address common.Address) (uint64, error) {
	return queryBalance(ctx, s.db, address)
}

// Seed 实现 Ledger 接口。
func (s *SQLLedger) Seed(ctx context.Context, address common.Address, amount uint64) error {
	if address == (common.Address{}) {
		return xerrors.New(xerrors.CodeInvalidArgument, "账户地址不能为空")
	}
	if amount > math.MaxInt64 {
		return xerrors.New(xerrors.CodeInvalidArgument, "初始余额超出上限")
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO ledger_accounts (address, balance, updated_at) VALUES (?, ?, ?)`,
		address.Hex(), int64(amount), s.now().Unix())
	if err != nil && !sqldb.IsDuplicateKey(err) {
		return sqldb.StorageError(err, "写入初始余额失败")
	}
	return nil
}

// History 实现 Ledger 接口。
func (s *SQLLedger) History(ctx context.Context, address common.Address, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `SELECT reference, payer, recipient, amount, memo, created_at
    FROM ledger_transfers WHERE payer = ? OR recipient = ?
    ORDER BY created_at DESC LIMIT ?`, address.Hex(), address.Hex(), limit)
	if err != nil {
		return nil, sqldb.StorageError(err, "查询划转记录失败")
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var (
			rec       Record
			payer     string
			recipient string
			amount    int64
		)
		if err := rows.Scan(&rec.Reference, &payer, &recipient, &amount, &rec.Memo, &rec.CreatedAt); err != nil {
			return nil, sqldb.StorageError(err, "解析划转记录失败")
		}
		rec.From = common.HexToAddress(payer)
		rec.To = common.HexToAddress(recipient)
		rec.Amount = uint64(amount)
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, sqldb.StorageError(err, "遍历划转记录失败")
	}
	return records, nil
}

// Close 关闭底层连接。
func (s *SQLLedger) Close() error {
	return s.db.Close()
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func queryBalance(ctx context.Context, q queryer, address common.Address) (uint64, error) {
	var balance int64
	err := q.QueryRowContext(ctx, `SELECT balance FROM ledger_accounts WHERE address = ?`, address.Hex()).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, sqldb.StorageError(err, "查询余额失败")
	}
	return uint64(balance), nil
}

type sqlTx struct {
	tx  *sql.Tx
	now func() time.Time
}

func (t *sqlTx) Balance(ctx context.Context, address common.Address) (uint64, error) {
	return queryBalance(ctx, t.tx, address)
}

// Transfer 依次完成幂等检查、条件扣款、入账与划转记录。
func (t *sqlTx) Transfer(ctx context.Context, transfer Transfer) error {
	if err := transfer.Validate(); err != nil {
		return err
	}
	amount := int64(transfer.Amount)
	ts := t.now().Unix()

	var memo string
	err := t.tx.QueryRowContext(ctx, `SELECT memo FROM ledger_transfers WHERE reference = ?`, transfer.Reference).Scan(&memo)
	switch {
	case err == nil:
		return duplicateTransfer(transfer.Reference, memo)
	case !errors.Is(err, sql.ErrNoRows):
		return sqldb.StorageError(err, "查询划转记录失败")
	}

	res, err := t.tx.ExecContext(ctx, `UPDATE ledger_accounts SET balance = balance - ?, updated_at = ?
    WHERE address = ? AND balance >= ?`, amount, ts, transfer.From.Hex(), amount)
	if err != nil {
		return sqldb.StorageError(err, "扣减余额失败")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return sqldb.StorageError(err, "读取扣款结果失败")
	}
	if affected == 0 {
		balance, err := queryBalance(ctx, t.tx, transfer.From)
		if err != nil {
			return err
		}
		return insufficientFunds(transfer, balance)
	}

	res, err = t.tx.ExecContext(ctx, `UPDATE ledger_accounts SET balance = balance + ?, updated_at = ?
    WHERE address = ?`, amount, ts, transfer.To.Hex())
	if err != nil {
		return sqldb.StorageError(err, "增加余额失败")
	}
	if affected, err = res.RowsAffected(); err != nil {
		return sqldb.StorageError(err, "读取入账结果失败")
	}
	if affected == 0 {
		if _, err := t.tx.ExecContext(ctx, `INSERT INTO ledger_accounts (address, balance, updated_at) VALUES (?, ?, ?)`,
			transfer.To.Hex(), amount, ts); err != nil {
			return sqldb.StorageError(err, "创建收款账户失败")
		}
	}

	if _, err := t.tx.ExecContext(ctx, `INSERT INTO ledger_transfers (reference, payer, recipient, amount, memo, created_at)
    VALUES (?, ?, ?, ?, ?, ?)`, transfer.Reference, transfer.From.Hex(), transfer.To.Hex(), amount, transfer.Memo, ts); err != nil {
		if sqldb.IsDuplicateKey(err) {
			return duplicateTransfer(transfer.Reference, "")
		}
		return sqldb.StorageError(err, "写入划转记录失败")
	}
	return nil
}
