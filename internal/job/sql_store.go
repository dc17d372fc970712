package job

import (
	"context"
	"database/sql"
	stdErrors "errors"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	xerrors "PathProof-Chain/internal/errors"
	"PathProof-Chain/internal/pathvalidator"
	"PathProof-Chain/internal/storage/sqldb"
)

const jobColumns = `id, payer, reference, proof, path_hex, status, attempts, max_retries,
        verdict, digest, max_speed, fee_charged, error_code, last_error, created_at, updated_at`

// SQLStore 使用 validation_jobs 表记录任务状态，支持 MySQL 与 SQLite。
type SQLStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLStore 基于已完成迁移的连接创建任务存储。
func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db, now: time.Now}
}

// Create 插入新的任务记录。
func (s *SQLStore) Create(ctx context.Context, job *Job) error {
	if job == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "job 不能为空")
	}
	if strings.TrimSpace(job.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "任务 ID 不能为空")
	}

	now := s.now().Unix()
	if job.CreatedAt == 0 {
		job.CreatedAt = now
	}
	job.UpdatedAt = now

	const stmt = `INSERT INTO validation_jobs (` + jobColumns + `)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, '', '', 0, 0, '', '', ?, ?)`
	_, err := s.db.ExecContext(ctx, stmt,
		job.ID,
		job.Payer.Hex(),
		job.Reference,
		job.Proof.Hex(),
		hexutil.Encode(job.Path),
		string(job.Status),
		job.Attempts,
		job.MaxRetries,
		job.CreatedAt,
		job.UpdatedAt,
	)
	if err != nil {
		if sqldb.IsDuplicateKey(err) {
			return ErrJobConflict
		}
		return sqldb.StorageError(err, "插入任务失败")
	}
	return nil
}

// Get 查询指定任务。
func (s *SQLStore) Get(ctx context.Context, id string) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM validation_jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if stdErrors.Is(err, sql.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, err
	}
	return job, nil
}

// Claim 将任务标记为运行中并返回最新状态。
func (s *SQLStore) Claim(ctx context.Context, id string) (*Job, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE validation_jobs SET status = ?, attempts = attempts + 1, updated_at = ?
        WHERE id = ? AND status = ? AND attempts < max_retries`,
		string(StatusRunning), s.now().Unix(), id, string(StatusPending))
	if err != nil {
		return nil, sqldb.StorageError(err, "更新任务状态失败")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, sqldb.StorageError(err, "获取影响行数失败")
	}

	job, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if affected == 1 {
		return job, nil
	}
	switch {
	case IsTerminal(job.Status):
		return job, ErrJobFinished
	case job.Status == StatusRunning:
		return job, ErrJobConflict
	default:
		return job, ErrJobExhausted
	}
}

// MarkCompleted 写入验证结论。
func (s *SQLStore) MarkCompleted(ctx context.Context, id string, result Result) error {
	digest := ""
	if result.Digest != nil {
		digest = result.Digest.Hex()
	}
	feeCharged := 0
	if result.FeeCharged {
		feeCharged = 1
	}
	res, err := s.db.ExecContext(ctx, `UPDATE validation_jobs SET status = ?, verdict = ?, digest = ?, max_speed = ?, fee_charged = ?,
        error_code = '', last_error = '', updated_at = ? WHERE id = ?`,
		string(StatusCompleted), string(result.Verdict), digest, int(result.MaxSpeed), feeCharged, s.now().Unix(), id)
	if err != nil {
		return sqldb.StorageError(err, "更新任务结论失败")
	}
	return s.requireAffected(ctx, res, id)
}

// MarkFailed 记录失败原因。
func (s *SQLStore) MarkFailed(ctx context.Context, id string, code xerrors.Code, lastError string, terminal bool) error {
	status := StatusPending
	if terminal {
		status = StatusFailed
	}
	res, err := s.db.ExecContext(ctx, `UPDATE validation_jobs SET status = ?, error_code = ?, last_error = ?, updated_at = ?
        WHERE id = ?`, string(status), string(code), lastError, s.now().Unix(), id)
	if err != nil {
		return sqldb.StorageError(err, "更新任务失败状态失败")
	}
	return s.requireAffected(ctx, res, id)
}

// List 返回符合过滤条件的任务。
func (s *SQLStore) List(ctx context.Context, opts ListOptions) ([]*Job, error) {
	opts.applyDefaults()
	where, args := buildWhere(opts)

	order := "DESC"
	if opts.Order == SortByUpdatedAsc {
		order = "ASC"
	}
	query := `SELECT ` + jobColumns + ` FROM validation_jobs` + where +
		` ORDER BY updated_at ` + order + `, id ASC LIMIT ? OFFSET ?`
	args = append(args, opts.Limit, opts.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, sqldb.StorageError(err, "查询任务列表失败")
	}
	defer rows.Close()

	jobs := make([]*Job, 0, opts.Limit)
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, sqldb.StorageError(err, "遍历任务列表失败")
	}
	return jobs, nil
}

// Stats 统计符合过滤条件的任务数量与更新时间范围。
func (s *SQLStore) Stats(ctx context.Context, opts ListOptions) (Stats, error) {
	opts.applyDefaults()
	where, args := buildWhere(opts)

	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(1), MIN(updated_at), MAX(updated_at) FROM validation_jobs`+where+` GROUP BY status`, args...)
	if err != nil {
		return Stats{}, sqldb.StorageError(err, "统计任务失败")
	}
	defer rows.Close()

	var stats Stats
	for rows.Next() {
		var (
			status         string
			count          int
			oldest, newest int64
		)
		if err := rows.Scan(&status, &count, &oldest, &newest); err != nil {
			return Stats{}, sqldb.StorageError(err, "解析任务统计失败")
		}
		stats.Total += count
		switch Status(status) {
		case StatusPending:
			stats.Pending += count
		case StatusRunning:
			stats.Running += count
		case StatusCompleted:
			stats.Completed += count
		case StatusFailed:
			stats.Failed += count
		}
		if newest > stats.NewestUpdatedAt {
			stats.NewestUpdatedAt = newest
		}
		if stats.OldestUpdatedAt == 0 || oldest < stats.OldestUpdatedAt {
			stats.OldestUpdatedAt = oldest
		}
	}
	if err := rows.Err(); err != nil {
		return Stats{}, sqldb.StorageError(err, "遍历任务统计失败")
	}
	return stats, nil
}

// Close 关闭底层连接。
func (s *SQLStore) Close() error {
	return s.db.Close()
}

func buildWhere(opts ListOptions) (string, []any) {
	var (
		clauses []string
		args    []any
	)
	if len(opts.Statuses) > 0 {
		placeholders := make([]string, len(opts.Statuses))
		for i, status := range opts.Statuses {
			placeholders[i] = "?"
			args = append(args, string(status))
		}
		clauses = append(clauses, "status IN ("+strings.Join(placeholders, ", ")+")")
	}
	if opts.Payer != nil {
		clauses = append(clauses, "payer = ?")
		args = append(args, opts.Payer.Hex())
	}
	if opts.UpdatedGTE > 0 {
		clauses = append(clauses, "updated_at >= ?")
		args = append(args, opts.UpdatedGTE)
	}
	if opts.UpdatedLTE > 0 {
		clauses = append(clauses, "updated_at <= ?")
		args = append(args, opts.UpdatedLTE)
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*Job, error) {
	var (
		job                           Job
		payer, proof, pathHex, status string
		verdict, digest               string
		maxSpeed, feeCharged          int
	)
	err := row.Scan(
		&job.ID,
		&payer,
		&job.Reference,
		&proof,
		&pathHex,
		&status,
		&job.Attempts,
		&job.MaxRetries,
		&verdict,
		&digest,
		&maxSpeed,
		&feeCharged,
		&job.ErrorCode,
		&job.LastError,
		&job.CreatedAt,
		&job.UpdatedAt,
	)
	if stdErrors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, sqldb.StorageError(err, "解析任务失败")
	}

	path, err := hexutil.Decode(pathHex)
	if err != nil {
		return nil, sqldb.StorageError(err, "解析任务路径失败")
	}
	job.Payer = common.HexToAddress(payer)
	job.Proof = common.HexToHash(proof)
	job.Path = path
	job.Status = Status(status)
	if verdict != "" {
		v := pathvalidator.Verdict(verdict)
		result := &Result{
			Verdict:     v,
			ProgramCode: v.ProgramCode(),
			MaxSpeed:    uint8(maxSpeed),
			FeeCharged:  feeCharged != 0,
		}
		if digest != "" {
			h := common.HexToHash(digest)
			result.Digest = &h
		}
		job.Result = result
	}
	return &job, nil
}

// requireAffected 在未更新任何行时确认任务是否存在。MySQL 对值未变化的行返回 0。
func (s *SQLStore) requireAffected(ctx context.Context, res sql.Result, id string) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return sqldb.StorageError(err, "获取影响行数失败")
	}
	if affected > 0 {
		return nil
	}
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM validation_jobs WHERE id = ?`, id).Scan(&count); err != nil {
		return sqldb.StorageError(err, "查询任务失败")
	}
	if count == 0 {
		return ErrJobNotFound
	}
	return nil
}

var _ Store = (*SQLStore)(nil)
