package job

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	xerrors "PathProof-Chain/internal/errors"
	"PathProof-Chain/internal/instruction"
	"PathProof-Chain/internal/ledger"
	"PathProof-Chain/internal/pathvalidator"
	"PathProof-Chain/pkg/logger"
)

// MaxIDLen 与 validation_jobs.id 列宽一致。
const MaxIDLen = 64

// SubmitRequest 描述一次异步验证请求。ID 为空时自动生成，指定 ID 时重复提交返回已有任务。
type SubmitRequest struct {
	ID      string
	Request pathvalidator.Request
}

// Service 负责任务的创建与查询。
type Service struct {
	store      Store
	producer   Producer
	maxRetries int
}

// NewService 构造任务服务。
func NewService(store Store, producer Producer, maxRetries int) *Service {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return &Service{store: store, producer: producer, maxRetries: maxRetries}
}

// Submit 创建一个新的验证任务并推送到队列。
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (*Job, error) {
	if s.store == nil || s.producer == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "任务服务未初始化")
	}
	if req.Request.Payer == (common.Address{}) {
		return nil, xerrors.New(CodeJobValidation, "付款方地址不能为空")
	}
	if len(req.Request.Path) > instruction.MaxPathLen {
		return nil, xerrors.New(CodeJobValidation, "路径长度超出上限")
	}
	if len(req.Request.Reference) > ledger.MaxReferenceLen {
		return nil, xerrors.New(CodeJobValidation, "Reference 过长")
	}

	jobID := strings.TrimSpace(req.ID)
	if len(jobID) > MaxIDLen {
		return nil, xerrors.New(CodeJobValidation, "任务 ID 过长")
	}
	if jobID != "" {
		existing, err := s.store.Get(ctx, jobID)
		if err == nil {
			return existing, nil
		}
		if !stdErrors.Is(err, ErrJobNotFound) {
			return nil, err
		}
	} else {
		jobID = uuid.NewString()
	}

	reference := req.Request.Reference
	if reference == "" {
		// 同一任务的重试复用同一个 Reference，保证最多扣费一次。
		reference = jobID
	}
	job := &Job{
		ID:         jobID,
		Payer:      req.Request.Payer,
		Reference:  reference,
		Proof:      req.Request.Proof,
		Path:       append([]byte(nil), req.Request.Path...),
		Status:     StatusPending,
		MaxRetries: s.maxRetries,
	}
	if err := s.store.Create(ctx, job); err != nil {
		if stdErrors.Is(err, ErrJobConflict) {
			existing, getErr := s.store.Get(ctx, jobID)
			if getErr == nil {
				return existing, nil
			}
			if !stdErrors.Is(getErr, ErrJobNotFound) {
				return nil, getErr
			}
		}
		return nil, err
	}
	if err := s.producer.Publish(ctx, jobID); err != nil {
		logger.L().Error("任务入队失败", slog.Any("error", err), slog.String("job_id", jobID))
		wrapped := xerrors.Wrap(CodeJobPublish, err, "发布任务到队列失败")
		_ = s.store.MarkFailed(ctx, jobID, CodeJobPublish, wrapped.Error(), true)
		return nil, wrapped
	}
	logger.Audit().Info("验证任务入队",
		slog.String("job_id", jobID),
		slog.String("payer", job.Payer.Hex()),
		slog.String("reference", job.Reference),
		slog.Int("path_len", len(job.Path)),
		slog.Int("max_retries", job.MaxRetries),
	)
	return job, nil
}

// Get 返回指定任务的状态。
func (s *Service) Get(ctx context.Context, id string) (*Job, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "任务存储未初始化")
	}
	return s.store.Get(ctx, id)
}

// List 返回符合过滤条件的任务列表。
func (s *Service) List(ctx context.Context, opts ...ListOption) ([]*Job, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "任务存储未初始化")
	}
	return s.store.List(ctx, buildListOptions(opts))
}

// Stats 返回符合过滤条件的任务统计信息。
func (s *Service) Stats(ctx context.Context, opts ...ListOption) (Stats, error) {
	if s.store == nil {
		return Stats{}, xerrors.New(xerrors.CodeInitializationFailure, "任务存储未初始化")
	}
	return s.store.Stats(ctx, buildListOptions(opts))
}

// WaitUntilCompleted 轮询直到任务进入终态或 ctx 结束。
func (s *Service) WaitUntilCompleted(ctx context.Context, id string, interval time.Duration) (*Job, error) {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		job, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if IsTerminal(job.Status) {
			return job, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Close 释放资源。
func (s *Service) Close() error {
	var errs []error
	if s.store != nil {
		errs = append(errs, s.store.Close())
	}
	if s.producer != nil {
		errs = append(errs, s.producer.Close())
	}
	return stdErrors.Join(errs...)
}
