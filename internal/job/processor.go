package job

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"time"

	xerrors "PathProof-Chain/internal/errors"
	"PathProof-Chain/internal/ledger"
	"PathProof-Chain/internal/observability/alerting"
	"PathProof-Chain/internal/pathvalidator"
	"PathProof-Chain/pkg/logger"
)

// Validator 定义了处理器所需的验证能力。
type Validator interface {
	Validate(ctx context.Context, req pathvalidator.Request) (pathvalidator.Outcome, error)
	Config() pathvalidator.Config
}

// Processor 负责从队列消费任务并交给验证器执行。
type Processor struct {
	validator   Validator
	store       Store
	consumer    Consumer
	producer    Producer
	workerCount int
	logger      *slog.Logger
	alerter     alerting.Dispatcher
}

// ProcessorOption 定义可选配置。
type ProcessorOption func(*Processor)

// WithProcessorLogger 指定日志输出。
func WithProcessorLogger(l *slog.Logger) ProcessorOption {
	return func(p *Processor) {
		p.logger = l
	}
}

// WithWorkerCount 设置消费协程数量。
func WithWorkerCount(workers int) ProcessorOption {
	return func(p *Processor) {
		if workers > 0 {
			p.workerCount = workers
		}
	}
}

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(dispatcher alerting.Dispatcher) ProcessorOption {
	return func(p *Processor) {
		p.alerter = dispatcher
	}
}

// NewProcessor 构造 Processor。
func NewProcessor(validator Validator, store Store, consumer Consumer, producer Producer, opts ...ProcessorOption) *Processor {
	p := &Processor{
		validator:   validator,
		store:       store,
		consumer:    consumer,
		producer:    producer,
		workerCount: 1,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	if p.logger == nil {
		p.logger = logger.Named("job-processor")
	}
	return p
}

// Start 启动任务处理循环，阻塞直到 ctx 结束。
func (p *Processor) Start(ctx context.Context) error {
	if p.consumer == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置任务消费者")
	}
	return p.consumer.Consume(ctx, p.workerCount, p.Handle)
}

// Handle 处理单个任务 ID。
func (p *Processor) Handle(ctx context.Context, jobID string) error {
	if p.store == nil || p.validator == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "处理器未初始化")
	}
	job, err := p.store.Claim(ctx, jobID)
	if err != nil {
		if stdErrors.Is(err, ErrJobNotFound) || stdErrors.Is(err, ErrJobFinished) ||
			stdErrors.Is(err, ErrJobConflict) || stdErrors.Is(err, ErrJobExhausted) {
			p.logger.Debug("跳过任务", slog.String("job_id", jobID), slog.String("reason", err.Error()))
			return nil
		}
		p.logger.Error("领取任务失败", slog.Any("error", err), slog.String("job_id", jobID))
		p.emitAlert(ctx, &Job{ID: jobID}, CodeJobProcessing, err, "claim")
		return err
	}

	outcome, err := p.validator.Validate(ctx, job.Request())
	switch {
	case err == nil || pathvalidator.IsVerdictError(err):
		return p.complete(ctx, job, ResultFromOutcome(outcome))
	case p.alreadyCharged(job, err):
		// 上一次尝试已扣费但未能写回结论，直接重算结论，不再扣费。
		cfg := p.validator.Config()
		digest, ok := pathvalidator.ComputeDigest(job.Path)
		speed := pathvalidator.ComputeMaxSpeed(job.Path)
		return p.complete(ctx, job, ResultFromOutcome(pathvalidator.Outcome{
			Payer:     job.Payer,
			Reference: job.Reference,
			Fee:       cfg.Fee,
			Charged:   true,
			Digest:    digest,
			HasDigest: ok,
			MaxSpeed:  speed,
			Verdict:   pathvalidator.Evaluate(digest, ok, job.Proof, speed, cfg.MaxSpeed),
		}))
	default:
		return p.handleFailure(ctx, job, err)
	}
}

// alreadyCharged 判断重复扣费是否来自本任务之前的尝试。同一 Reference
// 被同步接口或其他任务扣费时 Memo 不同，按普通支付失败处理。
func (p *Processor) alreadyCharged(job *Job, err error) bool {
	if job.Attempts <= 1 || !pathvalidator.IsPaymentFailure(err) {
		return false
	}
	memo, ok := ledger.DuplicateMemo(err)
	return ok && memo == ChargeMemo(job.ID)
}

func (p *Processor) complete(ctx context.Context, job *Job, result Result) error {
	if err := p.store.MarkCompleted(ctx, job.ID, result); err != nil {
		p.logger.Error("写回验证结论失败", slog.Any("error", err), slog.String("job_id", job.ID))
		return p.handleFailure(ctx, job, err)
	}
	logger.Audit().Info("验证任务完成",
		slog.String("job_id", job.ID),
		slog.String("payer", job.Payer.Hex()),
		slog.String("verdict", string(result.Verdict)),
		slog.Bool("fee_charged", result.FeeCharged),
		slog.Int("attempts", job.Attempts),
	)
	return nil
}

func (p *Processor) handleFailure(ctx context.Context, job *Job, cause error) error {
	code := xerrors.CodeOf(cause)
	if code == xerrors.CodeUnknown {
		code = CodeJobProcessing
	}
	retryable := xerrors.RetryableError(cause)
	terminal := !retryable || job.Attempts >= job.MaxRetries

	if err := p.store.MarkFailed(ctx, job.ID, code, cause.Error(), terminal); err != nil {
		p.logger.Error("标记任务失败状态出错", slog.Any("error", err), slog.String("job_id", job.ID))
		return err
	}
	logger.Audit().Warn("验证任务失败",
		slog.String("job_id", job.ID),
		slog.String("payer", job.Payer.Hex()),
		slog.Bool("terminal", terminal),
		slog.String("error", cause.Error()),
		slog.String("error_code", string(code)),
		slog.Int("attempts", job.Attempts),
		slog.Int("max_retries", job.MaxRetries),
	)

	stage := "retry"
	switch {
	case terminal && retryable:
		stage = "exhausted"
	case terminal:
		stage = "terminal"
	}
	if xerrors.ShouldAlert(cause) || stage == "exhausted" {
		p.emitAlert(ctx, job, code, cause, stage)
	}

	if !terminal {
		if err := p.producer.Publish(ctx, job.ID); err != nil {
			return xerrors.Wrap(CodeJobPublish, err, "任务 "+job.ID+" 重投失败")
		}
		p.logger.Debug("任务已重新排队", slog.String("job_id", job.ID), slog.Int("attempts", job.Attempts))
	}
	return nil
}

func (p *Processor) emitAlert(ctx context.Context, job *Job, code xerrors.Code, cause error, stage string) {
	if p.alerter == nil || job == nil {
		return
	}
	attrs := xerrors.AttributesOf(code)
	message := attrs.Message
	metadata := map[string]string{"stage": stage}
	if cause != nil {
		message = cause.Error()
		metadata["cause"] = string(xerrors.CodeOf(cause))
	}
	event := alerting.Event{
		Code:       code,
		Message:    message,
		Severity:   attrs.Severity,
		JobID:      job.ID,
		Attempts:   job.Attempts,
		MaxRetries: job.MaxRetries,
		Metadata:   metadata,
		OccurredAt: time.Now(),
	}
	if err := p.alerter.Notify(ctx, event); err != nil {
		p.logger.Error("告警通知失败",
			slog.Any("error", err),
			slog.String("job_id", job.ID),
			slog.String("stage", stage),
		)
	}
}
