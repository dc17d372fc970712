package job

import (
	"net/http"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	xerrors "PathProof-Chain/internal/errors"
	"PathProof-Chain/internal/pathvalidator"
)

// Status 表示验证任务在生命周期中的状态。
type Status string

const (
	StatusPending Status = "pending"
	StatusRunning Status = "running"
	// StatusCompleted 表示费用已扣并得出结论，结论本身可能是失败。
	StatusCompleted Status = "completed"
	// StatusFailed 表示未能得出结论，例如扣费失败或重试耗尽。
	StatusFailed Status = "failed"
)

// Result 保存一次验证的结论。
type Result struct {
	Verdict     pathvalidator.Verdict `json:"verdict"`
	ProgramCode uint32                `json:"program_code,omitempty"`
	Digest      *common.Hash          `json:"digest,omitempty"`
	MaxSpeed    uint8                 `json:"max_speed"`
	FeeCharged  bool                  `json:"fee_charged"`
}

// Job 描述一次排队执行的路径验证。
type Job struct {
	ID         string         `json:"id"`
	Payer      common.Address `json:"payer"`
	Reference  string         `json:"reference"`
	Proof      common.Hash    `json:"proof"`
	Path       hexutil.Bytes  `json:"path"`
	Status     Status         `json:"status"`
	Attempts   int            `json:"attempts"`
	MaxRetries int            `json:"max_retries"`
	Result     *Result        `json:"result,omitempty"`
	ErrorCode  string         `json:"error_code,omitempty"`
	LastError  string         `json:"last_error,omitempty"`
	CreatedAt  int64          `json:"created_at"`
	UpdatedAt  int64          `json:"updated_at"`
}

// Request 返回任务对应的验证请求。
func (j *Job) Request() pathvalidator.Request {
	return pathvalidator.Request{
		Payer:     j.Payer,
		Proof:     j.Proof,
		Path:      append([]byte(nil), j.Path...),
		Reference: j.Reference,
		Memo:      ChargeMemo(j.ID),
	}
}

// ChargeMemo 返回任务扣费时写入账本的 Memo，用于识别本任务之前的扣费。
func ChargeMemo(jobID string) string {
	return "job:" + jobID
}

// ResultFromOutcome 将验证结果转换为任务结论。
func ResultFromOutcome(o pathvalidator.Outcome) Result {
	r := Result{
		Verdict:     o.Verdict,
		ProgramCode: o.Verdict.ProgramCode(),
		MaxSpeed:    o.MaxSpeed,
		FeeCharged:  o.Charged,
	}
	if o.HasDigest {
		digest := o.Digest
		r.Digest = &digest
	}
	return r
}

const (
	CodeJobNotFound   xerrors.Code = "JOB_NOT_FOUND"
	CodeJobConflict   xerrors.Code = "JOB_CONFLICT"
	CodeJobFinished   xerrors.Code = "JOB_FINISHED"
	CodeJobExhausted  xerrors.Code = "JOB_RETRIES_EXHAUSTED"
	CodeJobValidation xerrors.Code = "JOB_VALIDATION_FAILED"
	CodeJobPublish    xerrors.Code = "JOB_PUBLISH_FAILED"
	CodeJobProcessing xerrors.Code = "JOB_PROCESSING_FAILED"
)

var (
	// ErrJobNotFound 表示指定的任务不存在。
	ErrJobNotFound = xerrors.New(CodeJobNotFound, "job not found")
	// ErrJobConflict 表示任务在当前状态下无法进行所请求的操作。
	ErrJobConflict = xerrors.New(CodeJobConflict, "job conflict")
	// ErrJobFinished 表示任务已经处于终态。
	ErrJobFinished = xerrors.New(CodeJobFinished, "job already finished")
	// ErrJobExhausted 表示任务的重试次数已经耗尽。
	ErrJobExhausted = xerrors.New(CodeJobExhausted, "job retries exhausted")
)

func init() {
	xerrors.Register(CodeJobNotFound, xerrors.Attributes{
		Message:    "job not found",
		Severity:   xerrors.SeverityInfo,
		HTTPStatus: http.StatusNotFound,
	})
	xerrors.Register(CodeJobConflict, xerrors.Attributes{
		Message:    "job conflict",
		Severity:   xerrors.SeverityWarning,
		HTTPStatus: http.StatusConflict,
	})
	xerrors.Register(CodeJobFinished, xerrors.Attributes{
		Message:    "job already finished",
		Severity:   xerrors.SeverityInfo,
		HTTPStatus: http.StatusConflict,
	})
	xerrors.Register(CodeJobExhausted, xerrors.Attributes{
		Message:    "job retries exhausted",
		Severity:   xerrors.SeverityCritical,
		Alert:      true,
		HTTPStatus: http.StatusConflict,
	})
	xerrors.Register(CodeJobValidation, xerrors.Attributes{
		Message:    "job validation failed",
		Severity:   xerrors.SeverityInfo,
		HTTPStatus: http.StatusBadRequest,
	})
	xerrors.Register(CodeJobPublish, xerrors.Attributes{
		Message:    "failed to publish job",
		Severity:   xerrors.SeverityCritical,
		Retryable:  true,
		Alert:      true,
		HTTPStatus: http.StatusServiceUnavailable,
	})
	xerrors.Register(CodeJobProcessing, xerrors.Attributes{
		Message:    "job execution failed",
		Severity:   xerrors.SeverityWarning,
		Retryable:  true,
		Alert:      true,
		HTTPStatus: http.StatusInternalServerError,
	})
}

// IsValidStatus 检查给定的任务状态是否为支持的枚举值。
func IsValidStatus(status Status) bool {
	switch status {
	case StatusPending, StatusRunning, StatusCompleted, StatusFailed:
		return true
	default:
		return false
	}
}

// IsTerminal 判断状态是否为终态。
func IsTerminal(status Status) bool {
	return status == StatusCompleted || status == StatusFailed
}

func cloneJob(j *Job) *Job {
	clone := *j
	clone.Path = append(hexutil.Bytes(nil), j.Path...)
	if j.Result != nil {
		result := *j.Result
		if j.Result.Digest != nil {
			digest := *j.Result.Digest
			result.Digest = &digest
		}
		clone.Result = &result
	}
	return &clone
}
