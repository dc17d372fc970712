package pathvalidator

import (
	"net/http"

	"github.com/ethereum/go-ethereum/common"

	xerrors "PathProof-Chain/internal/errors"
)

// Verdict is the outcome of checking a path against its proof and the speed
// ceiling.
type Verdict string

const (
	VerdictValid                        Verdict = "valid"
	VerdictPathMismatch                 Verdict = "path_mismatch"
	VerdictSpeedExceeded                Verdict = "speed_exceeded"
	VerdictPathMismatchAndSpeedExceeded Verdict = "path_mismatch_and_speed_exceeded"
)

const (
	CodePathMismatch                 xerrors.Code = "PATH_MISMATCH"
	CodeSpeedExceeded                xerrors.Code = "SPEED_EXCEEDED"
	CodePathMismatchAndSpeedExceeded xerrors.Code = "PATH_MISMATCH_AND_SPEED_EXCEEDED"
	CodePaymentFailed                xerrors.Code = "PAYMENT_FAILED"
)

// Program codes reported by the on-chain validator for each failed verdict.
const (
	ProgramCodePathMismatch                 uint32 = 6000
	ProgramCodeSpeedExceeded                uint32 = 6001
	ProgramCodePathMismatchAndSpeedExceeded uint32 = 6002
)

var (
	// ErrPathMismatch 表示路径摘要与证明不一致。
	ErrPathMismatch = xerrors.New(CodePathMismatch, "incorrect path")
	// ErrSpeedExceeded 表示路径的最大速度超过上限。
	ErrSpeedExceeded = xerrors.New(CodeSpeedExceeded, "max speed exceeded")
	// ErrPathMismatchAndSpeedExceeded 表示两项检查同时失败。
	ErrPathMismatchAndSpeedExceeded = xerrors.New(CodePathMismatchAndSpeedExceeded, "incorrect path and max speed exceeded")
)

func init() {
	for code, msg := range map[xerrors.Code]string{
		CodePathMismatch:                 "incorrect path",
		CodeSpeedExceeded:                "max speed exceeded",
		CodePathMismatchAndSpeedExceeded: "incorrect path and max speed exceeded",
	} {
		xerrors.Register(code, xerrors.Attributes{
			Message:    msg,
			Severity:   xerrors.SeverityInfo,
			Retryable:  false,
			Alert:      false,
			HTTPStatus: http.StatusUnprocessableEntity,
		})
	}
	xerrors.Register(CodePaymentFailed, xerrors.Attributes{
		Message:    "validation fee could not be charged",
		Severity:   xerrors.SeverityWarning,
		Retryable:  false,
		Alert:      false,
		HTTPStatus: http.StatusPaymentRequired,
	})
}

// Evaluate maps the two independent checks onto a verdict. The path check
// passes only when a digest exists and equals proof.
func Evaluate(digest common.Hash, hasDigest bool, proof common.Hash, speed, maxSpeed uint8) Verdict {
	pathOK := hasDigest && digest == proof
	speedOK := speed <= maxSpeed

	switch {
	case pathOK && speedOK:
		return VerdictValid
	case !pathOK && !speedOK:
		return VerdictPathMismatchAndSpeedExceeded
	case !pathOK:
		return VerdictPathMismatch
	default:
		return VerdictSpeedExceeded
	}
}

// Err returns the error reported to callers for a failed verdict, or nil.
func (v Verdict) Err() error {
	switch v {
	case VerdictPathMismatch:
		return ErrPathMismatch
	case VerdictSpeedExceeded:
		return ErrSpeedExceeded
	case VerdictPathMismatchAndSpeedExceeded:
		return ErrPathMismatchAndSpeedExceeded
	default:
		return nil
	}
}

// ProgramCode returns the numeric error code of a failed verdict, 0 otherwise.
func (v Verdict) ProgramCode() uint32 {
	switch v {
	case VerdictPathMismatch:
		return ProgramCodePathMismatch
	case VerdictSpeedExceeded:
		return ProgramCodeSpeedExceeded
	case VerdictPathMismatchAndSpeedExceeded:
		return ProgramCodePathMismatchAndSpeedExceeded
	default:
		return 0
	}
}

// Valid reports whether v is a passing verdict.
func (v Verdict) Valid() bool { return v == VerdictValid }

// IsVerdictError reports whether err carries one of the three verdict codes.
func IsVerdictError(err error) bool {
	switch xerrors.CodeOf(err) {
	case CodePathMismatch, CodeSpeedExceeded, CodePathMismatchAndSpeedExceeded:
		return true
	default:
		return false
	}
}

// VerdictFromCode is the inverse of Verdict.Err, used when reading stored
// outcomes back.
func VerdictFromCode(code xerrors.Code) (Verdict, bool) {
	switch code {
	case CodePathMismatch:
		return VerdictPathMismatch, true
	case CodeSpeedExceeded:
		return VerdictSpeedExceeded, true
	case CodePathMismatchAndSpeedExceeded:
		return VerdictPathMismatchAndSpeedExceeded, true
	default:
		return "", false
	}
}

// Check runs both checks on path without charging anything.
func Check(path []byte, proof common.Hash, maxSpeed uint8) Verdict {
	digest, ok := ComputeDigest(path)
	return Evaluate(digest, ok, proof, ComputeMaxSpeed(path), maxSpeed)
}
