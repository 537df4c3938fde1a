package recovery

import (
	"context"
	"errors"
	"os"
	"syscall"

	"github.com/pipeguard/pipeguard/internal/lock"
	"github.com/pipeguard/pipeguard/internal/state"
	"github.com/pipeguard/pipeguard/internal/workspace"
)

// ErrorKind is the closed failure taxonomy every raw error maps into.
type ErrorKind string

const (
	KindLockTimeout        ErrorKind = "LockTimeout"
	KindStateCorruption    ErrorKind = "StateCorruption"
	KindValidationFailed   ErrorKind = "ValidationFailed"
	KindPermissionDenied   ErrorKind = "PermissionDenied"
	KindDiskFull           ErrorKind = "DiskFull"
	KindTimeout            ErrorKind = "Timeout"
	KindResourceExhausted  ErrorKind = "ResourceExhausted"
	KindIsolationViolation ErrorKind = "IsolationViolation"
	KindMergeConflict      ErrorKind = "MergeConflict"
	KindWorkspaceNotFound  ErrorKind = "WorkspaceNotFound"
	KindConfigurationError ErrorKind = "ConfigurationError"
	KindUnknown            ErrorKind = "Unknown"
)

// ClassifyError maps a raw failure into the taxonomy.
func ClassifyError(err error) ErrorKind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, lock.ErrLockTimeout):
		return KindLockTimeout
	case errors.Is(err, state.ErrCorruptionRecovered):
		return KindStateCorruption
	case errors.Is(err, state.ErrValidation):
		return KindValidationFailed
	case errors.Is(err, workspace.ErrIsolationViolation):
		return KindIsolationViolation
	case errors.Is(err, workspace.ErrMergeConflict):
		return KindMergeConflict
	case errors.Is(err, workspace.ErrNotFound):
		return KindWorkspaceNotFound
	case errors.Is(err, os.ErrPermission) || errors.Is(err, syscall.EACCES) || errors.Is(err, syscall.EPERM):
		return KindPermissionDenied
	case errors.Is(err, syscall.ENOSPC) || errors.Is(err, syscall.EDQUOT):
		return KindDiskFull
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, syscall.EAGAIN) || errors.Is(err, syscall.EMFILE) || errors.Is(err, syscall.ENFILE):
		return KindResourceExhausted
	default:
		return KindUnknown
	}
}

// IsTransient reports kinds worth retrying with backoff.
func (k ErrorKind) IsTransient() bool {
	switch k {
	case KindLockTimeout, KindTimeout, KindResourceExhausted:
		return true
	}
	return false
}

// IsIntegrity reports kinds that trigger automatic restoration from the most
// recent valid backup or checkpoint.
func (k ErrorKind) IsIntegrity() bool {
	return k == KindStateCorruption || k == KindValidationFailed
}

// NeedsHumanJudgment reports kinds that are never auto-resolved.
func (k ErrorKind) NeedsHumanJudgment() bool {
	return k == KindMergeConflict || k == KindIsolationViolation
}

// IsFatal reports kinds escalated immediately to the operator.
func (k ErrorKind) IsFatal() bool {
	switch k {
	case KindPermissionDenied, KindDiskFull, KindConfigurationError:
		return true
	}
	return false
}
