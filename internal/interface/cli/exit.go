package cli

import (
	"github.com/pipeguard/pipeguard/internal/recovery"
)

// Process exit codes. Machine consumers branch on these, so the mapping is
// part of the command contract.
const (
	ExitOK                  = 0
	ExitGenericError        = 1
	ExitLockTimeout         = 2
	ExitCorruptionRecovered = 3
	ExitValidationFailed    = 4
	ExitPermissionDenied    = 5
)

// exitCode maps a command error to the process exit code.
func exitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	switch recovery.ClassifyError(err) {
	case recovery.KindLockTimeout:
		return ExitLockTimeout
	case recovery.KindStateCorruption:
		return ExitCorruptionRecovered
	case recovery.KindValidationFailed, recovery.KindIsolationViolation:
		return ExitValidationFailed
	case recovery.KindPermissionDenied:
		return ExitPermissionDenied
	default:
		return ExitGenericError
	}
}
