// Package failure classifies phase errors raised by refresh, masking, and
// retention so callers can decide go/no-go without parsing messages.
package failure

import (
	"errors"
	"fmt"
)

// Code categorizes a phase failure.
type Code string

const (
	// CodeBackupCreationFailed is terminal and non-destructive.
	CodeBackupCreationFailed Code = "BACKUP_CREATION_FAILED"

	// CodeDropFailed is terminal; the target is intact.
	CodeDropFailed Code = "DROP_FAILED"

	// CodeCloneFailed triggers rollback.
	CodeCloneFailed Code = "CLONE_FAILED"

	// CodeValidationFailed triggers rollback.
	CodeValidationFailed Code = "VALIDATION_FAILED"

	// CodeRollbackFailed is fatal: no live target exists.
	CodeRollbackFailed Code = "ROLLBACK_FAILED"

	// CodeMaskingFailed reports one or more columns that could not be masked.
	CodeMaskingFailed Code = "MASKING_FAILED"

	// CodeRetentionFailed reports backups that could not be deleted.
	CodeRetentionFailed Code = "RETENTION_FAILED"
)

// Error is a classified phase failure.
type Error struct {
	// Code identifies the failure category.
	Code Code

	// Phase names the step that failed: backup, drop, clone, validate,
	// rollback, mask, or retain.
	Phase string

	// Target is the environment the phase ran against.
	Target string

	// Err is the underlying cause.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s %s", e.Code, e.Phase, e.Target)
	}
	return fmt.Sprintf("%s: %v", e.Code, e.Err)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// New returns a classified error.
func New(code Code, phase, target string, err error) *Error {
	return &Error{Code: code, Phase: phase, Target: target, Err: err}
}

// CodeOf returns the code of the first *Error in err's chain.
func CodeOf(err error) (Code, bool) {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Code, true
	}
	return "", false
}

// IsFatal reports whether err means no live target exists.
// Uses errors.As to handle wrapped errors.
func IsFatal(err error) bool {
	code, ok := CodeOf(err)
	return ok && code == CodeRollbackFailed
}

// IsRollbackTrigger reports whether err is a failure that the refresh state
// machine answers with a rollback.
func IsRollbackTrigger(err error) bool {
	code, ok := CodeOf(err)
	return ok && (code == CodeCloneFailed || code == CodeValidationFailed)
}

// IsNonDestructive reports whether err left the target untouched.
func IsNonDestructive(err error) bool {
	code, ok := CodeOf(err)
	return ok && (code == CodeBackupCreationFailed || code == CodeDropFailed)
}
