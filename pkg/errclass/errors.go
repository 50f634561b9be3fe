// Package errclass defines the stable, machine-readable error classes of trmv
// and their mapping to process exit codes.
package errclass

import (
	"errors"
	"fmt"
)

// TrmvError is a stable, machine-readable error class.
type TrmvError struct {
	Code    string
	Message string
}

func (e *TrmvError) Error() string {
	if e.Message == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *TrmvError) Is(target error) bool {
	t, ok := target.(*TrmvError)
	return ok && e.Code == t.Code
}

// WithMessage returns a new TrmvError with the same Code but a specific message.
func (e *TrmvError) WithMessage(msg string) *TrmvError {
	return &TrmvError{Code: e.Code, Message: msg}
}

// WithMessagef returns a new TrmvError with a formatted message.
func (e *TrmvError) WithMessagef(format string, args ...any) *TrmvError {
	return &TrmvError{Code: e.Code, Message: fmt.Sprintf(format, args...)}
}

var (
	// Expected outcomes: reported, retriable later, not incidents.
	ErrAlreadyMoved      = &TrmvError{Code: "E_ALREADY_MOVED"}
	ErrInsufficientSpace = &TrmvError{Code: "E_INSUFFICIENT_SPACE"}

	// Fatal, but the payload is already relocated.
	ErrRemoteSyncTimeout = &TrmvError{Code: "E_REMOTE_SYNC_TIMEOUT"}

	ErrJobInvalid     = &TrmvError{Code: "E_JOB_INVALID"}
	ErrLockFailed     = &TrmvError{Code: "E_LOCK_FAILED"}
	ErrMarker         = &TrmvError{Code: "E_MARKER"}
	ErrTransferFailed = &TrmvError{Code: "E_TRANSFER_FAILED"}
	ErrPromoteFailed  = &TrmvError{Code: "E_PROMOTE_FAILED"}
	ErrCleanupFailed  = &TrmvError{Code: "E_CLEANUP_FAILED"}
	ErrDataMissing    = &TrmvError{Code: "E_DATA_MISSING"}
	ErrRemote         = &TrmvError{Code: "E_REMOTE"}
	ErrMultiple       = &TrmvError{Code: "E_MULTIPLE"}
	ErrConfigInvalid  = &TrmvError{Code: "E_CONFIG_INVALID"}
	ErrNameInvalid    = &TrmvError{Code: "E_NAME_INVALID"}
	ErrPathEscape     = &TrmvError{Code: "E_PATH_ESCAPE"}
)

// Exit codes of a relocation job.
const (
	ExitOK                = 0
	ExitFatal             = 1
	ExitAlreadyMoved      = 2
	ExitInsufficientSpace = 3
	ExitRemoteSyncTimeout = 4
)

// Expected reports whether err is a recognized, retriable-later outcome
// rather than an incident.
func Expected(err error) bool {
	return errors.Is(err, ErrAlreadyMoved) || errors.Is(err, ErrInsufficientSpace)
}

// ExitCode maps err to the process exit code.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return ExitOK
	case errors.Is(err, ErrAlreadyMoved):
		return ExitAlreadyMoved
	case errors.Is(err, ErrInsufficientSpace):
		return ExitInsufficientSpace
	case errors.Is(err, ErrRemoteSyncTimeout):
		return ExitRemoteSyncTimeout
	default:
		return ExitFatal
	}
}

// FromExitCode is the inverse of ExitCode for the codes that carry a class.
// It is used when a job runs in a child process.
func FromExitCode(code int) error {
	switch code {
	case ExitOK:
		return nil
	case ExitAlreadyMoved:
		return ErrAlreadyMoved
	case ExitInsufficientSpace:
		return ErrInsufficientSpace
	case ExitRemoteSyncTimeout:
		return ErrRemoteSyncTimeout
	default:
		return fmt.Errorf("job exited with status %d", code)
	}
}
