package internal

import (
	"errors"
	"os"
	"syscall"
)

// Failure taxonomy shared by backends, the download coordinator and the state
// machine. Backends wrap transport errors into one of these sentinels so the
// rest of the core can classify without knowing the active protocol.
var (
	// ErrUnreachable marks a transport-level failure (connection refused,
	// timeout, 5xx). Retryable.
	ErrUnreachable = errors.New("remote unreachable")

	// ErrNotFound marks a missing remote resource. Not retryable; the
	// operation fails.
	ErrNotFound = errors.New("remote resource not found")

	// ErrMalformed marks a corrupt manifest or version string. Not retryable
	// at the operation level; may trigger a repair at the session level.
	ErrMalformed = errors.New("malformed data")

	// ErrChecksumMismatch marks a verification failure after a completed
	// transfer. Retryable up to the budget.
	ErrChecksumMismatch = errors.New("checksum mismatch")

	// ErrPermissionDenied marks a local or remote access failure. Fatal for
	// the operation.
	ErrPermissionDenied = errors.New("permission denied")

	// ErrDiskFull marks exhausted local storage. Fatal for the session.
	ErrDiskFull = errors.New("disk full")

	// ErrSessionActive is returned when a session start races with a live
	// session against the same installation root.
	ErrSessionActive = errors.New("a patch session is already active")

	// ErrRangeUnsupported is returned by a backend when the transport cannot
	// resume from a byte offset; the coordinator restarts the transfer from
	// zero.
	ErrRangeUnsupported = errors.New("resume from offset not supported")
)

// IsRetryable reports whether a failed operation may be re-attempted under
// the session's retry budget.
func IsRetryable(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrNotFound),
		errors.Is(err, ErrMalformed),
		errors.Is(err, ErrPermissionDenied),
		errors.Is(err, ErrDiskFull),
		errors.Is(err, ErrRangeUnsupported):
		return false
	default:
		// Unreachable, checksum mismatch and unclassified I/O errors all
		// qualify for another attempt.
		return true
	}
}

// ClassifyLocalError maps filesystem errors onto the taxonomy so that a full
// disk or a read-only install root surfaces as a fatal condition rather than
// burning the retry budget.
func ClassifyLocalError(err error) error {
	if err == nil {
		return nil
	}
	if os.IsPermission(err) {
		return errors.Join(ErrPermissionDenied, err)
	}
	if errors.Is(err, syscall.ENOSPC) {
		return errors.Join(ErrDiskFull, err)
	}
	return err
}

// IsFatalSessionError reports whether an error must escalate the whole
// session to the Error state instead of failing a single operation.
func IsFatalSessionError(err error) bool {
	return errors.Is(err, ErrDiskFull) || errors.Is(err, ErrPermissionDenied)
}
