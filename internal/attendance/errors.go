package attendance

import (
	"errors"
	"fmt"
)

// Store-level sentinels. Implementations wrap these so callers can use
// errors.Is regardless of backend.
var (
	ErrNotFound          = errors.New("not found")
	ErrSessionNotFound   = fmt.Errorf("session %w", ErrNotFound)
	ErrStudentNotFound   = fmt.Errorf("student %w", ErrNotFound)
	ErrSessionClosed     = errors.New("session closed")
	ErrDuplicateAttendee = errors.New("attendee already recorded")
	ErrForbidden         = errors.New("not the session's instructor")
	ErrInvalidInput      = errors.New("invalid input")
)

// Kind classifies why a scan was rejected.
type Kind string

const (
	KindMalformedCredential    Kind = "malformed_credential"
	KindInvalidCredential      Kind = "invalid_or_expired_credential"
	KindSessionNotActive       Kind = "session_not_active"
	KindStudentNotFound        Kind = "student_not_found"
	KindDeviceMismatch         Kind = "device_mismatch"
	KindPersistenceUnavailable Kind = "persistence_unavailable"
)

// Retryable reports whether a caller may retry the same scan with
// backoff. Only persistence failures qualify; retrying a device
// mismatch would be indistinguishable from a proxy attempt.
func (k Kind) Retryable() bool { return k == KindPersistenceUnavailable }

// ScanError is a rejected scan. Reason is safe to show to the student.
type ScanError struct {
	Kind   Kind
	Reason string
	Err    error
}

func (e *ScanError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
}

func (e *ScanError) Unwrap() error { return e.Err }

// KindOf returns the kind carried by err, or "" if err is not a ScanError.
func KindOf(err error) Kind {
	var se *ScanError
	if errors.As(err, &se) {
		return se.Kind
	}
	return ""
}

var reasons = map[Kind]string{
	KindMalformedCredential:    "The scanned code could not be read. Please rescan the code on the projector.",
	KindInvalidCredential:      "QR code expired. Please scan the current code directly from the projector.",
	KindSessionNotActive:       "This lecture session is closed or does not exist.",
	KindStudentNotFound:        "Student profile not found.",
	KindDeviceMismatch:         "Device mismatch! You can only mark attendance from your registered primary phone.",
	KindPersistenceUnavailable: "Attendance could not be saved right now. Please try again.",
}

func scanErr(kind Kind, err error) *ScanError {
	return &ScanError{Kind: kind, Reason: reasons[kind], Err: err}
}
