package attendance

import (
	"context"
	"time"
)

// BindOutcome is the result of presenting a device for a student.
type BindOutcome string

const (
	// Bound: no device was bound; the presented one now is, permanently.
	Bound BindOutcome = "bound"
	// Verified: the presented device matches the existing binding.
	Verified BindOutcome = "verified"
	// Mismatch: a different device is bound. The binding is unchanged.
	Mismatch BindOutcome = "mismatch"
)

// Store is the persistence contract the attendance core relies on.
//
// Implementations must make BindOrVerify and AppendAttendee atomic at
// the storage boundary: two concurrent calls for the same student never
// both bind, and two concurrent appends for the same (session, student)
// never both commit. An in-process lock is not enough once several
// server processes share one database.
type Store interface {
	CreateSession(ctx context.Context, s Session) error
	// GetSession returns the session without its attendees.
	GetSession(ctx context.Context, id string) (Session, error)
	// CloseSession marks the session closed at the given time. Closing
	// a closed session is a no-op that returns the stored session.
	CloseSession(ctx context.Context, id string, at time.Time) (Session, error)
	// ListSessions returns sessions started in [from, to), oldest first.
	ListSessions(ctx context.Context, from, to time.Time) ([]Session, error)
	// ListOpenSessionsBefore returns active sessions started before cutoff.
	ListOpenSessionsBefore(ctx context.Context, cutoff time.Time) ([]Session, error)

	HasAttendee(ctx context.Context, sessionID, studentID string) (bool, error)
	// AppendAttendee commits rec. It fails with ErrSessionClosed if the
	// session is no longer active, ErrSessionNotFound if it does not
	// exist, and ErrDuplicateAttendee if the student is already recorded.
	AppendAttendee(ctx context.Context, rec Record) error
	// Attendees returns the session's records in commit order.
	Attendees(ctx context.Context, sessionID string) ([]Record, error)
	RecentAttendees(ctx context.Context, limit int) ([]RecentAttendee, error)

	UpsertStudent(ctx context.Context, st Student) error
	GetStudent(ctx context.Context, id string) (Student, error)
	// GetBinding returns the bound device id and whether one is set.
	GetBinding(ctx context.Context, studentID string) (string, bool, error)
	// BindOrVerify binds deviceID if the student has no device yet, and
	// otherwise compares it with the stored binding.
	BindOrVerify(ctx context.Context, studentID, deviceID string) (BindOutcome, error)

	Ping(ctx context.Context) error
}
