package attendance

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"qrattend/internal/store"
)

// Repository persists attendance data in Postgres or SQLite.
type Repository struct {
	db *store.DB
}

// NewRepository creates a repo.
func NewRepository(db *store.DB) *Repository {
	return &Repository{db: db}
}

// Migrate creates the schema if it does not exist. The unique
// (session_id, student_id) constraint is what makes a concurrent
// duplicate scan fail instead of committing twice.
func (r *Repository) Migrate(ctx context.Context) error {
	ts := r.db.TimestampType()
	statements := []string{
		`CREATE TABLE IF NOT EXISTS students (
			id          TEXT PRIMARY KEY,
			name        TEXT NOT NULL,
			prn_number  TEXT NOT NULL DEFAULT '',
			device_id   TEXT,
			created_at  ` + ts + ` NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS sessions (
			id             TEXT PRIMARY KEY,
			class_id       TEXT NOT NULL,
			instructor_id  TEXT NOT NULL,
			started_at     ` + ts + ` NOT NULL,
			ended_at       ` + ts + `,
			active         BOOLEAN NOT NULL DEFAULT TRUE
		)`,
		`CREATE TABLE IF NOT EXISTS session_attendees (
			id           TEXT PRIMARY KEY,
			session_id   TEXT NOT NULL REFERENCES sessions(id),
			student_id   TEXT NOT NULL REFERENCES students(id),
			device_id    TEXT NOT NULL,
			recorded_at  ` + ts + ` NOT NULL,
			UNIQUE (session_id, student_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_started ON sessions(started_at)`,
		`CREATE INDEX IF NOT EXISTS idx_session_attendees_recorded ON session_attendees(recorded_at)`,
	}
	for _, stmt := range statements {
		if _, err := r.db.Client.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

const sessionColumns = `id, class_id, instructor_id, started_at, ended_at, active`

func scanSession(row interface{ Scan(...any) error }) (Session, error) {
	var (
		s     Session
		ended sql.NullTime
	)
	if err := row.Scan(&s.ID, &s.ClassID, &s.InstructorID, &s.StartedAt, &ended, &s.Active); err != nil {
		return Session{}, err
	}
	s.StartedAt = s.StartedAt.UTC()
	if ended.Valid {
		t := ended.Time.UTC()
		s.EndedAt = &t
	}
	return s, nil
}

// CreateSession inserts a new active session.
func (r *Repository) CreateSession(ctx context.Context, s Session) error {
	_, err := r.db.Client.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO sessions (id, class_id, instructor_id, started_at, active)
		VALUES (?, ?, ?, ?, TRUE)
	`), s.ID, s.ClassID, s.InstructorID, s.StartedAt.UTC())
	return err
}

// GetSession returns a single session by id.
func (r *Repository) GetSession(ctx context.Context, id string) (Session, error) {
	row := r.db.Client.QueryRowContext(ctx, r.db.Rebind(`SELECT `+sessionColumns+` FROM sessions WHERE id = ?`), id)
	s, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, ErrSessionNotFound
	}
	return s, err
}

// CloseSession flips the liveness flag. The WHERE active guard keeps
// the first close's end time when two closes race.
func (r *Repository) CloseSession(ctx context.Context, id string, at time.Time) (Session, error) {
	if _, err := r.db.Client.ExecContext(ctx, r.db.Rebind(`
		UPDATE sessions SET active = FALSE, ended_at = ?
		WHERE id = ? AND active
	`), at.UTC(), id); err != nil {
		return Session{}, err
	}
	return r.GetSession(ctx, id)
}

// ListSessions returns sessions started in [from, to).
func (r *Repository) ListSessions(ctx context.Context, from, to time.Time) ([]Session, error) {
	return r.querySessions(ctx, `
		SELECT `+sessionColumns+` FROM sessions
		WHERE started_at >= ? AND started_at < ?
		ORDER BY started_at
	`, from.UTC(), to.UTC())
}

// ListOpenSessionsBefore returns active sessions started before cutoff.
func (r *Repository) ListOpenSessionsBefore(ctx context.Context, cutoff time.Time) ([]Session, error) {
	return r.querySessions(ctx, `
		SELECT `+sessionColumns+` FROM sessions
		WHERE active AND started_at < ?
		ORDER BY started_at
	`, cutoff.UTC())
}

func (r *Repository) querySessions(ctx context.Context, query string, args ...any) ([]Session, error) {
	rows, err := r.db.Client.QueryContext(ctx, r.db.Rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

// HasAttendee is an indexed membership check on the unique key.
func (r *Repository) HasAttendee(ctx context.Context, sessionID, studentID string) (bool, error) {
	var one int
	err := r.db.Client.QueryRowContext(ctx, r.db.Rebind(`
		SELECT 1 FROM session_attendees WHERE session_id = ? AND student_id = ?
	`), sessionID, studentID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

// AppendAttendee commits a record inside a transaction that holds a
// share lock on the session row, so a concurrent close either waits
// for the insert or is seen by it.
func (r *Repository) AppendAttendee(ctx context.Context, rec Record) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.RecordedAt.IsZero() {
		rec.RecordedAt = time.Now().UTC()
	}

	tx, err := r.db.Client.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var active bool
	err = tx.QueryRowContext(ctx, r.db.Rebind(`SELECT active FROM sessions WHERE id = ?`+r.db.ShareLock()), rec.SessionID).Scan(&active)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return ErrSessionNotFound
	case err != nil:
		return err
	case !active:
		return ErrSessionClosed
	}

	res, err := tx.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO session_attendees (id, session_id, student_id, device_id, recorded_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (session_id, student_id) DO NOTHING
	`), rec.ID, rec.SessionID, rec.StudentID, rec.DeviceID, rec.RecordedAt.UTC())
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrDuplicateAttendee
	}
	return tx.Commit()
}

// Attendees returns the records of one session in commit order.
func (r *Repository) Attendees(ctx context.Context, sessionID string) ([]Record, error) {
	rows, err := r.db.Client.QueryContext(ctx, r.db.Rebind(`
		SELECT id, session_id, student_id, device_id, recorded_at
		FROM session_attendees WHERE session_id = ?
		ORDER BY recorded_at, id
	`), sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []Record
	for rows.Next() {
		var rec Record
		if err := rows.Scan(&rec.ID, &rec.SessionID, &rec.StudentID, &rec.DeviceID, &rec.RecordedAt); err != nil {
			return nil, err
		}
		rec.RecordedAt = rec.RecordedAt.UTC()
		res = append(res, rec)
	}
	return res, rows.Err()
}

// RecentAttendees returns the latest records across all sessions.
func (r *Repository) RecentAttendees(ctx context.Context, limit int) ([]RecentAttendee, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := r.db.Client.QueryContext(ctx, r.db.Rebind(`
		SELECT a.student_id, s.name, s.prn_number, a.session_id, a.recorded_at
		FROM session_attendees a
		JOIN students s ON s.id = a.student_id
		ORDER BY a.recorded_at DESC
		LIMIT ?
	`), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []RecentAttendee
	for rows.Next() {
		var ra RecentAttendee
		if err := rows.Scan(&ra.StudentID, &ra.Name, &ra.PRNNumber, &ra.SessionID, &ra.RecordedAt); err != nil {
			return nil, err
		}
		ra.RecordedAt = ra.RecordedAt.UTC()
		res = append(res, ra)
	}
	return res, rows.Err()
}

// UpsertStudent creates or renames a student. device_id is left alone:
// a binding is only ever written by BindOrVerify.
func (r *Repository) UpsertStudent(ctx context.Context, st Student) error {
	if st.CreatedAt.IsZero() {
		st.CreatedAt = time.Now().UTC()
	}
	_, err := r.db.Client.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO students (id, name, prn_number, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			prn_number = EXCLUDED.prn_number
	`), st.ID, st.Name, st.PRNNumber, st.CreatedAt.UTC())
	return err
}

// GetStudent returns a single student by id.
func (r *Repository) GetStudent(ctx context.Context, id string) (Student, error) {
	var (
		st     Student
		device sql.NullString
	)
	err := r.db.Client.QueryRowContext(ctx, r.db.Rebind(`
		SELECT id, name, prn_number, device_id, created_at FROM students WHERE id = ?
	`), id).Scan(&st.ID, &st.Name, &st.PRNNumber, &device, &st.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Student{}, ErrStudentNotFound
	}
	if err != nil {
		return Student{}, err
	}
	st.DeviceID = device.String
	st.CreatedAt = st.CreatedAt.UTC()
	return st, nil
}

// GetBinding returns the student's bound device, if any.
func (r *Repository) GetBinding(ctx context.Context, studentID string) (string, bool, error) {
	var device sql.NullString
	err := r.db.Client.QueryRowContext(ctx, r.db.Rebind(`SELECT device_id FROM students WHERE id = ?`), studentID).Scan(&device)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, ErrStudentNotFound
	}
	if err != nil {
		return "", false, err
	}
	return device.String, device.Valid && device.String != "", nil
}

// BindOrVerify is a compare-and-set: the UPDATE only lands while
// device_id is still NULL, so of two racing first scans exactly one
// binds and the other observes its binding.
func (r *Repository) BindOrVerify(ctx context.Context, studentID, deviceID string) (BindOutcome, error) {
	if strings.TrimSpace(deviceID) == "" {
		return "", ErrInvalidInput
	}
	res, err := r.db.Client.ExecContext(ctx, r.db.Rebind(`
		UPDATE students SET device_id = ? WHERE id = ? AND device_id IS NULL
	`), deviceID, studentID)
	if err != nil {
		return "", err
	}
	if n, err := res.RowsAffected(); err != nil {
		return "", err
	} else if n == 1 {
		return Bound, nil
	}

	bound, ok, err := r.GetBinding(ctx, studentID)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("student %s has no binding after conditional update", studentID)
	}
	if bound == deviceID {
		return Verified, nil
	}
	return Mismatch, nil
}

// Ping checks database connectivity.
func (r *Repository) Ping(ctx context.Context) error {
	return r.db.Client.PingContext(ctx)
}
