package attendance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"qrattend/internal/clock"
	"qrattend/internal/credential"
	"qrattend/internal/metrics"
)

// Notifier delivers session events to whoever is displaying the
// session. Implementations must not block for long: the scan that
// triggered the event has already been committed.
type Notifier interface {
	AttendeeRecorded(ctx context.Context, p Presence) error
	SessionClosed(ctx context.Context, sessionID string) error
}

// Options carries the Service's optional collaborators.
type Options struct {
	Clock    clock.Clock
	Logger   *slog.Logger
	Notifier Notifier
	Metrics  *metrics.Metrics
}

// Service coordinates session lifecycle and the scan pipeline.
type Service struct {
	store     Store
	validator *credential.Validator
	clock     clock.Clock
	logger    *slog.Logger
	notifier  Notifier
	metrics   *metrics.Metrics
}

// NewService creates a service backed by store.
func NewService(store Store, validator *credential.Validator, opts Options) *Service {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Service{
		store:     store,
		validator: validator,
		clock:     opts.Clock,
		logger:    opts.Logger,
		notifier:  opts.Notifier,
		metrics:   opts.Metrics,
	}
}

// StartSession opens a new session for classID.
func (s *Service) StartSession(ctx context.Context, classID, instructorID string) (Session, error) {
	if !credential.ValidIdentifier(classID) || strings.TrimSpace(instructorID) == "" {
		return Session{}, fmt.Errorf("%w: class id and instructor id required; class id may not contain %q", ErrInvalidInput, credential.Separator)
	}
	sess := Session{
		ID:           uuid.NewString(),
		ClassID:      classID,
		InstructorID: instructorID,
		StartedAt:    s.clock.Now().UTC(),
		Active:       true,
	}
	if err := s.store.CreateSession(ctx, sess); err != nil {
		return Session{}, fmt.Errorf("create session: %w", err)
	}
	s.logger.Info("session started", "session_id", sess.ID, "class_id", classID, "instructor_id", instructorID)
	return sess, nil
}

// CloseSession ends a session. When instructorID is non-empty it must
// match the session's instructor. Closing twice is not an error.
func (s *Service) CloseSession(ctx context.Context, sessionID, instructorID string) (Session, error) {
	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return Session{}, err
	}
	if instructorID != "" && sess.InstructorID != instructorID {
		return Session{}, ErrForbidden
	}
	if !sess.IsOpen() {
		return sess, nil
	}
	return s.close(ctx, sessionID, "instructor")
}

func (s *Service) close(ctx context.Context, sessionID, trigger string) (Session, error) {
	sess, err := s.store.CloseSession(ctx, sessionID, s.clock.Now().UTC())
	if err != nil {
		return Session{}, fmt.Errorf("close session: %w", err)
	}
	s.metrics.SessionClosed(trigger)
	s.logger.Info("session closed", "session_id", sessionID, "trigger", trigger)
	if s.notifier != nil {
		if err := s.notifier.SessionClosed(ctx, sessionID); err != nil {
			s.logger.Warn("session close notification failed", "session_id", sessionID, "error", err)
		}
	}
	return sess, nil
}

// CloseStale closes every session that has been open longer than
// maxOpen and returns how many were closed.
func (s *Service) CloseStale(ctx context.Context, maxOpen time.Duration) (int, error) {
	stale, err := s.store.ListOpenSessionsBefore(ctx, s.clock.Now().Add(-maxOpen))
	if err != nil {
		return 0, fmt.Errorf("list stale sessions: %w", err)
	}
	closed := 0
	for _, sess := range stale {
		if _, err := s.close(ctx, sess.ID, "expired"); err != nil {
			return closed, err
		}
		closed++
	}
	return closed, nil
}

// AuthorizeDisplay checks that instructorID may project the rotating
// credential for (classID, sessionID).
func (s *Service) AuthorizeDisplay(ctx context.Context, instructorID, classID, sessionID string) error {
	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	switch {
	case !sess.IsOpen():
		return ErrSessionClosed
	case sess.ClassID != classID:
		return fmt.Errorf("%w: session belongs to another class", ErrInvalidInput)
	case sess.InstructorID != instructorID:
		return ErrForbidden
	}
	return nil
}

// Session returns a session with its attendees loaded.
func (s *Service) Session(ctx context.Context, id string) (Session, error) {
	sess, err := s.store.GetSession(ctx, id)
	if err != nil {
		return Session{}, err
	}
	sess.Attendees, err = s.store.Attendees(ctx, id)
	if err != nil {
		return Session{}, fmt.Errorf("load attendees: %w", err)
	}
	return sess, nil
}

// SessionsOn returns the sessions started on day's calendar date in
// day's location.
func (s *Service) SessionsOn(ctx context.Context, day time.Time) ([]Session, error) {
	from := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, day.Location())
	return s.store.ListSessions(ctx, from, from.AddDate(0, 0, 1))
}

// RecentAttendees returns the latest attendance records, at most 50.
func (s *Service) RecentAttendees(ctx context.Context, limit int) ([]RecentAttendee, error) {
	if limit <= 0 {
		limit = 20
	}
	if limit > 50 {
		limit = 50
	}
	return s.store.RecentAttendees(ctx, limit)
}

// RegisterStudent creates or updates a student profile.
func (s *Service) RegisterStudent(ctx context.Context, st Student) (Student, error) {
	if strings.TrimSpace(st.ID) == "" || strings.TrimSpace(st.Name) == "" {
		return Student{}, fmt.Errorf("%w: student id and name required", ErrInvalidInput)
	}
	st.CreatedAt = s.clock.Now().UTC()
	if err := s.store.UpsertStudent(ctx, st); err != nil {
		return Student{}, fmt.Errorf("upsert student: %w", err)
	}
	return s.store.GetStudent(ctx, st.ID)
}

// Binding exposes the device currently bound to studentID.
func (s *Service) Binding(ctx context.Context, studentID string) (string, bool, error) {
	return s.store.GetBinding(ctx, studentID)
}

// Ready reports whether the backing store is reachable.
func (s *Service) Ready(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func isNotFound(err error) bool { return errors.Is(err, ErrNotFound) }
