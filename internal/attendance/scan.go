package attendance

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"qrattend/internal/credential"
)

// ScanRequest is one attendance attempt from a student device. The
// credential fields may arrive split (ClassID, SessionID, Digest) or as
// the raw payload read from the QR code (Credential).
type ScanRequest struct {
	StudentID  string
	DeviceID   string
	ClassID    string
	SessionID  string
	Digest     string
	Credential string
}

// Outcome is a successful scan's result.
type Outcome string

const (
	OutcomeRecorded        Outcome = "recorded"
	OutcomeAlreadyRecorded Outcome = "already_recorded"
)

// ScanResult describes an accepted scan. AlreadyRecorded is not an
// error: the student's attendance goal is already met.
type ScanResult struct {
	Outcome Outcome
	Binding BindOutcome
	Student Student
	Record  Record
	Message string
}

func (req *ScanRequest) resolve() error {
	if req.Credential == "" {
		return nil
	}
	cred, err := credential.Decode(req.Credential)
	if err != nil {
		return err
	}
	if (req.ClassID != "" && req.ClassID != cred.ClassID) ||
		(req.SessionID != "" && req.SessionID != cred.SessionID) ||
		(req.Digest != "" && req.Digest != cred.Hash) {
		return fmt.Errorf("%w: credential disagrees with request fields", credential.ErrMalformedCredential)
	}
	req.ClassID, req.SessionID, req.Digest = cred.ClassID, cred.SessionID, cred.Hash
	return nil
}

// SubmitScan runs the scan pipeline. Checks run in a fixed order and
// stop at the first failure:
//
//  1. credential fresh for the current or previous slice
//  2. session exists, is open, and belongs to the credential's class
//  3. student exists
//  4. device bound on first use, or matching the existing binding
//  5. student not already recorded in the session
//  6. commit the record
//  7. notify the session's display
//
// The binding in step 4 is persisted before the commit in step 6. If
// the process dies in between, a rescan finds the binding Verified and
// proceeds. Rejections are returned as *ScanError.
func (s *Service) SubmitScan(ctx context.Context, req ScanRequest) (ScanResult, error) {
	start := time.Now()
	res, err := s.submitScan(ctx, req)

	label := string(res.Outcome)
	if err != nil {
		label = string(KindOf(err))
		if label == "" {
			label = "invalid_request"
		}
	}
	s.metrics.ObserveScan(label, time.Since(start).Seconds())

	if err != nil {
		s.logger.Info("scan rejected", "student_id", req.StudentID, "session_id", req.SessionID, "kind", label, "error", err)
	} else {
		s.logger.Info("scan accepted", "student_id", req.StudentID, "session_id", req.SessionID, "outcome", res.Outcome, "binding", res.Binding)
	}
	return res, err
}

func (s *Service) submitScan(ctx context.Context, req ScanRequest) (ScanResult, error) {
	if strings.TrimSpace(req.StudentID) == "" || strings.TrimSpace(req.DeviceID) == "" {
		return ScanResult{}, fmt.Errorf("%w: studentId and deviceId required", ErrInvalidInput)
	}
	if err := req.resolve(); err != nil {
		return ScanResult{}, scanErr(KindMalformedCredential, err)
	}
	now := s.clock.Now()

	// 1. replay window
	if !s.validator.Validate(req.ClassID, req.SessionID, req.Digest, now) {
		return ScanResult{}, scanErr(KindInvalidCredential, nil)
	}

	// 2. session liveness
	sess, err := s.store.GetSession(ctx, req.SessionID)
	switch {
	case isNotFound(err):
		return ScanResult{}, scanErr(KindSessionNotActive, err)
	case err != nil:
		return ScanResult{}, scanErr(KindPersistenceUnavailable, err)
	case !sess.IsOpen():
		return ScanResult{}, scanErr(KindSessionNotActive, ErrSessionClosed)
	case sess.ClassID != req.ClassID:
		return ScanResult{}, scanErr(KindSessionNotActive, errors.New("session belongs to another class"))
	}

	// 3. student
	student, err := s.store.GetStudent(ctx, req.StudentID)
	switch {
	case isNotFound(err):
		return ScanResult{}, scanErr(KindStudentNotFound, err)
	case err != nil:
		return ScanResult{}, scanErr(KindPersistenceUnavailable, err)
	}

	// 4. device binding
	binding, err := s.store.BindOrVerify(ctx, req.StudentID, req.DeviceID)
	switch {
	case isNotFound(err):
		return ScanResult{}, scanErr(KindStudentNotFound, err)
	case err != nil:
		return ScanResult{}, scanErr(KindPersistenceUnavailable, err)
	case binding == Mismatch:
		return ScanResult{}, scanErr(KindDeviceMismatch, nil)
	}
	if binding == Bound {
		student.DeviceID = req.DeviceID
		s.logger.Info("device bound", "student_id", req.StudentID)
	}

	result := ScanResult{Binding: binding, Student: student}

	// 5. duplicate
	present, err := s.store.HasAttendee(ctx, req.SessionID, req.StudentID)
	if err != nil {
		return ScanResult{}, scanErr(KindPersistenceUnavailable, err)
	}
	if present {
		return alreadyRecorded(result), nil
	}

	// 6. commit
	rec := Record{
		ID:         uuid.NewString(),
		SessionID:  req.SessionID,
		StudentID:  req.StudentID,
		DeviceID:   req.DeviceID,
		RecordedAt: now.UTC(),
	}
	if err := s.store.AppendAttendee(ctx, rec); err != nil {
		switch {
		case errors.Is(err, ErrDuplicateAttendee):
			// A concurrent scan from the same student won the insert.
			return alreadyRecorded(result), nil
		case errors.Is(err, ErrSessionClosed), isNotFound(err):
			return ScanResult{}, scanErr(KindSessionNotActive, err)
		default:
			return ScanResult{}, scanErr(KindPersistenceUnavailable, err)
		}
	}
	result.Outcome = OutcomeRecorded
	result.Record = rec
	result.Message = "Attendance successfully verified and marked!"

	// 7. presence event
	if s.notifier != nil {
		err := s.notifier.AttendeeRecorded(ctx, Presence{
			SessionID:  req.SessionID,
			StudentID:  student.ID,
			Name:       student.Name,
			PRNNumber:  student.PRNNumber,
			RecordedAt: rec.RecordedAt,
		})
		if err != nil {
			s.logger.Warn("presence notification failed", "session_id", req.SessionID, "student_id", req.StudentID, "error", err)
		}
	}
	return result, nil
}

func alreadyRecorded(r ScanResult) ScanResult {
	r.Outcome = OutcomeAlreadyRecorded
	r.Message = "Your attendance is already recorded for this lecture."
	return r
}
