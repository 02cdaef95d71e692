package attendance

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore keeps everything in process memory. Check-and-set
// operations run under a single mutex, which gives them the same
// atomicity the SQL repository gets from conditional writes. It is for
// development and tests; state does not survive a restart or span
// processes.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string]*memSession
	students map[string]Student
}

type memSession struct {
	session Session
	records []Record
	present map[string]struct{}
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*memSession),
		students: make(map[string]Student),
	}
}

func (m *MemoryStore) CreateSession(_ context.Context, s Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[s.ID]; ok {
		return ErrInvalidInput
	}
	s.Attendees = nil
	m.sessions[s.ID] = &memSession{session: s, present: make(map[string]struct{})}
	return nil
}

func (m *MemoryStore) GetSession(_ context.Context, id string) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ms, ok := m.sessions[id]
	if !ok {
		return Session{}, ErrSessionNotFound
	}
	return ms.session, nil
}

func (m *MemoryStore) CloseSession(_ context.Context, id string, at time.Time) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ms, ok := m.sessions[id]
	if !ok {
		return Session{}, ErrSessionNotFound
	}
	if ms.session.Active {
		ended := at
		ms.session.Active = false
		ms.session.EndedAt = &ended
	}
	return ms.session, nil
}

func (m *MemoryStore) ListSessions(_ context.Context, from, to time.Time) ([]Session, error) {
	return m.filterSessions(func(s Session) bool {
		return !s.StartedAt.Before(from) && s.StartedAt.Before(to)
	}), nil
}

func (m *MemoryStore) ListOpenSessionsBefore(_ context.Context, cutoff time.Time) ([]Session, error) {
	return m.filterSessions(func(s Session) bool {
		return s.Active && s.StartedAt.Before(cutoff)
	}), nil
}

func (m *MemoryStore) filterSessions(keep func(Session) bool) []Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Session
	for _, ms := range m.sessions {
		if keep(ms.session) {
			out = append(out, ms.session)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

func (m *MemoryStore) HasAttendee(_ context.Context, sessionID, studentID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ms, ok := m.sessions[sessionID]
	if !ok {
		return false, ErrSessionNotFound
	}
	_, present := ms.present[studentID]
	return present, nil
}

func (m *MemoryStore) AppendAttendee(_ context.Context, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ms, ok := m.sessions[rec.SessionID]
	if !ok {
		return ErrSessionNotFound
	}
	if !ms.session.Active {
		return ErrSessionClosed
	}
	if _, dup := ms.present[rec.StudentID]; dup {
		return ErrDuplicateAttendee
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	ms.present[rec.StudentID] = struct{}{}
	ms.records = append(ms.records, rec)
	return nil
}

func (m *MemoryStore) Attendees(_ context.Context, sessionID string) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ms, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return append([]Record(nil), ms.records...), nil
}

func (m *MemoryStore) RecentAttendees(_ context.Context, limit int) ([]RecentAttendee, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []RecentAttendee
	for _, ms := range m.sessions {
		for _, r := range ms.records {
			st := m.students[r.StudentID]
			out = append(out, RecentAttendee{
				StudentID:  r.StudentID,
				Name:       st.Name,
				PRNNumber:  st.PRNNumber,
				SessionID:  r.SessionID,
				RecordedAt: r.RecordedAt,
			})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RecordedAt.After(out[j].RecordedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// UpsertStudent creates the student or updates name and PRN. An
// existing device binding is never touched.
func (m *MemoryStore) UpsertStudent(_ context.Context, st Student) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if prev, ok := m.students[st.ID]; ok {
		prev.Name = st.Name
		prev.PRNNumber = st.PRNNumber
		m.students[st.ID] = prev
		return nil
	}
	st.DeviceID = ""
	m.students[st.ID] = st
	return nil
}

func (m *MemoryStore) GetStudent(_ context.Context, id string) (Student, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.students[id]
	if !ok {
		return Student{}, ErrStudentNotFound
	}
	return st, nil
}

func (m *MemoryStore) GetBinding(_ context.Context, studentID string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.students[studentID]
	if !ok {
		return "", false, ErrStudentNotFound
	}
	return st.DeviceID, st.DeviceID != "", nil
}

func (m *MemoryStore) BindOrVerify(_ context.Context, studentID, deviceID string) (BindOutcome, error) {
	if deviceID == "" {
		return "", ErrInvalidInput
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.students[studentID]
	if !ok {
		return "", ErrStudentNotFound
	}
	switch st.DeviceID {
	case "":
		st.DeviceID = deviceID
		m.students[studentID] = st
		return Bound, nil
	case deviceID:
		return Verified, nil
	default:
		return Mismatch, nil
	}
}

func (m *MemoryStore) Ping(context.Context) error { return nil }
