package attendance

import "time"

// Session is one lecture occurrence. Active flips to false exactly once.
type Session struct {
	ID           string     `json:"id"`
	ClassID      string     `json:"classId"`
	InstructorID string     `json:"instructorId"`
	StartedAt    time.Time  `json:"startedAt"`
	EndedAt      *time.Time `json:"endedAt,omitempty"`
	Active       bool       `json:"active"`
	Attendees    []Record   `json:"attendees,omitempty"`
}

// IsOpen reports whether attendance may still be recorded.
func (s Session) IsOpen() bool { return s.Active }

// HasAttendee reports whether studentID appears in the loaded records.
func (s Session) HasAttendee(studentID string) bool {
	for _, r := range s.Attendees {
		if r.StudentID == studentID {
			return true
		}
	}
	return false
}

// Record is a committed attendance entry. Immutable once stored.
type Record struct {
	ID         string    `json:"id"`
	SessionID  string    `json:"sessionId"`
	StudentID  string    `json:"studentId"`
	DeviceID   string    `json:"deviceId"`
	RecordedAt time.Time `json:"recordedAt"`
}

// Student is the identity the pipeline checks before binding a device.
// DeviceID is empty until the student's first successful scan.
type Student struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	PRNNumber string    `json:"prnNumber"`
	DeviceID  string    `json:"deviceId,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// RecentAttendee is one row of the recent-activity feed.
type RecentAttendee struct {
	StudentID  string    `json:"studentId"`
	Name       string    `json:"studentName"`
	PRNNumber  string    `json:"prnNumber"`
	SessionID  string    `json:"sessionId"`
	RecordedAt time.Time `json:"recordedAt"`
}

// Presence is the event emitted to a session's display when a student
// is recorded.
type Presence struct {
	SessionID  string    `json:"sessionId"`
	StudentID  string    `json:"studentId"`
	Name       string    `json:"name"`
	PRNNumber  string    `json:"prnNumber"`
	RecordedAt time.Time `json:"recordedAt"`
}
