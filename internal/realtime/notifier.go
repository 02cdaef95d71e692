package realtime

import (
	"context"
	"time"

	"qrattend/internal/attendance"
	"qrattend/internal/queue"
)

// BusNotifier publishes attendance events on the bus. Every API
// process runs a Hub that relays them to its own displays, so a scan
// handled by one process reaches a display attached to another.
type BusNotifier struct {
	Bus queue.Bus
}

type presenceEvent struct {
	SessionID  string    `json:"sessionId"`
	StudentID  string    `json:"studentId"`
	Name       string    `json:"name"`
	PRNNumber  string    `json:"prnNumber"`
	RecordedAt time.Time `json:"recordedAt"`
}

// AttendeeRecorded implements attendance.Notifier.
func (n BusNotifier) AttendeeRecorded(ctx context.Context, p attendance.Presence) error {
	msg, err := queue.NewMessage(queue.TypeAttendeeRecorded, p.SessionID, presenceEvent{
		SessionID:  p.SessionID,
		StudentID:  p.StudentID,
		Name:       p.Name,
		PRNNumber:  p.PRNNumber,
		RecordedAt: p.RecordedAt.UTC(),
	})
	if err != nil {
		return err
	}
	return n.Bus.Publish(ctx, msg)
}

// SessionClosed implements attendance.Notifier.
func (n BusNotifier) SessionClosed(ctx context.Context, sessionID string) error {
	return n.Bus.Publish(ctx, queue.Message{Type: queue.TypeSessionClosed, SessionID: sessionID})
}
