package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"qrattend/internal/attendance"
	"qrattend/internal/clock"
	"qrattend/internal/credential"
	"qrattend/internal/queue"
	"qrattend/internal/rotation"
)

// owners maps session id to the instructor allowed to display it.
type owners map[string]string

func (o owners) AuthorizeDisplay(_ context.Context, instructorID, _, sessionID string) error {
	owner, ok := o[sessionID]
	switch {
	case !ok:
		return attendance.ErrSessionNotFound
	case owner != instructorID:
		return attendance.ErrForbidden
	}
	return nil
}

type harness struct {
	hub         *Hub
	broadcaster *rotation.Broadcaster
	bus         *queue.InMemory
	server      *httptest.Server
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	return newHarnessWithGate(t, owners{"S1": "T1", "S2": "T2"})
}

func newHarnessWithGate(t *testing.T, gate Gate) *harness {
	t.Helper()
	codec, err := credential.NewCodec([]byte("hub-test-key"))
	if err != nil {
		t.Fatal(err)
	}
	clk := clock.Fake(credential.SliceStart(1000).Add(time.Second))
	hub := NewHub(gate, Options{})
	b := rotation.New(codec, hub, rotation.Options{Clock: clk})
	hub.UseRotator(b)

	bus := queue.NewInMemory(8)
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx, bus)
	eventually(t, func() bool { return bus.Subscribers() == 1 })

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = hub.Serve(w, r, r.URL.Query().Get("instructor"))
	}))
	t.Cleanup(func() {
		srv.Close()
		cancel()
		b.Close()
		bus.Close()
	})
	return &harness{hub: hub, broadcaster: b, bus: bus, server: srv}
}

func (h *harness) dial(t *testing.T, instructor string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(h.server.URL, "http") + "/?instructor=" + instructor
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

type received struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

func send(t *testing.T, conn *websocket.Conn, event string, data any) {
	t.Helper()
	if err := conn.WriteJSON(Envelope{Event: event, Data: data}); err != nil {
		t.Fatalf("write %s: %v", event, err)
	}
}

func expect(t *testing.T, conn *websocket.Conn, event string) json.RawMessage {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg received
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("waiting for %s: %v", event, err)
	}
	if msg.Event != event {
		t.Fatalf("got event %s (%s), want %s", msg.Event, msg.Data, event)
	}
	return msg.Data
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestBeginSessionStreamsCredentialAndPresence(t *testing.T) {
	h := newHarness(t)
	display := h.dial(t, "T1")

	send(t, display, EventBeginSession, map[string]string{"classId": "C1", "sessionId": "S1"})
	var e rotation.Emission
	if err := json.Unmarshal(expect(t, display, EventCredentialRotated), &e); err != nil {
		t.Fatal(err)
	}
	if e.SessionID != "S1" || e.Slice != 1000 {
		t.Fatalf("emission = %+v", e)
	}
	if _, err := credential.Decode(e.Credential); err != nil {
		t.Fatalf("emitted credential does not decode: %v", err)
	}

	notifier := BusNotifier{Bus: h.bus}
	err := notifier.AttendeeRecorded(context.Background(), attendance.Presence{
		SessionID: "S1", StudentID: "A", Name: "Asha", PRNNumber: "PRN-7", RecordedAt: time.Now(),
	})
	if err != nil {
		t.Fatal(err)
	}
	var p presenceEvent
	if err := json.Unmarshal(expect(t, display, EventAttendeeRecorded), &p); err != nil {
		t.Fatal(err)
	}
	if p.StudentID != "A" || p.Name != "Asha" || p.PRNNumber != "PRN-7" {
		t.Fatalf("presence = %+v", p)
	}
}

func TestSecondDisplayIsCaughtUpAndRotationOutlivesFirst(t *testing.T) {
	h := newHarness(t)
	first := h.dial(t, "T1")
	send(t, first, EventBeginSession, map[string]string{"classId": "C1", "sessionId": "S1"})
	expect(t, first, EventCredentialRotated)

	second := h.dial(t, "T1")
	send(t, second, EventBeginSession, map[string]string{"classId": "C1", "sessionId": "S1"})
	expect(t, second, EventCredentialRotated)
	eventually(t, func() bool { return h.hub.Subscribers("S1") == 2 })

	first.Close()
	eventually(t, func() bool { return h.hub.Subscribers("S1") == 1 })
	if !h.broadcaster.Active("S1") {
		t.Fatal("rotation stopped while a display is still attached")
	}

	send(t, second, EventEndSession, map[string]string{"sessionId": "S1"})
	eventually(t, func() bool { return !h.broadcaster.Active("S1") })
	if h.hub.Connections() != 1 {
		t.Errorf("Connections = %d, want 1", h.hub.Connections())
	}
}

func TestDisconnectEndsRotation(t *testing.T) {
	h := newHarness(t)
	display := h.dial(t, "T1")
	send(t, display, EventBeginSession, map[string]string{"classId": "C1", "sessionId": "S1"})
	expect(t, display, EventCredentialRotated)

	display.Close()
	eventually(t, func() bool { return !h.broadcaster.Active("S1") && h.hub.Connections() == 0 })
}

func TestBeginSessionRefused(t *testing.T) {
	h := newHarness(t)
	display := h.dial(t, "T1")

	cases := []struct {
		data any
		want string
	}{
		{map[string]string{"classId": "C2", "sessionId": "S2"}, "session belongs to another instructor"},
		{map[string]string{"classId": "C1", "sessionId": "nope"}, "session not found"},
		{map[string]string{"classId": "C1"}, "sessionId required"},
	}
	for _, tc := range cases {
		send(t, display, EventBeginSession, tc.data)
		var body map[string]string
		if err := json.Unmarshal(expect(t, display, EventError), &body); err != nil {
			t.Fatal(err)
		}
		if body["message"] != tc.want {
			t.Errorf("refusal for %v = %q, want %q", tc.data, body["message"], tc.want)
		}
	}
	if h.broadcaster.Running() != 0 {
		t.Fatalf("refused begin started %d rotations", h.broadcaster.Running())
	}
}

func TestSessionClosedDisbandsGroup(t *testing.T) {
	h := newHarness(t)
	display := h.dial(t, "T1")
	send(t, display, EventBeginSession, map[string]string{"classId": "C1", "sessionId": "S1"})
	expect(t, display, EventCredentialRotated)

	if err := (BusNotifier{Bus: h.bus}).SessionClosed(context.Background(), "S1"); err != nil {
		t.Fatal(err)
	}
	var body map[string]string
	if err := json.Unmarshal(expect(t, display, EventSessionClosed), &body); err != nil {
		t.Fatal(err)
	}
	if body["sessionId"] != "S1" {
		t.Fatalf("session_closed data = %v", body)
	}
	eventually(t, func() bool { return !h.broadcaster.Active("S1") && h.hub.Subscribers("S1") == 0 })
}

// closingGate authorizes like owners, then closes the session before
// the display is admitted to its group.
type closingGate struct {
	owners
	hub atomic.Pointer[Hub]
}

func (g *closingGate) AuthorizeDisplay(ctx context.Context, instructorID, classID, sessionID string) error {
	if err := g.owners.AuthorizeDisplay(ctx, instructorID, classID, sessionID); err != nil {
		return err
	}
	g.hub.Load().closeSession(sessionID)
	return nil
}

func TestBeginSessionAfterConcurrentCloseIsRefused(t *testing.T) {
	gate := &closingGate{owners: owners{"S1": "T1"}}
	h := newHarnessWithGate(t, gate)
	gate.hub.Store(h.hub)
	display := h.dial(t, "T1")

	send(t, display, EventBeginSession, map[string]string{"classId": "C1", "sessionId": "S1"})
	var body map[string]string
	if err := json.Unmarshal(expect(t, display, EventError), &body); err != nil {
		t.Fatal(err)
	}
	if body["message"] != "session is not active" {
		t.Fatalf("refusal = %q", body["message"])
	}
	if h.broadcaster.Active("S1") || h.broadcaster.Running() != 0 {
		t.Fatal("rotation started for a closed session")
	}
	if n := h.hub.Subscribers("S1"); n != 0 {
		t.Fatalf("Subscribers(S1) = %d after close", n)
	}
}
