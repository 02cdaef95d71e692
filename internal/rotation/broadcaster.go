// Package rotation runs one credential rotation per displayed session.
//
// A rotation emits the credential for the current slice as soon as it
// begins and then once at every slice boundary until it is ended. Each
// session has its own goroutine and timer, so ending one session never
// disturbs another.
package rotation

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"qrattend/internal/clock"
	"qrattend/internal/credential"
	"qrattend/internal/metrics"
)

// Emission is one rotated credential for a session.
type Emission struct {
	SessionID  string    `json:"sessionId"`
	ClassID    string    `json:"classId"`
	Credential string    `json:"credential"`
	Slice      int64     `json:"slice"`
	ExpiresAt  time.Time `json:"expiresAt"`
}

// Publisher receives emissions. Publish is called from the rotation's
// goroutine and must not block on the broadcaster.
type Publisher interface {
	Publish(e Emission)
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(Emission)

// Publish calls f(e).
func (f PublisherFunc) Publish(e Emission) { f(e) }

// Options carries the Broadcaster's optional collaborators.
type Options struct {
	Clock   clock.Clock
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Broadcaster owns the running rotations.
type Broadcaster struct {
	codec   *credential.Codec
	pub     Publisher
	clock   clock.Clock
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu      sync.Mutex
	running map[string]*rotation
	closed  bool
}

type rotation struct {
	cancel context.CancelFunc
	done   chan struct{}
	last   *Emission // guarded by Broadcaster.mu
}

// New returns a Broadcaster that signs with codec and hands every
// emission to pub.
func New(codec *credential.Codec, pub Publisher, opts Options) *Broadcaster {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Broadcaster{
		codec:   codec,
		pub:     pub,
		clock:   opts.Clock,
		logger:  opts.Logger,
		metrics: opts.Metrics,
		running: make(map[string]*rotation),
	}
}

// Begin starts rotating (classID, sessionID) unless that session is
// already rotating. It reports whether a new rotation was started.
func (b *Broadcaster) Begin(classID, sessionID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return false
	}
	if _, ok := b.running[sessionID]; ok {
		return false
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &rotation{cancel: cancel, done: make(chan struct{})}
	b.running[sessionID] = r
	b.metrics.RotationStarted()
	b.logger.Info("rotation started", "session_id", sessionID, "class_id", classID)

	go b.run(ctx, r, classID, sessionID)
	return true
}

// End cancels the session's rotation and waits for its goroutine to
// exit. It reports whether a rotation was running.
func (b *Broadcaster) End(sessionID string) bool {
	b.mu.Lock()
	r, ok := b.running[sessionID]
	if ok {
		delete(b.running, sessionID)
	}
	b.mu.Unlock()
	if !ok {
		return false
	}

	r.cancel()
	<-r.done
	b.metrics.RotationStopped()
	b.logger.Info("rotation ended", "session_id", sessionID)
	return true
}

// Active reports whether sessionID is rotating.
func (b *Broadcaster) Active(sessionID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.running[sessionID]
	return ok
}

// Last returns the most recent emission of a running rotation, for a
// display that joins a session already rotating.
func (b *Broadcaster) Last(sessionID string) (Emission, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	r, ok := b.running[sessionID]
	if !ok || r.last == nil {
		return Emission{}, false
	}
	return *r.last, true
}

// Running returns the number of rotating sessions.
func (b *Broadcaster) Running() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.running)
}

// Close ends every rotation. Begin is a no-op afterwards.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	b.closed = true
	ids := make([]string, 0, len(b.running))
	for id := range b.running {
		ids = append(ids, id)
	}
	b.mu.Unlock()

	for _, id := range ids {
		b.End(id)
	}
}

func (b *Broadcaster) run(ctx context.Context, r *rotation, classID, sessionID string) {
	defer close(r.done)
	for {
		now := b.clock.Now()
		b.emit(r, classID, sessionID, now)

		timer := b.clock.NewTimer(credential.UntilNextSlice(now))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (b *Broadcaster) emit(r *rotation, classID, sessionID string, now time.Time) {
	cred := b.codec.Issue(classID, sessionID, now)
	payload, err := credential.Encode(cred)
	if err != nil {
		b.logger.Error("encode credential", "session_id", sessionID, "error", err)
		return
	}
	slice := credential.Slice(now)
	// Accepted through the slice after this one.
	expires := credential.SliceStart(slice + 2).UTC()
	e := Emission{
		SessionID:  sessionID,
		ClassID:    classID,
		Credential: payload,
		Slice:      slice,
		ExpiresAt:  expires,
	}
	b.mu.Lock()
	r.last = &e
	b.mu.Unlock()

	b.pub.Publish(e)
	b.metrics.CredentialEmitted()
}
