package queue

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Event types carried on the bus.
const (
	TypeAttendeeRecorded = "attendee_recorded"
	TypeSessionClosed    = "session_closed"
)

// ErrClosed is returned by Publish and Subscribe after Close.
var ErrClosed = errors.New("queue: bus closed")

// Message is a session event fanned out to every subscriber.
type Message struct {
	Type      string          `json:"type"`
	SessionID string          `json:"sessionId"`
	Body      json.RawMessage `json:"body,omitempty"`
}

// Bus is the abstraction over different backends. Every subscriber
// receives every message published after it subscribed; the returned
// channel is closed when ctx ends or the bus is closed.
type Bus interface {
	Publish(ctx context.Context, msg Message) error
	Subscribe(ctx context.Context) (<-chan Message, error)
}

// NewMessage marshals body into a Message.
func NewMessage(typ, sessionID string, body any) (Message, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return Message{}, err
	}
	return Message{Type: typ, SessionID: sessionID, Body: raw}, nil
}

// InMemory fans messages out within one process.
type InMemory struct {
	size int

	mu     sync.Mutex
	subs   map[chan Message]<-chan struct{} // value is the subscriber's ctx.Done()
	closed bool
	done   chan struct{}
	once   sync.Once
}

// NewInMemory creates a bus whose subscribers each buffer size messages.
func NewInMemory(size int) *InMemory {
	if size <= 0 {
		size = 64
	}
	return &InMemory{size: size, subs: make(map[chan Message]<-chan struct{}), done: make(chan struct{})}
}

// Publish delivers msg to every current subscriber. A subscriber whose
// buffer is full misses attendee events rather than stalling the
// publisher. Session closures are the only signal that stops a rotation,
// so those wait for room until ctx, the subscriber or the bus is done.
func (q *InMemory) Publish(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	for ch, gone := range q.subs {
		if msg.Type != TypeSessionClosed {
			select {
			case ch <- msg:
			default:
			}
			continue
		}
		select {
		case ch <- msg:
		case <-gone:
		case <-q.done:
			return ErrClosed
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Subscribe registers a subscriber until ctx is done.
func (q *InMemory) Subscribe(ctx context.Context) (<-chan Message, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, ErrClosed
	}
	ch := make(chan Message, q.size)
	q.subs[ch] = ctx.Done()
	go func() {
		select {
		case <-ctx.Done():
		case <-q.done:
			return
		}
		q.mu.Lock()
		defer q.mu.Unlock()
		if _, ok := q.subs[ch]; ok {
			delete(q.subs, ch)
			close(ch)
		}
	}()
	return ch, nil
}

// Subscribers returns the number of live subscriptions.
func (q *InMemory) Subscribers() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.subs)
}

// Close closes every subscriber channel.
func (q *InMemory) Close() error {
	// Release publishers waiting on a full subscriber before taking mu.
	q.once.Do(func() { close(q.done) })
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true
	for ch := range q.subs {
		delete(q.subs, ch)
		close(ch)
	}
	return nil
}

// RedisBus implements Bus with Redis pub/sub so that every API process
// sees events raised by any other process, including the worker.
type RedisBus struct {
	client  *redis.Client
	channel string
	logger  *slog.Logger
}

// NewRedisBus builds a bus on PUBLISH/SUBSCRIBE over channel.
func NewRedisBus(client *redis.Client, channel string, logger *slog.Logger) *RedisBus {
	if channel == "" {
		channel = "qrattend:events"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisBus{client: client, channel: channel, logger: logger}
}

// Publish sends msg to the channel.
func (q *RedisBus) Publish(ctx context.Context, msg Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return q.client.Publish(ctx, q.channel, payload).Err()
}

// Subscribe streams messages until ctx is done. The subscription is
// confirmed before Subscribe returns, so messages published afterwards
// are not lost.
func (q *RedisBus) Subscribe(ctx context.Context) (<-chan Message, error) {
	sub := q.client.Subscribe(ctx, q.channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, err
	}

	out := make(chan Message)
	go func() {
		defer close(out)
		defer sub.Close()
		in := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-in:
				if !ok {
					return
				}
				var msg Message
				if err := json.Unmarshal([]byte(m.Payload), &msg); err != nil {
					q.logger.Warn("dropping undecodable bus message", "channel", m.Channel, "error", err)
					continue
				}
				select {
				case out <- msg:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}
