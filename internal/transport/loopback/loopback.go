// Package loopback is an in-memory Session. Sends are recorded instead of
// delivered; results can be scripted per address and inbound events can be
// injected. It backs dry runs and tests.
package loopback

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"campaigner/internal/session"
)

// Sent is one recorded send.
type Sent struct {
	Address string
	Text    string
	ID      session.MessageID
}

type Session struct {
	mu      sync.Mutex
	scripts map[string][]error
	missing map[string]bool
	sent    []Sent
	closed  bool
	// onSend runs after each recorded send; tests use it to interleave events.
	onSend func(Sent)

	seq    atomic.Uint64
	events chan session.Event
}

var (
	_ session.Session = (*Session)(nil)
	_ session.Prober  = (*Session)(nil)
)

func New(buffer int) *Session {
	if buffer <= 0 {
		buffer = 64
	}
	return &Session{
		scripts: map[string][]error{},
		missing: map[string]bool{},
		events:  make(chan session.Event, buffer),
	}
}

// Connector returns a Connector that always hands out s.
func (s *Session) Connector() session.Connector { return connector{s: s} }

type connector struct{ s *Session }

func (c connector) Connect(ctx context.Context) (session.Session, error) {
	c.s.Inject(session.ConnectionEvent(session.StateOpen, nil))
	return c.s, nil
}

// FailNext queues errors returned by the next sends to addr, in order.
func (s *Session) FailNext(addr string, errs ...error) {
	s.mu.Lock()
	s.scripts[addr] = append(s.scripts[addr], errs...)
	s.mu.Unlock()
}

// Unregister makes ProbeExists report addr as absent.
func (s *Session) Unregister(addr string) {
	s.mu.Lock()
	s.missing[addr] = true
	s.mu.Unlock()
}

// OnSend installs a hook that runs after every successful send.
func (s *Session) OnSend(fn func(Sent)) {
	s.mu.Lock()
	s.onSend = fn
	s.mu.Unlock()
}

func (s *Session) Send(ctx context.Context, addr, text string) (session.MessageID, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return "", session.ErrClosed
	}
	if q := s.scripts[addr]; len(q) > 0 {
		err := q[0]
		s.scripts[addr] = q[1:]
		if err != nil {
			s.mu.Unlock()
			return "", err
		}
	}
	id := session.MessageID(fmt.Sprintf("LB%06d", s.seq.Add(1)))
	rec := Sent{Address: addr, Text: text, ID: id}
	s.sent = append(s.sent, rec)
	hook := s.onSend
	s.mu.Unlock()

	if hook != nil {
		hook(rec)
	}
	return id, nil
}

func (s *Session) ProbeExists(ctx context.Context, addr string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.missing[addr], nil
}

// Inject delivers an inbound event. It drops the event if the buffer is full
// or the session is closed, like a real transport under backpressure.
func (s *Session) Inject(ev session.Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.events <- ev:
		return true
	default:
		return false
	}
}

func (s *Session) Events() <-chan session.Event { return s.events }

// Sent returns a copy of all recorded sends.
func (s *Session) Sent() []Sent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Sent(nil), s.sent...)
}

func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.events)
	return nil
}
