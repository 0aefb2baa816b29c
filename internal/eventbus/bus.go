// Package eventbus fans campaign activity out to in-process listeners such as
// the operator notifier and the report digest.
//
// Publish never blocks. A subscriber whose buffer is full misses the event;
// the bus counts how many were missed.
package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event types published by the engine and correlator.
const (
	TypeCampaignCreated  = "campaign.created"
	TypeDispatchStarted  = "dispatch.started"
	TypeAttemptRecorded  = "dispatch.attempt"
	TypeDispatchFinished = "dispatch.finished"
	TypeFollowUpFinished = "followup.finished"
	TypeReceipt          = "correlator.receipt"
	TypeResponse         = "correlator.response"
	TypeConnection       = "session.connection"
)

type Event struct {
	Type       string
	Time       time.Time
	CampaignID string
	Data       any
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
	Dropped() uint64
}

// New returns an in-memory bus. It owns no goroutines.
func New() Bus {
	return &memBus{subs: map[uint64]*sub{}}
}

type sub struct {
	ch     chan Event
	closed bool
}

type memBus struct {
	mu      sync.RWMutex
	subs    map[uint64]*sub
	seq     atomic.Uint64
	dropped atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	// The read lock excludes unsubscribe, so a channel is never closed mid-send.
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs {
		if s.closed {
			continue
		}
		select {
		case s.ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	s := &sub{ch: make(chan Event, buffer)}
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = s
	b.mu.Unlock()

	var once sync.Once
	return s.ch, func() {
		once.Do(func() {
			b.mu.Lock()
			s.closed = true
			delete(b.subs, id)
			close(s.ch)
			b.mu.Unlock()
		})
	}
}

func (b *memBus) Dropped() uint64 { return b.dropped.Load() }

// Nop discards everything. Subscribers receive a closed channel.
type Nop struct{}

func (Nop) Publish(Event) {}

func (Nop) Subscribe(int) (<-chan Event, func()) {
	ch := make(chan Event)
	close(ch)
	return ch, func() {}
}

func (Nop) Dropped() uint64 { return 0 }
