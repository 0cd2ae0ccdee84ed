// Package bus is the in-process event fan-out for debate streams.
//
// Every event published for a conversation gets a strictly monotonic
// sequence number and is retained in a fixed-size replay ring. SSE
// subscribers that reconnect with a Last-Event-ID replay the missed
// tail from the ring when it is still available, or are told to resync
// from storage when it has been overwritten.
package bus

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agora-ai/agora/internal/model"
)

const (
	// DefaultRingSize is events retained per conversation for replay.
	DefaultRingSize = 256
	// DefaultBufferSize is the per-subscriber channel capacity.
	DefaultBufferSize = 1024
)

// Bus routes events to per-conversation subscriber sets.
type Bus struct {
	ringSize   int
	bufferSize int

	mu     sync.RWMutex
	topics map[uuid.UUID]*topic
}

type topic struct {
	mu          sync.Mutex
	nextSeq     uint64
	ring        []model.Event // ordered oldest to newest, len <= ringSize
	subscribers map[*subscriber]struct{}

	// sendMu serializes fan-out across publishers so every subscriber
	// observes events in sequence order.
	sendMu sync.Mutex
}

// subscriber pairs the delivery channel with a done signal. The channel
// is never closed; cancellation closes done instead, which unblocks any
// publisher waiting on a full buffer.
type subscriber struct {
	ch   chan model.Event
	done chan struct{}
	once sync.Once
}

func (s *subscriber) close() { s.once.Do(func() { close(s.done) }) }

// New creates a Bus. Non-positive sizes fall back to the defaults.
func New(ringSize, bufferSize int) *Bus {
	if ringSize <= 0 {
		ringSize = DefaultRingSize
	}
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	return &Bus{
		ringSize:   ringSize,
		bufferSize: bufferSize,
		topics:     map[uuid.UUID]*topic{},
	}
}

func (b *Bus) topic(conversationID uuid.UUID) *topic {
	b.mu.RLock()
	t := b.topics[conversationID]
	b.mu.RUnlock()
	if t != nil {
		return t
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if t = b.topics[conversationID]; t == nil {
		t = &topic{subscribers: map[*subscriber]struct{}{}}
		b.topics[conversationID] = t
	}
	return t
}

// Publish assigns the next sequence number, records the event in the
// replay ring, and fans it out. When a subscriber's buffer is full the
// publisher blocks until the consumer drains it or the subscription is
// cancelled; events are never dropped.
func (b *Bus) Publish(conversationID uuid.UUID, kind model.EventKind, payload map[string]any) model.Event {
	t := b.topic(conversationID)

	t.mu.Lock()
	ev := model.Event{
		Seq:            t.nextSeq,
		ConversationID: conversationID,
		Kind:           kind,
		At:             time.Now().UTC(),
		Payload:        payload,
	}
	t.nextSeq++

	t.ring = append(t.ring, ev)
	if len(t.ring) > b.ringSize {
		t.ring = t.ring[len(t.ring)-b.ringSize:]
	}

	subs := make([]*subscriber, 0, len(t.subscribers))
	for s := range t.subscribers {
		subs = append(subs, s)
	}
	t.mu.Unlock()

	t.sendMu.Lock()
	for _, s := range subs {
		select {
		case s.ch <- ev:
		case <-s.done:
		}
	}
	t.sendMu.Unlock()

	return ev
}

// Subscription is one attached consumer.
type Subscription struct {
	// Replay holds ring events after the requested position, oldest first.
	Replay []model.Event
	// Live receives events published after Subscribe returned.
	Live <-chan model.Event
	// Done is closed when the subscription is cancelled or the
	// conversation's topic is dropped. Live is never closed; consumers
	// select on Done alongside it.
	Done <-chan struct{}
	// Resync is set when the requested position has already left the
	// ring; the consumer must reload state from storage before tailing.
	Resync bool
	// NewestSeq is the highest sequence assigned at subscribe time, or
	// -1 when nothing has been published yet.
	NewestSeq int64

	cancel func()
}

// Close detaches the subscription.
func (s *Subscription) Close() { s.cancel() }

// Subscribe attaches to a conversation's stream. afterSeq is the last
// event sequence the consumer has seen; pass -1 to receive only new
// events.
func (b *Bus) Subscribe(conversationID uuid.UUID, afterSeq int64) *Subscription {
	t := b.topic(conversationID)
	s := &subscriber{
		ch:   make(chan model.Event, b.bufferSize),
		done: make(chan struct{}),
	}

	t.mu.Lock()
	sub := &Subscription{
		Live:      s.ch,
		Done:      s.done,
		NewestSeq: int64(t.nextSeq) - 1,
	}

	if afterSeq >= 0 {
		oldest := int64(t.nextSeq) - int64(len(t.ring))
		switch {
		case afterSeq+1 < oldest:
			sub.Resync = true
		default:
			for _, ev := range t.ring {
				if int64(ev.Seq) > afterSeq {
					sub.Replay = append(sub.Replay, ev)
				}
			}
		}
	}
	t.subscribers[s] = struct{}{}
	t.mu.Unlock()

	sub.cancel = func() {
		t.mu.Lock()
		delete(t.subscribers, s)
		t.mu.Unlock()
		s.close()
	}
	return sub
}

// Drop releases a conversation's topic, its ring, and any remaining
// subscribers. Called after a conversation is deleted.
func (b *Bus) Drop(conversationID uuid.UUID) {
	b.mu.Lock()
	t := b.topics[conversationID]
	delete(b.topics, conversationID)
	b.mu.Unlock()
	if t == nil {
		return
	}
	t.mu.Lock()
	subs := t.subscribers
	t.subscribers = map[*subscriber]struct{}{}
	t.mu.Unlock()
	for s := range subs {
		s.close()
	}
}
