package stream

import (
	"sync"
	"sync/atomic"

	"github.com/xraph/tenantflow/event"
)

// Subscriber receives the events of one organization on the topics it is
// subscribed to.
//
// Flow control is credit based: each delivered event consumes one credit
// and the consumer grants more with AddCredits. At zero credits events are
// dropped rather than queued.
type Subscriber struct {
	id    string
	orgID string

	ch      chan *event.Event
	credits atomic.Int64

	mu     sync.RWMutex
	topics map[string]struct{}
	filter func(*event.Event) bool

	closed atomic.Bool
}

// NewSubscriber creates a subscriber for orgID.
func NewSubscriber(id, orgID string, bufferSize int, initialCredits int64) *Subscriber {
	s := &Subscriber{
		id:     id,
		orgID:  orgID,
		ch:     make(chan *event.Event, bufferSize),
		topics: make(map[string]struct{}),
	}
	s.credits.Store(initialCredits)
	return s
}

// ID returns the subscriber identifier.
func (s *Subscriber) ID() string { return s.id }

// OrgID returns the organization the subscriber belongs to.
func (s *Subscriber) OrgID() string { return s.orgID }

// C returns the event channel. It is closed when the subscriber is removed.
func (s *Subscriber) C() <-chan *event.Event { return s.ch }

// AddCredits replenishes flow-control credits.
func (s *Subscriber) AddCredits(n int64) { s.credits.Add(n) }

// Credits returns the current credit count.
func (s *Subscriber) Credits() int64 { return s.credits.Load() }

// SetFilter installs a predicate every event must satisfy.
func (s *Subscriber) SetFilter(fn func(*event.Event) bool) {
	s.mu.Lock()
	s.filter = fn
	s.mu.Unlock()
}

func (s *Subscriber) addTopic(topic string) {
	s.mu.Lock()
	s.topics[topic] = struct{}{}
	s.mu.Unlock()
}

func (s *Subscriber) removeTopic(topic string) {
	s.mu.Lock()
	delete(s.topics, topic)
	s.mu.Unlock()
}

// Topics returns a copy of the subscribed topic names.
func (s *Subscriber) Topics() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.topics))
	for t := range s.topics {
		out = append(out, t)
	}
	return out
}

// send delivers evt without blocking. It returns false when the event was
// dropped: wrong organization, filtered, no credits or a full buffer.
func (s *Subscriber) send(evt *event.Event) bool {
	if evt.OrgID != s.orgID {
		return false
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed.Load() {
		return false
	}
	if s.filter != nil && !s.filter(evt) {
		return false
	}

	for {
		current := s.credits.Load()
		if current <= 0 {
			return false
		}
		if s.credits.CompareAndSwap(current, current-1) {
			break
		}
	}

	select {
	case s.ch <- evt:
		return true
	default:
		s.credits.Add(1)
		return false
	}
}

// Close closes the event channel. Safe to call more than once.
func (s *Subscriber) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed.CompareAndSwap(false, true) {
		close(s.ch)
	}
}
