package bridge

import (
	"sync"
	"sync/atomic"
	"time"
)

// Subscription is one session's binding to a consumer.
type Subscription struct {
	id        string
	sessionID string
	clientID  string
	subject   string
	stream    string
	consumer  string
	named     bool // consumer has a stable per client+subject name
	durable   bool // consumer outlives the session
	manual    bool
	deliver   DeliverFunc
	created   time.Time

	delivered atomic.Uint64
	lastAcked atomic.Uint64
	stopped   atomic.Bool

	mu          sync.Mutex
	consumption Consumption
	pending     map[string]BackendMsg
}

func (s *Subscription) ID() string       { return s.id }
func (s *Subscription) Subject() string  { return s.subject }
func (s *Subscription) Stream() string   { return s.stream }
func (s *Subscription) Consumer() string { return s.consumer }
func (s *Subscription) Durable() bool    { return s.durable }
func (s *Subscription) ManualAck() bool  { return s.manual }

// LastAcked is the highest stream sequence acknowledged so far.
func (s *Subscription) LastAcked() uint64 { return s.lastAcked.Load() }

func (s *Subscription) setConsumption(c Consumption) {
	s.mu.Lock()
	s.consumption = c
	s.mu.Unlock()
	if s.stopped.Load() {
		// Stopped while the consumer was being attached.
		c.Stop()
	}
}

func (s *Subscription) getConsumption() Consumption {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.consumption
}

func (s *Subscription) isStopped() bool { return s.stopped.Load() }

// markStopped reports whether this call stopped the subscription.
func (s *Subscription) markStopped() bool {
	return s.stopped.CompareAndSwap(false, true)
}

func (s *Subscription) track(id string, m BackendMsg) {
	s.mu.Lock()
	s.pending[id] = m
	s.mu.Unlock()
}

func (s *Subscription) untrack(id string) {
	s.mu.Lock()
	delete(s.pending, id)
	s.mu.Unlock()
}

func (s *Subscription) drain() map[string]BackendMsg {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.pending
	s.pending = make(map[string]BackendMsg)
	return out
}

func (s *Subscription) acked(seq uint64) {
	for {
		cur := s.lastAcked.Load()
		if seq <= cur || s.lastAcked.CompareAndSwap(cur, seq) {
			return
		}
	}
}

func (s *Subscription) binding() Binding {
	s.mu.Lock()
	pending := len(s.pending)
	s.mu.Unlock()
	return Binding{
		SubscriptionID: s.id,
		SessionID:      s.sessionID,
		ClientID:       s.clientID,
		Subject:        s.subject,
		Stream:         s.stream,
		Consumer:       s.consumer,
		Durable:        s.durable,
		ManualAck:      s.manual,
		Delivered:      s.delivered.Load(),
		LastAcked:      s.lastAcked.Load(),
		PendingAcks:    pending,
		CreatedAt:      s.created,
	}
}
