package bridge

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/c360/wsbridge/errors"
	"github.com/c360/wsbridge/pkg/subject"
)

// MemoryBackend is an in-process Backend with JetStream-like semantics:
// per-stream sequences, filtered consumers, explicit ack and redelivery of
// unacknowledged messages. Stopping a consumption makes its unacknowledged
// messages available again immediately, as if AckWait had elapsed.
type MemoryBackend struct {
	mu         sync.Mutex
	streams    map[string]*memStream
	order      []string
	consumers  map[string]*memConsumer // stream/name
	responders map[string]func([]byte) ([]byte, error)
	core       []CoreMessage
	publishErr error
}

// CoreMessage is a recorded core publish.
type CoreMessage struct {
	Subject string
	Data    []byte
}

type memStream struct {
	name     string
	subjects []string
	msgs     []memRecord
}

type memRecord struct {
	subject string
	data    []byte
}

type memConsumer struct {
	stream     *memStream
	name       string
	filter     string
	maxDeliver int

	queue      []uint64
	unacked    map[uint64]bool
	deliveries map[uint64]uint64
	active     *memConsumption
}

// NewMemoryBackend creates a backend with the given streams.
func NewMemoryBackend(streams ...StreamSpec) *MemoryBackend {
	b := &MemoryBackend{
		streams:    make(map[string]*memStream),
		consumers:  make(map[string]*memConsumer),
		responders: make(map[string]func([]byte) ([]byte, error)),
	}
	for _, s := range streams {
		b.streams[s.Name] = &memStream{name: s.Name, subjects: append([]string(nil), s.Subjects...)}
		b.order = append(b.order, s.Name)
	}
	return b
}

// Respond installs a responder for core requests on subj.
func (b *MemoryBackend) Respond(subj string, fn func([]byte) ([]byte, error)) {
	b.mu.Lock()
	b.responders[subj] = fn
	b.mu.Unlock()
}

// FailPublish makes every Publish return err until called with nil.
func (b *MemoryBackend) FailPublish(err error) {
	b.mu.Lock()
	b.publishErr = err
	b.mu.Unlock()
}

// CoreMessages returns the recorded core publishes.
func (b *MemoryBackend) CoreMessages() []CoreMessage {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]CoreMessage(nil), b.core...)
}

// HasConsumer reports whether the consumer exists.
func (b *MemoryBackend) HasConsumer(stream, name string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.consumers[stream+"/"+name]
	return ok
}

// AckPending returns the consumer's delivered but unacknowledged count.
func (b *MemoryBackend) AckPending(stream, name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.consumers[stream+"/"+name]
	if !ok {
		return 0
	}
	return len(c.unacked)
}

func (b *MemoryBackend) Publish(_ context.Context, subj string, data []byte) (PublishAck, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.publishErr != nil {
		return PublishAck{}, b.publishErr
	}
	var st *memStream
	for _, name := range b.order {
		if subject.MatchAny(subj, b.streams[name].subjects) {
			st = b.streams[name]
			break
		}
	}
	if st == nil {
		return PublishAck{}, errors.WrapInvalid(
			fmt.Errorf("%w: no stream captures %q", errors.ErrInvalidSubject, subj),
			"MemoryBackend", "Publish", "select stream")
	}

	st.msgs = append(st.msgs, memRecord{subject: subj, data: append([]byte(nil), data...)})
	seq := uint64(len(st.msgs))
	for _, c := range b.consumers {
		if c.stream == st && subject.Match(subj, c.filter) {
			c.queue = append(c.queue, seq)
			c.wake()
		}
	}
	return PublishAck{Stream: st.name, Sequence: seq}, nil
}

func (b *MemoryBackend) PublishCore(_ context.Context, subj string, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.core = append(b.core, CoreMessage{Subject: subj, Data: append([]byte(nil), data...)})
	return nil
}

func (b *MemoryBackend) Request(ctx context.Context, subj string, data []byte) ([]byte, error) {
	b.mu.Lock()
	fn := b.responders[subj]
	b.mu.Unlock()
	if fn == nil {
		return nil, errors.WrapTransient(errors.ErrRequestTimeout, "MemoryBackend", "Request", subj)
	}
	if err := ctx.Err(); err != nil {
		return nil, errors.WrapTransient(errors.ErrRequestTimeout, "MemoryBackend", "Request", subj)
	}
	return fn(data)
}

func (b *MemoryBackend) Consume(_ context.Context, spec ConsumerSpec, handler func(BackendMsg)) (Consumption, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	st, ok := b.streams[spec.Stream]
	if !ok {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: stream %q not found", errors.ErrInvalidConfig, spec.Stream),
			"MemoryBackend", "Consume", "lookup stream")
	}

	key := spec.Stream + "/" + spec.Name
	c, ok := b.consumers[key]
	if !ok {
		c = &memConsumer{
			stream:     st,
			name:       spec.Name,
			filter:     spec.FilterSubject,
			maxDeliver: spec.MaxDeliver,
			unacked:    make(map[uint64]bool),
			deliveries: make(map[uint64]uint64),
		}
		c.seed(spec.DeliverPolicy)
		b.consumers[key] = c
	}
	if c.active != nil {
		b.release(c)
	}

	mc := &memConsumption{
		b:       b,
		c:       c,
		handler: handler,
		wake:    make(chan struct{}, 1),
		stop:    make(chan struct{}),
	}
	c.active = mc
	go mc.run()
	return mc, nil
}

func (b *MemoryBackend) DeleteConsumer(_ context.Context, stream, name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	key := stream + "/" + name
	if c, ok := b.consumers[key]; ok {
		if c.active != nil {
			c.active.halt()
			c.active = nil
		}
		delete(b.consumers, key)
	}
	return nil
}

// release detaches the active consumption and requeues unacked messages in
// sequence order. Caller holds b.mu.
func (b *MemoryBackend) release(c *memConsumer) {
	c.active.halt()
	c.active = nil

	queue := c.queue
	for seq := range c.unacked {
		queue = append(queue, seq)
		delete(c.unacked, seq)
	}
	slices.Sort(queue)
	c.queue = slices.Compact(queue)
}

func (c *memConsumer) seed(policy DeliverPolicy) {
	switch policy {
	case DeliverAll:
		for i, r := range c.stream.msgs {
			if subject.Match(r.subject, c.filter) {
				c.queue = append(c.queue, uint64(i+1))
			}
		}
	case DeliverLast:
		for i := len(c.stream.msgs) - 1; i >= 0; i-- {
			if subject.Match(c.stream.msgs[i].subject, c.filter) {
				c.queue = append(c.queue, uint64(i+1))
				break
			}
		}
	}
}

func (c *memConsumer) wake() {
	if c.active != nil {
		select {
		case c.active.wake <- struct{}{}:
		default:
		}
	}
}

func (c *memConsumer) removeQueued(seq uint64) {
	for i, q := range c.queue {
		if q == seq {
			c.queue = append(c.queue[:i], c.queue[i+1:]...)
			return
		}
	}
}

type memConsumption struct {
	b       *MemoryBackend
	c       *memConsumer
	handler func(BackendMsg)
	wake    chan struct{}
	stop    chan struct{}
	once    sync.Once
}

func (mc *memConsumption) ConsumerName() string { return mc.c.name }

func (mc *memConsumption) Stop() {
	mc.b.mu.Lock()
	defer mc.b.mu.Unlock()
	if mc.c.active == mc {
		mc.b.release(mc.c)
		return
	}
	mc.halt()
}

func (mc *memConsumption) halt() {
	mc.once.Do(func() { close(mc.stop) })
}

func (mc *memConsumption) next() (*memMsg, bool) {
	mc.b.mu.Lock()
	defer mc.b.mu.Unlock()
	c := mc.c
	for len(c.queue) > 0 {
		seq := c.queue[0]
		c.queue = c.queue[1:]
		if c.maxDeliver > 0 && c.deliveries[seq] >= uint64(c.maxDeliver) {
			continue
		}
		c.deliveries[seq]++
		c.unacked[seq] = true
		r := c.stream.msgs[seq-1]
		return &memMsg{mc: mc, seq: seq, subject: r.subject, data: r.data, delivered: c.deliveries[seq]}, true
	}
	return nil, false
}

func (mc *memConsumption) run() {
	for {
		select {
		case <-mc.stop:
			return
		default:
		}
		if m, ok := mc.next(); ok {
			mc.handler(m)
			continue
		}
		select {
		case <-mc.stop:
			return
		case <-mc.wake:
		}
	}
}

type memMsg struct {
	mc        *memConsumption
	seq       uint64
	subject   string
	data      []byte
	delivered uint64
}

func (m *memMsg) Subject() string      { return m.subject }
func (m *memMsg) Data() []byte         { return m.data }
func (m *memMsg) Sequence() uint64     { return m.seq }
func (m *memMsg) NumDelivered() uint64 { return m.delivered }

func (m *memMsg) Ack() error {
	b := m.mc.b
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(m.mc.c.unacked, m.seq)
	m.mc.c.removeQueued(m.seq)
	return nil
}

func (m *memMsg) Nak() error {
	b := m.mc.b
	b.mu.Lock()
	defer b.mu.Unlock()
	c := m.mc.c
	if !c.unacked[m.seq] {
		return nil
	}
	delete(c.unacked, m.seq)
	c.queue = append([]uint64{m.seq}, c.queue...)
	c.wake()
	return nil
}
