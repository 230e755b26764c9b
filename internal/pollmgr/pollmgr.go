// Package pollmgr is the poll manager: the registry of suspended long-poll
// waiters that storage.read_since catch-up and publish-time delivery both
// need to agree on, without losing a message published in the gap between
// the two.
package pollmgr

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pulsar-relay/relay/internal/logging"
	"github.com/pulsar-relay/relay/internal/message"
)

const (
	// DefaultBufferCapacity bounds how many undelivered messages a waiter
	// holds before new deliveries for it are dropped (client re-catches-up
	// via since on the next poll).
	DefaultBufferCapacity = 128

	// MinTimeout and MaxTimeout bound a poll request's wait phase.
	MinTimeout     = 1 * time.Second
	MaxTimeout     = 60 * time.Second
	DefaultTimeout = 30 * time.Second

	// SweepInterval and SweepCeiling govern the safety sweep that evicts
	// waiters nobody ever woke up for (e.g. an HTTP response that never
	// flushed). Ceiling defaults to 5x the max timeout.
	SweepInterval = 30 * time.Second
	SweepCeiling  = 5 * MaxTimeout
)

type waiter struct {
	id        string
	userID    string
	topics    map[string]bool
	buffer    chan message.Message
	done      chan struct{}
	closeOnce sync.Once
	createdAt time.Time
}

func (w *waiter) signal() {
	w.closeOnce.Do(func() { close(w.done) })
}

// Manager tracks suspended poll waiters keyed by id, with a topic → waiter-id
// secondary index for delivery fan-out. A single mutex guards both indices;
// each waiter's buffer and completion signal are private to it.
type Manager struct {
	mu          sync.Mutex
	waiters     map[string]*waiter
	byTopic     map[string]map[string]bool
	now         func() time.Time
	log         *logging.Logger
	droppedMsgs func(topic string)
	waiterGauge func(n int)

	stopSweep chan struct{}
	sweepDone chan struct{}
}

// Option customises a Manager at construction.
type Option func(*Manager)

// WithClock overrides the manager's time source for deterministic tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithDropMetric registers a callback invoked whenever a waiter's buffer is
// full and a delivery for it is dropped.
func WithDropMetric(fn func(topic string)) Option {
	return func(m *Manager) { m.droppedMsgs = fn }
}

// WithWaiterGauge registers a callback invoked with the current waiter count
// whenever it changes (register, unregister, or sweep eviction), so a gauge
// metric stays live without a separate polling goroutine.
func WithWaiterGauge(fn func(n int)) Option {
	return func(m *Manager) { m.waiterGauge = fn }
}

// New constructs a Manager and starts its background safety sweep.
func New(log *logging.Logger, opts ...Option) *Manager {
	if log == nil {
		log = logging.NewTestLogger()
	}
	m := &Manager{
		waiters:   make(map[string]*waiter),
		byTopic:   make(map[string]map[string]bool),
		now:       time.Now,
		log:       log,
		stopSweep: make(chan struct{}),
		sweepDone: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	go m.sweepLoop()
	return m
}

// Close stops the background sweep goroutine. Safe to call once.
func (m *Manager) Close() {
	close(m.stopSweep)
	<-m.sweepDone
}

// CatchUpFunc is the catch-up half of poll, run after the waiter is
// registered: the caller supplies a read function (backed by
// storage.ReadSince) invoked once per topic.
type CatchUpFunc func(topic string, since string) ([]message.Message, error)

// Poll implements the C4 contract: register a waiter, catch up, and if
// catch-up found nothing, suspend until delivery, timeout, or ctx
// cancellation.
//
// Registration happens before the catch-up read runs, closing the race
// where a message published between the two would otherwise be invisible
// to both paths: either the catch-up read observes it, or deliver sees the
// already-registered waiter and enqueues it.
func (m *Manager) Poll(ctx context.Context, userID string, topics []string, since map[string]string, timeout time.Duration, readSince CatchUpFunc) ([]message.Message, bool, error) {
	timeout = clampTimeout(timeout)

	w := &waiter{
		id:        uuid.NewString(),
		userID:    userID,
		topics:    make(map[string]bool, len(topics)),
		buffer:    make(chan message.Message, DefaultBufferCapacity),
		done:      make(chan struct{}),
		createdAt: m.now(),
	}
	for _, topic := range topics {
		w.topics[topic] = true
	}
	m.register(w)

	var collected []message.Message
	hasMore := false
	for _, topic := range topics {
		msgs, err := readSince(topic, since[topic])
		if err != nil {
			m.unregister(w)
			return nil, false, err
		}
		collected = append(collected, msgs...)
		if len(msgs) > 0 && len(msgs) >= DefaultBufferCapacity {
			hasMore = true
		}
	}
	if len(collected) > 0 {
		m.unregister(w)
		return collected, hasMore, nil
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-w.done:
	case <-timer.C:
	case <-ctx.Done():
	}

	m.unregister(w)
	return drain(w.buffer), false, nil
}

func clampTimeout(d time.Duration) time.Duration {
	if d <= 0 {
		return DefaultTimeout
	}
	if d < MinTimeout {
		return MinTimeout
	}
	if d > MaxTimeout {
		return MaxTimeout
	}
	return d
}

func drain(buf chan message.Message) []message.Message {
	out := make([]message.Message, 0, len(buf))
	for {
		select {
		case msg := <-buf:
			out = append(out, msg)
		default:
			return out
		}
	}
}

func (m *Manager) register(w *waiter) {
	m.mu.Lock()
	m.waiters[w.id] = w
	for topic := range w.topics {
		set, ok := m.byTopic[topic]
		if !ok {
			set = make(map[string]bool)
			m.byTopic[topic] = set
		}
		set[w.id] = true
	}
	n := len(m.waiters)
	m.mu.Unlock()
	m.reportWaiterCount(n)
}

func (m *Manager) unregister(w *waiter) {
	m.mu.Lock()
	m.unregisterLocked(w)
	n := len(m.waiters)
	m.mu.Unlock()
	m.reportWaiterCount(n)
}

// reportWaiterCount forwards the current waiter count to the gauge hook, if
// one was configured. Called outside the manager's own mutex.
func (m *Manager) reportWaiterCount(n int) {
	if m.waiterGauge != nil {
		m.waiterGauge(n)
	}
}

func (m *Manager) unregisterLocked(w *waiter) {
	delete(m.waiters, w.id)
	for topic := range w.topics {
		set, ok := m.byTopic[topic]
		if !ok {
			continue
		}
		delete(set, w.id)
		if len(set) == 0 {
			delete(m.byTopic, topic)
		}
	}
}

// Deliver is called by the publish pipeline after persistence. It enqueues
// msg into every waiter currently registered for topic, dropping the
// message for any waiter whose buffer is full rather than blocking.
func (m *Manager) Deliver(topic string, msg message.Message) {
	m.mu.Lock()
	set, ok := m.byTopic[topic]
	var snapshot []*waiter
	if ok {
		snapshot = make([]*waiter, 0, len(set))
		for id := range set {
			snapshot = append(snapshot, m.waiters[id])
		}
	}
	m.mu.Unlock()

	for _, w := range snapshot {
		if w == nil {
			continue
		}
		select {
		case w.buffer <- msg.Clone():
			w.signal()
		default:
			if m.droppedMsgs != nil {
				m.droppedMsgs(topic)
			}
			m.log.Debug("poll waiter buffer full, dropping delivery", logging.String("topic", topic), logging.String("waiter_id", w.id))
		}
	}
}

func (m *Manager) sweepLoop() {
	defer close(m.sweepDone)
	ticker := time.NewTicker(SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopSweep:
			return
		case <-ticker.C:
			m.sweepOnce()
		}
	}
}

func (m *Manager) sweepOnce() {
	cutoff := m.now().Add(-SweepCeiling)
	m.mu.Lock()
	var stale []*waiter
	for _, w := range m.waiters {
		if w.createdAt.Before(cutoff) {
			stale = append(stale, w)
		}
	}
	for _, w := range stale {
		m.unregisterLocked(w)
	}
	n := len(m.waiters)
	m.mu.Unlock()
	if len(stale) > 0 {
		m.reportWaiterCount(n)
	}

	for _, w := range stale {
		m.log.Warn("sweeping stale poll waiter", logging.String("waiter_id", w.id))
		w.signal()
	}
}

// WaiterCount reports the number of currently suspended waiters, for metrics.
func (m *Manager) WaiterCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.waiters)
}
