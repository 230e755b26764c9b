// Package connmgr is the push-socket connection manager: a topic-keyed
// registry of live subscribers with a snapshot-then-send broadcast that
// keeps the registry mutex out of the I/O path.
package connmgr

import (
	"sync"
	"time"

	"github.com/pulsar-relay/relay/internal/logging"
	"github.com/pulsar-relay/relay/internal/message"
)

// SendDeadline bounds how long broadcast waits on a single subscriber before
// treating it as dead.
const SendDeadline = 100 * time.Millisecond

// Subscriber is anything a connection can hand the manager to receive
// fan-out messages. Implementations must make Send safe to call
// concurrently with the connection's own read loop and must not block past
// SendDeadline once asked to.
type Subscriber interface {
	// ID uniquely identifies the connection for registry bookkeeping.
	ID() string
	// Send delivers one message, respecting deadline. A non-nil error marks
	// the connection dead and schedules it for removal.
	Send(msg message.Message, deadline time.Time) error
}

// Manager is the topic → subscriber-set registry described by the
// connection manager contract: add/remove/broadcast, all guarded by a
// single mutex, with broadcast releasing the mutex before doing any I/O.
type Manager struct {
	mu      sync.Mutex
	subs    map[string]map[string]Subscriber // topic -> subscriber id -> Subscriber
	log     *logging.Logger
	onDrop  func(topic string)
}

// Option customises a Manager at construction.
type Option func(*Manager)

// WithDropMetric registers a callback invoked whenever broadcast prunes a
// dead or too-slow connection.
func WithDropMetric(fn func(topic string)) Option {
	return func(m *Manager) { m.onDrop = fn }
}

// New constructs an empty connection manager.
func New(log *logging.Logger, opts ...Option) *Manager {
	if log == nil {
		log = logging.NewTestLogger()
	}
	m := &Manager{subs: make(map[string]map[string]Subscriber), log: log}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Add registers conn under every topic in topics, creating each topic's
// entry set if this is its first subscriber.
func (m *Manager) Add(conn Subscriber, topics []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, topic := range topics {
		set, ok := m.subs[topic]
		if !ok {
			set = make(map[string]Subscriber)
			m.subs[topic] = set
		}
		set[conn.ID()] = conn
	}
}

// Remove drops conn from every topic in topics. A nil or empty topics slice
// removes conn from every topic it was present in ("unsubscribe all" /
// connection close).
func (m *Manager) Remove(conn Subscriber, topics []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(topics) == 0 {
		for topic, set := range m.subs {
			delete(set, conn.ID())
			if len(set) == 0 {
				delete(m.subs, topic)
			}
		}
		return
	}
	for _, topic := range topics {
		set, ok := m.subs[topic]
		if !ok {
			continue
		}
		delete(set, conn.ID())
		if len(set) == 0 {
			delete(m.subs, topic)
		}
	}
}

// Broadcast delivers msg to every current subscriber of topic. The
// subscriber list is snapshotted under the mutex and released before any
// send is attempted, so a slow or dead connection never blocks fan-out to
// the rest of the topic's subscribers or to unrelated topics.
func (m *Manager) Broadcast(topic string, msg message.Message) {
	m.mu.Lock()
	set, ok := m.subs[topic]
	snapshot := make([]Subscriber, 0, len(set))
	if ok {
		for _, conn := range set {
			snapshot = append(snapshot, conn)
		}
	}
	m.mu.Unlock()

	var dead []Subscriber
	deadline := time.Now().Add(SendDeadline)
	for _, conn := range snapshot {
		if err := conn.Send(msg, deadline); err != nil {
			m.log.Debug("dropping dead subscriber", logging.String("topic", topic), logging.String("connection_id", conn.ID()), logging.Error(err))
			if m.onDrop != nil {
				m.onDrop(topic)
			}
			dead = append(dead, conn)
		}
	}
	if len(dead) > 0 {
		m.removeMany(dead, topic)
	}
}

// removeMany removes each of conns from topic in a single locked pass, so
// Broadcast's cleanup of several dead connections takes the mutex once
// rather than once per connection.
func (m *Manager) removeMany(conns []Subscriber, topic string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.subs[topic]
	if !ok {
		return
	}
	for _, conn := range conns {
		delete(set, conn.ID())
	}
	if len(set) == 0 {
		delete(m.subs, topic)
	}
}

// SubscriberCount returns the current number of distinct subscribers on
// topic, used for metrics and capacity checks.
func (m *Manager) SubscriberCount(topic string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subs[topic])
}
