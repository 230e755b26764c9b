// Package topicstore holds the topic registry: the durable record of who
// owns a topic, whether it is public, and who else has been granted access.
// User-account storage itself is an external collaborator (see PURPOSE &
// SCOPE); this package only persists the topic side of the authorization
// model.
package topicstore

import (
	"sync"

	"github.com/pulsar-relay/relay/internal/apierr"
)

// Topic is the durable registration record for a named routing key.
type Topic struct {
	Name           string
	OwnerUserID    string
	IsPublic       bool
	Description    string
	GrantedUserIDs map[string]bool
}

// IsAuthorized reports whether user satisfies the read-access rule:
// public OR owner OR explicit grantee. Write access is narrower and is
// computed by the caller (internal/authz), since public does not imply write.
func (t Topic) IsAuthorized(userID string) bool {
	if t.IsPublic || userID == t.OwnerUserID {
		return true
	}
	return t.GrantedUserIDs != nil && t.GrantedUserIDs[userID]
}

// Store is the pluggable topic registry contract. The relay ships an
// in-memory implementation; persisting topics to Valkey/Redis or a relational
// store is a deployment choice external to this component (see DESIGN.md).
type Store interface {
	Create(topic Topic) (Topic, *apierr.Error)
	Get(name string) (Topic, bool)
	List(userID string, admin bool) []Topic
	Grant(name, userID string) (Topic, *apierr.Error)
}

// MemoryStore is an in-memory Store guarded by a single RWMutex covering
// every topic.
type MemoryStore struct {
	mu     sync.RWMutex
	topics map[string]Topic
}

// NewMemoryStore constructs an empty topic registry.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{topics: make(map[string]Topic)}
}

// Create registers a new topic. Re-creating an existing topic is rejected;
// topics are otherwise never auto-created (see spec §3: publish to a
// nonexistent topic fails, it does not create one).
func (s *MemoryStore) Create(topic Topic) (Topic, *apierr.Error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.topics[topic.Name]; exists {
		return Topic{}, apierr.Newf(apierr.CodeInvalidRequest, "topic %q already exists", topic.Name)
	}
	if topic.GrantedUserIDs == nil {
		topic.GrantedUserIDs = make(map[string]bool)
	}
	s.topics[topic.Name] = topic
	return topic, nil
}

// Get looks up a topic by name. The returned Topic's GrantedUserIDs is a
// defensive copy: callers (notably internal/authz, which reads it after
// releasing the lock) must never observe a map Grant is concurrently
// mutating.
func (s *MemoryStore) Get(name string) (Topic, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	topic, ok := s.topics[name]
	if !ok {
		return Topic{}, false
	}
	return topic.cloneGrants(), true
}

// List returns every topic userID may read: public topics, topics they own,
// and topics they have been granted. Admins see every topic.
func (s *MemoryStore) List(userID string, admin bool) []Topic {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Topic, 0, len(s.topics))
	for _, topic := range s.topics {
		if admin || topic.IsAuthorized(userID) {
			out = append(out, topic.cloneGrants())
		}
	}
	return out
}

// cloneGrants returns a copy of t with its own GrantedUserIDs map, so the
// caller can read it after the store's lock is released without racing a
// concurrent Grant on the original.
func (t Topic) cloneGrants() Topic {
	if t.GrantedUserIDs == nil {
		return t
	}
	grants := make(map[string]bool, len(t.GrantedUserIDs))
	for k, v := range t.GrantedUserIDs {
		grants[k] = v
	}
	t.GrantedUserIDs = grants
	return t
}

// Grant adds userID to a topic's grant set. Only the owner may call this at
// the HTTP layer; Store itself does not enforce ownership (the caller does).
// A fresh grant map is built rather than mutating the stored topic's map in
// place, and the returned Topic carries its own copy of it, like Get's.
func (s *MemoryStore) Grant(name, userID string) (Topic, *apierr.Error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	topic, ok := s.topics[name]
	if !ok {
		return Topic{}, apierr.New(apierr.CodeTopicNotFound, "topic not found")
	}
	grants := make(map[string]bool, len(topic.GrantedUserIDs)+1)
	for k, v := range topic.GrantedUserIDs {
		grants[k] = v
	}
	grants[userID] = true
	topic.GrantedUserIDs = grants
	s.topics[name] = topic
	return topic.cloneGrants(), nil
}
