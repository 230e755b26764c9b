// Package authz is the authorization oracle: given a caller's verified
// claims, a topic, and the action they want to perform, it returns exactly
// one of the four decisions the rest of the relay switches on.
package authz

import (
	"github.com/pulsar-relay/relay/internal/authtoken"
	"github.com/pulsar-relay/relay/internal/topicstore"
)

// Decision is the outcome of an authorization check.
type Decision string

const (
	Allow         Decision = "ALLOW"
	DenyNoScope   Decision = "DENY_NO_SCOPE"
	DenyNoAccess  Decision = "DENY_NO_ACCESS"
	TopicNotFound Decision = "TOPIC_NOT_FOUND"
)

// Action is the operation being authorized; it reuses authtoken's scope
// vocabulary since "read"/"write" are both a token scope and a topic action.
type Action = authtoken.Scope

const (
	ActionRead  = authtoken.ScopeRead
	ActionWrite = authtoken.ScopeWrite
)

// Oracle authorizes actions against topics held in a topicstore.Store.
type Oracle struct {
	topics topicstore.Store
}

// New constructs an Oracle backed by the given topic registry.
func New(topics topicstore.Store) *Oracle {
	return &Oracle{topics: topics}
}

// Authorize decides whether claims may perform action against topicName.
//
// Order of checks mirrors the spec: the topic must exist before anything
// else is evaluated, then scope, then topic-level access. Admins still need
// the topic to exist and still need the corresponding token scope, but skip
// the ownership/public/grant check once both of those hold.
func (o *Oracle) Authorize(claims *authtoken.Claims, topicName string, action Action) Decision {
	topic, ok := o.topics.Get(topicName)
	if !ok {
		return TopicNotFound
	}
	if claims == nil || !claims.HasScope(action) {
		return DenyNoScope
	}
	if claims.Admin {
		return Allow
	}
	switch action {
	case ActionWrite:
		if topic.OwnerUserID == claims.Subject || (topic.GrantedUserIDs != nil && topic.GrantedUserIDs[claims.Subject]) {
			return Allow
		}
		return DenyNoAccess
	default: // ActionRead
		if topic.IsAuthorized(claims.Subject) {
			return Allow
		}
		return DenyNoAccess
	}
}
