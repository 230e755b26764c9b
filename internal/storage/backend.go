// Package storage implements the per-topic stream backend: append, range
// read, length, and trim, with pluggable in-memory and Valkey (Redis
// Streams-compatible) implementations behind a single Backend contract.
package storage

import (
	"context"

	"github.com/pulsar-relay/relay/internal/apierr"
	"github.com/pulsar-relay/relay/internal/message"
)

// TrimPolicy describes how a topic's retained history should be pruned.
// Exactly one of MaxLen or MinStreamID should be set; MaxLen takes
// precedence when both are non-zero.
type TrimPolicy struct {
	MaxLen      int64
	MinStreamID string
}

// Backend is the contract every storage implementation satisfies. It is
// identical for memory and Valkey so the publish pipeline and poll manager
// never need to know which one is behind the interface.
type Backend interface {
	// Append allocates a message_id when msg.MessageID is empty, writes the
	// message atomically, and returns the canonical stored copy (with
	// message_id, stream_id, and timestamp populated).
	Append(ctx context.Context, topic string, msg message.Message) (message.Message, *apierr.Error)

	// ReadSince returns messages strictly after since (oldest-available if
	// since is empty), up to maxCount, in insertion order. Never blocks.
	ReadSince(ctx context.Context, topic string, since string, maxCount int) ([]message.Message, *apierr.Error)

	// Length returns the current retained message count for topic.
	Length(ctx context.Context, topic string) (int64, *apierr.Error)

	// Trim prunes topic's retained history per policy. Trim never fails
	// fatally: implementations log and continue on backend error.
	Trim(ctx context.Context, topic string, policy TrimPolicy)

	// TopicExists reports whether topic has ever been appended to.
	TopicExists(ctx context.Context, topic string) (bool, *apierr.Error)
}
