package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"

	"github.com/pulsar-relay/relay/internal/apierr"
	"github.com/pulsar-relay/relay/internal/logging"
	"github.com/pulsar-relay/relay/internal/message"
)

// retry tuning per the Valkey backend contract: exponential backoff from
// 50ms to 1s, at most 3 attempts, before the call surfaces STORAGE_UNAVAILABLE.
const (
	retryBaseDelay = 50 * time.Millisecond
	retryMaxDelay  = time.Second
	retryAttempts  = 3
)

// ValkeyBackend stores each topic as a Redis/Valkey stream keyed
// "topic:<name>:stream", with the backend-assigned entry ID serving as the
// stream_id and the caller-chosen message_id kept as a field.
type ValkeyBackend struct {
	client    *redis.Client
	breaker   *gobreaker.CircuitBreaker
	log       *logging.Logger
	onFailure func(operation string)
}

// ValkeyOption customises a ValkeyBackend at construction.
type ValkeyOption func(*ValkeyBackend)

// WithFailureMetric registers a callback invoked with the operation name
// whenever a call exhausts its retries (or finds the breaker open) and
// surfaces STORAGE_UNAVAILABLE, and with "trim" whenever Trim fails. A call
// abandoned because its context was cancelled does not invoke it.
func WithFailureMetric(fn func(operation string)) ValkeyOption {
	return func(b *ValkeyBackend) { b.onFailure = fn }
}

// NewValkeyBackend wraps an existing go-redis client with the relay's retry
// and circuit-breaking policy. A dedicated breaker isolates storage failures
// from cascading into every concurrent publish/poll call.
func NewValkeyBackend(client *redis.Client, log *logging.Logger, opts ...ValkeyOption) *ValkeyBackend {
	if log == nil {
		log = logging.NewTestLogger()
	}
	settings := gobreaker.Settings{
		Name:        "valkey-storage",
		MaxRequests: 1,
		Interval:    30 * time.Second,
		Timeout:     10 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	}
	b := &ValkeyBackend{
		client:  client,
		breaker: gobreaker.NewCircuitBreaker(settings),
		log:     log,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func streamKey(topic string) string {
	return "topic:" + topic + ":stream"
}

// withRetry runs op up to retryAttempts times with jittered exponential
// backoff, through the circuit breaker, surfacing STORAGE_UNAVAILABLE when
// every attempt (or an open breaker) fails. operation names the call for the
// storage-failure metric and log line.
func (b *ValkeyBackend) withRetry(ctx context.Context, operation string, op func() (any, error)) (any, *apierr.Error) {
	delay := retryBaseDelay
	var lastErr error
	for attempt := 1; attempt <= retryAttempts; attempt++ {
		result, err := b.breaker.Execute(op)
		if err == nil {
			return result, nil
		}
		lastErr = err
		if errors.Is(err, gobreaker.ErrOpenState) {
			break
		}
		if attempt == retryAttempts {
			break
		}
		jitter := time.Duration(rand.Int63n(int64(delay)))
		select {
		case <-ctx.Done():
			return nil, apierr.Wrap(apierr.CodeStorageUnavailable, "storage call cancelled", ctx.Err())
		case <-time.After(delay/2 + jitter/2):
		}
		delay *= 2
		if delay > retryMaxDelay {
			delay = retryMaxDelay
		}
	}
	b.log.Warn("valkey storage call failed after retries", logging.String("operation", operation), logging.Error(lastErr))
	if b.onFailure != nil {
		b.onFailure(operation)
	}
	return nil, apierr.Wrap(apierr.CodeStorageUnavailable, "storage backend unavailable", lastErr)
}

func (b *ValkeyBackend) Append(ctx context.Context, topic string, msg message.Message) (message.Message, *apierr.Error) {
	if msg.MessageID == "" {
		msg.MessageID = message.GenerateID()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	metadataJSON, err := json.Marshal(msg.Metadata)
	if err != nil {
		return message.Message{}, apierr.Internal(err)
	}
	ttl := int64(0)
	if msg.TTL != nil {
		ttl = *msg.TTL
	}

	result, apiErr := b.withRetry(ctx, "append", func() (any, error) {
		return b.client.XAdd(ctx, &redis.XAddArgs{
			Stream: streamKey(topic),
			Values: map[string]any{
				"message_id": msg.MessageID,
				"payload":    string(msg.Payload),
				"timestamp":  msg.Timestamp.UnixMilli(),
				"ttl":        ttl,
				"metadata":   string(metadataJSON),
			},
		}).Result()
	})
	if apiErr != nil {
		return message.Message{}, apiErr
	}
	msg.StreamID = result.(string)
	return msg, nil
}

func (b *ValkeyBackend) ReadSince(ctx context.Context, topic string, since string, maxCount int) ([]message.Message, *apierr.Error) {
	start := "-"
	if since != "" {
		start = "(" + since
	}
	result, apiErr := b.withRetry(ctx, "read_since", func() (any, error) {
		return b.client.XRangeN(ctx, streamKey(topic), start, "+", int64(maxCount)).Result()
	})
	if apiErr != nil {
		return nil, apiErr
	}
	entries := result.([]redis.XMessage)
	out := make([]message.Message, 0, len(entries))
	for _, entry := range entries {
		msg, err := entryToMessage(topic, entry)
		if err != nil {
			b.log.Warn("dropping malformed stream entry", logging.String("topic", topic), logging.String("stream_id", entry.ID), logging.Error(err))
			continue
		}
		out = append(out, msg)
	}
	return out, nil
}

func (b *ValkeyBackend) Length(ctx context.Context, topic string) (int64, *apierr.Error) {
	result, apiErr := b.withRetry(ctx, "length", func() (any, error) {
		return b.client.XLen(ctx, streamKey(topic)).Result()
	})
	if apiErr != nil {
		return 0, apiErr
	}
	return result.(int64), nil
}

func (b *ValkeyBackend) Trim(ctx context.Context, topic string, policy TrimPolicy) {
	ctxTimeout, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var err error
	switch {
	case policy.MaxLen > 0:
		_, err = b.client.XTrimMaxLenApprox(ctxTimeout, streamKey(topic), policy.MaxLen, 0).Result()
	case policy.MinStreamID != "":
		_, err = b.client.XTrimMinIDApprox(ctxTimeout, streamKey(topic), policy.MinStreamID, 0).Result()
	default:
		return
	}
	if err != nil {
		b.log.Warn("trim failed, retained history may exceed policy", logging.String("topic", topic), logging.Error(err))
		if b.onFailure != nil {
			b.onFailure("trim")
		}
	}
}

func (b *ValkeyBackend) TopicExists(ctx context.Context, topic string) (bool, *apierr.Error) {
	result, apiErr := b.withRetry(ctx, "topic_exists", func() (any, error) {
		n, err := b.client.Exists(ctx, streamKey(topic)).Result()
		return n, err
	})
	if apiErr != nil {
		return false, apiErr
	}
	return result.(int64) > 0, nil
}

func entryToMessage(topic string, entry redis.XMessage) (message.Message, error) {
	msg := message.Message{Topic: topic, StreamID: entry.ID}
	if id, ok := entry.Values["message_id"].(string); ok {
		msg.MessageID = id
	}
	if payload, ok := entry.Values["payload"].(string); ok {
		msg.Payload = json.RawMessage(payload)
	}
	if tsRaw, ok := entry.Values["timestamp"]; ok {
		ms, err := asInt64(tsRaw)
		if err != nil {
			return message.Message{}, fmt.Errorf("parse timestamp field: %w", err)
		}
		msg.Timestamp = time.UnixMilli(ms).UTC()
	}
	if ttlRaw, ok := entry.Values["ttl"]; ok {
		if ttl, err := asInt64(ttlRaw); err == nil && ttl > 0 {
			msg.TTL = &ttl
		}
	}
	if metaRaw, ok := entry.Values["metadata"].(string); ok && metaRaw != "" && metaRaw != "null" {
		metadata := make(map[string]string)
		if err := json.Unmarshal([]byte(metaRaw), &metadata); err == nil {
			msg.Metadata = metadata
		}
	}
	return msg, nil
}

func asInt64(v any) (int64, error) {
	switch t := v.(type) {
	case int64:
		return t, nil
	case string:
		return strconv.ParseInt(t, 10, 64)
	default:
		return 0, fmt.Errorf("unexpected type %T", v)
	}
}
