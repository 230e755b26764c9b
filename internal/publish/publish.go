// Package publish implements the publish pipeline: validate, authorize,
// persist, then fan out concurrently to the connection manager and poll
// manager. It is the only component that writes messages into the system.
package publish

import (
	"context"
	"sync"
	"time"

	"github.com/pulsar-relay/relay/internal/apierr"
	"github.com/pulsar-relay/relay/internal/authtoken"
	"github.com/pulsar-relay/relay/internal/authz"
	"github.com/pulsar-relay/relay/internal/connmgr"
	"github.com/pulsar-relay/relay/internal/message"
	"github.com/pulsar-relay/relay/internal/pollmgr"
	"github.com/pulsar-relay/relay/internal/storage"
)

// Metrics is the subset of the metrics collector the pipeline reports to.
// Kept as a narrow interface so tests can supply a no-op implementation.
type Metrics interface {
	ObservePublish(topic string, accepted bool)
}

type noopMetrics struct{}

func (noopMetrics) ObservePublish(string, bool) {}

// Pipeline wires C1 (storage), C2 (authz), C3 (connmgr), and C4 (pollmgr)
// into the publish operation.
type Pipeline struct {
	storage         storage.Backend
	oracle          *authz.Oracle
	conns           *connmgr.Manager
	waiters         *pollmgr.Manager
	maxPayloadBytes int64
	metrics         Metrics
	now             func() time.Time
}

// Option customises a Pipeline at construction.
type Option func(*Pipeline)

// WithMetrics attaches a metrics sink.
func WithMetrics(m Metrics) Option { return func(p *Pipeline) { p.metrics = m } }

// WithClock overrides the pipeline's time source for deterministic tests.
func WithClock(now func() time.Time) Option { return func(p *Pipeline) { p.now = now } }

// New constructs a Pipeline.
func New(backend storage.Backend, oracle *authz.Oracle, conns *connmgr.Manager, waiters *pollmgr.Manager, maxPayloadBytes int64, opts ...Option) *Pipeline {
	p := &Pipeline{
		storage:         backend,
		oracle:          oracle,
		conns:           conns,
		waiters:         waiters,
		maxPayloadBytes: maxPayloadBytes,
		metrics:         noopMetrics{},
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Result is the {message_id, topic, timestamp} reply for one accepted publish.
type Result struct {
	MessageID string    `json:"message_id"`
	Topic     string    `json:"topic"`
	Timestamp time.Time `json:"timestamp"`
}

// Publish validates, authorizes, persists, and fans out a single message.
func (p *Pipeline) Publish(ctx context.Context, claims *authtoken.Claims, req message.PublishRequest) (Result, *apierr.Error) {
	if err := message.ValidatePublish(req, p.maxPayloadBytes); err != nil {
		return Result{}, err
	}

	decision := p.oracle.Authorize(claims, req.Topic, authz.ActionWrite)
	if decision != authz.Allow {
		p.metrics.ObservePublish(req.Topic, false)
		return Result{}, decisionError(decision, req.Topic)
	}

	msg := message.Message{
		Topic:    req.Topic,
		Payload:  req.Payload,
		TTL:      req.TTL,
		Metadata: req.Metadata,
	}
	stored, err := p.storage.Append(ctx, req.Topic, msg)
	if err != nil {
		p.metrics.ObservePublish(req.Topic, false)
		return Result{}, err
	}

	p.fanOut(req.Topic, stored)
	p.metrics.ObservePublish(req.Topic, true)
	return Result{MessageID: stored.MessageID, Topic: stored.Topic, Timestamp: stored.Timestamp}, nil
}

// BulkItem pairs one publish outcome with its originating request index.
type BulkItem struct {
	Topic     string       `json:"topic"`
	Status    string       `json:"status"` // "accepted" | "rejected"
	MessageID string       `json:"message_id,omitempty"`
	Timestamp time.Time    `json:"timestamp,omitempty"`
	ErrorCode apierr.Code  `json:"error_code,omitempty"`
	Error     string       `json:"error,omitempty"`
}

// PublishBulk runs each request through Publish independently: one
// request's failure never affects the others, and outcomes are returned in
// input order for the HTTP layer to render as a multi-status response.
func (p *Pipeline) PublishBulk(ctx context.Context, claims *authtoken.Claims, reqs []message.PublishRequest) []BulkItem {
	items := make([]BulkItem, len(reqs))
	var wg sync.WaitGroup
	wg.Add(len(reqs))
	for i, req := range reqs {
		go func(i int, req message.PublishRequest) {
			defer wg.Done()
			result, err := p.Publish(ctx, claims, req)
			if err != nil {
				items[i] = BulkItem{Topic: req.Topic, Status: "rejected", ErrorCode: err.Code, Error: err.Message}
				return
			}
			items[i] = BulkItem{Topic: result.Topic, Status: "accepted", MessageID: result.MessageID, Timestamp: result.Timestamp}
		}(i, req)
	}
	wg.Wait()
	return items
}

// fanOut hands the persisted message to C3 and C4 concurrently; fan-out
// failures are subscriber-local and never surface back to the publisher.
func (p *Pipeline) fanOut(topic string, msg message.Message) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		p.conns.Broadcast(topic, msg)
	}()
	go func() {
		defer wg.Done()
		p.waiters.Deliver(topic, msg)
	}()
	wg.Wait()
}

func decisionError(decision authz.Decision, topic string) *apierr.Error {
	switch decision {
	case authz.TopicNotFound:
		return apierr.Newf(apierr.CodeTopicNotFound, "topic %q not found", topic)
	case authz.DenyNoScope:
		// A valid token lacking the required scope is an authorization deny,
		// not an authentication failure: UNAUTHORIZED is reserved for a
		// missing or invalid token (§7).
		return apierr.New(apierr.CodeForbidden, "token does not grant the required scope")
	case authz.DenyNoAccess:
		return apierr.Newf(apierr.CodeForbidden, "not authorized to access topic %q", topic)
	default:
		return apierr.Internal(nil)
	}
}
