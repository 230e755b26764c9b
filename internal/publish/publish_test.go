package publish

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/pulsar-relay/relay/internal/authtoken"
	"github.com/pulsar-relay/relay/internal/authz"
	"github.com/pulsar-relay/relay/internal/connmgr"
	"github.com/pulsar-relay/relay/internal/message"
	"github.com/pulsar-relay/relay/internal/pollmgr"
	"github.com/pulsar-relay/relay/internal/storage"
	"github.com/pulsar-relay/relay/internal/topicstore"
)

func newFixture(t *testing.T) (*Pipeline, *connmgr.Manager, *pollmgr.Manager) {
	t.Helper()
	topics := topicstore.NewMemoryStore()
	if _, err := topics.Create(topicstore.Topic{Name: "notes", OwnerUserID: "alice"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	oracle := authz.New(topics)
	backend := storage.NewMemoryBackend(0, time.Now)
	conns := connmgr.New(nil)
	waiters := pollmgr.New(nil)
	t.Cleanup(waiters.Close)
	pipeline := New(backend, oracle, conns, waiters, message.DefaultMaxPayloadBytes)
	return pipeline, conns, waiters
}

func writerClaims(subject string) *authtoken.Claims {
	return &authtoken.Claims{Subject: subject, Scopes: map[authtoken.Scope]bool{authtoken.ScopeWrite: true}}
}

func TestPublishAcceptsAuthorizedWriter(t *testing.T) {
	pipeline, _, _ := newFixture(t)
	result, err := pipeline.Publish(context.Background(), writerClaims("alice"), message.PublishRequest{
		Topic:   "notes",
		Payload: json.RawMessage(`{"n":1}`),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.MessageID == "" {
		t.Fatal("expected a message_id in the result")
	}
}

func TestPublishRejectsUnknownTopic(t *testing.T) {
	pipeline, _, _ := newFixture(t)
	_, err := pipeline.Publish(context.Background(), writerClaims("alice"), message.PublishRequest{
		Topic:   "missing",
		Payload: json.RawMessage(`{}`),
	})
	if err == nil || err.Code != "TOPIC_NOT_FOUND" {
		t.Fatalf("expected TOPIC_NOT_FOUND, got %v", err)
	}
}

func TestPublishRejectsWriterWithoutAccess(t *testing.T) {
	pipeline, _, _ := newFixture(t)
	_, err := pipeline.Publish(context.Background(), writerClaims("mallory"), message.PublishRequest{
		Topic:   "notes",
		Payload: json.RawMessage(`{}`),
	})
	if err == nil || err.Code != "FORBIDDEN" {
		t.Fatalf("expected FORBIDDEN, got %v", err)
	}
}

func TestPublishRejectsMissingWriteScopeAsForbidden(t *testing.T) {
	// A valid token that simply lacks the write scope is an authorization
	// deny, not an authentication failure: FORBIDDEN/403, never UNAUTHORIZED.
	pipeline, _, _ := newFixture(t)
	readOnly := &authtoken.Claims{Subject: "alice", Scopes: map[authtoken.Scope]bool{authtoken.ScopeRead: true}}
	_, err := pipeline.Publish(context.Background(), readOnly, message.PublishRequest{
		Topic:   "notes",
		Payload: json.RawMessage(`{}`),
	})
	if err == nil || err.Code != "FORBIDDEN" {
		t.Fatalf("expected FORBIDDEN for a read-only token publishing, got %v", err)
	}
}

func TestPublishRejectsInvalidPayload(t *testing.T) {
	pipeline, _, _ := newFixture(t)
	_, err := pipeline.Publish(context.Background(), writerClaims("alice"), message.PublishRequest{
		Topic:   "notes",
		Payload: json.RawMessage(`not json`),
	})
	if err == nil || err.Code != "INVALID_REQUEST" {
		t.Fatalf("expected INVALID_REQUEST, got %v", err)
	}
}

func TestPublishFansOutToSubscribersAndWaiters(t *testing.T) {
	pipeline, conns, waiters := newFixture(t)

	type capture struct {
		msgCh chan message.Message
	}
	conn := &fakeSub{id: "conn-1", ch: make(chan message.Message, 1)}
	conns.Add(conn, []string{"notes"})

	done := make(chan []message.Message, 1)
	go func() {
		msgs, _, _ := waiters.Poll(context.Background(), "alice", []string{"notes"}, nil, pollmgr.MaxTimeout, func(string, string) ([]message.Message, error) { return nil, nil })
		done <- msgs
	}()
	deadline := time.Now().Add(time.Second)
	for waiters.WaiterCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	if _, err := pipeline.Publish(context.Background(), writerClaims("alice"), message.PublishRequest{
		Topic:   "notes",
		Payload: json.RawMessage(`{"n":1}`),
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	select {
	case msg := <-conn.ch:
		if msg.Topic != "notes" {
			t.Fatalf("expected broadcast for notes, got %q", msg.Topic)
		}
	case <-time.After(time.Second):
		t.Fatal("expected subscriber to receive the broadcast message")
	}

	select {
	case msgs := <-done:
		if len(msgs) != 1 {
			t.Fatalf("expected poll to be delivered exactly one message, got %d", len(msgs))
		}
	case <-time.After(time.Second):
		t.Fatal("expected poll waiter to wake on publish")
	}
}

func TestPublishBulkIndependentOutcomes(t *testing.T) {
	pipeline, _, _ := newFixture(t)
	results := pipeline.PublishBulk(context.Background(), writerClaims("alice"), []message.PublishRequest{
		{Topic: "notes", Payload: json.RawMessage(`{}`)},
		{Topic: "missing", Payload: json.RawMessage(`{}`)},
	})
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	if results[0].Status != "accepted" {
		t.Fatalf("expected first item accepted, got %+v", results[0])
	}
	if results[1].Status != "rejected" || results[1].ErrorCode != "TOPIC_NOT_FOUND" {
		t.Fatalf("expected second item rejected with TOPIC_NOT_FOUND, got %+v", results[1])
	}
}

type fakeSub struct {
	id string
	ch chan message.Message
}

func (f *fakeSub) ID() string { return f.id }
func (f *fakeSub) Send(msg message.Message, deadline time.Time) error {
	f.ch <- msg
	return nil
}
