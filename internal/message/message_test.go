package message

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestValidTopicName(t *testing.T) {
	cases := map[string]bool{
		"notes":             true,
		"events.v1":         true,
		"topic-with-dashes": true,
		"ns:sub":            true,
		"has space":         false,
		"":                  false,
		strings.Repeat("a", MaxTopicLength+1): false,
	}
	for name, want := range cases {
		if got := ValidTopicName(name); got != want {
			t.Errorf("ValidTopicName(%q) = %v, want %v", name, got, want)
		}
	}
}

func TestGenerateIDFormat(t *testing.T) {
	id := GenerateID()
	if !strings.HasPrefix(id, "msg_") {
		t.Fatalf("expected msg_ prefix, got %q", id)
	}
	if len(id) != len("msg_")+12 {
		t.Fatalf("expected 12 hex chars after prefix, got %q", id)
	}
}

func TestGenerateIDUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := GenerateID()
		if seen[id] {
			t.Fatalf("duplicate id generated: %s", id)
		}
		seen[id] = true
	}
}

func TestCloneIsIndependent(t *testing.T) {
	ttl := int64(60)
	original := Message{
		MessageID: "msg_abc",
		Topic:     "notes",
		Payload:   json.RawMessage(`{"n":1}`),
		Metadata:  map[string]string{"k": "v"},
		TTL:       &ttl,
	}
	clone := original.Clone()
	clone.Metadata["k"] = "mutated"
	*clone.TTL = 120
	clone.Payload[0] = '['

	if original.Metadata["k"] != "v" {
		t.Fatal("mutating clone metadata leaked into original")
	}
	if *original.TTL != 60 {
		t.Fatal("mutating clone ttl leaked into original")
	}
	if original.Payload[0] != '{' {
		t.Fatal("mutating clone payload leaked into original")
	}
}

func TestValidatePublishRejectsOversizedPayload(t *testing.T) {
	req := PublishRequest{Topic: "notes", Payload: json.RawMessage(`{"n":1}`)}
	if err := ValidatePublish(req, 4); err == nil || err.Code != "PAYLOAD_TOO_LARGE" {
		t.Fatalf("expected PAYLOAD_TOO_LARGE, got %v", err)
	}
}

func TestValidatePublishRejectsBadTopic(t *testing.T) {
	req := PublishRequest{Topic: "bad topic", Payload: json.RawMessage(`{}`)}
	if err := ValidatePublish(req, DefaultMaxPayloadBytes); err == nil || err.Code != "INVALID_REQUEST" {
		t.Fatalf("expected INVALID_REQUEST, got %v", err)
	}
}

func TestValidatePublishAcceptsWellFormedRequest(t *testing.T) {
	req := PublishRequest{Topic: "notes", Payload: json.RawMessage(`{"n":1}`), Metadata: map[string]string{"k": "v"}}
	if err := ValidatePublish(req, DefaultMaxPayloadBytes); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
}
