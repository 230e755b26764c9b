package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/golang-jwt/jwt/v5"

	"github.com/pulsar-relay/relay/internal/authtoken"
	"github.com/pulsar-relay/relay/internal/authz"
	"github.com/pulsar-relay/relay/internal/connmgr"
	"github.com/pulsar-relay/relay/internal/message"
	"github.com/pulsar-relay/relay/internal/pollmgr"
	"github.com/pulsar-relay/relay/internal/publish"
	"github.com/pulsar-relay/relay/internal/storage"
	"github.com/pulsar-relay/relay/internal/topicstore"
)

type relayClaimsForTest struct {
	jwt.RegisteredClaims
	Scope string `json:"scope"`
	Admin bool   `json:"admin"`
}

func signToken(t *testing.T, secret, subject, scope string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, &relayClaimsForTest{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		Scope: scope,
	})
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return signed
}

func newTestHandlerSet(t *testing.T) (*HandlerSet, *mux.Router, string) {
	t.Helper()
	const secret = "test-secret"
	verifier, err := authtoken.NewVerifier(secret, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	topics := topicstore.NewMemoryStore()
	if _, err := topics.Create(topicstore.Topic{Name: "notes", OwnerUserID: "alice"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	oracle := authz.New(topics)
	backend := storage.NewMemoryBackend(0, time.Now)
	conns := connmgr.New(nil)
	waiters := pollmgr.New(nil)
	t.Cleanup(waiters.Close)
	pipeline := publish.New(backend, oracle, conns, waiters, message.DefaultMaxPayloadBytes)

	handlers := NewHandlerSet(Options{
		Verifier:          verifier,
		Oracle:            oracle,
		Pipeline:          pipeline,
		Waiters:           waiters,
		Storage:           backend,
		Topics:            topics,
		BulkLimiter:       NewSlidingWindowLimiter(time.Minute, 100, time.Now),
		PermissionLimiter: NewSlidingWindowLimiter(time.Minute, 100, time.Now),
	})
	router := mux.NewRouter()
	handlers.Register(router)
	return handlers, router, secret
}

func TestHandlePublishRequiresAuth(t *testing.T) {
	_, router, _ := newTestHandlerSet(t)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/messages", bytes.NewBufferString(`{"topic":"notes","payload":{}}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestHandlePublishSucceeds(t *testing.T) {
	_, router, secret := newTestHandlerSet(t)
	token := signToken(t, secret, "alice", "read write")

	req := httptest.NewRequest(http.MethodPost, "/api/v1/messages", bytes.NewBufferString(`{"topic":"notes","payload":{"n":1}}`))
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var result publish.Result
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("unexpected decode error: %v", err)
	}
	if result.MessageID == "" {
		t.Fatal("expected a message_id in the response")
	}
}

func TestHandlePublishForbiddenForStranger(t *testing.T) {
	_, router, secret := newTestHandlerSet(t)
	token := signToken(t, secret, "mallory", "read write")

	req := httptest.NewRequest(http.MethodPost, "/api/v1/messages", bytes.NewBufferString(`{"topic":"notes","payload":{}}`))
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d: %s", rec.Code, rec.Body.String())
	}
}

// TestHandlePublishForbiddenForMissingScope covers Scenario D: a valid token
// that simply lacks the write scope is an authorization deny, not an
// authentication failure, so it must answer 403, not 401.
func TestHandlePublishForbiddenForMissingScope(t *testing.T) {
	_, router, secret := newTestHandlerSet(t)
	token := signToken(t, secret, "alice", "read")

	req := httptest.NewRequest(http.MethodPost, "/api/v1/messages", bytes.NewBufferString(`{"topic":"notes","payload":{}}`))
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for a read-only token publishing, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestHandlePollCatchesUpImmediately(t *testing.T) {
	_, router, secret := newTestHandlerSet(t)
	token := signToken(t, secret, "alice", "read write")

	publishReq := httptest.NewRequest(http.MethodPost, "/api/v1/messages", bytes.NewBufferString(`{"topic":"notes","payload":{"n":1}}`))
	publishReq.Header.Set("Authorization", "Bearer "+token)
	publishRec := httptest.NewRecorder()
	router.ServeHTTP(publishRec, publishReq)
	if publishRec.Code != http.StatusCreated {
		t.Fatalf("setup publish failed: %d %s", publishRec.Code, publishRec.Body.String())
	}

	pollReq := httptest.NewRequest(http.MethodPost, "/messages/poll", bytes.NewBufferString(`{"topics":["notes"],"timeout":1}`))
	pollReq.Header.Set("Authorization", "Bearer "+token)
	pollRec := httptest.NewRecorder()
	router.ServeHTTP(pollRec, pollReq)

	if pollRec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", pollRec.Code, pollRec.Body.String())
	}
	var resp pollResponse
	if err := json.Unmarshal(pollRec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unexpected decode error: %v", err)
	}
	if len(resp.Messages) != 1 {
		t.Fatalf("expected catch-up to return the published message, got %d", len(resp.Messages))
	}
}

func TestHandleCreateAndListTopics(t *testing.T) {
	_, router, secret := newTestHandlerSet(t)
	token := signToken(t, secret, "bob", "read write")

	createReq := httptest.NewRequest(http.MethodPost, "/api/v1/topics", bytes.NewBufferString(`{"topic_name":"bobs-topic","is_public":true}`))
	createReq.Header.Set("Authorization", "Bearer "+token)
	createRec := httptest.NewRecorder()
	router.ServeHTTP(createRec, createReq)
	if createRec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", createRec.Code, createRec.Body.String())
	}

	listReq := httptest.NewRequest(http.MethodGet, "/api/v1/topics", nil)
	listReq.Header.Set("Authorization", "Bearer "+token)
	listRec := httptest.NewRecorder()
	router.ServeHTTP(listRec, listReq)
	if listRec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", listRec.Code)
	}
}

func TestHandleGrantPermissionRequiresOwner(t *testing.T) {
	_, router, secret := newTestHandlerSet(t)
	strangerToken := signToken(t, secret, "mallory", "read write")

	grantReq := httptest.NewRequest(http.MethodPost, "/api/v1/topics/notes/permissions", bytes.NewBufferString(`{"username":"carol"}`))
	grantReq.Header.Set("Authorization", "Bearer "+strangerToken)
	grantRec := httptest.NewRecorder()
	router.ServeHTTP(grantRec, grantReq)
	if grantRec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d: %s", grantRec.Code, grantRec.Body.String())
	}
}

func TestHandleHealthAndReady(t *testing.T) {
	_, router, _ := newTestHandlerSet(t)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 from /health, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 from /ready, got %d", rec.Code)
	}
}
