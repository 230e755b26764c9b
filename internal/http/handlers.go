// Package httpapi is the REST front end over the publish pipeline, poll
// manager, and topic registry: the thin adapter the spec calls C6's pull
// side, plus topic administration and the standard health/metrics surface.
package httpapi

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/pulsar-relay/relay/internal/apierr"
	"github.com/pulsar-relay/relay/internal/authtoken"
	"github.com/pulsar-relay/relay/internal/authz"
	"github.com/pulsar-relay/relay/internal/logging"
	"github.com/pulsar-relay/relay/internal/message"
	"github.com/pulsar-relay/relay/internal/pollmgr"
	"github.com/pulsar-relay/relay/internal/publish"
	"github.com/pulsar-relay/relay/internal/storage"
	"github.com/pulsar-relay/relay/internal/topicstore"
)

// MetricsHandler serves the /metrics endpoint; satisfied by *metrics.Registry.
type MetricsHandler interface {
	Handler() http.Handler
}

// ReadinessProvider reports whether the service's dependencies (storage,
// primarily) are currently reachable.
type ReadinessProvider func() error

// Options configures a HandlerSet. Verifier, Oracle, Pipeline, Waiters,
// Storage, and Topics are required; the rest have sane zero values.
type Options struct {
	Verifier  *authtoken.Verifier
	Oracle    *authz.Oracle
	Pipeline  *publish.Pipeline
	Waiters   *pollmgr.Manager
	Storage   storage.Backend
	Topics    topicstore.Store
	Metrics   MetricsHandler
	Readiness ReadinessProvider
	Logger    *logging.Logger

	// PollCatchUpLimit bounds how many messages a single topic's catch-up
	// read returns per poll; defaults to pollmgr.DefaultBufferCapacity.
	PollCatchUpLimit int

	BulkLimiter       *SlidingWindowLimiter
	PermissionLimiter *SlidingWindowLimiter
}

// HandlerSet holds the REST handlers and their shared dependencies.
type HandlerSet struct {
	opts Options
	log  *logging.Logger
}

// NewHandlerSet constructs a HandlerSet from opts, applying defaults for any
// unset optional field.
func NewHandlerSet(opts Options) *HandlerSet {
	log := opts.Logger
	if log == nil {
		log = logging.NewTestLogger()
	}
	if opts.Readiness == nil {
		opts.Readiness = func() error { return nil }
	}
	if opts.PollCatchUpLimit <= 0 {
		opts.PollCatchUpLimit = pollmgr.DefaultBufferCapacity
	}
	return &HandlerSet{opts: opts, log: log}
}

// Register wires every route onto router.
func (h *HandlerSet) Register(router *mux.Router) {
	router.HandleFunc("/api/v1/messages", h.handlePublish).Methods(http.MethodPost)
	router.HandleFunc("/api/v1/messages/bulk", h.handlePublishBulk).Methods(http.MethodPost)
	router.HandleFunc("/messages/poll", h.handlePoll).Methods(http.MethodPost)
	router.HandleFunc("/api/v1/topics", h.handleCreateTopic).Methods(http.MethodPost)
	router.HandleFunc("/api/v1/topics", h.handleListTopics).Methods(http.MethodGet)
	router.HandleFunc("/api/v1/topics/{name}/permissions", h.handleGrantPermission).Methods(http.MethodPost)
	router.HandleFunc("/health", h.handleHealth).Methods(http.MethodGet)
	router.HandleFunc("/ready", h.handleReady).Methods(http.MethodGet)
	if h.opts.Metrics != nil {
		router.Handle("/metrics", h.opts.Metrics.Handler()).Methods(http.MethodGet)
	}
}

// handlePublish implements POST /api/v1/messages.
func (h *HandlerSet) handlePublish(w http.ResponseWriter, r *http.Request) {
	claims, err := h.authenticate(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req message.PublishRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, apierr.Wrap(apierr.CodeInvalidRequest, "malformed request body", err))
		return
	}
	result, err := h.opts.Pipeline.Publish(r.Context(), claims, req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

type bulkPublishRequest struct {
	Messages []message.PublishRequest `json:"messages"`
}

// handlePublishBulk implements POST /api/v1/messages/bulk.
func (h *HandlerSet) handlePublishBulk(w http.ResponseWriter, r *http.Request) {
	claims, err := h.authenticate(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if !h.opts.BulkLimiter.Allow() {
		writeError(w, r, apierr.New(apierr.CodeRateLimitExceeded, "too many bulk publish requests"))
		return
	}
	var req bulkPublishRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, apierr.Wrap(apierr.CodeInvalidRequest, "malformed request body", err))
		return
	}
	if len(req.Messages) == 0 {
		writeError(w, r, apierr.New(apierr.CodeInvalidRequest, "messages must not be empty"))
		return
	}
	results := h.opts.Pipeline.PublishBulk(r.Context(), claims, req.Messages)
	writeJSON(w, http.StatusMultiStatus, map[string]any{"results": results})
}

type pollRequest struct {
	Topics  []string          `json:"topics"`
	Since   map[string]string `json:"since"`
	Timeout int               `json:"timeout"`
}

type pollResponse struct {
	Messages []message.Message `json:"messages"`
	HasMore  bool              `json:"has_more"`
}

// handlePoll implements POST /messages/poll, delegating entirely to C4
// after authorizing every requested topic for read.
func (h *HandlerSet) handlePoll(w http.ResponseWriter, r *http.Request) {
	claims, err := h.authenticate(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req pollRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, apierr.Wrap(apierr.CodeInvalidRequest, "malformed request body", err))
		return
	}
	if len(req.Topics) == 0 {
		writeError(w, r, apierr.New(apierr.CodeInvalidRequest, "topics must not be empty"))
		return
	}
	for _, topic := range req.Topics {
		decision := h.opts.Oracle.Authorize(claims, topic, authz.ActionRead)
		if decision != authz.Allow {
			writeError(w, r, pollDecisionError(decision, topic))
			return
		}
	}

	timeout := time.Duration(req.Timeout) * time.Second
	catchUp := func(topic, since string) ([]message.Message, error) {
		msgs, err := h.opts.Storage.ReadSince(r.Context(), topic, since, h.opts.PollCatchUpLimit)
		if err != nil {
			return nil, err
		}
		return msgs, nil
	}
	messages, hasMore, pollErr := h.opts.Waiters.Poll(r.Context(), claims.Subject, req.Topics, req.Since, timeout, catchUp)
	if pollErr != nil {
		if typed, ok := apierr.As(pollErr); ok {
			writeError(w, r, typed)
			return
		}
		writeError(w, r, apierr.Internal(pollErr))
		return
	}
	writeJSON(w, http.StatusOK, pollResponse{Messages: messages, HasMore: hasMore})
}

type createTopicRequest struct {
	TopicName   string `json:"topic_name"`
	IsPublic    bool   `json:"is_public"`
	Description string `json:"description"`
}

// handleCreateTopic implements POST /api/v1/topics.
func (h *HandlerSet) handleCreateTopic(w http.ResponseWriter, r *http.Request) {
	claims, err := h.authenticate(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req createTopicRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, apierr.Wrap(apierr.CodeInvalidRequest, "malformed request body", err))
		return
	}
	if validationErr := message.ValidateTopicName(req.TopicName); validationErr != nil {
		writeError(w, r, validationErr)
		return
	}
	topic, createErr := h.opts.Topics.Create(topicstore.Topic{
		Name:        req.TopicName,
		OwnerUserID: claims.Subject,
		IsPublic:    req.IsPublic,
		Description: req.Description,
	})
	if createErr != nil {
		writeError(w, r, createErr)
		return
	}
	writeJSON(w, http.StatusCreated, topic)
}

// handleListTopics implements GET /api/v1/topics.
func (h *HandlerSet) handleListTopics(w http.ResponseWriter, r *http.Request) {
	claims, err := h.authenticate(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	topics := h.opts.Topics.List(claims.Subject, claims.Admin)
	writeJSON(w, http.StatusOK, map[string]any{"topics": topics})
}

type grantPermissionRequest struct {
	Username string `json:"username"`
}

// handleGrantPermission implements POST /api/v1/topics/{name}/permissions.
// Only the topic owner (or an admin) may grant access.
func (h *HandlerSet) handleGrantPermission(w http.ResponseWriter, r *http.Request) {
	claims, err := h.authenticate(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if !h.opts.PermissionLimiter.Allow() {
		writeError(w, r, apierr.New(apierr.CodeRateLimitExceeded, "too many permission changes"))
		return
	}
	name := mux.Vars(r)["name"]
	topic, ok := h.opts.Topics.Get(name)
	if !ok {
		writeError(w, r, apierr.New(apierr.CodeTopicNotFound, "topic not found"))
		return
	}
	if !claims.Admin && topic.OwnerUserID != claims.Subject {
		writeError(w, r, apierr.New(apierr.CodeForbidden, "only the topic owner may grant access"))
		return
	}
	var req grantPermissionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, apierr.Wrap(apierr.CodeInvalidRequest, "malformed request body", err))
		return
	}
	if strings.TrimSpace(req.Username) == "" {
		writeError(w, r, apierr.New(apierr.CodeInvalidRequest, "username must not be empty"))
		return
	}
	updated, grantErr := h.opts.Topics.Grant(name, req.Username)
	if grantErr != nil {
		writeError(w, r, grantErr)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (h *HandlerSet) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *HandlerSet) handleReady(w http.ResponseWriter, r *http.Request) {
	if err := h.opts.Readiness(); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not_ready"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// authenticate extracts and verifies the bearer token from the Authorization
// header.
func (h *HandlerSet) authenticate(r *http.Request) (*authtoken.Claims, *apierr.Error) {
	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		return nil, apierr.New(apierr.CodeUnauthorized, "missing bearer token")
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		return nil, apierr.New(apierr.CodeUnauthorized, "missing bearer token")
	}
	claims, err := h.opts.Verifier.Verify(token)
	if err != nil {
		return nil, apierr.Wrap(apierr.CodeUnauthorized, "invalid or expired token", err)
	}
	return claims, nil
}

func pollDecisionError(decision authz.Decision, topic string) *apierr.Error {
	switch decision {
	case authz.TopicNotFound:
		return apierr.Newf(apierr.CodeTopicNotFound, "topic %q not found", topic)
	case authz.DenyNoScope:
		// A valid token lacking the required scope is an authorization deny,
		// not an authentication failure: UNAUTHORIZED is reserved for a
		// missing or invalid token (§7).
		return apierr.New(apierr.CodeForbidden, "token does not grant the required scope")
	default:
		return apierr.Newf(apierr.CodeForbidden, "not authorized to access topic %q", topic)
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

type errorResponse struct {
	Error     string         `json:"error"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	RequestID string         `json:"request_id,omitempty"`
}

func writeError(w http.ResponseWriter, r *http.Request, err *apierr.Error) {
	if err == nil {
		err = apierr.Internal(nil)
	}
	writeJSON(w, err.HTTPStatus(), errorResponse{
		Error:     string(err.Code),
		Message:   err.Message,
		Details:   err.Details,
		RequestID: logging.TraceIDFromContext(r.Context()),
	})
}

