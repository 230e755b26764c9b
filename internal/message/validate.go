package message

import (
	"encoding/json"
	"sync"

	"github.com/go-playground/validator/v10"

	"github.com/pulsar-relay/relay/internal/apierr"
)

// PublishRequest is the validated shape of a single publish, shared by the
// single-message and bulk endpoints.
type PublishRequest struct {
	Topic    string            `json:"topic" validate:"required,max=256"`
	Payload  json.RawMessage   `json:"payload" validate:"required"`
	TTL      *int64            `json:"ttl,omitempty" validate:"omitempty,gt=0"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

var (
	validatorOnce sync.Once
	validatorInst *validator.Validate
)

func get() *validator.Validate {
	validatorOnce.Do(func() {
		validatorInst = validator.New()
	})
	return validatorInst
}

// ValidatePublish runs structural validation on req and returns an
// INVALID_REQUEST/PAYLOAD_TOO_LARGE error describing the first problem found.
func ValidatePublish(req PublishRequest, maxPayloadBytes int64) *apierr.Error {
	if maxPayloadBytes <= 0 {
		maxPayloadBytes = DefaultMaxPayloadBytes
	}
	if err := get().Struct(req); err != nil {
		return apierr.Wrap(apierr.CodeInvalidRequest, "publish request failed validation", err)
	}
	if !ValidTopicName(req.Topic) {
		return apierr.Newf(apierr.CodeInvalidRequest, "topic %q must match [A-Za-z0-9_.-:]+ and be at most %d characters", req.Topic, MaxTopicLength)
	}
	if int64(len(req.Payload)) > maxPayloadBytes {
		return apierr.Newf(apierr.CodePayloadTooLarge, "payload of %d bytes exceeds the %d byte limit", len(req.Payload), maxPayloadBytes)
	}
	if !json.Valid(req.Payload) {
		return apierr.New(apierr.CodeInvalidRequest, "payload must be valid JSON")
	}
	if len(req.Metadata) > MaxMetadataEntries {
		return apierr.Newf(apierr.CodeInvalidRequest, "metadata has %d entries, exceeding the limit of %d", len(req.Metadata), MaxMetadataEntries)
	}
	for k, v := range req.Metadata {
		if len(k) > MaxMetadataFieldLength || len(v) > MaxMetadataFieldLength {
			return apierr.Newf(apierr.CodeInvalidRequest, "metadata key/value must be at most %d characters", MaxMetadataFieldLength)
		}
	}
	if req.TTL != nil && *req.TTL <= 0 {
		return apierr.New(apierr.CodeInvalidRequest, "ttl must be a positive number of seconds")
	}
	return nil
}

// ValidateTopicName is a thin wrapper used by the topic-creation endpoint,
// expressed as an *apierr.Error for uniform handling.
func ValidateTopicName(name string) *apierr.Error {
	if !ValidTopicName(name) {
		return apierr.Newf(apierr.CodeInvalidRequest, "topic %q must match [A-Za-z0-9_.-:]+ and be at most %d characters", name, MaxTopicLength)
	}
	return nil
}
