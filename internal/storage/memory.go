package storage

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pulsar-relay/relay/internal/apierr"
	"github.com/pulsar-relay/relay/internal/message"
)

// MemoryBackend keeps each topic's messages as an ordered in-memory list
// under a topic-granular mutex; a backend-wide mutex guards only the
// topic → list map.
type MemoryBackend struct {
	now        func() time.Time
	maxLen     int64
	mu         sync.Mutex
	logs       map[string]*topicLog
}

type topicLog struct {
	mu       sync.Mutex
	messages []message.Message
	seq      uint64
}

// NewMemoryBackend constructs an empty backend. maxLenPerTopic <= 0 disables
// automatic trim-on-append.
func NewMemoryBackend(maxLenPerTopic int64, now func() time.Time) *MemoryBackend {
	if now == nil {
		now = time.Now
	}
	return &MemoryBackend{now: now, maxLen: maxLenPerTopic, logs: make(map[string]*topicLog)}
}

func (b *MemoryBackend) logFor(topic string) *topicLog {
	b.mu.Lock()
	defer b.mu.Unlock()
	log, ok := b.logs[topic]
	if !ok {
		log = &topicLog{}
		b.logs[topic] = log
	}
	return log
}

// streamID encodes a monotonically increasing "<ms-timestamp>-<seq>" token.
func streamID(ts time.Time, seq uint64) string {
	return fmt.Sprintf("%d-%d", ts.UnixMilli(), seq)
}

// compareStreamID orders two stream IDs numerically by (ms, seq), since a
// naive string compare breaks once the millisecond component changes width.
func compareStreamID(a, b string) int {
	am, aseq := splitStreamID(a)
	bm, bseq := splitStreamID(b)
	if am != bm {
		if am < bm {
			return -1
		}
		return 1
	}
	switch {
	case aseq < bseq:
		return -1
	case aseq > bseq:
		return 1
	default:
		return 0
	}
}

func splitStreamID(id string) (int64, uint64) {
	parts := strings.SplitN(id, "-", 2)
	if len(parts) != 2 {
		return 0, 0
	}
	ms, _ := strconv.ParseInt(parts[0], 10, 64)
	seq, _ := strconv.ParseUint(parts[1], 10, 64)
	return ms, seq
}

func (b *MemoryBackend) Append(ctx context.Context, topic string, msg message.Message) (message.Message, *apierr.Error) {
	log := b.logFor(topic)
	log.mu.Lock()
	defer log.mu.Unlock()

	if msg.MessageID == "" {
		msg.MessageID = message.GenerateID()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = b.now().UTC()
	}
	log.seq++
	msg.StreamID = streamID(b.now(), log.seq)
	log.messages = append(log.messages, msg.Clone())

	if b.maxLen > 0 && int64(len(log.messages)) > b.maxLen {
		drop := int64(len(log.messages)) - b.maxLen
		log.messages = log.messages[drop:]
	}
	return msg, nil
}

func (b *MemoryBackend) ReadSince(ctx context.Context, topic string, since string, maxCount int) ([]message.Message, *apierr.Error) {
	log := b.logFor(topic)
	log.mu.Lock()
	defer log.mu.Unlock()

	if maxCount <= 0 {
		maxCount = len(log.messages)
	}
	out := make([]message.Message, 0, maxCount)
	for _, m := range log.messages {
		if since != "" && compareStreamID(m.StreamID, since) <= 0 {
			continue
		}
		out = append(out, m.Clone())
		if len(out) >= maxCount {
			break
		}
	}
	return out, nil
}

func (b *MemoryBackend) Length(ctx context.Context, topic string) (int64, *apierr.Error) {
	log := b.logFor(topic)
	log.mu.Lock()
	defer log.mu.Unlock()
	return int64(len(log.messages)), nil
}

func (b *MemoryBackend) Trim(ctx context.Context, topic string, policy TrimPolicy) {
	log := b.logFor(topic)
	log.mu.Lock()
	defer log.mu.Unlock()

	if policy.MaxLen > 0 {
		if int64(len(log.messages)) > policy.MaxLen {
			drop := int64(len(log.messages)) - policy.MaxLen
			log.messages = log.messages[drop:]
		}
		return
	}
	if policy.MinStreamID != "" {
		cut := 0
		for cut < len(log.messages) && compareStreamID(log.messages[cut].StreamID, policy.MinStreamID) < 0 {
			cut++
		}
		log.messages = log.messages[cut:]
	}
}

func (b *MemoryBackend) TopicExists(ctx context.Context, topic string) (bool, *apierr.Error) {
	b.mu.Lock()
	log, ok := b.logs[topic]
	b.mu.Unlock()
	if !ok {
		return false, nil
	}
	// Reads also create an (empty) log entry, so only an append counts.
	log.mu.Lock()
	defer log.mu.Unlock()
	return log.seq > 0, nil
}
