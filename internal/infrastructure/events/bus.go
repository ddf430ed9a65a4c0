package events

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Broadcast topics. Collaborators subscribe per topic; the engine publishes
// one typed payload per message.
const (
	TopicBlockIP            = "security.block.ip"
	TopicRequire2FA         = "security.require.2fa"
	TopicInvalidateSessions = "security.invalidate.sessions"
	TopicIncreaseMonitoring = "security.increase.monitoring"
	TopicThreatDetected     = "threat.detected"
	TopicAlert              = "security.alert"
)

// BlockIPNotice asks the enforcement collaborator to block an address.
type BlockIPNotice struct {
	IP     string `json:"ip"`
	Reason string `json:"reason"`
}

// Require2FANotice asks the 2FA prompter to challenge a user.
type Require2FANotice struct {
	UserID string `json:"user_id,omitempty"`
	Email  string `json:"email,omitempty"`
}

// InvalidateSessionsNotice asks the session collaborator to revoke sessions.
type InvalidateSessionsNotice struct {
	UserID string `json:"user_id"`
}

// IncreaseMonitoringNotice asks monitoring to watch a user or address.
type IncreaseMonitoringNotice struct {
	UserID string `json:"user_id,omitempty"`
	IP     string `json:"ip,omitempty"`
}

// Alert is the notification payload emitted for verdicts at or above HIGH.
// Transport to operators is an external concern.
type Alert struct {
	AlertType      string                 `json:"alert_type"`
	Severity       string                 `json:"severity"`
	Details        string                 `json:"details"`
	AdditionalInfo map[string]interface{} `json:"additional_info,omitempty"`
}

// Message wraps a payload for delivery.
type Message struct {
	ID          uuid.UUID   `json:"id"`
	Topic       string      `json:"topic"`
	Payload     interface{} `json:"payload"`
	PublishedAt time.Time   `json:"published_at"`
}

// Bus is an in-process multi-producer / multi-consumer broadcast. Publishing
// never blocks: a subscriber whose buffer is full misses the message, and the
// drop is counted and logged at a bounded rate. No subscribers means the
// message is dropped after the single delivery attempt.
type Bus struct {
	logger  *zap.Logger
	dropLog *rate.Limiter

	mu          sync.RWMutex
	subscribers map[string]map[uuid.UUID]chan Message

	published atomic.Int64
	delivered atomic.Int64
	dropped   atomic.Int64
}

// DefaultSubscriberBuffer is the channel depth used when a subscriber
// passes a non-positive buffer size.
const DefaultSubscriberBuffer = 64

// NewBus creates a broadcast bus. Drop warnings are limited to one per
// second so a stuck consumer cannot flood the log.
func NewBus(logger *zap.Logger) *Bus {
	return &Bus{
		logger:      logger,
		dropLog:     rate.NewLimiter(rate.Every(time.Second), 1),
		subscribers: make(map[string]map[uuid.UUID]chan Message),
	}
}

// Subscribe registers a consumer for a topic and returns its channel plus an
// unsubscribe function. The channel is closed on unsubscribe.
func (b *Bus) Subscribe(topic string, buffer int) (<-chan Message, func()) {
	if buffer <= 0 {
		buffer = DefaultSubscriberBuffer
	}

	id := uuid.New()
	ch := make(chan Message, buffer)

	b.mu.Lock()
	if b.subscribers[topic] == nil {
		b.subscribers[topic] = make(map[uuid.UUID]chan Message)
	}
	b.subscribers[topic][id] = ch
	b.mu.Unlock()

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			b.mu.Lock()
			if subs, ok := b.subscribers[topic]; ok {
				delete(subs, id)
				if len(subs) == 0 {
					delete(b.subscribers, topic)
				}
			}
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, unsubscribe
}

// Publish delivers the payload to every current subscriber of the topic,
// one non-blocking attempt each.
func (b *Bus) Publish(topic string, payload interface{}) {
	msg := Message{
		ID:          uuid.New(),
		Topic:       topic,
		Payload:     payload,
		PublishedAt: time.Now().UTC(),
	}
	b.published.Add(1)

	b.mu.RLock()
	subs := b.subscribers[topic]
	channels := make([]chan Message, 0, len(subs))
	for _, ch := range subs {
		channels = append(channels, ch)
	}
	b.mu.RUnlock()

	if len(channels) == 0 {
		b.dropped.Add(1)
		if b.dropLog.Allow() {
			b.logger.Debug("broadcast dropped, no subscribers",
				zap.String("topic", topic))
		}
		return
	}

	for _, ch := range channels {
		select {
		case ch <- msg:
			b.delivered.Add(1)
		default:
			b.dropped.Add(1)
			if b.dropLog.Allow() {
				b.logger.Warn("broadcast dropped, subscriber buffer full",
					zap.String("topic", topic))
			}
		}
	}
}

// Stats reports publish/delivery/drop totals.
func (b *Bus) Stats() map[string]int64 {
	return map[string]int64{
		"published": b.published.Load(),
		"delivered": b.delivered.Load(),
		"dropped":   b.dropped.Load(),
	}
}
