// Package notify fans verification events out to interested consumers:
// level changes, method outcomes, and stuck-run alerts. Delivery is
// fire-and-forget from the engine's point of view; sinks own their retries.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Notification kinds.
const (
	KindLevelChanged    = "verification.level.changed"
	KindMethodCompleted = "verification.method.completed"
	KindMethodFailed    = "verification.method.failed"
	KindMethodExpired   = "verification.method.expired"
	KindReviewRequested = "verification.review.requested"
	KindRunStuck        = "verification.run.stuck"
)

// Sink is anything that accepts verification notifications.
type Sink interface {
	Deliver(ctx context.Context, subjectID uuid.UUID, kind string, payload map[string]interface{}) error
}

// Envelope is the CloudEvents 1.0 shape every sink emits.
type Envelope struct {
	SpecVersion string                 `json:"specversion"`
	Type        string                 `json:"type"`
	Source      string                 `json:"source"`
	ID          string                 `json:"id"`
	Time        time.Time              `json:"time"`
	Subject     string                 `json:"subject,omitempty"`
	Data        map[string]interface{} `json:"data"`
}

const envelopeSource = "/verification/engine"

// NewEnvelope wraps a notification in the CloudEvents envelope.
func NewEnvelope(subjectID uuid.UUID, kind string, payload map[string]interface{}) *Envelope {
	return &Envelope{
		SpecVersion: "1.0",
		Type:        kind,
		Source:      envelopeSource,
		ID:          uuid.NewString(),
		Time:        time.Now().UTC(),
		Subject:     subjectID.String(),
		Data:        payload,
	}
}

// JSON serializes the envelope.
func (e *Envelope) JSON() ([]byte, error) {
	return json.Marshal(e)
}

// Bus is an in-process pub/sub sink. Subscribers receive envelopes in real
// time; slow subscribers are skipped rather than blocking the engine.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string][]chan *Envelope
	allSubs     []chan *Envelope
	logger      *log.Logger
	bufferSize  int
}

func NewBus() *Bus {
	return &Bus{
		subscribers: make(map[string][]chan *Envelope),
		logger:      log.New(log.Writer(), "[NOTIFY] ", log.LstdFlags),
		bufferSize:  100,
	}
}

// Subscribe returns a channel receiving envelopes of the given kinds, or all
// envelopes when no kind is given.
func (b *Bus) Subscribe(kinds ...string) chan *Envelope {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan *Envelope, b.bufferSize)
	if len(kinds) == 0 {
		b.allSubs = append(b.allSubs, ch)
	} else {
		for _, k := range kinds {
			b.subscribers[k] = append(b.subscribers[k], ch)
		}
	}
	return ch
}

// Unsubscribe removes and closes a subscription channel.
func (b *Bus) Unsubscribe(ch chan *Envelope) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for k, subs := range b.subscribers {
		filtered := subs[:0]
		for _, s := range subs {
			if s != ch {
				filtered = append(filtered, s)
			}
		}
		b.subscribers[k] = filtered
	}
	filtered := b.allSubs[:0]
	for _, s := range b.allSubs {
		if s != ch {
			filtered = append(filtered, s)
		}
	}
	b.allSubs = filtered
	close(ch)
}

func (b *Bus) publish(env *Envelope) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subscribers[env.Type] {
		select {
		case ch <- env:
		default:
			// Subscriber buffer full, drop.
		}
	}
	for _, ch := range b.allSubs {
		select {
		case ch <- env:
		default:
		}
	}
}

func (b *Bus) Deliver(_ context.Context, subjectID uuid.UUID, kind string, payload map[string]interface{}) error {
	b.publish(NewEnvelope(subjectID, kind, payload))
	return nil
}

// SubscriberCount returns the number of live subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := len(b.allSubs)
	for _, subs := range b.subscribers {
		n += len(subs)
	}
	return n
}

var _ Sink = (*Bus)(nil)

// Multi fans one notification out to several sinks, collecting the first
// error but attempting every sink.
type Multi []Sink

func (m Multi) Deliver(ctx context.Context, subjectID uuid.UUID, kind string, payload map[string]interface{}) error {
	var firstErr error
	for _, s := range m {
		if err := s.Deliver(ctx, subjectID, kind, payload); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("notify sink: %w", err)
		}
	}
	return firstErr
}

var _ Sink = (Multi)(nil)
