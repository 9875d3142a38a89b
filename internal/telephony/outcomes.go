package telephony

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const outcomeChannel = "telephony:outcomes"

// Call outcome statuses reported by the provider webhook.
const (
	OutcomeCompleted = "completed"
	OutcomeFailed    = "failed"
)

// Outcome is the terminal result of one placed call.
type Outcome struct {
	CallReference string `json:"call_reference"`
	Status        string `json:"status"`
	Detail        string `json:"detail,omitempty"`
}

// OutcomeBus carries call outcomes from the API process (which receives
// the provider webhook) to whichever worker placed the call, over a Redis
// pub/sub channel. Outcomes that arrive before the worker registers its
// waiter are buffered briefly, closing the race between PlaceCall
// returning and Await being called.
type OutcomeBus struct {
	client *redis.Client
	logger *zap.Logger

	mu      sync.Mutex
	waiters map[string]chan Outcome
	early   map[string]timedOutcome
}

type timedOutcome struct {
	outcome Outcome
	at      time.Time
}

const earlyOutcomeTTL = 5 * time.Minute

// NewOutcomeBus constructs a bus over the given Redis client.
func NewOutcomeBus(client *redis.Client, logger *zap.Logger) *OutcomeBus {
	return &OutcomeBus{
		client:  client,
		logger:  logger,
		waiters: make(map[string]chan Outcome),
		early:   make(map[string]timedOutcome),
	}
}

// Publish broadcasts a call outcome to all subscribed workers.
func (b *OutcomeBus) Publish(ctx context.Context, o Outcome) error {
	payload, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("marshal outcome: %w", err)
	}
	if err := b.client.Publish(ctx, outcomeChannel, payload).Err(); err != nil {
		return fmt.Errorf("publish outcome: %w", err)
	}
	return nil
}

// Listen subscribes to the outcome channel and routes messages to
// registered waiters until the context is cancelled.
func (b *OutcomeBus) Listen(ctx context.Context) error {
	sub := b.client.Subscribe(ctx, outcomeChannel)
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var o Outcome
			if err := json.Unmarshal([]byte(msg.Payload), &o); err != nil {
				b.logger.Warn("dropping malformed outcome message", zap.Error(err))
				continue
			}
			b.dispatch(o)
		}
	}
}

// Await registers interest in one call reference. The returned channel
// receives at most one outcome; the cancel func must be called when the
// caller stops waiting.
func (b *OutcomeBus) Await(callRef string) (<-chan Outcome, func()) {
	ch := make(chan Outcome, 1)

	b.mu.Lock()
	if buffered, ok := b.early[callRef]; ok {
		delete(b.early, callRef)
		b.mu.Unlock()
		ch <- buffered.outcome
		return ch, func() {}
	}
	b.waiters[callRef] = ch
	b.mu.Unlock()

	return ch, func() {
		b.mu.Lock()
		delete(b.waiters, callRef)
		b.mu.Unlock()
	}
}

func (b *OutcomeBus) dispatch(o Outcome) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch, ok := b.waiters[o.CallReference]; ok {
		delete(b.waiters, o.CallReference)
		ch <- o
		return
	}

	now := time.Now()
	for ref, buffered := range b.early {
		if now.Sub(buffered.at) > earlyOutcomeTTL {
			delete(b.early, ref)
		}
	}
	b.early[o.CallReference] = timedOutcome{outcome: o, at: now}
}
