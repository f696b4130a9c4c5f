// Package eventbus defines pub/sub interfaces for mutation events.
package eventbus

import (
	"context"
	"io"
	"log"

	"github.com/coachpo/catalogsync/internal/domain/schema"
)

// SubscriptionID uniquely identifies a bus subscription.
type SubscriptionID string

// Bus delivers mutation events to interested subscribers.
//
// Publish never blocks on a subscriber. A subscriber that cannot keep up is evicted:
// its channel is closed and it receives nothing further. Per-subscriber delivery order
// matches the order of Publish calls when those calls are serialized by the caller.
type Bus interface {
	Publish(ctx context.Context, evt schema.Event) error
	Subscribe(ctx context.Context, kinds ...schema.EventKind) (SubscriptionID, <-chan schema.Event, error)
	Unsubscribe(id SubscriptionID)
	Subscribers() int
	Close()
}

// MemoryConfig configures the in-memory bus buffers.
type MemoryConfig struct {
	BufferSize    int
	FanoutWorkers int
	// OnEvict is called after a subscriber has been evicted for falling behind.
	OnEvict func(id SubscriptionID)
	Logger  *log.Logger
}

func (c MemoryConfig) normalize() MemoryConfig {
	if c.BufferSize <= 0 {
		c.BufferSize = 64
	}
	if c.FanoutWorkers <= 0 {
		c.FanoutWorkers = 4
	}
	if c.Logger == nil {
		c.Logger = log.New(io.Discard, "", 0)
	}
	return c
}
