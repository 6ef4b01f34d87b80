package txdefer

import (
	"context"
	"fmt"
	"time"
)

// MessagePublisher defines an interface for publishing messages to an external system.
type MessagePublisher interface {
	// Publish sends a message to an external system (e.g., a message broker).
	// It is called at most once per message; failures are not retried.
	Publish(ctx context.Context, msg *Message) error
}

// PublishOption is a function that configures how a message is published.
type PublishOption func(*publishConfig)

type publishConfig struct {
	timeout time.Duration
}

// WithPublishTimeout bounds the Publish call made for a message.
// Default is 5 seconds.
func WithPublishTimeout(timeout time.Duration) PublishOption {
	return func(c *publishConfig) {
		if timeout > 0 {
			c.timeout = timeout
		}
	}
}

// Publish sends msg through pub once the current transaction commits, or right away
// when no transaction is open or msg is transaction aware or whitelisted.
//
// The context used for a deferred publish is detached from ctx cancellation, since
// ctx usually belongs to the request that has already returned by commit time.
func (c *Coordinator) Publish(ctx context.Context, pub MessagePublisher, msg *Message, opts ...PublishOption) error {
	if pub == nil {
		return ErrPublisherRequired
	}
	if msg == nil {
		return ErrMessageRequired
	}

	cfg := publishConfig{timeout: 5 * time.Second}
	for _, opt := range opts {
		opt(&cfg)
	}

	ctx = context.WithoutCancel(ctx)

	return c.Submit(msg, func() error {
		pubCtx, cancel := context.WithTimeout(ctx, cfg.timeout)
		defer cancel()

		if err := pub.Publish(pubCtx, msg); err != nil {
			return fmt.Errorf("publishing message %s (%s): %w", msg.ID, msg.Name, err)
		}
		return nil
	})
}
