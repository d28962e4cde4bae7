/**
 * @description
 * In-process event bus owned by the wiring layer. Core components publish
 * domain events; subscribers (the AMQP forwarder, notification hooks) are
 * registered in main. Handlers run synchronously in registration order and a
 * failing handler never fails the publisher.
 *
 * @dependencies
 * - pkg/rabbitmq: forwards events to a topic exchange.
 */
package events

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/transfa/ach-service/internal/domain"
	"github.com/transfa/ach-service/pkg/rabbitmq"
)

// Wildcard subscribes a handler to every event type.
const Wildcard = "*"

// Handler reacts to one event.
type Handler func(ctx context.Context, event domain.Event) error

// Bus dispatches events to subscribers.
type Bus struct {
	mu       sync.RWMutex
	handlers map[string][]Handler
	logger   *slog.Logger
	now      func() time.Time
}

func NewBus(logger *slog.Logger) *Bus {
	return &Bus{handlers: make(map[string][]Handler), logger: logger, now: time.Now}
}

// Subscribe registers h for eventType, or for every event with Wildcard.
func (b *Bus) Subscribe(eventType string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[eventType] = append(b.handlers[eventType], h)
}

// Publish implements domain.EventPublisher.
func (b *Bus) Publish(ctx context.Context, event domain.Event) {
	if event.OccurredAt.IsZero() {
		event.OccurredAt = b.now().UTC()
	}

	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.handlers[event.Type])+len(b.handlers[Wildcard]))
	handlers = append(handlers, b.handlers[event.Type]...)
	handlers = append(handlers, b.handlers[Wildcard]...)
	b.mu.RUnlock()

	for _, h := range handlers {
		if err := h(ctx, event); err != nil {
			b.logger.Warn("event handler failed", "event_type", event.Type, "subject_id", event.SubjectID, "error", err)
		}
	}
}

// Forwarder returns a handler that republishes events to exchange with the
// event type as routing key.
func Forwarder(publisher rabbitmq.Publisher, exchange string) Handler {
	return func(ctx context.Context, event domain.Event) error {
		return publisher.Publish(ctx, exchange, event.Type, event)
	}
}
