/**
 * @description
 * Outbound message delivery. Callers never see delivery failures: the outbox
 * notifier persists a message event and the OutboxDispatcher publishes it to
 * RabbitMQ in the background, where the messaging provider consumes it.
 */
package app

import (
	"context"
	"log/slog"

	"github.com/stokvel/stokvel-service/internal/domain"
)

// Notifier delivers a text message to a phone number.
type Notifier interface {
	Notify(ctx context.Context, to, body string)
}

// OutboxEnqueuer is the slice of the repository the outbox notifier needs.
type OutboxEnqueuer interface {
	EnqueueOutboxMessage(ctx context.Context, exchange, routingKey string, payload interface{}) error
}

// OutboxNotifier writes notification events to the event outbox.
type OutboxNotifier struct {
	repo       OutboxEnqueuer
	exchange   string
	routingKey string
	clock      Clock
	logger     *slog.Logger
}

// NewOutboxNotifier creates a Notifier backed by the event outbox.
func NewOutboxNotifier(repo OutboxEnqueuer, exchange, routingKey string, clock Clock, logger *slog.Logger) *OutboxNotifier {
	return &OutboxNotifier{
		repo:       repo,
		exchange:   exchange,
		routingKey: routingKey,
		clock:      clock,
		logger:     logger,
	}
}

// Notify enqueues the message. Failures are logged, never returned.
func (n *OutboxNotifier) Notify(ctx context.Context, to, body string) {
	phone, err := domain.CanonicalPhone(to)
	if err != nil {
		n.logger.Warn("dropping notification to invalid phone number", "to", to, "error", err)
		return
	}
	msg := domain.NotificationMessage{To: phone, Body: body, CreatedAt: n.clock.Now()}
	if err := n.repo.EnqueueOutboxMessage(ctx, n.exchange, n.routingKey, msg); err != nil {
		n.logger.Error("failed to enqueue notification", "to", phone, "error", err)
	}
}

// LogNotifier only logs messages. Used by the tick command, where nothing consumes the outbox.
type LogNotifier struct {
	Logger *slog.Logger
}

func (n LogNotifier) Notify(_ context.Context, to, body string) {
	n.Logger.Info("notification", "to", to, "body", body)
}
