package app

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/groble/settlement-service/internal/domain"
)

const consumerTimeout = 15 * time.Second

// PurchaseEventConsumer captures settlement items from purchase events.
// Handlers return true to ack and false to requeue.
type PurchaseEventConsumer struct {
	svc    *Service
	logger *slog.Logger
}

func NewPurchaseEventConsumer(svc *Service) *PurchaseEventConsumer {
	return &PurchaseEventConsumer{svc: svc, logger: svc.logger.With("component", "purchase-consumer")}
}

// PurchaseEventConsumer returns the consumer bound to this service.
func (s *Service) PurchaseEventConsumer() *PurchaseEventConsumer {
	return NewPurchaseEventConsumer(s)
}

// Bindings maps routing keys to handlers.
func (c *PurchaseEventConsumer) Bindings() map[string]func([]byte) bool {
	return map[string]func([]byte) bool{
		domain.RoutingKeyPurchaseCompleted: c.HandleCompleted,
		domain.RoutingKeyPurchaseRefunded:  c.HandleRefunded,
	}
}

func (c *PurchaseEventConsumer) HandleCompleted(body []byte) bool {
	var event domain.PurchaseCompletedEvent
	if err := json.Unmarshal(body, &event); err != nil {
		c.logger.Warn("failed to unmarshal purchase completed payload", "error", err)
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), consumerTimeout)
	defer cancel()

	result, err := c.svc.CapturePurchase(ctx, event)
	if err != nil {
		return c.ackable(err, "purchase_id", event.PurchaseID)
	}
	if !result.Created {
		c.logger.Info("purchase already captured; acknowledging", "purchase_id", event.PurchaseID)
	}
	return true
}

func (c *PurchaseEventConsumer) HandleRefunded(body []byte) bool {
	var event domain.PurchaseRefundedEvent
	if err := json.Unmarshal(body, &event); err != nil {
		c.logger.Warn("failed to unmarshal purchase refunded payload", "error", err)
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), consumerTimeout)
	defer cancel()

	if _, err := c.svc.RecordRefund(ctx, event); err != nil {
		return c.ackable(err, "purchase_id", event.PurchaseID)
	}
	return true
}

// ackable drops messages that can never succeed and requeues the rest.
func (c *PurchaseEventConsumer) ackable(err error, args ...any) bool {
	args = append(args, "error", err)
	switch domain.KindOf(err) {
	case domain.KindValidation, domain.KindDuplicate:
		c.logger.Warn("dropping unprocessable purchase event", args...)
		return true
	case domain.KindNotFound:
		c.logger.Warn("purchase event references unknown item; acknowledging", args...)
		return true
	default:
		c.logger.Error("purchase event processing failed; requeueing", args...)
		return false
	}
}
