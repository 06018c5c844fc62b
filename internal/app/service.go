/**
 * @description
 * Core settlement logic: fee capture, aggregation, lifecycle, approval and
 * provider reconciliation.
 */
package app

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/groble/settlement-service/internal/domain"
	"github.com/groble/settlement-service/internal/store"
	"github.com/shopspring/decimal"
)

// PayoutRequest is one transfer sent to the payment provider.
type PayoutRequest struct {
	SettlementID int64
	SellerID     int64
	BillingKey   string
	Amount       decimal.Decimal
	DistinctKey  string
	PrintContent string
}

// PayoutRegistration identifies a transfer the provider accepted but has not
// yet executed.
type PayoutRegistration struct {
	GroupKey      string
	BillingTranID string
	APITranID     string
}

// PayoutResult is the provider's synchronous acknowledgement. The money is
// only confirmed by the later webhook.
type PayoutResult struct {
	BillingTranID string
	APITranID     string
	ResultCode    string
	Message       string
}

// ErrPayoutRejected wraps a definitive refusal by the provider. Other errors
// from ExecuteTransfer leave the outcome unknown.
var ErrPayoutRejected = errors.New("payout rejected by provider")

// PayoutClient requests seller transfers from the payment provider. A transfer
// is registered first and executed second so the caller can store the
// registration before the result webhook can arrive.
type PayoutClient interface {
	RegisterTransfer(ctx context.Context, req PayoutRequest) (*PayoutRegistration, error)
	ExecuteTransfer(ctx context.Context, reg PayoutRegistration) (*PayoutResult, error)
}

// EventPublisher defines the interface for publishing events.
type EventPublisher interface {
	Publish(ctx context.Context, exchange, routingKey string, body interface{}) error
}

// WebhookDeduper short-circuits concurrent deliveries of the same webhook.
type WebhookDeduper interface {
	Acquire(ctx context.Context, key string) (bool, error)
	Release(ctx context.Context, key string) error
}

// Config holds the tunables of the service.
type Config struct {
	Timezone       string
	PayoutLagDays  int
	Defaults       domain.DefaultRates
	EventsExchange string
	WebhookTimeout time.Duration
}

// Dependencies are the collaborators of the service. Publisher and Deduper may be nil.
type Dependencies struct {
	Repo      store.Repository
	Payouts   PayoutClient
	Publisher EventPublisher
	Deduper   WebhookDeduper
	Logger    *slog.Logger
}

// Service provides the business logic for settlements.
type Service struct {
	repo           store.Repository
	payouts        PayoutClient
	publisher      EventPublisher
	deduper        WebhookDeduper
	logger         *slog.Logger
	loc            *time.Location
	lagDays        int
	defaults       domain.DefaultRates
	exchange       string
	webhookTimeout time.Duration
	now            func() time.Time
}

// NewService creates a new settlement service.
func NewService(deps Dependencies, cfg Config) *Service {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil || cfg.Timezone == "" {
		logger.Warn("invalid business timezone, defaulting to UTC", "timezone", cfg.Timezone)
		loc = time.UTC
	}

	exchange := cfg.EventsExchange
	if exchange == "" {
		exchange = "groble.events"
	}
	timeout := cfg.WebhookTimeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}

	return &Service{
		repo:           deps.Repo,
		payouts:        deps.Payouts,
		publisher:      deps.Publisher,
		deduper:        deps.Deduper,
		logger:         logger,
		loc:            loc,
		lagDays:        cfg.PayoutLagDays,
		defaults:       cfg.Defaults,
		exchange:       exchange,
		webhookTimeout: timeout,
		now:            time.Now,
	}
}

// Location returns the business timezone.
func (s *Service) Location() *time.Location {
	return s.loc
}

// GetSettlement returns a settlement by id.
func (s *Service) GetSettlement(ctx context.Context, id int64) (*domain.Settlement, error) {
	settlement, err := s.repo.GetSettlement(ctx, id)
	if err != nil {
		return nil, translateStoreError(err, "settlement", id)
	}
	return settlement, nil
}

// SettlementDetail is the admin view of one settlement.
type SettlementDetail struct {
	Settlement domain.Settlement                `json:"settlement"`
	Items      []domain.SettlementItem          `json:"items"`
	Payouts    []domain.PayoutTransfer          `json:"payouts"`
	History    []domain.SettlementStatusHistory `json:"history"`
}

// GetSettlementDetail loads a settlement with its items, payouts and history.
func (s *Service) GetSettlementDetail(ctx context.Context, id int64) (*SettlementDetail, error) {
	settlement, err := s.GetSettlement(ctx, id)
	if err != nil {
		return nil, err
	}

	items, err := s.repo.ListItemsBySettlement(ctx, id)
	if err != nil {
		return nil, domain.Internal("list settlement items", err)
	}
	payouts, err := s.repo.ListPayoutTransfers(ctx, id)
	if err != nil {
		return nil, domain.Internal("list payout transfers", err)
	}
	history, err := s.repo.ListStatusHistory(ctx, id)
	if err != nil {
		return nil, domain.Internal("list status history", err)
	}

	return &SettlementDetail{
		Settlement: *settlement,
		Items:      emptyIfNil(items),
		Payouts:    emptyIfNil(payouts),
		History:    emptyIfNil(history),
	}, nil
}

// ListSettlements returns settlements filtered by seller and status.
func (s *Service) ListSettlements(ctx context.Context, filter store.SettlementFilter) ([]domain.Settlement, error) {
	settlements, err := s.repo.ListSettlements(ctx, filter)
	if err != nil {
		return nil, domain.Internal("list settlements", err)
	}
	return emptyIfNil(settlements), nil
}

func emptyIfNil[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}

func (s *Service) publishEvent(ctx context.Context, routingKey string, payload interface{}) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.Publish(ctx, s.exchange, routingKey, payload); err != nil {
		s.logger.Warn("failed to publish event", "routing_key", routingKey, "error", err)
	}
}

func optionalString(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
