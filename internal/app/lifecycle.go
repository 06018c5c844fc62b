package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/groble/settlement-service/internal/domain"
	"github.com/groble/settlement-service/internal/metrics"
	"github.com/groble/settlement-service/internal/store"
)

const (
	actorScheduler = "scheduler"
	actorWebhook   = "webhook"
	actorRefund    = "refund"
)

func adminActor(adminUserID int64) string {
	return fmt.Sprintf("admin:%d", adminUserID)
}

// transition moves settlement to the target state inside tx. The stored status
// must still equal settlement.Status; otherwise store.ErrStatusConflict is returned.
func (s *Service) transition(
	ctx context.Context,
	tx store.Repository,
	settlement *domain.Settlement,
	to domain.SettlementStatus,
	actor string,
	reason *string,
	at time.Time,
) (*domain.Settlement, *domain.SettlementStatusChangedEvent, error) {
	from := settlement.Status
	if err := domain.CheckTransition(from, to); err != nil {
		return nil, nil, err
	}

	params := store.UpdateStatusParams{
		SettlementID: settlement.ID,
		From:         []domain.SettlementStatus{from},
		To:           to,
		At:           at,
	}
	if to == domain.StatusOnHold {
		params.HoldReason = reason
	}
	if to == domain.StatusCompleted {
		params.CompletedAt = &at
	}

	updated, err := tx.UpdateSettlementStatus(ctx, params)
	if err != nil {
		return nil, nil, err
	}

	if err := tx.InsertStatusHistory(ctx, domain.SettlementStatusHistory{
		SettlementID: settlement.ID,
		FromStatus:   from,
		ToStatus:     to,
		Actor:        actor,
		Reason:       reason,
		CreatedAt:    at,
	}); err != nil {
		return nil, nil, fmt.Errorf("insert status history: %w", err)
	}

	if to == domain.StatusCancelled {
		if _, err := tx.CancelOpenPayoutTransfers(ctx, settlement.ID, at); err != nil {
			return nil, nil, fmt.Errorf("cancel open payout transfers: %w", err)
		}
	}

	event := &domain.SettlementStatusChangedEvent{
		SettlementID:     updated.ID,
		SellerID:         updated.SellerID,
		FromStatus:       from,
		ToStatus:         to,
		SettlementAmount: updated.SettlementAmount,
		Reason:           reason,
		OccurredAt:       at,
	}
	return updated, event, nil
}

// emitTransitions publishes committed transitions. Delivery failures are only logged.
func (s *Service) emitTransitions(ctx context.Context, events ...*domain.SettlementStatusChangedEvent) {
	for _, event := range events {
		if event == nil {
			continue
		}
		metrics.RecordStatusTransition(string(event.FromStatus), string(event.ToStatus))
		s.logger.Info("settlement status changed",
			"settlement_id", event.SettlementID,
			"seller_id", event.SellerID,
			"from", event.FromStatus,
			"to", event.ToStatus,
		)
		s.publishEvent(ctx, domain.RoutingKeySettlementStatusChanged, event)
	}
}

// AdminTransitionInput is an operator request to hold, retry or cancel.
type AdminTransitionInput struct {
	SettlementID int64
	AdminUserID  int64
	Reason       string
}

func (in AdminTransitionInput) validate() error {
	if in.SettlementID <= 0 {
		return domain.Validation("settlementId must be positive")
	}
	if in.AdminUserID <= 0 {
		return domain.Validation("adminUserId must be positive")
	}
	return nil
}

// HoldSettlement moves a PROCESSING settlement to ON_HOLD for manual review.
func (s *Service) HoldSettlement(ctx context.Context, in AdminTransitionInput) (*domain.Settlement, error) {
	return s.adminTransition(ctx, in, domain.StatusOnHold)
}

// RetrySettlement returns an ON_HOLD settlement to PROCESSING.
func (s *Service) RetrySettlement(ctx context.Context, in AdminTransitionInput) (*domain.Settlement, error) {
	return s.adminTransition(ctx, in, domain.StatusProcessing)
}

// CancelSettlement cancels a PROCESSING or ON_HOLD settlement and voids any
// open payout transfer. Cancelling an already cancelled settlement is a no-op.
func (s *Service) CancelSettlement(ctx context.Context, in AdminTransitionInput) (*domain.Settlement, error) {
	return s.adminTransition(ctx, in, domain.StatusCancelled)
}

func (s *Service) adminTransition(ctx context.Context, in AdminTransitionInput, to domain.SettlementStatus) (*domain.Settlement, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}
	reason := optionalString(strings.TrimSpace(in.Reason))
	now := s.now()

	var result *domain.Settlement
	var event *domain.SettlementStatusChangedEvent
	err := s.repo.WithTransaction(ctx, func(tx store.Repository) error {
		current, err := tx.GetSettlementForUpdate(ctx, in.SettlementID)
		if err != nil {
			return translateStoreError(err, "settlement", in.SettlementID)
		}

		if to == domain.StatusCancelled && current.Status == domain.StatusCancelled {
			s.logger.Info("settlement already cancelled", "settlement_id", current.ID)
			result = current
			return nil
		}

		result, event, err = s.transition(ctx, tx, current, to, adminActor(in.AdminUserID), reason, now)
		if errors.Is(err, store.ErrStatusConflict) {
			return translateStoreError(err, "settlement", in.SettlementID)
		}
		return err
	})
	if err != nil {
		return nil, err
	}

	s.emitTransitions(ctx, event)
	return result, nil
}

// ClosePeriodsResult summarizes a period-close run.
type ClosePeriodsResult struct {
	Evaluated    int `json:"evaluated"`
	Transitioned int `json:"transitioned"`
	Skipped      int `json:"skipped"`
	Failed       int `json:"failed"`
}

// ClosePeriods moves PENDING settlements whose period has ended to PROCESSING.
func (s *Service) ClosePeriods(ctx context.Context, now time.Time) (*ClosePeriodsResult, error) {
	if now.IsZero() {
		now = s.now()
	}

	pending, err := s.repo.ListPendingSettlementsEndedBy(ctx, now)
	if err != nil {
		return nil, domain.Internal("list pending settlements", err)
	}

	result := &ClosePeriodsResult{Evaluated: len(pending)}
	for _, candidate := range pending {
		var event *domain.SettlementStatusChangedEvent
		err := s.repo.WithTransaction(ctx, func(tx store.Repository) error {
			current, err := tx.GetSettlementForUpdate(ctx, candidate.ID)
			if err != nil {
				return err
			}
			if current.Status != domain.StatusPending {
				return store.ErrStatusConflict
			}
			_, event, err = s.transition(ctx, tx, current, domain.StatusProcessing, actorScheduler, nil, now)
			return err
		})

		switch {
		case err == nil:
			result.Transitioned++
			s.emitTransitions(ctx, event)
		case errors.Is(err, store.ErrStatusConflict):
			result.Skipped++
		default:
			result.Failed++
			s.logger.Error("failed to close settlement period", "settlement_id", candidate.ID, "error", err)
		}
	}

	s.logger.Info("period close run finished",
		"evaluated", result.Evaluated,
		"transitioned", result.Transitioned,
		"skipped", result.Skipped,
		"failed", result.Failed,
	)
	return result, nil
}
