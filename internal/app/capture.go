package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/groble/settlement-service/internal/domain"
	"github.com/groble/settlement-service/internal/metrics"
	"github.com/groble/settlement-service/internal/store"
)

// CaptureResult reports whether a purchase produced a new settlement item.
type CaptureResult struct {
	Item    domain.SettlementItem `json:"item"`
	Created bool                  `json:"created"`
}

func validateCompleted(event domain.PurchaseCompletedEvent) error {
	switch {
	case event.PurchaseID <= 0:
		return domain.Validation("purchaseId must be positive")
	case event.SellerID <= 0:
		return domain.Validation("sellerId must be positive")
	case event.SalesAmount.IsNegative():
		return domain.Validation("salesAmount must not be negative")
	case !event.SalesAmount.Equal(event.SalesAmount.Truncate(0)):
		return domain.Validation("salesAmount must be a whole won amount")
	case event.PurchasedAt.IsZero():
		return domain.Validation("purchasedAt is required")
	}
	return nil
}

// CapturePurchase records the settlement item of a completed purchase with the
// fee snapshot effective at purchase time. Re-delivery of the same purchase
// returns the stored item unchanged.
func (s *Service) CapturePurchase(ctx context.Context, event domain.PurchaseCompletedEvent) (*CaptureResult, error) {
	if err := validateCompleted(event); err != nil {
		return nil, err
	}

	existing, err := s.repo.GetSettlementItemByPurchaseID(ctx, event.PurchaseID)
	if err == nil {
		metrics.RecordItemCaptured("duplicate")
		return &CaptureResult{Item: *existing}, nil
	}
	if !errors.Is(err, store.ErrItemNotFound) {
		return nil, domain.Internal("lookup settlement item", err)
	}

	snapshot, err := s.ResolveForSeller(ctx, event.SellerID, event.PurchasedAt)
	if err != nil {
		return nil, err
	}
	snapshot.CapturedAt = s.now()

	amounts := domain.ComputeItemAmounts(event.SalesAmount, snapshot)
	item := domain.SettlementItem{
		PurchaseID:       event.PurchaseID,
		SellerID:         event.SellerID,
		ContentType:      event.ContentType,
		Cycle:            domain.CycleFor(event.ContentType),
		SalesAmount:      event.SalesAmount,
		Snapshot:         snapshot,
		PlatformFee:      amounts.PlatformFee,
		PgFee:            amounts.PgFee,
		VatAmount:        amounts.VatAmount,
		SettlementAmount: amounts.SettlementAmount,
		PurchasedAt:      event.PurchasedAt,
	}

	created, err := s.repo.CreateSettlementItem(ctx, item)
	if errors.Is(err, store.ErrDuplicatePurchase) {
		stored, lookupErr := s.repo.GetSettlementItemByPurchaseID(ctx, event.PurchaseID)
		if lookupErr != nil {
			return nil, domain.Internal("lookup settlement item after duplicate", lookupErr)
		}
		metrics.RecordItemCaptured("duplicate")
		return &CaptureResult{Item: *stored}, nil
	}
	if err != nil {
		return nil, domain.Internal("create settlement item", err)
	}

	metrics.RecordItemCaptured("created")
	s.logger.Info("settlement item captured",
		"purchase_id", created.PurchaseID,
		"seller_id", created.SellerID,
		"cycle", created.Cycle,
		"settlement_amount", created.SettlementAmount.String(),
	)
	return &CaptureResult{Item: *created, Created: true}, nil
}

// RecordRefund marks the purchase's item refunded. Totals of a settlement that
// has not reached a terminal state are recomputed in the same transaction.
func (s *Service) RecordRefund(ctx context.Context, event domain.PurchaseRefundedEvent) (*domain.SettlementItem, error) {
	if event.PurchaseID <= 0 {
		return nil, domain.Validation("purchaseId must be positive")
	}
	refundedAt := event.RefundedAt
	if refundedAt.IsZero() {
		refundedAt = s.now()
	}

	var item *domain.SettlementItem
	err := s.repo.WithTransaction(ctx, func(tx store.Repository) error {
		updated, changed, err := tx.MarkItemRefunded(ctx, event.PurchaseID, refundedAt)
		if err != nil {
			return translateStoreError(err, "purchase", event.PurchaseID)
		}
		item = updated
		if !changed || updated.SettlementID == nil {
			return nil
		}
		return s.recomputeAfterRefund(ctx, tx, *updated.SettlementID, updated.PurchaseID)
	})
	if err != nil {
		return nil, err
	}
	return item, nil
}

func (s *Service) recomputeAfterRefund(ctx context.Context, tx store.Repository, settlementID, purchaseID int64) error {
	settlement, err := tx.GetSettlementForUpdate(ctx, settlementID)
	if err != nil {
		return translateStoreError(err, "settlement", settlementID)
	}
	if settlement.Status.IsTerminal() {
		s.logger.Warn("refund received for item of a closed settlement",
			"settlement_id", settlementID,
			"purchase_id", purchaseID,
			"status", settlement.Status,
		)
		return nil
	}

	// the provider is paying the requested amount; re-approval recomputes if it fails
	open, err := tx.GetOpenPayoutTransfer(ctx, settlementID)
	if err == nil {
		reason := fmt.Sprintf("purchase %d refunded while payout transfer %d for %s is in flight; totals frozen",
			purchaseID, open.ID, open.RequestedAmount.String())
		s.logger.Warn("refund received during payout; possible overpayment",
			"settlement_id", settlementID,
			"purchase_id", purchaseID,
			"payout_transfer_id", open.ID,
			"requested_amount", open.RequestedAmount.String(),
		)
		return tx.InsertStatusHistory(ctx, domain.SettlementStatusHistory{
			SettlementID: settlementID,
			FromStatus:   settlement.Status,
			ToStatus:     settlement.Status,
			Actor:        actorRefund,
			Reason:       &reason,
			CreatedAt:    s.now(),
		})
	}
	if !errors.Is(err, store.ErrPayoutTransferNotFound) {
		return err
	}

	_, err = recomputeTotals(ctx, tx, settlementID)
	return err
}

// recomputeTotals rewrites the settlement totals from its non-refunded items.
func recomputeTotals(ctx context.Context, tx store.Repository, settlementID int64) (domain.SettlementTotals, error) {
	items, err := tx.ListItemsBySettlement(ctx, settlementID)
	if err != nil {
		return domain.SettlementTotals{}, fmt.Errorf("list settlement items: %w", err)
	}
	totals := domain.TotalsOf(items)
	if err := tx.UpdateSettlementTotals(ctx, settlementID, totals); err != nil {
		return domain.SettlementTotals{}, fmt.Errorf("update settlement totals: %w", err)
	}
	return totals, nil
}
