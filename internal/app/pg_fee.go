package app

import (
	"context"

	"github.com/groble/settlement-service/internal/domain"
	"github.com/groble/settlement-service/internal/money"
	"github.com/shopspring/decimal"
)

// PgFeeAdjustment is the per-item gap between the charged and the displayed PG fee.
type PgFeeAdjustment struct {
	ItemID              int64           `json:"itemId"`
	PurchaseID          int64           `json:"purchaseId"`
	SalesAmount         decimal.Decimal `json:"salesAmount"`
	PgFeeApplied        decimal.Decimal `json:"pgFeeApplied"`
	PgFeeDisplay        decimal.Decimal `json:"pgFeeDisplay"`
	PgFeeBaseline       decimal.Decimal `json:"pgFeeBaseline"`
	PgFeeDifference     decimal.Decimal `json:"pgFeeDifference"`
	VatDifference       decimal.Decimal `json:"vatDifference"`
	PgFeeRefundExpected decimal.Decimal `json:"pgFeeRefundExpected"`
}

// PgFeeAdjustmentSummary sums the adjustments of a settlement's non-refunded items.
type PgFeeAdjustmentSummary struct {
	SettlementID        int64                   `json:"settlementId"`
	SellerID            int64                   `json:"sellerId"`
	Status              domain.SettlementStatus `json:"status"`
	PgFeeApplied        decimal.Decimal         `json:"pgFeeApplied"`
	PgFeeDisplay        decimal.Decimal         `json:"pgFeeDisplay"`
	PgFeeBaseline       decimal.Decimal         `json:"pgFeeBaseline"`
	PgFeeDifference     decimal.Decimal         `json:"pgFeeDifference"`
	VatDifference       decimal.Decimal         `json:"vatDifference"`
	PgFeeRefundExpected decimal.Decimal         `json:"pgFeeRefundExpected"`
	Items               []PgFeeAdjustment       `json:"items"`
}

// ComputePgFeeAdjustment derives the adjustment from the item's stored snapshot.
func ComputePgFeeAdjustment(item domain.SettlementItem) PgFeeAdjustment {
	snap := item.Snapshot
	applied := money.CalculateFeeInWon(item.SalesAmount, snap.PgFeeRateApplied)
	display := money.CalculateFeeInWon(item.SalesAmount, snap.PgFeeRateDisplay)
	baseline := money.CalculateFeeInWon(item.SalesAmount, snap.PgFeeRateBaseline)

	feeDiff := applied.Sub(display)
	vatDiff := money.CalculateFeeInWon(applied, snap.VatRate).Sub(money.CalculateFeeInWon(display, snap.VatRate))

	return PgFeeAdjustment{
		ItemID:              item.ID,
		PurchaseID:          item.PurchaseID,
		SalesAmount:         item.SalesAmount,
		PgFeeApplied:        applied,
		PgFeeDisplay:        display,
		PgFeeBaseline:       baseline,
		PgFeeDifference:     feeDiff,
		VatDifference:       vatDiff,
		PgFeeRefundExpected: feeDiff.Add(vatDiff),
	}
}

// GetPgFeeAdjustments reports the PG fee reconciliation figures of a settlement.
// It never changes settlement state.
func (s *Service) GetPgFeeAdjustments(ctx context.Context, settlementID int64) (*PgFeeAdjustmentSummary, error) {
	settlement, err := s.GetSettlement(ctx, settlementID)
	if err != nil {
		return nil, err
	}
	items, err := s.repo.ListItemsBySettlement(ctx, settlementID)
	if err != nil {
		return nil, domain.Internal("list settlement items", err)
	}

	summary := &PgFeeAdjustmentSummary{
		SettlementID:        settlement.ID,
		SellerID:            settlement.SellerID,
		Status:              settlement.Status,
		PgFeeApplied:        decimal.Zero,
		PgFeeDisplay:        decimal.Zero,
		PgFeeBaseline:       decimal.Zero,
		PgFeeDifference:     decimal.Zero,
		VatDifference:       decimal.Zero,
		PgFeeRefundExpected: decimal.Zero,
		Items:               []PgFeeAdjustment{},
	}
	for _, item := range items {
		if item.Refunded {
			continue
		}
		adj := ComputePgFeeAdjustment(item)
		summary.PgFeeApplied = summary.PgFeeApplied.Add(adj.PgFeeApplied)
		summary.PgFeeDisplay = summary.PgFeeDisplay.Add(adj.PgFeeDisplay)
		summary.PgFeeBaseline = summary.PgFeeBaseline.Add(adj.PgFeeBaseline)
		summary.PgFeeDifference = summary.PgFeeDifference.Add(adj.PgFeeDifference)
		summary.VatDifference = summary.VatDifference.Add(adj.VatDifference)
		summary.PgFeeRefundExpected = summary.PgFeeRefundExpected.Add(adj.PgFeeRefundExpected)
		summary.Items = append(summary.Items, adj)
	}
	return summary, nil
}
