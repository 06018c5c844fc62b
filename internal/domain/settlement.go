/**
 * @description
 * Settlement, settlement item and payout transfer models.
 */
package domain

import (
	"time"

	"github.com/groble/settlement-service/internal/money"
	"github.com/shopspring/decimal"
)

// ContentType is the kind of content a purchase was for.
type ContentType string

const (
	ContentTypeDocument ContentType = "DOCUMENT"
	ContentTypeCoaching ContentType = "COACHING"
)

// SettlementItem is the per-purchase line captured when a purchase completes.
type SettlementItem struct {
	ID               int64             `json:"id"`
	PurchaseID       int64             `json:"purchaseId"`
	SellerID         int64             `json:"sellerId"`
	ContentType      ContentType       `json:"contentType"`
	Cycle            SettlementCycle   `json:"cycle"`
	SalesAmount      decimal.Decimal   `json:"salesAmount"`
	Snapshot         FeePolicySnapshot `json:"feePolicySnapshot"`
	PlatformFee      decimal.Decimal   `json:"platformFee"`
	PgFee            decimal.Decimal   `json:"pgFee"`
	VatAmount        decimal.Decimal   `json:"vatAmount"`
	SettlementAmount decimal.Decimal   `json:"settlementAmount"`
	Refunded         bool              `json:"refunded"`
	RefundedAt       *time.Time        `json:"refundedAt,omitempty"`
	SettlementID     *int64            `json:"settlementId,omitempty"`
	PurchasedAt      time.Time         `json:"purchasedAt"`
	CreatedAt        time.Time         `json:"createdAt"`
}

// ItemAmounts are the fee figures derived from a sales amount and a snapshot.
type ItemAmounts struct {
	PlatformFee      decimal.Decimal
	PgFee            decimal.Decimal
	VatAmount        decimal.Decimal
	SettlementAmount decimal.Decimal
}

// ComputeItemAmounts rounds every fee individually. VAT is charged on each fee
// separately and the net amount never goes below zero.
func ComputeItemAmounts(sales decimal.Decimal, snap FeePolicySnapshot) ItemAmounts {
	platformFee := money.CalculateFeeInWon(sales, snap.PlatformFeeRateApplied)
	pgFee := money.CalculateFeeInWon(sales, snap.PgFeeRateApplied)
	vat := money.CalculateFeeInWon(platformFee, snap.VatRate).Add(money.CalculateFeeInWon(pgFee, snap.VatRate))
	net := money.NonNegative(sales.Sub(platformFee).Sub(pgFee).Sub(vat))

	return ItemAmounts{
		PlatformFee:      platformFee,
		PgFee:            pgFee,
		VatAmount:        vat,
		SettlementAmount: net,
	}
}

// Settlement is a payout batch for one seller and one period.
type Settlement struct {
	ID                      int64            `json:"id"`
	SellerID                int64            `json:"sellerId"`
	Cycle                   SettlementCycle  `json:"cycle"`
	SettlementStartDate     time.Time        `json:"settlementStartDate"`
	SettlementEndDate       time.Time        `json:"settlementEndDate"`
	ScheduledSettlementDate time.Time        `json:"scheduledSettlementDate"`
	TotalSales              decimal.Decimal  `json:"totalSales"`
	TotalPlatformFee        decimal.Decimal  `json:"totalPlatformFee"`
	TotalPgFee              decimal.Decimal  `json:"totalPgFee"`
	TotalVat                decimal.Decimal  `json:"totalVat"`
	SettlementAmount        decimal.Decimal  `json:"settlementAmount"`
	ItemCount               int              `json:"itemCount"`
	Status                  SettlementStatus `json:"status"`
	ApprovedBy              *int64           `json:"approvedBy,omitempty"`
	ApprovalReason          *string          `json:"approvalReason,omitempty"`
	ApprovedAt              *time.Time       `json:"approvedAt,omitempty"`
	CompletedAt             *time.Time       `json:"completedAt,omitempty"`
	HoldReason              *string          `json:"holdReason,omitempty"`
	CreatedAt               time.Time        `json:"createdAt"`
	UpdatedAt               time.Time        `json:"updatedAt"`
}

// SettlementTotals are the aggregate figures of a settlement.
type SettlementTotals struct {
	TotalSales       decimal.Decimal `json:"totalSales"`
	TotalPlatformFee decimal.Decimal `json:"totalPlatformFee"`
	TotalPgFee       decimal.Decimal `json:"totalPgFee"`
	TotalVat         decimal.Decimal `json:"totalVat"`
	SettlementAmount decimal.Decimal `json:"settlementAmount"`
	ItemCount        int             `json:"itemCount"`
}

// TotalsOf sums the already-rounded per-item figures of non-refunded items.
func TotalsOf(items []SettlementItem) SettlementTotals {
	t := SettlementTotals{
		TotalSales:       decimal.Zero,
		TotalPlatformFee: decimal.Zero,
		TotalPgFee:       decimal.Zero,
		TotalVat:         decimal.Zero,
		SettlementAmount: decimal.Zero,
	}
	for _, item := range items {
		if item.Refunded {
			continue
		}
		t.TotalSales = t.TotalSales.Add(item.SalesAmount)
		t.TotalPlatformFee = t.TotalPlatformFee.Add(item.PlatformFee)
		t.TotalPgFee = t.TotalPgFee.Add(item.PgFee)
		t.TotalVat = t.TotalVat.Add(item.VatAmount)
		t.SettlementAmount = t.SettlementAmount.Add(item.SettlementAmount)
		t.ItemCount++
	}
	return t
}

// ApplyTotals copies totals onto the settlement.
func (s *Settlement) ApplyTotals(t SettlementTotals) {
	s.TotalSales = t.TotalSales
	s.TotalPlatformFee = t.TotalPlatformFee
	s.TotalPgFee = t.TotalPgFee
	s.TotalVat = t.TotalVat
	s.SettlementAmount = t.SettlementAmount
	s.ItemCount = t.ItemCount
}

// PayoutTransferStatus tracks a single provider transfer request.
type PayoutTransferStatus string

const (
	PayoutRequested PayoutTransferStatus = "REQUESTED"
	PayoutSucceeded PayoutTransferStatus = "SUCCEEDED"
	PayoutFailed    PayoutTransferStatus = "FAILED"
	PayoutCancelled PayoutTransferStatus = "CANCELLED"
)

// PayoutTransfer records one transfer request sent to the payment provider.
type PayoutTransfer struct {
	ID                int64                `json:"id"`
	SettlementID      int64                `json:"settlementId"`
	BillingTranID     *string              `json:"billingTranId,omitempty"`
	APITranID         *string              `json:"apiTranId,omitempty"`
	DistinctKey       string               `json:"distinctKey"`
	RequestedAmount   decimal.Decimal      `json:"requestedAmount"`
	TransferredAmount *decimal.Decimal     `json:"transferredAmount,omitempty"`
	Status            PayoutTransferStatus `json:"status"`
	ResultCode        *string              `json:"resultCode,omitempty"`
	FailureReason     *string              `json:"failureReason,omitempty"`
	RequestedAt       time.Time            `json:"requestedAt"`
	CompletedAt       *time.Time           `json:"completedAt,omitempty"`
}

// SettlementStatusHistory is one audit row per applied transition.
type SettlementStatusHistory struct {
	ID           int64            `json:"id"`
	SettlementID int64            `json:"settlementId"`
	FromStatus   SettlementStatus `json:"fromStatus"`
	ToStatus     SettlementStatus `json:"toStatus"`
	Actor        string           `json:"actor"`
	Reason       *string          `json:"reason,omitempty"`
	CreatedAt    time.Time        `json:"createdAt"`
}

// BusinessType is the seller's registered business form.
type BusinessType string

const (
	BusinessIndividual     BusinessType = "INDIVIDUAL"
	BusinessSoleProprietor BusinessType = "SOLE_PROPRIETOR"
	BusinessCorporation    BusinessType = "CORPORATION"
)

// TaxInvoiceIssuable reports whether the business type can receive a tax invoice.
func (b BusinessType) TaxInvoiceIssuable() bool {
	return b == BusinessSoleProprietor || b == BusinessCorporation
}

// SellerProfile is read from the user subsystem.
type SellerProfile struct {
	SellerID         int64        `json:"sellerId"`
	BusinessType     BusinessType `json:"businessType"`
	PayoutBillingKey *string      `json:"-"`
}
