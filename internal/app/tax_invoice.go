package app

import (
	"context"
	"errors"
	"time"

	"github.com/groble/settlement-service/internal/domain"
	"github.com/groble/settlement-service/internal/store"
	"github.com/shopspring/decimal"
)

// TaxInvoiceView is what the tax invoice subsystem reads per settlement.
type TaxInvoiceView struct {
	SettlementID              int64                   `json:"settlementId"`
	SellerID                  int64                   `json:"sellerId"`
	Status                    domain.SettlementStatus `json:"status"`
	IsTaxInvoiceButtonEnabled bool                    `json:"isTaxInvoiceButtonEnabled"`
	IsTaxInvoiceIssuable      bool                    `json:"isTaxInvoiceIssuable"`
	SettlementAmount          decimal.Decimal         `json:"settlementAmount"`
	PgFee                     decimal.Decimal         `json:"pgFee"`
	PlatformFee               decimal.Decimal         `json:"platformFee"`
	VatAmount                 decimal.Decimal         `json:"vatAmount"`
}

// MonthlyTaxInvoice aggregates the completed settlements of one month.
type MonthlyTaxInvoice struct {
	SellerID             int64           `json:"sellerId"`
	YearMonth            string          `json:"yearMonth"`
	IsTaxInvoiceIssuable bool            `json:"isTaxInvoiceIssuable"`
	SettlementCount      int             `json:"settlementCount"`
	SettlementIDs        []int64         `json:"settlementIds"`
	SettlementAmount     decimal.Decimal `json:"settlementAmount"`
	PgFee                decimal.Decimal `json:"pgFee"`
	PlatformFee          decimal.Decimal `json:"platformFee"`
	VatAmount            decimal.Decimal `json:"vatAmount"`
}

func (s *Service) businessType(ctx context.Context, tx store.Repository, sellerID int64) (domain.BusinessType, error) {
	profile, err := tx.GetSellerProfile(ctx, sellerID)
	if errors.Is(err, store.ErrSellerNotFound) {
		return domain.BusinessIndividual, nil
	}
	if err != nil {
		return "", domain.Internal("load seller profile", err)
	}
	return profile.BusinessType, nil
}

// GetTaxInvoice reports tax invoice eligibility for one settlement. The button
// is only enabled once the payout has completed.
func (s *Service) GetTaxInvoice(ctx context.Context, settlementID int64) (*TaxInvoiceView, error) {
	settlement, err := s.GetSettlement(ctx, settlementID)
	if err != nil {
		return nil, err
	}
	bt, err := s.businessType(ctx, s.repo, settlement.SellerID)
	if err != nil {
		return nil, err
	}

	issuable := bt.TaxInvoiceIssuable()
	return &TaxInvoiceView{
		SettlementID:              settlement.ID,
		SellerID:                  settlement.SellerID,
		Status:                    settlement.Status,
		IsTaxInvoiceButtonEnabled: issuable && settlement.Status == domain.StatusCompleted,
		IsTaxInvoiceIssuable:      issuable,
		SettlementAmount:          settlement.SettlementAmount,
		PgFee:                     settlement.TotalPgFee,
		PlatformFee:               settlement.TotalPlatformFee,
		VatAmount:                 settlement.TotalVat,
	}, nil
}

// GetMonthlyTaxInvoice sums the seller's completed settlements whose period
// ends within yearMonth (YYYY-MM, business timezone).
func (s *Service) GetMonthlyTaxInvoice(ctx context.Context, sellerID int64, yearMonth string) (*MonthlyTaxInvoice, error) {
	if sellerID <= 0 {
		return nil, domain.Validation("sellerId must be positive")
	}
	month, err := time.ParseInLocation("2006-01", yearMonth, s.loc)
	if err != nil {
		return nil, domain.Validation("yearMonth must be formatted as YYYY-MM")
	}
	next := month.AddDate(0, 1, 0)

	bt, err := s.businessType(ctx, s.repo, sellerID)
	if err != nil {
		return nil, err
	}
	// End dates are exclusive, so a period ending inside the month has its
	// exclusive end in (month start, next month start].
	settlements, err := s.repo.ListCompletedSettlementsEndingBetween(ctx, sellerID, month, next)
	if err != nil {
		return nil, domain.Internal("list completed settlements", err)
	}

	out := &MonthlyTaxInvoice{
		SellerID:             sellerID,
		YearMonth:            month.Format("2006-01"),
		IsTaxInvoiceIssuable: bt.TaxInvoiceIssuable(),
		SettlementIDs:        []int64{},
		SettlementAmount:     decimal.Zero,
		PgFee:                decimal.Zero,
		PlatformFee:          decimal.Zero,
		VatAmount:            decimal.Zero,
	}
	for _, st := range settlements {
		out.SettlementCount++
		out.SettlementIDs = append(out.SettlementIDs, st.ID)
		out.SettlementAmount = out.SettlementAmount.Add(st.SettlementAmount)
		out.PgFee = out.PgFee.Add(st.TotalPgFee)
		out.PlatformFee = out.PlatformFee.Add(st.TotalPlatformFee)
		out.VatAmount = out.VatAmount.Add(st.TotalVat)
	}
	return out, nil
}
