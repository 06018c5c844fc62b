/**
 * @description
 * Fee policy model and the immutable snapshot captured per purchase.
 */
package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// PolicyScope controls who a fee policy applies to.
type PolicyScope string

const (
	ScopeGlobal PolicyScope = "GLOBAL"
	ScopeSeller PolicyScope = "SELLER"
)

// FeeRate groups the three rate variants a policy may carry. Any of them may
// be unset.
type FeeRate struct {
	Applied  *decimal.Decimal `json:"applied,omitempty"`
	Display  *decimal.Decimal `json:"display,omitempty"`
	Baseline *decimal.Decimal `json:"baseline,omitempty"`
}

// FeePolicy is an operator-managed rate configuration effective over
// [EffectiveFrom, EffectiveTo).
type FeePolicy struct {
	ID              int64            `json:"id"`
	Scope           PolicyScope      `json:"scope"`
	SellerID        *int64           `json:"sellerId,omitempty"`
	PlatformFeeRate FeeRate          `json:"platformFeeRate"`
	PgFeeRate       FeeRate          `json:"pgFeeRate"`
	VatRate         *decimal.Decimal `json:"vatRate,omitempty"`
	EffectiveFrom   time.Time        `json:"effectiveFrom"`
	EffectiveTo     *time.Time       `json:"effectiveTo,omitempty"`
	CreatedAt       time.Time        `json:"createdAt"`
}

// EffectiveAt reports whether the policy covers instant t.
func (p FeePolicy) EffectiveAt(t time.Time) bool {
	if t.Before(p.EffectiveFrom) {
		return false
	}
	return p.EffectiveTo == nil || t.Before(*p.EffectiveTo)
}

// DefaultRates is the configured fallback when no policy is effective.
type DefaultRates struct {
	PlatformFeeRate decimal.Decimal
	PgFeeRate       decimal.Decimal
	VatRate         decimal.Decimal
}

// FeePolicySnapshot holds every rate fully resolved at capture time.
type FeePolicySnapshot struct {
	PolicyID                *int64          `json:"policyId,omitempty"`
	PlatformFeeRateApplied  decimal.Decimal `json:"platformFeeRateApplied"`
	PlatformFeeRateDisplay  decimal.Decimal `json:"platformFeeRateDisplay"`
	PlatformFeeRateBaseline decimal.Decimal `json:"platformFeeRateBaseline"`
	PgFeeRateApplied        decimal.Decimal `json:"pgFeeRateApplied"`
	PgFeeRateDisplay        decimal.Decimal `json:"pgFeeRateDisplay"`
	PgFeeRateBaseline       decimal.Decimal `json:"pgFeeRateBaseline"`
	VatRate                 decimal.Decimal `json:"vatRate"`
	CapturedAt              time.Time       `json:"capturedAt"`
}

// DefaultSnapshot builds a snapshot where every variant equals the default.
func DefaultSnapshot(d DefaultRates, capturedAt time.Time) FeePolicySnapshot {
	return FeePolicySnapshot{
		PlatformFeeRateApplied:  d.PlatformFeeRate,
		PlatformFeeRateDisplay:  d.PlatformFeeRate,
		PlatformFeeRateBaseline: d.PlatformFeeRate,
		PgFeeRateApplied:        d.PgFeeRate,
		PgFeeRateDisplay:        d.PgFeeRate,
		PgFeeRateBaseline:       d.PgFeeRate,
		VatRate:                 d.VatRate,
		CapturedAt:              capturedAt,
	}
}

// SnapshotFromPolicy resolves unset variants: Display and Baseline fall back to
// Applied, and an unset Applied falls back to the configured default.
func SnapshotFromPolicy(p FeePolicy, d DefaultRates, capturedAt time.Time) FeePolicySnapshot {
	platform := orElse(p.PlatformFeeRate.Applied, d.PlatformFeeRate)
	pg := orElse(p.PgFeeRate.Applied, d.PgFeeRate)
	vat := orElse(p.VatRate, d.VatRate)
	id := p.ID

	return FeePolicySnapshot{
		PolicyID:                &id,
		PlatformFeeRateApplied:  platform,
		PlatformFeeRateDisplay:  orElse(p.PlatformFeeRate.Display, platform),
		PlatformFeeRateBaseline: orElse(p.PlatformFeeRate.Baseline, platform),
		PgFeeRateApplied:        pg,
		PgFeeRateDisplay:        orElse(p.PgFeeRate.Display, pg),
		PgFeeRateBaseline:       orElse(p.PgFeeRate.Baseline, pg),
		VatRate:                 vat,
		CapturedAt:              capturedAt,
	}
}

func orElse(rate *decimal.Decimal, fallback decimal.Decimal) decimal.Decimal {
	if rate == nil {
		return fallback
	}
	return *rate
}

// ValidateFeeRate rejects negative rates and rates of 100% or more.
func ValidateFeeRate(name string, rate decimal.Decimal) error {
	if rate.IsNegative() || rate.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return NewError(KindValidation, name+" must be in [0, 1)", map[string]any{"rate": rate.String()})
	}
	return nil
}
