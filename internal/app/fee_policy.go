package app

import (
	"context"
	"errors"
	"time"

	"github.com/groble/settlement-service/internal/domain"
	"github.com/groble/settlement-service/internal/store"
	"github.com/shopspring/decimal"
)

// ResolveForSeller returns the snapshot effective for the seller at now. A
// SELLER policy always wins over GLOBAL; with neither, the configured defaults apply.
func (s *Service) ResolveForSeller(ctx context.Context, sellerID int64, now time.Time) (domain.FeePolicySnapshot, error) {
	return resolveForSeller(ctx, s.repo, s.defaults, sellerID, now)
}

func resolveForSeller(ctx context.Context, repo store.Repository, defaults domain.DefaultRates, sellerID int64, now time.Time) (domain.FeePolicySnapshot, error) {
	policy, err := repo.FindEffectiveFeePolicy(ctx, domain.ScopeSeller, &sellerID, now)
	if err == nil {
		return domain.SnapshotFromPolicy(*policy, defaults, now), nil
	}
	if !errors.Is(err, store.ErrFeePolicyNotFound) {
		return domain.FeePolicySnapshot{}, domain.Internal("lookup seller fee policy", err)
	}

	policy, err = repo.FindEffectiveFeePolicy(ctx, domain.ScopeGlobal, nil, now)
	if err == nil {
		return domain.SnapshotFromPolicy(*policy, defaults, now), nil
	}
	if !errors.Is(err, store.ErrFeePolicyNotFound) {
		return domain.FeePolicySnapshot{}, domain.Internal("lookup global fee policy", err)
	}

	return domain.DefaultSnapshot(defaults, now), nil
}

// CreateFeePolicyInput is the operator request to add a policy.
type CreateFeePolicyInput struct {
	Scope           domain.PolicyScope
	SellerID        *int64
	PlatformFeeRate domain.FeeRate
	PgFeeRate       domain.FeeRate
	VatRate         *decimal.Decimal
	EffectiveFrom   time.Time
	EffectiveTo     *time.Time
}

// CreateFeePolicy validates and stores a new policy.
func (s *Service) CreateFeePolicy(ctx context.Context, in CreateFeePolicyInput) (*domain.FeePolicy, error) {
	switch in.Scope {
	case domain.ScopeGlobal:
		if in.SellerID != nil {
			return nil, domain.Validation("GLOBAL policies must not name a seller")
		}
	case domain.ScopeSeller:
		if in.SellerID == nil || *in.SellerID <= 0 {
			return nil, domain.Validation("SELLER policies require a positive sellerId")
		}
	default:
		return nil, domain.Validation("scope must be GLOBAL or SELLER")
	}

	if in.EffectiveFrom.IsZero() {
		return nil, domain.Validation("effectiveFrom is required")
	}
	if in.EffectiveTo != nil && !in.EffectiveTo.After(in.EffectiveFrom) {
		return nil, domain.Validation("effectiveTo must be after effectiveFrom")
	}

	rates := map[string]*decimal.Decimal{
		"platformFeeRate.applied":  in.PlatformFeeRate.Applied,
		"platformFeeRate.display":  in.PlatformFeeRate.Display,
		"platformFeeRate.baseline": in.PlatformFeeRate.Baseline,
		"pgFeeRate.applied":        in.PgFeeRate.Applied,
		"pgFeeRate.display":        in.PgFeeRate.Display,
		"pgFeeRate.baseline":       in.PgFeeRate.Baseline,
		"vatRate":                  in.VatRate,
	}
	for name, rate := range rates {
		if rate == nil {
			continue
		}
		if err := domain.ValidateFeeRate(name, *rate); err != nil {
			return nil, err
		}
	}

	policy, err := s.repo.CreateFeePolicy(ctx, store.CreateFeePolicyParams{
		Scope:           in.Scope,
		SellerID:        in.SellerID,
		PlatformFeeRate: in.PlatformFeeRate,
		PgFeeRate:       in.PgFeeRate,
		VatRate:         in.VatRate,
		EffectiveFrom:   in.EffectiveFrom,
		EffectiveTo:     in.EffectiveTo,
	})
	if err != nil {
		return nil, domain.Internal("create fee policy", err)
	}

	s.logger.Info("fee policy created", "policy_id", policy.ID, "scope", policy.Scope, "effective_from", policy.EffectiveFrom)
	return policy, nil
}

// SupersedeFeePolicy closes a policy's window at effectiveTo. Windows can only shrink.
func (s *Service) SupersedeFeePolicy(ctx context.Context, id int64, effectiveTo time.Time) (*domain.FeePolicy, error) {
	if effectiveTo.IsZero() {
		return nil, domain.Validation("effectiveTo is required")
	}

	var updated *domain.FeePolicy
	err := s.repo.WithTransaction(ctx, func(tx store.Repository) error {
		policy, err := tx.GetFeePolicy(ctx, id)
		if err != nil {
			return translateStoreError(err, "fee_policy", id)
		}
		if !effectiveTo.After(policy.EffectiveFrom) {
			return domain.Validation("effectiveTo must be after effectiveFrom")
		}
		if policy.EffectiveTo != nil && !effectiveTo.Before(*policy.EffectiveTo) {
			return domain.Conflict("policy already ends before the requested time", map[string]any{
				"policy_id":    id,
				"effective_to": policy.EffectiveTo.Format(time.RFC3339),
			})
		}

		updated, err = tx.SupersedeFeePolicy(ctx, id, effectiveTo)
		if err != nil {
			return translateStoreError(err, "fee_policy", id)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("fee policy superseded", "policy_id", id, "effective_to", effectiveTo)
	return updated, nil
}
