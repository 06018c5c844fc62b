package app

import (
	"errors"

	"github.com/groble/settlement-service/internal/domain"
	"github.com/groble/settlement-service/internal/store"
)

// translateStoreError tags repository errors with a domain kind.
func translateStoreError(err error, entity string, id any) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, store.ErrSettlementNotFound),
		errors.Is(err, store.ErrItemNotFound),
		errors.Is(err, store.ErrFeePolicyNotFound),
		errors.Is(err, store.ErrPayoutTransferNotFound),
		errors.Is(err, store.ErrSellerNotFound):
		e := domain.NotFound(entity, id)
		e.Err = err
		return e
	case errors.Is(err, store.ErrStatusConflict),
		errors.Is(err, store.ErrPayoutTransferConflict),
		errors.Is(err, store.ErrPayoutInFlight):
		return &domain.Error{Kind: domain.KindConflict, Message: err.Error(), Context: map[string]any{entity: id}, Err: err}
	case errors.Is(err, store.ErrDuplicatePurchase),
		errors.Is(err, store.ErrDuplicateSettlement),
		errors.Is(err, store.ErrDuplicateBillingTranID):
		return &domain.Error{Kind: domain.KindDuplicate, Message: err.Error(), Context: map[string]any{entity: id}, Err: err}
	}

	var derr *domain.Error
	if errors.As(err, &derr) {
		return err
	}
	return domain.Internal(entity+" store failure", err)
}
