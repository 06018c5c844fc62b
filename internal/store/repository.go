/**
 * @description
 * Data access contract for the settlement service. Implementations return
 * copies; callers never share mutable state with the store.
 */
package store

import (
	"context"
	"errors"
	"time"

	"github.com/groble/settlement-service/internal/domain"
	"github.com/shopspring/decimal"
)

var (
	ErrFeePolicyNotFound      = errors.New("fee policy not found")
	ErrSettlementNotFound     = errors.New("settlement not found")
	ErrItemNotFound           = errors.New("settlement item not found")
	ErrPayoutTransferNotFound = errors.New("payout transfer not found")
	ErrSellerNotFound         = errors.New("seller profile not found")

	ErrDuplicatePurchase      = errors.New("settlement item already exists for purchase")
	ErrDuplicateSettlement    = errors.New("settlement already exists for seller period")
	ErrDuplicateBillingTranID = errors.New("billing transaction id already recorded")
	ErrPayoutInFlight         = errors.New("settlement already has a requested payout transfer")

	ErrStatusConflict         = errors.New("settlement status changed concurrently")
	ErrPayoutTransferConflict = errors.New("payout transfer is no longer requested")
)

// SellerCycle identifies one batching stream.
type SellerCycle struct {
	SellerID int64
	Cycle    domain.SettlementCycle
}

type CreateFeePolicyParams struct {
	Scope           domain.PolicyScope
	SellerID        *int64
	PlatformFeeRate domain.FeeRate
	PgFeeRate       domain.FeeRate
	VatRate         *decimal.Decimal
	EffectiveFrom   time.Time
	EffectiveTo     *time.Time
}

type CreateSettlementParams struct {
	SellerID                int64
	Cycle                   domain.SettlementCycle
	Period                  domain.Period
	ScheduledSettlementDate time.Time
	Status                  domain.SettlementStatus
}

// UpdateStatusParams moves a settlement to To only if its stored status is
// still one of From.
type UpdateStatusParams struct {
	SettlementID int64
	From         []domain.SettlementStatus
	To           domain.SettlementStatus
	HoldReason   *string
	CompletedAt  *time.Time
	At           time.Time
}

type SettlementFilter struct {
	SellerID *int64
	Status   *domain.SettlementStatus
	Limit    int
}

type CreatePayoutTransferParams struct {
	SettlementID    int64
	DistinctKey     string
	RequestedAmount decimal.Decimal
	RequestedAt     time.Time
}

// CompletePayoutTransferParams finalizes a REQUESTED transfer.
type CompletePayoutTransferParams struct {
	TransferID        int64
	Status            domain.PayoutTransferStatus
	ResultCode        *string
	FailureReason     *string
	APITranID         *string
	TransferredAmount *decimal.Decimal
	CompletedAt       time.Time
}

// Repository is implemented by PostgresRepository and MemoryRepository.
type Repository interface {
	// WithTransaction runs fn inside one transaction. The Repository passed to
	// fn is bound to that transaction; fn returning an error rolls back.
	WithTransaction(ctx context.Context, fn func(tx Repository) error) error

	FindEffectiveFeePolicy(ctx context.Context, scope domain.PolicyScope, sellerID *int64, at time.Time) (*domain.FeePolicy, error)
	GetFeePolicy(ctx context.Context, id int64) (*domain.FeePolicy, error)
	CreateFeePolicy(ctx context.Context, params CreateFeePolicyParams) (*domain.FeePolicy, error)
	SupersedeFeePolicy(ctx context.Context, id int64, effectiveTo time.Time) (*domain.FeePolicy, error)

	CreateSettlementItem(ctx context.Context, item domain.SettlementItem) (*domain.SettlementItem, error)
	GetSettlementItemByPurchaseID(ctx context.Context, purchaseID int64) (*domain.SettlementItem, error)
	MarkItemRefunded(ctx context.Context, purchaseID int64, refundedAt time.Time) (*domain.SettlementItem, bool, error)
	ListUnbatchedSellerCycles(ctx context.Context, purchasedBefore time.Time) ([]SellerCycle, error)
	ListUnbatchedItems(ctx context.Context, sellerID int64, cycle domain.SettlementCycle, purchasedBefore time.Time) ([]domain.SettlementItem, error)
	AttachItemsToSettlement(ctx context.Context, settlementID int64, itemIDs []int64) (int64, error)
	ListItemsBySettlement(ctx context.Context, settlementID int64) ([]domain.SettlementItem, error)

	CreateSettlement(ctx context.Context, params CreateSettlementParams) (*domain.Settlement, error)
	GetSettlement(ctx context.Context, id int64) (*domain.Settlement, error)
	GetSettlementForUpdate(ctx context.Context, id int64) (*domain.Settlement, error)
	GetSettlementByPeriod(ctx context.Context, sellerID int64, period domain.Period) (*domain.Settlement, error)
	ListSettlements(ctx context.Context, filter SettlementFilter) ([]domain.Settlement, error)
	ListPendingSettlementsEndedBy(ctx context.Context, endedBy time.Time) ([]domain.Settlement, error)
	ListCompletedSettlementsEndingBetween(ctx context.Context, sellerID int64, from, to time.Time) ([]domain.Settlement, error)
	UpdateSettlementTotals(ctx context.Context, id int64, totals domain.SettlementTotals) error
	UpdateSettlementStatus(ctx context.Context, params UpdateStatusParams) (*domain.Settlement, error)
	RecordApproval(ctx context.Context, id int64, adminUserID int64, reason *string, at time.Time) error
	InsertStatusHistory(ctx context.Context, entry domain.SettlementStatusHistory) error
	ListStatusHistory(ctx context.Context, settlementID int64) ([]domain.SettlementStatusHistory, error)

	CreatePayoutTransfer(ctx context.Context, params CreatePayoutTransferParams) (*domain.PayoutTransfer, error)
	AssignPayoutTransferReference(ctx context.Context, transferID int64, billingTranID, apiTranID string) error
	GetPayoutTransferByBillingTranID(ctx context.Context, billingTranID string) (*domain.PayoutTransfer, error)
	GetOpenPayoutTransfer(ctx context.Context, settlementID int64) (*domain.PayoutTransfer, error)
	HasSucceededPayoutTransfer(ctx context.Context, settlementID int64) (bool, error)
	CompletePayoutTransfer(ctx context.Context, params CompletePayoutTransferParams) (*domain.PayoutTransfer, error)
	CancelOpenPayoutTransfers(ctx context.Context, settlementID int64, at time.Time) (int64, error)
	ListPayoutTransfers(ctx context.Context, settlementID int64) ([]domain.PayoutTransfer, error)

	GetSellerProfile(ctx context.Context, sellerID int64) (*domain.SellerProfile, error)
}
