package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/groble/settlement-service/internal/domain"
	"github.com/shopspring/decimal"
)

func testPeriod() domain.Period {
	start := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	return domain.Period{Start: start, End: start.AddDate(0, 0, 7)}
}

func TestMemoryRepository_DuplicatePurchaseRejected(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	item := domain.SettlementItem{PurchaseID: 1, SellerID: 10, SalesAmount: decimal.NewFromInt(1000)}

	if _, err := repo.CreateSettlementItem(ctx, item); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := repo.CreateSettlementItem(ctx, item); !errors.Is(err, ErrDuplicatePurchase) {
		t.Fatalf("expected ErrDuplicatePurchase, got %v", err)
	}
}

func TestMemoryRepository_DuplicateSettlementPeriodRejected(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	params := CreateSettlementParams{SellerID: 10, Cycle: domain.CycleWeekly, Period: testPeriod(), Status: domain.StatusProcessing}

	if _, err := repo.CreateSettlement(ctx, params); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := repo.CreateSettlement(ctx, params); !errors.Is(err, ErrDuplicateSettlement) {
		t.Fatalf("expected ErrDuplicateSettlement, got %v", err)
	}
}

func TestMemoryRepository_TransactionRollsBackOnError(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	boom := errors.New("boom")

	err := repo.WithTransaction(ctx, func(tx Repository) error {
		if _, err := tx.CreateSettlementItem(ctx, domain.SettlementItem{PurchaseID: 7, SellerID: 1}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if _, err := repo.GetSettlementItemByPurchaseID(ctx, 7); !errors.Is(err, ErrItemNotFound) {
		t.Fatalf("expected rolled back item to be gone, got %v", err)
	}
}

func TestMemoryRepository_StatusCompareAndSet(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	s, err := repo.CreateSettlement(ctx, CreateSettlementParams{SellerID: 1, Period: testPeriod(), Status: domain.StatusProcessing})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	_, err = repo.UpdateSettlementStatus(ctx, UpdateStatusParams{
		SettlementID: s.ID,
		From:         []domain.SettlementStatus{domain.StatusPending},
		To:           domain.StatusProcessing,
		At:           time.Now(),
	})
	if !errors.Is(err, ErrStatusConflict) {
		t.Fatalf("expected ErrStatusConflict, got %v", err)
	}

	updated, err := repo.UpdateSettlementStatus(ctx, UpdateStatusParams{
		SettlementID: s.ID,
		From:         []domain.SettlementStatus{domain.StatusProcessing},
		To:           domain.StatusCompleted,
		At:           time.Now(),
	})
	if err != nil || updated.Status != domain.StatusCompleted {
		t.Fatalf("expected COMPLETED, got %+v, %v", updated, err)
	}
}

func TestMemoryRepository_OneRequestedPayoutPerSettlement(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	params := CreatePayoutTransferParams{SettlementID: 3, DistinctKey: "a", RequestedAmount: decimal.NewFromInt(100), RequestedAt: time.Now()}

	first, err := repo.CreatePayoutTransfer(ctx, params)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	params.DistinctKey = "b"
	if _, err := repo.CreatePayoutTransfer(ctx, params); !errors.Is(err, ErrPayoutInFlight) {
		t.Fatalf("expected ErrPayoutInFlight, got %v", err)
	}

	if _, err := repo.CompletePayoutTransfer(ctx, CompletePayoutTransferParams{TransferID: first.ID, Status: domain.PayoutFailed, CompletedAt: time.Now()}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := repo.CompletePayoutTransfer(ctx, CompletePayoutTransferParams{TransferID: first.ID, Status: domain.PayoutSucceeded, CompletedAt: time.Now()}); !errors.Is(err, ErrPayoutTransferConflict) {
		t.Fatalf("expected ErrPayoutTransferConflict on second completion, got %v", err)
	}
	if _, err := repo.CreatePayoutTransfer(ctx, params); err != nil {
		t.Fatalf("expected a new transfer after failure, got %v", err)
	}
}

func TestMemoryRepository_AttachSkipsAlreadyAttachedItems(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	it, _ := repo.CreateSettlementItem(ctx, domain.SettlementItem{PurchaseID: 1, SellerID: 1})

	n, err := repo.AttachItemsToSettlement(ctx, 100, []int64{it.ID})
	if err != nil || n != 1 {
		t.Fatalf("expected 1 attached, got %d, %v", n, err)
	}
	n, err = repo.AttachItemsToSettlement(ctx, 200, []int64{it.ID})
	if err != nil || n != 0 {
		t.Fatalf("expected 0 attached on second claim, got %d, %v", n, err)
	}
}

func TestMemoryRepository_FindEffectiveFeePolicy(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	jan := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	feb := jan.AddDate(0, 1, 0)
	seller := int64(5)

	older, _ := repo.CreateFeePolicy(ctx, CreateFeePolicyParams{Scope: domain.ScopeSeller, SellerID: &seller, EffectiveFrom: jan})
	newer, _ := repo.CreateFeePolicy(ctx, CreateFeePolicyParams{Scope: domain.ScopeSeller, SellerID: &seller, EffectiveFrom: feb})

	got, err := repo.FindEffectiveFeePolicy(ctx, domain.ScopeSeller, &seller, feb.AddDate(0, 0, 1))
	if err != nil || got.ID != newer.ID {
		t.Fatalf("expected newest policy %d, got %+v, %v", newer.ID, got, err)
	}
	got, err = repo.FindEffectiveFeePolicy(ctx, domain.ScopeSeller, &seller, jan.AddDate(0, 0, 1))
	if err != nil || got.ID != older.ID {
		t.Fatalf("expected older policy %d, got %+v, %v", older.ID, got, err)
	}
	if _, err := repo.FindEffectiveFeePolicy(ctx, domain.ScopeGlobal, nil, feb); !errors.Is(err, ErrFeePolicyNotFound) {
		t.Fatalf("expected ErrFeePolicyNotFound for global scope, got %v", err)
	}
}
