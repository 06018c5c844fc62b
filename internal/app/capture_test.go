package app

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/groble/settlement-service/internal/domain"
)

func TestCapturePurchaseComputesAmountsFromDefaults(t *testing.T) {
	env := newTestEnv(t)

	item := env.capture(t, 1, 10, "10000", domain.ContentTypeDocument, time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC))

	if item.Cycle != domain.CycleWeekly {
		t.Fatalf("expected WEEKLY cycle, got %s", item.Cycle)
	}
	checks := map[string]struct{ got, want string }{
		"platformFee":      {item.PlatformFee.String(), "150"},
		"pgFee":            {item.PgFee.String(), "170"},
		"vatAmount":        {item.VatAmount.String(), "32"},
		"settlementAmount": {item.SettlementAmount.String(), "9648"},
	}
	for name, c := range checks {
		if c.got != c.want {
			t.Fatalf("%s: expected %s, got %s", name, c.want, c.got)
		}
	}
	if item.Snapshot.PolicyID != nil {
		t.Fatalf("expected default snapshot without policy id")
	}
	if !item.Snapshot.CapturedAt.Equal(testNow) {
		t.Fatalf("expected capturedAt %s, got %s", testNow, item.Snapshot.CapturedAt)
	}
}

func TestCapturePurchaseDuplicateReturnsStoredItem(t *testing.T) {
	env := newTestEnv(t)
	event := domain.PurchaseCompletedEvent{
		PurchaseID:  42,
		SellerID:    10,
		SalesAmount: dec("5000"),
		ContentType: domain.ContentTypeCoaching,
		PurchasedAt: time.Date(2026, 3, 3, 0, 0, 0, 0, time.UTC),
	}

	first, err := env.svc.CapturePurchase(context.Background(), event)
	if err != nil || !first.Created {
		t.Fatalf("expected first capture to create, got %+v err=%v", first, err)
	}

	event.SalesAmount = dec("9999")
	second, err := env.svc.CapturePurchase(context.Background(), event)
	if err != nil {
		t.Fatalf("second capture: %v", err)
	}
	if second.Created {
		t.Fatalf("expected duplicate capture to report Created=false")
	}
	if second.Item.ID != first.Item.ID || !second.Item.SalesAmount.Equal(dec("5000")) {
		t.Fatalf("expected stored item to be returned unchanged, got %+v", second.Item)
	}
}

func TestCapturePurchaseRejectsInvalidEvents(t *testing.T) {
	env := newTestEnv(t)
	base := domain.PurchaseCompletedEvent{
		PurchaseID:  1,
		SellerID:    1,
		SalesAmount: dec("1000"),
		ContentType: domain.ContentTypeDocument,
		PurchasedAt: testNow,
	}

	tests := []struct {
		name   string
		mutate func(*domain.PurchaseCompletedEvent)
	}{
		{name: "missing purchase id", mutate: func(e *domain.PurchaseCompletedEvent) { e.PurchaseID = 0 }},
		{name: "missing seller", mutate: func(e *domain.PurchaseCompletedEvent) { e.SellerID = -1 }},
		{name: "negative amount", mutate: func(e *domain.PurchaseCompletedEvent) { e.SalesAmount = dec("-1") }},
		{name: "fractional won", mutate: func(e *domain.PurchaseCompletedEvent) { e.SalesAmount = dec("100.5") }},
		{name: "missing purchase time", mutate: func(e *domain.PurchaseCompletedEvent) { e.PurchasedAt = time.Time{} }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			event := base
			tt.mutate(&event)
			_, err := env.svc.CapturePurchase(context.Background(), event)
			requireKind(t, err, domain.KindValidation)
		})
	}
}

func TestCapturedSnapshotSurvivesPolicyChange(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	policy, err := env.svc.CreateFeePolicy(ctx, CreateFeePolicyInput{
		Scope:           domain.ScopeGlobal,
		PlatformFeeRate: domain.FeeRate{Applied: decPtr("0.05")},
		PgFeeRate:       domain.FeeRate{Applied: decPtr("0.02")},
		VatRate:         decPtr("0.1"),
		EffectiveFrom:   time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("create policy: %v", err)
	}

	purchasedAt := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	item := env.capture(t, 1, 10, "10000", domain.ContentTypeDocument, purchasedAt)
	if !item.PlatformFee.Equal(dec("500")) {
		t.Fatalf("expected platform fee 500, got %s", item.PlatformFee)
	}

	cutover := time.Date(2026, 3, 5, 0, 0, 0, 0, time.UTC)
	if _, err := env.svc.SupersedeFeePolicy(ctx, policy.ID, cutover); err != nil {
		t.Fatalf("supersede policy: %v", err)
	}
	if _, err := env.svc.CreateFeePolicy(ctx, CreateFeePolicyInput{
		Scope:           domain.ScopeGlobal,
		PlatformFeeRate: domain.FeeRate{Applied: decPtr("0.2")},
		PgFeeRate:       domain.FeeRate{Applied: decPtr("0.02")},
		EffectiveFrom:   cutover,
	}); err != nil {
		t.Fatalf("create replacement policy: %v", err)
	}

	stored, err := env.repo.GetSettlementItemByPurchaseID(ctx, 1)
	if err != nil {
		t.Fatalf("load item: %v", err)
	}
	if !stored.Snapshot.PlatformFeeRateApplied.Equal(dec("0.05")) || !stored.PlatformFee.Equal(dec("500")) {
		t.Fatalf("expected captured snapshot to be immutable, got %+v", stored.Snapshot)
	}

	later := env.capture(t, 2, 10, "10000", domain.ContentTypeDocument, time.Date(2026, 3, 6, 0, 0, 0, 0, time.UTC))
	if !later.PlatformFee.Equal(dec("2000")) {
		t.Fatalf("expected new purchases to use the replacement policy, got %s", later.PlatformFee)
	}
}

func TestResolveForSellerPrefersSellerPolicy(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	from := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	sellerID := int64(10)

	if _, err := env.svc.CreateFeePolicy(ctx, CreateFeePolicyInput{
		Scope:           domain.ScopeGlobal,
		PlatformFeeRate: domain.FeeRate{Applied: decPtr("0.05")},
		EffectiveFrom:   from,
	}); err != nil {
		t.Fatalf("create global policy: %v", err)
	}
	if _, err := env.svc.CreateFeePolicy(ctx, CreateFeePolicyInput{
		Scope:           domain.ScopeSeller,
		SellerID:        &sellerID,
		PlatformFeeRate: domain.FeeRate{Applied: decPtr("0"), Display: decPtr("0.05")},
		EffectiveFrom:   from,
	}); err != nil {
		t.Fatalf("create seller policy: %v", err)
	}

	snap, err := env.svc.ResolveForSeller(ctx, sellerID, testNow)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !snap.PlatformFeeRateApplied.IsZero() {
		t.Fatalf("expected seller promotion rate 0, got %s", snap.PlatformFeeRateApplied)
	}
	if !snap.PlatformFeeRateDisplay.Equal(dec("0.05")) {
		t.Fatalf("expected display rate 0.05, got %s", snap.PlatformFeeRateDisplay)
	}
	if !snap.PgFeeRateApplied.Equal(dec("0.017")) {
		t.Fatalf("expected unset pg rate to fall back to default, got %s", snap.PgFeeRateApplied)
	}

	other, err := env.svc.ResolveForSeller(ctx, 11, testNow)
	if err != nil {
		t.Fatalf("resolve other seller: %v", err)
	}
	if !other.PlatformFeeRateApplied.Equal(dec("0.05")) {
		t.Fatalf("expected global policy for other seller, got %s", other.PlatformFeeRateApplied)
	}
}

func TestCreateFeePolicyValidation(t *testing.T) {
	env := newTestEnv(t)
	sellerID := int64(1)
	from := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	before := from.Add(-time.Hour)

	tests := []struct {
		name string
		in   CreateFeePolicyInput
	}{
		{name: "unknown scope", in: CreateFeePolicyInput{Scope: "TEAM", EffectiveFrom: from}},
		{name: "global with seller", in: CreateFeePolicyInput{Scope: domain.ScopeGlobal, SellerID: &sellerID, EffectiveFrom: from}},
		{name: "seller without id", in: CreateFeePolicyInput{Scope: domain.ScopeSeller, EffectiveFrom: from}},
		{name: "inverted window", in: CreateFeePolicyInput{Scope: domain.ScopeGlobal, EffectiveFrom: from, EffectiveTo: &before}},
		{name: "rate of one", in: CreateFeePolicyInput{Scope: domain.ScopeGlobal, EffectiveFrom: from, PgFeeRate: domain.FeeRate{Applied: decPtr("1")}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.svc.CreateFeePolicy(context.Background(), tt.in)
			requireKind(t, err, domain.KindValidation)
		})
	}
}

func TestSupersedeFeePolicyOnlyShrinksWindow(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	from := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	to := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)

	policy, err := env.svc.CreateFeePolicy(ctx, CreateFeePolicyInput{Scope: domain.ScopeGlobal, EffectiveFrom: from, EffectiveTo: &to})
	if err != nil {
		t.Fatalf("create policy: %v", err)
	}

	_, err = env.svc.SupersedeFeePolicy(ctx, policy.ID, to.AddDate(0, 1, 0))
	requireKind(t, err, domain.KindConflict)

	updated, err := env.svc.SupersedeFeePolicy(ctx, policy.ID, from.AddDate(0, 0, 10))
	if err != nil {
		t.Fatalf("supersede: %v", err)
	}
	if updated.EffectiveTo == nil || !updated.EffectiveTo.Equal(from.AddDate(0, 0, 10)) {
		t.Fatalf("unexpected effectiveTo %v", updated.EffectiveTo)
	}

	_, err = env.svc.SupersedeFeePolicy(ctx, 12345, to)
	requireKind(t, err, domain.KindNotFound)
}

func TestRecordRefundRecomputesOpenSettlement(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	settlement := env.processingSettlement(t, 5, "10000")
	env.capture(t, 2, 5, "20000", domain.ContentTypeDocument, time.Date(2026, 3, 3, 0, 0, 0, 0, time.UTC))
	// second item lands in the same (already PROCESSING) period, so it stays unbatched
	if _, err := env.svc.Aggregate(ctx, AggregateOptions{}); err != nil {
		t.Fatalf("aggregate: %v", err)
	}

	if _, err := env.svc.RecordRefund(ctx, domain.PurchaseRefundedEvent{PurchaseID: 5*1000 + 1}); err != nil {
		t.Fatalf("refund: %v", err)
	}

	updated, err := env.svc.GetSettlement(ctx, settlement.ID)
	if err != nil {
		t.Fatalf("get settlement: %v", err)
	}
	if !updated.SettlementAmount.IsZero() || updated.ItemCount != 0 {
		t.Fatalf("expected refunded item to be excluded, got amount=%s count=%d", updated.SettlementAmount, updated.ItemCount)
	}

	again, err := env.svc.RecordRefund(ctx, domain.PurchaseRefundedEvent{PurchaseID: 5*1000 + 1})
	if err != nil || !again.Refunded {
		t.Fatalf("expected repeated refund to be a no-op, got %+v err=%v", again, err)
	}

	_, err = env.svc.RecordRefund(ctx, domain.PurchaseRefundedEvent{PurchaseID: 777})
	requireKind(t, err, domain.KindNotFound)
}

func TestRecordRefundDuringPayoutFreezesTotals(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	settlement, billing := requestedPayout(t, env, 6)

	if _, err := env.svc.RecordRefund(ctx, domain.PurchaseRefundedEvent{PurchaseID: 6*1000 + 1}); err != nil {
		t.Fatalf("refund: %v", err)
	}

	detail, err := env.svc.GetSettlementDetail(ctx, settlement.ID)
	if err != nil {
		t.Fatalf("get detail: %v", err)
	}
	if !detail.Settlement.SettlementAmount.Equal(dec("9648")) || detail.Settlement.ItemCount != 1 {
		t.Fatalf("expected totals to stay at the requested payout, got amount=%s count=%d",
			detail.Settlement.SettlementAmount, detail.Settlement.ItemCount)
	}
	var noted bool
	for _, h := range detail.History {
		if h.Actor == actorRefund && h.Reason != nil && strings.Contains(*h.Reason, "totals frozen") {
			noted = true
		}
	}
	if !noted {
		t.Fatalf("expected refund during payout to be recorded in history, got %+v", detail.History)
	}

	// once the transfer fails, re-approval sees the refund
	if body := env.svc.HandleTransferResult(ctx, domain.TransferResultNotification{Result: "E0302", BillingTranID: billing}); body != domain.WebhookResponseSuccess {
		t.Fatalf("expected SUCCESS, got %s", body)
	}
	again, err := env.svc.Approve(ctx, ApproveInput{SettlementIDs: []int64{settlement.ID}, AdminUserID: 1, ExecutePaypleSettlement: true})
	if err != nil || again.Skipped != 1 || again.Results[0].Reason != ReasonNoPayableAmount {
		t.Fatalf("expected nothing left to pay, got %+v err=%v", again, err)
	}
}
