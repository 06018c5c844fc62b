package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/groble/settlement-service/internal/domain"
	"github.com/groble/settlement-service/internal/store"
	"github.com/shopspring/decimal"
)

var testNow = time.Date(2026, 3, 20, 12, 0, 0, 0, time.UTC)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func decPtr(s string) *decimal.Decimal {
	d := dec(s)
	return &d
}

type publishedEvent struct {
	exchange   string
	routingKey string
	body       interface{}
}

type stubPublisher struct {
	mu     sync.Mutex
	events []publishedEvent
	err    error
}

func (p *stubPublisher) Publish(ctx context.Context, exchange, routingKey string, body interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, publishedEvent{exchange: exchange, routingKey: routingKey, body: body})
	return p.err
}

func (p *stubPublisher) transitions() []*domain.SettlementStatusChangedEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []*domain.SettlementStatusChangedEvent
	for _, e := range p.events {
		if ev, ok := e.body.(*domain.SettlementStatusChangedEvent); ok {
			out = append(out, ev)
		}
	}
	return out
}

type stubPayouts struct {
	mu         sync.Mutex
	requests   []PayoutRequest
	executed   []PayoutRegistration
	err        error
	executeErr error
	// onExecute runs before ExecuteTransfer returns, like a webhook racing the response.
	onExecute func(reg PayoutRegistration)
}

func (c *stubPayouts) RegisterTransfer(ctx context.Context, req PayoutRequest) (*PayoutRegistration, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requests = append(c.requests, req)
	if c.err != nil {
		return nil, c.err
	}
	return &PayoutRegistration{
		GroupKey:      fmt.Sprintf("GRP-%d-%d", req.SettlementID, len(c.requests)),
		BillingTranID: fmt.Sprintf("BILL-%d-%d", req.SettlementID, len(c.requests)),
		APITranID:     fmt.Sprintf("API-%d-%d", req.SettlementID, len(c.requests)),
	}, nil
}

func (c *stubPayouts) ExecuteTransfer(ctx context.Context, reg PayoutRegistration) (*PayoutResult, error) {
	c.mu.Lock()
	c.executed = append(c.executed, reg)
	hook, err := c.onExecute, c.executeErr
	c.mu.Unlock()

	if hook != nil {
		hook(reg)
	}
	if err != nil {
		return nil, err
	}
	return &PayoutResult{BillingTranID: reg.BillingTranID, APITranID: reg.APITranID, ResultCode: "A0000"}, nil
}

func (c *stubPayouts) executions() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.executed)
}

type testEnv struct {
	svc       *Service
	repo      *store.MemoryRepository
	payouts   *stubPayouts
	publisher *stubPublisher
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	repo := store.NewMemoryRepository()
	payouts := &stubPayouts{}
	publisher := &stubPublisher{}
	svc := NewService(Dependencies{
		Repo:      repo,
		Payouts:   payouts,
		Publisher: publisher,
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	}, Config{
		Timezone:      "UTC",
		PayoutLagDays: 3,
		Defaults: domain.DefaultRates{
			PlatformFeeRate: dec("0.015"),
			PgFeeRate:       dec("0.017"),
			VatRate:         dec("0.1"),
		},
	})
	svc.now = func() time.Time { return testNow }
	return &testEnv{svc: svc, repo: repo, payouts: payouts, publisher: publisher}
}

func (e *testEnv) capture(t *testing.T, purchaseID, sellerID int64, amount string, ct domain.ContentType, at time.Time) domain.SettlementItem {
	t.Helper()
	res, err := e.svc.CapturePurchase(context.Background(), domain.PurchaseCompletedEvent{
		PurchaseID:  purchaseID,
		SellerID:    sellerID,
		SalesAmount: dec(amount),
		ContentType: ct,
		PurchasedAt: at,
	})
	if err != nil {
		t.Fatalf("capture purchase %d: %v", purchaseID, err)
	}
	return res.Item
}

// processingSettlement captures one document purchase in the first week of
// March and aggregates it into a PROCESSING settlement.
func (e *testEnv) processingSettlement(t *testing.T, sellerID int64, amount string) *domain.Settlement {
	t.Helper()
	item := e.capture(t, sellerID*1000+1, sellerID, amount, domain.ContentTypeDocument, time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC))
	if _, err := e.svc.Aggregate(context.Background(), AggregateOptions{}); err != nil {
		t.Fatalf("aggregate: %v", err)
	}
	stored, err := e.repo.GetSettlementItemByPurchaseID(context.Background(), item.PurchaseID)
	if err != nil || stored.SettlementID == nil {
		t.Fatalf("expected item to be attached, err=%v", err)
	}
	settlement, err := e.svc.GetSettlement(context.Background(), *stored.SettlementID)
	if err != nil {
		t.Fatalf("get settlement: %v", err)
	}
	if settlement.Status != domain.StatusProcessing {
		t.Fatalf("expected PROCESSING settlement, got %s", settlement.Status)
	}
	return settlement
}

func withBillingKey(repo *store.MemoryRepository, sellerID int64, bt domain.BusinessType) {
	key := fmt.Sprintf("billing-key-%d", sellerID)
	repo.PutSellerProfile(domain.SellerProfile{SellerID: sellerID, BusinessType: bt, PayoutBillingKey: &key})
}

func requireKind(t *testing.T, err error, kind domain.ErrorKind) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %s error, got nil", kind)
	}
	var derr *domain.Error
	if !errors.As(err, &derr) || derr.Kind != kind {
		t.Fatalf("expected %s error, got %v", kind, err)
	}
}

func TestNewServiceFallsBackToUTC(t *testing.T) {
	svc := NewService(Dependencies{
		Repo:   store.NewMemoryRepository(),
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}, Config{Timezone: "Not/AZone"})

	if svc.Location() != time.UTC {
		t.Fatalf("expected UTC fallback, got %s", svc.Location())
	}
	if svc.exchange != "groble.events" {
		t.Fatalf("expected default exchange, got %q", svc.exchange)
	}
}

func TestGetSettlementDetailIncludesHistory(t *testing.T) {
	env := newTestEnv(t)
	settlement := env.processingSettlement(t, 7, "10000")

	detail, err := env.svc.GetSettlementDetail(context.Background(), settlement.ID)
	if err != nil {
		t.Fatalf("detail: %v", err)
	}
	if len(detail.Items) != 1 {
		t.Fatalf("expected 1 item, got %d", len(detail.Items))
	}
	if detail.Payouts == nil || detail.History == nil {
		t.Fatalf("expected empty slices rather than nil")
	}

	_, err = env.svc.GetSettlementDetail(context.Background(), 9999)
	requireKind(t, err, domain.KindNotFound)
}
