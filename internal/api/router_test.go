package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/shopspring/decimal"

	"github.com/groble/settlement-service/internal/app"
	"github.com/groble/settlement-service/internal/domain"
	"github.com/groble/settlement-service/internal/store"
)

const (
	testInternalKey = "internal-key"
	testAdminSecret = "admin-secret"
)

type stubPayouts struct {
	mu       sync.Mutex
	requests []app.PayoutRequest
}

func (c *stubPayouts) RegisterTransfer(ctx context.Context, req app.PayoutRequest) (*app.PayoutRegistration, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requests = append(c.requests, req)
	return &app.PayoutRegistration{
		GroupKey:      fmt.Sprintf("GRP-%d", req.SettlementID),
		BillingTranID: fmt.Sprintf("BILL-%d", req.SettlementID),
		APITranID:     fmt.Sprintf("API-%d", req.SettlementID),
	}, nil
}

func (c *stubPayouts) ExecuteTransfer(ctx context.Context, reg app.PayoutRegistration) (*app.PayoutResult, error) {
	return &app.PayoutResult{BillingTranID: reg.BillingTranID, APITranID: reg.APITranID, ResultCode: "A0000"}, nil
}

type testServer struct {
	handler http.Handler
	repo    *store.MemoryRepository
	payouts *stubPayouts
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	repo := store.NewMemoryRepository()
	payouts := &stubPayouts{}
	svc := app.NewService(app.Dependencies{Repo: repo, Payouts: payouts, Logger: logger}, app.Config{
		Timezone:      "UTC",
		PayoutLagDays: 3,
		Defaults: domain.DefaultRates{
			PlatformFeeRate: decimal.RequireFromString("0.015"),
			PgFeeRate:       decimal.RequireFromString("0.017"),
			VatRate:         decimal.RequireFromString("0.1"),
		},
	})
	router := NewRouter(NewHandler(svc, logger), RouterConfig{
		InternalAPIKey: testInternalKey,
		AdminJWTSecret: testAdminSecret,
	})
	return &testServer{handler: router, repo: repo, payouts: payouts}
}

func adminToken(t *testing.T, secret, sub, role string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":  sub,
		"role": role,
		"exp":  time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func (s *testServer) do(t *testing.T, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func (s *testServer) internal(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	return s.do(t, method, path, body, map[string]string{internalKeyHeader: testInternalKey})
}

func (s *testServer) admin(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	return s.do(t, method, path, body, map[string]string{"Authorization": "Bearer " + adminToken(t, testAdminSecret, "7", adminRole)})
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, out interface{}) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), out); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
}

// processingSettlement captures one purchase over HTTP and aggregates it into a
// closed period, returning the settlement id.
func (s *testServer) processingSettlement(t *testing.T, sellerID int64) int64 {
	t.Helper()
	purchase := fmt.Sprintf(`{"purchaseId":%d,"sellerId":%d,"salesAmount":"10000","contentType":"DOCUMENT","purchasedAt":"2026-03-02T01:00:00Z"}`, sellerID*100+1, sellerID)
	if rec := s.internal(t, http.MethodPost, "/internal/purchases/completed", purchase); rec.Code != http.StatusCreated {
		t.Fatalf("capture: %d %s", rec.Code, rec.Body.String())
	}
	if rec := s.internal(t, http.MethodPost, "/internal/settlements/aggregate", ""); rec.Code != http.StatusOK {
		t.Fatalf("aggregate: %d %s", rec.Code, rec.Body.String())
	}
	seller := sellerID
	settlements, err := s.repo.ListSettlements(context.Background(), store.SettlementFilter{SellerID: &seller})
	if err != nil || len(settlements) != 1 {
		t.Fatalf("expected one settlement for seller %d, got %d err=%v", sellerID, len(settlements), err)
	}
	return settlements[0].ID
}

func TestHealth(t *testing.T) {
	srv := newTestServer(t)
	rec := srv.do(t, http.MethodGet, "/health", "", nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "healthy") {
		t.Fatalf("unexpected health response %d %q", rec.Code, rec.Body.String())
	}
}

func TestInternalAuthMiddleware(t *testing.T) {
	srv := newTestServer(t)
	tests := []struct {
		name    string
		headers map[string]string
		want    int
	}{
		{name: "missing key", want: http.StatusUnauthorized},
		{name: "wrong key", headers: map[string]string{internalKeyHeader: "nope"}, want: http.StatusUnauthorized},
		{name: "valid key", headers: map[string]string{internalKeyHeader: testInternalKey}, want: http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := srv.do(t, http.MethodPost, "/internal/settlements/close-periods", "", tt.headers)
			if rec.Code != tt.want {
				t.Fatalf("expected %d, got %d", tt.want, rec.Code)
			}
		})
	}
}

func TestInternalAuthMiddlewareRejectsWhenUnconfigured(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(internalKeyHeader, "")
	InternalAuthMiddleware("")(next).ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestAdminAuthMiddleware(t *testing.T) {
	srv := newTestServer(t)
	tests := []struct {
		name   string
		header string
		want   int
	}{
		{name: "missing header", want: http.StatusUnauthorized},
		{name: "not bearer", header: "Token abc", want: http.StatusUnauthorized},
		{name: "wrong secret", header: "Bearer " + adminToken(t, "other", "7", adminRole), want: http.StatusUnauthorized},
		{name: "non admin role", header: "Bearer " + adminToken(t, testAdminSecret, "7", "SELLER"), want: http.StatusForbidden},
		{name: "bad subject", header: "Bearer " + adminToken(t, testAdminSecret, "admin", adminRole), want: http.StatusUnauthorized},
		{name: "valid admin", header: "Bearer " + adminToken(t, testAdminSecret, "7", adminRole), want: http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			headers := map[string]string{}
			if tt.header != "" {
				headers["Authorization"] = tt.header
			}
			rec := srv.do(t, http.MethodGet, "/admin/settlements", "", headers)
			if rec.Code != tt.want {
				t.Fatalf("expected %d, got %d (%s)", tt.want, rec.Code, rec.Body.String())
			}
		})
	}
}

func TestAdminAuthMiddlewareDisabledWithoutSecret(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+adminToken(t, "unused", "7", adminRole))
	AdminAuthMiddleware("")(next).ServeHTTP(rec, req)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}

func TestPurchaseCaptureIsIdempotentOverHTTP(t *testing.T) {
	srv := newTestServer(t)
	body := `{"purchaseId":1,"sellerId":10,"salesAmount":"10000","contentType":"DOCUMENT","purchasedAt":"2026-03-02T01:00:00Z"}`

	first := srv.internal(t, http.MethodPost, "/internal/purchases/completed", body)
	if first.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d %s", first.Code, first.Body.String())
	}
	second := srv.internal(t, http.MethodPost, "/internal/purchases/completed", body)
	if second.Code != http.StatusOK {
		t.Fatalf("expected 200 for redelivery, got %d", second.Code)
	}

	var result app.CaptureResult
	decodeBody(t, second, &result)
	if result.Created || !result.Item.SettlementAmount.Equal(decimal.NewFromInt(9648)) {
		t.Fatalf("unexpected redelivery result %+v", result)
	}

	refund := srv.internal(t, http.MethodPost, "/internal/purchases/refunded", `{"purchaseId":1}`)
	if refund.Code != http.StatusOK {
		t.Fatalf("refund: %d %s", refund.Code, refund.Body.String())
	}
	unknown := srv.internal(t, http.MethodPost, "/internal/purchases/refunded", `{"purchaseId":404}`)
	if unknown.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown purchase, got %d", unknown.Code)
	}
}

func TestApproveAndWebhookOverHTTP(t *testing.T) {
	srv := newTestServer(t)
	key := "billing-key-10"
	srv.repo.PutSellerProfile(domain.SellerProfile{SellerID: 10, BusinessType: domain.BusinessIndividual, PayoutBillingKey: &key})
	id := srv.processingSettlement(t, 10)

	list := srv.admin(t, http.MethodGet, "/admin/settlements?status=PROCESSING&sellerId=10", "")
	var settlements []domain.Settlement
	decodeBody(t, list, &settlements)
	if len(settlements) != 1 || settlements[0].ID != id {
		t.Fatalf("unexpected list %+v", settlements)
	}

	mismatch := srv.admin(t, http.MethodPost, "/admin/settlements/approve", fmt.Sprintf(`{"settlementIds":[%d],"adminUserId":8}`, id))
	if mismatch.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for mismatched admin id, got %d", mismatch.Code)
	}

	approve := srv.admin(t, http.MethodPost, "/admin/settlements/approve", fmt.Sprintf(`{"settlementIds":[%d,999],"approvalReason":"weekly run"}`, id))
	if approve.Code != http.StatusOK {
		t.Fatalf("approve: %d %s", approve.Code, approve.Body.String())
	}
	var result app.ApprovalResult
	decodeBody(t, approve, &result)
	if result.Succeeded != 1 || result.Skipped != 1 {
		t.Fatalf("expected partial success, got %+v", result)
	}
	if len(srv.payouts.requests) != 1 {
		t.Fatalf("expected one payout request, got %d", len(srv.payouts.requests))
	}

	form := url.Values{"result": {"A0000"}, "tran_amt": {"9648"}, "billing_tran_id": {fmt.Sprintf("BILL-%d", id)}}
	req := httptest.NewRequest(http.MethodPost, "/webhooks/payments/transfer-result", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	srv.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || rec.Body.String() != domain.WebhookResponseSuccess {
		t.Fatalf("webhook: %d %q", rec.Code, rec.Body.String())
	}

	detail := srv.admin(t, http.MethodGet, fmt.Sprintf("/admin/settlements/%d", id), "")
	var view app.SettlementDetail
	decodeBody(t, detail, &view)
	if view.Settlement.Status != domain.StatusCompleted || len(view.Payouts) != 1 {
		t.Fatalf("expected completed settlement with one payout, got %+v", view.Settlement)
	}

	hold := srv.admin(t, http.MethodPost, fmt.Sprintf("/admin/settlements/%d/hold", id), `{"reason":"late"}`)
	if hold.Code != http.StatusConflict {
		t.Fatalf("expected 409 for terminal settlement, got %d", hold.Code)
	}
}

func TestAdminTransitionsOverHTTP(t *testing.T) {
	srv := newTestServer(t)
	id := srv.processingSettlement(t, 20)

	hold := srv.admin(t, http.MethodPost, fmt.Sprintf("/admin/settlements/%d/hold", id), `{"reason":"bank review"}`)
	if hold.Code != http.StatusOK {
		t.Fatalf("hold: %d %s", hold.Code, hold.Body.String())
	}
	var held domain.Settlement
	decodeBody(t, hold, &held)
	if held.Status != domain.StatusOnHold {
		t.Fatalf("expected ON_HOLD, got %s", held.Status)
	}

	for i := 0; i < 2; i++ {
		cancel := srv.admin(t, http.MethodPost, fmt.Sprintf("/admin/settlements/%d/cancel", id), "")
		if cancel.Code != http.StatusOK {
			t.Fatalf("cancel #%d: %d %s", i+1, cancel.Code, cancel.Body.String())
		}
	}
}

func TestWebhookResponses(t *testing.T) {
	srv := newTestServer(t)
	tests := []struct {
		name        string
		contentType string
		body        string
		want        string
	}{
		{name: "verify ping", contentType: "application/json", body: `{"result":"WEBHOOK_VERIFY"}`, want: domain.WebhookResponseVerified},
		{name: "malformed json", contentType: "application/json", body: `{"result":`, want: domain.WebhookResponseInvalidParameters},
		{name: "missing billing id", contentType: "application/json", body: `{"result":"A0000"}`, want: domain.WebhookResponseInvalidParameters},
		{name: "unknown billing id snake case", contentType: "application/json", body: `{"result":"A0000","billing_tran_id":"BILL-X","tran_amt":1000}`, want: domain.WebhookResponseSuccess},
		{name: "form without fields", contentType: "application/x-www-form-urlencoded", body: "foo=bar", want: domain.WebhookResponseInvalidParameters},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := srv.do(t, http.MethodPost, "/webhooks/payments/transfer-result", tt.body, map[string]string{"Content-Type": tt.contentType})
			if rec.Code != http.StatusOK {
				t.Fatalf("webhook must always answer 200, got %d", rec.Code)
			}
			if rec.Body.String() != tt.want {
				t.Fatalf("expected %s, got %s", tt.want, rec.Body.String())
			}
		})
	}
}

func TestJSONNotificationAliases(t *testing.T) {
	n := jsonNotification(map[string]interface{}{
		"result":        "A0000",
		"tranAmt":       "9,648",
		"api_tran_id":   "API-1",
		"billingTranId": "BILL-1",
	})
	if n.TranAmt != "9,648" || n.APITranID != "API-1" || n.BillingTranID != "BILL-1" {
		t.Fatalf("unexpected notification %+v", n)
	}
}

func TestErrorResponses(t *testing.T) {
	srv := newTestServer(t)
	tests := []struct {
		name   string
		method string
		path   string
		body   string
		admin  bool
		want   int
	}{
		{name: "unknown settlement", method: http.MethodGet, path: "/admin/settlements/999", admin: true, want: http.StatusNotFound},
		{name: "non numeric id", method: http.MethodGet, path: "/admin/settlements/abc", admin: true, want: http.StatusBadRequest},
		{name: "unknown status filter", method: http.MethodGet, path: "/admin/settlements?status=DONE", admin: true, want: http.StatusBadRequest},
		{name: "empty approval", method: http.MethodPost, path: "/admin/settlements/approve", body: `{"settlementIds":[]}`, admin: true, want: http.StatusBadRequest},
		{name: "malformed body", method: http.MethodPost, path: "/admin/fee-policies", body: `{`, admin: true, want: http.StatusBadRequest},
		{name: "supersede without date", method: http.MethodPost, path: "/admin/fee-policies/1/supersede", body: `{}`, admin: true, want: http.StatusBadRequest},
		{name: "bad month", method: http.MethodGet, path: "/internal/sellers/1/tax-invoices/2026-13", want: http.StatusBadRequest},
		{name: "unknown tax invoice", method: http.MethodGet, path: "/internal/settlements/5/tax-invoice", want: http.StatusNotFound},
		{name: "fractional purchase", method: http.MethodPost, path: "/internal/purchases/completed", body: `{"purchaseId":1,"sellerId":1,"salesAmount":"10.5","contentType":"DOCUMENT","purchasedAt":"2026-03-02T01:00:00Z"}`, want: http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var rec *httptest.ResponseRecorder
			if tt.admin {
				rec = srv.admin(t, tt.method, tt.path, tt.body)
			} else {
				rec = srv.internal(t, tt.method, tt.path, tt.body)
			}
			if rec.Code != tt.want {
				t.Fatalf("expected %d, got %d (%s)", tt.want, rec.Code, rec.Body.String())
			}
			var body errorResponse
			decodeBody(t, rec, &body)
			if body.Error == "" {
				t.Fatalf("expected error kind in body, got %q", rec.Body.String())
			}
		})
	}
}

func TestFeePolicyEndpoints(t *testing.T) {
	srv := newTestServer(t)
	create := srv.admin(t, http.MethodPost, "/admin/fee-policies", `{
		"scope":"SELLER","sellerId":10,
		"platformFeeRate":{"applied":"0.02"},
		"pgFeeRate":{"applied":"0.017","display":"0.011","baseline":"0.029"},
		"vatRate":"0.1",
		"effectiveFrom":"2026-01-01T00:00:00Z"
	}`)
	if create.Code != http.StatusCreated {
		t.Fatalf("create: %d %s", create.Code, create.Body.String())
	}
	var policy domain.FeePolicy
	decodeBody(t, create, &policy)

	supersede := srv.admin(t, http.MethodPost, fmt.Sprintf("/admin/fee-policies/%d/supersede", policy.ID), `{"effectiveTo":"2026-06-01T00:00:00Z"}`)
	if supersede.Code != http.StatusOK {
		t.Fatalf("supersede: %d %s", supersede.Code, supersede.Body.String())
	}
	decodeBody(t, supersede, &policy)
	if policy.EffectiveTo == nil || !policy.EffectiveTo.Equal(time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected effectiveTo %v", policy.EffectiveTo)
	}
}

func TestStatusForKind(t *testing.T) {
	tests := map[domain.ErrorKind]int{
		domain.KindValidation:        http.StatusBadRequest,
		domain.KindNotFound:          http.StatusNotFound,
		domain.KindInvalidTransition: http.StatusConflict,
		domain.KindConflict:          http.StatusConflict,
		domain.KindProvider:          http.StatusBadGateway,
		domain.KindInternal:          http.StatusInternalServerError,
	}
	for kind, want := range tests {
		if got := statusForKind(kind); got != want {
			t.Fatalf("%s: expected %d, got %d", kind, want, got)
		}
	}
}
