package paypleclient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

type fakeProvider struct {
	tokenCalls   atomic.Int32
	requestCalls atomic.Int32
	executeCalls atomic.Int32
	requestCode  string
	executeCode  string
	lastRequest  TransferRequest
}

func (f *fakeProvider) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(tokenPath, func(w http.ResponseWriter, r *http.Request) {
		f.tokenCalls.Add(1)
		_ = json.NewEncoder(w).Encode(tokenResponse{Result: tokenSuccess, AccessToken: "tok-1", ExpiresIn: "3600"})
	})
	mux.HandleFunc(requestPath, func(w http.ResponseWriter, r *http.Request) {
		f.requestCalls.Add(1)
		if r.Header.Get("Authorization") != "Bearer tok-1" {
			t.Errorf("expected bearer token, got %q", r.Header.Get("Authorization"))
		}
		if err := json.NewDecoder(r.Body).Decode(&f.lastRequest); err != nil {
			t.Errorf("decode transfer request: %v", err)
		}
		code := f.requestCode
		if code == "" {
			code = successCode
		}
		_ = json.NewEncoder(w).Encode(TransferResponse{
			Result:        code,
			Message:       "message for " + code,
			GroupKey:      "GRP-1",
			BillingTranID: "BILLING-TRAN-0001",
			APITranID:     "API-REQ-1",
		})
	})
	mux.HandleFunc(executePath, func(w http.ResponseWriter, r *http.Request) {
		f.executeCalls.Add(1)
		var req executeRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req.GroupKey != "GRP-1" || req.BillingTranID != "BILLING-TRAN-0001" || req.ExecuteType != "NOW" || req.WebhookURL != "https://settlement.example/webhooks" {
			t.Errorf("unexpected execute request %+v", req)
		}
		code := f.executeCode
		if code == "" {
			code = successCode
		}
		_ = json.NewEncoder(w).Encode(executeResponse{Result: code, Message: "message for " + code, GroupKey: req.GroupKey, APITranID: "API-EXEC-1"})
	})
	return mux
}

func newTestClient(srv *httptest.Server) *Client {
	return NewClient(Config{
		BaseURL:    srv.URL + "/",
		CstID:      "partner",
		CustKey:    "secret",
		WebhookURL: "https://settlement.example/webhooks",
		Timeout:    time.Second,
	})
}

func testTransfer() Transfer {
	return Transfer{
		SubID:        "seller-10",
		BillingKey:   "account-token",
		Amount:       decimal.RequireFromString("9648"),
		DistinctKey:  "dk-1",
		PrintContent: "GROBLE",
	}
}

func TestRegisterThenExecuteCachesToken(t *testing.T) {
	provider := &fakeProvider{}
	srv := httptest.NewServer(provider.handler(t))
	defer srv.Close()
	client := newTestClient(srv)

	for i := 0; i < 2; i++ {
		reg, err := client.RegisterTransfer(context.Background(), testTransfer())
		if err != nil {
			t.Fatalf("register transfer: %v", err)
		}
		if reg.GroupKey != "GRP-1" || reg.BillingTranID != "BILLING-TRAN-0001" || reg.APITranID != "API-REQ-1" {
			t.Fatalf("unexpected registration %+v", reg)
		}
		res, err := client.ExecuteTransfer(context.Background(), *reg)
		if err != nil {
			t.Fatalf("execute transfer: %v", err)
		}
		if res.BillingTranID != "BILLING-TRAN-0001" || res.APITranID != "API-EXEC-1" {
			t.Fatalf("unexpected result %+v", res)
		}
	}

	if provider.tokenCalls.Load() != 1 {
		t.Fatalf("expected token to be cached, got %d token calls", provider.tokenCalls.Load())
	}
	if provider.lastRequest.TranAmt != "9648" || provider.lastRequest.BillingTranID != "account-token" || provider.lastRequest.CstID != "partner" {
		t.Fatalf("unexpected transfer request %+v", provider.lastRequest)
	}
}

func TestRegisterTransferDoesNotExecute(t *testing.T) {
	provider := &fakeProvider{}
	srv := httptest.NewServer(provider.handler(t))
	defer srv.Close()

	if _, err := newTestClient(srv).RegisterTransfer(context.Background(), testTransfer()); err != nil {
		t.Fatalf("register transfer: %v", err)
	}
	if provider.requestCalls.Load() != 1 || provider.executeCalls.Load() != 0 {
		t.Fatalf("expected one registration and no execution, got %d/%d", provider.requestCalls.Load(), provider.executeCalls.Load())
	}
}

func TestRegisterTransferReturnsAPIError(t *testing.T) {
	provider := &fakeProvider{requestCode: "E0101"}
	srv := httptest.NewServer(provider.handler(t))
	defer srv.Close()

	_, err := newTestClient(srv).RegisterTransfer(context.Background(), Transfer{BillingKey: "k", Amount: decimal.NewFromInt(1000)})
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Result != "E0101" || apiErr.Endpoint != requestPath {
		t.Fatalf("expected APIError E0101, got %v", err)
	}
}

func TestExecuteTransferReturnsAPIError(t *testing.T) {
	provider := &fakeProvider{executeCode: "E0302"}
	srv := httptest.NewServer(provider.handler(t))
	defer srv.Close()

	_, err := newTestClient(srv).ExecuteTransfer(context.Background(), Registration{GroupKey: "GRP-1", BillingTranID: "BILLING-TRAN-0001"})
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Result != "E0302" || apiErr.Endpoint != executePath {
		t.Fatalf("expected APIError E0302, got %v", err)
	}
}

func TestRegisterTransferHTTPFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "maintenance", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := newTestClient(srv).RegisterTransfer(context.Background(), Transfer{BillingKey: "k", Amount: decimal.NewFromInt(1000)})
	if err == nil {
		t.Fatalf("expected error for 503 response")
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		t.Fatalf("transport failures must not look like provider rejections, got %v", err)
	}
}

func TestTransferValidatesInput(t *testing.T) {
	client := NewClient(Config{BaseURL: "http://127.0.0.1:0"})
	if _, err := client.RegisterTransfer(context.Background(), Transfer{Amount: decimal.NewFromInt(1)}); err == nil {
		t.Fatalf("expected missing billing key error")
	}
	if _, err := client.RegisterTransfer(context.Background(), Transfer{BillingKey: "k", Amount: decimal.Zero}); err == nil {
		t.Fatalf("expected non-positive amount error")
	}
	if _, err := client.ExecuteTransfer(context.Background(), Registration{BillingTranID: "b"}); err == nil {
		t.Fatalf("expected missing group key error")
	}
}
