/**
 * @description
 * HTTP handlers for the settlement service.
 */
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/groble/settlement-service/internal/app"
	"github.com/groble/settlement-service/internal/domain"
	"github.com/groble/settlement-service/internal/store"
)

// SettlementService is the application surface the handlers depend on.
type SettlementService interface {
	GetSettlementDetail(ctx context.Context, id int64) (*app.SettlementDetail, error)
	ListSettlements(ctx context.Context, filter store.SettlementFilter) ([]domain.Settlement, error)
	CreateFeePolicy(ctx context.Context, in app.CreateFeePolicyInput) (*domain.FeePolicy, error)
	SupersedeFeePolicy(ctx context.Context, id int64, effectiveTo time.Time) (*domain.FeePolicy, error)
	CapturePurchase(ctx context.Context, event domain.PurchaseCompletedEvent) (*app.CaptureResult, error)
	RecordRefund(ctx context.Context, event domain.PurchaseRefundedEvent) (*domain.SettlementItem, error)
	Aggregate(ctx context.Context, opts app.AggregateOptions) (*app.AggregationResult, error)
	ClosePeriods(ctx context.Context, now time.Time) (*app.ClosePeriodsResult, error)
	Approve(ctx context.Context, in app.ApproveInput) (*app.ApprovalResult, error)
	HoldSettlement(ctx context.Context, in app.AdminTransitionInput) (*domain.Settlement, error)
	RetrySettlement(ctx context.Context, in app.AdminTransitionInput) (*domain.Settlement, error)
	CancelSettlement(ctx context.Context, in app.AdminTransitionInput) (*domain.Settlement, error)
	HandleTransferResult(ctx context.Context, n domain.TransferResultNotification) string
	GetPgFeeAdjustments(ctx context.Context, settlementID int64) (*app.PgFeeAdjustmentSummary, error)
	GetTaxInvoice(ctx context.Context, settlementID int64) (*app.TaxInvoiceView, error)
	GetMonthlyTaxInvoice(ctx context.Context, sellerID int64, yearMonth string) (*app.MonthlyTaxInvoice, error)
}

// Handler holds the application service that handlers will interact with.
type Handler struct {
	service SettlementService
	logger  *slog.Logger
}

// NewHandler creates a new Handler with the given service.
func NewHandler(service SettlementService, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{service: service, logger: logger}
}

const maxBodyBytes = 1 << 20

// decodeJSON reads an optional JSON body into dst. An empty body leaves dst untouched.
func decodeJSON(r *http.Request, dst interface{}) error {
	err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(dst)
	if err == nil || errors.Is(err, io.EOF) {
		return nil
	}
	return domain.Validation("invalid request body: " + err.Error())
}

func idParam(r *http.Request, name string) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		return 0, domain.Validation(name + " must be a positive integer")
	}
	return id, nil
}

// adminID resolves the acting admin. A body value must match the token subject.
func adminID(r *http.Request, fromBody *int64) (int64, int, bool) {
	tokenID, ok := AdminIDFromContext(r.Context())
	if !ok {
		return 0, http.StatusUnauthorized, false
	}
	if fromBody != nil && *fromBody != tokenID {
		return 0, http.StatusForbidden, false
	}
	return tokenID, 0, true
}

type approveRequest struct {
	SettlementIDs           []int64 `json:"settlementIds"`
	AdminUserID             *int64  `json:"adminUserId"`
	ApprovalReason          *string `json:"approvalReason"`
	ExecutePaypleSettlement *bool   `json:"executePaypleSettlement"`
}

func (h *Handler) handleApprove(w http.ResponseWriter, r *http.Request) {
	var req approveRequest
	if err := decodeJSON(r, &req); err != nil {
		h.respondWithError(w, r, err)
		return
	}
	admin, status, ok := adminID(r, req.AdminUserID)
	if !ok {
		http.Error(w, http.StatusText(status), status)
		return
	}

	execute := true
	if req.ExecutePaypleSettlement != nil {
		execute = *req.ExecutePaypleSettlement
	}

	result, err := h.service.Approve(r.Context(), app.ApproveInput{
		SettlementIDs:           req.SettlementIDs,
		AdminUserID:             admin,
		ApprovalReason:          req.ApprovalReason,
		ExecutePaypleSettlement: execute,
	})
	if err != nil {
		h.respondWithError(w, r, err)
		return
	}

	respondWithJSON(w, http.StatusOK, result)
}

type transitionRequest struct {
	AdminUserID *int64 `json:"adminUserId"`
	Reason      string `json:"reason"`
}

type transitionFunc func(context.Context, app.AdminTransitionInput) (*domain.Settlement, error)

func (h *Handler) handleTransition(op transitionFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := idParam(r, "id")
		if err != nil {
			h.respondWithError(w, r, err)
			return
		}
		var req transitionRequest
		if err := decodeJSON(r, &req); err != nil {
			h.respondWithError(w, r, err)
			return
		}
		admin, status, ok := adminID(r, req.AdminUserID)
		if !ok {
			http.Error(w, http.StatusText(status), status)
			return
		}

		settlement, err := op(r.Context(), app.AdminTransitionInput{SettlementID: id, AdminUserID: admin, Reason: req.Reason})
		if err != nil {
			h.respondWithError(w, r, err)
			return
		}

		respondWithJSON(w, http.StatusOK, settlement)
	}
}

func (h *Handler) handleGetSettlement(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "id")
	if err != nil {
		h.respondWithError(w, r, err)
		return
	}

	detail, err := h.service.GetSettlementDetail(r.Context(), id)
	if err != nil {
		h.respondWithError(w, r, err)
		return
	}

	respondWithJSON(w, http.StatusOK, detail)
}

func (h *Handler) handleListSettlements(w http.ResponseWriter, r *http.Request) {
	var filter store.SettlementFilter
	q := r.URL.Query()

	if raw := q.Get("sellerId"); raw != "" {
		sellerID, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || sellerID <= 0 {
			h.respondWithError(w, r, domain.Validation("sellerId must be a positive integer"))
			return
		}
		filter.SellerID = &sellerID
	}
	if raw := q.Get("status"); raw != "" {
		status, ok := domain.ParseSettlementStatus(raw)
		if !ok {
			h.respondWithError(w, r, domain.Validation("unknown status "+raw))
			return
		}
		filter.Status = &status
	}
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			h.respondWithError(w, r, domain.Validation("limit must be a positive integer"))
			return
		}
		filter.Limit = limit
	}

	settlements, err := h.service.ListSettlements(r.Context(), filter)
	if err != nil {
		h.respondWithError(w, r, err)
		return
	}

	respondWithJSON(w, http.StatusOK, settlements)
}

type feePolicyRequest struct {
	Scope           domain.PolicyScope `json:"scope"`
	SellerID        *int64             `json:"sellerId"`
	PlatformFeeRate domain.FeeRate     `json:"platformFeeRate"`
	PgFeeRate       domain.FeeRate     `json:"pgFeeRate"`
	VatRate         *decimal.Decimal   `json:"vatRate"`
	EffectiveFrom   time.Time          `json:"effectiveFrom"`
	EffectiveTo     *time.Time         `json:"effectiveTo"`
}

func (h *Handler) handleCreateFeePolicy(w http.ResponseWriter, r *http.Request) {
	var req feePolicyRequest
	if err := decodeJSON(r, &req); err != nil {
		h.respondWithError(w, r, err)
		return
	}

	policy, err := h.service.CreateFeePolicy(r.Context(), app.CreateFeePolicyInput{
		Scope:           req.Scope,
		SellerID:        req.SellerID,
		PlatformFeeRate: req.PlatformFeeRate,
		PgFeeRate:       req.PgFeeRate,
		VatRate:         req.VatRate,
		EffectiveFrom:   req.EffectiveFrom,
		EffectiveTo:     req.EffectiveTo,
	})
	if err != nil {
		h.respondWithError(w, r, err)
		return
	}

	respondWithJSON(w, http.StatusCreated, policy)
}

type supersedeRequest struct {
	EffectiveTo time.Time `json:"effectiveTo"`
}

func (h *Handler) handleSupersedeFeePolicy(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "id")
	if err != nil {
		h.respondWithError(w, r, err)
		return
	}
	var req supersedeRequest
	if err := decodeJSON(r, &req); err != nil {
		h.respondWithError(w, r, err)
		return
	}
	if req.EffectiveTo.IsZero() {
		h.respondWithError(w, r, domain.Validation("effectiveTo is required"))
		return
	}

	policy, err := h.service.SupersedeFeePolicy(r.Context(), id, req.EffectiveTo)
	if err != nil {
		h.respondWithError(w, r, err)
		return
	}

	respondWithJSON(w, http.StatusOK, policy)
}

type aggregateRequest struct {
	IncludeOpenPeriod bool       `json:"includeOpenPeriod"`
	Now               *time.Time `json:"now"`
}

func (h *Handler) handleAggregate(w http.ResponseWriter, r *http.Request) {
	var req aggregateRequest
	if err := decodeJSON(r, &req); err != nil {
		h.respondWithError(w, r, err)
		return
	}

	opts := app.AggregateOptions{IncludeOpenPeriod: req.IncludeOpenPeriod}
	if req.Now != nil {
		opts.Now = *req.Now
	}

	result, err := h.service.Aggregate(r.Context(), opts)
	if err != nil {
		h.respondWithError(w, r, err)
		return
	}

	h.logger.Info("settlement aggregation finished",
		"created", result.Created,
		"extended", result.Extended,
		"failed", result.Failed,
	)
	respondWithJSON(w, http.StatusOK, result)
}

type closePeriodsRequest struct {
	Now *time.Time `json:"now"`
}

func (h *Handler) handleClosePeriods(w http.ResponseWriter, r *http.Request) {
	var req closePeriodsRequest
	if err := decodeJSON(r, &req); err != nil {
		h.respondWithError(w, r, err)
		return
	}

	var now time.Time
	if req.Now != nil {
		now = *req.Now
	}

	result, err := h.service.ClosePeriods(r.Context(), now)
	if err != nil {
		h.respondWithError(w, r, err)
		return
	}

	respondWithJSON(w, http.StatusOK, result)
}

func (h *Handler) handlePgFeeAdjustments(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "id")
	if err != nil {
		h.respondWithError(w, r, err)
		return
	}

	summary, err := h.service.GetPgFeeAdjustments(r.Context(), id)
	if err != nil {
		h.respondWithError(w, r, err)
		return
	}

	respondWithJSON(w, http.StatusOK, summary)
}

func (h *Handler) handleTaxInvoice(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "id")
	if err != nil {
		h.respondWithError(w, r, err)
		return
	}

	view, err := h.service.GetTaxInvoice(r.Context(), id)
	if err != nil {
		h.respondWithError(w, r, err)
		return
	}

	respondWithJSON(w, http.StatusOK, view)
}

func (h *Handler) handleMonthlyTaxInvoice(w http.ResponseWriter, r *http.Request) {
	sellerID, err := idParam(r, "sellerID")
	if err != nil {
		h.respondWithError(w, r, err)
		return
	}

	invoice, err := h.service.GetMonthlyTaxInvoice(r.Context(), sellerID, chi.URLParam(r, "yearMonth"))
	if err != nil {
		h.respondWithError(w, r, err)
		return
	}

	respondWithJSON(w, http.StatusOK, invoice)
}

func (h *Handler) handlePurchaseCompleted(w http.ResponseWriter, r *http.Request) {
	var event domain.PurchaseCompletedEvent
	if err := decodeJSON(r, &event); err != nil {
		h.respondWithError(w, r, err)
		return
	}

	result, err := h.service.CapturePurchase(r.Context(), event)
	if err != nil {
		h.respondWithError(w, r, err)
		return
	}

	status := http.StatusOK
	if result.Created {
		status = http.StatusCreated
	}
	respondWithJSON(w, status, result)
}

func (h *Handler) handlePurchaseRefunded(w http.ResponseWriter, r *http.Request) {
	var event domain.PurchaseRefundedEvent
	if err := decodeJSON(r, &event); err != nil {
		h.respondWithError(w, r, err)
		return
	}

	item, err := h.service.RecordRefund(r.Context(), event)
	if err != nil {
		h.respondWithError(w, r, err)
		return
	}

	respondWithJSON(w, http.StatusOK, item)
}
