package app

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/groble/settlement-service/internal/domain"
	"github.com/groble/settlement-service/internal/metrics"
	"github.com/groble/settlement-service/internal/store"
	"github.com/shopspring/decimal"
)

// ApprovalOutcome is the per-settlement result of a bulk approval.
type ApprovalOutcome string

const (
	ApprovalSucceeded ApprovalOutcome = "SUCCEEDED"
	ApprovalSkipped   ApprovalOutcome = "SKIPPED"
	ApprovalFailed    ApprovalOutcome = "FAILED"
)

// Skip and failure reasons reported to the admin console.
const (
	ReasonNotFound              = "NOT_FOUND"
	ReasonInvalidStatus         = "INVALID_STATUS"
	ReasonAlreadyPaid           = "ALREADY_PAID"
	ReasonPayoutInFlight        = "PAYOUT_IN_FLIGHT"
	ReasonNoPayableAmount       = "NO_PAYABLE_AMOUNT"
	ReasonPayoutAccountMissing  = "SELLER_PAYOUT_ACCOUNT_MISSING"
	ReasonProviderError         = "PROVIDER_ERROR"
	ReasonProviderNotConfigured = "PROVIDER_NOT_CONFIGURED"
	ReasonPayoutUnconfirmed     = "PAYOUT_UNCONFIRMED"
	ReasonInternalError         = "INTERNAL_ERROR"
)

const payoutPrintContent = "GROBLE"

// ApproveInput is the admin bulk approval request.
type ApproveInput struct {
	SettlementIDs           []int64
	AdminUserID             int64
	ApprovalReason          *string
	ExecutePaypleSettlement bool
}

// ApprovalItemResult reports what happened to one settlement.
type ApprovalItemResult struct {
	SettlementID     int64                   `json:"settlementId"`
	Outcome          ApprovalOutcome         `json:"outcome"`
	Reason           string                  `json:"reason,omitempty"`
	Message          string                  `json:"message,omitempty"`
	Status           domain.SettlementStatus `json:"status,omitempty"`
	SettlementAmount *decimal.Decimal        `json:"settlementAmount,omitempty"`
	PayoutTransferID *int64                  `json:"payoutTransferId,omitempty"`
}

// ApprovalResult summarizes a bulk approval.
type ApprovalResult struct {
	Requested int                  `json:"requested"`
	Succeeded int                  `json:"succeeded"`
	Skipped   int                  `json:"skipped"`
	Failed    int                  `json:"failed"`
	Results   []ApprovalItemResult `json:"results"`
}

func (in ApproveInput) validate() error {
	if len(in.SettlementIDs) == 0 {
		return domain.Validation("settlementIds must not be empty")
	}
	if in.AdminUserID <= 0 {
		return domain.Validation("adminUserId must be positive")
	}
	seen := make(map[int64]bool, len(in.SettlementIDs))
	for _, id := range in.SettlementIDs {
		if id <= 0 {
			return domain.NewError(domain.KindValidation, "settlementIds must be positive", map[string]any{"settlementId": id})
		}
		if seen[id] {
			return domain.NewError(domain.KindValidation, "settlementIds must not repeat", map[string]any{"settlementId": id})
		}
		seen[id] = true
	}
	return nil
}

// Approve processes every settlement independently. A failure on one never
// rolls back or blocks its siblings.
func (s *Service) Approve(ctx context.Context, in ApproveInput) (*ApprovalResult, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}
	if in.ApprovalReason != nil {
		in.ApprovalReason = optionalString(strings.TrimSpace(*in.ApprovalReason))
	}
	result := &ApprovalResult{Requested: len(in.SettlementIDs), Results: make([]ApprovalItemResult, 0, len(in.SettlementIDs))}
	for _, id := range in.SettlementIDs {
		item := s.approveOne(ctx, id, in)
		metrics.RecordApprovalOutcome(string(item.Outcome))
		switch item.Outcome {
		case ApprovalSucceeded:
			result.Succeeded++
		case ApprovalSkipped:
			result.Skipped++
		default:
			result.Failed++
		}
		result.Results = append(result.Results, item)
	}

	s.logger.Info("settlement approval finished",
		"admin_user_id", in.AdminUserID,
		"requested", result.Requested,
		"succeeded", result.Succeeded,
		"skipped", result.Skipped,
		"failed", result.Failed,
	)
	return result, nil
}

type approvalPlan struct {
	settlement *domain.Settlement
	transfer   *domain.PayoutTransfer
	billingKey string
	skip       *ApprovalItemResult
}

func skipped(id int64, reason, message string, status domain.SettlementStatus) *ApprovalItemResult {
	return &ApprovalItemResult{SettlementID: id, Outcome: ApprovalSkipped, Reason: reason, Message: message, Status: status}
}

func (s *Service) approveOne(ctx context.Context, id int64, in ApproveInput) ApprovalItemResult {
	if in.ExecutePaypleSettlement && s.payouts == nil {
		return ApprovalItemResult{SettlementID: id, Outcome: ApprovalFailed, Reason: ReasonProviderNotConfigured, Message: "payout provider is not configured"}
	}

	now := s.now()
	actor := adminActor(in.AdminUserID)

	var plan approvalPlan
	var event *domain.SettlementStatusChangedEvent
	err := s.repo.WithTransaction(ctx, func(tx store.Repository) error {
		plan = approvalPlan{}
		event = nil

		settlement, err := tx.GetSettlementForUpdate(ctx, id)
		if errors.Is(err, store.ErrSettlementNotFound) {
			plan.skip = skipped(id, ReasonNotFound, "settlement does not exist", "")
			return nil
		}
		if err != nil {
			return err
		}

		switch settlement.Status {
		case domain.StatusProcessing, domain.StatusOnHold:
		case domain.StatusCompleted:
			plan.skip = skipped(id, ReasonAlreadyPaid, "settlement is already completed", settlement.Status)
			return nil
		default:
			plan.skip = skipped(id, ReasonInvalidStatus, fmt.Sprintf("settlement is %s", settlement.Status), settlement.Status)
			return nil
		}

		paid, err := tx.HasSucceededPayoutTransfer(ctx, id)
		if err != nil {
			return err
		}
		if paid {
			plan.skip = skipped(id, ReasonAlreadyPaid, "a payout transfer already succeeded", settlement.Status)
			return nil
		}
		if _, err := tx.GetOpenPayoutTransfer(ctx, id); err == nil {
			plan.skip = skipped(id, ReasonPayoutInFlight, "a payout transfer is awaiting the provider webhook", settlement.Status)
			return nil
		} else if !errors.Is(err, store.ErrPayoutTransferNotFound) {
			return err
		}

		totals, err := recomputeTotals(ctx, tx, id)
		if err != nil {
			return err
		}
		settlement.ApplyTotals(totals)
		if !totals.SettlementAmount.IsPositive() {
			plan.skip = skipped(id, ReasonNoPayableAmount, "settlement has nothing to pay out", settlement.Status)
			return nil
		}

		if in.ExecutePaypleSettlement {
			profile, err := tx.GetSellerProfile(ctx, settlement.SellerID)
			if err != nil && !errors.Is(err, store.ErrSellerNotFound) {
				return err
			}
			if profile == nil || profile.PayoutBillingKey == nil || *profile.PayoutBillingKey == "" {
				plan.skip = skipped(id, ReasonPayoutAccountMissing, "seller has no registered payout account", settlement.Status)
				return nil
			}
			plan.billingKey = *profile.PayoutBillingKey
		}

		if settlement.Status == domain.StatusOnHold {
			settlement, event, err = s.transition(ctx, tx, settlement, domain.StatusProcessing, actor, in.ApprovalReason, now)
			if err != nil {
				return err
			}
		}

		if err := tx.RecordApproval(ctx, id, in.AdminUserID, in.ApprovalReason, now); err != nil {
			return err
		}

		if in.ExecutePaypleSettlement {
			transfer, err := tx.CreatePayoutTransfer(ctx, store.CreatePayoutTransferParams{
				SettlementID:    id,
				DistinctKey:     uuid.NewString(),
				RequestedAmount: totals.SettlementAmount,
				RequestedAt:     now,
			})
			if err != nil {
				return err
			}
			plan.transfer = transfer
		}

		plan.settlement = settlement
		return nil
	})
	if errors.Is(err, store.ErrPayoutInFlight) {
		return *skipped(id, ReasonPayoutInFlight, "a payout transfer is awaiting the provider webhook", domain.StatusProcessing)
	}
	if err != nil {
		s.logger.Error("settlement approval failed", "settlement_id", id, "error", err)
		return ApprovalItemResult{SettlementID: id, Outcome: ApprovalFailed, Reason: ReasonInternalError, Message: err.Error()}
	}
	if plan.skip != nil {
		s.logger.Info("settlement approval skipped", "settlement_id", id, "reason", plan.skip.Reason)
		return *plan.skip
	}

	s.emitTransitions(ctx, event)
	amount := plan.settlement.SettlementAmount

	if plan.transfer == nil {
		return ApprovalItemResult{
			SettlementID:     id,
			Outcome:          ApprovalSucceeded,
			Status:           plan.settlement.Status,
			SettlementAmount: &amount,
			Message:          "approved without payout execution",
		}
	}

	return s.executePayout(ctx, plan, actor)
}

// executePayout registers the transfer, stores its provider reference and only
// then executes it, so a result webhook that beats the execute response still
// finds the transfer.
func (s *Service) executePayout(ctx context.Context, plan approvalPlan, actor string) ApprovalItemResult {
	settlement := plan.settlement
	transfer := plan.transfer
	amount := transfer.RequestedAmount
	result := ApprovalItemResult{
		SettlementID:     settlement.ID,
		Outcome:          ApprovalFailed,
		SettlementAmount: &amount,
		PayoutTransferID: &transfer.ID,
	}

	reg, err := s.payouts.RegisterTransfer(ctx, PayoutRequest{
		SettlementID: settlement.ID,
		SellerID:     settlement.SellerID,
		BillingKey:   plan.billingKey,
		Amount:       amount,
		DistinctKey:  transfer.DistinctKey,
		PrintContent: payoutPrintContent,
	})
	if err != nil {
		result.Reason = ReasonProviderError
		result.Message = err.Error()
		result.Status = s.recordPayoutFailure(ctx, settlement.ID, transfer.ID, actor, "payout registration failed: "+err.Error(), true)
		return result
	}

	if err := s.repo.AssignPayoutTransferReference(ctx, transfer.ID, reg.BillingTranID, reg.APITranID); err != nil {
		cause := fmt.Sprintf("record provider reference: %v; transfer was not executed", err)
		result.Reason = ReasonInternalError
		result.Message = cause
		result.Status = s.recordPayoutFailure(ctx, settlement.ID, transfer.ID, actor, cause, true)
		return result
	}

	res, err := s.payouts.ExecuteTransfer(ctx, *reg)
	if errors.Is(err, ErrPayoutRejected) {
		result.Reason = ReasonProviderError
		result.Message = err.Error()
		result.Status = s.recordPayoutFailure(ctx, settlement.ID, transfer.ID, actor, "payout execution rejected: "+err.Error(), true)
		return result
	}
	if err != nil {
		// the provider may still pay; the transfer stays REQUESTED for the webhook
		result.Reason = ReasonPayoutUnconfirmed
		result.Message = err.Error()
		result.Status = s.recordPayoutFailure(ctx, settlement.ID, transfer.ID, actor, "payout execution unconfirmed: "+err.Error(), false)
		return result
	}

	if res.APITranID != "" && res.APITranID != reg.APITranID {
		if err := s.repo.AssignPayoutTransferReference(ctx, transfer.ID, reg.BillingTranID, res.APITranID); err != nil {
			s.logger.Warn("failed to store execute api_tran_id", "payout_transfer_id", transfer.ID, "error", err)
		}
	}

	s.logger.Info("payout transfer executed",
		"settlement_id", settlement.ID,
		"payout_transfer_id", transfer.ID,
		"billing_tran_id", MaskIdentifier(reg.BillingTranID),
		"amount", amount.String(),
	)

	result.Outcome = ApprovalSucceeded
	result.Status = domain.StatusProcessing
	result.Message = "payout requested; awaiting provider confirmation"
	if current, err := s.repo.GetSettlement(ctx, settlement.ID); err == nil {
		result.Status = current.Status
		if current.Status == domain.StatusCompleted {
			result.Message = "payout confirmed by provider"
		}
	}
	return result
}

// recordPayoutFailure parks a PROCESSING settlement ON_HOLD. With
// markTransferFailed the transfer is closed as FAILED first; otherwise the
// settlement is only held while the transfer is still awaiting its webhook.
func (s *Service) recordPayoutFailure(ctx context.Context, settlementID, transferID int64, actor, cause string, markTransferFailed bool) domain.SettlementStatus {
	now := s.now()
	reason := truncate(cause, 500)
	status := domain.StatusOnHold

	var event *domain.SettlementStatusChangedEvent
	err := s.repo.WithTransaction(ctx, func(tx store.Repository) error {
		event = nil
		settlement, err := tx.GetSettlementForUpdate(ctx, settlementID)
		if err != nil {
			return err
		}
		status = settlement.Status

		if markTransferFailed {
			_, err := tx.CompletePayoutTransfer(ctx, store.CompletePayoutTransferParams{
				TransferID:    transferID,
				Status:        domain.PayoutFailed,
				FailureReason: &reason,
				CompletedAt:   now,
			})
			if errors.Is(err, store.ErrPayoutTransferConflict) {
				// a webhook already settled the transfer
				return nil
			}
			if err != nil {
				return err
			}
		} else {
			open, err := tx.GetOpenPayoutTransfer(ctx, settlementID)
			if errors.Is(err, store.ErrPayoutTransferNotFound) {
				return nil
			}
			if err != nil {
				return err
			}
			if open.ID != transferID {
				return nil
			}
		}

		if settlement.Status != domain.StatusProcessing {
			return nil
		}
		updated, ev, err := s.transition(ctx, tx, settlement, domain.StatusOnHold, actor, &reason, now)
		if err != nil {
			return err
		}
		status = updated.Status
		event = ev
		return nil
	})
	if err != nil {
		s.logger.Error("failed to record payout failure", "settlement_id", settlementID, "payout_transfer_id", transferID, "error", err)
		return status
	}

	s.logger.Warn("payout did not complete; settlement on hold",
		"settlement_id", settlementID,
		"payout_transfer_id", transferID,
		"transfer_failed", markTransferFailed,
		"reason", reason,
	)
	s.emitTransitions(ctx, event)
	return status
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
