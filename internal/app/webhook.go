package app

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/groble/settlement-service/internal/domain"
	"github.com/groble/settlement-service/internal/metrics"
	"github.com/groble/settlement-service/internal/store"
	"github.com/shopspring/decimal"
)

// HandleTransferResult reconciles a provider transfer-result notification and
// returns the response body. Every outcome maps to a body; the caller always
// answers with HTTP 200.
func (s *Service) HandleTransferResult(ctx context.Context, n domain.TransferResultNotification) string {
	body := s.handleTransferResult(ctx, n)
	metrics.RecordWebhookOutcome(body)
	return body
}

func (s *Service) handleTransferResult(ctx context.Context, n domain.TransferResultNotification) string {
	n.Result = strings.TrimSpace(n.Result)
	n.BillingTranID = strings.TrimSpace(n.BillingTranID)
	n.APITranID = strings.TrimSpace(n.APITranID)
	n.TranAmt = strings.TrimSpace(n.TranAmt)

	if strings.EqualFold(n.Result, domain.WebhookVerifyResult) {
		return domain.WebhookResponseVerified
	}
	if n.Result == "" || n.BillingTranID == "" {
		s.logger.Warn("transfer webhook missing required fields",
			"has_result", n.Result != "",
			"has_billing_tran_id", n.BillingTranID != "",
		)
		return domain.WebhookResponseInvalidParameters
	}

	var amount *decimal.Decimal
	if n.TranAmt != "" {
		parsed, err := decimal.NewFromString(strings.ReplaceAll(n.TranAmt, ",", ""))
		if err != nil || parsed.IsNegative() {
			s.logger.Warn("transfer webhook has malformed tranAmt", "billing_tran_id", MaskIdentifier(n.BillingTranID))
			return domain.WebhookResponseInvalidParameters
		}
		amount = &parsed
	}

	ctx, cancel := context.WithTimeout(ctx, s.webhookTimeout)
	defer cancel()

	dedupeKey := n.BillingTranID + ":" + n.Result
	if s.deduper != nil {
		acquired, err := s.deduper.Acquire(ctx, dedupeKey)
		if err != nil {
			s.logger.Warn("webhook dedupe unavailable; relying on database", "error", err)
		} else if !acquired {
			s.logger.Info("duplicate transfer webhook delivery", "billing_tran_id", MaskIdentifier(n.BillingTranID))
			return domain.WebhookResponseSuccess
		}
	}

	matched, err := s.reconcileTransfer(ctx, n, amount)
	if err != nil || !matched {
		// an unmatched id may be registered later, so a redelivery must not be swallowed
		s.releaseDedupe(ctx, dedupeKey)
	}
	if err != nil {
		s.logger.Error("transfer webhook processing failed",
			"billing_tran_id", MaskIdentifier(n.BillingTranID),
			"api_tran_id", MaskIdentifier(n.APITranID),
			"error", err,
		)
		return domain.WebhookResponseError
	}
	return domain.WebhookResponseSuccess
}

func (s *Service) releaseDedupe(ctx context.Context, key string) {
	if s.deduper == nil {
		return
	}
	if err := s.deduper.Release(context.WithoutCancel(ctx), key); err != nil {
		s.logger.Warn("failed to release webhook dedupe key", "error", err)
	}
}

// reconcileTransfer applies a result notification. matched is false when no
// transfer carries the billing id.
func (s *Service) reconcileTransfer(ctx context.Context, n domain.TransferResultNotification, amount *decimal.Decimal) (matched bool, err error) {
	now := s.now()
	success := domain.IsTransferSuccess(n.Result)
	maskedBilling := MaskIdentifier(n.BillingTranID)

	var events []*domain.SettlementStatusChangedEvent
	err = s.repo.WithTransaction(ctx, func(tx store.Repository) error {
		events = nil
		matched = false

		transfer, err := tx.GetPayoutTransferByBillingTranID(ctx, n.BillingTranID)
		if errors.Is(err, store.ErrPayoutTransferNotFound) {
			s.logger.Warn("transfer webhook for unknown billingTranId", "billing_tran_id", maskedBilling)
			return nil
		}
		if err != nil {
			return fmt.Errorf("lookup payout transfer: %w", err)
		}
		matched = true

		settlement, err := tx.GetSettlementForUpdate(ctx, transfer.SettlementID)
		if err != nil {
			return fmt.Errorf("lock settlement: %w", err)
		}
		if settlement.Status.IsTerminal() || transfer.Status != domain.PayoutRequested {
			s.logger.Info("transfer webhook already applied",
				"billing_tran_id", maskedBilling,
				"settlement_id", settlement.ID,
				"settlement_status", settlement.Status,
				"transfer_status", transfer.Status,
			)
			return nil
		}

		params := store.CompletePayoutTransferParams{
			TransferID:  transfer.ID,
			Status:      domain.PayoutFailed,
			ResultCode:  &n.Result,
			APITranID:   optionalString(n.APITranID),
			CompletedAt: now,
		}
		if success {
			params.Status = domain.PayoutSucceeded
			params.TransferredAmount = amount
		} else {
			reason := strings.TrimSpace("transfer failed: " + n.Result + " " + n.Message)
			params.FailureReason = &reason
		}

		if _, err := tx.CompletePayoutTransfer(ctx, params); err != nil {
			if errors.Is(err, store.ErrPayoutTransferConflict) {
				s.logger.Info("transfer webhook lost race to a concurrent delivery", "billing_tran_id", maskedBilling)
				return nil
			}
			return fmt.Errorf("complete payout transfer: %w", err)
		}

		if success {
			if amount != nil && !amount.Equal(transfer.RequestedAmount) {
				s.logger.Warn("transferred amount differs from requested amount",
					"settlement_id", settlement.ID,
					"requested", transfer.RequestedAmount.String(),
					"transferred", amount.String(),
				)
			}
			if settlement.Status == domain.StatusOnHold {
				resumed, ev, err := s.transition(ctx, tx, settlement, domain.StatusProcessing, actorWebhook, nil, now)
				if err != nil {
					return err
				}
				settlement = resumed
				events = append(events, ev)
			}
			_, ev, err := s.transition(ctx, tx, settlement, domain.StatusCompleted, actorWebhook, nil, now)
			if err != nil {
				return err
			}
			events = append(events, ev)
			return nil
		}

		if settlement.Status == domain.StatusProcessing {
			_, ev, err := s.transition(ctx, tx, settlement, domain.StatusOnHold, actorWebhook, params.FailureReason, now)
			if err != nil {
				return err
			}
			events = append(events, ev)
		}
		return nil
	})
	if err != nil {
		return matched, err
	}

	s.emitTransitions(ctx, events...)
	return matched, nil
}
