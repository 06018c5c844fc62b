package app

import (
	"context"
	"log/slog"
	"time"

	"github.com/groble/settlement-service/internal/metrics"
)

type loggingPayoutClient struct {
	next   PayoutClient
	logger *slog.Logger
}

// WithPayoutLogging wraps a PayoutClient with request/response logging and
// latency metrics. Provider identifiers are masked.
func WithPayoutLogging(next PayoutClient, logger *slog.Logger) PayoutClient {
	if logger == nil {
		logger = slog.Default()
	}
	return &loggingPayoutClient{next: next, logger: logger.With("component", "payout-client")}
}

func (c *loggingPayoutClient) RegisterTransfer(ctx context.Context, req PayoutRequest) (*PayoutRegistration, error) {
	start := time.Now()
	c.logger.Info("payout transfer registration",
		"settlement_id", req.SettlementID,
		"seller_id", req.SellerID,
		"amount", req.Amount.String(),
		"distinct_key", MaskIdentifier(req.DistinctKey),
	)

	reg, err := c.next.RegisterTransfer(ctx, req)
	elapsed := time.Since(start)
	metrics.ObservePayoutRequest(elapsed)

	if err != nil {
		c.logger.Warn("payout transfer registration failed",
			"settlement_id", req.SettlementID,
			"duration_ms", elapsed.Milliseconds(),
			"error", err,
		)
		return nil, err
	}

	c.logger.Info("payout transfer registered",
		"settlement_id", req.SettlementID,
		"billing_tran_id", MaskIdentifier(reg.BillingTranID),
		"api_tran_id", MaskIdentifier(reg.APITranID),
		"duration_ms", elapsed.Milliseconds(),
	)
	return reg, nil
}

func (c *loggingPayoutClient) ExecuteTransfer(ctx context.Context, reg PayoutRegistration) (*PayoutResult, error) {
	start := time.Now()
	res, err := c.next.ExecuteTransfer(ctx, reg)
	elapsed := time.Since(start)
	metrics.ObservePayoutRequest(elapsed)

	if err != nil {
		c.logger.Warn("payout transfer execution failed",
			"billing_tran_id", MaskIdentifier(reg.BillingTranID),
			"duration_ms", elapsed.Milliseconds(),
			"error", err,
		)
		return nil, err
	}

	c.logger.Info("payout transfer accepted",
		"billing_tran_id", MaskIdentifier(res.BillingTranID),
		"api_tran_id", MaskIdentifier(res.APITranID),
		"result", res.ResultCode,
		"duration_ms", elapsed.Milliseconds(),
	)
	return res, nil
}
