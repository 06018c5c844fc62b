/**
 * @description
 * Scheduled job implementations. Each job calls one idempotent batch entry
 * point on the settlement server, so overlapping or repeated runs are safe.
 */
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/groble/settlement-service/pkg/settlementclient"
)

const jobTimeout = 10 * time.Minute

// SettlementClient defines the batch endpoints of the settlement server.
type SettlementClient interface {
	Aggregate(ctx context.Context, includeOpenPeriod bool) (*settlementclient.AggregationSummary, error)
	ClosePeriods(ctx context.Context) (*settlementclient.ClosePeriodsSummary, error)
}

// Jobs contains the logic for all scheduled tasks.
type Jobs struct {
	client            SettlementClient
	logger            *slog.Logger
	includeOpenPeriod bool
}

// NewJobs creates a new Jobs runner.
func NewJobs(client SettlementClient, logger *slog.Logger, includeOpenPeriod bool) *Jobs {
	return &Jobs{client: client, logger: logger, includeOpenPeriod: includeOpenPeriod}
}

// AggregateSettlements batches captured items into settlements.
func (j *Jobs) AggregateSettlements() {
	j.logger.Info("starting settlement aggregation job")
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	summary, err := j.client.Aggregate(ctx, j.includeOpenPeriod)
	if err != nil {
		j.logger.Error("failed to aggregate settlements", "error", err)
		return
	}

	j.logger.Info("settlement aggregation job finished",
		"created", summary.Created,
		"extended", summary.Extended,
		"skipped", summary.Skipped,
		"failed", summary.Failed,
		"items_attached", summary.ItemsAttached,
	)
}

// CloseSettlementPeriods moves ended PENDING settlements to PROCESSING.
func (j *Jobs) CloseSettlementPeriods() {
	j.logger.Info("starting settlement period close job")
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	summary, err := j.client.ClosePeriods(ctx)
	if err != nil {
		j.logger.Error("failed to close settlement periods", "error", err)
		return
	}
	if summary.Failed > 0 {
		j.logger.Warn("some settlement periods failed to close", "failed", summary.Failed)
	}

	j.logger.Info("settlement period close job finished",
		"evaluated", summary.Evaluated,
		"transitioned", summary.Transitioned,
		"skipped", summary.Skipped,
	)
}
