package app

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/groble/settlement-service/internal/domain"
	"github.com/groble/settlement-service/internal/metrics"
	"github.com/groble/settlement-service/internal/store"
)

// AggregateOptions controls one aggregation run.
type AggregateOptions struct {
	Now time.Time
	// IncludeOpenPeriod also batches items of periods that have not ended yet.
	// Such settlements start PENDING and are closed later by ClosePeriods.
	IncludeOpenPeriod bool
}

// AggregationResult summarizes an aggregation run.
type AggregationResult struct {
	SellerCycles  int `json:"sellerCycles"`
	Periods       int `json:"periods"`
	Created       int `json:"created"`
	Extended      int `json:"extended"`
	Skipped       int `json:"skipped"`
	Failed        int `json:"failed"`
	ItemsAttached int `json:"itemsAttached"`
}

type periodOutcome string

const (
	outcomeCreated  periodOutcome = "created"
	outcomeExtended periodOutcome = "extended"
	outcomeSkipped  periodOutcome = "skipped"
)

type periodBatch struct {
	period  domain.Period
	itemIDs []int64
}

// Aggregate batches unattached items into one settlement per seller period.
// Each period is its own transaction; a concurrent run that already created
// the settlement turns this run's attempt into a no-op.
func (s *Service) Aggregate(ctx context.Context, opts AggregateOptions) (*AggregationResult, error) {
	now := opts.Now
	if now.IsZero() {
		now = s.now()
	}

	pairs, err := s.repo.ListUnbatchedSellerCycles(ctx, now)
	if err != nil {
		return nil, domain.Internal("list unbatched seller cycles", err)
	}

	result := &AggregationResult{SellerCycles: len(pairs)}
	for _, pair := range pairs {
		items, err := s.repo.ListUnbatchedItems(ctx, pair.SellerID, pair.Cycle, now)
		if err != nil {
			result.Failed++
			s.logger.Error("failed to list unbatched items", "seller_id", pair.SellerID, "cycle", pair.Cycle, "error", err)
			continue
		}

		for _, batch := range s.groupByPeriod(pair.Cycle, items) {
			closed := batch.period.Closed(now)
			if !closed && !opts.IncludeOpenPeriod {
				continue
			}
			result.Periods++

			outcome, attached, err := s.aggregatePeriod(ctx, pair, batch, closed)
			if err != nil {
				result.Failed++
				metrics.RecordSettlementAggregated(string(pair.Cycle), "failed")
				s.logger.Error("failed to aggregate settlement period",
					"seller_id", pair.SellerID,
					"cycle", pair.Cycle,
					"period_start", batch.period.Start,
					"error", err,
				)
				continue
			}

			metrics.RecordSettlementAggregated(string(pair.Cycle), string(outcome))
			result.ItemsAttached += attached
			switch outcome {
			case outcomeCreated:
				result.Created++
			case outcomeExtended:
				result.Extended++
			default:
				result.Skipped++
			}
		}
	}

	s.logger.Info("aggregation run finished",
		"seller_cycles", result.SellerCycles,
		"periods", result.Periods,
		"created", result.Created,
		"extended", result.Extended,
		"skipped", result.Skipped,
		"failed", result.Failed,
		"items_attached", result.ItemsAttached,
	)
	return result, nil
}

func (s *Service) groupByPeriod(cycle domain.SettlementCycle, items []domain.SettlementItem) []periodBatch {
	byStart := map[time.Time]*periodBatch{}
	for _, item := range items {
		p := domain.PeriodFor(cycle, item.PurchasedAt, s.loc)
		key := p.Start.UTC()
		batch, ok := byStart[key]
		if !ok {
			batch = &periodBatch{period: p}
			byStart[key] = batch
		}
		batch.itemIDs = append(batch.itemIDs, item.ID)
	}

	out := make([]periodBatch, 0, len(byStart))
	for _, batch := range byStart {
		out = append(out, *batch)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].period.Start.Before(out[j].period.Start) })
	return out
}

func (s *Service) aggregatePeriod(ctx context.Context, pair store.SellerCycle, batch periodBatch, closed bool) (periodOutcome, int, error) {
	status := domain.StatusPending
	if closed {
		status = domain.StatusProcessing
	}

	outcome := outcomeCreated
	attached := 0
	err := s.repo.WithTransaction(ctx, func(tx store.Repository) error {
		settlement, err := tx.CreateSettlement(ctx, store.CreateSettlementParams{
			SellerID:                pair.SellerID,
			Cycle:                   pair.Cycle,
			Period:                  batch.period,
			ScheduledSettlementDate: domain.ScheduledSettlementDate(batch.period, s.lagDays),
			Status:                  status,
		})
		if errors.Is(err, store.ErrDuplicateSettlement) {
			existing, lookupErr := tx.GetSettlementByPeriod(ctx, pair.SellerID, batch.period)
			if lookupErr != nil {
				return fmt.Errorf("load existing settlement: %w", lookupErr)
			}
			if existing, lookupErr = tx.GetSettlementForUpdate(ctx, existing.ID); lookupErr != nil {
				return fmt.Errorf("lock existing settlement: %w", lookupErr)
			}
			if existing.Status != domain.StatusPending {
				outcome = outcomeSkipped
				s.logger.Warn("items left unbatched: settlement for period already closed",
					"settlement_id", existing.ID,
					"seller_id", pair.SellerID,
					"status", existing.Status,
					"items", len(batch.itemIDs),
				)
				return nil
			}
			settlement = existing
			outcome = outcomeExtended
		} else if err != nil {
			return fmt.Errorf("create settlement: %w", err)
		}

		n, err := tx.AttachItemsToSettlement(ctx, settlement.ID, batch.itemIDs)
		if err != nil {
			return fmt.Errorf("attach items: %w", err)
		}
		attached = int(n)
		if attached == 0 && outcome == outcomeExtended {
			outcome = outcomeSkipped
			return nil
		}

		_, err = recomputeTotals(ctx, tx, settlement.ID)
		return err
	})
	if err != nil {
		return "", 0, err
	}
	return outcome, attached, nil
}
