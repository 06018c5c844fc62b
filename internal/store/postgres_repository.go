/**
 * @description
 * PostgreSQL implementation of the settlement repository. Money columns are
 * NUMERIC and travel as text so no float conversion ever happens.
 */
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/groble/settlement-service/internal/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type scanner interface {
	Scan(dest ...any) error
}

// PostgresRepository talks to the settlement schema through pgx.
type PostgresRepository struct {
	pool *pgxpool.Pool
	db   querier
}

// NewPostgresRepository creates a repository bound to the pool.
func NewPostgresRepository(pool *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{pool: pool, db: pool}
}

// WithTransaction begins a transaction unless the repository is already inside one.
func (r *PostgresRepository) WithTransaction(ctx context.Context, fn func(tx Repository) error) error {
	if r.pool == nil {
		return fn(r)
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(&PostgresRepository{db: tx}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func decimalArg(d *decimal.Decimal) any {
	if d == nil {
		return nil
	}
	return d.String()
}

func parseDecimal(raw string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse numeric %q: %w", raw, err)
	}
	return d, nil
}

func parseOptionalDecimal(raw *string) (*decimal.Decimal, error) {
	if raw == nil {
		return nil, nil
	}
	d, err := parseDecimal(*raw)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// parseDecimals parses raw values into the matching destinations.
func parseDecimals(pairs ...any) error {
	for i := 0; i+1 < len(pairs); i += 2 {
		raw := pairs[i].(string)
		dst := pairs[i+1].(*decimal.Decimal)
		d, err := parseDecimal(raw)
		if err != nil {
			return err
		}
		*dst = d
	}
	return nil
}

// ---- fee policies ----

const feePolicyColumns = `id, scope, seller_id,
	platform_fee_rate_applied::text, platform_fee_rate_display::text, platform_fee_rate_baseline::text,
	pg_fee_rate_applied::text, pg_fee_rate_display::text, pg_fee_rate_baseline::text,
	vat_rate::text, effective_from, effective_to, created_at`

func scanFeePolicy(row scanner) (*domain.FeePolicy, error) {
	var p domain.FeePolicy
	var scope string
	var rates [7]*string
	if err := row.Scan(&p.ID, &scope, &p.SellerID,
		&rates[0], &rates[1], &rates[2], &rates[3], &rates[4], &rates[5], &rates[6],
		&p.EffectiveFrom, &p.EffectiveTo, &p.CreatedAt); err != nil {
		return nil, err
	}
	p.Scope = domain.PolicyScope(scope)

	dsts := []**decimal.Decimal{
		&p.PlatformFeeRate.Applied, &p.PlatformFeeRate.Display, &p.PlatformFeeRate.Baseline,
		&p.PgFeeRate.Applied, &p.PgFeeRate.Display, &p.PgFeeRate.Baseline,
		&p.VatRate,
	}
	for i, raw := range rates {
		d, err := parseOptionalDecimal(raw)
		if err != nil {
			return nil, err
		}
		*dsts[i] = d
	}
	return &p, nil
}

// FindEffectiveFeePolicy returns the most recently started policy of the scope covering at.
func (r *PostgresRepository) FindEffectiveFeePolicy(ctx context.Context, scope domain.PolicyScope, sellerID *int64, at time.Time) (*domain.FeePolicy, error) {
	query := `
		SELECT ` + feePolicyColumns + `
		FROM fee_policies
		WHERE scope = $1
		  AND seller_id IS NOT DISTINCT FROM $2
		  AND effective_from <= $3
		  AND (effective_to IS NULL OR $3 < effective_to)
		ORDER BY effective_from DESC, id DESC
		LIMIT 1
	`
	p, err := scanFeePolicy(r.db.QueryRow(ctx, query, string(scope), sellerID, at))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrFeePolicyNotFound
		}
		return nil, err
	}
	return p, nil
}

func (r *PostgresRepository) GetFeePolicy(ctx context.Context, id int64) (*domain.FeePolicy, error) {
	p, err := scanFeePolicy(r.db.QueryRow(ctx, `SELECT `+feePolicyColumns+` FROM fee_policies WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrFeePolicyNotFound
		}
		return nil, err
	}
	return p, nil
}

func (r *PostgresRepository) CreateFeePolicy(ctx context.Context, params CreateFeePolicyParams) (*domain.FeePolicy, error) {
	query := `
		INSERT INTO fee_policies (
			scope, seller_id,
			platform_fee_rate_applied, platform_fee_rate_display, platform_fee_rate_baseline,
			pg_fee_rate_applied, pg_fee_rate_display, pg_fee_rate_baseline,
			vat_rate, effective_from, effective_to
		) VALUES ($1, $2, $3::numeric, $4::numeric, $5::numeric, $6::numeric, $7::numeric, $8::numeric, $9::numeric, $10, $11)
		RETURNING ` + feePolicyColumns
	return scanFeePolicy(r.db.QueryRow(ctx, query,
		string(params.Scope), params.SellerID,
		decimalArg(params.PlatformFeeRate.Applied), decimalArg(params.PlatformFeeRate.Display), decimalArg(params.PlatformFeeRate.Baseline),
		decimalArg(params.PgFeeRate.Applied), decimalArg(params.PgFeeRate.Display), decimalArg(params.PgFeeRate.Baseline),
		decimalArg(params.VatRate), params.EffectiveFrom, params.EffectiveTo,
	))
}

func (r *PostgresRepository) SupersedeFeePolicy(ctx context.Context, id int64, effectiveTo time.Time) (*domain.FeePolicy, error) {
	p, err := scanFeePolicy(r.db.QueryRow(ctx,
		`UPDATE fee_policies SET effective_to = $2 WHERE id = $1 RETURNING `+feePolicyColumns, id, effectiveTo))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrFeePolicyNotFound
		}
		return nil, err
	}
	return p, nil
}

// ---- settlement items ----

const itemColumns = `id, purchase_id, seller_id, content_type, cycle, sales_amount::text, fee_policy_id,
	platform_fee_rate_applied::text, platform_fee_rate_display::text, platform_fee_rate_baseline::text,
	pg_fee_rate_applied::text, pg_fee_rate_display::text, pg_fee_rate_baseline::text, vat_rate::text,
	snapshot_captured_at, platform_fee::text, pg_fee::text, vat_amount::text, settlement_amount::text,
	refunded, refunded_at, settlement_id, purchased_at, created_at`

func scanItem(row scanner) (*domain.SettlementItem, error) {
	var it domain.SettlementItem
	var contentType, cycle string
	var sales, platformApplied, platformDisplay, platformBaseline string
	var pgApplied, pgDisplay, pgBaseline, vatRate string
	var platformFee, pgFee, vat, net string
	if err := row.Scan(&it.ID, &it.PurchaseID, &it.SellerID, &contentType, &cycle, &sales, &it.Snapshot.PolicyID,
		&platformApplied, &platformDisplay, &platformBaseline,
		&pgApplied, &pgDisplay, &pgBaseline, &vatRate,
		&it.Snapshot.CapturedAt, &platformFee, &pgFee, &vat, &net,
		&it.Refunded, &it.RefundedAt, &it.SettlementID, &it.PurchasedAt, &it.CreatedAt); err != nil {
		return nil, err
	}
	it.ContentType = domain.ContentType(contentType)
	it.Cycle = domain.SettlementCycle(cycle)

	s := &it.Snapshot
	if err := parseDecimals(
		sales, &it.SalesAmount,
		platformApplied, &s.PlatformFeeRateApplied,
		platformDisplay, &s.PlatformFeeRateDisplay,
		platformBaseline, &s.PlatformFeeRateBaseline,
		pgApplied, &s.PgFeeRateApplied,
		pgDisplay, &s.PgFeeRateDisplay,
		pgBaseline, &s.PgFeeRateBaseline,
		vatRate, &s.VatRate,
		platformFee, &it.PlatformFee,
		pgFee, &it.PgFee,
		vat, &it.VatAmount,
		net, &it.SettlementAmount,
	); err != nil {
		return nil, err
	}
	return &it, nil
}

func collectItems(rows pgx.Rows) ([]domain.SettlementItem, error) {
	defer rows.Close()
	var items []domain.SettlementItem
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, *it)
	}
	return items, rows.Err()
}

// CreateSettlementItem inserts the item; an existing row for the purchase yields ErrDuplicatePurchase.
func (r *PostgresRepository) CreateSettlementItem(ctx context.Context, item domain.SettlementItem) (*domain.SettlementItem, error) {
	s := item.Snapshot
	query := `
		INSERT INTO settlement_items (
			purchase_id, seller_id, content_type, cycle, sales_amount, fee_policy_id,
			platform_fee_rate_applied, platform_fee_rate_display, platform_fee_rate_baseline,
			pg_fee_rate_applied, pg_fee_rate_display, pg_fee_rate_baseline, vat_rate,
			snapshot_captured_at, platform_fee, pg_fee, vat_amount, settlement_amount, purchased_at
		) VALUES (
			$1, $2, $3, $4, $5::numeric, $6,
			$7::numeric, $8::numeric, $9::numeric,
			$10::numeric, $11::numeric, $12::numeric, $13::numeric,
			$14, $15::numeric, $16::numeric, $17::numeric, $18::numeric, $19
		)
		ON CONFLICT (purchase_id) DO NOTHING
		RETURNING ` + itemColumns
	created, err := scanItem(r.db.QueryRow(ctx, query,
		item.PurchaseID, item.SellerID, string(item.ContentType), string(item.Cycle), item.SalesAmount.String(), s.PolicyID,
		s.PlatformFeeRateApplied.String(), s.PlatformFeeRateDisplay.String(), s.PlatformFeeRateBaseline.String(),
		s.PgFeeRateApplied.String(), s.PgFeeRateDisplay.String(), s.PgFeeRateBaseline.String(), s.VatRate.String(),
		s.CapturedAt, item.PlatformFee.String(), item.PgFee.String(), item.VatAmount.String(), item.SettlementAmount.String(),
		item.PurchasedAt,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrDuplicatePurchase
		}
		return nil, err
	}
	return created, nil
}

func (r *PostgresRepository) GetSettlementItemByPurchaseID(ctx context.Context, purchaseID int64) (*domain.SettlementItem, error) {
	it, err := scanItem(r.db.QueryRow(ctx, `SELECT `+itemColumns+` FROM settlement_items WHERE purchase_id = $1`, purchaseID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrItemNotFound
		}
		return nil, err
	}
	return it, nil
}

// MarkItemRefunded flags the item once. The bool reports whether this call changed it.
func (r *PostgresRepository) MarkItemRefunded(ctx context.Context, purchaseID int64, refundedAt time.Time) (*domain.SettlementItem, bool, error) {
	query := `
		UPDATE settlement_items
		SET refunded = TRUE, refunded_at = $2
		WHERE purchase_id = $1 AND refunded = FALSE
		RETURNING ` + itemColumns
	it, err := scanItem(r.db.QueryRow(ctx, query, purchaseID, refundedAt))
	if err == nil {
		return it, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, err
	}

	existing, err := r.GetSettlementItemByPurchaseID(ctx, purchaseID)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

func (r *PostgresRepository) ListUnbatchedSellerCycles(ctx context.Context, purchasedBefore time.Time) ([]SellerCycle, error) {
	rows, err := r.db.Query(ctx, `
		SELECT DISTINCT seller_id, cycle
		FROM settlement_items
		WHERE settlement_id IS NULL AND purchased_at < $1
		ORDER BY seller_id, cycle
	`, purchasedBefore)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SellerCycle
	for rows.Next() {
		var sc SellerCycle
		var cycle string
		if err := rows.Scan(&sc.SellerID, &cycle); err != nil {
			return nil, err
		}
		sc.Cycle = domain.SettlementCycle(cycle)
		out = append(out, sc)
	}
	return out, rows.Err()
}

func (r *PostgresRepository) ListUnbatchedItems(ctx context.Context, sellerID int64, cycle domain.SettlementCycle, purchasedBefore time.Time) ([]domain.SettlementItem, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+itemColumns+`
		FROM settlement_items
		WHERE seller_id = $1 AND cycle = $2 AND settlement_id IS NULL AND purchased_at < $3
		ORDER BY purchased_at, id
	`, sellerID, string(cycle), purchasedBefore)
	if err != nil {
		return nil, err
	}
	return collectItems(rows)
}

// AttachItemsToSettlement only claims items nobody has attached yet.
func (r *PostgresRepository) AttachItemsToSettlement(ctx context.Context, settlementID int64, itemIDs []int64) (int64, error) {
	if len(itemIDs) == 0 {
		return 0, nil
	}
	tag, err := r.db.Exec(ctx, `
		UPDATE settlement_items
		SET settlement_id = $1
		WHERE id = ANY($2) AND settlement_id IS NULL
	`, settlementID, itemIDs)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (r *PostgresRepository) ListItemsBySettlement(ctx context.Context, settlementID int64) ([]domain.SettlementItem, error) {
	rows, err := r.db.Query(ctx, `SELECT `+itemColumns+` FROM settlement_items WHERE settlement_id = $1 ORDER BY purchased_at, id`, settlementID)
	if err != nil {
		return nil, err
	}
	return collectItems(rows)
}

// ---- settlements ----

const settlementColumns = `id, seller_id, cycle, settlement_start_date, settlement_end_date, scheduled_settlement_date,
	total_sales::text, total_platform_fee::text, total_pg_fee::text, total_vat::text, settlement_amount::text, item_count,
	status, approved_by, approval_reason, approved_at, completed_at, hold_reason, created_at, updated_at`

func scanSettlement(row scanner) (*domain.Settlement, error) {
	var s domain.Settlement
	var cycle, status string
	var sales, platformFee, pgFee, vat, net string
	if err := row.Scan(&s.ID, &s.SellerID, &cycle, &s.SettlementStartDate, &s.SettlementEndDate, &s.ScheduledSettlementDate,
		&sales, &platformFee, &pgFee, &vat, &net, &s.ItemCount,
		&status, &s.ApprovedBy, &s.ApprovalReason, &s.ApprovedAt, &s.CompletedAt, &s.HoldReason, &s.CreatedAt, &s.UpdatedAt); err != nil {
		return nil, err
	}
	s.Cycle = domain.SettlementCycle(cycle)
	s.Status = domain.SettlementStatus(status)
	if err := parseDecimals(
		sales, &s.TotalSales,
		platformFee, &s.TotalPlatformFee,
		pgFee, &s.TotalPgFee,
		vat, &s.TotalVat,
		net, &s.SettlementAmount,
	); err != nil {
		return nil, err
	}
	return &s, nil
}

func collectSettlements(rows pgx.Rows) ([]domain.Settlement, error) {
	defer rows.Close()
	var out []domain.Settlement
	for rows.Next() {
		s, err := scanSettlement(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *s)
	}
	return out, rows.Err()
}

// CreateSettlement inserts a batch; an existing row for the seller period yields
// ErrDuplicateSettlement without aborting the surrounding transaction.
func (r *PostgresRepository) CreateSettlement(ctx context.Context, params CreateSettlementParams) (*domain.Settlement, error) {
	query := `
		INSERT INTO settlements (seller_id, cycle, settlement_start_date, settlement_end_date, scheduled_settlement_date, status)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (seller_id, settlement_start_date, settlement_end_date) DO NOTHING
		RETURNING ` + settlementColumns
	s, err := scanSettlement(r.db.QueryRow(ctx, query,
		params.SellerID, string(params.Cycle), params.Period.Start, params.Period.End, params.ScheduledSettlementDate, string(params.Status)))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrDuplicateSettlement
		}
		return nil, err
	}
	return s, nil
}

func (r *PostgresRepository) getSettlement(ctx context.Context, query string, args ...any) (*domain.Settlement, error) {
	s, err := scanSettlement(r.db.QueryRow(ctx, query, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSettlementNotFound
		}
		return nil, err
	}
	return s, nil
}

func (r *PostgresRepository) GetSettlement(ctx context.Context, id int64) (*domain.Settlement, error) {
	return r.getSettlement(ctx, `SELECT `+settlementColumns+` FROM settlements WHERE id = $1`, id)
}

// GetSettlementForUpdate locks the row until the transaction ends.
func (r *PostgresRepository) GetSettlementForUpdate(ctx context.Context, id int64) (*domain.Settlement, error) {
	return r.getSettlement(ctx, `SELECT `+settlementColumns+` FROM settlements WHERE id = $1 FOR UPDATE`, id)
}

func (r *PostgresRepository) GetSettlementByPeriod(ctx context.Context, sellerID int64, period domain.Period) (*domain.Settlement, error) {
	return r.getSettlement(ctx, `
		SELECT `+settlementColumns+`
		FROM settlements
		WHERE seller_id = $1 AND settlement_start_date = $2 AND settlement_end_date = $3
	`, sellerID, period.Start, period.End)
}

func (r *PostgresRepository) ListSettlements(ctx context.Context, filter SettlementFilter) ([]domain.Settlement, error) {
	var conds []string
	var args []any
	if filter.SellerID != nil {
		args = append(args, *filter.SellerID)
		conds = append(conds, fmt.Sprintf("seller_id = $%d", len(args)))
	}
	if filter.Status != nil {
		args = append(args, string(*filter.Status))
		conds = append(conds, fmt.Sprintf("status = $%d", len(args)))
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT ` + settlementColumns + ` FROM settlements`
	if len(conds) > 0 {
		query += ` WHERE ` + strings.Join(conds, " AND ")
	}
	args = append(args, limit)
	query += fmt.Sprintf(` ORDER BY settlement_start_date DESC, id DESC LIMIT $%d`, len(args))

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return collectSettlements(rows)
}

func (r *PostgresRepository) ListPendingSettlementsEndedBy(ctx context.Context, endedBy time.Time) ([]domain.Settlement, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+settlementColumns+`
		FROM settlements
		WHERE status = 'PENDING' AND settlement_end_date <= $1
		ORDER BY settlement_end_date, id
	`, endedBy)
	if err != nil {
		return nil, err
	}
	return collectSettlements(rows)
}

// ListCompletedSettlementsEndingBetween matches exclusive end dates in (from, to].
func (r *PostgresRepository) ListCompletedSettlementsEndingBetween(ctx context.Context, sellerID int64, from, to time.Time) ([]domain.Settlement, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+settlementColumns+`
		FROM settlements
		WHERE seller_id = $1 AND status = 'COMPLETED'
		  AND settlement_end_date > $2 AND settlement_end_date <= $3
		ORDER BY settlement_start_date, id
	`, sellerID, from, to)
	if err != nil {
		return nil, err
	}
	return collectSettlements(rows)
}

func (r *PostgresRepository) UpdateSettlementTotals(ctx context.Context, id int64, totals domain.SettlementTotals) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE settlements
		SET total_sales = $2::numeric, total_platform_fee = $3::numeric, total_pg_fee = $4::numeric,
		    total_vat = $5::numeric, settlement_amount = $6::numeric, item_count = $7, updated_at = NOW()
		WHERE id = $1
	`, id, totals.TotalSales.String(), totals.TotalPlatformFee.String(), totals.TotalPgFee.String(),
		totals.TotalVat.String(), totals.SettlementAmount.String(), totals.ItemCount)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrSettlementNotFound
	}
	return nil
}

// UpdateSettlementStatus is a compare-and-set on the stored status.
func (r *PostgresRepository) UpdateSettlementStatus(ctx context.Context, params UpdateStatusParams) (*domain.Settlement, error) {
	from := make([]string, len(params.From))
	for i, st := range params.From {
		from[i] = string(st)
	}

	query := `
		UPDATE settlements
		SET status = $2,
		    hold_reason = $3,
		    completed_at = COALESCE($4, completed_at),
		    updated_at = $5
		WHERE id = $1 AND status = ANY($6)
		RETURNING ` + settlementColumns
	s, err := scanSettlement(r.db.QueryRow(ctx, query,
		params.SettlementID, string(params.To), params.HoldReason, params.CompletedAt, params.At, from))
	if err == nil {
		return s, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}

	if _, err := r.GetSettlement(ctx, params.SettlementID); err != nil {
		return nil, err
	}
	return nil, ErrStatusConflict
}

func (r *PostgresRepository) RecordApproval(ctx context.Context, id int64, adminUserID int64, reason *string, at time.Time) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE settlements
		SET approved_by = $2, approval_reason = $3, approved_at = $4, updated_at = $4
		WHERE id = $1
	`, id, adminUserID, reason, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrSettlementNotFound
	}
	return nil
}

func (r *PostgresRepository) InsertStatusHistory(ctx context.Context, entry domain.SettlementStatusHistory) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO settlement_status_history (settlement_id, from_status, to_status, actor, reason, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, entry.SettlementID, string(entry.FromStatus), string(entry.ToStatus), entry.Actor, entry.Reason, entry.CreatedAt)
	return err
}

func (r *PostgresRepository) ListStatusHistory(ctx context.Context, settlementID int64) ([]domain.SettlementStatusHistory, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, settlement_id, from_status, to_status, actor, reason, created_at
		FROM settlement_status_history
		WHERE settlement_id = $1
		ORDER BY created_at, id
	`, settlementID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.SettlementStatusHistory
	for rows.Next() {
		var h domain.SettlementStatusHistory
		var from, to string
		if err := rows.Scan(&h.ID, &h.SettlementID, &from, &to, &h.Actor, &h.Reason, &h.CreatedAt); err != nil {
			return nil, err
		}
		h.FromStatus = domain.SettlementStatus(from)
		h.ToStatus = domain.SettlementStatus(to)
		out = append(out, h)
	}
	return out, rows.Err()
}

// ---- payout transfers ----

const payoutColumns = `id, settlement_id, billing_tran_id, api_tran_id, distinct_key, requested_amount::text,
	transferred_amount::text, status, result_code, failure_reason, requested_at, completed_at`

func scanPayout(row scanner) (*domain.PayoutTransfer, error) {
	var p domain.PayoutTransfer
	var requested, status string
	var transferred *string
	if err := row.Scan(&p.ID, &p.SettlementID, &p.BillingTranID, &p.APITranID, &p.DistinctKey, &requested,
		&transferred, &status, &p.ResultCode, &p.FailureReason, &p.RequestedAt, &p.CompletedAt); err != nil {
		return nil, err
	}
	p.Status = domain.PayoutTransferStatus(status)

	var err error
	if p.RequestedAmount, err = parseDecimal(requested); err != nil {
		return nil, err
	}
	if p.TransferredAmount, err = parseOptionalDecimal(transferred); err != nil {
		return nil, err
	}
	return &p, nil
}

// CreatePayoutTransfer opens a REQUESTED transfer. A second open transfer for
// the same settlement yields ErrPayoutInFlight.
func (r *PostgresRepository) CreatePayoutTransfer(ctx context.Context, params CreatePayoutTransferParams) (*domain.PayoutTransfer, error) {
	query := `
		INSERT INTO payout_transfers (settlement_id, distinct_key, requested_amount, status, requested_at)
		VALUES ($1, $2, $3::numeric, 'REQUESTED', $4)
		ON CONFLICT (settlement_id) WHERE status = 'REQUESTED' DO NOTHING
		RETURNING ` + payoutColumns
	p, err := scanPayout(r.db.QueryRow(ctx, query,
		params.SettlementID, params.DistinctKey, params.RequestedAmount.String(), params.RequestedAt))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPayoutInFlight
		}
		return nil, err
	}
	return p, nil
}

func (r *PostgresRepository) AssignPayoutTransferReference(ctx context.Context, transferID int64, billingTranID, apiTranID string) error {
	var apiRef *string
	if apiTranID != "" {
		apiRef = &apiTranID
	}
	tag, err := r.db.Exec(ctx, `
		UPDATE payout_transfers SET billing_tran_id = $2, api_tran_id = $3 WHERE id = $1
	`, transferID, billingTranID, apiRef)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateBillingTranID
		}
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrPayoutTransferNotFound
	}
	return nil
}

func (r *PostgresRepository) getPayout(ctx context.Context, query string, args ...any) (*domain.PayoutTransfer, error) {
	p, err := scanPayout(r.db.QueryRow(ctx, query, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPayoutTransferNotFound
		}
		return nil, err
	}
	return p, nil
}

func (r *PostgresRepository) GetPayoutTransferByBillingTranID(ctx context.Context, billingTranID string) (*domain.PayoutTransfer, error) {
	return r.getPayout(ctx, `SELECT `+payoutColumns+` FROM payout_transfers WHERE billing_tran_id = $1 FOR UPDATE`, billingTranID)
}

func (r *PostgresRepository) GetOpenPayoutTransfer(ctx context.Context, settlementID int64) (*domain.PayoutTransfer, error) {
	return r.getPayout(ctx, `SELECT `+payoutColumns+` FROM payout_transfers WHERE settlement_id = $1 AND status = 'REQUESTED'`, settlementID)
}

func (r *PostgresRepository) HasSucceededPayoutTransfer(ctx context.Context, settlementID int64) (bool, error) {
	var exists bool
	err := r.db.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM payout_transfers WHERE settlement_id = $1 AND status = 'SUCCEEDED')
	`, settlementID).Scan(&exists)
	return exists, err
}

// CompletePayoutTransfer finalizes a transfer only while it is still REQUESTED.
func (r *PostgresRepository) CompletePayoutTransfer(ctx context.Context, params CompletePayoutTransferParams) (*domain.PayoutTransfer, error) {
	query := `
		UPDATE payout_transfers
		SET status = $2, result_code = $3, failure_reason = $4,
		    api_tran_id = COALESCE($5, api_tran_id),
		    transferred_amount = $6::numeric, completed_at = $7
		WHERE id = $1 AND status = 'REQUESTED'
		RETURNING ` + payoutColumns
	p, err := scanPayout(r.db.QueryRow(ctx, query,
		params.TransferID, string(params.Status), params.ResultCode, params.FailureReason,
		params.APITranID, decimalArg(params.TransferredAmount), params.CompletedAt))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPayoutTransferConflict
		}
		return nil, err
	}
	return p, nil
}

func (r *PostgresRepository) CancelOpenPayoutTransfers(ctx context.Context, settlementID int64, at time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE payout_transfers SET status = 'CANCELLED', completed_at = $2
		WHERE settlement_id = $1 AND status = 'REQUESTED'
	`, settlementID, at)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (r *PostgresRepository) ListPayoutTransfers(ctx context.Context, settlementID int64) ([]domain.PayoutTransfer, error) {
	rows, err := r.db.Query(ctx, `SELECT `+payoutColumns+` FROM payout_transfers WHERE settlement_id = $1 ORDER BY requested_at, id`, settlementID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.PayoutTransfer
	for rows.Next() {
		p, err := scanPayout(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

// ---- sellers ----

func (r *PostgresRepository) GetSellerProfile(ctx context.Context, sellerID int64) (*domain.SellerProfile, error) {
	var p domain.SellerProfile
	var businessType string
	err := r.db.QueryRow(ctx, `
		SELECT seller_id, business_type, payout_billing_key FROM seller_profiles WHERE seller_id = $1
	`, sellerID).Scan(&p.SellerID, &businessType, &p.PayoutBillingKey)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSellerNotFound
		}
		return nil, err
	}
	p.BusinessType = domain.BusinessType(businessType)
	return &p, nil
}
