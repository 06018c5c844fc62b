package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/groble/settlement-service/internal/domain"
	"github.com/shopspring/decimal"
)

type memState struct {
	nextID         int64
	policies       map[int64]domain.FeePolicy
	items          map[int64]domain.SettlementItem
	itemByPurchase map[int64]int64
	settlements    map[int64]domain.Settlement
	payouts        map[int64]domain.PayoutTransfer
	history        []domain.SettlementStatusHistory
	sellers        map[int64]domain.SellerProfile
}

func newMemState() *memState {
	return &memState{
		policies:       map[int64]domain.FeePolicy{},
		items:          map[int64]domain.SettlementItem{},
		itemByPurchase: map[int64]int64{},
		settlements:    map[int64]domain.Settlement{},
		payouts:        map[int64]domain.PayoutTransfer{},
		sellers:        map[int64]domain.SellerProfile{},
	}
}

func cloneMap[K comparable, V any](in map[K]V) map[K]V {
	out := make(map[K]V, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func (s *memState) clone() memState {
	return memState{
		nextID:         s.nextID,
		policies:       cloneMap(s.policies),
		items:          cloneMap(s.items),
		itemByPurchase: cloneMap(s.itemByPurchase),
		settlements:    cloneMap(s.settlements),
		payouts:        cloneMap(s.payouts),
		history:        append([]domain.SettlementStatusHistory(nil), s.history...),
		sellers:        cloneMap(s.sellers),
	}
}

func (s *memState) id() int64 {
	s.nextID++
	return s.nextID
}

// MemoryRepository is an in-process Repository with the same uniqueness rules
// as the Postgres schema. A transaction holds the lock for its whole duration
// and restores the previous state when fn fails.
type MemoryRepository struct {
	mu   *sync.Mutex
	st   *memState
	inTx bool
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{mu: &sync.Mutex{}, st: newMemState()}
}

func (m *MemoryRepository) lock() func() {
	if m.inTx {
		return func() {}
	}
	m.mu.Lock()
	return m.mu.Unlock
}

func (m *MemoryRepository) WithTransaction(ctx context.Context, fn func(tx Repository) error) error {
	if m.inTx {
		return fn(m)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.st.clone()
	if err := fn(&MemoryRepository{mu: m.mu, st: m.st, inTx: true}); err != nil {
		*m.st = snapshot
		return err
	}
	return nil
}

// PutSellerProfile seeds the read-only seller table.
func (m *MemoryRepository) PutSellerProfile(p domain.SellerProfile) {
	defer m.lock()()
	m.st.sellers[p.SellerID] = p
}

// ---- fee policies ----

func (m *MemoryRepository) FindEffectiveFeePolicy(ctx context.Context, scope domain.PolicyScope, sellerID *int64, at time.Time) (*domain.FeePolicy, error) {
	defer m.lock()()

	var best *domain.FeePolicy
	for _, p := range m.st.policies {
		if p.Scope != scope || !sameSeller(p.SellerID, sellerID) || !p.EffectiveAt(at) {
			continue
		}
		if best == nil || p.EffectiveFrom.After(best.EffectiveFrom) ||
			(p.EffectiveFrom.Equal(best.EffectiveFrom) && p.ID > best.ID) {
			cp := p
			best = &cp
		}
	}
	if best == nil {
		return nil, ErrFeePolicyNotFound
	}
	return best, nil
}

func sameSeller(a, b *int64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func (m *MemoryRepository) GetFeePolicy(ctx context.Context, id int64) (*domain.FeePolicy, error) {
	defer m.lock()()
	p, ok := m.st.policies[id]
	if !ok {
		return nil, ErrFeePolicyNotFound
	}
	return &p, nil
}

func (m *MemoryRepository) CreateFeePolicy(ctx context.Context, params CreateFeePolicyParams) (*domain.FeePolicy, error) {
	defer m.lock()()
	p := domain.FeePolicy{
		ID:              m.st.id(),
		Scope:           params.Scope,
		SellerID:        params.SellerID,
		PlatformFeeRate: params.PlatformFeeRate,
		PgFeeRate:       params.PgFeeRate,
		VatRate:         params.VatRate,
		EffectiveFrom:   params.EffectiveFrom,
		EffectiveTo:     params.EffectiveTo,
		CreatedAt:       time.Now(),
	}
	m.st.policies[p.ID] = p
	return &p, nil
}

func (m *MemoryRepository) SupersedeFeePolicy(ctx context.Context, id int64, effectiveTo time.Time) (*domain.FeePolicy, error) {
	defer m.lock()()
	p, ok := m.st.policies[id]
	if !ok {
		return nil, ErrFeePolicyNotFound
	}
	p.EffectiveTo = &effectiveTo
	m.st.policies[id] = p
	return &p, nil
}

// ---- settlement items ----

func (m *MemoryRepository) CreateSettlementItem(ctx context.Context, item domain.SettlementItem) (*domain.SettlementItem, error) {
	defer m.lock()()
	if _, exists := m.st.itemByPurchase[item.PurchaseID]; exists {
		return nil, ErrDuplicatePurchase
	}
	item.ID = m.st.id()
	item.CreatedAt = time.Now()
	item.SettlementID = nil
	item.Refunded = false
	item.RefundedAt = nil
	m.st.items[item.ID] = item
	m.st.itemByPurchase[item.PurchaseID] = item.ID
	return &item, nil
}

func (m *MemoryRepository) GetSettlementItemByPurchaseID(ctx context.Context, purchaseID int64) (*domain.SettlementItem, error) {
	defer m.lock()()
	id, ok := m.st.itemByPurchase[purchaseID]
	if !ok {
		return nil, ErrItemNotFound
	}
	it := m.st.items[id]
	return &it, nil
}

func (m *MemoryRepository) MarkItemRefunded(ctx context.Context, purchaseID int64, refundedAt time.Time) (*domain.SettlementItem, bool, error) {
	defer m.lock()()
	id, ok := m.st.itemByPurchase[purchaseID]
	if !ok {
		return nil, false, ErrItemNotFound
	}
	it := m.st.items[id]
	if it.Refunded {
		return &it, false, nil
	}
	it.Refunded = true
	it.RefundedAt = &refundedAt
	m.st.items[id] = it
	return &it, true, nil
}

func (m *MemoryRepository) ListUnbatchedSellerCycles(ctx context.Context, purchasedBefore time.Time) ([]SellerCycle, error) {
	defer m.lock()()
	seen := map[SellerCycle]bool{}
	var out []SellerCycle
	for _, it := range m.st.items {
		if it.SettlementID != nil || !it.PurchasedAt.Before(purchasedBefore) {
			continue
		}
		sc := SellerCycle{SellerID: it.SellerID, Cycle: it.Cycle}
		if !seen[sc] {
			seen[sc] = true
			out = append(out, sc)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SellerID != out[j].SellerID {
			return out[i].SellerID < out[j].SellerID
		}
		return out[i].Cycle < out[j].Cycle
	})
	return out, nil
}

func sortItems(items []domain.SettlementItem) {
	sort.Slice(items, func(i, j int) bool {
		if !items[i].PurchasedAt.Equal(items[j].PurchasedAt) {
			return items[i].PurchasedAt.Before(items[j].PurchasedAt)
		}
		return items[i].ID < items[j].ID
	})
}

func (m *MemoryRepository) ListUnbatchedItems(ctx context.Context, sellerID int64, cycle domain.SettlementCycle, purchasedBefore time.Time) ([]domain.SettlementItem, error) {
	defer m.lock()()
	var out []domain.SettlementItem
	for _, it := range m.st.items {
		if it.SellerID == sellerID && it.Cycle == cycle && it.SettlementID == nil && it.PurchasedAt.Before(purchasedBefore) {
			out = append(out, it)
		}
	}
	sortItems(out)
	return out, nil
}

func (m *MemoryRepository) AttachItemsToSettlement(ctx context.Context, settlementID int64, itemIDs []int64) (int64, error) {
	defer m.lock()()
	var attached int64
	for _, id := range itemIDs {
		it, ok := m.st.items[id]
		if !ok || it.SettlementID != nil {
			continue
		}
		sid := settlementID
		it.SettlementID = &sid
		m.st.items[id] = it
		attached++
	}
	return attached, nil
}

func (m *MemoryRepository) ListItemsBySettlement(ctx context.Context, settlementID int64) ([]domain.SettlementItem, error) {
	defer m.lock()()
	var out []domain.SettlementItem
	for _, it := range m.st.items {
		if it.SettlementID != nil && *it.SettlementID == settlementID {
			out = append(out, it)
		}
	}
	sortItems(out)
	return out, nil
}

// ---- settlements ----

func (m *MemoryRepository) CreateSettlement(ctx context.Context, params CreateSettlementParams) (*domain.Settlement, error) {
	defer m.lock()()
	for _, s := range m.st.settlements {
		if s.SellerID == params.SellerID && s.SettlementStartDate.Equal(params.Period.Start) && s.SettlementEndDate.Equal(params.Period.End) {
			return nil, ErrDuplicateSettlement
		}
	}
	now := time.Now()
	s := domain.Settlement{
		ID:                      m.st.id(),
		SellerID:                params.SellerID,
		Cycle:                   params.Cycle,
		SettlementStartDate:     params.Period.Start,
		SettlementEndDate:       params.Period.End,
		ScheduledSettlementDate: params.ScheduledSettlementDate,
		TotalSales:              decimal.Zero,
		TotalPlatformFee:        decimal.Zero,
		TotalPgFee:              decimal.Zero,
		TotalVat:                decimal.Zero,
		SettlementAmount:        decimal.Zero,
		Status:                  params.Status,
		CreatedAt:               now,
		UpdatedAt:               now,
	}
	m.st.settlements[s.ID] = s
	return &s, nil
}

func (m *MemoryRepository) GetSettlement(ctx context.Context, id int64) (*domain.Settlement, error) {
	defer m.lock()()
	s, ok := m.st.settlements[id]
	if !ok {
		return nil, ErrSettlementNotFound
	}
	return &s, nil
}

func (m *MemoryRepository) GetSettlementForUpdate(ctx context.Context, id int64) (*domain.Settlement, error) {
	return m.GetSettlement(ctx, id)
}

func (m *MemoryRepository) GetSettlementByPeriod(ctx context.Context, sellerID int64, period domain.Period) (*domain.Settlement, error) {
	defer m.lock()()
	for _, s := range m.st.settlements {
		if s.SellerID == sellerID && s.SettlementStartDate.Equal(period.Start) && s.SettlementEndDate.Equal(period.End) {
			return &s, nil
		}
	}
	return nil, ErrSettlementNotFound
}

func (m *MemoryRepository) filterSettlements(keep func(domain.Settlement) bool) []domain.Settlement {
	var out []domain.Settlement
	for _, s := range m.st.settlements {
		if keep(s) {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].SettlementStartDate.Equal(out[j].SettlementStartDate) {
			return out[i].SettlementStartDate.Before(out[j].SettlementStartDate)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (m *MemoryRepository) ListSettlements(ctx context.Context, filter SettlementFilter) ([]domain.Settlement, error) {
	defer m.lock()()
	out := m.filterSettlements(func(s domain.Settlement) bool {
		if filter.SellerID != nil && s.SellerID != *filter.SellerID {
			return false
		}
		return filter.Status == nil || s.Status == *filter.Status
	})

	// newest first, as in Postgres
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryRepository) ListPendingSettlementsEndedBy(ctx context.Context, endedBy time.Time) ([]domain.Settlement, error) {
	defer m.lock()()
	return m.filterSettlements(func(s domain.Settlement) bool {
		return s.Status == domain.StatusPending && !s.SettlementEndDate.After(endedBy)
	}), nil
}

func (m *MemoryRepository) ListCompletedSettlementsEndingBetween(ctx context.Context, sellerID int64, from, to time.Time) ([]domain.Settlement, error) {
	defer m.lock()()
	return m.filterSettlements(func(s domain.Settlement) bool {
		return s.SellerID == sellerID && s.Status == domain.StatusCompleted &&
			s.SettlementEndDate.After(from) && !s.SettlementEndDate.After(to)
	}), nil
}

func (m *MemoryRepository) UpdateSettlementTotals(ctx context.Context, id int64, totals domain.SettlementTotals) error {
	defer m.lock()()
	s, ok := m.st.settlements[id]
	if !ok {
		return ErrSettlementNotFound
	}
	s.ApplyTotals(totals)
	s.UpdatedAt = time.Now()
	m.st.settlements[id] = s
	return nil
}

func (m *MemoryRepository) UpdateSettlementStatus(ctx context.Context, params UpdateStatusParams) (*domain.Settlement, error) {
	defer m.lock()()
	s, ok := m.st.settlements[params.SettlementID]
	if !ok {
		return nil, ErrSettlementNotFound
	}

	matched := false
	for _, from := range params.From {
		if s.Status == from {
			matched = true
			break
		}
	}
	if !matched {
		return nil, ErrStatusConflict
	}

	s.Status = params.To
	s.HoldReason = params.HoldReason
	if params.CompletedAt != nil {
		s.CompletedAt = params.CompletedAt
	}
	s.UpdatedAt = params.At
	m.st.settlements[s.ID] = s
	return &s, nil
}

func (m *MemoryRepository) RecordApproval(ctx context.Context, id int64, adminUserID int64, reason *string, at time.Time) error {
	defer m.lock()()
	s, ok := m.st.settlements[id]
	if !ok {
		return ErrSettlementNotFound
	}
	s.ApprovedBy = &adminUserID
	s.ApprovalReason = reason
	s.ApprovedAt = &at
	s.UpdatedAt = at
	m.st.settlements[id] = s
	return nil
}

func (m *MemoryRepository) InsertStatusHistory(ctx context.Context, entry domain.SettlementStatusHistory) error {
	defer m.lock()()
	entry.ID = m.st.id()
	m.st.history = append(m.st.history, entry)
	return nil
}

func (m *MemoryRepository) ListStatusHistory(ctx context.Context, settlementID int64) ([]domain.SettlementStatusHistory, error) {
	defer m.lock()()
	var out []domain.SettlementStatusHistory
	for _, h := range m.st.history {
		if h.SettlementID == settlementID {
			out = append(out, h)
		}
	}
	return out, nil
}

// ---- payout transfers ----

func (m *MemoryRepository) CreatePayoutTransfer(ctx context.Context, params CreatePayoutTransferParams) (*domain.PayoutTransfer, error) {
	defer m.lock()()
	for _, p := range m.st.payouts {
		if p.SettlementID == params.SettlementID && p.Status == domain.PayoutRequested {
			return nil, ErrPayoutInFlight
		}
	}
	p := domain.PayoutTransfer{
		ID:              m.st.id(),
		SettlementID:    params.SettlementID,
		DistinctKey:     params.DistinctKey,
		RequestedAmount: params.RequestedAmount,
		Status:          domain.PayoutRequested,
		RequestedAt:     params.RequestedAt,
	}
	m.st.payouts[p.ID] = p
	return &p, nil
}

func (m *MemoryRepository) AssignPayoutTransferReference(ctx context.Context, transferID int64, billingTranID, apiTranID string) error {
	defer m.lock()()
	p, ok := m.st.payouts[transferID]
	if !ok {
		return ErrPayoutTransferNotFound
	}
	for _, other := range m.st.payouts {
		if other.ID != transferID && other.BillingTranID != nil && *other.BillingTranID == billingTranID {
			return ErrDuplicateBillingTranID
		}
	}
	p.BillingTranID = &billingTranID
	if apiTranID != "" {
		p.APITranID = &apiTranID
	} else {
		p.APITranID = nil
	}
	m.st.payouts[transferID] = p
	return nil
}

func (m *MemoryRepository) GetPayoutTransferByBillingTranID(ctx context.Context, billingTranID string) (*domain.PayoutTransfer, error) {
	defer m.lock()()
	for _, p := range m.st.payouts {
		if p.BillingTranID != nil && *p.BillingTranID == billingTranID {
			return &p, nil
		}
	}
	return nil, ErrPayoutTransferNotFound
}

func (m *MemoryRepository) GetOpenPayoutTransfer(ctx context.Context, settlementID int64) (*domain.PayoutTransfer, error) {
	defer m.lock()()
	for _, p := range m.st.payouts {
		if p.SettlementID == settlementID && p.Status == domain.PayoutRequested {
			return &p, nil
		}
	}
	return nil, ErrPayoutTransferNotFound
}

func (m *MemoryRepository) HasSucceededPayoutTransfer(ctx context.Context, settlementID int64) (bool, error) {
	defer m.lock()()
	for _, p := range m.st.payouts {
		if p.SettlementID == settlementID && p.Status == domain.PayoutSucceeded {
			return true, nil
		}
	}
	return false, nil
}

func (m *MemoryRepository) CompletePayoutTransfer(ctx context.Context, params CompletePayoutTransferParams) (*domain.PayoutTransfer, error) {
	defer m.lock()()
	p, ok := m.st.payouts[params.TransferID]
	if !ok || p.Status != domain.PayoutRequested {
		return nil, ErrPayoutTransferConflict
	}
	p.Status = params.Status
	p.ResultCode = params.ResultCode
	p.FailureReason = params.FailureReason
	if params.APITranID != nil {
		p.APITranID = params.APITranID
	}
	p.TransferredAmount = params.TransferredAmount
	completedAt := params.CompletedAt
	p.CompletedAt = &completedAt
	m.st.payouts[p.ID] = p
	return &p, nil
}

func (m *MemoryRepository) CancelOpenPayoutTransfers(ctx context.Context, settlementID int64, at time.Time) (int64, error) {
	defer m.lock()()
	var n int64
	for id, p := range m.st.payouts {
		if p.SettlementID == settlementID && p.Status == domain.PayoutRequested {
			p.Status = domain.PayoutCancelled
			completedAt := at
			p.CompletedAt = &completedAt
			m.st.payouts[id] = p
			n++
		}
	}
	return n, nil
}

func (m *MemoryRepository) ListPayoutTransfers(ctx context.Context, settlementID int64) ([]domain.PayoutTransfer, error) {
	defer m.lock()()
	var out []domain.PayoutTransfer
	for _, p := range m.st.payouts {
		if p.SettlementID == settlementID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ---- sellers ----

func (m *MemoryRepository) GetSellerProfile(ctx context.Context, sellerID int64) (*domain.SellerProfile, error) {
	defer m.lock()()
	p, ok := m.st.sellers[sellerID]
	if !ok {
		return nil, ErrSellerNotFound
	}
	return &p, nil
}

var _ Repository = (*MemoryRepository)(nil)
var _ Repository = (*PostgresRepository)(nil)
