package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Routing keys on the shared events exchange.
const (
	RoutingKeyPurchaseCompleted       = "purchase.completed"
	RoutingKeyPurchaseRefunded        = "purchase.refunded"
	RoutingKeySettlementStatusChanged = "settlement.status_changed"
)

// PurchaseCompletedEvent is published by checkout when a purchase is paid.
type PurchaseCompletedEvent struct {
	PurchaseID  int64           `json:"purchaseId"`
	SellerID    int64           `json:"sellerId"`
	SalesAmount decimal.Decimal `json:"salesAmount"`
	ContentType ContentType     `json:"contentType"`
	PurchasedAt time.Time       `json:"purchasedAt"`
}

// PurchaseRefundedEvent is published when a purchase is refunded.
type PurchaseRefundedEvent struct {
	PurchaseID int64     `json:"purchaseId"`
	RefundedAt time.Time `json:"refundedAt"`
}

// SettlementStatusChangedEvent notifies downstream consumers of a transition.
type SettlementStatusChangedEvent struct {
	SettlementID     int64            `json:"settlementId"`
	SellerID         int64            `json:"sellerId"`
	FromStatus       SettlementStatus `json:"fromStatus"`
	ToStatus         SettlementStatus `json:"toStatus"`
	SettlementAmount decimal.Decimal  `json:"settlementAmount"`
	Reason           *string          `json:"reason,omitempty"`
	OccurredAt       time.Time        `json:"occurredAt"`
}
