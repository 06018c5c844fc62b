package domain

// SettlementStatus is the lifecycle state of a settlement.
type SettlementStatus string

const (
	StatusPending    SettlementStatus = "PENDING"
	StatusProcessing SettlementStatus = "PROCESSING"
	StatusCompleted  SettlementStatus = "COMPLETED"
	StatusOnHold     SettlementStatus = "ON_HOLD"
	StatusCancelled  SettlementStatus = "CANCELLED"
)

var transitions = map[SettlementStatus][]SettlementStatus{
	StatusPending:    {StatusProcessing},
	StatusProcessing: {StatusCompleted, StatusOnHold, StatusCancelled},
	StatusOnHold:     {StatusProcessing, StatusCancelled},
}

// ParseSettlementStatus validates a raw status value.
func ParseSettlementStatus(raw string) (SettlementStatus, bool) {
	switch s := SettlementStatus(raw); s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusOnHold, StatusCancelled:
		return s, true
	}
	return "", false
}

// CanTransition reports whether from -> to is an allowed edge.
func CanTransition(from, to SettlementStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further transitions are possible.
func (s SettlementStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// CheckTransition returns an invalid-transition error for disallowed moves.
func CheckTransition(from, to SettlementStatus) error {
	if CanTransition(from, to) {
		return nil
	}
	return InvalidTransition(from, to)
}
