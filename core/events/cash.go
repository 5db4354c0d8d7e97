package events

import (
	"math/big"

	"cascade/core/types"
	"cascade/crypto"
)

const (
	// TypeCashDeposited is emitted when cash arrives from the external
	// asset rail into a deal account.
	TypeCashDeposited = "cash.deposited"
)

// CashDeposited captures external funding of a deal account.
type CashDeposited struct {
	DealID string
	To     crypto.Address
	Amount *big.Int
}

// EventType implements the Event interface.
func (CashDeposited) EventType() string { return TypeCashDeposited }

// Event converts the deposit to the generic event payload.
func (e CashDeposited) Event() *types.Event {
	return &types.Event{
		DealID: e.DealID,
		Type:   TypeCashDeposited,
		Attributes: map[string]string{
			"to":     e.To.String(),
			"amount": bigAttr(e.Amount),
		},
	}
}
