package events

import (
	"math/big"
	"strconv"
	"strings"

	"cascade/core/types"
	"cascade/crypto"
)

const (
	// TypeDealConfigured is emitted once when a deal's waterfall is set up.
	TypeDealConfigured = "waterfall.deal.configured"
	// TypePeriodReported is emitted when verified collections are stored
	// for the next sequential period.
	TypePeriodReported = "waterfall.period.reported"
	// TypeFeePaid is emitted per fee leg (trustee, servicer) during
	// execution.
	TypeFeePaid = "waterfall.fee.paid"
	// TypeInterestPaid is emitted per tranche interest payment.
	TypeInterestPaid = "waterfall.interest.paid"
	// TypePrincipalPaid is emitted per tranche principal payment.
	TypePrincipalPaid = "waterfall.principal.paid"
	// TypePeriodExecuted closes out a period after all legs settle.
	TypePeriodExecuted = "waterfall.period.executed"
	// TypeTriggerActivated records an externally detected test breach.
	TypeTriggerActivated = "waterfall.trigger.activated"
	// TypeTriggerCleared records the breach flag being lifted.
	TypeTriggerCleared = "waterfall.trigger.cleared"
)

// DealConfigured captures the one-time waterfall configuration.
type DealConfigured struct {
	DealID       string
	Tranches     []string
	Strategy     string
	TrusteeBps   uint64
	ServicerBps  uint64
	Trustee      crypto.Address
	Servicer     crypto.Address
	PaymentAsset string
}

// EventType implements the Event interface.
func (DealConfigured) EventType() string { return TypeDealConfigured }

// Event converts the configuration to the generic event payload.
func (e DealConfigured) Event() *types.Event {
	return &types.Event{
		DealID: e.DealID,
		Type:   TypeDealConfigured,
		Attributes: map[string]string{
			"tranches":      strings.Join(e.Tranches, ","),
			"strategy":      e.Strategy,
			"trustee_bps":   strconv.FormatUint(e.TrusteeBps, 10),
			"servicer_bps":  strconv.FormatUint(e.ServicerBps, 10),
			"trustee":       e.Trustee.String(),
			"servicer":      e.Servicer.String(),
			"payment_asset": e.PaymentAsset,
		},
	}
}

// PeriodReported captures the verified collections stored for a period.
type PeriodReported struct {
	DealID      string
	Period      uint64
	ReportID    string
	Interest    *big.Int
	Principal   *big.Int
	Losses      *big.Int
	Prepayments *big.Int
	ReportedAt  int64
}

// EventType implements the Event interface.
func (PeriodReported) EventType() string { return TypePeriodReported }

// Event converts the report to the generic event payload.
func (e PeriodReported) Event() *types.Event {
	return &types.Event{
		DealID: e.DealID,
		Type:   TypePeriodReported,
		Attributes: map[string]string{
			"period":      strconv.FormatUint(e.Period, 10),
			"report_id":   e.ReportID,
			"interest":    bigAttr(e.Interest),
			"principal":   bigAttr(e.Principal),
			"losses":      bigAttr(e.Losses),
			"prepayments": bigAttr(e.Prepayments),
			"reported_at": strconv.FormatInt(e.ReportedAt, 10),
		},
	}
}

// FeePaid captures a trustee or servicer fee leg.
type FeePaid struct {
	DealID    string
	Period    uint64
	Role      string
	Recipient crypto.Address
	Amount    *big.Int
}

// EventType implements the Event interface.
func (FeePaid) EventType() string { return TypeFeePaid }

// Event converts the fee leg to the generic event payload.
func (e FeePaid) Event() *types.Event {
	return &types.Event{
		DealID: e.DealID,
		Type:   TypeFeePaid,
		Attributes: map[string]string{
			"period":    strconv.FormatUint(e.Period, 10),
			"role":      e.Role,
			"recipient": e.Recipient.String(),
			"amount":    bigAttr(e.Amount),
		},
	}
}

// InterestPaid captures one tranche's interest leg, including any shortfall
// carried forward as deferred interest.
type InterestPaid struct {
	DealID    string
	TrancheID string
	Period    uint64
	Due       *big.Int
	Paid      *big.Int
	Deferred  *big.Int
}

// EventType implements the Event interface.
func (InterestPaid) EventType() string { return TypeInterestPaid }

// Event converts the interest leg to the generic event payload.
func (e InterestPaid) Event() *types.Event {
	return &types.Event{
		DealID: e.DealID,
		Type:   TypeInterestPaid,
		Attributes: map[string]string{
			"tranche":  e.TrancheID,
			"period":   strconv.FormatUint(e.Period, 10),
			"due":      bigAttr(e.Due),
			"paid":     bigAttr(e.Paid),
			"deferred": bigAttr(e.Deferred),
		},
	}
}

// PrincipalPaid captures one tranche's principal leg and the resulting factor.
type PrincipalPaid struct {
	DealID    string
	TrancheID string
	Period    uint64
	Paid      *big.Int
	NewFactor *big.Int
}

// EventType implements the Event interface.
func (PrincipalPaid) EventType() string { return TypePrincipalPaid }

// Event converts the principal leg to the generic event payload.
func (e PrincipalPaid) Event() *types.Event {
	return &types.Event{
		DealID: e.DealID,
		Type:   TypePrincipalPaid,
		Attributes: map[string]string{
			"tranche":    e.TrancheID,
			"period":     strconv.FormatUint(e.Period, 10),
			"paid":       bigAttr(e.Paid),
			"new_factor": bigAttr(e.NewFactor),
		},
	}
}

// PeriodExecuted closes out a processed period.
type PeriodExecuted struct {
	DealID        string
	Period        uint64
	Fees          *big.Int
	InterestPaid  *big.Int
	PrincipalPaid *big.Int
	Residual      *big.Int
}

// EventType implements the Event interface.
func (PeriodExecuted) EventType() string { return TypePeriodExecuted }

// Event converts the execution summary to the generic event payload.
func (e PeriodExecuted) Event() *types.Event {
	return &types.Event{
		DealID: e.DealID,
		Type:   TypePeriodExecuted,
		Attributes: map[string]string{
			"period":    strconv.FormatUint(e.Period, 10),
			"fees":      bigAttr(e.Fees),
			"interest":  bigAttr(e.InterestPaid),
			"principal": bigAttr(e.PrincipalPaid),
			"residual":  bigAttr(e.Residual),
		},
	}
}

// TriggerChanged records a trigger flag transition. The flag is recorded for
// downstream policy and does not alter the waterfall algorithm.
type TriggerChanged struct {
	DealID    string
	Activated bool
	Reason    string
	Caller    crypto.Address
}

// EventType implements the Event interface.
func (e TriggerChanged) EventType() string {
	if e.Activated {
		return TypeTriggerActivated
	}
	return TypeTriggerCleared
}

// Event converts the trigger transition to the generic event payload.
func (e TriggerChanged) Event() *types.Event {
	return &types.Event{
		DealID: e.DealID,
		Type:   e.EventType(),
		Attributes: map[string]string{
			"reason": e.Reason,
			"caller": e.Caller.String(),
		},
	}
}
