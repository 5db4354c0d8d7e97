package events

import (
	"math/big"
	"strconv"

	"cascade/core/types"
	"cascade/crypto"
)

const (
	// TypeLedgerTrancheRegistered is emitted once per tranche at deal
	// configuration.
	TypeLedgerTrancheRegistered = "ledger.tranche.registered"
	// TypeLedgerIssued is emitted when tranche units are minted to a holder.
	TypeLedgerIssued = "ledger.issued"
	// TypeLedgerTransferred is emitted after a compliance-approved transfer
	// between holders settles.
	TypeLedgerTransferred = "ledger.transferred"
	// TypeLedgerRedeemed is emitted when a holder voluntarily burns units.
	TypeLedgerRedeemed = "ledger.redeemed"
	// TypeLedgerForcedRedeemed is emitted when an administrator burns a
	// holder's units under an elevated capability.
	TypeLedgerForcedRedeemed = "ledger.redeemed.forced"
	// TypeLedgerFactorUpdated is emitted when a tranche's amortisation
	// factor ratchets down.
	TypeLedgerFactorUpdated = "ledger.factor.updated"
	// TypeLedgerYieldDistributed is emitted when a period's yield pool is
	// escrowed and the holder snapshot is taken.
	TypeLedgerYieldDistributed = "ledger.yield.distributed"
	// TypeLedgerYieldClaimed is emitted when a holder pulls accumulated
	// entitlement across one or more periods.
	TypeLedgerYieldClaimed = "ledger.yield.claimed"
)

func bigAttr(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

// LedgerTrancheRegistered captures the immutable parameters of a new tranche.
type LedgerTrancheRegistered struct {
	DealID          string
	TrancheID       string
	OriginalFace    *big.Int
	CouponBps       uint64
	FrequencyMonths uint32
}

// EventType implements the Event interface.
func (LedgerTrancheRegistered) EventType() string { return TypeLedgerTrancheRegistered }

// Event converts the registration to the generic event payload.
func (e LedgerTrancheRegistered) Event() *types.Event {
	return &types.Event{
		DealID: e.DealID,
		Type:   TypeLedgerTrancheRegistered,
		Attributes: map[string]string{
			"tranche":          e.TrancheID,
			"original_face":    bigAttr(e.OriginalFace),
			"coupon_bps":       strconv.FormatUint(e.CouponBps, 10),
			"frequency_months": strconv.FormatUint(uint64(e.FrequencyMonths), 10),
		},
	}
}

// LedgerIssued captures a mint of tranche units.
type LedgerIssued struct {
	DealID    string
	TrancheID string
	Holder    crypto.Address
	Amount    *big.Int
	Supply    *big.Int
}

// EventType implements the Event interface.
func (LedgerIssued) EventType() string { return TypeLedgerIssued }

// Event converts the issuance to the generic event payload.
func (e LedgerIssued) Event() *types.Event {
	return &types.Event{
		DealID: e.DealID,
		Type:   TypeLedgerIssued,
		Attributes: map[string]string{
			"tranche": e.TrancheID,
			"holder":  e.Holder.String(),
			"amount":  bigAttr(e.Amount),
			"supply":  bigAttr(e.Supply),
		},
	}
}

// LedgerTransferred captures a settled holder-to-holder transfer.
type LedgerTransferred struct {
	DealID    string
	TrancheID string
	From      crypto.Address
	To        crypto.Address
	Amount    *big.Int
	Holders   uint64
}

// EventType implements the Event interface.
func (LedgerTransferred) EventType() string { return TypeLedgerTransferred }

// Event converts the transfer to the generic event payload.
func (e LedgerTransferred) Event() *types.Event {
	return &types.Event{
		DealID: e.DealID,
		Type:   TypeLedgerTransferred,
		Attributes: map[string]string{
			"tranche": e.TrancheID,
			"from":    e.From.String(),
			"to":      e.To.String(),
			"amount":  bigAttr(e.Amount),
			"holders": strconv.FormatUint(e.Holders, 10),
		},
	}
}

// LedgerRedeemed captures a burn of tranche units. Forced marks the
// administrative path, which is audited separately from voluntary redemption.
type LedgerRedeemed struct {
	DealID    string
	TrancheID string
	Holder    crypto.Address
	Caller    crypto.Address
	Amount    *big.Int
	Supply    *big.Int
	Forced    bool
}

// EventType implements the Event interface.
func (e LedgerRedeemed) EventType() string {
	if e.Forced {
		return TypeLedgerForcedRedeemed
	}
	return TypeLedgerRedeemed
}

// Event converts the redemption to the generic event payload.
func (e LedgerRedeemed) Event() *types.Event {
	return &types.Event{
		DealID: e.DealID,
		Type:   e.EventType(),
		Attributes: map[string]string{
			"tranche": e.TrancheID,
			"holder":  e.Holder.String(),
			"caller":  e.Caller.String(),
			"amount":  bigAttr(e.Amount),
			"supply":  bigAttr(e.Supply),
		},
	}
}

// LedgerFactorUpdated captures a downward factor ratchet.
type LedgerFactorUpdated struct {
	DealID    string
	TrancheID string
	OldFactor *big.Int
	NewFactor *big.Int
	Period    uint64
}

// EventType implements the Event interface.
func (LedgerFactorUpdated) EventType() string { return TypeLedgerFactorUpdated }

// Event converts the factor change to the generic event payload.
func (e LedgerFactorUpdated) Event() *types.Event {
	return &types.Event{
		DealID: e.DealID,
		Type:   TypeLedgerFactorUpdated,
		Attributes: map[string]string{
			"tranche":    e.TrancheID,
			"old_factor": bigAttr(e.OldFactor),
			"new_factor": bigAttr(e.NewFactor),
			"period":     strconv.FormatUint(e.Period, 10),
		},
	}
}

// LedgerYieldDistributed captures a period yield pool and the snapshot totals
// locked at distribution time.
type LedgerYieldDistributed struct {
	DealID    string
	TrancheID string
	Period    uint64
	Amount    *big.Int
	Supply    *big.Int
	Holders   uint64
	Source    crypto.Address
}

// EventType implements the Event interface.
func (LedgerYieldDistributed) EventType() string { return TypeLedgerYieldDistributed }

// Event converts the distribution to the generic event payload.
func (e LedgerYieldDistributed) Event() *types.Event {
	return &types.Event{
		DealID: e.DealID,
		Type:   TypeLedgerYieldDistributed,
		Attributes: map[string]string{
			"tranche": e.TrancheID,
			"period":  strconv.FormatUint(e.Period, 10),
			"amount":  bigAttr(e.Amount),
			"supply":  bigAttr(e.Supply),
			"holders": strconv.FormatUint(e.Holders, 10),
			"source":  e.Source.String(),
		},
	}
}

// LedgerYieldClaimed captures a holder claim spanning a contiguous period
// range.
type LedgerYieldClaimed struct {
	DealID     string
	TrancheID  string
	Holder     crypto.Address
	FromPeriod uint64
	ToPeriod   uint64
	Amount     *big.Int
}

// EventType implements the Event interface.
func (LedgerYieldClaimed) EventType() string { return TypeLedgerYieldClaimed }

// Event converts the claim to the generic event payload.
func (e LedgerYieldClaimed) Event() *types.Event {
	return &types.Event{
		DealID: e.DealID,
		Type:   TypeLedgerYieldClaimed,
		Attributes: map[string]string{
			"tranche":     e.TrancheID,
			"holder":      e.Holder.String(),
			"from_period": strconv.FormatUint(e.FromPeriod, 10),
			"to_period":   strconv.FormatUint(e.ToPeriod, 10),
			"amount":      bigAttr(e.Amount),
		},
	}
}
