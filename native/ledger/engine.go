package ledger

import (
	"fmt"
	"math/big"
	"strings"

	"cascade/core/events"
	"cascade/crypto"
	nativecommon "cascade/native/common"
	"cascade/native/compliance"
)

// DefaultClaimBatchLimit bounds how many unclaimed periods a single ClaimYield
// call may cover. A holder further behind must claim in ranges via
// ClaimYieldUpTo; the bound keeps claim cost independent of how long a holder
// has been absent.
const DefaultClaimBatchLimit = 100

type engineState interface {
	Tranche(dealID, trancheID string) (*Tranche, error)
	PutTranche(*Tranche) error
	Balance(dealID, trancheID string, holder crypto.Address) (*big.Int, error)
	SetBalance(dealID, trancheID string, holder crypto.Address, amount *big.Int) error
	Holders(dealID, trancheID string) ([]crypto.Address, error)
	Snapshot(dealID, trancheID string, period uint64) (*Snapshot, bool, error)
	PutSnapshot(*Snapshot) error
	ClaimCursor(dealID, trancheID string, holder crypto.Address) (uint64, error)
	SetClaimCursor(dealID, trancheID string, holder crypto.Address, period uint64) error
}

// PaymentAsset moves deal cash between accounts. Implementations must fail
// fast: a returned error aborts the enclosing operation, nothing is retried.
type PaymentAsset interface {
	Transfer(from, to crypto.Address, amount *big.Int) error
}

// Engine owns per-tranche balances, the amortisation factor ratchet and the
// snapshot-based yield entitlement accounting.
type Engine struct {
	state      engineState
	caps       nativecommon.CapabilityView
	gateway    compliance.Gateway
	asset      PaymentAsset
	emitter    events.Emitter
	claimBatch uint64
}

// NewEngine constructs a ledger engine with a no-op emitter and the default
// claim batch limit. State, capabilities, compliance gateway and payment asset
// must be wired before use.
func NewEngine() *Engine {
	return &Engine{
		emitter:    events.NoopEmitter{},
		claimBatch: DefaultClaimBatchLimit,
	}
}

// SetState wires the engine to the persistence layer.
func (e *Engine) SetState(state engineState) { e.state = state }

// SetCapabilities wires the capability table gating privileged operations.
func (e *Engine) SetCapabilities(view nativecommon.CapabilityView) {
	if e == nil {
		return
	}
	e.caps = view
}

// SetComplianceGateway wires the external transfer-eligibility gateway.
func (e *Engine) SetComplianceGateway(gw compliance.Gateway) {
	if e == nil {
		return
	}
	e.gateway = gw
}

// SetAsset wires the payment asset primitive.
func (e *Engine) SetAsset(asset PaymentAsset) {
	if e == nil {
		return
	}
	e.asset = asset
}

// SetEmitter configures the event emitter. Passing nil resets it to a no-op.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// SetClaimBatchLimit overrides the claim batch bound. Zero restores the
// default.
func (e *Engine) SetClaimBatchLimit(limit uint64) {
	if e == nil {
		return
	}
	if limit == 0 {
		limit = DefaultClaimBatchLimit
	}
	e.claimBatch = limit
}

func (e *Engine) emit(evt events.Event) {
	if e == nil || e.emitter == nil || evt == nil {
		return
	}
	e.emitter.Emit(evt)
}

func (e *Engine) tranche(dealID, trancheID string) (*Tranche, error) {
	if e.state == nil {
		return nil, errNilState
	}
	tr, err := e.state.Tranche(strings.TrimSpace(dealID), strings.TrimSpace(trancheID))
	if err != nil {
		return nil, err
	}
	if tr == nil {
		return nil, ErrTrancheNotFound
	}
	return tr, nil
}

func validAmount(amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	return nil
}

// Register creates a tranche record with factor 1.0 and period counter 0.
// Called once per tranche during deal configuration.
func (e *Engine) Register(caller crypto.Address, dealID, trancheID string, originalFace *big.Int, couponBps uint64, frequencyMonths uint32) error {
	if e.state == nil {
		return errNilState
	}
	if err := nativecommon.Guard(e.caps, caller, nativecommon.CapIssuer); err != nil {
		return err
	}
	dealID = strings.TrimSpace(dealID)
	trancheID = strings.TrimSpace(trancheID)
	if dealID == "" || trancheID == "" {
		return fmt.Errorf("ledger engine: deal and tranche identifiers are required")
	}
	if originalFace == nil || originalFace.Sign() <= 0 {
		return ErrInvalidFace
	}
	if existing, err := e.state.Tranche(dealID, trancheID); err == nil && existing != nil {
		return ErrTrancheExists
	}
	if frequencyMonths == 0 {
		frequencyMonths = 1
	}
	tr := &Tranche{
		DealID:           dealID,
		ID:               trancheID,
		OriginalFace:     cloneBigInt(originalFace),
		Factor:           FactorOne(),
		CouponBps:        couponBps,
		FrequencyMonths:  frequencyMonths,
		DeferredInterest: big.NewInt(0),
		TotalSupply:      big.NewInt(0),
	}
	if err := e.state.PutTranche(tr); err != nil {
		return err
	}
	e.emit(events.LedgerTrancheRegistered{
		DealID:          dealID,
		TrancheID:       trancheID,
		OriginalFace:    cloneBigInt(originalFace),
		CouponBps:       couponBps,
		FrequencyMonths: frequencyMonths,
	})
	return nil
}

// Issue mints tranche units to a holder. Issuance bypasses the compliance
// gateway by design; only the issuer capability may mint.
func (e *Engine) Issue(caller crypto.Address, dealID, trancheID string, holder crypto.Address, amount *big.Int) error {
	if err := nativecommon.Guard(e.caps, caller, nativecommon.CapIssuer); err != nil {
		return err
	}
	if holder.IsZero() {
		return ErrZeroAddress
	}
	if err := validAmount(amount); err != nil {
		return err
	}
	tr, err := e.tranche(dealID, trancheID)
	if err != nil {
		return err
	}
	supply := new(big.Int).Add(cloneBigInt(tr.TotalSupply), amount)
	if supply.Cmp(tr.OriginalFace) > 0 {
		return ErrExceedsOriginalFace
	}
	bal, err := e.state.Balance(tr.DealID, tr.ID, holder)
	if err != nil {
		return err
	}
	if bal.Sign() == 0 {
		tr.HolderCount++
	}
	if err := e.state.SetBalance(tr.DealID, tr.ID, holder, new(big.Int).Add(bal, amount)); err != nil {
		return err
	}
	tr.TotalSupply = supply
	if err := e.state.PutTranche(tr); err != nil {
		return err
	}
	e.emit(events.LedgerIssued{
		DealID:    tr.DealID,
		TrancheID: tr.ID,
		Holder:    holder,
		Amount:    cloneBigInt(amount),
		Supply:    cloneBigInt(supply),
	})
	return nil
}

// Transfer moves units between holders after the compliance gateway approves.
// A gateway rejection aborts atomically and carries the gateway reason code.
func (e *Engine) Transfer(dealID, trancheID string, from, to crypto.Address, amount *big.Int) error {
	if e.gateway == nil {
		return errNilGateway
	}
	if from.IsZero() || to.IsZero() {
		return ErrZeroAddress
	}
	if from == to {
		return ErrSelfTransfer
	}
	if err := validAmount(amount); err != nil {
		return err
	}
	tr, err := e.tranche(dealID, trancheID)
	if err != nil {
		return err
	}
	decision, err := e.gateway.ValidateTransfer(tr.DealID, from, to, amount)
	if err != nil {
		return fmt.Errorf("ledger engine: compliance gateway unavailable: %w", err)
	}
	if !decision.Allowed {
		return &compliance.Rejection{Reason: decision.Reason, Message: decision.Message}
	}
	fromBal, err := e.state.Balance(tr.DealID, tr.ID, from)
	if err != nil {
		return err
	}
	if fromBal.Cmp(amount) < 0 {
		return ErrInsufficientBalance
	}
	toBal, err := e.state.Balance(tr.DealID, tr.ID, to)
	if err != nil {
		return err
	}
	newFrom := new(big.Int).Sub(fromBal, amount)
	if newFrom.Sign() == 0 {
		tr.HolderCount--
	}
	if toBal.Sign() == 0 {
		tr.HolderCount++
	}
	if err := e.state.SetBalance(tr.DealID, tr.ID, from, newFrom); err != nil {
		return err
	}
	if err := e.state.SetBalance(tr.DealID, tr.ID, to, new(big.Int).Add(toBal, amount)); err != nil {
		return err
	}
	if err := e.state.PutTranche(tr); err != nil {
		return err
	}
	e.emit(events.LedgerTransferred{
		DealID:    tr.DealID,
		TrancheID: tr.ID,
		From:      from,
		To:        to,
		Amount:    cloneBigInt(amount),
		Holders:   tr.HolderCount,
	})
	return nil
}

// Redeem burns units from the holder's own balance.
func (e *Engine) Redeem(dealID, trancheID string, holder crypto.Address, amount *big.Int) error {
	return e.burn(dealID, trancheID, holder, holder, amount, false)
}

// RedeemFrom burns another holder's units under the forced-redeem capability
// (regulatory or court-ordered action). It is audited distinctly from
// voluntary redemption.
func (e *Engine) RedeemFrom(caller crypto.Address, dealID, trancheID string, holder crypto.Address, amount *big.Int) error {
	if err := nativecommon.Guard(e.caps, caller, nativecommon.CapForcedRedeem); err != nil {
		return err
	}
	return e.burn(dealID, trancheID, caller, holder, amount, true)
}

func (e *Engine) burn(dealID, trancheID string, caller, holder crypto.Address, amount *big.Int, forced bool) error {
	if holder.IsZero() {
		return ErrZeroAddress
	}
	if err := validAmount(amount); err != nil {
		return err
	}
	tr, err := e.tranche(dealID, trancheID)
	if err != nil {
		return err
	}
	bal, err := e.state.Balance(tr.DealID, tr.ID, holder)
	if err != nil {
		return err
	}
	if bal.Cmp(amount) < 0 {
		return ErrInsufficientBalance
	}
	newBal := new(big.Int).Sub(bal, amount)
	if newBal.Sign() == 0 {
		tr.HolderCount--
	}
	if err := e.state.SetBalance(tr.DealID, tr.ID, holder, newBal); err != nil {
		return err
	}
	tr.TotalSupply = new(big.Int).Sub(cloneBigInt(tr.TotalSupply), amount)
	if err := e.state.PutTranche(tr); err != nil {
		return err
	}
	e.emit(events.LedgerRedeemed{
		DealID:    tr.DealID,
		TrancheID: tr.ID,
		Holder:    holder,
		Caller:    caller,
		Amount:    cloneBigInt(amount),
		Supply:    cloneBigInt(tr.TotalSupply),
		Forced:    forced,
	})
	return nil
}

// UpdateFactor ratchets the amortisation factor down and advances the period
// counter. Equal factors are accepted so a zero-principal period still closes;
// an increase always fails.
func (e *Engine) UpdateFactor(caller crypto.Address, dealID, trancheID string, newFactor *big.Int) error {
	if err := nativecommon.Guard(e.caps, caller, nativecommon.CapDistributor); err != nil {
		return err
	}
	if newFactor == nil || newFactor.Sign() < 0 {
		return ErrFactorRange
	}
	if newFactor.Cmp(big.NewInt(FactorScale)) > 0 {
		return ErrFactorRange
	}
	tr, err := e.tranche(dealID, trancheID)
	if err != nil {
		return err
	}
	if newFactor.Cmp(tr.Factor) > 0 {
		return ErrFactorIncrease
	}
	oldFactor := cloneBigInt(tr.Factor)
	tr.Factor = cloneBigInt(newFactor)
	tr.Period++
	if err := e.state.PutTranche(tr); err != nil {
		return err
	}
	e.emit(events.LedgerFactorUpdated{
		DealID:    tr.DealID,
		TrancheID: tr.ID,
		OldFactor: oldFactor,
		NewFactor: cloneBigInt(newFactor),
		Period:    tr.Period,
	})
	return nil
}

// SetDeferredInterest stores the unpaid interest carried forward for a
// tranche. Restricted to the distribution capability; the waterfall updates it
// once per interest leg.
func (e *Engine) SetDeferredInterest(caller crypto.Address, dealID, trancheID string, amount *big.Int) error {
	if err := nativecommon.Guard(e.caps, caller, nativecommon.CapDistributor); err != nil {
		return err
	}
	if amount == nil || amount.Sign() < 0 {
		return ErrInvalidAmount
	}
	tr, err := e.tranche(dealID, trancheID)
	if err != nil {
		return err
	}
	tr.DeferredInterest = cloneBigInt(amount)
	return e.state.PutTranche(tr)
}

// BalanceOf returns the holder's face-unit balance.
func (e *Engine) BalanceOf(dealID, trancheID string, holder crypto.Address) (*big.Int, error) {
	tr, err := e.tranche(dealID, trancheID)
	if err != nil {
		return nil, err
	}
	return e.state.Balance(tr.DealID, tr.ID, holder)
}

// CurrentFaceValue returns balance × factor for a holder, the outstanding
// economic value of the holding.
func (e *Engine) CurrentFaceValue(dealID, trancheID string, holder crypto.Address) (*big.Int, error) {
	tr, err := e.tranche(dealID, trancheID)
	if err != nil {
		return nil, err
	}
	bal, err := e.state.Balance(tr.DealID, tr.ID, holder)
	if err != nil {
		return nil, err
	}
	face := new(big.Int).Mul(bal, tr.Factor)
	return face.Quo(face, big.NewInt(FactorScale)), nil
}

// TotalCurrentFaceValue returns originalFace × factor for the tranche.
func (e *Engine) TotalCurrentFaceValue(dealID, trancheID string) (*big.Int, error) {
	tr, err := e.tranche(dealID, trancheID)
	if err != nil {
		return nil, err
	}
	return tr.CurrentFace(), nil
}

// TrancheInfo returns a defensive copy of the tranche record for queries and
// waterfall sizing.
func (e *Engine) TrancheInfo(dealID, trancheID string) (*Tranche, error) {
	tr, err := e.tranche(dealID, trancheID)
	if err != nil {
		return nil, err
	}
	return tr.Clone(), nil
}
