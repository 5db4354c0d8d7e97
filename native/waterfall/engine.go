package waterfall

import (
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/google/uuid"

	"cascade/core/events"
	"cascade/crypto"
	nativecommon "cascade/native/common"
)

var basisPoints = big.NewInt(10_000)

const monthsPerYear = 12

type engineState interface {
	Deal(dealID string) (*Deal, bool, error)
	PutDeal(*Deal) error
	PeriodReport(dealID string, period uint64) (*PeriodReport, bool, error)
	PutPeriodReport(*PeriodReport) error
}

// TrancheStatus is the read-only view of a tranche the engine sizes interest
// and principal against.
type TrancheStatus struct {
	OriginalFace     *big.Int
	CurrentFace      *big.Int
	Factor           *big.Int
	CouponBps        uint64
	FrequencyMonths  uint32
	DeferredInterest *big.Int
}

// TrancheLedger is the narrow capability the engine holds on the tranche
// ledger: a read-only query side plus the distribution writes the ledger
// grants back. No shared mutable state crosses this boundary.
type TrancheLedger interface {
	Register(dealID, trancheID string, originalFace *big.Int, couponBps uint64, frequencyMonths uint32) error
	Status(dealID, trancheID string) (TrancheStatus, error)
	SetDeferredInterest(dealID, trancheID string, amount *big.Int) error
	DistributeYield(dealID, trancheID string, source crypto.Address, amount *big.Int) error
	UpdateFactor(dealID, trancheID string, newFactor *big.Int) error
}

// PaymentAsset moves deal cash with fail-fast semantics.
type PaymentAsset interface {
	Transfer(from, to crypto.Address, amount *big.Int) error
}

// Engine owns deal-level configuration, period collections and the
// priority-ordered distribution algorithm.
type Engine struct {
	state   engineState
	ledger  TrancheLedger
	asset   PaymentAsset
	caps    nativecommon.CapabilityView
	emitter events.Emitter
	nowFn   func() int64
}

// NewEngine constructs a waterfall engine with a no-op emitter. State, ledger,
// asset and capabilities must be wired before use.
func NewEngine() *Engine {
	return &Engine{
		emitter: events.NoopEmitter{},
		nowFn:   func() int64 { return time.Now().Unix() },
	}
}

// SetState wires the engine to the persistence layer.
func (e *Engine) SetState(state engineState) { e.state = state }

// SetLedger wires the tranche ledger capability interface.
func (e *Engine) SetLedger(ledger TrancheLedger) {
	if e == nil {
		return
	}
	e.ledger = ledger
}

// SetAsset wires the payment asset primitive.
func (e *Engine) SetAsset(asset PaymentAsset) {
	if e == nil {
		return
	}
	e.asset = asset
}

// SetCapabilities wires the capability table gating privileged operations.
func (e *Engine) SetCapabilities(view nativecommon.CapabilityView) {
	if e == nil {
		return
	}
	e.caps = view
}

// SetEmitter configures the event emitter. Passing nil resets it to a no-op.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// SetNowFunc overrides the time source, primarily for deterministic tests.
func (e *Engine) SetNowFunc(now func() int64) {
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

func (e *Engine) emit(evt events.Event) {
	if e == nil || e.emitter == nil || evt == nil {
		return
	}
	e.emitter.Emit(evt)
}

func (e *Engine) deal(dealID string) (*Deal, error) {
	if e.state == nil {
		return nil, errNilState
	}
	deal, ok, err := e.state.Deal(strings.TrimSpace(dealID))
	if err != nil {
		return nil, err
	}
	if !ok || deal == nil {
		return nil, ErrDealNotFound
	}
	return deal, nil
}

// Configure performs the one-time deal setup: validates the tranche stack and
// fee configuration, registers every tranche with the ledger and activates the
// deal. Reconfiguration of an active deal is rejected before any state change.
func (e *Engine) Configure(caller crypto.Address, cfg DealConfig) error {
	if e.state == nil {
		return errNilState
	}
	if e.ledger == nil {
		return errNilLedger
	}
	if err := nativecommon.Guard(e.caps, caller, nativecommon.CapIssuer); err != nil {
		return err
	}
	dealID := strings.TrimSpace(cfg.DealID)
	if dealID == "" {
		return fmt.Errorf("%w: deal identifier is required", ErrInvalidConfig)
	}
	if len(cfg.Tranches) == 0 {
		return fmt.Errorf("%w: at least one tranche is required", ErrInvalidConfig)
	}
	if !cfg.Strategy.Valid() {
		return fmt.Errorf("%w: unknown principal strategy %q", ErrInvalidConfig, cfg.Strategy)
	}
	if cfg.TrusteeBps > 10_000 || cfg.ServicerBps > 10_000 {
		return fmt.Errorf("%w: fee rate exceeds 100%%", ErrInvalidConfig)
	}
	if cfg.TrusteeBps > 0 && cfg.Trustee.IsZero() {
		return fmt.Errorf("%w: trustee recipient is required", ErrInvalidConfig)
	}
	if cfg.ServicerBps > 0 && cfg.Servicer.IsZero() {
		return fmt.Errorf("%w: servicer recipient is required", ErrInvalidConfig)
	}
	seen := make(map[string]struct{}, len(cfg.Tranches))
	trancheIDs := make([]string, 0, len(cfg.Tranches))
	for _, tc := range cfg.Tranches {
		id := strings.TrimSpace(tc.ID)
		if id == "" {
			return fmt.Errorf("%w: tranche identifier is required", ErrInvalidConfig)
		}
		if _, dup := seen[id]; dup {
			return fmt.Errorf("%w: duplicate tranche %q", ErrInvalidConfig, id)
		}
		seen[id] = struct{}{}
		if tc.OriginalFace == nil || tc.OriginalFace.Sign() <= 0 {
			return fmt.Errorf("%w: tranche %q original face must be positive", ErrInvalidConfig, id)
		}
		trancheIDs = append(trancheIDs, id)
	}
	if existing, ok, err := e.state.Deal(dealID); err != nil {
		return err
	} else if ok && existing != nil {
		return ErrDealExists
	}
	for _, tc := range cfg.Tranches {
		if err := e.ledger.Register(dealID, strings.TrimSpace(tc.ID), tc.OriginalFace, tc.CouponBps, tc.FrequencyMonths); err != nil {
			return err
		}
	}
	deal := &Deal{
		ID:           dealID,
		PaymentAsset: strings.TrimSpace(cfg.PaymentAsset),
		TrancheIDs:   trancheIDs,
		TrusteeBps:   cfg.TrusteeBps,
		ServicerBps:  cfg.ServicerBps,
		Trustee:      cfg.Trustee,
		Servicer:     cfg.Servicer,
		Strategy:     cfg.Strategy,
		Active:       true,
	}
	if err := e.state.PutDeal(deal); err != nil {
		return err
	}
	e.emit(events.DealConfigured{
		DealID:       dealID,
		Tranches:     trancheIDs,
		Strategy:     string(cfg.Strategy),
		TrusteeBps:   cfg.TrusteeBps,
		ServicerBps:  cfg.ServicerBps,
		Trustee:      cfg.Trustee,
		Servicer:     cfg.Servicer,
		PaymentAsset: deal.PaymentAsset,
	})
	return nil
}

// ReportCollections stores verified collections for the next sequential
// period. Periods cannot be skipped, backfilled, or reported while the prior
// period is still unprocessed.
func (e *Engine) ReportCollections(caller crypto.Address, dealID string, interest, principal, losses, prepayments *big.Int) (*PeriodReport, error) {
	if err := nativecommon.Guard(e.caps, caller, nativecommon.CapReporter); err != nil {
		return nil, err
	}
	for _, v := range []*big.Int{interest, principal, losses, prepayments} {
		if v != nil && v.Sign() < 0 {
			return nil, ErrInvalidAmount
		}
	}
	deal, err := e.deal(dealID)
	if err != nil {
		return nil, err
	}
	if deal.LastReported > deal.LastExecuted {
		return nil, ErrPriorPeriodUnprocessed
	}
	period := deal.LastReported + 1
	report := &PeriodReport{
		DealID:      deal.ID,
		Period:      period,
		ReportID:    uuid.New().String(),
		Interest:    cloneBigInt(interest),
		Principal:   cloneBigInt(principal),
		Losses:      cloneBigInt(losses),
		Prepayments: cloneBigInt(prepayments),
		ReportedAt:  e.nowFn(),
	}
	if err := e.state.PutPeriodReport(report); err != nil {
		return nil, err
	}
	deal.LastReported = period
	if err := e.state.PutDeal(deal); err != nil {
		return nil, err
	}
	e.emit(events.PeriodReported{
		DealID:      deal.ID,
		Period:      period,
		ReportID:    report.ReportID,
		Interest:    cloneBigInt(report.Interest),
		Principal:   cloneBigInt(report.Principal),
		Losses:      cloneBigInt(report.Losses),
		Prepayments: cloneBigInt(report.Prepayments),
		ReportedAt:  report.ReportedAt,
	})
	return report.Clone(), nil
}

// ActivateTrigger records an externally detected test breach. The flag is
// audited and queryable but does not alter the distribution algorithm.
func (e *Engine) ActivateTrigger(caller crypto.Address, dealID, reason string) error {
	if err := nativecommon.Guard(e.caps, caller, nativecommon.CapTriggerAdmin); err != nil {
		return err
	}
	deal, err := e.deal(dealID)
	if err != nil {
		return err
	}
	if deal.TriggerActive {
		return ErrTriggerState
	}
	deal.TriggerActive = true
	deal.TriggerReason = strings.TrimSpace(reason)
	if err := e.state.PutDeal(deal); err != nil {
		return err
	}
	e.emit(events.TriggerChanged{DealID: deal.ID, Activated: true, Reason: deal.TriggerReason, Caller: caller})
	return nil
}

// ClearTrigger lifts a previously recorded breach flag.
func (e *Engine) ClearTrigger(caller crypto.Address, dealID string) error {
	if err := nativecommon.Guard(e.caps, caller, nativecommon.CapTriggerAdmin); err != nil {
		return err
	}
	deal, err := e.deal(dealID)
	if err != nil {
		return err
	}
	if !deal.TriggerActive {
		return ErrTriggerState
	}
	reason := deal.TriggerReason
	deal.TriggerActive = false
	deal.TriggerReason = ""
	if err := e.state.PutDeal(deal); err != nil {
		return err
	}
	e.emit(events.TriggerChanged{DealID: deal.ID, Activated: false, Reason: reason, Caller: caller})
	return nil
}

// DealInfo returns a defensive copy of the deal record.
func (e *Engine) DealInfo(dealID string) (*Deal, error) {
	deal, err := e.deal(dealID)
	if err != nil {
		return nil, err
	}
	return deal.Clone(), nil
}

// Report returns a defensive copy of a stored period report.
func (e *Engine) Report(dealID string, period uint64) (*PeriodReport, error) {
	if e.state == nil {
		return nil, errNilState
	}
	report, ok, err := e.state.PeriodReport(strings.TrimSpace(dealID), period)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrUnknownPeriod
	}
	return report.Clone(), nil
}
