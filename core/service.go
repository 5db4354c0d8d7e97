// Package core wires the deal engines to persistence, auditing and event
// publication. Each mutating operation runs inside one buffered transaction
// under the deal's lock; on success the transaction commits, the emitted
// events are sealed onto the deal's audit chain, and only then are they
// published to the configured emitter.
package core

import (
	"errors"
	"math/big"

	"cascade/audit"
	"cascade/core/events"
	"cascade/crypto"
	nativecommon "cascade/native/common"
	"cascade/native/compliance"
	"cascade/native/ledger"
	"cascade/native/waterfall"
	"cascade/state"
	"cascade/storage"
)

var errNilDatabase = errors.New("core: database must not be nil")

// Params configures a Service.
type Params struct {
	DB           storage.Database
	Capabilities nativecommon.CapabilityView
	Gateway      compliance.Gateway
	Emitter      events.Emitter
	// Authority is the internal address the waterfall engine acts through
	// when it drives the tranche ledger. It must hold the issuer and
	// distributor capabilities.
	Authority crypto.Address
	// ClaimBatchLimit overrides the default claim batch bound when
	// positive.
	ClaimBatchLimit uint64
	// NowFunc overrides the report timestamp source, for tests.
	NowFunc func() int64
}

// Service is the deal administration front. It is safe for concurrent use;
// operations on the same deal serialise, different deals proceed in parallel.
type Service struct {
	manager   *state.Manager
	log       *audit.Log
	caps      nativecommon.CapabilityView
	gateway   compliance.Gateway
	emitter   events.Emitter
	authority crypto.Address
	claimMax  uint64
	now       func() int64
}

// NewService wires a service from its parameters.
func NewService(p Params) (*Service, error) {
	if p.DB == nil {
		return nil, errNilDatabase
	}
	svc := &Service{
		manager:   state.NewManager(p.DB),
		log:       audit.NewLog(p.DB),
		caps:      p.Capabilities,
		gateway:   p.Gateway,
		emitter:   p.Emitter,
		authority: p.Authority,
		claimMax:  p.ClaimBatchLimit,
		now:       p.NowFunc,
	}
	if svc.gateway == nil {
		svc.gateway = compliance.NewStaticGateway()
	}
	if svc.emitter == nil {
		svc.emitter = events.NoopEmitter{}
	}
	return svc, nil
}

// AuditLog exposes the deal event log for verification and indexing.
func (s *Service) AuditLog() *audit.Log { return s.log }

// ledgerEngine builds a ledger engine bound to one transaction.
func (s *Service) ledgerEngine(txn *state.Txn) *ledger.Engine {
	eng := ledger.NewEngine()
	eng.SetState(txn)
	eng.SetCapabilities(s.caps)
	eng.SetComplianceGateway(s.gateway)
	eng.SetAsset(txn)
	eng.SetEmitter(txn)
	if s.claimMax > 0 {
		eng.SetClaimBatchLimit(s.claimMax)
	}
	return eng
}

// waterfallEngine builds a waterfall engine bound to one transaction, with
// the ledger engine behind the authority adapter.
func (s *Service) waterfallEngine(txn *state.Txn) *waterfall.Engine {
	eng := waterfall.NewEngine()
	eng.SetState(txn)
	eng.SetLedger(&ledgerAdapter{engine: s.ledgerEngine(txn), caller: s.authority})
	eng.SetAsset(txn)
	eng.SetCapabilities(s.caps)
	eng.SetEmitter(txn)
	if s.now != nil {
		eng.SetNowFunc(s.now)
	}
	return eng
}

func (s *Service) update(dealID string, fn func(txn *state.Txn) error) error {
	evts, err := s.manager.Update(dealID, fn)
	if err != nil {
		return err
	}
	if err := s.log.Append(dealID, evts); err != nil {
		return err
	}
	for _, evt := range evts {
		s.emitter.Emit(evt)
	}
	return nil
}

// ledgerAdapter grants the waterfall engine its narrow ledger capability,
// acting as the internal authority for the writes the waterfall drives.
type ledgerAdapter struct {
	engine *ledger.Engine
	caller crypto.Address
}

func (a *ledgerAdapter) Register(dealID, trancheID string, originalFace *big.Int, couponBps uint64, frequencyMonths uint32) error {
	return a.engine.Register(a.caller, dealID, trancheID, originalFace, couponBps, frequencyMonths)
}

func (a *ledgerAdapter) Status(dealID, trancheID string) (waterfall.TrancheStatus, error) {
	tr, err := a.engine.TrancheInfo(dealID, trancheID)
	if err != nil {
		return waterfall.TrancheStatus{}, err
	}
	return waterfall.TrancheStatus{
		OriginalFace:     tr.OriginalFace,
		CurrentFace:      tr.CurrentFace(),
		Factor:           tr.Factor,
		CouponBps:        tr.CouponBps,
		FrequencyMonths:  tr.FrequencyMonths,
		DeferredInterest: tr.DeferredInterest,
	}, nil
}

func (a *ledgerAdapter) SetDeferredInterest(dealID, trancheID string, amount *big.Int) error {
	return a.engine.SetDeferredInterest(a.caller, dealID, trancheID, amount)
}

func (a *ledgerAdapter) DistributeYield(dealID, trancheID string, source crypto.Address, amount *big.Int) error {
	return a.engine.DistributeYield(a.caller, dealID, trancheID, source, amount)
}

func (a *ledgerAdapter) UpdateFactor(dealID, trancheID string, newFactor *big.Int) error {
	return a.engine.UpdateFactor(a.caller, dealID, trancheID, newFactor)
}

// --- deal lifecycle ---

// ConfigureDeal performs the one-time waterfall setup, registering every
// tranche on the ledger.
func (s *Service) ConfigureDeal(caller crypto.Address, cfg waterfall.DealConfig) error {
	return s.update(cfg.DealID, func(txn *state.Txn) error {
		return s.waterfallEngine(txn).Configure(caller, cfg)
	})
}

// Deposit credits cash arriving from the external asset rail into a deal
// account, typically the deal's collection account ahead of execution.
func (s *Service) Deposit(dealID string, to crypto.Address, amount *big.Int) error {
	return s.update(dealID, func(txn *state.Txn) error {
		if err := txn.Deposit(to, amount); err != nil {
			return err
		}
		txn.Emit(events.CashDeposited{DealID: dealID, To: to, Amount: amount})
		return nil
	})
}

// ReportCollections stores verified collections for the next period.
func (s *Service) ReportCollections(caller crypto.Address, dealID string, interest, principal, losses, prepayments *big.Int) (*waterfall.PeriodReport, error) {
	var report *waterfall.PeriodReport
	err := s.update(dealID, func(txn *state.Txn) error {
		var err error
		report, err = s.waterfallEngine(txn).ReportCollections(caller, dealID, interest, principal, losses, prepayments)
		return err
	})
	if err != nil {
		return nil, err
	}
	return report, nil
}

// ExecuteWaterfall distributes a reported period through the priority stack.
func (s *Service) ExecuteWaterfall(caller crypto.Address, dealID string, period uint64) (*waterfall.ExecutionResult, error) {
	var result *waterfall.ExecutionResult
	err := s.update(dealID, func(txn *state.Txn) error {
		var err error
		result, err = s.waterfallEngine(txn).ExecuteWaterfall(caller, dealID, period)
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// ActivateTrigger records an externally detected test breach on the deal.
func (s *Service) ActivateTrigger(caller crypto.Address, dealID, reason string) error {
	return s.update(dealID, func(txn *state.Txn) error {
		return s.waterfallEngine(txn).ActivateTrigger(caller, dealID, reason)
	})
}

// ClearTrigger lifts a previously recorded breach flag.
func (s *Service) ClearTrigger(caller crypto.Address, dealID string) error {
	return s.update(dealID, func(txn *state.Txn) error {
		return s.waterfallEngine(txn).ClearTrigger(caller, dealID)
	})
}

// --- tranche operations ---

// Issue mints tranche units to a holder.
func (s *Service) Issue(caller crypto.Address, dealID, trancheID string, holder crypto.Address, amount *big.Int) error {
	return s.update(dealID, func(txn *state.Txn) error {
		return s.ledgerEngine(txn).Issue(caller, dealID, trancheID, holder, amount)
	})
}

// Transfer moves tranche units between holders, subject to compliance.
func (s *Service) Transfer(dealID, trancheID string, from, to crypto.Address, amount *big.Int) error {
	return s.update(dealID, func(txn *state.Txn) error {
		return s.ledgerEngine(txn).Transfer(dealID, trancheID, from, to, amount)
	})
}

// Redeem burns a holder's own units.
func (s *Service) Redeem(dealID, trancheID string, holder crypto.Address, amount *big.Int) error {
	return s.update(dealID, func(txn *state.Txn) error {
		return s.ledgerEngine(txn).Redeem(dealID, trancheID, holder, amount)
	})
}

// ForceRedeem burns a holder's units under the forced-redemption capability.
func (s *Service) ForceRedeem(caller crypto.Address, dealID, trancheID string, holder crypto.Address, amount *big.Int) error {
	return s.update(dealID, func(txn *state.Txn) error {
		return s.ledgerEngine(txn).RedeemFrom(caller, dealID, trancheID, holder, amount)
	})
}

// ClaimYield pulls a holder's entitlement across all unclaimed periods,
// bounded by the claim batch limit.
func (s *Service) ClaimYield(dealID, trancheID string, holder crypto.Address) (*big.Int, error) {
	var paid *big.Int
	err := s.update(dealID, func(txn *state.Txn) error {
		var err error
		paid, err = s.ledgerEngine(txn).ClaimYield(dealID, trancheID, holder)
		return err
	})
	if err != nil {
		return nil, err
	}
	return paid, nil
}

// ClaimYieldUpTo pulls entitlement through the target period only.
func (s *Service) ClaimYieldUpTo(dealID, trancheID string, holder crypto.Address, target uint64) (*big.Int, error) {
	var paid *big.Int
	err := s.update(dealID, func(txn *state.Txn) error {
		var err error
		paid, err = s.ledgerEngine(txn).ClaimYieldUpTo(dealID, trancheID, holder, target)
		return err
	})
	if err != nil {
		return nil, err
	}
	return paid, nil
}

// --- queries ---

// BalanceOf returns a holder's face-unit balance.
func (s *Service) BalanceOf(dealID, trancheID string, holder crypto.Address) (*big.Int, error) {
	var bal *big.Int
	err := s.manager.View(dealID, func(txn *state.Txn) error {
		var err error
		bal, err = s.ledgerEngine(txn).BalanceOf(dealID, trancheID, holder)
		return err
	})
	return bal, err
}

// CurrentFaceValue returns the economic value of a holding at the current
// factor.
func (s *Service) CurrentFaceValue(dealID, trancheID string, holder crypto.Address) (*big.Int, error) {
	var face *big.Int
	err := s.manager.View(dealID, func(txn *state.Txn) error {
		var err error
		face, err = s.ledgerEngine(txn).CurrentFaceValue(dealID, trancheID, holder)
		return err
	})
	return face, err
}

// ClaimableYield returns the holder's pending entitlement without claiming.
func (s *Service) ClaimableYield(dealID, trancheID string, holder crypto.Address) (*big.Int, error) {
	var pending *big.Int
	err := s.manager.View(dealID, func(txn *state.Txn) error {
		var err error
		pending, err = s.ledgerEngine(txn).ClaimableYield(dealID, trancheID, holder)
		return err
	})
	return pending, err
}

// TrancheInfo returns the tranche accounting record.
func (s *Service) TrancheInfo(dealID, trancheID string) (*ledger.Tranche, error) {
	var tr *ledger.Tranche
	err := s.manager.View(dealID, func(txn *state.Txn) error {
		var err error
		tr, err = s.ledgerEngine(txn).TrancheInfo(dealID, trancheID)
		return err
	})
	return tr, err
}

// DealInfo returns the deal configuration and sequencing state.
func (s *Service) DealInfo(dealID string) (*waterfall.Deal, error) {
	var deal *waterfall.Deal
	err := s.manager.View(dealID, func(txn *state.Txn) error {
		var err error
		deal, err = s.waterfallEngine(txn).DealInfo(dealID)
		return err
	})
	return deal, err
}

// Report returns a stored period report.
func (s *Service) Report(dealID string, period uint64) (*waterfall.PeriodReport, error) {
	var report *waterfall.PeriodReport
	err := s.manager.View(dealID, func(txn *state.Txn) error {
		var err error
		report, err = s.waterfallEngine(txn).Report(dealID, period)
		return err
	})
	return report, err
}

// CashBalance returns an account's cash balance.
func (s *Service) CashBalance(dealID string, addr crypto.Address) (*big.Int, error) {
	var bal *big.Int
	err := s.manager.View(dealID, func(txn *state.Txn) error {
		var err error
		bal, err = txn.CashBalance(addr)
		return err
	})
	return bal, err
}

// VerifyAudit re-hashes the deal's event chain.
func (s *Service) VerifyAudit(dealID string) error {
	return s.log.VerifyChain(dealID)
}

// ReplayInto rebuilds the deal's state from its audit log into an empty
// store, for consistency checks and disaster recovery.
func (s *Service) ReplayInto(dealID string, db storage.Database) error {
	return audit.Replay(s.log, dealID, state.NewManager(db))
}
