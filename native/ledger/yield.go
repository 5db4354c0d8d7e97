package ledger

import (
	"math/big"

	"cascade/core/events"
	"cascade/crypto"
	nativecommon "cascade/native/common"
)

// DistributeYield escrows amount of the payment asset for the period currently
// being processed and atomically snapshots every holder's balance and the
// total supply. The snapshot is what later claims are priced against; no
// balance mutation can interleave because the enclosing deal transaction holds
// the deal lock. Attempting to distribute twice for the same period fails.
func (e *Engine) DistributeYield(caller crypto.Address, dealID, trancheID string, source crypto.Address, amount *big.Int) error {
	if err := nativecommon.Guard(e.caps, caller, nativecommon.CapDistributor); err != nil {
		return err
	}
	if e.asset == nil {
		return errNilAsset
	}
	if source.IsZero() {
		return ErrZeroAddress
	}
	if err := validAmount(amount); err != nil {
		return err
	}
	tr, err := e.tranche(dealID, trancheID)
	if err != nil {
		return err
	}
	period := tr.Period + 1
	if _, ok, err := e.state.Snapshot(tr.DealID, tr.ID, period); err != nil {
		return err
	} else if ok {
		return ErrSnapshotExists
	}
	escrow := crypto.TrancheEscrowAddress(tr.DealID, tr.ID)
	if err := e.asset.Transfer(source, escrow, amount); err != nil {
		return err
	}
	holders, err := e.state.Holders(tr.DealID, tr.ID)
	if err != nil {
		return err
	}
	snap := &Snapshot{
		DealID:      tr.DealID,
		TrancheID:   tr.ID,
		Period:      period,
		Balances:    make(map[crypto.Address]*big.Int, len(holders)),
		TotalSupply: cloneBigInt(tr.TotalSupply),
		Yield:       cloneBigInt(amount),
	}
	for _, holder := range holders {
		bal, err := e.state.Balance(tr.DealID, tr.ID, holder)
		if err != nil {
			return err
		}
		if bal.Sign() > 0 {
			snap.Balances[holder] = bal
		}
	}
	if err := e.state.PutSnapshot(snap); err != nil {
		return err
	}
	e.emit(events.LedgerYieldDistributed{
		DealID:    tr.DealID,
		TrancheID: tr.ID,
		Period:    period,
		Amount:    cloneBigInt(amount),
		Supply:    cloneBigInt(tr.TotalSupply),
		Holders:   uint64(len(snap.Balances)),
		Source:    source,
	})
	return nil
}

// ClaimableYield sums the holder's unclaimed entitlement across every period
// from the claim cursor up to the tranche's current period. Periods without a
// snapshot (no yield distributed) contribute zero.
func (e *Engine) ClaimableYield(dealID, trancheID string, holder crypto.Address) (*big.Int, error) {
	tr, err := e.tranche(dealID, trancheID)
	if err != nil {
		return nil, err
	}
	cursor, err := e.state.ClaimCursor(tr.DealID, tr.ID, holder)
	if err != nil {
		return nil, err
	}
	return e.sumEntitlement(tr, holder, cursor, tr.Period)
}

// ClaimYield pays out every unclaimed period up to the tranche's current
// period. It rejects, rather than silently truncates, when the unclaimed
// period count exceeds the batch limit.
func (e *Engine) ClaimYield(dealID, trancheID string, holder crypto.Address) (*big.Int, error) {
	tr, err := e.tranche(dealID, trancheID)
	if err != nil {
		return nil, err
	}
	cursor, err := e.state.ClaimCursor(tr.DealID, tr.ID, holder)
	if err != nil {
		return nil, err
	}
	if tr.Period <= cursor {
		return nil, ErrNothingToClaim
	}
	if tr.Period-cursor > e.claimBatch {
		return nil, ErrClaimBatchTooLarge
	}
	return e.claimRange(tr, holder, cursor, tr.Period)
}

// ClaimYieldUpTo pays out unclaimed periods from the cursor through target,
// allowing a far-behind holder to catch up in bounded batches.
func (e *Engine) ClaimYieldUpTo(dealID, trancheID string, holder crypto.Address, target uint64) (*big.Int, error) {
	tr, err := e.tranche(dealID, trancheID)
	if err != nil {
		return nil, err
	}
	cursor, err := e.state.ClaimCursor(tr.DealID, tr.ID, holder)
	if err != nil {
		return nil, err
	}
	if target <= cursor || target > tr.Period {
		return nil, ErrInvalidClaimTarget
	}
	if target-cursor > e.claimBatch {
		return nil, ErrClaimBatchTooLarge
	}
	return e.claimRange(tr, holder, cursor, target)
}

func (e *Engine) claimRange(tr *Tranche, holder crypto.Address, cursor, target uint64) (*big.Int, error) {
	if e.asset == nil {
		return nil, errNilAsset
	}
	if holder.IsZero() {
		return nil, ErrZeroAddress
	}
	total, err := e.sumEntitlement(tr, holder, cursor, target)
	if err != nil {
		return nil, err
	}
	// Cursor advances before the payout leg so a failed transfer rolls the
	// whole claim back with the enclosing transaction. A zero-entitlement
	// range still advances the cursor: a holder who acquired units late must
	// be able to walk past old periods in bounded batches to reach the
	// periods that do pay.
	if err := e.state.SetClaimCursor(tr.DealID, tr.ID, holder, target); err != nil {
		return nil, err
	}
	if total.Sign() > 0 {
		escrow := crypto.TrancheEscrowAddress(tr.DealID, tr.ID)
		if err := e.asset.Transfer(escrow, holder, total); err != nil {
			return nil, err
		}
	}
	e.emit(events.LedgerYieldClaimed{
		DealID:     tr.DealID,
		TrancheID:  tr.ID,
		Holder:     holder,
		FromPeriod: cursor + 1,
		ToPeriod:   target,
		Amount:     cloneBigInt(total),
	})
	return total, nil
}

func (e *Engine) sumEntitlement(tr *Tranche, holder crypto.Address, cursor, target uint64) (*big.Int, error) {
	total := big.NewInt(0)
	for period := cursor + 1; period <= target; period++ {
		snap, ok, err := e.state.Snapshot(tr.DealID, tr.ID, period)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		total.Add(total, snap.Entitlement(holder))
	}
	return total, nil
}
