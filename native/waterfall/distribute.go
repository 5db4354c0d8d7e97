package waterfall

import (
	"math/big"

	"cascade/core/events"
	"cascade/crypto"
	nativecommon "cascade/native/common"
)

// pools tracks the interest and principal cash lines separately through an
// execution. Leftover interest never cascades into principal; both leftovers
// end the period as residual.
type pools struct {
	interest  *big.Int
	principal *big.Int
}

func (p *pools) total() *big.Int {
	return new(big.Int).Add(p.interest, p.principal)
}

// deduct takes amount from the interest line first, spilling into principal.
func (p *pools) deduct(amount *big.Int) {
	rest := new(big.Int).Set(amount)
	if p.interest.Cmp(rest) >= 0 {
		p.interest.Sub(p.interest, rest)
		return
	}
	rest.Sub(rest, p.interest)
	p.interest.SetInt64(0)
	p.principal.Sub(p.principal, rest)
}

// ExecuteWaterfall distributes one reported period's collections: fees off the
// top, then interest senior to junior with deferred-interest carry, then
// principal per the configured strategy, with the remainder recorded as
// residual. The whole operation runs inside the caller's deal transaction, so
// any failed transfer rolls the period back with no partial state change.
func (e *Engine) ExecuteWaterfall(caller crypto.Address, dealID string, period uint64) (*ExecutionResult, error) {
	if err := nativecommon.Guard(e.caps, caller, nativecommon.CapExecutor); err != nil {
		return nil, err
	}
	if e.ledger == nil {
		return nil, errNilLedger
	}
	if e.asset == nil {
		return nil, errNilAsset
	}
	deal, err := e.deal(dealID)
	if err != nil {
		return nil, err
	}
	report, ok, err := e.state.PeriodReport(deal.ID, period)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrUnknownPeriod
	}
	if report.Processed {
		return nil, ErrPeriodProcessed
	}
	if period != deal.LastExecuted+1 {
		return nil, ErrPriorPeriodUnprocessed
	}

	collection := crypto.DealCollectionAddress(deal.ID)
	avail := &pools{
		interest:  cloneBigInt(report.Interest),
		principal: new(big.Int).Add(cloneBigInt(report.Principal), cloneBigInt(report.Prepayments)),
	}
	result := &ExecutionResult{
		DealID:        deal.ID,
		Period:        period,
		TrusteeFee:    big.NewInt(0),
		ServicerFee:   big.NewInt(0),
		InterestPaid:  big.NewInt(0),
		PrincipalPaid: big.NewInt(0),
	}

	// Step 1: fees. Trustee first, servicer on the remainder.
	trusteeFee := feeOf(avail.total(), deal.TrusteeBps)
	if err := e.payFee(deal, period, "trustee", deal.Trustee, trusteeFee, collection, avail); err != nil {
		return nil, err
	}
	result.TrusteeFee = trusteeFee
	servicerFee := feeOf(avail.total(), deal.ServicerBps)
	if err := e.payFee(deal, period, "servicer", deal.Servicer, servicerFee, collection, avail); err != nil {
		return nil, err
	}
	result.ServicerFee = servicerFee

	// Step 2: interest, senior to junior, full shortfall carry-forward.
	statuses := make([]TrancheStatus, len(deal.TrancheIDs))
	for i, trancheID := range deal.TrancheIDs {
		status, err := e.ledger.Status(deal.ID, trancheID)
		if err != nil {
			return nil, err
		}
		statuses[i] = status

		due := interestAccrual(status)
		due.Add(due, cloneBigInt(status.DeferredInterest))
		paid := minBig(avail.interest, due)
		avail.interest.Sub(avail.interest, paid)
		deferred := new(big.Int).Sub(due, paid)
		if deferred.Cmp(cloneBigInt(status.DeferredInterest)) != 0 {
			if err := e.ledger.SetDeferredInterest(deal.ID, trancheID, deferred); err != nil {
				return nil, err
			}
		}
		if paid.Sign() > 0 {
			if err := e.ledger.DistributeYield(deal.ID, trancheID, collection, paid); err != nil {
				return nil, err
			}
			result.InterestPaid.Add(result.InterestPaid, paid)
		}
		result.Interest = append(result.Interest, InterestLeg{TrancheID: trancheID, Due: due, Paid: paid, Deferred: deferred})
		e.emit(events.InterestPaid{
			DealID:    deal.ID,
			TrancheID: trancheID,
			Period:    period,
			Due:       cloneBigInt(due),
			Paid:      cloneBigInt(paid),
			Deferred:  cloneBigInt(deferred),
		})
	}

	// Step 3: principal per the configured strategy.
	payments := e.allocatePrincipal(deal.Strategy, statuses, avail.principal)
	for i, trancheID := range deal.TrancheIDs {
		status := statuses[i]
		paid := payments[i]
		newFactor := cloneBigInt(status.Factor)
		if paid.Sign() > 0 {
			avail.principal.Sub(avail.principal, paid)
			escrow := crypto.TrancheEscrowAddress(deal.ID, trancheID)
			if err := e.asset.Transfer(collection, escrow, paid); err != nil {
				return nil, err
			}
			remaining := new(big.Int).Sub(status.CurrentFace, paid)
			newFactor = remaining.Mul(remaining, big.NewInt(1_000_000_000_000_000_000))
			newFactor.Quo(newFactor, status.OriginalFace)
			result.PrincipalPaid.Add(result.PrincipalPaid, paid)
			result.Principal = append(result.Principal, PrincipalLeg{TrancheID: trancheID, Paid: paid, NewFactor: cloneBigInt(newFactor)})
			e.emit(events.PrincipalPaid{
				DealID:    deal.ID,
				TrancheID: trancheID,
				Period:    period,
				Paid:      cloneBigInt(paid),
				NewFactor: cloneBigInt(newFactor),
			})
		}
		// The factor call also closes the tranche's period, so it runs
		// even when no principal was allocated.
		if err := e.ledger.UpdateFactor(deal.ID, trancheID, newFactor); err != nil {
			return nil, err
		}
	}

	// Step 4: residual. Leftover cash stays in the collection account and is
	// recorded for the equity holder; it is not auto-distributed.
	result.Residual = avail.total()

	report.Processed = true
	if err := e.state.PutPeriodReport(report); err != nil {
		return nil, err
	}
	deal.LastExecuted = period
	if err := e.state.PutDeal(deal); err != nil {
		return nil, err
	}
	fees := new(big.Int).Add(result.TrusteeFee, result.ServicerFee)
	e.emit(events.PeriodExecuted{
		DealID:        deal.ID,
		Period:        period,
		Fees:          fees,
		InterestPaid:  cloneBigInt(result.InterestPaid),
		PrincipalPaid: cloneBigInt(result.PrincipalPaid),
		Residual:      cloneBigInt(result.Residual),
	})
	return result, nil
}

func (e *Engine) payFee(deal *Deal, period uint64, role string, recipient crypto.Address, fee *big.Int, collection crypto.Address, avail *pools) error {
	if fee.Sign() <= 0 {
		return nil
	}
	if err := e.asset.Transfer(collection, recipient, fee); err != nil {
		return err
	}
	avail.deduct(fee)
	e.emit(events.FeePaid{
		DealID:    deal.ID,
		Period:    period,
		Role:      role,
		Recipient: recipient,
		Amount:    cloneBigInt(fee),
	})
	return nil
}

// allocatePrincipal returns the per-tranche principal payment without mutating
// the pool. Sequential retires senior faces first; pro-rata splits the pool by
// outstanding face with truncating division, capped at each tranche's face.
func (e *Engine) allocatePrincipal(strategy Strategy, statuses []TrancheStatus, pool *big.Int) []*big.Int {
	payments := make([]*big.Int, len(statuses))
	for i := range payments {
		payments[i] = big.NewInt(0)
	}
	if pool.Sign() <= 0 {
		return payments
	}
	switch strategy {
	case StrategyProRata:
		totalFace := big.NewInt(0)
		for _, status := range statuses {
			totalFace.Add(totalFace, cloneBigInt(status.CurrentFace))
		}
		if totalFace.Sign() <= 0 {
			return payments
		}
		for i, status := range statuses {
			share := new(big.Int).Mul(pool, cloneBigInt(status.CurrentFace))
			share.Quo(share, totalFace)
			payments[i] = minBig(share, cloneBigInt(status.CurrentFace))
		}
	default: // StrategySequential
		remaining := new(big.Int).Set(pool)
		for i, status := range statuses {
			if remaining.Sign() <= 0 {
				break
			}
			payments[i] = minBig(remaining, cloneBigInt(status.CurrentFace))
			remaining = new(big.Int).Sub(remaining, payments[i])
		}
	}
	return payments
}

// interestAccrual computes one period's coupon on current face:
// face × couponBps / 10,000 / 12, scaled by the payment frequency in months.
func interestAccrual(status TrancheStatus) *big.Int {
	months := int64(status.FrequencyMonths)
	if months == 0 {
		months = 1
	}
	accrual := new(big.Int).Mul(cloneBigInt(status.CurrentFace), new(big.Int).SetUint64(status.CouponBps))
	accrual.Mul(accrual, big.NewInt(months))
	return accrual.Quo(accrual, new(big.Int).Mul(basisPoints, big.NewInt(monthsPerYear)))
}

func feeOf(amount *big.Int, bps uint64) *big.Int {
	fee := new(big.Int).Mul(cloneBigInt(amount), new(big.Int).SetUint64(bps))
	return fee.Quo(fee, basisPoints)
}

func minBig(a, b *big.Int) *big.Int {
	if a.Cmp(b) <= 0 {
		return new(big.Int).Set(a)
	}
	return new(big.Int).Set(b)
}
