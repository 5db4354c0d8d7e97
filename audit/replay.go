package audit

import (
	"fmt"
	"math/big"
	"strconv"
	"strings"

	"cascade/core/events"
	"cascade/core/types"
	"cascade/crypto"
	"cascade/native/ledger"
	"cascade/native/waterfall"
	"cascade/state"
)

// Replay rebuilds a deal's full state from its event log into mgr, which
// should wrap an empty store. Every balance, tranche record, snapshot, claim
// cursor, cash account and sequencing counter is reconstructed from the
// events alone; replaying into a fresh store and diffing against the live one
// is the standard consistency check for a deal.
func Replay(log *Log, dealID string, mgr *state.Manager) error {
	records, err := log.Records(dealID, 1, 0)
	if err != nil {
		return err
	}
	_, err = mgr.Update(dealID, func(txn *state.Txn) error {
		for _, record := range records {
			if err := applyEvent(txn, record.Event); err != nil {
				return fmt.Errorf("audit: replay record %d (%s): %w", record.Sequence, record.Event.Type, err)
			}
		}
		return nil
	})
	return err
}

func applyEvent(txn *state.Txn, evt *types.Event) error {
	switch evt.Type {
	case events.TypeLedgerTrancheRegistered:
		return applyTrancheRegistered(txn, evt)
	case events.TypeLedgerIssued:
		return applyIssued(txn, evt)
	case events.TypeLedgerTransferred:
		return applyTransferred(txn, evt)
	case events.TypeLedgerRedeemed, events.TypeLedgerForcedRedeemed:
		return applyRedeemed(txn, evt)
	case events.TypeLedgerFactorUpdated:
		return applyFactorUpdated(txn, evt)
	case events.TypeLedgerYieldDistributed:
		return applyYieldDistributed(txn, evt)
	case events.TypeLedgerYieldClaimed:
		return applyYieldClaimed(txn, evt)
	case events.TypeCashDeposited:
		return applyCashDeposited(txn, evt)
	case events.TypeDealConfigured:
		return applyDealConfigured(txn, evt)
	case events.TypePeriodReported:
		return applyPeriodReported(txn, evt)
	case events.TypeFeePaid:
		return applyFeePaid(txn, evt)
	case events.TypeInterestPaid:
		return applyInterestPaid(txn, evt)
	case events.TypePrincipalPaid:
		return applyPrincipalPaid(txn, evt)
	case events.TypePeriodExecuted:
		return applyPeriodExecuted(txn, evt)
	case events.TypeTriggerActivated, events.TypeTriggerCleared:
		return applyTriggerChanged(txn, evt)
	default:
		return fmt.Errorf("unknown event type %q", evt.Type)
	}
}

func attrBig(evt *types.Event, key string) (*big.Int, error) {
	raw, ok := evt.Attributes[key]
	if !ok {
		return nil, fmt.Errorf("missing attribute %q", key)
	}
	value, ok := new(big.Int).SetString(raw, 10)
	if !ok {
		return nil, fmt.Errorf("attribute %q is not an integer: %q", key, raw)
	}
	return value, nil
}

func attrUint(evt *types.Event, key string) (uint64, error) {
	raw, ok := evt.Attributes[key]
	if !ok {
		return 0, fmt.Errorf("missing attribute %q", key)
	}
	return strconv.ParseUint(raw, 10, 64)
}

func attrAddr(evt *types.Event, key string) (crypto.Address, error) {
	raw, ok := evt.Attributes[key]
	if !ok {
		return crypto.Address{}, fmt.Errorf("missing attribute %q", key)
	}
	return crypto.DecodeAddress(raw)
}

func applyTrancheRegistered(txn *state.Txn, evt *types.Event) error {
	face, err := attrBig(evt, "original_face")
	if err != nil {
		return err
	}
	coupon, err := attrUint(evt, "coupon_bps")
	if err != nil {
		return err
	}
	freq, err := attrUint(evt, "frequency_months")
	if err != nil {
		return err
	}
	return txn.PutTranche(&ledger.Tranche{
		DealID:           evt.DealID,
		ID:               evt.Attributes["tranche"],
		OriginalFace:     face,
		Factor:           ledger.FactorOne(),
		CouponBps:        coupon,
		FrequencyMonths:  uint32(freq),
		DeferredInterest: big.NewInt(0),
		TotalSupply:      big.NewInt(0),
	})
}

func loadTranche(txn *state.Txn, evt *types.Event) (*ledger.Tranche, error) {
	return txn.Tranche(evt.DealID, evt.Attributes["tranche"])
}

func syncHolderCount(txn *state.Txn, tr *ledger.Tranche) error {
	holders, err := txn.Holders(tr.DealID, tr.ID)
	if err != nil {
		return err
	}
	tr.HolderCount = uint64(len(holders))
	return txn.PutTranche(tr)
}

func applyIssued(txn *state.Txn, evt *types.Event) error {
	tr, err := loadTranche(txn, evt)
	if err != nil {
		return err
	}
	holder, err := attrAddr(evt, "holder")
	if err != nil {
		return err
	}
	amount, err := attrBig(evt, "amount")
	if err != nil {
		return err
	}
	supply, err := attrBig(evt, "supply")
	if err != nil {
		return err
	}
	bal, err := txn.Balance(tr.DealID, tr.ID, holder)
	if err != nil {
		return err
	}
	if err := txn.SetBalance(tr.DealID, tr.ID, holder, new(big.Int).Add(bal, amount)); err != nil {
		return err
	}
	tr.TotalSupply = supply
	return syncHolderCount(txn, tr)
}

func applyTransferred(txn *state.Txn, evt *types.Event) error {
	tr, err := loadTranche(txn, evt)
	if err != nil {
		return err
	}
	from, err := attrAddr(evt, "from")
	if err != nil {
		return err
	}
	to, err := attrAddr(evt, "to")
	if err != nil {
		return err
	}
	amount, err := attrBig(evt, "amount")
	if err != nil {
		return err
	}
	fromBal, err := txn.Balance(tr.DealID, tr.ID, from)
	if err != nil {
		return err
	}
	toBal, err := txn.Balance(tr.DealID, tr.ID, to)
	if err != nil {
		return err
	}
	if err := txn.SetBalance(tr.DealID, tr.ID, from, new(big.Int).Sub(fromBal, amount)); err != nil {
		return err
	}
	if err := txn.SetBalance(tr.DealID, tr.ID, to, new(big.Int).Add(toBal, amount)); err != nil {
		return err
	}
	return syncHolderCount(txn, tr)
}

func applyRedeemed(txn *state.Txn, evt *types.Event) error {
	tr, err := loadTranche(txn, evt)
	if err != nil {
		return err
	}
	holder, err := attrAddr(evt, "holder")
	if err != nil {
		return err
	}
	amount, err := attrBig(evt, "amount")
	if err != nil {
		return err
	}
	supply, err := attrBig(evt, "supply")
	if err != nil {
		return err
	}
	bal, err := txn.Balance(tr.DealID, tr.ID, holder)
	if err != nil {
		return err
	}
	if err := txn.SetBalance(tr.DealID, tr.ID, holder, new(big.Int).Sub(bal, amount)); err != nil {
		return err
	}
	tr.TotalSupply = supply
	return syncHolderCount(txn, tr)
}

func applyFactorUpdated(txn *state.Txn, evt *types.Event) error {
	tr, err := loadTranche(txn, evt)
	if err != nil {
		return err
	}
	factor, err := attrBig(evt, "new_factor")
	if err != nil {
		return err
	}
	period, err := attrUint(evt, "period")
	if err != nil {
		return err
	}
	tr.Factor = factor
	tr.Period = period
	return txn.PutTranche(tr)
}

func applyYieldDistributed(txn *state.Txn, evt *types.Event) error {
	tr, err := loadTranche(txn, evt)
	if err != nil {
		return err
	}
	period, err := attrUint(evt, "period")
	if err != nil {
		return err
	}
	amount, err := attrBig(evt, "amount")
	if err != nil {
		return err
	}
	supply, err := attrBig(evt, "supply")
	if err != nil {
		return err
	}
	source, err := attrAddr(evt, "source")
	if err != nil {
		return err
	}
	holders, err := txn.Holders(tr.DealID, tr.ID)
	if err != nil {
		return err
	}
	snap := &ledger.Snapshot{
		DealID:      tr.DealID,
		TrancheID:   tr.ID,
		Period:      period,
		Balances:    make(map[crypto.Address]*big.Int, len(holders)),
		TotalSupply: supply,
		Yield:       amount,
	}
	for _, holder := range holders {
		bal, err := txn.Balance(tr.DealID, tr.ID, holder)
		if err != nil {
			return err
		}
		snap.Balances[holder] = bal
	}
	if err := txn.PutSnapshot(snap); err != nil {
		return err
	}
	if amount.Sign() > 0 {
		return txn.Transfer(source, crypto.TrancheEscrowAddress(tr.DealID, tr.ID), amount)
	}
	return nil
}

func applyYieldClaimed(txn *state.Txn, evt *types.Event) error {
	holder, err := attrAddr(evt, "holder")
	if err != nil {
		return err
	}
	toPeriod, err := attrUint(evt, "to_period")
	if err != nil {
		return err
	}
	amount, err := attrBig(evt, "amount")
	if err != nil {
		return err
	}
	trancheID := evt.Attributes["tranche"]
	if err := txn.SetClaimCursor(evt.DealID, trancheID, holder, toPeriod); err != nil {
		return err
	}
	if amount.Sign() > 0 {
		return txn.Transfer(crypto.TrancheEscrowAddress(evt.DealID, trancheID), holder, amount)
	}
	return nil
}

func applyCashDeposited(txn *state.Txn, evt *types.Event) error {
	to, err := attrAddr(evt, "to")
	if err != nil {
		return err
	}
	amount, err := attrBig(evt, "amount")
	if err != nil {
		return err
	}
	return txn.Deposit(to, amount)
}

func applyDealConfigured(txn *state.Txn, evt *types.Event) error {
	trusteeBps, err := attrUint(evt, "trustee_bps")
	if err != nil {
		return err
	}
	servicerBps, err := attrUint(evt, "servicer_bps")
	if err != nil {
		return err
	}
	trustee, err := attrAddr(evt, "trustee")
	if err != nil {
		return err
	}
	servicer, err := attrAddr(evt, "servicer")
	if err != nil {
		return err
	}
	var trancheIDs []string
	if raw := evt.Attributes["tranches"]; raw != "" {
		trancheIDs = strings.Split(raw, ",")
	}
	return txn.PutDeal(&waterfall.Deal{
		ID:           evt.DealID,
		PaymentAsset: evt.Attributes["payment_asset"],
		TrancheIDs:   trancheIDs,
		TrusteeBps:   trusteeBps,
		ServicerBps:  servicerBps,
		Trustee:      trustee,
		Servicer:     servicer,
		Strategy:     waterfall.Strategy(evt.Attributes["strategy"]),
		Active:       true,
	})
}

func loadDeal(txn *state.Txn, evt *types.Event) (*waterfall.Deal, error) {
	deal, ok, err := txn.Deal(evt.DealID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, waterfall.ErrDealNotFound
	}
	return deal, nil
}

func applyPeriodReported(txn *state.Txn, evt *types.Event) error {
	deal, err := loadDeal(txn, evt)
	if err != nil {
		return err
	}
	period, err := attrUint(evt, "period")
	if err != nil {
		return err
	}
	interest, err := attrBig(evt, "interest")
	if err != nil {
		return err
	}
	principal, err := attrBig(evt, "principal")
	if err != nil {
		return err
	}
	losses, err := attrBig(evt, "losses")
	if err != nil {
		return err
	}
	prepayments, err := attrBig(evt, "prepayments")
	if err != nil {
		return err
	}
	reportedAt, err := strconv.ParseInt(evt.Attributes["reported_at"], 10, 64)
	if err != nil {
		return err
	}
	if err := txn.PutPeriodReport(&waterfall.PeriodReport{
		DealID:      evt.DealID,
		Period:      period,
		ReportID:    evt.Attributes["report_id"],
		Interest:    interest,
		Principal:   principal,
		Losses:      losses,
		Prepayments: prepayments,
		ReportedAt:  reportedAt,
	}); err != nil {
		return err
	}
	deal.LastReported = period
	return txn.PutDeal(deal)
}

func applyFeePaid(txn *state.Txn, evt *types.Event) error {
	recipient, err := attrAddr(evt, "recipient")
	if err != nil {
		return err
	}
	amount, err := attrBig(evt, "amount")
	if err != nil {
		return err
	}
	if amount.Sign() == 0 {
		return nil
	}
	return txn.Transfer(crypto.DealCollectionAddress(evt.DealID), recipient, amount)
}

func applyInterestPaid(txn *state.Txn, evt *types.Event) error {
	tr, err := loadTranche(txn, evt)
	if err != nil {
		return err
	}
	deferred, err := attrBig(evt, "deferred")
	if err != nil {
		return err
	}
	tr.DeferredInterest = deferred
	return txn.PutTranche(tr)
}

func applyPrincipalPaid(txn *state.Txn, evt *types.Event) error {
	paid, err := attrBig(evt, "paid")
	if err != nil {
		return err
	}
	if paid.Sign() == 0 {
		return nil
	}
	escrow := crypto.TrancheEscrowAddress(evt.DealID, evt.Attributes["tranche"])
	return txn.Transfer(crypto.DealCollectionAddress(evt.DealID), escrow, paid)
}

func applyPeriodExecuted(txn *state.Txn, evt *types.Event) error {
	deal, err := loadDeal(txn, evt)
	if err != nil {
		return err
	}
	period, err := attrUint(evt, "period")
	if err != nil {
		return err
	}
	report, ok, err := txn.PeriodReport(evt.DealID, period)
	if err != nil {
		return err
	}
	if !ok {
		return waterfall.ErrUnknownPeriod
	}
	report.Processed = true
	if err := txn.PutPeriodReport(report); err != nil {
		return err
	}
	deal.LastExecuted = period
	return txn.PutDeal(deal)
}

func applyTriggerChanged(txn *state.Txn, evt *types.Event) error {
	deal, err := loadDeal(txn, evt)
	if err != nil {
		return err
	}
	deal.TriggerActive = evt.Type == events.TypeTriggerActivated
	deal.TriggerReason = ""
	if deal.TriggerActive {
		deal.TriggerReason = evt.Attributes["reason"]
	}
	return txn.PutDeal(deal)
}
