package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"sort"

	"cascade/core/events"
	"cascade/crypto"
	"cascade/native/ledger"
	"cascade/native/waterfall"
	"cascade/storage"
)

// ErrInsufficientCash is returned by the payment primitive when the source
// account cannot cover the transfer. Transfers fail fast and never partially
// apply.
var ErrInsufficientCash = errors.New("state: insufficient cash balance")

// Txn is a buffered view over the key-value store scoped to one deal
// operation. Writes land in an overlay until Commit; a discarded transaction
// leaves the store untouched, which is what makes engine operations
// all-or-nothing. Txn implements the ledger and waterfall engine state
// interfaces, the payment asset primitive, and buffers emitted events until
// commit.
type Txn struct {
	db      storage.Database
	overlay map[string][]byte
	events  []events.Event
}

func newTxn(db storage.Database) *Txn {
	return &Txn{db: db, overlay: make(map[string][]byte)}
}

func (t *Txn) get(key []byte) ([]byte, error) {
	if value, ok := t.overlay[string(key)]; ok {
		return value, nil
	}
	return t.db.Get(key)
}

func (t *Txn) put(key, value []byte) {
	t.overlay[string(key)] = append([]byte(nil), value...)
}

func (t *Txn) commit() error {
	for key, value := range t.overlay {
		if err := t.db.Put([]byte(key), value); err != nil {
			return fmt.Errorf("state: commit %s: %w", key, err)
		}
	}
	return nil
}

func (t *Txn) getJSON(key []byte, out any) (bool, error) {
	raw, err := t.get(key)
	if errors.Is(err, storage.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, json.Unmarshal(raw, out)
}

func (t *Txn) putJSON(key []byte, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	t.put(key, raw)
	return nil
}

func (t *Txn) getBig(key []byte) (*big.Int, error) {
	raw, err := t.get(key)
	if errors.Is(err, storage.ErrKeyNotFound) {
		return big.NewInt(0), nil
	}
	if err != nil {
		return nil, err
	}
	value, ok := new(big.Int).SetString(string(raw), 10)
	if !ok {
		return nil, fmt.Errorf("state: corrupt integer at %s", key)
	}
	return value, nil
}

// Emit buffers an event for publication after commit.
func (t *Txn) Emit(evt events.Event) {
	if evt == nil {
		return
	}
	t.events = append(t.events, evt)
}

// --- ledger engine state ---

// Tranche loads a tranche record.
func (t *Txn) Tranche(dealID, trancheID string) (*ledger.Tranche, error) {
	var tr ledger.Tranche
	ok, err := t.getJSON(trancheKey(dealID, trancheID), &tr)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ledger.ErrTrancheNotFound
	}
	return &tr, nil
}

// PutTranche stores a tranche record.
func (t *Txn) PutTranche(tr *ledger.Tranche) error {
	return t.putJSON(trancheKey(tr.DealID, tr.ID), tr)
}

// Balance returns the holder's face-unit balance, zero when absent.
func (t *Txn) Balance(dealID, trancheID string, holder crypto.Address) (*big.Int, error) {
	return t.getBig(balanceKey(dealID, trancheID, holder))
}

// SetBalance stores a balance and maintains the tranche's nonzero-holder set,
// which snapshots iterate.
func (t *Txn) SetBalance(dealID, trancheID string, holder crypto.Address, amount *big.Int) error {
	prev, err := t.Balance(dealID, trancheID, holder)
	if err != nil {
		return err
	}
	t.put(balanceKey(dealID, trancheID, holder), []byte(amount.String()))
	wasZero := prev.Sign() == 0
	isZero := amount.Sign() == 0
	if wasZero == isZero {
		return nil
	}
	holders, err := t.Holders(dealID, trancheID)
	if err != nil {
		return err
	}
	if amount.Sign() > 0 {
		holders = append(holders, holder)
	} else {
		kept := holders[:0]
		for _, h := range holders {
			if h != holder {
				kept = append(kept, h)
			}
		}
		holders = kept
	}
	sort.Slice(holders, func(i, j int) bool {
		return holders[i].String() < holders[j].String()
	})
	return t.putJSON(holdersKey(dealID, trancheID), holders)
}

// Holders returns the addresses with a nonzero balance, in stable order.
func (t *Txn) Holders(dealID, trancheID string) ([]crypto.Address, error) {
	var holders []crypto.Address
	if _, err := t.getJSON(holdersKey(dealID, trancheID), &holders); err != nil {
		return nil, err
	}
	return holders, nil
}

// Snapshot loads the write-once distribution snapshot for a period.
func (t *Txn) Snapshot(dealID, trancheID string, period uint64) (*ledger.Snapshot, bool, error) {
	var snap ledger.Snapshot
	ok, err := t.getJSON(snapshotKey(dealID, trancheID, period), &snap)
	if err != nil || !ok {
		return nil, false, err
	}
	return &snap, true, nil
}

// PutSnapshot stores a distribution snapshot.
func (t *Txn) PutSnapshot(snap *ledger.Snapshot) error {
	return t.putJSON(snapshotKey(snap.DealID, snap.TrancheID, snap.Period), snap)
}

// ClaimCursor returns the holder's last-claimed period, zero when absent.
func (t *Txn) ClaimCursor(dealID, trancheID string, holder crypto.Address) (uint64, error) {
	cursor, err := t.getBig(cursorKey(dealID, trancheID, holder))
	if err != nil {
		return 0, err
	}
	return cursor.Uint64(), nil
}

// SetClaimCursor advances the holder's claim cursor.
func (t *Txn) SetClaimCursor(dealID, trancheID string, holder crypto.Address, period uint64) error {
	t.put(cursorKey(dealID, trancheID, holder), []byte(new(big.Int).SetUint64(period).String()))
	return nil
}

// --- waterfall engine state ---

// Deal loads a deal record.
func (t *Txn) Deal(dealID string) (*waterfall.Deal, bool, error) {
	var deal waterfall.Deal
	ok, err := t.getJSON(dealKey(dealID), &deal)
	if err != nil || !ok {
		return nil, false, err
	}
	return &deal, true, nil
}

// PutDeal stores a deal record.
func (t *Txn) PutDeal(deal *waterfall.Deal) error {
	return t.putJSON(dealKey(deal.ID), deal)
}

// PeriodReport loads a stored collections report.
func (t *Txn) PeriodReport(dealID string, period uint64) (*waterfall.PeriodReport, bool, error) {
	var report waterfall.PeriodReport
	ok, err := t.getJSON(reportKey(dealID, period), &report)
	if err != nil || !ok {
		return nil, false, err
	}
	return &report, true, nil
}

// PutPeriodReport stores a collections report.
func (t *Txn) PutPeriodReport(report *waterfall.PeriodReport) error {
	return t.putJSON(reportKey(report.DealID, report.Period), report)
}

// --- payment asset primitive ---

// CashBalance returns an account's cash balance.
func (t *Txn) CashBalance(addr crypto.Address) (*big.Int, error) {
	return t.getBig(cashKey(addr))
}

// Transfer moves cash between accounts with fail-fast semantics, implementing
// the payment asset primitive for both engines.
func (t *Txn) Transfer(from, to crypto.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("state: transfer amount must be positive")
	}
	fromBal, err := t.CashBalance(from)
	if err != nil {
		return err
	}
	if fromBal.Cmp(amount) < 0 {
		return fmt.Errorf("%w: %s has %s, needs %s", ErrInsufficientCash, from, fromBal, amount)
	}
	if from == to {
		return nil
	}
	toBal, err := t.CashBalance(to)
	if err != nil {
		return err
	}
	t.put(cashKey(from), []byte(new(big.Int).Sub(fromBal, amount).String()))
	t.put(cashKey(to), []byte(new(big.Int).Add(toBal, amount).String()))
	return nil
}

// Deposit credits cash arriving from the external asset rail.
func (t *Txn) Deposit(to crypto.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("state: deposit amount must be positive")
	}
	bal, err := t.CashBalance(to)
	if err != nil {
		return err
	}
	t.put(cashKey(to), []byte(new(big.Int).Add(bal, amount).String()))
	return nil
}
