package state

import (
	"errors"
	"math/big"
	"testing"

	"cascade/crypto"
	"cascade/native/ledger"
	"cascade/storage"
)

func testAddr(b byte) crypto.Address {
	raw := make([]byte, crypto.AddressLength)
	raw[0] = b
	return crypto.MustAddress(raw)
}

func TestUpdateRollsBackOnError(t *testing.T) {
	db := storage.NewMemDB()
	mgr := NewManager(db)
	holder := testAddr(0x01)

	boom := errors.New("boom")
	_, err := mgr.Update("DEAL", func(txn *Txn) error {
		if err := txn.SetBalance("DEAL", "SR", holder, big.NewInt(1_000)); err != nil {
			return err
		}
		if err := txn.Deposit(holder, big.NewInt(500)); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected wrapped fn error, got %v", err)
	}
	if db.Len() != 0 {
		t.Fatalf("aborted transaction leaked %d keys", db.Len())
	}

	if _, err := mgr.Update("DEAL", func(txn *Txn) error {
		return txn.SetBalance("DEAL", "SR", holder, big.NewInt(1_000))
	}); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if err := mgr.View("DEAL", func(txn *Txn) error {
		bal, err := txn.Balance("DEAL", "SR", holder)
		if err != nil {
			return err
		}
		if bal.Cmp(big.NewInt(1_000)) != 0 {
			t.Fatalf("committed balance: %s", bal)
		}
		return nil
	}); err != nil {
		t.Fatalf("view: %v", err)
	}
}

func TestHolderSetTracksZeroCrossings(t *testing.T) {
	mgr := NewManager(storage.NewMemDB())
	a, b := testAddr(0x01), testAddr(0x02)

	_, err := mgr.Update("DEAL", func(txn *Txn) error {
		if err := txn.SetBalance("DEAL", "SR", a, big.NewInt(100)); err != nil {
			return err
		}
		if err := txn.SetBalance("DEAL", "SR", b, big.NewInt(200)); err != nil {
			return err
		}
		// a exits the holder set on reaching zero.
		return txn.SetBalance("DEAL", "SR", a, big.NewInt(0))
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if err := mgr.View("DEAL", func(txn *Txn) error {
		holders, err := txn.Holders("DEAL", "SR")
		if err != nil {
			return err
		}
		if len(holders) != 1 || holders[0] != b {
			t.Fatalf("holder set: %v", holders)
		}
		return nil
	}); err != nil {
		t.Fatalf("view: %v", err)
	}
}

func TestCashTransferFailsFast(t *testing.T) {
	mgr := NewManager(storage.NewMemDB())
	from, to := testAddr(0x01), testAddr(0x02)

	_, err := mgr.Update("DEAL", func(txn *Txn) error {
		if err := txn.Deposit(from, big.NewInt(100)); err != nil {
			return err
		}
		return txn.Transfer(from, to, big.NewInt(150))
	})
	if !errors.Is(err, ErrInsufficientCash) {
		t.Fatalf("overdraft: got %v", err)
	}

	if _, err := mgr.Update("DEAL", func(txn *Txn) error {
		if err := txn.Deposit(from, big.NewInt(100)); err != nil {
			return err
		}
		return txn.Transfer(from, to, big.NewInt(60))
	}); err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if err := mgr.View("DEAL", func(txn *Txn) error {
		fromBal, _ := txn.CashBalance(from)
		toBal, _ := txn.CashBalance(to)
		if fromBal.Cmp(big.NewInt(40)) != 0 || toBal.Cmp(big.NewInt(60)) != 0 {
			t.Fatalf("cash balances: %s / %s", fromBal, toBal)
		}
		return nil
	}); err != nil {
		t.Fatalf("view: %v", err)
	}
}

func TestCashSelfTransferLeavesBalanceUnchanged(t *testing.T) {
	mgr := NewManager(storage.NewMemDB())
	account := testAddr(0x01)

	if _, err := mgr.Update("DEAL", func(txn *Txn) error {
		if err := txn.Deposit(account, big.NewInt(100)); err != nil {
			return err
		}
		return txn.Transfer(account, account, big.NewInt(100))
	}); err != nil {
		t.Fatalf("self transfer: %v", err)
	}
	if err := mgr.View("DEAL", func(txn *Txn) error {
		bal, _ := txn.CashBalance(account)
		if bal.Cmp(big.NewInt(100)) != 0 {
			t.Fatalf("self transfer changed balance: %s", bal)
		}
		return nil
	}); err != nil {
		t.Fatalf("view: %v", err)
	}

	// Overdraft still fails fast even against the same account.
	_, err := mgr.Update("DEAL", func(txn *Txn) error {
		return txn.Transfer(account, account, big.NewInt(150))
	})
	if !errors.Is(err, ErrInsufficientCash) {
		t.Fatalf("self overdraft: got %v", err)
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	mgr := NewManager(storage.NewMemDB())
	holder := testAddr(0x01)

	snap := &ledger.Snapshot{
		DealID:      "DEAL",
		TrancheID:   "SR",
		Period:      3,
		Balances:    map[crypto.Address]*big.Int{holder: big.NewInt(1_000_000)},
		TotalSupply: big.NewInt(4_000_000),
		Yield:       big.NewInt(50_000),
	}
	if _, err := mgr.Update("DEAL", func(txn *Txn) error {
		return txn.PutSnapshot(snap)
	}); err != nil {
		t.Fatalf("put snapshot: %v", err)
	}
	if err := mgr.View("DEAL", func(txn *Txn) error {
		got, ok, err := txn.Snapshot("DEAL", "SR", 3)
		if err != nil {
			return err
		}
		if !ok {
			t.Fatal("snapshot missing")
		}
		if got.TotalSupply.Cmp(snap.TotalSupply) != 0 || got.Yield.Cmp(snap.Yield) != 0 {
			t.Fatalf("snapshot totals: %+v", got)
		}
		if got.Balances[holder].Cmp(big.NewInt(1_000_000)) != 0 {
			t.Fatalf("snapshot balance: %s", got.Balances[holder])
		}
		if got.Entitlement(holder).Cmp(big.NewInt(12_500)) != 0 {
			t.Fatalf("entitlement: %s", got.Entitlement(holder))
		}
		return nil
	}); err != nil {
		t.Fatalf("view: %v", err)
	}
}
