package explorer

import (
	"math/big"
	"testing"

	"cascade/audit"
	"cascade/core/events"
	"cascade/crypto"
	"cascade/storage"
)

func testAddr(b byte) crypto.Address {
	var raw [20]byte
	for i := range raw {
		raw[i] = b
	}
	return crypto.MustAddress(raw[:])
}

func seedLog(t *testing.T) *audit.Log {
	t.Helper()
	log := audit.NewLog(storage.NewMemDB())
	batch := []events.Event{
		events.CashDeposited{DealID: "deal-1", To: testAddr(0x01), Amount: big.NewInt(100)},
		events.LedgerIssued{DealID: "deal-1", TrancheID: "SEN", Holder: testAddr(0x02), Amount: big.NewInt(500), Supply: big.NewInt(500)},
		events.LedgerIssued{DealID: "deal-1", TrancheID: "SUB", Holder: testAddr(0x03), Amount: big.NewInt(200), Supply: big.NewInt(200)},
	}
	if err := log.Append("deal-1", batch); err != nil {
		t.Fatalf("append: %v", err)
	}
	return log
}

func TestSyncIsIdempotent(t *testing.T) {
	log := seedLog(t)
	ix, err := Open(":memory:", log)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	n, err := ix.Sync("deal-1")
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if n != 3 {
		t.Fatalf("indexed %d, want 3", n)
	}
	n, err = ix.Sync("deal-1")
	if err != nil {
		t.Fatalf("resync: %v", err)
	}
	if n != 0 {
		t.Fatalf("resync indexed %d, want 0", n)
	}

	if err := log.Append("deal-1", []events.Event{
		events.CashDeposited{DealID: "deal-1", To: testAddr(0x01), Amount: big.NewInt(50)},
	}); err != nil {
		t.Fatalf("append: %v", err)
	}
	n, err = ix.Sync("deal-1")
	if err != nil {
		t.Fatalf("incremental sync: %v", err)
	}
	if n != 1 {
		t.Fatalf("incremental indexed %d, want 1", n)
	}
}

func TestEventsFiltering(t *testing.T) {
	ix, err := Open(":memory:", seedLog(t))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := ix.Sync("deal-1"); err != nil {
		t.Fatalf("sync: %v", err)
	}

	issued, err := ix.Events(Query{DealID: "deal-1", Type: events.TypeLedgerIssued})
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(issued) != 2 {
		t.Fatalf("issued events = %d, want 2", len(issued))
	}
	if issued[0].Sequence < issued[1].Sequence {
		t.Fatal("events not newest first")
	}

	senOnly, err := ix.Events(Query{DealID: "deal-1", Tranche: "SEN"})
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(senOnly) != 1 || senOnly[0].Tranche != "SEN" {
		t.Fatalf("unexpected tranche filter result: %+v", senOnly)
	}

	counts, err := ix.TypeCounts("deal-1")
	if err != nil {
		t.Fatalf("counts: %v", err)
	}
	if counts[events.TypeLedgerIssued] != 2 || counts[events.TypeCashDeposited] != 1 {
		t.Fatalf("unexpected counts: %+v", counts)
	}
}

func TestHoldingsFoldFromLedgerEvents(t *testing.T) {
	log := seedLog(t)
	if err := log.Append("deal-1", []events.Event{
		events.LedgerTransferred{DealID: "deal-1", TrancheID: "SEN", From: testAddr(0x02), To: testAddr(0x04), Amount: big.NewInt(150), Holders: 2},
		events.LedgerRedeemed{DealID: "deal-1", TrancheID: "SEN", Holder: testAddr(0x04), Caller: testAddr(0x04), Amount: big.NewInt(50), Supply: big.NewInt(450)},
	}); err != nil {
		t.Fatalf("append: %v", err)
	}
	ix, err := Open(":memory:", log)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := ix.Sync("deal-1"); err != nil {
		t.Fatalf("sync: %v", err)
	}

	holdings, err := ix.Holdings("deal-1", "SEN")
	if err != nil {
		t.Fatalf("holdings: %v", err)
	}
	if len(holdings) != 2 {
		t.Fatalf("holdings = %d, want 2", len(holdings))
	}
	if holdings[0].Address != testAddr(0x02).String() || holdings[0].Balance != "350" {
		t.Fatalf("unexpected top holding: %+v", holdings[0])
	}
	if holdings[1].Address != testAddr(0x04).String() || holdings[1].Balance != "100" {
		t.Fatalf("unexpected second holding: %+v", holdings[1])
	}
}

func TestLabelKnownTypes(t *testing.T) {
	if Label(events.TypePeriodExecuted) != "Period executed" {
		t.Fatal("wrong label for period executed")
	}
	if Label("custom.type") != "custom.type" {
		t.Fatal("unknown types should pass through")
	}
}
