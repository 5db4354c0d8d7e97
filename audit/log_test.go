package audit

import (
	"encoding/json"
	"errors"
	"math/big"
	"testing"

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

func TestAppendAssignsSequence(t *testing.T) {
	log := NewLog(storage.NewMemDB())
	first := []events.Event{
		events.CashDeposited{DealID: "deal-1", To: testAddr(0x01), Amount: big.NewInt(100)},
		events.CashDeposited{DealID: "deal-1", To: testAddr(0x02), Amount: big.NewInt(200)},
	}
	if err := log.Append("deal-1", first); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := log.Append("deal-1", first[:1]); err != nil {
		t.Fatalf("append: %v", err)
	}
	head, err := log.Head("deal-1")
	if err != nil {
		t.Fatalf("head: %v", err)
	}
	if head != 3 {
		t.Fatalf("head = %d, want 3", head)
	}
	records, err := log.Records("deal-1", 1, 0)
	if err != nil {
		t.Fatalf("records: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("got %d records, want 3", len(records))
	}
	for i, record := range records {
		if record.Sequence != uint64(i+1) {
			t.Fatalf("record %d has sequence %d", i, record.Sequence)
		}
		if record.Event.Sequence != record.Sequence {
			t.Fatalf("record %d event sequence %d", i, record.Event.Sequence)
		}
	}
	if records[1].PrevHash != records[0].Hash {
		t.Fatalf("record 2 does not link to record 1")
	}
}

func TestRecordsPagination(t *testing.T) {
	log := NewLog(storage.NewMemDB())
	var batch []events.Event
	for i := 0; i < 5; i++ {
		batch = append(batch, events.CashDeposited{DealID: "deal-1", To: testAddr(0x01), Amount: big.NewInt(int64(i + 1))})
	}
	if err := log.Append("deal-1", batch); err != nil {
		t.Fatalf("append: %v", err)
	}
	page, err := log.Records("deal-1", 3, 2)
	if err != nil {
		t.Fatalf("records: %v", err)
	}
	if len(page) != 2 || page[0].Sequence != 3 || page[1].Sequence != 4 {
		t.Fatalf("unexpected page: %+v", page)
	}
}

func TestVerifyChainDetectsTampering(t *testing.T) {
	db := storage.NewMemDB()
	log := NewLog(db)
	batch := []events.Event{
		events.CashDeposited{DealID: "deal-1", To: testAddr(0x01), Amount: big.NewInt(100)},
		events.CashDeposited{DealID: "deal-1", To: testAddr(0x01), Amount: big.NewInt(250)},
	}
	if err := log.Append("deal-1", batch); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := log.VerifyChain("deal-1"); err != nil {
		t.Fatalf("verify clean chain: %v", err)
	}

	record, err := log.Record("deal-1", 1)
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	record.Event.Attributes["amount"] = "999999"
	raw, err := json.Marshal(record)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := db.Put(recordKey("deal-1", 1), raw); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := log.VerifyChain("deal-1"); !errors.Is(err, ErrChainBroken) {
		t.Fatalf("verify tampered chain: %v, want ErrChainBroken", err)
	}
}

func TestChainsAreIndependentPerDeal(t *testing.T) {
	log := NewLog(storage.NewMemDB())
	if err := log.Append("deal-1", []events.Event{events.CashDeposited{DealID: "deal-1", To: testAddr(0x01), Amount: big.NewInt(1)}}); err != nil {
		t.Fatalf("append: %v", err)
	}
	head, err := log.Head("deal-2")
	if err != nil {
		t.Fatalf("head: %v", err)
	}
	if head != 0 {
		t.Fatalf("deal-2 head = %d, want 0", head)
	}
}
