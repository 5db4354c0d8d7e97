package explorer

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"cascade/audit"
	"cascade/core/events"
)

// Indexer copies sealed audit records into the relational index.
type Indexer struct {
	db  *gorm.DB
	log *audit.Log
}

// Open connects to the sqlite index at path, migrating the schema. Use
// ":memory:" for an ephemeral index.
func Open(path string, log *audit.Log) (*Indexer, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("explorer: open %s: %w", path, err)
	}
	if err := AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("explorer: migrate: %w", err)
	}
	return &Indexer{db: db, log: log}, nil
}

// LatestSequence returns the highest indexed sequence for a deal, zero when
// nothing is indexed yet.
func (ix *Indexer) LatestSequence(dealID string) (uint64, error) {
	var seq uint64
	err := ix.db.Model(&Event{}).
		Where("deal_id = ?", dealID).
		Select("COALESCE(MAX(sequence), 0)").
		Scan(&seq).Error
	return seq, err
}

// Sync pulls every audit record newer than the index head. It is idempotent
// and safe to run on a timer.
func (ix *Indexer) Sync(dealID string) (int, error) {
	last, err := ix.LatestSequence(dealID)
	if err != nil {
		return 0, err
	}
	records, err := ix.log.Records(dealID, last+1, 0)
	if err != nil {
		return 0, err
	}
	indexed := 0
	for _, record := range records {
		attrs, err := json.Marshal(record.Event.Attributes)
		if err != nil {
			return indexed, err
		}
		row := Event{
			DealID:     dealID,
			Sequence:   record.Sequence,
			Type:       record.Event.Type,
			Tranche:    record.Event.Attributes["tranche"],
			Attributes: string(attrs),
			Hash:       record.Hash,
			PrevHash:   record.PrevHash,
		}
		if err := ix.db.Create(&row).Error; err != nil {
			return indexed, err
		}
		if err := ix.foldHolding(dealID, record.Event.Type, record.Event.Attributes); err != nil {
			return indexed, err
		}
		indexed++
	}
	return indexed, nil
}

// foldHolding keeps the holdings table current as ledger events stream in.
func (ix *Indexer) foldHolding(dealID, eventType string, attrs map[string]string) error {
	tranche := attrs["tranche"]
	amount, ok := new(big.Int).SetString(attrs["amount"], 10)
	if !ok {
		amount = big.NewInt(0)
	}
	switch eventType {
	case events.TypeLedgerIssued:
		return ix.adjustHolding(dealID, tranche, attrs["holder"], amount)
	case events.TypeLedgerRedeemed, events.TypeLedgerForcedRedeemed:
		return ix.adjustHolding(dealID, tranche, attrs["holder"], new(big.Int).Neg(amount))
	case events.TypeLedgerTransferred:
		if err := ix.adjustHolding(dealID, tranche, attrs["from"], new(big.Int).Neg(amount)); err != nil {
			return err
		}
		return ix.adjustHolding(dealID, tranche, attrs["to"], amount)
	}
	return nil
}

func (ix *Indexer) adjustHolding(dealID, tranche, address string, delta *big.Int) error {
	var holding Holding
	err := ix.db.Where("deal_id = ? AND tranche = ? AND address = ?", dealID, tranche, address).
		First(&holding).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		holding = Holding{DealID: dealID, Tranche: tranche, Address: address, Balance: "0"}
	case err != nil:
		return err
	}
	balance, ok := new(big.Int).SetString(holding.Balance, 10)
	if !ok {
		balance = big.NewInt(0)
	}
	balance.Add(balance, delta)
	holding.Balance = balance.String()
	if holding.ID == 0 {
		return ix.db.Create(&holding).Error
	}
	return ix.db.Save(&holding).Error
}

// Holdings returns the indexed balances of a tranche, largest first. Holders
// whose balance has gone to zero are kept so redemptions stay visible.
func (ix *Indexer) Holdings(dealID, tranche string) ([]Holding, error) {
	var out []Holding
	err := ix.db.Where("deal_id = ? AND tranche = ?", dealID, tranche).
		Order("CAST(balance AS INTEGER) DESC").
		Find(&out).Error
	return out, err
}

// Query filters the index.
type Query struct {
	DealID  string
	Type    string
	Tranche string
	Limit   int
	Offset  int
}

// Events returns indexed events matching the query, newest first.
func (ix *Indexer) Events(q Query) ([]Event, error) {
	tx := ix.db.Model(&Event{}).Where("deal_id = ?", q.DealID)
	if q.Type != "" {
		tx = tx.Where("type = ?", q.Type)
	}
	if q.Tranche != "" {
		tx = tx.Where("tranche = ?", q.Tranche)
	}
	limit := q.Limit
	if limit <= 0 || limit > 500 {
		limit = 500
	}
	var out []Event
	err := tx.Order("sequence DESC").Limit(limit).Offset(q.Offset).Find(&out).Error
	return out, err
}

// TypeCounts returns how many events of each type a deal has produced.
func (ix *Indexer) TypeCounts(dealID string) (map[string]int64, error) {
	type row struct {
		Type  string
		Total int64
	}
	var rows []row
	err := ix.db.Model(&Event{}).
		Where("deal_id = ?", dealID).
		Select("type, COUNT(*) AS total").
		Group("type").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(rows))
	for _, r := range rows {
		out[r.Type] = r.Total
	}
	return out, nil
}
