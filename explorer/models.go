// Package explorer indexes the deal audit log into a relational store for
// reporting queries. It is strictly downstream: the audit chain stays the
// system of record and the index can be rebuilt from it at any time.
package explorer

import (
	"time"

	"gorm.io/gorm"
)

// Event is one indexed audit record.
type Event struct {
	ID         uint   `gorm:"primaryKey"`
	DealID     string `gorm:"index:idx_deal_seq,unique;index"`
	Sequence   uint64 `gorm:"index:idx_deal_seq,unique"`
	Type       string `gorm:"index"`
	Tranche    string `gorm:"index"`
	Attributes string
	Hash       string
	PrevHash   string
	CreatedAt  time.Time
}

// Holding is the indexed balance of one holder in one tranche, folded from
// the issuance, transfer and redemption events. Balance is a decimal string
// in face units.
type Holding struct {
	ID      uint   `gorm:"primaryKey"`
	DealID  string `gorm:"index:idx_holding,unique"`
	Tranche string `gorm:"index:idx_holding,unique"`
	Address string `gorm:"index:idx_holding,unique"`
	Balance string
}

// AutoMigrate creates or updates the index schema.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&Event{}, &Holding{})
}
