// Package audit persists every emitted deal event into an append-only,
// hash-chained log. The log is the system of record for reporting: replaying
// it against an empty store reproduces the exact ledger and waterfall state,
// and the hash chain makes after-the-fact tampering detectable.
package audit

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"lukechampine.com/blake3"

	"cascade/core/events"
	"cascade/core/types"
	"cascade/storage"
)

// ErrChainBroken is returned by VerifyChain when a stored record does not
// hash-link to its predecessor.
var ErrChainBroken = errors.New("audit: hash chain broken")

// Record is one sealed entry of a deal's event log.
type Record struct {
	Sequence uint64       `json:"sequence"`
	PrevHash string       `json:"prevHash"`
	Hash     string       `json:"hash"`
	Event    *types.Event `json:"event"`
}

type head struct {
	Sequence uint64 `json:"sequence"`
	Hash     string `json:"hash"`
}

func headKey(dealID string) []byte {
	return []byte("audit/" + dealID + "/head")
}

func recordKey(dealID string, seq uint64) []byte {
	return []byte(fmt.Sprintf("audit/%s/rec/%d", dealID, seq))
}

// Log is the per-deal append-only event log.
type Log struct {
	mu sync.Mutex
	db storage.Database
}

// NewLog wraps a key-value store.
func NewLog(db storage.Database) *Log {
	return &Log{db: db}
}

func (l *Log) head(dealID string) (head, error) {
	raw, err := l.db.Get(headKey(dealID))
	if errors.Is(err, storage.ErrKeyNotFound) {
		return head{}, nil
	}
	if err != nil {
		return head{}, err
	}
	var h head
	return h, json.Unmarshal(raw, &h)
}

func sealHash(prevHash string, payload []byte) string {
	prev, _ := hex.DecodeString(prevHash)
	sum := blake3.Sum256(append(prev, payload...))
	return hex.EncodeToString(sum[:])
}

// Append seals the events onto the deal's chain in emission order. Sequence
// numbers are assigned here, starting at 1.
func (l *Log) Append(dealID string, evts []events.Event) error {
	if len(evts) == 0 {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	h, err := l.head(dealID)
	if err != nil {
		return err
	}
	for _, evt := range evts {
		payload := evt.Event().Clone()
		if payload == nil {
			continue
		}
		h.Sequence++
		payload.Sequence = h.Sequence
		if payload.DealID == "" {
			payload.DealID = dealID
		}
		body, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		record := Record{
			Sequence: h.Sequence,
			PrevHash: h.Hash,
			Hash:     sealHash(h.Hash, body),
			Event:    payload,
		}
		raw, err := json.Marshal(&record)
		if err != nil {
			return err
		}
		if err := l.db.Put(recordKey(dealID, h.Sequence), raw); err != nil {
			return err
		}
		h.Hash = record.Hash
	}
	raw, err := json.Marshal(&h)
	if err != nil {
		return err
	}
	return l.db.Put(headKey(dealID), raw)
}

// Head returns the deal's latest sequence number, zero when empty.
func (l *Log) Head(dealID string) (uint64, error) {
	h, err := l.head(dealID)
	return h.Sequence, err
}

// Record loads one sealed entry.
func (l *Log) Record(dealID string, seq uint64) (*Record, error) {
	raw, err := l.db.Get(recordKey(dealID, seq))
	if err != nil {
		return nil, err
	}
	var record Record
	if err := json.Unmarshal(raw, &record); err != nil {
		return nil, err
	}
	return &record, nil
}

// Records returns up to limit entries starting at from (1-based). A zero limit
// returns everything to the head.
func (l *Log) Records(dealID string, from uint64, limit int) ([]Record, error) {
	h, err := l.head(dealID)
	if err != nil {
		return nil, err
	}
	if from == 0 {
		from = 1
	}
	out := make([]Record, 0)
	for seq := from; seq <= h.Sequence; seq++ {
		record, err := l.Record(dealID, seq)
		if err != nil {
			return nil, err
		}
		out = append(out, *record)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// VerifyChain re-hashes the whole log and reports the first broken link.
func (l *Log) VerifyChain(dealID string) error {
	h, err := l.head(dealID)
	if err != nil {
		return err
	}
	prev := ""
	for seq := uint64(1); seq <= h.Sequence; seq++ {
		record, err := l.Record(dealID, seq)
		if err != nil {
			return err
		}
		if record.PrevHash != prev {
			return fmt.Errorf("%w: record %d does not link to its predecessor", ErrChainBroken, seq)
		}
		body, err := json.Marshal(record.Event)
		if err != nil {
			return err
		}
		if !bytes.Equal([]byte(record.Hash), []byte(sealHash(prev, body))) {
			return fmt.Errorf("%w: record %d hash mismatch", ErrChainBroken, seq)
		}
		prev = record.Hash
	}
	return nil
}
