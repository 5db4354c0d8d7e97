package ledger

import (
	"math/big"

	"cascade/crypto"
)

// FactorScale is the fixed-point denominator for amortisation factors. A
// factor of FactorScale means the tranche is fully outstanding.
const FactorScale = 1_000_000_000_000_000_000

// FactorOne returns the fixed-point representation of factor 1.0.
func FactorOne() *big.Int { return big.NewInt(FactorScale) }

// Tranche is the per-tier accounting record. Balances are denominated in
// face-value-equivalent units; the economic ("current face") value of a
// holding is balance × factor / FactorScale.
type Tranche struct {
	DealID           string   `json:"dealId"`
	ID               string   `json:"id"`
	OriginalFace     *big.Int `json:"originalFace"`
	Factor           *big.Int `json:"factor"`
	CouponBps        uint64   `json:"couponBps"`
	FrequencyMonths  uint32   `json:"frequencyMonths"`
	Period           uint64   `json:"period"`
	DeferredInterest *big.Int `json:"deferredInterest"`
	TotalSupply      *big.Int `json:"totalSupply"`
	HolderCount      uint64   `json:"holderCount"`
}

// Clone deep-copies the tranche record.
func (t *Tranche) Clone() *Tranche {
	if t == nil {
		return nil
	}
	out := *t
	out.OriginalFace = cloneBigInt(t.OriginalFace)
	out.Factor = cloneBigInt(t.Factor)
	out.DeferredInterest = cloneBigInt(t.DeferredInterest)
	out.TotalSupply = cloneBigInt(t.TotalSupply)
	return &out
}

// CurrentFace returns the outstanding economic value of the whole tranche,
// originalFace × factor, truncated.
func (t *Tranche) CurrentFace() *big.Int {
	face := new(big.Int).Mul(cloneBigInt(t.OriginalFace), cloneBigInt(t.Factor))
	return face.Quo(face, big.NewInt(FactorScale))
}

// Snapshot locks the holder balances and total supply of a tranche at the
// instant a period's yield was distributed. Once stored it is never mutated;
// late claims are always priced against it rather than current balances.
type Snapshot struct {
	DealID      string                      `json:"dealId"`
	TrancheID   string                      `json:"trancheId"`
	Period      uint64                      `json:"period"`
	Balances    map[crypto.Address]*big.Int `json:"balances"`
	TotalSupply *big.Int                    `json:"totalSupply"`
	Yield       *big.Int                    `json:"yield"`
}

// Clone deep-copies the snapshot.
func (s *Snapshot) Clone() *Snapshot {
	if s == nil {
		return nil
	}
	out := &Snapshot{
		DealID:      s.DealID,
		TrancheID:   s.TrancheID,
		Period:      s.Period,
		TotalSupply: cloneBigInt(s.TotalSupply),
		Yield:       cloneBigInt(s.Yield),
	}
	if s.Balances != nil {
		out.Balances = make(map[crypto.Address]*big.Int, len(s.Balances))
		for addr, bal := range s.Balances {
			out.Balances[addr] = cloneBigInt(bal)
		}
	}
	return out
}

// Entitlement returns the holder's share of the snapshot's yield pool,
// snapshotBalance × yield / totalSupply with truncating division. Residual
// dust stays in the escrow pool.
func (s *Snapshot) Entitlement(holder crypto.Address) *big.Int {
	if s == nil || s.TotalSupply == nil || s.TotalSupply.Sign() <= 0 {
		return big.NewInt(0)
	}
	bal, ok := s.Balances[holder]
	if !ok || bal == nil || bal.Sign() <= 0 {
		return big.NewInt(0)
	}
	share := new(big.Int).Mul(bal, cloneBigInt(s.Yield))
	return share.Quo(share, s.TotalSupply)
}

func cloneBigInt(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}
