package waterfall

import (
	"math/big"

	"cascade/crypto"
)

// Strategy selects how principal collections are allocated across tranches.
type Strategy string

const (
	// StrategySequential retires each tranche's full outstanding face before
	// any more junior tranche receives principal.
	StrategySequential Strategy = "SEQUENTIAL"
	// StrategyProRata allocates principal proportionally to each tranche's
	// outstanding face value.
	StrategyProRata Strategy = "PRO_RATA"
)

// Valid reports whether the strategy is one of the known allocations.
func (s Strategy) Valid() bool {
	switch s {
	case StrategySequential, StrategyProRata:
		return true
	default:
		return false
	}
}

// TrancheConfig describes one tier at deal setup, senior first.
type TrancheConfig struct {
	ID              string   `json:"id"`
	OriginalFace    *big.Int `json:"originalFace"`
	CouponBps       uint64   `json:"couponBps"`
	FrequencyMonths uint32   `json:"frequencyMonths"`
}

// DealConfig is the one-time waterfall setup input.
type DealConfig struct {
	DealID       string
	PaymentAsset string
	Tranches     []TrancheConfig
	TrusteeBps   uint64
	ServicerBps  uint64
	Trustee      crypto.Address
	Servicer     crypto.Address
	Strategy     Strategy
}

// Deal is the persisted deal-level configuration and sequencing state.
// Tranche membership is immutable after configuration.
type Deal struct {
	ID            string         `json:"id"`
	PaymentAsset  string         `json:"paymentAsset"`
	TrancheIDs    []string       `json:"trancheIds"`
	TrusteeBps    uint64         `json:"trusteeBps"`
	ServicerBps   uint64         `json:"servicerBps"`
	Trustee       crypto.Address `json:"trustee"`
	Servicer      crypto.Address `json:"servicer"`
	Strategy      Strategy       `json:"strategy"`
	Active        bool           `json:"active"`
	LastReported  uint64         `json:"lastReported"`
	LastExecuted  uint64         `json:"lastExecuted"`
	TriggerActive bool           `json:"triggerActive"`
	TriggerReason string         `json:"triggerReason,omitempty"`
}

// Clone deep-copies the deal record.
func (d *Deal) Clone() *Deal {
	if d == nil {
		return nil
	}
	out := *d
	out.TrancheIDs = append([]string(nil), d.TrancheIDs...)
	return &out
}

// PeriodReport stores one period's verified collections. Immutable once
// processed.
type PeriodReport struct {
	DealID      string   `json:"dealId"`
	Period      uint64   `json:"period"`
	ReportID    string   `json:"reportId"`
	Interest    *big.Int `json:"interest"`
	Principal   *big.Int `json:"principal"`
	Losses      *big.Int `json:"losses"`
	Prepayments *big.Int `json:"prepayments"`
	Processed   bool     `json:"processed"`
	ReportedAt  int64    `json:"reportedAt"`
}

// Clone deep-copies the report.
func (r *PeriodReport) Clone() *PeriodReport {
	if r == nil {
		return nil
	}
	out := *r
	out.Interest = cloneBigInt(r.Interest)
	out.Principal = cloneBigInt(r.Principal)
	out.Losses = cloneBigInt(r.Losses)
	out.Prepayments = cloneBigInt(r.Prepayments)
	return &out
}

// InterestLeg records one tranche's interest payment within an execution.
type InterestLeg struct {
	TrancheID string   `json:"trancheId"`
	Due       *big.Int `json:"due"`
	Paid      *big.Int `json:"paid"`
	Deferred  *big.Int `json:"deferred"`
}

// PrincipalLeg records one tranche's principal payment within an execution.
type PrincipalLeg struct {
	TrancheID string   `json:"trancheId"`
	Paid      *big.Int `json:"paid"`
	NewFactor *big.Int `json:"newFactor"`
}

// ExecutionResult summarises a processed period.
type ExecutionResult struct {
	DealID        string         `json:"dealId"`
	Period        uint64         `json:"period"`
	TrusteeFee    *big.Int       `json:"trusteeFee"`
	ServicerFee   *big.Int       `json:"servicerFee"`
	Interest      []InterestLeg  `json:"interest"`
	Principal     []PrincipalLeg `json:"principal"`
	Residual      *big.Int       `json:"residual"`
	InterestPaid  *big.Int       `json:"interestPaid"`
	PrincipalPaid *big.Int       `json:"principalPaid"`
}

func cloneBigInt(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}
