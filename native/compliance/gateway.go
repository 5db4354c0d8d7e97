// Package compliance defines the boundary to the external transfer-eligibility
// rule engine. The ledger consults it before every holder-to-holder transfer;
// issuance and redemption bypass it by design. Rule semantics (KYC,
// jurisdiction, accreditation, sanctions) live entirely on the other side of
// this interface.
package compliance

import (
	"fmt"
	"math/big"

	"cascade/crypto"
)

// ReasonCode identifies why the gateway rejected a transfer.
type ReasonCode uint16

const (
	ReasonNone ReasonCode = iota
	ReasonKYCIncomplete
	ReasonJurisdictionBlocked
	ReasonAccreditationMissing
	ReasonSanctionsMatch
	ReasonHolderLimitExceeded
	ReasonOther
)

// String renders the reason code for logs and error messages.
func (c ReasonCode) String() string {
	switch c {
	case ReasonNone:
		return "none"
	case ReasonKYCIncomplete:
		return "kyc-incomplete"
	case ReasonJurisdictionBlocked:
		return "jurisdiction-blocked"
	case ReasonAccreditationMissing:
		return "accreditation-missing"
	case ReasonSanctionsMatch:
		return "sanctions-match"
	case ReasonHolderLimitExceeded:
		return "holder-limit-exceeded"
	default:
		return "other"
	}
}

// Decision is the gateway's verdict on a proposed transfer.
type Decision struct {
	Allowed bool
	Reason  ReasonCode
	Message string
}

// Gateway validates transfers against the external rule engine. Calls are
// synchronous; an error means the gateway itself was unreachable, which is
// distinct from a rejection.
type Gateway interface {
	ValidateTransfer(dealID string, from, to crypto.Address, amount *big.Int) (Decision, error)
}

// Rejection wraps a gateway denial so callers can recover the reason code.
type Rejection struct {
	Reason  ReasonCode
	Message string
}

// Error implements the error interface.
func (r *Rejection) Error() string {
	if r.Message == "" {
		return fmt.Sprintf("compliance: transfer rejected (%s)", r.Reason)
	}
	return fmt.Sprintf("compliance: transfer rejected (%s): %s", r.Reason, r.Message)
}
