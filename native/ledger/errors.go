package ledger

import "errors"

var (
	errNilState   = errors.New("ledger engine: state not configured")
	errNilAsset   = errors.New("ledger engine: payment asset not configured")
	errNilGateway = errors.New("ledger engine: compliance gateway not configured")

	// ErrTrancheNotFound is returned when the (deal, tranche) pair is unknown.
	ErrTrancheNotFound = errors.New("ledger engine: tranche not found")
	// ErrTrancheExists rejects re-registration of an existing tranche.
	ErrTrancheExists = errors.New("ledger engine: tranche already registered")
	// ErrZeroAddress rejects the null address on any balance operation.
	ErrZeroAddress = errors.New("ledger engine: address must not be zero")
	// ErrInvalidAmount rejects zero or negative amounts.
	ErrInvalidAmount = errors.New("ledger engine: amount must be positive")
	// ErrInvalidFace rejects a non-positive original face value.
	ErrInvalidFace = errors.New("ledger engine: original face must be positive")
	// ErrInsufficientBalance rejects transfers and redemptions exceeding the
	// holder's balance.
	ErrInsufficientBalance = errors.New("ledger engine: insufficient balance")
	// ErrSelfTransfer rejects transfers where sender and recipient are the
	// same holder.
	ErrSelfTransfer = errors.New("ledger engine: transfer to self")
	// ErrExceedsOriginalFace rejects issuance beyond the tranche's face value.
	ErrExceedsOriginalFace = errors.New("ledger engine: issuance exceeds original face")
	// ErrFactorIncrease enforces the downward factor ratchet.
	ErrFactorIncrease = errors.New("ledger engine: factor cannot increase")
	// ErrFactorRange rejects factors outside [0, 1].
	ErrFactorRange = errors.New("ledger engine: factor out of range")
	// ErrSnapshotExists guards the write-once snapshot per period.
	ErrSnapshotExists = errors.New("ledger engine: snapshot already recorded for period")
	// ErrNothingToClaim is returned when no unclaimed entitlement exists.
	ErrNothingToClaim = errors.New("ledger engine: nothing to claim")
	// ErrClaimBatchTooLarge is returned when the unclaimed period count
	// exceeds the batch limit; the holder must claim in bounded ranges.
	ErrClaimBatchTooLarge = errors.New("ledger engine: unclaimed periods exceed batch limit")
	// ErrInvalidClaimTarget rejects claim targets behind the cursor or ahead
	// of the tranche's current period.
	ErrInvalidClaimTarget = errors.New("ledger engine: invalid claim target period")
)
