package crypto

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/btcsuite/btcutil/bech32"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// AddressHRP is the bech32 human-readable prefix for cascade participant
// addresses (holders, fee recipients, module accounts).
const AddressHRP = "csd"

// AddressLength is the raw byte length of an address.
const AddressLength = 20

var errAddressLength = errors.New("crypto: address must be 20 bytes long")

// Address identifies a participant or module account. The zero value is the
// null address and is rejected by every mutating ledger operation.
type Address [AddressLength]byte

// NewAddress builds an Address from raw bytes.
func NewAddress(b []byte) (Address, error) {
	if len(b) != AddressLength {
		return Address{}, errAddressLength
	}
	var a Address
	copy(a[:], b)
	return a, nil
}

// MustAddress is NewAddress for static initialisers and tests.
func MustAddress(b []byte) Address {
	a, err := NewAddress(b)
	if err != nil {
		panic(err)
	}
	return a
}

// Bytes returns a copy of the raw address bytes.
func (a Address) Bytes() []byte {
	out := make([]byte, AddressLength)
	copy(out, a[:])
	return out
}

// IsZero reports whether the address is the null address.
func (a Address) IsZero() bool {
	return a == Address{}
}

// String renders the bech32 form of the address.
func (a Address) String() string {
	conv, err := bech32.ConvertBits(a[:], 8, 5, true)
	if err != nil {
		panic(err)
	}
	encoded, err := bech32.Encode(AddressHRP, conv)
	if err != nil {
		panic(err)
	}
	return encoded
}

// MarshalText implements encoding.TextMarshaler so addresses round-trip
// through JSON state codecs in bech32 form.
func (a Address) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (a *Address) UnmarshalText(text []byte) error {
	decoded, err := DecodeAddress(string(bytes.TrimSpace(text)))
	if err != nil {
		return err
	}
	*a = decoded
	return nil
}

// DecodeAddress parses a bech32 address string and validates the prefix.
func DecodeAddress(addrStr string) (Address, error) {
	prefix, decoded, err := bech32.Decode(addrStr)
	if err != nil {
		return Address{}, fmt.Errorf("invalid bech32 string: %w", err)
	}
	if prefix != AddressHRP {
		return Address{}, fmt.Errorf("unexpected address prefix %q", prefix)
	}
	conv, err := bech32.ConvertBits(decoded, 5, 8, false)
	if err != nil {
		return Address{}, fmt.Errorf("error converting bits: %w", err)
	}
	return NewAddress(conv)
}

func deriveAddress(domain string, parts ...string) Address {
	buf := []byte(domain)
	for _, part := range parts {
		buf = append(buf, 0x00)
		buf = append(buf, part...)
	}
	sum := ethcrypto.Keccak256(buf)
	var a Address
	copy(a[:], sum[len(sum)-AddressLength:])
	return a
}

// DealCollectionAddress derives the module account holding a deal's reported
// period collections until the waterfall disburses them.
func DealCollectionAddress(dealID string) Address {
	return deriveAddress("cascade/deal/collection", dealID)
}

// TrancheEscrowAddress derives the module account escrowing a tranche's
// distributed yield and principal ahead of holder claims.
func TrancheEscrowAddress(dealID, trancheID string) Address {
	return deriveAddress("cascade/tranche/escrow", dealID, trancheID)
}
