package compliance

import (
	"math/big"
	"sync"

	"cascade/crypto"
)

// StaticGateway is an in-process Gateway for tests and local development. It
// allows every transfer unless the sender or recipient is on the deny list.
type StaticGateway struct {
	mu     sync.RWMutex
	denied map[crypto.Address]ReasonCode
}

// NewStaticGateway returns an allow-all gateway.
func NewStaticGateway() *StaticGateway {
	return &StaticGateway{denied: make(map[crypto.Address]ReasonCode)}
}

// Deny marks an address as ineligible with the supplied reason.
func (g *StaticGateway) Deny(addr crypto.Address, reason ReasonCode) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.denied[addr] = reason
}

// Allow removes an address from the deny list.
func (g *StaticGateway) Allow(addr crypto.Address) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.denied, addr)
}

// ValidateTransfer implements the Gateway interface.
func (g *StaticGateway) ValidateTransfer(dealID string, from, to crypto.Address, amount *big.Int) (Decision, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	for _, addr := range []crypto.Address{from, to} {
		if reason, ok := g.denied[addr]; ok {
			return Decision{Allowed: false, Reason: reason, Message: "party " + addr.String() + " is not eligible"}, nil
		}
	}
	return Decision{Allowed: true, Reason: ReasonNone}, nil
}
