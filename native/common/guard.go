package common

import (
	"errors"

	"cascade/crypto"
)

// Capability names the privileged entry points of the deal engines. Every
// mutating operation is gated by exactly one capability.
type Capability string

const (
	// CapIssuer mints tranche units.
	CapIssuer Capability = "issuer"
	// CapDistributor updates factors and distributes yield.
	CapDistributor Capability = "distributor"
	// CapReporter submits verified period collections.
	CapReporter Capability = "reporter"
	// CapExecutor runs the waterfall for a reported period.
	CapExecutor Capability = "executor"
	// CapTriggerAdmin activates and clears deal triggers.
	CapTriggerAdmin Capability = "trigger-admin"
	// CapForcedRedeem burns holder units under administrative order.
	CapForcedRedeem Capability = "forced-redeem"
)

// ErrUnauthorized is returned whenever a capability check does not
// affirmatively pass.
var ErrUnauthorized = errors.New("unauthorized caller")

// CapabilityView answers whether an address holds a capability.
type CapabilityView interface {
	HasCapability(addr crypto.Address, cap Capability) bool
}

// Guard enforces a capability check. Unlike a pause guard, it fails closed: a
// nil view or zero caller rejects the call.
func Guard(view CapabilityView, caller crypto.Address, cap Capability) error {
	if view == nil || caller.IsZero() {
		return ErrUnauthorized
	}
	if !view.HasCapability(caller, cap) {
		return ErrUnauthorized
	}
	return nil
}

// StaticCapabilities is a fixed capability table used by the daemon
// configuration and by tests.
type StaticCapabilities map[Capability][]crypto.Address

// HasCapability implements the CapabilityView interface.
func (s StaticCapabilities) HasCapability(addr crypto.Address, cap Capability) bool {
	for _, granted := range s[cap] {
		if granted == addr {
			return true
		}
	}
	return false
}

// Grant adds an address to a capability, returning the table for chaining.
func (s StaticCapabilities) Grant(cap Capability, addr crypto.Address) StaticCapabilities {
	s[cap] = append(s[cap], addr)
	return s
}
