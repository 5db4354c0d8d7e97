package explorer

import "cascade/core/events"

// Label returns the human-readable explorer label for an event type.
func Label(eventType string) string {
	switch eventType {
	case events.TypeLedgerTrancheRegistered:
		return "Tranche registered"
	case events.TypeLedgerIssued:
		return "Units issued"
	case events.TypeLedgerTransferred:
		return "Units transferred"
	case events.TypeLedgerRedeemed:
		return "Units redeemed"
	case events.TypeLedgerForcedRedeemed:
		return "Units redeemed (forced)"
	case events.TypeLedgerFactorUpdated:
		return "Factor updated"
	case events.TypeLedgerYieldDistributed:
		return "Yield distributed"
	case events.TypeLedgerYieldClaimed:
		return "Yield claimed"
	case events.TypeDealConfigured:
		return "Deal configured"
	case events.TypePeriodReported:
		return "Collections reported"
	case events.TypeFeePaid:
		return "Fee paid"
	case events.TypeInterestPaid:
		return "Interest paid"
	case events.TypePrincipalPaid:
		return "Principal paid"
	case events.TypePeriodExecuted:
		return "Period executed"
	case events.TypeTriggerActivated:
		return "Trigger activated"
	case events.TypeTriggerCleared:
		return "Trigger cleared"
	case events.TypeCashDeposited:
		return "Cash deposited"
	default:
		return eventType
	}
}
