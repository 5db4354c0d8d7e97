package waterfall

import "errors"

var (
	errNilState  = errors.New("waterfall engine: state not configured")
	errNilLedger = errors.New("waterfall engine: tranche ledger not configured")
	errNilAsset  = errors.New("waterfall engine: payment asset not configured")

	// ErrDealNotFound is returned for an unknown deal identifier.
	ErrDealNotFound = errors.New("waterfall engine: deal not found")
	// ErrDealExists rejects reconfiguration of an active deal.
	ErrDealExists = errors.New("waterfall engine: deal already configured")
	// ErrInvalidConfig rejects malformed deal configuration before any
	// state change.
	ErrInvalidConfig = errors.New("waterfall engine: invalid configuration")
	// ErrInvalidAmount rejects negative reported collections.
	ErrInvalidAmount = errors.New("waterfall engine: amount must not be negative")
	// ErrUnknownPeriod is returned when execution targets a period that was
	// never reported.
	ErrUnknownPeriod = errors.New("waterfall engine: unknown period")
	// ErrPeriodProcessed rejects re-execution of a processed period.
	ErrPeriodProcessed = errors.New("waterfall engine: period already processed")
	// ErrPriorPeriodUnprocessed enforces strict report→execute→report
	// sequencing with no gaps.
	ErrPriorPeriodUnprocessed = errors.New("waterfall engine: prior period not yet processed")
	// ErrTriggerState rejects redundant trigger transitions.
	ErrTriggerState = errors.New("waterfall engine: trigger already in requested state")
)
