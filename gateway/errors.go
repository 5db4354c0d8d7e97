package gateway

import (
	"encoding/json"
	"errors"
	"net/http"

	nativecommon "cascade/native/common"
	"cascade/native/compliance"
	"cascade/native/ledger"
	"cascade/native/waterfall"
	"cascade/state"
)

type errorBody struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
}

// writeError maps engine errors onto HTTP statuses. Unknown errors are
// reported as 500 without leaking the internal message.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	var rejection *compliance.Rejection
	if errors.As(err, &rejection) {
		s.metrics.ObserveComplianceRejection(rejection.Reason.String())
		writeJSON(w, http.StatusForbidden, errorBody{Error: rejection.Error(), Reason: rejection.Reason.String()})
		return
	}

	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, nativecommon.ErrUnauthorized):
		status = http.StatusForbidden
	case errors.Is(err, ledger.ErrTrancheNotFound),
		errors.Is(err, waterfall.ErrDealNotFound),
		errors.Is(err, waterfall.ErrUnknownPeriod):
		status = http.StatusNotFound
	case errors.Is(err, ledger.ErrTrancheExists),
		errors.Is(err, ledger.ErrSnapshotExists),
		errors.Is(err, waterfall.ErrDealExists),
		errors.Is(err, waterfall.ErrPeriodProcessed),
		errors.Is(err, waterfall.ErrPriorPeriodUnprocessed),
		errors.Is(err, waterfall.ErrTriggerState):
		status = http.StatusConflict
	case errors.Is(err, ledger.ErrZeroAddress),
		errors.Is(err, ledger.ErrInvalidAmount),
		errors.Is(err, ledger.ErrInvalidFace),
		errors.Is(err, ledger.ErrInsufficientBalance),
		errors.Is(err, ledger.ErrSelfTransfer),
		errors.Is(err, ledger.ErrExceedsOriginalFace),
		errors.Is(err, ledger.ErrFactorIncrease),
		errors.Is(err, ledger.ErrFactorRange),
		errors.Is(err, ledger.ErrNothingToClaim),
		errors.Is(err, ledger.ErrClaimBatchTooLarge),
		errors.Is(err, ledger.ErrInvalidClaimTarget),
		errors.Is(err, waterfall.ErrInvalidConfig),
		errors.Is(err, waterfall.ErrInvalidAmount),
		errors.Is(err, state.ErrInsufficientCash):
		status = http.StatusBadRequest
	}

	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "component", "gateway", "error", err.Error())
		writeJSON(w, status, errorBody{Error: "internal error"})
		return
	}
	writeJSON(w, status, errorBody{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
