package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"cascade/audit"
	"cascade/crypto"
	"cascade/gateway/middleware"
	"cascade/native/waterfall"
)

var errCallerRequired = errors.New("gateway: token does not identify a caller address")

func (s *Server) caller(r *http.Request) (crypto.Address, error) {
	caller, ok := middleware.CallerFromContext(r.Context())
	if !ok {
		return crypto.Address{}, errCallerRequired
	}
	return caller, nil
}

func decodeBody(r *http.Request, out any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(out)
}

func parseBig(raw, field string) (*big.Int, error) {
	value, ok := new(big.Int).SetString(raw, 10)
	if !ok {
		return nil, fmt.Errorf("gateway: %s must be a decimal integer", field)
	}
	return value, nil
}

func parseAddr(raw, field string) (crypto.Address, error) {
	addr, err := crypto.DecodeAddress(raw)
	if err != nil {
		return crypto.Address{}, fmt.Errorf("gateway: %s: %w", field, err)
	}
	return addr, nil
}

func (s *Server) observe(operation string, err error, start time.Time) {
	s.metrics.ObserveOperation(operation, err, time.Since(start))
}

// --- deal lifecycle ---

type trancheConfigRequest struct {
	ID              string `json:"id"`
	OriginalFace    string `json:"originalFace"`
	CouponBps       uint64 `json:"couponBps"`
	FrequencyMonths uint32 `json:"frequencyMonths"`
}

type configureDealRequest struct {
	DealID       string                 `json:"dealId"`
	PaymentAsset string                 `json:"paymentAsset"`
	Strategy     string                 `json:"strategy"`
	TrusteeBps   uint64                 `json:"trusteeBps"`
	ServicerBps  uint64                 `json:"servicerBps"`
	Trustee      string                 `json:"trustee,omitempty"`
	Servicer     string                 `json:"servicer,omitempty"`
	Tranches     []trancheConfigRequest `json:"tranches"`
}

func (s *Server) handleConfigureDeal(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	var req configureDealRequest
	if err := decodeBody(r, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	caller, err := s.caller(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}
	cfg := waterfall.DealConfig{
		DealID:       req.DealID,
		PaymentAsset: req.PaymentAsset,
		Strategy:     waterfall.Strategy(req.Strategy),
		TrusteeBps:   req.TrusteeBps,
		ServicerBps:  req.ServicerBps,
	}
	if req.Trustee != "" {
		if cfg.Trustee, err = parseAddr(req.Trustee, "trustee"); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
	}
	if req.Servicer != "" {
		if cfg.Servicer, err = parseAddr(req.Servicer, "servicer"); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
	}
	for _, tc := range req.Tranches {
		face, err := parseBig(tc.OriginalFace, "originalFace")
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		cfg.Tranches = append(cfg.Tranches, waterfall.TrancheConfig{
			ID:              tc.ID,
			OriginalFace:    face,
			CouponBps:       tc.CouponBps,
			FrequencyMonths: tc.FrequencyMonths,
		})
	}
	err = s.svc.ConfigureDeal(caller, cfg)
	s.observe("configure_deal", err, start)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"dealId": req.DealID})
}

type depositRequest struct {
	To     string `json:"to"`
	Amount string `json:"amount"`
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	dealID := chi.URLParam(r, "dealID")
	var req depositRequest
	if err := decodeBody(r, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	to, err := parseAddr(req.To, "to")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	amount, err := parseBig(req.Amount, "amount")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	err = s.svc.Deposit(dealID, to, amount)
	s.observe("deposit", err, start)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"dealId": dealID, "to": to.String(), "amount": amount.String()})
}

type reportRequest struct {
	Interest    string `json:"interest"`
	Principal   string `json:"principal"`
	Losses      string `json:"losses"`
	Prepayments string `json:"prepayments"`
}

type reportResponse struct {
	DealID      string `json:"dealId"`
	Period      uint64 `json:"period"`
	ReportID    string `json:"reportId"`
	Interest    string `json:"interest"`
	Principal   string `json:"principal"`
	Losses      string `json:"losses"`
	Prepayments string `json:"prepayments"`
	Processed   bool   `json:"processed"`
	ReportedAt  int64  `json:"reportedAt"`
}

func toReportResponse(report *waterfall.PeriodReport) reportResponse {
	return reportResponse{
		DealID:      report.DealID,
		Period:      report.Period,
		ReportID:    report.ReportID,
		Interest:    report.Interest.String(),
		Principal:   report.Principal.String(),
		Losses:      report.Losses.String(),
		Prepayments: report.Prepayments.String(),
		Processed:   report.Processed,
		ReportedAt:  report.ReportedAt,
	}
}

func (s *Server) handleReportCollections(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	dealID := chi.URLParam(r, "dealID")
	var req reportRequest
	if err := decodeBody(r, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	caller, err := s.caller(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}
	amounts := make([]*big.Int, 4)
	for i, field := range []struct {
		raw  string
		name string
	}{
		{req.Interest, "interest"},
		{req.Principal, "principal"},
		{req.Losses, "losses"},
		{req.Prepayments, "prepayments"},
	} {
		amounts[i], err = parseBig(field.raw, field.name)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
	}
	report, err := s.svc.ReportCollections(caller, dealID, amounts[0], amounts[1], amounts[2], amounts[3])
	s.observe("report_collections", err, start)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toReportResponse(report))
}

func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	dealID := chi.URLParam(r, "dealID")
	period, err := strconv.ParseUint(chi.URLParam(r, "period"), 10, 64)
	if err != nil {
		http.Error(w, "invalid period", http.StatusBadRequest)
		return
	}
	report, err := s.svc.Report(dealID, period)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toReportResponse(report))
}

type executeRequest struct {
	Period uint64 `json:"period"`
}

type legResponse struct {
	TrancheID string `json:"trancheId"`
	Due       string `json:"due,omitempty"`
	Paid      string `json:"paid"`
	Deferred  string `json:"deferred,omitempty"`
	NewFactor string `json:"newFactor,omitempty"`
}

type executionResponse struct {
	DealID        string        `json:"dealId"`
	Period        uint64        `json:"period"`
	TrusteeFee    string        `json:"trusteeFee"`
	ServicerFee   string        `json:"servicerFee"`
	Interest      []legResponse `json:"interest"`
	Principal     []legResponse `json:"principal"`
	Residual      string        `json:"residual"`
	InterestPaid  string        `json:"interestPaid"`
	PrincipalPaid string        `json:"principalPaid"`
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	dealID := chi.URLParam(r, "dealID")
	var req executeRequest
	if err := decodeBody(r, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	caller, err := s.caller(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}
	result, err := s.svc.ExecuteWaterfall(caller, dealID, req.Period)
	s.observe("execute_waterfall", err, start)
	if err != nil {
		s.writeError(w, err)
		return
	}
	fees := new(big.Int).Add(result.TrusteeFee, result.ServicerFee)
	s.metrics.ObservePeriodExecuted(dealID, fees, result.InterestPaid, result.PrincipalPaid)
	resp := executionResponse{
		DealID:        result.DealID,
		Period:        result.Period,
		TrusteeFee:    result.TrusteeFee.String(),
		ServicerFee:   result.ServicerFee.String(),
		Residual:      result.Residual.String(),
		InterestPaid:  result.InterestPaid.String(),
		PrincipalPaid: result.PrincipalPaid.String(),
	}
	for _, leg := range result.Interest {
		resp.Interest = append(resp.Interest, legResponse{
			TrancheID: leg.TrancheID,
			Due:       leg.Due.String(),
			Paid:      leg.Paid.String(),
			Deferred:  leg.Deferred.String(),
		})
	}
	for _, leg := range result.Principal {
		resp.Principal = append(resp.Principal, legResponse{
			TrancheID: leg.TrancheID,
			Paid:      leg.Paid.String(),
			NewFactor: leg.NewFactor.String(),
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

type triggerRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleActivateTrigger(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	dealID := chi.URLParam(r, "dealID")
	var req triggerRequest
	if err := decodeBody(r, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	caller, err := s.caller(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}
	err = s.svc.ActivateTrigger(caller, dealID, req.Reason)
	s.observe("activate_trigger", err, start)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"dealId": dealID, "reason": req.Reason})
}

func (s *Server) handleClearTrigger(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	dealID := chi.URLParam(r, "dealID")
	caller, err := s.caller(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}
	err = s.svc.ClearTrigger(caller, dealID)
	s.observe("clear_trigger", err, start)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"dealId": dealID})
}

type dealResponse struct {
	ID            string   `json:"id"`
	PaymentAsset  string   `json:"paymentAsset"`
	TrancheIDs    []string `json:"trancheIds"`
	Strategy      string   `json:"strategy"`
	TrusteeBps    uint64   `json:"trusteeBps"`
	ServicerBps   uint64   `json:"servicerBps"`
	LastReported  uint64   `json:"lastReported"`
	LastExecuted  uint64   `json:"lastExecuted"`
	TriggerActive bool     `json:"triggerActive"`
	TriggerReason string   `json:"triggerReason,omitempty"`
}

func (s *Server) handleDealInfo(w http.ResponseWriter, r *http.Request) {
	deal, err := s.svc.DealInfo(chi.URLParam(r, "dealID"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, dealResponse{
		ID:            deal.ID,
		PaymentAsset:  deal.PaymentAsset,
		TrancheIDs:    deal.TrancheIDs,
		Strategy:      string(deal.Strategy),
		TrusteeBps:    deal.TrusteeBps,
		ServicerBps:   deal.ServicerBps,
		LastReported:  deal.LastReported,
		LastExecuted:  deal.LastExecuted,
		TriggerActive: deal.TriggerActive,
		TriggerReason: deal.TriggerReason,
	})
}

// --- tranche operations ---

type issueRequest struct {
	Holder string `json:"holder"`
	Amount string `json:"amount"`
}

func (s *Server) handleIssue(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	dealID := chi.URLParam(r, "dealID")
	trancheID := chi.URLParam(r, "trancheID")
	var req issueRequest
	if err := decodeBody(r, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	caller, err := s.caller(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}
	holder, err := parseAddr(req.Holder, "holder")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	amount, err := parseBig(req.Amount, "amount")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	err = s.svc.Issue(caller, dealID, trancheID, holder, amount)
	s.observe("issue", err, start)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"holder": holder.String(), "amount": amount.String()})
}

type transferRequest struct {
	To     string `json:"to"`
	Amount string `json:"amount"`
}

// handleTransfer moves units out of the authenticated caller's own holding.
func (s *Server) handleTransfer(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	dealID := chi.URLParam(r, "dealID")
	trancheID := chi.URLParam(r, "trancheID")
	var req transferRequest
	if err := decodeBody(r, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	from, err := s.caller(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}
	to, err := parseAddr(req.To, "to")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	amount, err := parseBig(req.Amount, "amount")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	err = s.svc.Transfer(dealID, trancheID, from, to, amount)
	s.observe("transfer", err, start)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"from": from.String(), "to": to.String(), "amount": amount.String()})
}

type redeemRequest struct {
	Holder string `json:"holder,omitempty"`
	Amount string `json:"amount"`
	Forced bool   `json:"forced,omitempty"`
}

// handleRedeem burns units. A voluntary redemption burns the caller's own
// holding; a forced one names the holder and requires the forced-redeem
// capability.
func (s *Server) handleRedeem(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	dealID := chi.URLParam(r, "dealID")
	trancheID := chi.URLParam(r, "trancheID")
	var req redeemRequest
	if err := decodeBody(r, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	caller, err := s.caller(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}
	amount, err := parseBig(req.Amount, "amount")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Forced {
		holder, err := parseAddr(req.Holder, "holder")
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		err = s.svc.ForceRedeem(caller, dealID, trancheID, holder, amount)
		s.observe("force_redeem", err, start)
		if err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"holder": holder.String(), "amount": amount.String()})
		return
	}
	err = s.svc.Redeem(dealID, trancheID, caller, amount)
	s.observe("redeem", err, start)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"holder": caller.String(), "amount": amount.String()})
}

type claimRequest struct {
	UpToPeriod uint64 `json:"upToPeriod,omitempty"`
}

// handleClaim pays out the caller's unclaimed yield. An explicit upToPeriod
// claims a bounded range, which far-behind holders use to catch up.
func (s *Server) handleClaim(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	dealID := chi.URLParam(r, "dealID")
	trancheID := chi.URLParam(r, "trancheID")
	var req claimRequest
	if err := decodeBody(r, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	holder, err := s.caller(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}
	var paid *big.Int
	if req.UpToPeriod > 0 {
		paid, err = s.svc.ClaimYieldUpTo(dealID, trancheID, holder, req.UpToPeriod)
	} else {
		paid, err = s.svc.ClaimYield(dealID, trancheID, holder)
	}
	s.observe("claim_yield", err, start)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.metrics.ObserveClaim(dealID)
	writeJSON(w, http.StatusOK, map[string]string{"holder": holder.String(), "paid": paid.String()})
}

type trancheResponse struct {
	DealID           string `json:"dealId"`
	ID               string `json:"id"`
	OriginalFace     string `json:"originalFace"`
	Factor           string `json:"factor"`
	CouponBps        uint64 `json:"couponBps"`
	FrequencyMonths  uint32 `json:"frequencyMonths"`
	Period           uint64 `json:"period"`
	DeferredInterest string `json:"deferredInterest"`
	TotalSupply      string `json:"totalSupply"`
	HolderCount      uint64 `json:"holderCount"`
	CurrentFace      string `json:"currentFace"`
}

func (s *Server) handleTrancheInfo(w http.ResponseWriter, r *http.Request) {
	tr, err := s.svc.TrancheInfo(chi.URLParam(r, "dealID"), chi.URLParam(r, "trancheID"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, trancheResponse{
		DealID:           tr.DealID,
		ID:               tr.ID,
		OriginalFace:     tr.OriginalFace.String(),
		Factor:           tr.Factor.String(),
		CouponBps:        tr.CouponBps,
		FrequencyMonths:  tr.FrequencyMonths,
		Period:           tr.Period,
		DeferredInterest: tr.DeferredInterest.String(),
		TotalSupply:      tr.TotalSupply.String(),
		HolderCount:      tr.HolderCount,
		CurrentFace:      tr.CurrentFace().String(),
	})
}

type holdingResponse struct {
	Holder      string `json:"holder"`
	Balance     string `json:"balance"`
	CurrentFace string `json:"currentFace"`
	Claimable   string `json:"claimable"`
}

func (s *Server) handleHolding(w http.ResponseWriter, r *http.Request) {
	dealID := chi.URLParam(r, "dealID")
	trancheID := chi.URLParam(r, "trancheID")
	holder, err := parseAddr(chi.URLParam(r, "address"), "address")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	balance, err := s.svc.BalanceOf(dealID, trancheID, holder)
	if err != nil {
		s.writeError(w, err)
		return
	}
	face, err := s.svc.CurrentFaceValue(dealID, trancheID, holder)
	if err != nil {
		s.writeError(w, err)
		return
	}
	claimable, err := s.svc.ClaimableYield(dealID, trancheID, holder)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, holdingResponse{
		Holder:      holder.String(),
		Balance:     balance.String(),
		CurrentFace: face.String(),
		Claimable:   claimable.String(),
	})
}

func (s *Server) handleCashBalance(w http.ResponseWriter, r *http.Request) {
	dealID := chi.URLParam(r, "dealID")
	addr, err := parseAddr(chi.URLParam(r, "address"), "address")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	bal, err := s.svc.CashBalance(dealID, addr)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"address": addr.String(), "balance": bal.String()})
}

type auditResponse struct {
	DealID  string         `json:"dealId"`
	Records []audit.Record `json:"records"`
}

func (s *Server) handleAuditRecords(w http.ResponseWriter, r *http.Request) {
	dealID := chi.URLParam(r, "dealID")
	var from uint64
	var limit int
	if raw := r.URL.Query().Get("from"); raw != "" {
		parsed, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			http.Error(w, "invalid from", http.StatusBadRequest)
			return
		}
		from = parsed
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = parsed
	}
	if limit == 0 || limit > 500 {
		limit = 500
	}
	records, err := s.svc.AuditLog().Records(dealID, from, limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, auditResponse{DealID: dealID, Records: records})
}
