// Package deals provides a Go client for the deal administration HTTP API.
package deals

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

// Client wraps the /v1/deals REST endpoints.
type Client struct {
	baseURL    *url.URL
	token      string
	httpClient *http.Client
}

// Option mutates the client configuration during construction.
type Option func(*Client)

// WithHTTPClient overrides the HTTP client used for requests.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		if httpClient != nil {
			c.httpClient = httpClient
		}
	}
}

// New constructs a client pointed at the supplied base URL. The token is sent
// as a bearer credential on every request; its scope claim determines which
// routes the server will allow.
func New(baseURL, token string, opts ...Option) (*Client, error) {
	trimmedURL := strings.TrimSpace(baseURL)
	if trimmedURL == "" {
		return nil, fmt.Errorf("baseURL required")
	}
	parsed, err := url.Parse(trimmedURL)
	if err != nil {
		return nil, fmt.Errorf("invalid baseURL: %w", err)
	}
	trimmedToken := strings.TrimSpace(token)
	if trimmedToken == "" {
		return nil, fmt.Errorf("token required")
	}
	client := &Client{
		baseURL:    parsed,
		token:      trimmedToken,
		httpClient: http.DefaultClient,
	}
	for _, opt := range opts {
		opt(client)
	}
	if client.httpClient == nil {
		client.httpClient = http.DefaultClient
	}
	return client, nil
}

// APIError carries a non-2xx response back to the caller.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("deals api %d: %s", e.StatusCode, e.Body)
}

// TrancheConfig describes one tranche of a new deal. Amounts are decimal
// strings in the deal's smallest cash unit.
type TrancheConfig struct {
	ID              string `json:"id"`
	OriginalFace    string `json:"originalFace"`
	CouponBps       uint64 `json:"couponBps"`
	FrequencyMonths uint32 `json:"frequencyMonths"`
}

// DealConfig is the payload for ConfigureDeal.
type DealConfig struct {
	DealID       string          `json:"dealId"`
	PaymentAsset string          `json:"paymentAsset"`
	Strategy     string          `json:"strategy"`
	TrusteeBps   uint64          `json:"trusteeBps"`
	ServicerBps  uint64          `json:"servicerBps"`
	Trustee      string          `json:"trustee,omitempty"`
	Servicer     string          `json:"servicer,omitempty"`
	Tranches     []TrancheConfig `json:"tranches"`
}

// Deal mirrors GET /v1/deals/{dealID}.
type Deal struct {
	ID            string   `json:"id"`
	PaymentAsset  string   `json:"paymentAsset"`
	TrancheIDs    []string `json:"trancheIds"`
	Strategy      string   `json:"strategy"`
	TrusteeBps    uint64   `json:"trusteeBps"`
	ServicerBps   uint64   `json:"servicerBps"`
	LastReported  uint64   `json:"lastReported"`
	LastExecuted  uint64   `json:"lastExecuted"`
	TriggerActive bool     `json:"triggerActive"`
	TriggerReason string   `json:"triggerReason"`
}

// CollectionsReport is the payload for ReportCollections.
type CollectionsReport struct {
	Interest    string `json:"interest"`
	Principal   string `json:"principal"`
	Losses      string `json:"losses"`
	Prepayments string `json:"prepayments"`
}

// PeriodReport mirrors the report resource.
type PeriodReport struct {
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

// Leg is one tranche line of an execution result.
type Leg struct {
	TrancheID string `json:"trancheId"`
	Due       string `json:"due"`
	Paid      string `json:"paid"`
	Deferred  string `json:"deferred"`
	NewFactor string `json:"newFactor"`
}

// Execution mirrors POST /v1/deals/{dealID}/executions.
type Execution struct {
	DealID        string `json:"dealId"`
	Period        uint64 `json:"period"`
	TrusteeFee    string `json:"trusteeFee"`
	ServicerFee   string `json:"servicerFee"`
	Interest      []Leg  `json:"interest"`
	Principal     []Leg  `json:"principal"`
	Residual      string `json:"residual"`
	InterestPaid  string `json:"interestPaid"`
	PrincipalPaid string `json:"principalPaid"`
}

// Tranche mirrors GET /v1/deals/{dealID}/tranches/{trancheID}.
type Tranche struct {
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

// Holding mirrors the per-holder view of a tranche.
type Holding struct {
	Holder      string `json:"holder"`
	Balance     string `json:"balance"`
	CurrentFace string `json:"currentFace"`
	Claimable   string `json:"claimable"`
}

// AuditEvent is the event payload inside an audit record.
type AuditEvent struct {
	Sequence   uint64            `json:"sequence"`
	DealID     string            `json:"dealId"`
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
}

// AuditRecord is one sealed entry of a deal's audit chain.
type AuditRecord struct {
	Sequence uint64      `json:"sequence"`
	PrevHash string      `json:"prevHash"`
	Hash     string      `json:"hash"`
	Event    *AuditEvent `json:"event"`
}

// ConfigureDeal registers a new deal with its tranche stack.
func (c *Client) ConfigureDeal(ctx context.Context, cfg DealConfig) error {
	return c.do(ctx, http.MethodPost, "/v1/deals", cfg, nil)
}

// DealInfo fetches the deal header.
func (c *Client) DealInfo(ctx context.Context, dealID string) (*Deal, error) {
	var deal Deal
	if err := c.do(ctx, http.MethodGet, c.dealPath(dealID), nil, &deal); err != nil {
		return nil, err
	}
	return &deal, nil
}

// Deposit credits cash to a deal account.
func (c *Client) Deposit(ctx context.Context, dealID, to, amount string) error {
	payload := map[string]string{"to": to, "amount": amount}
	return c.do(ctx, http.MethodPost, c.dealPath(dealID)+"/deposits", payload, nil)
}

// ReportCollections files the next period's collections report.
func (c *Client) ReportCollections(ctx context.Context, dealID string, report CollectionsReport) (*PeriodReport, error) {
	var resp PeriodReport
	if err := c.do(ctx, http.MethodPost, c.dealPath(dealID)+"/reports", report, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Report fetches a previously filed period report.
func (c *Client) Report(ctx context.Context, dealID string, period uint64) (*PeriodReport, error) {
	var resp PeriodReport
	path := c.dealPath(dealID) + "/reports/" + strconv.FormatUint(period, 10)
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Execute runs the waterfall for a reported period.
func (c *Client) Execute(ctx context.Context, dealID string, period uint64) (*Execution, error) {
	var resp Execution
	payload := map[string]uint64{"period": period}
	if err := c.do(ctx, http.MethodPost, c.dealPath(dealID)+"/executions", payload, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ActivateTrigger switches the deal to sequential principal allocation.
func (c *Client) ActivateTrigger(ctx context.Context, dealID, reason string) error {
	payload := map[string]string{"reason": reason}
	return c.do(ctx, http.MethodPost, c.dealPath(dealID)+"/trigger", payload, nil)
}

// ClearTrigger restores the deal's configured allocation strategy.
func (c *Client) ClearTrigger(ctx context.Context, dealID string) error {
	return c.do(ctx, http.MethodDelete, c.dealPath(dealID)+"/trigger", nil, nil)
}

// TrancheInfo fetches one tranche of a deal.
func (c *Client) TrancheInfo(ctx context.Context, dealID, trancheID string) (*Tranche, error) {
	var resp Tranche
	if err := c.do(ctx, http.MethodGet, c.tranchePath(dealID, trancheID), nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Issue mints tranche units to a holder.
func (c *Client) Issue(ctx context.Context, dealID, trancheID, holder, amount string) error {
	payload := map[string]string{"holder": holder, "amount": amount}
	return c.do(ctx, http.MethodPost, c.tranchePath(dealID, trancheID)+"/issuances", payload, nil)
}

// Transfer moves units out of the token caller's own holding.
func (c *Client) Transfer(ctx context.Context, dealID, trancheID, to, amount string) error {
	payload := map[string]string{"to": to, "amount": amount}
	return c.do(ctx, http.MethodPost, c.tranchePath(dealID, trancheID)+"/transfers", payload, nil)
}

// Redeem burns units from the token caller's own holding.
func (c *Client) Redeem(ctx context.Context, dealID, trancheID, amount string) error {
	payload := map[string]any{"amount": amount}
	return c.do(ctx, http.MethodPost, c.tranchePath(dealID, trancheID)+"/redemptions", payload, nil)
}

// ForceRedeem burns units from the named holder. Requires the forced-redeem
// capability on the token caller.
func (c *Client) ForceRedeem(ctx context.Context, dealID, trancheID, holder, amount string) error {
	payload := map[string]any{"holder": holder, "amount": amount, "forced": true}
	return c.do(ctx, http.MethodPost, c.tranchePath(dealID, trancheID)+"/redemptions", payload, nil)
}

// ClaimYield pays out the token caller's unclaimed yield and returns the
// amount paid. A non-zero upToPeriod claims a bounded range.
func (c *Client) ClaimYield(ctx context.Context, dealID, trancheID string, upToPeriod uint64) (string, error) {
	payload := map[string]uint64{}
	if upToPeriod > 0 {
		payload["upToPeriod"] = upToPeriod
	}
	var resp struct {
		Paid string `json:"paid"`
	}
	if err := c.do(ctx, http.MethodPost, c.tranchePath(dealID, trancheID)+"/claims", payload, &resp); err != nil {
		return "", err
	}
	return resp.Paid, nil
}

// Holding fetches a holder's balance, current face and claimable yield.
func (c *Client) Holding(ctx context.Context, dealID, trancheID, address string) (*Holding, error) {
	var resp Holding
	path := c.tranchePath(dealID, trancheID) + "/holdings/" + url.PathEscape(address)
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// CashBalance fetches the cash balance of a deal account.
func (c *Client) CashBalance(ctx context.Context, dealID, address string) (string, error) {
	var resp struct {
		Balance string `json:"balance"`
	}
	path := c.dealPath(dealID) + "/cash/" + url.PathEscape(address)
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return "", err
	}
	return resp.Balance, nil
}

// AuditRecords pages through the deal's sealed audit chain. Records with
// sequence greater than from are returned in order, at most limit of them.
func (c *Client) AuditRecords(ctx context.Context, dealID string, from uint64, limit int) ([]AuditRecord, error) {
	query := url.Values{}
	if from > 0 {
		query.Set("from", strconv.FormatUint(from, 10))
	}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	path := c.dealPath(dealID) + "/audit"
	if encoded := query.Encode(); encoded != "" {
		path += "?" + encoded
	}
	var resp struct {
		Records []AuditRecord `json:"records"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Records, nil
}

func (c *Client) dealPath(dealID string) string {
	return "/v1/deals/" + url.PathEscape(dealID)
}

func (c *Client) tranchePath(dealID, trancheID string) string {
	return c.dealPath(dealID) + "/tranches/" + url.PathEscape(trancheID)
}

func (c *Client) do(ctx context.Context, method, endpoint string, payload, out any) error {
	var reader io.Reader
	if payload != nil {
		body, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal payload: %w", err)
		}
		reader = bytes.NewReader(body)
	}
	rel, err := url.Parse(endpoint)
	if err != nil {
		return fmt.Errorf("build path: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL.ResolveReference(rel).String(), reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()
	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return &APIError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(bodyBytes))}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(bodyBytes, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
