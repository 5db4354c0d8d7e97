package deals

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"

	"cascade/core"
	"cascade/crypto"
	"cascade/gateway"
	"cascade/gateway/middleware"
	nativecommon "cascade/native/common"
	"cascade/storage"
)

const testSecret = "sdk-test-secret"

func testAddr(b byte) crypto.Address {
	var raw [20]byte
	for i := range raw {
		raw[i] = b
	}
	return crypto.MustAddress(raw[:])
}

var (
	authority = testAddr(0x0a)
	admin     = testAddr(0x01)
	reporter  = testAddr(0x02)
	executor  = testAddr(0x03)
	alice     = testAddr(0x11)
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	caps := nativecommon.StaticCapabilities{}.
		Grant(nativecommon.CapIssuer, admin).
		Grant(nativecommon.CapIssuer, authority).
		Grant(nativecommon.CapDistributor, authority).
		Grant(nativecommon.CapReporter, reporter).
		Grant(nativecommon.CapExecutor, executor)
	svc, err := core.NewService(core.Params{
		DB:           storage.NewMemDB(),
		Capabilities: caps,
		Authority:    authority,
	})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	handler := gateway.New(gateway.Config{
		Service:           svc,
		Auth:              middleware.AuthConfig{HMACSecret: testSecret},
		RequestsPerMinute: 100_000,
	})
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return server
}

func signedToken(t *testing.T, caller crypto.Address, scope string) string {
	t.Helper()
	claims := jwt.MapClaims{
		"addr":  caller.String(),
		"scope": scope,
		"exp":   float64(time.Now().Add(time.Hour).Unix()),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func newClient(t *testing.T, server *httptest.Server, caller crypto.Address, scope string) *Client {
	t.Helper()
	client, err := New(server.URL, signedToken(t, caller, scope))
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return client
}

func TestClientDealLifecycle(t *testing.T) {
	server := newTestServer(t)
	ctx := context.Background()

	adminClient := newClient(t, server, admin, gateway.ScopeWrite)
	reporterClient := newClient(t, server, reporter, gateway.ScopeWrite)
	executorClient := newClient(t, server, executor, gateway.ScopeWrite)
	readClient := newClient(t, server, alice, gateway.ScopeRead)

	cfg := DealConfig{
		DealID:       "AUTO-2026-1",
		PaymentAsset: "USD",
		Strategy:     "SEQUENTIAL",
		TrusteeBps:   100,
		Trustee:      testAddr(0x21).String(),
		Tranches: []TrancheConfig{
			{ID: "A", OriginalFace: "50000000", CouponBps: 600, FrequencyMonths: 1},
		},
	}
	if err := adminClient.ConfigureDeal(ctx, cfg); err != nil {
		t.Fatalf("configure deal: %v", err)
	}
	if err := adminClient.Issue(ctx, "AUTO-2026-1", "A", alice.String(), "50000000"); err != nil {
		t.Fatalf("issue: %v", err)
	}
	collection := crypto.DealCollectionAddress("AUTO-2026-1")
	if err := adminClient.Deposit(ctx, "AUTO-2026-1", collection.String(), "6000000"); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	report, err := reporterClient.ReportCollections(ctx, "AUTO-2026-1", CollectionsReport{
		Interest:    "1000000",
		Principal:   "5000000",
		Losses:      "0",
		Prepayments: "0",
	})
	if err != nil {
		t.Fatalf("report collections: %v", err)
	}
	if report.Period != 1 {
		t.Fatalf("period = %d, want 1", report.Period)
	}
	if report.ReportID == "" {
		t.Fatal("report id empty")
	}

	result, err := executorClient.Execute(ctx, "AUTO-2026-1", 1)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if result.TrusteeFee != "60000" {
		t.Fatalf("trustee fee = %s, want 60000", result.TrusteeFee)
	}
	if len(result.Principal) != 1 || result.Principal[0].NewFactor != "900000000000000000" {
		t.Fatalf("unexpected principal legs: %+v", result.Principal)
	}

	deal, err := readClient.DealInfo(ctx, "AUTO-2026-1")
	if err != nil {
		t.Fatalf("deal info: %v", err)
	}
	if deal.LastExecuted != 1 {
		t.Fatalf("last executed = %d, want 1", deal.LastExecuted)
	}
	tranche, err := readClient.TrancheInfo(ctx, "AUTO-2026-1", "A")
	if err != nil {
		t.Fatalf("tranche info: %v", err)
	}
	if tranche.CurrentFace != "45000000" {
		t.Fatalf("current face = %s, want 45000000", tranche.CurrentFace)
	}

	aliceClient := newClient(t, server, alice, gateway.ScopeWrite)
	paid, err := aliceClient.ClaimYield(ctx, "AUTO-2026-1", "A", 0)
	if err != nil {
		t.Fatalf("claim yield: %v", err)
	}
	if paid != "250000" {
		t.Fatalf("claimed = %s, want 250000", paid)
	}
	holding, err := readClient.Holding(ctx, "AUTO-2026-1", "A", alice.String())
	if err != nil {
		t.Fatalf("holding: %v", err)
	}
	if holding.Balance != "50000000" {
		t.Fatalf("balance = %s, want 50000000", holding.Balance)
	}
	if holding.Claimable != "0" {
		t.Fatalf("claimable = %s, want 0", holding.Claimable)
	}

	records, err := readClient.AuditRecords(ctx, "AUTO-2026-1", 0, 3)
	if err != nil {
		t.Fatalf("audit records: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("records = %d, want 3", len(records))
	}
	if records[0].Sequence != 1 || records[0].Event == nil {
		t.Fatalf("unexpected first record: %+v", records[0])
	}
}

func TestClientSurfacesAPIErrors(t *testing.T) {
	server := newTestServer(t)
	ctx := context.Background()

	readClient := newClient(t, server, alice, gateway.ScopeRead)
	err := readClient.ConfigureDeal(ctx, DealConfig{DealID: "D"})
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.StatusCode != 403 {
		t.Fatalf("status = %d, want 403", apiErr.StatusCode)
	}

	if _, err := readClient.DealInfo(ctx, "missing"); !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	} else if apiErr.StatusCode != 404 {
		t.Fatalf("status = %d, want 404", apiErr.StatusCode)
	}
}

func TestNewValidatesInputs(t *testing.T) {
	if _, err := New("", "token"); err == nil {
		t.Fatal("expected error for empty base URL")
	}
	if _, err := New("http://localhost:8080", "  "); err == nil {
		t.Fatal("expected error for empty token")
	}
}
