package core

import (
	"math/big"
	"testing"

	"cascade/core/events"
	"cascade/crypto"
	nativecommon "cascade/native/common"
	"cascade/native/compliance"
	"cascade/native/waterfall"
	"cascade/storage"
)

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
	bob       = testAddr(0x12)
	carol     = testAddr(0x13)
	trustee   = testAddr(0x21)
	servicer  = testAddr(0x22)
)

func testCapabilities() nativecommon.StaticCapabilities {
	return nativecommon.StaticCapabilities{}.
		Grant(nativecommon.CapIssuer, admin).
		Grant(nativecommon.CapIssuer, authority).
		Grant(nativecommon.CapDistributor, authority).
		Grant(nativecommon.CapReporter, reporter).
		Grant(nativecommon.CapExecutor, executor).
		Grant(nativecommon.CapTriggerAdmin, admin).
		Grant(nativecommon.CapForcedRedeem, admin)
}

func newTestService(t *testing.T, db storage.Database, emitter events.Emitter) *Service {
	t.Helper()
	svc, err := NewService(Params{
		DB:           db,
		Capabilities: testCapabilities(),
		Gateway:      compliance.NewStaticGateway(),
		Emitter:      emitter,
		Authority:    authority,
		NowFunc:      func() int64 { return 1_767_225_600 },
	})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return svc
}

func configureTestDeal(t *testing.T, svc *Service, dealID string) {
	t.Helper()
	err := svc.ConfigureDeal(admin, waterfall.DealConfig{
		DealID:       dealID,
		PaymentAsset: "USD",
		Tranches: []waterfall.TrancheConfig{
			{ID: "SEN", OriginalFace: big.NewInt(50_000_000), CouponBps: 600, FrequencyMonths: 1},
			{ID: "SUB", OriginalFace: big.NewInt(20_000_000), CouponBps: 900, FrequencyMonths: 1},
		},
		TrusteeBps:  100,
		ServicerBps: 200,
		Trustee:     trustee,
		Servicer:    servicer,
		Strategy:    waterfall.StrategySequential,
	})
	if err != nil {
		t.Fatalf("configure: %v", err)
	}
}

// runDealLifecycle drives one full period through the service: configuration,
// issuance, funding, report, execution, claims, a transfer, a forced
// redemption and a trigger flip.
func runDealLifecycle(t *testing.T, svc *Service, dealID string) {
	t.Helper()
	configureTestDeal(t, svc, dealID)

	for _, issue := range []struct {
		tranche string
		holder  crypto.Address
		amount  int64
	}{
		{"SEN", alice, 30_000_000},
		{"SEN", bob, 20_000_000},
		{"SUB", carol, 20_000_000},
	} {
		if err := svc.Issue(admin, dealID, issue.tranche, issue.holder, big.NewInt(issue.amount)); err != nil {
			t.Fatalf("issue %s to %s: %v", issue.tranche, issue.holder, err)
		}
	}

	collection := crypto.DealCollectionAddress(dealID)
	if err := svc.Deposit(dealID, collection, big.NewInt(6_000_000)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if _, err := svc.ReportCollections(reporter, dealID, big.NewInt(1_000_000), big.NewInt(5_000_000), big.NewInt(0), big.NewInt(0)); err != nil {
		t.Fatalf("report: %v", err)
	}
	if _, err := svc.ExecuteWaterfall(executor, dealID, 1); err != nil {
		t.Fatalf("execute: %v", err)
	}

	for _, claim := range []struct {
		tranche string
		holder  crypto.Address
		want    int64
	}{
		{"SEN", alice, 150_000},
		{"SEN", bob, 100_000},
		{"SUB", carol, 150_000},
	} {
		paid, err := svc.ClaimYield(dealID, claim.tranche, claim.holder)
		if err != nil {
			t.Fatalf("claim %s: %v", claim.holder, err)
		}
		if paid.Int64() != claim.want {
			t.Fatalf("claim %s = %s, want %d", claim.holder, paid, claim.want)
		}
	}

	if err := svc.Transfer(dealID, "SEN", alice, bob, big.NewInt(10_000_000)); err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if err := svc.ForceRedeem(admin, dealID, "SEN", bob, big.NewInt(5_000_000)); err != nil {
		t.Fatalf("force redeem: %v", err)
	}
	if err := svc.ActivateTrigger(admin, dealID, "oc-test-breach"); err != nil {
		t.Fatalf("activate trigger: %v", err)
	}
	if err := svc.ClearTrigger(admin, dealID); err != nil {
		t.Fatalf("clear trigger: %v", err)
	}
	if err := svc.ActivateTrigger(admin, dealID, "delinquency"); err != nil {
		t.Fatalf("reactivate trigger: %v", err)
	}
}

func TestServiceLifecycle(t *testing.T) {
	const dealID = "deal-2026A"
	recorder := &events.Recorder{}
	svc := newTestService(t, storage.NewMemDB(), recorder)
	runDealLifecycle(t, svc, dealID)

	sen, err := svc.TrancheInfo(dealID, "SEN")
	if err != nil {
		t.Fatalf("tranche info: %v", err)
	}
	if sen.Factor.String() != "900000000000000000" {
		t.Fatalf("senior factor = %s", sen.Factor)
	}
	if sen.Period != 1 {
		t.Fatalf("senior period = %d", sen.Period)
	}
	if sen.TotalSupply.Int64() != 45_000_000 {
		t.Fatalf("senior supply = %s", sen.TotalSupply)
	}

	collection := crypto.DealCollectionAddress(dealID)
	residual, err := svc.CashBalance(dealID, collection)
	if err != nil {
		t.Fatalf("cash balance: %v", err)
	}
	if residual.Int64() != 421_200 {
		t.Fatalf("residual = %s, want 421200", residual)
	}
	for _, fee := range []struct {
		addr crypto.Address
		want int64
	}{
		{trustee, 60_000},
		{servicer, 118_800},
	} {
		bal, err := svc.CashBalance(dealID, fee.addr)
		if err != nil {
			t.Fatalf("cash balance: %v", err)
		}
		if bal.Int64() != fee.want {
			t.Fatalf("fee balance %s = %s, want %d", fee.addr, bal, fee.want)
		}
	}

	deal, err := svc.DealInfo(dealID)
	if err != nil {
		t.Fatalf("deal info: %v", err)
	}
	if deal.LastReported != 1 || deal.LastExecuted != 1 {
		t.Fatalf("sequencing = %d/%d", deal.LastReported, deal.LastExecuted)
	}
	if !deal.TriggerActive || deal.TriggerReason != "delinquency" {
		t.Fatalf("trigger state = %v %q", deal.TriggerActive, deal.TriggerReason)
	}

	if len(recorder.Events) == 0 {
		t.Fatal("no events published")
	}
	head, err := svc.AuditLog().Head(dealID)
	if err != nil {
		t.Fatalf("audit head: %v", err)
	}
	if head != uint64(len(recorder.Events)) {
		t.Fatalf("audit head %d != published events %d", head, len(recorder.Events))
	}
	if err := svc.VerifyAudit(dealID); err != nil {
		t.Fatalf("verify audit: %v", err)
	}
}

func TestReplayRebuildsIdenticalState(t *testing.T) {
	const dealID = "deal-2026A"
	svc := newTestService(t, storage.NewMemDB(), nil)
	runDealLifecycle(t, svc, dealID)

	replayDB := storage.NewMemDB()
	if err := svc.ReplayInto(dealID, replayDB); err != nil {
		t.Fatalf("replay: %v", err)
	}
	replayed := newTestService(t, replayDB, nil)

	for _, trancheID := range []string{"SEN", "SUB"} {
		want, err := svc.TrancheInfo(dealID, trancheID)
		if err != nil {
			t.Fatalf("tranche info: %v", err)
		}
		got, err := replayed.TrancheInfo(dealID, trancheID)
		if err != nil {
			t.Fatalf("replayed tranche info: %v", err)
		}
		if got.Factor.Cmp(want.Factor) != 0 ||
			got.Period != want.Period ||
			got.TotalSupply.Cmp(want.TotalSupply) != 0 ||
			got.HolderCount != want.HolderCount ||
			got.DeferredInterest.Cmp(want.DeferredInterest) != 0 {
			t.Fatalf("tranche %s mismatch: got %+v want %+v", trancheID, got, want)
		}
		for _, holder := range []crypto.Address{alice, bob, carol} {
			want, err := svc.BalanceOf(dealID, trancheID, holder)
			if err != nil {
				t.Fatalf("balance: %v", err)
			}
			got, err := replayed.BalanceOf(dealID, trancheID, holder)
			if err != nil {
				t.Fatalf("replayed balance: %v", err)
			}
			if got.Cmp(want) != 0 {
				t.Fatalf("%s balance in %s: got %s want %s", holder, trancheID, got, want)
			}
			wantClaim, err := svc.ClaimableYield(dealID, trancheID, holder)
			if err != nil {
				t.Fatalf("claimable: %v", err)
			}
			gotClaim, err := replayed.ClaimableYield(dealID, trancheID, holder)
			if err != nil {
				t.Fatalf("replayed claimable: %v", err)
			}
			if gotClaim.Cmp(wantClaim) != 0 {
				t.Fatalf("%s claimable in %s: got %s want %s", holder, trancheID, gotClaim, wantClaim)
			}
		}
	}

	accounts := []crypto.Address{
		crypto.DealCollectionAddress(dealID),
		crypto.TrancheEscrowAddress(dealID, "SEN"),
		crypto.TrancheEscrowAddress(dealID, "SUB"),
		trustee, servicer, alice, bob, carol,
	}
	for _, addr := range accounts {
		want, err := svc.CashBalance(dealID, addr)
		if err != nil {
			t.Fatalf("cash: %v", err)
		}
		got, err := replayed.CashBalance(dealID, addr)
		if err != nil {
			t.Fatalf("replayed cash: %v", err)
		}
		if got.Cmp(want) != 0 {
			t.Fatalf("cash %s: got %s want %s", addr, got, want)
		}
	}

	wantDeal, err := svc.DealInfo(dealID)
	if err != nil {
		t.Fatalf("deal info: %v", err)
	}
	gotDeal, err := replayed.DealInfo(dealID)
	if err != nil {
		t.Fatalf("replayed deal info: %v", err)
	}
	if gotDeal.LastReported != wantDeal.LastReported ||
		gotDeal.LastExecuted != wantDeal.LastExecuted ||
		gotDeal.TriggerActive != wantDeal.TriggerActive ||
		gotDeal.TriggerReason != wantDeal.TriggerReason ||
		gotDeal.Strategy != wantDeal.Strategy {
		t.Fatalf("deal mismatch: got %+v want %+v", gotDeal, wantDeal)
	}

	wantReport, err := svc.Report(dealID, 1)
	if err != nil {
		t.Fatalf("report: %v", err)
	}
	gotReport, err := replayed.Report(dealID, 1)
	if err != nil {
		t.Fatalf("replayed report: %v", err)
	}
	if !gotReport.Processed || gotReport.ReportID != wantReport.ReportID ||
		gotReport.Interest.Cmp(wantReport.Interest) != 0 ||
		gotReport.ReportedAt != wantReport.ReportedAt {
		t.Fatalf("report mismatch: got %+v want %+v", gotReport, wantReport)
	}
}

func TestOperationsOnSeparateDealsAreIndependent(t *testing.T) {
	svc := newTestService(t, storage.NewMemDB(), nil)
	configureTestDeal(t, svc, "deal-A")
	configureTestDeal(t, svc, "deal-B")
	if err := svc.Issue(admin, "deal-A", "SEN", alice, big.NewInt(1_000_000)); err != nil {
		t.Fatalf("issue: %v", err)
	}
	bal, err := svc.BalanceOf("deal-B", "SEN", alice)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if bal.Sign() != 0 {
		t.Fatalf("deal-B balance = %s, want 0", bal)
	}
	headB, err := svc.AuditLog().Head("deal-B")
	if err != nil {
		t.Fatalf("head: %v", err)
	}
	headA, err := svc.AuditLog().Head("deal-A")
	if err != nil {
		t.Fatalf("head: %v", err)
	}
	if headA <= headB {
		t.Fatalf("audit heads %d/%d, want deal-A ahead", headA, headB)
	}
}
