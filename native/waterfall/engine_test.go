package waterfall

import (
	"errors"
	"fmt"
	"math/big"
	"testing"

	"cascade/crypto"
	nativecommon "cascade/native/common"
)

type mockState struct {
	deals   map[string]*Deal
	reports map[string]*PeriodReport
}

func newMockState() *mockState {
	return &mockState{deals: make(map[string]*Deal), reports: make(map[string]*PeriodReport)}
}

func (m *mockState) Deal(dealID string) (*Deal, bool, error) {
	deal, ok := m.deals[dealID]
	if !ok {
		return nil, false, nil
	}
	return deal.Clone(), true, nil
}

func (m *mockState) PutDeal(deal *Deal) error {
	m.deals[deal.ID] = deal.Clone()
	return nil
}

func reportKey(dealID string, period uint64) string { return fmt.Sprintf("%s|%d", dealID, period) }

func (m *mockState) PeriodReport(dealID string, period uint64) (*PeriodReport, bool, error) {
	report, ok := m.reports[reportKey(dealID, period)]
	if !ok {
		return nil, false, nil
	}
	return report.Clone(), true, nil
}

func (m *mockState) PutPeriodReport(report *PeriodReport) error {
	m.reports[reportKey(report.DealID, report.Period)] = report.Clone()
	return nil
}

type mockTranche struct {
	face     *big.Int
	factor   *big.Int
	deferred *big.Int
	coupon   uint64
	freq     uint32
	period   uint64
}

type yieldCall struct {
	trancheID string
	amount    *big.Int
}

type mockLedger struct {
	order    []string
	tranches map[string]*mockTranche
	yields   []yieldCall
}

func newMockLedger() *mockLedger {
	return &mockLedger{tranches: make(map[string]*mockTranche)}
}

func (m *mockLedger) Register(dealID, trancheID string, originalFace *big.Int, couponBps uint64, frequencyMonths uint32) error {
	if _, exists := m.tranches[trancheID]; exists {
		return errors.New("duplicate tranche")
	}
	m.order = append(m.order, trancheID)
	m.tranches[trancheID] = &mockTranche{
		face:     new(big.Int).Set(originalFace),
		factor:   big.NewInt(1_000_000_000_000_000_000),
		deferred: big.NewInt(0),
		coupon:   couponBps,
		freq:     frequencyMonths,
	}
	return nil
}

func (m *mockLedger) Status(dealID, trancheID string) (TrancheStatus, error) {
	tr, ok := m.tranches[trancheID]
	if !ok {
		return TrancheStatus{}, errors.New("tranche not found")
	}
	current := new(big.Int).Mul(tr.face, tr.factor)
	current.Quo(current, big.NewInt(1_000_000_000_000_000_000))
	return TrancheStatus{
		OriginalFace:     new(big.Int).Set(tr.face),
		CurrentFace:      current,
		Factor:           new(big.Int).Set(tr.factor),
		CouponBps:        tr.coupon,
		FrequencyMonths:  tr.freq,
		DeferredInterest: new(big.Int).Set(tr.deferred),
	}, nil
}

func (m *mockLedger) SetDeferredInterest(dealID, trancheID string, amount *big.Int) error {
	m.tranches[trancheID].deferred = new(big.Int).Set(amount)
	return nil
}

func (m *mockLedger) DistributeYield(dealID, trancheID string, source crypto.Address, amount *big.Int) error {
	m.yields = append(m.yields, yieldCall{trancheID: trancheID, amount: new(big.Int).Set(amount)})
	return nil
}

func (m *mockLedger) UpdateFactor(dealID, trancheID string, newFactor *big.Int) error {
	tr := m.tranches[trancheID]
	if newFactor.Cmp(tr.factor) > 0 {
		return errors.New("factor cannot increase")
	}
	tr.factor = new(big.Int).Set(newFactor)
	tr.period++
	return nil
}

type mockAsset struct {
	balances map[crypto.Address]*big.Int
}

func newMockAsset() *mockAsset {
	return &mockAsset{balances: make(map[crypto.Address]*big.Int)}
}

func (m *mockAsset) fund(addr crypto.Address, amount int64) {
	m.balances[addr] = big.NewInt(amount)
}

func (m *mockAsset) balanceOf(addr crypto.Address) *big.Int {
	if bal, ok := m.balances[addr]; ok {
		return new(big.Int).Set(bal)
	}
	return big.NewInt(0)
}

func (m *mockAsset) Transfer(from, to crypto.Address, amount *big.Int) error {
	fromBal := m.balanceOf(from)
	if fromBal.Cmp(amount) < 0 {
		return errors.New("insufficient cash")
	}
	m.balances[from] = fromBal.Sub(fromBal, amount)
	m.balances[to] = new(big.Int).Add(m.balanceOf(to), amount)
	return nil
}

func addr(b byte) crypto.Address {
	raw := make([]byte, crypto.AddressLength)
	raw[0] = b
	return crypto.MustAddress(raw)
}

var (
	admin    = addr(0x01)
	reporter = addr(0x02)
	executor = addr(0x03)
	trustee  = addr(0x04)
	servicer = addr(0x05)
	outsider = addr(0xEE)
)

const testDeal = "ABS-2026-A"

func newTestEngine(t *testing.T) (*Engine, *mockState, *mockLedger, *mockAsset) {
	t.Helper()
	state := newMockState()
	ledger := newMockLedger()
	asset := newMockAsset()
	caps := nativecommon.StaticCapabilities{}.
		Grant(nativecommon.CapIssuer, admin).
		Grant(nativecommon.CapReporter, reporter).
		Grant(nativecommon.CapExecutor, executor).
		Grant(nativecommon.CapTriggerAdmin, admin)
	eng := NewEngine()
	eng.SetState(state)
	eng.SetLedger(ledger)
	eng.SetAsset(asset)
	eng.SetCapabilities(caps)
	eng.SetNowFunc(func() int64 { return 1_770_000_000 })
	return eng, state, ledger, asset
}

// Three-tier deal from the reference scenario: Senior $70M at 4%, Mezz $20M at
// 6%, Junior $10M at 9%, monthly periods. All amounts in cents.
func scenarioConfig(strategy Strategy) DealConfig {
	return DealConfig{
		DealID:       testDeal,
		PaymentAsset: "USD",
		Tranches: []TrancheConfig{
			{ID: "SR", OriginalFace: big.NewInt(7_000_000_000), CouponBps: 400, FrequencyMonths: 1},
			{ID: "MEZZ", OriginalFace: big.NewInt(2_000_000_000), CouponBps: 600, FrequencyMonths: 1},
			{ID: "JR", OriginalFace: big.NewInt(1_000_000_000), CouponBps: 900, FrequencyMonths: 1},
		},
		Strategy: strategy,
	}
}

func TestConfigureValidation(t *testing.T) {
	eng, _, _, _ := newTestEngine(t)

	if err := eng.Configure(outsider, scenarioConfig(StrategySequential)); !errors.Is(err, nativecommon.ErrUnauthorized) {
		t.Fatalf("unauthorized configure: got %v", err)
	}

	bad := scenarioConfig(StrategySequential)
	bad.Strategy = "FIFO"
	if err := eng.Configure(admin, bad); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("bad strategy: got %v", err)
	}

	bad = scenarioConfig(StrategySequential)
	bad.Tranches[1].ID = "SR"
	if err := eng.Configure(admin, bad); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("duplicate tranche: got %v", err)
	}

	bad = scenarioConfig(StrategySequential)
	bad.TrusteeBps = 50
	if err := eng.Configure(admin, bad); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("fee without recipient: got %v", err)
	}

	if err := eng.Configure(admin, scenarioConfig(StrategySequential)); err != nil {
		t.Fatalf("configure: %v", err)
	}
	if err := eng.Configure(admin, scenarioConfig(StrategySequential)); !errors.Is(err, ErrDealExists) {
		t.Fatalf("reconfiguration: got %v", err)
	}
}

func TestReportSequencing(t *testing.T) {
	eng, _, _, _ := newTestEngine(t)
	if err := eng.Configure(admin, scenarioConfig(StrategySequential)); err != nil {
		t.Fatalf("configure: %v", err)
	}

	if _, err := eng.ReportCollections(outsider, testDeal, big.NewInt(1), nil, nil, nil); !errors.Is(err, nativecommon.ErrUnauthorized) {
		t.Fatalf("unauthorized report: got %v", err)
	}
	if _, err := eng.ReportCollections(reporter, testDeal, big.NewInt(-1), nil, nil, nil); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("negative collections: got %v", err)
	}

	report, err := eng.ReportCollections(reporter, testDeal, big.NewInt(100), big.NewInt(200), nil, nil)
	if err != nil {
		t.Fatalf("report: %v", err)
	}
	if report.Period != 1 || report.ReportID == "" {
		t.Fatalf("first report: period=%d id=%q", report.Period, report.ReportID)
	}
	// Period 2 cannot be reported while period 1 is unprocessed.
	if _, err := eng.ReportCollections(reporter, testDeal, big.NewInt(100), nil, nil, nil); !errors.Is(err, ErrPriorPeriodUnprocessed) {
		t.Fatalf("report ahead of execution: got %v", err)
	}
}

func TestExecuteWaterfallScenarioSequential(t *testing.T) {
	eng, _, ledger, asset := newTestEngine(t)
	if err := eng.Configure(admin, scenarioConfig(StrategySequential)); err != nil {
		t.Fatalf("configure: %v", err)
	}
	// Period 1: $500,000 interest, $400,000 principal collected.
	if _, err := eng.ReportCollections(reporter, testDeal, big.NewInt(50_000_000), big.NewInt(40_000_000), big.NewInt(0), big.NewInt(0)); err != nil {
		t.Fatalf("report: %v", err)
	}
	asset.fund(crypto.DealCollectionAddress(testDeal), 90_000_000)

	result, err := eng.ExecuteWaterfall(executor, testDeal, 1)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}

	wantInterest := map[string]int64{"SR": 23_333_333, "MEZZ": 10_000_000, "JR": 7_500_000}
	for _, leg := range result.Interest {
		if leg.Paid.Cmp(big.NewInt(wantInterest[leg.TrancheID])) != 0 {
			t.Fatalf("interest %s: paid %s", leg.TrancheID, leg.Paid)
		}
		if leg.Deferred.Sign() != 0 {
			t.Fatalf("interest %s: unexpected deferral %s", leg.TrancheID, leg.Deferred)
		}
	}
	// Principal fully retires against the senior tranche.
	if len(result.Principal) != 1 || result.Principal[0].TrancheID != "SR" {
		t.Fatalf("principal legs: %+v", result.Principal)
	}
	if result.Principal[0].Paid.Cmp(big.NewInt(40_000_000)) != 0 {
		t.Fatalf("senior principal: %s", result.Principal[0].Paid)
	}
	// New senior factor = 6,960,000,000 / 7,000,000,000.
	wantFactor, _ := new(big.Int).SetString("994285714285714285", 10)
	if ledger.tranches["SR"].factor.Cmp(wantFactor) != 0 {
		t.Fatalf("senior factor: %s", ledger.tranches["SR"].factor)
	}
	// Leftover interest is residual, not principal.
	if result.Residual.Cmp(big.NewInt(9_166_667)) != 0 {
		t.Fatalf("residual: %s", result.Residual)
	}
	// Every tranche's period counter closed.
	for id, tr := range ledger.tranches {
		if tr.period != 1 {
			t.Fatalf("tranche %s period not closed: %d", id, tr.period)
		}
	}
}

func TestExecuteWaterfallShortfallDefersInterest(t *testing.T) {
	eng, _, ledger, asset := newTestEngine(t)
	if err := eng.Configure(admin, scenarioConfig(StrategySequential)); err != nil {
		t.Fatalf("configure: %v", err)
	}
	// Only $250,000 interest collected against $408,333.33 due.
	if _, err := eng.ReportCollections(reporter, testDeal, big.NewInt(25_000_000), big.NewInt(0), nil, nil); err != nil {
		t.Fatalf("report: %v", err)
	}
	asset.fund(crypto.DealCollectionAddress(testDeal), 25_000_000)

	result, err := eng.ExecuteWaterfall(executor, testDeal, 1)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	// Senior fully paid, mezz partially, junior fully deferred.
	if result.Interest[0].Paid.Cmp(big.NewInt(23_333_333)) != 0 {
		t.Fatalf("senior interest: %s", result.Interest[0].Paid)
	}
	if result.Interest[1].Paid.Cmp(big.NewInt(1_666_667)) != 0 {
		t.Fatalf("mezz interest: %s", result.Interest[1].Paid)
	}
	if result.Interest[1].Deferred.Cmp(big.NewInt(8_333_333)) != 0 {
		t.Fatalf("mezz deferral: %s", result.Interest[1].Deferred)
	}
	if result.Interest[2].Paid.Sign() != 0 || result.Interest[2].Deferred.Cmp(big.NewInt(7_500_000)) != 0 {
		t.Fatalf("junior leg: paid=%s deferred=%s", result.Interest[2].Paid, result.Interest[2].Deferred)
	}

	// Next period the deferral is due on top of the fresh accrual.
	if _, err := eng.ReportCollections(reporter, testDeal, big.NewInt(100_000_000), big.NewInt(0), nil, nil); err != nil {
		t.Fatalf("report period 2: %v", err)
	}
	asset.fund(crypto.DealCollectionAddress(testDeal), 100_000_000)
	result, err = eng.ExecuteWaterfall(executor, testDeal, 2)
	if err != nil {
		t.Fatalf("execute period 2: %v", err)
	}
	if result.Interest[1].Due.Cmp(big.NewInt(18_333_333)) != 0 {
		t.Fatalf("mezz carried due: %s", result.Interest[1].Due)
	}
	if ledger.tranches["MEZZ"].deferred.Sign() != 0 {
		t.Fatalf("mezz deferral not cleared: %s", ledger.tranches["MEZZ"].deferred)
	}
}

func TestExecuteWaterfallProRata(t *testing.T) {
	eng, _, ledger, asset := newTestEngine(t)
	if err := eng.Configure(admin, scenarioConfig(StrategyProRata)); err != nil {
		t.Fatalf("configure: %v", err)
	}
	if _, err := eng.ReportCollections(reporter, testDeal, big.NewInt(0), big.NewInt(10_000_000), nil, nil); err != nil {
		t.Fatalf("report: %v", err)
	}
	asset.fund(crypto.DealCollectionAddress(testDeal), 10_000_000)

	result, err := eng.ExecuteWaterfall(executor, testDeal, 1)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	// $100,000 across $100M face: each tranche amortises by exactly 0.1%.
	want := map[string]int64{"SR": 7_000_000, "MEZZ": 2_000_000, "JR": 1_000_000}
	if len(result.Principal) != 3 {
		t.Fatalf("principal legs: %+v", result.Principal)
	}
	for _, leg := range result.Principal {
		if leg.Paid.Cmp(big.NewInt(want[leg.TrancheID])) != 0 {
			t.Fatalf("principal %s: %s", leg.TrancheID, leg.Paid)
		}
	}
	// Identical paid/face ratio means identical factors.
	wantFactor := big.NewInt(999_000_000_000_000_000)
	for id, tr := range ledger.tranches {
		if tr.factor.Cmp(wantFactor) != 0 {
			t.Fatalf("factor %s: %s", id, tr.factor)
		}
	}
}

func TestExecuteWaterfallFees(t *testing.T) {
	eng, _, _, asset := newTestEngine(t)
	cfg := scenarioConfig(StrategySequential)
	cfg.TrusteeBps = 100 // 1%
	cfg.ServicerBps = 200
	cfg.Trustee = trustee
	cfg.Servicer = servicer
	if err := eng.Configure(admin, cfg); err != nil {
		t.Fatalf("configure: %v", err)
	}
	if _, err := eng.ReportCollections(reporter, testDeal, big.NewInt(1_000_000), big.NewInt(0), nil, nil); err != nil {
		t.Fatalf("report: %v", err)
	}
	asset.fund(crypto.DealCollectionAddress(testDeal), 1_000_000)

	result, err := eng.ExecuteWaterfall(executor, testDeal, 1)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if result.TrusteeFee.Cmp(big.NewInt(10_000)) != 0 {
		t.Fatalf("trustee fee: %s", result.TrusteeFee)
	}
	// Servicer rate applies to the remainder after the trustee leg.
	if result.ServicerFee.Cmp(big.NewInt(19_800)) != 0 {
		t.Fatalf("servicer fee: %s", result.ServicerFee)
	}
	if asset.balanceOf(trustee).Cmp(big.NewInt(10_000)) != 0 || asset.balanceOf(servicer).Cmp(big.NewInt(19_800)) != 0 {
		t.Fatalf("fee recipients: %s / %s", asset.balanceOf(trustee), asset.balanceOf(servicer))
	}
}

func TestExecuteSequencingGuards(t *testing.T) {
	eng, _, _, asset := newTestEngine(t)
	if err := eng.Configure(admin, scenarioConfig(StrategySequential)); err != nil {
		t.Fatalf("configure: %v", err)
	}
	if _, err := eng.ExecuteWaterfall(executor, testDeal, 1); !errors.Is(err, ErrUnknownPeriod) {
		t.Fatalf("execute before report: got %v", err)
	}
	if _, err := eng.ReportCollections(reporter, testDeal, big.NewInt(1_000), nil, nil, nil); err != nil {
		t.Fatalf("report: %v", err)
	}
	asset.fund(crypto.DealCollectionAddress(testDeal), 1_000)
	if _, err := eng.ExecuteWaterfall(outsider, testDeal, 1); !errors.Is(err, nativecommon.ErrUnauthorized) {
		t.Fatalf("unauthorized execute: got %v", err)
	}
	if _, err := eng.ExecuteWaterfall(executor, testDeal, 1); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if _, err := eng.ExecuteWaterfall(executor, testDeal, 1); !errors.Is(err, ErrPeriodProcessed) {
		t.Fatalf("re-execution: got %v", err)
	}
}

func TestTriggerIsRecordedButInert(t *testing.T) {
	eng, _, _, asset := newTestEngine(t)
	if err := eng.Configure(admin, scenarioConfig(StrategySequential)); err != nil {
		t.Fatalf("configure: %v", err)
	}
	if err := eng.ActivateTrigger(outsider, testDeal, "OC test breach"); !errors.Is(err, nativecommon.ErrUnauthorized) {
		t.Fatalf("unauthorized trigger: got %v", err)
	}
	if err := eng.ActivateTrigger(admin, testDeal, "OC test breach"); err != nil {
		t.Fatalf("activate: %v", err)
	}
	if err := eng.ActivateTrigger(admin, testDeal, "again"); !errors.Is(err, ErrTriggerState) {
		t.Fatalf("redundant activation: got %v", err)
	}
	deal, err := eng.DealInfo(testDeal)
	if err != nil {
		t.Fatalf("deal info: %v", err)
	}
	if !deal.TriggerActive || deal.TriggerReason != "OC test breach" {
		t.Fatalf("trigger not recorded: %+v", deal)
	}

	// The waterfall still runs sequential allocation with the trigger up.
	if _, err := eng.ReportCollections(reporter, testDeal, big.NewInt(0), big.NewInt(5_000_000), nil, nil); err != nil {
		t.Fatalf("report: %v", err)
	}
	asset.fund(crypto.DealCollectionAddress(testDeal), 5_000_000)
	result, err := eng.ExecuteWaterfall(executor, testDeal, 1)
	if err != nil {
		t.Fatalf("execute with trigger active: %v", err)
	}
	if len(result.Principal) != 1 || result.Principal[0].TrancheID != "SR" {
		t.Fatalf("trigger must not change allocation: %+v", result.Principal)
	}

	if err := eng.ClearTrigger(admin, testDeal); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if err := eng.ClearTrigger(admin, testDeal); !errors.Is(err, ErrTriggerState) {
		t.Fatalf("redundant clear: got %v", err)
	}
}
