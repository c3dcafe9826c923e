package rebalance

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/lumaoDoggie/grvt-transfer/internal/config"
	"github.com/lumaoDoggie/grvt-transfer/internal/exchange"
	"github.com/lumaoDoggie/grvt-transfer/internal/snapshot"
	"github.com/lumaoDoggie/grvt-transfer/pkg/types"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type transferCall struct {
	kind    exchange.KeyKind
	from    string
	fromSub string
	to      string
	toSub   string
	amount  decimal.Decimal
}

type fakeAccount struct {
	mu         sync.Mutex
	label      types.AccountLabel
	funding    string
	sub        string
	obs        []types.Observation // consumed in order, last repeats
	obsIdx     int
	fundingBal decimal.Decimal
	transfers  []transferCall
	failOnCall int // 1-based transfer call index to fail, 0 = never
}

func (f *fakeAccount) Label() types.AccountLabel   { return f.label }
func (f *fakeAccount) TradingSubAccountID() string { return f.sub }
func (f *fakeAccount) FundingAddress() string      { return f.funding }

func (f *fakeAccount) SubAccountSummary(context.Context) (types.Observation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.obs) == 0 {
		return types.Observation{}, nil
	}
	obs := f.obs[f.obsIdx]
	if f.obsIdx < len(f.obs)-1 {
		f.obsIdx++
	}
	return obs, nil
}

func (f *fakeAccount) FundingUSDTBalance(context.Context) (decimal.Decimal, error) {
	return f.fundingBal, nil
}

func (f *fakeAccount) Transfer(_ context.Context, kind exchange.KeyKind, from, fromSub, to, toSub string, amount decimal.Decimal) (types.TransferResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.transfers = append(f.transfers, transferCall{kind, from, fromSub, to, toSub, amount})
	if f.failOnCall == len(f.transfers) {
		return types.TransferResult{}, fmt.Errorf("transfer rejected")
	}
	return types.TransferResult{Ack: true, TxID: fmt.Sprintf("tx-%s-%d", f.label, len(f.transfers))}, nil
}

type fakeAlerter struct {
	mu       sync.Mutex
	events   []types.RebalanceEvent
	avail    []types.AccountLabel
	warnings []string
}

func (f *fakeAlerter) RebalanceEvent(_ context.Context, ev types.RebalanceEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
}

func (f *fakeAlerter) AvailabilityAlert(_ context.Context, label types.AccountLabel, _, _ string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.avail = append(f.avail, label)
}

func (f *fakeAlerter) Warning(_ context.Context, source, msg string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.warnings = append(f.warnings, source+": "+msg)
}

type fakeUnwindChecker struct {
	calls  int
	action types.UnwindAction
	err    error
}

func (f *fakeUnwindChecker) Check(context.Context) (types.UnwindSummary, error) {
	f.calls++
	return types.UnwindSummary{Action: f.action}, f.err
}

func obs(equity, mm, avail string) types.Observation {
	return types.Observation{
		TotalEquity: dec(equity),
		MaintMargin: dec(mm),
		Available:   dec(avail),
	}
}

func testConfig() *config.Config {
	return &config.Config{
		TriggerValue:          dec("2000"),
		FundingSweepThreshold: dec("0.1"),
		MinAvailablePct:       dec("20"),
	}
}

func newService(t *testing.T, cfg *config.Config, a, b *fakeAccount) (*Service, *fakeAlerter, *snapshot.Bus) {
	t.Helper()
	alerts := &fakeAlerter{}
	bus := snapshot.NewBus()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := New(cfg, a, b, nil, alerts, bus, logger)
	svc.zeroEqWait = time.Millisecond
	return svc, alerts, bus
}

func accountA() *fakeAccount {
	return &fakeAccount{label: types.AccountA, funding: "0xaaaa", sub: "111"}
}

func accountB() *fakeAccount {
	return &fakeAccount{label: types.AccountB, funding: "0xbbbb", sub: "222"}
}

func TestNoopBelowTrigger(t *testing.T) {
	t.Parallel()

	a, b := accountA(), accountB()
	a.obs = []types.Observation{obs("11000", "500", "9000")}
	b.obs = []types.Observation{obs("10000", "500", "8000")}
	svc, alerts, bus := newService(t, testConfig(), a, b)

	ev, err := svc.RunOnce(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if ev.Action != types.ActionNoop {
		t.Fatalf("action = %s, want noop", ev.Action)
	}
	if ev.Delta != "1000.00" {
		t.Errorf("delta = %s, want 1000.00", ev.Delta)
	}
	if len(a.transfers)+len(b.transfers) != 0 {
		t.Error("noop pass must not transfer")
	}
	if got, ok := bus.Status(); !ok || got.Action != types.ActionNoop {
		t.Error("event not published to bus")
	}
	if len(alerts.events) != 1 {
		t.Errorf("alerter got %d events, want 1", len(alerts.events))
	}
	if bus.LastCheck() == "" {
		t.Error("last check not recorded")
	}
}

func TestNoopAtTriggerBoundary(t *testing.T) {
	t.Parallel()

	a, b := accountA(), accountB()
	// |delta| equals the trigger exactly; the gate is inclusive
	a.obs = []types.Observation{obs("12000", "500", "9000")}
	b.obs = []types.Observation{obs("10000", "500", "8000")}
	svc, _, _ := newService(t, testConfig(), a, b)

	ev, err := svc.RunOnce(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if ev.Action != types.ActionNoop {
		t.Fatalf("action = %s, want noop at the boundary", ev.Action)
	}
	if len(a.transfers)+len(b.transfers) != 0 {
		t.Error("boundary pass must not transfer")
	}
}

func TestTriggeredTransferAtoB(t *testing.T) {
	t.Parallel()

	a, b := accountA(), accountB()
	a.obs = []types.Observation{obs("13000", "500", "9000")}
	b.obs = []types.Observation{obs("10000", "500", "8000")}
	svc, _, _ := newService(t, testConfig(), a, b)

	ev, err := svc.RunOnce(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if ev.Action != types.ActionExecuted || !ev.Success {
		t.Fatalf("event = %+v", ev)
	}
	// half the 3000 delta
	if ev.TransferUSDT != "1500.00" {
		t.Errorf("transfer = %s, want 1500.00", ev.TransferUSDT)
	}

	if len(a.transfers) != 2 || len(b.transfers) != 1 {
		t.Fatalf("hops: a=%d b=%d, want 2/1", len(a.transfers), len(b.transfers))
	}
	hop1, hop2, hop3 := a.transfers[0], a.transfers[1], b.transfers[0]

	if hop1.kind != exchange.TradingKey || hop1.fromSub != "111" || hop1.toSub != "0" || hop1.from != "0xaaaa" || hop1.to != "0xaaaa" {
		t.Errorf("hop1 = %+v", hop1)
	}
	if hop2.kind != exchange.FundingKey || hop2.fromSub != "0" || hop2.toSub != "0" || hop2.from != "0xaaaa" || hop2.to != "0xbbbb" {
		t.Errorf("hop2 = %+v", hop2)
	}
	if hop3.kind != exchange.FundingKey || hop3.from != "0xbbbb" || hop3.fromSub != "0" || hop3.toSub != "222" {
		t.Errorf("hop3 = %+v", hop3)
	}
	for i, call := range []transferCall{hop1, hop2, hop3} {
		if !call.amount.Equal(dec("1500")) {
			t.Errorf("hop%d amount = %s, want 1500", i+1, call.amount)
		}
	}
	if ev.TxIDs.Internal == "" || ev.TxIDs.FundingToFunding == "" || ev.TxIDs.Deposit == "" {
		t.Errorf("tx ids incomplete: %+v", ev.TxIDs)
	}
}

func TestDirectionBtoA(t *testing.T) {
	t.Parallel()

	a, b := accountA(), accountB()
	a.obs = []types.Observation{obs("10000", "500", "8000")}
	b.obs = []types.Observation{obs("16000", "500", "9000")}
	svc, _, _ := newService(t, testConfig(), a, b)

	ev, err := svc.RunOnce(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if ev.Action != types.ActionExecuted {
		t.Fatalf("action = %s", ev.Action)
	}
	if ev.TransferUSDT != "3000.00" {
		t.Errorf("transfer = %s, want 3000.00", ev.TransferUSDT)
	}
	// source-side hops run on B, deposit on A
	if len(b.transfers) != 2 || len(a.transfers) != 1 {
		t.Fatalf("hops: a=%d b=%d, want 1/2", len(a.transfers), len(b.transfers))
	}
	if a.transfers[0].toSub != "111" {
		t.Errorf("deposit hop = %+v", a.transfers[0])
	}
}

func TestAmountCappedByAvailable(t *testing.T) {
	t.Parallel()

	a, b := accountA(), accountB()
	a.obs = []types.Observation{obs("13000", "500", "800")}
	b.obs = []types.Observation{obs("10000", "500", "8000")}
	svc, _, _ := newService(t, testConfig(), a, b)

	ev, err := svc.RunOnce(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if ev.TransferUSDT != "800.00" {
		t.Errorf("transfer = %s, want 800.00 (available cap)", ev.TransferUSDT)
	}
}

func TestAmountCappedByMarginRoom(t *testing.T) {
	t.Parallel()

	a, b := accountA(), accountB()
	// equity 13000, mm 6200: room = 13000 - 12400 = 600
	a.obs = []types.Observation{obs("13000", "6200", "9000")}
	b.obs = []types.Observation{obs("10000", "500", "8000")}
	svc, _, _ := newService(t, testConfig(), a, b)

	ev, err := svc.RunOnce(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if ev.TransferUSDT != "600.00" {
		t.Errorf("transfer = %s, want 600.00 (margin room cap)", ev.TransferUSDT)
	}
}

func TestBlockedMM(t *testing.T) {
	t.Parallel()

	a, b := accountA(), accountB()
	a.obs = []types.Observation{obs("13000", "7000", "9000")}
	b.obs = []types.Observation{obs("10000", "500", "8000")}
	svc, _, _ := newService(t, testConfig(), a, b)

	ev, err := svc.RunOnce(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if ev.Action != types.ActionBlockedMM {
		t.Fatalf("action = %s, want blocked_mm", ev.Action)
	}
	if len(a.transfers)+len(b.transfers) != 0 {
		t.Error("blocked pass must not transfer")
	}
}

func TestBlockedAvail(t *testing.T) {
	t.Parallel()

	a, b := accountA(), accountB()
	a.obs = []types.Observation{obs("13000", "500", "0")}
	b.obs = []types.Observation{obs("10000", "500", "8000")}
	svc, _, _ := newService(t, testConfig(), a, b)

	ev, err := svc.RunOnce(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if ev.Action != types.ActionBlockedAvail {
		t.Fatalf("action = %s, want blocked_avail", ev.Action)
	}
}

func TestZeroEquityBlocksAfterRetry(t *testing.T) {
	t.Parallel()

	a, b := accountA(), accountB()
	a.obs = []types.Observation{obs("0", "0", "0")}
	b.obs = []types.Observation{obs("10000", "500", "8000")}
	svc, _, _ := newService(t, testConfig(), a, b)

	ev, err := svc.RunOnce(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if ev.Action != types.ActionBlockedZeroEq {
		t.Fatalf("action = %s, want blocked_zero_equity", ev.Action)
	}
	if len(a.transfers)+len(b.transfers) != 0 {
		t.Error("zero-equity pass must not transfer")
	}
}

func TestZeroEquityRecoversOnRetry(t *testing.T) {
	t.Parallel()

	a, b := accountA(), accountB()
	a.obs = []types.Observation{obs("0", "0", "0"), obs("10500", "500", "9000")}
	b.obs = []types.Observation{obs("10000", "500", "8000")}
	svc, _, _ := newService(t, testConfig(), a, b)

	ev, err := svc.RunOnce(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if ev.Action != types.ActionNoop {
		t.Fatalf("action = %s, want noop after recovered read", ev.Action)
	}
}

func TestZeroEquityAsymmetricWarns(t *testing.T) {
	t.Parallel()

	a, b := accountA(), accountB()
	a.obs = []types.Observation{obs("0", "0", "0")}
	b.obs = []types.Observation{obs("10000", "500", "8000")}
	svc, alerts, _ := newService(t, testConfig(), a, b)

	if _, err := svc.RunOnce(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(alerts.warnings) != 1 {
		t.Fatalf("warnings = %v, want one for the dead account", alerts.warnings)
	}
}

func TestZeroEquityBothStaysSilent(t *testing.T) {
	t.Parallel()

	a, b := accountA(), accountB()
	a.obs = []types.Observation{obs("0", "0", "0")}
	b.obs = []types.Observation{obs("0", "0", "0")}
	svc, alerts, _ := newService(t, testConfig(), a, b)

	ev, err := svc.RunOnce(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if ev.Action != types.ActionBlockedZeroEq {
		t.Fatalf("action = %s, want blocked_zero_equity", ev.Action)
	}
	if len(alerts.warnings) != 0 {
		t.Errorf("warnings = %v, want none when both reads are zero", alerts.warnings)
	}
}

func TestUnwindEpisodeRefreshesObservations(t *testing.T) {
	t.Parallel()

	a, b := accountA(), accountB()
	// first read shows a 3000 gap; the post-episode re-read shows it closed
	a.obs = []types.Observation{obs("13000", "500", "9000"), obs("10500", "500", "9000")}
	b.obs = []types.Observation{obs("10000", "500", "8000")}
	svc, _, _ := newService(t, testConfig(), a, b)
	unw := &fakeUnwindChecker{action: types.UnwindCompleted}
	svc.unwind = unw

	ev, err := svc.RunOnce(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if unw.calls != 1 {
		t.Fatalf("unwind checks = %d, want 1", unw.calls)
	}
	if ev.Action != types.ActionNoop {
		t.Fatalf("action = %s, want noop on refreshed observations", ev.Action)
	}
	if len(a.transfers)+len(b.transfers) != 0 {
		t.Error("stale delta must not drive a transfer after an episode")
	}
}

func TestUnwindNoTriggerKeepsObservations(t *testing.T) {
	t.Parallel()

	a, b := accountA(), accountB()
	a.obs = []types.Observation{obs("13000", "500", "9000")}
	b.obs = []types.Observation{obs("10000", "500", "8000")}
	svc, _, _ := newService(t, testConfig(), a, b)
	svc.unwind = &fakeUnwindChecker{action: types.UnwindNoTrigger}

	ev, err := svc.RunOnce(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if ev.Action != types.ActionExecuted {
		t.Fatalf("action = %s, want executed", ev.Action)
	}
}

func TestUnwindCheckErrorDoesNotBlockPass(t *testing.T) {
	t.Parallel()

	a, b := accountA(), accountB()
	a.obs = []types.Observation{obs("11000", "500", "9000")}
	b.obs = []types.Observation{obs("10000", "500", "8000")}
	svc, _, _ := newService(t, testConfig(), a, b)
	svc.unwind = &fakeUnwindChecker{err: fmt.Errorf("positions unavailable")}

	ev, err := svc.RunOnce(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if ev.Action != types.ActionNoop {
		t.Fatalf("action = %s, want noop despite the failed check", ev.Action)
	}
}

func TestHopFailureMarksFailed(t *testing.T) {
	t.Parallel()

	a, b := accountA(), accountB()
	a.obs = []types.Observation{obs("13000", "500", "9000")}
	b.obs = []types.Observation{obs("10000", "500", "8000")}
	a.failOnCall = 2 // funding-to-funding hop
	svc, _, _ := newService(t, testConfig(), a, b)

	ev, err := svc.RunOnce(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if ev.Action != types.ActionFailed || ev.Success {
		t.Fatalf("event = action=%s success=%v, want failed", ev.Action, ev.Success)
	}
	if ev.TxIDs.Internal == "" {
		t.Error("first hop tx id should be recorded")
	}
	if ev.TxIDs.FundingToFunding != "" || ev.TxIDs.Deposit != "" {
		t.Errorf("later hops should be empty: %+v", ev.TxIDs)
	}
	if len(b.transfers) != 0 {
		t.Error("deposit hop must not run after an earlier failure")
	}
}

func TestSweepMovesFundingBalance(t *testing.T) {
	t.Parallel()

	a, b := accountA(), accountB()
	a.obs = []types.Observation{obs("11000", "500", "9000")}
	b.obs = []types.Observation{obs("10000", "500", "8000")}
	a.fundingBal = dec("52.5")
	svc, _, _ := newService(t, testConfig(), a, b)

	if _, err := svc.RunOnce(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(a.transfers) != 1 {
		t.Fatalf("sweep transfers = %d, want 1", len(a.transfers))
	}
	sweep := a.transfers[0]
	if sweep.kind != exchange.FundingKey || sweep.fromSub != "0" || sweep.toSub != "111" {
		t.Errorf("sweep = %+v", sweep)
	}
	if !sweep.amount.Equal(dec("52.5")) {
		t.Errorf("sweep amount = %s, want 52.5", sweep.amount)
	}
}

func TestSweepIgnoresDust(t *testing.T) {
	t.Parallel()

	a, b := accountA(), accountB()
	a.obs = []types.Observation{obs("11000", "500", "9000")}
	b.obs = []types.Observation{obs("10000", "500", "8000")}
	a.fundingBal = dec("0.05") // under the 0.1 threshold
	svc, _, _ := newService(t, testConfig(), a, b)

	if _, err := svc.RunOnce(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(a.transfers) != 0 {
		t.Error("dust must not be swept")
	}
}

func TestAvailabilityAlert(t *testing.T) {
	t.Parallel()

	a, b := accountA(), accountB()
	a.obs = []types.Observation{obs("10000", "500", "1500")} // 15% < 20%
	b.obs = []types.Observation{obs("10000", "500", "8000")}
	svc, alerts, _ := newService(t, testConfig(), a, b)

	if _, err := svc.RunOnce(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(alerts.avail) != 1 || alerts.avail[0] != types.AccountA {
		t.Errorf("availability alerts = %v, want [A]", alerts.avail)
	}
}
