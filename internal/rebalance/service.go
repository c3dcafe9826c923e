// Package rebalance implements the equity rebalance pass between the two
// hedged trading sub-accounts.
//
// One pass: sweep stray funding balances back into trading, refresh both
// margin observations, run the unwind check (re-reading observations if it
// acted), guard against unusable data (zero equity), compare the equity
// delta against the trigger, and when triggered move USDT from the richer
// account to the poorer one through the venue's three-hop transfer chain:
//
//	src trading  ->  src funding   (signed by the trading key)
//	src funding  ->  dst funding   (signed by the source funding key)
//	dst funding  ->  dst trading   (signed by the destination funding key)
//
// Sub-account id "0" denotes the funding wallet side of a hop. A transfer
// counts as executed only when all three hops acknowledge; a partial
// failure leaves residue in a funding wallet, which the next pass sweeps.
package rebalance

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/lumaoDoggie/grvt-transfer/internal/config"
	"github.com/lumaoDoggie/grvt-transfer/internal/exchange"
	"github.com/lumaoDoggie/grvt-transfer/internal/snapshot"
	"github.com/lumaoDoggie/grvt-transfer/pkg/types"
)

// fundingSub is the sub-account id of the funding-wallet side of a hop.
const fundingSub = "0"

var two = decimal.NewFromInt(2)

// AccountClient is the slice of the exchange client this engine needs.
type AccountClient interface {
	Label() types.AccountLabel
	TradingSubAccountID() string
	FundingAddress() string
	SubAccountSummary(ctx context.Context) (types.Observation, error)
	FundingUSDTBalance(ctx context.Context) (decimal.Decimal, error)
	Transfer(ctx context.Context, kind exchange.KeyKind, fromAccount, fromSub, toAccount, toSub string, amount decimal.Decimal) (types.TransferResult, error)
}

// Alerter is the slice of the alert sink this engine needs.
type Alerter interface {
	RebalanceEvent(ctx context.Context, ev types.RebalanceEvent)
	AvailabilityAlert(ctx context.Context, label types.AccountLabel, availPct, threshold string)
	Warning(ctx context.Context, source, msg string)
}

// UnwindChecker is the margin-stress check run inside every pass. Nil
// disables it.
type UnwindChecker interface {
	Check(ctx context.Context) (types.UnwindSummary, error)
}

// Service runs rebalance passes. One instance serves the process lifetime.
type Service struct {
	cfg    *config.Config
	a, b   AccountClient
	unwind UnwindChecker
	alerts Alerter
	bus    *snapshot.Bus
	logger *slog.Logger

	throttle   time.Duration
	zeroEqWait time.Duration
}

func New(cfg *config.Config, a, b AccountClient, unw UnwindChecker, alerts Alerter, bus *snapshot.Bus, logger *slog.Logger) *Service {
	return &Service{
		cfg:        cfg,
		a:          a,
		b:          b,
		unwind:     unw,
		alerts:     alerts,
		bus:        bus,
		logger:     logger.With("component", "rebalance"),
		throttle:   time.Duration(cfg.RebalanceThrottleMs) * time.Millisecond,
		zeroEqWait: 3 * time.Second,
	}
}

// RunOnce executes one rebalance pass and returns the resulting event.
// The event is also published to the snapshot bus and the alert sink.
func (s *Service) RunOnce(ctx context.Context) (types.RebalanceEvent, error) {
	s.bus.MarkCheck()

	s.sweep(ctx, s.a)
	s.sweep(ctx, s.b)

	obsA, err := s.a.SubAccountSummary(ctx)
	if err != nil {
		return types.RebalanceEvent{}, fmt.Errorf("observe account A: %w", err)
	}
	obsB, err := s.b.SubAccountSummary(ctx)
	if err != nil {
		return types.RebalanceEvent{}, fmt.Errorf("observe account B: %w", err)
	}

	s.checkAvailability(ctx, types.AccountA, obsA)
	s.checkAvailability(ctx, types.AccountB, obsB)

	// An unwind episode moves equity around, so after one the transfer
	// decision runs on fresh observations. A failed check never blocks
	// the pass.
	if s.unwind != nil {
		switch sum, err := s.unwind.Check(ctx); {
		case err != nil:
			if ctx.Err() != nil {
				return types.RebalanceEvent{}, ctx.Err()
			}
			s.logger.Error("unwind check failed", "error", err)
		case sum.Action != types.UnwindDisabled && sum.Action != types.UnwindNoTrigger:
			if obsA, err = s.a.SubAccountSummary(ctx); err != nil {
				return types.RebalanceEvent{}, fmt.Errorf("re-observe account A: %w", err)
			}
			if obsB, err = s.b.SubAccountSummary(ctx); err != nil {
				return types.RebalanceEvent{}, fmt.Errorf("re-observe account B: %w", err)
			}
		}
	}

	// Zero equity means the read degraded or the account is empty. One
	// retry after a short wait, then refuse to act on the numbers.
	if obsA.TotalEquity.Sign() <= 0 || obsB.TotalEquity.Sign() <= 0 {
		select {
		case <-ctx.Done():
			return types.RebalanceEvent{}, ctx.Err()
		case <-time.After(s.zeroEqWait):
		}
		if obsA.TotalEquity.Sign() <= 0 {
			if obsA, err = s.a.SubAccountSummary(ctx); err != nil {
				return types.RebalanceEvent{}, fmt.Errorf("re-observe account A: %w", err)
			}
		}
		if obsB.TotalEquity.Sign() <= 0 {
			if obsB, err = s.b.SubAccountSummary(ctx); err != nil {
				return types.RebalanceEvent{}, fmt.Errorf("re-observe account B: %w", err)
			}
		}
		if obsA.TotalEquity.Sign() <= 0 || obsB.TotalEquity.Sign() <= 0 {
			// One dead account is a real concern; both at once is
			// almost certainly an API failure.
			if (obsA.TotalEquity.Sign() <= 0) != (obsB.TotalEquity.Sign() <= 0) {
				s.alerts.Warning(ctx, "rebalance", fmt.Sprintf(
					"zero equity detected eq_a=%s eq_b=%s",
					obsA.TotalEquity.StringFixed(2), obsB.TotalEquity.StringFixed(2)))
			}
			ev := s.baseEvent(types.ActionBlockedZeroEq, obsA, obsB)
			s.publish(ctx, ev)
			return ev, nil
		}
	}

	delta := obsA.TotalEquity.Sub(obsB.TotalEquity)
	if delta.Abs().LessThanOrEqual(s.cfg.TriggerValue) {
		ev := s.baseEvent(types.ActionNoop, obsA, obsB)
		ev.Success = true
		s.publish(ctx, ev)
		return ev, nil
	}

	src, dst := s.a, s.b
	srcObs := obsA
	if delta.Sign() < 0 {
		src, dst = s.b, s.a
		srcObs = obsB
	}

	amount, blocked := transferAmount(delta, srcObs)
	if blocked != "" {
		ev := s.baseEvent(blocked, obsA, obsB)
		s.publish(ctx, ev)
		return ev, nil
	}

	fundingAPre, fundingBPre := s.fundingBalances(ctx)

	txIDs, hopErr := s.runHops(ctx, src, dst, amount)

	// Post-transfer state for the report.
	postA, _ := s.a.SubAccountSummary(ctx)
	postB, _ := s.b.SubAccountSummary(ctx)
	fundingAPost, fundingBPost := s.fundingBalances(ctx)

	ev := s.baseEvent(types.ActionExecuted, postA, postB)
	ev.Success = hopErr == nil
	if hopErr != nil {
		ev.Action = types.ActionFailed
		s.logger.Error("transfer chain failed", "error", hopErr, "tx_ids", txIDs)
	}
	ev.TransferUSDT = amount.StringFixed(2)
	ev.TradingA = accountState(postA)
	ev.TradingB = accountState(postB)
	ev.FundingAPre = fundingAPre.StringFixed(2)
	ev.FundingBPre = fundingBPre.StringFixed(2)
	ev.FundingAPost = fundingAPost.StringFixed(2)
	ev.FundingBPost = fundingBPost.StringFixed(2)
	ev.TxIDs = txIDs
	s.publish(ctx, ev)
	return ev, nil
}

// transferAmount computes how much to move from the richer account:
// half the delta, capped by the source's available balance and by the
// equity it can lose while keeping twice its maintenance margin. A
// non-positive cap blocks the transfer with the matching reason.
func transferAmount(delta decimal.Decimal, src types.Observation) (decimal.Decimal, types.Action) {
	mmRoom := src.TotalEquity.Sub(src.MaintMargin.Mul(two))
	if mmRoom.Sign() <= 0 {
		return decimal.Zero, types.ActionBlockedMM
	}
	if src.Available.Sign() <= 0 {
		return decimal.Zero, types.ActionBlockedAvail
	}
	amount := decimal.Min(delta.Abs().Div(two), src.Available, mmRoom)
	if amount.Sign() <= 0 {
		return decimal.Zero, types.ActionBlockedAvail
	}
	return amount, ""
}

// runHops executes the three-hop chain, pausing between hops.
func (s *Service) runHops(ctx context.Context, src, dst AccountClient, amount decimal.Decimal) (types.TxIDs, error) {
	var txIDs types.TxIDs

	res, err := src.Transfer(ctx, exchange.TradingKey,
		src.FundingAddress(), src.TradingSubAccountID(),
		src.FundingAddress(), fundingSub, amount)
	if err != nil {
		return txIDs, fmt.Errorf("hop internal: %w", err)
	}
	txIDs.Internal = res.TxID
	s.pause(ctx)

	res, err = src.Transfer(ctx, exchange.FundingKey,
		src.FundingAddress(), fundingSub,
		dst.FundingAddress(), fundingSub, amount)
	if err != nil {
		return txIDs, fmt.Errorf("hop funding-to-funding: %w", err)
	}
	txIDs.FundingToFunding = res.TxID
	s.pause(ctx)

	res, err = dst.Transfer(ctx, exchange.FundingKey,
		dst.FundingAddress(), fundingSub,
		dst.FundingAddress(), dst.TradingSubAccountID(), amount)
	if err != nil {
		return txIDs, fmt.Errorf("hop deposit: %w", err)
	}
	txIDs.Deposit = res.TxID
	return txIDs, nil
}

func (s *Service) pause(ctx context.Context) {
	if s.throttle <= 0 {
		return
	}
	select {
	case <-ctx.Done():
	case <-time.After(s.throttle):
	}
}

// sweep moves a stray funding-wallet balance back into trading. Failures
// are logged and ignored; the balance is still there next pass.
func (s *Service) sweep(ctx context.Context, acct AccountClient) {
	bal, err := acct.FundingUSDTBalance(ctx)
	if err != nil {
		s.logger.Warn("sweep: funding balance read failed", "account", string(acct.Label()), "error", err)
		return
	}
	if bal.LessThanOrEqual(s.cfg.FundingSweepThreshold) {
		return
	}

	s.logger.Info("sweeping funding balance into trading",
		"account", string(acct.Label()), "amount", bal.StringFixed(2))
	if _, err := acct.Transfer(ctx, exchange.FundingKey,
		acct.FundingAddress(), fundingSub,
		acct.FundingAddress(), acct.TradingSubAccountID(), bal); err != nil {
		s.logger.Warn("sweep transfer failed", "account", string(acct.Label()), "error", err)
	}
}

func (s *Service) checkAvailability(ctx context.Context, label types.AccountLabel, obs types.Observation) {
	if obs.TotalEquity.Sign() <= 0 {
		return
	}
	pct := obs.AvailPct()
	if pct.LessThan(s.cfg.MinAvailablePct) {
		s.alerts.AvailabilityAlert(ctx, label, pct.StringFixed(1), s.cfg.MinAvailablePct.StringFixed(0))
	}
}

func (s *Service) fundingBalances(ctx context.Context) (a, b decimal.Decimal) {
	a, _ = s.a.FundingUSDTBalance(ctx)
	b, _ = s.b.FundingUSDTBalance(ctx)
	return a, b
}

func (s *Service) baseEvent(action types.Action, obsA, obsB types.Observation) types.RebalanceEvent {
	delta := obsA.TotalEquity.Sub(obsB.TotalEquity)
	return types.RebalanceEvent{
		EventTimeSH: snapshot.Now(),
		Action:      action,
		Trigger:     s.cfg.TriggerValue.String(),
		Delta:       delta.StringFixed(2),
		TotalEquity: obsA.TotalEquity.Add(obsB.TotalEquity).StringFixed(2),
		Eq1:         obsA.TotalEquity.StringFixed(2),
		Eq2:         obsB.TotalEquity.StringFixed(2),
		MM1:         obsA.MaintMargin.StringFixed(2),
		MM2:         obsB.MaintMargin.StringFixed(2),
		Avail1:      obsA.Available.StringFixed(2),
		Avail2:      obsB.Available.StringFixed(2),
		AvailPct1:   obsA.AvailPct().StringFixed(1),
		AvailPct2:   obsB.AvailPct().StringFixed(1),
	}
}

func accountState(obs types.Observation) types.AccountState {
	return types.AccountState{
		Equity:    obs.TotalEquity.StringFixed(2),
		MM:        obs.MaintMargin.StringFixed(2),
		Available: obs.Available.StringFixed(2),
		AvailPct:  obs.AvailPct().StringFixed(1),
	}
}

func (s *Service) publish(ctx context.Context, ev types.RebalanceEvent) {
	s.bus.SetStatus(ev)
	s.alerts.RebalanceEvent(ctx, ev)
}
