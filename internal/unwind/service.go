// Package unwind implements the emergency position-reduction engine.
//
// When either account's margin usage (maintenance margin / equity) crosses
// the trigger threshold, the engine iteratively shrinks the hedged book:
// each iteration it matches positions by instrument across the two
// accounts, orders the pairs by pnl-per-notional score, and places
// reduce-only IOC market orders on both sides of every eligible pair.
// Iterations continue until both accounts fall under the recovery
// threshold or the iteration cap is reached.
//
// Both legs of a pair are cut by the same size, taken from the smaller
// leg, so the book stays hedged while it shrinks; an instrument held on
// only one side raises a hedge-mismatch warning and is left alone.
package unwind

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/lumaoDoggie/grvt-transfer/internal/config"
	"github.com/lumaoDoggie/grvt-transfer/internal/exchange"
	"github.com/lumaoDoggie/grvt-transfer/internal/snapshot"
	"github.com/lumaoDoggie/grvt-transfer/pkg/types"
)

var hundred = decimal.NewFromInt(100)

// AccountClient is the slice of the exchange client this engine needs.
type AccountClient interface {
	Label() types.AccountLabel
	SubAccountSummary(ctx context.Context) (types.Observation, error)
	Positions(ctx context.Context) ([]types.Position, error)
	GetInstrument(ctx context.Context, name string) (*types.Instrument, error)
	CreateOrder(ctx context.Context, p exchange.OrderParams) error
}

// Alerter is the slice of the alert sink this engine needs.
type Alerter interface {
	UnwindTriggered(ctx context.Context, pctA, pctB, triggerPct string, dryRun bool)
	UnwindOrder(ctx context.Context, res types.UnwindOrderResult)
	UnwindCompleted(ctx context.Context, sum types.UnwindSummary)
	MarginRecovered(ctx context.Context, pctA, pctB string)
	HedgeMismatch(ctx context.Context, unmatched []types.UnmatchedPosition)
}

// Service runs unwind checks and episodes.
type Service struct {
	cfg    config.UnwindConfig
	a, b   AccountClient
	alerts Alerter
	bus    *snapshot.Bus
	logger *slog.Logger

	iterWait time.Duration
}

func New(cfg config.UnwindConfig, a, b AccountClient, alerts Alerter, bus *snapshot.Bus, logger *slog.Logger) *Service {
	return &Service{
		cfg:      cfg,
		a:        a,
		b:        b,
		alerts:   alerts,
		bus:      bus,
		logger:   logger.With("component", "unwind"),
		iterWait: time.Duration(cfg.WaitSecondsBetween) * time.Second,
	}
}

// Check evaluates the trigger and, when it fires, runs a full unwind
// episode. The returned summary's Action says whether anything happened.
func (s *Service) Check(ctx context.Context) (types.UnwindSummary, error) {
	if !s.cfg.Enabled {
		return types.UnwindSummary{Action: types.UnwindDisabled}, nil
	}

	obsA, err := s.a.SubAccountSummary(ctx)
	if err != nil {
		return types.UnwindSummary{}, fmt.Errorf("observe account A: %w", err)
	}
	obsB, err := s.b.SubAccountSummary(ctx)
	if err != nil {
		return types.UnwindSummary{}, fmt.Errorf("observe account B: %w", err)
	}

	if !s.triggered(obsA) && !s.triggered(obsB) {
		return types.UnwindSummary{
			Action: types.UnwindNoTrigger,
			Pct1:   FormatMarginPct(obsA),
			Pct2:   FormatMarginPct(obsB),
		}, nil
	}

	return s.runEpisode(ctx, obsA, obsB)
}

// triggered reports whether one account demands an unwind: positive
// equity and margin, usage below 100% (above that the venue is already
// liquidating) and at or over the trigger threshold.
func (s *Service) triggered(obs types.Observation) bool {
	pct, ok := obs.MarginPct()
	if !ok || obs.MaintMargin.Sign() <= 0 {
		return false
	}
	return pct.LessThan(hundred) && pct.GreaterThanOrEqual(s.cfg.TriggerPct)
}

// recovered reports whether an account no longer needs reduction. Zero
// equity or margin counts as recovered: there is nothing left to protect.
func (s *Service) recovered(obs types.Observation) bool {
	if obs.TotalEquity.Sign() <= 0 || obs.MaintMargin.Sign() <= 0 {
		return true
	}
	pct, _ := obs.MarginPct()
	return pct.LessThan(s.cfg.RecoveryPct)
}

func (s *Service) runEpisode(ctx context.Context, obsA, obsB types.Observation) (types.UnwindSummary, error) {
	startPctA, startPctB := FormatMarginPct(obsA), FormatMarginPct(obsB)
	s.logger.Warn("unwind episode starting",
		"pct_a", startPctA, "pct_b", startPctB,
		"trigger_pct", s.cfg.TriggerPct.String(), "dry_run", s.cfg.DryRun)
	s.alerts.UnwindTriggered(ctx, startPctA, startPctB, s.cfg.TriggerPct.String(), s.cfg.DryRun)

	// One mismatch warning per episode, from the opening position read.
	posA, errA := s.a.Positions(ctx)
	posB, errB := s.b.Positions(ctx)
	if errA == nil && errB == nil {
		if _, unmatched := matchPairs(posA, posB); len(unmatched) > 0 {
			s.logger.Warn("hedge mismatch detected", "unmatched", len(unmatched))
			s.alerts.HedgeMismatch(ctx, unmatched)
		}
	}

	var results []types.UnwindOrderResult
	recoveredEarly := false

	for iter := 1; iter <= s.cfg.MaxIterations; iter++ {
		if iter > 1 {
			var err error
			if obsA, err = s.a.SubAccountSummary(ctx); err != nil {
				return types.UnwindSummary{}, fmt.Errorf("iteration %d observe A: %w", iter, err)
			}
			if obsB, err = s.b.SubAccountSummary(ctx); err != nil {
				return types.UnwindSummary{}, fmt.Errorf("iteration %d observe B: %w", iter, err)
			}
		}

		s.publishProgress(iter, obsA, obsB)

		if s.recovered(obsA) && s.recovered(obsB) {
			recoveredEarly = true
			break
		}

		ratio := s.reductionRatio(obsA, obsB)
		if ratio.Sign() <= 0 {
			s.logger.Info("reduction ratio non-positive, skipping iteration", "iteration", iter)
			s.waitBetween(ctx, iter)
			continue
		}

		iterResults, err := s.reduceOnce(ctx, iter, ratio)
		if err != nil {
			return types.UnwindSummary{}, err
		}
		results = append(results, iterResults...)
		if len(iterResults) == 0 {
			// nothing reducible left on either side
			break
		}

		s.waitBetween(ctx, iter)
		if ctx.Err() != nil {
			return types.UnwindSummary{}, ctx.Err()
		}
	}

	finalA, errA := s.a.SubAccountSummary(ctx)
	finalB, errB := s.b.SubAccountSummary(ctx)
	if errA != nil || errB != nil {
		finalA, finalB = obsA, obsB
	}

	sum := types.UnwindSummary{
		Action:     types.UnwindCompleted,
		Orders:     len(results),
		DryRun:     s.cfg.DryRun,
		Pct1:       startPctA,
		Pct2:       startPctB,
		FinalPct1:  FormatMarginPct(finalA),
		FinalPct2:  FormatMarginPct(finalB),
		Results:    results,
		TriggerAt:  snapshot.Now(),
	}
	for _, res := range results {
		if res.Success {
			sum.Successful++
			switch res.Account {
			case types.AccountA:
				sum.AccountA = append(sum.AccountA, res)
			case types.AccountB:
				sum.AccountB = append(sum.AccountB, res)
			}
		} else {
			sum.Failed++
		}
	}

	s.bus.ClearUnwind()
	if recoveredEarly {
		s.alerts.MarginRecovered(ctx, sum.FinalPct1, sum.FinalPct2)
	}
	s.alerts.UnwindCompleted(ctx, sum)
	s.logger.Info("unwind episode finished",
		"orders", sum.Orders, "successful", sum.Successful, "failed", sum.Failed,
		"final_pct_a", sum.FinalPct1, "final_pct_b", sum.FinalPct2)
	return sum, nil
}

// reductionRatio sizes one iteration's cut: spread the excess over at most
// five planned iterations, never more than the whole position, never more
// than the operator's per-iteration cap.
func (s *Service) reductionRatio(obsA, obsB types.Observation) decimal.Decimal {
	pctA, okA := obsA.MarginPct()
	pctB, okB := obsB.MarginPct()
	if !okA && !okB {
		return decimal.Zero
	}
	pctMax := decimal.Max(pctA, pctB)
	if pctMax.Sign() <= 0 {
		return decimal.Zero
	}

	excess := pctMax.Sub(s.cfg.RecoveryPct)
	if excess.Sign() <= 0 {
		return decimal.Zero
	}

	planned := s.cfg.MaxIterations
	if planned > 5 {
		planned = 5
	}
	denom := pctMax.Mul(decimal.NewFromInt(int64(planned)))
	return decimal.Min(
		excess.Div(denom),
		decimal.NewFromInt(1),
		s.cfg.UnwindPct.Div(hundred),
	)
}

// reduceOnce reduces every eligible hedged pair, best score first. Both
// legs of a pair cut the same size, taken from the smaller leg, so the
// net exposure of the pair does not widen while it shrinks.
func (s *Service) reduceOnce(ctx context.Context, iter int, ratio decimal.Decimal) ([]types.UnwindOrderResult, error) {
	posA, err := s.a.Positions(ctx)
	if err != nil {
		return nil, fmt.Errorf("positions A: %w", err)
	}
	posB, err := s.b.Positions(ctx)
	if err != nil {
		return nil, fmt.Errorf("positions B: %w", err)
	}

	pairs, unmatched := matchPairs(posA, posB)
	for _, um := range unmatched {
		s.logger.Warn("unmatched position, not unwinding it",
			"instrument", um.Instrument, "has_a", um.HasA, "has_b", um.HasB)
	}

	var out []types.UnwindOrderResult
	for _, p := range pairs {
		if decimal.Min(p.a.Notional.Abs(), p.b.Notional.Abs()).LessThan(s.cfg.MinPositionNotional) {
			continue
		}
		target := decimal.Min(p.a.Size.Abs(), p.b.Size.Abs()).Mul(ratio)
		if target.Sign() <= 0 {
			continue
		}
		if res := s.reduceLeg(ctx, s.a, types.AccountA, iter, p.a, target); res != nil {
			out = append(out, *res)
		}
		if res := s.reduceLeg(ctx, s.b, types.AccountB, iter, p.b, target); res != nil {
			out = append(out, *res)
		}
	}
	return out, nil
}

// reduceLeg places one reduce-only order for the shared target size.
// Returns nil when the leg cannot be reduced within the venue's size
// constraints.
func (s *Service) reduceLeg(ctx context.Context, acct AccountClient, label types.AccountLabel, iter int, pos types.Position, target decimal.Decimal) *types.UnwindOrderResult {
	inst, err := acct.GetInstrument(ctx, pos.Instrument)
	if err != nil {
		res := types.UnwindOrderResult{
			Account: label, Iteration: iter, Instrument: pos.Instrument,
			Error: err.Error(),
		}
		s.alerts.UnwindOrder(ctx, res)
		return &res
	}

	size, ok := orderSize(pos.Size, target, inst)
	if !ok {
		s.logger.Info("position below minimum size, skipping leg",
			"account", string(label), "instrument", pos.Instrument, "size", pos.Size.String())
		return nil
	}

	notional := decimal.Zero
	if pos.Size.Sign() != 0 {
		notional = pos.Notional.Abs().Mul(size).Div(pos.Size.Abs())
	}

	res := types.UnwindOrderResult{
		Account:    label,
		Iteration:  iter,
		DryRun:     s.cfg.DryRun,
		Instrument: pos.Instrument,
		Size:       size.String(),
		Notional:   notional.Round(2).String(),
	}

	// closing a short buys, closing a long sells
	isBuying := pos.Size.Sign() < 0

	if s.cfg.DryRun {
		s.logger.Info("DRY-RUN: would place reduce-only order",
			"account", string(label), "instrument", pos.Instrument,
			"size", size.String(), "is_buying", isBuying)
		res.Success = true
	} else if err := acct.CreateOrder(ctx, exchange.OrderParams{
		Instrument: *inst,
		Size:       size,
		IsBuying:   isBuying,
	}); err != nil {
		res.Error = err.Error()
	} else {
		res.Success = true
	}

	s.alerts.UnwindOrder(ctx, res)
	return &res
}

// orderSize fits a desired reduction into a venue-valid order size:
// rounded down to the effective step, clamped to [min_size, |current|].
// ok=false when the position itself is under the minimum.
func orderSize(current, target decimal.Decimal, inst *types.Instrument) (decimal.Decimal, bool) {
	abs := current.Abs()
	if abs.LessThan(inst.MinSize) || abs.Sign() == 0 {
		return decimal.Zero, false
	}

	step := decimal.New(1, -int32(inst.BaseDecimals))
	if step.LessThan(inst.MinSize) {
		step = inst.MinSize
	}

	size := target.Div(step).Floor().Mul(step)
	if size.LessThan(inst.MinSize) {
		size = inst.MinSize
	}
	if size.GreaterThan(abs) {
		size = abs
	}
	return size, true
}

type pair struct {
	a, b  types.Position
	score decimal.Decimal
}

// matchPairs joins positions by instrument across the two accounts and
// orders the pairs by |pnl| per |notional| descending, so the most
// pnl-heavy exposure per dollar unwinds first.
func matchPairs(posA, posB []types.Position) ([]pair, []types.UnmatchedPosition) {
	byInstB := make(map[string]types.Position, len(posB))
	for _, p := range posB {
		byInstB[p.Instrument] = p
	}

	var pairs []pair
	var unmatched []types.UnmatchedPosition
	seen := make(map[string]bool)
	for _, pa := range posA {
		seen[pa.Instrument] = true
		pb, ok := byInstB[pa.Instrument]
		if !ok {
			unmatched = append(unmatched, types.UnmatchedPosition{Instrument: pa.Instrument, HasA: true})
			continue
		}
		denom := pa.Notional.Abs().Add(pb.Notional.Abs())
		score := decimal.Zero
		if denom.Sign() > 0 {
			score = pa.UnrealizedPnL.Abs().Add(pb.UnrealizedPnL.Abs()).Div(denom)
		}
		pairs = append(pairs, pair{a: pa, b: pb, score: score})
	}
	for _, pb := range posB {
		if !seen[pb.Instrument] {
			unmatched = append(unmatched, types.UnmatchedPosition{Instrument: pb.Instrument, HasB: true})
		}
	}

	sort.SliceStable(pairs, func(i, j int) bool {
		return pairs[i].score.GreaterThan(pairs[j].score)
	})
	return pairs, unmatched
}

func (s *Service) publishProgress(iter int, obsA, obsB types.Observation) {
	pctA, pctB := FormatMarginPct(obsA), FormatMarginPct(obsB)
	s.bus.SetUnwind(types.UnwindProgress{
		InProgress:  true,
		Iteration:   iter,
		PctA:        pctA,
		PctB:        pctB,
		TriggerPct:  s.cfg.TriggerPct.String(),
		RecoveryPct: s.cfg.RecoveryPct.String(),
		UpdatedTS:   float64(time.Now().UnixNano()) / float64(time.Second),
	})
	s.bus.SetStatus(types.RebalanceEvent{
		EventTimeSH: snapshot.Now(),
		Action:      types.ActionUnwind,
		Eq1:         obsA.TotalEquity.StringFixed(2),
		Eq2:         obsB.TotalEquity.StringFixed(2),
		MM1:         obsA.MaintMargin.StringFixed(2),
		MM2:         obsB.MaintMargin.StringFixed(2),
	})
}

func (s *Service) waitBetween(ctx context.Context, iter int) {
	if iter >= s.cfg.MaxIterations || s.iterWait <= 0 {
		return
	}
	select {
	case <-ctx.Done():
	case <-time.After(s.iterWait):
	}
}

// FormatMarginPct renders margin usage for display: "N/A" with no equity,
// "0.0%" with no margin, otherwise one decimal place.
func FormatMarginPct(obs types.Observation) string {
	pct, ok := obs.MarginPct()
	if !ok {
		return "N/A"
	}
	return pct.StringFixed(1) + "%"
}
