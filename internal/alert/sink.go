// Package alert routes engine events to the operator's Telegram chat.
//
// Not every event becomes a message. The policy:
//   - executed rebalances: sent on the first and then every 5th occurrence,
//     tracked by a counter persisted across restarts
//   - failed rebalances and warnings: always sent
//   - low-availability alerts: per-account, suppressed for 120s
//   - unwind lifecycle events: always sent
//   - unwind orders: sent only on failure
//   - noop / blocked rebalances: log only
package alert

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/lumaoDoggie/grvt-transfer/internal/store"
	"github.com/lumaoDoggie/grvt-transfer/pkg/types"
)

const (
	stateFile        = "alerts/state.json"
	rebalanceEvery   = 5
	availSuppression = 120 * time.Second
)

// Sender delivers one message to the operator chat. The Telegram worker
// implements this; a nil sender degrades the sink to log-only.
type Sender interface {
	Send(ctx context.Context, text string) error
}

type sinkState struct {
	RebalanceCounter int                `json:"rebalance_counter"`
	AvailAlertLastTS map[string]float64 `json:"avail_alert_last_ts,omitempty"`
}

// Sink applies the alert policy and persists its counters so restarts do
// not reset the every-5th cadence or re-fire suppressed alerts.
type Sink struct {
	store  *store.Store
	sender Sender
	logger *slog.Logger
	now    func() time.Time

	mu sync.Mutex
	st sinkState
}

// NewSink loads persisted counters from the store. A nil sender is valid.
func NewSink(st *store.Store, sender Sender, logger *slog.Logger) *Sink {
	s := &Sink{
		store:  st,
		sender: sender,
		logger: logger.With("component", "alert"),
		now:    time.Now,
	}
	if _, err := st.Load(stateFile, &s.st); err != nil {
		logger.Warn("alert state unreadable, starting fresh", "error", err)
	}
	if s.st.AvailAlertLastTS == nil {
		s.st.AvailAlertLastTS = make(map[string]float64)
	}
	return s
}

// SetSender wires the Telegram worker after construction. The sink is
// created before the bot so engine startup never depends on Telegram.
func (s *Sink) SetSender(sender Sender) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sender = sender
}

func (s *Sink) send(ctx context.Context, text string) {
	s.mu.Lock()
	sender := s.sender
	s.mu.Unlock()
	if sender == nil {
		s.logger.Info("alert (no sender)", "text", text)
		return
	}
	if err := sender.Send(ctx, text); err != nil {
		s.logger.Error("alert send failed", "error", err)
	}
}

func (s *Sink) persist() {
	if err := s.store.Save(stateFile, s.st); err != nil {
		s.logger.Error("persist alert state failed", "error", err)
	}
}

// RebalanceEvent dispatches one rebalance result. Executed transfers go to
// the chat on the first and every 5th occurrence; failures always; the
// rest only log.
func (s *Sink) RebalanceEvent(ctx context.Context, ev types.RebalanceEvent) {
	switch ev.Action {
	case types.ActionExecuted:
		s.mu.Lock()
		s.st.RebalanceCounter++
		count := s.st.RebalanceCounter
		s.persist()
		s.mu.Unlock()

		s.logger.Info("rebalance executed", "count", count, "transfer_usdt", ev.TransferUSDT)
		if (count-1)%rebalanceEvery == 0 {
			s.send(ctx, formatRebalance(ev, count))
		}
	case types.ActionFailed:
		s.logger.Error("rebalance failed", "event", ev)
		s.send(ctx, formatRebalanceFailed(ev))
	default:
		s.logger.Info("rebalance pass", "action", string(ev.Action), "delta", ev.Delta)
	}
}

// AvailabilityAlert warns that one account's available balance dropped
// below the configured percentage. Re-fires for the same account are
// suppressed for 120 seconds.
func (s *Sink) AvailabilityAlert(ctx context.Context, label types.AccountLabel, availPct, threshold string) {
	key := string(label)
	now := float64(s.now().UnixNano()) / float64(time.Second)

	s.mu.Lock()
	last := s.st.AvailAlertLastTS[key]
	if now-last < availSuppression.Seconds() {
		s.mu.Unlock()
		s.logger.Info("availability alert suppressed", "account", key, "avail_pct", availPct)
		return
	}
	s.st.AvailAlertLastTS[key] = now
	s.persist()
	s.mu.Unlock()

	s.logger.Warn("availability below threshold", "account", key, "avail_pct", availPct, "threshold", threshold)
	s.send(ctx, formatAvailability(label, availPct, threshold))
}

// UnwindTriggered announces the start of an unwind episode.
func (s *Sink) UnwindTriggered(ctx context.Context, pctA, pctB, triggerPct string, dryRun bool) {
	s.logger.Warn("unwind triggered", "pct_a", pctA, "pct_b", pctB, "trigger_pct", triggerPct, "dry_run", dryRun)
	s.send(ctx, formatUnwindTriggered(pctA, pctB, triggerPct, dryRun))
}

// UnwindOrder reports one reduce-only order; only failures reach the chat.
func (s *Sink) UnwindOrder(ctx context.Context, res types.UnwindOrderResult) {
	if res.Success {
		s.logger.Info("unwind order placed", "account", string(res.Account),
			"instrument", res.Instrument, "size", res.Size, "dry_run", res.DryRun)
		return
	}
	s.logger.Error("unwind order failed", "account", string(res.Account),
		"instrument", res.Instrument, "error", res.Error)
	s.send(ctx, formatUnwindOrderFailed(res))
}

// UnwindCompleted sends the episode summary with a per-token roll-up.
func (s *Sink) UnwindCompleted(ctx context.Context, sum types.UnwindSummary) {
	s.logger.Info("unwind completed", "iterations", sum.Orders,
		"successful", sum.Successful, "failed", sum.Failed, "dry_run", sum.DryRun)
	s.send(ctx, formatUnwindCompleted(sum))
}

// HedgeMismatch warns that some positions exist on only one account and
// will not be unwound.
func (s *Sink) HedgeMismatch(ctx context.Context, unmatched []types.UnmatchedPosition) {
	s.logger.Warn("hedge mismatch", "unmatched", len(unmatched))
	s.send(ctx, formatHedgeMismatch(unmatched))
}

// MarginRecovered announces that margin usage fell back under the
// recovery threshold.
func (s *Sink) MarginRecovered(ctx context.Context, pctA, pctB string) {
	s.logger.Info("margin recovered", "pct_a", pctA, "pct_b", pctB)
	s.send(ctx, formatMarginRecovered(pctA, pctB))
}

// Warning always reaches the chat.
func (s *Sink) Warning(ctx context.Context, source, msg string) {
	s.logger.Warn("warning", "source", source, "message", msg)
	s.send(ctx, formatWarning(source, msg))
}
