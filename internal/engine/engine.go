// Package engine drives the periodic control loop: one rebalance pass
// (which runs the unwind check internally) repeated on the configured
// interval. It also publishes the loop's active settings to runtime.json
// so the Telegram status view reports what is actually running, and owns
// the bot supervisor's lifetime.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/lumaoDoggie/grvt-transfer/internal/config"
	"github.com/lumaoDoggie/grvt-transfer/internal/store"
	"github.com/lumaoDoggie/grvt-transfer/pkg/types"
)

type rebalancer interface {
	RunOnce(ctx context.Context) (types.RebalanceEvent, error)
}

type warner interface {
	Warning(ctx context.Context, source, msg string)
}

// runner is the bot supervisor's surface; nil means no Telegram.
type runner interface {
	Run(ctx context.Context) error
}

// Engine is the top-level control loop.
type Engine struct {
	cfg       *config.Config
	st        *store.Store
	rebalance rebalancer
	alerts    warner
	bot       runner
	logger    *slog.Logger
	interval  time.Duration
}

func New(cfg *config.Config, st *store.Store, reb rebalancer, alerts warner, bot runner, logger *slog.Logger) *Engine {
	return &Engine{
		cfg:       cfg,
		st:        st,
		rebalance: reb,
		alerts:    alerts,
		bot:       bot,
		logger:    logger.With("component", "engine"),
		interval:  time.Duration(cfg.RebalanceIntervalSec) * time.Second,
	}
}

// Tick runs one control cycle.
func (e *Engine) Tick(ctx context.Context) error {
	if _, err := e.rebalance.RunOnce(ctx); err != nil {
		return fmt.Errorf("rebalance: %w", err)
	}
	return nil
}

// Run executes the loop until ctx is cancelled. Tick errors are reported
// and the loop keeps going; only cancellation stops it.
func (e *Engine) Run(ctx context.Context) error {
	e.publishRuntime(true)
	defer e.publishRuntime(false)

	if e.bot != nil {
		go func() {
			if err := e.bot.Run(ctx); err != nil {
				e.logger.Error("bot supervisor stopped", "error", err)
				e.alerts.Warning(ctx, "bot", err.Error())
			}
		}()
	}

	e.logger.Info("control loop started",
		"interval", e.interval.String(),
		"trigger_value", e.cfg.TriggerValue.String(),
		"unwind_enabled", e.cfg.Unwind.Enabled)

	for {
		if err := e.Tick(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			e.logger.Error("tick failed", "error", err)
			e.alerts.Warning(ctx, "engine", err.Error())
		}

		select {
		case <-ctx.Done():
			e.logger.Info("control loop stopping")
			return nil
		case <-time.After(e.interval):
		}
	}
}

func (e *Engine) publishRuntime(running bool) {
	now := float64(time.Now().UnixNano()) / float64(time.Second)
	rs := types.RuntimeSettings{
		Env:          e.cfg.Env,
		PID:          os.Getpid(),
		Running:      running,
		TriggerValue: e.cfg.TriggerValue.String(),
		Unwind: types.RuntimeUnwind{
			Enabled:     e.cfg.Unwind.Enabled,
			TriggerPct:  e.cfg.Unwind.TriggerPct.String(),
			RecoveryPct: e.cfg.Unwind.RecoveryPct.String(),
		},
		TS: now,
	}
	if !running {
		rs.StoppedTS = now
	}
	if err := e.st.SaveRuntime(rs); err != nil {
		e.logger.Warn("publish runtime settings failed", "error", err)
	}
}
