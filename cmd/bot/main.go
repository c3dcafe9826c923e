// GRVT hedged-pair rebalancer — keeps two hedged perpetual-futures
// sub-accounts balanced and alive.
//
// Architecture:
//
//	main.go              — entry point: loads config, wires components, waits for SIGINT/SIGTERM
//	engine/engine.go     — control loop: one rebalance pass per interval, runtime.json publication
//	rebalance/service.go — equity delta trigger, unwind check, three-hop USDT transfer chain, funding sweep
//	unwind/service.go    — emergency de-risking: reduce-only IOC orders on matched pairs
//	exchange/client.go   — GRVT REST client (summaries, positions, transfers, orders)
//	exchange/signer.go   — EIP-712 signing for transfer and order messages
//	alert/sink.go        — Telegram alert policy (cadence, suppression, persisted counters)
//	bot/worker.go        — Telegram long-poll worker answering operator commands
//	bot/supervisor.go    — watchdog restarting a stale worker, single-instance lock
//	store/store.go       — atomic JSON persistence in the state directory
//
// Why it exists:
//
//	The two accounts hold opposite legs of the same positions. Funding and
//	pnl flow drains one side while the other grows; left alone the poorer
//	side gets liquidated and the hedge breaks. The loop moves USDT from
//	the richer account to the poorer one whenever the equity gap crosses
//	the trigger, and if margin usage ever spikes it unwinds both legs
//	together instead of letting the venue liquidate one.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/shopspring/decimal"

	"github.com/lumaoDoggie/grvt-transfer/internal/alert"
	"github.com/lumaoDoggie/grvt-transfer/internal/bot"
	"github.com/lumaoDoggie/grvt-transfer/internal/config"
	"github.com/lumaoDoggie/grvt-transfer/internal/engine"
	"github.com/lumaoDoggie/grvt-transfer/internal/exchange"
	"github.com/lumaoDoggie/grvt-transfer/internal/rebalance"
	"github.com/lumaoDoggie/grvt-transfer/internal/snapshot"
	"github.com/lumaoDoggie/grvt-transfer/internal/store"
	"github.com/lumaoDoggie/grvt-transfer/internal/unwind"
	"github.com/lumaoDoggie/grvt-transfer/pkg/types"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

func main() {
	var (
		once       = flag.Bool("once", false, "run a single rebalance cycle and exit")
		trigger    = flag.String("trigger", "", "override triggerValue (USDT)")
		interval   = flag.Int("interval", 0, "override rebalance interval (seconds)")
		throttleMs = flag.Int("throttle-ms", -1, "override pause between transfer hops (ms)")
	)
	flag.Parse()

	cfgPath := "configs/config.yaml"
	if p := os.Getenv("GRVT_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
		os.Exit(1)
	}
	applyOverrides(cfg, *trigger, *interval, *throttleMs)
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)

	st, err := store.New(cfg.StateDir)
	if err != nil {
		logger.Error("failed to open state dir", "error", err, "dir", cfg.StateDir)
		os.Exit(1)
	}

	sink := alert.NewSink(st, nil, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rl := exchange.NewRateLimiter()
	warn := func(source, msg string) { sink.Warning(ctx, source, msg) }

	clientA, err := exchange.NewClient(types.AccountA, cfg.AccountA, cfg.Env, cfg.ChainID(), rl, warn, logger)
	if err != nil {
		logger.Error("failed to create client for account A", "error", err)
		os.Exit(1)
	}
	clientB, err := exchange.NewClient(types.AccountB, cfg.AccountB, cfg.Env, cfg.ChainID(), rl, warn, logger)
	if err != nil {
		logger.Error("failed to create client for account B", "error", err)
		os.Exit(1)
	}

	bus := snapshot.NewBus()
	unwindSvc := unwind.New(cfg.Unwind, clientA, clientB, sink, bus, logger)
	rebalanceSvc := rebalance.New(cfg, clientA, clientB, unwindSvc, sink, bus, logger)

	if *once {
		eng := engine.New(cfg, st, rebalanceSvc, sink, nil, logger)
		if err := eng.Tick(ctx); err != nil {
			logger.Error("cycle failed", "error", err)
			os.Exit(1)
		}
		return
	}

	var supervisor *bot.Supervisor
	if cfg.Telegram.Token != "" {
		api, err := tgbotapi.NewBotAPI(cfg.Telegram.Token)
		if err != nil {
			logger.Error("failed to connect to telegram", "error", err)
			os.Exit(1)
		}
		composer := bot.NewComposer(cfg, clientA, clientB, bus, st)
		worker := bot.NewWorker(api, composer, st, cfg.Telegram.ChatID, logger)
		sink.SetSender(worker)
		supervisor = bot.NewSupervisor(worker, st, logger)
	} else {
		logger.Warn("no telegram token configured, alerts are log-only")
	}

	var eng *engine.Engine
	if supervisor != nil {
		eng = engine.New(cfg, st, rebalanceSvc, sink, supervisor, logger)
	} else {
		eng = engine.New(cfg, st, rebalanceSvc, sink, nil, logger)
	}

	logger.Info("grvt rebalancer started",
		"env", cfg.Env,
		"trigger_value", cfg.TriggerValue.String(),
		"interval_sec", cfg.RebalanceIntervalSec,
		"unwind_enabled", cfg.Unwind.Enabled,
		"unwind_dry_run", cfg.Unwind.DryRun,
	)

	if err := eng.Run(ctx); err != nil {
		logger.Error("engine stopped with error", "error", err)
		os.Exit(1)
	}
	logger.Info("shut down cleanly")
}

func applyOverrides(cfg *config.Config, trigger string, intervalSec, throttleMs int) {
	if trigger != "" {
		if v, err := decimal.NewFromString(trigger); err == nil && v.Sign() > 0 {
			cfg.TriggerValue = v
		} else {
			slog.Warn("ignoring invalid --trigger", "value", trigger)
		}
	}
	if intervalSec > 0 {
		cfg.RebalanceIntervalSec = intervalSec
	}
	if throttleMs >= 0 {
		cfg.RebalanceThrottleMs = throttleMs
	}
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
