package bot

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/lumaoDoggie/grvt-transfer/internal/config"
	"github.com/lumaoDoggie/grvt-transfer/internal/snapshot"
	"github.com/lumaoDoggie/grvt-transfer/internal/store"
	"github.com/lumaoDoggie/grvt-transfer/internal/unwind"
	"github.com/lumaoDoggie/grvt-transfer/pkg/types"
)

// runtimeStaleAfter bounds how old a runtime.json record may be before the
// status view stops trusting it and falls back to the static config.
const runtimeStaleAfter = 6 * time.Hour

// AccountReader is the slice of the exchange client the status view needs.
type AccountReader interface {
	SubAccountSummary(ctx context.Context) (types.Observation, error)
}

// Composer builds the operator status text from live reads, the snapshot
// bus and the persisted runtime settings.
type Composer struct {
	cfg      *config.Config
	a, b     AccountReader
	bus      *snapshot.Bus
	store    *store.Store
	attempts int
	now      func() time.Time
}

func NewComposer(cfg *config.Config, a, b AccountReader, bus *snapshot.Bus, st *store.Store) *Composer {
	return &Composer{
		cfg:      cfg,
		a:        a,
		b:        b,
		bus:      bus,
		store:    st,
		attempts: 3,
		now:      time.Now,
	}
}

// Compose renders the status message. Live reads get a few attempts; when
// the API keeps returning zero equity the view says so instead of showing
// misleading zeros.
func (c *Composer) Compose(ctx context.Context) string {
	var obsA, obsB types.Observation
	usable := false
	for attempt := 0; attempt < c.attempts; attempt++ {
		obsA, _ = c.a.SubAccountSummary(ctx)
		obsB, _ = c.b.SubAccountSummary(ctx)
		if obsA.TotalEquity.Sign() > 0 && obsB.TotalEquity.Sign() > 0 {
			usable = true
			break
		}
	}

	var b strings.Builder
	b.WriteString("📊 状态\n")

	if last := c.bus.LastCheck(); last != "" {
		fmt.Fprintf(&b, "上次检查时间: %s\n", last)
	} else {
		b.WriteString("上次检查时间: 暂无\n")
	}

	fmt.Fprintf(&b, "触发阈值: %s USDT\n", c.triggerValue())

	if !usable {
		b.WriteString("API returned zero equity - try again")
		return b.String()
	}

	writeAccountLine(&b, "A", obsA)
	writeAccountLine(&b, "B", obsB)

	if prog, ok := c.bus.Unwind(); ok && prog.InProgress {
		fmt.Fprintf(&b, "🚨 紧急平仓进行中: 第 %d 轮 (A %s / B %s)\n",
			prog.Iteration, prog.PctA, prog.PctB)
	}

	if c.cfg.Unwind.Enabled && !c.cfg.Unwind.DryRun {
		fmt.Fprintf(&b, "平仓阈值: 触发 %s%% / 恢复 %s%%\n",
			c.cfg.Unwind.TriggerPct, c.cfg.Unwind.RecoveryPct)
	}

	return strings.TrimRight(b.String(), "\n")
}

// triggerValue prefers what the running control loop published over the
// static config, as long as the record is fresh.
func (c *Composer) triggerValue() string {
	rs, found, err := c.store.LoadRuntime()
	if err == nil && found && rs.Running {
		age := c.now().Sub(time.Unix(0, int64(rs.TS*float64(time.Second))))
		if age < runtimeStaleAfter && rs.TriggerValue != "" {
			return rs.TriggerValue
		}
	}
	return c.cfg.TriggerValue.String()
}

func writeAccountLine(b *strings.Builder, label string, obs types.Observation) {
	fmt.Fprintf(b, "账户%s: 权益 %s | 保证金占用 %s | 可用 %s%%\n",
		label,
		obs.TotalEquity.StringFixed(2),
		unwind.FormatMarginPct(obs),
		obs.AvailPct().StringFixed(1))
}
