package bot

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/lumaoDoggie/grvt-transfer/internal/config"
	"github.com/lumaoDoggie/grvt-transfer/internal/snapshot"
	"github.com/lumaoDoggie/grvt-transfer/internal/store"
	"github.com/lumaoDoggie/grvt-transfer/pkg/types"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type fakeReader struct {
	obs types.Observation
}

func (f *fakeReader) SubAccountSummary(context.Context) (types.Observation, error) {
	return f.obs, nil
}

func healthyReader() *fakeReader {
	return &fakeReader{obs: types.Observation{
		TotalEquity: dec("10000"),
		MaintMargin: dec("1500"),
		Available:   dec("6000"),
	}}
}

func statusConfig() *config.Config {
	return &config.Config{
		TriggerValue: dec("2000"),
		Unwind: config.UnwindConfig{
			Enabled:     true,
			TriggerPct:  dec("60"),
			RecoveryPct: dec("40"),
		},
	}
}

func newComposer(t *testing.T, cfg *config.Config, a, b AccountReader) (*Composer, *snapshot.Bus, *store.Store) {
	t.Helper()
	st, err := store.New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	bus := snapshot.NewBus()
	return NewComposer(cfg, a, b, bus, st), bus, st
}

func TestComposeHealthy(t *testing.T) {
	t.Parallel()

	c, bus, _ := newComposer(t, statusConfig(), healthyReader(), healthyReader())
	bus.MarkCheck()

	text := c.Compose(context.Background())
	for _, want := range []string{
		"上次检查时间:",
		"触发阈值: 2000 USDT",
		"账户A: 权益 10000.00",
		"保证金占用 15.0%",
		"可用 60.0%",
		"平仓阈值: 触发 60% / 恢复 40%",
	} {
		if !strings.Contains(text, want) {
			t.Errorf("status missing %q:\n%s", want, text)
		}
	}
}

func TestComposeBeforeFirstCheck(t *testing.T) {
	t.Parallel()

	c, _, _ := newComposer(t, statusConfig(), healthyReader(), healthyReader())
	text := c.Compose(context.Background())
	if !strings.Contains(text, "上次检查时间: 暂无") {
		t.Errorf("missing placeholder:\n%s", text)
	}
}

func TestComposeZeroEquityFallback(t *testing.T) {
	t.Parallel()

	zero := &fakeReader{}
	c, _, _ := newComposer(t, statusConfig(), zero, healthyReader())

	text := c.Compose(context.Background())
	if !strings.Contains(text, "API returned zero equity - try again") {
		t.Errorf("missing fallback:\n%s", text)
	}
	if strings.Contains(text, "账户A: 权益") {
		t.Errorf("must not render zero balances:\n%s", text)
	}
}

func TestComposeShowsUnwindProgress(t *testing.T) {
	t.Parallel()

	c, bus, _ := newComposer(t, statusConfig(), healthyReader(), healthyReader())
	bus.SetUnwind(types.UnwindProgress{
		InProgress: true, Iteration: 2, PctA: "68.0%", PctB: "31.0%",
	})

	text := c.Compose(context.Background())
	if !strings.Contains(text, "紧急平仓进行中: 第 2 轮") {
		t.Errorf("missing unwind progress:\n%s", text)
	}
}

func TestComposeHidesUnwindThresholdsWhenDryRun(t *testing.T) {
	t.Parallel()

	cfg := statusConfig()
	cfg.Unwind.DryRun = true
	c, _, _ := newComposer(t, cfg, healthyReader(), healthyReader())

	text := c.Compose(context.Background())
	if strings.Contains(text, "平仓阈值") {
		t.Errorf("dry-run config must hide unwind thresholds:\n%s", text)
	}
}

func TestComposePrefersRuntimeTrigger(t *testing.T) {
	t.Parallel()

	c, _, st := newComposer(t, statusConfig(), healthyReader(), healthyReader())
	if err := st.SaveRuntime(types.RuntimeSettings{
		Running:      true,
		TriggerValue: "3500",
		TS:           float64(time.Now().UnixNano()) / float64(time.Second),
	}); err != nil {
		t.Fatal(err)
	}

	text := c.Compose(context.Background())
	if !strings.Contains(text, "触发阈值: 3500 USDT") {
		t.Errorf("runtime trigger not preferred:\n%s", text)
	}
}

func TestComposeIgnoresStaleRuntime(t *testing.T) {
	t.Parallel()

	c, _, st := newComposer(t, statusConfig(), healthyReader(), healthyReader())
	stale := time.Now().Add(-7 * time.Hour)
	if err := st.SaveRuntime(types.RuntimeSettings{
		Running:      true,
		TriggerValue: "3500",
		TS:           float64(stale.UnixNano()) / float64(time.Second),
	}); err != nil {
		t.Fatal(err)
	}

	text := c.Compose(context.Background())
	if !strings.Contains(text, "触发阈值: 2000 USDT") {
		t.Errorf("stale runtime not ignored:\n%s", text)
	}
}
