package alert

import (
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/lumaoDoggie/grvt-transfer/pkg/types"
)

// Operator-facing message bodies. These are Chinese by convention of the
// operator chat; log lines stay English.

func formatRebalance(ev types.RebalanceEvent, count int) string {
	var b strings.Builder
	b.WriteString("🔁 再平衡已触发\n")
	fmt.Fprintf(&b, "时间: %s\n", ev.EventTimeSH)
	fmt.Fprintf(&b, "转账金额: %s USDT (第 %d 次)\n", ev.TransferUSDT, count)
	fmt.Fprintf(&b, "账户A 权益: %s  可用: %s%%\n", ev.Eq1, ev.AvailPct1)
	fmt.Fprintf(&b, "账户B 权益: %s  可用: %s%%", ev.Eq2, ev.AvailPct2)
	return b.String()
}

func formatRebalanceFailed(ev types.RebalanceEvent) string {
	return fmt.Sprintf("❌ 再平衡失败\n时间: %s\n转账金额: %s USDT\n请检查日志",
		ev.EventTimeSH, ev.TransferUSDT)
}

func formatAvailability(label types.AccountLabel, availPct, threshold string) string {
	return fmt.Sprintf("⚠️ 可用余额不足\n账户%s 可用比例 %s%% 低于阈值 %s%%",
		label, availPct, threshold)
}

func formatUnwindTriggered(pctA, pctB, triggerPct string, dryRun bool) string {
	msg := fmt.Sprintf("🚨 触发紧急平仓\n账户A 保证金占用: %s\n账户B 保证金占用: %s\n触发阈值: %s%%",
		pctA, pctB, triggerPct)
	if dryRun {
		msg = "[DRY RUN] " + msg
	}
	return msg
}

func formatUnwindOrderFailed(res types.UnwindOrderResult) string {
	return fmt.Sprintf("❌ 紧急平仓失败\n账户%s %s\n数量: %s\n错误: %s",
		res.Account, displayToken(res.Instrument), res.Size, res.Error)
}

// formatUnwindCompleted rolls successful orders up per token and appends
// the final margin state.
func formatUnwindCompleted(sum types.UnwindSummary) string {
	var b strings.Builder
	b.WriteString("✅ 紧急平仓完成\n")
	fmt.Fprintf(&b, "共 %d 轮, 成功 %d, 失败 %d\n", sum.Orders, sum.Successful, sum.Failed)

	type rollup struct {
		size     decimal.Decimal
		notional decimal.Decimal
	}
	perToken := make(map[string]*rollup)
	for _, res := range sum.Results {
		if !res.Success {
			continue
		}
		token := displayToken(res.Instrument)
		r, ok := perToken[token]
		if !ok {
			r = &rollup{}
			perToken[token] = r
		}
		if sz, err := decimal.NewFromString(res.Size); err == nil {
			r.size = r.size.Add(sz)
		}
		if nt, err := decimal.NewFromString(res.Notional); err == nil {
			r.notional = r.notional.Add(nt)
		}
	}
	tokens := make([]string, 0, len(perToken))
	for token := range perToken {
		tokens = append(tokens, token)
	}
	sort.Strings(tokens)
	for _, token := range tokens {
		r := perToken[token]
		fmt.Fprintf(&b, "%s: 已平 %s (约 %s USDT)\n", token, r.size, r.notional.Round(2))
	}

	fmt.Fprintf(&b, "账户A 保证金占用: %s\n账户B 保证金占用: %s", sum.FinalPct1, sum.FinalPct2)
	if sum.DryRun {
		return "[DRY RUN] " + b.String()
	}
	return b.String()
}

func formatHedgeMismatch(unmatched []types.UnmatchedPosition) string {
	var b strings.Builder
	b.WriteString("⚠️ 检测到对冲不匹配\n")
	for _, um := range unmatched {
		side := "A"
		if um.HasB {
			side = "B"
		}
		fmt.Fprintf(&b, "%s 仅存在于账户%s\n", um.Instrument, side)
	}
	b.WriteString("未匹配仓位不会被平仓")
	return b.String()
}

func formatMarginRecovered(pctA, pctB string) string {
	return fmt.Sprintf("✅ 保证金已恢复\n账户A: %s\n账户B: %s", pctA, pctB)
}

func formatWarning(source, msg string) string {
	return fmt.Sprintf("⚠️ 警告 [%s]\n%s", source, msg)
}

// displayToken strips the perp suffix for the chat view:
// BTC_USDT_Perp -> BTC.
func displayToken(instrument string) string {
	return strings.TrimSuffix(instrument, "_USDT_Perp")
}
