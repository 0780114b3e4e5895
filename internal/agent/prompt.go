// Package agent runs the per-cycle agent fan-out: it renders each agent's
// prompts from the shared market snapshot, calls the agent's model with
// fallback, and parses the completions into decisions.
package agent

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/perparena/perparena/pkg/types"
)

// PromptInput is everything a prompt render needs. The same input renders
// identical prompts, which is what the fingerprint attests.
type PromptInput struct {
	Snapshot       *types.MarketSnapshot
	Account        types.AccountState
	Positions      []types.Position
	RuntimeMinutes int
	CallCount      int64
	Now            time.Time
}

// SystemPrompt renders the fixed instruction block for one agent. It holds
// the trading rules, the agent's risk limits and the output contract, and
// contains nothing cycle-dependent.
func SystemPrompt(agent types.AgentConfig) string {
	var sb strings.Builder

	sb.WriteString("You are an expert systematic cryptocurrency futures trader operating a perpetual futures account. Your primary objectives are:\n\n")
	sb.WriteString("1. **Maximize profit after accounting for fees** - Consider all trading costs including fees, slippage, and funding rates\n")
	sb.WriteString("2. **Avoid over-trading** - Be selective and disciplined in your trades\n")
	sb.WriteString("3. **Hunt for market advantages** - Identify and exploit alpha opportunities in the market\n\n")
	sb.WriteString("**Key Insight**: The system scans every 3 minutes, but this doesn't mean you need to trade every time!\n")
	sb.WriteString("Most of the time the right action is HOLD. Only open positions at excellent opportunities.\n")
	sb.WriteString("Quality over quantity - better to miss than make low-quality trades.\n\n")

	sb.WriteString("# Tradable Coins\n\n")
	sb.WriteString("You may only trade: " + strings.Join(types.Basket, ", ") + ". One position per coin at a time, no pyramiding.\n\n")

	sb.WriteString("# Hard Risk Limits\n\n")
	fmt.Fprintf(&sb, "- Maximum leverage: %dx\n", agent.RiskProfile.MaxLeverage)
	fmt.Fprintf(&sb, "- Maximum position size: %.0f%% of account equity per coin\n", agent.RiskProfile.MaxPositionFraction*100)
	fmt.Fprintf(&sb, "- Maximum gross exposure: %.0f%% of account equity across all positions\n", agent.RiskProfile.MaxGrossExposureFraction*100)
	if agent.RiskProfile.StopLossRequired {
		sb.WriteString("- Every position you open MUST include a stop_loss_price on the correct side of entry\n")
	}
	sb.WriteString("- Orders violating these limits are rejected before reaching the exchange\n\n")

	sb.WriteString("# Long/Short Balance\n\n")
	sb.WriteString("Shorting in downtrends = longing in uptrends in terms of profit. Don't carry a long bias; shorting is one of your core tools.\n\n")

	sb.WriteString("# Output Format\n\n")
	sb.WriteString("First write your analysis as free text (chain of thought). Then emit a JSON array of actions, one object per coin you act on. Emit an empty array if you do nothing this cycle.\n\n")
	sb.WriteString("```json\n[\n")
	sb.WriteString("  {\"coin\": \"BTC\", \"operation\": \"OPEN_SHORT\", \"size_fraction\": 0.10, \"leverage\": 5, \"stop_loss_price\": 97000, \"take_profit_price\": 91000, \"confidence\": 0.85},\n")
	sb.WriteString("  {\"coin\": \"ETH\", \"operation\": \"CLOSE\"}\n")
	sb.WriteString("]\n```\n\n")
	sb.WriteString("Allowed operations: OPEN_LONG, OPEN_SHORT, CLOSE, HOLD.\n")
	sb.WriteString("size_fraction is the fraction of account equity to commit (0 to 1). Required for OPEN_LONG and OPEN_SHORT, along with leverage and stop_loss_price.\n")
	sb.WriteString("confidence is your conviction from 0 to 1.\n")

	return sb.String()
}

// UserPrompt renders the cycle-dependent data block: runtime state, every
// coin's market data and the account view. Series are printed oldest to
// newest, which the prompt states explicitly.
func UserPrompt(in PromptInput) string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "It has been %d minutes since you started trading. The current time is %s and you've been invoked %d times. Below, we are providing you with a variety of state data, price data, and predictive signals so you can discover alpha. Below that is your current account information, value, performance, positions, etc.\n\n",
		in.RuntimeMinutes, in.Now.UTC().Format("2006-01-02 15:04:05 UTC"), in.CallCount)

	sb.WriteString("**ALL OF THE PRICE OR SIGNAL DATA BELOW IS ORDERED: OLDEST → NEWEST**\n\n")
	sb.WriteString("## CURRENT MARKET STATE FOR ALL COINS\n\n")

	for _, coin := range types.Basket {
		view, ok := in.Snapshot.Coins[coin]
		if !ok {
			continue
		}
		fmt.Fprintf(&sb, "### ALL %s DATA\n\n", coin)
		fmt.Fprintf(&sb, "current_price: %s, funding_rate: %s, open_interest: %s\n\n",
			num(view.MidPrice), num(view.FundingRate), num(view.OpenInterest))

		sb.WriteString("3-minute series:\n")
		fmt.Fprintf(&sb, "Mid prices: %s\n", floats(view.Series3m, func(p types.Point3m) float64 { return p.Close }))
		fmt.Fprintf(&sb, "EMA(20): %s\n", floats(view.Series3m, func(p types.Point3m) float64 { return p.EMA20 }))
		fmt.Fprintf(&sb, "MACD: %s\n", floats(view.Series3m, func(p types.Point3m) float64 { return p.MACD }))
		fmt.Fprintf(&sb, "RSI(7): %s\n", floats(view.Series3m, func(p types.Point3m) float64 { return p.RSI7 }))
		fmt.Fprintf(&sb, "RSI(14): %s\n\n", floats(view.Series3m, func(p types.Point3m) float64 { return p.RSI14 }))

		sb.WriteString("4-hour series:\n")
		fmt.Fprintf(&sb, "EMA(20): %s\n", floats(view.Series4h, func(p types.Point4h) float64 { return p.EMA20 }))
		fmt.Fprintf(&sb, "EMA(50): %s\n", floats(view.Series4h, func(p types.Point4h) float64 { return p.EMA50 }))
		fmt.Fprintf(&sb, "ATR(3): %s\n", floats(view.Series4h, func(p types.Point4h) float64 { return p.ATR3 }))
		fmt.Fprintf(&sb, "ATR(14): %s\n", floats(view.Series4h, func(p types.Point4h) float64 { return p.ATR14 }))
		fmt.Fprintf(&sb, "MACD: %s\n", floats(view.Series4h, func(p types.Point4h) float64 { return p.MACD }))
		fmt.Fprintf(&sb, "RSI(14): %s\n\n", floats(view.Series4h, func(p types.Point4h) float64 { return p.RSI14 }))
	}

	sb.WriteString("## HERE IS YOUR ACCOUNT INFORMATION & PERFORMANCE\n\n")
	fmt.Fprintf(&sb, "Current Total Return (percent): %.2f%%\n\n", in.Account.TotalReturnPct)
	fmt.Fprintf(&sb, "Available Cash: %.2f\n\n", in.Account.FreeCash)
	fmt.Fprintf(&sb, "Current Account Value: %.2f\n\n", in.Account.Equity)
	sb.WriteString("Current live positions & performance:\n\n")

	if len(in.Positions) == 0 {
		sb.WriteString("None\n\n")
	} else {
		for _, pos := range in.Positions {
			fmt.Fprintf(&sb, "{'symbol': '%s', 'side': '%s', 'quantity': %.4f, 'entry_price': %.2f, 'current_price': %.2f, 'liquidation_price': %.2f, 'unrealized_pnl': %.2f, 'leverage': %d, 'notional_usd': %.2f}\n\n",
				pos.Coin, pos.Side, pos.Size, pos.EntryPrice, pos.CurrentPrice, pos.LiquidationPrice, pos.UnrealizedPnL, pos.Leverage, pos.Notional())
		}
	}

	fmt.Fprintf(&sb, "Sharpe Ratio: %.3f\n", in.Account.SharpeRatio)

	return sb.String()
}

// Fingerprint returns the SHA-256 hex digest of the rendered prompts,
// persisted with every decision for auditability.
func Fingerprint(systemPrompt, userPrompt string) string {
	h := sha256.New()
	h.Write([]byte(systemPrompt))
	h.Write([]byte{0})
	h.Write([]byte(userPrompt))
	return hex.EncodeToString(h.Sum(nil))
}

func num(v float64) string {
	return strings.TrimRight(strings.TrimRight(fmt.Sprintf("%.6f", v), "0"), ".")
}

func floats[T any](series []T, pick func(T) float64) string {
	parts := make([]string, len(series))
	for i, row := range series {
		parts[i] = num(pick(row))
	}
	return "[" + strings.Join(parts, ", ") + "]"
}
