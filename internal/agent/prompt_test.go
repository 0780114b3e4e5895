package agent

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perparena/perparena/pkg/types"
)

func testSnapshot(cycleID int64) *types.MarketSnapshot {
	coins := make(map[string]types.CoinView, len(types.Basket))
	for i, coin := range types.Basket {
		base := 100.0 * float64(i+1)
		rows3m := make([]types.Point3m, types.SeriesLen)
		rows4h := make([]types.Point4h, types.SeriesLen)
		for j := range rows3m {
			rows3m[j] = types.Point3m{
				Close: base + float64(j),
				EMA20: base + float64(j)*0.5,
				MACD:  0.1 * float64(j),
				RSI7:  50 + float64(j),
				RSI14: 45 + float64(j),
			}
			rows4h[j] = types.Point4h{
				EMA20: base, EMA50: base * 0.98,
				ATR3: 1.5, ATR14: 2.5,
				MACD: -0.2, RSI14: 55,
			}
		}
		coins[coin] = types.CoinView{
			MidPrice:     base,
			OpenInterest: 1_000_000,
			FundingRate:  0.0000125,
			Series3m:     rows3m,
			Series4h:     rows4h,
		}
	}
	return &types.MarketSnapshot{
		CycleID:    cycleID,
		CapturedAt: time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC),
		Coins:      coins,
	}
}

func testPromptInput() PromptInput {
	return PromptInput{
		Snapshot: testSnapshot(42),
		Account: types.AccountState{
			Equity:         10_000,
			FreeCash:       8_000,
			TotalReturnPct: 3.25,
			SharpeRatio:    1.412,
		},
		RuntimeMinutes: 126,
		CallCount:      42,
		Now:            time.Date(2026, 2, 1, 12, 3, 0, 0, time.UTC),
	}
}

func TestUserPromptHeader(t *testing.T) {
	p := UserPrompt(testPromptInput())

	assert.True(t, strings.HasPrefix(p,
		"It has been 126 minutes since you started trading. The current time is 2026-02-01 12:03:00 UTC and you've been invoked 42 times."),
		"got prefix %q", p[:120])
	assert.Contains(t, p, "**ALL OF THE PRICE OR SIGNAL DATA BELOW IS ORDERED: OLDEST → NEWEST**")
}

func TestUserPromptCoinBlocks(t *testing.T) {
	p := UserPrompt(testPromptInput())

	for _, coin := range types.Basket {
		assert.Contains(t, p, "### ALL "+coin+" DATA")
	}

	// Basket order is preserved in the rendered prompt.
	last := -1
	for _, coin := range types.Basket {
		idx := strings.Index(p, "### ALL "+coin+" DATA")
		require.Greater(t, idx, last, "%s out of order", coin)
		last = idx
	}

	assert.Contains(t, p, "3-minute series:")
	assert.Contains(t, p, "4-hour series:")
	assert.Contains(t, p, "RSI(7):")
	assert.Contains(t, p, "ATR(14):")
}

func TestUserPromptAccountSection(t *testing.T) {
	in := testPromptInput()

	p := UserPrompt(in)
	assert.Contains(t, p, "Current Total Return (percent): 3.25%")
	assert.Contains(t, p, "Current Account Value: 10000.00")
	assert.Contains(t, p, "None\n")
	assert.True(t, strings.HasSuffix(p, "Sharpe Ratio: 1.412\n"))

	in.Positions = []types.Position{{
		Coin: "BTC", Side: types.PositionLong, Size: 0.5,
		EntryPrice: 60_000, CurrentPrice: 61_000,
		UnrealizedPnL: 500, Leverage: 5, LiquidationPrice: 49_000,
	}}
	p = UserPrompt(in)
	assert.NotContains(t, p, "None\n")
	assert.Contains(t, p, "'symbol': 'BTC'")
	assert.Contains(t, p, "'side': 'LONG'")
	assert.Contains(t, p, "'notional_usd': 30500.00")
}

func TestSystemPromptCarriesRiskLimits(t *testing.T) {
	cfg := types.AgentConfig{
		AgentID: "alpha",
		RiskProfile: types.RiskProfile{
			MaxLeverage:              5,
			MaxPositionFraction:      0.20,
			MaxGrossExposureFraction: 0.80,
			StopLossRequired:         true,
		},
	}

	p := SystemPrompt(cfg)
	assert.Contains(t, p, "Maximum leverage: 5x")
	assert.Contains(t, p, "Maximum position size: 20% of account equity")
	assert.Contains(t, p, "Maximum gross exposure: 80% of account equity")
	assert.Contains(t, p, "MUST include a stop_loss_price")
	assert.Contains(t, p, "OPEN_LONG, OPEN_SHORT, CLOSE, HOLD")
	assert.Contains(t, p, strings.Join(types.Basket, ", "))

	cfg.RiskProfile.StopLossRequired = false
	assert.NotContains(t, SystemPrompt(cfg), "MUST include a stop_loss_price")
}

func TestFingerprintStableAndSensitive(t *testing.T) {
	in := testPromptInput()
	cfg := types.AgentConfig{AgentID: "alpha", RiskProfile: types.RiskProfile{MaxLeverage: 5}}

	sys := SystemPrompt(cfg)
	user := UserPrompt(in)

	fp1 := Fingerprint(sys, user)
	fp2 := Fingerprint(sys, user)
	assert.Equal(t, fp1, fp2, "same prompts, same fingerprint")
	assert.Len(t, fp1, 64)

	in.CallCount = 43
	assert.NotEqual(t, fp1, Fingerprint(sys, UserPrompt(in)))

	// Moving a byte across the prompt boundary changes the digest.
	assert.NotEqual(t, Fingerprint("ab", "c"), Fingerprint("a", "bc"))
}

func TestNumTrimsTrailingZeros(t *testing.T) {
	assert.Equal(t, "60123.5", num(60123.5))
	assert.Equal(t, "100", num(100))
	assert.Equal(t, "0.125", num(0.125))
	assert.Equal(t, "0", num(0))
}
