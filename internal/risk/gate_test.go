package risk

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perparena/perparena/pkg/types"
)

func defaultProfile() types.RiskProfile {
	return types.RiskProfile{
		MaxLeverage:              10,
		MaxPositionFraction:      0.20,
		MaxGrossExposureFraction: 0.80,
		StopLossRequired:         true,
	}
}

func gateInput() Input {
	return Input{
		Profile: defaultProfile(),
		Snapshot: &types.MarketSnapshot{
			CycleID: 1,
			Coins: map[string]types.CoinView{
				"BTC": {MidPrice: 60000},
				"ETH": {MidPrice: 3000},
			},
		},
	}
}

func gateState(positions ...types.Position) *CycleState {
	return NewCycleState(types.AccountState{
		Equity:   10000,
		FreeCash: 10000,
	}, positions)
}

func decisionWith(intents ...types.TradeIntent) *types.AgentDecision {
	return &types.AgentDecision{
		DecisionID: uuid.New(),
		CycleID:    1,
		AgentID:    "test-agent",
		Actions:    intents,
	}
}

func stop(v float64) *float64 { return &v }

func TestGateApprovesValidOpen(t *testing.T) {
	gate := NewGate(10)
	intent := types.TradeIntent{
		Coin:          "BTC",
		Operation:     types.OpOpenLong,
		SizeFraction:  0.1,
		Leverage:      5,
		StopLossPrice: stop(58000),
	}

	approved, rejected := gate.Evaluate(decisionWith(intent), gateInput(), gateState())
	require.Empty(t, rejected)
	require.Len(t, approved, 1)
}

func TestGateRejectsLeverage(t *testing.T) {
	gate := NewGate(10)
	intent := types.TradeIntent{
		Coin:          "BTC",
		Operation:     types.OpOpenLong,
		SizeFraction:  0.1,
		Leverage:      20,
		StopLossPrice: stop(58000),
	}

	approved, rejected := gate.Evaluate(decisionWith(intent), gateInput(), gateState())
	assert.Empty(t, approved)
	require.Len(t, rejected, 1)
	assert.Equal(t, types.ReasonMaxLeverage, rejected[0].Reason)
}

func TestGateGlobalLeverageCapsProfile(t *testing.T) {
	gate := NewGate(3)
	intent := types.TradeIntent{
		Coin:          "BTC",
		Operation:     types.OpOpenLong,
		SizeFraction:  0.1,
		Leverage:      5,
		StopLossPrice: stop(58000),
	}

	_, rejected := gate.Evaluate(decisionWith(intent), gateInput(), gateState())
	require.Len(t, rejected, 1)
	assert.Equal(t, types.ReasonMaxLeverage, rejected[0].Reason)
}

func TestGateRejectsPositionSize(t *testing.T) {
	gate := NewGate(10)
	intent := types.TradeIntent{
		Coin:          "BTC",
		Operation:     types.OpOpenLong,
		SizeFraction:  0.25, // over the 0.20 cap
		Leverage:      2,
		StopLossPrice: stop(58000),
	}

	_, rejected := gate.Evaluate(decisionWith(intent), gateInput(), gateState())
	require.Len(t, rejected, 1)
	assert.Equal(t, types.ReasonMaxPosition, rejected[0].Reason)
}

func TestGateGrossExposureAccumulates(t *testing.T) {
	gate := NewGate(10)
	// Five opens of 0.18 each are individually fine but jointly breach
	// the 0.80 gross cap at the fifth.
	var intents []types.TradeIntent
	for _, coin := range []string{"BTC", "ETH", "SOL", "BNB", "DOGE"} {
		intents = append(intents, types.TradeIntent{
			Coin:          coin,
			Operation:     types.OpOpenLong,
			SizeFraction:  0.18,
			Leverage:      2,
			StopLossPrice: stop(1),
		})
	}
	in := gateInput()
	in.Snapshot.Coins = map[string]types.CoinView{
		"BTC": {MidPrice: 60000}, "ETH": {MidPrice: 3000}, "SOL": {MidPrice: 150},
		"BNB": {MidPrice: 600}, "DOGE": {MidPrice: 0.1},
	}

	approved, rejected := gate.Evaluate(decisionWith(intents...), in, gateState())
	assert.Len(t, approved, 4)
	require.Len(t, rejected, 1)
	assert.Equal(t, types.ReasonMaxGrossExposure, rejected[0].Reason)
}

func TestGateGrossExposureSharedAcrossAgents(t *testing.T) {
	// Two agents each commit half the account; the gross cap binds across
	// both decisions, not per decision.
	gate := NewGate(10)
	in := gateInput()
	in.Profile.MaxPositionFraction = 0.5
	state := gateState()

	first := decisionWith(types.TradeIntent{
		Coin: "BTC", Operation: types.OpOpenLong,
		SizeFraction: 0.5, Leverage: 5, StopLossPrice: stop(58000),
	})
	approved, rejected := gate.Evaluate(first, in, state)
	require.Len(t, approved, 1)
	require.Empty(t, rejected)

	second := decisionWith(types.TradeIntent{
		Coin: "ETH", Operation: types.OpOpenLong,
		SizeFraction: 0.5, Leverage: 5, StopLossPrice: stop(2900),
	})
	second.AgentID = "other-agent"
	approved, rejected = gate.Evaluate(second, in, state)
	assert.Empty(t, approved)
	require.Len(t, rejected, 1)
	assert.Equal(t, types.ReasonMaxGrossExposure, rejected[0].Reason)
}

func TestGateFreeCashDrawsDownAcrossApprovals(t *testing.T) {
	// Each open needs 1000 margin; free cash of 1500 covers only one.
	gate := NewGate(10)
	in := gateInput()
	state := NewCycleState(types.AccountState{Equity: 10000, FreeCash: 1500}, nil)

	first := decisionWith(types.TradeIntent{
		Coin: "BTC", Operation: types.OpOpenLong,
		SizeFraction: 0.2, Leverage: 2, StopLossPrice: stop(58000),
	})
	approved, rejected := gate.Evaluate(first, in, state)
	require.Len(t, approved, 1)
	require.Empty(t, rejected)

	second := decisionWith(types.TradeIntent{
		Coin: "ETH", Operation: types.OpOpenLong,
		SizeFraction: 0.2, Leverage: 2, StopLossPrice: stop(2900),
	})
	second.AgentID = "other-agent"
	approved, rejected = gate.Evaluate(second, in, state)
	assert.Empty(t, approved)
	require.Len(t, rejected, 1)
	assert.Equal(t, types.ReasonInsufficientMargin, rejected[0].Reason)
}

func TestGateApprovedCloseVisibleToLaterAgents(t *testing.T) {
	gate := NewGate(10)
	in := gateInput()
	state := gateState(types.Position{Coin: "ETH", Side: types.PositionLong, Size: 1, CurrentPrice: 3000})

	closeIntent := types.TradeIntent{Coin: "ETH", Operation: types.OpClose}
	approved, rejected := gate.Evaluate(decisionWith(closeIntent), in, state)
	require.Len(t, approved, 1)
	require.Empty(t, rejected)

	// A second agent closing the same coin finds it already flattened.
	second := decisionWith(closeIntent)
	second.AgentID = "other-agent"
	approved, rejected = gate.Evaluate(second, in, state)
	assert.Empty(t, approved)
	require.Len(t, rejected, 1)
	assert.Equal(t, types.ReasonNoPosition, rejected[0].Reason)
}

func TestGateRejectsInsufficientMargin(t *testing.T) {
	gate := NewGate(10)
	// margin for 0.1 x 10000 / 5 = 200
	state := NewCycleState(types.AccountState{Equity: 10000, FreeCash: 100}, nil)

	intent := types.TradeIntent{
		Coin:          "BTC",
		Operation:     types.OpOpenLong,
		SizeFraction:  0.1,
		Leverage:      5,
		StopLossPrice: stop(58000),
	}

	_, rejected := gate.Evaluate(decisionWith(intent), gateInput(), state)
	require.Len(t, rejected, 1)
	assert.Equal(t, types.ReasonInsufficientMargin, rejected[0].Reason)
}

func TestGateStopLossRules(t *testing.T) {
	gate := NewGate(10)

	tests := []struct {
		name   string
		intent types.TradeIntent
		reason types.ReasonCode
	}{
		{
			"missing stop",
			types.TradeIntent{Coin: "BTC", Operation: types.OpOpenLong, SizeFraction: 0.1, Leverage: 2},
			types.ReasonStopLossMissing,
		},
		{
			"long stop above mid",
			types.TradeIntent{Coin: "BTC", Operation: types.OpOpenLong, SizeFraction: 0.1, Leverage: 2, StopLossPrice: stop(61000)},
			types.ReasonStopLossSide,
		},
		{
			"short stop below mid",
			types.TradeIntent{Coin: "BTC", Operation: types.OpOpenShort, SizeFraction: 0.1, Leverage: 2, StopLossPrice: stop(59000)},
			types.ReasonStopLossSide,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, rejected := gate.Evaluate(decisionWith(tt.intent), gateInput(), gateState())
			require.Len(t, rejected, 1)
			assert.Equal(t, tt.reason, rejected[0].Reason)
		})
	}
}

func TestGateStopLossOptionalWhenProfileAllows(t *testing.T) {
	gate := NewGate(10)
	in := gateInput()
	in.Profile.StopLossRequired = false

	intent := types.TradeIntent{Coin: "BTC", Operation: types.OpOpenLong, SizeFraction: 0.1, Leverage: 2}
	approved, rejected := gate.Evaluate(decisionWith(intent), in, gateState())
	assert.Empty(t, rejected)
	assert.Len(t, approved, 1)
}

func TestGateCloseRequiresPosition(t *testing.T) {
	gate := NewGate(10)

	intent := types.TradeIntent{Coin: "ETH", Operation: types.OpClose}
	_, rejected := gate.Evaluate(decisionWith(intent), gateInput(), gateState())
	require.Len(t, rejected, 1)
	assert.Equal(t, types.ReasonNoPosition, rejected[0].Reason)

	held := gateState(types.Position{Coin: "ETH", Side: types.PositionLong, Size: 1, CurrentPrice: 3000})
	approved, rejected := gate.Evaluate(decisionWith(intent), gateInput(), held)
	assert.Empty(t, rejected)
	assert.Len(t, approved, 1)
}

func TestGateHoldAlwaysPasses(t *testing.T) {
	gate := NewGate(10)
	approved, rejected := gate.Evaluate(decisionWith(types.TradeIntent{Operation: types.OpHold}), gateInput(), gateState())
	assert.Empty(t, rejected)
	assert.Len(t, approved, 1)
}

func TestGateUnknownCoin(t *testing.T) {
	gate := NewGate(10)
	intent := types.TradeIntent{Coin: "PEPE", Operation: types.OpOpenLong, SizeFraction: 0.1, Leverage: 2, StopLossPrice: stop(1)}
	_, rejected := gate.Evaluate(decisionWith(intent), gateInput(), gateState())
	require.Len(t, rejected, 1)
	assert.Equal(t, types.ReasonUnknownCoin, rejected[0].Reason)
}
