// Package risk guards the account: every intent passes the gate before it
// can reach the exchange, and outbound service calls run through circuit
// breakers so a failing dependency degrades instead of cascading.
package risk

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/perparena/perparena/internal/config"
	"github.com/perparena/perparena/pkg/types"
)

// Gate checks trade intents against account-wide limits. Rules are
// evaluated per intent; the first violated rule rejects that intent and
// never the whole decision.
type Gate struct {
	globalMaxLeverage int
	logger            zerolog.Logger
}

// NewGate builds a gate with the process-wide leverage ceiling.
func NewGate(globalMaxLeverage int) *Gate {
	return &Gate{
		globalMaxLeverage: globalMaxLeverage,
		logger:            config.NewLogger("risk"),
	}
}

// Input is the per-agent context an evaluation runs under.
type Input struct {
	Profile  types.RiskProfile
	Snapshot *types.MarketSnapshot
}

// CycleState is the account view shared by every evaluation of one cycle.
// Approved intents are folded in as they pass, so agents evaluated later
// in the cycle see the exposure, margin draw and position changes earlier
// agents already committed.
type CycleState struct {
	equity    float64
	freeCash  float64
	gross     float64
	positions map[string]types.Position
}

// NewCycleState seeds the shared state from the start-of-cycle account
// and the venue's live positions.
func NewCycleState(account types.AccountState, positions []types.Position) *CycleState {
	byCoin := make(map[string]types.Position, len(positions))
	for _, p := range positions {
		byCoin[p.Coin] = p
	}
	return &CycleState{
		equity:    account.Equity,
		freeCash:  account.FreeCash,
		gross:     account.GrossExposure,
		positions: byCoin,
	}
}

// Evaluate splits a decision's intents into approved and rejected. Every
// approval mutates state, so one CycleState must be threaded through all
// decisions of a cycle.
func (g *Gate) Evaluate(decision *types.AgentDecision, in Input, state *CycleState) (approved []types.TradeIntent, rejected []types.IntentRejection) {
	for _, intent := range decision.Actions {
		if rej, ok := g.check(intent, in, state); !ok {
			g.logger.Warn().
				Str("agent_id", decision.AgentID).
				Int64("cycle_id", decision.CycleID).
				Str("coin", intent.Coin).
				Str("operation", string(intent.Operation)).
				Str("reason", string(rej.Reason)).
				Str("detail", rej.Detail).
				Msg("Intent rejected")
			rejected = append(rejected, rej)
			continue
		}

		state.apply(intent)
		approved = append(approved, intent)
	}
	return approved, rejected
}

func (g *Gate) check(intent types.TradeIntent, in Input, state *CycleState) (types.IntentRejection, bool) {
	reject := func(reason types.ReasonCode, detail string) (types.IntentRejection, bool) {
		return types.IntentRejection{Intent: intent, Reason: reason, Detail: detail}, false
	}

	if intent.Operation == types.OpHold {
		return types.IntentRejection{}, true
	}

	if !types.IsBasketCoin(intent.Coin) {
		return reject(types.ReasonUnknownCoin, fmt.Sprintf("%q is not a tradable coin", intent.Coin))
	}

	if intent.Operation == types.OpClose {
		if _, held := state.positions[intent.Coin]; !held {
			return reject(types.ReasonNoPosition, fmt.Sprintf("no open position in %s", intent.Coin))
		}
		return types.IntentRejection{}, true
	}

	// OPEN_LONG / OPEN_SHORT from here on.
	maxLeverage := in.Profile.MaxLeverage
	if g.globalMaxLeverage < maxLeverage {
		maxLeverage = g.globalMaxLeverage
	}
	if intent.Leverage > maxLeverage {
		return reject(types.ReasonMaxLeverage, fmt.Sprintf("%dx exceeds limit %dx", intent.Leverage, maxLeverage))
	}

	notional := intent.SizeFraction * state.equity
	maxNotional := in.Profile.MaxPositionFraction * state.equity
	if existing, held := state.positions[intent.Coin]; held && sameSide(existing.Side, intent.Operation) {
		notional += existing.Notional()
	}
	if notional > maxNotional {
		return reject(types.ReasonMaxPosition,
			fmt.Sprintf("notional %.2f exceeds %.2f (%.0f%% of equity)", notional, maxNotional, in.Profile.MaxPositionFraction*100))
	}

	if after := state.gross + intent.SizeFraction*state.equity; after > in.Profile.MaxGrossExposureFraction*state.equity {
		return reject(types.ReasonMaxGrossExposure,
			fmt.Sprintf("gross exposure %.2f would exceed %.0f%% of equity", after, in.Profile.MaxGrossExposureFraction*100))
	}

	if intent.Leverage > 0 {
		margin := intent.SizeFraction * state.equity / float64(intent.Leverage)
		if margin > state.freeCash {
			return reject(types.ReasonInsufficientMargin,
				fmt.Sprintf("required margin %.2f exceeds free cash %.2f", margin, state.freeCash))
		}
	}

	if in.Profile.StopLossRequired {
		if intent.StopLossPrice == nil {
			return reject(types.ReasonStopLossMissing, "stop_loss_price is required")
		}
		mid := in.Snapshot.Coins[intent.Coin].MidPrice
		sl := *intent.StopLossPrice
		if intent.Operation == types.OpOpenLong && sl >= mid {
			return reject(types.ReasonStopLossSide, fmt.Sprintf("stop %.2f must be below mid %.2f for a long", sl, mid))
		}
		if intent.Operation == types.OpOpenShort && sl <= mid {
			return reject(types.ReasonStopLossSide, fmt.Sprintf("stop %.2f must be above mid %.2f for a short", sl, mid))
		}
	}

	return types.IntentRejection{}, true
}

// apply folds one approved intent into the running account view.
func (s *CycleState) apply(intent types.TradeIntent) {
	switch {
	case intent.Operation == types.OpClose:
		if existing, held := s.positions[intent.Coin]; held {
			s.gross -= existing.Notional()
			delete(s.positions, intent.Coin)
		}
	case intent.Operation.IsOpen():
		notional := intent.SizeFraction * s.equity
		side := types.PositionLong
		if intent.Operation == types.OpOpenShort {
			side = types.PositionShort
		}
		added := notional
		if existing, held := s.positions[intent.Coin]; held {
			if existing.Side == side {
				// The executor only submits the delta up to the target
				// size and never shrinks a same-side position.
				added = notional - existing.Notional()
				if added <= 0 {
					return
				}
			} else {
				// A flip flattens the old side first.
				s.gross -= existing.Notional()
			}
		}
		s.gross += added
		if intent.Leverage > 0 {
			s.freeCash -= added / float64(intent.Leverage)
		}
		s.positions[intent.Coin] = types.Position{
			Coin:         intent.Coin,
			Side:         side,
			Size:         notional,
			CurrentPrice: 1,
			Leverage:     intent.Leverage,
		}
	}
}

func sameSide(side types.PositionSide, op types.Operation) bool {
	return (side == types.PositionLong && op == types.OpOpenLong) ||
		(side == types.PositionShort && op == types.OpOpenShort)
}
