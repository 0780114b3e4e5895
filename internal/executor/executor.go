// Package executor turns approved trade intents into venue orders. It
// reconciles leverage, diffs intents against live positions, places
// aggressive IOC orders with idempotent client ids, attaches reduce-only
// stop and take-profit triggers, and verifies the venue afterwards.
package executor

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/perparena/perparena/internal/config"
	"github.com/perparena/perparena/internal/hyperliquid"
	"github.com/perparena/perparena/internal/metrics"
	"github.com/perparena/perparena/internal/risk"
	"github.com/perparena/perparena/pkg/types"
)

const (
	submitRetries = 2
	retryBackoff  = time.Second
)

// driftTolerance is the relative size mismatch tolerated before a
// reconciliation discrepancy is logged.
const driftTolerance = 0.02

// Venue is the slice of the exchange client the executor needs.
type Venue interface {
	UpdateLeverage(ctx context.Context, coin string, leverage int) error
	PlaceOrder(ctx context.Context, req hyperliquid.PlaceOrderRequest) (hyperliquid.OrderResult, error)
	AccountState(ctx context.Context) (hyperliquid.Account, []types.Position, error)
	Slippage() float64
}

// OrderSink persists order records at every status transition.
type OrderSink interface {
	SaveOrder(ctx context.Context, order *types.Order) error
}

// Executor places orders for approved intents.
type Executor struct {
	venue    Venue
	sink     OrderSink
	breakers *risk.BreakerManager
	logger   zerolog.Logger
}

// NewExecutor builds an executor. Venue calls run through the exchange
// circuit breaker.
func NewExecutor(venue Venue, sink OrderSink, breakers *risk.BreakerManager) *Executor {
	return &Executor{
		venue:    venue,
		sink:     sink,
		breakers: breakers,
		logger:   config.NewLogger("executor"),
	}
}

// Execute places orders for a decision's approved intents. Per-intent
// failures are recorded and execution continues; an auth failure or a dead
// endpoint aborts the remainder and surfaces as ErrExchangeDown so the
// cycle ends with status EXCHANGE_DOWN.
func (e *Executor) Execute(ctx context.Context, decision *types.AgentDecision, approved []types.TradeIntent, positions []types.Position, account types.AccountState, snapshot *types.MarketSnapshot) ([]types.Order, error) {
	positionsByCoin := make(map[string]types.Position, len(positions))
	for _, p := range positions {
		positionsByCoin[p.Coin] = p
	}

	run := &executionRun{
		executor:  e,
		decision:  decision,
		account:   account,
		snapshot:  snapshot,
		positions: positionsByCoin,
	}

	for _, intent := range approved {
		if intent.Operation == types.OpHold {
			continue
		}
		if err := run.executeIntent(ctx, intent); err != nil {
			if isCatastrophic(err) {
				e.logger.Error().
					Err(err).
					Str("agent_id", decision.AgentID).
					Int64("cycle_id", decision.CycleID).
					Msg("Exchange unavailable, aborting remaining intents")
				return run.orders, fmt.Errorf("%w: %w", types.ErrExchangeDown, err)
			}
			e.logger.Error().
				Err(err).
				Str("agent_id", decision.AgentID).
				Str("coin", intent.Coin).
				Str("operation", string(intent.Operation)).
				Msg("Intent execution failed")
		}
	}

	run.reconcile(ctx)
	return run.orders, nil
}

// executionRun carries the per-decision order sequence so idempotency keys
// stay unique across all orders of one decision.
type executionRun struct {
	executor  *Executor
	decision  *types.AgentDecision
	account   types.AccountState
	snapshot  *types.MarketSnapshot
	positions map[string]types.Position
	orders    []types.Order
	sequence  int
	expected  map[string]expectedChange
}

type expectedChange struct {
	side types.PositionSide
	size float64
}

func (r *executionRun) executeIntent(ctx context.Context, intent types.TradeIntent) error {
	view, ok := r.snapshot.Coins[intent.Coin]
	if !ok {
		return fmt.Errorf("no market view for %s", intent.Coin)
	}
	mid := view.MidPrice
	if mid <= 0 {
		return fmt.Errorf("invalid mid price for %s", intent.Coin)
	}

	existing, held := r.positions[intent.Coin]

	if intent.Operation == types.OpClose {
		if !held {
			return fmt.Errorf("no position to close in %s", intent.Coin)
		}
		result, err := r.submit(ctx, orderSpec{
			coin:       intent.Coin,
			side:       closeSide(existing.Side),
			size:       existing.Size,
			mid:        mid,
			reduceOnly: true,
			leverage:   existing.Leverage,
		})
		if err != nil {
			return err
		}
		if result.Filled {
			r.noteExpected(intent.Coin, types.PositionFlat, 0)
		}
		return nil
	}

	// OPEN_LONG / OPEN_SHORT.
	if err := r.reconcileLeverage(ctx, intent, existing, held); err != nil {
		return fmt.Errorf("leverage reconciliation %s: %w", intent.Coin, err)
	}

	desiredSide := types.PositionLong
	if intent.Operation == types.OpOpenShort {
		desiredSide = types.PositionShort
	}
	desiredSize := intent.SizeFraction * r.account.Equity / mid

	if held && existing.Side != desiredSide {
		// Flip: flatten the old side and wait for the fill before the
		// opening order goes out.
		result, err := r.submit(ctx, orderSpec{
			coin:       intent.Coin,
			side:       closeSide(existing.Side),
			size:       existing.Size,
			mid:        mid,
			reduceOnly: true,
			leverage:   existing.Leverage,
		})
		if err != nil {
			return fmt.Errorf("close before flip %s: %w", intent.Coin, err)
		}
		if !result.Filled {
			return fmt.Errorf("close before flip %s did not fill", intent.Coin)
		}
		held = false
	}

	size := desiredSize
	if held {
		// Same side: only the delta is submitted, shrinking is left to
		// an explicit CLOSE.
		size = desiredSize - existing.Size
		if size <= 0 {
			r.executor.logger.Debug().
				Str("coin", intent.Coin).
				Float64("desired", desiredSize).
				Float64("existing", existing.Size).
				Msg("Position already at or above desired size")
			return nil
		}
	}

	entry, err := r.submit(ctx, orderSpec{
		coin:     intent.Coin,
		side:     sideFor(desiredSide),
		size:     size,
		mid:      mid,
		leverage: intent.Leverage,
	})
	if err != nil {
		return err
	}
	if !entry.Filled {
		return fmt.Errorf("entry order %s did not fill", intent.Coin)
	}
	r.noteExpected(intent.Coin, desiredSide, desiredSize)

	// Triggers only after the entry is confirmed filled.
	if intent.StopLossPrice != nil {
		if _, err := r.submit(ctx, orderSpec{
			coin:       intent.Coin,
			side:       closeSide(desiredSide),
			size:       entry.FilledSize,
			mid:        mid,
			reduceOnly: true,
			leverage:   intent.Leverage,
			trigger:    &hyperliquid.Trigger{Price: *intent.StopLossPrice, TpSl: "sl"},
		}); err != nil {
			return fmt.Errorf("stop loss %s: %w", intent.Coin, err)
		}
	}
	if intent.TakeProfitPrice != nil {
		if _, err := r.submit(ctx, orderSpec{
			coin:       intent.Coin,
			side:       closeSide(desiredSide),
			size:       entry.FilledSize,
			mid:        mid,
			reduceOnly: true,
			leverage:   intent.Leverage,
			trigger:    &hyperliquid.Trigger{Price: *intent.TakeProfitPrice, TpSl: "tp"},
		}); err != nil {
			return fmt.Errorf("take profit %s: %w", intent.Coin, err)
		}
	}

	return nil
}

func (r *executionRun) reconcileLeverage(ctx context.Context, intent types.TradeIntent, existing types.Position, held bool) error {
	if held && existing.Leverage == intent.Leverage {
		return nil
	}
	_, err := r.executor.breakers.Execute(risk.ServiceExchange, func() (interface{}, error) {
		return nil, r.executor.venue.UpdateLeverage(ctx, intent.Coin, intent.Leverage)
	})
	return err
}

type orderSpec struct {
	coin       string
	side       types.OrderSide
	size       float64
	mid        float64
	reduceOnly bool
	leverage   int
	trigger    *hyperliquid.Trigger
}

// submit places one order, persisting its record at every transition and
// retrying transient failures with the same idempotency key so the venue
// deduplicates instead of double-placing.
func (r *executionRun) submit(ctx context.Context, spec orderSpec) (hyperliquid.OrderResult, error) {
	seq := r.sequence
	r.sequence++

	isBuy := spec.side == types.SideBuy
	price := hyperliquid.AggressivePrice(spec.mid, r.executor.venue.Slippage(), isBuy)
	clientID := types.IdempotencyKey(r.decision.DecisionID, spec.coin, seq)

	order := types.Order{
		OrderID:        uuid.New(),
		DecisionID:     r.decision.DecisionID,
		Coin:           spec.coin,
		Side:           spec.side,
		IntendedSize:   spec.size,
		ReduceOnly:     spec.reduceOnly,
		Leverage:       spec.leverage,
		IdempotencyKey: clientID,
		Status:         types.OrderSubmitted,
		SubmittedAt:    time.Now(),
	}
	if spec.trigger != nil {
		order.TriggerPrice = &spec.trigger.Price
	} else {
		order.LimitPrice = &price
	}
	r.saveOrder(ctx, &order)

	req := hyperliquid.PlaceOrderRequest{
		Coin:       spec.coin,
		IsBuy:      isBuy,
		Size:       spec.size,
		LimitPrice: price,
		ReduceOnly: spec.reduceOnly,
		ClientID:   clientID.String(),
		Trigger:    spec.trigger,
	}

	var result hyperliquid.OrderResult
	var err error
	for attempt := 0; attempt <= submitRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				err = ctx.Err()
			case <-time.After(retryBackoff * time.Duration(attempt)):
			}
			if err != nil {
				break
			}
		}

		var raw interface{}
		raw, err = r.executor.breakers.Execute(risk.ServiceExchange, func() (interface{}, error) {
			return r.executor.venue.PlaceOrder(ctx, req)
		})
		if err == nil {
			result = raw.(hyperliquid.OrderResult)
			break
		}
		if !errors.Is(err, types.ErrExchangeTransient) {
			break
		}
		r.executor.logger.Warn().
			Err(err).
			Str("coin", spec.coin).
			Str("client_id", req.ClientID).
			Int("attempt", attempt+1).
			Msg("Order submission failed, retrying with same client id")
	}

	if err != nil {
		status := types.OrderFailed
		if errors.Is(err, types.ErrOrderRejected) {
			status = types.OrderRejected
		}
		r.finalizeOrder(ctx, &order, status, err)
		return hyperliquid.OrderResult{}, fmt.Errorf("submit %s %s: %w", spec.side, spec.coin, err)
	}

	order.Status = types.OrderAccepted
	order.ExchangeOrderID = &result.ExchangeOrderID
	r.saveOrder(ctx, &order)

	switch {
	case result.Filled:
		order.FilledSize = result.FilledSize
		r.finalizeOrder(ctx, &order, types.OrderFilled, nil)
	case spec.trigger == nil && !result.Resting:
		// IOC that neither filled nor rested was cancelled by the venue.
		r.finalizeOrder(ctx, &order, types.OrderCancelled, nil)
	}

	r.executor.logger.Info().
		Str("coin", spec.coin).
		Str("side", string(spec.side)).
		Float64("size", spec.size).
		Bool("reduce_only", spec.reduceOnly).
		Bool("filled", result.Filled).
		Str("status", string(order.Status)).
		Msg("Order placed")

	r.orders = append(r.orders, order)
	return result, nil
}

func (r *executionRun) saveOrder(ctx context.Context, order *types.Order) {
	if err := r.executor.sink.SaveOrder(ctx, order); err != nil {
		r.executor.logger.Error().
			Err(err).
			Str("order_id", order.OrderID.String()).
			Str("status", string(order.Status)).
			Msg("Order persistence failed")
	}
}

func (r *executionRun) finalizeOrder(ctx context.Context, order *types.Order, status types.OrderStatus, cause error) {
	now := time.Now()
	order.Status = status
	order.FinalizedAt = &now
	if cause != nil {
		msg := cause.Error()
		code := errorCode(cause)
		order.ErrorCode = &code
		order.ErrorMessage = &msg
	}
	r.saveOrder(ctx, order)
	if status == types.OrderFailed || status == types.OrderRejected {
		r.orders = append(r.orders, *order)
	}
}

func (r *executionRun) noteExpected(coin string, side types.PositionSide, size float64) {
	if r.expected == nil {
		r.expected = make(map[string]expectedChange)
	}
	r.expected[coin] = expectedChange{side: side, size: size}
}

// reconcile re-fetches venue positions and compares them with what the
// accepted orders should have produced. Discrepancies are logged as
// EXECUTION_DRIFT and never block the next cycle.
func (r *executionRun) reconcile(ctx context.Context) {
	if len(r.expected) == 0 {
		return
	}

	raw, err := r.executor.breakers.Execute(risk.ServiceExchange, func() (interface{}, error) {
		_, positions, err := r.executor.venue.AccountState(ctx)
		return positions, err
	})
	if err != nil {
		r.executor.logger.Warn().Err(err).Msg("Post-execution position fetch failed, skipping reconciliation")
		return
	}
	live := make(map[string]types.Position)
	for _, p := range raw.([]types.Position) {
		live[p.Coin] = p
	}

	for coin, want := range r.expected {
		got, held := live[coin]
		switch {
		case want.side == types.PositionFlat:
			if held {
				r.drift(coin, "expected flat, position still open")
			}
		case !held:
			r.drift(coin, fmt.Sprintf("expected %s position, venue reports flat", want.side))
		case got.Side != want.side:
			r.drift(coin, fmt.Sprintf("expected %s, venue reports %s", want.side, got.Side))
		case want.size > 0 && math.Abs(got.Size-want.size)/want.size > driftTolerance:
			r.drift(coin, fmt.Sprintf("expected size %.6f, venue reports %.6f", want.size, got.Size))
		}
	}
}

func (r *executionRun) drift(coin, detail string) {
	metrics.ExecutionDrift.Inc()
	r.executor.logger.Warn().
		Str("event", "EXECUTION_DRIFT").
		Str("coin", coin).
		Int64("cycle_id", r.decision.CycleID).
		Str("agent_id", r.decision.AgentID).
		Str("detail", detail).
		Msg("Position reconciliation mismatch")
}

func closeSide(side types.PositionSide) types.OrderSide {
	if side == types.PositionLong {
		return types.SideSell
	}
	return types.SideBuy
}

func sideFor(side types.PositionSide) types.OrderSide {
	if side == types.PositionLong {
		return types.SideBuy
	}
	return types.SideSell
}

// An open exchange breaker counts as the venue being down.
func isCatastrophic(err error) bool {
	return errors.Is(err, types.ErrExchangeAuth) ||
		errors.Is(err, types.ErrExchangeDown) ||
		errors.Is(err, gobreaker.ErrOpenState)
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, types.ErrExchangeAuth):
		return "AUTH"
	case errors.Is(err, types.ErrExchangeDown):
		return "EXCHANGE_DOWN"
	case errors.Is(err, types.ErrExchangeTransient):
		return "TRANSIENT"
	case errors.Is(err, types.ErrOrderRejected):
		return "REJECTED"
	default:
		return "ERROR"
	}
}
