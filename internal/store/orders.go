package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/perparena/perparena/pkg/types"
)

// SaveOrder upserts one order record. The executor calls this at every
// status transition; order_id keys the upsert so a retried write updates
// in place.
func (s *Store) SaveOrder(ctx context.Context, o *types.Order) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO orders (order_id, decision_id, coin, side, intended_size, filled_size, limit_price, trigger_price, reduce_only, leverage, exchange_order_id, idempotency_key, status, submitted_at, finalized_at, error_code, error_message)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		ON CONFLICT (order_id) DO UPDATE SET
			filled_size       = EXCLUDED.filled_size,
			exchange_order_id = EXCLUDED.exchange_order_id,
			status            = EXCLUDED.status,
			finalized_at      = EXCLUDED.finalized_at,
			error_code        = EXCLUDED.error_code,
			error_message     = EXCLUDED.error_message`,
		o.OrderID, o.DecisionID, o.Coin, o.Side, o.IntendedSize, o.FilledSize,
		o.LimitPrice, o.TriggerPrice, o.ReduceOnly, o.Leverage, o.ExchangeOrderID,
		o.IdempotencyKey, o.Status, o.SubmittedAt, o.FinalizedAt, o.ErrorCode, o.ErrorMessage)
	if err != nil {
		return fmt.Errorf("%w: save order %s: %w", types.ErrPersistence, o.OrderID, err)
	}
	return nil
}

// SaveTrade records one filled order as a trade for the owning agent.
// The order_id uniqueness key keeps retries from double-counting.
func (s *Store) SaveTrade(ctx context.Context, cycleID int64, agentID string, orderID uuid.UUID, coin string, side types.OrderSide, size, price float64, executedAt time.Time) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO agent_trades (cycle_id, agent_id, order_id, coin, side, size, price, executed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (order_id) DO NOTHING`,
		cycleID, agentID, orderID, coin, side, size, price, executedAt)
	if err != nil {
		return fmt.Errorf("%w: save trade for order %s: %w", types.ErrPersistence, orderID, err)
	}
	return nil
}
