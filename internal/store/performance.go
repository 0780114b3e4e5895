package store

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/jackc/pgx/v5"

	"github.com/perparena/perparena/pkg/types"
)

// sharpeWindow is how many account snapshots feed the Sharpe estimate.
const sharpeWindow = 480 // one day of 3-minute cycles

// AccountPerformance derives return and Sharpe figures from the snapshot
// history. The result feeds both the prompt and the status command.
func (s *Store) AccountPerformance(ctx context.Context) (totalReturnPct, sharpe float64, err error) {
	snapshots, err := s.RecentSnapshots(ctx, sharpeWindow)
	if err != nil {
		return 0, 0, err
	}
	if len(snapshots) < 2 {
		return 0, 0, nil
	}

	// RecentSnapshots is newest first; walk backwards for a
	// chronological equity series.
	equities := make([]float64, 0, len(snapshots))
	for i := len(snapshots) - 1; i >= 0; i-- {
		equities = append(equities, snapshots[i].Equity)
	}

	first, last := equities[0], equities[len(equities)-1]
	if first > 0 {
		totalReturnPct = (last - first) / first * 100
	}

	returns := make([]float64, 0, len(equities)-1)
	for i := 1; i < len(equities); i++ {
		if equities[i-1] > 0 {
			returns = append(returns, (equities[i]-equities[i-1])/equities[i-1])
		}
	}
	return totalReturnPct, sharpeRatio(returns), nil
}

// RealizedPnLTotal derives cumulative realized PnL as the change in cash
// balance (equity less unrealized PnL) since the first recorded snapshot.
// Before any snapshot exists there is nothing realized yet.
func (s *Store) RealizedPnLTotal(ctx context.Context, equity, unrealizedPnL float64) (float64, error) {
	var baseline float64
	err := s.db.QueryRow(ctx, `
		SELECT equity - unrealized_pnl
		FROM account_snapshots
		ORDER BY cycle_id ASC
		LIMIT 1`).Scan(&baseline)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("realized pnl baseline: %w", err)
	}
	return (equity - unrealizedPnL) - baseline, nil
}

// UpdateAgentPerformance refreshes one agent's aggregate row after a
// cycle that produced trades.
func (s *Store) UpdateAgentPerformance(ctx context.Context, agentID string, sharpe, totalReturnPct float64) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO agent_performance (agent_id, trades_total, sharpe_ratio, total_return_pct, updated_at)
		VALUES ($1, (SELECT COUNT(*) FROM agent_trades WHERE agent_id = $1), $2, $3, NOW())
		ON CONFLICT (agent_id) DO UPDATE SET
			trades_total     = (SELECT COUNT(*) FROM agent_trades WHERE agent_id = $1),
			sharpe_ratio     = EXCLUDED.sharpe_ratio,
			total_return_pct = EXCLUDED.total_return_pct,
			updated_at       = NOW()`,
		agentID, sharpe, totalReturnPct)
	if err != nil {
		return fmt.Errorf("%w: update performance for %s: %w", types.ErrPersistence, agentID, err)
	}
	return nil
}

// sharpeRatio is mean over standard deviation of per-cycle returns,
// annualization left to the reader of the number.
func sharpeRatio(returns []float64) float64 {
	if len(returns) < 2 {
		return 0
	}
	var sum float64
	for _, r := range returns {
		sum += r
	}
	mean := sum / float64(len(returns))

	var variance float64
	for _, r := range returns {
		variance += (r - mean) * (r - mean)
	}
	variance /= float64(len(returns) - 1)

	std := math.Sqrt(variance)
	if std == 0 {
		return 0
	}
	return mean / std
}
