package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/perparena/perparena/pkg/types"
)

// SaveDecisions writes a cycle's decisions in one transaction, before any
// order is placed. The (cycle_id, agent_id) uniqueness key makes a
// retried write a no-op instead of a duplicate.
func (s *Store) SaveDecisions(ctx context.Context, decisions []types.AgentDecision) error {
	if len(decisions) == 0 {
		return nil
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("%w: begin decision write: %w", types.ErrPersistence, err)
	}
	defer tx.Rollback(ctx)

	for _, d := range decisions {
		actions, err := json.Marshal(d.Actions)
		if err != nil {
			return fmt.Errorf("marshal actions for %s: %w", d.AgentID, err)
		}
		rejections, err := json.Marshal(d.Rejections)
		if err != nil {
			return fmt.Errorf("marshal rejections for %s: %w", d.AgentID, err)
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO agent_decisions (decision_id, cycle_id, agent_id, created_at, model_used, prompt_fingerprint, raw_response, chain_of_thought, actions, parse_status, rejections)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
			ON CONFLICT (cycle_id, agent_id) DO NOTHING`,
			d.DecisionID, d.CycleID, d.AgentID, d.CreatedAt, d.ModelUsed, d.PromptFingerprint,
			d.RawResponse, d.ChainOfThought, actions, d.ParseStatus, rejections)
		if err != nil {
			return fmt.Errorf("%w: insert decision %s/%d: %w", types.ErrPersistence, d.AgentID, d.CycleID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("%w: commit decisions: %w", types.ErrPersistence, err)
	}
	return nil
}

// UpdateDecisionRejections re-writes a decision's rejection list after the
// risk gate has run.
func (s *Store) UpdateDecisionRejections(ctx context.Context, d *types.AgentDecision) error {
	rejections, err := json.Marshal(d.Rejections)
	if err != nil {
		return fmt.Errorf("marshal rejections: %w", err)
	}
	_, err = s.db.Exec(ctx, `
		UPDATE agent_decisions SET rejections = $1 WHERE decision_id = $2`,
		rejections, d.DecisionID)
	if err != nil {
		return fmt.Errorf("%w: update rejections %s: %w", types.ErrPersistence, d.DecisionID, err)
	}
	return nil
}

// DecisionCount returns how many decisions are recorded for a cycle.
func (s *Store) DecisionCount(ctx context.Context, cycleID int64) (int, error) {
	var n int
	err := s.db.QueryRow(ctx, `SELECT COUNT(*) FROM agent_decisions WHERE cycle_id = $1`, cycleID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count decisions: %w", err)
	}
	return n, nil
}
