package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/perparena/perparena/pkg/types"
)

// SyncAgents upserts the YAML-defined agents into the database. The
// database row wins at read time; sync is how the operator pushes edits.
func (s *Store) SyncAgents(ctx context.Context, agents []types.AgentConfig) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin agent sync: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, a := range agents {
		profile, err := json.Marshal(a.RiskProfile)
		if err != nil {
			return fmt.Errorf("marshal risk profile for %s: %w", a.AgentID, err)
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO trading_agents (agent_id, display_name, is_active, primary_model, fallback_model, risk_profile, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, NOW())
			ON CONFLICT (agent_id) DO UPDATE SET
				display_name   = EXCLUDED.display_name,
				is_active      = EXCLUDED.is_active,
				primary_model  = EXCLUDED.primary_model,
				fallback_model = EXCLUDED.fallback_model,
				risk_profile   = EXCLUDED.risk_profile,
				updated_at     = NOW()`,
			a.AgentID, a.DisplayName, a.IsActive, a.PrimaryModel, nullable(a.FallbackModel), profile)
		if err != nil {
			return fmt.Errorf("upsert agent %s: %w", a.AgentID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit agent sync: %w", err)
	}
	s.logger.Info().Int("agents", len(agents)).Msg("Agents synced")
	return nil
}

// ListActiveAgents loads the active agents, ordered by agent id. Read
// fresh each cycle so operator edits take effect without a restart.
func (s *Store) ListActiveAgents(ctx context.Context) ([]types.AgentConfig, error) {
	rows, err := s.db.Query(ctx, `
		SELECT agent_id, display_name, is_active, primary_model, COALESCE(fallback_model, ''), risk_profile
		FROM trading_agents
		WHERE is_active
		ORDER BY agent_id`)
	if err != nil {
		return nil, fmt.Errorf("list active agents: %w", err)
	}
	defer rows.Close()

	var agents []types.AgentConfig
	for rows.Next() {
		var a types.AgentConfig
		var profile []byte
		if err := rows.Scan(&a.AgentID, &a.DisplayName, &a.IsActive, &a.PrimaryModel, &a.FallbackModel, &profile); err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		if err := json.Unmarshal(profile, &a.RiskProfile); err != nil {
			return nil, fmt.Errorf("decode risk profile for %s: %w", a.AgentID, err)
		}
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
