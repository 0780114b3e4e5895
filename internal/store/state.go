package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/perparena/perparena/pkg/types"
)

// LoadBotState reads the singleton process state. On first boot the row
// does not exist and (nil, nil) is returned.
func (s *Store) LoadBotState(ctx context.Context) (*types.BotState, error) {
	var st types.BotState
	var status *string
	err := s.db.QueryRow(ctx, `
		SELECT service_start_time, cycle_count, last_cycle_at, last_cycle_status, last_error
		FROM bot_state WHERE id`).
		Scan(&st.ServiceStartTime, &st.CycleCount, &st.LastCycleAt, &status, &st.LastError)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load bot state: %w", err)
	}
	if status != nil {
		st.LastCycleStatus = types.CycleStatus(*status)
	}
	return &st, nil
}

// InitBotState creates or refreshes the singleton row at startup. A
// restart adopts the persisted cycle_count while the new start time
// overwrites the old one.
func (s *Store) InitBotState(ctx context.Context, startTime time.Time) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO bot_state (id, service_start_time, cycle_count)
		VALUES (TRUE, $1, 0)
		ON CONFLICT (id) DO UPDATE SET service_start_time = EXCLUDED.service_start_time`, startTime)
	if err != nil {
		return fmt.Errorf("%w: init bot state: %w", types.ErrPersistence, err)
	}
	return nil
}

// FinishCycle records the cycle end in one transaction: the account
// snapshot (when the cycle got far enough to capture one) and the bot
// state update. cycle_count only ever increments.
func (s *Store) FinishCycle(ctx context.Context, snapshot *types.AccountSnapshot, status types.CycleStatus, cycleErr error) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("%w: begin cycle finish: %w", types.ErrPersistence, err)
	}
	defer tx.Rollback(ctx)

	if snapshot != nil {
		_, err = tx.Exec(ctx, `
			INSERT INTO account_snapshots (cycle_id, equity, free_cash, unrealized_pnl, gross_exposure, realized_pnl_total, captured_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (cycle_id) DO NOTHING`,
			snapshot.CycleID, snapshot.Equity, snapshot.FreeCash, snapshot.UnrealizedPnL,
			snapshot.GrossExposure, snapshot.RealizedPnLTotal, snapshot.CapturedAt)
		if err != nil {
			return fmt.Errorf("%w: insert account snapshot %d: %w", types.ErrPersistence, snapshot.CycleID, err)
		}
	}

	var lastErr *string
	if cycleErr != nil {
		msg := cycleErr.Error()
		lastErr = &msg
	}
	_, err = tx.Exec(ctx, `
		UPDATE bot_state SET
			cycle_count       = cycle_count + 1,
			last_cycle_at     = NOW(),
			last_cycle_status = $1,
			last_error        = $2
		WHERE id`, status, lastErr)
	if err != nil {
		return fmt.Errorf("%w: update bot state: %w", types.ErrPersistence, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("%w: commit cycle finish: %w", types.ErrPersistence, err)
	}
	return nil
}

// RecentSnapshots returns up to limit account snapshots, newest first.
func (s *Store) RecentSnapshots(ctx context.Context, limit int) ([]types.AccountSnapshot, error) {
	rows, err := s.db.Query(ctx, `
		SELECT cycle_id, equity, free_cash, unrealized_pnl, gross_exposure, realized_pnl_total, captured_at
		FROM account_snapshots
		ORDER BY cycle_id DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("recent snapshots: %w", err)
	}
	defer rows.Close()

	var snapshots []types.AccountSnapshot
	for rows.Next() {
		var snap types.AccountSnapshot
		if err := rows.Scan(&snap.CycleID, &snap.Equity, &snap.FreeCash, &snap.UnrealizedPnL,
			&snap.GrossExposure, &snap.RealizedPnLTotal, &snap.CapturedAt); err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		snapshots = append(snapshots, snap)
	}
	return snapshots, rows.Err()
}
