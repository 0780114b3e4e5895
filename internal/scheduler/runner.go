// Package scheduler drives the trading loop: one cycle every period, at
// most one cycle in flight, state resumed from the database across
// restarts.
package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/perparena/perparena/internal/agent"
	"github.com/perparena/perparena/internal/config"
	"github.com/perparena/perparena/internal/hyperliquid"
	"github.com/perparena/perparena/internal/metrics"
	"github.com/perparena/perparena/internal/risk"
	"github.com/perparena/perparena/pkg/types"
)

// VenueAccount is the account-state slice of the exchange client.
type VenueAccount interface {
	AccountState(ctx context.Context) (hyperliquid.Account, []types.Position, error)
}

// Orchestrator runs the agent fan-out for one cycle.
type Orchestrator interface {
	Run(ctx context.Context, agents []types.AgentConfig, in agent.PromptInput) []types.AgentDecision
}

// Collector assembles the per-cycle market snapshot.
type Collector interface {
	Collect(ctx context.Context, cycleID int64) (*types.MarketSnapshot, error)
}

// IntentExecutor places orders for approved intents.
type IntentExecutor interface {
	Execute(ctx context.Context, decision *types.AgentDecision, approved []types.TradeIntent, positions []types.Position, account types.AccountState, snapshot *types.MarketSnapshot) ([]types.Order, error)
}

// Repository is the slice of the store the runner uses.
type Repository interface {
	ListActiveAgents(ctx context.Context) ([]types.AgentConfig, error)
	SaveDecisions(ctx context.Context, decisions []types.AgentDecision) error
	UpdateDecisionRejections(ctx context.Context, d *types.AgentDecision) error
	SaveTrade(ctx context.Context, cycleID int64, agentID string, orderID uuid.UUID, coin string, side types.OrderSide, size, price float64, executedAt time.Time) error
	FinishCycle(ctx context.Context, snapshot *types.AccountSnapshot, status types.CycleStatus, cycleErr error) error
	AccountPerformance(ctx context.Context) (totalReturnPct, sharpe float64, err error)
	RealizedPnLTotal(ctx context.Context, equity, unrealizedPnL float64) (float64, error)
	UpdateAgentPerformance(ctx context.Context, agentID string, sharpe, totalReturnPct float64) error
}

// CycleRunner executes one full trading cycle: collect, decide, gate,
// execute, persist.
type CycleRunner struct {
	collector    Collector
	venue        VenueAccount
	orchestrator Orchestrator
	gate         *risk.Gate
	executor     IntentExecutor
	repo         Repository
	serviceStart time.Time
	logger       zerolog.Logger
}

// NewCycleRunner wires a runner from its phases.
func NewCycleRunner(collector Collector, venue VenueAccount, orchestrator Orchestrator, gate *risk.Gate, exec IntentExecutor, repo Repository, serviceStart time.Time) *CycleRunner {
	return &CycleRunner{
		collector:    collector,
		venue:        venue,
		orchestrator: orchestrator,
		gate:         gate,
		executor:     exec,
		repo:         repo,
		serviceStart: serviceStart,
		logger:       config.NewLogger("cycle"),
	}
}

// Run executes cycle cycleID. The returned status is always recorded via
// FinishCycle before Run returns; the error is the cause when the status
// is not OK.
func (r *CycleRunner) Run(ctx context.Context, cycleID int64) (types.CycleStatus, error) {
	started := time.Now()
	status, snapshot, err := r.run(ctx, cycleID)

	if finishErr := r.repo.FinishCycle(ctx, snapshot, status, err); finishErr != nil {
		r.logger.Error().Err(finishErr).Int64("cycle_id", cycleID).Msg("Cycle finish write failed")
		if status == types.CycleOK {
			status = types.CycleFailed
			err = finishErr
		}
	}

	metrics.CyclesTotal.WithLabelValues(string(status)).Inc()
	metrics.CycleDuration.Observe(time.Since(started).Seconds())

	evt := r.logger.Info()
	if status != types.CycleOK {
		evt = r.logger.Warn().Err(err)
	}
	evt.Int64("cycle_id", cycleID).
		Str("status", string(status)).
		Dur("elapsed", time.Since(started)).
		Msg("Cycle finished")

	return status, err
}

func (r *CycleRunner) run(ctx context.Context, cycleID int64) (types.CycleStatus, *types.AccountSnapshot, error) {
	// Phase 1: market data. Without a full snapshot there is nothing to
	// decide on.
	snapshot, err := r.collector.Collect(ctx, cycleID)
	if err != nil {
		if errors.Is(err, types.ErrDataUnavailable) {
			return types.CycleDataUnavailable, nil, err
		}
		return types.CycleFailed, nil, err
	}

	// Phase 2: account truth from the venue.
	venueAccount, positions, err := r.venue.AccountState(ctx)
	if err != nil {
		if errors.Is(err, types.ErrExchangeAuth) || errors.Is(err, types.ErrExchangeDown) {
			return types.CycleExchangeDown, nil, err
		}
		return types.CycleFailed, nil, err
	}

	totalReturnPct, sharpe, err := r.repo.AccountPerformance(ctx)
	if err != nil {
		return types.CycleFailed, nil, err
	}
	realized, err := r.repo.RealizedPnLTotal(ctx, venueAccount.Equity, venueAccount.UnrealizedPnL)
	if err != nil {
		return types.CycleFailed, nil, err
	}
	account := types.AccountState{
		Equity:           venueAccount.Equity,
		FreeCash:         venueAccount.FreeCash,
		UnrealizedPnL:    venueAccount.UnrealizedPnL,
		GrossExposure:    venueAccount.GrossExposure,
		RealizedPnLTotal: realized,
		TotalReturnPct:   totalReturnPct,
		SharpeRatio:      sharpe,
	}
	metrics.AccountEquity.Set(account.Equity)

	accountSnapshot := &types.AccountSnapshot{
		CycleID:          cycleID,
		Equity:           account.Equity,
		FreeCash:         account.FreeCash,
		UnrealizedPnL:    account.UnrealizedPnL,
		GrossExposure:    account.GrossExposure,
		RealizedPnLTotal: realized,
		CapturedAt:       time.Now(),
	}

	// Phase 3: agents. Read fresh each cycle so operator edits land
	// without a restart.
	agents, err := r.repo.ListActiveAgents(ctx)
	if err != nil {
		return types.CycleFailed, accountSnapshot, err
	}
	if len(agents) == 0 {
		r.logger.Info().Int64("cycle_id", cycleID).Msg("No active agents")
		return types.CycleOK, accountSnapshot, nil
	}

	in := agent.PromptInput{
		Snapshot:       snapshot,
		Account:        account,
		Positions:      positions,
		RuntimeMinutes: int(time.Since(r.serviceStart).Minutes()),
		CallCount:      cycleID,
		Now:            time.Now(),
	}
	decisions := r.orchestrator.Run(ctx, agents, in)

	// Decisions are persisted before any order goes out so a crash mid
	// execution leaves an auditable record and no phantom orders.
	if err := r.repo.SaveDecisions(ctx, decisions); err != nil {
		return types.CycleFailed, accountSnapshot, err
	}
	for _, d := range decisions {
		metrics.DecisionsTotal.WithLabelValues(d.AgentID, string(d.ParseStatus)).Inc()
	}

	profiles := make(map[string]types.RiskProfile, len(agents))
	for _, a := range agents {
		profiles[a.AgentID] = a.RiskProfile
	}

	// Phases 4-5: gate and execute, strictly sequential over decisions.
	// One shared risk state carries each approval's exposure into the
	// checks of every later decision.
	riskState := risk.NewCycleState(account, positions)
	for i := range decisions {
		d := &decisions[i]
		if len(d.Actions) == 0 {
			continue
		}

		approved, rejected := r.gate.Evaluate(d, risk.Input{
			Profile:  profiles[d.AgentID],
			Snapshot: snapshot,
		}, riskState)
		for _, rej := range rejected {
			metrics.IntentRejections.WithLabelValues(string(rej.Reason)).Inc()
		}
		if len(rejected) > 0 {
			d.Rejections = rejected
			if err := r.repo.UpdateDecisionRejections(ctx, d); err != nil {
				return types.CycleFailed, accountSnapshot, err
			}
		}
		if len(approved) == 0 {
			continue
		}

		orders, execErr := r.executor.Execute(ctx, d, approved, positions, account, snapshot)
		r.recordOrders(ctx, d, orders)
		if execErr != nil {
			if errors.Is(execErr, types.ErrExchangeDown) || errors.Is(execErr, types.ErrExchangeAuth) {
				return types.CycleExchangeDown, accountSnapshot, execErr
			}
			return types.CycleFailed, accountSnapshot, execErr
		}
	}

	return types.CycleOK, accountSnapshot, nil
}

func (r *CycleRunner) recordOrders(ctx context.Context, d *types.AgentDecision, orders []types.Order) {
	tradedAgents := false
	for _, o := range orders {
		metrics.OrdersTotal.WithLabelValues(string(o.Status)).Inc()
		if o.Status != types.OrderFilled || o.LimitPrice == nil {
			continue
		}
		tradedAgents = true
		if err := r.repo.SaveTrade(ctx, d.CycleID, d.AgentID, o.OrderID, o.Coin, o.Side, o.FilledSize, *o.LimitPrice, o.SubmittedAt); err != nil {
			r.logger.Error().Err(err).Str("order_id", o.OrderID.String()).Msg("Trade record failed")
		}
	}
	if tradedAgents {
		totalReturnPct, sharpe, err := r.repo.AccountPerformance(ctx)
		if err == nil {
			if err := r.repo.UpdateAgentPerformance(ctx, d.AgentID, sharpe, totalReturnPct); err != nil {
				r.logger.Error().Err(err).Str("agent_id", d.AgentID).Msg("Performance update failed")
			}
		}
	}
}
