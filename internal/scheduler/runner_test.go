package scheduler

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perparena/perparena/internal/agent"
	"github.com/perparena/perparena/internal/hyperliquid"
	"github.com/perparena/perparena/internal/risk"
	"github.com/perparena/perparena/pkg/types"
)

type stubCollector struct {
	snapshot *types.MarketSnapshot
	err      error
}

func (s *stubCollector) Collect(_ context.Context, cycleID int64) (*types.MarketSnapshot, error) {
	if s.err != nil {
		return nil, s.err
	}
	snap := *s.snapshot
	snap.CycleID = cycleID
	return &snap, nil
}

type stubVenueAccount struct {
	account   hyperliquid.Account
	positions []types.Position
	err       error
}

func (s *stubVenueAccount) AccountState(_ context.Context) (hyperliquid.Account, []types.Position, error) {
	return s.account, s.positions, s.err
}

type stubOrchestrator struct {
	decisions []types.AgentDecision
	lastInput agent.PromptInput
	ran       bool
}

func (s *stubOrchestrator) Run(_ context.Context, _ []types.AgentConfig, in agent.PromptInput) []types.AgentDecision {
	s.ran = true
	s.lastInput = in
	return s.decisions
}

type stubIntentExecutor struct {
	orders   []types.Order
	err      error
	approved [][]types.TradeIntent
}

func (s *stubIntentExecutor) Execute(_ context.Context, _ *types.AgentDecision, approved []types.TradeIntent, _ []types.Position, _ types.AccountState, _ *types.MarketSnapshot) ([]types.Order, error) {
	s.approved = append(s.approved, approved)
	return s.orders, s.err
}

// stubRepo records the order of repository writes so tests can assert the
// persist-before-execute contract.
type stubRepo struct {
	agents         []types.AgentConfig
	agentsErr      error
	saveErr        error
	writes         []string
	savedDecisions []types.AgentDecision
	rejections     []*types.AgentDecision
	trades         int
	finishStatus   types.CycleStatus
	finishSnapshot *types.AccountSnapshot
	finishErr      error
}

func (s *stubRepo) ListActiveAgents(context.Context) ([]types.AgentConfig, error) {
	return s.agents, s.agentsErr
}

func (s *stubRepo) SaveDecisions(_ context.Context, decisions []types.AgentDecision) error {
	s.writes = append(s.writes, "decisions")
	s.savedDecisions = decisions
	return s.saveErr
}

func (s *stubRepo) UpdateDecisionRejections(_ context.Context, d *types.AgentDecision) error {
	s.writes = append(s.writes, "rejections")
	s.rejections = append(s.rejections, d)
	return nil
}

func (s *stubRepo) SaveTrade(_ context.Context, _ int64, _ string, _ uuid.UUID, _ string, _ types.OrderSide, _, _ float64, _ time.Time) error {
	s.writes = append(s.writes, "trade")
	s.trades++
	return nil
}

func (s *stubRepo) FinishCycle(_ context.Context, snapshot *types.AccountSnapshot, status types.CycleStatus, _ error) error {
	s.writes = append(s.writes, "finish")
	s.finishStatus = status
	s.finishSnapshot = snapshot
	return s.finishErr
}

func (s *stubRepo) AccountPerformance(context.Context) (float64, float64, error) {
	return 2.5, 1.1, nil
}

func (s *stubRepo) RealizedPnLTotal(context.Context, float64, float64) (float64, error) {
	return 340, nil
}

func (s *stubRepo) UpdateAgentPerformance(context.Context, string, float64, float64) error {
	s.writes = append(s.writes, "performance")
	return nil
}

func runnerSnapshot() *types.MarketSnapshot {
	coins := make(map[string]types.CoinView, len(types.Basket))
	for i, coin := range types.Basket {
		coins[coin] = types.CoinView{MidPrice: 100 * float64(i+1)}
	}
	return &types.MarketSnapshot{Coins: coins}
}

func runnerAgent(id string) types.AgentConfig {
	return types.AgentConfig{
		AgentID:  id,
		IsActive: true,
		RiskProfile: types.RiskProfile{
			MaxLeverage:              10,
			MaxPositionFraction:      0.25,
			MaxGrossExposureFraction: 1.0,
		},
	}
}

func newTestRunner(collector *stubCollector, venue *stubVenueAccount, orch *stubOrchestrator, exec *stubIntentExecutor, repo *stubRepo) *CycleRunner {
	return NewCycleRunner(collector, venue, orch, risk.NewGate(20), exec, repo, time.Now().Add(-time.Hour))
}

func TestRunHappyPath(t *testing.T) {
	decision := types.AgentDecision{
		DecisionID:  uuid.New(),
		AgentID:     "alpha",
		ParseStatus: types.ParseOK,
		Actions: []types.TradeIntent{{
			Coin:         "BTC",
			Operation:    types.OpOpenLong,
			SizeFraction: 0.1,
			Leverage:     5,
		}},
	}
	filled := types.Order{
		OrderID:    uuid.New(),
		Coin:       "BTC",
		Side:       types.SideBuy,
		FilledSize: 0.016,
		LimitPrice: func() *float64 { p := 60_600.0; return &p }(),
		Status:     types.OrderFilled,
	}

	collector := &stubCollector{snapshot: runnerSnapshot()}
	venue := &stubVenueAccount{account: hyperliquid.Account{Equity: 10_000, FreeCash: 9_000}}
	orch := &stubOrchestrator{decisions: []types.AgentDecision{decision}}
	exec := &stubIntentExecutor{orders: []types.Order{filled}}
	repo := &stubRepo{agents: []types.AgentConfig{runnerAgent("alpha")}}

	r := newTestRunner(collector, venue, orch, exec, repo)
	status, err := r.Run(context.Background(), 3)

	require.NoError(t, err)
	assert.Equal(t, types.CycleOK, status)
	assert.Equal(t, types.CycleOK, repo.finishStatus)

	require.Len(t, exec.approved, 1)
	require.Len(t, exec.approved[0], 1)
	assert.Equal(t, types.OpOpenLong, exec.approved[0][0].Operation)

	// Decisions hit the database before any order, trades after.
	assert.Equal(t, []string{"decisions", "trade", "performance", "finish"}, repo.writes)
	require.NotNil(t, repo.finishSnapshot)
	assert.Equal(t, int64(3), repo.finishSnapshot.CycleID)
	assert.InDelta(t, 10_000, repo.finishSnapshot.Equity, 1e-9)
	assert.InDelta(t, 340, repo.finishSnapshot.RealizedPnLTotal, 1e-9)

	// Prompt input carries resumed numbering and performance figures.
	assert.Equal(t, int64(3), orch.lastInput.CallCount)
	assert.InDelta(t, 2.5, orch.lastInput.Account.TotalReturnPct, 1e-9)
	assert.InDelta(t, 1.1, orch.lastInput.Account.SharpeRatio, 1e-9)
	assert.InDelta(t, 340, orch.lastInput.Account.RealizedPnLTotal, 1e-9)
	assert.GreaterOrEqual(t, orch.lastInput.RuntimeMinutes, 59)
}

func TestRunDataUnavailableSkipsAgents(t *testing.T) {
	collector := &stubCollector{err: fmt.Errorf("%w: candles", types.ErrDataUnavailable)}
	orch := &stubOrchestrator{}
	repo := &stubRepo{agents: []types.AgentConfig{runnerAgent("alpha")}}

	r := newTestRunner(collector, &stubVenueAccount{}, orch, &stubIntentExecutor{}, repo)
	status, err := r.Run(context.Background(), 1)

	assert.Equal(t, types.CycleDataUnavailable, status)
	assert.ErrorIs(t, err, types.ErrDataUnavailable)
	assert.False(t, orch.ran, "no agent calls without a snapshot")
	assert.Equal(t, []string{"finish"}, repo.writes)
	assert.Nil(t, repo.finishSnapshot, "no account snapshot for a dead cycle")
}

func TestRunExchangeDownOnAccountFetch(t *testing.T) {
	collector := &stubCollector{snapshot: runnerSnapshot()}
	venue := &stubVenueAccount{err: fmt.Errorf("state: %w", types.ErrExchangeAuth)}
	orch := &stubOrchestrator{}
	repo := &stubRepo{}

	r := newTestRunner(collector, venue, orch, &stubIntentExecutor{}, repo)
	status, _ := r.Run(context.Background(), 1)

	assert.Equal(t, types.CycleExchangeDown, status)
	assert.False(t, orch.ran)
}

func TestRunNoActiveAgentsIsOK(t *testing.T) {
	collector := &stubCollector{snapshot: runnerSnapshot()}
	orch := &stubOrchestrator{}
	repo := &stubRepo{}

	r := newTestRunner(collector, &stubVenueAccount{}, orch, &stubIntentExecutor{}, repo)
	status, err := r.Run(context.Background(), 1)

	require.NoError(t, err)
	assert.Equal(t, types.CycleOK, status)
	assert.False(t, orch.ran)
	require.NotNil(t, repo.finishSnapshot, "account snapshot still recorded")
}

func TestRunPersistsRejectionsAndSkipsExecution(t *testing.T) {
	decision := types.AgentDecision{
		DecisionID:  uuid.New(),
		AgentID:     "alpha",
		ParseStatus: types.ParseOK,
		Actions: []types.TradeIntent{{
			Coin:         "BTC",
			Operation:    types.OpOpenLong,
			SizeFraction: 0.1,
			Leverage:     50, // over every cap
		}},
	}

	collector := &stubCollector{snapshot: runnerSnapshot()}
	venue := &stubVenueAccount{account: hyperliquid.Account{Equity: 10_000, FreeCash: 9_000}}
	orch := &stubOrchestrator{decisions: []types.AgentDecision{decision}}
	exec := &stubIntentExecutor{}
	repo := &stubRepo{agents: []types.AgentConfig{runnerAgent("alpha")}}

	r := newTestRunner(collector, venue, orch, exec, repo)
	status, err := r.Run(context.Background(), 1)

	require.NoError(t, err)
	assert.Equal(t, types.CycleOK, status)
	assert.Empty(t, exec.approved, "fully rejected decision never reaches the executor")

	require.Len(t, repo.rejections, 1)
	require.Len(t, repo.rejections[0].Rejections, 1)
	assert.Equal(t, types.ReasonMaxLeverage, repo.rejections[0].Rejections[0].Reason)
}

func TestRunGrossExposureBindsAcrossAgents(t *testing.T) {
	// Each agent's 0.5-equity open is fine in isolation; together they
	// would put the account at 1.0x against a 0.8 cap, so the second
	// decision must see the first one's approval.
	alpha := runnerAgent("alpha")
	alpha.RiskProfile.MaxPositionFraction = 0.5
	alpha.RiskProfile.MaxGrossExposureFraction = 0.8
	beta := runnerAgent("beta")
	beta.RiskProfile.MaxPositionFraction = 0.5
	beta.RiskProfile.MaxGrossExposureFraction = 0.8

	decisions := []types.AgentDecision{
		{
			DecisionID:  uuid.New(),
			AgentID:     "alpha",
			ParseStatus: types.ParseOK,
			Actions:     []types.TradeIntent{{Coin: "BTC", Operation: types.OpOpenLong, SizeFraction: 0.5, Leverage: 5}},
		},
		{
			DecisionID:  uuid.New(),
			AgentID:     "beta",
			ParseStatus: types.ParseOK,
			Actions:     []types.TradeIntent{{Coin: "ETH", Operation: types.OpOpenLong, SizeFraction: 0.5, Leverage: 5}},
		},
	}

	collector := &stubCollector{snapshot: runnerSnapshot()}
	venue := &stubVenueAccount{account: hyperliquid.Account{Equity: 10_000, FreeCash: 10_000}}
	orch := &stubOrchestrator{decisions: decisions}
	exec := &stubIntentExecutor{}
	repo := &stubRepo{agents: []types.AgentConfig{alpha, beta}}

	r := newTestRunner(collector, venue, orch, exec, repo)
	status, err := r.Run(context.Background(), 1)

	require.NoError(t, err)
	assert.Equal(t, types.CycleOK, status)

	require.Len(t, exec.approved, 1, "only the first agent's open executes")
	require.Len(t, exec.approved[0], 1)
	assert.Equal(t, "BTC", exec.approved[0][0].Coin)

	require.Len(t, repo.rejections, 1)
	assert.Equal(t, "beta", repo.rejections[0].AgentID)
	require.Len(t, repo.rejections[0].Rejections, 1)
	assert.Equal(t, types.ReasonMaxGrossExposure, repo.rejections[0].Rejections[0].Reason)
}

func TestRunExecutorExchangeDownEndsCycle(t *testing.T) {
	decision := types.AgentDecision{
		DecisionID:  uuid.New(),
		AgentID:     "alpha",
		ParseStatus: types.ParseOK,
		Actions: []types.TradeIntent{{
			Coin:         "BTC",
			Operation:    types.OpOpenLong,
			SizeFraction: 0.1,
			Leverage:     5,
		}},
	}

	collector := &stubCollector{snapshot: runnerSnapshot()}
	venue := &stubVenueAccount{account: hyperliquid.Account{Equity: 10_000, FreeCash: 9_000}}
	orch := &stubOrchestrator{decisions: []types.AgentDecision{decision}}
	exec := &stubIntentExecutor{err: fmt.Errorf("%w: auth", types.ErrExchangeDown)}
	repo := &stubRepo{agents: []types.AgentConfig{runnerAgent("alpha")}}

	r := newTestRunner(collector, venue, orch, exec, repo)
	status, err := r.Run(context.Background(), 1)

	assert.Equal(t, types.CycleExchangeDown, status)
	assert.ErrorIs(t, err, types.ErrExchangeDown)
	assert.Equal(t, types.CycleExchangeDown, repo.finishStatus)
}

func TestRunSaveDecisionsFailureFailsCycle(t *testing.T) {
	decision := types.AgentDecision{DecisionID: uuid.New(), AgentID: "alpha", ParseStatus: types.ParseEmpty}

	collector := &stubCollector{snapshot: runnerSnapshot()}
	venue := &stubVenueAccount{account: hyperliquid.Account{Equity: 10_000}}
	orch := &stubOrchestrator{decisions: []types.AgentDecision{decision}}
	repo := &stubRepo{
		agents:  []types.AgentConfig{runnerAgent("alpha")},
		saveErr: fmt.Errorf("%w: insert", types.ErrPersistence),
	}

	r := newTestRunner(collector, venue, orch, &stubIntentExecutor{}, repo)
	status, err := r.Run(context.Background(), 1)

	assert.Equal(t, types.CycleFailed, status)
	assert.ErrorIs(t, err, types.ErrPersistence)
}

func TestRunFinishWriteFailureDowngradesStatus(t *testing.T) {
	collector := &stubCollector{snapshot: runnerSnapshot()}
	repo := &stubRepo{finishErr: errors.New("db down")}

	r := newTestRunner(collector, &stubVenueAccount{}, &stubOrchestrator{}, &stubIntentExecutor{}, repo)
	status, err := r.Run(context.Background(), 1)

	assert.Equal(t, types.CycleFailed, status)
	assert.Error(t, err)
}
