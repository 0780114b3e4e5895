package agent

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/perparena/perparena/internal/config"
	"github.com/perparena/perparena/internal/decision"
	"github.com/perparena/perparena/internal/llm"
	"github.com/perparena/perparena/pkg/types"
)

// agentTimeout bounds one agent's model calls, fallback included. It is
// well inside the cycle period so a slow model cannot starve the rest of
// the cycle.
const agentTimeout = 90 * time.Second

// ModelCaller is the slice of the LLM client the orchestrator needs.
type ModelCaller interface {
	Complete(ctx context.Context, modelKey, systemPrompt, userPrompt string) (llm.Completion, error)
	Known(modelKey string) bool
}

// Orchestrator fans one market snapshot out to all active agents in
// parallel and collects their decisions.
type Orchestrator struct {
	models ModelCaller
	logger zerolog.Logger
}

// NewOrchestrator builds an orchestrator over a model caller.
func NewOrchestrator(models ModelCaller) *Orchestrator {
	return &Orchestrator{
		models: models,
		logger: config.NewLogger("orchestrator"),
	}
}

// Run executes every active agent against the shared prompt input and
// returns their decisions ordered by agent id. One agent's failure never
// affects another's: a failed agent yields a decision with parse status
// EMPTY and the error text as its raw response.
func (o *Orchestrator) Run(ctx context.Context, agents []types.AgentConfig, in PromptInput) []types.AgentDecision {
	active := make([]types.AgentConfig, 0, len(agents))
	for _, a := range agents {
		if a.IsActive {
			active = append(active, a)
		}
	}
	sort.Slice(active, func(i, j int) bool { return active[i].AgentID < active[j].AgentID })

	decisions := make([]types.AgentDecision, len(active))
	g, gctx := errgroup.WithContext(ctx)
	for i, agentCfg := range active {
		g.Go(func() error {
			decisions[i] = o.runAgent(gctx, agentCfg, in)
			return nil
		})
	}
	// Tasks always return nil; Wait only orders the collection.
	_ = g.Wait()

	return decisions
}

func (o *Orchestrator) runAgent(ctx context.Context, agentCfg types.AgentConfig, in PromptInput) types.AgentDecision {
	ctx, cancel := context.WithTimeout(ctx, agentTimeout)
	defer cancel()

	systemPrompt := SystemPrompt(agentCfg)
	userPrompt := UserPrompt(in)

	d := types.AgentDecision{
		DecisionID:        uuid.New(),
		CycleID:           in.Snapshot.CycleID,
		AgentID:           agentCfg.AgentID,
		CreatedAt:         time.Now(),
		PromptFingerprint: Fingerprint(systemPrompt, userPrompt),
	}

	completion, modelKey, err := o.completeWithFallback(ctx, agentCfg, systemPrompt, userPrompt)
	if err != nil {
		o.logger.Error().
			Err(err).
			Str("agent_id", agentCfg.AgentID).
			Int64("cycle_id", in.Snapshot.CycleID).
			Msg("Agent model calls exhausted")
		d.ParseStatus = types.ParseEmpty
		d.RawResponse = "model error: " + err.Error()
		return d
	}

	d.ModelUsed = modelKey
	d.RawResponse = completion.Content

	parsed := decision.Parse(completion.Content)
	d.ChainOfThought = parsed.ChainOfThought
	d.Actions = parsed.Actions
	d.ParseStatus = parsed.Status

	o.logger.Info().
		Str("agent_id", agentCfg.AgentID).
		Str("model", modelKey).
		Str("parse_status", string(d.ParseStatus)).
		Int("actions", len(d.Actions)).
		Int64("cycle_id", in.Snapshot.CycleID).
		Msg("Agent decision collected")

	return d
}

// completeWithFallback tries the agent's primary model, then its fallback
// exactly once. The model that actually answered is returned alongside
// the completion.
func (o *Orchestrator) completeWithFallback(ctx context.Context, agentCfg types.AgentConfig, systemPrompt, userPrompt string) (llm.Completion, string, error) {
	completion, err := o.models.Complete(ctx, agentCfg.PrimaryModel, systemPrompt, userPrompt)
	if err == nil {
		return completion, agentCfg.PrimaryModel, nil
	}

	if agentCfg.FallbackModel == "" || !o.models.Known(agentCfg.FallbackModel) {
		return llm.Completion{}, "", err
	}

	o.logger.Warn().
		Err(err).
		Str("agent_id", agentCfg.AgentID).
		Str("primary_model", agentCfg.PrimaryModel).
		Str("fallback_model", agentCfg.FallbackModel).
		Msg("Primary model failed, trying fallback")

	completion, fbErr := o.models.Complete(ctx, agentCfg.FallbackModel, systemPrompt, userPrompt)
	if fbErr != nil {
		return llm.Completion{}, "", fbErr
	}
	return completion, agentCfg.FallbackModel, nil
}
