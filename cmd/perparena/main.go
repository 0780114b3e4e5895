// Command perparena runs the multi-agent perpetual futures trading core.
//
// Subcommands:
//
//	run          start the trading loop (default)
//	status       print last cycle result, uptime and cycle count
//	sync-agents  push the agents YAML file into the database
//	migrate      apply the database schema and exit
//
// Exit codes: 0 success, 1 configuration error, 2 runtime error.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"github.com/perparena/perparena/internal/agent"
	"github.com/perparena/perparena/internal/config"
	"github.com/perparena/perparena/internal/executor"
	"github.com/perparena/perparena/internal/hyperliquid"
	"github.com/perparena/perparena/internal/llm"
	"github.com/perparena/perparena/internal/market"
	"github.com/perparena/perparena/internal/metrics"
	"github.com/perparena/perparena/internal/risk"
	"github.com/perparena/perparena/internal/scheduler"
	"github.com/perparena/perparena/internal/store"
)

const (
	exitOK      = 0
	exitConfig  = 1
	exitRuntime = 2
)

func main() {
	os.Exit(run())
}

func run() int {
	// Missing .env is fine; production injects real environment.
	_ = godotenv.Load()

	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	command := flag.Arg(0)
	if command == "" {
		command = "run"
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return exitConfig
	}
	config.InitLogger(cfg.App.LogLevel, cfg.App.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch command {
	case "run":
		return runLoop(ctx, cfg)
	case "status":
		return runStatus(ctx, cfg)
	case "sync-agents":
		return runSyncAgents(ctx, cfg)
	case "migrate":
		return runMigrate(ctx, cfg)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", command)
		return exitConfig
	}
}

func runLoop(ctx context.Context, cfg *config.Config) int {
	log.Info().Str("environment", cfg.App.Environment).Msg("Starting trading core")

	signingKey, err := cfg.Venue.SigningKey()
	if err != nil {
		log.Error().Err(err).Msg("Signing key unavailable")
		return exitConfig
	}
	signer, err := hyperliquid.NewSigner(signingKey, cfg.Venue.IsTestnet)
	if err != nil {
		log.Error().Err(err).Msg("Signer construction failed")
		return exitConfig
	}

	models, err := llm.NewClient(cfg.Models)
	if err != nil {
		log.Error().Err(err).Msg("Model client construction failed")
		return exitConfig
	}

	st, err := store.New(ctx, cfg.Database)
	if err != nil {
		log.Error().Err(err).Msg("Database connection failed")
		return exitRuntime
	}
	defer st.Close()

	if err := st.Migrate(ctx); err != nil {
		log.Error().Err(err).Msg("Schema migration failed")
		return exitRuntime
	}

	// Seed the agent table on first boot so a fresh database trades
	// without a separate sync step. Later edits go through sync-agents.
	agentsFile, err := config.LoadAgentsFile(cfg.Trading.AgentsFile)
	if err != nil {
		log.Error().Err(err).Msg("Agents file invalid")
		return exitConfig
	}
	if err := st.SyncAgents(ctx, agentsFile.Agents); err != nil {
		log.Error().Err(err).Msg("Agent sync failed")
		return exitRuntime
	}

	startTime := time.Now()
	if err := st.InitBotState(ctx, startTime); err != nil {
		log.Error().Err(err).Msg("Bot state initialization failed")
		return exitRuntime
	}
	state, err := st.LoadBotState(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Bot state load failed")
		return exitRuntime
	}
	var resumedCycles int64
	var lastCycleAt *time.Time
	if state != nil {
		resumedCycles = state.CycleCount
		lastCycleAt = state.LastCycleAt
	}

	venue := hyperliquid.NewClient(cfg.Venue, signer)
	collector := market.NewCollector(venue)
	orchestrator := agent.NewOrchestrator(models)
	gate := risk.NewGate(cfg.Trading.GlobalMaxLeverage)
	breakers := risk.NewBreakerManager()
	exec := executor.NewExecutor(venue, st, breakers)
	runner := scheduler.NewCycleRunner(collector, venue, orchestrator, gate, exec, st, startTime)
	sched := scheduler.New(cfg.Trading, runner, resumedCycles, lastCycleAt)

	var metricsServer *metrics.Server
	if cfg.Metrics.Enabled {
		metricsServer = metrics.NewServer(cfg.Metrics.Port)
		metricsServer.Start()
	}

	sched.Start(ctx)

	if metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsServer.Shutdown(shutdownCtx)
	}

	log.Info().Int64("cycle_count", sched.CycleCount()).Msg("Trading core stopped")
	return exitOK
}

func runStatus(ctx context.Context, cfg *config.Config) int {
	st, err := store.New(ctx, cfg.Database)
	if err != nil {
		fmt.Fprintf(os.Stderr, "database connection failed: %v\n", err)
		return exitRuntime
	}
	defer st.Close()

	state, err := st.LoadBotState(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "bot state load failed: %v\n", err)
		return exitRuntime
	}
	if state == nil {
		fmt.Println("no state recorded yet")
		return exitOK
	}

	fmt.Printf("service started:   %s\n", state.ServiceStartTime.Format(time.RFC3339))
	fmt.Printf("uptime:            %s\n", time.Since(state.ServiceStartTime).Round(time.Second))
	fmt.Printf("cycle count:       %d\n", state.CycleCount)
	if state.LastCycleAt != nil {
		fmt.Printf("last cycle:        %s (%s)\n", state.LastCycleAt.Format(time.RFC3339), state.LastCycleStatus)
	}
	if state.LastError != nil {
		fmt.Printf("last error:        %s\n", *state.LastError)
	}

	snapshots, err := st.RecentSnapshots(ctx, 1)
	if err == nil && len(snapshots) > 0 {
		snap := snapshots[0]
		fmt.Printf("equity:            %.2f\n", snap.Equity)
		fmt.Printf("free cash:         %.2f\n", snap.FreeCash)
		fmt.Printf("gross exposure:    %.2f\n", snap.GrossExposure)
	}
	return exitOK
}

func runSyncAgents(ctx context.Context, cfg *config.Config) int {
	agentsFile, err := config.LoadAgentsFile(cfg.Trading.AgentsFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "agents file invalid: %v\n", err)
		return exitConfig
	}

	st, err := store.New(ctx, cfg.Database)
	if err != nil {
		fmt.Fprintf(os.Stderr, "database connection failed: %v\n", err)
		return exitRuntime
	}
	defer st.Close()

	if err := st.SyncAgents(ctx, agentsFile.Agents); err != nil {
		fmt.Fprintf(os.Stderr, "agent sync failed: %v\n", err)
		return exitRuntime
	}
	fmt.Printf("synced %d agents\n", len(agentsFile.Agents))
	return exitOK
}

func runMigrate(ctx context.Context, cfg *config.Config) int {
	st, err := store.New(ctx, cfg.Database)
	if err != nil {
		fmt.Fprintf(os.Stderr, "database connection failed: %v\n", err)
		return exitRuntime
	}
	defer st.Close()

	if err := st.Migrate(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "migration failed: %v\n", err)
		return exitRuntime
	}
	fmt.Println("schema applied")
	return exitOK
}
