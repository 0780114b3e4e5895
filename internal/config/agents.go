package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/perparena/perparena/pkg/types"
)

// AgentsFile is the operator-maintained agents manifest. It only enters the
// runtime through the explicit sync-agents command; at runtime the database
// is the source of truth for agent configuration.
type AgentsFile struct {
	Agents []types.AgentConfig
}

// yamlAgent mirrors types.AgentConfig with pointer fields where the zero
// value is not the documented default.
type yamlAgent struct {
	AgentID       string  `yaml:"agent_id"`
	DisplayName   string  `yaml:"display_name"`
	IsActive      *bool   `yaml:"is_active"`
	PrimaryModel  string  `yaml:"primary_model"`
	FallbackModel string  `yaml:"fallback_model"`
	Risk          struct {
		MaxLeverage              int     `yaml:"max_leverage"`
		MaxPositionFraction      float64 `yaml:"max_position_fraction"`
		MaxGrossExposureFraction float64 `yaml:"max_gross_exposure_fraction"`
		StopLossRequired         *bool   `yaml:"stop_loss_required"`
	} `yaml:"risk"`
}

// LoadAgentsFile reads and validates the agents YAML manifest.
func LoadAgentsFile(path string) (*AgentsFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read agents file: %w", err)
	}

	var raw struct {
		Agents []yamlAgent `yaml:"agents"`
	}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse agents file: %w", err)
	}

	if len(raw.Agents) == 0 {
		return nil, fmt.Errorf("agents file %s defines no agents", path)
	}

	af := &AgentsFile{Agents: make([]types.AgentConfig, 0, len(raw.Agents))}
	seen := make(map[string]bool, len(raw.Agents))
	for i, ya := range raw.Agents {
		if ya.AgentID == "" {
			return nil, fmt.Errorf("agent #%d has no agent_id", i+1)
		}
		if seen[ya.AgentID] {
			return nil, fmt.Errorf("duplicate agent_id %q", ya.AgentID)
		}
		seen[ya.AgentID] = true
		if ya.PrimaryModel == "" {
			return nil, fmt.Errorf("agent %s has no primary_model", ya.AgentID)
		}

		ac := types.AgentConfig{
			AgentID:       ya.AgentID,
			DisplayName:   ya.DisplayName,
			IsActive:      boolOrDefault(ya.IsActive, true),
			PrimaryModel:  ya.PrimaryModel,
			FallbackModel: ya.FallbackModel,
			RiskProfile: types.RiskProfile{
				MaxLeverage:              intOrDefault(ya.Risk.MaxLeverage, 10),
				MaxPositionFraction:      floatOrDefault(ya.Risk.MaxPositionFraction, 0.20),
				MaxGrossExposureFraction: floatOrDefault(ya.Risk.MaxGrossExposureFraction, 0.80),
				StopLossRequired:         boolOrDefault(ya.Risk.StopLossRequired, true),
			},
		}
		af.Agents = append(af.Agents, ac)
	}

	return af, nil
}

func boolOrDefault(v *bool, def bool) bool {
	if v == nil {
		return def
	}
	return *v
}

func intOrDefault(v, def int) int {
	if v == 0 {
		return def
	}
	return v
}

func floatOrDefault(v, def float64) float64 {
	if v == 0 {
		return def
	}
	return v
}
