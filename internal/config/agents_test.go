package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadAgentsFile(t *testing.T) {
	path := writeFile(t, "agents.yaml", `
agents:
  - agent_id: deepseek-alpha
    display_name: DeepSeek Alpha
    primary_model: deepseek-chat
    fallback_model: qwen-max
    risk:
      max_leverage: 5
      max_position_fraction: 0.15
  - agent_id: qwen-contra
    primary_model: qwen-max
    is_active: false
    risk:
      stop_loss_required: false
`)

	af, err := LoadAgentsFile(path)
	require.NoError(t, err)
	require.Len(t, af.Agents, 2)

	a := af.Agents[0]
	assert.Equal(t, "deepseek-alpha", a.AgentID)
	assert.Equal(t, "DeepSeek Alpha", a.DisplayName)
	assert.True(t, a.IsActive, "is_active defaults to true")
	assert.Equal(t, "qwen-max", a.FallbackModel)
	assert.Equal(t, 5, a.RiskProfile.MaxLeverage)
	assert.Equal(t, 0.15, a.RiskProfile.MaxPositionFraction)
	assert.Equal(t, 0.80, a.RiskProfile.MaxGrossExposureFraction, "unset fraction takes the default")
	assert.True(t, a.RiskProfile.StopLossRequired)

	b := af.Agents[1]
	assert.False(t, b.IsActive)
	assert.Equal(t, 10, b.RiskProfile.MaxLeverage, "unset leverage takes the default")
	assert.False(t, b.RiskProfile.StopLossRequired)
}

func TestLoadAgentsFileRejectsDuplicates(t *testing.T) {
	path := writeFile(t, "agents.yaml", `
agents:
  - agent_id: alpha
    primary_model: m1
  - agent_id: alpha
    primary_model: m2
`)

	_, err := LoadAgentsFile(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate agent_id")
}

func TestLoadAgentsFileRejectsMissingFields(t *testing.T) {
	noID := writeFile(t, "agents.yaml", `
agents:
  - display_name: Ghost
    primary_model: m1
`)
	_, err := LoadAgentsFile(noID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "agent_id")

	noModel := writeFile(t, "agents.yaml", `
agents:
  - agent_id: alpha
`)
	_, err = LoadAgentsFile(noModel)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "primary_model")
}

func TestLoadAgentsFileRejectsEmptyManifest(t *testing.T) {
	path := writeFile(t, "agents.yaml", "agents: []\n")
	_, err := LoadAgentsFile(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no agents")
}

func TestLoadAgentsFileMissingFile(t *testing.T) {
	_, err := LoadAgentsFile("/nonexistent/agents.yaml")
	require.Error(t, err)
}
