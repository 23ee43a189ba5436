package model_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/sterilis/internal/model"
)

func TestValidateOperatorID(t *testing.T) {
	valid := []string{"op", "night-shift", "tech.v2", "Tech_01", "nurse@ward", strings.Repeat("a", 255)}
	for _, id := range valid {
		require.NoError(t, model.ValidateOperatorID(id), "expected valid: %q", id)
	}

	invalid := []string{"", strings.Repeat("a", 256), "has space", "semi;colon", "slash/op"}
	for _, id := range invalid {
		assert.Error(t, model.ValidateOperatorID(id), "expected invalid: %q", id)
	}
}

func TestRoleRank(t *testing.T) {
	ordered := []model.OperatorRole{model.RoleViewer, model.RoleOperator, model.RoleAdmin}
	for i := 1; i < len(ordered); i++ {
		assert.Greater(t, model.RoleRank(ordered[i]), model.RoleRank(ordered[i-1]),
			"%q should rank higher than %q", ordered[i], ordered[i-1])
	}
	assert.Equal(t, 0, model.RoleRank(model.OperatorRole("unknown")))
	assert.True(t, model.RoleAtLeast(model.RoleAdmin, model.RoleOperator))
	assert.False(t, model.RoleAtLeast(model.RoleViewer, model.RoleOperator))
}

func TestPhaseIDClosedSet(t *testing.T) {
	for _, id := range model.Phases {
		assert.True(t, id.IsStage(), id)
		assert.True(t, id.Valid(), id)
	}
	assert.False(t, model.PhaseComplete.IsStage())
	assert.True(t, model.PhaseComplete.Valid())
	assert.False(t, model.PhaseID("Bath1").Valid(), "phase ids are case-sensitive")

	_, ok := model.ParsePhaseID("airDry")
	assert.True(t, ok)
	_, ok = model.ParsePhaseID("complete")
	assert.False(t, ok, "complete is not a stage")
}

func TestToolStatusForPhase(t *testing.T) {
	assert.Equal(t, model.ToolStatusBath2, model.ToolStatusForPhase(model.PhaseBath2))
	assert.Equal(t, model.ToolStatusAirDry, model.ToolStatusForPhase(model.PhaseAirDry))
	assert.Equal(t, model.ToolStatusClean, model.ToolStatusForPhase(model.PhaseComplete))
}

func TestPartitionP2PreservesOrder(t *testing.T) {
	a := model.Tool{Name: "A", IsP2Tool: true}
	b := model.Tool{Name: "B"}
	c := model.Tool{Name: "C", IsP2Tool: true}
	p2, other := model.PartitionP2([]model.Tool{a, b, c})
	require.Len(t, p2, 2)
	assert.Equal(t, "A", p2[0].Name)
	assert.Equal(t, "C", p2[1].Name)
	require.Len(t, other, 1)
	assert.Equal(t, "B", other[0].Name)
}

func TestBatchStatusTerminal(t *testing.T) {
	assert.True(t, model.BatchStatusCompleted.Terminal())
	assert.True(t, model.BatchStatusFailed.Terminal())
	assert.True(t, model.BatchStatusReady.Open())
	assert.False(t, model.BatchStatus("archived").Valid())
}
