package checkpoint

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"discovery-agent/internal/domain"
)

func TestPhaseBoundaryStrategy(t *testing.T) {
	s := PhaseBoundaryStrategy{}
	for _, p := range []domain.Phase{domain.PhasePlan, domain.PhaseExecute, domain.PhaseAnalyze, domain.PhaseRespond} {
		assert.True(t, s.ShouldCheckpoint(p, 1), p)
		assert.True(t, s.ShouldCheckpoint(p, 2), p)
	}
	assert.True(t, s.ShouldCheckpoint(domain.PhaseIterate, 4))
	assert.False(t, s.ShouldCheckpoint(domain.PhaseIterate, 5))
	assert.False(t, s.ShouldCheckpoint(domain.PhaseDone, 2))
	assert.False(t, Never.ShouldCheckpoint(domain.PhasePlan, 2))
}
