package checkpoint

import "discovery-agent/internal/domain"

// Strategy decides whether a phase boundary is worth a checkpoint.
type Strategy interface {
	ShouldCheckpoint(phase domain.Phase, step int) bool
}

// StrategyFunc adapts a function to Strategy.
type StrategyFunc func(phase domain.Phase, step int) bool

// ShouldCheckpoint implements Strategy.
func (f StrategyFunc) ShouldCheckpoint(phase domain.Phase, step int) bool { return f(phase, step) }

// PhaseBoundaryStrategy checkpoints after plan, execute, analyze and respond,
// and after iterate only on even steps.
type PhaseBoundaryStrategy struct{}

// ShouldCheckpoint implements Strategy.
func (PhaseBoundaryStrategy) ShouldCheckpoint(phase domain.Phase, step int) bool {
	switch phase {
	case domain.PhasePlan, domain.PhaseExecute, domain.PhaseAnalyze, domain.PhaseRespond:
		return true
	case domain.PhaseIterate:
		return step%2 == 0
	default:
		return false
	}
}

// Never disables checkpointing.
var Never Strategy = StrategyFunc(func(domain.Phase, int) bool { return false })
