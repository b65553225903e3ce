package pipeline

import "fmt"

// Phase is one stage of a remediation run.
type Phase string

const (
	PhaseClarifying Phase = "CLARIFYING"
	PhasePlanning   Phase = "PLANNING"
	PhaseExecuting  Phase = "EXECUTING"
	PhaseValidating Phase = "VALIDATING"
	PhaseRetrying   Phase = "RETRYING"
	PhaseCommitting Phase = "COMMITTING"
	PhaseDone       Phase = "DONE"
	PhaseFailed     Phase = "FAILED"
)

// AllPhases returns the forward phases in execution order. RETRYING
// and FAILED sit outside the main sequence.
func AllPhases() []Phase {
	return []Phase{PhaseClarifying, PhasePlanning, PhaseExecuting, PhaseValidating, PhaseCommitting, PhaseDone}
}

// ValidateTransition checks a phase change against the machine:
// forward phases advance strictly in order, VALIDATING and RETRYING
// cycle, and FAILED is reachable from anywhere.
func ValidateTransition(from, to Phase) error {
	if to == PhaseFailed {
		return nil
	}
	if from == PhaseValidating && to == PhaseRetrying {
		return nil
	}
	if from == PhaseRetrying && to == PhaseValidating {
		return nil
	}

	order := AllPhases()
	fromIdx, toIdx := -1, -1
	for i, p := range order {
		if p == from {
			fromIdx = i
		}
		if p == to {
			toIdx = i
		}
	}
	if fromIdx == -1 {
		return fmt.Errorf("invalid current phase: %s", from)
	}
	if toIdx == -1 {
		return fmt.Errorf("invalid target phase: %s", to)
	}
	if toIdx != fromIdx+1 {
		return fmt.Errorf("cannot transition from %s to %s: phases advance in order", from, to)
	}
	return nil
}
