// Package challenger runs the producer/validator refinement loop: a
// producer generates a candidate result, an independent validator
// scores it, and the producer retries with cumulative feedback until
// the score converges or the iteration budget runs out.
package challenger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/remedyd/internal/config"
)

const instrumentationName = "github.com/fyrsmithlabs/remedyd/internal/challenger"

// hardIterationCeiling caps the loop regardless of configuration. A
// misconfigured max_iterations can never push past it.
const hardIterationCeiling = 10

// ErrNotConverged is returned when the loop exhausts its iterations
// and the best score stays below the forced-acceptance bar.
var ErrNotConverged = errors.New("challenger loop did not converge")

// VerdictStatus is the validator's judgement of one candidate.
type VerdictStatus string

const (
	StatusSolved     VerdictStatus = "SOLVED"
	StatusInProgress VerdictStatus = "IN_PROGRESS"
	StatusRejected   VerdictStatus = "REJECTED"
)

// Finding is one structured observation from a validator.
type Finding struct {
	Severity    string `json:"severity"`
	Description string `json:"description"`
	Suggestion  string `json:"suggestion,omitempty"`
}

// Verdict is the validator's score for one produced candidate. A
// verdict is immutable once recorded; all verdicts of a loop are kept
// on the ConvergenceState for audit.
type Verdict struct {
	Score    int           `json:"score"`
	Status   VerdictStatus `json:"status"`
	Findings []Finding     `json:"findings,omitempty"`
}

// Validate checks the verdict is well-formed.
func (v *Verdict) Validate() error {
	if v.Score < 0 || v.Score > 100 {
		return fmt.Errorf("verdict score %d out of range [0,100]", v.Score)
	}
	switch v.Status {
	case StatusSolved, StatusInProgress, StatusRejected:
		return nil
	}
	return fmt.Errorf("unknown verdict status %q", v.Status)
}

// Termination names why a loop stopped.
type Termination string

const (
	TerminationInProgress    Termination = "IN_PROGRESS"
	TerminationThresholdMet  Termination = "THRESHOLD_MET"
	TerminationMaxIterations Termination = "MAX_ITERATIONS_REACHED"
	TerminationStagnated     Termination = "STAGNATED"
	TerminationForced        Termination = "FORCED_ACCEPTANCE"
)

// ConvergenceState is the loop's full audit trail and outcome.
type ConvergenceState struct {
	Iterations    int             `json:"iterations"`
	Verdicts      []Verdict       `json:"verdicts"`
	BestScore     int             `json:"best_score"`
	BestIteration int             `json:"best_iteration"`
	Termination   Termination     `json:"termination"`
	Accepted      bool            `json:"accepted"`
	Result        json.RawMessage `json:"result,omitempty"`
}

// scores returns the recorded scores in iteration order.
func (s *ConvergenceState) scores() []int {
	out := make([]int, len(s.Verdicts))
	for i, v := range s.Verdicts {
		out[i] = v.Score
	}
	return out
}

// ProduceFunc generates a candidate. feedback carries the cumulative
// findings of every prior verdict; it is empty on the first iteration.
type ProduceFunc func(ctx context.Context, iteration int, feedback []Finding) (json.RawMessage, error)

// ValidateFunc scores a produced candidate.
type ValidateFunc func(ctx context.Context, candidate json.RawMessage) (Verdict, error)

// Run drives the refinement loop to termination. The returned state is
// non-nil whenever at least one iteration completed, including on
// ErrNotConverged, so callers can inspect the audit trail.
func Run(ctx context.Context, produce ProduceFunc, validate ValidateFunc, cfg config.ChallengerConfig, logger *zap.Logger) (*ConvergenceState, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	tracer := otel.GetTracerProvider().Tracer(instrumentationName)
	ctx, span := tracer.Start(ctx, "challenger.Run")
	defer span.End()

	maxIterations := cfg.MaxIterations
	if maxIterations < 1 {
		maxIterations = 1
	}
	if maxIterations > hardIterationCeiling {
		maxIterations = hardIterationCeiling
	}

	state := &ConvergenceState{Termination: TerminationInProgress}
	var feedback []Finding
	var bestResult json.RawMessage

	for iteration := 1; iteration <= maxIterations; iteration++ {
		if err := ctx.Err(); err != nil {
			return state, err
		}

		state.Iterations = iteration
		candidate, err := produce(ctx, iteration, feedback)
		if err != nil {
			return state, fmt.Errorf("producer failed on iteration %d: %w", iteration, err)
		}

		verdict, err := runValidator(ctx, validate, candidate, cfg)
		if err != nil {
			return state, fmt.Errorf("validator failed on iteration %d: %w", iteration, err)
		}
		if err := verdict.Validate(); err != nil {
			return state, fmt.Errorf("validator returned invalid verdict on iteration %d: %w", iteration, err)
		}

		state.Verdicts = append(state.Verdicts, verdict)
		if verdict.Score > state.BestScore || state.BestIteration == 0 {
			state.BestScore = verdict.Score
			state.BestIteration = iteration
			bestResult = candidate
		}
		feedback = append(feedback, verdict.Findings...)

		logger.Info("challenger iteration scored",
			zap.Int("iteration", iteration),
			zap.Int("score", verdict.Score),
			zap.String("status", string(verdict.Status)),
			zap.Int("best_score", state.BestScore))
		span.AddEvent("iteration", trace.WithAttributes(
			attribute.Int("iteration", iteration),
			attribute.Int("score", verdict.Score)))

		if verdict.Score >= cfg.SatisfactionThreshold {
			state.Termination = TerminationThresholdMet
			state.Accepted = true
			state.Result = bestResult
			return state, nil
		}

		if stagnated(state.scores(), cfg.StagnationWindow, cfg.MinImprovement) {
			state.Termination = TerminationStagnated
			logger.Warn("challenger loop stagnated",
				zap.Int("iteration", iteration),
				zap.Int("window", cfg.StagnationWindow),
				zap.Int("min_improvement", cfg.MinImprovement))
			return state, ErrNotConverged
		}
	}

	state.Termination = TerminationMaxIterations
	if state.BestScore >= cfg.ForcedAcceptanceThreshold {
		state.Termination = TerminationForced
		state.Accepted = true
		state.Result = bestResult
		logger.Warn("accepting below-threshold result after exhausting iterations",
			zap.Int("best_score", state.BestScore),
			zap.Int("forced_acceptance_threshold", cfg.ForcedAcceptanceThreshold))
		return state, nil
	}
	return state, fmt.Errorf("%w: best score %d after %d iterations", ErrNotConverged, state.BestScore, state.Iterations)
}

func runValidator(ctx context.Context, validate ValidateFunc, candidate json.RawMessage, cfg config.ChallengerConfig) (Verdict, error) {
	if timeout := cfg.ValidatorTimeout.Duration(); timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return validate(ctx, candidate)
}

// stagnated reports whether the last window scores gained less than
// minImprovement in total.
func stagnated(scores []int, window, minImprovement int) bool {
	if window < 2 || len(scores) < window {
		return false
	}
	recent := scores[len(scores)-window:]
	gain := recent[len(recent)-1] - recent[0]
	return gain < minImprovement
}
