// Package pipeline drives a remediation run through its phases:
// clarify ambiguous items, plan conflict-free execution steps, execute
// producer agents, validate every fix through the challenger loop with
// red-flag gates, and commit accepted fixes.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/remedyd/internal/agent"
	"github.com/fyrsmithlabs/remedyd/internal/challenger"
	"github.com/fyrsmithlabs/remedyd/internal/config"
	"github.com/fyrsmithlabs/remedyd/internal/event"
	"github.com/fyrsmithlabs/remedyd/internal/question"
	"github.com/fyrsmithlabs/remedyd/internal/supervisor"
	"github.com/fyrsmithlabs/remedyd/internal/workitem"
)

const instrumentationName = "github.com/fyrsmithlabs/remedyd/internal/pipeline"

// maxAttemptsPerItem bounds remediation attempts per item within one
// run: the initial fix plus one retry.
const maxAttemptsPerItem = 2

// Invoker runs one agent task to completion. The supervisor-backed
// implementation lives in the daemon wiring; tests substitute fakes.
type Invoker interface {
	Invoke(ctx context.Context, task agent.Task) (*supervisor.Result, error)
}

// SupervisorInvoker adapts a supervisor.Service to the Invoker
// interface by spawning and waiting.
type SupervisorInvoker struct {
	Svc supervisor.Service
}

func (si SupervisorInvoker) Invoke(ctx context.Context, task agent.Task) (*supervisor.Result, error) {
	sess, err := si.Svc.Spawn(ctx, task)
	if err != nil {
		return nil, err
	}
	res, err := sess.Wait(ctx)
	if err != nil {
		_ = si.Svc.Terminate(context.WithoutCancel(ctx), sess.ID)
		return nil, err
	}
	return res, nil
}

// Request describes one remediation run.
type Request struct {
	RunID      string   `json:"run_id"`
	ItemIDs    []string `json:"item_ids"`
	WorkingDir string   `json:"working_dir"`
	Options    Options  `json:"options"`
}

// Options override run behavior per request. Nil fields fall back to
// the daemon configuration.
type Options struct {
	SkipClarification     *bool `json:"skip_clarification,omitempty"`
	SatisfactionThreshold *int  `json:"satisfaction_threshold,omitempty"`
	MaxIterations         *int  `json:"max_iterations,omitempty"`
	FailFast              *bool `json:"fail_fast,omitempty"`
}

// ItemOutcome is the terminal record for one item in a run.
type ItemOutcome struct {
	ItemID    string               `json:"item_id"`
	Status    workitem.Status      `json:"status"`
	Solved    bool                 `json:"solved"`
	Score     int                  `json:"score"`
	Attempts  int                  `json:"attempts"`
	Branch    string               `json:"branch,omitempty"`
	CommitRef string               `json:"commit_ref,omitempty"`
	Failure   string               `json:"failure,omitempty"`
	Findings  []challenger.Finding `json:"findings,omitempty"`
}

// Summary is the result of a run.
type Summary struct {
	RunID      string        `json:"run_id"`
	Phase      Phase         `json:"phase"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
	Outcomes   []ItemOutcome `json:"outcomes"`
}

// Deps are the runner's collaborators.
type Deps struct {
	Invoker   Invoker
	Store     workitem.Store
	Questions *question.Store
	Events    *event.Broadcaster
	Gate      *Gatekeeper
	Committer Committer
	Logger    *zap.Logger
}

// Runner executes remediation runs.
type Runner struct {
	cfg        config.PipelineConfig
	chalCfg    config.ChallengerConfig
	maxPerStep int

	invoker   Invoker
	store     workitem.Store
	questions *question.Store
	events    *event.Broadcaster
	gate      *Gatekeeper
	committer Committer
	logger    *zap.Logger
	tracer    trace.Tracer
}

// NewRunner wires a runner from daemon configuration and
// collaborators.
func NewRunner(cfg *config.Config, deps Deps) (*Runner, error) {
	if deps.Invoker == nil || deps.Store == nil || deps.Questions == nil ||
		deps.Events == nil || deps.Gate == nil || deps.Committer == nil {
		return nil, fmt.Errorf("pipeline runner is missing a collaborator")
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{
		cfg:        cfg.Pipeline,
		chalCfg:    cfg.Challenger,
		maxPerStep: cfg.Supervisor.MaxProcesses,
		invoker:    deps.Invoker,
		store:      deps.Store,
		questions:  deps.Questions,
		events:     deps.Events,
		gate:       deps.Gate,
		committer:  deps.Committer,
		logger:     logger,
		tracer:     otel.GetTracerProvider().Tracer(instrumentationName),
	}, nil
}

// runState holds the mutable bookkeeping of one run.
type runState struct {
	req      Request
	phase    Phase
	items    []*workitem.Item
	answers  map[string]string
	produced map[string]ProducerOutput
	rawOut   map[string]json.RawMessage
	resume   map[string]agent.ContinuationToken
	outcomes map[string]*ItemOutcome
	order    []string
	started  time.Time
}

func (st *runState) outcome(id string) *ItemOutcome {
	if o, ok := st.outcomes[id]; ok {
		return o
	}
	o := &ItemOutcome{ItemID: id, Status: workitem.StatusOpen}
	st.outcomes[id] = o
	st.order = append(st.order, id)
	return o
}

// active returns items that have not already failed out of the run.
func (st *runState) active() []*workitem.Item {
	var out []*workitem.Item
	for _, it := range st.items {
		if o, ok := st.outcomes[it.ID]; ok && o.Failure != "" {
			continue
		}
		out = append(out, it)
	}
	return out
}

// Run executes a remediation run to completion. The returned summary
// is non-nil even on error so callers always see per-item outcomes.
func (r *Runner) Run(ctx context.Context, req Request) (*Summary, error) {
	ctx, span := r.tracer.Start(ctx, "pipeline.Run",
		trace.WithAttributes(
			attribute.String("run.id", req.RunID),
			attribute.Int("run.items", len(req.ItemIDs))))
	defer span.End()

	st := &runState{
		req:      req,
		answers:  make(map[string]string),
		produced: make(map[string]ProducerOutput),
		rawOut:   make(map[string]json.RawMessage),
		resume:   make(map[string]agent.ContinuationToken),
		outcomes: make(map[string]*ItemOutcome),
		started:  time.Now(),
	}

	r.emit(st, event.TypeStarted, "", map[string]any{"item_ids": req.ItemIDs})

	items, err := r.store.Load(ctx, req.ItemIDs)
	if err != nil {
		return r.fail(st, fmt.Errorf("load work items: %w", err))
	}
	st.items = items
	for _, it := range items {
		st.outcome(it.ID)
	}

	if r.skipClarification(req.Options) {
		st.phase = PhasePlanning
	} else {
		st.phase = PhaseClarifying
		r.emit(st, event.TypePhaseChanged, "", string(st.phase))
		if err := r.clarify(ctx, st); err != nil {
			return r.fail(st, err)
		}
		if err := r.advance(st, PhasePlanning); err != nil {
			return r.fail(st, err)
		}
	}

	plan, err := BuildPlan(st.active(), r.maxPerStep)
	if err != nil {
		return r.fail(st, err)
	}
	r.logger.Info("execution plan built",
		zap.String("run_id", req.RunID),
		zap.Int("steps", len(plan.Steps)),
		zap.Int("items", len(st.active())))

	if err := r.advance(st, PhaseExecuting); err != nil {
		return r.fail(st, err)
	}
	if err := r.execute(ctx, st, plan); err != nil {
		return r.fail(st, err)
	}

	if err := r.advance(st, PhaseValidating); err != nil {
		return r.fail(st, err)
	}
	if err := r.validateAll(ctx, st); err != nil {
		return r.fail(st, err)
	}

	if err := r.advance(st, PhaseCommitting); err != nil {
		return r.fail(st, err)
	}
	if err := r.commit(ctx, st); err != nil {
		return r.fail(st, err)
	}

	if err := r.advance(st, PhaseDone); err != nil {
		return r.fail(st, err)
	}
	summary := r.summarize(st)
	r.emit(st, event.TypeRunCompleted, "", summary)
	return summary, nil
}

// clarify raises pending questions for ambiguous items and blocks on
// answers. An unanswered question proceeds with defaults unless the
// run is configured to fail the item instead.
func (r *Runner) clarify(ctx context.Context, st *runState) error {
	for _, it := range st.items {
		if it.Clarification == "" {
			continue
		}
		qid := r.questions.Register(question.Question{
			RunID:  st.req.RunID,
			ItemID: it.ID,
			Text:   it.Clarification,
		})
		r.emit(st, event.TypeQuestionRaised, it.ID, map[string]string{
			"question_id": qid,
			"text":        it.Clarification,
		})

		ans, err := r.questions.Wait(ctx, qid, r.cfg.QuestionTimeout.Duration())
		if err != nil {
			return fmt.Errorf("waiting for answer to %s: %w", qid, err)
		}
		r.emit(st, event.TypeQuestionResolved, it.ID, ans)

		if ans.Unanswered {
			if r.cfg.FailOnUnanswered {
				o := st.outcome(it.ID)
				o.Failure = "clarification unanswered"
				continue
			}
			r.logger.Info("clarification timed out, proceeding with defaults",
				zap.String("run_id", st.req.RunID),
				zap.String("item_id", it.ID))
			continue
		}
		st.answers[it.ID] = ans.Value
	}
	return nil
}

// execute runs the plan: steps in order, items within a step
// concurrently. A sibling failure never aborts the step unless the
// run is fail-fast.
func (r *Runner) execute(ctx context.Context, st *runState, plan *Plan) error {
	failFast := r.failFast(st.req.Options)

	for _, step := range plan.Steps {
		if err := ctx.Err(); err != nil {
			return err
		}
		r.emit(st, event.TypeStepStarted, "", map[string]any{
			"step":  step.Index,
			"items": itemIDs(step.Items),
		})

		stepCtx := ctx
		var cancel context.CancelFunc
		if failFast {
			stepCtx, cancel = context.WithCancel(ctx)
		}

		var wg sync.WaitGroup
		var mu sync.Mutex
		var stepFailed bool
		for _, it := range step.Items {
			wg.Add(1)
			go func(it *workitem.Item) {
				defer wg.Done()
				err := r.produceItem(stepCtx, st, it, 1, nil)
				if err != nil {
					mu.Lock()
					st.outcome(it.ID).Failure = err.Error()
					stepFailed = true
					mu.Unlock()
					_ = r.store.UpdateStatus(context.WithoutCancel(ctx), it.ID, workitem.StatusOpen, workitem.Meta{})
					if failFast {
						cancel()
					}
				}
			}(it)
		}
		wg.Wait()
		if cancel != nil {
			cancel()
		}

		r.emit(st, event.TypeStepCompleted, "", map[string]any{"step": step.Index})
		if stepFailed && failFast {
			return fmt.Errorf("step %d failed and the run is fail-fast", step.Index)
		}
	}
	return nil
}

// produceItem invokes the producer agent for one item and records its
// output. feedback is non-nil on the retry attempt.
func (r *Runner) produceItem(ctx context.Context, st *runState, it *workitem.Item, attempt int, feedback []challenger.Finding) error {
	if attempt == 1 {
		if err := r.store.UpdateStatus(ctx, it.ID, workitem.StatusInProgress, workitem.Meta{StepIndex: it.StepIndex}); err != nil {
			return fmt.Errorf("mark %s in progress: %w", it.ID, err)
		}
	}

	payload, err := json.Marshal(map[string]any{
		"item":          it,
		"clarification": st.answers[it.ID],
		"feedback":      feedback,
		"attempt":       attempt,
	})
	if err != nil {
		return err
	}

	// A retry resumes the first attempt's accumulated agent context.
	res, err := r.invoker.Invoke(ctx, agent.Task{
		ID:         fmt.Sprintf("%s:%s:producer:%d", st.req.RunID, it.ID, attempt),
		Role:       agent.RoleProducer,
		Payload:    payload,
		WorkingDir: st.req.WorkingDir,
		Resume:     st.resume[it.ID],
	})
	if err != nil {
		return fmt.Errorf("producer for %s: %w", it.ID, err)
	}
	if res.Err != nil {
		return fmt.Errorf("producer for %s: %w", it.ID, res.Err)
	}
	if !res.Success {
		return fmt.Errorf("producer for %s reported failure: %s", it.ID, res.Summary)
	}

	var out ProducerOutput
	if len(res.Payload) > 0 {
		if err := json.Unmarshal(res.Payload, &out); err != nil {
			return fmt.Errorf("producer output for %s: %w", it.ID, err)
		}
	}

	o := st.outcome(it.ID)
	o.Attempts = attempt
	st.produced[it.ID] = out
	st.rawOut[it.ID] = res.Payload
	if res.Continuation != "" {
		st.resume[it.ID] = res.Continuation
	}
	return nil
}

// validateAll scores every produced fix through the challenger loop.
// The first loop iteration replays the output already produced during
// EXECUTING; a second iteration is the single retry, invoked with the
// validator's findings.
func (r *Runner) validateAll(ctx context.Context, st *runState) error {
	threshold := r.satisfactionThreshold(st.req.Options)

	for _, it := range st.active() {
		if err := ctx.Err(); err != nil {
			return err
		}
		it := it
		o := st.outcome(it.ID)

		attempts := maxAttemptsPerItem
		if opt := st.req.Options.MaxIterations; opt != nil && *opt > 0 && *opt < attempts {
			attempts = *opt
		}

		loopCfg := r.chalCfg
		loopCfg.SatisfactionThreshold = threshold
		loopCfg.MaxIterations = attempts
		loopCfg.ForcedAcceptanceThreshold = threshold // sub-threshold is never accepted here
		loopCfg.StagnationWindow = 0

		produce := func(ctx context.Context, iteration int, feedback []challenger.Finding) (json.RawMessage, error) {
			if iteration == 1 {
				return st.rawOut[it.ID], nil
			}
			if err := r.advance(st, PhaseRetrying); err != nil {
				return nil, err
			}
			err := r.produceItem(ctx, st, it, iteration, feedback)
			if advErr := r.advance(st, PhaseValidating); advErr != nil {
				return nil, advErr
			}
			if err != nil {
				return nil, err
			}
			return st.rawOut[it.ID], nil
		}

		validate := func(ctx context.Context, candidate json.RawMessage) (challenger.Verdict, error) {
			return r.validateCandidate(ctx, st, it, candidate)
		}

		state, err := challenger.Run(ctx, produce, validate, loopCfg, r.logger)
		if state != nil {
			o.Score = state.BestScore
			if len(state.Verdicts) > 0 {
				o.Findings = state.Verdicts[len(state.Verdicts)-1].Findings
			}
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			o.Failure = err.Error()
			if resetErr := r.store.UpdateStatus(ctx, it.ID, workitem.StatusOpen, workitem.Meta{}); resetErr != nil {
				r.logger.Warn("failed to reset work item",
					zap.String("item_id", it.ID), zap.Error(resetErr))
			}
			o.Status = workitem.StatusOpen
			continue
		}
		o.Solved = true
	}
	return nil
}

// validateCandidate runs the red-flag gates, then the validator agent.
func (r *Runner) validateCandidate(ctx context.Context, st *runState, it *workitem.Item, candidate json.RawMessage) (challenger.Verdict, error) {
	r.emit(st, event.TypeValidatorEval, it.ID, nil)

	var out ProducerOutput
	if len(candidate) > 0 {
		if err := json.Unmarshal(candidate, &out); err != nil {
			return challenger.Verdict{}, fmt.Errorf("candidate for %s: %w", it.ID, err)
		}
	}

	if verdict, err := r.gate.Check(ctx, it, st.req.WorkingDir, out); err != nil {
		return challenger.Verdict{}, err
	} else if verdict != nil {
		r.emit(st, event.TypeValidatorResult, it.ID, verdict)
		return *verdict, nil
	}

	payload, err := json.Marshal(map[string]any{
		"item":      it,
		"candidate": json.RawMessage(candidate),
	})
	if err != nil {
		return challenger.Verdict{}, err
	}

	res, err := r.invoker.Invoke(ctx, agent.Task{
		ID:         fmt.Sprintf("%s:%s:validator:%d", st.req.RunID, it.ID, st.outcome(it.ID).Attempts),
		Role:       agent.RoleValidator,
		Payload:    payload,
		WorkingDir: st.req.WorkingDir,
		Timeout:    r.chalCfg.ValidatorTimeout.Duration(),
	})
	if err != nil {
		return challenger.Verdict{}, fmt.Errorf("validator for %s: %w", it.ID, err)
	}
	if res.Err != nil {
		return challenger.Verdict{}, fmt.Errorf("validator for %s: %w", it.ID, res.Err)
	}

	var verdict challenger.Verdict
	if err := json.Unmarshal(res.Payload, &verdict); err != nil {
		return challenger.Verdict{}, fmt.Errorf("validator verdict for %s: %w", it.ID, err)
	}
	r.emit(st, event.TypeValidatorResult, it.ID, verdict)
	return verdict, nil
}

// commit records every solved fix. Items that fail to commit are
// reset rather than left half-resolved.
func (r *Runner) commit(ctx context.Context, st *runState) error {
	for _, it := range st.items {
		o := st.outcome(it.ID)
		if !o.Solved {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		branch := st.produced[it.ID].Branch
		if branch == "" {
			branch = "remedy/" + it.ID
		}
		message := fmt.Sprintf("fix %s: %s", it.ID, st.produced[it.ID].Summary)

		ref, err := r.committer.Commit(ctx, st.req.WorkingDir, branch, message)
		if err != nil {
			o.Solved = false
			o.Failure = fmt.Sprintf("commit failed: %v", err)
			if resetErr := r.store.UpdateStatus(ctx, it.ID, workitem.StatusOpen, workitem.Meta{}); resetErr != nil {
				r.logger.Warn("failed to reset work item after commit failure",
					zap.String("item_id", it.ID), zap.Error(resetErr))
			}
			o.Status = workitem.StatusOpen
			continue
		}

		if err := r.store.UpdateStatus(ctx, it.ID, workitem.StatusResolved, workitem.Meta{
			Branch:    branch,
			CommitRef: ref,
			Score:     o.Score,
		}); err != nil {
			return fmt.Errorf("mark %s resolved: %w", it.ID, err)
		}
		o.Status = workitem.StatusResolved
		o.Branch = branch
		o.CommitRef = ref
		r.logger.Info("fix committed",
			zap.String("run_id", st.req.RunID),
			zap.String("item_id", it.ID),
			zap.String("commit", ref))
	}
	return nil
}

func (r *Runner) summarize(st *runState) *Summary {
	s := &Summary{
		RunID:      st.req.RunID,
		Phase:      st.phase,
		StartedAt:  st.started,
		FinishedAt: time.Now(),
	}
	for _, id := range st.order {
		s.Outcomes = append(s.Outcomes, *st.outcomes[id])
	}
	return s
}

func (r *Runner) advance(st *runState, to Phase) error {
	if err := ValidateTransition(st.phase, to); err != nil {
		return err
	}
	st.phase = to
	r.emit(st, event.TypePhaseChanged, "", string(to))
	r.logger.Debug("phase changed",
		zap.String("run_id", st.req.RunID),
		zap.String("phase", string(to)))
	return nil
}

func (r *Runner) fail(st *runState, err error) (*Summary, error) {
	st.phase = PhaseFailed
	r.emit(st, event.TypeRunFailed, "", err.Error())
	r.logger.Error("run failed",
		zap.String("run_id", st.req.RunID),
		zap.Error(err))
	return r.summarize(st), err
}

func (r *Runner) emit(st *runState, typ event.Type, itemID string, payload any) {
	r.events.Publish(event.Event{
		RunID:   st.req.RunID,
		TaskID:  itemID,
		Type:    typ,
		Payload: payload,
	})
}

func (r *Runner) skipClarification(opts Options) bool {
	if opts.SkipClarification != nil {
		return *opts.SkipClarification
	}
	return r.cfg.SkipClarification
}

func (r *Runner) failFast(opts Options) bool {
	if opts.FailFast != nil {
		return *opts.FailFast
	}
	return r.cfg.FailFast
}

func (r *Runner) satisfactionThreshold(opts Options) int {
	if opts.SatisfactionThreshold != nil {
		return *opts.SatisfactionThreshold
	}
	return r.chalCfg.SatisfactionThreshold
}

func itemIDs(items []*workitem.Item) []string {
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = it.ID
	}
	return out
}
