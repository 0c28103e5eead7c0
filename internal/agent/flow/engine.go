package flow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/helmsman-ai/helmsman/internal/agent/events"
	"github.com/helmsman-ai/helmsman/internal/agent/models"
	"github.com/helmsman-ai/helmsman/internal/common/logger"
)

// ErrBusy is returned when Run is called while a run is in progress.
var ErrBusy = errors.New("flow is already running")

// maxPlanRounds bounds execute/update cycles per run so a planner that
// never converges cannot spin forever.
const maxPlanRounds = 20

// interruptPollInterval is how often an executing run checks for queued
// user input, so an interrupting message cancels in-flight steps instead
// of waiting out their LLM calls.
const interruptPollInterval = 100 * time.Millisecond

// stepRunner executes one step, mutating it to completed or failed.
type stepRunner func(ctx context.Context, mem *models.Memory, step *models.Step, ch chan<- *events.AgentEvent)

// engine is the shared plan, execute, update, report cycle. The default and
// super flows differ only in how steps are dispatched and how plan events
// are tagged.
type engine struct {
	deps    Deps
	planner *Planner
	isSuper bool
	runStep stepRunner
	state   runState

	mu         sync.Mutex
	plan       *models.Plan
	checkpoint int
}

// Run starts processing one user message.
func (e *engine) Run(ctx context.Context, message string) (<-chan *events.AgentEvent, error) {
	if !e.state.begin() {
		return nil, ErrBusy
	}
	ch := make(chan *events.AgentEvent)
	go func() {
		defer close(ch)
		defer e.state.end()
		e.run(ctx, message, ch)
	}()
	return ch, nil
}

// IsIdle reports whether no run is in progress.
func (e *engine) IsIdle() bool {
	return e.state.IsIdle()
}

func (e *engine) run(ctx context.Context, message string, ch chan<- *events.AgentEvent) {
	log := e.deps.Log.WithAgentID(e.deps.AgentID)
	mem := e.deps.Agent.PlannerMem

	plan, err := e.startPlan(ctx, mem, message, ch)
	if err != nil {
		e.fail(ctx, ch, log, "planning failed", err)
		return
	}

	for round := 0; ; round++ {
		if ctx.Err() != nil {
			return
		}
		if round >= maxPlanRounds {
			log.Warn("plan did not converge", zap.Int("rounds", round))
			plan.Status = models.PlanStatusFailed
			e.setPlan(plan)
			emit(ctx, ch, events.NewError("plan did not converge"))
			emit(ctx, ch, events.NewDone())
			return
		}

		pending := plan.PendingSteps()
		if len(pending) == 0 && plan.Status == models.PlanStatusCompleted {
			break
		}

		interrupted := e.executePending(ctx, mem, plan, pending, ch)
		if ctx.Err() != nil {
			return
		}

		// Queued user input supersedes this goal: wind down without another
		// planner round. The next run abandons the paused plan and starts a
		// fresh one for the new message.
		if interrupted {
			plan.Status = models.PlanStatusPaused
			e.setPlan(plan)
			emit(ctx, ch, events.NewPause())
			return
		}

		plan, err = e.planner.UpdatePlan(ctx, mem, plan)
		if err != nil {
			e.fail(ctx, ch, log, "plan update failed", err)
			return
		}
		e.setPlan(plan)

		if plan.Status == models.PlanStatusCompleted {
			break
		}
		if !emit(ctx, ch, events.NewPlanUpdated(plan, e.isSuper)) {
			return
		}
	}

	report, err := e.planner.Report(ctx, mem, plan)
	if err != nil {
		e.fail(ctx, ch, log, "report generation failed", err)
		return
	}
	if !emit(ctx, ch, events.NewReport(report)) {
		return
	}
	if !emit(ctx, ch, events.NewPlanCompleted(plan, e.isSuper)) {
		return
	}
	emit(ctx, ch, events.NewDone())
	log.Info("plan completed", zap.String("plan_id", plan.ID))
}

// fail ends a run on an engine-level error: Error then the terminal event.
func (e *engine) fail(ctx context.Context, ch chan<- *events.AgentEvent, log *logger.Logger, msg string, err error) {
	if ctx.Err() != nil {
		return
	}
	log.WithError(err).Error(msg)
	emit(ctx, ch, events.NewError(err.Error()))
	emit(ctx, ch, events.NewDone())
}

// startPlan begins a fresh top-level plan for the message. When the prior
// plan was paused by an interrupting message, it is abandoned here and the
// planner memory rolls back to its pre-plan checkpoint, so the new goal
// plans from a clean slate.
func (e *engine) startPlan(ctx context.Context, mem *models.Memory, message string, ch chan<- *events.AgentEvent) (*models.Plan, error) {
	e.mu.Lock()
	if e.plan != nil && e.plan.Status == models.PlanStatusPaused {
		mem.Rollback(e.checkpoint)
	}
	e.checkpoint = mem.Checkpoint()
	e.mu.Unlock()

	plan, err := e.planner.CreatePlan(ctx, mem, message)
	if err != nil {
		return nil, err
	}
	e.setPlan(plan)
	if !emit(ctx, ch, events.NewPlanCreated(plan, e.isSuper)) {
		return nil, ctx.Err()
	}
	return plan, nil
}

// executePending runs pending steps group by group. Returns true when
// execution stopped early because user input arrived.
func (e *engine) executePending(ctx context.Context, mem *models.Memory, plan *models.Plan, pending []*models.Step, ch chan<- *events.AgentEvent) bool {
	groups := parallelGroups(pending)

	// Grouping may have rejected mislabelled steps outright.
	for _, step := range pending {
		if step.Status == models.StepStatusFailed {
			emit(ctx, ch, events.NewStepFailed(step))
		}
	}

	// Steps run under a context that is cancelled the moment user input
	// arrives; outcome events still go out on the parent context.
	stepCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go e.watchInterrupt(stepCtx, cancel)

	for _, group := range groups {
		e.executeGroup(ctx, stepCtx, mem, group, ch)
		if ctx.Err() != nil {
			return false
		}

		// Record group outcomes into shared memory, in plan order.
		for _, step := range group {
			if step.Status == models.StepStatusCompleted {
				mem.Add(models.RoleAssistant, fmt.Sprintf("Step %q result: %s", step.Description, truncate(step.Result, 2000)))
			} else if step.Error != "" {
				mem.Add(models.RoleAssistant, fmt.Sprintf("Step %q failed: %s", step.Description, step.Error))
			}
		}

		if e.deps.Interrupted() {
			return true
		}
	}
	return false
}

// watchInterrupt cancels the step context once queued input appears.
func (e *engine) watchInterrupt(ctx context.Context, cancel context.CancelFunc) {
	ticker := time.NewTicker(interruptPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if e.deps.Interrupted() {
				cancel()
				return
			}
		}
	}
}

// executeGroup runs one parallel group. Singleton groups run inline;
// larger groups fan out one goroutine per step.
func (e *engine) executeGroup(ctx, stepCtx context.Context, mem *models.Memory, group []*models.Step, ch chan<- *events.AgentEvent) {
	if len(group) == 1 {
		step := group[0]
		if !emit(ctx, ch, events.NewStepStarted(step)) {
			return
		}
		e.runStep(stepCtx, mem, step, ch)
		e.emitStepOutcome(ctx, step, ch)
		return
	}

	g, gctx := errgroup.WithContext(stepCtx)
	for _, step := range group {
		step := step
		if !emit(ctx, ch, events.NewStepStarted(step)) {
			return
		}
		g.Go(func() error {
			e.runStep(gctx, mem, step, ch)
			return nil
		})
	}
	_ = g.Wait()

	for _, step := range group {
		e.emitStepOutcome(ctx, step, ch)
	}
}

func (e *engine) emitStepOutcome(ctx context.Context, step *models.Step, ch chan<- *events.AgentEvent) {
	switch step.Status {
	case models.StepStatusCompleted:
		emit(ctx, ch, events.NewStepCompleted(step))
	case models.StepStatusFailed:
		emit(ctx, ch, events.NewStepFailed(step))
	}
}

func (e *engine) setPlan(plan *models.Plan) {
	e.mu.Lock()
	e.plan = plan
	e.mu.Unlock()
}

// newDefaultFlow builds the single-level flow: every step runs through the
// general-purpose executor with the full tool surface.
func newDefaultFlow(deps Deps) Flow {
	executor := NewExecutor(deps)
	return &engine{
		deps:    deps,
		planner: NewPlanner(deps.LLM),
		isSuper: false,
		runStep: func(ctx context.Context, mem *models.Memory, step *models.Step, ch chan<- *events.AgentEvent) {
			// The default flow ignores sub-flow typing and exposes all tools.
			untyped := *step
			untyped.SubFlowType = ""
			executor.ExecuteStep(ctx, mem, &untyped, ch)
			step.Status = untyped.Status
			step.Result = untyped.Result
			step.Error = untyped.Error
		},
	}
}

// newSuperFlow builds the hierarchical flow: each step dispatches to the
// specialised sub-flow named by its type. Search steps run the iterative
// research loop; code, file, and reasoning steps run a full nested plan,
// execute, update, report cycle one level down.
func newSuperFlow(deps Deps) Flow {
	research := newResearchLoop(deps)
	return &engine{
		deps:    deps,
		planner: NewPlanner(deps.LLM),
		isSuper: true,
		runStep: func(ctx context.Context, mem *models.Memory, step *models.Step, ch chan<- *events.AgentEvent) {
			if step.SubFlowType == models.SubFlowSearch {
				research.RunStep(ctx, step, ch)
				return
			}
			runSubFlow(ctx, deps, step, ch)
		},
	}
}
