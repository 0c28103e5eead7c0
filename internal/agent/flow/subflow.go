package flow

import (
	"context"

	"github.com/helmsman-ai/helmsman/internal/agent/events"
	"github.com/helmsman-ai/helmsman/internal/agent/models"
)

// newSubEngine builds the nested engine that executes one super-flow step
// as its own plan, execute, update, report cycle. The sub-planner works on
// a fresh memory so sibling steps cannot contaminate each other, and every
// sub-step runs the tool executor restricted to the parent step's tool
// surface.
func newSubEngine(deps Deps, kind models.SubFlowType) *engine {
	subDeps := deps
	subDeps.Agent = &models.Agent{
		ID:          deps.Agent.ID,
		UserID:      deps.Agent.UserID,
		FlowKind:    models.FlowKindDefault,
		Model:       deps.Agent.Model,
		PlannerMem:  &models.Memory{},
		ExecutorMem: &models.Memory{},
	}
	// The parent engine already watches for queued input and cancels the
	// step context; the nested engine must not pause itself on top of that.
	subDeps.Interrupted = func() bool { return false }

	executor := NewExecutor(subDeps)
	return &engine{
		deps:    subDeps,
		planner: NewPlanner(subDeps.LLM),
		isSuper: false,
		runStep: func(ctx context.Context, mem *models.Memory, step *models.Step, ch chan<- *events.AgentEvent) {
			typed := *step
			typed.SubFlowType = kind
			executor.ExecuteStep(ctx, mem, &typed, ch)
			step.Status = typed.Status
			step.Result = typed.Result
			step.Error = typed.Error
		},
	}
}

// runSubFlow drives the nested engine for one step and filters what bubbles
// up: sub-plan events (already tagged as non-super) and Message/Report reach
// the client, tool chatter and the nested terminal marker stay internal.
// The sub-flow's report becomes the step result.
func runSubFlow(ctx context.Context, deps Deps, step *models.Step, ch chan<- *events.AgentEvent) {
	step.Status = models.StepStatusRunning

	sub := newSubEngine(deps, step.SubFlowType)
	subCh, err := sub.Run(ctx, step.Description)
	if err != nil {
		step.Status = models.StepStatusFailed
		step.Error = err.Error()
		return
	}

	var report, errText string
	completed := false
	for ev := range subCh {
		switch ev.Kind {
		case events.KindPlanCreated, events.KindPlanUpdated:
			emit(ctx, ch, ev)
		case events.KindPlanCompleted:
			completed = true
			emit(ctx, ch, ev)
		case events.KindMessage:
			emit(ctx, ch, ev)
		case events.KindReport:
			report = ev.Text
			emit(ctx, ch, ev)
		case events.KindError:
			errText = ev.Text
		}
	}

	if completed {
		step.Status = models.StepStatusCompleted
		step.Result = report
		return
	}
	step.Status = models.StepStatusFailed
	if errText == "" {
		errText = "sub-flow ended without completing its plan"
	}
	step.Error = errText
}
