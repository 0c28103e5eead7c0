package api

import (
	"time"

	"github.com/helmsman-ai/helmsman/internal/agent/events"
	"github.com/helmsman-ai/helmsman/internal/agent/models"
	v1 "github.com/helmsman-ai/helmsman/pkg/api/v1"
)

// Stream frame discriminators.
const (
	frameMessage   = "message"
	frameTool      = "tool"
	frameStep      = "step"
	framePlan      = "plan"
	frameTitle     = "title"
	frameError     = "error"
	frameDone      = "done"
	frameUserInput = "user_input"
)

// streamedTools is the set of tools surfaced to clients. Internal tool
// activity outside this set stays off the wire.
var streamedTools = map[string]bool{
	"shell":      true,
	"write_file": true,
	"read_file":  true,
	"list_files": true,
	"web_search": true,
	"fetch_url":  true,
}

// framesFor flattens one buffered event into stream frames. Some events
// fan out: a created plan carries its title and status message as separate
// frames so chat-style clients can render them without understanding plans.
func framesFor(rec *events.BufferedEvent) []v1.StreamEvent {
	base := func(frameType string) v1.StreamEvent {
		return v1.StreamEvent{
			Type:      frameType,
			Sequence:  rec.Sequence,
			Timestamp: rec.Timestamp.UTC().Format(time.RFC3339Nano),
		}
	}
	ev := rec.Event

	switch rec.Kind {
	case events.KindPlanCreated:
		var frames []v1.StreamEvent
		if ev.Plan != nil && ev.Plan.Title != "" {
			title := base(frameTitle)
			title.Text = ev.Plan.Title
			frames = append(frames, title)
		}
		if ev.Plan != nil && ev.Plan.Message != "" {
			msg := base(frameMessage)
			msg.Text = ev.Plan.Message
			frames = append(frames, msg)
		}
		plan := base(framePlan)
		plan.Plan = streamPlan(ev.Plan, ev.IsSuper)
		return append(frames, plan)

	case events.KindPlanUpdated, events.KindPlanCompleted:
		var frames []v1.StreamEvent
		if ev.Plan != nil && ev.Plan.Message != "" {
			msg := base(frameMessage)
			msg.Text = ev.Plan.Message
			frames = append(frames, msg)
		}
		plan := base(framePlan)
		plan.Plan = streamPlan(ev.Plan, ev.IsSuper)
		return append(frames, plan)

	case events.KindStepStarted, events.KindStepFailed:
		frame := base(frameStep)
		frame.Step = streamStep(ev.Step)
		return []v1.StreamEvent{frame}

	case events.KindStepCompleted:
		frame := base(frameStep)
		frame.Step = streamStep(ev.Step)
		frames := []v1.StreamEvent{frame}
		if ev.Step != nil && ev.Step.Result != "" {
			msg := base(frameMessage)
			msg.Text = ev.Step.Result
			frames = append(frames, msg)
		}
		return frames

	case events.KindToolCalling, events.KindToolCalled:
		if !streamedTools[ev.Tool] {
			return nil
		}
		frame := base(frameTool)
		frame.Tool = ev.Tool
		frame.Function = ev.Function
		frame.Args = ev.Args
		frame.Result = ev.Result
		return []v1.StreamEvent{frame}

	case events.KindMessage, events.KindReport:
		frame := base(frameMessage)
		frame.Text = ev.Text
		return []v1.StreamEvent{frame}

	case events.KindUserInput:
		frame := base(frameUserInput)
		frame.Text = ev.Text
		frame.FileIDs = ev.FileIDs
		return []v1.StreamEvent{frame}

	case events.KindError:
		frame := base(frameError)
		frame.Text = ev.Text
		return []v1.StreamEvent{frame}

	case events.KindDone:
		return []v1.StreamEvent{base(frameDone)}

	case events.KindPause:
		// Pause coordinates the runtime and flow; clients see the plan
		// update that precedes it instead.
		return nil

	default:
		return nil
	}
}

func streamPlan(plan *models.Plan, isSuper bool) *v1.StreamPlan {
	if plan == nil {
		return nil
	}
	out := &v1.StreamPlan{
		ID:      plan.ID,
		Title:   plan.Title,
		Goal:    plan.Goal,
		Status:  string(plan.Status),
		Message: plan.Message,
		IsSuper: isSuper,
	}
	for _, s := range plan.Steps {
		if step := streamStep(s); step != nil {
			out.Steps = append(out.Steps, *step)
		}
	}
	return out
}

func streamStep(step *models.Step) *v1.StreamStep {
	if step == nil {
		return nil
	}
	return &v1.StreamStep{
		ID:          step.ID,
		Description: step.Description,
		Status:      string(step.Status),
		SubFlowType: string(step.SubFlowType),
		Result:      step.Result,
		Error:       step.Error,
	}
}
