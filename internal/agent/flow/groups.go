package flow

import (
	"github.com/helmsman-ai/helmsman/internal/agent/models"
)

// parallelGroups partitions pending steps into execution groups. A group is
// a contiguous run of steps sharing the same positive sub_plan_step label;
// label 0 always forms a singleton group. Labels must be ascending across
// the list: any step whose label is lower than the one before it is marked
// failed and excluded, and execution proceeds with the rest.
func parallelGroups(steps []*models.Step) [][]*models.Step {
	var groups [][]*models.Step
	highest := 0
	openLabel := -1 // label of the group currently being extended

	for _, step := range steps {
		label := step.SubPlanStep
		if label < 0 || (label > 0 && label < highest) {
			step.Status = models.StepStatusFailed
			step.Error = "invalid parallel group label"
			openLabel = -1
			continue
		}
		if label > highest {
			highest = label
		}

		if label == 0 {
			groups = append(groups, []*models.Step{step})
			openLabel = -1
			continue
		}

		if label == openLabel {
			groups[len(groups)-1] = append(groups[len(groups)-1], step)
			continue
		}
		groups = append(groups, []*models.Step{step})
		openLabel = label
	}

	return groups
}
