package pipeline

import (
	"errors"

	"github.com/fyrsmithlabs/remedyd/internal/workitem"
)

// ErrPlanningInfeasible is returned when no execution step can be
// built at all.
var ErrPlanningInfeasible = errors.New("no executable plan could be built")

// Step is a batch of items executed concurrently within one
// sequential phase of the plan.
type Step struct {
	Index int
	Items []*workitem.Item
}

// Plan orders steps; steps run sequentially, items within a step run
// concurrently.
type Plan struct {
	Steps []Step
}

// BuildPlan partitions items into steps. Two items sharing a resource
// key never share a step; independent items are packed together up to
// maxPerStep. A non-positive maxPerStep falls back to fully-serial
// execution.
func BuildPlan(items []*workitem.Item, maxPerStep int) (*Plan, error) {
	if len(items) == 0 {
		return nil, ErrPlanningInfeasible
	}

	if maxPerStep <= 0 {
		plan := &Plan{}
		for i, it := range items {
			plan.Steps = append(plan.Steps, Step{Index: i, Items: []*workitem.Item{it}})
		}
		return plan, nil
	}

	var steps []Step
	keysInStep := make([]map[string]bool, 0)

	place := func(it *workitem.Item) {
		for i := range steps {
			if len(steps[i].Items) >= maxPerStep {
				continue
			}
			if it.ResourceKey != "" && keysInStep[i][it.ResourceKey] {
				continue
			}
			steps[i].Items = append(steps[i].Items, it)
			if it.ResourceKey != "" {
				keysInStep[i][it.ResourceKey] = true
			}
			return
		}
		keys := make(map[string]bool)
		if it.ResourceKey != "" {
			keys[it.ResourceKey] = true
		}
		steps = append(steps, Step{Index: len(steps), Items: []*workitem.Item{it}})
		keysInStep = append(keysInStep, keys)
	}

	for _, it := range items {
		place(it)
	}

	return &Plan{Steps: steps}, nil
}
