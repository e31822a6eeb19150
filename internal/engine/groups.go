package engine

import "github.com/n8n-work/engine-go/internal/models"

// unitKind discriminates how a run of one or more declared steps is
// walked: one at a time, expanded per forEach item, or batched as a
// parallel group.
type unitKind string

const (
	unitSingle        unitKind = "single"
	unitForEach       unitKind = "forEach"
	unitParallelGroup unitKind = "parallelGroup"
)

// stepUnit is one entry of the Executor's walk order. steps has length 1
// except for unitParallelGroup, which carries every step sharing the
// group's id.
type stepUnit struct {
	kind  unitKind
	steps []models.Step
}

// groupSteps folds a Workflow's flat step list into walk units, merging
// contiguous steps that share config.parallel.group into one batch.
func groupSteps(steps []models.Step) []stepUnit {
	var units []stepUnit
	i := 0
	for i < len(steps) {
		s := steps[i]
		switch {
		case s.Config != nil && s.Config.Parallel != nil:
			group := s.Config.Parallel.Group
			j := i
			var batch []models.Step
			for j < len(steps) && steps[j].Config != nil && steps[j].Config.Parallel != nil && steps[j].Config.Parallel.Group == group {
				batch = append(batch, steps[j])
				j++
			}
			units = append(units, stepUnit{kind: unitParallelGroup, steps: batch})
			i = j
		case s.Config != nil && s.Config.ForEach != nil:
			units = append(units, stepUnit{kind: unitForEach, steps: []models.Step{s}})
			i++
		default:
			units = append(units, stepUnit{kind: unitSingle, steps: []models.Step{s}})
			i++
		}
	}
	return units
}
