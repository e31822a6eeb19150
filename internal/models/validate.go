package models

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

var structValidator = validator.New()

// Validate checks a Workflow's struct tags plus the set invariant
// validator tags can't express: step names must be unique, and a
// user-declared step name must not collide with the `base[index]` shape
// a forEach expansion would produce for some other step.
func Validate(wf *Workflow) error {
	if err := structValidator.Struct(wf); err != nil {
		return fmt.Errorf("models: invalid workflow %q: %w", wf.ID, err)
	}

	seen := make(map[string]bool, len(wf.Steps))
	for _, step := range wf.Steps {
		if seen[step.Name] {
			return fmt.Errorf("models: workflow %q declares step name %q more than once", wf.ID, step.Name)
		}
		seen[step.Name] = true
	}

	for _, step := range wf.Steps {
		if step.Config != nil && step.Config.ForEach != nil {
			for other := range seen {
				if other != step.Name && strings.HasPrefix(other, step.Name+"[") {
					return fmt.Errorf("models: step %q's forEach expansion would collide with declared step %q", step.Name, other)
				}
			}
		}
		if err := validateAction(wf.ID, &step); err != nil {
			return err
		}
	}
	return nil
}

func validateAction(workflowID string, step *Step) error {
	switch step.Action {
	case ActionTool:
		if step.Tool == nil {
			return fmt.Errorf("models: workflow %q step %q: action=tool requires a tool config", workflowID, step.Name)
		}
	case ActionCode:
		if step.Code == nil {
			return fmt.Errorf("models: workflow %q step %q: action=code requires a code config", workflowID, step.Name)
		}
	case ActionSleep:
		if step.Sleep == nil {
			return fmt.Errorf("models: workflow %q step %q: action=sleep requires a sleep config", workflowID, step.Name)
		}
	case ActionWaitForSignal:
		if step.WaitForSignal == nil {
			return fmt.Errorf("models: workflow %q step %q: action=wait_for_signal requires a wait_for_signal config", workflowID, step.Name)
		}
	}
	return nil
}
