package engine

import (
	"encoding/json"
	"fmt"

	"github.com/n8n-work/engine-go/internal/models"
	"github.com/n8n-work/engine-go/internal/refresolver"
)

// isLargeOutput applies the large-payload heuristic: string >10KB, array
// >100 items, or >50KB once JSON-encoded.
func isLargeOutput(v interface{}) bool {
	switch t := v.(type) {
	case string:
		if len(t) > models.LargeStringBytesThreshold {
			return true
		}
	case []interface{}:
		if len(t) > models.LargeArrayLengthThreshold {
			return true
		}
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return false
	}
	return len(raw) > models.LargeOutputBytesThreshold
}

// computeWorkflowOutput resolves the workflow's declared output reference,
// falling back to the last step's output, and applies the large-payload
// sentinel when the chosen value is oversized. The full value always
// remains available through StepResult; only the workflow output record
// is trimmed.
func computeWorkflowOutput(pad refresolver.Scratchpad, wf *models.Workflow, lastStepName string) (map[string]interface{}, []string, error) {
	var value interface{}
	var head string

	if wf.Output != "" {
		v, err := refresolver.Resolve(pad, wf.Output)
		if err != nil {
			return nil, nil, fmt.Errorf("engine: resolve workflow output %q: %w", wf.Output, err)
		}
		value = v
		head = wf.Output
	} else if lastStepName != "" {
		value = pad[lastStepName]
		head = lastStepName
	}

	if isLargeOutput(value) {
		return map[string]interface{}{"value": models.ExcludedOutputSentinel}, []string{head}, nil
	}

	if m, ok := value.(map[string]interface{}); ok {
		return m, nil, nil
	}
	return map[string]interface{}{"value": value}, nil, nil
}

// foreachContainerValue shapes a forEach/parallel-group batch result into
// the aggregate value stored under the parent step's name.
func foreachContainerValue(res *refresolver.Result) map[string]interface{} {
	switch res.Mode {
	case models.ForEachRace:
		var winner interface{}
		if res.Winner != nil {
			winner = *res.Winner
		}
		var out interface{}
		if len(res.Outputs) > 0 {
			out = res.Outputs[0]
		}
		return map[string]interface{}{"mode": string(res.Mode), "winner": winner, "output": out}
	case models.ForEachAllSettled:
		settled := make([]interface{}, len(res.Settled))
		for i, s := range res.Settled {
			settled[i] = map[string]interface{}{"status": s.Status, "value": s.Value, "reason": s.Reason}
		}
		return map[string]interface{}{"mode": string(res.Mode), "settled": settled}
	default:
		return map[string]interface{}{"mode": string(res.Mode), "outputs": res.Outputs}
	}
}
