// Package refresolver resolves @-reference strings against an execution's
// scratchpad and drives forEach/parallel control flow over step
// iterations.
package refresolver

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// refPattern is the strict reference grammar: an '@', an identifier head,
// then zero or more '.'-separated identifier or integer segments. No
// expressions, no function calls — only path navigation.
var refPattern = regexp.MustCompile(`^@([A-Za-z_][A-Za-z0-9_]*)((?:\.[A-Za-z0-9_]+)*)$`)

// ResolutionError is a fatal, non-retryable error for the step whose input
// contained the offending reference.
type ResolutionError struct {
	Ref    string
	Reason string
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("refresolver: cannot resolve %q: %s", e.Ref, e.Reason)
}

// Scratchpad maps reserved and step-name heads to their values: "input",
// "item", "index" plus one entry per completed step name.
type Scratchpad map[string]interface{}

// IsReference reports whether s is syntactically a whole-value reference.
func IsReference(s string) bool {
	return refPattern.MatchString(s)
}

// Resolve looks up the value addressed by a reference string. Strings not
// matching the reference grammar are returned as an error; callers should
// check IsReference first when a literal string is also acceptable.
func Resolve(pad Scratchpad, ref string) (interface{}, error) {
	m := refPattern.FindStringSubmatch(ref)
	if m == nil {
		return nil, &ResolutionError{Ref: ref, Reason: "does not match @head[.seg]* grammar"}
	}
	head, rest := m[1], m[2]

	val, ok := pad[head]
	if !ok {
		return nil, &ResolutionError{Ref: ref, Reason: fmt.Sprintf("unknown head %q", head)}
	}
	if rest == "" {
		return val, nil
	}
	path := strings.TrimPrefix(rest, ".")

	raw, err := json.Marshal(val)
	if err != nil {
		return nil, &ResolutionError{Ref: ref, Reason: fmt.Sprintf("head %q is not serialisable: %v", head, err)}
	}
	result := gjson.GetBytes(raw, path)
	if !result.Exists() {
		return nil, &ResolutionError{Ref: ref, Reason: fmt.Sprintf("path %q not found under %q (out of range or indexing a non-object)", path, head)}
	}
	return result.Value(), nil
}

// Substitute deep-walks v (maps, slices, and strings) and replaces every
// string that is, in its entirety, a reference with its resolved value.
// A reference embedded inside a larger string is left untouched as a
// literal — only whole-value references substitute.
func Substitute(pad Scratchpad, v interface{}) (interface{}, error) {
	switch t := v.(type) {
	case string:
		if IsReference(t) {
			return Resolve(pad, t)
		}
		return t, nil
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, val := range t {
			sub, err := Substitute(pad, val)
			if err != nil {
				return nil, err
			}
			out[k] = sub
		}
		return out, nil
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, val := range t {
			sub, err := Substitute(pad, val)
			if err != nil {
				return nil, err
			}
			out[i] = sub
		}
		return out, nil
	default:
		return v, nil
	}
}

// SubstituteJSONPath applies a single resolved value into a larger JSON
// document at a dotted path, used when a step runner needs to graft one
// resolved field into an otherwise-literal request body. Exposed for
// StepRunner implementations that build requests incrementally rather
// than through a full Substitute pass.
func SubstituteJSONPath(doc []byte, path string, value interface{}) ([]byte, error) {
	out, err := sjson.SetBytes(doc, path, value)
	if err != nil {
		return nil, fmt.Errorf("refresolver: set path %q: %w", path, err)
	}
	return out, nil
}
