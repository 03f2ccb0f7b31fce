package filter

import (
	"fmt"
	"regexp"

	"github.com/jasmin-go/jasmin/internal/routable"
)

// ScriptNode is one node of a sandboxed expression tree. Scripts are built
// from a closed set of tagged variants (no arbitrary code execution, no
// side effects), per the design note replacing the original's embedded
// scripting filter with an expression language.
type ScriptNode struct {
	Op       string       `json:"op"`
	Field    string       `json:"field,omitempty"`
	Value    string       `json:"value,omitempty"`
	Tag      int          `json:"tag,omitempty"`
	Children []ScriptNode `json:"children,omitempty"`
}

// maxScriptDepth bounds recursion so a maliciously deep tree cannot exhaust the stack.
const maxScriptDepth = 32

// field values addressable by an EvalScript expression.
func fieldValue(r *routable.Routable, field string) (string, error) {
	switch field {
	case "source_addr":
		return r.SourceAddr, nil
	case "destination_addr":
		return r.DestinationAddr, nil
	case "short_message":
		return r.ShortMessage, nil
	case "user_id":
		return r.UserID, nil
	case "group_id":
		return r.GroupID, nil
	case "source_connector_id":
		return r.SourceConnectorID, nil
	default:
		return "", fmt.Errorf("eval_script: unknown field %q", field)
	}
}

// Evaluate runs a script node tree to a boolean result. Node kinds:
//
//	"const"  -> Value interpreted as "true"/"false"
//	"eq"     -> fieldValue(Field) == Value
//	"regex"  -> regexp.MatchString(Value, fieldValue(Field))
//	"tag"    -> routable carries Tag
//	"not"    -> !Children[0]
//	"and"    -> all Children true (empty = true)
//	"or"     -> any Children true (empty = false)
func Evaluate(n *ScriptNode, r *routable.Routable) (bool, error) {
	return evaluate(n, r, 0)
}

func evaluate(n *ScriptNode, r *routable.Routable, depth int) (bool, error) {
	if n == nil {
		return false, fmt.Errorf("eval_script: nil node")
	}
	if depth > maxScriptDepth {
		return false, fmt.Errorf("eval_script: expression exceeds max depth %d", maxScriptDepth)
	}

	switch n.Op {
	case "const":
		return n.Value == "true", nil

	case "eq":
		v, err := fieldValue(r, n.Field)
		if err != nil {
			return false, err
		}
		return v == n.Value, nil

	case "regex":
		v, err := fieldValue(r, n.Field)
		if err != nil {
			return false, err
		}
		matched, err := regexp.MatchString(n.Value, v)
		if err != nil {
			return false, fmt.Errorf("eval_script: invalid regex %q: %w", n.Value, err)
		}
		return matched, nil

	case "tag":
		return r.HasTag(n.Tag), nil

	case "not":
		if len(n.Children) != 1 {
			return false, fmt.Errorf("eval_script: not requires exactly 1 child")
		}
		v, err := evaluate(&n.Children[0], r, depth+1)
		if err != nil {
			return false, err
		}
		return !v, nil

	case "and":
		for i := range n.Children {
			v, err := evaluate(&n.Children[i], r, depth+1)
			if err != nil {
				return false, err
			}
			if !v {
				return false, nil
			}
		}
		return true, nil

	case "or":
		for i := range n.Children {
			v, err := evaluate(&n.Children[i], r, depth+1)
			if err != nil {
				return false, err
			}
			if v {
				return true, nil
			}
		}
		return false, nil

	default:
		return false, fmt.Errorf("eval_script: unknown op %q", n.Op)
	}
}
