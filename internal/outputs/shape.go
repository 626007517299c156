package outputs

import (
	"fmt"
	"strings"
)

type ShapeResult struct {
	Valid  bool     `json:"valid"`
	Data   any      `json:"data"`
	Errors []string `json:"errors,omitempty"`
}

// ValidateShape reports required fields missing from obj. A null field
// counts as missing. It never fails: callers decide what to do with a
// partially valid object.
func ValidateShape(obj any, required []string) ShapeResult {
	res := ShapeResult{Data: obj}
	m, ok := obj.(map[string]any)
	if !ok {
		if len(required) > 0 {
			res.Errors = append(res.Errors, fmt.Sprintf("expected object, got %s", kind(obj)))
		}
		res.Valid = len(res.Errors) == 0
		return res
	}
	for _, field := range required {
		if v, ok := m[field]; !ok || v == nil {
			res.Errors = append(res.Errors, "missing required field: "+field)
		}
	}
	res.Valid = len(res.Errors) == 0
	return res
}

// ShapeValidationWarning carries non-fatal validation problems for one
// feature's output.
type ShapeValidationWarning struct {
	Feature  string
	Problems []string
}

func (w *ShapeValidationWarning) Error() string {
	return fmt.Sprintf("%s output failed validation: %s", w.Feature, strings.Join(w.Problems, "; "))
}

func kind(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case []any:
		return "array"
	case string:
		return "string"
	case float64:
		return "number"
	case bool:
		return "boolean"
	default:
		return fmt.Sprintf("%T", v)
	}
}
