package template

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Scope is the read-only data an input template is resolved against.
type Scope struct {
	Context map[string]any
	// Outputs holds the output of every dependency that finished with SUCCESS.
	Outputs map[string]map[string]any
}

// ResolveInput resolves a node input template into a concrete input document.
func ResolveInput(input map[string]any, scope Scope) (map[string]any, error) {
	if input == nil {
		return map[string]any{}, nil
	}

	resolved, err := Resolve(input, scope)
	if err != nil {
		return nil, err
	}

	doc, _ := resolved.(map[string]any)

	return doc, nil
}

// Resolve returns a copy of doc with every expression replaced. A string that
// is exactly one expression takes the referenced value's type; expressions
// embedded in text are rendered as text.
func Resolve(doc any, scope Scope) (any, error) {
	switch value := doc.(type) {
	case string:
		return resolveString(value, scope)
	case map[string]any:
		out := make(map[string]any, len(value))

		for key, item := range value {
			resolved, err := Resolve(item, scope)
			if err != nil {
				return nil, err
			}

			out[key] = resolved
		}

		return out, nil
	case []any:
		out := make([]any, len(value))

		for i, item := range value {
			resolved, err := Resolve(item, scope)
			if err != nil {
				return nil, err
			}

			out[i] = resolved
		}

		return out, nil
	default:
		return value, nil
	}
}

func resolveString(input string, scope Scope) (any, error) {
	if !strings.Contains(input, openDelim) {
		return input, nil
	}

	segments, err := Parse(input)
	if err != nil {
		return nil, err
	}

	if len(segments) == 1 && segments[0].Expr != nil {
		return Evaluate(segments[0].Expr, scope)
	}

	var builder strings.Builder

	for _, segment := range segments {
		if segment.Expr == nil {
			builder.WriteString(segment.Text)

			continue
		}

		value, err := Evaluate(segment.Expr, scope)
		if err != nil {
			return nil, err
		}

		text, err := stringify(value)
		if err != nil {
			return nil, &ResolutionError{Expression: segment.Expr.Raw, Reason: err.Error(), Err: ErrUnresolvedPath}
		}

		builder.WriteString(text)
	}

	return builder.String(), nil
}

// Evaluate walks an expression's path through the scope.
func Evaluate(expr *Expression, scope Scope) (any, error) {
	var current any

	if expr.Node == "" {
		if scope.Context == nil {
			return nil, &ResolutionError{Expression: expr.Raw, Reason: "run has no context", Err: ErrUnresolvedPath}
		}

		current = scope.Context
	} else {
		output, ok := scope.Outputs[expr.Node]
		if !ok {
			return nil, &ResolutionError{
				Expression: expr.Raw,
				Reason:     fmt.Sprintf("node %q is not a successful dependency", expr.Node),
				Err:        ErrUnknownNode,
			}
		}

		current = output
	}

	for i, segment := range expr.Path {
		next, ok := step(current, segment)
		if !ok {
			return nil, &ResolutionError{
				Expression: expr.Raw,
				Reason:     fmt.Sprintf("segment %q not found", strings.Join(expr.Path[:i+1], ".")),
				Err:        ErrUnresolvedPath,
			}
		}

		current = next
	}

	if current == nil {
		return nil, &ResolutionError{Expression: expr.Raw, Reason: "value is null", Err: ErrUnresolvedPath}
	}

	return current, nil
}

func step(current any, segment string) (any, bool) {
	switch value := current.(type) {
	case map[string]any:
		next, ok := value[segment]

		return next, ok
	case map[string]string:
		next, ok := value[segment]

		return next, ok
	case []any:
		index, err := strconv.Atoi(segment)
		if err != nil || index < 0 || index >= len(value) {
			return nil, false
		}

		return value[index], true
	default:
		return nil, false
	}
}

func stringify(value any) (string, error) {
	if s, ok := value.(string); ok {
		return s, nil
	}

	encoded, err := json.Marshal(value)
	if err != nil {
		return "", err
	}

	return string(encoded), nil
}
