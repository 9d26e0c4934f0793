// Package template resolves {{ path.to.value }} expressions in node input
// templates against the run context and the outputs of completed dependencies.
package template

import (
	"errors"
	"fmt"
	"strings"
)

const (
	// RootContext addresses the run's trigger context.
	RootContext = "context"
	// outputSegment follows a node id to address that node's output document.
	outputSegment = "output"

	openDelim  = "{{"
	closeDelim = "}}"
)

var (
	ErrSyntax         = errors.New("invalid template expression")
	ErrUnresolvedPath = errors.New("path does not resolve to a value")
	ErrUnknownNode    = errors.New("referenced node has no successful output")
)

// ResolutionError describes why an expression could not be resolved.
type ResolutionError struct {
	Expression string
	Reason     string
	Err        error
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("cannot resolve {{%s}}: %s", e.Expression, e.Reason)
}

func (e *ResolutionError) Unwrap() error {
	return e.Err
}

// IsResolutionError reports whether err came from template resolution.
func IsResolutionError(err error) bool {
	var resolutionErr *ResolutionError

	return errors.As(err, &resolutionErr)
}

// Expression is a parsed path. Node is empty for context expressions.
type Expression struct {
	Raw  string
	Node string
	Path []string
}

// Segment is either literal text or an expression within a string leaf.
type Segment struct {
	Text string
	Expr *Expression
}

// Parse splits a string into literal text and expressions.
func Parse(input string) ([]Segment, error) {
	var segments []Segment

	rest := input
	for {
		start := strings.Index(rest, openDelim)
		if start < 0 {
			if rest != "" {
				segments = append(segments, Segment{Text: rest})
			}

			return segments, nil
		}

		if start > 0 {
			segments = append(segments, Segment{Text: rest[:start]})
		}

		end := strings.Index(rest[start+len(openDelim):], closeDelim)
		if end < 0 {
			return nil, &ResolutionError{Expression: rest[start+len(openDelim):], Reason: "unterminated expression", Err: ErrSyntax}
		}

		raw := rest[start+len(openDelim) : start+len(openDelim)+end]

		expr, err := ParseExpression(raw)
		if err != nil {
			return nil, err
		}

		segments = append(segments, Segment{Expr: expr})
		rest = rest[start+len(openDelim)+end+len(closeDelim):]
	}
}

// ParseExpression parses the inside of a {{ }} pair.
func ParseExpression(raw string) (*Expression, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, &ResolutionError{Expression: raw, Reason: "empty expression", Err: ErrSyntax}
	}

	parts := strings.Split(trimmed, ".")
	for _, part := range parts {
		if part == "" || strings.ContainsAny(part, " \t{}") {
			return nil, &ResolutionError{Expression: trimmed, Reason: "malformed path", Err: ErrSyntax}
		}
	}

	if parts[0] == RootContext {
		return &Expression{Raw: trimmed, Path: parts[1:]}, nil
	}

	if len(parts) < 2 || parts[1] != outputSegment {
		return nil, &ResolutionError{
			Expression: trimmed,
			Reason:     fmt.Sprintf("expected %q or <node>.%s", RootContext, outputSegment),
			Err:        ErrSyntax,
		}
	}

	return &Expression{Raw: trimmed, Node: parts[0], Path: parts[2:]}, nil
}

// References returns the distinct node ids referenced anywhere in doc.
// Malformed expressions are ignored.
func References(doc any) []string {
	seen := map[string]struct{}{}

	var refs []string

	walkStrings(doc, func(s string) {
		segments, err := Parse(s)
		if err != nil {
			return
		}

		for _, segment := range segments {
			if segment.Expr == nil || segment.Expr.Node == "" {
				continue
			}

			if _, ok := seen[segment.Expr.Node]; ok {
				continue
			}

			seen[segment.Expr.Node] = struct{}{}
			refs = append(refs, segment.Expr.Node)
		}
	})

	return refs
}

func walkStrings(doc any, fn func(string)) {
	switch value := doc.(type) {
	case string:
		fn(value)
	case map[string]any:
		for _, item := range value {
			walkStrings(item, fn)
		}
	case []any:
		for _, item := range value {
			walkStrings(item, fn)
		}
	}
}
