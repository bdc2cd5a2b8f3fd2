// Package expr evaluates the small, fixed vocabulary of inline
// expressions BitBake recipes embed as ${@...} anonymous-python
// snippets. Full Python execution is an explicit Non-goal (spec.md
// §1); this package recognizes exactly the handful of call shapes
// real recipes actually use (d.getVar, bb.utils.contains,
// bb.utils.contains_any, bb.utils.filter, and "+"-concatenation of
// those) and reports an error — not a panic — for anything else, the
// same closed-dispatch-table shape as the teacher's vars.go evalFunc,
// which only recognizes its own fixed list of Make functions and
// errors on an unknown name rather than trying to execute arbitrary
// code.
package expr

import (
	"fmt"
	"strings"
)

// Store is the variable-read surface an expression needs; the
// evaluator's variable scope satisfies this without expr importing it
// (avoids an import cycle, matches the teacher keeping vars.go
// self-contained rather than reaching into graph.go).
type Store interface {
	Get(name string) (string, bool)
}

// IsExpression reports whether raw (the text between "${" and "}",
// exclusive) is an anonymous-python expression rather than a plain
// variable reference — i.e. it starts with "@".
func IsExpression(raw string) bool {
	return strings.HasPrefix(strings.TrimSpace(raw), "@")
}

// Eval evaluates an expression body (raw, with the leading "@"
// stripped by the caller or still present — both accepted) against
// store.
func Eval(raw string, store Store) (string, error) {
	raw = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(raw), "@"))
	if raw == "" {
		return "", fmt.Errorf("expr: empty expression")
	}
	terms, err := splitConcat(raw)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	for _, term := range terms {
		v, err := evalTerm(term, store)
		if err != nil {
			return "", err
		}
		b.WriteString(v)
	}
	return b.String(), nil
}

// splitConcat splits on top-level "+" (outside parens/quotes), the
// only concatenation operator this vocabulary supports.
func splitConcat(s string) ([]string, error) {
	var terms []string
	depth := 0
	var quote byte
	start := 0
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case quote != 0:
			if c == quote {
				quote = 0
			}
		case c == '\'' || c == '"':
			quote = c
		case c == '(':
			depth++
		case c == ')':
			depth--
			if depth < 0 {
				return nil, fmt.Errorf("expr: unbalanced parentheses in %q", s)
			}
		case c == '+' && depth == 0:
			terms = append(terms, strings.TrimSpace(s[start:i]))
			start = i + 1
		}
	}
	if quote != 0 {
		return nil, fmt.Errorf("expr: unterminated string literal in %q", s)
	}
	if depth != 0 {
		return nil, fmt.Errorf("expr: unbalanced parentheses in %q", s)
	}
	terms = append(terms, strings.TrimSpace(s[start:]))
	return terms, nil
}

func evalTerm(term string, store Store) (string, error) {
	if isQuoted(term) {
		return term[1 : len(term)-1], nil
	}
	name, args, ok := parseCall(term)
	if !ok {
		return "", fmt.Errorf("expr: unsupported term %q (only quoted strings and the builtin calls are allowed)", term)
	}
	fn, ok := builtins[name]
	if !ok {
		return "", fmt.Errorf("expr: unknown function %q", name)
	}
	return fn(args, store)
}

func isQuoted(s string) bool {
	return len(s) >= 2 && ((s[0] == '\'' && s[len(s)-1] == '\'') || (s[0] == '"' && s[len(s)-1] == '"'))
}

// parseCall splits "name(arg1, arg2, ...)" into name and raw argument
// strings (not yet unquoted/evaluated).
func parseCall(s string) (name string, args []string, ok bool) {
	i := strings.IndexByte(s, '(')
	if i < 0 || !strings.HasSuffix(s, ")") {
		return "", nil, false
	}
	name = strings.TrimSpace(s[:i])
	inner := s[i+1 : len(s)-1]
	args = splitArgs(inner)
	return name, args, true
}

// splitArgs splits a call's argument list on top-level commas,
// respecting quotes so a comma inside a string literal isn't treated
// as a separator.
func splitArgs(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	var args []string
	var quote byte
	start := 0
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case quote != 0:
			if c == quote {
				quote = 0
			}
		case c == '\'' || c == '"':
			quote = c
		case c == ',':
			args = append(args, strings.TrimSpace(s[start:i]))
			start = i + 1
		}
	}
	args = append(args, strings.TrimSpace(s[start:]))
	return args
}

// argValue resolves one already-split argument: a quoted literal
// returns its contents, the bare identifier "d" (the datastore
// reference every BitBake builtin takes as its last argument) resolves
// to "" and is ignored by callers, anything else is looked up as a
// variable name.
func argValue(arg string, store Store) (string, error) {
	if isQuoted(arg) {
		return arg[1 : len(arg)-1], nil
	}
	if arg == "d" {
		return "", nil
	}
	if name, args, ok := parseCall(arg); ok {
		fn, ok := builtins[name]
		if !ok {
			return "", fmt.Errorf("expr: unknown function %q", name)
		}
		return fn(args, store)
	}
	v, _ := store.Get(arg)
	return v, nil
}
