package evaluator

import (
	"fmt"
	"strings"

	"github.com/forgebuild/forge/internal/expr"
)

// Expand expands every ${...} reference in raw against s,
// generalizing the teacher's vars.go Expand/exec.go expandRecipe. It
// is exported, but within this module its only callers are in
// scope.go; the executor does not expand task scripts.
func (s *Scope) Expand(raw string) (string, error) {
	return s.expandWithStack(raw, map[string]bool{})
}

// expandWithStack threads a cycle-detection stack through mutually
// recursive Get/Expand calls so a self-referential or circular chain
// of variables (FOO := "${BAR}", BAR := "${FOO}") is reported as an
// error instead of recursing forever — the same guard the teacher's
// parse.go containsVarRef installs at parse time, moved here to
// runtime since BitBake's overrides mean a cycle can only be known
// once the active override set is fixed.
func (s *Scope) expandWithStack(raw string, stack map[string]bool) (string, error) {
	var b strings.Builder
	i := 0
	for i < len(raw) {
		if raw[i] == '$' && i+1 < len(raw) && raw[i+1] == '{' {
			end := findMatchingBrace(raw, i+1)
			if end < 0 {
				// Unterminated reference: keep the rest verbatim rather
				// than erroring — matches the "diagnostics, not panics"
				// posture for malformed recipe text (spec §7).
				b.WriteString(raw[i:])
				break
			}
			inner := raw[i+2 : end]
			val, err := s.expandReference(inner, stack)
			if err != nil {
				return "", err
			}
			b.WriteString(val)
			i = end + 1
			continue
		}
		b.WriteByte(raw[i])
		i++
	}
	return b.String(), nil
}

func (s *Scope) expandReference(inner string, stack map[string]bool) (string, error) {
	if expr.IsExpression(inner) {
		return expr.Eval(inner, scopeStore{s, stack})
	}
	name := strings.TrimSpace(inner)
	if stack[name] {
		return "", fmt.Errorf("evaluator: circular reference expanding ${%s}", name)
	}
	v, ok := s.getWithStack(name, stack)
	if !ok {
		if suggestion := s.SuggestVariable(name); suggestion != "" {
			s.diagnostics = append(s.diagnostics, fmt.Sprintf("${%s} is unset (did you mean ${%s}?)", name, suggestion))
		}
	}
	return v, nil
}

// scopeStore adapts Scope+stack to expr.Store so an inline expression
// like ${@d.getVar('FOO')} reuses the same cycle-detection stack as
// plain ${FOO} expansion instead of starting a fresh one.
type scopeStore struct {
	s     *Scope
	stack map[string]bool
}

func (ss scopeStore) Get(name string) (string, bool) {
	if ss.stack[name] {
		return "", false
	}
	return ss.s.getWithStack(name, ss.stack)
}

// findMatchingBrace returns the index of the "}" matching the "{" at
// openIdx, tracking nested "${" opens so ${OUTER${INNER}} and
// ${@f(a, b)} (which may itself contain nested braces from a literal)
// resolve correctly. Returns -1 if unterminated.
func findMatchingBrace(s string, openIdx int) int {
	depth := 0
	for i := openIdx; i < len(s); i++ {
		switch s[i] {
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}
