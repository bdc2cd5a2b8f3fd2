package expr

import (
	"fmt"
	"strings"
)

// builtinFunc evaluates a call's already-split (but not yet resolved)
// argument list against store. Mirrors the shape of the teacher's
// vars.go evalFunc dispatch table (name -> func(args []string) string)
// but fixed to the handful of real BitBake idioms named in this
// package's doc comment instead of Make's function vocabulary.
type builtinFunc func(args []string, store Store) (string, error)

// builtins is filled in init because its functions reach argValue,
// which reads builtins back.
var builtins map[string]builtinFunc

func init() {
	builtins = map[string]builtinFunc{
		"d.getVar":              getVar,
		"bb.utils.contains":     contains,
		"bb.utils.contains_any": containsAny,
		"bb.utils.filter":       filterFn,
	}
}

// getVar("NAME") or getVar("NAME", d) — the most common anonymous
// python snippet in real recipes, ${@d.getVar('MACHINE')}.
func getVar(args []string, store Store) (string, error) {
	if len(args) < 1 {
		return "", fmt.Errorf("expr: d.getVar requires at least 1 argument")
	}
	name, err := argValue(args[0], store)
	if err != nil {
		return "", err
	}
	v, _ := store.Get(name)
	return v, nil
}

// contains(variable, checkvalue, truevalue, falsevalue, d): true if
// checkvalue appears as a whitespace-separated word of variable's
// value.
func contains(args []string, store Store) (string, error) {
	if len(args) < 4 {
		return "", fmt.Errorf("expr: bb.utils.contains requires 4 arguments, got %d", len(args))
	}
	varName, err := argValue(args[0], store)
	if err != nil {
		return "", err
	}
	check, err := argValue(args[1], store)
	if err != nil {
		return "", err
	}
	trueVal, err := argValue(args[2], store)
	if err != nil {
		return "", err
	}
	falseVal, err := argValue(args[3], store)
	if err != nil {
		return "", err
	}
	val, _ := store.Get(varName)
	for _, w := range strings.Fields(val) {
		if w == check {
			return trueVal, nil
		}
	}
	return falseVal, nil
}

// contains_any(variable, checkvalues, truevalue, falsevalue, d): true
// if any whitespace-separated word of checkvalues appears in
// variable's value.
func containsAny(args []string, store Store) (string, error) {
	if len(args) < 4 {
		return "", fmt.Errorf("expr: bb.utils.contains_any requires 4 arguments, got %d", len(args))
	}
	varName, err := argValue(args[0], store)
	if err != nil {
		return "", err
	}
	checks, err := argValue(args[1], store)
	if err != nil {
		return "", err
	}
	trueVal, err := argValue(args[2], store)
	if err != nil {
		return "", err
	}
	falseVal, err := argValue(args[3], store)
	if err != nil {
		return "", err
	}
	val, _ := store.Get(varName)
	words := make(map[string]bool, len(val))
	for _, w := range strings.Fields(val) {
		words[w] = true
	}
	for _, c := range strings.Fields(checks) {
		if words[c] {
			return trueVal, nil
		}
	}
	return falseVal, nil
}

// filter(variable, checkvalues, d): returns the subset of variable's
// space-separated words that also appear in checkvalues, in
// variable's original order.
func filterFn(args []string, store Store) (string, error) {
	if len(args) < 2 {
		return "", fmt.Errorf("expr: bb.utils.filter requires 2 arguments, got %d", len(args))
	}
	varName, err := argValue(args[0], store)
	if err != nil {
		return "", err
	}
	checks, err := argValue(args[1], store)
	if err != nil {
		return "", err
	}
	allow := make(map[string]bool)
	for _, c := range strings.Fields(checks) {
		allow[c] = true
	}
	val, _ := store.Get(varName)
	var out []string
	for _, w := range strings.Fields(val) {
		if allow[w] {
			out = append(out, w)
		}
	}
	return strings.Join(out, " "), nil
}
