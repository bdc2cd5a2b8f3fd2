// Package evaluator turns a parsed recipe (internal/cst.File) into a
// populated variable scope plus the raw task/function material the
// task graph builder consumes. It generalizes the teacher's vars.go
// (lazy vs. immediate expansion, Clone/Snapshot scoping, Append) from
// Make's three assignment forms to BitBake's eight operators plus
// override suffixes (spec.md §4.2, §4.3).
package evaluator

import (
	"sort"
	"strings"

	"github.com/forgebuild/forge/internal/bferrors"
	"github.com/forgebuild/forge/internal/cst"
)

// operation is the override-suffix modifier recognized on an
// Assignment's Overrides list; any other override token is a
// conditional qualifier that must be in the active override set.
type operation int

const (
	opNone operation = iota
	opAppend
	opPrepend
	opRemove
)

var operationNames = map[string]operation{
	"append":  opAppend,
	"prepend": opPrepend,
	"remove":  opRemove,
}

// segment is one piece of a variable's base value. Immediate (:=)
// assignments freeze already-expanded text; every other operator
// stores raw text re-expanded on each Get, matching real BitBake's
// per-operator laziness (a := segment followed later by a += segment
// keeps the first frozen and the second live).
type segment struct {
	literal bool
	text    string
}

type overrideOp struct {
	kind        operation
	value       string
	specificity int
	seq         int
}

// record is one variable's full assignment history.
type record struct {
	base        []segment
	overrideOps []overrideOp
}

// Scope is a variable store for one recipe/class/conf file's
// evaluation. It is not safe for concurrent use; callers needing
// independent copies use Clone, mirroring the teacher's Vars.Clone.
type Scope struct {
	records     map[string]*record
	flags       map[string]map[string]string
	exported    map[string]bool
	overrides   map[string]bool // active override set, e.g. {"qemux86-64": true, "class-target": true}
	seq         int
	diagnostics []string // non-fatal notes accumulated during expansion, e.g. "did you mean" suggestions
}

// NewScope returns an empty scope with the given active overrides
// (spec §4.4's OVERRIDES list, e.g. machine/distro/class tuple).
func NewScope(activeOverrides []string) *Scope {
	s := &Scope{
		records:   make(map[string]*record),
		flags:     make(map[string]map[string]string),
		exported:  make(map[string]bool),
		overrides: make(map[string]bool, len(activeOverrides)),
	}
	for _, o := range activeOverrides {
		s.overrides[o] = true
	}
	return s
}

// Clone returns an independent copy sharing no mutable state with s,
// like the teacher's Vars.Clone. The loader does not use it: included,
// required and inherited files are evaluated into the including
// recipe's own scope.
func (s *Scope) Clone() *Scope {
	c := &Scope{
		records:   make(map[string]*record, len(s.records)),
		flags:     make(map[string]map[string]string, len(s.flags)),
		exported:  make(map[string]bool, len(s.exported)),
		overrides: make(map[string]bool, len(s.overrides)),
		seq:       s.seq,
	}
	for k, r := range s.records {
		cp := *r
		cp.base = append([]segment(nil), r.base...)
		cp.overrideOps = append([]overrideOp(nil), r.overrideOps...)
		c.records[k] = &cp
	}
	for k, fl := range s.flags {
		c.flags[k] = make(map[string]string, len(fl))
		for fk, fv := range fl {
			c.flags[k][fk] = fv
		}
	}
	for k, v := range s.exported {
		c.exported[k] = v
	}
	for k, v := range s.overrides {
		c.overrides[k] = v
	}
	c.diagnostics = append([]string(nil), s.diagnostics...)
	return c
}

// Diagnostics returns non-fatal notes accumulated while expanding
// variable references against this scope, e.g. a "did you mean"
// suggestion for an unset variable (spec §12 item 4).
func (s *Scope) Diagnostics() []string { return s.diagnostics }

// Names returns every variable name with at least one recorded
// assignment, sorted for deterministic iteration (diagnostics, `query`
// CLI output).
func (s *Scope) Names() []string {
	out := make([]string, 0, len(s.records))
	for k := range s.records {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// IsExported reports whether NAME was declared with `export`.
func (s *Scope) IsExported(name string) bool { return s.exported[name] }

// Flag returns a varflag (NAME[flagname] = "...") previously set.
func (s *Scope) Flag(name, flag string) (string, bool) {
	fl, ok := s.flags[name]
	if !ok {
		return "", false
	}
	v, ok := fl[flag]
	return v, ok
}

// Get resolves name to its fully expanded value, applying any
// :append/:prepend/:remove override ops in specificity order (the
// most-override-qualified statement applies last, per spec.md §4.3).
func (s *Scope) Get(name string) (string, bool) {
	return s.getWithStack(name, map[string]bool{})
}

func (s *Scope) getWithStack(name string, stack map[string]bool) (string, bool) {
	rec, ok := s.records[name]
	if !ok {
		return "", false
	}
	if stack[name] {
		return "", false // circular reference; caller surfaces via Expand's error path
	}
	stack[name] = true
	defer delete(stack, name)

	value := s.expandSegments(rec.base, stack)

	ops := append([]overrideOp(nil), rec.overrideOps...)
	sort.SliceStable(ops, func(i, j int) bool {
		if ops[i].specificity != ops[j].specificity {
			return ops[i].specificity < ops[j].specificity
		}
		return ops[i].seq < ops[j].seq
	})
	for _, op := range ops {
		v, _ := s.expandWithStack(op.value, stack)
		switch op.kind {
		case opAppend:
			value += v
		case opPrepend:
			value = v + value
		case opRemove:
			value = removeWords(value, v)
		}
	}
	return value, true
}

func (s *Scope) expandSegments(segs []segment, stack map[string]bool) string {
	var b strings.Builder
	for _, seg := range segs {
		if seg.literal {
			b.WriteString(seg.text)
			continue
		}
		v, _ := s.expandWithStack(seg.text, stack)
		b.WriteString(v)
	}
	return b.String()
}

// removeWords drops every whitespace-separated occurrence of words
// found in remove from value, the real BitBake :remove semantics
// (word-exact, not substring).
func removeWords(value, remove string) string {
	drop := make(map[string]bool)
	for _, w := range strings.Fields(remove) {
		drop[w] = true
	}
	if len(drop) == 0 {
		return value
	}
	var kept []string
	for _, w := range strings.Fields(value) {
		if !drop[w] {
			kept = append(kept, w)
		}
	}
	return strings.Join(kept, " ")
}

// splitOverrides separates an Assignment's override-suffix list into
// the operation it names (at most one of append/prepend/remove) and
// the remaining conditional overrides that gate whether the
// assignment applies at all.
func splitOverrides(overrides []string) (conditional []string, op operation) {
	for _, o := range overrides {
		if k, ok := operationNames[o]; ok && op == opNone {
			op = k
			continue
		}
		conditional = append(conditional, o)
	}
	return conditional, op
}

// Apply folds one Assignment statement into the scope. It is a no-op
// if the assignment carries conditional overrides not present in the
// active override set (spec §4.4).
func (s *Scope) Apply(a cst.Assignment) error {
	cond, op := splitOverrides(a.Overrides)
	for _, c := range cond {
		if !s.overrides[c] {
			return nil
		}
	}

	if a.Flag != nil {
		fl, ok := s.flags[a.Name]
		if !ok {
			fl = make(map[string]string)
			s.flags[a.Name] = fl
		}
		expanded, err := s.Expand(a.Value)
		if err != nil {
			return bferrors.Wrap(bferrors.KindParse, err, "expanding %s[%s]", a.Name, *a.Flag)
		}
		fl[*a.Flag] = expanded
		return nil
	}

	if a.Export {
		s.exported[a.Name] = true
		if a.Value == "" && op == opNone && a.Op == cst.OpSet {
			// bare `export NAME` with no value: nothing else to record.
			if _, has := s.records[a.Name]; has {
				return nil
			}
		}
	}

	rec, ok := s.records[a.Name]
	if !ok {
		rec = &record{}
		s.records[a.Name] = rec
	}

	if op != opNone {
		s.seq++
		rec.overrideOps = append(rec.overrideOps, overrideOp{
			kind:        op,
			value:       a.Value,
			specificity: len(cond),
			seq:         s.seq,
		})
		return nil
	}

	switch a.Op {
	case cst.OpSet:
		rec.base = []segment{{literal: false, text: a.Value}}
	case cst.OpColonEquals:
		expanded, err := s.Expand(a.Value)
		if err != nil {
			return bferrors.Wrap(bferrors.KindParse, err, "immediate-expanding %s", a.Name)
		}
		rec.base = []segment{{literal: true, text: expanded}}
	case cst.OpAppendSpace:
		rec.base = append(rec.base, segment{literal: false, text: " " + a.Value})
	case cst.OpAppendNoSpace:
		rec.base = append(rec.base, segment{literal: false, text: a.Value})
	case cst.OpPrependSpace:
		rec.base = append([]segment{{literal: false, text: a.Value + " "}}, rec.base...)
	case cst.OpPrependNoSpace:
		rec.base = append([]segment{{literal: false, text: a.Value}}, rec.base...)
	case cst.OpCondSet, cst.OpCondSetDefault:
		if len(rec.base) == 0 {
			rec.base = []segment{{literal: false, text: a.Value}}
		}
	default:
		return bferrors.New(bferrors.KindParse, "unknown assignment operator for %s", a.Name)
	}
	return nil
}

