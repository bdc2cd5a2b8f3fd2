package evaluator

import (
	"fmt"

	"github.com/forgebuild/forge/internal/bferrors"
	"github.com/forgebuild/forge/internal/cst"
)

// FileSystem resolves the two kinds of cross-file reference a recipe
// can make: include/require is a path relative to the layer search
// path, inherit is a ".bbclass" name. Kept as a narrow interface so
// internal/layout's real filesystem-backed implementation and a
// fixture-backed fake for tests both satisfy it without this package
// depending on os.
type FileSystem interface {
	ReadInclude(path string) (string, error)
	ReadClass(name string) (string, error)
}

// Unit is everything evaluating one recipe (plus everything it
// inherits/includes) produces: a populated Scope and the raw
// task/function material internal/taskgraph turns into a task DAG.
type Unit struct {
	Scope         *Scope
	ShellFuncs    map[string]cst.ShellFuncDef
	PythonFuncs   map[string]cst.PythonDef
	Tasks         []cst.AddTask
	ExportedFuncs []string
	Diagnostics   []cst.Diagnostic
	Inherited     []string // class names actually inherited, in first-seen order
}

// loader walks a chain of inherit/include/require statements,
// accumulating into a single Unit. inProgress tracks the current
// include chain so an include cycle (A includes B includes A) is
// reported instead of recursing forever (spec §4.3 "cycle detection"),
// the same guard the teacher's parse.go applies to self-referential
// lazy assignments, here applied to the file graph instead of the
// variable graph. A class is processed at most once per recipe
// (inheritedOK), so an inherit loop ends at its first repeated class
// without an error.
type loader struct {
	fs          FileSystem
	unit        *Unit
	inProgress  map[string]bool
	inheritedOK map[string]bool
}

// Load parses and evaluates src (the entry recipe's text) together
// with everything it transitively inherits/includes/requires, against
// a scope seeded with activeOverrides.
func Load(fs FileSystem, entryName, src string, activeOverrides []string) (*Unit, error) {
	l := &loader{
		fs: fs,
		unit: &Unit{
			Scope:       NewScope(activeOverrides),
			ShellFuncs:  make(map[string]cst.ShellFuncDef),
			PythonFuncs: make(map[string]cst.PythonDef),
		},
		inProgress:  map[string]bool{entryName: true},
		inheritedOK: map[string]bool{},
	}
	if err := l.processSource(src); err != nil {
		return nil, err
	}
	for _, msg := range l.unit.Scope.Diagnostics() {
		l.unit.Diagnostics = append(l.unit.Diagnostics, cst.Diagnostic{Msg: msg})
	}
	return l.unit, nil
}

func (l *loader) processSource(src string) error {
	file := cst.Parse(src)
	l.unit.Diagnostics = append(l.unit.Diagnostics, file.Diagnostics...)
	return l.processStmts(file.Stmts)
}

func (l *loader) processStmts(stmts []cst.Node) error {
	for _, n := range stmts {
		if err := l.processStmt(n); err != nil {
			return err
		}
	}
	return nil
}

func (l *loader) processStmt(n cst.Node) error {
	switch v := n.(type) {
	case cst.Assignment:
		return l.unit.Scope.Apply(v)
	case cst.Inherit:
		for _, class := range v.Classes {
			if err := l.inheritClass(class, v.Line); err != nil {
				return err
			}
		}
	case cst.Include:
		if err := l.include(v); err != nil {
			return err
		}
	case cst.AddTask:
		l.unit.Tasks = append(l.unit.Tasks, v)
	case cst.ExportFuncs:
		l.unit.ExportedFuncs = append(l.unit.ExportedFuncs, v.Funcs...)
	case cst.ShellFuncDef:
		l.unit.ShellFuncs[v.Name] = v
	case cst.PythonDef:
		if v.Name != "" {
			l.unit.PythonFuncs[v.Name] = v
		}
	case cst.ErrorNode:
		l.unit.Diagnostics = append(l.unit.Diagnostics, cst.Diagnostic{Line: v.Line, Msg: v.Msg})
	}
	return nil
}

func (l *loader) inheritClass(class string, line int) error {
	if l.inheritedOK[class] {
		return nil // BitBake only processes a class once per recipe
	}
	key := "class:" + class
	if l.inProgress[key] {
		return bferrors.New(bferrors.KindResolution, "inherit cycle detected: %s (at line %d)", class, line)
	}
	src, err := l.fs.ReadClass(class)
	if err != nil {
		return bferrors.Wrap(bferrors.KindResolution, err, "inherit %s (at line %d)", class, line)
	}
	l.inProgress[key] = true
	l.inheritedOK[class] = true
	l.unit.Inherited = append(l.unit.Inherited, class)
	defer delete(l.inProgress, key)
	return l.processSource(src)
}

func (l *loader) include(inc cst.Include) error {
	key := "include:" + inc.Path
	if l.inProgress[key] {
		return bferrors.New(bferrors.KindResolution, "include cycle detected: %s (at line %d)", inc.Path, inc.Line)
	}
	src, err := l.fs.ReadInclude(inc.Path)
	if err != nil {
		if !inc.Required {
			l.unit.Diagnostics = append(l.unit.Diagnostics, cst.Diagnostic{
				Line: inc.Line,
				Msg:  fmt.Sprintf("optional include not found: %s", inc.Path),
			})
			return nil
		}
		return bferrors.Wrap(bferrors.KindResolution, err, "require %s (at line %d)", inc.Path, inc.Line)
	}
	l.inProgress[key] = true
	defer delete(l.inProgress, key)
	return l.processSource(src)
}
