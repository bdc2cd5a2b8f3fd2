package cst

import "testing"

func TestParseSimpleAssignment(t *testing.T) {
	f := Parse(`DESCRIPTION = "a test recipe"
`)
	if len(f.Stmts) != 1 {
		t.Fatalf("len(f.Stmts) = %d, want 1", len(f.Stmts))
	}
	a, ok := f.Stmts[0].(Assignment)
	if !ok {
		t.Fatalf("f.Stmts[0] is %T, want Assignment", f.Stmts[0])
	}
	if a.Name != "DESCRIPTION" || a.Op != OpSet || a.Value != "a test recipe" {
		t.Fatalf("got %+v", a)
	}
}

func TestParseOperators(t *testing.T) {
	src := `A = "1"
B := "2"
C += "3"
D =+ "4"
E ?= "5"
F .= "6"
G =. "7"
H ??= "8"
`
	f := Parse(src)
	wantOps := []AssignOp{OpSet, OpColonEquals, OpAppendSpace, OpPrependSpace, OpCondSet, OpAppendNoSpace, OpPrependNoSpace, OpCondSetDefault}
	if len(f.Stmts) != len(wantOps) {
		t.Fatalf("len(f.Stmts) = %d, want %d", len(f.Stmts), len(wantOps))
	}
	for i, want := range wantOps {
		a, ok := f.Stmts[i].(Assignment)
		if !ok {
			t.Fatalf("f.Stmts[%d] is %T, want Assignment", i, f.Stmts[i])
		}
		if a.Op != want {
			t.Errorf("f.Stmts[%d].Op = %v, want %v", i, a.Op, want)
		}
	}
}

func TestParseOverrideAndFlag(t *testing.T) {
	f := Parse(`FOO:append:task-compile = " extra"
do_compile[noexec] = "1"
`)
	a0 := f.Stmts[0].(Assignment)
	if len(a0.Overrides) != 2 || a0.Overrides[0] != "append" || a0.Overrides[1] != "task-compile" {
		t.Fatalf("got overrides %v", a0.Overrides)
	}
	a1 := f.Stmts[1].(Assignment)
	if a1.Flag == nil || *a1.Flag != "noexec" {
		t.Fatalf("got flag %v", a1.Flag)
	}
}

func TestParseInherit(t *testing.T) {
	f := Parse("inherit autotools pkgconfig\n")
	in, ok := f.Stmts[0].(Inherit)
	if !ok {
		t.Fatalf("f.Stmts[0] is %T, want Inherit", f.Stmts[0])
	}
	if len(in.Classes) != 2 || in.Classes[0] != "autotools" || in.Classes[1] != "pkgconfig" {
		t.Fatalf("got %v", in.Classes)
	}
}

func TestParseIncludeRequire(t *testing.T) {
	f := Parse("include recipes-core/base.inc\nrequire recipes-core/must-have.inc\n")
	inc := f.Stmts[0].(Include)
	if inc.Path != "recipes-core/base.inc" || inc.Required {
		t.Fatalf("got %+v", inc)
	}
	req := f.Stmts[1].(Include)
	if req.Path != "recipes-core/must-have.inc" || !req.Required {
		t.Fatalf("got %+v", req)
	}
}

func TestParseAddTask(t *testing.T) {
	f := Parse("addtask compile after do_configure before do_install\n")
	at := f.Stmts[0].(AddTask)
	if at.Name != "compile" {
		t.Fatalf("got name %q", at.Name)
	}
	if len(at.After) != 1 || at.After[0] != "do_configure" {
		t.Fatalf("got after %v", at.After)
	}
	if len(at.Before) != 1 || at.Before[0] != "do_install" {
		t.Fatalf("got before %v", at.Before)
	}
}

func TestParseShellFuncDef(t *testing.T) {
	src := `do_compile() {
	oe_runmake
	echo done
}
`
	f := Parse(src)
	sf, ok := f.Stmts[0].(ShellFuncDef)
	if !ok {
		t.Fatalf("f.Stmts[0] is %T, want ShellFuncDef", f.Stmts[0])
	}
	if sf.Name != "do_compile" {
		t.Fatalf("got name %q", sf.Name)
	}
	want := "\toe_runmake\n\techo done"
	if sf.Body != want {
		t.Fatalf("got body %q, want %q", sf.Body, want)
	}
}

func TestParsePythonDef(t *testing.T) {
	src := `python do_custom_task() {
    d.setVar('FOO', 'bar')
}
`
	f := Parse(src)
	pd, ok := f.Stmts[0].(PythonDef)
	if !ok {
		t.Fatalf("f.Stmts[0] is %T, want PythonDef", f.Stmts[0])
	}
	if pd.Name != "do_custom_task" {
		t.Fatalf("got name %q", pd.Name)
	}
}

func TestParseExportFuncs(t *testing.T) {
	f := Parse("EXPORT_FUNCTIONS do_compile do_install\n")
	ef := f.Stmts[0].(ExportFuncs)
	if len(ef.Funcs) != 2 || ef.Funcs[0] != "do_compile" || ef.Funcs[1] != "do_install" {
		t.Fatalf("got %v", ef.Funcs)
	}
}

func TestParseLineContinuation(t *testing.T) {
	src := "SRC_URI = \"http://example.com/a.tar.gz \\\n           file://fix.patch\"\n"
	f := Parse(src)
	a := f.Stmts[0].(Assignment)
	if a.Name != "SRC_URI" {
		t.Fatalf("got name %q", a.Name)
	}
	if a.Value == "" {
		t.Fatal("expected non-empty joined value")
	}
}

func TestParseSkipsCommentsAndBlankLines(t *testing.T) {
	src := "# a comment\n\nFOO = \"bar\"\n\n# trailing\n"
	f := Parse(src)
	if len(f.Stmts) != 1 {
		t.Fatalf("len(f.Stmts) = %d, want 1 (comments/blanks dropped)", len(f.Stmts))
	}
}

func TestParseUnrecognizedStatementBecomesErrorNode(t *testing.T) {
	f := Parse("!!! not a statement\n")
	en, ok := f.Stmts[0].(ErrorNode)
	if !ok {
		t.Fatalf("f.Stmts[0] is %T, want ErrorNode", f.Stmts[0])
	}
	if en.Line != 1 {
		t.Fatalf("got line %d, want 1", en.Line)
	}
}

func TestParseExportBareName(t *testing.T) {
	f := Parse("export FOO\n")
	a, ok := f.Stmts[0].(Assignment)
	if !ok {
		t.Fatalf("f.Stmts[0] is %T, want Assignment", f.Stmts[0])
	}
	if !a.Export || a.Name != "FOO" {
		t.Fatalf("got %+v", a)
	}
}
