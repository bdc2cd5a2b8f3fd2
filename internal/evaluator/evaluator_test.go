package evaluator

import (
	"fmt"
	"testing"

	"github.com/forgebuild/forge/internal/cst"
)

type fakeFS struct {
	classes  map[string]string
	includes map[string]string
}

func (f fakeFS) ReadClass(name string) (string, error) {
	if s, ok := f.classes[name]; ok {
		return s, nil
	}
	return "", fmt.Errorf("no such class: %s", name)
}

func (f fakeFS) ReadInclude(path string) (string, error) {
	if s, ok := f.includes[path]; ok {
		return s, nil
	}
	return "", fmt.Errorf("no such file: %s", path)
}

func TestScopeBasicOperators(t *testing.T) {
	s := NewScope(nil)
	must(t, s.Apply(cst.Assignment{Name: "A", Op: cst.OpSet, Value: "1"}))
	must(t, s.Apply(cst.Assignment{Name: "A", Op: cst.OpAppendSpace, Value: "2"}))
	v, ok := s.Get("A")
	if !ok || v != "1 2" {
		t.Fatalf("got %q, ok=%v, want \"1 2\"", v, ok)
	}
}

func TestScopeCondSetDoesNotOverwrite(t *testing.T) {
	s := NewScope(nil)
	must(t, s.Apply(cst.Assignment{Name: "A", Op: cst.OpSet, Value: "first"}))
	must(t, s.Apply(cst.Assignment{Name: "A", Op: cst.OpCondSet, Value: "second"}))
	v, _ := s.Get("A")
	if v != "first" {
		t.Fatalf("got %q, want \"first\" (?= must not override an existing value)", v)
	}
}

func TestScopeImmediateFreezesAtAssignTime(t *testing.T) {
	s := NewScope(nil)
	must(t, s.Apply(cst.Assignment{Name: "A", Op: cst.OpSet, Value: "1"}))
	must(t, s.Apply(cst.Assignment{Name: "B", Op: cst.OpColonEquals, Value: "${A}"}))
	must(t, s.Apply(cst.Assignment{Name: "A", Op: cst.OpSet, Value: "2"}))
	v, _ := s.Get("B")
	if v != "1" {
		t.Fatalf("got %q, want \"1\" (:= should freeze A's value at assignment time)", v)
	}
	va, _ := s.Get("A")
	if va != "2" {
		t.Fatalf("A = %q, want \"2\"", va)
	}
}

func TestScopeLazyReflectsLaterChange(t *testing.T) {
	s := NewScope(nil)
	must(t, s.Apply(cst.Assignment{Name: "A", Op: cst.OpSet, Value: "1"}))
	must(t, s.Apply(cst.Assignment{Name: "B", Op: cst.OpSet, Value: "${A}"}))
	must(t, s.Apply(cst.Assignment{Name: "A", Op: cst.OpSet, Value: "2"}))
	v, _ := s.Get("B")
	if v != "2" {
		t.Fatalf("got %q, want \"2\" (plain '=' is lazily expanded at Get time)", v)
	}
}

func TestScopeOverrideConditionalGating(t *testing.T) {
	s := NewScope([]string{"qemux86-64"})
	must(t, s.Apply(cst.Assignment{Name: "A", Op: cst.OpSet, Value: "base"}))
	must(t, s.Apply(cst.Assignment{Name: "A", Overrides: []string{"qemux86-64"}, Op: cst.OpSet, Value: "machine-specific"}))
	must(t, s.Apply(cst.Assignment{Name: "A", Overrides: []string{"raspberrypi4"}, Op: cst.OpSet, Value: "other-machine"}))
	v, _ := s.Get("A")
	if v != "machine-specific" {
		t.Fatalf("got %q, want \"machine-specific\"", v)
	}
}

func TestScopeAppendOverrideAndRemove(t *testing.T) {
	s := NewScope([]string{"class-native"})
	must(t, s.Apply(cst.Assignment{Name: "DEPENDS", Op: cst.OpSet, Value: "foo bar baz"}))
	must(t, s.Apply(cst.Assignment{Name: "DEPENDS", Overrides: []string{"append"}, Value: " qux"}))
	must(t, s.Apply(cst.Assignment{Name: "DEPENDS", Overrides: []string{"class-native", "remove"}, Value: "bar"}))
	v, _ := s.Get("DEPENDS")
	if v != "foo baz qux" {
		t.Fatalf("got %q, want \"foo baz qux\"", v)
	}
}

func TestScopeOverrideSpecificityOrdering(t *testing.T) {
	// A less-specific append must apply before a more-specific one even
	// if declared afterward in the file (longest-match-last).
	s := NewScope([]string{"qemux86-64", "class-target"})
	must(t, s.Apply(cst.Assignment{Name: "A", Op: cst.OpSet, Value: "base"}))
	must(t, s.Apply(cst.Assignment{Name: "A", Overrides: []string{"qemux86-64", "class-target", "append"}, Value: "-specific"}))
	must(t, s.Apply(cst.Assignment{Name: "A", Overrides: []string{"append"}, Value: "-general"}))
	v, _ := s.Get("A")
	if v != "base-general-specific" {
		t.Fatalf("got %q, want \"base-general-specific\"", v)
	}
}

func TestScopeCircularReferenceDoesNotHang(t *testing.T) {
	s := NewScope(nil)
	must(t, s.Apply(cst.Assignment{Name: "A", Op: cst.OpSet, Value: "${B}"}))
	must(t, s.Apply(cst.Assignment{Name: "B", Op: cst.OpSet, Value: "${A}"}))
	v, _ := s.Get("A")
	_ = v // must not hang; exact placeholder text is not asserted
}

func TestScopeVarFlag(t *testing.T) {
	s := NewScope(nil)
	flag := "noexec"
	must(t, s.Apply(cst.Assignment{Name: "do_compile", Flag: &flag, Value: "1"}))
	v, ok := s.Flag("do_compile", "noexec")
	if !ok || v != "1" {
		t.Fatalf("got %q, ok=%v", v, ok)
	}
}

func TestLoadInheritAndInclude(t *testing.T) {
	fs := fakeFS{
		classes: map[string]string{
			"autotools": "DEPENDS += \"autoconf-native\"\n",
		},
		includes: map[string]string{
			"common.inc": "DESCRIPTION = \"shared description\"\n",
		},
	}
	src := `inherit autotools
include common.inc
DEPENDS += "extra-native"
`
	unit, err := Load(fs, "test.bb", src, nil)
	if err != nil {
		t.Fatal(err)
	}
	deps, _ := unit.Scope.Get("DEPENDS")
	if deps != " autoconf-native extra-native" {
		t.Fatalf("got %q", deps)
	}
	desc, ok := unit.Scope.Get("DESCRIPTION")
	if !ok || desc != "shared description" {
		t.Fatalf("got %q, ok=%v", desc, ok)
	}
	if len(unit.Inherited) != 1 || unit.Inherited[0] != "autotools" {
		t.Fatalf("got Inherited=%v", unit.Inherited)
	}
}

func TestLoadInheritCycleDetected(t *testing.T) {
	fs := fakeFS{classes: map[string]string{
		"a": "inherit b\n",
		"b": "inherit a\n",
	}}
	// b's "inherit a" repeats a class already inherited, so it is
	// skipped and the loop ends without an error.
	unit, err := Load(fs, "test.bb", "inherit a\n", nil)
	if err != nil {
		t.Fatalf("expected the inherit loop to be skipped, got %v", err)
	}
	if len(unit.Inherited) != 2 || unit.Inherited[0] != "a" || unit.Inherited[1] != "b" {
		t.Fatalf("got Inherited=%v, want [a b]", unit.Inherited)
	}
}

func TestLoadRequireMissingIsFatal(t *testing.T) {
	fs := fakeFS{includes: map[string]string{}}
	_, err := Load(fs, "test.bb", "require missing.inc\n", nil)
	if err == nil {
		t.Fatal("expected an error for a missing required include")
	}
}

func TestLoadIncludeMissingIsDiagnostic(t *testing.T) {
	fs := fakeFS{includes: map[string]string{}}
	unit, err := Load(fs, "test.bb", "include missing.inc\n", nil)
	if err != nil {
		t.Fatalf("optional include should not be fatal: %v", err)
	}
	if len(unit.Diagnostics) == 0 {
		t.Fatal("expected a diagnostic for the missing optional include")
	}
}

func TestDerivePNPV(t *testing.T) {
	cases := []struct {
		file   string
		pn, pv string
	}{
		{"busybox_1.36.1.bb", "busybox", "1.36.1"},
		{"busybox.bb", "busybox", "1.0"},
		{"linux-yocto_6.6.bb", "linux-yocto", "6.6"},
	}
	for _, c := range cases {
		pn, pv := DerivePNPV(c.file)
		if pn != c.pn || pv != c.pv {
			t.Errorf("DerivePNPV(%q) = (%q, %q), want (%q, %q)", c.file, pn, pv, c.pn, c.pv)
		}
	}
}

func TestPackageConfig(t *testing.T) {
	fs := fakeFS{}
	src := `PACKAGECONFIG = "x11 ssl"
PACKAGECONFIG[x11] = "--with-x11,--without-x11,libx11"
PACKAGECONFIG[ssl] = "--with-ssl,--without-ssl"
PACKAGECONFIG[unused] = "--with-unused,--without-unused"
`
	unit, err := Load(fs, "test.bb", src, nil)
	if err != nil {
		t.Fatal(err)
	}
	opts, diags := unit.PackageConfig()
	if len(diags) != 0 {
		t.Fatalf("unexpected diagnostics: %v", diags)
	}
	if len(opts) != 2 {
		t.Fatalf("got %d options, want 2", len(opts))
	}
	if opts[0].Name != "x11" || opts[0].EnableArg != "--with-x11" || opts[0].BuildDeps != "libx11" {
		t.Fatalf("got %+v", opts[0])
	}
	if opts[1].RuntimeDeps != "" {
		t.Fatalf("got %+v, want empty RuntimeDeps for a 2-field entry", opts[1])
	}
}

func TestDependsIncludesPackageConfigBuildDeps(t *testing.T) {
	fs := fakeFS{}
	src := `DEPENDS = "zlib"
PACKAGECONFIG = "pam"
PACKAGECONFIG[pam] = "--with-pam,--without-pam,libpam"
`
	unit, err := Load(fs, "test.bb", src, nil)
	if err != nil {
		t.Fatal(err)
	}
	deps := unit.Depends()
	if len(deps) != 2 || deps[0] != "zlib" || deps[1] != "libpam" {
		t.Fatalf("got %v, want [zlib libpam]", deps)
	}
}

func must(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatal(err)
	}
}
