package expr

import "testing"

type fakeStore map[string]string

func (f fakeStore) Get(name string) (string, bool) {
	v, ok := f[name]
	return v, ok
}

func TestIsExpression(t *testing.T) {
	if !IsExpression("@d.getVar('X')") {
		t.Fatal("expected @... to be an expression")
	}
	if IsExpression("PN") {
		t.Fatal("expected plain name not to be an expression")
	}
}

func TestEvalGetVar(t *testing.T) {
	store := fakeStore{"MACHINE": "qemux86-64"}
	got, err := Eval("@d.getVar('MACHINE')", store)
	if err != nil {
		t.Fatal(err)
	}
	if got != "qemux86-64" {
		t.Fatalf("got %q", got)
	}
}

func TestEvalContains(t *testing.T) {
	store := fakeStore{"DISTRO_FEATURES": "systemd wayland x11"}
	got, err := Eval(`@bb.utils.contains('DISTRO_FEATURES', 'systemd', 'yes', 'no', d)`, store)
	if err != nil {
		t.Fatal(err)
	}
	if got != "yes" {
		t.Fatalf("got %q, want yes", got)
	}

	got, err = Eval(`@bb.utils.contains('DISTRO_FEATURES', 'missing', 'yes', 'no', d)`, store)
	if err != nil {
		t.Fatal(err)
	}
	if got != "no" {
		t.Fatalf("got %q, want no", got)
	}
}

func TestEvalContainsAny(t *testing.T) {
	store := fakeStore{"DISTRO_FEATURES": "systemd wayland"}
	got, err := Eval(`@bb.utils.contains_any('DISTRO_FEATURES', 'x11 wayland', 'gui', 'headless', d)`, store)
	if err != nil {
		t.Fatal(err)
	}
	if got != "gui" {
		t.Fatalf("got %q, want gui", got)
	}
}

func TestEvalFilter(t *testing.T) {
	store := fakeStore{"PACKAGES": "foo foo-dev foo-dbg bar"}
	got, err := Eval(`@bb.utils.filter('PACKAGES', 'foo-dev foo-dbg', d)`, store)
	if err != nil {
		t.Fatal(err)
	}
	if got != "foo-dev foo-dbg" {
		t.Fatalf("got %q", got)
	}
}

func TestEvalConcat(t *testing.T) {
	store := fakeStore{"PN": "busybox"}
	got, err := Eval(`@d.getVar('PN') + '-native'`, store)
	if err != nil {
		t.Fatal(err)
	}
	if got != "busybox-native" {
		t.Fatalf("got %q", got)
	}
}

func TestEvalUnknownFunctionErrors(t *testing.T) {
	store := fakeStore{}
	_, err := Eval(`@os.system('rm -rf /')`, store)
	if err == nil {
		t.Fatal("expected an error for an unsupported call, not silent execution")
	}
}

func TestEvalUnterminatedStringErrors(t *testing.T) {
	_, err := Eval(`@'unterminated`, fakeStore{})
	if err == nil {
		t.Fatal("expected an error for an unterminated string literal")
	}
}
