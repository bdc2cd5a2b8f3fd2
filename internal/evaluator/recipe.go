package evaluator

import (
	"path/filepath"
	"strings"
)

// DerivePNPV extracts PN (package name) and PV (package version) from
// a recipe's filename, the same splitting rule real BitBake applies:
// "busybox_1.36.1.bb" -> PN="busybox", PV="1.36.1"; a filename with no
// underscore (e.g. "busybox.bb") has PV="1.0" (BitBake's documented
// fallback default).
func DerivePNPV(filename string) (pn, pv string) {
	base := filepath.Base(filename)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	// Strip a trailing ".bbappend" recipe's own version-matching glob,
	// e.g. "busybox_%.bbappend" -> base "busybox_%".
	if i := strings.LastIndex(base, "_"); i >= 0 {
		return base[:i], base[i+1:]
	}
	return base, "1.0"
}

// Depends returns the build-time dependency list (spec §4.4's
// provider-resolution input): the space-separated DEPENDS variable
// plus every active PACKAGECONFIG option's build-deps field, which
// spec §4.2 requires to "accumulate into DEPENDS" (e.g.
// PACKAGECONFIG[pam] = ",,libpam" with PACKAGECONFIG containing "pam"
// adds libpam as a build dependency even though DEPENDS itself never
// mentions it). Order is DEPENDS first, then each active option's
// build-deps in PACKAGECONFIG's own order, deduplicated.
func (u *Unit) Depends() []string {
	deps := fields(u.Scope, "DEPENDS")
	opts, _ := u.PackageConfig()
	seen := make(map[string]bool, len(deps))
	out := make([]string, 0, len(deps))
	for _, d := range deps {
		if !seen[d] {
			seen[d] = true
			out = append(out, d)
		}
	}
	for _, opt := range opts {
		for _, d := range strings.Fields(opt.BuildDeps) {
			if !seen[d] {
				seen[d] = true
				out = append(out, d)
			}
		}
	}
	return out
}

// RDepends returns the space-separated RDEPENDS:${PN} list if set,
// falling back to plain RDEPENDS.
func (u *Unit) RDepends(pn string) []string {
	if v, ok := u.Scope.Get("RDEPENDS:" + pn); ok && v != "" {
		return strings.Fields(v)
	}
	return fields(u.Scope, "RDEPENDS")
}

// Provides returns the PROVIDES list, including PN itself per real
// BitBake semantics (a recipe always implicitly provides its own PN).
func (u *Unit) Provides(pn string) []string {
	provides := fields(u.Scope, "PROVIDES")
	for _, p := range provides {
		if p == pn {
			return provides
		}
	}
	return append([]string{pn}, provides...)
}

func fields(s *Scope, name string) []string {
	v, ok := s.Get(name)
	if !ok || v == "" {
		return nil
	}
	return strings.Fields(v)
}

// PackageConfigOption is one PACKAGECONFIG[flagname] entry: comma
// separated "enable-arg,disable-arg,build-deps,runtime-deps" fields,
// any of which may be empty (e.g. "PACKAGECONFIG[x] = ",,libx,"").
// Real BitBake tolerates fewer than 4 comma fields by treating missing
// trailing fields as empty; this type does the same rather than
// rejecting the line outright (spec §12 item 5).
type PackageConfigOption struct {
	Name        string
	EnableArg   string
	DisableArg  string
	BuildDeps   string
	RuntimeDeps string
}

// PackageConfig resolves the recipe's active PACKAGECONFIG options:
// the space-separated list in the PACKAGECONFIG variable itself
// selects which of the PACKAGECONFIG[name] varflag entries are
// active. A varflag entry with fewer than four comma-separated fields
// gets its missing trailing fields as empty strings, with no
// diagnostic, matching PACKAGECONFIG's real-world tolerance for
// partially specified options (spec §12 item 5). The only diagnostic
// is for an active name that has no PACKAGECONFIG[name] varflag.
func (u *Unit) PackageConfig() ([]PackageConfigOption, []string) {
	active := fields(u.Scope, "PACKAGECONFIG")
	var opts []PackageConfigOption
	var diags []string
	for _, name := range active {
		raw, ok := u.Scope.Flag("PACKAGECONFIG", name)
		if !ok {
			diags = append(diags, "PACKAGECONFIG["+name+"] is active but has no varflag definition")
			continue
		}
		parts := strings.Split(raw, ",")
		for len(parts) < 4 {
			parts = append(parts, "")
		}
		opts = append(opts, PackageConfigOption{
			Name:        name,
			EnableArg:   strings.TrimSpace(parts[0]),
			DisableArg:  strings.TrimSpace(parts[1]),
			BuildDeps:   strings.TrimSpace(parts[2]),
			RuntimeDeps: strings.TrimSpace(parts[3]),
		})
	}
	return opts, diags
}
