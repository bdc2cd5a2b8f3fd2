package evaluator

import "github.com/agnivade/levenshtein"

// coreVariables is the fixed vocabulary of well-known BitBake variables
// a "did you mean" suggestion can match against even when the recipe
// itself never assigns them (e.g. a typo'd reference to a variable a
// .bbclass would normally provide, spec §12 item 4).
var coreVariables = []string{
	"PN", "PV", "PR", "P",
	"DEPENDS", "RDEPENDS", "PROVIDES", "RPROVIDES",
	"PACKAGECONFIG", "OVERRIDES", "MACHINE", "DISTRO",
	"SRC_URI", "S", "B", "D", "WORKDIR",
	"EXTRA_OECONF", "EXTRA_OEMAKE", "FILESEXTRAPATHS",
	"PACKAGES", "FILES", "SUMMARY", "DESCRIPTION", "LICENSE",
}

const maxUsefulVariableDistance = 2

// SuggestVariable returns the closest known variable name to name —
// checking both names this scope has actually recorded an assignment
// for and the fixed core vocabulary — or "" if nothing is close enough
// to be a useful suggestion. Used by expandReference when a ${...}
// reference resolves to an unset variable (spec §12 item 4).
func (s *Scope) SuggestVariable(name string) string {
	best := ""
	bestDist := -1
	consider := func(candidate string) {
		if candidate == name {
			return
		}
		d := levenshtein.ComputeDistance(name, candidate)
		if bestDist == -1 || d < bestDist {
			bestDist = d
			best = candidate
		}
	}
	for _, candidate := range s.Names() {
		consider(candidate)
	}
	for _, candidate := range coreVariables {
		consider(candidate)
	}
	if bestDist < 0 || bestDist > maxUsefulVariableDistance {
		return ""
	}
	return best
}
