package layout

import (
	"os"
	"path/filepath"

	"github.com/forgebuild/forge/internal/bferrors"
)

// LayerFS implements evaluator.FileSystem by searching an ordered list
// of layer roots, the same "earlier in bblayers wins" search order
// real BitBake uses for classes/includes (distinct from the provider
// priority tie-break in recipegraph, which instead prefers the
// highest-priority layer).
type LayerFS struct {
	Layers []string // layer root directories, in search order
}

// ReadClass finds classes/<name>.bbclass under the first layer that
// has it.
func (fs *LayerFS) ReadClass(name string) (string, error) {
	return fs.search(filepath.Join("classes", name+".bbclass"))
}

// ReadInclude finds path (relative, as written in the recipe) under
// the first layer that has it. Only <layer>/<path> is tried; conf/ is
// not searched separately.
func (fs *LayerFS) ReadInclude(path string) (string, error) {
	return fs.search(path)
}

func (fs *LayerFS) search(rel string) (string, error) {
	for _, layer := range fs.Layers {
		full := filepath.Join(layer, rel)
		data, err := os.ReadFile(full)
		if err == nil {
			return string(data), nil
		}
		if !os.IsNotExist(err) {
			return "", bferrors.Wrap(bferrors.KindResolution, err, "reading %s", full)
		}
	}
	return "", bferrors.New(bferrors.KindResolution, "%s not found in any layer", rel)
}

// FindRecipes walks every layer root for files matching the recipe
// source suffixes spec §6 names (.bb, .bbappend, .inc, .bbclass,
// .conf are all valid recipe-source inputs; discovery only collects
// .bb, the unit-of-build files proper).
func (fs *LayerFS) FindRecipes() ([]string, error) {
	var found []string
	for _, layer := range fs.Layers {
		err := filepath.Walk(layer, func(path string, info os.FileInfo, err error) error {
			if err != nil {
				return err
			}
			if !info.IsDir() && filepath.Ext(path) == ".bb" {
				found = append(found, path)
			}
			return nil
		})
		if err != nil {
			return nil, bferrors.Wrap(bferrors.KindConfiguration, err, "walking layer %s", layer)
		}
	}
	return found, nil
}
