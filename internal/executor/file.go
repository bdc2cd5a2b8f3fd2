package executor

import (
	"os"
	"path/filepath"
)

func readFile(scratchDir, relPath string) ([]byte, error) {
	return os.ReadFile(filepath.Join(scratchDir, relPath))
}
