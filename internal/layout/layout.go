// Package layout describes the on-disk build-directory structure
// (spec §4.2's TMPDIR-style tree: downloads, per-recipe work
// directories, deploy output, and the cache roots) and provides the
// mtime-cached content hashing Signature computation needs over real
// source files. The hash cache is adapted directly from the teacher's
// state.go HashCache (stat-then-hash-on-change, keyed by path+mtime+
// size) — the one piece of the teacher's staleness machinery that
// still has a job in the new design, since recomputing a SHA-256 over
// every recipe file on every signature computation would make large
// builds unusable.
package layout

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/forgebuild/forge/internal/bferrors"
)

// Tree is the set of directories one forge build tree is made of,
// rooted at TopDir (the analogue of Yocto's build/ directory).
type Tree struct {
	TopDir      string
	DownloadDir string // fetched upstream sources, shared across recipe versions
	WorkDir     string // per-recipe, per-task scratch and output staging
	DeployDir   string // final packaged artifacts
	CacheDir    string // action-cache metadata + CAS root
	StateDir    string // persisted BuildState-equivalent bookkeeping, if any
}

// NewTree derives the standard subdirectory layout under topDir,
// mirroring the teacher's single stateDir constant generalized to a
// full multi-directory tree (spec §4.2).
func NewTree(topDir string) *Tree {
	return &Tree{
		TopDir:      topDir,
		DownloadDir: filepath.Join(topDir, "downloads"),
		WorkDir:     filepath.Join(topDir, "work"),
		DeployDir:   filepath.Join(topDir, "deploy"),
		CacheDir:    filepath.Join(topDir, "cache"),
		StateDir:    filepath.Join(topDir, "state"),
	}
}

// EnsureDirs creates every directory in the tree, matching the
// teacher's os.MkdirAll(stateDir, 0o755) pattern in state.go.
func (t *Tree) EnsureDirs() error {
	for _, dir := range []string{t.TopDir, t.DownloadDir, t.WorkDir, t.DeployDir, t.CacheDir, t.StateDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return bferrors.Wrap(bferrors.KindConfiguration, err, "creating build-tree dir %s", dir)
		}
	}
	return nil
}

// RecipeWorkDir returns the scratch directory for one recipe's tasks,
// <recipe>-<version>, matching BitBake's WORKDIR convention.
func (t *Tree) RecipeWorkDir(recipe, version string) string {
	return filepath.Join(t.WorkDir, recipe+"-"+version)
}

// HashCache caches file content hashes keyed by (path, mtime, size),
// adapted from the teacher's state.go HashCache: same cache-key
// shape, same stat-before-hash short-circuit, renamed to fit this
// package and used by signature.Input population instead of
// BuildState staleness checks.
type HashCache struct {
	mu      sync.Mutex
	entries map[string]cacheEntry
}

type cacheEntry struct {
	mtime time.Time
	size  int64
	hash  string
}

// NewHashCache returns an empty HashCache.
func NewHashCache() *HashCache {
	return &HashCache{entries: make(map[string]cacheEntry)}
}

// Hash returns the content hash of the file at path, reusing a cached
// value if the file's mtime and size are unchanged since the last call.
func (c *HashCache) Hash(path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", bferrors.Wrap(bferrors.KindSignature, err, "stat %s", path)
	}
	mtime := info.ModTime()
	size := info.Size()

	c.mu.Lock()
	if e, ok := c.entries[path]; ok && e.mtime.Equal(mtime) && e.size == size {
		c.mu.Unlock()
		return e.hash, nil
	}
	c.mu.Unlock()

	h, err := hashFile(path)
	if err != nil {
		return "", bferrors.Wrap(bferrors.KindSignature, err, "hashing %s", path)
	}

	c.mu.Lock()
	c.entries[path] = cacheEntry{mtime: mtime, size: size, hash: h}
	c.mu.Unlock()

	return h, nil
}

// HashAll hashes every path in paths, returning a map suitable for
// signature.Input.InputHashes.
func (c *HashCache) HashAll(paths []string) (map[string]string, error) {
	out := make(map[string]string, len(paths))
	for _, p := range paths {
		h, err := c.Hash(p)
		if err != nil {
			return nil, err
		}
		out[p] = h
	}
	return out, nil
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
