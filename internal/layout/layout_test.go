package layout

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestEnsureDirsCreatesFullTree(t *testing.T) {
	top := t.TempDir()
	tree := NewTree(filepath.Join(top, "build"))
	if err := tree.EnsureDirs(); err != nil {
		t.Fatal(err)
	}
	for _, dir := range []string{tree.TopDir, tree.DownloadDir, tree.WorkDir, tree.DeployDir, tree.CacheDir, tree.StateDir} {
		info, err := os.Stat(dir)
		if err != nil {
			t.Fatalf("expected %s to exist: %v", dir, err)
		}
		if !info.IsDir() {
			t.Fatalf("expected %s to be a directory", dir)
		}
	}
}

func TestRecipeWorkDir(t *testing.T) {
	tree := NewTree("/build")
	got := tree.RecipeWorkDir("busybox", "1.36.1")
	want := filepath.Join("/build", "work", "busybox-1.36.1")
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestHashCacheReturnsSameHashForUnchangedFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "f.txt")
	if err := os.WriteFile(path, []byte("content"), 0o644); err != nil {
		t.Fatal(err)
	}
	c := NewHashCache()
	h1, err := c.Hash(path)
	if err != nil {
		t.Fatal(err)
	}
	h2, err := c.Hash(path)
	if err != nil {
		t.Fatal(err)
	}
	if h1 != h2 {
		t.Fatalf("got different hashes %q, %q for unchanged file", h1, h2)
	}
}

func TestHashCacheDetectsContentChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "f.txt")
	os.WriteFile(path, []byte("v1"), 0o644)
	c := NewHashCache()
	h1, err := c.Hash(path)
	if err != nil {
		t.Fatal(err)
	}

	// Force a distinct mtime so the cache doesn't mistake this for the same file.
	future := time.Now().Add(time.Hour)
	os.WriteFile(path, []byte("v2-longer-content"), 0o644)
	os.Chtimes(path, future, future)

	h2, err := c.Hash(path)
	if err != nil {
		t.Fatal(err)
	}
	if h1 == h2 {
		t.Fatal("expected hash to change after content and mtime changed")
	}
}

func TestHashAll(t *testing.T) {
	dir := t.TempDir()
	p1 := filepath.Join(dir, "a.txt")
	p2 := filepath.Join(dir, "b.txt")
	os.WriteFile(p1, []byte("a"), 0o644)
	os.WriteFile(p2, []byte("b"), 0o644)

	c := NewHashCache()
	hashes, err := c.HashAll([]string{p1, p2})
	if err != nil {
		t.Fatal(err)
	}
	if hashes[p1] == hashes[p2] {
		t.Fatal("expected distinct hashes for distinct content")
	}
}
