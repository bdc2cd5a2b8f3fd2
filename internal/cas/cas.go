// Package cas is the content-addressable blob store backing the
// action cache (spec §4.7): artifacts are stored under their SHA-256
// digest so identical content is only ever stored once. Writes go
// through a temp-file-plus-fsync-plus-rename sequence so a crash mid
// write can never leave a corrupt or partially-written blob at its
// final path, grounded on the teacher's state.go persistence pattern
// generalized from single recipe-state files to a sharded blob tree,
// plus a github.com/gofrs/flock store-wide lock so concurrent forge
// processes don't race on the same CAS root (spec §4.7 "concurrent
// writers").
package cas

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"

	"github.com/forgebuild/forge/internal/bferrors"
)

// ErrNotFound is returned by Get/Stat when a digest isn't present.
var ErrNotFound = errors.New("cas: blob not found")

// Store is a directory-backed content-addressable blob store. Blobs
// live at root/sha256/<hh>/<hh>/<full hex digest> — a two-level,
// four-hex-char fan-out under an algorithm directory (spec §4.7/§6),
// generalizing the single-level shallow sharding git and bazel's CAS
// use to the digest volumes a multi-layer build can produce.
type Store struct {
	root string
	lock *flock.Flock
}

// Open ensures root exists and returns a Store over it. It does not
// itself acquire the store-wide lock; call Lock/Unlock around a batch
// of writes that must not interleave with another process's.
func Open(root string) (*Store, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, bferrors.Wrap(bferrors.KindCache, err, "creating CAS root %s", root)
	}
	return &Store{root: root, lock: flock.New(filepath.Join(root, ".lock"))}, nil
}

// Lock acquires the store-wide advisory lock, blocking until held or
// ctx-equivalent cancellation isn't needed since CAS writes are short;
// callers that want non-blocking behavior should use TryLock.
func (s *Store) Lock() error {
	if err := s.lock.Lock(); err != nil {
		return bferrors.Wrap(bferrors.KindCache, err, "locking CAS root %s", s.root)
	}
	return nil
}

// TryLock attempts to acquire the store-wide lock without blocking,
// reporting whether it succeeded.
func (s *Store) TryLock() (bool, error) {
	ok, err := s.lock.TryLock()
	if err != nil {
		return false, bferrors.Wrap(bferrors.KindCache, err, "locking CAS root %s", s.root)
	}
	return ok, nil
}

// Unlock releases the store-wide lock.
func (s *Store) Unlock() error {
	return s.lock.Unlock()
}

func (s *Store) pathFor(digest string) string {
	return filepath.Join(s.root, "sha256", digest[:2], digest[2:4], digest)
}

// Put streams r into the store, returning its SHA-256 hex digest. The
// content is first written to a put-*.tmp file in the store root (the
// digest, and so the shard directory, is only known once the content
// has been read), fsynced, then renamed into place — rename is atomic
// within the store's filesystem, so readers never observe a partial
// blob, and a crash between write and rename just leaves an orphan
// temp file in the store root rather than a corrupt final blob;
// nothing in this package removes such orphans later. The shard
// directory itself is fsynced after the rename (spec §4.7 step iv) so
// the directory entry survives a crash even if the rename hadn't yet
// reached disk.
func (s *Store) Put(r io.Reader) (string, error) {
	tmp, err := os.CreateTemp(s.root, "put-*.tmp")
	if err != nil {
		return "", bferrors.Wrap(bferrors.KindCache, err, "creating temp blob file")
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once renamed away

	h := sha256.New()
	if _, err := io.Copy(tmp, io.TeeReader(r, h)); err != nil {
		tmp.Close()
		return "", bferrors.Wrap(bferrors.KindCache, err, "writing blob content")
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return "", bferrors.Wrap(bferrors.KindCache, err, "fsyncing blob content")
	}
	if err := tmp.Close(); err != nil {
		return "", bferrors.Wrap(bferrors.KindCache, err, "closing temp blob file")
	}

	digest := hex.EncodeToString(h.Sum(nil))
	dest := s.pathFor(digest)
	shardDir := filepath.Dir(dest)
	if err := os.MkdirAll(shardDir, 0o755); err != nil {
		return "", bferrors.Wrap(bferrors.KindCache, err, "creating blob shard dir")
	}
	if _, err := os.Stat(dest); err == nil {
		// Already present: identical content, nothing to do. Content
		// addressing makes this a safe no-op rather than a conflict.
		return digest, nil
	}
	if err := os.Rename(tmpPath, dest); err != nil {
		return "", bferrors.Wrap(bferrors.KindCache, err, "renaming blob into place")
	}
	if err := fsyncDir(shardDir); err != nil {
		return "", bferrors.Wrap(bferrors.KindCache, err, "fsyncing blob shard dir")
	}
	return digest, nil
}

// fsyncDir fsyncs a directory's own entry so a rename into it is
// durable across a crash, not just the file it renamed (spec §4.7
// step iv). Best-effort no-op on platforms where opening a directory
// for fsync isn't supported is deliberately NOT attempted here: CAS
// durability is a correctness requirement, not defense-in-depth, so a
// failure to fsync the directory is reported rather than swallowed.
func fsyncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}

// PutBytes is a convenience wrapper for in-memory content.
func (s *Store) PutBytes(b []byte) (string, error) {
	sum := sha256.Sum256(b)
	digest := hex.EncodeToString(sum[:])
	dest := s.pathFor(digest)
	if _, err := os.Stat(dest); err == nil {
		return digest, nil
	}
	if _, err := s.Put(bytes.NewReader(b)); err != nil {
		return "", err
	}
	return digest, nil
}

// Get opens the blob for digest for reading. Callers must Close it.
func (s *Store) Get(digest string) (io.ReadCloser, error) {
	f, err := os.Open(s.pathFor(digest))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, digest)
		}
		return nil, bferrors.Wrap(bferrors.KindCache, err, "opening blob %s", digest)
	}
	return f, nil
}

// Has reports whether digest is present without opening it.
func (s *Store) Has(digest string) bool {
	_, err := os.Stat(s.pathFor(digest))
	return err == nil
}

// Stat returns the on-disk size of digest's blob.
func (s *Store) Stat(digest string) (int64, error) {
	info, err := os.Stat(s.pathFor(digest))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, fmt.Errorf("%w: %s", ErrNotFound, digest)
		}
		return 0, bferrors.Wrap(bferrors.KindCache, err, "stat blob %s", digest)
	}
	return info.Size(), nil
}

// Remove deletes digest's blob, used by cache-clean/cache-expunge
// (spec §5) and orphan sweeps (internal/actioncache).
func (s *Store) Remove(digest string) error {
	if err := os.Remove(s.pathFor(digest)); err != nil && !os.IsNotExist(err) {
		return bferrors.Wrap(bferrors.KindCache, err, "removing blob %s", digest)
	}
	return nil
}

// Walk calls fn for every digest currently stored, in no particular
// order; used by cache-info/cache-clean to size and sweep the store.
// It descends root/sha256/<hh>/<hh>/<digest>, tolerating a missing
// sha256 directory (a freshly opened, never-written store).
func (s *Store) Walk(fn func(digest string, size int64) error) error {
	algoRoot := filepath.Join(s.root, "sha256")
	outer, err := os.ReadDir(algoRoot)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return bferrors.Wrap(bferrors.KindCache, err, "reading CAS root")
	}
	for _, o := range outer {
		if !o.IsDir() {
			continue
		}
		outerPath := filepath.Join(algoRoot, o.Name())
		inner, err := os.ReadDir(outerPath)
		if err != nil {
			return bferrors.Wrap(bferrors.KindCache, err, "reading CAS shard %s", o.Name())
		}
		for _, in := range inner {
			if !in.IsDir() {
				continue
			}
			innerPath := filepath.Join(outerPath, in.Name())
			files, err := os.ReadDir(innerPath)
			if err != nil {
				return bferrors.Wrap(bferrors.KindCache, err, "reading CAS shard %s/%s", o.Name(), in.Name())
			}
			for _, f := range files {
				if f.IsDir() {
					continue
				}
				info, err := f.Info()
				if err != nil {
					return bferrors.Wrap(bferrors.KindCache, err, "stat CAS entry %s", f.Name())
				}
				if err := fn(f.Name(), info.Size()); err != nil {
					return err
				}
			}
		}
	}
	return nil
}
