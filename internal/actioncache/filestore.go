package actioncache

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/forgebuild/forge/internal/bferrors"
)

// FileStore is a MetadataStore that persists one JSON file per
// signature under root, adapted from the teacher's state.go
// LoadState/Save pair (a single JSON blob keyed by target) generalized
// to one small file per signature, sharded one directory level deep by
// the signature's first two hex characters (internal/cas uses two
// levels), so entry
// counts in the tens of thousands don't overload one directory.
type FileStore struct {
	root string
}

// NewFileStore ensures root exists and returns a FileStore over it.
func NewFileStore(root string) (*FileStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, bferrors.Wrap(bferrors.KindCache, err, "creating action-cache root %s", root)
	}
	return &FileStore{root: root}, nil
}

func (f *FileStore) pathFor(signature string) string {
	shard := signature
	if len(shard) > 2 {
		shard = shard[:2]
	}
	return filepath.Join(f.root, shard, signature+".json")
}

func (f *FileStore) Load(signature string) (Entry, bool, error) {
	data, err := os.ReadFile(f.pathFor(signature))
	if err != nil {
		if os.IsNotExist(err) {
			return Entry{}, false, nil
		}
		return Entry{}, false, bferrors.Wrap(bferrors.KindCache, err, "reading entry %s", signature)
	}
	entry, err := UnmarshalEntry(data)
	if err != nil {
		// Corrupt entry: treat as a miss rather than a fatal error (spec
		// §7 "Cache error... delete the offending blob, treat as cache
		// miss, warn"), generalized here to a corrupt manifest.
		_ = os.Remove(f.pathFor(signature))
		return Entry{}, false, nil
	}
	return entry, true, nil
}

// Save persists entry using the same fsync-temp-rename-fsync-directory
// discipline as internal/cas.Store.Put (spec §4.8: a metadata entry
// needs the same atomicity guarantee as the blob it describes, since a
// entry pointing at a blob that was never durably written is as bad as
// a missing entry).
func (f *FileStore) Save(entry Entry) error {
	path := f.pathFor(entry.Signature)
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return bferrors.Wrap(bferrors.KindCache, err, "creating entry shard dir")
	}
	data, err := MarshalEntry(entry)
	if err != nil {
		return bferrors.Wrap(bferrors.KindCache, err, "marshaling entry %s", entry.Signature)
	}

	tmp, err := os.CreateTemp(dir, "entry-*.tmp")
	if err != nil {
		return bferrors.Wrap(bferrors.KindCache, err, "creating temp entry file")
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once renamed away

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return bferrors.Wrap(bferrors.KindCache, err, "writing entry %s", entry.Signature)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return bferrors.Wrap(bferrors.KindCache, err, "fsyncing entry %s", entry.Signature)
	}
	if err := tmp.Close(); err != nil {
		return bferrors.Wrap(bferrors.KindCache, err, "closing temp entry file")
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return bferrors.Wrap(bferrors.KindCache, err, "renaming entry %s into place", entry.Signature)
	}
	if err := fsyncDir(dir); err != nil {
		return bferrors.Wrap(bferrors.KindCache, err, "fsyncing entry shard dir")
	}
	return nil
}

// fsyncDir fsyncs a directory's own entry so a rename into it is
// durable across a crash, mirroring internal/cas.fsyncDir.
func fsyncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}

func (f *FileStore) Delete(signature string) error {
	if err := os.Remove(f.pathFor(signature)); err != nil && !os.IsNotExist(err) {
		return bferrors.Wrap(bferrors.KindCache, err, "deleting entry %s", signature)
	}
	return nil
}

func (f *FileStore) List() ([]Entry, error) {
	var entries []Entry
	shards, err := os.ReadDir(f.root)
	if err != nil {
		return nil, bferrors.Wrap(bferrors.KindCache, err, "reading action-cache root")
	}
	for _, shard := range shards {
		if !shard.IsDir() {
			continue
		}
		files, err := os.ReadDir(filepath.Join(f.root, shard.Name()))
		if err != nil {
			return nil, bferrors.Wrap(bferrors.KindCache, err, "reading shard %s", shard.Name())
		}
		for _, fi := range files {
			if fi.IsDir() || !strings.HasSuffix(fi.Name(), ".json") {
				continue
			}
			sig := strings.TrimSuffix(fi.Name(), ".json")
			entry, ok, err := f.Load(sig)
			if err != nil {
				return nil, err
			}
			if ok {
				entries = append(entries, entry)
			}
		}
	}
	return entries, nil
}
