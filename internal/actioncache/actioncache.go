// Package actioncache is the signature-keyed lookup layer on top of
// internal/cas (spec §4.7): given a task signature, find the digests
// of the output blobs a previous identical execution produced, or
// record a fresh set after running the task. It is new relative to
// the teacher (mk has no cache layer at all — every rule always
// re-runs based on mtime comparison in state.go); its shape is
// grounded on original_source/bitzel's action-cache metadata file
// format, reduced to what spec §4.7 actually names: lookup, record,
// hit/miss/rate stats, and orphan cleanup.
package actioncache

import (
	"encoding/json"
	"io"
	"sync"
	"time"

	"github.com/forgebuild/forge/internal/bferrors"
	"github.com/forgebuild/forge/internal/cas"
)

// Entry is what one signature maps to: the digests of every output
// file the task produced, keyed by the output's build-relative path,
// plus bookkeeping for orphan sweeps and `cache-info`.
type Entry struct {
	Signature  string            `json:"signature"`
	Outputs    map[string]string `json:"outputs"` // relative path -> CAS digest
	RecordedAt int64             `json:"recorded_at"` // unix seconds, set by caller
	ExitCode   int               `json:"exit_code"`
}

// Stats tracks cumulative lookup outcomes for `cache-info` (spec §5).
type Stats struct {
	Hits   int64
	Misses int64
}

// Rate returns Hits/(Hits+Misses), 0 when nothing has been looked up yet.
func (s Stats) Rate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

// MetadataStore persists Entry records outside the blob-addressed CAS
// tree (the manifests are keyed by signature, not by their own
// content hash, so they need ordinary path-addressed storage).
// Implemented by FileStore (on disk) and MemStore (in memory, used by
// tests); internal/remotecache's Client is a separate interface, not a
// MetadataStore.
type MetadataStore interface {
	Load(signature string) (Entry, bool, error)
	Save(entry Entry) error
	Delete(signature string) error
	List() ([]Entry, error)
}

// Cache combines a MetadataStore (signature -> manifest) with a
// cas.Store (digest -> content) into the full action cache.
type Cache struct {
	meta MetadataStore
	cas  *cas.Store

	mu    sync.Mutex
	stats Stats
}

// New builds a Cache over an existing metadata store and blob store.
func New(meta MetadataStore, store *cas.Store) *Cache {
	return &Cache{meta: meta, cas: store}
}

// Lookup returns the recorded Entry for signature, if any, updating
// hit/miss stats as a side effect.
func (c *Cache) Lookup(signature string) (Entry, bool, error) {
	entry, ok, err := c.meta.Load(signature)
	if err != nil {
		return Entry{}, false, bferrors.Wrap(bferrors.KindCache, err, "looking up signature %s", signature)
	}
	c.mu.Lock()
	if ok {
		c.stats.Hits++
	} else {
		c.stats.Misses++
	}
	c.mu.Unlock()
	return entry, ok, nil
}

// Record stores outputs (path -> content) for signature: each blob is
// first written into the CAS, then a manifest mapping paths to
// digests is saved under the signature key. recordedAt is passed in
// rather than taken from time.Now so callers control determinism in
// tests (spec forbids wall-clock reads inside cacheable logic).
func (c *Cache) Record(signature string, outputs map[string][]byte, exitCode int, recordedAt time.Time) (Entry, error) {
	digests := make(map[string]string, len(outputs))
	for path, content := range outputs {
		digest, err := c.cas.PutBytes(content)
		if err != nil {
			return Entry{}, bferrors.Wrap(bferrors.KindCache, err, "storing output %s", path)
		}
		digests[path] = digest
	}
	entry := Entry{
		Signature:  signature,
		Outputs:    digests,
		RecordedAt: recordedAt.Unix(),
		ExitCode:   exitCode,
	}
	if err := c.meta.Save(entry); err != nil {
		return Entry{}, bferrors.Wrap(bferrors.KindCache, err, "recording signature %s", signature)
	}
	return entry, nil
}

// Fetch reads back the content of one of entry's recorded outputs.
func (c *Cache) Fetch(entry Entry, path string) ([]byte, error) {
	digest, ok := entry.Outputs[path]
	if !ok {
		return nil, bferrors.New(bferrors.KindCache, "entry %s has no output %s", entry.Signature, path)
	}
	rc, err := c.cas.Get(digest)
	if err != nil {
		return nil, bferrors.Wrap(bferrors.KindCache, err, "fetching output %s", path)
	}
	defer rc.Close()
	buf, err := io.ReadAll(rc)
	if err != nil {
		return nil, bferrors.Wrap(bferrors.KindCache, err, "reading output %s", path)
	}
	return buf, nil
}

// Stats returns a snapshot of cumulative hit/miss counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// SweepOrphans removes every CAS blob not referenced by any current
// metadata entry, the cleanup `cache-clean` performs (spec §5): a
// blob becomes orphaned when its recording entry was deleted (a
// signature no longer reachable from any recipe) but the blob itself
// was never explicitly removed, since blobs are shared by digest
// across unrelated entries and can't be deleted eagerly when any one
// referencing entry goes away.
func (c *Cache) SweepOrphans() (removed int, err error) {
	entries, err := c.meta.List()
	if err != nil {
		return 0, bferrors.Wrap(bferrors.KindCache, err, "listing cache entries for orphan sweep")
	}
	live := map[string]bool{}
	for _, e := range entries {
		for _, digest := range e.Outputs {
			live[digest] = true
		}
	}
	err = c.cas.Walk(func(digest string, size int64) error {
		if !live[digest] {
			if rmErr := c.cas.Remove(digest); rmErr != nil {
				return rmErr
			}
			removed++
		}
		return nil
	})
	if err != nil {
		return removed, bferrors.Wrap(bferrors.KindCache, err, "sweeping orphan blobs")
	}
	return removed, nil
}

// Expunge removes every entry and every blob, the full wipe
// `cache-expunge` performs (spec §5) as opposed to cache-clean's
// orphans-only sweep.
func (c *Cache) Expunge() error {
	entries, err := c.meta.List()
	if err != nil {
		return bferrors.Wrap(bferrors.KindCache, err, "listing cache entries for expunge")
	}
	for _, e := range entries {
		if err := c.meta.Delete(e.Signature); err != nil {
			return bferrors.Wrap(bferrors.KindCache, err, "deleting entry %s", e.Signature)
		}
	}
	return c.cas.Walk(func(digest string, size int64) error {
		return c.cas.Remove(digest)
	})
}

// MarshalEntry/UnmarshalEntry are used by on-disk and network
// MetadataStore implementations to (de)serialize manifests.
func MarshalEntry(e Entry) ([]byte, error) { return json.Marshal(e) }

func UnmarshalEntry(b []byte) (Entry, error) {
	var e Entry
	err := json.Unmarshal(b, &e)
	return e, err
}
