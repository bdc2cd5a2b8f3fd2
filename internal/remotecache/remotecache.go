// Package remotecache defines the network-backed action-cache
// interface forge's two-tier cache (local internal/actioncache plus a
// shared team cache) talks to: find-missing, batch-read, batch-update,
// grounded on the find-missing-blobs/batch-read/batch-update triad
// original_source's remote-execution-protocol notes describe. The
// teacher has no remote/network cache concept at all (mk is purely
// local); this package's only local grounding is internal/actioncache's
// own interface shape, generalized from a single-process MetadataStore
// to a client that can legitimately fail or time out.
package remotecache

import (
	"context"
	"sync"

	"github.com/forgebuild/forge/internal/actioncache"
	"github.com/forgebuild/forge/internal/bferrors"
)

// Client is the remote action-cache contract: given a batch of
// signatures, report which ones the remote doesn't have yet
// (FindMissing), fetch known entries in bulk (BatchRead), and push
// newly produced entries in bulk (BatchUpdate). Batching lets a caller
// amortize one round trip across a whole build wave instead of
// issuing one request per task.
type Client interface {
	FindMissing(ctx context.Context, signatures []string) ([]string, error)
	BatchRead(ctx context.Context, signatures []string) (map[string]actioncache.Entry, error)
	BatchUpdate(ctx context.Context, entries []actioncache.Entry) error
}

// InMemory is a Client backed by a plain map, standing in for a real
// network cache in tests and local-only setups (spec §4.8's "in-memory
// fake" requirement) — it never fails and never needs a server.
type InMemory struct {
	mu      sync.Mutex
	entries map[string]actioncache.Entry
}

// NewInMemory returns an empty in-memory remote cache fake.
func NewInMemory() *InMemory {
	return &InMemory{entries: map[string]actioncache.Entry{}}
}

func (c *InMemory) FindMissing(_ context.Context, signatures []string) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var missing []string
	for _, sig := range signatures {
		if _, ok := c.entries[sig]; !ok {
			missing = append(missing, sig)
		}
	}
	return missing, nil
}

func (c *InMemory) BatchRead(_ context.Context, signatures []string) (map[string]actioncache.Entry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]actioncache.Entry, len(signatures))
	for _, sig := range signatures {
		if e, ok := c.entries[sig]; ok {
			out[sig] = e
		}
	}
	return out, nil
}

func (c *InMemory) BatchUpdate(_ context.Context, entries []actioncache.Entry) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range entries {
		c.entries[e.Signature] = e
	}
	return nil
}

// Sync reconciles a local action cache against a remote Client for a
// given set of signatures: anything the remote is missing that the
// local cache has gets pushed (BatchUpdate); anything the remote has
// that isn't needed locally is left alone — forge only ever pulls
// entries on demand via BatchRead, it doesn't mirror the whole remote
// cache locally.
func Sync(ctx context.Context, local *actioncache.Cache, remote Client, signatures []string) error {
	missing, err := remote.FindMissing(ctx, signatures)
	if err != nil {
		return bferrors.Wrap(bferrors.KindCache, err, "finding missing remote entries")
	}
	var toPush []actioncache.Entry
	for _, sig := range missing {
		entry, ok, err := local.Lookup(sig)
		if err != nil {
			return err
		}
		if ok {
			toPush = append(toPush, entry)
		}
	}
	if len(toPush) == 0 {
		return nil
	}
	if err := remote.BatchUpdate(ctx, toPush); err != nil {
		return bferrors.Wrap(bferrors.KindCache, err, "pushing %d entries to remote cache", len(toPush))
	}
	return nil
}
