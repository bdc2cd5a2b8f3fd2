package remotecache

import (
	"context"
	"testing"
	"time"

	"github.com/forgebuild/forge/internal/actioncache"
	"github.com/forgebuild/forge/internal/cas"
)

func TestFindMissingReportsAbsentSignatures(t *testing.T) {
	c := NewInMemory()
	c.BatchUpdate(context.Background(), []actioncache.Entry{{Signature: "sig1"}})
	missing, err := c.FindMissing(context.Background(), []string{"sig1", "sig2"})
	if err != nil {
		t.Fatal(err)
	}
	if len(missing) != 1 || missing[0] != "sig2" {
		t.Fatalf("got %v, want [sig2]", missing)
	}
}

func TestBatchReadReturnsOnlyKnownEntries(t *testing.T) {
	c := NewInMemory()
	c.BatchUpdate(context.Background(), []actioncache.Entry{{Signature: "sig1", ExitCode: 0}})
	got, err := c.BatchRead(context.Background(), []string{"sig1", "sig2"})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Fatalf("got %d entries, want 1", len(got))
	}
	if _, ok := got["sig2"]; ok {
		t.Fatal("expected sig2 to be absent")
	}
}

func TestSyncPushesLocalOnlyEntries(t *testing.T) {
	store, err := cas.Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	local := actioncache.New(actioncache.NewMemStore(), store)
	if _, err := local.Record("sig1", map[string][]byte{"out": []byte("x")}, 0, time.Unix(0, 0)); err != nil {
		t.Fatal(err)
	}

	remote := NewInMemory()
	if err := Sync(context.Background(), local, remote, []string{"sig1"}); err != nil {
		t.Fatal(err)
	}

	got, err := remote.BatchRead(context.Background(), []string{"sig1"})
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := got["sig1"]; !ok {
		t.Fatal("expected sig1 to be pushed to the remote cache")
	}
}

func TestSyncSkipsSignaturesAlreadyOnRemote(t *testing.T) {
	store, err := cas.Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	local := actioncache.New(actioncache.NewMemStore(), store)
	remote := NewInMemory()
	remote.BatchUpdate(context.Background(), []actioncache.Entry{{Signature: "sig1"}})

	if err := Sync(context.Background(), local, remote, []string{"sig1"}); err != nil {
		t.Fatal(err)
	}
	missing, err := remote.FindMissing(context.Background(), []string{"sig1"})
	if err != nil {
		t.Fatal(err)
	}
	if len(missing) != 0 {
		t.Fatalf("got %v, want none missing", missing)
	}
}
