package cas

import (
	"bytes"
	"errors"
	"io"
	"testing"
)

func TestPutGetRoundTrip(t *testing.T) {
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	digest, err := s.Put(bytes.NewReader([]byte("hello world")))
	if err != nil {
		t.Fatal(err)
	}
	rc, err := s.Get(digest)
	if err != nil {
		t.Fatal(err)
	}
	defer rc.Close()
	got, err := io.ReadAll(rc)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "hello world" {
		t.Fatalf("got %q", got)
	}
}

func TestPutIsIdempotentForIdenticalContent(t *testing.T) {
	s, _ := Open(t.TempDir())
	d1, err := s.PutBytes([]byte("same"))
	if err != nil {
		t.Fatal(err)
	}
	d2, err := s.PutBytes([]byte("same"))
	if err != nil {
		t.Fatal(err)
	}
	if d1 != d2 {
		t.Fatalf("got different digests %q, %q for identical content", d1, d2)
	}
}

func TestGetMissingReturnsErrNotFound(t *testing.T) {
	s, _ := Open(t.TempDir())
	_, err := s.Get("deadbeef")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
}

func TestHasAndRemove(t *testing.T) {
	s, _ := Open(t.TempDir())
	digest, _ := s.PutBytes([]byte("x"))
	if !s.Has(digest) {
		t.Fatal("expected Has to report true after Put")
	}
	if err := s.Remove(digest); err != nil {
		t.Fatal(err)
	}
	if s.Has(digest) {
		t.Fatal("expected Has to report false after Remove")
	}
}

func TestStatReportsSize(t *testing.T) {
	s, _ := Open(t.TempDir())
	digest, _ := s.PutBytes([]byte("12345"))
	size, err := s.Stat(digest)
	if err != nil {
		t.Fatal(err)
	}
	if size != 5 {
		t.Fatalf("got size %d, want 5", size)
	}
}

func TestWalkVisitsAllBlobs(t *testing.T) {
	s, _ := Open(t.TempDir())
	want := map[string]bool{}
	for _, content := range []string{"a", "bb", "ccc"} {
		d, err := s.PutBytes([]byte(content))
		if err != nil {
			t.Fatal(err)
		}
		want[d] = true
	}
	got := map[string]bool{}
	err := s.Walk(func(digest string, size int64) error {
		got[digest] = true
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != len(want) {
		t.Fatalf("got %d blobs, want %d", len(got), len(want))
	}
	for d := range want {
		if !got[d] {
			t.Fatalf("Walk missed digest %s", d)
		}
	}
}

func TestLockPreventsConcurrentTryLock(t *testing.T) {
	dir := t.TempDir()
	s1, _ := Open(dir)
	s2, _ := Open(dir)
	if err := s1.Lock(); err != nil {
		t.Fatal(err)
	}
	defer s1.Unlock()
	ok, err := s2.TryLock()
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("expected TryLock to fail while another process holds the lock")
	}
}
