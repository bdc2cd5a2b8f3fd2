package signature

import "testing"

func TestComputeIsDeterministicAcrossMapOrder(t *testing.T) {
	a := Compute(Input{
		Recipe:      "busybox",
		Task:        "do_compile",
		InputHashes: map[string]string{"a": "1", "b": "2"},
		Env:         map[string]string{"CC": "gcc", "CFLAGS": "-O2"},
		DepSigs:     []string{"sig2", "sig1"},
		Script:      "make",
	})
	b := Compute(Input{
		Recipe:      "busybox",
		Task:        "do_compile",
		InputHashes: map[string]string{"b": "2", "a": "1"},
		Env:         map[string]string{"CFLAGS": "-O2", "CC": "gcc"},
		DepSigs:     []string{"sig1", "sig2"},
		Script:      "make",
	})
	if a != b {
		t.Fatalf("signatures differ across map/slice order: %q vs %q", a, b)
	}
}

func TestComputeChangesWithScript(t *testing.T) {
	base := Input{Recipe: "busybox", Task: "do_compile", Script: "make"}
	changed := base
	changed.Script = "make all"
	if Compute(base) == Compute(changed) {
		t.Fatal("expected different signatures for different scripts")
	}
}

func TestComputeChangesWithInputHash(t *testing.T) {
	base := Input{Recipe: "busybox", Task: "do_compile", InputHashes: map[string]string{"f": "1"}}
	changed := Input{Recipe: "busybox", Task: "do_compile", InputHashes: map[string]string{"f": "2"}}
	if Compute(base) == Compute(changed) {
		t.Fatal("expected different signatures for different input hashes")
	}
}

func TestMemoComputesOnceAndReturnsCachedValue(t *testing.T) {
	m := NewMemo(0)
	calls := 0
	compute := func() string {
		calls++
		return "sig-x"
	}
	v1 := m.Get("key", compute)
	v2 := m.Get("key", compute)
	if v1 != "sig-x" || v2 != "sig-x" {
		t.Fatalf("got %q, %q", v1, v2)
	}
	if calls != 1 {
		t.Fatalf("compute called %d times, want 1", calls)
	}
}

func TestMemoDistinctKeysComputeIndependently(t *testing.T) {
	m := NewMemo(0)
	a := m.Get("a", func() string { return "sig-a" })
	b := m.Get("b", func() string { return "sig-b" })
	if a == b {
		t.Fatalf("expected distinct values, got %q and %q", a, b)
	}
}
