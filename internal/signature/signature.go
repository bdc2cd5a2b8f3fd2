// Package signature computes the deterministic task signature the
// action cache is keyed on (spec §4.6): a canonical structured
// encoding of everything that can affect a task's output, hashed with
// SHA-256. It generalizes the teacher's state.go hashing helpers
// (hashFile/hashString/HashCache) from a single recipe-hash-plus-mtime
// scheme to the full structured encoding the spec demands, and adds
// in-process memoization via github.com/hashicorp/golang-lru/v2 where
// the teacher relies on its stat-based HashCache for the analogous
// "don't re-hash the same file twice" concern.
package signature

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strconv"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Input is everything that feeds one task's signature (spec §4.6):
// the recipe and task name, its input content hashes, the signatures
// of its direct dependencies (so a change ripples forward without
// re-hashing file content transitively), the build-affecting
// environment variables, and the task's own script text.
type Input struct {
	Recipe       string
	Task         string
	InputHashes  map[string]string // path -> content hash
	DepSigs      []string          // direct dependency task signatures
	Env          map[string]string // build-affecting environment subset (spec §10.3)
	Script       string
}

// Compute produces the canonical hex-encoded SHA-256 signature for
// in. Every map is sorted before encoding so two Inputs with the same
// content in different map-iteration orders (Go maps are unordered)
// produce identical signatures — the determinism spec §4.6 requires.
//
// Every variable-length field is written with an explicit byte-length
// prefix (a netstring-style "<len>:<data>" framing) rather than a bare
// delimiter. A bare "\n"/"="/","-joined encoding lets a path, env key,
// or env value that itself contains one of those characters produce
// the same byte stream as a differently-structured input, a signature
// collision spec §4.6 explicitly rules out by requiring "explicit
// length prefixes" between fields.
func Compute(in Input) string {
	var b strings.Builder
	writeField(&b, "recipe", in.Recipe)
	writeField(&b, "task", in.Task)
	writeMapField(&b, "inputs", in.InputHashes)
	writeMapField(&b, "env", in.Env)

	depSigs := append([]string(nil), in.DepSigs...)
	sort.Strings(depSigs)
	writeCount(&b, "deps", len(depSigs))
	for _, d := range depSigs {
		writeField(&b, "dep", d)
	}

	writeField(&b, "script", hashString(in.Script))

	return hashString(b.String())
}

// writeField appends a "<label>:<len(v)>:<v>" netstring-framed field.
func writeField(b *strings.Builder, label, v string) {
	b.WriteString(label)
	b.WriteByte(':')
	b.WriteString(strconv.Itoa(len(v)))
	b.WriteByte(':')
	b.WriteString(v)
}

// writeCount appends a "<label>:<n>:" field count header, read by the
// decoder-less encoding as "n fields of this kind follow" — there is
// no decoder, but the header still fixes the field count so a map with
// N entries can never be confused with one with N-1 plus a merged
// entry.
func writeCount(b *strings.Builder, label string, n int) {
	b.WriteString(label)
	b.WriteByte(':')
	b.WriteString(strconv.Itoa(n))
	b.WriteByte(':')
}

func writeMapField(b *strings.Builder, label string, m map[string]string) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	writeCount(b, label, len(keys))
	for _, k := range keys {
		writeField(b, "k", k)
		writeField(b, "v", m[k])
	}
}

func hashString(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// Memo caches Compute results per-Input so a task revisited in the
// same process (e.g. `query`'s dependents lookup re-walking a recipe
// already signed for `build`) doesn't re-hash. Keys are the caller's
// own cache key (typically the task's qualified name plus its DepSigs
// joined), not the Input itself, since Input contains maps and isn't
// comparable.
type Memo struct {
	cache *lru.Cache[string, string]
}

// NewMemo returns a Memo holding up to size entries; size <= 0 means
// unbounded-in-practice (a very large cap), matching the teacher's
// HashCache, which never evicts within a single build run.
func NewMemo(size int) *Memo {
	if size <= 0 {
		size = 1 << 16
	}
	c, _ := lru.New[string, string](size)
	return &Memo{cache: c}
}

// Get returns a memoized signature for key, computing and storing it
// via compute if absent.
func (m *Memo) Get(key string, compute func() string) string {
	if v, ok := m.cache.Get(key); ok {
		return v
	}
	v := compute()
	m.cache.Add(key, v)
	return v
}
