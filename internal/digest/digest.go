// Package digest is the registry of content digest algorithms.
//
// Digests from different algorithms are never compared with each other. When a
// remote object declares several digests, Preference decides which one is
// trusted: fast non-cryptographic first, cryptographic next, legacy checksums
// last.
package digest

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"hash/crc32"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/cespare/xxhash/v2"
	"lukechampine.com/blake3"
)

const (
	XXH64  = "xxh64"
	BLAKE3 = "blake3"
	SHA256 = "sha256"
	CRC32C = "crc32c"
)

// AttributePrefix prefixes object attributes that carry a declared digest,
// e.g. "dev.blobsync.digest.sha256" -> hex value.
const AttributePrefix = "dev.blobsync.digest."

// Preference lists known algorithms, most trusted first.
var Preference = []string{XXH64, BLAKE3, SHA256, CRC32C}

var crc32cTable = crc32.MakeTable(crc32.Castagnoli)

var constructors = map[string]func() hash.Hash{
	XXH64:  func() hash.Hash { return xxhash.New() },
	BLAKE3: func() hash.Hash { return blake3.New(32, nil) },
	SHA256: sha256.New,
	CRC32C: func() hash.Hash { return crc32.New(crc32cTable) },
}

// Digest is an algorithm-tagged content hash.
type Digest struct {
	Algorithm string
	Sum       []byte
}

// String encodes the digest as "<algorithm>:<hex>".
func (d Digest) String() string {
	return d.Algorithm + ":" + hex.EncodeToString(d.Sum)
}

// Hex returns the hex-encoded sum.
func (d Digest) Hex() string { return hex.EncodeToString(d.Sum) }

// IsZero reports whether d carries no value.
func (d Digest) IsZero() bool { return d.Algorithm == "" && len(d.Sum) == 0 }

// Equal reports whether both digests use the same algorithm and sum.
func (d Digest) Equal(o Digest) bool {
	return d.Algorithm == o.Algorithm && bytes.Equal(d.Sum, o.Sum)
}

// Parse decodes "<algorithm>:<hex>".
func Parse(s string) (Digest, error) {
	alg, value, ok := strings.Cut(s, ":")
	if !ok {
		return Digest{}, fmt.Errorf("invalid digest %q: missing algorithm", s)
	}
	return FromHex(alg, value)
}

// FromHex builds a digest of a known algorithm from its hex encoding.
func FromHex(alg, value string) (Digest, error) {
	if !Supported(alg) {
		return Digest{}, fmt.Errorf("unsupported digest algorithm %q", alg)
	}
	sum, err := hex.DecodeString(strings.TrimSpace(value))
	if err != nil {
		return Digest{}, fmt.Errorf("invalid %s digest %q: %w", alg, value, err)
	}
	if want := constructors[alg]().Size(); len(sum) != want {
		return Digest{}, fmt.Errorf("invalid %s digest %q: want %d bytes, got %d", alg, value, want, len(sum))
	}
	return Digest{Algorithm: alg, Sum: sum}, nil
}

// Supported reports whether alg is registered.
func Supported(alg string) bool {
	_, ok := constructors[alg]
	return ok
}

// New returns a fresh hash.Hash for alg.
func New(alg string) (hash.Hash, error) {
	ctor, ok := constructors[alg]
	if !ok {
		return nil, fmt.Errorf("unsupported digest algorithm %q", alg)
	}
	return ctor(), nil
}

func rank(alg string) int {
	for i, a := range Preference {
		if a == alg {
			return i
		}
	}
	return len(Preference)
}

// Sort orders digests by preference, dropping unknown algorithms and
// duplicate algorithms (first occurrence wins).
func Sort(ds []Digest) []Digest {
	seen := make(map[string]bool, len(ds))
	out := make([]Digest, 0, len(ds))
	for _, d := range ds {
		if !Supported(d.Algorithm) || seen[d.Algorithm] {
			continue
		}
		seen[d.Algorithm] = true
		out = append(out, d)
	}
	sort.SliceStable(out, func(i, j int) bool { return rank(out[i].Algorithm) < rank(out[j].Algorithm) })
	return out
}

// FromMetadata extracts declared digests from object attributes plus an
// optional built-in checksum, in preference order. Malformed attribute values
// are skipped.
func FromMetadata(attrs map[string]string, builtin *Digest) []Digest {
	var ds []Digest
	for k, v := range attrs {
		alg, ok := strings.CutPrefix(k, AttributePrefix)
		if !ok {
			continue
		}
		d, err := FromHex(alg, v)
		if err != nil {
			continue
		}
		ds = append(ds, d)
	}
	// Attribute values take precedence over the built-in field for the same algorithm.
	sort.Slice(ds, func(i, j int) bool { return ds[i].Algorithm < ds[j].Algorithm })
	if builtin != nil && !builtin.IsZero() {
		ds = append(ds, *builtin)
	}
	return Sort(ds)
}

// Attributes encodes digests as object attributes, the inverse of FromMetadata.
func Attributes(ds []Digest) map[string]string {
	attrs := make(map[string]string, len(ds))
	for _, d := range ds {
		attrs[AttributePrefix+d.Algorithm] = d.Hex()
	}
	return attrs
}

// Preferred returns the most trusted digest, or nil.
func Preferred(ds []Digest) *Digest {
	sorted := Sort(ds)
	if len(sorted) == 0 {
		return nil
	}
	return &sorted[0]
}

// Find returns the digest with the given algorithm, or nil.
func Find(ds []Digest, alg string) *Digest {
	for i := range ds {
		if ds[i].Algorithm == alg {
			return &ds[i]
		}
	}
	return nil
}

// Compute hashes r with each requested algorithm in a single pass.
func Compute(r io.Reader, algs ...string) ([]Digest, error) {
	hashes := make([]hash.Hash, len(algs))
	writers := make([]io.Writer, len(algs))
	for i, alg := range algs {
		h, err := New(alg)
		if err != nil {
			return nil, err
		}
		hashes[i] = h
		writers[i] = h
	}
	if _, err := io.Copy(io.MultiWriter(writers...), r); err != nil {
		return nil, err
	}
	out := make([]Digest, len(algs))
	for i, h := range hashes {
		out[i] = Digest{Algorithm: algs[i], Sum: h.Sum(nil)}
	}
	return out, nil
}

// File hashes the file at path. Read failures are returned as I/O errors,
// never as mismatches.
func File(path string, algs ...string) ([]Digest, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	ds, err := Compute(f, algs...)
	if err != nil {
		return nil, fmt.Errorf("hash %s: %w", path, err)
	}
	return ds, nil
}

// FileDigest hashes path with a single algorithm.
func FileDigest(path, alg string) (Digest, error) {
	ds, err := File(path, alg)
	if err != nil {
		return Digest{}, err
	}
	return ds[0], nil
}

// Verdict is the outcome of comparing an expected and an observed digest.
type Verdict int

const (
	Indeterminate Verdict = iota
	Match
	Mismatch
)

func (v Verdict) String() string {
	switch v {
	case Match:
		return "match"
	case Mismatch:
		return "mismatch"
	default:
		return "indeterminate"
	}
}

// Compare is Match only when both digests are present and equal, and
// Indeterminate when either is absent or the algorithms differ.
func Compare(expected, observed *Digest) Verdict {
	if expected == nil || observed == nil || expected.IsZero() || observed.IsZero() {
		return Indeterminate
	}
	if expected.Algorithm != observed.Algorithm {
		return Indeterminate
	}
	if bytes.Equal(expected.Sum, observed.Sum) {
		return Match
	}
	return Mismatch
}
