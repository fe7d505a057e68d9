// Package xhash implements the Hash value type and the concrete digest
// algorithms hydracore's chunk/file identity model is built on (spec §3):
// MD4, MD5, SHA-1 and ED2K (hash-of-MD4s over 9,728,000-byte chunks).
//
// Hash is a tagged sum of fixed algorithm enums plus fixed-width byte
// arrays, per the "Hash algorithm polymorphism" design note (spec §9) —
// the source's template HashSet<ChunkAlgo,FileAlgo> is replaced by a
// runtime algorithm tag carried alongside plain bytes.
package xhash

import (
	"bytes"
	"crypto/md5"
	"crypto/sha1"
	"fmt"

	"golang.org/x/crypto/md4"
)

// Algo identifies a hash algorithm. The zero value, AlgoNone, is the
// null/empty state distinguished from any real hash.
type Algo uint8

const (
	AlgoNone Algo = iota
	AlgoMD4
	AlgoMD5
	AlgoSHA1
	AlgoED2K
)

func (a Algo) String() string {
	switch a {
	case AlgoMD4:
		return "MD4"
	case AlgoMD5:
		return "MD5"
	case AlgoSHA1:
		return "SHA1"
	case AlgoED2K:
		return "ED2K"
	default:
		return "NONE"
	}
}

// Width returns the digest width in bytes for the algorithm.
func (a Algo) Width() int {
	switch a {
	case AlgoMD4, AlgoMD5, AlgoED2K:
		return 16
	case AlgoSHA1:
		return 20
	default:
		return 0
	}
}

// ED2KChunkSize is the fixed chunk size ED2K hashsets are computed over.
const ED2KChunkSize = 9_728_000

// Hash is an immutable, value-typed, equality- and order-comparable digest
// tagged by its algorithm.
type Hash struct {
	algo Algo
	data [20]byte // widest supported digest (SHA-1); unused tail is zero
}

// Null is the distinguished empty Hash.
var Null = Hash{}

// New builds a Hash from raw digest bytes, validating the length matches
// the algorithm's expected width.
func New(algo Algo, digest []byte) (Hash, error) {
	if algo == AlgoNone {
		return Hash{}, fmt.Errorf("xhash: cannot construct a hash with AlgoNone")
	}
	if len(digest) != algo.Width() {
		return Hash{}, fmt.Errorf("xhash: %s expects %d bytes, got %d", algo, algo.Width(), len(digest))
	}
	var h Hash
	h.algo = algo
	copy(h.data[:], digest)
	return h, nil
}

// MustNew is New but panics on error; useful for test fixtures and
// compile-time-known constants.
func MustNew(algo Algo, digest []byte) Hash {
	h, err := New(algo, digest)
	if err != nil {
		panic(err)
	}
	return h
}

// IsNull reports whether h is the distinguished empty state.
func (h Hash) IsNull() bool { return h.algo == AlgoNone }

// Algo returns the hash's tagged algorithm.
func (h Hash) Algo() Algo { return h.algo }

// Bytes returns the digest bytes (length Algo().Width()).
func (h Hash) Bytes() []byte {
	if h.algo == AlgoNone {
		return nil
	}
	out := make([]byte, h.algo.Width())
	copy(out, h.data[:h.algo.Width()])
	return out
}

// Equal reports whether two hashes have the same algorithm and digest.
func (h Hash) Equal(o Hash) bool {
	return h.algo == o.algo && bytes.Equal(h.data[:h.algo.Width()], o.data[:o.algo.Width()])
}

// Compare orders hashes first by algorithm, then lexicographically by
// digest bytes; it is a total order suitable for use as a map/index key.
func (h Hash) Compare(o Hash) int {
	if h.algo != o.algo {
		if h.algo < o.algo {
			return -1
		}
		return 1
	}
	return bytes.Compare(h.data[:h.algo.Width()], o.data[:o.algo.Width()])
}

func (h Hash) String() string {
	if h.IsNull() {
		return "<null-hash>"
	}
	return fmt.Sprintf("%s:%x", h.algo, h.data[:h.algo.Width()])
}

// Key returns a comparable map key combining the algorithm and digest.
func (h Hash) Key() string {
	return fmt.Sprintf("%d:%x", h.algo, h.data[:h.algo.Width()])
}

// Digest is a streaming hash accumulator for one algorithm. It wraps the
// stdlib/x-crypto hash.Hash implementations behind the Algo tag so a
// hashing job can drive several of them in parallel from the same read
// buffer (spec §4.4).
type Digest struct {
	algo Algo
	md4  interface {
		Write([]byte) (int, error)
		Sum([]byte) []byte
	}
	md5  interface {
		Write([]byte) (int, error)
		Sum([]byte) []byte
	}
	sha1 interface {
		Write([]byte) (int, error)
		Sum([]byte) []byte
	}
	ed2k *ed2kDigest
}

// NewDigest creates a streaming accumulator for algo.
func NewDigest(algo Algo) *Digest {
	d := &Digest{algo: algo}
	switch algo {
	case AlgoMD4:
		d.md4 = md4.New()
	case AlgoMD5:
		d.md5 = md5.New()
	case AlgoSHA1:
		d.sha1 = sha1.New()
	case AlgoED2K:
		d.ed2k = newED2KDigest()
	}
	return d
}

// Write feeds bytes into the accumulator.
func (d *Digest) Write(p []byte) (int, error) {
	switch d.algo {
	case AlgoMD4:
		return d.md4.Write(p)
	case AlgoMD5:
		return d.md5.Write(p)
	case AlgoSHA1:
		return d.sha1.Write(p)
	case AlgoED2K:
		return d.ed2k.Write(p)
	default:
		return 0, fmt.Errorf("xhash: digest has no algorithm")
	}
}

// Sum finalizes the accumulator into a Hash. It does not reset the
// underlying state (callers construct a fresh Digest per job).
func (d *Digest) Sum() Hash {
	switch d.algo {
	case AlgoMD4:
		return MustNew(AlgoMD4, d.md4.Sum(nil))
	case AlgoMD5:
		return MustNew(AlgoMD5, d.md5.Sum(nil))
	case AlgoSHA1:
		return MustNew(AlgoSHA1, d.sha1.Sum(nil))
	case AlgoED2K:
		return d.ed2k.Sum()
	default:
		return Hash{}
	}
}

// ed2kDigest accumulates per-chunk MD4s of ED2KChunkSize-byte chunks and,
// on Sum, returns the MD4-of-MD4s file hash (or the lone chunk's MD4 when
// the file is no larger than one chunk — the classic ed2k rule).
type ed2kDigest struct {
	chunkHashes  [][]byte
	cur          interface {
		Write([]byte) (int, error)
		Sum([]byte) []byte
		Reset()
	}
	curSize     int
	wroteAnything bool
}

func newED2KDigest() *ed2kDigest {
	return &ed2kDigest{cur: md4.New()}
}

func (e *ed2kDigest) Write(p []byte) (int, error) {
	total := len(p)
	e.wroteAnything = e.wroteAnything || total > 0
	for len(p) > 0 {
		room := ED2KChunkSize - e.curSize
		n := len(p)
		if n > room {
			n = room
		}
		e.cur.Write(p[:n])
		e.curSize += n
		p = p[n:]
		if e.curSize == ED2KChunkSize {
			e.chunkHashes = append(e.chunkHashes, e.cur.Sum(nil))
			e.cur.Reset()
			e.curSize = 0
		}
	}
	return total, nil
}

func (e *ed2kDigest) Sum() Hash {
	// Flush a trailing partial chunk.
	if e.curSize > 0 || !e.wroteAnything {
		e.chunkHashes = append(e.chunkHashes, e.cur.Sum(nil))
	}
	if len(e.chunkHashes) == 1 {
		return MustNew(AlgoED2K, e.chunkHashes[0])
	}
	outer := md4.New()
	for _, ch := range e.chunkHashes {
		outer.Write(ch)
	}
	return MustNew(AlgoED2K, outer.Sum(nil))
}

// SumAll computes a Hash for algo over the full content of b in one shot;
// used by small fixtures and tests where streaming isn't necessary.
func SumAll(algo Algo, b []byte) Hash {
	d := NewDigest(algo)
	d.Write(b)
	return d.Sum()
}
