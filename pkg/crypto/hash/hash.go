// Package hash names the fixed-output hash primitives a key chain can be
// built on. Every registered function produces a Size-byte digest.
package hash

import (
	"crypto/sha256"
	"errors"
	"fmt"
	gohash "hash"
	"slices"
	"sort"

	"github.com/cloudflare/circl/xof"
	"github.com/zeebo/blake3"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/sha3"
)

// Size is the digest length of every registered function.
const Size = 32

var ErrUnknown = errors.New("hash: unknown function")

// Func is a named constructor for a Size-byte hash.
type Func interface {
	Name() string
	Size() int
	New() gohash.Hash
}

type fn struct {
	name string
	new  func() gohash.Hash
}

func (f fn) Name() string     { return f.name }
func (f fn) Size() int        { return Size }
func (f fn) New() gohash.Hash { return f.new() }
func (f fn) String() string   { return f.name }

var (
	SHA256 Func = fn{"sha256", sha256.New}
	SHA3   Func = fn{"sha3-256", sha3.New256}
	BLAKE2 Func = fn{"blake2b-256", newBlake2b}
	BLAKE3 Func = fn{"blake3", func() gohash.Hash { return blake3.New() }}
	SHAKE  Func = fn{"shake256", func() gohash.Hash { return &xofHash{x: xof.SHAKE256.New()} }}
)

var registry = map[string]Func{}

func init() {
	for _, f := range []Func{SHA256, SHA3, BLAKE2, BLAKE3, SHAKE} {
		registry[f.Name()] = f
	}
}

// Lookup returns the function registered under name.
func Lookup(name string) (Func, error) {
	f, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknown, name)
	}
	return f, nil
}

// Names lists the registered functions in sorted order.
func Names() []string {
	out := make([]string, 0, len(registry))
	for name := range registry {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Digest hashes data with the named function. It allocates the result on
// the heap and is meant for public data and tests, not key material.
func Digest(name string, data []byte) ([]byte, error) {
	f, err := Lookup(name)
	if err != nil {
		return nil, err
	}
	h := f.New()
	h.Write(data)
	return h.Sum(nil), nil
}

func newBlake2b() gohash.Hash {
	// New256 only fails for keys longer than 64 bytes.
	h, _ := blake2b.New256(nil)
	return h
}

// xofHash reads a fixed Size-byte output from SHAKE256.
type xofHash struct {
	x xof.XOF
}

func (h *xofHash) Write(p []byte) (int, error) { return h.x.Write(p) }

// Sum appends the digest to b in place when b has room, like the
// standard library hashes.
func (h *xofHash) Sum(b []byte) []byte {
	n := len(b)
	b = slices.Grow(b, Size)[:n+Size]
	c := h.x.Clone()
	_, _ = c.Read(b[n:])
	return b
}

func (h *xofHash) Reset()         { h.x.Reset() }
func (h *xofHash) Size() int      { return Size }
func (h *xofHash) BlockSize() int { return 136 }
