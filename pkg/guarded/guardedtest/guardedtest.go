// Package guardedtest provides an in-heap guarded.Allocator that records
// protection changes and can be told to fail, for tests of code built on
// guarded buffers.
package guardedtest

import (
	"errors"
	"sync"

	"example.com/chainkeys/pkg/guarded"
)

var ErrExhausted = errors.New("guardedtest: allocator exhausted")

// Allocator hands out heap regions. The zero value never fails.
type Allocator struct {
	mu      sync.Mutex
	limited bool
	limit   int
	allocs  int
	live    int
	regions []*Region
}

// NewAllocator returns an allocator that fails every allocation after the
// first limit ones. A negative limit never fails.
func NewAllocator(limit int) *Allocator {
	return &Allocator{limited: limit >= 0, limit: limit}
}

func (a *Allocator) Alloc(n int) (guarded.Region, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.limited && a.allocs >= a.limit {
		return nil, ErrExhausted
	}
	a.allocs++
	a.live++
	r := &Region{a: a, data: make([]byte, n), prot: guarded.ReadWrite}
	a.regions = append(a.regions, r)
	return r, nil
}

// Allocs reports how many allocations succeeded.
func (a *Allocator) Allocs() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.allocs
}

// Live reports how many regions have not been freed.
func (a *Allocator) Live() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.live
}

// Regions returns every region handed out, freed or not.
func (a *Allocator) Regions() []*Region {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]*Region(nil), a.regions...)
}

// Region is a heap region that remembers its protection history.
type Region struct {
	a       *Allocator
	mu      sync.Mutex
	data    []byte
	prot    guarded.Protection
	history []guarded.Protection
	freed   bool
	wiped   bool
}

func (r *Region) Bytes() []byte { return r.data }

func (r *Region) Protect(p guarded.Protection) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.freed {
		return errors.New("guardedtest: protect after free")
	}
	r.prot = p
	r.history = append(r.history, p)
	return nil
}

func (r *Region) Free() error {
	r.mu.Lock()
	if r.freed {
		r.mu.Unlock()
		return errors.New("guardedtest: double free")
	}
	clear(r.data)
	r.freed, r.wiped = true, true
	r.mu.Unlock()

	r.a.mu.Lock()
	r.a.live--
	r.a.mu.Unlock()
	return nil
}

// Protection returns the current protection.
func (r *Region) Protection() guarded.Protection {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.prot
}

// History returns every protection set on the region, in order.
func (r *Region) History() []guarded.Protection {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]guarded.Protection(nil), r.history...)
}

// Freed reports whether the region was freed, and so wiped.
func (r *Region) Freed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.freed && r.wiped
}

// Peek returns a copy of the raw contents regardless of protection.
func (r *Region) Peek() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]byte(nil), r.data...)
}
