package guarded

import (
	"errors"
	"fmt"
	"os"

	"github.com/awnumar/memcall"
	"github.com/awnumar/memguard"
)

// Protection is the access mode of a guarded region.
type Protection int32

const (
	NoAccess Protection = iota
	ReadOnly
	ReadWrite
)

func (p Protection) String() string {
	switch p {
	case NoAccess:
		return "no-access"
	case ReadOnly:
		return "read-only"
	case ReadWrite:
		return "read-write"
	default:
		return fmt.Sprintf("Protection(%d)", int32(p))
	}
}

// Region is memory handed out by an Allocator. Bytes must only be touched
// while the region is readable (or writable, for writes).
type Region interface {
	Bytes() []byte
	Protect(Protection) error
	// Free wipes the region and returns it to the allocator.
	Free() error
}

// Allocator hands out guarded regions of exactly n usable bytes.
type Allocator interface {
	Alloc(n int) (Region, error)
}

// Replaced in tests.
var (
	memUnlock = memcall.Unlock
	memFree   = memcall.Free

	newLockedBuffer = memguard.NewBuffer
)

// PageAllocator maps every region on its own pages outside the Go heap,
// so protection changes never affect another region.
type PageAllocator struct {
	// RequireLock fails allocations that cannot be locked into RAM. When
	// false, an mlock failure (RLIMIT_MEMLOCK) leaves the region unlocked.
	RequireLock bool
}

func (a PageAllocator) Alloc(n int) (Region, error) {
	page := os.Getpagesize()
	size := (n + page - 1) / page * page
	mem, err := memcall.Alloc(size)
	if err != nil {
		return nil, err
	}
	r := &pageRegion{mem: mem, data: mem[:n:n]}
	if err := memcall.Lock(mem); err != nil {
		if a.RequireLock {
			_ = memcall.Free(mem)
			return nil, err
		}
	} else {
		r.locked = true
	}
	return r, nil
}

type pageRegion struct {
	mem    []byte
	data   []byte
	locked bool
}

func (r *pageRegion) Bytes() []byte { return r.data }

func (r *pageRegion) Protect(p Protection) error {
	switch p {
	case NoAccess:
		return memcall.Protect(r.mem, memcall.NoAccess())
	case ReadOnly:
		return memcall.Protect(r.mem, memcall.ReadOnly())
	case ReadWrite:
		return memcall.Protect(r.mem, memcall.ReadWrite())
	}
	return fmt.Errorf("guarded: invalid protection %v", p)
}

func (r *pageRegion) Free() error {
	var unlockErr error
	if r.locked {
		unlockErr = memUnlock(r.mem)
		r.locked = false
	}
	// memcall.Free makes the pages writable and wipes them before unmapping.
	err := memFree(r.mem)
	r.mem, r.data = nil, nil
	return errors.Join(unlockErr, err)
}

// LockedAllocator places regions in memguard locked buffers, which add guard
// pages and a canary around the data. memguard can only toggle between
// read-only and read-write, so NoAccess leaves the region frozen read-only.
//
// When the system refuses an allocation memguard purges every memguard
// buffer in the process before Alloc reports the failure, so earlier
// LockedAllocator regions are wiped too.
type LockedAllocator struct{}

func (LockedAllocator) Alloc(n int) (r Region, err error) {
	if n < 1 {
		return nil, fmt.Errorf("guarded: locked region of %d bytes", n)
	}
	defer func() {
		if v := recover(); v != nil {
			r, err = nil, fmt.Errorf("guarded: locked region of %d bytes: %v", n, v)
		}
	}()
	buf := newLockedBuffer(n)
	if buf.Size() != n {
		buf.Destroy()
		return nil, fmt.Errorf("guarded: locked region of %d bytes unavailable", n)
	}
	return &lockedRegion{buf: buf}, nil
}

type lockedRegion struct {
	buf *memguard.LockedBuffer
}

func (r *lockedRegion) Bytes() []byte { return r.buf.Bytes() }

func (r *lockedRegion) Protect(p Protection) error {
	switch p {
	case NoAccess, ReadOnly:
		r.buf.Freeze()
	case ReadWrite:
		r.buf.Melt()
	default:
		return fmt.Errorf("guarded: invalid protection %v", p)
	}
	return nil
}

func (r *lockedRegion) Free() error {
	r.buf.Destroy()
	return nil
}
