// Package guarded keeps secret bytes in memory that is unreadable except
// during an explicit, locked access.
//
// A Buffer rests in NoAccess. Writes flip the region to read-write for the
// duration of the copy, reads go through a Reader obtained from Acquire (or
// the View closure) that holds the buffer's lock until it is released.
// Buffers are handled by pointer only; duplicating secret material always
// goes through Duplicate or DuplicateInto.
package guarded

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/awnumar/memguard"

	"example.com/chainkeys/pkg/crypto/hash"
)

var (
	ErrAllocation              = errors.New("guarded: allocation failed")
	ErrInvalidCapacity         = errors.New("guarded: capacity must be positive")
	ErrOutOfBounds             = errors.New("guarded: write exceeds buffer capacity")
	ErrInsufficientDestination = errors.New("guarded: destination smaller than digest")
	ErrDestroyed               = errors.New("guarded: buffer destroyed")
	ErrAliased                 = errors.New("guarded: source and destination are the same buffer")
)

var defaultAllocator Allocator = PageAllocator{}

type options struct {
	alloc Allocator
}

// Option configures New.
type Option func(*options)

// WithAllocator selects where the region is allocated. The default is a
// PageAllocator.
func WithAllocator(a Allocator) Option {
	return func(o *options) {
		if a != nil {
			o.alloc = a
		}
	}
}

// Buffer is a fixed-capacity cell of guarded memory. It must not be copied
// after creation.
type Buffer struct {
	size  int
	alloc Allocator

	mu     sync.Mutex
	region Region
	data   []byte
	freed  bool

	// state mirrors the region's protection for Protection().
	state atomic.Int32
}

// New allocates a zeroed buffer of exactly capacity bytes. On failure no
// buffer is returned.
func New(capacity int, opts ...Option) (*Buffer, error) {
	if capacity < 1 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidCapacity, capacity)
	}
	o := options{alloc: defaultAllocator}
	for _, opt := range opts {
		opt(&o)
	}
	region, err := o.alloc.Alloc(capacity)
	if err != nil {
		return nil, fmt.Errorf("%w: %d bytes: %w", ErrAllocation, capacity, err)
	}
	if err := region.Protect(NoAccess); err != nil {
		_ = region.Free()
		return nil, fmt.Errorf("%w: %d bytes: %w", ErrAllocation, capacity, err)
	}
	b := &Buffer{
		size:   capacity,
		alloc:  o.alloc,
		region: region,
		data:   region.Bytes(),
	}
	b.state.Store(int32(NoAccess))
	runtime.SetFinalizer(b, (*Buffer).finalize)
	return b, nil
}

// NewFromBytes moves src into a new buffer and wipes src.
func NewFromBytes(src []byte, opts ...Option) (*Buffer, error) {
	defer memguard.WipeBytes(src)
	b, err := New(len(src), opts...)
	if err != nil {
		return nil, err
	}
	if err := b.Write(src); err != nil {
		_ = b.Destroy()
		return nil, err
	}
	return b, nil
}

// Len returns the capacity, which never changes.
func (b *Buffer) Len() int { return b.size }

// Protection reports the region's current access mode.
func (b *Buffer) Protection() Protection { return Protection(b.state.Load()) }

// Write copies src to the start of the buffer.
func (b *Buffer) Write(src []byte) error { return b.WriteAt(src, 0) }

// WriteAt copies src into the buffer at offset. Nothing is copied when the
// write does not fit.
func (b *Buffer) WriteAt(src []byte, offset int) error {
	if offset < 0 || len(src) > b.size-offset {
		return fmt.Errorf("%w: %d bytes at offset %d into %d", ErrOutOfBounds, len(src), offset, b.size)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.freed {
		return ErrDestroyed
	}
	return b.with(ReadWrite, func(data []byte) error {
		copy(data[offset:], src)
		return nil
	})
}

// Acquire blocks until no other reader holds the buffer, then makes it
// readable. The Reader must be released; defer r.Release() right after a
// successful Acquire.
func (b *Buffer) Acquire() (*Reader, error) {
	b.mu.Lock()
	if b.freed {
		b.mu.Unlock()
		return nil, ErrDestroyed
	}
	if err := b.protect(ReadOnly); err != nil {
		b.mu.Unlock()
		return nil, err
	}
	return &Reader{b: b}, nil
}

// View runs fn with read access to the contents and releases the buffer when
// fn returns or panics. fn must not retain the slice.
func (b *Buffer) View(fn func(data []byte) error) error {
	r, err := b.Acquire()
	if err != nil {
		return err
	}
	defer r.Release()
	return fn(r.Bytes())
}

// Duplicate allocates a buffer of the same capacity, from the same allocator,
// holding a copy of b. Every call widens the set of regions holding the
// secret; the caller owns the result.
func (b *Buffer) Duplicate() (*Buffer, error) {
	dst, err := New(b.size, WithAllocator(b.alloc))
	if err != nil {
		return nil, err
	}
	if err := b.DuplicateInto(dst, 0); err != nil {
		_ = dst.Destroy()
		return nil, err
	}
	return dst, nil
}

// DuplicateInto copies all of b into dst at offset. b stays locked for the
// duration of the copy.
func (b *Buffer) DuplicateInto(dst *Buffer, offset int) error {
	if dst == b {
		return ErrAliased
	}
	if offset < 0 || b.size > dst.size-offset {
		return fmt.Errorf("%w: %d bytes at offset %d into %d", ErrOutOfBounds, b.size, offset, dst.size)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.freed {
		return ErrDestroyed
	}
	return b.with(ReadOnly, func(data []byte) error {
		return dst.WriteAt(data, offset)
	})
}

// DigestInto writes the SHA-256 digest of b to the start of dst.
func (b *Buffer) DigestInto(dst *Buffer) error {
	return b.DigestWith(hash.SHA256, dst)
}

// DigestWith writes the digest of b under fn to the start of dst. The digest
// is produced directly in dst's region. b is locked before dst.
func (b *Buffer) DigestWith(fn hash.Func, dst *Buffer) error {
	if dst.size < fn.Size() {
		return fmt.Errorf("%w: %d < %d", ErrInsufficientDestination, dst.size, fn.Size())
	}
	if dst == b {
		return ErrAliased
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	dst.mu.Lock()
	defer dst.mu.Unlock()
	if b.freed || dst.freed {
		return ErrDestroyed
	}
	return b.with(ReadOnly, func(src []byte) error {
		return dst.with(ReadWrite, func(out []byte) error {
			h := fn.New()
			h.Write(src)
			h.Sum(out[:0])
			h.Reset()
			return nil
		})
	})
}

// Wipe zeroes the contents and keeps the buffer usable.
func (b *Buffer) Wipe() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.freed {
		return ErrDestroyed
	}
	return b.with(ReadWrite, func(data []byte) error {
		clear(data)
		return nil
	})
}

// Equal reports whether b and other hold the same bytes, in constant time
// for equal lengths.
func (b *Buffer) Equal(other *Buffer) (bool, error) {
	if other == b {
		return true, nil
	}
	if other.size != b.size {
		return false, nil
	}
	unlock := lockPair(b, other)
	defer unlock()
	if b.freed || other.freed {
		return false, ErrDestroyed
	}
	var eq bool
	err := b.with(ReadOnly, func(x []byte) error {
		return other.with(ReadOnly, func(y []byte) error {
			eq = subtle.ConstantTimeCompare(x, y) == 1
			return nil
		})
	})
	return eq, err
}

// lockPair locks two distinct buffers in address order, so callers that
// hold both never wait on each other.
func lockPair(x, y *Buffer) (unlock func()) {
	if uintptr(unsafe.Pointer(y)) < uintptr(unsafe.Pointer(x)) {
		x, y = y, x
	}
	x.mu.Lock()
	y.mu.Lock()
	return func() {
		y.mu.Unlock()
		x.mu.Unlock()
	}
}

// Destroy wipes the region and returns it to the allocator. It blocks while a
// Reader is outstanding and is a no-op after the first call.
func (b *Buffer) Destroy() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.freed {
		return nil
	}
	b.freed = true
	runtime.SetFinalizer(b, nil)
	err := b.region.Free()
	b.region, b.data = nil, nil
	b.state.Store(int32(NoAccess))
	return err
}

func (b *Buffer) finalize() { _ = b.Destroy() }

// with runs fn with the region at p and puts it back to NoAccess. Callers
// hold b.mu.
func (b *Buffer) with(p Protection, fn func(data []byte) error) error {
	if err := b.protect(p); err != nil {
		return err
	}
	ferr := fn(b.data)
	return errors.Join(ferr, b.protect(NoAccess))
}

func (b *Buffer) protect(p Protection) error {
	if err := b.region.Protect(p); err != nil {
		return fmt.Errorf("guarded: set %v: %w", p, err)
	}
	b.state.Store(int32(p))
	return nil
}

// Reader is read access to a Buffer. Only one Reader exists per buffer at a
// time.
type Reader struct {
	b    *Buffer
	once sync.Once
	err  error
}

// Bytes returns the buffer contents. The slice is read-only and becomes
// inaccessible on Release.
func (r *Reader) Bytes() []byte { return r.b.data }

// Release returns the buffer to NoAccess and unblocks the next holder. Only
// the first call has an effect.
func (r *Reader) Release() error {
	r.once.Do(func() {
		r.err = r.b.protect(NoAccess)
		r.b.mu.Unlock()
	})
	return r.err
}
