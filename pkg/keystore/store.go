// Package keystore derives independent, forward-secure key chains for a
// fixed number of channels from one root secret.
//
// Channel i starts from its chain root H(root || uint16le(i)). Key n of the
// chain is the chain root hashed n times. At recomputes any key from the
// chain root; Current hands out the stored key of a chain and then ratchets
// that stored key forward, so a key can be obtained from Current only once.
//
// All key material lives in guarded buffers. Callers receive fresh buffers
// they own and must Destroy; nothing returned aliases the store.
package keystore

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sync"

	"example.com/chainkeys/pkg/crypto/hash"
	"example.com/chainkeys/pkg/guarded"
	"example.com/chainkeys/pkg/ratchet"
)

const (
	// KeySize is the width of the root and of every derived key, the key
	// size of AES-256.
	KeySize = 32

	// MaxChannels is the number of distinct two-byte channel indices.
	MaxChannels = 1 << 16

	indexSize = 2
)

var (
	ErrInvalidIndex        = errors.New("keystore: channel index out of range")
	ErrInvalidChannelCount = errors.New("keystore: channel count out of range")
	ErrRootSize            = errors.New("keystore: root key has the wrong size")
	ErrNotProvisioned      = errors.New("keystore: no root key loaded")
	ErrAlreadyProvisioned  = errors.New("keystore: root key already loaded")
	ErrExhausted           = errors.New("keystore: chain step counter exhausted")
	ErrClosed              = errors.New("keystore: store closed")
)

// Observer is told about store activity. It never sees key material.
// Methods are called with store locks held and must not call back into the
// store.
type Observer interface {
	Provisioned(epoch uint64, channels int)
	Derived(channel uint16, steps uint64)
	Advanced(channel uint16, step uint64)
}

type nopObserver struct{}

func (nopObserver) Provisioned(uint64, int) {}
func (nopObserver) Derived(uint16, uint64)  {}
func (nopObserver) Advanced(uint16, uint64) {}

type options struct {
	hash  hash.Func
	alloc guarded.Allocator
	obs   Observer
}

// Option configures New.
type Option func(*options)

// WithHash selects the chain hash. It must produce KeySize bytes. The
// default is SHA-256.
func WithHash(fn hash.Func) Option {
	return func(o *options) { o.hash = fn }
}

// WithAllocator selects where the store's buffers, and the keys it returns,
// are allocated.
func WithAllocator(a guarded.Allocator) Option {
	return func(o *options) { o.alloc = a }
}

// WithObserver installs an activity observer.
func WithObserver(obs Observer) Option {
	return func(o *options) { o.obs = obs }
}

type chain struct {
	mu sync.Mutex
	// root is only written while the store is held exclusively.
	root    *guarded.Buffer
	key     *guarded.Buffer
	scratch *guarded.Buffer
	step    uint64
}

// Store owns a root secret and one key chain per channel.
//
// Lock order is the store lock, then at most one chain lock, then buffer
// locks. InitRoot, Reprovision and Close hold the store exclusively; the
// other operations share it and serialize per chain, so work on different
// channels proceeds in parallel.
type Store struct {
	mu          sync.RWMutex
	hash        hash.Func
	alloc       guarded.Allocator
	obs         Observer
	root        *guarded.Buffer
	chains      []*chain
	epoch       uint64
	provisioned bool
	closed      bool
}

// New allocates a store for the given number of channels. Every buffer
// starts zeroed; the store is unusable until InitRoot.
func New(channels int, opts ...Option) (*Store, error) {
	if channels < 1 || channels > MaxChannels {
		return nil, fmt.Errorf("%w: %d", ErrInvalidChannelCount, channels)
	}
	o := options{hash: hash.SHA256, obs: nopObserver{}}
	for _, opt := range opts {
		opt(&o)
	}
	if o.hash.Size() != KeySize {
		return nil, fmt.Errorf("keystore: hash %s produces %d bytes, need %d", o.hash.Name(), o.hash.Size(), KeySize)
	}
	s := &Store{
		hash:   o.hash,
		alloc:  o.alloc,
		obs:    o.obs,
		chains: make([]*chain, 0, channels),
	}
	var err error
	if s.root, err = s.newKey(KeySize); err != nil {
		return nil, err
	}
	for i := 0; i < channels; i++ {
		c := &chain{}
		s.chains = append(s.chains, c)
		if c.root, err = s.newKey(KeySize); err != nil {
			break
		}
		if c.key, err = s.newKey(KeySize); err != nil {
			break
		}
		if c.scratch, err = s.newKey(KeySize); err != nil {
			break
		}
	}
	if err != nil {
		_ = s.destroy()
		return nil, err
	}
	return s, nil
}

// Channels returns the number of channels, fixed at construction.
func (s *Store) Channels() int { return cap(s.chains) }

// Epoch counts successful provisionings. It is 0 before the first InitRoot.
func (s *Store) Epoch() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.epoch
}

// Provisioned reports whether a root key is loaded.
func (s *Store) Provisioned() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.provisioned
}

// InitRoot loads the root key and derives every chain from it. It fails
// with ErrAlreadyProvisioned if a root is already loaded; use Reprovision
// to replace it. root is copied and stays owned by the caller.
func (s *Store) InitRoot(root *guarded.Buffer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.provisioned {
		return ErrAlreadyProvisioned
	}
	return s.provision(root)
}

// Reprovision replaces the root key, re-derives every chain and resets all
// step counters. The epoch advances so holders of earlier keys can tell
// that they belong to a previous root.
func (s *Store) Reprovision(root *guarded.Buffer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	return s.provision(root)
}

func (s *Store) provision(root *guarded.Buffer) error {
	if root == nil || root.Len() != KeySize {
		n := 0
		if root != nil {
			n = root.Len()
		}
		return fmt.Errorf("%w: %d bytes, need %d", ErrRootSize, n, KeySize)
	}
	if err := s.derive(root); err != nil {
		// Leave no half-derived chains behind.
		s.wipe()
		s.provisioned = false
		return err
	}
	s.epoch++
	s.provisioned = true
	s.obs.Provisioned(s.epoch, len(s.chains))
	return nil
}

func (s *Store) derive(root *guarded.Buffer) error {
	if err := root.DuplicateInto(s.root, 0); err != nil {
		return err
	}
	tmp, err := s.newKey(KeySize + indexSize)
	if err != nil {
		return err
	}
	defer tmp.Destroy()

	var idx [indexSize]byte
	for i, c := range s.chains {
		if err := s.root.DuplicateInto(tmp, 0); err != nil {
			return err
		}
		binary.LittleEndian.PutUint16(idx[:], uint16(i))
		if err := tmp.WriteAt(idx[:], KeySize); err != nil {
			return err
		}
		if err := tmp.DigestWith(s.hash, c.root); err != nil {
			return err
		}
		if err := c.root.DuplicateInto(c.key, 0); err != nil {
			return err
		}
		c.step = 0
	}
	return nil
}

// At returns key number step of channel idx, recomputed from the chain root.
// It does not touch the channel's step counter. The cost is linear in step.
func (s *Store) At(idx uint16, step uint64) (*guarded.Buffer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, err := s.chain(idx)
	if err != nil {
		return nil, err
	}
	out, err := c.root.Duplicate()
	if err != nil {
		return nil, err
	}
	scratch, err := s.newKey(KeySize)
	if err != nil {
		_ = out.Destroy()
		return nil, err
	}
	defer scratch.Destroy()
	if err := ratchet.Advance(out, scratch, s.hash, step); err != nil {
		_ = out.Destroy()
		return nil, err
	}
	s.obs.Derived(idx, step)
	return out, nil
}

// Current returns the stored key of channel idx and its step number, then
// ratchets the stored key forward and increments the step. Successive calls
// return steps 0, 1, 2, ... and the keys At would return for them; a key
// handed out by Current is no longer held by the store.
func (s *Store) Current(idx uint16) (*guarded.Buffer, uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, err := s.chain(idx)
	if err != nil {
		return nil, 0, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.step == math.MaxUint64 {
		return nil, 0, fmt.Errorf("%w: channel %d", ErrExhausted, idx)
	}
	out, err := c.key.Duplicate()
	if err != nil {
		return nil, 0, err
	}
	step := c.step
	if err := ratchet.Step(c.key, c.scratch, s.hash); err != nil {
		_ = out.Destroy()
		return nil, 0, err
	}
	// scratch now repeats the new stored key; keep a single copy.
	if err := c.scratch.Wipe(); err != nil {
		_ = out.Destroy()
		return nil, 0, err
	}
	c.step++
	s.obs.Advanced(idx, step)
	return out, step, nil
}

// Steps returns how many keys Current has handed out for channel idx since
// the last provisioning, without consuming one.
func (s *Store) Steps(idx uint16) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, err := s.chain(idx)
	if err != nil {
		return 0, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.step, nil
}

// Close wipes and releases every buffer the store owns. Later calls on the
// store fail with ErrClosed.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.provisioned = false
	return s.destroy()
}

// chain validates idx; callers hold s.mu.
func (s *Store) chain(idx uint16) (*chain, error) {
	if s.closed {
		return nil, ErrClosed
	}
	if int(idx) >= len(s.chains) {
		return nil, fmt.Errorf("%w: %d not in [0, %d)", ErrInvalidIndex, idx, len(s.chains))
	}
	if !s.provisioned {
		return nil, ErrNotProvisioned
	}
	return s.chains[idx], nil
}

func (s *Store) newKey(n int) (*guarded.Buffer, error) {
	return guarded.New(n, guarded.WithAllocator(s.alloc))
}

func (s *Store) wipe() {
	_ = s.root.Wipe()
	for _, c := range s.chains {
		_ = c.root.Wipe()
		_ = c.key.Wipe()
		_ = c.scratch.Wipe()
		c.step = 0
	}
}

func (s *Store) destroy() error {
	var errs []error
	release := func(b *guarded.Buffer) {
		if b != nil {
			errs = append(errs, b.Destroy())
		}
	}
	release(s.root)
	for _, c := range s.chains {
		release(c.root)
		release(c.key)
		release(c.scratch)
	}
	return errors.Join(errs...)
}
