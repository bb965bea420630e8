// Package ratchet advances hash-chain keys held in guarded memory.
//
// A step replaces a key k with H(k). The transform is deterministic and
// one-way: a later key never reveals an earlier one, and once a stored key
// has been stepped the previous value is gone.
package ratchet

import (
	"errors"
	"fmt"

	"example.com/chainkeys/pkg/crypto/hash"
	"example.com/chainkeys/pkg/guarded"
)

var ErrSizeMismatch = errors.New("ratchet: buffer size does not match digest size")

// Step overwrites buf with the digest of its contents under fn. scratch
// receives the digest first so the hash never reads and writes the same
// region; it must be exactly fn.Size() bytes, as must buf. scratch holds
// the new key afterwards and is left to the caller to wipe or reuse.
func Step(buf, scratch *guarded.Buffer, fn hash.Func) error {
	if buf.Len() != fn.Size() || scratch.Len() != fn.Size() {
		return fmt.Errorf("%w: buf %d, scratch %d, %s %d", ErrSizeMismatch, buf.Len(), scratch.Len(), fn.Name(), fn.Size())
	}
	if err := buf.DigestWith(fn, scratch); err != nil {
		return err
	}
	return scratch.DuplicateInto(buf, 0)
}

// Advance applies Step n times.
func Advance(buf, scratch *guarded.Buffer, fn hash.Func, n uint64) error {
	for i := uint64(0); i < n; i++ {
		if err := Step(buf, scratch, fn); err != nil {
			return fmt.Errorf("ratchet: step %d of %d: %w", i+1, n, err)
		}
	}
	return nil
}
