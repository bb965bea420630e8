// Package seal encrypts payloads under channel keys. Each sealed frame uses
// the next key of its channel's chain exactly once; the receiver recomputes
// that key from the frame's channel and step.
package seal

import (
	"bytes"
	"crypto/cipher"
	"errors"
	"fmt"
	"time"

	"example.com/chainkeys/pkg/compress"
	"example.com/chainkeys/pkg/container"
	"example.com/chainkeys/pkg/guarded"
	"example.com/chainkeys/pkg/keystore"
	"example.com/chainkeys/pkg/util/random"
)

// DefaultMaxStep bounds the chain position Open will replay to.
const DefaultMaxStep = 1 << 20

var (
	ErrUnknownAEAD = errors.New("seal: unknown AEAD")
	ErrEpoch       = errors.New("seal: frame belongs to another root epoch")
	ErrStep        = errors.New("seal: frame step beyond replay limit")
	ErrNonce       = errors.New("seal: bad nonce length")
	ErrAuth        = errors.New("seal: message authentication failed")
)

type options struct {
	aead    string
	codec   string
	maxStep uint64
	now     func() time.Time
}

type Option func(*options)

// WithAEAD selects the AEAD for new frames. Open accepts every supported
// AEAD regardless.
func WithAEAD(name string) Option { return func(o *options) { o.aead = name } }

// WithCodec selects the payload codec for new frames.
func WithCodec(name string) Option { return func(o *options) { o.codec = name } }

// WithMaxStep caps the step Open will recompute a key for.
func WithMaxStep(n uint64) Option { return func(o *options) { o.maxStep = n } }

// WithClock sets the source of the header's creation time.
func WithClock(now func() time.Time) Option { return func(o *options) { o.now = now } }

// Sealer seals and opens frames against one store. It is safe for
// concurrent use when the store is.
type Sealer struct {
	store   *keystore.Store
	aead    string
	newAEAD func([]byte) (cipher.AEAD, error)
	codec   compress.Codec
	maxStep uint64
	now     func() time.Time
}

func New(store *keystore.Store, opts ...Option) (*Sealer, error) {
	o := options{aead: DefaultAEAD, codec: "none", maxStep: DefaultMaxStep, now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	newAEAD, err := lookupAEAD(o.aead)
	if err != nil {
		return nil, err
	}
	codec, err := compress.Get(o.codec)
	if err != nil {
		return nil, err
	}
	return &Sealer{
		store:   store,
		aead:    o.aead,
		newAEAD: newAEAD,
		codec:   codec,
		maxStep: o.maxStep,
		now:     o.now,
	}, nil
}

// Seal consumes the next key of channel idx and encrypts plaintext under
// it. ad is authenticated but not stored in the frame; Open needs the same
// ad.
func (s *Sealer) Seal(idx uint16, plaintext, ad []byte) (*container.Frame, error) {
	epoch := s.store.Epoch()
	key, step, err := s.store.Current(idx)
	if err != nil {
		return nil, err
	}
	defer key.Destroy()
	if s.store.Epoch() != epoch {
		return nil, fmt.Errorf("%w: store reprovisioned during seal", ErrEpoch)
	}

	payload, err := s.codec.Compress(plaintext)
	if err != nil {
		return nil, fmt.Errorf("seal: compress: %w", err)
	}
	nonce, err := random.Bytes(nonceSize(s.aead))
	if err != nil {
		return nil, err
	}
	f := &container.Frame{Header: container.Header{
		Version: container.Version,
		Channel: idx,
		Step:    step,
		Epoch:   epoch,
		AEAD:    s.aead,
		Codec:   s.codec.Name(),
		Nonce:   nonce,
		Created: s.now().Unix(),
	}}
	fullAD, err := associatedData(&f.Header, ad)
	if err != nil {
		return nil, err
	}
	err = withAEAD(key, s.newAEAD, func(a cipher.AEAD) error {
		f.Ciphertext = a.Seal(nil, nonce, payload, fullAD)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return f, nil
}

// Open authenticates and decrypts a frame sealed from the same root.
func (s *Sealer) Open(f *container.Frame, ad []byte) ([]byte, error) {
	h := &f.Header
	newAEAD, err := lookupAEAD(h.AEAD)
	if err != nil {
		return nil, err
	}
	codec, err := compress.Get(h.Codec)
	if err != nil {
		return nil, err
	}
	if len(h.Nonce) != nonceSize(h.AEAD) {
		return nil, fmt.Errorf("%w: %d bytes for %s", ErrNonce, len(h.Nonce), h.AEAD)
	}
	if epoch := s.store.Epoch(); h.Epoch != epoch {
		return nil, fmt.Errorf("%w: frame %d, store %d", ErrEpoch, h.Epoch, epoch)
	}
	if h.Step > s.maxStep {
		return nil, fmt.Errorf("%w: %d > %d", ErrStep, h.Step, s.maxStep)
	}
	fullAD, err := associatedData(h, ad)
	if err != nil {
		return nil, err
	}

	key, err := s.store.At(h.Channel, h.Step)
	if err != nil {
		return nil, err
	}
	defer key.Destroy()
	var payload []byte
	err = withAEAD(key, newAEAD, func(a cipher.AEAD) error {
		var err error
		payload, err = a.Open(nil, h.Nonce, f.Ciphertext, fullAD)
		if err != nil {
			return ErrAuth
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	out, err := codec.Decompress(payload)
	if err != nil {
		return nil, fmt.Errorf("seal: decompress: %w", err)
	}
	return out, nil
}

// associatedData is the encoded header followed by the caller's ad. CBOR
// is self-delimiting so the split point is unambiguous.
func associatedData(h *container.Header, ad []byte) ([]byte, error) {
	hb, err := h.AssociatedData()
	if err != nil {
		return nil, fmt.Errorf("seal: encode header: %w", err)
	}
	return bytes.Join([][]byte{hb, ad}, nil), nil
}

// withAEAD builds the cipher while the key is readable and hands it to fn.
func withAEAD(key *guarded.Buffer, newAEAD func([]byte) (cipher.AEAD, error), fn func(cipher.AEAD) error) error {
	var a cipher.AEAD
	err := key.View(func(k []byte) error {
		var err error
		a, err = newAEAD(k)
		return err
	})
	if err != nil {
		return fmt.Errorf("seal: init cipher: %w", err)
	}
	return fn(a)
}
