// Package container lays out sealed frames: a magic tag, a length-prefixed
// CBOR header and the ciphertext.
package container

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
)

const (
	magic = "CKF1"

	// Version is the only header version Read accepts.
	Version = 1

	// MaxHeaderSize bounds the encoded header.
	MaxHeaderSize = 64 << 10
)

var (
	ErrBadMagic       = errors.New("container: bad magic")
	ErrHeaderTooLarge = errors.New("container: header too large")
	ErrVersion        = errors.New("container: unsupported frame version")
	ErrNonCanonical   = errors.New("container: header is not in canonical encoding")
)

// Core deterministic encoding: the header bytes double as associated data,
// so equal headers must encode identically.
var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("container: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{
		DupMapKey:         cbor.DupMapKeyEnforcedAPF,
		MaxMapPairs:       64,
		ExtraReturnErrors: cbor.ExtraDecErrorUnknownField,
	}.DecMode()
	if err != nil {
		panic("container: CBOR decoder initialization failed: " + err.Error())
	}
}

// Header describes how a frame was sealed. It never carries key material.
type Header struct {
	Version int    `cbor:"1,keyasint"`
	Channel uint16 `cbor:"2,keyasint"`
	Step    uint64 `cbor:"3,keyasint"`
	Epoch   uint64 `cbor:"4,keyasint"`
	AEAD    string `cbor:"5,keyasint"`
	Codec   string `cbor:"6,keyasint"`
	Nonce   []byte `cbor:"7,keyasint"`
	Created int64  `cbor:"8,keyasint,omitempty"` // unix seconds
}

// AssociatedData returns the encoded header. The nonce is chosen before
// encryption, so the whole header is authenticated.
func (h *Header) AssociatedData() ([]byte, error) {
	return encMode.Marshal(h)
}

// Frame is a header plus ciphertext.
type Frame struct {
	Header     Header
	Ciphertext []byte
}

func Write(w io.Writer, f *Frame) error {
	hb, err := encMode.Marshal(&f.Header)
	if err != nil {
		return fmt.Errorf("container: encode header: %w", err)
	}
	if len(hb) > MaxHeaderSize {
		return fmt.Errorf("%w: %d bytes", ErrHeaderTooLarge, len(hb))
	}
	var prefix [len(magic) + 4]byte
	copy(prefix[:], magic)
	binary.BigEndian.PutUint32(prefix[len(magic):], uint32(len(hb)))
	if _, err := w.Write(prefix[:]); err != nil {
		return err
	}
	if _, err := w.Write(hb); err != nil {
		return err
	}
	_, err = w.Write(f.Ciphertext)
	return err
}

// Read consumes r to EOF; everything after the header is ciphertext. The
// header must be in core deterministic encoding with no unknown keys.
func Read(r io.Reader) (*Frame, error) {
	var prefix [len(magic) + 4]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return nil, fmt.Errorf("container: read prefix: %w", err)
	}
	if string(prefix[:len(magic)]) != magic {
		return nil, ErrBadMagic
	}
	n := binary.BigEndian.Uint32(prefix[len(magic):])
	if n > MaxHeaderSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrHeaderTooLarge, n)
	}
	hb := make([]byte, n)
	if _, err := io.ReadFull(r, hb); err != nil {
		return nil, fmt.Errorf("container: read header: %w", err)
	}
	f := &Frame{}
	if err := decMode.Unmarshal(hb, &f.Header); err != nil {
		return nil, fmt.Errorf("container: decode header: %w", err)
	}
	if f.Header.Version != Version {
		return nil, fmt.Errorf("%w: %d", ErrVersion, f.Header.Version)
	}
	// Open authenticates the re-encoded header, so it must equal what was read.
	if canon, err := encMode.Marshal(&f.Header); err != nil || !bytes.Equal(canon, hb) {
		return nil, ErrNonCanonical
	}
	ct, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("container: read ciphertext: %w", err)
	}
	f.Ciphertext = ct
	return f, nil
}

func Marshal(f *Frame) ([]byte, error) {
	var buf bytes.Buffer
	if err := Write(&buf, f); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func Unmarshal(b []byte) (*Frame, error) {
	return Read(bytes.NewReader(b))
}
