// Package securemem stages secrets that arrive from outside the process in
// memguard enclaves before they are moved into guarded buffers.
package securemem

import (
	"errors"

	"github.com/awnumar/memguard"

	"example.com/chainkeys/pkg/guarded"
)

var ErrEmpty = errors.New("securemem: empty secret")

// Secret wraps a memguard locked buffer.
type Secret struct {
	buf *memguard.LockedBuffer
}

// NewRandom returns n bytes from memguard's CSPRNG.
func NewRandom(n int) (*Secret, error) {
	if n < 1 {
		return nil, ErrEmpty
	}
	return &Secret{buf: memguard.NewBufferRandom(n)}, nil
}

// New takes b into locked memory and wipes b.
func New(b []byte) (*Secret, error) {
	if len(b) == 0 {
		return nil, ErrEmpty
	}
	return &Secret{buf: memguard.NewBufferFromBytes(b)}, nil
}

func (s *Secret) Size() int     { return s.buf.Size() }
func (s *Secret) Bytes() []byte { return s.buf.Bytes() }
func (s *Secret) Destroy()      { s.buf.Destroy() }

// Move copies the secret into a new guarded buffer and destroys s.
func (s *Secret) Move(opts ...guarded.Option) (*guarded.Buffer, error) {
	defer s.Destroy()
	b, err := guarded.New(s.buf.Size(), opts...)
	if err != nil {
		return nil, err
	}
	if err := b.Write(s.buf.Bytes()); err != nil {
		_ = b.Destroy()
		return nil, err
	}
	return b, nil
}
