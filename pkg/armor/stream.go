package armor

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
)

var errClosed = errors.New("armor: write on closed writer")

// Writer streams an armored block. Close writes the trailer; the block is
// incomplete until then.
type Writer struct {
	blockType  string
	w          io.Writer
	enc        io.WriteCloser
	breaker    *lineBreaker
	includeCRC bool
	crc        uint32
	closed     bool
}

// NewWriter writes the BEGIN line and headers and returns a Writer for the
// body.
func NewWriter(w io.Writer, blockType string, headers map[string]string, includeCRC bool) (*Writer, error) {
	if blockType == "" {
		return nil, errors.New("armor: block type required")
	}
	var head bytes.Buffer
	head.WriteString("-----BEGIN " + blockType + "-----\n")
	writeHeaders(&head, headers)
	head.WriteString("\n")
	if _, err := w.Write(head.Bytes()); err != nil {
		return nil, err
	}
	aw := &Writer{
		blockType:  blockType,
		w:          w,
		breaker:    &lineBreaker{w: w},
		includeCRC: includeCRC,
		crc:        crc24Init,
	}
	aw.enc = base64.NewEncoder(base64.StdEncoding, aw.breaker)
	return aw, nil
}

func (aw *Writer) Write(p []byte) (int, error) {
	if aw.closed {
		return 0, errClosed
	}
	if aw.includeCRC {
		aw.crc = crc24Update(aw.crc, p)
	}
	return aw.enc.Write(p)
}

// Close flushes the body and writes the checksum and END line. It does not
// close the underlying writer.
func (aw *Writer) Close() error {
	if aw.closed {
		return nil
	}
	aw.closed = true
	if err := aw.enc.Close(); err != nil {
		return err
	}
	if err := aw.breaker.Close(); err != nil {
		return err
	}
	if aw.includeCRC {
		if _, err := io.WriteString(aw.w, checksumLine(aw.crc)+"\n"); err != nil {
			return err
		}
	}
	_, err := fmt.Fprintf(aw.w, "-----END %s-----\n", aw.blockType)
	return err
}

type lineBreaker struct {
	w   io.Writer
	col int
}

func (lb *lineBreaker) Write(p []byte) (int, error) {
	written := 0
	for len(p) > 0 {
		if lb.col == lineLength {
			if _, err := lb.w.Write([]byte{'\n'}); err != nil {
				return written, err
			}
			lb.col = 0
		}
		n := min(lineLength-lb.col, len(p))
		if _, err := lb.w.Write(p[:n]); err != nil {
			return written, err
		}
		lb.col += n
		written += n
		p = p[n:]
	}
	return written, nil
}

func (lb *lineBreaker) Close() error {
	if lb.col > 0 {
		lb.col = 0
		_, err := lb.w.Write([]byte{'\n'})
		return err
	}
	return nil
}
