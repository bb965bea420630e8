// Package armor wraps binary blobs in OpenPGP-style ASCII armor so frames
// and root keys can travel through terminals and text files.
package armor

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"sort"
)

const (
	FrameBlock   = "CHAINKEYS FRAME"
	RootKeyBlock = "CHAINKEYS ROOT KEY"

	lineLength = 64
)

var (
	ErrNoBlock   = errors.New("armor: no armored block found")
	ErrMalformed = errors.New("armor: malformed block")
	ErrChecksum  = errors.New("armor: checksum mismatch")
	ErrBlockType = errors.New("armor: unexpected block type")
)

// CRC-24 (poly 0x1864CF, init 0xB704CE) as used by OpenPGP armor.
const (
	crc24Init = 0xB704CE
	crc24Poly = 0x1864CF
)

func crc24Update(crc uint32, data []byte) uint32 {
	for _, b := range data {
		crc ^= uint32(b) << 16
		for i := 0; i < 8; i++ {
			crc <<= 1
			if crc&0x1000000 != 0 {
				crc ^= crc24Poly
			}
		}
	}
	return crc & 0xFFFFFF
}

func crc24(data []byte) uint32 { return crc24Update(crc24Init, data) }

func checksumLine(crc uint32) string {
	return "=" + base64.StdEncoding.EncodeToString([]byte{byte(crc >> 16), byte(crc >> 8), byte(crc)})
}

func writeHeaders(buf *bytes.Buffer, headers map[string]string) {
	keys := make([]string, 0, len(headers))
	for k := range headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(buf, "%s: %s\n", k, headers[k])
	}
}

// Encode armors raw with a CRC-24 checksum line. Headers are written in
// sorted order.
func Encode(blockType string, raw []byte, headers map[string]string) []byte {
	return encode(blockType, raw, headers, true)
}

// EncodeNoCRC is Encode without the checksum line.
func EncodeNoCRC(blockType string, raw []byte, headers map[string]string) []byte {
	return encode(blockType, raw, headers, false)
}

func encode(blockType string, raw []byte, headers map[string]string, withCRC bool) []byte {
	b64 := base64.StdEncoding.EncodeToString(raw)

	var buf bytes.Buffer
	buf.WriteString("-----BEGIN " + blockType + "-----\n")
	writeHeaders(&buf, headers)
	buf.WriteString("\n")
	for i := 0; i < len(b64); i += lineLength {
		end := min(i+lineLength, len(b64))
		buf.WriteString(b64[i:end])
		buf.WriteByte('\n')
	}
	if withCRC {
		buf.WriteString(checksumLine(crc24(raw)))
		buf.WriteByte('\n')
	}
	buf.WriteString("-----END " + blockType + "-----\n")
	return buf.Bytes()
}

// Decode parses the first armored block in text. A checksum line, when
// present, is verified.
func Decode(text []byte) (blockType string, raw []byte, headers map[string]string, err error) {
	beginPrefix := []byte("-----BEGIN ")
	start := bytes.Index(text, beginPrefix)
	if start < 0 {
		return "", nil, nil, ErrNoBlock
	}
	text = text[start+len(beginPrefix):]
	endType := bytes.Index(text, []byte("-----"))
	if endType < 0 {
		return "", nil, nil, fmt.Errorf("%w: unterminated BEGIN line", ErrMalformed)
	}
	blockType = string(text[:endType])
	text = text[endType+len("-----"):]

	end := bytes.Index(text, []byte("-----END "+blockType+"-----"))
	if end < 0 {
		return "", nil, nil, fmt.Errorf("%w: missing END line for %q", ErrMalformed, blockType)
	}
	lines := bytes.Split(text[:end], []byte{'\n'})
	for i := range lines {
		lines[i] = bytes.TrimRight(lines[i], "\r")
	}
	// lines[0] is the remainder of the BEGIN line.
	lines = lines[1:]

	headers = map[string]string{}
	dataStart := 0
	for i, ln := range lines {
		kv := bytes.SplitN(ln, []byte{':'}, 2)
		if len(bytes.TrimSpace(ln)) == 0 || len(kv) != 2 {
			dataStart = i
			break
		}
		headers[string(bytes.TrimSpace(kv[0]))] = string(bytes.TrimSpace(kv[1]))
		dataStart = i + 1
	}

	var data [][]byte
	for _, ln := range lines[dataStart:] {
		if ln = bytes.TrimSpace(ln); len(ln) > 0 {
			data = append(data, ln)
		}
	}
	var sum []byte
	if n := len(data); n > 0 && data[n-1][0] == '=' {
		sum, err = base64.StdEncoding.DecodeString(string(data[n-1][1:]))
		if err != nil || len(sum) != 3 {
			return "", nil, nil, fmt.Errorf("%w: bad checksum line", ErrMalformed)
		}
		data = data[:n-1]
	}
	raw, err = base64.StdEncoding.DecodeString(string(bytes.Join(data, nil)))
	if err != nil {
		return "", nil, nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	if sum != nil {
		crc := crc24(raw)
		if !bytes.Equal(sum, []byte{byte(crc >> 16), byte(crc >> 8), byte(crc)}) {
			return "", nil, nil, ErrChecksum
		}
	}
	return blockType, raw, headers, nil
}

// DecodeType is Decode that also requires the block type.
func DecodeType(want string, text []byte) ([]byte, map[string]string, error) {
	got, raw, headers, err := Decode(text)
	if err != nil {
		return nil, nil, err
	}
	if got != want {
		return nil, nil, fmt.Errorf("%w: %q, want %q", ErrBlockType, got, want)
	}
	return raw, headers, nil
}
