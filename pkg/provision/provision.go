// Package provision produces root keys in guarded memory: freshly
// generated, or loaded from an operator's key file that may be age
// encrypted.
//
// A root key file holds the 32 key bytes raw, as base64 text, or as a
// CHAINKEYS ROOT KEY armored block. An age-encrypted file wraps one of
// those encodings.
package provision

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"filippo.io/age"
	agearmor "filippo.io/age/armor"
	"github.com/awnumar/memguard"

	"example.com/chainkeys/pkg/armor"
	"example.com/chainkeys/pkg/guarded"
	"example.com/chainkeys/pkg/keystore"
	"example.com/chainkeys/pkg/util/perm"
	"example.com/chainkeys/pkg/util/securemem"
)

// maxFileSize bounds key and identity files.
const maxFileSize = 64 << 10

var (
	ErrFormat       = errors.New("provision: unrecognized root key encoding")
	ErrNoRecipients = errors.New("provision: at least one recipient is required")
	ErrTooLarge     = errors.New("provision: file too large")
)

// Generate returns a new random root key.
func Generate(opts ...guarded.Option) (*guarded.Buffer, error) {
	s, err := securemem.NewRandom(keystore.KeySize)
	if err != nil {
		return nil, err
	}
	return s.Move(opts...)
}

// Parse decodes a root key and wipes data. Armor and base64 text are tried
// first; data is taken as a raw key only when it is neither.
func Parse(data []byte, opts ...guarded.Option) (*guarded.Buffer, error) {
	defer memguard.WipeBytes(data)

	text := bytes.TrimSpace(data)
	var raw []byte
	if bytes.HasPrefix(text, []byte("-----BEGIN ")) {
		var err error
		raw, _, err = armor.DecodeType(armor.RootKeyBlock, text)
		if err != nil {
			return nil, err
		}
	} else {
		raw = make([]byte, base64.StdEncoding.DecodedLen(len(text)))
		n, err := base64.StdEncoding.Decode(raw, text)
		if err != nil {
			memguard.WipeBytes(raw)
			if len(data) == keystore.KeySize {
				return guarded.NewFromBytes(data, opts...)
			}
			return nil, fmt.Errorf("%w: %w", ErrFormat, err)
		}
		raw = raw[:n]
	}
	if len(raw) != keystore.KeySize {
		memguard.WipeBytes(raw)
		return nil, fmt.Errorf("%w: %d-byte key, need %d", keystore.ErrRootSize, len(raw), keystore.KeySize)
	}
	return guarded.NewFromBytes(raw, opts...)
}

// FileOptions controls FromFile.
type FileOptions struct {
	// AgeIdentityFile, when set, names an age identity file used to decrypt
	// the key file first. It must be private like the key file.
	AgeIdentityFile string

	Guarded []guarded.Option
}

// FromFile loads a root key. The file must have mode 0600.
func FromFile(path string, o FileOptions) (*guarded.Buffer, error) {
	data, err := readPrivate(path)
	if err != nil {
		return nil, err
	}
	if o.AgeIdentityFile != "" {
		plain, err := decrypt(data, o.AgeIdentityFile)
		memguard.WipeBytes(data)
		if err != nil {
			return nil, fmt.Errorf("provision: %s: %w", path, err)
		}
		data = plain
	}
	b, err := Parse(data, o.Guarded...)
	if err != nil {
		return nil, fmt.Errorf("provision: %s: %w", path, err)
	}
	return b, nil
}

func readPrivate(path string) ([]byte, error) {
	if err := perm.Check0600(path); err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	data, err := io.ReadAll(io.LimitReader(f, maxFileSize+1))
	if err != nil {
		return nil, err
	}
	if len(data) > maxFileSize {
		memguard.WipeBytes(data)
		return nil, fmt.Errorf("%w: %s", ErrTooLarge, path)
	}
	return data, nil
}

func decrypt(ciphertext []byte, identityFile string) ([]byte, error) {
	idData, err := readPrivate(identityFile)
	if err != nil {
		return nil, err
	}
	identities, err := age.ParseIdentities(bytes.NewReader(idData))
	memguard.WipeBytes(idData)
	if err != nil {
		return nil, fmt.Errorf("parsing age identities: %w", err)
	}

	var src io.Reader = bytes.NewReader(ciphertext)
	if bytes.HasPrefix(bytes.TrimSpace(ciphertext), []byte(agearmor.Header)) {
		src = agearmor.NewReader(bytes.NewReader(bytes.TrimSpace(ciphertext)))
	}
	r, err := age.Decrypt(src, identities...)
	if err != nil {
		return nil, fmt.Errorf("decrypting: %w", err)
	}
	plain, err := io.ReadAll(io.LimitReader(r, maxFileSize+1))
	if err != nil {
		memguard.WipeBytes(plain)
		return nil, fmt.Errorf("reading decrypted key: %w", err)
	}
	if len(plain) > maxFileSize {
		memguard.WipeBytes(plain)
		return nil, ErrTooLarge
	}
	return plain, nil
}

// Armor returns root as a CHAINKEYS ROOT KEY block. The result holds the key
// in ordinary memory; write it out and drop it.
func Armor(root *guarded.Buffer) ([]byte, error) {
	var out []byte
	err := root.View(func(k []byte) error {
		out = armor.Encode(armor.RootKeyBlock, k, nil)
		return nil
	})
	return out, err
}

// Encrypt age-encrypts the armored root to the given X25519 recipients
// (age1...) and returns age's ASCII armor.
func Encrypt(root *guarded.Buffer, recipientKeys []string) ([]byte, error) {
	if len(recipientKeys) == 0 {
		return nil, ErrNoRecipients
	}
	recipients := make([]age.Recipient, 0, len(recipientKeys))
	for _, key := range recipientKeys {
		r, err := age.ParseX25519Recipient(strings.TrimSpace(key))
		if err != nil {
			return nil, fmt.Errorf("parsing recipient %q: %w", key, err)
		}
		recipients = append(recipients, r)
	}

	plain, err := Armor(root)
	if err != nil {
		return nil, err
	}
	defer memguard.WipeBytes(plain)

	var buf bytes.Buffer
	aw := agearmor.NewWriter(&buf)
	w, err := age.Encrypt(aw, recipients...)
	if err != nil {
		return nil, fmt.Errorf("creating age encryptor: %w", err)
	}
	if _, err := w.Write(plain); err != nil {
		return nil, fmt.Errorf("writing age payload: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("finalizing age encryption: %w", err)
	}
	if err := aw.Close(); err != nil {
		return nil, fmt.Errorf("finalizing age armor: %w", err)
	}
	return buf.Bytes(), nil
}
