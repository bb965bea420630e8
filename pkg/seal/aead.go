package seal

import (
	"crypto/cipher"
	"fmt"
	"sort"

	"golang.org/x/crypto/chacha20poly1305"

	"example.com/chainkeys/pkg/crypto/aesocb"
)

// DefaultAEAD names the AEAD used when none is configured.
const DefaultAEAD = "aes256-ocb"

// The constructors copy what they need from key; key may be wiped once
// they return.
var aeads = map[string]func(key []byte) (cipher.AEAD, error){
	"aes256-ocb":        aesocb.New,
	"chacha20poly1305":  chacha20poly1305.New,
	"xchacha20poly1305": chacha20poly1305.NewX,
}

// AEADNames lists the supported AEADs in sorted order.
func AEADNames() []string {
	out := make([]string, 0, len(aeads))
	for name := range aeads {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func lookupAEAD(name string) (func([]byte) (cipher.AEAD, error), error) {
	newAEAD, ok := aeads[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownAEAD, name)
	}
	return newAEAD, nil
}

// nonceSize avoids building a cipher just to learn the nonce length.
func nonceSize(name string) int {
	switch name {
	case "aes256-ocb":
		return aesocb.NonceSize
	case "xchacha20poly1305":
		return chacha20poly1305.NonceSizeX
	default:
		return chacha20poly1305.NonceSize
	}
}
