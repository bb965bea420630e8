// Package aesocb builds AES-OCB3 AEADs for channel keys.
package aesocb

import (
	"crypto/aes"
	"crypto/cipher"
	"fmt"

	"github.com/ProtonMail/go-crypto/ocb"
)

const (
	NonceSize = 15
	TagSize   = 16
)

// New returns AES-OCB3 with a 15-byte nonce and 16-byte tag. The key
// selects AES-128, AES-192 or AES-256 by length.
func New(key []byte) (cipher.AEAD, error) {
	switch len(key) {
	case 16, 24, 32:
	default:
		return nil, fmt.Errorf("aesocb: bad key length %d", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return ocb.NewOCBWithNonceAndTagSize(block, NonceSize, TagSize)
}
