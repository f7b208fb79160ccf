// Package crypto is the default CryptoProvider: chacha20poly1305 AEAD with a
// random prepended nonce, blake3 hashing and crypto/rand randomness.
package crypto

import (
	"crypto/rand"
	"errors"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"lukechampine.com/blake3"
)

var ErrCiphertextTooShort = errors.New("ciphertext shorter than nonce")

type Provider struct{}

func New() *Provider {
	return &Provider{}
}

func (p *Provider) KeySize() int {
	return chacha20poly1305.KeySize
}

func (p *Provider) Seal(key, plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

func (p *Provider) Open(key, ciphertext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	if len(ciphertext) < aead.NonceSize() {
		return nil, ErrCiphertextTooShort
	}
	nonce, sealed := ciphertext[:aead.NonceSize()], ciphertext[aead.NonceSize():]
	return aead.Open(nil, nonce, sealed, nil)
}

func (p *Provider) Hash(data []byte) []byte {
	sum := blake3.Sum256(data)
	return sum[:]
}

func (p *Provider) RandomBytes(n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, buf); err != nil {
		return nil, err
	}
	return buf, nil
}
