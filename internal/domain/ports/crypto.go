package ports

// CryptoProvider is the generic crypto surface the subsystem consumes:
// symmetric AEAD, secure randomness and a one-way hash.
type CryptoProvider interface {
	// Seal encrypts plaintext with key; the nonce is generated internally
	// and prepended to the returned ciphertext.
	Seal(key, plaintext []byte) ([]byte, error)
	// Open reverses Seal. It fails on any tampering.
	Open(key, ciphertext []byte) ([]byte, error)
	Hash(data []byte) []byte
	RandomBytes(n int) ([]byte, error)
	// KeySize is the symmetric key length Seal/Open expect.
	KeySize() int
}
