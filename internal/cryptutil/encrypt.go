// Package cryptutil provides the at-rest encryption and random token
// generation used to protect the tool's private keys and to mint OIDC
// login state values.
package cryptutil

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"io"
	"math/big"
)

// Encryption errors.
var (
	ErrInvalidKey        = errors.New("cryptutil: invalid key size (must be 16, 24, or 32 bytes)")
	ErrInvalidCiphertext = errors.New("cryptutil: invalid ciphertext")
	ErrDecryptionFailed  = errors.New("cryptutil: decryption failed")
)

// Encryptor provides AES-GCM encryption and decryption for the tool's
// private key material. The ciphertext carries its own nonce, so a single
// Encryptor can be reused across many private key rows.
type Encryptor struct {
	gcm cipher.AEAD
}

// NewEncryptor builds an Encryptor from the master encryption key. The key
// must be 16 (AES-128), 24 (AES-192), or 32 (AES-256) bytes.
func NewEncryptor(key []byte) (*Encryptor, error) {
	if len(key) != 16 && len(key) != 24 && len(key) != 32 {
		return nil, ErrInvalidKey
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	return &Encryptor{gcm: gcm}, nil
}

// Encrypt seals plaintext, prepending the nonce to the returned ciphertext.
func (e *Encryptor) Encrypt(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, e.gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}

	return e.gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt opens ciphertext produced by Encrypt.
func (e *Encryptor) Decrypt(ciphertext []byte) ([]byte, error) {
	nonceSize := e.gcm.NonceSize()
	if len(ciphertext) < nonceSize {
		return nil, ErrInvalidCiphertext
	}

	nonce, sealed := ciphertext[:nonceSize], ciphertext[nonceSize:]
	plaintext, err := e.gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, ErrDecryptionFailed
	}

	return plaintext, nil
}

// RandomAlphanumeric returns a base-36 (lowercase letters + digits) string
// of the given length, used for the OIDC login state nonce (spec.md §4.2
// requires a 20-character alphanumeric state).
func RandomAlphanumeric(length int) (string, error) {
	const charset = "abcdefghijklmnopqrstuvwxyz0123456789"

	out := make([]byte, length)
	charsetLen := big.NewInt(int64(len(charset)))
	for i := range out {
		n, err := rand.Int(rand.Reader, charsetLen)
		if err != nil {
			return "", err
		}
		out[i] = charset[n.Int64()]
	}

	return string(out), nil
}

// RandomBase64URL returns n cryptographically secure random bytes, URL-safe
// base64 encoded without padding. The login flow does not call it; OIDC
// nonces are minted by launch.HandleLogin as uuid strings.
func RandomBase64URL(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}

	return base64.RawURLEncoding.EncodeToString(b), nil
}
