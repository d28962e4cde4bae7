/**
 * @description
 * Authenticated encryption for everything the ACH service keeps at rest: bank
 * numbers, SFTP secrets and KYC documents. Envelopes are only built and parsed
 * in this package.
 *
 * @dependencies
 * - crypto/aes, crypto/cipher: AES-256-GCM.
 * - golang.org/x/crypto/hkdf: data key derivation from the root secret.
 */
package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"strings"

	"github.com/transfa/ach-service/internal/domain"
	"golang.org/x/crypto/hkdf"
)

const (
	envelopeVersion = "v1"
	keySize         = 32
	nonceSize       = 12
	tagSize         = 16
	minRootSecret   = 32
	dataKeyInfo     = "ach-service/data-key/v1"
)

// Envelope is the transport encoding of one encrypted value:
// "v1:" + base64(nonce || tag || ciphertext).
type Envelope string

// Cipher seals and opens envelopes with a key derived from a root secret.
type Cipher struct {
	aead cipher.AEAD
}

// DeriveKey expands the root secret into the 256-bit data key.
func DeriveKey(rootSecret []byte) ([]byte, error) {
	if len(rootSecret) < minRootSecret {
		return nil, fmt.Errorf("root secret must be at least %d bytes, got %d", minRootSecret, len(rootSecret))
	}
	key := make([]byte, keySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, rootSecret, nil, []byte(dataKeyInfo)), key); err != nil {
		return nil, fmt.Errorf("derive data key: %w", err)
	}
	return key, nil
}

// NewCipher builds a Cipher from the root secret.
func NewCipher(rootSecret []byte) (*Cipher, error) {
	key, err := DeriveKey(rootSecret)
	if err != nil {
		return nil, err
	}
	defer wipe(key)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create AES cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	return &Cipher{aead: aead}, nil
}

// Encrypt seals plaintext under a fresh random nonce.
func (c *Cipher) Encrypt(plaintext []byte) (Envelope, error) {
	nonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("%w: generate nonce: %v", domain.ErrEncryption, err)
	}

	sealed := c.aead.Seal(nil, nonce, plaintext, []byte(envelopeVersion))
	ciphertext := sealed[:len(sealed)-tagSize]
	tag := sealed[len(sealed)-tagSize:]

	raw := make([]byte, 0, nonceSize+tagSize+len(ciphertext))
	raw = append(raw, nonce...)
	raw = append(raw, tag...)
	raw = append(raw, ciphertext...)
	return Envelope(envelopeVersion + ":" + base64.StdEncoding.EncodeToString(raw)), nil
}

// Decrypt opens an envelope. Every failure is reported as
// domain.ErrDecryptionFailed without echoing envelope contents.
func (c *Cipher) Decrypt(env Envelope) ([]byte, error) {
	version, encoded, ok := strings.Cut(string(env), ":")
	if !ok || version != envelopeVersion {
		return nil, fmt.Errorf("%w: unsupported envelope version", domain.ErrDecryptionFailed)
	}
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: malformed envelope encoding", domain.ErrDecryptionFailed)
	}
	if len(raw) < nonceSize+tagSize {
		return nil, fmt.Errorf("%w: envelope too short", domain.ErrDecryptionFailed)
	}

	nonce := raw[:nonceSize]
	tag := raw[nonceSize : nonceSize+tagSize]
	ciphertext := raw[nonceSize+tagSize:]

	sealed := make([]byte, 0, len(ciphertext)+tagSize)
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, tag...)

	plaintext, err := c.aead.Open(nil, nonce, sealed, []byte(envelopeVersion))
	if err != nil {
		return nil, fmt.Errorf("%w: authentication failed", domain.ErrDecryptionFailed)
	}
	return plaintext, nil
}

func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
