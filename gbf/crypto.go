package gbf

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/hkdf"
)

// Argon2id parameters for header/config/vault key derivation. Chosen to
// match the OWASP baseline recommendation for interactive use; goldboot
// runs this once per encode/decode/rekey, not per request, so the cost is
// immaterial to throughput.
const (
	argonTime    = 1
	argonMemory  = 64 * 1024 // KiB
	argonThreads = 4
	argonKeyLen  = 32
)

// deriveKey turns a password and the per-image kdf_salt into a 32-byte
// AES-256-GCM key. A password is always run through Argon2id, including
// the empty string — see SPEC_FULL.md §9 on zero-length passwords.
func deriveKey(password string, salt [kdfSaltSize]byte) []byte {
	return argon2.IDKey([]byte(password), salt[:], argonTime, argonMemory, argonThreads, argonKeyLen)
}

// clusterAESKeyInfo domain-separates the HKDF output used to shrink the
// wire-format 128-byte cluster key down to an AES-256 key.
const clusterAESKeyInfo = "gbf-cluster-aes-gcm"

// clusterAESKey derives a 32-byte AES-256-GCM key from the vault's
// 128-byte ClusterKey via HKDF-SHA256. The 128-byte field stays the wire
// format (room for future algorithm agility); aes.NewCipher only accepts
// 16/24/32-byte keys, so the raw field can never be used directly.
func clusterAESKey(clusterKey []byte) ([]byte, error) {
	key := make([]byte, argonKeyLen)
	if _, err := io.ReadFull(hkdf.New(sha256.New, clusterKey, nil, []byte(clusterAESKeyInfo)), key); err != nil {
		return nil, fmt.Errorf("gbf: deriving cluster AES key: %w", err)
	}
	return key, nil
}

// fillRandom fills b in place from a cryptographic RNG.
func fillRandom(b []byte) error {
	if _, err := rand.Read(b); err != nil {
		return fmt.Errorf("gbf: reading random bytes: %w", err)
	}
	return nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("gbf: aes cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("gbf: gcm wrap: %w", err)
	}
	return gcm, nil
}

// seal encrypts plaintext into a newly allocated slice, appending the GCM
// tag; plaintext itself is left unmodified.
func seal(key, nonce, plaintext []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	return gcm.Seal(nil, nonce, plaintext, nil), nil
}

// open decrypts ciphertext (with trailing tag) and authenticates it.
// A failed tag check is reported as ErrWrongPassword, since in this format
// the only reason GCM auth fails is a wrong password or corrupted section.
func open(key, nonce, ciphertext []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrWrongPassword, err) //nolint:errorlint
	}
	return plaintext, nil
}
