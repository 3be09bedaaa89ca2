package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	"golang.org/x/crypto/scrypt"
)

// EncryptionConfig defines key derivation and AEAD parameters
type EncryptionConfig struct {
	SCryptN      int // CPU/memory cost parameter (32768 minimum)
	SCryptR      int // Block size parameter
	SCryptP      int // Parallelization parameter
	SCryptKeyLen int // Key length in bytes (32 for AES-256)

	NonceSize int // 96-bit nonce size for GCM
	TagSize   int // 128-bit authentication tag
}

// payloadVersion is bumped whenever the sealed layout changes.
const payloadVersion = 1

// EncryptedPayload is the at-rest form of sealed secret material. KDF cost
// parameters travel with the payload so older files stay readable after the
// defaults are raised.
type EncryptedPayload struct {
	Version    uint8  `json:"version"`
	N          int    `json:"n"`
	R          int    `json:"r"`
	P          int    `json:"p"`
	Salt       []byte `json:"salt"`
	Nonce      []byte `json:"nonce"`
	Ciphertext []byte `json:"ciphertext"`
	AuthTag    []byte `json:"auth_tag"`
	Integrity  []byte `json:"integrity"`
	Timestamp  int64  `json:"timestamp"`
}

// SecureBytes holds decrypted secret material and can wipe it
type SecureBytes struct {
	data    []byte
	cleared bool
}

// DefaultEncryptionConfig returns the production encryption configuration
func DefaultEncryptionConfig() *EncryptionConfig {
	return &EncryptionConfig{
		SCryptN:      32768,
		SCryptR:      8,
		SCryptP:      1,
		SCryptKeyLen: 32,
		NonceSize:    12,
		TagSize:      16,
	}
}

// Data returns the decrypted bytes, or nil once cleared
func (sb *SecureBytes) Data() []byte {
	if sb.cleared {
		return nil
	}
	return sb.data
}

// Clear zeroes the decrypted bytes
func (sb *SecureBytes) Clear() {
	if sb.cleared {
		return
	}
	wipe(sb.data)
	sb.data = nil
	sb.cleared = true
}

func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// Seal encrypts plaintext with AES-256-GCM under a key derived from passphrase via scrypt
func Seal(plaintext, passphrase []byte, config *EncryptionConfig) (*EncryptedPayload, error) {
	if len(plaintext) == 0 {
		return nil, errors.New("plaintext cannot be empty")
	}
	if len(passphrase) == 0 {
		return nil, errors.New("passphrase cannot be empty")
	}
	if config == nil {
		config = DefaultEncryptionConfig()
	}

	salt := make([]byte, 32)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}

	key, err := scrypt.Key(passphrase, salt, config.SCryptN, config.SCryptR, config.SCryptP, config.SCryptKeyLen)
	if err != nil {
		return nil, fmt.Errorf("key derivation failed: %w", err)
	}
	defer wipe(key)

	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := gcm.Seal(nil, nonce, plaintext, nil)
	tagStart := len(sealed) - gcm.Overhead()

	payload := &EncryptedPayload{
		Version:    payloadVersion,
		N:          config.SCryptN,
		R:          config.SCryptR,
		P:          config.SCryptP,
		Salt:       salt,
		Nonce:      nonce,
		Ciphertext: sealed[:tagStart],
		AuthTag:    sealed[tagStart:],
		Timestamp:  time.Now().UTC().Unix(),
	}
	payload.Integrity = integrityHash(payload.Ciphertext, payload.Salt, payload.Nonce)

	return payload, nil
}

// Open decrypts a payload produced by Seal. A wrong passphrase and a tampered
// payload both surface as an error.
func Open(payload *EncryptedPayload, passphrase []byte) (*SecureBytes, error) {
	if payload == nil {
		return nil, errors.New("payload cannot be nil")
	}
	if payload.Version != payloadVersion {
		return nil, fmt.Errorf("unsupported payload version: %d", payload.Version)
	}

	expected := integrityHash(payload.Ciphertext, payload.Salt, payload.Nonce)
	if subtle.ConstantTimeCompare(payload.Integrity, expected) != 1 {
		return nil, errors.New("integrity verification failed - possible tampering detected")
	}

	key, err := scrypt.Key(passphrase, payload.Salt, payload.N, payload.R, payload.P, 32)
	if err != nil {
		return nil, fmt.Errorf("key derivation failed: %w", err)
	}
	defer wipe(key)

	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(payload.Nonce) != gcm.NonceSize() {
		return nil, errors.New("invalid nonce length")
	}

	sealed := make([]byte, 0, len(payload.Ciphertext)+len(payload.AuthTag))
	sealed = append(sealed, payload.Ciphertext...)
	sealed = append(sealed, payload.AuthTag...)

	plaintext, err := gcm.Open(nil, payload.Nonce, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("decryption failed: %w", err)
	}

	return &SecureBytes{data: plaintext}, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}

func integrityHash(ciphertext, salt, nonce []byte) []byte {
	h := sha256.New()
	h.Write([]byte("FATHOM-KEYSTORE-V1"))
	h.Write(ciphertext)
	h.Write(salt)
	h.Write(nonce)
	return h.Sum(nil)
}

// ValidateEncryptionConfig validates encryption configuration parameters
func ValidateEncryptionConfig(config *EncryptionConfig) error {
	if config == nil {
		return errors.New("encryption config cannot be nil")
	}
	if config.SCryptN < 32768 {
		return errors.New("SCryptN must be at least 32768")
	}
	if config.SCryptR < 8 {
		return errors.New("SCryptR must be at least 8")
	}
	if config.SCryptP < 1 {
		return errors.New("SCryptP must be at least 1")
	}
	if config.SCryptKeyLen != 32 {
		return errors.New("SCryptKeyLen must be 32 for AES-256")
	}
	if config.NonceSize != 12 {
		return errors.New("NonceSize must be 12 for AES-GCM")
	}
	if config.TagSize != 16 {
		return errors.New("TagSize must be 16 for AES-GCM")
	}
	return nil
}

// SecureCompare performs constant-time comparison
func SecureCompare(a, b []byte) bool {
	return subtle.ConstantTimeCompare(a, b) == 1
}
