package signing

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"strings"

	"fathomlicense/internal/config"
	apperrors "fathomlicense/internal/errors"
)

// Algorithm is the signature algorithm tag written next to every signature.
const Algorithm = "ECDSA-P256-SHA256"

// Purpose tags what an authority signs. License and certificate keys are
// separate key pairs and must never be shared.
type Purpose string

const (
	PurposeLicense     Purpose = "license"
	PurposeCertificate Purpose = "certificate"
)

// KeyNotLoadedError is returned by Sign on an authority that only holds a
// public key, e.g. on a validation-only client install.
type KeyNotLoadedError struct {
	Purpose Purpose
}

func (e *KeyNotLoadedError) Error() string {
	return fmt.Sprintf("%s signing key not loaded", e.Purpose)
}

func (e *KeyNotLoadedError) Unwrap() error {
	return apperrors.ErrKeyNotLoaded
}

// Authority signs and verifies payloads with one ECDSA P-256 key pair.
// It is constructed explicitly and passed by reference; there is no
// package-level key state.
type Authority struct {
	purpose Purpose
	priv    *ecdsa.PrivateKey
	pub     *ecdsa.PublicKey
	keyID   string
}

// NewAuthority wraps a private key. The key must be on P-256.
func NewAuthority(purpose Purpose, priv *ecdsa.PrivateKey) (*Authority, error) {
	if priv == nil {
		return nil, fmt.Errorf("%w: private key is nil", apperrors.ErrInvalidKey)
	}
	if priv.Curve != elliptic.P256() {
		return nil, fmt.Errorf("%w: private key must use P-256", apperrors.ErrInvalidKey)
	}
	a := &Authority{purpose: purpose, priv: priv, pub: &priv.PublicKey}
	if err := a.computeKeyID(); err != nil {
		return nil, err
	}
	return a, nil
}

// NewVerifier wraps a public key. The result can verify but never sign.
func NewVerifier(purpose Purpose, pub *ecdsa.PublicKey) (*Authority, error) {
	if pub == nil {
		return nil, fmt.Errorf("%w: public key is nil", apperrors.ErrInvalidKey)
	}
	if pub.Curve != elliptic.P256() {
		return nil, fmt.Errorf("%w: public key must use P-256", apperrors.ErrInvalidKey)
	}
	a := &Authority{purpose: purpose, pub: pub}
	if err := a.computeKeyID(); err != nil {
		return nil, err
	}
	return a, nil
}

// GenerateAuthority creates a fresh key pair.
func GenerateAuthority(purpose Purpose) (*Authority, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate %s key: %w", purpose, err)
	}
	return NewAuthority(purpose, priv)
}

func (a *Authority) computeKeyID() error {
	der, err := x509.MarshalPKIXPublicKey(a.pub)
	if err != nil {
		return fmt.Errorf("%w: %v", apperrors.ErrInvalidKey, err)
	}
	sum := sha256.Sum256(der)
	a.keyID = hex.EncodeToString(sum[:])[:16]
	return nil
}

// Sign hashes payload with SHA-256 and returns an ASN.1 DER signature. The
// nonce is derived from the key and digest (RFC 6979), so signing the same
// payload twice yields identical bytes.
func (a *Authority) Sign(payload []byte) ([]byte, error) {
	if a == nil || a.priv == nil {
		purpose := Purpose("")
		if a != nil {
			purpose = a.purpose
		}
		return nil, &KeyNotLoadedError{Purpose: purpose}
	}
	digest := sha256.Sum256(payload)
	sig, err := a.priv.Sign(nil, digest[:], crypto.SHA256)
	if err != nil {
		return nil, fmt.Errorf("sign %s payload: %w", a.purpose, err)
	}
	return sig, nil
}

// Verify reports whether sig is a valid signature of payload under this
// authority's public key.
func (a *Authority) Verify(payload, sig []byte) bool {
	if a == nil {
		return false
	}
	return Verify(payload, sig, a.pub)
}

// Verify reports whether sig is a valid ASN.1 ECDSA signature of payload
// under pub. Malformed signatures, wrong keys and tampered payloads all
// return false.
func Verify(payload, sig []byte, pub *ecdsa.PublicKey) bool {
	if pub == nil || len(sig) == 0 {
		return false
	}
	digest := sha256.Sum256(payload)
	return ecdsa.VerifyASN1(pub, digest[:], sig)
}

// PublicKey returns the verification key.
func (a *Authority) PublicKey() *ecdsa.PublicKey { return a.pub }

// CanSign reports whether a private key is loaded.
func (a *Authority) CanSign() bool { return a != nil && a.priv != nil }

// Purpose returns what this authority signs.
func (a *Authority) Purpose() Purpose { return a.purpose }

// KeyID is the first 16 hex characters of SHA-256 over the PKIX public key.
func (a *Authority) KeyID() string { return a.keyID }

// MarshalPrivatePEM encodes the private key as a PKCS#8 PEM block.
func (a *Authority) MarshalPrivatePEM() ([]byte, error) {
	if !a.CanSign() {
		return nil, &KeyNotLoadedError{Purpose: a.purpose}
	}
	der, err := x509.MarshalPKCS8PrivateKey(a.priv)
	if err != nil {
		return nil, fmt.Errorf("marshal private key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), nil
}

// MarshalPublicPEM encodes the public key as a PKIX PEM block.
func (a *Authority) MarshalPublicPEM() ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(a.pub)
	if err != nil {
		return nil, fmt.Errorf("marshal public key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}), nil
}

// EnsureDistinct fails when two authorities share a public key.
func EnsureDistinct(a, b *Authority) error {
	if a == nil || b == nil {
		return nil
	}
	if a.pub.Equal(b.pub) {
		return fmt.Errorf("%w: %s and %s use key %s", apperrors.ErrKeyReuse, a.purpose, b.purpose, a.keyID)
	}
	return nil
}

// LoadPEM builds an authority from PEM text. Either value may be empty but
// not both; when both are given they must form a pair.
func LoadPEM(purpose Purpose, privPEM, pubPEM []byte) (*Authority, error) {
	var priv *ecdsa.PrivateKey
	var pub *ecdsa.PublicKey
	var err error

	if len(privPEM) > 0 {
		if priv, err = ParsePrivateKeyPEM(privPEM); err != nil {
			return nil, err
		}
	}
	if len(pubPEM) > 0 {
		if pub, err = ParsePublicKeyPEM(pubPEM); err != nil {
			return nil, err
		}
	}

	switch {
	case priv != nil:
		if pub != nil && !pub.Equal(&priv.PublicKey) {
			return nil, fmt.Errorf("%w: %s public key does not match private key", apperrors.ErrInvalidKey, purpose)
		}
		return NewAuthority(purpose, priv)
	case pub != nil:
		return NewVerifier(purpose, pub)
	default:
		return nil, &KeyNotLoadedError{Purpose: purpose}
	}
}

// ParsePrivateKeyPEM accepts "EC PRIVATE KEY" (SEC 1) and "PRIVATE KEY" (PKCS#8) blocks.
func ParsePrivateKeyPEM(data []byte) (*ecdsa.PrivateKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("%w: no PEM block found", apperrors.ErrInvalidKey)
	}

	switch block.Type {
	case "EC PRIVATE KEY":
		key, err := x509.ParseECPrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", apperrors.ErrInvalidKey, err)
		}
		return key, nil
	case "PRIVATE KEY":
		key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", apperrors.ErrInvalidKey, err)
		}
		ec, ok := key.(*ecdsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("%w: PKCS#8 key is %T, want ECDSA", apperrors.ErrInvalidKey, key)
		}
		return ec, nil
	default:
		return nil, fmt.Errorf("%w: unexpected PEM type %q", apperrors.ErrInvalidKey, block.Type)
	}
}

// ParsePublicKeyPEM accepts a PKIX "PUBLIC KEY" block.
func ParsePublicKeyPEM(data []byte) (*ecdsa.PublicKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("%w: no PEM block found", apperrors.ErrInvalidKey)
	}
	if block.Type != "PUBLIC KEY" {
		return nil, fmt.Errorf("%w: unexpected PEM type %q", apperrors.ErrInvalidKey, block.Type)
	}
	key, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apperrors.ErrInvalidKey, err)
	}
	ec, ok := key.(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: public key is %T, want ECDSA", apperrors.ErrInvalidKey, key)
	}
	return ec, nil
}

// LoadFromEnv reads PEM text from the named environment variables. Literal
// "\n" sequences are expanded so keys survive single-line .env files.
func LoadFromEnv(purpose Purpose, privVar, pubVar string) (*Authority, error) {
	return LoadPEM(purpose, envPEM(privVar), envPEM(pubVar))
}

func envPEM(name string) []byte {
	if name == "" {
		return nil
	}
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return nil
	}
	return []byte(strings.ReplaceAll(v, `\n`, "\n"))
}

// Load builds the signing authority for purpose on an issuing install. The
// encrypted key store wins when configured; otherwise the PEM environment
// variables are used.
func Load(cfg config.SigningConfig, purpose Purpose) (*Authority, error) {
	if cfg.KeyStoreFile != "" && purpose == PurposeLicense {
		passphrase := os.Getenv(cfg.KeyStorePassphraseEnv)
		if passphrase == "" {
			return nil, fmt.Errorf("key store %s configured but %s is empty", cfg.KeyStoreFile, cfg.KeyStorePassphraseEnv)
		}
		return LoadEncrypted(cfg.KeyStoreFile, []byte(passphrase))
	}

	privVar, pubVar := envNames(cfg, purpose)
	a, err := LoadFromEnv(purpose, privVar, pubVar)
	if err != nil {
		return nil, err
	}
	if !a.CanSign() {
		return nil, &KeyNotLoadedError{Purpose: purpose}
	}
	return a, nil
}

// LoadVerifier builds a verify-only authority for client installs. The
// private key variable is never read.
func LoadVerifier(cfg config.SigningConfig, purpose Purpose) (*Authority, error) {
	if cfg.PublicKeyFile != "" && purpose == PurposeLicense {
		data, err := os.ReadFile(cfg.PublicKeyFile)
		if err != nil {
			return nil, fmt.Errorf("read public key file: %w", err)
		}
		return LoadPEM(purpose, nil, data)
	}

	_, pubVar := envNames(cfg, purpose)
	data := envPEM(pubVar)
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: %s public key not set in %s", apperrors.ErrInvalidKey, purpose, pubVar)
	}
	return LoadPEM(purpose, nil, data)
}

func envNames(cfg config.SigningConfig, purpose Purpose) (string, string) {
	if purpose == PurposeCertificate {
		return cfg.CertificatePrivateKeyEnv, cfg.CertificatePublicKeyEnv
	}
	return cfg.LicensePrivateKeyEnv, cfg.LicensePublicKeyEnv
}

// IsKeyNotLoaded reports whether err signals a missing private key.
func IsKeyNotLoaded(err error) bool {
	var target *KeyNotLoadedError
	return errors.As(err, &target)
}
