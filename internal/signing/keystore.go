package signing

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	apperrors "fathomlicense/internal/errors"
	"fathomlicense/internal/security"
)

// keyStoreFile is the on-disk envelope of an encrypted private key.
type keyStoreFile struct {
	Purpose   Purpose                    `json:"purpose"`
	KeyID     string                     `json:"key_id"`
	Algorithm string                     `json:"algorithm"`
	Payload   *security.EncryptedPayload `json:"payload"`
}

// SaveEncrypted writes the authority's private key to path, sealed under
// passphrase with scrypt and AES-256-GCM. The file is created 0600 and
// replaced atomically.
func SaveEncrypted(path string, a *Authority, passphrase []byte) error {
	return saveEncrypted(path, a, passphrase, security.DefaultEncryptionConfig())
}

func saveEncrypted(path string, a *Authority, passphrase []byte, cfg *security.EncryptionConfig) error {
	privPEM, err := a.MarshalPrivatePEM()
	if err != nil {
		return err
	}

	payload, err := security.Seal(privPEM, passphrase, cfg)
	if err != nil {
		return fmt.Errorf("seal %s key: %w", a.purpose, err)
	}

	data, err := json.MarshalIndent(keyStoreFile{
		Purpose:   a.purpose,
		KeyID:     a.keyID,
		Algorithm: Algorithm,
		Payload:   payload,
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal key store: %w", err)
	}

	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("create key store directory: %w", err)
		}
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("write key store: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replace key store: %w", err)
	}
	return nil
}

// LoadEncrypted reads a key store written by SaveEncrypted.
func LoadEncrypted(path string, passphrase []byte) (*Authority, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read key store: %w", err)
	}

	var ks keyStoreFile
	if err := json.Unmarshal(data, &ks); err != nil {
		return nil, fmt.Errorf("%w: key store is not valid JSON: %v", apperrors.ErrInvalidKey, err)
	}
	if ks.Algorithm != Algorithm {
		return nil, fmt.Errorf("%w: key store algorithm %q", apperrors.ErrInvalidKey, ks.Algorithm)
	}

	plain, err := security.Open(ks.Payload, passphrase)
	if err != nil {
		return nil, fmt.Errorf("%w: open key store: %v", apperrors.ErrInvalidKey, err)
	}
	defer plain.Clear()

	a, err := LoadPEM(ks.Purpose, plain.Data(), nil)
	if err != nil {
		return nil, err
	}
	if ks.KeyID != "" && ks.KeyID != a.keyID {
		return nil, fmt.Errorf("%w: key store id %s does not match key %s", apperrors.ErrInvalidKey, ks.KeyID, a.keyID)
	}
	return a, nil
}
