package signing

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fathomlicense/internal/config"
	apperrors "fathomlicense/internal/errors"
)

func newTestAuthority(t *testing.T, purpose Purpose) *Authority {
	t.Helper()
	a, err := GenerateAuthority(purpose)
	require.NoError(t, err)
	return a
}

func TestSignIsDeterministic(t *testing.T) {
	a := newTestAuthority(t, PurposeLicense)
	payload := []byte("FATHOM-LIC-v1\nLicenseId=3:abc\n")

	first, err := a.Sign(payload)
	require.NoError(t, err)
	second, err := a.Sign(payload)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.True(t, a.Verify(payload, first))
	assert.True(t, Verify(payload, first, a.PublicKey()))
}

func TestVerifyRejects(t *testing.T) {
	a := newTestAuthority(t, PurposeLicense)
	other := newTestAuthority(t, PurposeLicense)
	payload := []byte("payload")
	sig, err := a.Sign(payload)
	require.NoError(t, err)

	flipped := append([]byte(nil), sig...)
	flipped[len(flipped)-1] ^= 0x01

	tests := []struct {
		name    string
		payload []byte
		sig     []byte
		pub     *ecdsa.PublicKey
	}{
		{"tampered payload", []byte("payloae"), sig, a.PublicKey()},
		{"wrong key", payload, sig, other.PublicKey()},
		{"flipped signature bit", payload, flipped, a.PublicKey()},
		{"garbage signature", payload, []byte{0x30, 0x02, 0xff}, a.PublicKey()},
		{"empty signature", payload, nil, a.PublicKey()},
		{"nil key", payload, sig, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.NotPanics(t, func() {
				assert.False(t, Verify(tt.payload, tt.sig, tt.pub))
			})
		})
	}
}

func TestVerifierCannotSign(t *testing.T) {
	a := newTestAuthority(t, PurposeLicense)
	v, err := NewVerifier(PurposeLicense, a.PublicKey())
	require.NoError(t, err)

	assert.False(t, v.CanSign())
	assert.Equal(t, a.KeyID(), v.KeyID())

	_, err = v.Sign([]byte("x"))
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrKeyNotLoaded)
	assert.True(t, IsKeyNotLoaded(err))

	var knl *KeyNotLoadedError
	require.ErrorAs(t, err, &knl)
	assert.Equal(t, PurposeLicense, knl.Purpose)

	var nilAuthority *Authority
	_, err = nilAuthority.Sign([]byte("x"))
	assert.True(t, IsKeyNotLoaded(err))
	assert.False(t, nilAuthority.Verify([]byte("x"), []byte("y")))
}

func TestNewAuthorityRejectsOtherCurves(t *testing.T) {
	priv, err := ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
	require.NoError(t, err)

	_, err = NewAuthority(PurposeLicense, priv)
	assert.ErrorIs(t, err, apperrors.ErrInvalidKey)

	_, err = NewVerifier(PurposeLicense, &priv.PublicKey)
	assert.ErrorIs(t, err, apperrors.ErrInvalidKey)
}

func TestPEMRoundTrip(t *testing.T) {
	a := newTestAuthority(t, PurposeCertificate)

	privPEM, err := a.MarshalPrivatePEM()
	require.NoError(t, err)
	pubPEM, err := a.MarshalPublicPEM()
	require.NoError(t, err)

	loaded, err := LoadPEM(PurposeCertificate, privPEM, pubPEM)
	require.NoError(t, err)
	assert.True(t, loaded.CanSign())
	assert.Equal(t, a.KeyID(), loaded.KeyID())

	sig, err := loaded.Sign([]byte("cert"))
	require.NoError(t, err)
	assert.True(t, a.Verify([]byte("cert"), sig))

	verifier, err := LoadPEM(PurposeCertificate, nil, pubPEM)
	require.NoError(t, err)
	assert.False(t, verifier.CanSign())
}

func TestLoadPEMAcceptsSEC1(t *testing.T) {
	a := newTestAuthority(t, PurposeLicense)
	der, err := x509.MarshalECPrivateKey(a.priv)
	require.NoError(t, err)
	sec1 := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: der})

	loaded, err := LoadPEM(PurposeLicense, sec1, nil)
	require.NoError(t, err)
	assert.Equal(t, a.KeyID(), loaded.KeyID())
}

func TestLoadPEMErrors(t *testing.T) {
	a := newTestAuthority(t, PurposeLicense)
	b := newTestAuthority(t, PurposeLicense)
	privA, err := a.MarshalPrivatePEM()
	require.NoError(t, err)
	pubB, err := b.MarshalPublicPEM()
	require.NoError(t, err)

	_, err = LoadPEM(PurposeLicense, privA, pubB)
	assert.ErrorIs(t, err, apperrors.ErrInvalidKey, "mismatched pair")

	_, err = LoadPEM(PurposeLicense, []byte("not pem"), nil)
	assert.ErrorIs(t, err, apperrors.ErrInvalidKey)

	_, err = LoadPEM(PurposeLicense, nil, []byte("-----BEGIN CERTIFICATE-----\nAAAA\n-----END CERTIFICATE-----\n"))
	assert.ErrorIs(t, err, apperrors.ErrInvalidKey)

	_, err = LoadPEM(PurposeLicense, nil, nil)
	assert.True(t, IsKeyNotLoaded(err))
}

func TestLoadFromEnv(t *testing.T) {
	a := newTestAuthority(t, PurposeLicense)
	privPEM, err := a.MarshalPrivatePEM()
	require.NoError(t, err)
	pubPEM, err := a.MarshalPublicPEM()
	require.NoError(t, err)

	// single-line .env style value
	t.Setenv("TEST_LICENSE_PRIV", strings.ReplaceAll(string(privPEM), "\n", `\n`))
	t.Setenv("TEST_LICENSE_PUB", string(pubPEM))

	loaded, err := LoadFromEnv(PurposeLicense, "TEST_LICENSE_PRIV", "TEST_LICENSE_PUB")
	require.NoError(t, err)
	assert.True(t, loaded.CanSign())
	assert.Equal(t, a.KeyID(), loaded.KeyID())
}

func TestLoadAndLoadVerifier(t *testing.T) {
	license := newTestAuthority(t, PurposeLicense)
	cert := newTestAuthority(t, PurposeCertificate)

	licPriv, _ := license.MarshalPrivatePEM()
	licPub, _ := license.MarshalPublicPEM()
	certPub, _ := cert.MarshalPublicPEM()

	cfg := config.Default().Signing
	t.Setenv(cfg.LicensePrivateKeyEnv, string(licPriv))
	t.Setenv(cfg.LicensePublicKeyEnv, string(licPub))
	t.Setenv(cfg.CertificatePrivateKeyEnv, "")
	t.Setenv(cfg.CertificatePublicKeyEnv, string(certPub))

	signer, err := Load(cfg, PurposeLicense)
	require.NoError(t, err)
	assert.True(t, signer.CanSign())

	_, err = Load(cfg, PurposeCertificate)
	assert.True(t, IsKeyNotLoaded(err), "certificate private key is not set")

	verifier, err := LoadVerifier(cfg, PurposeCertificate)
	require.NoError(t, err)
	assert.False(t, verifier.CanSign())
	assert.Equal(t, cert.KeyID(), verifier.KeyID())

	clientVerifier, err := LoadVerifier(cfg, PurposeLicense)
	require.NoError(t, err)
	assert.False(t, clientVerifier.CanSign(), "verifier never reads the private key")
}

func TestEnsureDistinct(t *testing.T) {
	license := newTestAuthority(t, PurposeLicense)
	cert := newTestAuthority(t, PurposeCertificate)
	require.NoError(t, EnsureDistinct(license, cert))

	reused, err := NewAuthority(PurposeCertificate, license.priv)
	require.NoError(t, err)
	assert.ErrorIs(t, EnsureDistinct(license, reused), apperrors.ErrKeyReuse)
}
