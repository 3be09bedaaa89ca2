package security

import (
	"crypto/sha1"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"fathomlicense/internal/config"
	apperrors "fathomlicense/internal/errors"
)

// PinningConfig is loaded through the config package so malformed
// thumbprints fail at startup.
type PinningConfig = config.PinningConfig

// PinningConfigError reports a pinning configuration that cannot be used.
type PinningConfigError struct {
	Reason error
}

func (e *PinningConfigError) Error() string {
	return fmt.Sprintf("certificate pinning config: %v", e.Reason)
}

func (e *PinningConfigError) Unwrap() []error {
	return []error{apperrors.ErrInvalidPinningConfig, e.Reason}
}

// PinningRejection describes why a server certificate was refused.
type PinningRejection struct {
	Host       string
	Thumbprint string
	Reason     string
}

func (e *PinningRejection) Error() string {
	return fmt.Sprintf("certificate for %s rejected (%s): %s", e.Host, e.Thumbprint, e.Reason)
}

func (e *PinningRejection) Unwrap() error {
	return apperrors.ErrPinningRejected
}

// CertificatePinner checks TLS peers against trusted issuers and pinned
// SHA-1 thumbprints.
type CertificatePinner struct {
	useIssuer   bool
	issuers     map[string]struct{}
	thumbprints map[string]struct{}
	logger      *slog.Logger
}

// NewCertificatePinner validates cfg and builds a pinner. PLACEHOLDER
// thumbprints are accepted in config but never match a certificate.
func NewCertificatePinner(cfg PinningConfig, logger *slog.Logger) (*CertificatePinner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, &PinningConfigError{Reason: err}
	}
	if logger == nil {
		logger = slog.Default()
	}

	cp := &CertificatePinner{
		useIssuer:   cfg.UseIssuerValidation,
		issuers:     make(map[string]struct{}, len(cfg.TrustedIssuers)),
		thumbprints: make(map[string]struct{}, len(cfg.Thumbprints)),
		logger:      logger.With(slog.String("component", "cert_pinning")),
	}
	for _, issuer := range cfg.TrustedIssuers {
		cp.issuers[normalizeDN(issuer)] = struct{}{}
	}
	for _, tp := range cfg.Thumbprints {
		if tp == config.ThumbprintPlaceholder {
			continue
		}
		cp.thumbprints[strings.ToUpper(tp)] = struct{}{}
	}
	return cp, nil
}

// Thumbprint returns the upper-case hex SHA-1 of the DER certificate.
func Thumbprint(cert *x509.Certificate) string {
	sum := sha1.Sum(cert.Raw)
	return strings.ToUpper(hex.EncodeToString(sum[:]))
}

// Verify applies the pinning policy to the certificates a server presented.
// Order: no certificate is a rejection; a trusted issuer anywhere in the
// chain accepts when issuer validation is on; otherwise the leaf or any chain
// element must match a pinned thumbprint.
func (cp *CertificatePinner) Verify(host string, peer []*x509.Certificate, chains [][]*x509.Certificate) error {
	if len(peer) == 0 {
		return cp.reject(host, "", "no certificate presented")
	}
	leaf := peer[0]
	candidates := chainElements(peer, chains)

	if cp.useIssuer {
		for _, cert := range candidates {
			if cp.trustedIssuer(cert) {
				cp.logger.Debug("certificate accepted by trusted issuer",
					slog.String("host", host),
					slog.String("issuer", cert.Issuer.String()))
				return nil
			}
		}
	}

	for _, cert := range candidates {
		if _, ok := cp.thumbprints[Thumbprint(cert)]; ok {
			cp.logger.Debug("certificate accepted by pinned thumbprint",
				slog.String("host", host),
				slog.String("thumbprint", Thumbprint(cert)))
			return nil
		}
	}

	return cp.reject(host, Thumbprint(leaf), "no trusted issuer or pinned thumbprint in chain")
}

// VerifyConnection adapts Verify to tls.Config.VerifyConnection, which runs
// after the standard chain verification.
func (cp *CertificatePinner) VerifyConnection(cs tls.ConnectionState) error {
	return cp.Verify(cs.ServerName, cs.PeerCertificates, cs.VerifiedChains)
}

func (cp *CertificatePinner) trustedIssuer(cert *x509.Certificate) bool {
	if _, ok := cp.issuers[normalizeDN(cert.Issuer.String())]; ok {
		return true
	}
	_, ok := cp.issuers[normalizeDN(cert.Subject.String())]
	return ok
}

func (cp *CertificatePinner) reject(host, thumbprint, reason string) error {
	cp.logger.Error("possible_mitm",
		slog.String("event", "possible_mitm"),
		slog.String("host", host),
		slog.String("thumbprint", thumbprint),
		slog.String("reason", reason))
	return &PinningRejection{Host: host, Thumbprint: thumbprint, Reason: reason}
}

func chainElements(peer []*x509.Certificate, chains [][]*x509.Certificate) []*x509.Certificate {
	seen := make(map[string]struct{})
	var out []*x509.Certificate
	add := func(c *x509.Certificate) {
		key := string(c.Raw)
		if _, ok := seen[key]; ok {
			return
		}
		seen[key] = struct{}{}
		out = append(out, c)
	}
	for _, c := range peer {
		add(c)
	}
	for _, chain := range chains {
		for _, c := range chain {
			add(c)
		}
	}
	return out
}

// normalizeDN lower-cases a distinguished name and strips blanks around
// separators so "CN=R11, O=Let's Encrypt" equals "cn=R11,o=let's encrypt".
func normalizeDN(dn string) string {
	parts := strings.Split(dn, ",")
	for i, p := range parts {
		kv := strings.SplitN(strings.TrimSpace(p), "=", 2)
		for j := range kv {
			kv[j] = strings.TrimSpace(kv[j])
		}
		parts[i] = strings.Join(kv, "=")
	}
	return strings.ToLower(strings.Join(parts, ","))
}

// ClientOption customises NewHTTPClient
type ClientOption func(*tls.Config)

// WithRootCAs replaces the system trust store, mainly for tests.
func WithRootCAs(pool *x509.CertPool) ClientOption {
	return func(c *tls.Config) { c.RootCAs = pool }
}

// NewHTTPClient builds a TLS 1.2+ client. When pinning is enabled every
// handshake must also pass the pinner; a rejected handshake fails the request.
func NewHTTPClient(cfg PinningConfig, timeout time.Duration, logger *slog.Logger, opts ...ClientOption) (*http.Client, error) {
	tlsConfig := &tls.Config{
		MinVersion: tls.VersionTLS12,
		CipherSuites: []uint16{
			tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305,
			tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305,
			tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
			tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
		},
	}
	for _, opt := range opts {
		opt(tlsConfig)
	}

	if cfg.Enabled {
		pinner, err := NewCertificatePinner(cfg, logger)
		if err != nil {
			return nil, err
		}
		tlsConfig.VerifyConnection = pinner.VerifyConnection
	} else if err := cfg.Validate(); err != nil {
		return nil, &PinningConfigError{Reason: err}
	}

	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		DialContext:         (&net.Dialer{Timeout: 10 * time.Second}).DialContext,
		TLSClientConfig:     tlsConfig,
		TLSHandshakeTimeout: 10 * time.Second,
		MaxIdleConns:        10,
		IdleConnTimeout:     90 * time.Second,
	}

	return &http.Client{
		Transport: transport,
		Timeout:   timeout,
	}, nil
}

// IsPinningRejection reports whether err came from the pinning policy.
func IsPinningRejection(err error) bool {
	return errors.Is(err, apperrors.ErrPinningRejected)
}
