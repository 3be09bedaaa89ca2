package certificate

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	apperrors "fathomlicense/internal/errors"
	"fathomlicense/internal/signing"
)

// IssueRequest describes a completed processing run.
type IssueRequest struct {
	ModuleID       string            `json:"module_id" validate:"required,max=64"`
	ModuleVersion  string            `json:"module_version" validate:"required,max=32"`
	ProjectName    string            `json:"project_name" validate:"required,max=200"`
	ClientName     string            `json:"client_name" validate:"max=200"`
	VesselName     string            `json:"vessel_name" validate:"max=200"`
	IssuedBy       string            `json:"issued_by" validate:"required,max=200"`
	LicenseID      string            `json:"license_id" validate:"required,max=128"`
	ProcessingData map[string]string `json:"processing_data" validate:"max=64,dive,keys,required,max=64,endkeys,max=1024"`
	// Payload is the processed output being attested. Only its hash is kept.
	Payload []byte `json:"-"`
}

// VerifyResult is the outcome of checking a certificate.
type VerifyResult struct {
	Valid  bool   `json:"valid"`
	Reason string `json:"reason"`
}

// Service issues and verifies processing certificates with the certificate
// key, which is separate from the license key.
type Service struct {
	authority *signing.Authority
	validate  *validator.Validate
	now       func() time.Time
	logger    *slog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewService returns a Service. A verify-only authority is enough for
// Verify; Issue needs the private key.
func NewService(authority *signing.Authority, opts ...Option) (*Service, error) {
	if authority == nil {
		return nil, fmt.Errorf("%w: certificate authority is nil", apperrors.ErrInvalidKey)
	}
	if authority.Purpose() != signing.PurposeCertificate {
		return nil, fmt.Errorf("%w: certificates need a %s key, got %s",
			apperrors.ErrInvalidKey, signing.PurposeCertificate, authority.Purpose())
	}
	s := &Service{
		authority: authority,
		validate:  validator.New(),
		now:       time.Now,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Issue creates and signs a certificate. New certificates start Pending.
func (s *Service) Issue(ctx context.Context, req IssueRequest) (*Record, error) {
	if !s.authority.CanSign() {
		return nil, &signing.KeyNotLoadedError{Purpose: signing.PurposeCertificate}
	}
	if err := s.validate.Struct(req); err != nil {
		return nil, fmt.Errorf("%w: %v", apperrors.ErrInvalidRequestData, err)
	}
	if len(req.Payload) == 0 {
		return nil, fmt.Errorf("%w: processing payload is empty", apperrors.ErrInvalidRequestData)
	}

	rec := &Record{
		CertificateID:  "FOS-CERT-" + strings.ToUpper(uuid.NewString()),
		ModuleID:       req.ModuleID,
		ModuleVersion:  req.ModuleVersion,
		ProjectName:    req.ProjectName,
		ClientName:     req.ClientName,
		VesselName:     req.VesselName,
		IssuedAt:       s.now().UTC(),
		IssuedBy:       req.IssuedBy,
		LicenseID:      req.LicenseID,
		DataHash:       ComputeDataHash(req.Payload),
		ProcessingData: req.ProcessingData,
		SyncStatus:     SyncPending,
	}
	sig, err := s.authority.Sign(Canonicalize(rec))
	if err != nil {
		return nil, fmt.Errorf("sign certificate: %w", err)
	}
	rec.Signature = sig
	rec.SignatureAlgorithm = signing.Algorithm

	s.logger.InfoContext(ctx, "certificate issued",
		slog.String("certificate_id", rec.CertificateID),
		slog.String("module_id", rec.ModuleID),
		slog.String("key_id", s.authority.KeyID()))
	return rec, nil
}

// Verify checks the certificate signature. Sync bookkeeping is not covered.
func (s *Service) Verify(rec *Record) VerifyResult {
	switch {
	case rec == nil:
		return VerifyResult{Reason: "no certificate"}
	case rec.SignatureAlgorithm != signing.Algorithm:
		return VerifyResult{Reason: fmt.Sprintf("unsupported signature algorithm %q", rec.SignatureAlgorithm)}
	case !s.authority.Verify(Canonicalize(rec), rec.Signature):
		return VerifyResult{Reason: "signature does not match certificate content"}
	}
	return VerifyResult{Valid: true, Reason: "certificate signature verified"}
}

// VerifyPayload checks the signature and that payload is the data the
// certificate attests.
func (s *Service) VerifyPayload(rec *Record, payload []byte) VerifyResult {
	res := s.Verify(rec)
	if !res.Valid {
		return res
	}
	if subtle.ConstantTimeCompare([]byte(ComputeDataHash(payload)), []byte(strings.ToLower(rec.DataHash))) != 1 {
		return VerifyResult{Reason: "processing data does not match the certificate hash"}
	}
	return VerifyResult{Valid: true, Reason: "certificate and processing data verified"}
}

// Check is Verify as an error, for callers that reject invalid input.
func (s *Service) Check(rec *Record) error {
	if res := s.Verify(rec); !res.Valid {
		return fmt.Errorf("%w: %s", apperrors.ErrCertificateInvalid, res.Reason)
	}
	return nil
}

// IsInvalid reports whether err marks a certificate that failed verification.
func IsInvalid(err error) bool {
	return errors.Is(err, apperrors.ErrCertificateInvalid)
}
