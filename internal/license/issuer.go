package license

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	apperrors "fathomlicense/internal/errors"
	"fathomlicense/internal/hardware"
	"fathomlicense/internal/signing"
)

// DefaultProductName is used when a request leaves ProductName empty.
const DefaultProductName = "FathomOS"

// IssueRequest carries what the issuing tool collects for a new license.
type IssueRequest struct {
	CustomerName         string           `json:"customer_name" validate:"required,max=200"`
	CustomerEmail        string           `json:"customer_email" validate:"required,email,max=254"`
	ProductName          string           `json:"product_name" validate:"max=100"`
	Tier                 Tier             `json:"tier" validate:"required"`
	SubscriptionType     SubscriptionType `json:"subscription_type" validate:"required"`
	LicenseType          Type             `json:"license_type" validate:"required"`
	EnabledModules       []string         `json:"enabled_modules,omitempty" validate:"omitempty,dive,required,max=64"`
	HardwareFingerprints []string         `json:"hardware_fingerprints,omitempty" validate:"omitempty,dive,required,max=128"`
	// ExpiresAt overrides the subscription's default term.
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// Recorder receives every issued license. The issuing ledger implements it.
type Recorder interface {
	RecordIssued(ctx context.Context, rec *Record) error
}

// Issuer creates and signs license records. It needs a license authority
// holding the private key, so it only exists on the issuing install.
type Issuer struct {
	authority *signing.Authority
	recorder  Recorder
	validate  *validator.Validate
	now       func() time.Time
	newKey    func() (string, error)
	logger    *slog.Logger
}

// IssuerOption configures an Issuer.
type IssuerOption func(*Issuer)

// WithRecorder records each issued license.
func WithRecorder(r Recorder) IssuerOption {
	return func(i *Issuer) { i.recorder = r }
}

// WithIssuerClock replaces time.Now.
func WithIssuerClock(now func() time.Time) IssuerOption {
	return func(i *Issuer) { i.now = now }
}

// WithIssuerLogger sets the logger.
func WithIssuerLogger(l *slog.Logger) IssuerOption {
	return func(i *Issuer) {
		if l != nil {
			i.logger = l
		}
	}
}

// NewIssuer returns an Issuer signing with authority.
func NewIssuer(authority *signing.Authority, opts ...IssuerOption) (*Issuer, error) {
	if authority == nil || !authority.CanSign() {
		return nil, &signing.KeyNotLoadedError{Purpose: signing.PurposeLicense}
	}
	if authority.Purpose() != signing.PurposeLicense {
		return nil, fmt.Errorf("%w: issuer needs a %s key, got %s", apperrors.ErrInvalidKey, signing.PurposeLicense, authority.Purpose())
	}
	i := &Issuer{
		authority: authority,
		validate:  validator.New(),
		now:       time.Now,
		newKey:    GenerateLicenseKey,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(i)
	}
	return i, nil
}

// Issue builds, signs and serializes a license. The returned bytes are the
// .lic file content. When a Recorder is attached the license only counts as
// issued once it has been recorded.
func (i *Issuer) Issue(ctx context.Context, req IssueRequest) (*Record, []byte, error) {
	rec, err := i.build(req)
	if err != nil {
		return nil, nil, err
	}
	if err := i.Sign(rec); err != nil {
		return nil, nil, err
	}
	data, err := Serialize(rec)
	if err != nil {
		return nil, nil, err
	}
	if i.recorder != nil {
		if err := i.recorder.RecordIssued(ctx, rec); err != nil {
			return nil, nil, fmt.Errorf("record issued license: %w", err)
		}
	}

	i.logger.InfoContext(ctx, "license issued",
		slog.String("license_id_hash", hashIdentifier(rec.LicenseID)),
		slog.String("license_key_masked", maskLicenseKey(rec.LicenseKey)),
		slog.String("tier", rec.Tier.String()),
		slog.String("license_type", rec.LicenseType.String()),
		slog.String("key_id", i.authority.KeyID()))
	return rec, data, nil
}

// Sign signs rec in place over its canonical bytes.
func (i *Issuer) Sign(rec *Record) error {
	if err := checkText(rec); err != nil {
		return err
	}
	sig, err := i.authority.Sign(Canonicalize(rec))
	if err != nil {
		return fmt.Errorf("sign license: %w", err)
	}
	rec.Signature = sig
	rec.SignatureAlgorithm = signing.Algorithm
	return nil
}

func (i *Issuer) build(req IssueRequest) (*Record, error) {
	if req.ProductName == "" {
		req.ProductName = DefaultProductName
	}
	// Checked before normalization, which would silently replace bad bytes.
	raw := &Record{
		CustomerName:         req.CustomerName,
		CustomerEmail:        req.CustomerEmail,
		ProductName:          req.ProductName,
		EnabledModules:       req.EnabledModules,
		HardwareFingerprints: req.HardwareFingerprints,
	}
	if err := checkText(raw); err != nil {
		return nil, err
	}
	req.CustomerEmail = strings.TrimSpace(req.CustomerEmail)
	if err := i.validate.Struct(req); err != nil {
		return nil, invalidRequest("%s", describeValidation(err))
	}
	switch {
	case !req.Tier.Valid():
		return nil, invalidRequest("unknown tier %d", int(req.Tier))
	case !req.SubscriptionType.Valid():
		return nil, invalidRequest("unknown subscription type %d", int(req.SubscriptionType))
	case !req.LicenseType.Valid():
		return nil, invalidRequest("unknown license type %d", int(req.LicenseType))
	}
	if err := checkFingerprints(req.LicenseType, req.HardwareFingerprints); err != nil {
		return nil, err
	}

	issuedAt := i.now().UTC()
	expiresAt := req.SubscriptionType.DefaultExpiry(issuedAt)
	if req.ExpiresAt != nil {
		exp := req.ExpiresAt.UTC()
		if !exp.After(issuedAt) {
			return nil, invalidRequest("expiry %s is not after issue time", exp.Format(time.RFC3339))
		}
		expiresAt = &exp
	}

	modules := req.EnabledModules
	if len(modules) == 0 {
		modules = req.Tier.Info().DefaultModules
	}

	key, err := i.newKey()
	if err != nil {
		return nil, err
	}

	rec := &Record{
		LicenseID:        uuid.NewString(),
		LicenseKey:       key,
		CustomerName:     strings.TrimSpace(req.CustomerName),
		CustomerEmail:    req.CustomerEmail,
		ProductName:      req.ProductName,
		Tier:             req.Tier,
		SubscriptionType: req.SubscriptionType,
		IssuedAt:         issuedAt,
		ExpiresAt:        expiresAt,
		EnabledModules:   normalizeModules(modules),
		LicenseType:      req.LicenseType,
	}
	if req.LicenseType == TypeOffline {
		rec.HardwareFingerprints = make([]string, len(req.HardwareFingerprints))
		for n, fp := range req.HardwareFingerprints {
			rec.HardwareFingerprints[n] = strings.ToLower(fp)
		}
	}
	return rec, nil
}

// checkText rejects strings that are not valid UTF-8. JSON encoding would
// replace the bad bytes, so the file could never match what was signed.
func checkText(rec *Record) error {
	fields := map[string]string{
		"LicenseId":     rec.LicenseID,
		"LicenseKey":    rec.LicenseKey,
		"CustomerName":  rec.CustomerName,
		"CustomerEmail": rec.CustomerEmail,
		"ProductName":   rec.ProductName,
	}
	for name, v := range fields {
		if !utf8.ValidString(v) {
			return invalidRequest("%s is not valid UTF-8", name)
		}
	}
	for n, m := range rec.EnabledModules {
		if !utf8.ValidString(m) {
			return invalidRequest("module %d is not valid UTF-8", n+1)
		}
	}
	for n, fp := range rec.HardwareFingerprints {
		if !utf8.ValidString(fp) {
			return fmt.Errorf("%w: fingerprint %d is not valid UTF-8", apperrors.ErrInvalidFingerprint, n+1)
		}
	}
	return nil
}

// checkFingerprints enforces one non-empty token per hardware component for
// offline licenses and none for online ones.
func checkFingerprints(t Type, fps []string) error {
	if t == TypeOnline {
		if len(fps) > 0 {
			return invalidRequest("online licenses are not bound to hardware")
		}
		return nil
	}
	if len(fps) != hardware.ComponentCount {
		return fmt.Errorf("%w: offline licenses need %d fingerprints, got %d",
			apperrors.ErrInvalidFingerprint, hardware.ComponentCount, len(fps))
	}
	for n, fp := range fps {
		if fp == "" || strings.IndexFunc(fp, unicode.IsSpace) >= 0 {
			return fmt.Errorf("%w: fingerprint %d is empty or contains whitespace", apperrors.ErrInvalidFingerprint, n+1)
		}
	}
	return nil
}

func invalidRequest(format string, args ...any) error {
	return fmt.Errorf("%w: %s", apperrors.ErrInvalidRequestData, fmt.Sprintf(format, args...))
}

func describeValidation(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
	}
	return strings.Join(msgs, "; ")
}
