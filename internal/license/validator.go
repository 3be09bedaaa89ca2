package license

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	apperrors "fathomlicense/internal/errors"
	"fathomlicense/internal/hardware"
	"fathomlicense/internal/revocation"
	"fathomlicense/internal/signing"
)

// DefaultMinMatches is how many hardware components must match for an
// offline license to be accepted on a machine.
const DefaultMinMatches = 3

// FingerprintProvider yields the fingerprint set of the running machine.
type FingerprintProvider interface {
	Generate(ctx context.Context) (hardware.Set, error)
}

// RevocationChecker looks license ids up in the local revocation cache.
type RevocationChecker interface {
	Lookup(id string) (revocation.Entry, bool)
}

// Result is the single outcome of one validation. Expected business
// outcomes are statuses here, never errors.
type Result struct {
	Status Status `json:"status"`
	Reason string `json:"reason"`
	// Record is set once the signature has been verified.
	Record     *Record           `json:"-"`
	MatchCount int               `json:"match_count,omitempty"`
	Required   int               `json:"required_matches,omitempty"`
	Revocation *revocation.Entry `json:"revocation,omitempty"`
	CheckedAt  time.Time         `json:"checked_at"`
}

// Valid reports whether the license may be used.
func (r Result) Valid() bool { return r.Status == StatusValid }

// Info returns the presentation metadata for the status.
func (r Result) Info() StatusInfo { return r.Status.Info() }

// Validator runs the license checks in a fixed order: format, signature,
// revocation, expiry, hardware. It holds no mutable state, so one Validator
// may be shared by concurrent callers.
type Validator struct {
	verifier     *signing.Authority
	revocations  RevocationChecker
	fingerprints FingerprintProvider
	grace        time.Duration
	minMatches   int
	now          func() time.Time
}

// ValidatorOption configures a Validator.
type ValidatorOption func(*Validator)

// WithRevocations sets the revocation cache to consult.
func WithRevocations(rc RevocationChecker) ValidatorOption {
	return func(v *Validator) { v.revocations = rc }
}

// WithFingerprints sets the live fingerprint source for offline licenses.
func WithFingerprints(fp FingerprintProvider) ValidatorOption {
	return func(v *Validator) { v.fingerprints = fp }
}

// WithGracePeriod accepts licenses for d past their expiry.
func WithGracePeriod(d time.Duration) ValidatorOption {
	return func(v *Validator) { v.grace = d }
}

// WithMinMatches sets the hardware match threshold.
func WithMinMatches(n int) ValidatorOption {
	return func(v *Validator) { v.minMatches = n }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) ValidatorOption {
	return func(v *Validator) { v.now = now }
}

// NewValidator returns a Validator checking signatures with verifier. Only
// the public half of the key is used.
func NewValidator(verifier *signing.Authority, opts ...ValidatorOption) (*Validator, error) {
	if verifier == nil || verifier.PublicKey() == nil {
		return nil, fmt.Errorf("%w: validator needs a license public key", apperrors.ErrInvalidKey)
	}
	if verifier.Purpose() != signing.PurposeLicense {
		return nil, fmt.Errorf("%w: validator needs a %s key, got %s", apperrors.ErrInvalidKey, signing.PurposeLicense, verifier.Purpose())
	}
	v := &Validator{
		verifier:     verifier,
		revocations:  revocation.NewRegistry(),
		fingerprints: hardware.NewGenerator(),
		minMatches:   DefaultMinMatches,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(v)
	}
	if v.minMatches < 1 || v.minMatches > hardware.ComponentCount {
		return nil, fmt.Errorf("min hardware matches must be between 1 and %d, got %d", hardware.ComponentCount, v.minMatches)
	}
	if v.grace < 0 {
		return nil, fmt.Errorf("grace period must not be negative, got %s", v.grace)
	}
	return v, nil
}

// MinMatches returns the configured hardware threshold.
func (v *Validator) MinMatches() int { return v.minMatches }

// ValidateFile reads and validates a .lic file. Only a read failure or a
// failing fingerprint probe is returned as an error.
func (v *Validator) ValidateFile(ctx context.Context, path string) (Result, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Result{}, fmt.Errorf("read license file: %w", err)
	}
	return v.Validate(ctx, data)
}

// Validate checks license file content.
func (v *Validator) Validate(ctx context.Context, data []byte) (Result, error) {
	rec, err := Deserialize(data)
	if err != nil {
		return v.corrupt(err), nil
	}
	return v.ValidateRecord(ctx, rec)
}

// ValidateRecord runs every check after decoding on an already parsed record.
func (v *Validator) ValidateRecord(ctx context.Context, rec *Record) (Result, error) {
	now := v.now().UTC()
	res := Result{CheckedAt: now}

	if rec == nil {
		return v.corrupt(errors.New("no license record")), nil
	}

	if rec.SignatureAlgorithm != signing.Algorithm {
		res.Status = StatusSignatureInvalid
		res.Reason = fmt.Sprintf("unsupported signature algorithm %q", rec.SignatureAlgorithm)
		return res, nil
	}
	if !v.verifier.Verify(Canonicalize(rec), rec.Signature) {
		res.Status = StatusSignatureInvalid
		res.Reason = "signature does not match license content"
		return res, nil
	}
	res.Record = rec

	if v.revocations != nil {
		if entry, ok := v.revocations.Lookup(rec.LicenseID); ok {
			res.Status = StatusRevoked
			res.Revocation = &entry
			res.Reason = revokedReason(entry)
			return res, nil
		}
	}

	if rec.ExpiresAt != nil && !rec.ExpiresAt.After(now.Add(-v.grace)) {
		res.Status = StatusExpired
		res.Reason = fmt.Sprintf("license expired at %s", rec.ExpiresAt.UTC().Format(time.RFC3339))
		return res, nil
	}

	if rec.LicenseType == TypeOffline {
		live, err := v.fingerprints.Generate(ctx)
		if err != nil {
			return Result{}, fmt.Errorf("generate hardware fingerprints: %w", err)
		}
		res.MatchCount = hardware.CompareFingerprintSets(rec.HardwareFingerprints, live)
		res.Required = v.minMatches
		if res.MatchCount < v.minMatches {
			res.Status = StatusHardwareMismatch
			res.Reason = fmt.Sprintf("%d of %d hardware components match, %d required",
				res.MatchCount, hardware.ComponentCount, v.minMatches)
			return res, nil
		}
	}

	res.Status = StatusValid
	res.Reason = validReason(rec)
	return res, nil
}

func (v *Validator) corrupt(err error) Result {
	reason := err.Error()
	var unsupported *UnsupportedFormatVersionError
	if errors.As(err, &unsupported) {
		reason = "license file was written by a newer version: " + unsupported.Error()
	}
	return Result{Status: StatusCorrupt, Reason: reason, CheckedAt: v.now().UTC()}
}

func revokedReason(e revocation.Entry) string {
	reason := "license revoked"
	if !e.RevokedAt.IsZero() {
		reason += " on " + e.RevokedAt.UTC().Format("2006-01-02")
	}
	if e.Reason != "" {
		reason += ": " + e.Reason
	}
	return reason
}

func validReason(rec *Record) string {
	if rec.ExpiresAt == nil {
		return fmt.Sprintf("%s license, perpetual", rec.Tier)
	}
	return fmt.Sprintf("%s license, valid until %s", rec.Tier, rec.ExpiresAt.UTC().Format(time.RFC3339))
}
