package ledger

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"fathomlicense/internal/certificate"
	apperrors "fathomlicense/internal/errors"
	"fathomlicense/internal/license"
	"fathomlicense/internal/revocation"
)

// MemoryStore is a Store kept in process memory, for tests and single-run tools.
type MemoryStore struct {
	mu           sync.RWMutex
	licenses     map[string]*license.Record
	keys         map[string]string
	revocations  map[string]Change
	certificates map[string]*certificate.Record
	now          func() time.Time
}

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithClock replaces time.Now for revocation timestamps.
func WithClock(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) { s.now = now }
}

// NewMemoryStore returns an empty store.
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		licenses:     make(map[string]*license.Record),
		keys:         make(map[string]string),
		revocations:  make(map[string]Change),
		certificates: make(map[string]*certificate.Record),
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *MemoryStore) RecordIssued(_ context.Context, rec *license.Record) error {
	if err := checkIssued(rec); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.licenses[rec.LicenseID]; ok {
		return fmt.Errorf("%w: license %s", apperrors.ErrAlreadyExists, rec.LicenseID)
	}
	if _, ok := s.keys[rec.LicenseKey]; ok {
		return fmt.Errorf("%w: license key %s", apperrors.ErrAlreadyExists, rec.LicenseKey)
	}
	s.licenses[rec.LicenseID] = rec.Clone()
	s.keys[rec.LicenseKey] = rec.LicenseID
	return nil
}

func (s *MemoryStore) GetIssued(_ context.Context, id string) (*license.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.licenses[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", apperrors.ErrLicenseNotFound, id)
	}
	return rec.Clone(), nil
}

func (s *MemoryStore) ListIssued(_ context.Context) ([]*license.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*license.Record, 0, len(s.licenses))
	for _, rec := range s.licenses {
		out = append(out, rec.Clone())
	}
	sortIssued(out)
	return out, nil
}

func (s *MemoryStore) Revoke(_ context.Context, e revocation.Entry) error {
	if err := checkEntry(e); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now().UTC()
	if e.RevokedAt.IsZero() {
		e.RevokedAt = now
	}
	s.revocations[e.LicenseID] = Change{Entry: e, UpdatedAt: now}
	return nil
}

func (s *MemoryStore) Reinstate(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.revocations[id]
	if !ok || c.Reinstated {
		return fmt.Errorf("%w: %s is not revoked", apperrors.ErrLicenseNotFound, id)
	}
	c.Reinstated = true
	c.UpdatedAt = s.now().UTC()
	s.revocations[id] = c
	return nil
}

func (s *MemoryStore) ListRevocations(_ context.Context, since time.Time) ([]Change, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Change
	for _, c := range s.revocations {
		if since.IsZero() || c.UpdatedAt.After(since) {
			out = append(out, c)
		}
	}
	sortChanges(out)
	return out, nil
}

func (s *MemoryStore) RecordCertificate(_ context.Context, rec *certificate.Record) error {
	if rec == nil || rec.CertificateID == "" {
		return fmt.Errorf("%w: certificate id is empty", apperrors.ErrInvalidRequestData)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.certificates[rec.CertificateID]; ok {
		return fmt.Errorf("%w: certificate %s", apperrors.ErrAlreadyExists, rec.CertificateID)
	}
	s.certificates[rec.CertificateID] = rec.Clone()
	return nil
}

func (s *MemoryStore) ListCertificates(_ context.Context) ([]*certificate.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*certificate.Record, 0, len(s.certificates))
	for _, k := range slices.Sorted(maps.Keys(s.certificates)) {
		out = append(out, s.certificates[k].Clone())
	}
	sortCertificates(out)
	return out, nil
}

func (s *MemoryStore) Close(context.Context) error { return nil }

func checkIssued(rec *license.Record) error {
	switch {
	case rec == nil:
		return fmt.Errorf("%w: license record is nil", apperrors.ErrInvalidRequestData)
	case rec.LicenseID == "" || rec.LicenseKey == "":
		return fmt.Errorf("%w: license id and key are required", apperrors.ErrInvalidRequestData)
	case !rec.Signed():
		return fmt.Errorf("%w: license %s is not signed", apperrors.ErrInvalidRequestData, rec.LicenseID)
	}
	return nil
}

func checkEntry(e revocation.Entry) error {
	if strings.TrimSpace(e.LicenseID) == "" {
		return fmt.Errorf("%w: revocation needs a license id", apperrors.ErrInvalidRequestData)
	}
	return nil
}

func sortIssued(recs []*license.Record) {
	slices.SortFunc(recs, func(a, b *license.Record) int {
		if c := a.IssuedAt.Compare(b.IssuedAt); c != 0 {
			return c
		}
		return strings.Compare(a.LicenseID, b.LicenseID)
	})
}

func sortChanges(changes []Change) {
	slices.SortFunc(changes, func(a, b Change) int {
		if c := a.UpdatedAt.Compare(b.UpdatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.Entry.LicenseID, b.Entry.LicenseID)
	})
}

func sortCertificates(recs []*certificate.Record) {
	slices.SortStableFunc(recs, func(a, b *certificate.Record) int {
		return a.IssuedAt.Compare(b.IssuedAt)
	})
}
