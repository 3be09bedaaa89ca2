package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"fathomlicense/internal/certificate"
	apperrors "fathomlicense/internal/errors"
	"fathomlicense/internal/license"
	"fathomlicense/internal/revocation"
)

const defaultPrefix = "fathom"

// PostgresOption configures a PostgresStore.
type PostgresOption func(*PostgresStore)

// WithPrefix sets the table name prefix. Default: "fathom".
func WithPrefix(prefix string) PostgresOption {
	return func(s *PostgresStore) {
		if prefix != "" {
			s.prefix = prefix
		}
	}
}

// PostgresStore implements Store on PostgreSQL. Signed licenses are kept as
// their .lic bytes next to the columns used for lookups.
type PostgresStore struct {
	pool   *pgxpool.Pool
	prefix string
	owned  bool
	now    func() time.Time
}

// NewPostgresStore creates the ledger tables if they do not exist.
func NewPostgresStore(ctx context.Context, pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	s := &PostgresStore{pool: pool, prefix: defaultPrefix, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	if err := checkPrefix(s.prefix); err != nil {
		return nil, err
	}
	if err := s.ensureTables(ctx); err != nil {
		return nil, fmt.Errorf("create ledger tables: %w", err)
	}
	return s, nil
}

func (s *PostgresStore) licenses() string     { return s.prefix + "_licenses" }
func (s *PostgresStore) revocations() string  { return s.prefix + "_revocations" }
func (s *PostgresStore) certificates() string { return s.prefix + "_certificates" }

func (s *PostgresStore) ensureTables(ctx context.Context) error {
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %[1]s (
			license_id     TEXT PRIMARY KEY,
			license_key    TEXT NOT NULL UNIQUE,
			customer_name  TEXT NOT NULL,
			customer_email TEXT NOT NULL,
			tier           TEXT NOT NULL,
			license_type   TEXT NOT NULL,
			issued_at      TIMESTAMPTZ NOT NULL,
			expires_at     TIMESTAMPTZ,
			license_file   BYTEA NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_%[1]s_issued_at ON %[1]s (issued_at);

		CREATE TABLE IF NOT EXISTS %[2]s (
			license_id TEXT PRIMARY KEY,
			revoked_at TIMESTAMPTZ NOT NULL,
			reason     TEXT NOT NULL DEFAULT '',
			reinstated BOOLEAN NOT NULL DEFAULT FALSE,
			updated_at TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_%[2]s_updated_at ON %[2]s (updated_at);

		CREATE TABLE IF NOT EXISTS %[3]s (
			certificate_id TEXT PRIMARY KEY,
			module_id      TEXT NOT NULL,
			license_id     TEXT NOT NULL,
			issued_at      TIMESTAMPTZ NOT NULL,
			document       JSONB NOT NULL,
			received_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_%[3]s_license_id ON %[3]s (license_id);
	`, s.licenses(), s.revocations(), s.certificates())
	_, err := s.pool.Exec(ctx, query)
	return err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func (s *PostgresStore) RecordIssued(ctx context.Context, rec *license.Record) error {
	if err := checkIssued(rec); err != nil {
		return err
	}
	file, err := license.Serialize(rec)
	if err != nil {
		return err
	}
	query := fmt.Sprintf(`
		INSERT INTO %s (license_id, license_key, customer_name, customer_email, tier, license_type, issued_at, expires_at, license_file)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, s.licenses())
	_, err = s.pool.Exec(ctx, query,
		rec.LicenseID, rec.LicenseKey, rec.CustomerName, rec.CustomerEmail,
		rec.Tier.String(), rec.LicenseType.String(), rec.IssuedAt, rec.ExpiresAt, file)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: license %s", apperrors.ErrAlreadyExists, rec.LicenseID)
	}
	if err != nil {
		return fmt.Errorf("record issued license: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetIssued(ctx context.Context, id string) (*license.Record, error) {
	query := fmt.Sprintf(`SELECT license_file FROM %s WHERE license_id = $1`, s.licenses())
	var file []byte
	err := s.pool.QueryRow(ctx, query, id).Scan(&file)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", apperrors.ErrLicenseNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get issued license: %w", err)
	}
	return license.Deserialize(file)
}

func (s *PostgresStore) ListIssued(ctx context.Context) ([]*license.Record, error) {
	query := fmt.Sprintf(`SELECT license_file FROM %s ORDER BY issued_at, license_id`, s.licenses())
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list issued licenses: %w", err)
	}
	defer rows.Close()

	var out []*license.Record
	for rows.Next() {
		var file []byte
		if err := rows.Scan(&file); err != nil {
			return nil, fmt.Errorf("scan issued license: %w", err)
		}
		rec, err := license.Deserialize(file)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Revoke(ctx context.Context, e revocation.Entry) error {
	if err := checkEntry(e); err != nil {
		return err
	}
	now := s.now().UTC()
	if e.RevokedAt.IsZero() {
		e.RevokedAt = now
	}
	query := fmt.Sprintf(`
		INSERT INTO %s (license_id, revoked_at, reason, reinstated, updated_at)
		VALUES ($1, $2, $3, FALSE, $4)
		ON CONFLICT (license_id) DO UPDATE SET
			revoked_at = EXCLUDED.revoked_at,
			reason = EXCLUDED.reason,
			reinstated = FALSE,
			updated_at = EXCLUDED.updated_at
	`, s.revocations())
	if _, err := s.pool.Exec(ctx, query, e.LicenseID, e.RevokedAt, e.Reason, now); err != nil {
		return fmt.Errorf("revoke license: %w", err)
	}
	return nil
}

func (s *PostgresStore) Reinstate(ctx context.Context, id string) error {
	query := fmt.Sprintf(`
		UPDATE %s SET reinstated = TRUE, updated_at = $2
		WHERE license_id = $1 AND NOT reinstated
	`, s.revocations())
	tag, err := s.pool.Exec(ctx, query, id, s.now().UTC())
	if err != nil {
		return fmt.Errorf("reinstate license: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s is not revoked", apperrors.ErrLicenseNotFound, id)
	}
	return nil
}

func (s *PostgresStore) ListRevocations(ctx context.Context, since time.Time) ([]Change, error) {
	query := fmt.Sprintf(`
		SELECT license_id, revoked_at, reason, reinstated, updated_at
		FROM %s WHERE updated_at > $1 ORDER BY updated_at, license_id
	`, s.revocations())
	rows, err := s.pool.Query(ctx, query, since)
	if err != nil {
		return nil, fmt.Errorf("list revocations: %w", err)
	}
	defer rows.Close()

	var out []Change
	for rows.Next() {
		var c Change
		if err := rows.Scan(&c.Entry.LicenseID, &c.Entry.RevokedAt, &c.Entry.Reason, &c.Reinstated, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan revocation: %w", err)
		}
		c.Entry.RevokedAt = c.Entry.RevokedAt.UTC()
		c.UpdatedAt = c.UpdatedAt.UTC()
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *PostgresStore) RecordCertificate(ctx context.Context, rec *certificate.Record) error {
	if rec == nil || rec.CertificateID == "" {
		return fmt.Errorf("%w: certificate id is empty", apperrors.ErrInvalidRequestData)
	}
	doc, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode certificate: %w", err)
	}
	query := fmt.Sprintf(`
		INSERT INTO %s (certificate_id, module_id, license_id, issued_at, document)
		VALUES ($1, $2, $3, $4, $5)
	`, s.certificates())
	_, err = s.pool.Exec(ctx, query, rec.CertificateID, rec.ModuleID, rec.LicenseID, rec.IssuedAt, doc)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: certificate %s", apperrors.ErrAlreadyExists, rec.CertificateID)
	}
	if err != nil {
		return fmt.Errorf("record certificate: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListCertificates(ctx context.Context) ([]*certificate.Record, error) {
	query := fmt.Sprintf(`SELECT document FROM %s ORDER BY issued_at, certificate_id`, s.certificates())
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list certificates: %w", err)
	}
	defer rows.Close()

	var out []*certificate.Record
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("scan certificate: %w", err)
		}
		var rec certificate.Record
		if err := json.Unmarshal(doc, &rec); err != nil {
			return nil, fmt.Errorf("decode certificate: %w", err)
		}
		out = append(out, &rec)
	}
	return out, rows.Err()
}

// Close closes the pool when Open created it. A caller-supplied pool is left alone.
func (s *PostgresStore) Close(context.Context) error {
	if s.owned {
		s.pool.Close()
	}
	return nil
}
