package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/jackc/pgx/v5/pgxpool"

	"fathomlicense/internal/certificate"
	"fathomlicense/internal/config"
	"fathomlicense/internal/license"
	"fathomlicense/internal/revocation"
)

// Store is the issuing side's record of every license, revocation and
// uploaded certificate.
type Store interface {
	// RecordIssued stores a signed license. A second record with the same
	// LicenseId or license key fails with ErrAlreadyExists.
	RecordIssued(ctx context.Context, rec *license.Record) error
	GetIssued(ctx context.Context, licenseID string) (*license.Record, error)
	ListIssued(ctx context.Context) ([]*license.Record, error)

	// Revoke adds or updates a revocation. A zero RevokedAt is stamped with the current time.
	Revoke(ctx context.Context, e revocation.Entry) error
	// Reinstate lifts a revocation. The change is kept so delta feeds can
	// report the removal.
	Reinstate(ctx context.Context, licenseID string) error
	// ListRevocations returns every change made after since, oldest first.
	// A zero since returns the full history.
	ListRevocations(ctx context.Context, since time.Time) ([]Change, error)

	RecordCertificate(ctx context.Context, rec *certificate.Record) error
	ListCertificates(ctx context.Context) ([]*certificate.Record, error)

	Close(ctx context.Context) error
}

// Change is one revocation state change.
type Change struct {
	Entry      revocation.Entry `json:"entry"`
	Reinstated bool             `json:"reinstated"`
	UpdatedAt  time.Time        `json:"updated_at"`
}

// Active filters changes down to the currently revoked entries. It expects
// at most one change per license, as every Store returns.
func Active(changes []Change) []revocation.Entry {
	out := make([]revocation.Entry, 0, len(changes))
	for _, c := range changes {
		if !c.Reinstated {
			out = append(out, c.Entry)
		}
	}
	return out
}

// Latest returns the newest UpdatedAt in changes.
func Latest(changes []Change) time.Time {
	var t time.Time
	for _, c := range changes {
		if c.UpdatedAt.After(t) {
			t = c.UpdatedAt
		}
	}
	return t
}

// validIdentifier matches safe table and collection name prefixes.
var validIdentifier = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func checkPrefix(prefix string) error {
	if !validIdentifier.MatchString(prefix) {
		return fmt.Errorf("invalid ledger prefix %q: must match [a-zA-Z_][a-zA-Z0-9_]*", prefix)
	}
	return nil
}

// Open returns the Store selected by cfg.Driver. The returned store owns
// any connection it opened.
func Open(ctx context.Context, cfg config.DatabaseConfig, logger *slog.Logger) (Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	switch cfg.Driver {
	case "", "memory":
		logger.WarnContext(ctx, "using in-memory ledger, issued licenses are lost on restart")
		return NewMemoryStore(), nil

	case "postgres":
		pool, err := pgxpool.New(ctx, cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		store, err := NewPostgresStore(ctx, pool, WithPrefix(cfg.Prefix))
		if err != nil {
			pool.Close()
			return nil, err
		}
		store.owned = true
		logger.InfoContext(ctx, "ledger opened", slog.String("driver", "postgres"), slog.String("prefix", store.prefix))
		return store, nil

	case "mongo":
		client, err := mongo.Connect(options.Client().ApplyURI(cfg.DSN))
		if err != nil {
			return nil, fmt.Errorf("connect mongo: %w", err)
		}
		store, err := NewMongoStore(ctx, client.Database(cfg.Database), WithCollectionPrefix(cfg.Prefix))
		if err != nil {
			_ = client.Disconnect(ctx)
			return nil, err
		}
		store.client = client
		logger.InfoContext(ctx, "ledger opened", slog.String("driver", "mongo"), slog.String("database", cfg.Database))
		return store, nil
	}
	return nil, fmt.Errorf("unsupported ledger driver %q", cfg.Driver)
}
