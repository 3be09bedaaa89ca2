package ledger

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// These run against real databases when the DSNs are set, e.g.
//
//	FATHOM_TEST_POSTGRES_DSN=postgres://localhost/fathom_test go test ./internal/ledger
func TestPostgresStoreContract(t *testing.T) {
	dsn := os.Getenv("FATHOM_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("FATHOM_TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	defer pool.Close()

	prefix := fmt.Sprintf("test_%d", time.Now().UnixNano())
	store, err := NewPostgresStore(ctx, pool, WithPrefix(prefix))
	require.NoError(t, err)
	store.now = steppingClock()
	t.Cleanup(func() {
		_, _ = pool.Exec(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %[1]s_licenses, %[1]s_revocations, %[1]s_certificates", prefix))
	})

	runStoreContract(t, store)
}

func TestMongoStoreContract(t *testing.T) {
	uri := os.Getenv("FATHOM_TEST_MONGO_URI")
	if uri == "" {
		t.Skip("FATHOM_TEST_MONGO_URI not set")
	}
	ctx := context.Background()
	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	require.NoError(t, err)
	defer client.Disconnect(ctx)

	db := client.Database(fmt.Sprintf("fathom_test_%d", time.Now().UnixNano()))
	t.Cleanup(func() { _ = db.Drop(ctx) })

	store, err := NewMongoStore(ctx, db)
	require.NoError(t, err)
	store.now = steppingClock()

	runStoreContract(t, store)
}
