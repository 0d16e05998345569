package store

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

// Postgres tests need a live database:
//
//	LEASEQ_TEST_POSTGRES_DSN=postgres://localhost:5432/leaseq_test?sslmode=disable
func TestPostgresContract(t *testing.T) {
	dsn := os.Getenv("LEASEQ_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("LEASEQ_TEST_POSTGRES_DSN not set")
	}

	runContract(t, func(t *testing.T) Store {
		ctx := context.Background()
		s, err := OpenPostgres(ctx, dsn)
		require.NoError(t, err)
		for _, table := range []string{"leaseq_lists", "leaseq_zsets", "leaseq_kv"} {
			_, err := s.db.Exec(ctx, "truncate "+table)
			require.NoError(t, err)
		}
		t.Cleanup(func() { s.Close() })
		return s
	})
}
