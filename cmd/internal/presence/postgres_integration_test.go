package presence

import (
	"context"
	"os"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
)

// Runs only when HERALD_TEST_DATABASE_URL is set. Each run uses its own schema.
func TestPostgresStore_Integration(t *testing.T) {
	dsn := strings.TrimSpace(os.Getenv("HERALD_TEST_DATABASE_URL"))
	if dsn == "" {
		t.Skip("HERALD_TEST_DATABASE_URL not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	schema := "herald_test_" + strconv.FormatInt(time.Now().UnixNano(), 36)
	t.Cleanup(func() {
		_, _ = pool.Exec(context.Background(), `DROP SCHEMA IF EXISTS `+pgx.Identifier{schema}.Sanitize()+` CASCADE`)
	})

	migrated := false
	runStoreSuite(t, func(t *testing.T, clock Clock) Store {
		st, err := NewPostgresStore(pool, WithSchema(schema), WithClock(clock))
		require.NoError(t, err)
		if !migrated {
			require.NoError(t, st.Migrate(ctx))
			migrated = true
		}
		return st
	})
}

func TestWithSchema_RejectsUnsafeIdentifiers(t *testing.T) {
	t.Parallel()

	for _, bad := range []string{"", "Public", "drop table;", "1abc"} {
		_, err := buildOptions([]Option{WithSchema(bad)})
		require.Error(t, err, bad)
	}
	o, err := buildOptions([]Option{WithSchema("herald_dev")})
	require.NoError(t, err)
	require.Equal(t, `"herald_dev"."presence"`, pgIdent(o.schema, o.table))
}
