package postgres

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/envsync/internal/platform"
)

// connectTestPlatform connects to ENVSYNC_TEST_POSTGRES_DSN or skips the test.
// The role needs CREATEDB.
func connectTestPlatform(t *testing.T) *Platform {
	t.Helper()
	dsn := os.Getenv("ENVSYNC_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("ENVSYNC_TEST_POSTGRES_DSN not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	p, err := Connect(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })
	return p
}

func TestPlatform_CloneMaskDrop(t *testing.T) {
	p := connectTestPlatform(t)
	ctx := context.Background()
	suffix := time.Now().UnixNano()
	src := fmt.Sprintf("envsync_src_%d", suffix)
	dst := fmt.Sprintf("envsync_dst_%d", suffix)

	_, err := p.admin.Exec(ctx, "CREATE DATABASE "+ident(src))
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = p.DropEnvironment(context.Background(), src)
		_ = p.DropEnvironment(context.Background(), dst)
	})

	conn, err := p.connect(ctx, src)
	require.NoError(t, err)
	_, err = conn.Exec(ctx, `CREATE TABLE users (id int, email varchar(320));
		INSERT INTO users VALUES (1, 'alice@example.com'), (2, ''), (3, NULL), (4, 'nope')`)
	require.NoError(t, err)
	require.NoError(t, conn.Close(ctx))

	require.NoError(t, p.CloneEnvironment(ctx, src, dst))
	err = p.CloneEnvironment(ctx, src, dst)
	assert.ErrorIs(t, err, platform.ErrExists)

	listings, err := p.ListEnvironments(ctx, dst)
	require.NoError(t, err)
	require.Len(t, listings, 1)
	assert.False(t, listings[0].CreatedAt.IsZero())

	n, err := p.CountRelations(ctx, dst)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	cols, err := p.ListCatalogColumns(ctx, dst, []string{"pg_catalog", "information_schema"})
	require.NoError(t, err)
	assert.Len(t, cols, 2)

	pred := platform.EmailPredicate("public", "users", "email")
	updated, err := p.ExecuteUpdate(ctx, dst, pred,
		platform.Rewrite{Token: "*****", VisiblePrefix: 2, Policy: platform.ShortFull})
	require.NoError(t, err)
	assert.Equal(t, int64(1), updated)

	masked, err := p.CountRows(ctx, dst, platform.ContainsPredicate("public", "users", "email", "*****"))
	require.NoError(t, err)
	assert.Equal(t, int64(1), masked)

	require.NoError(t, p.DropEnvironment(ctx, dst))
	exists, err := p.EnvironmentExists(ctx, dst)
	require.NoError(t, err)
	assert.False(t, exists)

	err = p.DropEnvironment(ctx, dst)
	assert.ErrorIs(t, err, platform.ErrNotFound)
}
