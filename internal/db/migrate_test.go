package db

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/udisondev/chunkflow/internal/testutil"
)

func TestRunMigrations_RerunKeepsWorldSchema(t *testing.T) {
	pool := setupTestDB(t)
	ctx := testutil.ContextWithTimeout(t, 10*time.Second)

	// Повторный запуск на актуальной схеме ничего не меняет
	require.NoError(t, RunMigrations(ctx, testDSN))

	var version int64
	require.NoError(t, pool.QueryRow(ctx, `SELECT max(version_id) FROM goose_db_version`).Scan(&version))
	assert.Equal(t, int64(1), version)

	for _, table := range []string{"world_tiles", "world_structures", "world_armies", "world_quests", "world_chests"} {
		var exists bool
		require.NoError(t, pool.QueryRow(ctx, `SELECT to_regclass($1) IS NOT NULL`, table).Scan(&exists))
		assert.True(t, exists, table)
	}
}

func TestRunMigrations_BadDSN(t *testing.T) {
	ctx := testutil.ContextWithTimeout(t, 5*time.Second)
	err := RunMigrations(ctx, "postgres://nobody@127.0.0.1:1/none?sslmode=disable&connect_timeout=1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "world schema version")
}
