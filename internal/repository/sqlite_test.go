package repository

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestSQLite(t *testing.T) *SQLite {
	t.Helper()
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "codestrain.db"), zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

func TestSQLiteStore(t *testing.T) {
	runStoreContract(t, func(t *testing.T) storeHarness {
		s := newTestSQLite(t)
		return storeHarness{
			store: s,
			countLogs: func(t *testing.T, battleID string) int {
				var n int
				require.NoError(t, s.db.QueryRow(`SELECT COUNT(*) FROM battle_log WHERE battle_id = ?`, battleID).Scan(&n))
				return n
			},
		}
	})
}

func TestSQLiteReplaceLeavesNoStrayRows(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		r := winResult("left", "right", baseTime)
		require.NoError(t, s.Replace(ctx, "left", "right", r))
	}

	var battles, logs int
	require.NoError(t, s.db.QueryRow(`SELECT COUNT(*) FROM battles`).Scan(&battles))
	require.NoError(t, s.db.QueryRow(`SELECT COUNT(*) FROM battle_log`).Scan(&logs))
	assert.Equal(t, 1, battles)
	assert.Equal(t, 5, logs)
}

func TestSQLiteReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "codestrain.db")
	ctx := context.Background()

	s, err := OpenSQLite(path, nil)
	require.NoError(t, err)
	require.NoError(t, s.Migrate(ctx))
	r := tieResult("a", "b", baseTime)
	require.NoError(t, s.Replace(ctx, "a", "b", r))
	require.NoError(t, s.Close())

	s, err = OpenSQLite(path, nil)
	require.NoError(t, err)
	defer s.Close()
	require.NoError(t, s.Migrate(ctx))

	got, err := s.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, r.Checksum, got.Checksum)
}
