package checkpointstore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"discovery-agent/internal/domain"
)

func newSQLite(t *testing.T, path string) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLiteStore(t *testing.T) {
	s := newSQLite(t, filepath.Join(t.TempDir(), "cp.db"))
	exerciseStore(t, s)
	assert.NoError(t, s.Ping(context.Background()))
}

func TestSQLiteStorePurge(t *testing.T) {
	exercisePurge(t, newSQLite(t, filepath.Join(t.TempDir(), "cp.db")))
}

func TestSQLiteStoreSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cp.db")
	ctx := context.Background()

	first, err := NewSQLiteStore(path)
	require.NoError(t, err)
	require.NoError(t, first.Save(ctx, newCheckpoint("cp_1", "s", 4, domain.PhaseAnalyze, time.Now(), time.Hour)))
	require.NoError(t, first.Close())

	second := newSQLite(t, path)
	cps, err := second.LoadSession(ctx, "s")
	require.NoError(t, err)
	require.Len(t, cps, 1)
	assert.Equal(t, domain.PhaseAnalyze, cps[0].Phase)
}
