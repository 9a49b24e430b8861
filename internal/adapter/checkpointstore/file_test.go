package checkpointstore

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"discovery-agent/internal/domain"
)

func TestFileStore(t *testing.T) {
	s, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	exerciseStore(t, s)
}

func TestFileStorePurge(t *testing.T) {
	s, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	exercisePurge(t, s)
}

func TestFileStoreSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s, err := NewFileStore(dir)
	require.NoError(t, err)
	require.NoError(t, s.Save(ctx, newCheckpoint("cp_1", "s", 1, domain.PhasePlan, time.Now(), time.Hour)))

	reopened, err := NewFileStore(dir)
	require.NoError(t, err)
	cp, err := reopened.Load(ctx, "cp_1")
	require.NoError(t, err)
	require.NotNil(t, cp)
	assert.Equal(t, "solar limits", cp.Context.Query)

	_, err = os.Stat(filepath.Join(dir, fileName+".tmp"))
	assert.True(t, os.IsNotExist(err), "temp file renamed away")
	assert.NoError(t, reopened.Ping(ctx))
}

func TestFileStoreCorruptFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, fileName), []byte("{not json"), 0600))
	_, err := NewFileStore(dir)
	assert.ErrorContains(t, err, "parse checkpoints.json")
}
