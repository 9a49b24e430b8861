package checkpointstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"discovery-agent/internal/domain"
)

type fullStore interface {
	domain.CheckpointStore
	domain.SessionCheckpointLister
}

func newCheckpoint(id, session string, step int, phase domain.Phase, ts time.Time, ttl time.Duration) domain.Checkpoint {
	return domain.Checkpoint{
		ID:        id,
		SessionID: session,
		Step:      step,
		Phase:     phase,
		Context: domain.PhaseSnapshot{
			Query:         "solar limits",
			OriginalQuery: "solar limits",
			Plan:          &domain.AgentPlan{Steps: []string{"search"}, Complexity: 2},
			Iteration:     1,
			Sources:       []domain.Source{{Title: "SQ limit", Type: "paper", Relevance: 90}},
		},
		ToolResults: []domain.ToolResult{{CallID: "c1", ToolName: "search", Success: true, Data: map[string]any{"total": 1.0}}},
		Timestamp:   ts,
		ExpiresAt:   ts.Add(ttl),
	}
}

// exerciseStore runs the behaviour every store shares.
func exerciseStore(t *testing.T, s fullStore) {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	missing, err := s.Load(ctx, "cp_missing")
	require.NoError(t, err)
	assert.Nil(t, missing)

	a := newCheckpoint("cp_a", "s1", 2, domain.PhaseExecute, now, time.Hour)
	b := newCheckpoint("cp_b", "s1", 1, domain.PhasePlan, now.Add(-time.Second), time.Hour)
	c := newCheckpoint("cp_c", "s2", 1, domain.PhasePlan, now, time.Hour)
	for _, cp := range []domain.Checkpoint{a, b, c} {
		require.NoError(t, s.Save(ctx, cp))
	}

	got, err := s.Load(ctx, "cp_a")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "s1", got.SessionID)
	assert.Equal(t, domain.PhaseExecute, got.Phase)
	assert.Equal(t, 1, got.Context.Iteration)
	assert.True(t, got.ExpiresAt.Equal(a.ExpiresAt))
	require.NotNil(t, got.Context.Plan)
	require.Len(t, got.ToolResults, 1)

	session, err := s.LoadSession(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, session, 2)
	assert.Equal(t, "cp_b", session[0].ID)
	assert.Equal(t, "cp_a", session[1].ID)

	// Overwrite keeps a single entry.
	a.Step = 3
	require.NoError(t, s.Save(ctx, a))
	session, err = s.LoadSession(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, session, 2)
	assert.Equal(t, 3, session[1].Step)

	deleted, err := s.Delete(ctx, "cp_a")
	require.NoError(t, err)
	assert.True(t, deleted)
	deleted, err = s.Delete(ctx, "cp_a")
	require.NoError(t, err)
	assert.False(t, deleted)

	session, err = s.LoadSession(ctx, "s1")
	require.NoError(t, err)
	assert.Len(t, session, 1)

	empty, err := s.LoadSession(ctx, "nobody")
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func exercisePurge(t *testing.T, s interface {
	fullStore
	domain.CheckpointPurger
}) {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, s.Save(ctx, newCheckpoint("old", "p", 1, domain.PhasePlan, now.Add(-2*time.Hour), time.Hour)))
	require.NoError(t, s.Save(ctx, newCheckpoint("new", "p", 2, domain.PhaseExecute, now, time.Hour)))

	n, err := s.PurgeExpired(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	old, err := s.Load(ctx, "old")
	require.NoError(t, err)
	assert.Nil(t, old)
	fresh, err := s.Load(ctx, "new")
	require.NoError(t, err)
	assert.NotNil(t, fresh)
}
