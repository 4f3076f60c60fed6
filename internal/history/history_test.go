package history

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/foundermode/drover/internal/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func invocation(id, taskID string, startedAt time.Time) *models.Invocation {
	finished := startedAt.Add(5 * time.Minute)
	return &models.Invocation{
		ID:         id,
		TaskID:     taskID,
		Status:     models.StatusCompleted,
		Iterations: 3,
		WorkDir:    "/work",
		LogPath:    "/work/.drover/tasks/" + taskID + "/task.log",
		StartedAt:  startedAt,
		FinishedAt: &finished,
	}
}

func TestRecordAndListRecent(t *testing.T) {
	s := newTestStore(t)

	base := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	require.NoError(t, s.Record(invocation("inv-1", "alpha", base)))
	require.NoError(t, s.Record(invocation("inv-2", "bravo", base.Add(time.Hour))))
	require.NoError(t, s.Record(invocation("inv-3", "alpha", base.Add(2*time.Hour))))

	invs, err := s.ListRecent(2)
	require.NoError(t, err)
	require.Len(t, invs, 2)
	assert.Equal(t, "inv-3", invs[0].ID)
	assert.Equal(t, "inv-2", invs[1].ID)
}

func TestRecordReplacesSameID(t *testing.T) {
	s := newTestStore(t)

	inv := invocation("inv-1", "alpha", time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC))
	require.NoError(t, s.Record(inv))

	inv.Status = models.StatusFailed
	inv.Iterations = 5
	require.NoError(t, s.Record(inv))

	invs, err := s.ListForTask("alpha")
	require.NoError(t, err)
	require.Len(t, invs, 1)
	assert.Equal(t, models.StatusFailed, invs[0].Status)
	assert.Equal(t, 5, invs[0].Iterations)
}

func TestListForTaskOldestFirst(t *testing.T) {
	s := newTestStore(t)

	base := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	require.NoError(t, s.Record(invocation("inv-2", "alpha", base.Add(time.Hour))))
	require.NoError(t, s.Record(invocation("inv-1", "alpha", base)))
	require.NoError(t, s.Record(invocation("inv-9", "other", base)))

	invs, err := s.ListForTask("alpha")
	require.NoError(t, err)
	require.Len(t, invs, 2)
	assert.Equal(t, "inv-1", invs[0].ID)
	assert.Equal(t, "inv-2", invs[1].ID)
}

func TestDeleteForTask(t *testing.T) {
	s := newTestStore(t)

	base := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	require.NoError(t, s.Record(invocation("inv-1", "alpha", base)))
	require.NoError(t, s.Record(invocation("inv-2", "bravo", base)))

	require.NoError(t, s.DeleteForTask("alpha"))

	invs, err := s.ListForTask("alpha")
	require.NoError(t, err)
	assert.Empty(t, invs)

	invs, err = s.ListForTask("bravo")
	require.NoError(t, err)
	assert.Len(t, invs, 1)
}

func TestNullableFields(t *testing.T) {
	s := newTestStore(t)

	inv := &models.Invocation{
		ID:        "inv-bare",
		TaskID:    "alpha",
		Status:    models.StatusRunning,
		StartedAt: time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC),
	}
	require.NoError(t, s.Record(inv))

	invs, err := s.ListForTask("alpha")
	require.NoError(t, err)
	require.Len(t, invs, 1)
	assert.Empty(t, invs[0].WorkDir)
	assert.Empty(t, invs[0].LogPath)
	assert.Nil(t, invs[0].FinishedAt)
}

func TestFormatTimeAgo(t *testing.T) {
	now := time.Now()

	assert.Equal(t, "just now", FormatTimeAgo(now.Add(-30*time.Second)))
	assert.Equal(t, "5m ago", FormatTimeAgo(now.Add(-5*time.Minute)))
	assert.Equal(t, "3h ago", FormatTimeAgo(now.Add(-3*time.Hour)))

	old := now.Add(-72 * time.Hour)
	assert.Equal(t, old.Format("Jan 2"), FormatTimeAgo(old))
}
