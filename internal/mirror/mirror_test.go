package mirror

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/lessonsync/internal/kv"
	"github.com/example/lessonsync/internal/logging"
	"github.com/example/lessonsync/pkg/models"
)

func newTestMirror(t *testing.T) (*Mirror, *kv.Store) {
	t.Helper()
	store := kv.Open(filepath.Join(t.TempDir(), "progress.db"), logging.Discard())
	t.Cleanup(func() { _ = store.Close() })
	return New(store, logging.Discard()), store
}

func checkpoint(level string, module, question int, ts int64) models.Checkpoint {
	return models.Checkpoint{
		Level:          level,
		ModuleID:       module,
		QuestionIndex:  question,
		TotalQuestions: 10,
		QuestionPhase:  models.PhaseMCQ,
		DeviceID:       "device_test",
		Timestamp:      ts,
	}
}

func TestPutGetRoundTripsFullCheckpoint(t *testing.T) {
	m, _ := newTestMirror(t)

	choice := "B"
	correct := true
	c := checkpoint("A1", 3, 2, 100)
	c.QuestionPhase = models.PhaseSpeakReady
	c.SelectedChoice = &choice
	c.IsCorrect = &correct

	require.NoError(t, m.Put(c))

	got, ok := m.Get(c.Key())
	require.True(t, ok)
	assert.Equal(t, c, *got)
}

func TestPutLastWriteWins(t *testing.T) {
	m, _ := newTestMirror(t)
	require.NoError(t, m.Put(checkpoint("A1", 3, 1, 100)))
	require.NoError(t, m.Put(checkpoint("A1", 3, 4, 200)))

	got, ok := m.Get(models.Key{Level: "A1", ModuleID: 3})
	require.True(t, ok)
	assert.Equal(t, 4, got.QuestionIndex)
	assert.Equal(t, 1, m.Count())
}

func TestPutIgnoresCompletionRegression(t *testing.T) {
	m, _ := newTestMirror(t)

	done := checkpoint("A1", 3, 10, 100)
	done.QuestionPhase = models.PhaseCompleted
	done.IsModuleCompleted = true
	require.NoError(t, m.Put(done))

	err := m.Put(checkpoint("A1", 3, 0, 200))
	assert.ErrorIs(t, err, models.ErrCompletionRegression)

	got, ok := m.Get(done.Key())
	require.True(t, ok)
	assert.True(t, got.IsModuleCompleted)
}

func TestLegacyDocumentIsReadThroughPhaseMapping(t *testing.T) {
	m, store := newTestMirror(t)

	raw := map[string]any{
		"A2-7": map[string]any{
			"level": "A2", "module": 7, "phase": "speaking",
			"speakingIndex": 4, "totalSpeaking": 12, "completed": false,
			"updatedAt": 500, "v": 1,
		},
		"1-2": map[string]any{
			"level": 1, "module": 2, "phase": "complete",
			"speakingIndex": 12, "totalSpeaking": 12, "completed": true,
			"updatedAt": 600, "v": 1,
		},
	}
	require.NoError(t, store.Set(kv.BucketMeta, LegacyKey, raw))

	got, ok := m.Get(models.Key{Level: "A2", ModuleID: 7})
	require.True(t, ok)
	assert.Equal(t, models.PhaseMCQ, got.QuestionPhase)
	assert.Equal(t, 4, got.QuestionIndex)
	assert.Equal(t, 12, got.TotalQuestions)
	assert.Equal(t, int64(500), got.Timestamp)

	done, ok := m.Get(models.Key{Level: "1", ModuleID: 2})
	require.True(t, ok)
	assert.Equal(t, models.PhaseCompleted, done.QuestionPhase)
	assert.True(t, done.IsModuleCompleted)
	require.NoError(t, done.Validate())

	assert.Len(t, m.All(), 2)
}

func TestCurrentRecordShadowsOlderLegacyEntry(t *testing.T) {
	m, store := newTestMirror(t)
	require.NoError(t, store.Set(kv.BucketMeta, LegacyKey, map[string]any{
		"A1-3": map[string]any{"level": "A1", "module": 3, "phase": "speaking", "speakingIndex": 1, "totalSpeaking": 10, "updatedAt": 50},
	}))
	require.NoError(t, m.Put(checkpoint("A1", 3, 6, 100)))

	all := m.All()
	require.Len(t, all, 1)
	assert.Equal(t, 6, all[0].QuestionIndex)
}

func TestRemoveAlsoDropsLegacyEntry(t *testing.T) {
	m, store := newTestMirror(t)
	require.NoError(t, store.Set(kv.BucketMeta, LegacyKey, map[string]any{
		"A1-3": map[string]any{"level": "A1", "module": 3, "phase": "speaking", "updatedAt": 50},
		"A1-4": map[string]any{"level": "A1", "module": 4, "phase": "speaking", "updatedAt": 50},
	}))
	require.NoError(t, m.Put(checkpoint("A1", 3, 6, 100)))

	m.Remove(models.Key{Level: "A1", ModuleID: 3})

	_, ok := m.Get(models.Key{Level: "A1", ModuleID: 3})
	assert.False(t, ok)
	_, ok = m.Get(models.Key{Level: "A1", ModuleID: 4})
	assert.True(t, ok)
}

func TestRemoveIfNotNewer(t *testing.T) {
	m, _ := newTestMirror(t)
	key := models.Key{Level: "A1", ModuleID: 3}
	require.NoError(t, m.Put(checkpoint("A1", 3, 6, 200)))

	assert.False(t, m.RemoveIfNotNewer(key, 100))
	_, ok := m.Get(key)
	assert.True(t, ok)

	assert.True(t, m.RemoveIfNotNewer(key, 200))
	_, ok = m.Get(key)
	assert.False(t, ok)
}

func TestClear(t *testing.T) {
	m, store := newTestMirror(t)
	require.NoError(t, store.Set(kv.BucketMeta, LegacyKey, map[string]any{
		"A1-4": map[string]any{"level": "A1", "module": 4, "phase": "speaking", "updatedAt": 50},
	}))
	require.NoError(t, store.Set(kv.BucketMeta, "device_id", "keep-me"))
	require.NoError(t, m.Put(checkpoint("A1", 3, 6, 100)))

	m.Clear()

	assert.Empty(t, m.All())
	assert.Empty(t, store.Keys(kv.BucketProgress))
	assert.Equal(t, []string{"device_id"}, store.Keys(kv.BucketMeta))
}
