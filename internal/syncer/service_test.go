package syncer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/lessonsync/internal/config"
	"github.com/example/lessonsync/internal/kv"
	"github.com/example/lessonsync/internal/logging"
	"github.com/example/lessonsync/internal/mirror"
	"github.com/example/lessonsync/internal/remote"
	"github.com/example/lessonsync/internal/storage"
	"github.com/example/lessonsync/pkg/models"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type harness struct {
	svc    *Service
	remote *remote.Memory
	store  *storage.Store
	mirror *mirror.Mirror
	meta   *kv.Store
	clock  *testClock
}

type harnessOption func(*config.Config)

func withDebounce(d time.Duration) harnessOption {
	return func(c *config.Config) { c.DebounceInterval = d }
}

func newHarness(t *testing.T, online bool, opts ...harnessOption) *harness {
	t.Helper()
	return newHarnessWithRemote(t, online, nil, opts...)
}

// newHarnessWithRemote lets wrap decorate the in-memory remote the service
// talks to. A nil wrap uses it directly.
func newHarnessWithRemote(t *testing.T, online bool, wrap func(*remote.Memory) remote.Remote, opts ...harnessOption) *harness {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.DebounceInterval = 20 * time.Millisecond
	cfg.OnlineSettleDelay = 10 * time.Millisecond
	for _, opt := range opts {
		opt(cfg)
	}

	clock := &testClock{t: time.UnixMilli(1_700_000_000_000)}
	meta := kv.Open(filepath.Join(t.TempDir(), "progress.db"), logging.Discard())
	t.Cleanup(func() { _ = meta.Close() })
	store := storage.New(storage.Options{
		BackoffBase: cfg.BackoffBase,
		BackoffCap:  cfg.BackoffCap,
		Now:         clock.Now,
		Logger:      logging.Discard(),
	}, storage.NewMemory(), storage.NewKVBackend(meta))
	mirrorStore := mirror.New(meta, logging.Discard())
	rem := remote.NewMemory()
	var svcRemote remote.Remote = rem
	if wrap != nil {
		svcRemote = wrap(rem)
	}

	svc := New(Options{
		Config: cfg,
		Store:  store,
		Mirror: mirrorStore,
		Meta:   meta,
		Remote: svcRemote,
		Logger: logging.Discard(),
		Now:    clock.Now,
		Online: online,
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = svc.Stop(ctx)
	})

	return &harness{svc: svc, remote: rem, store: store, mirror: mirrorStore, meta: meta, clock: clock}
}

func (h *harness) queued(t *testing.T) int {
	t.Helper()
	entries, err := h.store.GetAll(context.Background())
	require.NoError(t, err)
	return len(entries)
}

func (h *harness) queue(t *testing.T, c models.Checkpoint) {
	t.Helper()
	h.store.Put(context.Background(), c)
}

func lesson(level string, module, question int, ts int64) models.Checkpoint {
	return models.Checkpoint{
		Level:          level,
		ModuleID:       module,
		QuestionIndex:  question,
		TotalQuestions: 5,
		QuestionPhase:  models.PhaseMCQ,
		DeviceID:       "device_test",
		Timestamp:      ts,
	}
}

func owned(c models.Checkpoint, user string) models.Checkpoint {
	c.UserID = user
	return c
}

const waitFor = 2 * time.Second
const tick = 5 * time.Millisecond

func TestSaveIsReadableImmediately(t *testing.T) {
	h := newHarness(t, false, withDebounce(time.Hour))
	c := lesson("A1", 3, 2, 1000)
	choice := "B"
	correct := true
	c.SelectedChoice = &choice
	c.IsCorrect = &correct

	require.NoError(t, h.svc.SaveCheckpoint(c))

	got := h.svc.LoadProgress(context.Background(), "", c.Key())
	require.NotNil(t, got)
	assert.Equal(t, c, *got)

	// The save is in the file once it is released
	require.NoError(t, h.meta.Close())
	file := kv.Open(h.meta.Path(), logging.Discard())
	defer file.Close()
	reopened := mirror.New(file, logging.Discard())
	persisted, ok := reopened.Get(c.Key())
	require.True(t, ok)
	assert.Equal(t, c, *persisted)
}

func TestSaveFillsTimestampDeviceAndUser(t *testing.T) {
	h := newHarness(t, false, withDebounce(time.Hour))
	h.svc.SetUser("user-1")

	c := lesson("A1", 1, 0, 0)
	c.DeviceID = ""
	require.NoError(t, h.svc.SaveCheckpoint(c))

	got := h.svc.LoadProgress(context.Background(), "", c.Key())
	require.NotNil(t, got)
	assert.Equal(t, h.clock.Now().UnixMilli(), got.Timestamp)
	assert.Equal(t, "user-1", got.UserID)
	assert.Regexp(t, `^device_[0-9a-f-]{36}$`, got.DeviceID)

	var persisted string
	found, err := h.meta.Get(kv.BucketMeta, deviceIDKey, &persisted)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, got.DeviceID, persisted)

	other := New(Options{Store: h.store, Mirror: h.mirror, Meta: h.meta, Logger: logging.Discard()})
	assert.Equal(t, persisted, other.DeviceID())
}

func TestSaveRejectsInvalidCheckpoint(t *testing.T) {
	h := newHarness(t, false)

	c := lesson("A1", 1, 9, 100)
	err := h.svc.SaveCheckpoint(c)
	assert.ErrorIs(t, err, models.ErrInvalidCheckpoint)
	assert.Nil(t, h.svc.LoadProgress(context.Background(), "", c.Key()))
}

func TestSaveRejectsCompletionRegression(t *testing.T) {
	h := newHarness(t, false, withDebounce(time.Hour))

	done := lesson("A1", 1, 5, 100)
	done.QuestionPhase = models.PhaseCompleted
	done.IsModuleCompleted = true
	require.NoError(t, h.svc.SaveCheckpoint(done))

	err := h.svc.SaveCheckpoint(lesson("A1", 1, 0, 200))
	assert.ErrorIs(t, err, models.ErrCompletionRegression)

	got := h.svc.LoadProgress(context.Background(), "", done.Key())
	require.NotNil(t, got)
	assert.True(t, got.IsModuleCompleted)
}

func TestRapidSavesCoalesceIntoOneRemoteWrite(t *testing.T) {
	h := newHarness(t, true)
	h.svc.SetUser("user-1")

	for i := 0; i < 5; i++ {
		require.NoError(t, h.svc.SaveCheckpoint(lesson("A1", 3, i, int64(100+i))))
	}

	require.Eventually(t, func() bool { return len(h.remote.Upserts()) == 1 }, waitFor, tick)
	time.Sleep(100 * time.Millisecond)

	upserts := h.remote.Upserts()
	require.Len(t, upserts, 1)
	assert.Equal(t, 4, upserts[0].QuestionIndex)
	assert.Equal(t, 0, h.queued(t))
}

func TestFailedRemoteWriteIsQueued(t *testing.T) {
	h := newHarness(t, true)
	h.svc.SetUser("user-1")
	h.remote.SetDown(true)

	require.NoError(t, h.svc.SaveCheckpoint(lesson("A1", 3, 2, 100)))

	require.Eventually(t, func() bool { return h.queued(t) == 1 }, waitFor, tick)
	assert.Equal(t, 1, h.svc.GetSyncStatus(context.Background()).PendingCount)
}

func TestOfflineSaveSkipsRemote(t *testing.T) {
	h := newHarness(t, false)
	h.svc.SetUser("user-1")

	require.NoError(t, h.svc.SaveCheckpoint(lesson("A1", 3, 2, 100)))

	require.Eventually(t, func() bool { return h.queued(t) == 1 }, waitFor, tick)
	assert.Empty(t, h.remote.Upserts())
}

func TestDisabledOfflineQueueDropsFailedWrites(t *testing.T) {
	h := newHarness(t, true, func(c *config.Config) { c.EnableOfflineQueue = false })
	h.svc.SetUser("user-1")
	h.remote.SetDown(true)

	require.NoError(t, h.svc.SaveCheckpoint(lesson("A1", 3, 2, 100)))
	require.Eventually(t, func() bool {
		return len(h.svc.debouncer.PendingKeys()) == 0
	}, waitFor, tick)
	h.svc.debouncer.Wait()

	assert.Equal(t, 0, h.queued(t))
	assert.NotNil(t, h.svc.LoadProgress(context.Background(), "", models.Key{Level: "A1", ModuleID: 3}))
}

func TestOfflineToOnlineScenario(t *testing.T) {
	h := newHarness(t, false)
	h.svc.SetUser("user-1")
	ctx := context.Background()

	c := models.Checkpoint{Level: "A1", ModuleID: 3, QuestionIndex: 2, TotalQuestions: 5, QuestionPhase: models.PhaseMCQ}
	require.NoError(t, h.svc.SaveCheckpoint(c))
	assert.Equal(t, 1, h.svc.GetSyncStatus(ctx).PendingCount)

	require.Eventually(t, func() bool { return h.queued(t) == 1 }, waitFor, tick)
	assert.Equal(t, 1, h.svc.GetSyncStatus(ctx).PendingCount)

	h.clock.Advance(time.Second)
	h.svc.OnConnectivityChange(true)

	require.Eventually(t, func() bool {
		return h.svc.GetSyncStatus(ctx).PendingCount == 0
	}, waitFor, tick)

	stored, ok := h.remote.Record("user-1", c.Key())
	require.True(t, ok)
	assert.Equal(t, "A1", stored.Level)
	assert.Equal(t, 3, stored.ModuleID)
	assert.Equal(t, 2, stored.QuestionIndex)
	assert.Equal(t, 5, stored.TotalQuestions)
	assert.Equal(t, models.PhaseMCQ, stored.QuestionPhase)
	assert.Equal(t, h.svc.DeviceID(), stored.DeviceID)

	status := h.svc.GetSyncStatus(ctx)
	assert.True(t, status.IsOnline)
	require.NotNil(t, status.LastSyncAt)
}

func TestGoingOfflineKeepsQueue(t *testing.T) {
	h := newHarness(t, true)
	h.svc.SetUser("user-1")
	h.queue(t, owned(lesson("A1", 1, 1, 100), "user-1"))

	h.svc.OnConnectivityChange(false)
	h.clock.Advance(time.Minute)

	result := h.svc.SyncOfflineQueue(context.Background())
	assert.False(t, result.Success)
	assert.Equal(t, []string{"offline"}, result.Errors)
	assert.Equal(t, 1, h.queued(t))
	assert.Empty(t, h.remote.Upserts())
}

func TestLoadProgressPrefersNewerCopy(t *testing.T) {
	h := newHarness(t, true, withDebounce(time.Hour))
	ctx := context.Background()
	key := models.Key{Level: "A1", ModuleID: 3}

	require.NoError(t, h.svc.SaveCheckpoint(lesson("A1", 3, 2, 200)))

	h.remote.Seed("user-1", lesson("A1", 3, 1, 100))
	got := h.svc.LoadProgress(ctx, "user-1", key)
	require.NotNil(t, got)
	assert.Equal(t, 2, got.QuestionIndex)

	h.remote.Seed("user-1", lesson("A1", 3, 4, 300))
	got = h.svc.LoadProgress(ctx, "user-1", key)
	require.NotNil(t, got)
	assert.Equal(t, 4, got.QuestionIndex)

	h.remote.FailNext(1, errors.New("timeout"))
	got = h.svc.LoadProgress(ctx, "user-1", key)
	require.NotNil(t, got)
	assert.Equal(t, 2, got.QuestionIndex)
}

func TestLoadProgressOfflineReadsLocalOnly(t *testing.T) {
	h := newHarness(t, false, withDebounce(time.Hour))
	key := models.Key{Level: "A1", ModuleID: 3}
	h.remote.Seed("user-1", lesson("A1", 3, 4, 300))

	assert.Nil(t, h.svc.LoadProgress(context.Background(), "user-1", key))
	assert.Equal(t, 0, h.remote.Fetches())
}

func TestLoadProgressReadsQueueWhenMirrorIsOlder(t *testing.T) {
	h := newHarness(t, false, withDebounce(time.Hour))
	key := models.Key{Level: "A1", ModuleID: 3}

	require.NoError(t, h.mirror.Put(lesson("A1", 3, 1, 100)))
	h.queue(t, lesson("A1", 3, 3, 200))

	got := h.svc.LoadProgress(context.Background(), "", key)
	require.NotNil(t, got)
	assert.Equal(t, 3, got.QuestionIndex)
}

func TestFlushAllQueuesBeforePushing(t *testing.T) {
	h := newHarness(t, true, withDebounce(time.Hour))
	h.svc.SetUser("user-1")
	h.remote.SetDown(true)

	require.NoError(t, h.svc.SaveCheckpoint(lesson("A1", 1, 1, 100)))
	require.NoError(t, h.svc.SaveCheckpoint(lesson("A1", 2, 1, 100)))
	assert.Equal(t, 2, h.svc.GetSyncStatus(context.Background()).PendingCount)

	h.svc.FlushAll()
	assert.Equal(t, 2, h.queued(t))
	assert.Empty(t, h.svc.debouncer.PendingKeys())
}

func TestFlushAllPushesImmediately(t *testing.T) {
	h := newHarness(t, true, withDebounce(time.Hour))
	h.svc.SetUser("user-1")

	require.NoError(t, h.svc.SaveCheckpoint(lesson("A1", 1, 1, 100)))
	require.NoError(t, h.svc.SaveCheckpoint(lesson("A1", 2, 1, 100)))
	h.svc.OnSuspend()

	require.Eventually(t, func() bool { return len(h.remote.Upserts()) == 2 }, waitFor, tick)
	require.Eventually(t, func() bool { return h.queued(t) == 0 }, waitFor, tick)
}

func TestStopFlushesPendingWrites(t *testing.T) {
	h := newHarness(t, true, withDebounce(time.Hour))
	h.svc.SetUser("user-1")

	require.NoError(t, h.svc.SaveCheckpoint(lesson("A1", 1, 1, 100)))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, h.svc.Stop(ctx))

	assert.Len(t, h.remote.Upserts(), 1)
	assert.Equal(t, 0, h.queued(t))
}

func TestClearAllProgress(t *testing.T) {
	h := newHarness(t, true, withDebounce(time.Hour))
	h.svc.SetUser("user-1")
	ctx := context.Background()

	// No device id on the save so one is generated and persisted
	first := lesson("A1", 1, 1, 100)
	first.DeviceID = ""
	require.NoError(t, h.svc.SaveCheckpoint(first))
	h.queue(t, owned(lesson("A1", 2, 1, 100), "user-1"))
	assert.Equal(t, 2, h.svc.GetSyncStatus(ctx).PendingCount)

	require.NoError(t, h.svc.ClearAllProgress(ctx))
	assert.Equal(t, 0, h.svc.GetSyncStatus(ctx).PendingCount)
	assert.Nil(t, h.svc.LoadProgress(ctx, "", models.Key{Level: "A1", ModuleID: 1}))

	assert.Empty(t, h.svc.debouncer.PendingKeys())

	var device string
	found, err := h.meta.Get(kv.BucketMeta, deviceIDKey, &device)
	require.NoError(t, err)
	assert.True(t, found)
}

// stalledRemote holds its first upsert until release is closed. Every
// upsert fails.
type stalledRemote struct {
	*remote.Memory
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func newStalledRemote(m *remote.Memory) *stalledRemote {
	return &stalledRemote{Memory: m, started: make(chan struct{}), release: make(chan struct{})}
}

func (r *stalledRemote) Upsert(ctx context.Context, userID string, c models.Checkpoint) (*models.Checkpoint, error) {
	first := false
	r.once.Do(func() { first = true })
	if first {
		close(r.started)
		<-r.release
	}
	return nil, fmt.Errorf("%w: connection reset", remote.ErrUnavailable)
}

func TestSlowFailedWriteDoesNotReplaceNewerQueuedCheckpoint(t *testing.T) {
	var stalled *stalledRemote
	h := newHarnessWithRemote(t, true, func(m *remote.Memory) remote.Remote {
		stalled = newStalledRemote(m)
		return stalled
	})
	h.svc.SetUser("user-1")

	require.NoError(t, h.svc.SaveCheckpoint(lesson("A1", 3, 1, 1000)))
	select {
	case <-stalled.started:
	case <-time.After(waitFor):
		t.Fatal("first remote write never started")
	}

	require.NoError(t, h.svc.SaveCheckpoint(lesson("A1", 3, 2, 2000)))
	h.svc.FlushAll()

	key := models.Key{Level: "A1", ModuleID: 3}
	queued, err := h.store.Get(context.Background(), key)
	require.NoError(t, err)
	require.Equal(t, int64(2000), queued.Timestamp)

	close(stalled.release)
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, h.svc.Stop(ctx))

	queued, err = h.store.Get(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, int64(2000), queued.Timestamp)
	assert.Equal(t, 2, queued.QuestionIndex)
}

func TestSyncPassMovesDegradedKVBackToDisk(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "data")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0644))
	path := filepath.Join(blocker, "progress.db")

	meta := kv.Open(path, logging.Discard())
	cfg := config.DefaultConfig()
	cfg.DebounceInterval = time.Hour
	svc := New(Options{
		Config: cfg,
		Store:  storage.New(storage.Options{Logger: logging.Discard()}, storage.NewKVBackend(meta)),
		Mirror: mirror.New(meta, logging.Discard()),
		Meta:   meta,
		Remote: remote.NewMemory(),
		Logger: logging.Discard(),
	})

	c := lesson("A1", 3, 2, 1000)
	require.NoError(t, svc.SaveCheckpoint(c))

	require.NoError(t, os.Remove(blocker))
	svc.SyncOfflineQueue(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, svc.Stop(ctx))
	require.NoError(t, meta.Close())

	file := kv.Open(path, logging.Discard())
	defer file.Close()
	persisted, ok := mirror.New(file, logging.Discard()).Get(c.Key())
	require.True(t, ok)
	assert.Equal(t, c, *persisted)

	// Stop flushed the debounced write into the offline bucket
	queued, err := storage.NewKVBackend(file).Get(context.Background(), c.Key())
	require.NoError(t, err)
	require.NotNil(t, queued)
	assert.Equal(t, int64(1000), queued.Timestamp)
}
