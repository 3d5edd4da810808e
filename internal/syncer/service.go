// Package syncer keeps lesson checkpoints durable locally and eventually
// consistent with the remote progress service.
//
// A save is mirrored to the kv tier synchronously, then pushed to the
// remote service after a per-key quiet period. Writes that cannot reach
// the remote service are queued in the durable store and retried with
// exponential backoff by SyncOfflineQueue.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/lessonsync/internal/config"
	"github.com/example/lessonsync/internal/kv"
	"github.com/example/lessonsync/internal/logging"
	"github.com/example/lessonsync/internal/metrics"
	"github.com/example/lessonsync/internal/mirror"
	"github.com/example/lessonsync/internal/remote"
	"github.com/example/lessonsync/internal/storage"
	"github.com/example/lessonsync/pkg/models"
)

// Keys in the kv meta bucket
const (
	deviceIDKey   = "device_id"
	lastSyncAtKey = "last_sync_at"
)

// Options wires a Service. Store, Mirror, Meta and Remote are required.
type Options struct {
	Config *config.Config
	Store  *storage.Store
	Mirror *mirror.Mirror
	// Meta holds the device id and last sync time
	Meta   *kv.Store
	Remote remote.Remote
	Logger *slog.Logger
	Now    func() time.Time
	// Online is the initial connectivity state
	Online bool
}

// Service is the single entry point used by the UI layer. It is safe for
// concurrent use.
type Service struct {
	cfg    config.Config
	store  *storage.Store
	mirror *mirror.Mirror
	meta   *kv.Store
	remote remote.Remote
	logger *slog.Logger
	now    func() time.Time

	debouncer *Debouncer

	mu          sync.RWMutex
	userID      string
	online      bool
	deviceID    string
	settleTimer *time.Timer
	closed      bool

	syncMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Service. Call Stop to flush pending writes on shutdown.
func New(opts Options) *Service {
	cfg := config.DefaultConfig()
	if opts.Config != nil {
		cfg = opts.Config
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Service{
		cfg:    *cfg,
		store:  opts.Store,
		mirror: opts.Mirror,
		meta:   opts.Meta,
		remote: opts.Remote,
		logger: logging.OrDefault(opts.Logger).With("component", "syncer"),
		now:    opts.Now,
		online: opts.Online,
		ctx:    ctx,
		cancel: cancel,
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.remote == nil {
		s.remote = remote.Unavailable{}
	}
	s.debouncer = NewDebouncer(s.cfg.DebounceInterval, s.pushDebounced)
	return s
}

// SetUser sets the authenticated user; empty means guest
func (s *Service) SetUser(userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.userID = userID
}

// User returns the authenticated user, empty for guests
func (s *Service) User() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.userID
}

// IsOnline reports the last connectivity state seen
func (s *Service) IsOnline() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.online
}

// DeviceID returns the persisted per-install identifier, creating it on
// first use.
func (s *Service) DeviceID() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.deviceID != "" {
		return s.deviceID
	}
	var id string
	if found, err := s.meta.Get(kv.BucketMeta, deviceIDKey, &id); err == nil && found && id != "" {
		s.deviceID = id
		return id
	}
	id = "device_" + uuid.NewString()
	if err := s.meta.Set(kv.BucketMeta, deviceIDKey, id); err != nil {
		s.logger.Warn("Failed to persist device id", "error", err)
	}
	s.deviceID = id
	return id
}

// SaveCheckpoint records c locally before returning and schedules the
// remote write. Missing timestamp, device and user fields are filled in.
// It fails only for an invalid checkpoint or one that would un-complete a
// module.
func (s *Service) SaveCheckpoint(c models.Checkpoint) error {
	if c.Timestamp == 0 {
		c.Timestamp = s.now().UnixMilli()
	}
	if c.DeviceID == "" {
		c.DeviceID = s.DeviceID()
	}
	if c.UserID == "" {
		c.UserID = s.User()
	}
	if err := c.Validate(); err != nil {
		return err
	}
	if prev, ok := s.mirror.Get(c.Key()); ok {
		if err := models.CheckTransition(prev, c); err != nil {
			return err
		}
	}

	if err := s.mirror.Put(c); err != nil {
		s.logger.Warn("Failed to mirror checkpoint", "key", c.Key().String(), "error", err)
	}
	metrics.CheckpointSaved()

	s.debouncer.Schedule(c)
	s.logger.Debug("Saved checkpoint",
		"key", c.Key().String(), "question", c.QuestionIndex, "phase", string(c.QuestionPhase))
	return nil
}

// LoadProgress returns the checkpoint for key, or nil when none is known.
// When online with a user it returns the newer of the remote and local
// copies; otherwise only local tiers are read.
func (s *Service) LoadProgress(ctx context.Context, userID string, key models.Key) *models.Checkpoint {
	local := s.loadLocal(ctx, key)
	if userID == "" || !s.IsOnline() {
		return local
	}

	fetched, err := s.remote.Fetch(ctx, userID, key)
	switch {
	case errors.Is(err, remote.ErrNotFound):
		return local
	case err != nil:
		s.logger.Warn("Remote load failed, using local progress", "key", key.String(), "error", err)
		return local
	case local != nil && local.NewerThan(*fetched):
		return local
	default:
		return fetched
	}
}

func (s *Service) loadLocal(ctx context.Context, key models.Key) *models.Checkpoint {
	var best *models.Checkpoint
	if c, ok := s.mirror.Get(key); ok {
		best = c
	}
	entry, err := s.store.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			s.logger.Warn("Queue read failed", "key", key.String(), "error", err)
		}
		return best
	}
	if best == nil || entry.Checkpoint.NewerThan(*best) {
		c := entry.Checkpoint
		best = &c
	}
	return best
}

// GetSyncStatus reports connectivity, the number of checkpoints not yet
// confirmed remotely and the time of the last retry pass.
func (s *Service) GetSyncStatus(ctx context.Context) models.SyncStatus {
	status := models.SyncStatus{
		IsOnline:     s.IsOnline(),
		PendingCount: s.pendingCount(ctx),
	}
	var millis int64
	if found, err := s.meta.Get(kv.BucketMeta, lastSyncAtKey, &millis); err == nil && found {
		at := time.UnixMilli(millis)
		status.LastSyncAt = &at
	}
	return status
}

func (s *Service) pendingCount(ctx context.Context) int {
	keys := make(map[models.Key]struct{})
	entries, err := s.store.GetAll(ctx)
	if err != nil {
		s.logger.Warn("Failed to count queued checkpoints", "error", err)
	}
	for _, e := range entries {
		keys[e.Key()] = struct{}{}
	}
	for _, k := range s.debouncer.PendingKeys() {
		keys[k] = struct{}{}
	}
	metrics.SetPending(len(keys))
	return len(keys)
}

func (s *Service) setLastSync(at time.Time) {
	if err := s.meta.Set(kv.BucketMeta, lastSyncAtKey, at.UnixMilli()); err != nil {
		s.logger.Warn("Failed to persist last sync time", "error", err)
	}
}

// ClearAllProgress removes every local checkpoint and cancels pending
// remote writes. Used on logout.
func (s *Service) ClearAllProgress(ctx context.Context) error {
	s.debouncer.Drain()

	var errs []error
	if err := s.store.Clear(ctx); err != nil {
		errs = append(errs, fmt.Errorf("clear queue: %w", err))
	}
	s.mirror.Clear()
	metrics.SetPending(0)

	s.logger.Info("Cleared all local progress")
	return errors.Join(errs...)
}

// FlushAll pushes every debounced checkpoint without waiting. The drained
// checkpoints are queued durably before the remote writes start, so a
// write that never completes is retried on the next start.
func (s *Service) FlushAll() {
	drained := s.debouncer.Drain()
	if len(drained) == 0 {
		return
	}

	for _, c := range drained {
		s.enqueue(s.ctx, c)
	}
	if !s.IsOnline() {
		return
	}
	for _, c := range drained {
		c := c
		s.goBackground(func(ctx context.Context) {
			s.pushQueued(ctx, c, metrics.SourceFlush)
		})
	}
}

// pushDebounced runs when a debounce timer fires
func (s *Service) pushDebounced(c models.Checkpoint) {
	user := s.ownerOf(c)
	if user == "" || !s.IsOnline() {
		s.enqueue(s.ctx, c)
		return
	}

	if _, err := s.remote.Upsert(s.ctx, user, c); err != nil {
		metrics.RemoteWrite(metrics.SourceDebounce, err)
		s.logger.Warn("Remote write failed, queuing for retry", "key", c.Key().String(), "error", err)
		s.enqueue(s.ctx, c)
		return
	}
	metrics.RemoteWrite(metrics.SourceDebounce, nil)

	// An older failed write for this key may still be queued
	if _, err := s.store.RemoveIfNotNewer(s.ctx, c.Key(), c.Timestamp); err != nil {
		s.logger.Warn("Failed to clear queued checkpoint", "key", c.Key().String(), "error", err)
	}
}

// pushQueued writes a checkpoint that is already in the queue and removes
// it on success. Failures leave the entry for the retry loop.
func (s *Service) pushQueued(ctx context.Context, c models.Checkpoint, source string) {
	user := s.ownerOf(c)
	if user == "" {
		return
	}
	_, err := s.remote.Upsert(ctx, user, c)
	metrics.RemoteWrite(source, err)
	if err != nil {
		s.logger.Warn("Remote write failed", "key", c.Key().String(), "source", source, "error", err)
		return
	}
	if _, err := s.store.RemoveIfNotNewer(ctx, c.Key(), c.Timestamp); err != nil {
		s.logger.Warn("Failed to clear queued checkpoint", "key", c.Key().String(), "error", err)
	}
}

func (s *Service) enqueue(ctx context.Context, c models.Checkpoint) {
	if !s.cfg.EnableOfflineQueue {
		s.logger.Warn("Offline queue disabled, dropping remote write", "key", c.Key().String())
		return
	}
	s.store.Put(ctx, c)
	s.logger.Debug("Queued checkpoint for sync", "key", c.Key().String())
}

// ownerOf is the user a checkpoint is written for. Guest checkpoints are
// attributed to whoever is signed in when they are sent.
func (s *Service) ownerOf(c models.Checkpoint) string {
	if c.UserID != "" {
		return c.UserID
	}
	return s.User()
}

// goBackground runs fn unless the service is stopping
func (s *Service) goBackground(fn func(ctx context.Context)) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		fn(s.ctx)
	}()
}

// Stop flushes pending writes and waits for background work until ctx
// expires. The service must not be used afterwards.
func (s *Service) Stop(ctx context.Context) error {
	s.FlushAll()

	s.mu.Lock()
	s.closed = true
	if s.settleTimer != nil {
		s.settleTimer.Stop()
		s.settleTimer = nil
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		s.debouncer.Wait()
		close(done)
	}()

	defer s.cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("stopping sync service: %w", ctx.Err())
	}
}
