package syncer

import (
	"context"
	"fmt"

	"github.com/example/lessonsync/internal/metrics"
	"github.com/example/lessonsync/pkg/models"
)

// SyncOfflineQueue attempts one bounded batch of retry-eligible queue
// entries. Concurrent calls run one after another. Entries whose owner is
// unknown stay queued without using up a retry; an entry that fails its
// last allowed attempt is dropped and reported in the result.
func (s *Service) SyncOfflineQueue(ctx context.Context) models.SyncResult {
	s.syncMu.Lock()
	defer s.syncMu.Unlock()

	// A kv file that went unwritable earlier may be usable again
	s.meta.Recheck()

	started := s.now()
	defer metrics.ObserveSync("retry", started)

	result := models.NewSyncResult()
	if !s.IsOnline() {
		result.Success = false
		result.Errors = append(result.Errors, "offline")
		return result
	}

	entries, err := s.store.GetRetryEligible(ctx, started)
	if err != nil {
		s.logger.Error("Failed to read offline queue", "error", err)
		result.Success = false
		result.Errors = append(result.Errors, fmt.Sprintf("sync failed: %v", err))
		s.setLastSync(started)
		return result
	}
	if len(entries) > s.cfg.BatchSize {
		entries = entries[:s.cfg.BatchSize]
	}

	for _, entry := range entries {
		key := entry.Key()
		user := s.ownerOf(entry.Checkpoint)
		if user == "" {
			continue
		}

		_, err := s.remote.Upsert(ctx, user, entry.Checkpoint)
		metrics.RemoteWrite(metrics.SourceRetry, err)
		if err == nil {
			if _, err := s.store.RemoveIfNotNewer(ctx, key, entry.Timestamp); err != nil {
				s.logger.Warn("Failed to clear synced checkpoint", "key", key.String(), "error", err)
			}
			result.Synced++
			continue
		}

		if entry.RetryCount+1 >= s.cfg.MaxRetries {
			s.logger.Error("Giving up on checkpoint", "key", key.String(), "attempts", entry.RetryCount+1, "error", err)
			result.Failed++
			result.Errors = append(result.Errors, fmt.Sprintf("max retries exceeded for %s", key))
			if _, err := s.store.RemoveIfNotNewer(ctx, key, entry.Timestamp); err != nil {
				s.logger.Warn("Failed to drop abandoned checkpoint", "key", key.String(), "error", err)
			}
			metrics.EntryAbandoned()
			continue
		}

		s.logger.Warn("Retry failed", "key", key.String(), "attempt", entry.RetryCount+1, "error", err)
		if _, err := s.store.MarkRetry(ctx, entry, s.now()); err != nil {
			s.logger.Warn("Failed to record retry", "key", key.String(), "error", err)
		}
	}

	result.Success = result.Failed == 0
	s.setLastSync(s.now())
	s.pendingCount(ctx)
	s.logger.Info("Sync complete", "synced", result.Synced, "failed", result.Failed)
	return result
}
