package syncer

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/example/lessonsync/internal/metrics"
	"github.com/example/lessonsync/internal/remote"
	"github.com/example/lessonsync/pkg/models"
)

// MergeProgressOnLogin reconciles every local checkpoint with userID's
// remote progress. A local checkpoint strictly newer than the remote copy,
// or with no remote copy, is uploaded; otherwise the remote copy stands.
// Each key that is resolved either way is removed locally. Per-key failures
// are collected and the remaining keys are still attempted.
func (s *Service) MergeProgressOnLogin(ctx context.Context, userID string) models.SyncResult {
	started := s.now()
	defer metrics.ObserveSync("merge", started)

	result := models.NewSyncResult()
	if userID == "" {
		result.Success = false
		result.Failed = 1
		result.Errors = append(result.Errors, "merge failed: user id required")
		return result
	}

	candidates, err := s.localCandidates(ctx)
	if err != nil {
		s.logger.Error("Merge failed", "error", err)
		return models.SyncResult{Success: false, Failed: 1, Errors: []string{fmt.Sprintf("merge failed: %v", err)}}
	}
	s.logger.Info("Merging local progress", "user", userID, "checkpoints", len(candidates))

	for _, local := range candidates {
		key := local.Key()
		uploaded, err := s.mergeOne(ctx, userID, local)
		if err != nil {
			s.logger.Warn("Failed to merge checkpoint", "key", key.String(), "error", err)
			result.Failed++
			result.Errors = append(result.Errors, fmt.Sprintf("failed to merge %s: %v", key, err))
			continue
		}
		if uploaded {
			result.Synced++
		}

		// A save made while merging is newer and must survive
		if _, err := s.store.RemoveIfNotNewer(ctx, key, local.Timestamp); err != nil {
			s.logger.Warn("Failed to remove merged checkpoint from queue", "key", key.String(), "error", err)
		}
		s.mirror.RemoveIfNotNewer(key, local.Timestamp)
	}

	result.Success = result.Failed == 0
	s.pendingCount(ctx)
	s.logger.Info("Merge complete", "synced", result.Synced, "failed", result.Failed)
	return result
}

// mergeOne reports whether local was uploaded. Remote winning is not an
// error.
func (s *Service) mergeOne(ctx context.Context, userID string, local models.Checkpoint) (bool, error) {
	existing, err := s.remote.Fetch(ctx, userID, local.Key())
	switch {
	case errors.Is(err, remote.ErrNotFound):
	case err != nil:
		return false, err
	case !local.NewerThan(*existing):
		s.logger.Debug("Remote progress is newer, keeping it", "key", local.Key().String(),
			"local", local.Timestamp, "remote", existing.Timestamp)
		return false, nil
	}

	local.UserID = userID
	_, err = s.remote.Upsert(ctx, userID, local)
	metrics.RemoteWrite(metrics.SourceMerge, err)
	if err != nil {
		return false, err
	}
	return true, nil
}

// localCandidates gathers one checkpoint per key from the queue and the
// mirror. The queue entry is used unless the mirror holds a strictly newer
// checkpoint.
func (s *Service) localCandidates(ctx context.Context) ([]models.Checkpoint, error) {
	entries, err := s.store.GetAll(ctx)
	if err != nil {
		return nil, err
	}

	byKey := make(map[models.Key]models.Checkpoint, len(entries))
	for _, e := range entries {
		byKey[e.Key()] = e.Checkpoint
	}
	for _, c := range s.mirror.All() {
		if queued, ok := byKey[c.Key()]; !ok || c.NewerThan(queued) {
			byKey[c.Key()] = c
		}
	}

	candidates := make([]models.Checkpoint, 0, len(byKey))
	for _, c := range byKey {
		candidates = append(candidates, c)
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].Key().String() < candidates[j].Key().String()
	})
	return candidates, nil
}
