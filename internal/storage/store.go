// Package storage is the durable local store for checkpoints awaiting a
// remote write. Entries live in an ordered list of backends tried in
// priority order; reads merge every tier and keep the newest entry per key.
package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/example/lessonsync/internal/logging"
	"github.com/example/lessonsync/pkg/models"
)

// ErrNotFound is returned when no tier holds the requested key
var ErrNotFound = errors.New("checkpoint not found")

// Options tunes a Store. Zero values fall back to defaults.
type Options struct {
	BackoffBase time.Duration
	BackoffCap  time.Duration
	Now         func() time.Time
	Logger      *slog.Logger
}

// Store serializes all operations. No method returns an error caused by a
// single failing tier while another tier can serve the call.
type Store struct {
	mu      sync.Mutex
	tiers   []Backend
	base    time.Duration
	ceiling time.Duration
	now     func() time.Time
	logger  *slog.Logger
}

// TierStat is the entry count of one backend
type TierStat struct {
	Name  string
	Count int
	Err   error
}

// New creates a store over tiers, highest priority first
func New(opts Options, tiers ...Backend) *Store {
	s := &Store{
		tiers:   tiers,
		base:    opts.BackoffBase,
		ceiling: opts.BackoffCap,
		now:     opts.Now,
		logger:  logging.OrDefault(opts.Logger).With("component", "storage"),
	}
	if s.base <= 0 {
		s.base = DefaultBackoffBase
	}
	if s.ceiling <= 0 {
		s.ceiling = DefaultBackoffCap
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// Put queues c with fresh retry bookkeeping, replacing any entry for the
// same key that is not newer than c. A write that is older than the queued
// entry, or that would un-complete a module, is ignored. When every tier
// fails the write is dropped and logged.
func (s *Store) Put(ctx context.Context, c models.Checkpoint) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, err := s.get(ctx, c.Key()); err == nil {
		if existing.Timestamp > c.Timestamp {
			s.logger.Debug("Newer checkpoint already queued", "key", c.Key().String(),
				"queued", existing.Timestamp, "incoming", c.Timestamp)
			return
		}
		if err := models.CheckTransition(&existing.Checkpoint, c); err != nil {
			s.logger.Warn("Ignoring queued write", "key", c.Key().String(), "error", err)
			return
		}
	}

	if err := s.write(ctx, models.NewQueueEntry(c, s.now().UnixMilli())); err != nil {
		s.logger.Error("Failed to queue checkpoint", "key", c.Key().String(), "error", err)
	}
}

// Get returns the newest entry for key across all tiers
func (s *Store) Get(ctx context.Context, key models.Key) (*models.QueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.get(ctx, key)
}

// GetAll returns the newest entry for every key, oldest checkpoint first
func (s *Store) GetAll(ctx context.Context) ([]models.QueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.all(ctx)
}

// Remove deletes key from every tier
func (s *Store) Remove(ctx context.Context, key models.Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remove(ctx, key)
}

// RemoveIfNotNewer deletes key unless the queued checkpoint is newer than
// timestamp, which means a later save is still waiting to be sent.
func (s *Store) RemoveIfNotNewer(ctx context.Context, key models.Key, timestamp int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, err := s.get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if entry.Timestamp > timestamp {
		return false, nil
	}
	return true, s.remove(ctx, key)
}

// Clear removes every entry from every tier
func (s *Store) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var errs []error
	for _, tier := range s.tiers {
		if err := tier.Clear(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", tier.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// GetRetryEligible returns the entries whose backoff window has elapsed at now
func (s *Store) GetRetryEligible(ctx context.Context, now time.Time) ([]models.QueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := s.all(ctx)
	if err != nil {
		return nil, err
	}
	eligible := entries[:0]
	for _, entry := range entries {
		if Eligible(entry.BackoffAnchor(), entry.RetryCount, now, s.base, s.ceiling) {
			eligible = append(eligible, entry)
		}
	}
	return eligible, nil
}

// MarkRetry records one more failed attempt for the queued entry and
// returns the stored result. If a newer checkpoint replaced the attempted
// one in the meantime, the newer entry is left untouched and returned.
func (s *Store) MarkRetry(ctx context.Context, attempted models.QueueEntry, now time.Time) (models.QueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, err := s.get(ctx, attempted.Key())
	if err != nil && !errors.Is(err, ErrNotFound) {
		return attempted, err
	}
	if current != nil && current.Timestamp > attempted.Timestamp {
		return *current, nil
	}

	next := attempted
	if current != nil {
		next = *current
	}
	next.RetryCount++
	at := now.UnixMilli()
	next.LastRetryAt = &at

	if err := s.write(ctx, next); err != nil {
		return next, err
	}
	return next, nil
}

// Stats reports per-tier entry counts
func (s *Store) Stats(ctx context.Context) []TierStat {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := make([]TierStat, 0, len(s.tiers))
	for _, tier := range s.tiers {
		entries, err := tier.All(ctx)
		stats = append(stats, TierStat{Name: tier.Name(), Count: len(entries), Err: err})
	}
	return stats
}

// write stores entry in the first tier that accepts it, then drops stale
// copies from the tiers below it.
func (s *Store) write(ctx context.Context, entry models.QueueEntry) error {
	var errs []error
	for i, tier := range s.tiers {
		if err := tier.Put(ctx, entry); err != nil {
			s.logger.Warn("Storage tier rejected write", "tier", tier.Name(), "key", entry.Key().String(), "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", tier.Name(), err))
			continue
		}
		for _, lower := range s.tiers[i+1:] {
			if err := lower.Remove(ctx, entry.Key()); err != nil {
				s.logger.Debug("Failed to drop stale copy", "tier", lower.Name(), "key", entry.Key().String(), "error", err)
			}
		}
		return nil
	}
	if len(errs) == 0 {
		return errors.New("no storage tiers configured")
	}
	return errors.Join(errs...)
}

func (s *Store) get(ctx context.Context, key models.Key) (*models.QueueEntry, error) {
	var best *models.QueueEntry
	failures := 0
	for _, tier := range s.tiers {
		entry, err := tier.Get(ctx, key)
		if err != nil {
			failures++
			s.logger.Warn("Storage tier read failed", "tier", tier.Name(), "key", key.String(), "error", err)
			continue
		}
		if entry != nil && (best == nil || entry.Supersedes(*best)) {
			best = entry
		}
	}
	if best == nil {
		if failures > 0 && failures == len(s.tiers) {
			return nil, fmt.Errorf("read %s: all storage tiers failed", key)
		}
		return nil, ErrNotFound
	}
	return best, nil
}

func (s *Store) all(ctx context.Context) ([]models.QueueEntry, error) {
	merged := make(map[models.Key]models.QueueEntry)
	var errs []error
	for _, tier := range s.tiers {
		entries, err := tier.All(ctx)
		if err != nil {
			s.logger.Warn("Storage tier scan failed", "tier", tier.Name(), "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", tier.Name(), err))
			continue
		}
		for _, entry := range entries {
			if prev, ok := merged[entry.Key()]; !ok || entry.Supersedes(prev) {
				merged[entry.Key()] = entry
			}
		}
	}
	if len(s.tiers) > 0 && len(errs) == len(s.tiers) {
		return nil, errors.Join(errs...)
	}

	entries := make([]models.QueueEntry, 0, len(merged))
	for _, entry := range merged {
		entries = append(entries, entry)
	}
	sortEntries(entries)
	return entries, nil
}

func (s *Store) remove(ctx context.Context, key models.Key) error {
	var errs []error
	for _, tier := range s.tiers {
		if err := tier.Remove(ctx, key); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", tier.Name(), err))
		}
	}
	return errors.Join(errs...)
}
