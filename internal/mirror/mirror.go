// Package mirror keeps the last known checkpoint for every module in the
// progress bucket of the always-available kv tier. Writes are synchronous so the newest state
// survives an immediate process kill.
package mirror

import (
	"log/slog"
	"sort"

	"github.com/example/lessonsync/internal/kv"
	"github.com/example/lessonsync/internal/logging"
	"github.com/example/lessonsync/pkg/models"
)

const recordVersion = 2

type record struct {
	V int `json:"v"`
	models.Checkpoint
}

// Mirror stores full checkpoints keyed "<level>-<module>" and falls back
// to the legacy v1 document on reads.
type Mirror struct {
	kv     *kv.Store
	logger *slog.Logger
}

// New creates a mirror over store
func New(store *kv.Store, logger *slog.Logger) *Mirror {
	return &Mirror{
		kv:     store,
		logger: logging.OrDefault(logger).With("component", "mirror"),
	}
}

// Put overwrites the record for c's key. A write that would revert a
// completed module is ignored and reported as ErrCompletionRegression.
func (m *Mirror) Put(c models.Checkpoint) error {
	prev, _ := m.Get(c.Key())
	if err := models.CheckTransition(prev, c); err != nil {
		m.logger.Warn("Ignoring checkpoint", "key", c.Key().String(), "error", err)
		return err
	}
	return m.kv.Set(kv.BucketProgress, c.Key().String(), record{V: recordVersion, Checkpoint: c})
}

// Get returns the newest checkpoint known for key across the current
// record and the legacy document.
func (m *Mirror) Get(key models.Key) (*models.Checkpoint, bool) {
	var rec record
	found, err := m.kv.Get(kv.BucketProgress, key.String(), &rec)
	if err != nil {
		m.logger.Warn("Unreadable mirror record", "key", key.String(), "error", err)
		found = false
	}

	legacy, hasLegacy := m.legacy()[key.String()]
	switch {
	case found && hasLegacy:
		lc := legacy.Checkpoint()
		if lc.NewerThan(rec.Checkpoint) {
			return &lc, true
		}
		return &rec.Checkpoint, true
	case found:
		return &rec.Checkpoint, true
	case hasLegacy:
		lc := legacy.Checkpoint()
		return &lc, true
	}
	return nil, false
}

// All returns one checkpoint per key, sorted by key
func (m *Mirror) All() []models.Checkpoint {
	byKey := make(map[models.Key]models.Checkpoint)

	for _, lp := range m.legacy() {
		c := lp.Checkpoint()
		byKey[c.Key()] = c
	}
	for _, k := range m.kv.Keys(kv.BucketProgress) {
		var rec record
		if _, err := m.kv.Get(kv.BucketProgress, k, &rec); err != nil {
			m.logger.Warn("Skipping unreadable mirror record", "kv_key", k, "error", err)
			continue
		}
		if prev, ok := byKey[rec.Key()]; ok && prev.NewerThan(rec.Checkpoint) {
			continue
		}
		byKey[rec.Key()] = rec.Checkpoint
	}

	out := make([]models.Checkpoint, 0, len(byKey))
	for _, c := range byKey {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Level != out[j].Level {
			return out[i].Level < out[j].Level
		}
		return out[i].ModuleID < out[j].ModuleID
	})
	return out
}

// Remove deletes key from both the record space and the legacy document
func (m *Mirror) Remove(key models.Key) {
	m.kv.Delete(kv.BucketProgress, key.String())

	legacy := m.legacy()
	if _, ok := legacy[key.String()]; !ok {
		return
	}
	delete(legacy, key.String())
	if len(legacy) == 0 {
		m.kv.Delete(kv.BucketMeta, LegacyKey)
		return
	}
	if err := m.kv.Set(kv.BucketMeta, LegacyKey, legacy); err != nil {
		m.logger.Warn("Failed to rewrite legacy progress", "error", err)
	}
}

// RemoveIfNotNewer deletes key unless the stored checkpoint was written
// after timestamp. It reports whether anything was removed.
func (m *Mirror) RemoveIfNotNewer(key models.Key, timestamp int64) bool {
	cur, ok := m.Get(key)
	if !ok || cur.Timestamp > timestamp {
		return false
	}
	m.Remove(key)
	return true
}

// Clear removes every mirrored checkpoint, including legacy ones
func (m *Mirror) Clear() {
	m.kv.Clear(kv.BucketProgress)
	m.kv.Delete(kv.BucketMeta, LegacyKey)
}

// Count returns the number of distinct mirrored keys
func (m *Mirror) Count() int {
	return len(m.All())
}

func (m *Mirror) legacy() map[string]LegacyProgress {
	doc := make(map[string]LegacyProgress)
	if _, err := m.kv.Get(kv.BucketMeta, LegacyKey, &doc); err != nil {
		m.logger.Warn("Unreadable legacy progress document", "error", err)
		return make(map[string]LegacyProgress)
	}
	return doc
}
