package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/example/lessonsync/internal/kv"
	"github.com/example/lessonsync/pkg/models"
)

// Backend is one persistence tier of the queue. Get returns nil, nil when
// the key is absent.
type Backend interface {
	Name() string
	Put(ctx context.Context, entry models.QueueEntry) error
	Get(ctx context.Context, key models.Key) (*models.QueueEntry, error)
	All(ctx context.Context) ([]models.QueueEntry, error)
	Remove(ctx context.Context, key models.Key) error
	Clear(ctx context.Context) error
}

// KVBackend keeps queue entries in the offline bucket of the kv store. It is the fallback
// tier for when SQLite cannot be opened or written.
type KVBackend struct {
	store *kv.Store
}

// NewKVBackend wraps store
func NewKVBackend(store *kv.Store) *KVBackend {
	return &KVBackend{store: store}
}

func (b *KVBackend) Name() string { return "kv" }

func (b *KVBackend) Put(_ context.Context, entry models.QueueEntry) error {
	return b.store.Set(kv.BucketOffline, entry.Key().String(), entry)
}

func (b *KVBackend) Get(_ context.Context, key models.Key) (*models.QueueEntry, error) {
	var entry models.QueueEntry
	found, err := b.store.Get(kv.BucketOffline, key.String(), &entry)
	if err != nil || !found {
		return nil, err
	}
	return &entry, nil
}

func (b *KVBackend) All(_ context.Context) ([]models.QueueEntry, error) {
	var entries []models.QueueEntry
	for _, k := range b.store.Keys(kv.BucketOffline) {
		var entry models.QueueEntry
		found, err := b.store.Get(kv.BucketOffline, k, &entry)
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w", k, err)
		}
		if found {
			entries = append(entries, entry)
		}
	}
	return entries, nil
}

func (b *KVBackend) Remove(_ context.Context, key models.Key) error {
	b.store.Delete(kv.BucketOffline, key.String())
	return nil
}

func (b *KVBackend) Clear(_ context.Context) error {
	b.store.Clear(kv.BucketOffline)
	return nil
}

// Memory is a process-local backend
type Memory struct {
	mu      sync.Mutex
	entries map[models.Key]models.QueueEntry
}

// NewMemory creates an empty memory backend
func NewMemory() *Memory {
	return &Memory{entries: make(map[models.Key]models.QueueEntry)}
}

func (m *Memory) Name() string { return "memory" }

func (m *Memory) Put(_ context.Context, entry models.QueueEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[entry.Key()] = entry
	return nil
}

func (m *Memory) Get(_ context.Context, key models.Key) (*models.QueueEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.entries[key]
	if !ok {
		return nil, nil
	}
	return &entry, nil
}

func (m *Memory) All(_ context.Context) ([]models.QueueEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entries := make([]models.QueueEntry, 0, len(m.entries))
	for _, entry := range m.entries {
		entries = append(entries, entry)
	}
	sortEntries(entries)
	return entries, nil
}

func (m *Memory) Remove(_ context.Context, key models.Key) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
	return nil
}

func (m *Memory) Clear(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = make(map[models.Key]models.QueueEntry)
	return nil
}

// sortEntries orders by checkpoint time, then key
func sortEntries(entries []models.QueueEntry) {
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Timestamp != entries[j].Timestamp {
			return entries[i].Timestamp < entries[j].Timestamp
		}
		return entries[i].Key().String() < entries[j].Key().String()
	})
}
