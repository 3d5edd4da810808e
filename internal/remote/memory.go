package remote

import (
	"context"
	"sync"
	"time"

	"github.com/example/lessonsync/pkg/models"
)

type memoryKey struct {
	userID string
	key    models.Key
}

// Memory is an in-process Remote with failure injection. The run command
// uses it when no DSN is configured and --memory-remote is set.
type Memory struct {
	mu       sync.Mutex
	records  map[memoryKey]models.Checkpoint
	upserts  []models.Checkpoint
	fetches  int
	failNext int
	failErr  error
	down     bool
	now      func() time.Time
}

// NewMemory creates an empty remote
func NewMemory() *Memory {
	return &Memory{
		records: make(map[memoryKey]models.Checkpoint),
		now:     time.Now,
	}
}

// SetClock replaces the source of updated_at values
func (m *Memory) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// SetDown makes every call fail with ErrUnavailable until cleared
func (m *Memory) SetDown(down bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.down = down
}

// FailNext makes the next n calls fail with err
func (m *Memory) FailNext(n int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNext = n
	m.failErr = err
}

// Seed stores c as if it had been written at c.Timestamp
func (m *Memory) Seed(userID string, c models.Checkpoint) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c.UserID = userID
	m.records[memoryKey{userID, c.Key()}] = c
}

// Record returns what is stored for userID and key
func (m *Memory) Record(userID string, key models.Key) (models.Checkpoint, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.records[memoryKey{userID, key}]
	return c, ok
}

// Upserts returns every accepted write in arrival order
func (m *Memory) Upserts() []models.Checkpoint {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.Checkpoint(nil), m.upserts...)
}

// Fetches returns the number of Fetch calls that reached the store
func (m *Memory) Fetches() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fetches
}

func (m *Memory) Upsert(ctx context.Context, userID string, c models.Checkpoint) (*models.Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.check(ctx, userID); err != nil {
		return nil, err
	}

	c.UserID = userID
	c.Timestamp = m.now().UnixMilli()
	m.records[memoryKey{userID, c.Key()}] = c
	m.upserts = append(m.upserts, c)
	return &c, nil
}

func (m *Memory) Fetch(ctx context.Context, userID string, key models.Key) (*models.Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.check(ctx, userID); err != nil {
		return nil, err
	}

	m.fetches++
	c, ok := m.records[memoryKey{userID, key}]
	if !ok {
		return nil, ErrNotFound
	}
	return &c, nil
}

func (m *Memory) check(ctx context.Context, userID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if userID == "" {
		return ErrUnauthenticated
	}
	if m.down {
		return ErrUnavailable
	}
	if m.failNext > 0 {
		m.failNext--
		return m.failErr
	}
	return nil
}
