// Package remote is the server-side persistence service for checkpoints.
package remote

import (
	"context"
	"errors"

	"github.com/example/lessonsync/pkg/models"
)

var (
	// ErrNotFound is returned by Fetch when the user has no record for the key
	ErrNotFound = errors.New("remote checkpoint not found")
	// ErrUnauthenticated is returned when no user id is available
	ErrUnauthenticated = errors.New("not authenticated")
	// ErrUnavailable wraps transport failures that a later retry may fix
	ErrUnavailable = errors.New("remote service unavailable")
)

// Remote stores one checkpoint per (user, level, module). The Timestamp of
// a returned checkpoint is the server's updated_at in milliseconds.
type Remote interface {
	Upsert(ctx context.Context, userID string, c models.Checkpoint) (*models.Checkpoint, error)
	Fetch(ctx context.Context, userID string, key models.Key) (*models.Checkpoint, error)
}

// Unavailable is used when no remote service is configured. Every call
// fails with ErrUnavailable so writes stay queued locally.
type Unavailable struct{}

func (Unavailable) Upsert(context.Context, string, models.Checkpoint) (*models.Checkpoint, error) {
	return nil, ErrUnavailable
}

func (Unavailable) Fetch(context.Context, string, models.Key) (*models.Checkpoint, error) {
	return nil, ErrUnavailable
}
