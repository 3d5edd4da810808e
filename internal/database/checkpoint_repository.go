package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/example/lessonsync/pkg/models"
)

// CheckpointRepository handles queue entries stored in SQLite
type CheckpointRepository struct {
	db *DB
}

// NewCheckpointRepository creates a new repository instance
func NewCheckpointRepository(db *DB) *CheckpointRepository {
	return &CheckpointRepository{db: db}
}

// Name identifies this tier in logs and stats
func (r *CheckpointRepository) Name() string {
	return "sqlite"
}

const selectEntry = `
	SELECT level, module_id, user_id, question_index, total_questions, question_phase,
		mcq_selected_choice, mcq_is_correct, is_module_completed, device_id, timestamp,
		retry_count, last_retry_at, queued_at
	FROM checkpoint_queue`

// Put inserts or replaces the entry for its (level, module_id)
func (r *CheckpointRepository) Put(ctx context.Context, entry models.QueueEntry) error {
	conn, err := r.db.Conn(ctx)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO checkpoint_queue (
			level, module_id, user_id, question_index, total_questions, question_phase,
			mcq_selected_choice, mcq_is_correct, is_module_completed, device_id, timestamp,
			retry_count, last_retry_at, queued_at
		) VALUES (
			:level, :module_id, :user_id, :question_index, :total_questions, :question_phase,
			:mcq_selected_choice, :mcq_is_correct, :is_module_completed, :device_id, :timestamp,
			:retry_count, :last_retry_at, :queued_at
		)
		ON CONFLICT (level, module_id) DO UPDATE SET
			user_id = excluded.user_id,
			question_index = excluded.question_index,
			total_questions = excluded.total_questions,
			question_phase = excluded.question_phase,
			mcq_selected_choice = excluded.mcq_selected_choice,
			mcq_is_correct = excluded.mcq_is_correct,
			is_module_completed = excluded.is_module_completed,
			device_id = excluded.device_id,
			timestamp = excluded.timestamp,
			retry_count = excluded.retry_count,
			last_retry_at = excluded.last_retry_at,
			queued_at = excluded.queued_at
	`
	if _, err := conn.NamedExecContext(ctx, query, entry); err != nil {
		return fmt.Errorf("failed to upsert queue entry %s: %w", entry.Key(), err)
	}
	return nil
}

// Get returns the entry for key, or nil when there is none
func (r *CheckpointRepository) Get(ctx context.Context, key models.Key) (*models.QueueEntry, error) {
	conn, err := r.db.Conn(ctx)
	if err != nil {
		return nil, err
	}

	var entry models.QueueEntry
	err = conn.GetContext(ctx, &entry, selectEntry+" WHERE level = ? AND module_id = ?", key.Level, key.ModuleID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get queue entry %s: %w", key, err)
	}
	return &entry, nil
}

// All returns every queued entry, oldest checkpoint first
func (r *CheckpointRepository) All(ctx context.Context) ([]models.QueueEntry, error) {
	conn, err := r.db.Conn(ctx)
	if err != nil {
		return nil, err
	}

	var entries []models.QueueEntry
	if err := conn.SelectContext(ctx, &entries, selectEntry+" ORDER BY timestamp ASC"); err != nil {
		return nil, fmt.Errorf("failed to list queue entries: %w", err)
	}
	return entries, nil
}

// Remove deletes the entry for key
func (r *CheckpointRepository) Remove(ctx context.Context, key models.Key) error {
	conn, err := r.db.Conn(ctx)
	if err != nil {
		return err
	}

	if _, err := conn.ExecContext(ctx, "DELETE FROM checkpoint_queue WHERE level = ? AND module_id = ?",
		key.Level, key.ModuleID); err != nil {
		return fmt.Errorf("failed to remove queue entry %s: %w", key, err)
	}
	return nil
}

// Clear deletes every entry
func (r *CheckpointRepository) Clear(ctx context.Context) error {
	conn, err := r.db.Conn(ctx)
	if err != nil {
		return err
	}

	if _, err := conn.ExecContext(ctx, "DELETE FROM checkpoint_queue"); err != nil {
		return fmt.Errorf("failed to clear queue: %w", err)
	}
	return nil
}
