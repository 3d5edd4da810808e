package remote

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/example/lessonsync/internal/logging"
	"github.com/example/lessonsync/pkg/models"
)

// Postgres implements Remote on a lesson_progress table
type Postgres struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// progressRow mirrors a lesson_progress row
type progressRow struct {
	UserID            string         `db:"user_id"`
	Level             string         `db:"level"`
	ModuleID          int            `db:"module_id"`
	QuestionIndex     int            `db:"question_index"`
	TotalQuestions    int            `db:"total_questions"`
	QuestionPhase     models.Phase   `db:"question_phase"`
	SelectedChoice    sql.NullString `db:"mcq_selected_choice"`
	IsCorrect         sql.NullBool   `db:"mcq_is_correct"`
	IsModuleCompleted bool           `db:"is_module_completed"`
	DeviceID          sql.NullString `db:"device_id"`
	UpdatedAt         time.Time      `db:"updated_at"`
}

func (r progressRow) checkpoint() *models.Checkpoint {
	c := &models.Checkpoint{
		UserID:            r.UserID,
		Level:             r.Level,
		ModuleID:          r.ModuleID,
		QuestionIndex:     r.QuestionIndex,
		TotalQuestions:    r.TotalQuestions,
		QuestionPhase:     r.QuestionPhase,
		IsModuleCompleted: r.IsModuleCompleted,
		DeviceID:          r.DeviceID.String,
		Timestamp:         r.UpdatedAt.UnixMilli(),
	}
	if r.SelectedChoice.Valid {
		choice := r.SelectedChoice.String
		c.SelectedChoice = &choice
	}
	if r.IsCorrect.Valid {
		correct := r.IsCorrect.Bool
		c.IsCorrect = &correct
	}
	return c
}

const progressColumns = `user_id, level, module_id, question_index, total_questions, question_phase,
	mcq_selected_choice, mcq_is_correct, is_module_completed, device_id, updated_at`

// OpenPostgres connects to dsn and ensures the schema exists
func OpenPostgres(ctx context.Context, dsn string, logger *slog.Logger) (*Postgres, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to remote database: %w", err)
	}

	p := NewPostgres(db, logger)
	if err := p.InitSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return p, nil
}

// NewPostgres wraps an existing connection
func NewPostgres(db *sqlx.DB, logger *slog.Logger) *Postgres {
	return &Postgres{
		db:     db,
		logger: logging.OrDefault(logger).With("component", "remote"),
	}
}

// InitSchema creates the lesson_progress table if it doesn't exist
func (p *Postgres) InitSchema(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS lesson_progress (
			user_id TEXT NOT NULL,
			level TEXT NOT NULL,
			module_id INTEGER NOT NULL,
			question_index INTEGER NOT NULL DEFAULT 0,
			total_questions INTEGER NOT NULL DEFAULT 0,
			question_phase TEXT NOT NULL DEFAULT 'MCQ',
			mcq_selected_choice TEXT,
			mcq_is_correct BOOLEAN,
			is_module_completed BOOLEAN NOT NULL DEFAULT false,
			device_id TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (user_id, level, module_id)
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create lesson_progress table: %w", err)
	}
	return nil
}

// Upsert writes c for userID. The last write to arrive wins.
func (p *Postgres) Upsert(ctx context.Context, userID string, c models.Checkpoint) (*models.Checkpoint, error) {
	if userID == "" {
		return nil, ErrUnauthenticated
	}

	query := `
		INSERT INTO lesson_progress (
			user_id, level, module_id, question_index, total_questions, question_phase,
			mcq_selected_choice, mcq_is_correct, is_module_completed, device_id
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NULLIF($10, ''))
		ON CONFLICT (user_id, level, module_id) DO UPDATE SET
			question_index = EXCLUDED.question_index,
			total_questions = EXCLUDED.total_questions,
			question_phase = EXCLUDED.question_phase,
			mcq_selected_choice = EXCLUDED.mcq_selected_choice,
			mcq_is_correct = EXCLUDED.mcq_is_correct,
			is_module_completed = EXCLUDED.is_module_completed,
			device_id = EXCLUDED.device_id,
			updated_at = NOW()
		RETURNING ` + progressColumns

	var row progressRow
	err := p.db.GetContext(ctx, &row, query,
		userID, c.Level, c.ModuleID, c.QuestionIndex, c.TotalQuestions, c.QuestionPhase,
		c.SelectedChoice, c.IsCorrect, c.IsModuleCompleted, c.DeviceID)
	if err != nil {
		return nil, p.classify(fmt.Sprintf("upsert %s", c.Key()), err)
	}
	return row.checkpoint(), nil
}

// Fetch returns the stored checkpoint for userID and key
func (p *Postgres) Fetch(ctx context.Context, userID string, key models.Key) (*models.Checkpoint, error) {
	if userID == "" {
		return nil, ErrUnauthenticated
	}

	var row progressRow
	err := p.db.GetContext(ctx, &row,
		"SELECT "+progressColumns+" FROM lesson_progress WHERE user_id = $1 AND level = $2 AND module_id = $3",
		userID, key.Level, key.ModuleID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, p.classify(fmt.Sprintf("fetch %s", key), err)
	}
	return row.checkpoint(), nil
}

// Close closes the connection
func (p *Postgres) Close() error {
	return p.db.Close()
}

// classify keeps server rejections as plain errors and marks everything
// else as ErrUnavailable.
func (p *Postgres) classify(op string, err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		p.logger.Warn("Remote rejected request", "op", op, "code", string(pqErr.Code), "error", pqErr.Message)
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %v", op, ErrUnavailable, err)
}
