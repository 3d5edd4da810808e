package models

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrInvalidCheckpoint is returned when a checkpoint breaks a field invariant
	ErrInvalidCheckpoint = errors.New("invalid checkpoint")
	// ErrCompletionRegression is returned when a write would un-complete a module
	ErrCompletionRegression = errors.New("module completion cannot be reverted")
)

// Key is the composite natural key of a checkpoint
type Key struct {
	Level    string
	ModuleID int
}

// String returns the key in "<level>-<module>" form
func (k Key) String() string {
	return fmt.Sprintf("%s-%d", k.Level, k.ModuleID)
}

// Checkpoint is a user's position within one lesson module
type Checkpoint struct {
	UserID            string  `json:"user_id,omitempty" db:"user_id"`
	Level             string  `json:"level" db:"level"`
	ModuleID          int     `json:"module_id" db:"module_id"`
	QuestionIndex     int     `json:"question_index" db:"question_index"`
	TotalQuestions    int     `json:"total_questions" db:"total_questions"`
	QuestionPhase     Phase   `json:"question_phase" db:"question_phase"`
	SelectedChoice    *string `json:"mcq_selected_choice,omitempty" db:"mcq_selected_choice"`
	IsCorrect         *bool   `json:"mcq_is_correct,omitempty" db:"mcq_is_correct"`
	IsModuleCompleted bool    `json:"is_module_completed" db:"is_module_completed"`
	DeviceID          string  `json:"device_id,omitempty" db:"device_id"`
	Timestamp         int64   `json:"timestamp" db:"timestamp"` // Milliseconds since epoch
}

// Key returns the checkpoint's composite key
func (c Checkpoint) Key() Key {
	return Key{Level: c.Level, ModuleID: c.ModuleID}
}

// Time returns the checkpoint timestamp as a time.Time
func (c Checkpoint) Time() time.Time {
	return time.UnixMilli(c.Timestamp)
}

// Validate checks the field invariants of a checkpoint
func (c Checkpoint) Validate() error {
	switch {
	case c.Level == "":
		return fmt.Errorf("%w: level is required", ErrInvalidCheckpoint)
	case c.ModuleID < 0:
		return fmt.Errorf("%w: module_id %d is negative", ErrInvalidCheckpoint, c.ModuleID)
	case c.QuestionIndex < 0 || c.TotalQuestions < 0:
		return fmt.Errorf("%w: question counters must not be negative", ErrInvalidCheckpoint)
	case c.QuestionIndex > c.TotalQuestions:
		return fmt.Errorf("%w: question_index %d exceeds total_questions %d",
			ErrInvalidCheckpoint, c.QuestionIndex, c.TotalQuestions)
	case !c.QuestionPhase.Valid():
		return fmt.Errorf("%w: unknown question_phase %q", ErrInvalidCheckpoint, string(c.QuestionPhase))
	case c.IsModuleCompleted && c.QuestionPhase != PhaseCompleted:
		return fmt.Errorf("%w: completed module must be in phase %s", ErrInvalidCheckpoint, PhaseCompleted)
	}
	return nil
}

// CheckTransition returns ErrCompletionRegression when next would mark a
// completed module as not completed. prev may be nil.
func CheckTransition(prev *Checkpoint, next Checkpoint) error {
	if prev != nil && prev.IsModuleCompleted && !next.IsModuleCompleted {
		return fmt.Errorf("%w: %s", ErrCompletionRegression, next.Key())
	}
	return nil
}

// NewerThan reports whether c was written strictly after other
func (c Checkpoint) NewerThan(other Checkpoint) bool {
	return c.Timestamp > other.Timestamp
}
