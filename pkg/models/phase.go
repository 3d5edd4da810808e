package models

import (
	"database/sql/driver"
	"fmt"
)

// Phase is the step a learner is at within a single question
type Phase string

const (
	PhaseMCQ              Phase = "MCQ"
	PhaseSpeakReady       Phase = "SPEAK_READY"
	PhaseAwaitingFeedback Phase = "AWAITING_FEEDBACK"
	PhaseCompleted        Phase = "COMPLETED"
)

// Valid reports whether p is one of the known phases
func (p Phase) Valid() bool {
	switch p {
	case PhaseMCQ, PhaseSpeakReady, PhaseAwaitingFeedback, PhaseCompleted:
		return true
	}
	return false
}

// ParsePhase converts a stored phase name into a Phase
func ParsePhase(s string) (Phase, error) {
	p := Phase(s)
	if !p.Valid() {
		return "", fmt.Errorf("unknown question phase %q", s)
	}
	return p, nil
}

// Scan implements sql.Scanner
func (p *Phase) Scan(src interface{}) error {
	var s string
	switch v := src.(type) {
	case string:
		s = v
	case []byte:
		s = string(v)
	case nil:
		*p = PhaseMCQ
		return nil
	default:
		return fmt.Errorf("cannot scan %T into Phase", src)
	}
	parsed, err := ParsePhase(s)
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// Value implements driver.Valuer
func (p Phase) Value() (driver.Value, error) {
	if !p.Valid() {
		return nil, fmt.Errorf("unknown question phase %q", string(p))
	}
	return string(p), nil
}

// Legacy lesson phases written by the v1 progress document.
const (
	LegacyPhaseIntro     = "intro"
	LegacyPhaseListening = "listening"
	LegacyPhaseSpeaking  = "speaking"
	LegacyPhaseComplete  = "complete"
)

// PhaseFromLegacy maps a v1 lesson phase onto the question phase enum.
// The v1 schema tracked phases per lesson rather than per question, so
// every unfinished module resumes at the multiple-choice step, whatever
// the legacy name (including unknown ones).
func PhaseFromLegacy(legacy string, completed bool) Phase {
	if completed {
		return PhaseCompleted
	}
	return PhaseMCQ
}
