package mirror

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/example/lessonsync/pkg/models"
)

// LegacyKey is the meta bucket key holding the v1 progress map, keyed
// "<level>-<module>"
const LegacyKey = "ll_progress_v1"

// LegacyProgress is one module entry of the v1 progress document. It
// predates per-question phases and tracks listening/speaking counters.
type LegacyProgress struct {
	Level          legacyLevel `json:"level"`
	Module         int         `json:"module"`
	Phase          string      `json:"phase"`
	ListeningIndex int         `json:"listeningIndex"`
	SpeakingIndex  int         `json:"speakingIndex"`
	Completed      bool        `json:"completed"`
	TotalListening int         `json:"totalListening"`
	TotalSpeaking  int         `json:"totalSpeaking"`
	UpdatedAt      int64       `json:"updatedAt"`
	V              int         `json:"v"`
}

// Checkpoint converts the legacy entry into a checkpoint
func (p LegacyProgress) Checkpoint() models.Checkpoint {
	total := p.TotalSpeaking
	if p.SpeakingIndex > total {
		total = p.SpeakingIndex
	}
	return models.Checkpoint{
		Level:             string(p.Level),
		ModuleID:          p.Module,
		QuestionIndex:     p.SpeakingIndex,
		TotalQuestions:    total,
		QuestionPhase:     models.PhaseFromLegacy(p.Phase, p.Completed),
		IsModuleCompleted: p.Completed,
		Timestamp:         p.UpdatedAt,
	}
}

// legacyLevel accepts both "A1" and numeric levels written by older builds
type legacyLevel string

func (l *legacyLevel) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*l = legacyLevel(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("legacy level: %w", err)
	}
	if _, err := strconv.ParseFloat(n.String(), 64); err != nil {
		return fmt.Errorf("legacy level: %w", err)
	}
	*l = legacyLevel(n.String())
	return nil
}
