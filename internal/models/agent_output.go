package models

// Caps applied to the list fields of a validated assistant reply.
const (
	MaxEvidenceItems = 5
	MaxHomeworkItems = 2
	MaxSaveBullets   = 3

	MinEmotionRating = 0
	MaxEmotionRating = 10

	MinHomeworkMinutes = 1
	MaxHomeworkMinutes = 60
)

// HomeworkItem is a small between-session exercise proposed by the assistant.
type HomeworkItem struct {
	Step            string `json:"step"`
	DurationMinutes int    `json:"duration_minutes"`
	SuccessCriteria string `json:"success_criteria"`
}

// SaveCandidate is handed to the save flow when the assistant offers to keep
// a summary of the exercise.
type SaveCandidate struct {
	ShouldOfferSave bool     `json:"should_offer_save"`
	Title           string   `json:"title,omitempty"`
	Bullets         []string `json:"bullets"`
}

// ValidatedAgentOutput is the typed, sanitized form of a structured assistant
// reply. Optional numeric ratings are nil when absent or out of range.
type ValidatedAgentOutput struct {
	AssistantMessage string         `json:"assistant_message"`
	Mode             string         `json:"mode"`
	Situation        string         `json:"situation,omitempty"`
	AutomaticThought string         `json:"automatic_thought,omitempty"`
	EvidenceFor      []string       `json:"evidence_for"`
	EvidenceAgainst  []string       `json:"evidence_against"`
	BalancedThought  string         `json:"balanced_thought,omitempty"`
	EmotionBefore    *int           `json:"emotion_before,omitempty"`
	EmotionAfter     *int           `json:"emotion_after,omitempty"`
	Homework         []HomeworkItem `json:"homework"`
	SaveCandidate    SaveCandidate  `json:"save_candidate"`
}
