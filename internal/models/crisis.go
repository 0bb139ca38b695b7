package models

import "time"

// ReasonCode is the category attached to a crisis detection.
type ReasonCode string

const (
	ReasonSelfHarm        ReasonCode = "self_harm"
	ReasonSuicide         ReasonCode = "suicide"
	ReasonOverdose        ReasonCode = "overdose"
	ReasonImmediateDanger ReasonCode = "immediate_danger"
	ReasonGeneralCrisis   ReasonCode = "general_crisis"
)

// CrisisResult is the outcome of local crisis-language detection.
type CrisisResult struct {
	Detected   bool       `json:"detected"`
	ReasonCode ReasonCode `json:"reason_code,omitempty"`
}

// Severity levels reported by the layered crisis classifier.
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
	SeveritySevere Severity = "severe"
)

// IsValidSeverity checks if the given severity is one the classifier may return.
func IsValidSeverity(s Severity) bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh, SeveritySevere:
		return true
	default:
		return false
	}
}

// ClassifierRequest is sent to the layered crisis classifier.
type ClassifierRequest struct {
	Message  string `json:"message"`
	Language string `json:"language"`
}

// ClassifierResult is returned by the layered crisis classifier.
type ClassifierResult struct {
	IsCrisis   bool     `json:"isCrisis"`
	Severity   Severity `json:"severity"`
	Confidence float64  `json:"confidence"`
}

// CrisisAlert is the side record emitted when a send is intercepted.
type CrisisAlert struct {
	ID             string     `json:"id"`
	Surface        string     `json:"surface"`
	ConversationID string     `json:"conversation_id"`
	ReasonCode     ReasonCode `json:"reason_code"`
	UserIdentifier string     `json:"user_identifier"`
	Layer          string     `json:"layer"`
	CreatedAt      time.Time  `json:"created_at"`
}

// Detection layers used in alerts and analytics.
const (
	LayerLocal      = "local"
	LayerClassifier = "classifier"
)
