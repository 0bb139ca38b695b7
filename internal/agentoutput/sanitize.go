package agentoutput

import (
	"regexp"
	"strings"
)

const (
	// RedactionMarker replaces diagnostic or prescriptive spans.
	RedactionMarker = "[removed: I can't diagnose or prescribe]"
	// SafeFallbackMessage replaces a reply that still leaks payload structure.
	SafeFallbackMessage = "I'm here with you. Could you tell me a little more about what's on your mind?"
)

// denyList holds phrasing an assistant must never present to the user.
var denyList = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bi\s+(can\s+)?(diagnose|am\s+diagnosing)\s+you\b[^.!?\n]*`),
	regexp.MustCompile(`(?i)\b(my|your|the)\s+diagnosis\s+is\b[^.!?\n]*`),
	regexp.MustCompile(`(?i)\byou\s+(clearly\s+|definitely\s+|probably\s+)?(have|suffer\s+from|are\s+suffering\s+from)\s+(clinical\s+|major\s+|severe\s+)?(depression|bipolar(\s+disorder)?|ptsd|ocd|adhd|schizophrenia|borderline\s+personality\s+disorder|(an?\s+)?(anxiety|eating|panic|personality|mood)\s+disorder)\b`),
	regexp.MustCompile(`(?i)\bi\s+(would\s+)?(prescribe|am\s+prescribing)\b[^.!?\n]*`),
	regexp.MustCompile(`(?i)\byou\s+should\s+(take|start\s+taking|stop\s+taking|increase|decrease|double)\s+(\d+\s*mg\s+(of\s+)?)?(your\s+)?(medication|meds|dose|dosage|sertraline|fluoxetine|escitalopram|zoloft|prozac|lexapro|xanax|lithium|an?\s+antidepressant)\b[^.!?\n]*`),
}

// structuralTokens matches residual JSON field names from the reply schema.
var structuralTokens = regexp.MustCompile(`"(assistant_message|assistantMessage|mode|situation|automatic_thought|automaticThought|evidence_for|evidenceFor|evidence_against|evidenceAgainst|balanced_thought|balancedThought|emotion_before|emotionBefore|emotion_after|emotionAfter|homework|save_candidate|saveCandidate|should_offer_save|shouldOfferSave)"\s*:`)

// Sanitize replaces deny-listed spans with RedactionMarker.
func Sanitize(text string) string {
	out := text
	for _, re := range denyList {
		out = re.ReplaceAllString(out, RedactionMarker)
	}
	return out
}

// LooksStructured reports whether text still carries schema field tokens in
// key position, i.e. a fragment of the payload rather than prose.
func LooksStructured(text string) bool {
	return structuralTokens.MatchString(text)
}

// IsJSONObjectText reports whether trimmed text is framed as a JSON object or
// array, including a fenced ```json block.
func IsJSONObjectText(text string) bool {
	t := strings.TrimSpace(text)
	return strings.HasPrefix(t, "{") || strings.HasPrefix(t, "[") || strings.HasPrefix(t, "```json") || strings.HasPrefix(t, "```{")
}
