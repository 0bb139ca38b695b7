// Package agentoutput parses, validates and sanitizes raw assistant output into
// a models.ValidatedAgentOutput. Parsing never fails loudly: callers receive a
// tagged Result and fall back to raw text or a safe placeholder.
package agentoutput

import (
	"encoding/json"
	"errors"
	"math"
	"strings"

	"github.com/BTreeMap/TurnGuard/internal/models"
)

// Error variables describing why a payload could not be validated.
var (
	ErrNotJSON                 = errors.New("assistant output is not a JSON object")
	ErrMissingAssistantMessage = errors.New("assistant_message missing or empty")
	ErrUnsupportedType         = errors.New("unsupported assistant output type")
)

// DefaultMode is used when the payload omits a mode.
const DefaultMode = "chat"

// Result is the tagged outcome of Parse: exactly one of Output and Err is set.
type Result struct {
	Output *models.ValidatedAgentOutput
	Err    error
}

// Ok reports whether the payload validated.
func (r Result) Ok() bool {
	return r.Err == nil && r.Output != nil
}

// Parse accepts a decoded object, a JSON string, or free text wrapping a JSON
// object, and returns the validated record.
func Parse(raw any) Result {
	obj, err := toObject(raw)
	if err != nil {
		return Result{Err: err}
	}
	return validate(obj)
}

// DisplayText returns the text that may be shown for raw assistant content.
// Structured payloads yield their sanitized assistant message; plain text is
// returned unchanged. ok is false when nothing displayable can be derived.
func DisplayText(raw any) (text string, out *models.ValidatedAgentOutput, ok bool) {
	res := Parse(raw)
	if res.Ok() {
		return res.Output.AssistantMessage, res.Output, true
	}
	s, isString := raw.(string)
	if !isString {
		return "", nil, false
	}
	if LooksStructured(s) || IsJSONObjectText(s) {
		return "", nil, false
	}
	return s, nil, true
}

// ---- decoding ----

func toObject(raw any) (map[string]any, error) {
	switch v := raw.(type) {
	case map[string]any:
		return v, nil
	case string:
		return decodeText(v)
	case []byte:
		return decodeText(string(v))
	case json.RawMessage:
		return decodeText(string(v))
	default:
		return nil, ErrUnsupportedType
	}
}

func decodeText(s string) (map[string]any, error) {
	trimmed := strings.TrimSpace(stripFence(s))
	if trimmed == "" {
		return nil, ErrNotJSON
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(trimmed), &obj); err == nil && obj != nil {
		return obj, nil
	}
	candidate := ExtractFirstObject(trimmed)
	if candidate == "" {
		return nil, ErrNotJSON
	}
	if err := json.Unmarshal([]byte(candidate), &obj); err != nil || obj == nil {
		return nil, ErrNotJSON
	}
	return obj, nil
}

// stripFence removes a surrounding ```json ... ``` fence if present.
func stripFence(s string) string {
	t := strings.TrimSpace(s)
	if !strings.HasPrefix(t, "```") {
		return s
	}
	t = strings.TrimPrefix(t, "```")
	if nl := strings.IndexByte(t, '\n'); nl >= 0 {
		t = t[nl+1:]
	} else {
		t = strings.TrimPrefix(t, "json")
	}
	return strings.TrimSuffix(strings.TrimSpace(t), "```")
}

// ExtractFirstObject returns the first balanced {...} substring of s, honoring
// JSON string literals and escapes. It returns "" when no balanced object exists.
func ExtractFirstObject(s string) string {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return ""
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1]
			}
		}
	}
	return ""
}

// ---- validation ----

func validate(obj map[string]any) Result {
	msg, _ := stringField(obj, "assistant_message", "assistantMessage")
	msg = strings.TrimSpace(msg)
	if msg == "" {
		return Result{Err: ErrMissingAssistantMessage}
	}

	out := &models.ValidatedAgentOutput{
		AssistantMessage: Sanitize(msg),
		Mode:             DefaultMode,
		EvidenceFor:      []string{},
		EvidenceAgainst:  []string{},
		Homework:         []models.HomeworkItem{},
		SaveCandidate:    models.SaveCandidate{Bullets: []string{}},
	}
	if mode, ok := stringField(obj, "mode"); ok && strings.TrimSpace(mode) != "" {
		out.Mode = strings.TrimSpace(mode)
	}
	out.Situation, _ = stringField(obj, "situation")
	out.AutomaticThought, _ = stringField(obj, "automatic_thought", "automaticThought")
	out.BalancedThought, _ = stringField(obj, "balanced_thought", "balancedThought")
	out.EvidenceFor = stringList(lookup(obj, "evidence_for", "evidenceFor"), models.MaxEvidenceItems)
	out.EvidenceAgainst = stringList(lookup(obj, "evidence_against", "evidenceAgainst"), models.MaxEvidenceItems)
	out.EmotionBefore = rating(lookup(obj, "emotion_before", "emotionBefore"))
	out.EmotionAfter = rating(lookup(obj, "emotion_after", "emotionAfter"))
	out.Homework = homework(lookup(obj, "homework"))
	out.SaveCandidate = saveCandidate(lookup(obj, "save_candidate", "saveCandidate"))

	if out.EmotionBefore == nil || len(out.Homework) == 0 {
		out.SaveCandidate.ShouldOfferSave = false
	}

	if LooksStructured(out.AssistantMessage) {
		out.AssistantMessage = SafeFallbackMessage
	}
	return Result{Output: out}
}

func lookup(obj map[string]any, keys ...string) any {
	for _, k := range keys {
		if v, ok := obj[k]; ok && v != nil {
			return v
		}
	}
	return nil
}

func stringField(obj map[string]any, keys ...string) (string, bool) {
	s, ok := lookup(obj, keys...).(string)
	return s, ok
}

func stringList(v any, limit int) []string {
	items, ok := v.([]any)
	if !ok {
		if ss, ok := v.([]string); ok {
			items = make([]any, len(ss))
			for i, s := range ss {
				items[i] = s
			}
		}
	}
	out := []string{}
	for _, item := range items {
		s, ok := item.(string)
		if !ok {
			continue
		}
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		out = append(out, s)
		if len(out) == limit {
			break
		}
	}
	return out
}

func number(v any) (float64, bool) {
	var f float64
	switch n := v.(type) {
	case float64:
		f = n
	case float32:
		f = float64(n)
	case int:
		f = float64(n)
	case int64:
		f = float64(n)
	case json.Number:
		parsed, err := n.Float64()
		if err != nil {
			return 0, false
		}
		f = parsed
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

// rating returns nil for absent, non-numeric or out-of-range ratings.
func rating(v any) *int {
	f, ok := number(v)
	if !ok || f < models.MinEmotionRating || f > models.MaxEmotionRating {
		return nil
	}
	r := int(math.Round(f))
	return &r
}

func homework(v any) []models.HomeworkItem {
	items, _ := v.([]any)
	out := []models.HomeworkItem{}
	for _, item := range items {
		obj, ok := item.(map[string]any)
		if !ok {
			continue
		}
		step, _ := stringField(obj, "step")
		step = strings.TrimSpace(step)
		if step == "" {
			continue
		}
		minutes, ok := number(lookup(obj, "duration_minutes", "durationMinutes"))
		if !ok {
			continue
		}
		d := int(math.Round(minutes))
		if d < models.MinHomeworkMinutes {
			d = models.MinHomeworkMinutes
		}
		if d > models.MaxHomeworkMinutes {
			d = models.MaxHomeworkMinutes
		}
		criteria, _ := stringField(obj, "success_criteria", "successCriteria")
		out = append(out, models.HomeworkItem{
			Step:            step,
			DurationMinutes: d,
			SuccessCriteria: strings.TrimSpace(criteria),
		})
		if len(out) == models.MaxHomeworkItems {
			break
		}
	}
	return out
}

func saveCandidate(v any) models.SaveCandidate {
	sc := models.SaveCandidate{Bullets: []string{}}
	obj, ok := v.(map[string]any)
	if !ok {
		return sc
	}
	sc.ShouldOfferSave, _ = lookup(obj, "should_offer_save", "shouldOfferSave").(bool)
	title, _ := stringField(obj, "title")
	sc.Title = strings.TrimSpace(title)
	sc.Bullets = stringList(lookup(obj, "bullets"), models.MaxSaveBullets)
	return sc
}
