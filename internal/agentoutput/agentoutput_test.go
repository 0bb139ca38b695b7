package agentoutput

import (
	"errors"
	"strings"
	"testing"
)

func TestParse_StructuredReplyYieldsMessageOnly(t *testing.T) {
	res := Parse(`{"assistant_message":"Let's begin","mode":"thought_work"}`)
	if !res.Ok() {
		t.Fatalf("expected ok, got err %v", res.Err)
	}
	if res.Output.AssistantMessage != "Let's begin" {
		t.Errorf("AssistantMessage = %q", res.Output.AssistantMessage)
	}
	if res.Output.Mode != "thought_work" {
		t.Errorf("Mode = %q", res.Output.Mode)
	}
	text, _, ok := DisplayText(`{"assistant_message":"Let's begin","mode":"thought_work"}`)
	if !ok || text != "Let's begin" {
		t.Errorf("DisplayText = %q, %v", text, ok)
	}
	if strings.ContainsAny(text, "{}") || strings.Contains(text, "assistant_message") {
		t.Errorf("structure leaked into display text: %q", text)
	}
}

func TestParse_AcceptsObjectAndCamelCase(t *testing.T) {
	res := Parse(map[string]any{"assistantMessage": "Hello", "evidenceFor": []any{"a", "b"}})
	if !res.Ok() {
		t.Fatalf("unexpected err %v", res.Err)
	}
	if res.Output.Mode != DefaultMode {
		t.Errorf("Mode = %q, want %q", res.Output.Mode, DefaultMode)
	}
	if len(res.Output.EvidenceFor) != 2 {
		t.Errorf("EvidenceFor = %v", res.Output.EvidenceFor)
	}
}

func TestParse_FencedAndEmbeddedJSON(t *testing.T) {
	inputs := []string{
		"```json\n{\"assistant_message\":\"Hello there\"}\n```",
		`Sure! {"assistant_message":"Hello there","note":"a {brace} inside"} thanks`,
		`{"assistant_message":"Hello there"} trailing words`,
	}
	for _, in := range inputs {
		res := Parse(in)
		if !res.Ok() {
			t.Errorf("Parse(%q) err %v", in, res.Err)
			continue
		}
		if res.Output.AssistantMessage != "Hello there" {
			t.Errorf("Parse(%q) message = %q", in, res.Output.AssistantMessage)
		}
	}
}

func TestParse_Errors(t *testing.T) {
	cases := []struct {
		raw  any
		want error
	}{
		{"just some words", ErrNotJSON},
		{"", ErrNotJSON},
		{`{"assistant_message": "unterminated`, ErrNotJSON},
		{`{"mode":"chat"}`, ErrMissingAssistantMessage},
		{`{"assistant_message":"   "}`, ErrMissingAssistantMessage},
		{`{"assistant_message": 42}`, ErrMissingAssistantMessage},
		{42, ErrUnsupportedType},
		{nil, ErrUnsupportedType},
	}
	for _, tc := range cases {
		res := Parse(tc.raw)
		if res.Ok() {
			t.Errorf("Parse(%v) unexpectedly ok", tc.raw)
			continue
		}
		if !errors.Is(res.Err, tc.want) {
			t.Errorf("Parse(%v) err = %v, want %v", tc.raw, res.Err, tc.want)
		}
	}
}

func TestParse_ShouldOfferSaveRequiresEmotionAndHomework(t *testing.T) {
	noHomework := `{"assistant_message":"ok","emotion_before":6,"homework":[],
		"save_candidate":{"should_offer_save":true,"title":"t","bullets":["x"]}}`
	if res := Parse(noHomework); !res.Ok() || res.Output.SaveCandidate.ShouldOfferSave {
		t.Errorf("expected shouldOfferSave=false without homework, got %+v", res)
	}

	noEmotion := `{"assistant_message":"ok","homework":[{"step":"walk","duration_minutes":10,"success_criteria":"done"}],
		"save_candidate":{"should_offer_save":true}}`
	if res := Parse(noEmotion); !res.Ok() || res.Output.SaveCandidate.ShouldOfferSave {
		t.Errorf("expected shouldOfferSave=false without emotion_before, got %+v", res)
	}

	both := `{"assistant_message":"ok","emotion_before":6,"homework":[{"step":"walk","duration_minutes":10,"success_criteria":"done"}],
		"save_candidate":{"should_offer_save":true,"title":"Walk plan"}}`
	res := Parse(both)
	if !res.Ok() || !res.Output.SaveCandidate.ShouldOfferSave {
		t.Fatalf("expected shouldOfferSave=true, got %+v", res)
	}
	if res.Output.SaveCandidate.Title != "Walk plan" {
		t.Errorf("Title = %q", res.Output.SaveCandidate.Title)
	}
}

func TestParse_CapsAndRatings(t *testing.T) {
	raw := `{
		"assistant_message":"ok",
		"evidence_for":["1","2","3","4","5","6","7"],
		"evidence_against":["a", 3, "", "b"],
		"emotion_before": 11,
		"emotion_after": "5",
		"homework":[
			{"step":"one","duration_minutes":90,"success_criteria":"c"},
			{"step":"","duration_minutes":5},
			{"step":"two","duration_minutes":0},
			{"step":"three","duration_minutes":"ten"},
			{"step":"four","duration_minutes":3}
		],
		"save_candidate":{"bullets":["a","b","c","d"]}
	}`
	res := Parse(raw)
	if !res.Ok() {
		t.Fatalf("unexpected err %v", res.Err)
	}
	out := res.Output
	if len(out.EvidenceFor) != 5 {
		t.Errorf("EvidenceFor len = %d, want 5", len(out.EvidenceFor))
	}
	if len(out.EvidenceAgainst) != 2 {
		t.Errorf("EvidenceAgainst = %v", out.EvidenceAgainst)
	}
	if out.EmotionBefore != nil {
		t.Errorf("EmotionBefore = %d, want absent", *out.EmotionBefore)
	}
	if out.EmotionAfter != nil {
		t.Errorf("EmotionAfter = %d, want absent", *out.EmotionAfter)
	}
	if len(out.Homework) != 2 {
		t.Fatalf("Homework = %+v", out.Homework)
	}
	if out.Homework[0].DurationMinutes != 60 || out.Homework[1].DurationMinutes != 1 {
		t.Errorf("durations not clamped: %+v", out.Homework)
	}
	if len(out.SaveCandidate.Bullets) != 3 {
		t.Errorf("Bullets = %v", out.SaveCandidate.Bullets)
	}
}

func TestParse_RatingInRange(t *testing.T) {
	res := Parse(`{"assistant_message":"ok","emotion_before":0,"emotion_after":7}`)
	if !res.Ok() {
		t.Fatalf("unexpected err %v", res.Err)
	}
	if res.Output.EmotionBefore == nil || *res.Output.EmotionBefore != 0 {
		t.Errorf("EmotionBefore = %v", res.Output.EmotionBefore)
	}
	if res.Output.EmotionAfter == nil || *res.Output.EmotionAfter != 7 {
		t.Errorf("EmotionAfter = %v", res.Output.EmotionAfter)
	}
}

func TestParse_RedactsDiagnosticPhrasing(t *testing.T) {
	res := Parse(`{"assistant_message":"I can diagnose you with depression. Let's slow down."}`)
	if !res.Ok() {
		t.Fatalf("unexpected err %v", res.Err)
	}
	msg := res.Output.AssistantMessage
	if !strings.Contains(msg, RedactionMarker) {
		t.Errorf("expected redaction marker in %q", msg)
	}
	if strings.Contains(strings.ToLower(msg), "diagnose you") {
		t.Errorf("diagnostic phrase survived: %q", msg)
	}
	if !strings.Contains(msg, "Let's slow down.") {
		t.Errorf("benign sentence lost: %q", msg)
	}
}

func TestSanitize(t *testing.T) {
	cases := []struct {
		in      string
		redacts bool
	}{
		{"You have depression, it seems.", true},
		{"I would prescribe something stronger.", true},
		{"You should stop taking your medication today.", true},
		{"My diagnosis is clear.", true},
		{"It sounds like a heavy week.", false},
		{"Have you talked to your doctor about your medication?", false},
	}
	for _, tc := range cases {
		got := Sanitize(tc.in)
		if redacted := strings.Contains(got, RedactionMarker); redacted != tc.redacts {
			t.Errorf("Sanitize(%q) = %q, redacted=%v want %v", tc.in, got, redacted, tc.redacts)
		}
	}
}

func TestParse_StructuralLeakFallsBack(t *testing.T) {
	res := Parse(`{"assistant_message":"Okay. \"mode\": \"chat\", \"homework\": []"}`)
	if !res.Ok() {
		t.Fatalf("unexpected err %v", res.Err)
	}
	if res.Output.AssistantMessage != SafeFallbackMessage {
		t.Errorf("AssistantMessage = %q, want fallback", res.Output.AssistantMessage)
	}
}

func TestDisplayText_PlainAndUnsafe(t *testing.T) {
	plain := "The docs mention assistant_message as a field name."
	if text, out, ok := DisplayText(plain); !ok || text != plain || out != nil {
		t.Errorf("DisplayText(plain) = %q, %v, %v", text, out, ok)
	}
	if _, _, ok := DisplayText(`{"mode":"chat"}`); ok {
		t.Error("expected JSON without assistant message to be undisplayable")
	}
	if _, _, ok := DisplayText(`prefix "assistant_message": "x`); ok {
		t.Error("expected structural fragment to be undisplayable")
	}
	if _, _, ok := DisplayText(map[string]any{"mode": "chat"}); ok {
		t.Error("expected raw object without message to be undisplayable")
	}
}

func TestLooksStructured(t *testing.T) {
	if LooksStructured(`he said assistant_message without quotes`) {
		t.Error("bare field-like word must not count as structure")
	}
	if !LooksStructured(`"evidence_for": ["x"]`) {
		t.Error("expected quoted field token to count as structure")
	}
}

func TestExtractFirstObject(t *testing.T) {
	cases := map[string]string{
		`x {"a":"}"} y`:    `{"a":"}"}`,
		`{"a":{"b":1}} {}`: `{"a":{"b":1}}`,
		`{"a":"\"}"}`:      `{"a":"\"}"}`,
		`no object`:        ``,
		`{"unbalanced": 1`: ``,
	}
	for in, want := range cases {
		if got := ExtractFirstObject(in); got != want {
			t.Errorf("ExtractFirstObject(%q) = %q, want %q", in, got, want)
		}
	}
}
