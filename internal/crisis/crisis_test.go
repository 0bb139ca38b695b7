package crisis

import (
	"strings"
	"testing"
	"time"

	"github.com/BTreeMap/TurnGuard/internal/models"
)

func TestNormalize_LeetAndSpacing(t *testing.T) {
	cases := map[string]string{
		"K1ll mys3lf":         "kill myself",
		"k i l l  myself":     "kill myself",
		"k.i.l.l my-self":     "kill my-self",
		"  lots   of   space ": "lots of space",
		"I'm fine":            "i'm fine",
		"":                    "",
	}
	for in, want := range cases {
		if got := Normalize(in); got != want {
			t.Errorf("Normalize(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestDetect_ObfuscatedPhrases(t *testing.T) {
	inputs := []string{
		"k1ll mys3lf",
		"k i l l  myself",
		"k.i.l.l.m.y.s.e.l.f",
		"I want to $u1c1de",
		"i want to d i e",
		"thinking about 0verd0sing tonight",
		"I'm going to hurt myself",
		"I keep cutting my arms",
		"everyone would be better off without me",
		"I wish I was never born",
		"goodbye forever",
	}
	for _, in := range inputs {
		if !Detect(in) {
			t.Errorf("expected detection for %q", in)
		}
	}
}

func TestDetect_Benign(t *testing.T) {
	inputs := []string{
		"",
		"   ",
		"I had a rough day at work but I'm okay",
		"this deadline is killing me",
		"I cut the vegetables for dinner",
		"my therapist said to take my meds with food",
		"I am a bit anxious about tomorrow",
	}
	for _, in := range inputs {
		if Detect(in) {
			t.Errorf("unexpected detection for %q", in)
		}
	}
}

func TestCategorizeReason_Priority(t *testing.T) {
	cases := []struct {
		in   string
		want models.ReasonCode
	}{
		{"I'm going to hurt myself", models.ReasonSelfHarm},
		{"I want to kill myself", models.ReasonSuicide},
		{"I feel suicidal", models.ReasonSuicide},
		{"I could take all my pills", models.ReasonOverdose},
		{"I have a knife right here", models.ReasonImmediateDanger},
		{"there is no way out", models.ReasonGeneralCrisis},
		// self-harm outranks suicide when both match
		{"I hurt myself and I feel suicidal", models.ReasonSelfHarm},
	}
	for _, tc := range cases {
		if got := CategorizeReason(tc.in); got != tc.want {
			t.Errorf("CategorizeReason(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestEvaluate(t *testing.T) {
	res := Evaluate("I'm going to hurt myself")
	if !res.Detected || res.ReasonCode != models.ReasonSelfHarm {
		t.Errorf("unexpected result %+v", res)
	}
	if res := Evaluate("hello there"); res.Detected || res.ReasonCode != "" {
		t.Errorf("expected empty result, got %+v", res)
	}
}

func TestCategories(t *testing.T) {
	names := Categories("I'm going to hurt myself")
	if len(names) == 0 || names[0] != "self_harm_reflexive" {
		t.Errorf("unexpected categories %v", names)
	}
	if Categories("") != nil {
		t.Error("expected nil categories for empty input")
	}
}

func TestDetect_Fast(t *testing.T) {
	msg := strings.Repeat("today was long and I talked to my friend about it. ", 20)
	start := time.Now()
	for i := 0; i < 100; i++ {
		Detect(msg)
	}
	if elapsed := time.Since(start) / 100; elapsed > 5*time.Millisecond {
		t.Errorf("Detect too slow: %v per call", elapsed)
	}
}
