// Package crisis provides a deterministic, local crisis-language detector for
// outgoing user text. Matching runs against both the lowercased input and an
// anti-bypass normalized form, so leetspeak and spaced-out letters still match.
package crisis

import (
	"regexp"
	"strings"

	"github.com/BTreeMap/TurnGuard/internal/models"
)

// ---- Normalization ----

// leetTable maps digits and symbols commonly used to disguise letters.
var leetTable = map[rune]rune{
	'0': 'o',
	'1': 'i',
	'3': 'e',
	'4': 'a',
	'5': 's',
	'7': 't',
	'8': 'b',
	'9': 'g',
	'@': 'a',
	'$': 's',
	'!': 'i',
	'|': 'l',
	'+': 't',
}

var (
	// spacedLetters matches three or more single letters separated by
	// punctuation or whitespace runs ("k.i.l.l", "k i l l").
	spacedLetters = regexp.MustCompile(`\b[a-z](?:[^a-z0-9']+[a-z]\b){2,}`)
	nonLetters    = regexp.MustCompile(`[^a-z]+`)
	whitespaceRun = regexp.MustCompile(`\s+`)
)

// Normalize lowercases text, applies the leetspeak table, joins letters that
// were split apart by punctuation or spaces, and collapses whitespace runs.
func Normalize(text string) string {
	if text == "" {
		return ""
	}
	lowered := strings.ToLower(text)

	var b strings.Builder
	b.Grow(len(lowered))
	for _, r := range lowered {
		if sub, ok := leetTable[r]; ok {
			b.WriteRune(sub)
			continue
		}
		b.WriteRune(r)
	}

	out := spacedLetters.ReplaceAllStringFunc(b.String(), func(m string) string {
		return nonLetters.ReplaceAllString(m, "")
	})
	out = whitespaceRun.ReplaceAllString(out, " ")
	return strings.TrimSpace(out)
}

// ---- Pattern categories ----

type category struct {
	name     string
	reason   models.ReasonCode
	patterns []*regexp.Regexp
}

func compile(exprs ...string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, 0, len(exprs))
	for _, e := range exprs {
		out = append(out, regexp.MustCompile(e))
	}
	return out
}

var (
	selfHarm = category{
		name:   "self_harm_reflexive",
		reason: models.ReasonSelfHarm,
		patterns: compile(
			`\b(hurt|hurting|harm|harming|injure|injuring|punish|punishing|burn|burning|starve|starving|cut|cutting)\s*(my\s*self|myself)\b`,
			`\bself[\s-]?harm(ing)?\b`,
		),
	}
	cutting = category{
		name:   "cutting",
		reason: models.ReasonSelfHarm,
		patterns: compile(
			`\bcut(ting)?\s+(my\s+)?(wrists?|arms?|legs?|thighs?|skin)\b`,
			`\bslit(ting)?\s+my\s+(wrists?|throat)\b`,
		),
	}
	suicide = category{
		name:   "suicide",
		reason: models.ReasonSuicide,
		patterns: compile(
			`\bsuicid(e|al)\b`,
			`\bkill(ing)?\s*(my\s*self|myself)\b`,
			`\bkms\b`,
		),
	}
	endingLife = category{
		name:   "ending_life",
		reason: models.ReasonSuicide,
		patterns: compile(
			`\b(end|ending|take|taking)\s+my\s+(own\s+)?life\b`,
			`\bwant(ed)?\s+to\s+die\b`,
			`\bbetter\s+off\s+dead\b`,
			`\b(don'?t|do\s+not)\s+(want|wanna)\s+(to\s+)?(live|be\s+alive)\b`,
		),
	}
	overdose = category{
		name:   "overdose_method",
		reason: models.ReasonOverdose,
		patterns: compile(
			`\boverdos(e|ed|ing)\b`,
			`\b(take|taking|took|swallow|swallowing)\s+all\s+(of\s+)?(my|the)\s+(pills|meds|medication|tablets)\b`,
			`\b(take|taking|took|swallow|swallowing)\s+(a\s+)?(bunch|handful|bottle|box)\s+of\s+(pills|tablets|meds)\b`,
			`\bhang(ing)?\s+myself\b`,
			`\bjump(ing)?\s+off\s+(a|the)\s+(bridge|building|roof|cliff)\b`,
		),
	}
	immediateDanger = category{
		name:   "immediate_danger",
		reason: models.ReasonImmediateDanger,
		patterns: compile(
			`\b(going\s+to|gonna)\s+do\s+it\s+(now|tonight|today)\b`,
			`\b(have|got)\s+(a|the|my)\s+(gun|knife|rope|pills|blade)\s+(ready|with\s+me|right\s+here|in\s+my\s+hand)\b`,
			`\btonight\s+is\s+the\s+night\b`,
			`\bthis\s+is\s+my\s+last\s+(message|night|day)\b`,
		),
	}
	farewell = category{
		name:   "farewell_hopelessness",
		reason: models.ReasonGeneralCrisis,
		patterns: compile(
			`\b(goodbye|bye)\s+(forever|everyone|world|cruel\s+world)\b`,
			`\bno\s+reason\s+to\s+(live|keep\s+going|go\s+on)\b`,
			`\bcan'?t\s+go\s+on\b`,
			`\bno\s+way\s+out\b`,
			`\b(everyone|everybody|they|the\s+world)\s+(would|will)\s+be\s+better\s+off\s+without\s+me\b`,
		),
	}
	indirect = category{
		name:   "indirect_ideation",
		reason: models.ReasonGeneralCrisis,
		patterns: compile(
			`\bwish\s+i\s+(was|were)\s+(dead|never\s+born)\b`,
			`\b(don'?t|do\s+not)\s+want\s+to\s+(wake\s+up|be\s+here\s+anymore|exist)\b`,
			`\b(disappear|sleep)\s+forever\b`,
			`\bnot\s+be\s+around\s+anymore\b`,
		),
	}
)

// detectionOrder is the full ordered list tested by Detect.
var detectionOrder = []category{selfHarm, suicide, endingLife, cutting, overdose, farewell, indirect, immediateDanger}

// reasonPriority is the subset consulted by CategorizeReason, most specific first.
var reasonPriority = []category{selfHarm, cutting, suicide, endingLife, overdose, immediateDanger}

// ---- Public API ----

// Detect reports whether text contains crisis language in either its
// lowercased or normalized form. Empty input is never a detection.
func Detect(text string) bool {
	if strings.TrimSpace(text) == "" {
		return false
	}
	lowered, normalized := variants(text)
	for _, c := range detectionOrder {
		if c.matches(lowered, normalized) {
			return true
		}
	}
	return false
}

// CategorizeReason returns the highest-priority category matching text,
// defaulting to general_crisis when no specific category applies.
func CategorizeReason(text string) models.ReasonCode {
	if strings.TrimSpace(text) == "" {
		return models.ReasonGeneralCrisis
	}
	lowered, normalized := variants(text)
	for _, c := range reasonPriority {
		if c.matches(lowered, normalized) {
			return c.reason
		}
	}
	return models.ReasonGeneralCrisis
}

// Evaluate runs Detect and, on detection, CategorizeReason.
func Evaluate(text string) models.CrisisResult {
	if !Detect(text) {
		return models.CrisisResult{}
	}
	return models.CrisisResult{Detected: true, ReasonCode: CategorizeReason(text)}
}

// ---- helpers ----

func variants(text string) (string, string) {
	return strings.ToLower(text), Normalize(text)
}

// Categories lists the names of every category matching text, in detection
// order. Used for analytics; never for gating.
func Categories(text string) []string {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	lowered, normalized := variants(text)
	var names []string
	for _, c := range detectionOrder {
		if c.matches(lowered, normalized) {
			names = append(names, c.name)
		}
	}
	return names
}

func (c category) matches(variants ...string) bool {
	for _, v := range variants {
		for _, p := range c.patterns {
			if p.MatchString(v) {
				return true
			}
		}
	}
	return false
}
