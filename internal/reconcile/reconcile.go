// Package reconcile merges inbound message batches from racing delivery paths
// into a single deduplicated, monotonic transcript.
package reconcile

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"github.com/BTreeMap/TurnGuard/internal/agentoutput"
	"github.com/BTreeMap/TurnGuard/internal/models"
	"github.com/BTreeMap/TurnGuard/internal/rendergate"
)

// AssistantFingerprintRunes is how much normalized assistant text is compared
// by the content-fingerprint pass.
const AssistantFingerprintRunes = 160

// Transcript is the ordered, deduplicated conversation.
type Transcript []models.Message

// Len returns the number of entries.
func (t Transcript) Len() int { return len(t) }

// LastAssistant returns the newest assistant entry.
func (t Transcript) LastAssistant() (models.Message, bool) {
	for i := len(t) - 1; i >= 0; i-- {
		if t[i].Role == models.RoleAssistant {
			return t[i], true
		}
	}
	return models.Message{}, false
}

// Status classifies the result of a merge.
type Status int

const (
	// StatusAppended means at least one new entry was accepted.
	StatusAppended Status = iota
	// StatusUnchanged means the batch carried nothing new.
	StatusUnchanged
	// StatusRejected means the batch would have shrunk the transcript.
	StatusRejected
)

func (s Status) String() string {
	switch s {
	case StatusAppended:
		return "appended"
	case StatusUnchanged:
		return "unchanged"
	case StatusRejected:
		return "rejected"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Outcome describes what a merge did with a batch.
type Outcome struct {
	Status     Status
	Added      int
	Dropped    int // failed validation or the render gate
	Duplicates int // matched by key or by content fingerprint
}

// Reconciler owns the confirmed transcript of one session together with the
// session-scoped synthetic id counter.
type Reconciler struct {
	mu         sync.Mutex
	transcript Transcript
	turn       int
	nextSyn    int
	synKeys    map[string]string // fingerprint#occurrence -> syn key
	quarantine map[string]bool
}

// NewReconciler creates an empty Reconciler.
func NewReconciler() *Reconciler {
	return &Reconciler{synKeys: make(map[string]string), quarantine: make(map[string]bool)}
}

// BeginTurn stamps entries accepted from now on with turn.
func (r *Reconciler) BeginTurn(turn int) {
	r.mu.Lock()
	r.turn = turn
	r.mu.Unlock()
}

// Snapshot returns a copy of the confirmed transcript.
func (r *Reconciler) Snapshot() Transcript {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.transcript)
}

// Len returns the confirmed transcript length.
func (r *Reconciler) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.transcript)
}

// Apply merges incoming into the confirmed transcript and stores the result.
// It is the only write path for the transcript.
func (r *Reconciler) Apply(incoming []models.InboundMessage) (Transcript, Outcome) {
	r.mu.Lock()
	defer r.mu.Unlock()
	merged, out := r.merge(r.transcript, incoming)
	if out.Status == StatusAppended {
		r.transcript = merged
	}
	return slices.Clone(r.transcript), out
}

// Merge returns confirmed with the new, safe entries of incoming appended.
// confirmed is never modified. Merge(Merge(T, B), B) equals Merge(T, B).
func (r *Reconciler) Merge(confirmed Transcript, incoming []models.InboundMessage) (Transcript, Outcome) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.merge(confirmed, incoming)
}

type candidate struct {
	msg models.Message
	fp  string
}

func (r *Reconciler) merge(confirmed Transcript, incoming []models.InboundMessage) (Transcript, Outcome) {
	var out Outcome

	index := make(map[string]int, len(confirmed))
	for i, m := range confirmed {
		index[m.Key] = i
	}
	claimed := make([]bool, len(confirmed))

	occurrences := make(map[string]int)
	seen := make(map[string]bool)
	var pending []candidate

	for pos, in := range incoming {
		msg, ok := prepare(in)
		if !ok {
			out.Dropped++
			continue
		}
		fp := fingerprint(msg.Role, msg.Content)
		occKey := string(msg.Role) + "|" + fp
		occ := occurrences[occKey]
		occurrences[occKey]++

		msg.Key = r.key(in, pos, fp, occ)
		if seen[msg.Key] {
			out.Duplicates++
			continue
		}
		seen[msg.Key] = true

		if i, ok := index[msg.Key]; ok {
			claimed[i] = true
			out.Duplicates++
			continue
		}
		pending = append(pending, candidate{msg: msg, fp: fp})
	}

	var accepted []models.Message
	for _, c := range pending {
		// only assistant text is matched by content
		if c.msg.Role == models.RoleAssistant {
			if j := findUnclaimed(confirmed, claimed, c); j >= 0 {
				claimed[j] = true
				out.Duplicates++
				continue
			}
		}
		c.msg.TurnID = r.turn
		accepted = append(accepted, c.msg)
	}

	merged := make(Transcript, 0, len(confirmed)+len(accepted))
	merged = append(merged, confirmed...)
	merged = append(merged, accepted...)

	if len(merged) < len(confirmed) {
		out.Status = StatusRejected
		return confirmed, out
	}
	if len(merged) == len(confirmed) && sameLastAssistant(confirmed, merged) {
		out.Status = StatusUnchanged
		return confirmed, out
	}
	out.Status = StatusAppended
	out.Added = len(accepted)
	return merged, out
}

// key derives the dedup key for in. Synthetic assistant keys are memoized by
// fingerprint and occurrence so the same batch always maps to the same keys.
func (r *Reconciler) key(in models.InboundMessage, pos int, fp string, occ int) string {
	if in.ID != "" {
		return "id:" + in.ID
	}
	if in.CreatedAt != nil && !in.CreatedAt.IsZero() {
		return fmt.Sprintf("ts:%s:%d:%d", in.Role, in.CreatedAt.UnixNano(), pos)
	}
	memo := fmt.Sprintf("%s#%d", fp, occ)
	if in.Role == models.RoleUser {
		return "txt:user:" + memo
	}
	if k, ok := r.synKeys[memo]; ok {
		return k
	}
	r.nextSyn++
	k := fmt.Sprintf("syn:%d", r.nextSyn)
	r.synKeys[memo] = k
	slog.Debug("Reconciler.key: assigned synthetic id", "key", k)
	return k
}

// findUnclaimed returns the first unclaimed confirmed entry with c's role and
// fingerprint. Two entries that both carry a server id are never paired.
func findUnclaimed(confirmed Transcript, claimed []bool, c candidate) int {
	explicit := strings.HasPrefix(c.msg.Key, "id:")
	for j, m := range confirmed {
		if claimed[j] || m.Role != c.msg.Role {
			continue
		}
		if explicit && strings.HasPrefix(m.Key, "id:") {
			continue
		}
		if fingerprint(m.Role, m.Content) == c.fp {
			return j
		}
	}
	return -1
}

func sameLastAssistant(a, b Transcript) bool {
	x, okA := a.LastAssistant()
	y, okB := b.LastAssistant()
	if okA != okB {
		return false
	}
	return x.Content == y.Content && len(x.Content) == len(y.Content)
}

// prepare turns an untrusted inbound record into a transcript entry. Assistant
// content is validated first so structured replies reach the gate as display
// text.
func prepare(in models.InboundMessage) (models.Message, bool) {
	gated := in
	var structured *models.ValidatedAgentOutput
	if in.Role == models.RoleAssistant && in.Content != nil {
		text, out, ok := agentoutput.DisplayText(in.Content)
		if !ok {
			return models.Message{}, false
		}
		gated.Content = text
		structured = out
	}
	if !rendergate.IsSafe(gated) {
		return models.Message{}, false
	}
	content, _ := gated.ContentString()
	msg := models.Message{
		ID:        in.ID,
		Role:      in.Role,
		Content:   content,
		CreatedAt: in.CreatedAt,
	}
	if structured != nil {
		msg.Metadata = map[string]any{models.MetadataAgentOutput: structured}
	}
	return msg, true
}

// IsStructurallyUnsafe reports whether batch carries an assistant message
// whose raw content is an object or JSON-shaped text that yields no
// displayable assistant message.
func IsStructurallyUnsafe(batch []models.InboundMessage) bool {
	for _, in := range batch {
		if unsafeMessage(in) {
			return true
		}
	}
	return false
}

// Unsafe is IsStructurallyUnsafe ignoring messages already quarantined.
func (r *Reconciler) Unsafe(batch []models.InboundMessage) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, in := range batch {
		if unsafeMessage(in) && !r.quarantine[rawKey(in)] {
			return true
		}
	}
	return false
}

// Quarantine records the structurally unsafe messages of batch so that later
// batches carrying them again are merged (and the messages dropped) instead of
// withheld. It returns the number of newly quarantined messages.
func (r *Reconciler) Quarantine(batch []models.InboundMessage) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, in := range batch {
		if !unsafeMessage(in) {
			continue
		}
		k := rawKey(in)
		if !r.quarantine[k] {
			r.quarantine[k] = true
			n++
		}
	}
	return n
}

func unsafeMessage(in models.InboundMessage) bool {
	if in.Role != models.RoleAssistant || in.Content == nil {
		return false
	}
	if s, ok := in.ContentString(); ok && !rendergate.IsJSONShaped(s) && !agentoutput.LooksStructured(s) {
		return false
	}
	_, _, ok := agentoutput.DisplayText(in.Content)
	return !ok
}

func rawKey(in models.InboundMessage) string {
	if in.ID != "" {
		return "id:" + in.ID
	}
	if in.CreatedAt != nil && !in.CreatedAt.IsZero() {
		return fmt.Sprintf("ts:%s:%d", in.Role, in.CreatedAt.UnixNano())
	}
	raw, err := json.Marshal(in.Content)
	if err != nil {
		return fmt.Sprintf("raw:%s:%v", in.Role, in.Content)
	}
	return fmt.Sprintf("raw:%s:%s", in.Role, raw)
}

func fingerprint(role models.Role, content string) string {
	norm := strings.Join(strings.Fields(strings.ToLower(content)), " ")
	if role != models.RoleAssistant {
		return norm
	}
	runes := []rune(norm)
	if len(runes) > AssistantFingerprintRunes {
		runes = runes[:AssistantFingerprintRunes]
	}
	return string(runes)
}
