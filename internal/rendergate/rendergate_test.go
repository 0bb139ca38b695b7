package rendergate

import (
	"testing"

	"github.com/BTreeMap/TurnGuard/internal/models"
)

func msg(role models.Role, content any) models.InboundMessage {
	return models.InboundMessage{Role: role, Content: content}
}

func TestIsSafe_Accepts(t *testing.T) {
	cases := []models.InboundMessage{
		msg(models.RoleAssistant, "That sounds hard. What happened next?"),
		msg(models.RoleUser, "ok"),
		msg(models.RoleUser, "hi"),
		msg(models.RoleAssistant, "Hey"),
		// field-name-like text without JSON framing is legitimate
		msg(models.RoleAssistant, `The key "assistant_message" holds the reply text.`),
		msg(models.RoleUser, "what does assistant_message mean?"),
		msg(models.RoleAssistant, "¿Cómo te sientes hoy? \"assistant_message\" no es nada."),
		msg(models.RoleAssistant, "Thinking about it, I'd start with sleep."),
	}
	for _, m := range cases {
		if !IsSafe(m) {
			t.Errorf("IsSafe(%+v) = false, want true", m)
		}
	}
}

func TestIsSafe_Rejects(t *testing.T) {
	cases := []models.InboundMessage{
		{Content: "no role"},
		msg("system", "unknown role"),
		msg(models.RoleAssistant, nil),
		msg(models.RoleAssistant, map[string]any{"assistant_message": "hi"}),
		msg(models.RoleAssistant, 42),
		msg(models.RoleAssistant, "   "),
		msg(models.RoleAssistant, "Thinking..."),
		msg(models.RoleAssistant, "typing…"),
		msg(models.RoleAssistant, "..."),
		msg(models.RoleAssistant, `{"assistant_message":"hi"}`),
		msg(models.RoleAssistant, `  [1, 2]`),
		msg(models.RoleAssistant, "```json\n{}\n```"),
		msg(models.RoleUser, `{"quoted": "json from a user"}`),
		msg(models.RoleAssistant, "ok"),
	}
	for _, m := range cases {
		if IsSafe(m) {
			t.Errorf("IsSafe(%+v) = true, want false", m)
		}
	}
}

func TestIsSafe_DoesNotMutate(t *testing.T) {
	m := msg(models.RoleAssistant, "  padded reply  ")
	IsSafe(m)
	if m.Content != "  padded reply  " {
		t.Errorf("content mutated: %q", m.Content)
	}
}

func TestIsPlaceholder(t *testing.T) {
	if !IsPlaceholder("Please wait...") {
		t.Error("expected stub phrase to be a placeholder")
	}
	if IsPlaceholder("Please wait until you feel calmer before deciding.") {
		t.Error("long sentence must not be a placeholder")
	}
}
