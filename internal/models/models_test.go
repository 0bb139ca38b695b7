package models

import (
	"errors"
	"strings"
	"testing"
)

func TestIsValidRole(t *testing.T) {
	if !IsValidRole(RoleUser) || !IsValidRole(RoleAssistant) {
		t.Error("user and assistant roles must be valid")
	}
	if IsValidRole("system") || IsValidRole("") {
		t.Error("unexpected valid role")
	}
}

func TestIsValidSeverity(t *testing.T) {
	for _, s := range []Severity{SeverityLow, SeverityMedium, SeverityHigh, SeveritySevere} {
		if !IsValidSeverity(s) {
			t.Errorf("%q should be valid", s)
		}
	}
	if IsValidSeverity("critical") {
		t.Error("unexpected valid severity")
	}
}

func TestOutgoingMessageValidate(t *testing.T) {
	tests := []struct {
		name string
		msg  OutgoingMessage
		want error
	}{
		{"valid", OutgoingMessage{ConversationID: "c", Content: "hi"}, nil},
		{"no conversation", OutgoingMessage{Content: "hi"}, ErrEmptyConversation},
		{"empty", OutgoingMessage{ConversationID: "c"}, ErrEmptyMessage},
		{"too long", OutgoingMessage{ConversationID: "c", Content: strings.Repeat("a", MaxMessageLength+1)}, ErrMessageTooLong},
		{"at limit", OutgoingMessage{ConversationID: "c", Content: strings.Repeat("a", MaxMessageLength)}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.msg.Validate(); !errors.Is(err, tt.want) {
				t.Errorf("Validate() = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestMessageAgentOutput(t *testing.T) {
	if _, ok := (Message{}).AgentOutput(); ok {
		t.Error("message without metadata has no agent output")
	}
	out := &ValidatedAgentOutput{AssistantMessage: "hello"}
	m := Message{Role: RoleAssistant, Metadata: map[string]any{MetadataAgentOutput: out}}
	got, ok := m.AgentOutput()
	if !ok || got != out {
		t.Errorf("AgentOutput() = %v, %v", got, ok)
	}
	m.Metadata[MetadataAgentOutput] = "not an output"
	if _, ok := m.AgentOutput(); ok {
		t.Error("wrong metadata type must not be reported")
	}
}

func TestInboundMessageContentString(t *testing.T) {
	if s, ok := (InboundMessage{Content: "text"}).ContentString(); !ok || s != "text" {
		t.Errorf("ContentString() = %q, %v", s, ok)
	}
	if _, ok := (InboundMessage{Content: map[string]any{"a": 1}}).ContentString(); ok {
		t.Error("object content is not a string")
	}
}
