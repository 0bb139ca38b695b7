package genai

import (
	"context"

	"github.com/BTreeMap/TurnGuard/internal/models"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/shared"
)

// MaxHistoryMessages bounds how much transcript is sent with a reply request.
const MaxHistoryMessages = 20

// ReplySystemPrompt instructs the model to answer with the structured reply
// object parsed by package agentoutput.
const ReplySystemPrompt = `You are a supportive companion that helps people work through difficult thoughts using
cognitive behavioural techniques. You never diagnose conditions and never recommend, change or dose medication.
Always answer with exactly one JSON object with these fields:
  "assistant_message": string, required, what the person will read
  "mode": "chat" | "thought_work"
  "situation", "automatic_thought", "balanced_thought": strings, optional
  "evidence_for", "evidence_against": arrays of up to 5 short strings
  "emotion_before", "emotion_after": integers 0 to 10, only if the person rated their feeling
  "homework": up to 2 objects {"step": string, "duration_minutes": 1 to 60, "success_criteria": string}
  "save_candidate": {"should_offer_save": boolean, "title": string, "bullets": up to 3 strings}
Keep assistant_message warm and brief. Never put JSON or field names inside assistant_message.`

// GenerateReply produces the raw structured assistant reply for userText given
// the conversation so far.
func (c *Client) GenerateReply(ctx context.Context, history []models.Message, userText string) (string, error) {
	if len(history) > MaxHistoryMessages {
		history = history[len(history)-MaxHistoryMessages:]
	}
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(history)+2)
	messages = append(messages, openai.SystemMessage(ReplySystemPrompt))
	for _, m := range history {
		switch m.Role {
		case models.RoleUser:
			messages = append(messages, openai.UserMessage(m.Content))
		case models.RoleAssistant:
			messages = append(messages, openai.AssistantMessage(m.Content))
		}
	}
	messages = append(messages, openai.UserMessage(userText))

	params := c.params(messages)
	params.ResponseFormat = openai.ChatCompletionNewParamsResponseFormatUnion{
		OfJSONObject: &shared.ResponseFormatJSONObjectParam{},
	}
	return c.create(ctx, "GenerateReply", params)
}
