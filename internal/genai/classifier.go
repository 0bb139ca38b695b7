package genai

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/BTreeMap/TurnGuard/internal/agentoutput"
	"github.com/BTreeMap/TurnGuard/internal/models"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/shared"
)

const classifierPrompt = `You screen messages sent to a wellbeing companion for risk of self-harm or suicide.
Reply with exactly one JSON object and nothing else:
{"isCrisis": boolean, "severity": "low" | "medium" | "high" | "severe", "confidence": number from 0 to 1}
The message language is %s. Judge the message in that language; treat slang, euphemism and obfuscated spelling as meaningful.`

// ClassifyCrisis asks the model for a crisis verdict on one outgoing message.
func (c *Client) ClassifyCrisis(ctx context.Context, req models.ClassifierRequest) (models.ClassifierResult, error) {
	lang := strings.TrimSpace(req.Language)
	if lang == "" {
		lang = "unknown"
	}
	params := c.params([]openai.ChatCompletionMessageParamUnion{
		openai.SystemMessage(fmt.Sprintf(classifierPrompt, lang)),
		openai.UserMessage(req.Message),
	})
	params.Temperature = openai.Float(0)
	params.ResponseFormat = openai.ChatCompletionNewParamsResponseFormatUnion{
		OfJSONObject: &shared.ResponseFormatJSONObjectParam{},
	}
	raw, err := c.create(ctx, "ClassifyCrisis", params)
	if err != nil {
		return models.ClassifierResult{}, err
	}
	return parseClassifierResult(raw)
}

type classifierWire struct {
	IsCrisis   *bool    `json:"isCrisis"`
	Severity   string   `json:"severity"`
	Confidence *float64 `json:"confidence"`
}

func parseClassifierResult(raw string) (models.ClassifierResult, error) {
	var wire classifierWire
	text := strings.TrimSpace(raw)
	if err := json.Unmarshal([]byte(text), &wire); err != nil {
		obj := agentoutput.ExtractFirstObject(text)
		if obj == "" {
			return models.ClassifierResult{}, fmt.Errorf("classifier returned non-JSON output: %w", err)
		}
		if err := json.Unmarshal([]byte(obj), &wire); err != nil {
			return models.ClassifierResult{}, fmt.Errorf("classifier returned malformed JSON: %w", err)
		}
	}
	if wire.IsCrisis == nil {
		return models.ClassifierResult{}, fmt.Errorf("classifier output missing isCrisis")
	}
	sev := models.Severity(strings.ToLower(strings.TrimSpace(wire.Severity)))
	if !models.IsValidSeverity(sev) {
		return models.ClassifierResult{}, fmt.Errorf("classifier returned unknown severity %q", wire.Severity)
	}
	conf := 0.0
	if wire.Confidence != nil {
		conf = min(max(*wire.Confidence, 0), 1)
	}
	return models.ClassifierResult{IsCrisis: *wire.IsCrisis, Severity: sev, Confidence: conf}, nil
}
