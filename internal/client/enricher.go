package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

// ErrEmptyEnrichment means the model answered but produced nothing
// usable (empty or malformed output). The transcript itself is fine,
// so callers treat this as a soft failure and may retry later.
var ErrEmptyEnrichment = errors.New("enrichment produced no usable output")

// Enrichment is the model's view of one transcript.
type Enrichment struct {
	CorrectedText string `json:"corrected_text"`
	Summary       string `json:"summary"`
	SummaryEN     string `json:"summary_en"`
	Sentiment     string `json:"sentiment"`
	Emotion       string `json:"emotion"`
	Category      string `json:"category"`
	Urgent        bool   `json:"urgent"`
	EmailSubject  string `json:"email_subject"`
}

// EnricherClient corrects, summarizes and classifies transcripts via
// an OpenAI-compatible chat completion endpoint (OpenRouter in
// production).
type EnricherClient struct {
	client *openai.Client
	model  string
}

func NewEnricherClient(baseURL, apiKey, modelID string) *EnricherClient {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &EnricherClient{
		client: openai.NewClientWithConfig(cfg),
		model:  modelID,
	}
}

// Model reports the model identifier, stored on each record for
// auditability.
func (c *EnricherClient) Model() string {
	return c.model
}

const enrichSystemPrompt = `You are an assistant that processes voicemail transcriptions for a customer support team.

Your task is to:
1. CORRECT the transcript: fix obvious speech-to-text errors while keeping the meaning intact.
2. SUMMARIZE for support: a brief, actionable summary (2-3 sentences max) naming the caller, what they need and any callback number or urgency.
3. CLASSIFY the call.

Respond with JSON only:
{
  "corrected_text": "...",
  "summary": "summary in the transcript's language",
  "summary_en": "the same summary in English",
  "sentiment": "positive|neutral|negative",
  "emotion": "one word",
  "category": "sales_inquiry|existing_order|new_inquiry|complaint|general",
  "urgent": true or false,
  "email_subject": "short subject line for the notification email"
}`

// Enrich processes one transcript. Empty or malformed model output is
// reported as ErrEmptyEnrichment, never as a fabricated result.
func (c *EnricherClient) Enrich(ctx context.Context, transcript, language string) (Enrichment, error) {
	if language == "" {
		language = "unknown"
	}

	userPrompt := fmt.Sprintf("Process this voicemail transcript (language: %s):\n\nTRANSCRIPT:\n%s", language, transcript)

	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: enrichSystemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: userPrompt},
		},
		Temperature: 0.3,
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	})
	if err != nil {
		return Enrichment{}, fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return Enrichment{}, ErrEmptyEnrichment
	}

	content := strings.TrimSpace(resp.Choices[0].Message.Content)
	if content == "" {
		return Enrichment{}, ErrEmptyEnrichment
	}

	var e Enrichment
	if err := json.Unmarshal([]byte(content), &e); err != nil {
		return Enrichment{}, fmt.Errorf("%w: %v", ErrEmptyEnrichment, err)
	}
	if strings.TrimSpace(e.Summary) == "" {
		return Enrichment{}, ErrEmptyEnrichment
	}
	return e, nil
}
