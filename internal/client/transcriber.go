package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/sonnenglas/voicemail-pipeline/internal/model"
)

// Transcription is a successful speech-to-text result.
type Transcription struct {
	Text       string
	Language   string
	Confidence float64
}

// TranscriberClient submits audio to an ElevenLabs-style
// speech-to-text API.
type TranscriberClient struct {
	baseURL string
	apiKey  string
	model   string
	client  *http.Client
}

func NewTranscriberClient(baseURL, apiKey, modelID string) *TranscriberClient {
	return &TranscriberClient{
		baseURL: baseURL,
		apiKey:  apiKey,
		model:   modelID,
		client: &http.Client{
			Timeout: 2 * time.Minute,
		},
	}
}

type transcribeResponse struct {
	Text                string  `json:"text"`
	LanguageCode        string  `json:"language_code"`
	LanguageProbability float64 `json:"language_probability"`
}

type transcribeError struct {
	Detail struct {
		Status string `json:"status"`
	} `json:"detail"`
}

// Transcribe uploads audio bytes and returns the transcript. An
// "audio too short" rejection from the API is not an error; it maps to
// the corresponding sentinel text so the record can be skipped.
func (c *TranscriberClient) Transcribe(ctx context.Context, filename string, audio []byte) (Transcription, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	part, err := w.CreateFormFile("file", filename)
	if err != nil {
		return Transcription{}, err
	}
	if _, err := part.Write(audio); err != nil {
		return Transcription{}, err
	}
	if err := w.WriteField("model_id", c.model); err != nil {
		return Transcription{}, err
	}
	if err := w.Close(); err != nil {
		return Transcription{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/speech-to-text", &buf)
	if err != nil {
		return Transcription{}, err
	}
	req.Header.Set("xi-api-key", c.apiKey)
	req.Header.Set("Content-Type", w.FormDataContentType())

	resp, err := c.client.Do(req)
	if err != nil {
		return Transcription{}, err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode != http.StatusOK {
		var apiErr transcribeError
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Detail.Status == "audio_too_short" {
			return Transcription{
				Text:     model.SentinelAudioTooShort,
				Language: "unknown",
			}, nil
		}
		return Transcription{}, fmt.Errorf("transcription failed: status %d body=%q", resp.StatusCode, truncate(body, 200))
	}

	var tr transcribeResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return Transcription{}, fmt.Errorf("failed to decode json: %w body=%q", err, truncate(body, 200))
	}

	lang := tr.LanguageCode
	if lang == "" {
		lang = "unknown"
	}
	return Transcription{
		Text:       tr.Text,
		Language:   lang,
		Confidence: tr.LanguageProbability,
	}, nil
}
