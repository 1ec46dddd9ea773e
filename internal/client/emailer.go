package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"html"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/sonnenglas/voicemail-pipeline/internal/model"
)

// EmailClient forwards finished voicemail records as notification
// emails through a Postmark-style API. Every request carries a fresh
// idempotency key so an at-least-once retry can be deduplicated
// downstream.
type EmailClient struct {
	apiURL   string
	apiToken string
	from     string
	fromName string
	client   *http.Client
}

func NewEmailClient(apiURL, apiToken, from, fromName string) *EmailClient {
	return &EmailClient{
		apiURL:   apiURL,
		apiToken: apiToken,
		from:     from,
		fromName: fromName,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

type emailRequest struct {
	From          string `json:"From"`
	To            string `json:"To"`
	Subject       string `json:"Subject"`
	HtmlBody      string `json:"HtmlBody"`
	TextBody      string `json:"TextBody"`
	MessageStream string `json:"MessageStream"`
}

type emailResponse struct {
	MessageID string `json:"MessageID"`
	ErrorCode int    `json:"ErrorCode"`
	Message   string `json:"Message"`
}

// Deliver sends the notification for one record and returns the
// provider's message id.
func (c *EmailClient) Deliver(ctx context.Context, rec model.Record, toEmail string) (string, error) {
	from := c.from
	if c.fromName != "" {
		from = fmt.Sprintf("%s <%s>", c.fromName, c.from)
	}

	reqBody, err := json.Marshal(emailRequest{
		From:          from,
		To:            toEmail,
		Subject:       subjectFor(rec),
		HtmlBody:      htmlBodyFor(rec),
		TextBody:      textBodyFor(rec),
		MessageStream: "outbound",
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL, bytes.NewReader(reqBody))
	if err != nil {
		return "", err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Postmark-Server-Token", c.apiToken)
	req.Header.Set("X-Idempotency-Key", uuid.NewString())

	resp, err := c.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("unexpected status code: %d body=%q", resp.StatusCode, truncate(body, 200))
	}

	var er emailResponse
	if err := json.Unmarshal(body, &er); err != nil {
		return "", fmt.Errorf("failed to decode json: %w body=%q", err, truncate(body, 200))
	}
	if er.ErrorCode != 0 {
		return "", fmt.Errorf("email rejected: code=%d message=%q", er.ErrorCode, er.Message)
	}
	if er.MessageID == "" {
		return "", fmt.Errorf("missing MessageID in response body=%q", truncate(body, 200))
	}

	return er.MessageID, nil
}

func subjectFor(rec model.Record) string {
	if rec.EmailSubject != nil && *rec.EmailSubject != "" {
		return *rec.EmailSubject
	}
	from := rec.FromNumber
	if from == "" {
		from = "unknown caller"
	}
	return fmt.Sprintf("New voicemail from %s", from)
}

func summaryFor(rec model.Record) string {
	if rec.Summary != nil {
		return *rec.Summary
	}
	return ""
}

func textBodyFor(rec model.Record) string {
	return fmt.Sprintf(
		"New voicemail\n\nFrom: %s\nTo: %s\nDuration: %s\nReceived: %s\n\nSummary:\n%s\n\nTranscript:\n%s\n",
		rec.FromNumber,
		destinationFor(rec),
		formatDuration(rec.Duration),
		rec.ReceivedAt.Format("02.01.2006 15:04"),
		summaryFor(rec),
		rec.BestText(),
	)
}

func htmlBodyFor(rec model.Record) string {
	esc := html.EscapeString

	badges := ""
	if rec.Urgent {
		badges += `<span style="background:#fee2e2;color:#dc2626;padding:2px 10px;border-radius:9999px;font-size:12px;">Urgent</span> `
	}
	if rec.Sentiment != nil {
		badges += fmt.Sprintf(`<span style="background:#f3f4f6;color:#6b7280;padding:2px 10px;border-radius:9999px;font-size:12px;">%s</span> `, esc(*rec.Sentiment))
	}
	if rec.Category != nil {
		badges += fmt.Sprintf(`<span style="background:#e0e7ff;color:#4338ca;padding:2px 10px;border-radius:9999px;font-size:12px;">%s</span>`, esc(*rec.Category))
	}

	return fmt.Sprintf(`<!DOCTYPE html>
<html>
<body style="font-family:sans-serif;color:#111827;">
  <h2>New voicemail</h2>
  <p><strong>From:</strong> %s<br>
     <strong>To:</strong> %s<br>
     <strong>Duration:</strong> %s<br>
     <strong>Received:</strong> %s</p>
  <p>%s</p>
  <h3>Summary</h3>
  <p>%s</p>
  <h3>Transcript</h3>
  <p>%s</p>
</body>
</html>`,
		esc(rec.FromNumber),
		esc(destinationFor(rec)),
		formatDuration(rec.Duration),
		rec.ReceivedAt.Format("02.01.2006 15:04"),
		badges,
		esc(summaryFor(rec)),
		esc(rec.BestText()),
	)
}

func destinationFor(rec model.Record) string {
	if rec.ToNumberName != "" {
		return rec.ToNumberName
	}
	return rec.ToNumber
}

func formatDuration(seconds int) string {
	if seconds < 3600 {
		return fmt.Sprintf("%d:%02d", seconds/60, seconds%60)
	}
	return fmt.Sprintf("%d:%02d:%02d", seconds/3600, (seconds%3600)/60, seconds%60)
}
