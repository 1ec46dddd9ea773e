package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// ErrAudioGone means the provider's signed download URL no longer
// works and a fresh one must be fetched.
var ErrAudioGone = errors.New("audio url expired or gone")

// ProviderVoicemail is one voicemail as reported by the telephony API.
type ProviderVoicemail struct {
	ID         string
	FromNumber string
	ToNumber   string
	ToName     string
	Duration   int
	ReceivedAt time.Time
	FileURL    string
	Unread     bool
}

// ProviderClient talks to the Placetel-style telephony API. Transient
// failures (rate limits, 5xx, network) are retried with exponential
// backoff before being reported to the caller.
type ProviderClient struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

func NewProviderClient(baseURL, apiKey string) *ProviderClient {
	return &ProviderClient{
		baseURL: baseURL,
		apiKey:  apiKey,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

type providerCall struct {
	ID         json.Number     `json:"id"`
	FromNumber string          `json:"from_number"`
	ToNumber   json.RawMessage `json:"to_number"`
	Duration   int             `json:"duration"`
	ReceivedAt string          `json:"received_at"`
	FileURL    string          `json:"file_url"`
	Unread     *bool           `json:"unread"`
}

// ListVoicemails fetches voicemail metadata for the last days days,
// one dated page request per day (the API filters by date, 100 entries
// per page). Entries without a file URL are dropped.
func (c *ProviderClient) ListVoicemails(ctx context.Context, days int) ([]ProviderVoicemail, error) {
	var out []ProviderVoicemail

	for daysAgo := 0; daysAgo < days; daysAgo++ {
		date := time.Now().UTC().AddDate(0, 0, -daysAgo).Format("2006-01-02")

		q := url.Values{}
		q.Set("filter[date]", date)
		q.Set("filter[type]", "voicemail")
		q.Set("per_page", "100")

		var calls []providerCall
		if err := c.getJSON(ctx, c.baseURL+"/calls?"+q.Encode(), &calls); err != nil {
			return nil, fmt.Errorf("list voicemails for %s: %w", date, err)
		}

		for _, call := range calls {
			if call.FileURL == "" {
				continue
			}
			out = append(out, call.toVoicemail())
		}
	}

	return out, nil
}

// GetVoicemail fetches a single voicemail by external id, used to
// refresh an expired download URL.
func (c *ProviderClient) GetVoicemail(ctx context.Context, externalID string) (ProviderVoicemail, error) {
	var call providerCall
	if err := c.getJSON(ctx, c.baseURL+"/calls/"+url.PathEscape(externalID), &call); err != nil {
		return ProviderVoicemail{}, fmt.Errorf("get voicemail %s: %w", externalID, err)
	}
	return call.toVoicemail(), nil
}

// DownloadAudio fetches the audio bytes behind a signed file URL.
// The URL carries its own auth, so no API key header is sent.
func (c *ProviderClient) DownloadAudio(ctx context.Context, fileURL string) ([]byte, error) {
	var body []byte

	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, fileURL, nil)
		if err != nil {
			return backoff.Permanent(err)
		}

		resp, err := c.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusOK:
			body, err = io.ReadAll(resp.Body)
			return err
		case resp.StatusCode == http.StatusForbidden,
			resp.StatusCode == http.StatusNotFound,
			resp.StatusCode == http.StatusGone:
			return backoff.Permanent(ErrAudioGone)
		case retryableStatus(resp.StatusCode):
			return fmt.Errorf("download audio: status %d", resp.StatusCode)
		default:
			return backoff.Permanent(fmt.Errorf("download audio: unexpected status %d", resp.StatusCode))
		}
	}

	if err := backoff.Retry(op, c.newBackOff(ctx)); err != nil {
		return nil, err
	}
	return body, nil
}

func (c *ProviderClient) getJSON(ctx context.Context, rawURL string, v any) error {
	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		body, _ := io.ReadAll(resp.Body)

		if resp.StatusCode != http.StatusOK {
			err := fmt.Errorf("unexpected status code: %d body=%q", resp.StatusCode, truncate(body, 200))
			if retryableStatus(resp.StatusCode) {
				return err
			}
			return backoff.Permanent(err)
		}

		if err := json.Unmarshal(body, v); err != nil {
			return backoff.Permanent(fmt.Errorf("failed to decode json: %w body=%q", err, truncate(body, 200)))
		}
		return nil
	}

	return backoff.Retry(op, c.newBackOff(ctx))
}

func (c *ProviderClient) newBackOff(ctx context.Context) backoff.BackOffContext {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.MaxElapsedTime = 20 * time.Second
	return backoff.WithContext(backoff.WithMaxRetries(bo, 4), ctx)
}

func retryableStatus(code int) bool {
	return code == http.StatusTooManyRequests || code >= 500
}

func (pc providerCall) toVoicemail() ProviderVoicemail {
	vm := ProviderVoicemail{
		ID:         pc.ID.String(),
		FromNumber: pc.FromNumber,
		Duration:   pc.Duration,
		FileURL:    pc.FileURL,
		Unread:     true,
	}
	if pc.Unread != nil {
		vm.Unread = *pc.Unread
	}
	if pc.ReceivedAt != "" {
		if t, err := time.Parse(time.RFC3339, pc.ReceivedAt); err == nil {
			vm.ReceivedAt = t
		}
	}

	// to_number arrives either as a bare string or as an object with
	// number and display name.
	if len(pc.ToNumber) > 0 {
		var obj struct {
			Number string `json:"number"`
			Name   string `json:"name"`
		}
		if err := json.Unmarshal(pc.ToNumber, &obj); err == nil && (obj.Number != "" || obj.Name != "") {
			vm.ToNumber = obj.Number
			vm.ToName = obj.Name
		} else {
			var s string
			if err := json.Unmarshal(pc.ToNumber, &s); err == nil {
				vm.ToNumber = s
			}
		}
	}
	return vm
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
