package repo

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/sonnenglas/voicemail-pipeline/internal/model"
)

// MemoryRecordRepo is an in-memory RecordRepository with the same
// claim semantics as the Postgres implementation. Used in tests and
// useful for local development without a database.
type MemoryRecordRepo struct {
	mu           sync.Mutex
	nextID       int64
	records      map[int64]*model.Record
	byExternal   map[string]int64 // provider + "\x00" + external_id
	enrichClaims map[int64]time.Time
}

func NewMemoryRecordRepo() *MemoryRecordRepo {
	return &MemoryRecordRepo{
		nextID:       1,
		records:      make(map[int64]*model.Record),
		byExternal:   make(map[string]int64),
		enrichClaims: make(map[int64]time.Time),
	}
}

func externalKey(provider, externalID string) string {
	return provider + "\x00" + externalID
}

func (m *MemoryRecordRepo) UpsertFromSync(ctx context.Context, meta model.SyncMeta) (model.Record, bool, error) {
	if err := ctx.Err(); err != nil {
		return model.Record{}, false, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	key := externalKey(meta.Provider, meta.ExternalID)

	if id, ok := m.byExternal[key]; ok {
		r := m.records[id]
		r.FromNumber = meta.FromNumber
		r.ToNumber = meta.ToNumber
		r.ToNumberName = meta.ToNumberName
		r.Duration = meta.Duration
		r.ReceivedAt = meta.ReceivedAt
		if meta.FileURL != "" {
			u := meta.FileURL
			r.FileURL = &u
		} else {
			r.FileURL = nil
		}
		r.Unread = meta.Unread
		r.UpdatedAt = now
		return *r, false, nil
	}

	r := &model.Record{
		ID:                  m.nextID,
		Provider:            meta.Provider,
		ExternalID:          meta.ExternalID,
		FromNumber:          meta.FromNumber,
		ToNumber:            meta.ToNumber,
		ToNumberName:        meta.ToNumberName,
		Duration:            meta.Duration,
		ReceivedAt:          meta.ReceivedAt,
		Unread:              meta.Unread,
		TranscriptionStatus: meta.InitialTranscription,
		DeliveryStatus:      meta.InitialDelivery,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	if meta.FileURL != "" {
		u := meta.FileURL
		r.FileURL = &u
	}
	if meta.InitialText != "" {
		t := meta.InitialText
		r.TranscriptionText = &t
	}

	m.nextID++
	m.records[r.ID] = r
	m.byExternal[key] = r.ID
	return *r, true, nil
}

func (m *MemoryRecordRepo) SetAudioPath(ctx context.Context, id int64, path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.records[id]
	if !ok {
		return ErrNotFound
	}
	r.LocalPath = &path
	r.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryRecordRepo) ClaimTranscriptions(ctx context.Context, limit, maxAttempts int) ([]model.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	var out []model.Record
	for _, r := range m.sortedByReceived() {
		if len(out) >= limit {
			break
		}
		if !r.HasAudio() {
			continue
		}
		claimable := r.TranscriptionStatus == model.TranscriptionPending ||
			(r.TranscriptionStatus == model.TranscriptionFailed && r.TranscriptionAttempts < maxAttempts)
		if !claimable {
			continue
		}
		r.TranscriptionStatus = model.TranscriptionProcessing
		r.UpdatedAt = now
		out = append(out, *r)
	}
	return out, nil
}

func (m *MemoryRecordRepo) ClaimEnrichables(ctx context.Context, limit int, staleAfter time.Duration) ([]model.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	var out []model.Record
	for _, r := range m.sortedByReceived() {
		if len(out) >= limit {
			break
		}
		if r.TranscriptionStatus != model.TranscriptionCompleted {
			continue
		}
		if r.TranscriptionText == nil || model.IsTranscriptSentinel(*r.TranscriptionText) {
			continue
		}
		if r.Summary != nil && *r.Summary != model.SentinelNoSummary {
			continue
		}
		if claimedAt, ok := m.enrichClaims[r.ID]; ok && now.Sub(claimedAt) < staleAfter {
			continue
		}
		m.enrichClaims[r.ID] = now
		r.UpdatedAt = now
		out = append(out, *r)
	}
	return out, nil
}

func (m *MemoryRecordRepo) ClaimDeliveries(ctx context.Context, limit int, cutoff *time.Time) ([]model.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	var out []model.Record
	for _, r := range m.sortedByReceived() {
		if len(out) >= limit {
			break
		}
		if r.DeliveryStatus != model.DeliveryPending {
			continue
		}
		if r.Summary == nil || model.IsSummarySentinel(*r.Summary) {
			continue
		}
		if cutoff != nil && r.ReceivedAt.Before(*cutoff) {
			continue
		}
		r.DeliveryStatus = model.DeliveryProcessing
		r.UpdatedAt = now
		out = append(out, *r)
	}
	return out, nil
}

func (m *MemoryRecordRepo) CommitTranscription(ctx context.Context, id int64, out model.TranscriptionOutcome) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.records[id]
	if !ok || r.TranscriptionStatus != model.TranscriptionProcessing {
		return ErrNotFound
	}

	now := time.Now().UTC()
	switch out.Status {
	case model.TranscriptionCompleted:
		text, lang, conf := out.Text, out.Language, out.Confidence
		r.TranscriptionStatus = model.TranscriptionCompleted
		r.TranscriptionText = &text
		if lang != "" {
			r.TranscriptionLanguage = &lang
		}
		r.TranscriptionConfidence = &conf
		r.TranscribedAt = &now
		r.LastError = nil
	case model.TranscriptionSkipped:
		text := out.Text
		r.TranscriptionStatus = model.TranscriptionSkipped
		r.TranscriptionText = &text
		r.TranscribedAt = &now
		r.LastError = nil
	case model.TranscriptionFailed:
		reason := out.Error
		r.TranscriptionStatus = model.TranscriptionFailed
		r.TranscriptionAttempts++
		r.LastError = &reason
	default:
		return ErrNotFound
	}
	r.UpdatedAt = now
	return nil
}

func (m *MemoryRecordRepo) CommitEnrichment(ctx context.Context, id int64, out model.EnrichmentOutcome) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.records[id]
	if !ok {
		return ErrNotFound
	}

	now := time.Now().UTC()
	set := func(v string) *string {
		if v == "" {
			return nil
		}
		return &v
	}
	summary := out.Summary
	r.CorrectedText = set(out.CorrectedText)
	r.Summary = &summary
	r.SummaryEN = set(out.SummaryEN)
	r.Sentiment = set(out.Sentiment)
	r.Emotion = set(out.Emotion)
	r.Category = set(out.Category)
	r.Urgent = out.Urgent
	r.EmailSubject = set(out.EmailSubject)
	r.SummaryModel = set(out.Model)
	r.SummarizedAt = &now
	r.UpdatedAt = now
	delete(m.enrichClaims, id)
	return nil
}

func (m *MemoryRecordRepo) CommitDelivery(ctx context.Context, id int64, out model.DeliveryOutcome) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.records[id]
	if !ok {
		return ErrNotFound
	}
	if r.DeliveryStatus == model.DeliverySent {
		return ErrNotFound
	}

	now := time.Now().UTC()
	switch out.Status {
	case model.DeliverySent:
		msgID := out.MessageID
		r.DeliveryStatus = model.DeliverySent
		r.DeliveryMessageID = &msgID
		r.DeliveredAt = &now
		r.LastError = nil
	case model.DeliveryFailed:
		reason := out.Error
		r.DeliveryStatus = model.DeliveryFailed
		r.LastError = &reason
	case model.DeliverySkipped:
		r.DeliveryStatus = model.DeliverySkipped
	default:
		return ErrNotFound
	}
	r.UpdatedAt = now
	return nil
}

func (m *MemoryRecordRepo) ReleaseStaleClaims(ctx context.Context, olderThan time.Duration) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	released := 0
	for _, r := range m.records {
		if r.TranscriptionStatus == model.TranscriptionProcessing && now.Sub(r.UpdatedAt) > olderThan {
			r.TranscriptionStatus = model.TranscriptionPending
			r.UpdatedAt = now
			released++
		}
		if r.DeliveryStatus == model.DeliveryProcessing && now.Sub(r.UpdatedAt) > olderThan {
			r.DeliveryStatus = model.DeliveryPending
			r.UpdatedAt = now
			released++
		}
	}
	for id, claimedAt := range m.enrichClaims {
		if now.Sub(claimedAt) > olderThan {
			delete(m.enrichClaims, id)
		}
	}
	return released, nil
}

func (m *MemoryRecordRepo) Reprocess(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.records[id]
	if !ok {
		return ErrNotFound
	}

	r.TranscriptionStatus = model.TranscriptionPending
	r.TranscriptionAttempts = 0
	r.TranscriptionText = nil
	r.TranscriptionLanguage = nil
	r.TranscriptionConfidence = nil
	r.TranscribedAt = nil
	r.CorrectedText = nil
	r.Summary = nil
	r.SummaryEN = nil
	r.Sentiment = nil
	r.Emotion = nil
	r.Category = nil
	r.Urgent = false
	r.EmailSubject = nil
	r.SummaryModel = nil
	r.SummarizedAt = nil
	r.DeliveryStatus = model.DeliveryPending
	r.DeliveryMessageID = nil
	r.DeliveredAt = nil
	r.LastError = nil
	r.UpdatedAt = time.Now().UTC()
	delete(m.enrichClaims, id)
	return nil
}

func (m *MemoryRecordRepo) ListPendingDownloads(ctx context.Context, limit, minDuration int) ([]model.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if limit <= 0 {
		limit = 10
	}

	var out []model.Record
	for _, r := range m.sortedByReceived() {
		if len(out) >= limit {
			break
		}
		if r.TranscriptionStatus == model.TranscriptionPending && !r.HasAudio() && r.Duration >= minDuration {
			out = append(out, *r)
		}
	}
	return out, nil
}

func (m *MemoryRecordRepo) Get(ctx context.Context, id int64) (model.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.records[id]
	if !ok {
		return model.Record{}, ErrNotFound
	}
	return *r, nil
}

func (m *MemoryRecordRepo) List(ctx context.Context, f ListFilter) ([]model.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	offset := f.Offset
	if offset < 0 {
		offset = 0
	}

	var matched []model.Record
	for _, r := range m.sortedByReceived() {
		if f.TranscriptionStatus != "" && r.TranscriptionStatus != f.TranscriptionStatus {
			continue
		}
		if f.DeliveryStatus != "" && r.DeliveryStatus != f.DeliveryStatus {
			continue
		}
		matched = append(matched, *r)
	}

	// List is newest-first, unlike claim order.
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].ReceivedAt.After(matched[j].ReceivedAt)
	})

	if offset >= len(matched) {
		return nil, nil
	}
	matched = matched[offset:]
	if len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, nil
}

// sortedByReceived returns records oldest-first, matching the claim
// ordering of the Postgres implementation. Caller must hold mu.
func (m *MemoryRecordRepo) sortedByReceived() []*model.Record {
	out := make([]*model.Record, 0, len(m.records))
	for _, r := range m.records {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ReceivedAt.Equal(out[j].ReceivedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].ReceivedAt.Before(out[j].ReceivedAt)
	})
	return out
}
