package repo

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/sonnenglas/voicemail-pipeline/internal/model"
)

func testMeta(externalID string, duration int, receivedAt time.Time) model.SyncMeta {
	return model.SyncMeta{
		Provider:             "placetel",
		ExternalID:           externalID,
		FromNumber:           "+4915112345678",
		ToNumber:             "+4930111222",
		Duration:             duration,
		ReceivedAt:           receivedAt,
		FileURL:              "https://files.example.com/" + externalID,
		Unread:               true,
		InitialTranscription: model.TranscriptionPending,
		InitialDelivery:      model.DeliveryPending,
	}
}

func mustUpsert(t *testing.T, m *MemoryRecordRepo, meta model.SyncMeta) model.Record {
	t.Helper()
	rec, _, err := m.UpsertFromSync(context.Background(), meta)
	if err != nil {
		t.Fatalf("UpsertFromSync returned error: %v", err)
	}
	return rec
}

func mustSetAudio(t *testing.T, m *MemoryRecordRepo, id int64) {
	t.Helper()
	if err := m.SetAudioPath(context.Background(), id, "/tmp/audio.mp3"); err != nil {
		t.Fatalf("SetAudioPath returned error: %v", err)
	}
}

func TestUpsertFromSync_Idempotent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m := NewMemoryRecordRepo()
	meta := testMeta("vm-1", 42, time.Now().UTC())

	rec, created, err := m.UpsertFromSync(ctx, meta)
	if err != nil {
		t.Fatalf("UpsertFromSync returned error: %v", err)
	}
	if !created {
		t.Fatalf("expected created=true on first upsert")
	}
	if rec.TranscriptionStatus != model.TranscriptionPending {
		t.Fatalf("expected pending transcription, got %s", rec.TranscriptionStatus)
	}

	// Flip the record forward, then upsert the same voicemail again.
	mustSetAudio(t, m, rec.ID)
	if _, err := m.ClaimTranscriptions(ctx, 10, 3); err != nil {
		t.Fatalf("ClaimTranscriptions returned error: %v", err)
	}
	if err := m.CommitTranscription(ctx, rec.ID, model.TranscriptionOutcome{
		Status: model.TranscriptionCompleted, Text: "hello there",
	}); err != nil {
		t.Fatalf("CommitTranscription returned error: %v", err)
	}

	meta.FromNumber = "+4915199999999"
	again, created, err := m.UpsertFromSync(ctx, meta)
	if err != nil {
		t.Fatalf("second UpsertFromSync returned error: %v", err)
	}
	if created {
		t.Fatalf("expected created=false on second upsert")
	}
	if again.ID != rec.ID {
		t.Fatalf("expected same record id, got %d and %d", rec.ID, again.ID)
	}
	if again.FromNumber != "+4915199999999" {
		t.Fatalf("expected metadata refreshed, got %q", again.FromNumber)
	}
	if again.TranscriptionStatus != model.TranscriptionCompleted {
		t.Fatalf("expected transcription status untouched by upsert, got %s", again.TranscriptionStatus)
	}
	if again.Transcript() != "hello there" {
		t.Fatalf("expected transcript untouched by upsert, got %q", again.Transcript())
	}
}

func TestUpsertFromSync_ShortVoicemailStartsSkipped(t *testing.T) {
	t.Parallel()

	m := NewMemoryRecordRepo()
	meta := testMeta("vm-short", 1, time.Now().UTC())
	meta.InitialTranscription = model.TranscriptionSkipped
	meta.InitialText = model.SentinelTooShort
	meta.InitialDelivery = model.DeliverySkipped

	rec := mustUpsert(t, m, meta)
	if rec.TranscriptionStatus != model.TranscriptionSkipped {
		t.Fatalf("expected skipped transcription, got %s", rec.TranscriptionStatus)
	}
	if rec.Transcript() != model.SentinelTooShort {
		t.Fatalf("expected sentinel transcript, got %q", rec.Transcript())
	}
	if rec.DeliveryStatus != model.DeliverySkipped {
		t.Fatalf("expected skipped delivery, got %s", rec.DeliveryStatus)
	}

	// Never claimable: no audio, not pending.
	mustSetAudio(t, m, rec.ID)
	recs, err := m.ClaimTranscriptions(context.Background(), 10, 3)
	if err != nil {
		t.Fatalf("ClaimTranscriptions returned error: %v", err)
	}
	if len(recs) != 0 {
		t.Fatalf("expected no claimable records, got %d", len(recs))
	}
}

func TestClaimTranscriptions_Exclusive(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m := NewMemoryRecordRepo()

	now := time.Now().UTC()
	for i, id := range []string{"vm-a", "vm-b", "vm-c"} {
		rec := mustUpsert(t, m, testMeta(id, 30, now.Add(time.Duration(i)*time.Minute)))
		mustSetAudio(t, m, rec.ID)
	}

	first, err := m.ClaimTranscriptions(ctx, 2, 3)
	if err != nil {
		t.Fatalf("ClaimTranscriptions returned error: %v", err)
	}
	if len(first) != 2 {
		t.Fatalf("expected 2 claimed, got %d", len(first))
	}
	if first[0].ExternalID != "vm-a" || first[1].ExternalID != "vm-b" {
		t.Fatalf("expected oldest-first claim order, got %s %s", first[0].ExternalID, first[1].ExternalID)
	}
	for _, r := range first {
		if r.TranscriptionStatus != model.TranscriptionProcessing {
			t.Fatalf("expected claimed record in processing, got %s", r.TranscriptionStatus)
		}
	}

	// A second claimer must not see the same records.
	second, err := m.ClaimTranscriptions(ctx, 10, 3)
	if err != nil {
		t.Fatalf("second ClaimTranscriptions returned error: %v", err)
	}
	if len(second) != 1 || second[0].ExternalID != "vm-c" {
		t.Fatalf("expected only vm-c left, got %+v", second)
	}
}

func TestClaimTranscriptions_NoDoubleClaimUnderConcurrency(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m := NewMemoryRecordRepo()

	now := time.Now().UTC()
	for i := 0; i < 20; i++ {
		rec := mustUpsert(t, m, testMeta(fmt.Sprintf("vm-%02d", i), 30, now.Add(time.Duration(i)*time.Second)))
		mustSetAudio(t, m, rec.ID)
	}

	const claimers = 8
	results := make(chan []model.Record, claimers)

	var wg sync.WaitGroup
	for i := 0; i < claimers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			recs, err := m.ClaimTranscriptions(ctx, 5, 3)
			if err != nil {
				t.Errorf("ClaimTranscriptions returned error: %v", err)
				return
			}
			results <- recs
		}()
	}
	wg.Wait()
	close(results)

	seen := make(map[int64]bool)
	total := 0
	for recs := range results {
		for _, r := range recs {
			if seen[r.ID] {
				t.Fatalf("record %d claimed twice", r.ID)
			}
			seen[r.ID] = true
			total++
		}
	}
	if total != 20 {
		t.Fatalf("expected all 20 records claimed exactly once, got %d", total)
	}
}

func TestClaimTranscriptions_MaxAttemptsExhausted(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m := NewMemoryRecordRepo()
	rec := mustUpsert(t, m, testMeta("vm-fail", 30, time.Now().UTC()))
	mustSetAudio(t, m, rec.ID)

	for attempt := 1; attempt <= 3; attempt++ {
		claimed, err := m.ClaimTranscriptions(ctx, 10, 3)
		if err != nil {
			t.Fatalf("attempt %d: ClaimTranscriptions returned error: %v", attempt, err)
		}
		if len(claimed) != 1 {
			t.Fatalf("attempt %d: expected record claimable, got %d", attempt, len(claimed))
		}
		if err := m.CommitTranscription(ctx, rec.ID, model.TranscriptionOutcome{
			Status: model.TranscriptionFailed, Error: "stt down",
		}); err != nil {
			t.Fatalf("attempt %d: CommitTranscription returned error: %v", attempt, err)
		}
	}

	// Three failures reached the cap: a fourth tick claims nothing.
	claimed, err := m.ClaimTranscriptions(ctx, 10, 3)
	if err != nil {
		t.Fatalf("ClaimTranscriptions returned error: %v", err)
	}
	if len(claimed) != 0 {
		t.Fatalf("expected record exhausted after 3 attempts, got %d claimed", len(claimed))
	}

	got, err := m.Get(ctx, rec.ID)
	if err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	if got.TranscriptionStatus != model.TranscriptionFailed || got.TranscriptionAttempts != 3 {
		t.Fatalf("expected failed with 3 attempts, got %s attempts=%d", got.TranscriptionStatus, got.TranscriptionAttempts)
	}
	if got.LastError == nil || *got.LastError != "stt down" {
		t.Fatalf("expected last error recorded, got %v", got.LastError)
	}
}

func TestCommitTranscription_RequiresProcessing(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m := NewMemoryRecordRepo()
	rec := mustUpsert(t, m, testMeta("vm-1", 30, time.Now().UTC()))

	err := m.CommitTranscription(ctx, rec.ID, model.TranscriptionOutcome{
		Status: model.TranscriptionCompleted, Text: "never claimed",
	})
	if err != ErrNotFound {
		t.Fatalf("expected ErrNotFound committing an unclaimed record, got %v", err)
	}
}

func TestClaimEnrichables_Gating(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m := NewMemoryRecordRepo()
	now := time.Now().UTC()

	complete := func(externalID, text string) model.Record {
		rec := mustUpsert(t, m, testMeta(externalID, 30, now))
		mustSetAudio(t, m, rec.ID)
		if _, err := m.ClaimTranscriptions(ctx, 10, 3); err != nil {
			t.Fatalf("ClaimTranscriptions returned error: %v", err)
		}
		if err := m.CommitTranscription(ctx, rec.ID, model.TranscriptionOutcome{
			Status: model.TranscriptionCompleted, Text: text,
		}); err != nil {
			t.Fatalf("CommitTranscription returned error: %v", err)
		}
		return rec
	}

	good := complete("vm-good", "Hello, this is a real transcript with content.")

	// Sentinel transcripts are never enriched even when completed.
	sentinel := mustUpsert(t, m, testMeta("vm-sentinel", 30, now))
	mustSetAudio(t, m, sentinel.ID)
	if _, err := m.ClaimTranscriptions(ctx, 10, 3); err != nil {
		t.Fatalf("ClaimTranscriptions returned error: %v", err)
	}
	if err := m.CommitTranscription(ctx, sentinel.ID, model.TranscriptionOutcome{
		Status: model.TranscriptionSkipped, Text: model.SentinelNoContent,
	}); err != nil {
		t.Fatalf("CommitTranscription returned error: %v", err)
	}

	claimed, err := m.ClaimEnrichables(ctx, 10, 30*time.Minute)
	if err != nil {
		t.Fatalf("ClaimEnrichables returned error: %v", err)
	}
	if len(claimed) != 1 || claimed[0].ID != good.ID {
		t.Fatalf("expected only the real transcript claimable, got %+v", claimed)
	}

	// Claim stamp blocks a concurrent claimer.
	again, err := m.ClaimEnrichables(ctx, 10, 30*time.Minute)
	if err != nil {
		t.Fatalf("second ClaimEnrichables returned error: %v", err)
	}
	if len(again) != 0 {
		t.Fatalf("expected claim stamp to block reclaim, got %d", len(again))
	}

	// Committing clears the stamp; a real summary ends the lane.
	if err := m.CommitEnrichment(ctx, good.ID, model.EnrichmentOutcome{
		Summary: "Caller asks for a callback.", Sentiment: "neutral", Model: "test-model",
	}); err != nil {
		t.Fatalf("CommitEnrichment returned error: %v", err)
	}
	final, err := m.ClaimEnrichables(ctx, 10, 30*time.Minute)
	if err != nil {
		t.Fatalf("final ClaimEnrichables returned error: %v", err)
	}
	if len(final) != 0 {
		t.Fatalf("expected summarized record no longer claimable, got %d", len(final))
	}
}

func TestClaimEnrichables_SoftFailureIsReclaimable(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m := NewMemoryRecordRepo()
	rec := mustUpsert(t, m, testMeta("vm-soft", 30, time.Now().UTC()))
	mustSetAudio(t, m, rec.ID)
	if _, err := m.ClaimTranscriptions(ctx, 10, 3); err != nil {
		t.Fatalf("ClaimTranscriptions returned error: %v", err)
	}
	if err := m.CommitTranscription(ctx, rec.ID, model.TranscriptionOutcome{
		Status: model.TranscriptionCompleted, Text: "A transcript the model failed to summarize.",
	}); err != nil {
		t.Fatalf("CommitTranscription returned error: %v", err)
	}

	if _, err := m.ClaimEnrichables(ctx, 10, 30*time.Minute); err != nil {
		t.Fatalf("ClaimEnrichables returned error: %v", err)
	}
	// Soft failure: the summary sentinel commits, stamp clears.
	if err := m.CommitEnrichment(ctx, rec.ID, model.EnrichmentOutcome{
		Summary: model.SentinelNoSummary,
	}); err != nil {
		t.Fatalf("CommitEnrichment returned error: %v", err)
	}

	claimed, err := m.ClaimEnrichables(ctx, 10, 30*time.Minute)
	if err != nil {
		t.Fatalf("ClaimEnrichables after soft failure returned error: %v", err)
	}
	if len(claimed) != 1 || claimed[0].ID != rec.ID {
		t.Fatalf("expected soft-failed record claimable again, got %+v", claimed)
	}

	// A record marked "no meaningful content" stays terminal, and is
	// also invisible to delivery claims.
	if err := m.CommitEnrichment(ctx, rec.ID, model.EnrichmentOutcome{
		Summary: model.SentinelNoMeaningfulContent,
	}); err != nil {
		t.Fatalf("CommitEnrichment returned error: %v", err)
	}
	if got, _ := m.ClaimEnrichables(ctx, 10, 30*time.Minute); len(got) != 0 {
		t.Fatalf("expected terminal sentinel not claimable, got %d", len(got))
	}
	if got, _ := m.ClaimDeliveries(ctx, 10, nil); len(got) != 0 {
		t.Fatalf("expected sentinel summary excluded from delivery, got %d", len(got))
	}
}

func TestClaimDeliveries_CutoffAndTerminalSent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m := NewMemoryRecordRepo()
	cutoff := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)

	prepare := func(externalID string, receivedAt time.Time) model.Record {
		rec := mustUpsert(t, m, testMeta(externalID, 30, receivedAt))
		mustSetAudio(t, m, rec.ID)
		if _, err := m.ClaimTranscriptions(ctx, 10, 3); err != nil {
			t.Fatalf("ClaimTranscriptions returned error: %v", err)
		}
		if err := m.CommitTranscription(ctx, rec.ID, model.TranscriptionOutcome{
			Status: model.TranscriptionCompleted, Text: "A transcript with enough content to enrich.",
		}); err != nil {
			t.Fatalf("CommitTranscription returned error: %v", err)
		}
		if _, err := m.ClaimEnrichables(ctx, 10, time.Minute); err != nil {
			t.Fatalf("ClaimEnrichables returned error: %v", err)
		}
		if err := m.CommitEnrichment(ctx, rec.ID, model.EnrichmentOutcome{
			Summary: "Caller wants a callback.",
		}); err != nil {
			t.Fatalf("CommitEnrichment returned error: %v", err)
		}
		return rec
	}

	old := prepare("vm-old", cutoff.AddDate(0, 0, -3))
	fresh := prepare("vm-fresh", cutoff.AddDate(0, 0, 3))

	claimed, err := m.ClaimDeliveries(ctx, 10, &cutoff)
	if err != nil {
		t.Fatalf("ClaimDeliveries returned error: %v", err)
	}
	if len(claimed) != 1 || claimed[0].ID != fresh.ID {
		t.Fatalf("expected only the post-cutoff record, got %+v", claimed)
	}
	if claimed[0].DeliveryStatus != model.DeliveryProcessing {
		t.Fatalf("expected claimed delivery in processing, got %s", claimed[0].DeliveryStatus)
	}

	if err := m.CommitDelivery(ctx, fresh.ID, model.DeliveryOutcome{
		Status: model.DeliverySent, MessageID: "msg-1",
	}); err != nil {
		t.Fatalf("CommitDelivery returned error: %v", err)
	}

	// sent is terminal: no further commits, no further claims.
	if err := m.CommitDelivery(ctx, fresh.ID, model.DeliveryOutcome{
		Status: model.DeliveryFailed, Error: "late failure",
	}); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound committing over sent, got %v", err)
	}
	if got, _ := m.ClaimDeliveries(ctx, 10, &cutoff); len(got) != 0 {
		t.Fatalf("expected nothing claimable after send, got %d", len(got))
	}

	// The pre-cutoff record is untouched, still pending.
	gotOld, err := m.Get(ctx, old.ID)
	if err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	if gotOld.DeliveryStatus != model.DeliveryPending {
		t.Fatalf("expected pre-cutoff record left pending, got %s", gotOld.DeliveryStatus)
	}
}

func TestReleaseStaleClaims(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m := NewMemoryRecordRepo()
	rec := mustUpsert(t, m, testMeta("vm-stale", 30, time.Now().UTC()))
	mustSetAudio(t, m, rec.ID)

	claimed, err := m.ClaimTranscriptions(ctx, 10, 3)
	if err != nil {
		t.Fatalf("ClaimTranscriptions returned error: %v", err)
	}
	if len(claimed) != 1 {
		t.Fatalf("expected 1 claimed, got %d", len(claimed))
	}

	// A fresh claim is not stale yet.
	released, err := m.ReleaseStaleClaims(ctx, 30*time.Minute)
	if err != nil {
		t.Fatalf("ReleaseStaleClaims returned error: %v", err)
	}
	if released != 0 {
		t.Fatalf("expected no fresh claims released, got %d", released)
	}

	// Backdate the claim past the staleness window, as if the worker
	// died mid-flight.
	m.mu.Lock()
	m.records[rec.ID].UpdatedAt = time.Now().UTC().Add(-time.Hour)
	m.mu.Unlock()

	released, err = m.ReleaseStaleClaims(ctx, 30*time.Minute)
	if err != nil {
		t.Fatalf("ReleaseStaleClaims returned error: %v", err)
	}
	if released != 1 {
		t.Fatalf("expected 1 stale claim released, got %d", released)
	}

	got, err := m.Get(ctx, rec.ID)
	if err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	if got.TranscriptionStatus != model.TranscriptionPending {
		t.Fatalf("expected record back to pending, got %s", got.TranscriptionStatus)
	}

	// And it is claimable again.
	reclaimed, err := m.ClaimTranscriptions(ctx, 10, 3)
	if err != nil {
		t.Fatalf("reclaim returned error: %v", err)
	}
	if len(reclaimed) != 1 || reclaimed[0].ID != rec.ID {
		t.Fatalf("expected released record reclaimable, got %+v", reclaimed)
	}
}

func TestReprocess_ResetsAllLanes(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m := NewMemoryRecordRepo()
	rec := mustUpsert(t, m, testMeta("vm-redo", 30, time.Now().UTC()))
	mustSetAudio(t, m, rec.ID)

	if _, err := m.ClaimTranscriptions(ctx, 10, 3); err != nil {
		t.Fatalf("ClaimTranscriptions returned error: %v", err)
	}
	if err := m.CommitTranscription(ctx, rec.ID, model.TranscriptionOutcome{
		Status: model.TranscriptionCompleted, Text: "Transcript with plenty of content here.",
	}); err != nil {
		t.Fatalf("CommitTranscription returned error: %v", err)
	}
	if _, err := m.ClaimEnrichables(ctx, 10, time.Minute); err != nil {
		t.Fatalf("ClaimEnrichables returned error: %v", err)
	}
	if err := m.CommitEnrichment(ctx, rec.ID, model.EnrichmentOutcome{
		Summary: "A summary.", Urgent: true, Model: "test-model",
	}); err != nil {
		t.Fatalf("CommitEnrichment returned error: %v", err)
	}
	if _, err := m.ClaimDeliveries(ctx, 10, nil); err != nil {
		t.Fatalf("ClaimDeliveries returned error: %v", err)
	}
	if err := m.CommitDelivery(ctx, rec.ID, model.DeliveryOutcome{
		Status: model.DeliverySent, MessageID: "msg-9",
	}); err != nil {
		t.Fatalf("CommitDelivery returned error: %v", err)
	}

	if err := m.Reprocess(ctx, rec.ID); err != nil {
		t.Fatalf("Reprocess returned error: %v", err)
	}

	got, err := m.Get(ctx, rec.ID)
	if err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	if got.TranscriptionStatus != model.TranscriptionPending || got.DeliveryStatus != model.DeliveryPending {
		t.Fatalf("expected both lanes pending, got %s / %s", got.TranscriptionStatus, got.DeliveryStatus)
	}
	if got.TranscriptionText != nil || got.Summary != nil || got.DeliveryMessageID != nil {
		t.Fatalf("expected derived fields cleared, got %+v", got)
	}
	if got.Urgent {
		t.Fatalf("expected urgent flag cleared")
	}
	if !got.HasAudio() {
		t.Fatalf("expected audio path preserved across reprocess")
	}

	if err := m.Reprocess(ctx, 999); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound for unknown id, got %v", err)
	}
}

func TestListPendingDownloads(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m := NewMemoryRecordRepo()
	now := time.Now().UTC()

	noAudio := mustUpsert(t, m, testMeta("vm-noaudio", 30, now))
	withAudio := mustUpsert(t, m, testMeta("vm-audio", 30, now.Add(time.Minute)))
	mustSetAudio(t, m, withAudio.ID)

	short := testMeta("vm-tiny", 1, now.Add(2*time.Minute))
	short.InitialTranscription = model.TranscriptionSkipped
	short.InitialText = model.SentinelTooShort
	short.InitialDelivery = model.DeliverySkipped
	mustUpsert(t, m, short)

	pending, err := m.ListPendingDownloads(ctx, 10, 2)
	if err != nil {
		t.Fatalf("ListPendingDownloads returned error: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != noAudio.ID {
		t.Fatalf("expected only the audio-less pending record, got %+v", pending)
	}
}

func TestList_FiltersAndOrder(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m := NewMemoryRecordRepo()
	now := time.Now().UTC()

	for i, id := range []string{"vm-1", "vm-2", "vm-3"} {
		mustUpsert(t, m, testMeta(id, 30, now.Add(time.Duration(i)*time.Hour)))
	}

	all, err := m.List(ctx, ListFilter{})
	if err != nil {
		t.Fatalf("List returned error: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 records, got %d", len(all))
	}
	if all[0].ExternalID != "vm-3" {
		t.Fatalf("expected newest-first order, got %s first", all[0].ExternalID)
	}

	filtered, err := m.List(ctx, ListFilter{TranscriptionStatus: model.TranscriptionCompleted})
	if err != nil {
		t.Fatalf("List returned error: %v", err)
	}
	if len(filtered) != 0 {
		t.Fatalf("expected no completed records, got %d", len(filtered))
	}

	paged, err := m.List(ctx, ListFilter{Limit: 1, Offset: 1})
	if err != nil {
		t.Fatalf("List returned error: %v", err)
	}
	if len(paged) != 1 || paged[0].ExternalID != "vm-2" {
		t.Fatalf("expected vm-2 on page 2, got %+v", paged)
	}
}
