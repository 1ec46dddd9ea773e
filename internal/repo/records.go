package repo

import (
	"context"
	"errors"
	"time"

	"github.com/sonnenglas/voicemail-pipeline/internal/model"
)

// ErrNotFound is returned when a record id does not exist.
var ErrNotFound = errors.New("record not found")

// ListFilter narrows List results. Empty fields match everything.
type ListFilter struct {
	TranscriptionStatus model.TranscriptionStatus
	DeliveryStatus      model.DeliveryStatus
	Limit               int
	Offset              int
}

// RecordRepository is the single source of truth for voicemail records.
// Claim methods are the pipeline's only mutual-exclusion primitive: a
// claimed record is invisible to other claimers until it is committed
// or its claim goes stale.
type RecordRepository interface {
	// UpsertFromSync inserts a record or refreshes the call metadata of
	// an existing one, keyed by (provider, external_id). Lane statuses
	// are only written on insert. Reports whether the record was created.
	UpsertFromSync(ctx context.Context, meta model.SyncMeta) (model.Record, bool, error)

	// SetAudioPath stores the local audio reference after a download.
	SetAudioPath(ctx context.Context, id int64, path string) error

	// ClaimTranscriptions atomically moves up to limit records with
	// audio and transcription_status pending (or failed below
	// maxAttempts) to processing and returns them.
	ClaimTranscriptions(ctx context.Context, limit, maxAttempts int) ([]model.Record, error)

	// ClaimEnrichables returns up to limit records with a completed,
	// non-sentinel transcript and no usable summary yet, stamping each
	// with a claim that expires after staleAfter.
	ClaimEnrichables(ctx context.Context, limit int, staleAfter time.Duration) ([]model.Record, error)

	// ClaimDeliveries atomically moves up to limit forwardable records
	// (pending delivery, non-sentinel summary, received at or after the
	// cutoff when one is set) to processing and returns them.
	ClaimDeliveries(ctx context.Context, limit int, cutoff *time.Time) ([]model.Record, error)

	CommitTranscription(ctx context.Context, id int64, out model.TranscriptionOutcome) error
	CommitEnrichment(ctx context.Context, id int64, out model.EnrichmentOutcome) error
	CommitDelivery(ctx context.Context, id int64, out model.DeliveryOutcome) error

	// ReleaseStaleClaims resets records stuck in processing for longer
	// than olderThan back to pending and expires stale enrichment
	// claims. Self-healing after a crash mid-batch.
	ReleaseStaleClaims(ctx context.Context, olderThan time.Duration) (int, error)

	// Reprocess resets every lane of one record to pending so it
	// re-enters the normal claim flow. Manual trigger only.
	Reprocess(ctx context.Context, id int64) error

	// ListPendingDownloads returns records still waiting for their
	// audio (pending transcription, no local path, long enough to be
	// worth transcribing).
	ListPendingDownloads(ctx context.Context, limit, minDuration int) ([]model.Record, error)

	Get(ctx context.Context, id int64) (model.Record, error)
	List(ctx context.Context, f ListFilter) ([]model.Record, error)
}
