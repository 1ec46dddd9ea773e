package stage

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/sonnenglas/voicemail-pipeline/internal/client"
	"github.com/sonnenglas/voicemail-pipeline/internal/model"
	"github.com/sonnenglas/voicemail-pipeline/internal/repo"
	"github.com/sonnenglas/voicemail-pipeline/internal/settings"
)

// minMeaningfulTranscript is the shortest transcript worth sending to
// the model. Anything below is committed as "no meaningful content"
// without an API call.
const minMeaningfulTranscript = 20

// TranscriptEnricher is the LLM API surface the stage needs.
type TranscriptEnricher interface {
	Enrich(ctx context.Context, transcript, language string) (client.Enrichment, error)
	Model() string
}

type EnrichStats struct {
	Claimed    int
	Enriched   int
	NoContent  int
	SoftFailed int
}

// Enricher turns completed transcripts into summaries and
// classifications. A soft failure (empty or malformed model output,
// transport error) commits the re-claimable summary sentinel so the
// record is excluded from forwarding but retried on a later tick.
type Enricher struct {
	llm  TranscriptEnricher
	repo repo.RecordRepository
}

func NewEnricher(llm TranscriptEnricher, r repo.RecordRepository) *Enricher {
	return &Enricher{llm: llm, repo: r}
}

func (e *Enricher) Run(ctx context.Context, snap settings.Snapshot) (EnrichStats, error) {
	var stats EnrichStats

	recs, err := e.repo.ClaimEnrichables(ctx, snap.BatchSize, snap.StaleAfter)
	if err != nil {
		return stats, err
	}
	if len(recs) == 0 {
		return stats, nil
	}
	stats.Claimed = len(recs)

	for _, rec := range recs {
		transcript := strings.TrimSpace(rec.Transcript())

		if len(transcript) < minMeaningfulTranscript {
			out := model.EnrichmentOutcome{Summary: model.SentinelNoMeaningfulContent}
			if err := e.repo.CommitEnrichment(ctx, rec.ID, out); err != nil {
				slog.Error("failed to commit enrichment", "record_id", rec.ID, "error", err)
			}
			stats.NoContent++
			continue
		}

		language := ""
		if rec.TranscriptionLanguage != nil {
			language = *rec.TranscriptionLanguage
		}

		enrichment, err := e.llm.Enrich(ctx, transcript, language)
		if err != nil {
			if !errors.Is(err, client.ErrEmptyEnrichment) {
				slog.Error("enrichment failed", "record_id", rec.ID, "error", err)
			}
			out := model.EnrichmentOutcome{Summary: model.SentinelNoSummary}
			if cerr := e.repo.CommitEnrichment(ctx, rec.ID, out); cerr != nil {
				slog.Error("failed to commit enrichment", "record_id", rec.ID, "error", cerr)
			}
			stats.SoftFailed++
			continue
		}

		out := model.EnrichmentOutcome{
			CorrectedText: enrichment.CorrectedText,
			Summary:       enrichment.Summary,
			SummaryEN:     enrichment.SummaryEN,
			Sentiment:     enrichment.Sentiment,
			Emotion:       enrichment.Emotion,
			Category:      enrichment.Category,
			Urgent:        enrichment.Urgent,
			EmailSubject:  enrichment.EmailSubject,
			Model:         e.llm.Model(),
		}
		if err := e.repo.CommitEnrichment(ctx, rec.ID, out); err != nil {
			slog.Error("failed to commit enrichment", "record_id", rec.ID, "error", err)
			continue
		}
		stats.Enriched++
		slog.Info("enriched voicemail", "record_id", rec.ID,
			"sentiment", enrichment.Sentiment, "urgent", enrichment.Urgent)
	}

	slog.Info("enrich complete",
		"claimed", stats.Claimed, "enriched", stats.Enriched,
		"no_content", stats.NoContent, "soft_failed", stats.SoftFailed)
	return stats, nil
}
