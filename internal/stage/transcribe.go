package stage

import (
	"context"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/sonnenglas/voicemail-pipeline/internal/client"
	"github.com/sonnenglas/voicemail-pipeline/internal/model"
	"github.com/sonnenglas/voicemail-pipeline/internal/repo"
	"github.com/sonnenglas/voicemail-pipeline/internal/settings"
)

// SpeechToText is the transcription API surface the stage needs.
type SpeechToText interface {
	Transcribe(ctx context.Context, filename string, audio []byte) (client.Transcription, error)
}

// AudioReader loads stored audio by its local reference.
type AudioReader interface {
	Read(path string) ([]byte, error)
}

type TranscribeStats struct {
	Claimed   int
	Completed int
	Skipped   int
	Failed    int
}

// Transcriber advances claimed records through the transcription lane
// with bounded concurrency. One record's failure never touches the
// rest of the batch.
type Transcriber struct {
	stt         SpeechToText
	repo        repo.RecordRepository
	audio       AudioReader
	concurrency int
}

func NewTranscriber(stt SpeechToText, r repo.RecordRepository, a AudioReader, concurrency int) *Transcriber {
	if concurrency <= 0 {
		concurrency = 2
	}
	return &Transcriber{
		stt:         stt,
		repo:        r,
		audio:       a,
		concurrency: concurrency,
	}
}

func (t *Transcriber) Run(ctx context.Context, snap settings.Snapshot) (TranscribeStats, error) {
	var stats TranscribeStats

	recs, err := t.repo.ClaimTranscriptions(ctx, snap.BatchSize, snap.MaxTranscribeAttempts)
	if err != nil {
		return stats, err
	}
	if len(recs) == 0 {
		return stats, nil
	}
	stats.Claimed = len(recs)

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(t.concurrency)

	for _, rec := range recs {
		g.Go(func() error {
			out := t.transcribeOne(gctx, rec)
			if err := t.repo.CommitTranscription(gctx, rec.ID, out); err != nil {
				slog.Error("failed to commit transcription", "record_id", rec.ID, "error", err)
				return nil
			}

			mu.Lock()
			switch out.Status {
			case model.TranscriptionCompleted:
				stats.Completed++
			case model.TranscriptionSkipped:
				stats.Skipped++
			case model.TranscriptionFailed:
				stats.Failed++
			}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	slog.Info("transcribe complete",
		"claimed", stats.Claimed, "completed", stats.Completed,
		"skipped", stats.Skipped, "failed", stats.Failed)
	return stats, nil
}

func (t *Transcriber) transcribeOne(ctx context.Context, rec model.Record) model.TranscriptionOutcome {
	audio, err := t.audio.Read(*rec.LocalPath)
	if err != nil {
		slog.Error("failed to read audio", "record_id", rec.ID, "error", err)
		return model.TranscriptionOutcome{Status: model.TranscriptionFailed, Error: err.Error()}
	}

	tr, err := t.stt.Transcribe(ctx, filepath.Base(*rec.LocalPath), audio)
	if err != nil {
		slog.Error("transcription failed", "record_id", rec.ID, "error", err)
		return model.TranscriptionOutcome{Status: model.TranscriptionFailed, Error: err.Error()}
	}

	text := strings.TrimSpace(tr.Text)
	if text == "" {
		return model.TranscriptionOutcome{Status: model.TranscriptionSkipped, Text: model.SentinelNoContent}
	}
	if model.IsTranscriptSentinel(text) {
		return model.TranscriptionOutcome{Status: model.TranscriptionSkipped, Text: text}
	}

	slog.Info("transcribed voicemail", "record_id", rec.ID, "language", tr.Language)
	return model.TranscriptionOutcome{
		Status:     model.TranscriptionCompleted,
		Text:       text,
		Language:   tr.Language,
		Confidence: tr.Confidence,
	}
}
