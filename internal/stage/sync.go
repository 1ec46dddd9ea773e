// Package stage implements the four pipeline stages. Each stage claims
// the records it is responsible for, processes them with per-record
// isolation and commits one terminal outcome per record. Stages never
// talk to each other; ordering comes from the status lanes alone.
package stage

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/sonnenglas/voicemail-pipeline/internal/client"
	"github.com/sonnenglas/voicemail-pipeline/internal/model"
	"github.com/sonnenglas/voicemail-pipeline/internal/repo"
	"github.com/sonnenglas/voicemail-pipeline/internal/settings"
)

// MinVoicemailSeconds is the shortest voicemail worth transcribing.
// Anything below goes straight to skipped.
const MinVoicemailSeconds = 2

// VoicemailProvider is the telephony API surface the sync stage needs.
type VoicemailProvider interface {
	ListVoicemails(ctx context.Context, days int) ([]client.ProviderVoicemail, error)
	GetVoicemail(ctx context.Context, externalID string) (client.ProviderVoicemail, error)
	DownloadAudio(ctx context.Context, fileURL string) ([]byte, error)
}

// AudioSaver persists downloaded audio and returns the local reference.
type AudioSaver interface {
	Save(externalID string, audio []byte) (string, error)
}

type SyncStats struct {
	Seen           int
	New            int
	Updated        int
	Downloaded     int
	DownloadFailed int
}

// Syncer materializes provider voicemails into the record store and
// downloads their audio.
type Syncer struct {
	providerName string
	provider     VoicemailProvider
	repo         repo.RecordRepository
	audio        AudioSaver
	settings     settings.Store
}

func NewSyncer(providerName string, p VoicemailProvider, r repo.RecordRepository, a AudioSaver, s settings.Store) *Syncer {
	return &Syncer{
		providerName: providerName,
		provider:     p,
		repo:         r,
		audio:        a,
		settings:     s,
	}
}

// Run lists the provider window derived from the last sync, upserts
// every voicemail and downloads missing audio. A single record's
// download failure never aborts the batch; the record stays pending
// without an audio reference and is retried on the next sync.
func (s *Syncer) Run(ctx context.Context, snap settings.Snapshot) (SyncStats, error) {
	var stats SyncStats

	days := snap.SyncLookbackDays(time.Now().UTC())
	voicemails, err := s.provider.ListVoicemails(ctx, days)
	if err != nil {
		return stats, err
	}

	for _, vm := range voicemails {
		stats.Seen++

		rec, created, err := s.repo.UpsertFromSync(ctx, s.syncMeta(vm, snap))
		if err != nil {
			slog.Error("sync upsert failed", "external_id", vm.ID, "error", err)
			continue
		}
		if created {
			stats.New++
		} else {
			stats.Updated++
		}

		if vm.Duration < MinVoicemailSeconds || rec.HasAudio() || vm.FileURL == "" {
			continue
		}
		if err := s.download(ctx, rec.ID, vm.ID, vm.FileURL); err != nil {
			stats.DownloadFailed++
			slog.Error("audio download failed", "external_id", vm.ID, "error", err)
			continue
		}
		stats.Downloaded++
	}

	stats.Downloaded += s.retryDownloads(ctx, snap)

	if err := s.settings.Set(ctx, settings.KeyLastSyncAt, time.Now().UTC().Format(time.RFC3339)); err != nil {
		slog.Error("failed to store last sync time", "error", err)
	}

	slog.Info("sync complete",
		"seen", stats.Seen, "new", stats.New, "updated", stats.Updated,
		"downloaded", stats.Downloaded, "download_failed", stats.DownloadFailed)
	return stats, nil
}

func (s *Syncer) syncMeta(vm client.ProviderVoicemail, snap settings.Snapshot) model.SyncMeta {
	meta := model.SyncMeta{
		Provider:     s.providerName,
		ExternalID:   vm.ID,
		FromNumber:   vm.FromNumber,
		ToNumber:     vm.ToNumber,
		ToNumberName: vm.ToName,
		Duration:     vm.Duration,
		ReceivedAt:   vm.ReceivedAt,
		FileURL:      vm.FileURL,
		Unread:       vm.Unread,
	}

	if vm.Duration < MinVoicemailSeconds {
		meta.InitialTranscription = model.TranscriptionSkipped
		if vm.Duration > 0 {
			meta.InitialText = model.SentinelTooShort
		} else {
			meta.InitialText = model.SentinelNoAudio
		}
		meta.InitialDelivery = model.DeliverySkipped
		return meta
	}

	meta.InitialTranscription = model.TranscriptionPending
	if snap.ForwardCutoff != nil && !vm.ReceivedAt.IsZero() && vm.ReceivedAt.Before(*snap.ForwardCutoff) {
		meta.InitialDelivery = model.DeliverySkipped
	} else {
		meta.InitialDelivery = model.DeliveryPending
	}
	return meta
}

// retryDownloads picks up records whose audio never arrived, fetching
// a fresh signed URL when the stored one has expired.
func (s *Syncer) retryDownloads(ctx context.Context, snap settings.Snapshot) int {
	pending, err := s.repo.ListPendingDownloads(ctx, snap.BatchSize, MinVoicemailSeconds)
	if err != nil {
		slog.Error("failed to list pending downloads", "error", err)
		return 0
	}

	downloaded := 0
	for _, rec := range pending {
		fileURL := ""
		if rec.FileURL != nil {
			fileURL = *rec.FileURL
		}
		if fileURL == "" {
			fresh, err := s.provider.GetVoicemail(ctx, rec.ExternalID)
			if err != nil || fresh.FileURL == "" {
				slog.Warn("no audio url available", "record_id", rec.ID, "error", err)
				continue
			}
			fileURL = fresh.FileURL
		}

		if err := s.download(ctx, rec.ID, rec.ExternalID, fileURL); err != nil {
			slog.Error("audio download retry failed", "record_id", rec.ID, "error", err)
			continue
		}
		downloaded++
	}
	return downloaded
}

func (s *Syncer) download(ctx context.Context, recordID int64, externalID, fileURL string) error {
	audio, err := s.provider.DownloadAudio(ctx, fileURL)
	if errors.Is(err, client.ErrAudioGone) {
		// Signed URL expired; fetch a fresh one and try once more.
		fresh, ferr := s.provider.GetVoicemail(ctx, externalID)
		if ferr != nil || fresh.FileURL == "" {
			return err
		}
		audio, err = s.provider.DownloadAudio(ctx, fresh.FileURL)
	}
	if err != nil {
		return err
	}

	path, err := s.audio.Save(externalID, audio)
	if err != nil {
		return err
	}
	return s.repo.SetAudioPath(ctx, recordID, path)
}
