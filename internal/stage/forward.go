package stage

import (
	"context"
	"log/slog"
	"time"

	"github.com/sonnenglas/voicemail-pipeline/internal/model"
	"github.com/sonnenglas/voicemail-pipeline/internal/repo"
	"github.com/sonnenglas/voicemail-pipeline/internal/settings"
)

// Deliverer is the notification API surface the stage needs.
type Deliverer interface {
	Deliver(ctx context.Context, rec model.Record, toEmail string) (string, error)
}

// DeliveryCache records successful deliveries out-of-band (Redis).
type DeliveryCache interface {
	StoreDelivered(ctx context.Context, recordID int64, messageID string, at time.Time) error
}

type ForwardStats struct {
	Claimed int
	Sent    int
	Failed  int
}

// Forwarder delivers summarized records downstream. A failed delivery
// is committed as failed and left alone: resending into a live
// downstream system only happens through an explicit reprocess, never
// on a timer.
type Forwarder struct {
	deliverer Deliverer
	repo      repo.RecordRepository
	cache     DeliveryCache // optional
}

func NewForwarder(d Deliverer, r repo.RecordRepository) *Forwarder {
	return &Forwarder{deliverer: d, repo: r}
}

// WithCache mirrors successful deliveries into a cache.
func (f *Forwarder) WithCache(c DeliveryCache) *Forwarder {
	f.cache = c
	return f
}

func (f *Forwarder) Run(ctx context.Context, snap settings.Snapshot) (ForwardStats, error) {
	var stats ForwardStats

	if snap.NotificationEmail == "" {
		slog.Info("forwarding skipped: notification email not configured")
		return stats, nil
	}

	recs, err := f.repo.ClaimDeliveries(ctx, snap.BatchSize, snap.ForwardCutoff)
	if err != nil {
		return stats, err
	}
	if len(recs) == 0 {
		return stats, nil
	}
	stats.Claimed = len(recs)

	for _, rec := range recs {
		messageID, err := f.deliverer.Deliver(ctx, rec, snap.NotificationEmail)
		if err != nil {
			slog.Error("delivery failed", "record_id", rec.ID, "error", err)
			out := model.DeliveryOutcome{Status: model.DeliveryFailed, Error: err.Error()}
			if cerr := f.repo.CommitDelivery(ctx, rec.ID, out); cerr != nil {
				slog.Error("failed to commit delivery", "record_id", rec.ID, "error", cerr)
			}
			stats.Failed++
			continue
		}

		out := model.DeliveryOutcome{Status: model.DeliverySent, MessageID: messageID}
		if err := f.repo.CommitDelivery(ctx, rec.ID, out); err != nil {
			slog.Error("failed to commit delivery", "record_id", rec.ID, "error", err)
			continue
		}
		stats.Sent++

		if f.cache != nil {
			if err := f.cache.StoreDelivered(ctx, rec.ID, messageID, time.Now().UTC()); err != nil {
				slog.Warn("failed to cache delivery", "record_id", rec.ID, "error", err)
			}
		}
	}

	slog.Info("forward complete", "claimed", stats.Claimed, "sent", stats.Sent, "failed", stats.Failed)
	return stats, nil
}
