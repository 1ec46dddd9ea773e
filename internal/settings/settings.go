// Package settings holds the runtime behavior flags of the pipeline.
// Values live in the database so they can be changed without a
// restart; the scheduler reads them into an immutable Snapshot once
// per tick and passes that snapshot into each stage.
package settings

import (
	"context"
	"strconv"
	"time"
)

// Setting keys.
const (
	KeySyncInterval          = "sync_interval_minutes"
	KeyAutoTranscribe        = "auto_transcribe"
	KeyAutoSummarize         = "auto_summarize"
	KeyAutoEmail             = "auto_email"
	KeyNotificationEmail     = "notification_email"
	KeyForwardCutoff         = "email_only_after"
	KeyLastSyncAt            = "last_sync_at"
	KeyBatchSize             = "batch_size"
	KeyMaxTranscribeAttempts = "max_transcribe_attempts"
	KeyStaleAfterMinutes     = "stale_after_minutes"
)

// Store is a persistent string key-value store. Get returns an empty
// string for unset keys.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
}

// Snapshot is one tick's view of the settings. Stages never read the
// store directly.
type Snapshot struct {
	SyncInterval          time.Duration
	AutoTranscribe        bool
	AutoSummarize         bool
	AutoEmail             bool
	NotificationEmail     string
	ForwardCutoff         *time.Time
	LastSyncAt            *time.Time
	BatchSize             int
	MaxTranscribeAttempts int
	StaleAfter            time.Duration
}

// Load reads every setting once and resolves defaults.
func Load(ctx context.Context, s Store) (Snapshot, error) {
	snap := Snapshot{
		SyncInterval:          5 * time.Minute,
		AutoTranscribe:        true,
		AutoSummarize:         true,
		AutoEmail:             false,
		BatchSize:             10,
		MaxTranscribeAttempts: 3,
		StaleAfter:            30 * time.Minute,
	}

	get := func(key string) (string, error) {
		return s.Get(ctx, key)
	}

	if v, err := get(KeySyncInterval); err != nil {
		return snap, err
	} else if n, perr := strconv.Atoi(v); perr == nil && n > 0 {
		snap.SyncInterval = time.Duration(n) * time.Minute
	}

	for key, dst := range map[string]*bool{
		KeyAutoTranscribe: &snap.AutoTranscribe,
		KeyAutoSummarize:  &snap.AutoSummarize,
		KeyAutoEmail:      &snap.AutoEmail,
	} {
		v, err := get(key)
		if err != nil {
			return snap, err
		}
		if v != "" {
			*dst = v == "true"
		}
	}

	v, err := get(KeyNotificationEmail)
	if err != nil {
		return snap, err
	}
	snap.NotificationEmail = v

	if v, err := get(KeyForwardCutoff); err != nil {
		return snap, err
	} else if t, ok := parseTime(v); ok {
		snap.ForwardCutoff = &t
	}

	if v, err := get(KeyLastSyncAt); err != nil {
		return snap, err
	} else if t, ok := parseTime(v); ok {
		snap.LastSyncAt = &t
	}

	if v, err := get(KeyBatchSize); err != nil {
		return snap, err
	} else if n, perr := strconv.Atoi(v); perr == nil && n > 0 {
		snap.BatchSize = n
	}

	if v, err := get(KeyMaxTranscribeAttempts); err != nil {
		return snap, err
	} else if n, perr := strconv.Atoi(v); perr == nil && n > 0 {
		snap.MaxTranscribeAttempts = n
	}

	if v, err := get(KeyStaleAfterMinutes); err != nil {
		return snap, err
	} else if n, perr := strconv.Atoi(v); perr == nil && n > 0 {
		snap.StaleAfter = time.Duration(n) * time.Minute
	}

	return snap, nil
}

func parseTime(v string) (time.Time, bool) {
	if v == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// SyncLookbackDays derives the provider window from the last
// successful sync: days since then plus one day of buffer, clamped to
// [1, 30]. A never-synced deployment fetches the full 30 days.
func (s Snapshot) SyncLookbackDays(now time.Time) int {
	if s.LastSyncAt == nil {
		return 30
	}
	days := int(now.Sub(*s.LastSyncAt).Hours()/24) + 1
	if days < 1 {
		return 1
	}
	if days > 30 {
		return 30
	}
	return days
}
