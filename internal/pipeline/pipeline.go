// Package pipeline wires the four stages into one tick and owns the
// per-stage run-state tokens. The pipeline decides only when a stage
// may run; everything it knows about a record comes from the record
// store's claim discipline.
package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/sonnenglas/voicemail-pipeline/internal/repo"
	"github.com/sonnenglas/voicemail-pipeline/internal/settings"
)

// ErrStageBusy is returned by manual triggers when the same stage is
// already running; overlapping runs are skipped, never queued.
var ErrStageBusy = errors.New("stage is already running")

// Runner adapts a concrete stage's Run method. The stats types differ
// per stage, so the pipeline only sees the error.
type Runner func(ctx context.Context, snap settings.Snapshot) error

type Pipeline struct {
	repo     repo.RecordRepository
	settings settings.Store

	syncFn       Runner
	transcribeFn Runner
	enrichFn     Runner
	forwardFn    Runner

	// StageTimeout bounds one stage run within a tick. Items claimed
	// but not processed when it fires are recovered by the staleness
	// release on a later tick.
	StageTimeout time.Duration

	syncToken       atomic.Bool
	transcribeToken atomic.Bool
	enrichToken     atomic.Bool
	forwardToken    atomic.Bool
}

// Stages bundles the four stage Run functions for New.
type Stages struct {
	Sync       Runner
	Transcribe Runner
	Enrich     Runner
	Forward    Runner
}

// RunnerFor adapts a stage with a stats-returning Run method.
func RunnerFor[T any](run func(ctx context.Context, snap settings.Snapshot) (T, error)) func(context.Context, settings.Snapshot) error {
	return func(ctx context.Context, snap settings.Snapshot) error {
		_, err := run(ctx, snap)
		return err
	}
}

func New(r repo.RecordRepository, s settings.Store, st Stages) *Pipeline {
	return &Pipeline{
		repo:         r,
		settings:     s,
		syncFn:       st.Sync,
		transcribeFn: st.Transcribe,
		enrichFn:     st.Enrich,
		forwardFn:    st.Forward,
		StageTimeout: 10 * time.Minute,
	}
}

// Tick runs one scheduler pass: self-heal stale claims, snapshot the
// settings, then drive the stages downstream. A stage failure is
// logged and the chain continues; a failing sync must not stop
// transcription of records that are already pending.
func (p *Pipeline) Tick(ctx context.Context) {
	snap, err := settings.Load(ctx, p.settings)
	if err != nil {
		slog.Error("failed to load settings, skipping tick", "error", err)
		return
	}

	if released, err := p.repo.ReleaseStaleClaims(ctx, snap.StaleAfter); err != nil {
		slog.Error("failed to release stale claims", "error", err)
	} else if released > 0 {
		slog.Warn("released stale claims", "count", released)
	}

	p.runStage(ctx, snap, "sync", &p.syncToken, p.syncFn)

	if snap.AutoTranscribe {
		p.runStage(ctx, snap, "transcribe", &p.transcribeToken, p.transcribeFn)
	}
	if snap.AutoSummarize {
		p.runStage(ctx, snap, "enrich", &p.enrichToken, p.enrichFn)
	}
	if snap.AutoEmail {
		p.runStage(ctx, snap, "forward", &p.forwardToken, p.forwardFn)
	}
}

// SyncNow is the manual single-shot sync trigger.
func (p *Pipeline) SyncNow(ctx context.Context) error {
	return p.runManual(ctx, "sync", &p.syncToken, p.syncFn)
}

// ForwardNow is the manual single-shot forwarding trigger. It runs
// regardless of the auto_email flag.
func (p *Pipeline) ForwardNow(ctx context.Context) error {
	return p.runManual(ctx, "forward", &p.forwardToken, p.forwardFn)
}

// Reprocess resets one record's lanes to pending; the regular claim
// flow picks it up from there.
func (p *Pipeline) Reprocess(ctx context.Context, id int64) error {
	return p.repo.Reprocess(ctx, id)
}

func (p *Pipeline) runStage(ctx context.Context, snap settings.Snapshot, name string, token *atomic.Bool, fn Runner) {
	if fn == nil {
		return
	}
	if !token.CompareAndSwap(false, true) {
		slog.Warn("stage still running, skipping this tick", "stage", name)
		return
	}
	defer token.Store(false)

	sctx, cancel := context.WithTimeout(ctx, p.StageTimeout)
	defer cancel()

	start := time.Now()
	if err := fn(sctx, snap); err != nil {
		slog.Error("stage failed", "stage", name, "error", err)
		return
	}
	slog.Debug("stage finished", "stage", name, "duration_ms", time.Since(start).Milliseconds())
}

func (p *Pipeline) runManual(ctx context.Context, name string, token *atomic.Bool, fn Runner) error {
	if fn == nil {
		return nil
	}
	snap, err := settings.Load(ctx, p.settings)
	if err != nil {
		return err
	}
	if !token.CompareAndSwap(false, true) {
		return ErrStageBusy
	}
	defer token.Store(false)

	sctx, cancel := context.WithTimeout(ctx, p.StageTimeout)
	defer cancel()

	slog.Info("manual stage run", "stage", name)
	return fn(sctx, snap)
}
