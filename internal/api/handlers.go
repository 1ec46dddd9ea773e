package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/sonnenglas/voicemail-pipeline/internal/model"
	"github.com/sonnenglas/voicemail-pipeline/internal/pipeline"
	"github.com/sonnenglas/voicemail-pipeline/internal/repo"
	"github.com/sonnenglas/voicemail-pipeline/internal/scheduler"
	"github.com/sonnenglas/voicemail-pipeline/internal/settings"
)

// Handler is the administrative trigger surface: it starts and stops
// the scheduler, fires manual stage runs and edits settings. All
// processing logic stays in the pipeline.
type Handler struct {
	sched    *scheduler.Scheduler
	pipe     *pipeline.Pipeline
	repo     repo.RecordRepository
	settings settings.Store
}

func NewHandler(s *scheduler.Scheduler, p *pipeline.Pipeline, r repo.RecordRepository, st settings.Store) *Handler {
	return &Handler{sched: s, pipe: p, repo: r, settings: st}
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (h *Handler) SchedulerStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"running":  h.sched.IsRunning(),
		"interval": h.sched.Interval().String(),
	})
}

func (h *Handler) SchedulerStart(w http.ResponseWriter, r *http.Request) {
	h.sched.Start()
	writeJSON(w, http.StatusOK, map[string]any{"running": h.sched.IsRunning()})
}

func (h *Handler) SchedulerStop(w http.ResponseWriter, r *http.Request) {
	h.sched.Stop()
	writeJSON(w, http.StatusOK, map[string]any{"running": h.sched.IsRunning()})
}

func (h *Handler) SyncNow(w http.ResponseWriter, r *http.Request) {
	if err := h.pipe.SyncNow(r.Context()); err != nil {
		writeStageError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (h *Handler) ForwardNow(w http.ResponseWriter, r *http.Request) {
	if err := h.pipe.ForwardNow(r.Context()); err != nil {
		writeStageError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (h *Handler) ListRecords(w http.ResponseWriter, r *http.Request) {
	f := repo.ListFilter{
		TranscriptionStatus: model.TranscriptionStatus(r.URL.Query().Get("transcription_status")),
		DeliveryStatus:      model.DeliveryStatus(r.URL.Query().Get("delivery_status")),
		Limit:               parseInt(r.URL.Query().Get("limit"), 50),
		Offset:              parseInt(r.URL.Query().Get("offset"), 0),
	}

	items, err := h.repo.List(r.Context(), f)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (h *Handler) GetRecord(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	rec, err := h.repo.Get(r.Context(), id)
	if errors.Is(err, repo.ErrNotFound) {
		http.Error(w, "record not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, rec)
}

func (h *Handler) ReprocessRecord(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	err := h.pipe.Reprocess(r.Context(), id)
	if errors.Is(err, repo.ErrNotFound) {
		http.Error(w, "record not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (h *Handler) GetSetting(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")

	value, err := h.settings.Get(r.Context(), key)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"key": key, "value": value})
}

type settingUpdate struct {
	Value string `json:"value"`
}

func (h *Handler) PutSetting(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")

	var upd settingUpdate
	if err := json.NewDecoder(r.Body).Decode(&upd); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}

	if err := h.settings.Set(r.Context(), key, upd.Value); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	// A changed interval applies to the running scheduler immediately.
	if key == settings.KeySyncInterval {
		if minutes, err := strconv.Atoi(upd.Value); err == nil && minutes > 0 {
			_ = h.sched.Reschedule(time.Duration(minutes) * time.Minute)
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{"key": key, "value": upd.Value})
}

func writeStageError(w http.ResponseWriter, err error) {
	if errors.Is(err, pipeline.ErrStageBusy) {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	http.Error(w, err.Error(), http.StatusInternalServerError)
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		http.Error(w, "invalid record id", http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

func parseInt(raw string, def int) int {
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return v
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
