package api

import "net/http"

func Router(h *Handler) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /v1/health", h.Health)

	mux.HandleFunc("GET /v1/scheduler/status", h.SchedulerStatus)
	mux.HandleFunc("POST /v1/scheduler/start", h.SchedulerStart)
	mux.HandleFunc("POST /v1/scheduler/stop", h.SchedulerStop)

	mux.HandleFunc("POST /v1/sync", h.SyncNow)
	mux.HandleFunc("POST /v1/forward", h.ForwardNow)

	mux.HandleFunc("GET /v1/records", h.ListRecords)
	mux.HandleFunc("GET /v1/records/{id}", h.GetRecord)
	mux.HandleFunc("POST /v1/records/{id}/reprocess", h.ReprocessRecord)

	mux.HandleFunc("GET /v1/settings/{key}", h.GetSetting)
	mux.HandleFunc("PUT /v1/settings/{key}", h.PutSetting)

	mux.HandleFunc("GET /", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("voicemail-pipeline"))
	})

	return mux
}
