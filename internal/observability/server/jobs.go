package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"jobplan/internal/task/engine"
)

// JobControl is the on-demand part of the engine exposed over HTTP.
type JobControl interface {
	TriggerJob(ctx context.Context, job engine.JobKey, data map[string]string) error
	Interrupt(job engine.JobKey) (int, error)
}

const maxTriggerBody = 64 << 10

func mountJobs(mux *http.ServeMux, jobs JobControl, wrap func(http.Handler) http.Handler) {
	mux.Handle("POST /jobs/{group}/{name}/trigger", wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := engine.JobKey{Group: r.PathValue("group"), Name: r.PathValue("name")}

		// optional body: {"key": "value"} merged over the job's data
		var data map[string]string
		body, err := io.ReadAll(io.LimitReader(r.Body, maxTriggerBody))
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		if len(body) > 0 {
			if err := json.Unmarshal(body, &data); err != nil {
				writeJSON(w, http.StatusBadRequest, map[string]string{"error": "body must be a JSON object of strings"})
				return
			}
		}
		if err := jobs.TriggerJob(r.Context(), key, data); err != nil {
			writeJSON(w, jobErrorStatus(err), map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"job": key.String(), "status": "queued"})
	})))

	mux.Handle("POST /jobs/{group}/{name}/interrupt", wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := engine.JobKey{Group: r.PathValue("group"), Name: r.PathValue("name")}
		n, err := jobs.Interrupt(key)
		if err != nil {
			writeJSON(w, jobErrorStatus(err), map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"job": key.String(), "interrupted": n})
	})))
}

func jobErrorStatus(err error) int {
	switch {
	case errors.Is(err, engine.ErrJobNotFound), errors.Is(err, engine.ErrInvalidKey):
		return http.StatusNotFound
	case errors.Is(err, engine.ErrNotInterruptible):
		return http.StatusConflict
	case errors.Is(err, engine.ErrShutdown):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
