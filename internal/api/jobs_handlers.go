package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"vodpipeline/internal/history"
	"vodpipeline/internal/jobs"
)

type backoffRequest struct {
	Type    string `json:"type"`
	DelayMs int64  `json:"delayMs"`
}

type createJobRequest struct {
	VideoID     string          `json:"videoId"`
	SourceKey   string          `json:"sourceStorageKey"`
	MaxAttempts int             `json:"maxAttempts,omitempty"`
	Backoff     *backoffRequest `json:"backoff,omitempty"`
}

type jobResponse struct {
	Job     jobs.Job        `json:"job"`
	History []history.Entry `json:"history,omitempty"`
}

// CreateJob enqueues a transcode for a source already in object storage.
func (h *Handler) CreateJob(w http.ResponseWriter, r *http.Request) {
	var req createJobRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}
	if strings.TrimSpace(req.VideoID) == "" || strings.TrimSpace(req.SourceKey) == "" {
		writeError(w, http.StatusBadRequest, errors.New("videoId and sourceStorageKey are required"))
		return
	}
	enqueue := jobs.EnqueueRequest{
		VideoID:     req.VideoID,
		SourceKey:   req.SourceKey,
		MaxAttempts: req.MaxAttempts,
	}
	if req.Backoff != nil {
		if req.Backoff.DelayMs < 0 {
			writeError(w, http.StatusBadRequest, errors.New("backoff delayMs must not be negative"))
			return
		}
		enqueue.Backoff = jobs.BackoffPolicy{
			Type:  req.Backoff.Type,
			Delay: time.Duration(req.Backoff.DelayMs) * time.Millisecond,
		}
	}

	job, err := h.queue.Enqueue(r.Context(), enqueue)
	if err != nil {
		if errors.Is(err, jobs.ErrInvalid) {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		h.logger.Error("failed to enqueue job", "video_id", req.VideoID, "error", err)
		writeError(w, http.StatusServiceUnavailable, errors.New("queue unavailable"))
		return
	}
	h.logger.Info("job enqueued", "job_id", job.ID, "video_id", job.VideoID, "source", job.SourceKey)
	w.Header().Set("Location", "/v1/jobs/"+job.ID)
	writeJSON(w, http.StatusCreated, jobResponse{Job: job})
}

// GetJob returns the queue record and, when available, its transition log.
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	job, err := h.queue.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, jobs.ErrNotFound) {
			writeError(w, http.StatusNotFound, fmt.Errorf("job %s not found", id))
			return
		}
		h.logger.Error("failed to load job", "job_id", id, "error", err)
		writeError(w, http.StatusServiceUnavailable, errors.New("queue unavailable"))
		return
	}
	resp := jobResponse{Job: job}
	if h.history != nil {
		entries, err := h.history.List(r.Context(), id)
		if err != nil {
			h.logger.Warn("failed to load job history", "job_id", id, "error", err)
		} else {
			resp.History = entries
		}
	}
	writeJSON(w, http.StatusOK, resp)
}
