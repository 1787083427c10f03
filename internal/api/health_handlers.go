package api

import (
	"context"
	"net/http"
	"sort"

	"vodpipeline/internal/jobs"
)

type componentStatus struct {
	Component string `json:"component"`
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
}

type healthResponse struct {
	Status     string            `json:"status"`
	Components []componentStatus `json:"components"`
	Queue      *jobs.Counts      `json:"queue,omitempty"`
}

// Health reports queue depth and the state of every configured dependency.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok"}
	statusCode := http.StatusOK
	record := func(component string, err error) {
		status := componentStatus{Component: component, Status: "ok"}
		if err != nil {
			status.Status = "degraded"
			status.Error = err.Error()
			resp.Status = "degraded"
			statusCode = http.StatusServiceUnavailable
		}
		resp.Components = append(resp.Components, status)
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.healthTimeout)
	counts, err := h.queue.Counts(ctx)
	cancel()
	if err == nil {
		resp.Queue = &counts
	}
	record("queue", err)

	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		ctx, cancel := context.WithTimeout(r.Context(), h.healthTimeout)
		record(name, h.checks[name].Ping(ctx))
		cancel()
	}

	writeJSON(w, statusCode, resp)
}
