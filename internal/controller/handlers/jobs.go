package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"srmjobs/internal/job"
	"srmjobs/internal/store"
	"srmjobs/pkg/api"
)

// ListJobs handles GET /jobs?type=&owner=&state=&limit=.
// state may repeat or hold a comma separated list.
func (h *Handlers) ListJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	f := store.ListFilter{
		Type:  q.Get("type"),
		Owner: q.Get("owner"),
	}

	if v := q.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 0 {
			h.httpError(w, "Invalid limit", http.StatusBadRequest)
			return
		}
		f.Limit = limit
	}

	for _, raw := range q["state"] {
		for _, name := range strings.Split(raw, ",") {
			if name == "" {
				continue
			}
			st, err := job.ParseState(name)
			if err != nil {
				h.httpError(w, err.Error(), http.StatusBadRequest)
				return
			}
			f.States = append(f.States, st)
		}
	}

	ids, err := h.svc.List(r.Context(), f)
	if err != nil {
		h.engineError(w, r, err)
		return
	}
	if ids == nil {
		ids = []int64{}
	}
	h.respondJson(w, http.StatusOK, api.ListResponse{IDs: ids})
}

// CancelJob handles POST /jobs/{id}/cancel. Canceling a container cancels
// its unfinished file requests too.
func (h *Handlers) CancelJob(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(r)
	if !ok {
		h.httpError(w, "Invalid id", http.StatusBadRequest)
		return
	}

	var req api.CancelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		h.httpError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	ent, err := h.svc.Cancel(r.Context(), id, req.Reason)
	if err != nil {
		h.engineError(w, r, err)
		return
	}
	h.respondJson(w, http.StatusOK, h.toResponse(ent))
}
