package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"srmjobs/internal/controller/middleware"
	"srmjobs/internal/engine"
	"srmjobs/internal/job"
	"srmjobs/internal/logger"
	"srmjobs/pkg/api"
)

// SubmitRequest handles POST /requests.
// The request and, for container types, all its file requests are persisted
// in state QUEUED before the response is written.
func (h *Handlers) SubmitRequest(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req api.SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.httpError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if req.Type == "" || req.Owner.Name == "" {
		h.httpError(w, "Type and owner are required", http.StatusBadRequest)
		return
	}

	sub := engine.Submission{
		RequestParams: job.RequestParams{
			Params: job.Params{
				Owner:          job.Owner{Name: req.Owner.Name, UID: req.Owner.UID, GID: req.Owner.GID},
				Lifetime:       time.Duration(req.LifetimeSeconds) * time.Second,
				MaxRetries:     req.MaxRetries,
				RetryDelta:     time.Duration(req.RetryDeltaSeconds) * time.Second,
				GrowRetryDelta: req.GrowRetryDelta,
				CredentialID:   req.CredentialID,
			},
			Type:        req.Type,
			Description: req.Description,
			ClientHost:  middleware.ClientHost(r),
			Attrs:       req.Attrs,
		},
	}
	for _, f := range req.Files {
		sub.Files = append(sub.Files, job.FileParams{Target: f.Target, Attrs: f.Attrs})
	}

	ent, err := h.svc.Submit(ctx, sub)
	if err != nil {
		h.engineError(w, r, err)
		return
	}

	resp := api.SubmitResponse{
		ID:    ent.Base().ID(),
		State: ent.Base().State().String(),
	}
	if c, ok := ent.(job.Composite); ok {
		resp.FileIDs = c.FileRequestIDs()
	}
	logger.FromContext(ctx, h.logger).InfoContext(ctx, "request accepted",
		"job_id", resp.ID, "type", req.Type, "files", len(resp.FileIDs))
	h.respondJson(w, http.StatusCreated, resp)
}

// GetRequest handles GET /requests/{id}. Any id works: requests and file
// requests share one id space.
func (h *Handlers) GetRequest(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(r)
	if !ok {
		h.httpError(w, "Invalid id", http.StatusBadRequest)
		return
	}

	ent, err := h.svc.Get(r.Context(), id)
	if err != nil {
		h.engineError(w, r, err)
		return
	}
	h.respondJson(w, http.StatusOK, h.toResponse(ent))
}

type requestView interface {
	RequestRecord() job.RequestRecord
}

type fileView interface {
	FileRequestRecord() job.FileRequestRecord
}

func (h *Handlers) toResponse(ent job.Entity) api.JobResponse {
	rec := ent.Base().Record()
	resp := api.JobResponse{
		ID:                      rec.ID,
		Type:                    ent.TypeName(),
		Kind:                    ent.Kind().String(),
		State:                   rec.State.String(),
		Owner:                   api.Owner{Name: rec.Owner.Name, UID: rec.Owner.UID, GID: rec.Owner.GID},
		CreationTime:            rec.CreationTime,
		LifetimeSeconds:         int64(rec.Lifetime / time.Second),
		LastStateTransitionTime: rec.LastStateTransitionTime,
		NumberOfRetries:         rec.NumberOfRetries,
		MaxNumberOfRetries:      rec.MaxNumberOfRetries,
		ErrorMessage:            rec.ErrorMessage,
		SchedulerID:             rec.SchedulerID,
		NextJobID:               rec.NextJobID,
	}

	switch v := ent.(type) {
	case requestView:
		rr := v.RequestRecord()
		resp.Description = rr.Description
		resp.ClientHost = rr.ClientHost
		resp.StatusCode = rr.StatusCode
		resp.Attrs = rr.Attrs
	case fileView:
		fr := v.FileRequestRecord()
		resp.Target = fr.Target
		resp.RequestID = fr.RequestID
		resp.Attrs = fr.Attrs
	}

	if c, ok := ent.(job.Composite); ok {
		for _, f := range c.FileRequests() {
			resp.Files = append(resp.Files, h.toResponse(f))
		}
		if agg, ok := h.svc.AggregateOf(ent); ok {
			resp.Aggregate = agg.String()
		}
	}
	return resp
}
