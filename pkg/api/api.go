// Package api contains shared JSON request/response structs.
// This package is shared between the CLI and Controller.
package api

import "time"

// Owner identifies who a request is submitted for.
type Owner struct {
	Name string `json:"name"`
	UID  int    `json:"uid,omitempty"`
	GID  int    `json:"gid,omitempty"`
}

// FileSpec is one target of a container request.
type FileSpec struct {
	Target string            `json:"target"`
	Attrs  map[string]string `json:"attrs,omitempty"`
}

// SubmitRequest is the request body for POST /requests.
type SubmitRequest struct {
	Type              string            `json:"type"`
	Owner             Owner             `json:"owner"`
	Description       string            `json:"description,omitempty"`
	LifetimeSeconds   int64             `json:"lifetime_seconds"`
	MaxRetries        int               `json:"max_retries,omitempty"`
	RetryDeltaSeconds int64             `json:"retry_delta_seconds,omitempty"`
	GrowRetryDelta    bool              `json:"grow_retry_delta,omitempty"`
	CredentialID      *int64            `json:"credential_id,omitempty"`
	Attrs             map[string]string `json:"attrs,omitempty"`
	Files             []FileSpec        `json:"files,omitempty"`
}

// SubmitResponse is the response body after a request was accepted.
type SubmitResponse struct {
	ID      int64   `json:"id"`
	State   string  `json:"state"`
	FileIDs []int64 `json:"file_ids,omitempty"`
}

// JobResponse represents a request or file request in API responses.
type JobResponse struct {
	ID                      int64             `json:"id"`
	Type                    string            `json:"type"`
	Kind                    string            `json:"kind"`
	State                   string            `json:"state"`
	Owner                   Owner             `json:"owner"`
	CreationTime            time.Time         `json:"creation_time"`
	LifetimeSeconds         int64             `json:"lifetime_seconds"`
	LastStateTransitionTime time.Time         `json:"last_state_transition_time"`
	NumberOfRetries         int               `json:"number_of_retries"`
	MaxNumberOfRetries      int               `json:"max_number_of_retries"`
	ErrorMessage            string            `json:"error_message,omitempty"`
	SchedulerID             string            `json:"scheduler_id,omitempty"`
	NextJobID               *int64            `json:"next_job_id,omitempty"`
	Description             string            `json:"description,omitempty"`
	ClientHost              string            `json:"client_host,omitempty"`
	StatusCode              string            `json:"status_code,omitempty"`
	Target                  string            `json:"target,omitempty"`
	RequestID               int64             `json:"request_id,omitempty"`
	Attrs                   map[string]string `json:"attrs,omitempty"`
	Aggregate               string            `json:"aggregate,omitempty"`
	Files                   []JobResponse     `json:"files,omitempty"`
}

// ListResponse is the response body for GET /jobs.
type ListResponse struct {
	IDs []int64 `json:"ids"`
}

// CancelRequest is the optional body of POST /jobs/{id}/cancel.
type CancelRequest struct {
	Reason string `json:"reason,omitempty"`
}

// ErrorResponse is the standard error response format.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details string `json:"details,omitempty"`
}
