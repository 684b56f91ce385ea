package job

import (
	"maps"
	"time"
)

// Attrs are the extra per-type columns of a request or file request.
type Attrs map[string]string

// RequestParams describe a client-visible submission.
type RequestParams struct {
	Params
	Type        string
	Description string
	ClientHost  string
	Attrs       Attrs
}

// RequestRecord is the persisted form of a request row.
type RequestRecord struct {
	Record
	Type        string
	Description string
	ClientHost  string
	StatusCode  string
	Attrs       Attrs
}

// Request is a top-level job submitted by a client.
type Request struct {
	Job
	typeName    string
	description string
	clientHost  string
	statusCode  string
	attrs       Attrs
}

// NewRequest builds a transient request in state NEW.
func NewRequest(p RequestParams, now func() time.Time) (*Request, error) {
	r := &Request{}
	if err := r.init(p, now); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Request) init(p RequestParams, now func() time.Time) error {
	if p.Type == "" {
		return invalidParams("request type is required")
	}
	if err := r.Job.init(p.Params, now); err != nil {
		return err
	}
	r.typeName = p.Type
	r.description = p.Description
	r.clientHost = p.ClientHost
	r.attrs = maps.Clone(p.Attrs)
	return nil
}

// LoadRequest rebuilds a request from its stored row.
func LoadRequest(rec RequestRecord, now func() time.Time) *Request {
	r := &Request{}
	r.load(rec, now)
	return r
}

func (r *Request) load(rec RequestRecord, now func() time.Time) {
	r.Job.load(rec.Record, now)
	r.typeName = rec.Type
	r.description = rec.Description
	r.clientHost = rec.ClientHost
	r.statusCode = rec.StatusCode
	r.attrs = maps.Clone(rec.Attrs)
}

func (r *Request) Kind() Kind       { return KindRequest }
func (r *Request) TypeName() string { return r.typeName }

func (r *Request) Description() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.description
}

func (r *Request) ClientHost() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.clientHost
}

// StatusCode is the client-facing status, distinct from State.
func (r *Request) StatusCode() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.statusCode
}

func (r *Request) SetStatusCode(code string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statusCode = code
	r.version++
}

// Attrs returns a copy of the type-specific attributes.
func (r *Request) Attrs() Attrs {
	r.mu.Lock()
	defer r.mu.Unlock()
	return maps.Clone(r.attrs)
}

// RequestRecord returns a consistent snapshot of the request row.
func (r *Request) RequestRecord() RequestRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return RequestRecord{
		Record:      r.recordLocked(),
		Type:        r.typeName,
		Description: r.description,
		ClientHost:  r.clientHost,
		StatusCode:  r.statusCode,
		Attrs:       maps.Clone(r.attrs),
	}
}

// RefreshRequest overwrites the mutable request attributes from storage.
func (r *Request) RefreshRequest(rec RequestRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.apply(rec.Record)
	r.statusCode = rec.StatusCode
	r.attrs = maps.Clone(rec.Attrs)
}

// SyncRequest is Sync for the whole request row.
func (r *Request) SyncRequest(v uint64, rec RequestRecord) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.syncableLocked(v) {
		return false
	}
	r.apply(rec.Record)
	r.statusCode = rec.StatusCode
	r.attrs = maps.Clone(rec.Attrs)
	return true
}
