// Package requests defines the concrete request types a deployment serves and
// the executor that runs their jobs.
package requests

import (
	"fmt"
	"strconv"

	"srmjobs/internal/job"
	"srmjobs/internal/store"
)

const (
	TypeGet     = "get"
	TypeReserve = "reserve"
)

// Attribute names. They are also the column names of the type's tables.
const (
	AttrProtocol = "protocol"
	AttrSize     = "size"
)

// GetRequest asks for a set of files to be made available for reading. Each
// file is one child file request.
type GetRequest struct {
	*job.ContainerRequest
}

// Protocols lists the transfer protocols the client accepts, per file.
func (g *GetRequest) Protocols() map[int64]string {
	out := make(map[int64]string)
	for _, f := range g.FileRequests() {
		out[f.ID()] = f.Attrs()[AttrProtocol]
	}
	return out
}

// ReserveRequest asks for an amount of space.
type ReserveRequest struct {
	*job.Request
}

// Size returns the requested size in bytes.
func (r *ReserveRequest) Size() (int64, error) {
	raw, ok := r.Attrs()[AttrSize]
	if !ok {
		return 0, fmt.Errorf("reserve request %d has no size", r.ID())
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("reserve request %d: invalid size %q", r.ID(), raw)
	}
	return n, nil
}

// Types returns the storage description of every built-in request type. The
// tables match the embedded migrations.
func Types() []store.RequestType {
	return []store.RequestType{
		{
			Name:             TypeGet,
			Container:        true,
			RequestTable:     "get_requests",
			FileRequestTable: "get_file_requests",
			LinkTable:        "get_request_files",
			FileAttrs:        []string{AttrProtocol},
			Build: func(base job.Entity) (job.Entity, error) {
				c, ok := base.(*job.ContainerRequest)
				if !ok {
					return nil, fmt.Errorf("get request: unexpected %T", base)
				}
				return &GetRequest{ContainerRequest: c}, nil
			},
		},
		{
			Name:         TypeReserve,
			RequestTable: "reserve_requests",
			RequestAttrs: []string{AttrSize},
			Build: func(base job.Entity) (job.Entity, error) {
				r, ok := base.(*job.Request)
				if !ok {
					return nil, fmt.Errorf("reserve request: unexpected %T", base)
				}
				return &ReserveRequest{Request: r}, nil
			},
		},
	}
}

// Register adds the built-in types to reg.
func Register(reg *store.Registry) error {
	for _, t := range Types() {
		if err := reg.Register(t); err != nil {
			return err
		}
	}
	return nil
}
