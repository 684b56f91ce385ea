package job

import (
	"maps"
	"time"
)

// FileParams describe one child of a container request.
type FileParams struct {
	Target string
	Attrs  Attrs
}

// FileRequestRecord is the persisted form of a file request row.
type FileRequestRecord struct {
	Record
	Type      string
	RequestID int64
	Target    string
	Attrs     Attrs
}

// FileRequest is the work against one target inside a container request.
// The target is opaque to the engine.
type FileRequest struct {
	Job
	typeName  string
	requestID int64
	target    string
	attrs     Attrs
}

func newFileRequest(typeName string, p Params, fp FileParams, now func() time.Time) (*FileRequest, error) {
	if fp.Target == "" {
		return nil, invalidParams("file request target is required")
	}
	f := &FileRequest{typeName: typeName, target: fp.Target, attrs: maps.Clone(fp.Attrs)}
	if err := f.Job.init(p, now); err != nil {
		return nil, err
	}
	return f, nil
}

// LoadFileRequest rebuilds a file request from its stored row.
func LoadFileRequest(rec FileRequestRecord, now func() time.Time) *FileRequest {
	f := &FileRequest{
		typeName:  rec.Type,
		requestID: rec.RequestID,
		target:    rec.Target,
		attrs:     maps.Clone(rec.Attrs),
	}
	f.Job.load(rec.Record, now)
	return f
}

func (f *FileRequest) Kind() Kind       { return KindFileRequest }
func (f *FileRequest) TypeName() string { return f.typeName }
func (f *FileRequest) Target() string   { return f.target }

// RequestID is the id of the owning container.
func (f *FileRequest) RequestID() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requestID
}

func (f *FileRequest) Attrs() Attrs {
	f.mu.Lock()
	defer f.mu.Unlock()
	return maps.Clone(f.attrs)
}

func (f *FileRequest) FileRequestRecord() FileRequestRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	return FileRequestRecord{
		Record:    f.recordLocked(),
		Type:      f.typeName,
		RequestID: f.requestID,
		Target:    f.target,
		Attrs:     maps.Clone(f.attrs),
	}
}

// RefreshFileRequest overwrites the mutable attributes from storage.
func (f *FileRequest) RefreshFileRequest(rec FileRequestRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.apply(rec.Record)
	f.attrs = maps.Clone(rec.Attrs)
}

// SyncFileRequest is Sync for the whole file request row.
func (f *FileRequest) SyncFileRequest(v uint64, rec FileRequestRecord) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.syncableLocked(v) {
		return false
	}
	f.apply(rec.Record)
	f.attrs = maps.Clone(rec.Attrs)
	return true
}
