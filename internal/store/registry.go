package store

import (
	"fmt"
	"regexp"
	"slices"
	"sort"
	"sync"

	"srmjobs/internal/job"
)

var identifierRe = regexp.MustCompile(`^[a-z_][a-z0-9_]{0,62}$`)

// RequestType describes how one concrete request type is stored.
//
// Plain types keep their rows in RequestTable only. Container types also
// keep one row per child in FileRequestTable and one (container, child) pair
// per child in LinkTable. RequestAttrs and FileAttrs name the extra text
// columns of the type; their values travel in job.Attrs.
type RequestType struct {
	Name             string
	Container        bool
	RequestTable     string
	FileRequestTable string
	LinkTable        string
	RequestAttrs     []string
	FileAttrs        []string

	// Aggregator derives a container's status from its children. Nil means
	// job.DefaultAggregator.
	Aggregator job.Aggregator

	// Build turns the assembled *job.Request or *job.ContainerRequest into the
	// concrete entity handed to callers. Nil keeps the generic entity.
	Build func(base job.Entity) (job.Entity, error)
}

// WorkTable is the table schedulers claim rows from: the file-request table
// for container types, the request table otherwise.
func (t *RequestType) WorkTable() string {
	if t.Container {
		return t.FileRequestTable
	}
	return t.RequestTable
}

// WorkKind is the kind of entity stored in WorkTable.
func (t *RequestType) WorkKind() job.Kind {
	if t.Container {
		return job.KindFileRequest
	}
	return job.KindRequest
}

// Table returns the table holding entities of the given kind.
func (t *RequestType) Table(kind job.Kind) string {
	if kind == job.KindFileRequest {
		return t.FileRequestTable
	}
	return t.RequestTable
}

// Finish applies the Build hook, if any.
func (t *RequestType) Finish(base job.Entity) (job.Entity, error) {
	if t.Build == nil {
		return base, nil
	}
	e, err := t.Build(base)
	if err != nil {
		return nil, fmt.Errorf("build %s request: %w", t.Name, err)
	}
	return e, nil
}

func (t *RequestType) validate() error {
	if t.Name == "" {
		return fmt.Errorf("request type name is required")
	}
	idents := []string{t.Name, t.RequestTable}
	if t.Container {
		idents = append(idents, t.FileRequestTable, t.LinkTable)
		idents = append(idents, t.FileAttrs...)
	} else if t.FileRequestTable != "" || t.LinkTable != "" || len(t.FileAttrs) > 0 {
		return fmt.Errorf("request type %q: file tables and attrs need Container", t.Name)
	}
	idents = append(idents, t.RequestAttrs...)
	for _, id := range idents {
		if !identifierRe.MatchString(id) {
			return fmt.Errorf("request type %q: invalid identifier %q", t.Name, id)
		}
	}
	return nil
}

// Registry maps request type names to their storage description. Types are
// registered at startup and read concurrently afterwards.
type Registry struct {
	mu    sync.RWMutex
	types map[string]*RequestType
}

func NewRegistry() *Registry {
	return &Registry{types: make(map[string]*RequestType)}
}

// Register validates and adds a request type. Names and tables must be unique.
func (r *Registry) Register(t RequestType) error {
	if err := t.validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.types[t.Name]; ok {
		return fmt.Errorf("request type %q already registered", t.Name)
	}
	for _, other := range r.types {
		for _, table := range []string{t.RequestTable, t.FileRequestTable, t.LinkTable} {
			if table == "" {
				continue
			}
			if table == other.RequestTable || table == other.FileRequestTable || table == other.LinkTable {
				return fmt.Errorf("request type %q: table %q already used by %q", t.Name, table, other.Name)
			}
		}
	}
	t.RequestAttrs = slices.Clone(t.RequestAttrs)
	t.FileAttrs = slices.Clone(t.FileAttrs)
	r.types[t.Name] = &t
	return nil
}

// Lookup returns the registered type with the given name.
func (r *Registry) Lookup(name string) (*RequestType, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.types[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, name)
	}
	return t, nil
}

// Types returns every registered type ordered by name.
func (r *Registry) Types() []*RequestType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*RequestType, 0, len(r.types))
	for _, t := range r.types {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
