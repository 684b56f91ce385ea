package requests

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"slices"
	"strings"
	"sync"

	"srmjobs/internal/job"
	"srmjobs/internal/scheduler"
)

// MaxReserveSize bounds a single space reservation.
const MaxReserveSize int64 = 1 << 50

// SupportedProtocols are the transfer protocols a get request may ask for.
var SupportedProtocols = []string{"gsiftp", "https", "http", "root", "dcap"}

var errUnsupported = errors.New("unsupported request type")

// Handler runs the operation of one request type.
type Handler func(ctx context.Context, ent job.Entity) error

// Dispatcher routes claimed jobs to the handler of their request type.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	logger   *slog.Logger
}

var _ scheduler.Executor = (*Dispatcher)(nil)

// NewDispatcher returns a dispatcher with the built-in handlers installed.
func NewDispatcher(logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dispatcher{handlers: make(map[string]Handler), logger: logger}
	d.Handle(TypeGet, d.stageFile)
	d.Handle(TypeReserve, d.reserveSpace)
	return d
}

// Handle installs h for typeName, replacing any previous handler.
func (d *Dispatcher) Handle(typeName string, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[typeName] = h
}

func (d *Dispatcher) Execute(ctx context.Context, ent job.Entity) error {
	d.mu.RLock()
	h, ok := d.handlers[ent.TypeName()]
	d.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %q", errUnsupported, ent.TypeName())
	}
	if err := ctx.Err(); err != nil {
		return scheduler.Retryable(err)
	}
	return h(ctx, ent)
}

// ParseSURL checks that target is a storage URL of the form
// srm://host[:port]/path.
func ParseSURL(target string) (*url.URL, error) {
	u, err := url.Parse(target)
	if err != nil {
		return nil, fmt.Errorf("invalid SURL %q: %w", target, err)
	}
	if u.Scheme != "srm" {
		return nil, fmt.Errorf("invalid SURL %q: scheme must be srm", target)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("invalid SURL %q: missing host", target)
	}
	if u.Path == "" || u.Path == "/" {
		return nil, fmt.Errorf("invalid SURL %q: missing path", target)
	}
	return u, nil
}

func (d *Dispatcher) stageFile(ctx context.Context, ent job.Entity) error {
	f, ok := ent.(*job.FileRequest)
	if !ok {
		return fmt.Errorf("get: expected a file request, got %T", ent)
	}
	u, err := ParseSURL(f.Target())
	if err != nil {
		return err
	}
	if p := strings.ToLower(f.Attrs()[AttrProtocol]); p != "" && !slices.Contains(SupportedProtocols, p) {
		return fmt.Errorf("get: protocol %q not supported", p)
	}
	d.logger.InfoContext(ctx, "file staged",
		"job_id", f.ID(), "request_id", f.RequestID(), "host", u.Host, "path", u.Path)
	return nil
}

func (d *Dispatcher) reserveSpace(ctx context.Context, ent job.Entity) error {
	r, ok := ent.(*ReserveRequest)
	if !ok {
		return fmt.Errorf("reserve: expected a reserve request, got %T", ent)
	}
	size, err := r.Size()
	if err != nil {
		return err
	}
	if size <= 0 || size > MaxReserveSize {
		return fmt.Errorf("reserve: size %d out of range", size)
	}
	d.logger.InfoContext(ctx, "space reserved", "job_id", r.ID(), "size", size)
	return nil
}
