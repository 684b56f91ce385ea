package postgres

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"srmjobs/internal/job"
	"srmjobs/internal/store"
)

// Columns shared by request and file request tables. Durations are stored as
// milliseconds.
var jobColumns = []string{
	"id",
	"next_job_id",
	"state",
	"creation_time",
	"lifetime_ms",
	"error_message",
	"scheduler_id",
	"scheduler_timestamp",
	"num_retries",
	"max_retries",
	"last_state_transition_time",
	"credential_id",
	"retry_delta_ms",
	"grow_retry_delta",
	"owner_name",
	"owner_uid",
	"owner_gid",
}

// Columns rewritten by every update.
var mutableJobColumns = []string{
	"next_job_id",
	"state",
	"error_message",
	"scheduler_id",
	"scheduler_timestamp",
	"num_retries",
	"last_state_transition_time",
	"retry_delta_ms",
}

var terminalStates = func() string {
	parts := make([]string, 0, 3)
	for _, s := range job.TerminalStates() {
		parts = append(parts, fmt.Sprint(int(s)))
	}
	return strings.Join(parts, ", ")
}()

func requestColumns(t *store.RequestType) []string {
	cols := append([]string{}, jobColumns...)
	cols = append(cols, "description", "client_host", "status_code")
	return append(cols, t.RequestAttrs...)
}

func fileColumns(t *store.RequestType) []string {
	cols := append([]string{}, jobColumns...)
	cols = append(cols, "request_id", "target")
	return append(cols, t.FileAttrs...)
}

func requestMutableColumns(t *store.RequestType) []string {
	cols := append([]string{}, mutableJobColumns...)
	cols = append(cols, "status_code")
	return append(cols, t.RequestAttrs...)
}

func fileMutableColumns(t *store.RequestType) []string {
	return append(append([]string{}, mutableJobColumns...), t.FileAttrs...)
}

type scanner interface {
	Scan(dest ...any) error
}

type jobRow struct {
	id                 int64
	nextJobID          sql.NullInt64
	state              int
	creationTime       time.Time
	lifetimeMs         int64
	errorMessage       string
	schedulerID        sql.NullString
	schedulerTimestamp sql.NullTime
	numRetries         int
	maxRetries         int
	lastTransition     time.Time
	credentialID       sql.NullInt64
	retryDeltaMs       int64
	growRetryDelta     bool
	ownerName          string
	ownerUID           int
	ownerGID           int
}

func (r *jobRow) dest() []any {
	return []any{
		&r.id,
		&r.nextJobID,
		&r.state,
		&r.creationTime,
		&r.lifetimeMs,
		&r.errorMessage,
		&r.schedulerID,
		&r.schedulerTimestamp,
		&r.numRetries,
		&r.maxRetries,
		&r.lastTransition,
		&r.credentialID,
		&r.retryDeltaMs,
		&r.growRetryDelta,
		&r.ownerName,
		&r.ownerUID,
		&r.ownerGID,
	}
}

func (r *jobRow) record() job.Record {
	rec := job.Record{
		ID:                         r.id,
		State:                      job.State(r.state),
		CreationTime:               r.creationTime,
		Lifetime:                   time.Duration(r.lifetimeMs) * time.Millisecond,
		ErrorMessage:               r.errorMessage,
		SchedulerID:                r.schedulerID.String,
		NumberOfRetries:            r.numRetries,
		MaxNumberOfRetries:         r.maxRetries,
		LastStateTransitionTime:    r.lastTransition,
		RetryDeltaTime:             time.Duration(r.retryDeltaMs) * time.Millisecond,
		ShouldUpdateRetryDeltaTime: r.growRetryDelta,
		Owner:                      job.Owner{Name: r.ownerName, UID: r.ownerUID, GID: r.ownerGID},
	}
	if r.schedulerTimestamp.Valid {
		rec.SchedulerTimestamp = r.schedulerTimestamp.Time
	}
	if r.nextJobID.Valid {
		v := r.nextJobID.Int64
		rec.NextJobID = &v
	}
	if r.credentialID.Valid {
		v := r.credentialID.Int64
		rec.CredentialID = &v
	}
	return rec
}

func jobValues(rec job.Record) []any {
	return []any{
		rec.ID,
		nullInt(rec.NextJobID),
		int(rec.State),
		rec.CreationTime,
		rec.Lifetime.Milliseconds(),
		rec.ErrorMessage,
		nullString(rec.SchedulerID),
		nullTime(rec.SchedulerTimestamp),
		rec.NumberOfRetries,
		rec.MaxNumberOfRetries,
		rec.LastStateTransitionTime,
		nullInt(rec.CredentialID),
		rec.RetryDeltaTime.Milliseconds(),
		rec.ShouldUpdateRetryDeltaTime,
		rec.Owner.Name,
		rec.Owner.UID,
		rec.Owner.GID,
	}
}

func mutableJobValues(rec job.Record) []any {
	return []any{
		nullInt(rec.NextJobID),
		int(rec.State),
		rec.ErrorMessage,
		nullString(rec.SchedulerID),
		nullTime(rec.SchedulerTimestamp),
		rec.NumberOfRetries,
		rec.LastStateTransitionTime,
		rec.RetryDeltaTime.Milliseconds(),
	}
}

type requestRow struct {
	jobRow
	description string
	clientHost  string
	statusCode  string
	attrs       []sql.NullString
}

func newRequestRow(t *store.RequestType) *requestRow {
	return &requestRow{attrs: make([]sql.NullString, len(t.RequestAttrs))}
}

func (r *requestRow) dest() []any {
	d := append(r.jobRow.dest(), &r.description, &r.clientHost, &r.statusCode)
	for i := range r.attrs {
		d = append(d, &r.attrs[i])
	}
	return d
}

func (r *requestRow) record(t *store.RequestType) job.RequestRecord {
	return job.RequestRecord{
		Record:      r.jobRow.record(),
		Type:        t.Name,
		Description: r.description,
		ClientHost:  r.clientHost,
		StatusCode:  r.statusCode,
		Attrs:       attrsFrom(t.RequestAttrs, r.attrs),
	}
}

func requestValues(t *store.RequestType, rec job.RequestRecord) []any {
	v := append(jobValues(rec.Record), rec.Description, rec.ClientHost, rec.StatusCode)
	return append(v, attrValues(t.RequestAttrs, rec.Attrs)...)
}

func requestMutableValues(t *store.RequestType, rec job.RequestRecord) []any {
	v := append(mutableJobValues(rec.Record), rec.StatusCode)
	return append(v, attrValues(t.RequestAttrs, rec.Attrs)...)
}

type fileRow struct {
	jobRow
	requestID int64
	target    string
	attrs     []sql.NullString
}

func newFileRow(t *store.RequestType) *fileRow {
	return &fileRow{attrs: make([]sql.NullString, len(t.FileAttrs))}
}

func (r *fileRow) dest() []any {
	d := append(r.jobRow.dest(), &r.requestID, &r.target)
	for i := range r.attrs {
		d = append(d, &r.attrs[i])
	}
	return d
}

func (r *fileRow) record(t *store.RequestType) job.FileRequestRecord {
	return job.FileRequestRecord{
		Record:    r.jobRow.record(),
		Type:      t.Name,
		RequestID: r.requestID,
		Target:    r.target,
		Attrs:     attrsFrom(t.FileAttrs, r.attrs),
	}
}

func fileValues(t *store.RequestType, rec job.FileRequestRecord) []any {
	v := append(jobValues(rec.Record), rec.RequestID, rec.Target)
	return append(v, attrValues(t.FileAttrs, rec.Attrs)...)
}

func fileMutableValues(t *store.RequestType, rec job.FileRequestRecord) []any {
	return append(mutableJobValues(rec.Record), attrValues(t.FileAttrs, rec.Attrs)...)
}

func attrsFrom(names []string, values []sql.NullString) job.Attrs {
	var attrs job.Attrs
	for i, name := range names {
		if !values[i].Valid {
			continue
		}
		if attrs == nil {
			attrs = make(job.Attrs, len(names))
		}
		attrs[name] = values[i].String
	}
	return attrs
}

func attrValues(names []string, attrs job.Attrs) []any {
	out := make([]any, 0, len(names))
	for _, name := range names {
		v, ok := attrs[name]
		out = append(out, sql.NullString{String: v, Valid: ok})
	}
	return out
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}

func nullInt(p *int64) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *p, Valid: true}
}

func placeholders(from, n int) string {
	parts := make([]string, n)
	for i := range parts {
		parts[i] = fmt.Sprintf("$%d", from+i)
	}
	return strings.Join(parts, ", ")
}

func insertSQL(table string, cols []string) string {
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", table, strings.Join(cols, ", "), placeholders(1, len(cols)))
}

func selectSQL(table string, cols []string, where string) string {
	return fmt.Sprintf("SELECT %s FROM %s WHERE %s", strings.Join(cols, ", "), table, where)
}

// updateSQL rewrites cols of row $1 unless it is terminal. With owned set,
// the lease holder is checked against the last placeholder.
func updateSQL(table string, cols []string, owned bool) string {
	set := make([]string, len(cols))
	for i, c := range cols {
		set[i] = fmt.Sprintf("%s = $%d", c, i+2)
	}
	q := fmt.Sprintf("UPDATE %s SET %s WHERE id = $1 AND state NOT IN (%s)", table, strings.Join(set, ", "), terminalStates)
	if owned {
		q += fmt.Sprintf(" AND scheduler_id = $%d", len(cols)+2)
	}
	return q
}
