package job

import (
	"fmt"
	"sync"
	"time"
)

// BackoffFactor multiplies the retry delay on successive retries when the job
// asks for a growing delay.
const BackoffFactor = 2

// Kind tells which table family an entity is stored in.
type Kind int

const (
	KindRequest Kind = iota
	KindFileRequest
)

func (k Kind) String() string {
	if k == KindFileRequest {
		return "file"
	}
	return "request"
}

// Owner is the opaque identity a job is submitted under.
type Owner struct {
	Name string `json:"name"`
	UID  int    `json:"uid"`
	GID  int    `json:"gid"`
}

// Entity is anything the storage layer persists and caches by id.
type Entity interface {
	Base() *Job
	Kind() Kind
	TypeName() string
}

// Params are the submission parameters shared by every job.
type Params struct {
	Owner          Owner
	Lifetime       time.Duration
	MaxRetries     int
	RetryDelta     time.Duration
	GrowRetryDelta bool
	CredentialID   *int64
}

func (p Params) validate() error {
	if p.Lifetime <= 0 {
		return invalidParams("lifetime must be positive, got %s", p.Lifetime)
	}
	if p.MaxRetries < 0 {
		return invalidParams("max retries must not be negative, got %d", p.MaxRetries)
	}
	if p.RetryDelta < 0 {
		return invalidParams("retry delta must not be negative, got %s", p.RetryDelta)
	}
	if p.Owner.Name == "" {
		return invalidParams("owner is required")
	}
	return nil
}

// Record is the persisted form of a job's common attributes.
type Record struct {
	ID                         int64
	NextJobID                  *int64
	State                      State
	CreationTime               time.Time
	Lifetime                   time.Duration
	ErrorMessage               string
	SchedulerID                string
	SchedulerTimestamp         time.Time
	NumberOfRetries            int
	MaxNumberOfRetries         int
	LastStateTransitionTime    time.Time
	CredentialID               *int64
	RetryDeltaTime             time.Duration
	ShouldUpdateRetryDeltaTime bool
	Owner                      Owner
}

// Job is the atomic unit of schedulable, retryable work. All accessors are
// safe for concurrent use; the storage layer hands the same *Job to every
// caller observing a given id.
type Job struct {
	mu  sync.Mutex
	now func() time.Time

	id                         int64
	nextJobID                  *int64
	state                      State
	creationTime               time.Time
	lifetime                   time.Duration
	errorMessage               string
	schedulerID                string
	schedulerTimestamp         time.Time
	numberOfRetries            int
	maxNumberOfRetries         int
	lastStateTransitionTime    time.Time
	credentialID               *int64
	retryDeltaTime             time.Duration
	shouldUpdateRetryDeltaTime bool
	owner                      Owner

	// version changes with every in-memory modification; writing counts
	// local changes that are still being persisted.
	version uint64
	writing int
}

func (j *Job) init(p Params, now func() time.Time) error {
	if err := p.validate(); err != nil {
		return err
	}
	if now == nil {
		now = time.Now
	}
	created := now()
	j.now = now
	j.state = StateNew
	j.creationTime = created
	j.lastStateTransitionTime = created
	j.lifetime = p.Lifetime
	j.maxNumberOfRetries = p.MaxRetries
	j.retryDeltaTime = p.RetryDelta
	j.shouldUpdateRetryDeltaTime = p.GrowRetryDelta
	j.credentialID = p.CredentialID
	j.owner = p.Owner
	return nil
}

func (j *Job) load(r Record, now func() time.Time) {
	if now == nil {
		now = time.Now
	}
	j.now = now
	j.id = r.ID
	j.apply(r)
}

func (j *Job) apply(r Record) {
	j.nextJobID = r.NextJobID
	j.state = r.State
	j.creationTime = r.CreationTime
	j.lifetime = r.Lifetime
	j.errorMessage = r.ErrorMessage
	j.schedulerID = r.SchedulerID
	j.schedulerTimestamp = r.SchedulerTimestamp
	j.numberOfRetries = r.NumberOfRetries
	j.maxNumberOfRetries = r.MaxNumberOfRetries
	j.lastStateTransitionTime = r.LastStateTransitionTime
	j.credentialID = r.CredentialID
	j.retryDeltaTime = r.RetryDeltaTime
	j.shouldUpdateRetryDeltaTime = r.ShouldUpdateRetryDeltaTime
	j.owner = r.Owner
	j.version++
}

// Base returns the job itself.
func (j *Job) Base() *Job { return j }

// SetClock replaces the time source used for transitions.
func (j *Job) SetClock(now func() time.Time) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if now != nil {
		j.now = now
	}
}

// Record returns a consistent snapshot of the persisted attributes.
func (j *Job) Record() Record {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.recordLocked()
}

func (j *Job) recordLocked() Record {
	return Record{
		ID:                         j.id,
		NextJobID:                  j.nextJobID,
		State:                      j.state,
		CreationTime:               j.creationTime,
		Lifetime:                   j.lifetime,
		ErrorMessage:               j.errorMessage,
		SchedulerID:                j.schedulerID,
		SchedulerTimestamp:         j.schedulerTimestamp,
		NumberOfRetries:            j.numberOfRetries,
		MaxNumberOfRetries:         j.maxNumberOfRetries,
		LastStateTransitionTime:    j.lastStateTransitionTime,
		CredentialID:               j.credentialID,
		RetryDeltaTime:             j.retryDeltaTime,
		ShouldUpdateRetryDeltaTime: j.shouldUpdateRetryDeltaTime,
		Owner:                      j.owner,
	}
}

// Refresh overwrites the in-memory attributes with the authoritative stored
// ones. The id is never changed.
func (j *Job) Refresh(r Record) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.apply(r)
}

// Version identifies the current in-memory attributes. Read it before
// reading the stored row that is later passed to Sync.
func (j *Job) Version() uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.version
}

// BeginWrite marks a local change that is about to be persisted. Sync
// ignores stored rows until the matching EndWrite.
func (j *Job) BeginWrite() {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.writing++
}

func (j *Job) EndWrite() {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.writing > 0 {
		j.writing--
	}
}

// Sync applies r, read from storage while the job was at version v. It does
// nothing and returns false when the job changed since v or a local write is
// in flight.
func (j *Job) Sync(v uint64, r Record) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if !j.syncableLocked(v) {
		return false
	}
	j.apply(r)
	return true
}

func (j *Job) syncableLocked(v uint64) bool {
	return j.writing == 0 && j.version == v
}

// AssignID sets the id on first persist.
func (j *Job) AssignID(id int64) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.id != 0 {
		return fmt.Errorf("%w: %d", ErrAlreadyPersisted, j.id)
	}
	j.id = id
	return nil
}

func (j *Job) ID() int64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.id
}

func (j *Job) State() State {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state
}

func (j *Job) ErrorMessage() string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.errorMessage
}

func (j *Job) NumberOfRetries() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.numberOfRetries
}

func (j *Job) MaxNumberOfRetries() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.maxNumberOfRetries
}

func (j *Job) RetryDeltaTime() time.Duration {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.retryDeltaTime
}

func (j *Job) LastStateTransitionTime() time.Time {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.lastStateTransitionTime
}

func (j *Job) Owner() Owner {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.owner
}

// SetNextJobID links a successor job in a pipeline.
func (j *Job) SetNextJobID(id *int64) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.nextJobID = id
	j.version++
}

// SetState applies the transition contract. Moving into RETRYWAIT with no
// retries left is turned into FAILED; that is not an error.
func (j *Job) SetState(to State, reason string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.setStateLocked(to, reason)
}

func (j *Job) setStateLocked(to State, reason string) error {
	from := j.state
	if from.IsTerminal() || !CanTransition(from, to) {
		return &TransitionError{ID: j.id, From: from, To: to}
	}

	if to == StateRetryWait {
		if j.numberOfRetries >= j.maxNumberOfRetries {
			to = StateFailed
			reason = fmt.Sprintf("%s (retries exhausted: %d of %d)", reason, j.numberOfRetries, j.maxNumberOfRetries)
		} else {
			j.numberOfRetries++
			if j.shouldUpdateRetryDeltaTime && j.numberOfRetries > 1 {
				j.retryDeltaTime *= BackoffFactor
			}
		}
	}

	switch {
	case to == StateFailed || to == StateRetryWait || to == StateCanceled:
		if reason != "" {
			j.errorMessage = reason
		}
	case from == StateRetryWait && to == StateQueued:
		j.errorMessage = ""
	}

	if to.IsTerminal() || to == StateRetryWait {
		j.schedulerID = ""
		j.schedulerTimestamp = time.Time{}
	}

	j.state = to
	j.stampLocked()
	j.version++
	return nil
}

// stampLocked keeps lastStateTransitionTime non-decreasing even if the clock
// steps backwards.
func (j *Job) stampLocked() {
	now := j.now()
	if now.Before(j.lastStateTransitionTime) {
		now = j.lastStateTransitionTime
	}
	j.lastStateTransitionTime = now
}

// Restore marks a non-terminal job reloaded after a restart as RESTORED and
// drops its lease.
func (j *Job) Restore() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.state.IsTerminal() {
		return &TransitionError{ID: j.id, From: j.state, To: StateRestored}
	}
	j.state = StateRestored
	j.schedulerID = ""
	j.schedulerTimestamp = time.Time{}
	j.stampLocked()
	j.version++
	return nil
}

// IsExpired reports whether creationTime + lifetime has passed, whatever the state.
func (j *Job) IsExpired(now time.Time) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return now.After(j.creationTime.Add(j.lifetime))
}

// RetryReady reports whether a job waiting for a retry may be queued again.
func (j *Job) RetryReady(now time.Time) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state == StateRetryWait && !now.Before(j.lastStateTransitionTime.Add(j.retryDeltaTime))
}

// Lease returns the current lease holder and acquisition time.
func (j *Job) Lease() (string, time.Time) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.schedulerID, j.schedulerTimestamp
}

// LeaseExpired reports whether the job is unclaimed or its lease is older than timeout.
func (j *Job) LeaseExpired(now time.Time, timeout time.Duration) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.schedulerID == "" || j.schedulerTimestamp.Add(timeout).Before(now)
}

// Claim records a lease that was granted by the backing store.
func (j *Job) Claim(schedulerID string, at time.Time) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.state.IsTerminal() {
		return &TransitionError{ID: j.id, From: j.state, To: j.state}
	}
	j.schedulerID = schedulerID
	j.schedulerTimestamp = at
	j.version++
	return nil
}

// ReleaseLease drops the lease without changing state.
func (j *Job) ReleaseLease() {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.schedulerID = ""
	j.schedulerTimestamp = time.Time{}
	j.version++
}
