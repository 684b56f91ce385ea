package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"srmjobs/internal/job"
	"srmjobs/internal/store"
)

const testLease = 5 * time.Minute

type fixture struct {
	clock  *testClock
	store  *memStore
	engine *Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	reg := store.NewRegistry()
	require.NoError(t, reg.Register(store.RequestType{
		Name:             "get",
		Container:        true,
		RequestTable:     "get_requests",
		FileRequestTable: "get_file_requests",
		LinkTable:        "get_request_files",
		FileAttrs:        []string{"protocol"},
	}))
	require.NoError(t, reg.Register(store.RequestType{
		Name:         "reserve",
		RequestTable: "reserve_requests",
		RequestAttrs: []string{"size"},
	}))
	clock := newTestClock()
	ms := newMemStore(reg, clock.Now)
	return &fixture{
		clock:  clock,
		store:  ms,
		engine: New(ms, reg, WithNow(clock.Now), WithLeaseTimeout(testLease)),
	}
}

func params(maxRetries int) job.Params {
	return job.Params{
		Owner:      job.Owner{Name: "alice", UID: 1000, GID: 100},
		Lifetime:   time.Hour,
		MaxRetries: maxRetries,
		RetryDelta: time.Second,
	}
}

func (f *fixture) submitGet(t *testing.T, files int) *job.ContainerRequest {
	t.Helper()
	sub := Submission{RequestParams: job.RequestParams{Params: params(2), Type: "get", ClientHost: "ui.example.org"}}
	for i := 0; i < files; i++ {
		sub.Files = append(sub.Files, job.FileParams{Target: fmt.Sprintf("srm://se/f%d", i), Attrs: job.Attrs{"protocol": "gsiftp"}})
	}
	ent, err := f.engine.Submit(context.Background(), sub)
	require.NoError(t, err)
	return ent.(*job.ContainerRequest)
}

func (f *fixture) submitReserve(t *testing.T, p job.Params) *job.Request {
	t.Helper()
	ent, err := f.engine.Submit(context.Background(), Submission{RequestParams: job.RequestParams{
		Params: p,
		Type:   "reserve",
		Attrs:  job.Attrs{"size": "1024"},
	}})
	require.NoError(t, err)
	return ent.(*job.Request)
}

func TestSubmit_Container(t *testing.T) {
	f := newFixture(t)
	c := f.submitGet(t, 3)

	require.NotZero(t, c.ID())
	require.Equal(t, job.StateQueued, c.State())
	require.Len(t, c.FileRequestIDs(), 3)
	for _, child := range c.FileRequests() {
		require.Equal(t, job.StateQueued, child.State())
		require.Equal(t, c.ID(), child.RequestID())
	}

	got, err := f.engine.Get(context.Background(), c.ID())
	require.NoError(t, err)
	require.Same(t, c, got)
}

func TestSubmit_RejectsBeforeWriting(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	zeroLifetime := params(1)
	zeroLifetime.Lifetime = 0

	tests := []struct {
		name string
		sub  Submission
		want error
	}{
		{
			name: "zero lifetime",
			sub:  Submission{RequestParams: job.RequestParams{Params: zeroLifetime, Type: "reserve"}},
			want: job.ErrInvalidParams,
		},
		{
			name: "unknown type",
			sub:  Submission{RequestParams: job.RequestParams{Params: params(1), Type: "copy"}},
			want: store.ErrUnknownType,
		},
		{
			name: "unknown attribute",
			sub:  Submission{RequestParams: job.RequestParams{Params: params(1), Type: "reserve", Attrs: job.Attrs{"colour": "red"}}},
			want: job.ErrInvalidParams,
		},
		{
			name: "files on plain type",
			sub: Submission{
				RequestParams: job.RequestParams{Params: params(1), Type: "reserve"},
				Files:         []job.FileParams{{Target: "srm://se/a"}},
			},
			want: job.ErrInvalidParams,
		},
		{
			name: "container without files",
			sub:  Submission{RequestParams: job.RequestParams{Params: params(1), Type: "get"}},
			want: job.ErrInvalidParams,
		},
		{
			name: "unknown file attribute",
			sub: Submission{
				RequestParams: job.RequestParams{Params: params(1), Type: "get"},
				Files:         []job.FileParams{{Target: "srm://se/a", Attrs: job.Attrs{"size": "1"}}},
			},
			want: job.ErrInvalidParams,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.engine.Submit(ctx, tt.sub)
			require.ErrorIs(t, err, tt.want)
		})
	}
	require.Zero(t, f.store.rowCount())
}

func TestGet_NotFound(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.Get(context.Background(), 42)
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestPoll_StartsWorkAndContainer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.submitGet(t, 2)

	claimed, err := f.engine.Poll(ctx, "w1", 10)
	require.NoError(t, err)
	require.Len(t, claimed, 2)
	for _, ent := range claimed {
		require.Equal(t, job.KindFileRequest, ent.Kind())
		require.Equal(t, job.StateRunning, ent.Base().State())
		holder, _ := ent.Base().Lease()
		require.Equal(t, "w1", holder)
		require.Equal(t, job.StateRunning, f.store.stored(ent.Base().ID()).State)
	}
	require.Equal(t, job.StateRunning, c.State())
	require.Equal(t, job.StateRunning, f.store.stored(c.ID()).State)

	again, err := f.engine.Poll(ctx, "w2", 10)
	require.NoError(t, err)
	require.Empty(t, again, "leased work must not be claimed twice")
}

func TestPoll_ConcurrentClaimIsExclusive(t *testing.T) {
	f := newFixture(t)
	r := f.submitReserve(t, params(1))

	const workers = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners []string
		errs    []error
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			got, err := f.engine.Poll(context.Background(), id, 1)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
			}
			if len(got) > 0 {
				winners = append(winners, id)
			}
		}(fmt.Sprintf("w%d", i))
	}
	wg.Wait()

	require.Empty(t, errs)
	require.Len(t, winners, 1)
	holder, _ := r.Lease()
	require.Equal(t, winners[0], holder)
	require.Equal(t, job.StateRunning, r.State())
}

// Scenario A: every child of a three-file container completes.
func TestContainer_AllComplete(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.submitGet(t, 3)

	claimed, err := f.engine.Poll(ctx, "w1", 10)
	require.NoError(t, err)
	require.Len(t, claimed, 3)

	agg, ok := f.engine.AggregateOf(c)
	require.True(t, ok)
	require.Equal(t, job.AggregatePending, agg)

	for _, ent := range claimed {
		require.NoError(t, f.engine.Report(ctx, ent, "w1", OutcomeDone, ""))
	}

	agg, _ = f.engine.AggregateOf(c)
	require.Equal(t, "all complete", agg.String())

	res, err := f.engine.Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, res.Finalized)
	require.Equal(t, job.StateDone, c.State())
	require.Equal(t, job.StateDone, f.store.stored(c.ID()).State)
}

func TestContainer_FailedChildFailsContainer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.submitGet(t, 2)

	claimed, err := f.engine.Poll(ctx, "w1", 10)
	require.NoError(t, err)
	require.NoError(t, f.engine.Report(ctx, claimed[0], "w1", OutcomeDone, ""))
	require.NoError(t, f.engine.Report(ctx, claimed[1], "w1", OutcomeFail, "no such file"))

	_, err = f.engine.Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, job.StateFailed, c.State())
	require.Contains(t, c.ErrorMessage(), "failed")
}

// Scenario B: two retries allowed; the third failure ends in FAILED.
func TestReport_RetriesExhausted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r := f.submitReserve(t, params(2))

	for attempt := 1; attempt <= 3; attempt++ {
		claimed, err := f.engine.Poll(ctx, "w1", 1)
		require.NoError(t, err)
		require.Len(t, claimed, 1, "attempt %d", attempt)
		require.NoError(t, f.engine.Report(ctx, claimed[0], "w1", OutcomeRetry, fmt.Sprintf("transfer timeout %d", attempt)))

		f.clock.Advance(time.Second)
	}

	require.Equal(t, job.StateFailed, r.State())
	require.Equal(t, 2, r.NumberOfRetries())
	require.Contains(t, r.ErrorMessage(), "transfer timeout 3")
	require.Equal(t, job.StateFailed, f.store.stored(r.ID()).State)

	claimed, err := f.engine.Poll(ctx, "w1", 1)
	require.NoError(t, err)
	require.Empty(t, claimed)
}

func TestPoll_WaitsOutRetryDelay(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := params(3)
	p.RetryDelta = time.Minute
	r := f.submitReserve(t, p)

	claimed, err := f.engine.Poll(ctx, "w1", 1)
	require.NoError(t, err)
	require.NoError(t, f.engine.Report(ctx, claimed[0], "w1", OutcomeRetry, "busy"))
	require.Equal(t, job.StateRetryWait, r.State())

	claimed, err = f.engine.Poll(ctx, "w1", 1)
	require.NoError(t, err)
	require.Empty(t, claimed)

	f.clock.Advance(time.Minute)
	claimed, err = f.engine.Poll(ctx, "w1", 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	require.Equal(t, job.StateRunning, r.State())
	require.Empty(t, r.ErrorMessage())
}

// Scenario C: W1 claims and goes silent; after the lease timeout W2 takes
// the job over and completes it.
func TestPoll_StaleLeaseTakenOver(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r := f.submitReserve(t, params(1))

	claimed, err := f.engine.Poll(ctx, "w1", 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	f.clock.Advance(testLease)
	claimed, err = f.engine.Poll(ctx, "w2", 1)
	require.NoError(t, err)
	require.Empty(t, claimed, "lease is not stale yet")

	f.clock.Advance(time.Second)
	claimed, err = f.engine.Poll(ctx, "w2", 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	require.Equal(t, job.StateRunning, r.State())

	require.NoError(t, f.engine.Report(ctx, claimed[0], "w2", OutcomeDone, ""))
	require.Equal(t, job.StateDone, r.State())

	err = f.engine.Report(ctx, r, "w1", OutcomeDone, "")
	require.ErrorIs(t, err, job.ErrIllegalStateTransition)
}

func TestReport_LeaseLostRefreshesInstance(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r := f.submitReserve(t, params(3))

	_, err := f.engine.Poll(ctx, "w1", 1)
	require.NoError(t, err)
	f.clock.Advance(testLease + time.Second)
	_, err = f.engine.Poll(ctx, "w2", 1)
	require.NoError(t, err)

	err = f.engine.Report(ctx, r, "w1", OutcomeRetry, "slow")
	require.ErrorIs(t, err, store.ErrLeaseLost)
	require.Equal(t, job.StateRunning, r.State())
	require.Zero(t, r.NumberOfRetries())
	holder, _ := r.Lease()
	require.Equal(t, "w2", holder)
}

func TestReport_StorageFailureRollsBack(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r := f.submitReserve(t, params(3))

	claimed, err := f.engine.Poll(ctx, "w1", 1)
	require.NoError(t, err)

	f.store.failNext = fmt.Errorf("update: %w", store.ErrStorageUnavailable)
	err = f.engine.Report(ctx, claimed[0], "w1", OutcomeDone, "")
	require.ErrorIs(t, err, store.ErrStorageUnavailable)
	require.Equal(t, job.StateRunning, r.State())

	require.NoError(t, f.engine.Report(ctx, claimed[0], "w1", OutcomeDone, ""))
	require.Equal(t, job.StateDone, r.State())
}

func TestCancel_CascadesToChildren(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.submitGet(t, 2)

	claimed, err := f.engine.Poll(ctx, "w1", 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	_, err = f.engine.Cancel(ctx, c.ID(), "user abort")
	require.NoError(t, err)
	require.Equal(t, job.StateCanceled, c.State())
	for _, child := range c.FileRequests() {
		require.Equal(t, job.StateCanceled, child.State())
		require.Equal(t, job.StateCanceled, f.store.stored(child.ID()).State)
		holder, _ := child.Lease()
		require.Empty(t, holder)
	}

	err = f.engine.Report(ctx, claimed[0], "w1", OutcomeDone, "")
	require.ErrorIs(t, err, job.ErrIllegalStateTransition)
	require.Equal(t, job.StateCanceled, claimed[0].Base().State())

	_, err = f.engine.Cancel(ctx, c.ID(), "again")
	require.True(t, errors.Is(err, job.ErrIllegalStateTransition))
}

func TestSweep_ExpiresJobs(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := params(1)
	p.Lifetime = time.Minute
	r := f.submitReserve(t, p)
	done := f.submitReserve(t, p)

	claimed, err := f.engine.Poll(ctx, "w1", 1)
	require.NoError(t, err)
	require.Equal(t, r.ID(), claimed[0].Base().ID())
	claimed, err = f.engine.Poll(ctx, "w1", 1)
	require.NoError(t, err)
	require.NoError(t, f.engine.Report(ctx, claimed[0], "w1", OutcomeDone, ""))

	res, err := f.engine.Sweep(ctx)
	require.NoError(t, err)
	require.Zero(t, res.Expired)

	f.clock.Advance(2 * time.Minute)
	res, err = f.engine.Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, res.Expired)
	require.Equal(t, job.StateFailed, r.State())
	require.Equal(t, "lifetime expired", r.ErrorMessage())
	require.Equal(t, job.StateDone, done.State())
}

func TestRestore_ReleasesOwnLeases(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r := f.submitReserve(t, params(1))

	_, err := f.engine.Poll(ctx, "w1", 1)
	require.NoError(t, err)

	n, err := f.engine.Restore(ctx, "w1")
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, job.StateRestored, r.State())

	claimed, err := f.engine.Poll(ctx, "w1", 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	require.Equal(t, job.StateRunning, r.State())
}

func TestRenew(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r := f.submitReserve(t, params(1))

	_, err := f.engine.Poll(ctx, "w1", 1)
	require.NoError(t, err)

	f.clock.Advance(testLease - time.Second)
	require.NoError(t, f.engine.Renew(ctx, r, "w1"))

	f.clock.Advance(2 * time.Second)
	claimed, err := f.engine.Poll(ctx, "w2", 1)
	require.NoError(t, err)
	require.Empty(t, claimed, "renewed lease must hold")

	require.ErrorIs(t, f.engine.Renew(ctx, r, "w2"), store.ErrLeaseLost)
}

func TestList(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.submitGet(t, 1)
	r := f.submitReserve(t, params(1))

	ids, err := f.engine.List(ctx, store.ListFilter{})
	require.NoError(t, err)
	require.Equal(t, []int64{r.ID(), c.ID()}, ids)

	ids, err = f.engine.List(ctx, store.ListFilter{Type: "get"})
	require.NoError(t, err)
	require.Equal(t, []int64{c.ID()}, ids)
}

func TestPathTo(t *testing.T) {
	require.Equal(t, []job.State{job.StateQueued, job.StateRunning}, pathTo(job.StateRestored, job.StateRunning))
	require.Equal(t, []job.State{job.StateRunning, job.StateDone}, pathTo(job.StateQueued, job.StateDone))
	require.Equal(t, []job.State{job.StateDone}, pathTo(job.StateRunning, job.StateDone))
	require.Equal(t, []job.State{job.StateCanceled}, pathTo(job.StateNew, job.StateCanceled))
	require.Empty(t, pathTo(job.StateRunning, job.StateRunning))
}

// Another process failed the request after it was submitted here; Get must
// report the stored state on the same instance.
func TestGet_SeesWritesFromOtherProcesses(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r := f.submitReserve(t, params(2))

	f.store.mutate(r.ID(), func(rec *job.Record) {
		rec.State = job.StateFailed
		rec.ErrorMessage = "no space left"
		rec.NumberOfRetries = 2
	})

	got, err := f.engine.Get(ctx, r.ID())
	require.NoError(t, err)
	require.Same(t, r, got.(*job.Request))
	require.Equal(t, job.StateFailed, r.State())
	require.Equal(t, "no space left", r.ErrorMessage())
	require.Equal(t, 2, r.NumberOfRetries())
}

func TestCancel_KeepsRetriesCountedElsewhere(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.submitGet(t, 2)
	child := c.FileRequests()[0]

	f.store.mutate(child.ID(), func(rec *job.Record) {
		rec.State = job.StateRetryWait
		rec.NumberOfRetries = 1
		rec.ErrorMessage = "transfer timed out"
	})

	_, err := f.engine.Cancel(ctx, c.ID(), "user abort")
	require.NoError(t, err)

	stored := f.store.stored(child.ID())
	require.Equal(t, job.StateCanceled, stored.State)
	require.Equal(t, 1, stored.NumberOfRetries)
	require.Equal(t, 1, child.NumberOfRetries())
}

func TestSweep_FinalizesChildrenFinishedElsewhere(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.submitGet(t, 2)

	for _, child := range c.FileRequests() {
		f.store.mutate(child.ID(), func(rec *job.Record) { rec.State = job.StateDone })
	}
	f.store.mutate(c.ID(), func(rec *job.Record) { rec.State = job.StateRunning })

	res, err := f.engine.Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, res.Finalized)
	require.Equal(t, job.StateDone, c.State())
	require.Equal(t, job.StateDone, f.store.stored(c.ID()).State)
}

// A failed write is followed by a re-read, so a state stored meanwhile by
// another writer replaces the attempted transition instead of the snapshot.
func TestReport_StorageFailureAppliesStoredRow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r := f.submitReserve(t, params(3))

	claimed, err := f.engine.Poll(ctx, "w1", 1)
	require.NoError(t, err)

	f.store.onWrite = func(rows map[int64]*memRow) {
		rows[r.ID()].rec.State = job.StateCanceled
		rows[r.ID()].rec.SchedulerID = ""
		rows[r.ID()].rec.ErrorMessage = "canceled by alice"
	}
	f.store.failNext = fmt.Errorf("update: %w", store.ErrStorageUnavailable)

	err = f.engine.Report(ctx, claimed[0], "w1", OutcomeDone, "")
	require.ErrorIs(t, err, store.ErrStorageUnavailable)
	require.Equal(t, job.StateCanceled, r.State())
	require.Equal(t, "canceled by alice", r.ErrorMessage())
}

func TestReport_StorageFailureWithoutReloadRestoresSnapshot(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r := f.submitReserve(t, params(3))

	claimed, err := f.engine.Poll(ctx, "w1", 1)
	require.NoError(t, err)

	f.store.failNext = fmt.Errorf("update: %w", store.ErrStorageUnavailable)
	f.store.failReload = fmt.Errorf("reload: %w", store.ErrStorageUnavailable)

	err = f.engine.Report(ctx, claimed[0], "w1", OutcomeRetry, "timeout")
	require.ErrorIs(t, err, store.ErrStorageUnavailable)
	require.Equal(t, job.StateRunning, r.State())
	require.Zero(t, r.NumberOfRetries())
	holder, _ := r.Lease()
	require.Equal(t, "w1", holder)
}

// A change made to the instance while the failed write was in flight is not
// overwritten by the snapshot.
func TestReport_StorageFailureKeepsConcurrentChange(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r := f.submitReserve(t, params(3))

	claimed, err := f.engine.Poll(ctx, "w1", 1)
	require.NoError(t, err)

	f.store.onWrite = func(map[int64]*memRow) { r.ReleaseLease() }
	f.store.failNext = fmt.Errorf("update: %w", store.ErrStorageUnavailable)
	f.store.failReload = fmt.Errorf("reload: %w", store.ErrStorageUnavailable)

	err = f.engine.Report(ctx, claimed[0], "w1", OutcomeDone, "")
	require.ErrorIs(t, err, store.ErrStorageUnavailable)
	holder, _ := r.Lease()
	require.Empty(t, holder)
}
