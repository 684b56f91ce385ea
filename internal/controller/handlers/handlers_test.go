package handlers

import (
	"context"
	"sync"
	"time"

	"srmjobs/internal/engine"
	"srmjobs/internal/job"
	"srmjobs/internal/store"
)

// mockService implements Service for testing.
type mockService struct {
	mu sync.Mutex

	submitResp job.Entity
	submitErr  error
	getResp    job.Entity
	getErr     error
	listResp   []int64
	listErr    error
	cancelResp job.Entity
	cancelErr  error
	pingErr    error

	// Spies (to verify arguments passed by handlers)
	capturedSubmission engine.Submission
	capturedFilter     store.ListFilter
	capturedID         int64
	capturedReason     string
}

func (m *mockService) Submit(ctx context.Context, sub engine.Submission) (job.Entity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.capturedSubmission = sub
	return m.submitResp, m.submitErr
}

func (m *mockService) Get(ctx context.Context, id int64) (job.Entity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.capturedID = id
	return m.getResp, m.getErr
}

func (m *mockService) List(ctx context.Context, f store.ListFilter) ([]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.capturedFilter = f
	return m.listResp, m.listErr
}

func (m *mockService) Cancel(ctx context.Context, id int64, reason string) (job.Entity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.capturedID = id
	m.capturedReason = reason
	return m.cancelResp, m.cancelErr
}

func (m *mockService) AggregateOf(ent job.Entity) (job.Aggregate, bool) {
	c, ok := ent.(interface {
		Aggregate(job.Aggregator) job.Aggregate
	})
	if !ok {
		return job.AggregatePending, false
	}
	return c.Aggregate(job.DefaultAggregator), true
}

func (m *mockService) Ping(ctx context.Context) error {
	return m.pingErr
}

var testTime = time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)

func testRecord(id int64, state job.State) job.Record {
	return job.Record{
		ID:                      id,
		State:                   state,
		CreationTime:            testTime,
		Lifetime:                time.Hour,
		MaxNumberOfRetries:      2,
		LastStateTransitionTime: testTime,
		Owner:                   job.Owner{Name: "alice", UID: 1000, GID: 100},
	}
}

func testReserve(id int64, state job.State) *job.Request {
	return job.LoadRequest(job.RequestRecord{
		Record:     testRecord(id, state),
		Type:       "reserve",
		ClientHost: "192.0.2.1",
		Attrs:      job.Attrs{"size": "1024"},
	}, nil)
}

func testGet(id int64, childStates ...job.State) *job.ContainerRequest {
	var (
		ids      []int64
		children []*job.FileRequest
	)
	for i, st := range childStates {
		cid := id + int64(i) + 1
		ids = append(ids, cid)
		children = append(children, job.LoadFileRequest(job.FileRequestRecord{
			Record:    testRecord(cid, st),
			Type:      "get",
			RequestID: id,
			Target:    "srm://se.example.org/data/f",
			Attrs:     job.Attrs{"protocol": "gsiftp"},
		}, nil))
	}
	return job.LoadContainerRequest(job.RequestRecord{
		Record: testRecord(id, job.StateRunning),
		Type:   "get",
	}, ids, children, nil)
}
