package job

import (
	"fmt"
	"slices"
	"time"
)

// Composite is a request that owns child file requests.
type Composite interface {
	Entity
	FileRequestIDs() []int64
	FileRequests() []*FileRequest
}

// ContainerRequest is a request made of file requests. FileRequestIDs lists
// every linked child; FileRequests holds only those that could be resolved,
// so the two may differ in length.
type ContainerRequest struct {
	Request
	fileRequestIDs []int64
	fileRequests   []*FileRequest
}

// NewContainerRequest builds a transient container and its transient children.
// Children share the container's owner, lifetime, retry policy and credential.
func NewContainerRequest(p RequestParams, files []FileParams, now func() time.Time) (*ContainerRequest, error) {
	if len(files) == 0 {
		return nil, invalidParams("container request %q needs at least one file request", p.Type)
	}
	c := &ContainerRequest{}
	if err := c.Request.init(p, now); err != nil {
		return nil, err
	}
	for i, fp := range files {
		f, err := newFileRequest(p.Type, p.Params, fp, now)
		if err != nil {
			return nil, fmt.Errorf("file request %d: %w", i, err)
		}
		c.fileRequests = append(c.fileRequests, f)
	}
	return c, nil
}

// LoadContainerRequest assembles a container from its row, the ids found in
// the link table and the children that could be resolved.
func LoadContainerRequest(rec RequestRecord, ids []int64, children []*FileRequest, now func() time.Time) *ContainerRequest {
	c := &ContainerRequest{
		fileRequestIDs: slices.Clone(ids),
		fileRequests:   slices.Clone(children),
	}
	c.Request.load(rec, now)
	return c
}

// AssignIDs sets the ids of a transient container and of its children, in
// the order the children were given.
func (c *ContainerRequest) AssignIDs(id int64, childIDs []int64) error {
	if len(childIDs) != len(c.fileRequests) {
		return fmt.Errorf("container needs %d child ids, got %d", len(c.fileRequests), len(childIDs))
	}
	if err := c.AssignID(id); err != nil {
		return err
	}
	for i, f := range c.fileRequests {
		if err := f.AssignID(childIDs[i]); err != nil {
			return err
		}
		f.mu.Lock()
		f.requestID = id
		f.mu.Unlock()
	}
	c.mu.Lock()
	c.fileRequestIDs = slices.Clone(childIDs)
	c.mu.Unlock()
	return nil
}

func (c *ContainerRequest) FileRequestIDs() []int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.fileRequestIDs)
}

func (c *ContainerRequest) FileRequests() []*FileRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.fileRequests)
}

// Aggregate derives the container status from the children's current states.
func (c *ContainerRequest) Aggregate(policy Aggregator) Aggregate {
	if policy == nil {
		policy = DefaultAggregator
	}
	children := c.FileRequests()
	states := make([]State, 0, len(children))
	for _, f := range children {
		states = append(states, f.State())
	}
	return policy(states)
}
