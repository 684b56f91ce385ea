package job

// Aggregate is the status of a container derived from its children.
type Aggregate int

const (
	AggregatePending Aggregate = iota
	AggregateComplete
	AggregateFailed
	AggregateCanceled
)

func (a Aggregate) String() string {
	switch a {
	case AggregateComplete:
		return "all complete"
	case AggregateFailed:
		return "failed"
	case AggregateCanceled:
		return "canceled"
	default:
		return "pending"
	}
}

// TerminalState maps a final aggregate to the container state it implies.
func (a Aggregate) TerminalState() (State, bool) {
	switch a {
	case AggregateComplete:
		return StateDone, true
	case AggregateFailed:
		return StateFailed, true
	case AggregateCanceled:
		return StateCanceled, true
	}
	return 0, false
}

// Aggregator is the policy turning child states into a container status.
type Aggregator func(children []State) Aggregate

// DefaultAggregator: failed if any child failed, complete when every child is
// done, canceled once all children are terminal and at least one was
// canceled, pending otherwise.
func DefaultAggregator(children []State) Aggregate {
	if len(children) == 0 {
		return AggregatePending
	}
	done, terminal := 0, 0
	for _, s := range children {
		if s == StateFailed {
			return AggregateFailed
		}
		if s == StateDone {
			done++
		}
		if s.IsTerminal() {
			terminal++
		}
	}
	switch {
	case done == len(children):
		return AggregateComplete
	case terminal == len(children):
		return AggregateCanceled
	}
	return AggregatePending
}
