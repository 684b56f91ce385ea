package store

import "srmjobs/internal/job"

const (
	DefaultListLimit = 100
	MaxListLimit     = 1000
)

// ListFilter selects top-level requests. Zero values match everything.
type ListFilter struct {
	Type   string
	Owner  string
	States []job.State
	Limit  int
}

// EffectiveLimit clamps Limit into (0, MaxListLimit].
func (f ListFilter) EffectiveLimit() int {
	switch {
	case f.Limit <= 0:
		return DefaultListLimit
	case f.Limit > MaxListLimit:
		return MaxListLimit
	}
	return f.Limit
}
