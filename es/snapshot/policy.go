package snapshot

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/getpup/puprelay/es"
)

// Decision is the input to a Policy after a successful commit.
type Decision struct {
	AggregateType string
	// NewSequence is the stream sequence after the commit.
	NewSequence int64
	// PreviousVersion is the version of the existing snapshot, 0 if none.
	PreviousVersion int64
	// Delta is the number of events persisted by the commit.
	Delta int
}

// Policy decides whether to snapshot after a commit.
type Policy interface {
	ShouldSnapshot(d Decision) bool
}

// PolicyFunc adapts a function to Policy.
type PolicyFunc func(d Decision) bool

// ShouldSnapshot implements Policy.
func (f PolicyFunc) ShouldSnapshot(d Decision) bool { return f(d) }

// Always snapshots after every commit that persisted events.
func Always() Policy {
	return PolicyFunc(func(d Decision) bool { return d.Delta > 0 })
}

// OnDemand never snapshots automatically.
func OnDemand() Policy {
	return PolicyFunc(func(Decision) bool { return false })
}

// Cadence snapshots when (NewSequence - offset) is a multiple of threshold.
// A threshold below 1 behaves like OnDemand.
func Cadence(threshold, offset int64) Policy {
	return PolicyFunc(func(d Decision) bool {
		if threshold < 1 || d.Delta <= 0 {
			return false
		}
		return (d.NewSequence-offset)%threshold == 0
	})
}

// Policies selects a policy per aggregate type.
type Policies struct {
	// Default applies to types without an override. Nil means OnDemand.
	Default   Policy
	Overrides map[string]Policy
}

// For returns the policy for aggregateType.
func (p Policies) For(aggregateType string) Policy {
	if o, ok := p.Overrides[aggregateType]; ok && o != nil {
		return o
	}
	if p.Default != nil {
		return p.Default
	}
	return OnDemand()
}

// ShouldSnapshot implements Policy by dispatching on d.AggregateType.
func (p Policies) ShouldSnapshot(d Decision) bool {
	return p.For(d.AggregateType).ShouldSnapshot(d)
}

// PolicyByName parses a policy from configuration:
// "always", "on-demand", "cadence:<threshold>" or "cadence:<threshold>:<offset>".
func PolicyByName(name string) (Policy, error) {
	parts := strings.Split(name, ":")
	switch parts[0] {
	case "always":
		if len(parts) == 1 {
			return Always(), nil
		}
	case "", "on-demand":
		if len(parts) == 1 {
			return OnDemand(), nil
		}
	case "cadence":
		if len(parts) < 2 || len(parts) > 3 {
			break
		}
		threshold, err := strconv.ParseInt(parts[1], 10, 64)
		if err != nil || threshold < 1 {
			return nil, fmt.Errorf("%w: cadence threshold %q", es.ErrInvalidConfig, parts[1])
		}
		var offset int64
		if len(parts) == 3 {
			offset, err = strconv.ParseInt(parts[2], 10, 64)
			if err != nil {
				return nil, fmt.Errorf("%w: cadence offset %q", es.ErrInvalidConfig, parts[2])
			}
		}
		return Cadence(threshold, offset), nil
	}
	return nil, fmt.Errorf("%w: snapshot policy %q", es.ErrStrategyNotFound, name)
}

var _ Policy = Policies{}
