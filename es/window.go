package es

import (
	"fmt"
	"time"
)

// BoundKind selects which column an EventWindow bound applies to.
type BoundKind int

const (
	// Unbounded means the bound is not set.
	Unbounded BoundKind = iota
	// ByStreamSequence bounds on the per-stream sequence.
	ByStreamSequence
	// ByGlobalSequence bounds on the global sequence.
	ByGlobalSequence
	// ByDate bounds on occurred_at.
	ByDate
)

func (k BoundKind) String() string {
	switch k {
	case ByStreamSequence:
		return "stream_sequence"
	case ByGlobalSequence:
		return "global_sequence"
	case ByDate:
		return "date"
	default:
		return "unbounded"
	}
}

// Bound is one side of an EventWindow.
type Bound struct {
	At       time.Time
	Sequence int64
	Kind     BoundKind
}

// IsSet reports whether the bound restricts anything.
func (b Bound) IsSet() bool { return b.Kind != Unbounded }

// EventWindow restricts a load to a range of events.
//
// After is exclusive and To is inclusive, whatever the bound kind. Snapshot-relative
// loads rely on this: loading After(snapshot version) replays exactly the events the
// snapshot has not absorbed.
type EventWindow struct {
	After Bound
	To    Bound
}

// AfterStreamSequence returns a lower bound excluding stream sequences <= n.
func AfterStreamSequence(n int64) Bound { return Bound{Kind: ByStreamSequence, Sequence: n} }

// AfterGlobalSequence returns a lower bound excluding global sequences <= n.
func AfterGlobalSequence(n int64) Bound { return Bound{Kind: ByGlobalSequence, Sequence: n} }

// AfterDate returns a lower bound excluding events that occurred at or before t.
// Stores keep occurred_at to the microsecond, so t is truncated to match.
func AfterDate(t time.Time) Bound { return Bound{Kind: ByDate, At: microseconds(t)} }

// ToStreamSequence returns an upper bound including stream sequences <= n.
func ToStreamSequence(n int64) Bound { return Bound{Kind: ByStreamSequence, Sequence: n} }

// ToGlobalSequence returns an upper bound including global sequences <= n.
func ToGlobalSequence(n int64) Bound { return Bound{Kind: ByGlobalSequence, Sequence: n} }

// ToDate returns an upper bound including events that occurred at or before t.
func ToDate(t time.Time) Bound { return Bound{Kind: ByDate, At: microseconds(t)} }

func microseconds(t time.Time) time.Time { return t.UTC().Truncate(time.Microsecond) }

// Between builds a window from a lower and an upper bound.
func Between(after, to Bound) EventWindow { return EventWindow{After: after, To: to} }

// From builds a window with only a lower bound.
func From(after Bound) EventWindow { return EventWindow{After: after} }

// Until builds a window with only an upper bound.
func Until(to Bound) EventWindow { return EventWindow{To: to} }

// IsZero reports whether the window is unbounded on both sides.
func (w EventWindow) IsZero() bool { return !w.After.IsSet() && !w.To.IsSet() }

// Validate checks that sequence bounds are non-negative and date bounds carry a time.
func (w EventWindow) Validate() error {
	for _, b := range []struct {
		name  string
		bound Bound
	}{{"after", w.After}, {"to", w.To}} {
		switch b.bound.Kind {
		case Unbounded:
		case ByStreamSequence, ByGlobalSequence:
			if b.bound.Sequence < 0 {
				return fmt.Errorf("%w: %s bound on %s is negative", ErrInvalidWindow, b.name, b.bound.Kind)
			}
		case ByDate:
			if b.bound.At.IsZero() {
				return fmt.Errorf("%w: %s date bound is zero", ErrInvalidWindow, b.name)
			}
		default:
			return fmt.Errorf("%w: unknown %s bound kind %d", ErrInvalidWindow, b.name, b.bound.Kind)
		}
	}
	return nil
}

// Contains evaluates the window against an event in memory, with dates compared
// at the microsecond precision the stores use.
func (w EventWindow) Contains(e StoredEvent) bool {
	switch w.After.Kind {
	case ByStreamSequence:
		if e.StreamSequence <= w.After.Sequence {
			return false
		}
	case ByGlobalSequence:
		if e.GlobalSequence <= w.After.Sequence {
			return false
		}
	case ByDate:
		if !microseconds(e.OccurredAt).After(microseconds(w.After.At)) {
			return false
		}
	}
	switch w.To.Kind {
	case ByStreamSequence:
		if e.StreamSequence > w.To.Sequence {
			return false
		}
	case ByGlobalSequence:
		if e.GlobalSequence > w.To.Sequence {
			return false
		}
	case ByDate:
		if microseconds(e.OccurredAt).After(microseconds(w.To.At)) {
			return false
		}
	}
	return true
}
