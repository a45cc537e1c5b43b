package es

import "fmt"

// ExpectedVersion is the stream sequence an appender expects a stream to be at.
// It drives optimistic concurrency control in Append.
type ExpectedVersion struct {
	value int64
}

const (
	expectedVersionAny      = -1
	expectedVersionNoStream = -2
)

// Any skips the expectation check.
func Any() ExpectedVersion {
	return ExpectedVersion{value: expectedVersionAny}
}

// NoStream expects the stream to hold no events yet.
func NoStream() ExpectedVersion {
	return ExpectedVersion{value: expectedVersionNoStream}
}

// Exact expects the stream's current max stream sequence to equal version.
// Exact(0) is equivalent to NoStream.
func Exact(version int64) ExpectedVersion {
	if version < 0 {
		panic(fmt.Sprintf("exact version must be non-negative, got %d", version))
	}
	return ExpectedVersion{value: version}
}

// IsAny reports whether no check should be performed.
func (ev ExpectedVersion) IsAny() bool {
	return ev.value == expectedVersionAny
}

// IsNoStream reports whether the stream must be empty.
func (ev ExpectedVersion) IsNoStream() bool {
	return ev.value == expectedVersionNoStream
}

// IsExact reports whether a specific stream sequence is expected.
func (ev ExpectedVersion) IsExact() bool {
	return ev.value >= 0
}

// Value returns the expected stream sequence. It is 0 for Any and NoStream.
func (ev ExpectedVersion) Value() int64 {
	if ev.value >= 0 {
		return ev.value
	}
	return 0
}

// Matches reports whether a stream currently at sequence current satisfies the expectation.
func (ev ExpectedVersion) Matches(current int64) bool {
	switch {
	case ev.IsAny():
		return true
	case ev.IsNoStream():
		return current == 0
	default:
		return current == ev.value
	}
}

// String returns a string representation of the ExpectedVersion.
func (ev ExpectedVersion) String() string {
	if ev.IsAny() {
		return "Any"
	}
	if ev.IsNoStream() {
		return "NoStream"
	}
	return fmt.Sprintf("Exact(%d)", ev.value)
}
