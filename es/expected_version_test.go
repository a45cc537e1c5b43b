package es

import (
	"fmt"
	"testing"
)

func TestExpectedVersion_Any(t *testing.T) {
	ev := Any()

	if !ev.IsAny() {
		t.Error("Expected IsAny() to be true")
	}
	if ev.IsNoStream() {
		t.Error("Expected IsNoStream() to be false")
	}
	if ev.IsExact() {
		t.Error("Expected IsExact() to be false")
	}
	if ev.Value() != 0 {
		t.Errorf("Expected Value() to be 0, got %d", ev.Value())
	}
	if ev.String() != "Any" {
		t.Errorf("Expected String() to be 'Any', got '%s'", ev.String())
	}
}

func TestExpectedVersion_NoStream(t *testing.T) {
	ev := NoStream()

	if ev.IsAny() {
		t.Error("Expected IsAny() to be false")
	}
	if !ev.IsNoStream() {
		t.Error("Expected IsNoStream() to be true")
	}
	if ev.IsExact() {
		t.Error("Expected IsExact() to be false")
	}
	if ev.Value() != 0 {
		t.Errorf("Expected Value() to be 0, got %d", ev.Value())
	}
	if ev.String() != "NoStream" {
		t.Errorf("Expected String() to be 'NoStream', got '%s'", ev.String())
	}
}

func TestExpectedVersion_Exact(t *testing.T) {
	tests := []struct {
		name    string
		version int64
	}{
		{"version 1", 1},
		{"version 5", 5},
		{"version 100", 100},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := Exact(tt.version)

			if ev.IsAny() {
				t.Error("Expected IsAny() to be false")
			}
			if ev.IsNoStream() {
				t.Error("Expected IsNoStream() to be false")
			}
			if !ev.IsExact() {
				t.Error("Expected IsExact() to be true")
			}
			if ev.Value() != tt.version {
				t.Errorf("Expected Value() to be %d, got %d", tt.version, ev.Value())
			}
			expectedStr := fmt.Sprintf("Exact(%d)", tt.version)
			if ev.String() != expectedStr {
				t.Errorf("Expected String() to be '%s', got '%s'", expectedStr, ev.String())
			}
		})
	}
}

func TestExpectedVersion_Exact_Panic(t *testing.T) {
	tests := []struct {
		name    string
		version int64
	}{
		{"negative", -1},
		{"large negative", -100},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			defer func() {
				if r := recover(); r == nil {
					t.Errorf("Expected Exact(%d) to panic", tt.version)
				}
			}()
			Exact(tt.version)
		})
	}
}

func TestExpectedVersion_Matches(t *testing.T) {
	tests := []struct {
		name    string
		ev      ExpectedVersion
		current int64
		want    bool
	}{
		{"any on empty stream", Any(), 0, true},
		{"any on populated stream", Any(), 7, true},
		{"no stream on empty stream", NoStream(), 0, true},
		{"no stream on populated stream", NoStream(), 1, false},
		{"exact zero on empty stream", Exact(0), 0, true},
		{"exact match", Exact(3), 3, true},
		{"stale expectation", Exact(2), 3, false},
		{"expectation ahead of stream", Exact(4), 3, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.ev.Matches(tt.current); got != tt.want {
				t.Errorf("%s.Matches(%d) = %v, want %v", tt.ev, tt.current, got, tt.want)
			}
		})
	}
}
