package snapshot_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/getpup/puprelay/es"
	"github.com/getpup/puprelay/es/snapshot"
)

func TestAlways(t *testing.T) {
	p := snapshot.Always()
	require.True(t, p.ShouldSnapshot(snapshot.Decision{NewSequence: 1, Delta: 1}))
	require.False(t, p.ShouldSnapshot(snapshot.Decision{NewSequence: 1, Delta: 0}))
}

func TestOnDemand(t *testing.T) {
	require.False(t, snapshot.OnDemand().ShouldSnapshot(snapshot.Decision{NewSequence: 100, Delta: 5}))
}

func TestCadence(t *testing.T) {
	tests := []struct {
		name      string
		threshold int64
		offset    int64
		seq       int64
		delta     int
		want      bool
	}{
		{"hit", 10, 0, 20, 1, true},
		{"miss", 10, 0, 21, 1, false},
		{"offset hit", 10, 3, 13, 2, true},
		{"offset miss", 10, 3, 10, 2, false},
		{"no delta", 10, 0, 20, 0, false},
		{"zero threshold", 0, 0, 20, 1, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := snapshot.Cadence(tt.threshold, tt.offset)
			require.Equal(t, tt.want, p.ShouldSnapshot(snapshot.Decision{NewSequence: tt.seq, Delta: tt.delta}))
		})
	}
}

func TestPolicies_For(t *testing.T) {
	p := snapshot.Policies{
		Default:   snapshot.Cadence(100, 0),
		Overrides: map[string]snapshot.Policy{"invoice": snapshot.Always()},
	}
	d := snapshot.Decision{NewSequence: 7, Delta: 1}

	d.AggregateType = "invoice"
	require.True(t, p.ShouldSnapshot(d))

	d.AggregateType = "document"
	require.False(t, p.ShouldSnapshot(d))

	require.False(t, snapshot.Policies{}.ShouldSnapshot(d))
}

func TestPolicyByName(t *testing.T) {
	p, err := snapshot.PolicyByName("always")
	require.NoError(t, err)
	require.True(t, p.ShouldSnapshot(snapshot.Decision{NewSequence: 3, Delta: 1}))

	p, err = snapshot.PolicyByName("cadence:5:1")
	require.NoError(t, err)
	require.True(t, p.ShouldSnapshot(snapshot.Decision{NewSequence: 6, Delta: 1}))
	require.False(t, p.ShouldSnapshot(snapshot.Decision{NewSequence: 5, Delta: 1}))

	p, err = snapshot.PolicyByName("on-demand")
	require.NoError(t, err)
	require.False(t, p.ShouldSnapshot(snapshot.Decision{NewSequence: 5, Delta: 1}))

	_, err = snapshot.PolicyByName("cadence:zero")
	require.True(t, errors.Is(err, es.ErrInvalidConfig))

	_, err = snapshot.PolicyByName("weekly")
	require.True(t, errors.Is(err, es.ErrStrategyNotFound))
}
