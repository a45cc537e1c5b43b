package worker

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRingKeepsNewest(t *testing.T) {
	r := newRing(3)
	require.Empty(t, r.snapshot())

	for i := int64(1); i <= 2; i++ {
		r.add(DeliveryError{GlobalSequence: i})
	}
	require.Equal(t, []int64{1, 2}, sequences(r.snapshot()))

	for i := int64(3); i <= 5; i++ {
		r.add(DeliveryError{GlobalSequence: i})
	}
	require.Equal(t, []int64{3, 4, 5}, sequences(r.snapshot()))

	r.add(DeliveryError{GlobalSequence: 6})
	require.Equal(t, []int64{4, 5, 6}, sequences(r.snapshot()))
}

func TestRingMinimumSize(t *testing.T) {
	r := newRing(0)
	r.add(DeliveryError{GlobalSequence: 1})
	r.add(DeliveryError{GlobalSequence: 2})
	require.Equal(t, []int64{2}, sequences(r.snapshot()))
}

func sequences(entries []DeliveryError) []int64 {
	out := make([]int64, len(entries))
	for i, e := range entries {
		out[i] = e.GlobalSequence
	}
	return out
}
