package aggregate_test

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/getpup/puprelay/es/aggregate"
)

func TestStreamID(t *testing.T) {
	u := uuid.MustParse("0b0e6c8e-4f4b-4a55-9d53-0c1b3e0c9a11")
	id := aggregate.ID{Prefix: "document", UUID: u}
	require.Equal(t, "document-0b0e6c8e-4f4b-4a55-9d53-0c1b3e0c9a11", id.StreamID())

	parsed, err := aggregate.ParseStreamID(id.StreamID())
	require.NoError(t, err)
	require.Equal(t, id, parsed)
}

func TestParseStreamIDWithDashedPrefix(t *testing.T) {
	id := aggregate.NewID("billing-invoice")
	parsed, err := aggregate.ParseStreamID(id.StreamID())
	require.NoError(t, err)
	require.Equal(t, "billing-invoice", parsed.Prefix)
	require.Equal(t, id.UUID, parsed.UUID)
}

func TestParseStreamIDInvalid(t *testing.T) {
	for _, s := range []string{
		"",
		"document",
		"0b0e6c8e-4f4b-4a55-9d53-0c1b3e0c9a11",
		"document-not-a-uuid-at-all-not-a-uuid-at-all",
	} {
		_, err := aggregate.ParseStreamID(s)
		require.Error(t, err, s)
	}
}

func TestNewIDIsRandom(t *testing.T) {
	a, b := aggregate.NewID("x"), aggregate.NewID("x")
	require.NotEqual(t, a, b)
	require.False(t, a.IsZero())
	require.True(t, aggregate.ID{}.IsZero())
}
