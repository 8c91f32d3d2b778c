package blobtable

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSegmentKeyRoundTrip(t *testing.T) {
	key := SegmentKey("abc-123", 7)
	require.Equal(t, "abc-123|7", key)

	blobID, index, err := ParseSegmentKey(key)
	require.NoError(t, err)
	require.Equal(t, "abc-123", blobID)
	require.Equal(t, 7, index)
}

func TestParseSegmentKeyInvalid(t *testing.T) {
	for _, key := range []string{"", "noseparator", "|3", "abc|", "abc|x", "abc|-1"} {
		_, _, err := ParseSegmentKey(key)
		require.Error(t, err, "key %q", key)
	}
}

func TestNewBlobIDUnique(t *testing.T) {
	seen := make(map[string]bool)
	for range 100 {
		id := NewBlobID()
		require.NotEmpty(t, id)
		require.False(t, seen[id])
		seen[id] = true
	}
}

func TestBlobKey(t *testing.T) {
	b := &Blob{Name: "video", Version: 2}
	require.Equal(t, "video@2", b.Key())
}
