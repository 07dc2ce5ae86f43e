package timedcache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTimedCacheExpiry(t *testing.T) {
	tc, err := New[string, int](4, time.Minute)
	require.NoError(t, err)

	now := time.Unix(1000, 0)
	tc.now = func() time.Time { return now }

	tc.Add("a", 1)
	v, ok := tc.Get("a")
	require.True(t, ok)
	require.Equal(t, 1, v)
	require.True(t, tc.Contains("a"))

	now = now.Add(2 * time.Minute)
	_, ok = tc.Get("a")
	require.False(t, ok, "entry should have expired")
	require.Equal(t, 0, tc.Len())
}

func TestTimedCacheEviction(t *testing.T) {
	tc, err := New[int, int](2, time.Hour)
	require.NoError(t, err)

	require.False(t, tc.Add(1, 1))
	require.False(t, tc.Add(2, 2))
	require.True(t, tc.Add(3, 3))
	require.False(t, tc.Contains(1))
	require.True(t, tc.Remove(3))
	tc.Purge()
	require.Equal(t, 0, tc.Len())
}
