package warehouse

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestChannelCacheFetchesOnce(t *testing.T) {
	var calls int
	c := newChannelCache(func(ctx context.Context) ([]string, error) {
		calls++
		return []string{"YBH", "YBH_Kids"}, nil
	})

	for i := 0; i < 3; i++ {
		channels, err := c.Get(context.Background())
		require.NoError(t, err)
		require.Equal(t, []string{"YBH", "YBH_Kids"}, channels)
	}
	require.Equal(t, 1, calls)
}

func TestChannelCachePrefersStaleOverError(t *testing.T) {
	var fail bool
	c := newChannelCache(func(ctx context.Context) ([]string, error) {
		if fail {
			return nil, errors.New("bigquery unavailable")
		}
		return []string{"YBH"}, nil
	})

	_, err := c.Get(context.Background())
	require.NoError(t, err)

	// Expire the entry, then make the refresh fail.
	c.mu.Lock()
	c.fetchedAt = time.Now().Add(-25 * time.Hour)
	c.mu.Unlock()
	fail = true

	channels, err := c.Get(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"YBH"}, channels, "stale data beats an empty result")
}

func TestChannelCacheErrorWithNoData(t *testing.T) {
	c := newChannelCache(func(ctx context.Context) ([]string, error) {
		return nil, errors.New("bigquery unavailable")
	})
	_, err := c.Get(context.Background())
	require.Error(t, err)
}

func TestChannelCacheInvalidate(t *testing.T) {
	var calls int
	c := newChannelCache(func(ctx context.Context) ([]string, error) {
		calls++
		return []string{"YBH"}, nil
	})

	_, err := c.Get(context.Background())
	require.NoError(t, err)
	require.True(t, c.Status().Cached)

	c.Invalidate()
	require.False(t, c.Status().Cached)

	_, err = c.Get(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, calls)
}
