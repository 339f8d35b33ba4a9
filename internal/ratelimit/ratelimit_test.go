package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAllowWithinLimit(t *testing.T) {
	l := &Limiter{buckets: map[string]*bucket{}}
	for i := 0; i < 3; i++ {
		require.True(t, l.Allow("k", 3))
	}
	require.False(t, l.Allow("k", 3))
}

func TestAllowResetsAfterWindow(t *testing.T) {
	l := &Limiter{buckets: map[string]*bucket{}}
	l.buckets["k"] = &bucket{count: 5, windowAt: time.Now().Add(-2 * time.Minute)}
	require.True(t, l.Allow("k", 1))
	require.False(t, l.Allow("k", 1))
}

func TestAllowIsolatesKeys(t *testing.T) {
	l := &Limiter{buckets: map[string]*bucket{}}
	require.True(t, l.Allow("a", 1))
	require.True(t, l.Allow("b", 1))
	require.False(t, l.Allow("a", 1))
}

func TestCleanupDropsStaleBuckets(t *testing.T) {
	l := &Limiter{buckets: map[string]*bucket{}}
	l.buckets["stale"] = &bucket{count: 1, windowAt: time.Now().Add(-3 * time.Minute)}
	l.buckets["fresh"] = &bucket{count: 1, windowAt: time.Now()}
	l.cleanup()
	_, staleOK := l.buckets["stale"]
	_, freshOK := l.buckets["fresh"]
	require.False(t, staleOK)
	require.True(t, freshOK)
}
