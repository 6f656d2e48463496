package ratelimiter

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLimiter_BurstIsTwiceTheRate(t *testing.T) {
	l := New(5)

	for i := range 10 {
		require.True(t, l.Allow(), "request %d is within the burst", i)
	}
	assert.False(t, l.Allow())
}

func TestLimiter_ZeroIsUnlimited(t *testing.T) {
	l := New(0)

	for range 1000 {
		require.True(t, l.Allow())
	}
	require.NoError(t, l.Wait(context.Background()))
}

func TestLimiter_WaitHonorsContext(t *testing.T) {
	l := New(1)
	require.True(t, l.Allow())
	require.True(t, l.Allow())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	err := l.Wait(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rate limit")
}
