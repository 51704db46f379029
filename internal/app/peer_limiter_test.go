package app

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryPeerLimiterFixedWindow(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	limiter := NewMemoryPeerLimiter(2, time.Minute)
	limiter.now = func() time.Time { return now }
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		got, err := limiter.Admit(ctx, "bank:SEB")
		require.NoError(t, err)
		assert.True(t, got.Allowed)
	}

	now = now.Add(20 * time.Second)
	got, err := limiter.Admit(ctx, "bank:SEB")
	require.NoError(t, err)
	assert.False(t, got.Allowed)
	assert.Equal(t, int64(3), got.Count)
	assert.Equal(t, 40*time.Second, got.RetryAfter)

	other, err := limiter.Admit(ctx, "bank:LHV")
	require.NoError(t, err)
	assert.True(t, other.Allowed, "keys are counted separately")

	now = now.Add(40 * time.Second)
	got, err = limiter.Admit(ctx, "bank:SEB")
	require.NoError(t, err)
	assert.True(t, got.Allowed, "a new window starts")
	assert.Equal(t, int64(1), got.Count)
}

func TestMemoryPeerLimiterDisabled(t *testing.T) {
	limiter := NewMemoryPeerLimiter(0, time.Minute)
	for i := 0; i < 5; i++ {
		got, err := limiter.Admit(context.Background(), "addr:192.0.2.1")
		require.NoError(t, err)
		assert.True(t, got.Allowed)
	}
}
