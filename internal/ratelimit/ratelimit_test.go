package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAllowIsPerKey(t *testing.T) {
	rl := New(0.001, 2)

	require.True(t, rl.Allow("111111111111"))
	require.True(t, rl.Allow("111111111111"))
	require.False(t, rl.Allow("111111111111"))

	// a second key has its own bucket
	require.True(t, rl.Allow("222222222222"))
	require.Equal(t, 2, rl.Keys())
}

func TestWaitHonoursContext(t *testing.T) {
	rl := New(0.001, 1)
	require.NoError(t, rl.Wait(context.Background(), "k"))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	require.Error(t, rl.Wait(ctx, "k"))
}

func TestPerMinute(t *testing.T) {
	rl := PerMinute(3)
	for i := 0; i < 3; i++ {
		require.True(t, rl.Allow("client"))
	}
	require.False(t, rl.Allow("client"))
}
