package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/require"

	"wanotify/internal/session"
)

func TestBreakerOpensPerTenant(t *testing.T) {
	g := NewGuard(GuardConfig{MaxFailures: 2, OpenTimeout: time.Minute})
	ctx := context.Background()
	fail := func(ctx context.Context) (string, error) { return "", errBoom }
	ok := func(ctx context.Context) (string, error) { return "id", nil }

	for i := 0; i < 2; i++ {
		_, err := g.Send(ctx, "t1", fail)
		require.ErrorIs(t, err, errBoom)
	}
	_, err := g.Send(ctx, "t1", ok)
	require.ErrorIs(t, err, gobreaker.ErrOpenState)
	require.Equal(t, "open", g.State("t1"))

	id, err := g.Send(ctx, "t2", ok)
	require.NoError(t, err)
	require.Equal(t, "id", id)
}

func TestGoneSessionDoesNotTripBreaker(t *testing.T) {
	g := NewGuard(GuardConfig{MaxFailures: 1, OpenTimeout: time.Minute})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := g.Send(ctx, "t1", func(ctx context.Context) (string, error) { return "", session.ErrSessionGone })
		require.ErrorIs(t, err, session.ErrSessionGone)
	}
	require.Equal(t, "closed", g.State("t1"))
}

func TestRateLimitWaitTimeout(t *testing.T) {
	g := NewGuard(GuardConfig{RPS: 0.1, Burst: 1, WaitTimeout: 20 * time.Millisecond})
	ctx := context.Background()
	ok := func(ctx context.Context) (string, error) { return "id", nil }

	_, err := g.Send(ctx, "t1", ok)
	require.NoError(t, err)
	_, err = g.Send(ctx, "t1", ok)
	require.ErrorIs(t, err, ErrRateLimited)
}
