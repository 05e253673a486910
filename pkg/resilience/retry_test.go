package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func fastPolicy(attempts int) Policy {
	return Policy{MaxAttempts: attempts, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
}

func TestDoSucceedsWithinCap(t *testing.T) {
	calls := 0
	v, err := Do(context.Background(), fastPolicy(5), func(ctx context.Context) (string, error) {
		calls++
		if calls < 5 {
			return "", errors.New("connection refused")
		}
		return "ok", nil
	})
	require.NoError(t, err)
	require.Equal(t, "ok", v)
	require.Equal(t, 5, calls)
}

func TestDoExhaustsRetries(t *testing.T) {
	boom := errors.New("timeout")
	calls := 0
	_, err := Do(context.Background(), fastPolicy(3), func(ctx context.Context) (int, error) {
		calls++
		return 0, boom
	})
	require.ErrorIs(t, err, ErrRetriesExhausted)
	require.ErrorIs(t, err, boom)
	require.Equal(t, 3, calls)
}

func TestDoStopsOnPermanentError(t *testing.T) {
	authErr := errors.New("token expired")
	calls := 0
	_, err := Do(context.Background(), fastPolicy(5), func(ctx context.Context) (int, error) {
		calls++
		return 0, Permanent(authErr)
	})
	require.ErrorIs(t, err, authErr)
	require.NotErrorIs(t, err, ErrRetriesExhausted)
	require.Equal(t, 1, calls)
}

func TestDoHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	p := Policy{MaxAttempts: 5, BaseDelay: time.Hour, MaxDelay: time.Hour}
	done := make(chan error, 1)
	go func() {
		_, err := Do(ctx, p, func(ctx context.Context) (int, error) {
			calls++
			return 0, errors.New("flaky")
		})
		done <- err
	}()
	// Give the loop time to enter its first backoff wait, then tear down.
	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("retry loop survived cancellation")
	}
	require.Equal(t, 1, calls)
}

func TestPolicyDelayDoublesAndCaps(t *testing.T) {
	p := Policy{MaxAttempts: 5, BaseDelay: time.Second, MaxDelay: 4 * time.Second}
	require.Equal(t, time.Second, p.Delay(1))
	require.Equal(t, 2*time.Second, p.Delay(2))
	require.Equal(t, 4*time.Second, p.Delay(3))
	require.Equal(t, 4*time.Second, p.Delay(4))
}

func TestPolicyDelayJitterStaysBounded(t *testing.T) {
	p := Policy{MaxAttempts: 5, BaseDelay: time.Second, MaxDelay: 8 * time.Second, Jitter: true}
	for i := 0; i < 100; i++ {
		d := p.Delay(2)
		require.GreaterOrEqual(t, d, 1400*time.Millisecond)
		require.LessOrEqual(t, d, 2600*time.Millisecond)
	}
}

func TestGateOnlineEdge(t *testing.T) {
	g := NewGate(false)
	require.False(t, g.Online())

	edge := g.OnlineEdge()
	select {
	case <-edge:
		t.Fatal("edge fired while offline")
	default:
	}

	g.SetOnline(true)
	select {
	case <-edge:
	case <-time.After(time.Second):
		t.Fatal("edge did not fire on offline->online flip")
	}

	// Already online: edge is immediate.
	select {
	case <-g.OnlineEdge():
	default:
		t.Fatal("edge should be closed when already online")
	}
}
