package rdma

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeConnection recovers after healAfter resets.
type fakeConnection struct {
	state     atomic.Int32
	resets    atomic.Int32
	healAfter int32
	resetErr  error
}

func newFakeConnection(state ConnectionState, healAfter int32) *fakeConnection {
	c := &fakeConnection{healAfter: healAfter}
	c.state.Store(int32(state))
	return c
}

func (c *fakeConnection) Reset(context.Context) error {
	n := c.resets.Add(1)
	if c.healAfter > 0 && n >= c.healAfter {
		c.state.Store(int32(StateEstablished))
		return nil
	}
	return c.resetErr
}

func (c *fakeConnection) State() ConnectionState { return ConnectionState(c.state.Load()) }

func TestIsRecoverableError(t *testing.T) {
	h := NewErrorHandler(nil, 3, time.Millisecond)

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil", err: nil, want: false},
		{name: "timeout sentinel", err: ErrTimeout, want: true},
		{name: "wrapped timeout", err: fmt.Errorf("send: %w", ErrTimeout), want: true},
		{name: "deadline", err: context.DeadlineExceeded, want: true},
		{name: "network error", err: &NetworkError{Op: "connect", Addr: "10.0.0.2:5445", Err: errors.New("refused")}, want: true},
		{name: "net op error", err: &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("reset")}, want: true},
		{name: "io error with hint", err: &IOError{Op: "read", Err: errors.New("temporary failure")}, want: true},
		{name: "io error connection", err: &IOError{Op: "send", Err: errors.New("Connection lost")}, want: true},
		{name: "io error without hint", err: &IOError{Op: "read", Err: ErrRemoteAccess}, want: false},
		{name: "unexpected", err: errors.New("unexpected"), want: false},
		{name: "not established", err: ErrNotEstablished, want: false},
		{name: "no credits", err: ErrNoSendCredits, want: false},
		{name: "closed", err: fmt.Errorf("rdma send: %w", ErrConnectionClosed), want: false},
		{name: "region invalid in io error", err: &IOError{Op: "write", Err: ErrRegionInvalid}, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, h.IsRecoverableError(tt.err))
		})
	}
}

func TestNewErrorHandlerClampsNegatives(t *testing.T) {
	h := NewErrorHandler(nil, -1, -time.Second)

	assert.Equal(t, 0, h.MaxRetries())
	assert.Equal(t, time.Duration(0), h.RetryDelay())
}

func TestHandleError(t *testing.T) {
	stats := NewStatistics()
	h := NewErrorHandler(stats, 3, time.Millisecond)

	conn := newFakeConnection(StateError, 2)
	assert.True(t, h.HandleError(context.Background(), conn, ErrTimeout))
	assert.Equal(t, int32(2), conn.resets.Load())
	assert.Equal(t, int64(1), stats.Errors())

	conn = newFakeConnection(StateError, 1)
	assert.False(t, h.HandleError(context.Background(), conn, errors.New("unexpected")))
	assert.Equal(t, int32(0), conn.resets.Load())
	assert.Equal(t, int64(2), stats.Errors())
}

func TestAttemptRecoveryGivesUp(t *testing.T) {
	h := NewErrorHandler(nil, 3, time.Millisecond)
	conn := newFakeConnection(StateError, 0)
	conn.resetErr = errors.New("still down")

	assert.False(t, h.AttemptRecovery(context.Background(), conn))
	assert.Equal(t, int32(3), conn.resets.Load())
	assert.False(t, h.AttemptRecovery(context.Background(), nil))
}

func TestAttemptRecoveryHonorsContext(t *testing.T) {
	h := NewErrorHandler(nil, 3, time.Hour)
	conn := newFakeConnection(StateError, 1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.False(t, h.AttemptRecovery(ctx, conn))
	assert.Equal(t, int32(0), conn.resets.Load())
}

func TestExecuteWithRetrySucceedsFirstTry(t *testing.T) {
	h := NewErrorHandler(nil, 3, time.Millisecond)
	conn := newFakeConnection(StateEstablished, 1)

	got, err := ExecuteWithRetry(context.Background(), h, conn, func(context.Context) (int, error) {
		return 42, nil
	})

	require.NoError(t, err)
	assert.Equal(t, 42, got)
	assert.Equal(t, int32(0), conn.resets.Load())
}

func TestExecuteWithRetryRecovers(t *testing.T) {
	h := NewErrorHandler(nil, 3, time.Millisecond)
	conn := newFakeConnection(StateError, 1)

	calls := 0
	got, err := ExecuteWithRetry(context.Background(), h, conn, func(context.Context) (string, error) {
		calls++
		if calls < 2 {
			return "", ErrTimeout
		}
		return "ok", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "ok", got)
	assert.Equal(t, 2, calls)
}

func TestExecuteWithRetryBound(t *testing.T) {
	stats := NewStatistics()
	h := NewErrorHandler(stats, 3, time.Millisecond)
	conn := newFakeConnection(StateEstablished, 1)

	calls := 0
	_, err := ExecuteWithRetry(context.Background(), h, conn, func(context.Context) (struct{}, error) {
		calls++
		return struct{}{}, ErrTimeout
	})

	require.Error(t, err)
	assert.Equal(t, 4, calls)
	assert.Contains(t, err.Error(), "4 attempts")
	assert.ErrorIs(t, err, ErrMaxRetriesExceeded)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, int64(4), stats.Errors())

	var ioErr *IOError
	require.ErrorAs(t, err, &ioErr)
}

func TestExecuteWithRetryZeroRetries(t *testing.T) {
	h := NewErrorHandler(nil, 0, time.Millisecond)
	conn := newFakeConnection(StateEstablished, 1)

	calls := 0
	_, err := ExecuteWithRetry(context.Background(), h, conn, func(context.Context) (int, error) {
		calls++
		return 0, ErrTimeout
	})

	assert.Equal(t, 1, calls)
	assert.Contains(t, err.Error(), "after 1 attempt")
}

func TestExecuteWithRetryStopsOnUnrecoverable(t *testing.T) {
	h := NewErrorHandler(nil, 3, time.Millisecond)
	conn := newFakeConnection(StateEstablished, 1)
	cause := errors.New("unexpected")

	calls := 0
	_, err := ExecuteWithRetry(context.Background(), h, conn, func(context.Context) (int, error) {
		calls++
		return 0, cause
	})

	assert.Equal(t, 1, calls)
	assert.ErrorIs(t, err, cause)
	assert.NotErrorIs(t, err, ErrMaxRetriesExceeded)
	assert.Equal(t, int32(0), conn.resets.Load())
}

func TestExecuteWithRetryStopsWhenRecoveryFails(t *testing.T) {
	h := NewErrorHandler(nil, 2, time.Millisecond)
	conn := newFakeConnection(StateError, 0)

	calls := 0
	_, err := ExecuteWithRetry(context.Background(), h, conn, func(context.Context) (int, error) {
		calls++
		return 0, ErrTimeout
	})

	assert.Equal(t, 1, calls)
	assert.Equal(t, int32(2), conn.resets.Load())
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestExecuteWithRetryContextCanceled(t *testing.T) {
	h := NewErrorHandler(nil, 3, time.Hour)
	conn := newFakeConnection(StateEstablished, 1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := ExecuteWithRetry(ctx, h, conn, func(context.Context) (int, error) {
		return 0, ErrTimeout
	})

	assert.ErrorIs(t, err, context.Canceled)
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestShouldFallbackToTCPKeywords(t *testing.T) {
	h := NewErrorHandler(nil, 3, time.Millisecond)

	assert.True(t, h.ShouldFallbackToTCP(errors.New("RDMA device not found")))
	assert.True(t, h.ShouldFallbackToTCP(errors.New("driver mismatch")))
	assert.True(t, h.ShouldFallbackToTCP(fmt.Errorf("tcp rdma read: %w", ErrOperationNotSupported)))
	assert.False(t, h.ShouldFallbackToTCP(ErrTimeout))
	assert.False(t, h.ShouldFallbackToTCP(nil))
}

func TestShouldFallbackToTCPErrorRate(t *testing.T) {
	stats := NewStatistics()
	h := NewErrorHandler(stats, 3, time.Millisecond)

	for range 10 {
		stats.RecordSend(1, 0)
	}
	stats.RecordError()
	assert.False(t, h.ShouldFallbackToTCP(ErrTimeout), "10% is not above the threshold")

	stats.RecordError()
	assert.True(t, h.ShouldFallbackToTCP(ErrTimeout))
	assert.True(t, h.ShouldFallbackToTCP(nil))
}

func TestSleepContext(t *testing.T) {
	require.NoError(t, sleepContext(context.Background(), 0))
	require.NoError(t, sleepContext(context.Background(), time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, sleepContext(ctx, time.Hour), context.Canceled)
}
